package store

func forUpdateClause(d Dialect) string {
	if d == DialectMySQL {
		return " FOR UPDATE"
	}
	return ""
}

func insertIgnoreVerb(d Dialect) string {
	if d == DialectSQLite {
		return "INSERT OR IGNORE"
	}
	return "INSERT IGNORE"
}

// upsertAddSuffix 生成 "按唯一键累加" 的 upsert 尾部；conflictCols 仅 SQLite 需要。
func upsertAddSuffix(d Dialect, table string, conflictCols string, addCols ...string) string {
	if d == DialectSQLite {
		out := " ON CONFLICT(" + conflictCols + ") DO UPDATE SET "
		for i, c := range addCols {
			if i > 0 {
				out += ", "
			}
			out += c + " = " + table + "." + c + " + excluded." + c
		}
		return out
	}
	out := " ON DUPLICATE KEY UPDATE "
	for i, c := range addCols {
		if i > 0 {
			out += ", "
		}
		out += c + " = " + c + " + VALUES(" + c + ")"
	}
	return out
}

// upsertMaxSuffix 生成 "按唯一键取较大值" 的 upsert 尾部。
func upsertMaxSuffix(d Dialect, table string, conflictCols string, col string) string {
	if d == DialectSQLite {
		return " ON CONFLICT(" + conflictCols + ") DO UPDATE SET " + col + " = MAX(" + table + "." + col + ", excluded." + col + ")"
	}
	return " ON DUPLICATE KEY UPDATE " + col + " = GREATEST(" + col + ", VALUES(" + col + "))"
}

// upsertReplaceSuffix 生成 "按唯一键覆盖写入" 的 upsert 尾部。
func upsertReplaceSuffix(d Dialect, conflictCols string, cols ...string) string {
	if d == DialectSQLite {
		out := " ON CONFLICT(" + conflictCols + ") DO UPDATE SET "
		for i, c := range cols {
			if i > 0 {
				out += ", "
			}
			out += c + " = excluded." + c
		}
		return out
	}
	out := " ON DUPLICATE KEY UPDATE "
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += c + " = VALUES(" + c + ")"
	}
	return out
}
