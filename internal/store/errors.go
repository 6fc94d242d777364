package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrNotFound 表示实体不存在（未知用户/节点/入站等）。
	ErrNotFound = errors.New("not found")
	// ErrConflict 表示唯一约束冲突（例如 address+port 重复、节点内 tag 重复）。
	ErrConflict = errors.New("conflict")
	// ErrInvalidState 表示当前状态不允许该操作（非法状态迁移等）。
	ErrInvalidState = errors.New("invalid state")
	// ErrTransient 表示存储层暂时失败（死锁、锁等待超时、连接中断），调用方可安全重试。
	ErrTransient = errors.New("transient storage failure")
	// ErrInvalidArgument 表示入参不合法（负数增量、未知枚举值等）。
	ErrInvalidArgument = errors.New("invalid argument")
)

// classify 把驱动错误归类到上面的哨兵错误，同时保留原始错误链。
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range []error{ErrNotFound, ErrConflict, ErrInvalidState, ErrTransient, ErrInvalidArgument} {
		if errors.Is(err, kind) {
			return err
		}
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1062: // ER_DUP_ENTRY
			return fmt.Errorf("%w: %w", ErrConflict, err)
		case 1205, 1213: // ER_LOCK_WAIT_TIMEOUT / ER_LOCK_DEADLOCK
			return fmt.Errorf("%w: %w", ErrTransient, err)
		}
		return err
	}

	var sqErr *sqlite.Error
	if errors.As(err, &sqErr) {
		switch sqErr.Code() & 0xff {
		case sqlite3.SQLITE_CONSTRAINT:
			if strings.Contains(sqErr.Error(), "UNIQUE") || strings.Contains(sqErr.Error(), "PRIMARY KEY") {
				return fmt.Errorf("%w: %w", ErrConflict, err)
			}
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %w", ErrTransient, err)
		}
		return err
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %w", ErrConflict, err)
	}
	if strings.Contains(err.Error(), "database is locked") {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return err
}

// wrapErr 为错误附加操作与实体上下文，并做归类。
func wrapErr(op string, entity string, id int64, err error) error {
	if err == nil {
		return nil
	}
	if id > 0 {
		return fmt.Errorf("%s %s(id=%d): %w", op, entity, id, classify(err))
	}
	return fmt.Errorf("%s %s: %w", op, entity, classify(err))
}

func invalidArg(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// requireAffected 在 UPDATE 未命中任何行时返回 ErrNotFound（父行已被并发删除等）。
func requireAffected(res sql.Result, op string, entity string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr(op, entity, id, err)
	}
	if n == 0 {
		return wrapErr(op, entity, id, ErrNotFound)
	}
	return nil
}

// lockParent 在事务内读取并锁住父行（MySQL FOR UPDATE；SQLite 单连接已串行）。
func lockParent(ctx context.Context, tx *sql.Tx, d Dialect, table string, id int64) error {
	var v int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE id=?`+forUpdateClause(d), id).Scan(&v); err != nil {
		return wrapErr("lookup", strings.TrimSuffix(table, "s"), id, err)
	}
	return nil
}
