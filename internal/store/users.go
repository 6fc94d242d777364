package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const userColumns = `id, username, user_key, enabled, status, used_traffic, lifetime_used_traffic, traffic_reset_at,
data_limit, data_limit_reset_strategy, ip_limit, settings, expire, admin_id, note, online_at,
on_hold_expire_duration, on_hold_timeout, sub_updated_at, sub_last_user_agent, created_at, edit_at`

type UserCreate struct {
	Username               string
	Key                    string
	Status                 UserStatus
	DataLimit              *int64
	DataLimitResetStrategy ResetStrategy
	Expire                 *time.Time
	IPLimit                *int
	AdminID                *int64
	Note                   string
	Settings               string
	OnHoldExpireDuration   *int64
	OnHoldTimeout          *time.Time
	CreatedAt              time.Time
}

func scanUser(row interface{ Scan(dest ...any) error }) (User, error) {
	var (
		u                                               User
		enabled                                         int
		status, strategy                                string
		trafficResetAt, expire, onlineAt, onHoldTimeout sql.NullTime
		subUpdatedAt, editAt                            sql.NullTime
		dataLimit, adminID, onHoldDuration              sql.NullInt64
		settings, note, subUA                           sql.NullString
	)
	if err := row.Scan(
		&u.ID, &u.Username, &u.Key, &enabled, &status, &u.UsedTraffic, &u.LifetimeUsedTraffic, &trafficResetAt,
		&dataLimit, &strategy, &u.IPLimit, &settings, &expire, &adminID, &note, &onlineAt,
		&onHoldDuration, &onHoldTimeout, &subUpdatedAt, &subUA, &u.CreatedAt, &editAt,
	); err != nil {
		return User{}, err
	}
	u.Enabled = enabled != 0
	u.Status = UserStatus(status)
	u.DataLimitResetStrategy = ResetStrategy(strategy)
	u.TrafficResetAt = nullTimePtr(trafficResetAt)
	u.DataLimit = nullInt64Ptr(dataLimit)
	u.Settings = settings.String
	u.Expire = nullTimePtr(expire)
	u.AdminID = nullInt64Ptr(adminID)
	u.Note = note.String
	u.OnlineAt = nullTimePtr(onlineAt)
	u.OnHoldExpireDuration = nullInt64Ptr(onHoldDuration)
	u.OnHoldTimeout = nullTimePtr(onHoldTimeout)
	u.SubUpdatedAt = nullTimePtr(subUpdatedAt)
	u.SubLastUserAgent = subUA.String
	u.CreatedAt = u.CreatedAt.UTC()
	u.EditAt = nullTimePtr(editAt)
	return u, nil
}

func (s *Store) CreateUser(ctx context.Context, in UserCreate) (int64, error) {
	in.Username = strings.TrimSpace(in.Username)
	if in.Username == "" {
		return 0, invalidArg("username 不能为空")
	}
	if len(in.Username) > 34 {
		return 0, invalidArg("username 过长")
	}
	in.Key = strings.TrimSpace(in.Key)
	if in.Key == "" {
		return 0, invalidArg("user key 不能为空")
	}
	if in.DataLimitResetStrategy == "" {
		in.DataLimitResetStrategy = ResetNoReset
	}
	if !in.DataLimitResetStrategy.Valid() {
		return 0, invalidArg("未知重置策略：%s", in.DataLimitResetStrategy)
	}
	if in.DataLimit != nil && *in.DataLimit < 0 {
		return 0, invalidArg("data_limit 不能为负数")
	}
	if in.Status == "" {
		in.Status = UserStatusActive
		if in.OnHoldExpireDuration != nil {
			in.Status = UserStatusOnHold
		}
	}
	if !in.Status.Valid() {
		return 0, invalidArg("未知用户状态：%s", in.Status)
	}
	if in.Status == UserStatusOnHold && (in.OnHoldExpireDuration == nil || *in.OnHoldExpireDuration <= 0) {
		return 0, invalidArg("on_hold 用户必须设置 on_hold_expire_duration")
	}
	ipLimit := -1
	if in.IPLimit != nil {
		ipLimit = *in.IPLimit
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now()
	}
	// 未显式给出等待截止时间时，从创建起最多等待一个 on_hold 时长。
	if in.Status == UserStatusOnHold && in.OnHoldTimeout == nil {
		t := in.CreatedAt.Add(time.Duration(*in.OnHoldExpireDuration) * time.Second).UTC()
		in.OnHoldTimeout = &t
	}

	res, err := s.db.ExecContext(ctx, `
INSERT INTO users(username, user_key, enabled, status, used_traffic, lifetime_used_traffic, data_limit,
  data_limit_reset_strategy, ip_limit, settings, expire, admin_id, note, on_hold_expire_duration, on_hold_timeout, created_at)
VALUES(?, ?, 1, ?, 0, 0, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, in.Username, in.Key, string(in.Status), int64PtrArg(in.DataLimit), string(in.DataLimitResetStrategy), ipLimit,
		in.Settings, dbTimePtr(in.Expire), int64PtrArg(in.AdminID), in.Note, int64PtrArg(in.OnHoldExpireDuration),
		dbTimePtr(in.OnHoldTimeout), dbTime(in.CreatedAt))
	if err != nil {
		return 0, wrapErr("create", "user", 0, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("获取用户 id 失败: %w", err)
	}
	return id, nil
}

func (s *Store) GetUser(ctx context.Context, id int64) (User, error) {
	return getUser(ctx, s.db, id, "")
}

func getUser(ctx context.Context, q queryer, id int64, suffix string) (User, error) {
	u, err := scanUser(q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`+suffix, id))
	if err != nil {
		return User{}, wrapErr("get", "user", id, err)
	}
	return u, nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username=?`, strings.TrimSpace(username)))
	if err != nil {
		return User{}, fmt.Errorf("get user(username=%s): %w", username, classify(err))
	}
	return u, nil
}

func queryUsers(ctx context.Context, q queryer, query string, args ...any) ([]User, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("扫描用户失败: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历用户失败: %w", err)
	}
	return out, nil
}

// ListUsersAfter 按 id 升序分页，供周期扫描使用；includeDisabled=false 时跳过管理员禁用的用户。
func (s *Store) ListUsersAfter(ctx context.Context, afterID int64, limit int, includeDisabled bool) ([]User, error) {
	if limit <= 0 || limit > 1000 {
		limit = 500
	}
	where := `id > ?`
	if !includeDisabled {
		where += ` AND status <> 'disabled'`
	}
	out, err := queryUsers(ctx, s.db, `SELECT `+userColumns+` FROM users WHERE `+where+` ORDER BY id ASC LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("分页查询用户失败: %w", err)
	}
	return out, nil
}

// ListUsersNearingLimits 返回即将到期或用量超过阈值的活跃用户。
func (s *Store) ListUsersNearingLimits(ctx context.Context, now time.Time, expireWithin time.Duration, usagePercent int) ([]User, error) {
	var (
		conds []string
		args  []any
	)
	if expireWithin > 0 {
		conds = append(conds, `(expire IS NOT NULL AND expire > ? AND expire <= ?)`)
		args = append(args, dbTime(now), dbTime(now.Add(expireWithin)))
	}
	if usagePercent > 0 {
		conds = append(conds, `(data_limit IS NOT NULL AND data_limit > 0 AND used_traffic * 100 >= data_limit * ?)`)
		args = append(args, usagePercent)
	}
	if len(conds) == 0 {
		return nil, nil
	}
	out, err := queryUsers(ctx, s.db, `SELECT `+userColumns+` FROM users WHERE status='active' AND enabled=1 AND (`+strings.Join(conds, " OR ")+`) ORDER BY id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("查询临近限额用户失败: %w", err)
	}
	return out, nil
}

// CompareAndSetUserStatus 仅当当前状态为 from 时写入 to，返回是否发生迁移。
func (s *Store) CompareAndSetUserStatus(ctx context.Context, id int64, from, to UserStatus) (bool, error) {
	if !to.Valid() {
		return false, invalidArg("未知用户状态：%s", to)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE users SET status=? WHERE id=? AND status=?`, string(to), id, string(from))
	if err != nil {
		return false, wrapErr("set status", "user", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ActivateOnHoldUser 完成 on_hold -> active：写入到期时间并清空 on_hold_timeout。
func (s *Store) ActivateOnHoldUser(ctx context.Context, id int64, expire *time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE users SET status='active', expire=?, on_hold_timeout=NULL
WHERE id=? AND status='on_hold'
`, dbTimePtr(expire), id)
	if err != nil {
		return false, wrapErr("activate on_hold", "user", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) SetUserEnabled(ctx context.Context, id int64, enabled bool, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET enabled=?, edit_at=? WHERE id=?`, boolToInt(enabled), dbTime(now), id)
	if err != nil {
		return wrapErr("set enabled", "user", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wrapErr("set enabled", "user", id, ErrNotFound)
	}
	return nil
}

type UserQuotaUpdate struct {
	DataLimit              *int64
	Expire                 *time.Time
	DataLimitResetStrategy ResetStrategy
}

// UpdateUserQuota 覆盖写入限额、到期时间与重置策略（nil 表示清空）。
func (s *Store) UpdateUserQuota(ctx context.Context, id int64, in UserQuotaUpdate, now time.Time) error {
	if in.DataLimitResetStrategy == "" {
		in.DataLimitResetStrategy = ResetNoReset
	}
	if !in.DataLimitResetStrategy.Valid() {
		return invalidArg("未知重置策略：%s", in.DataLimitResetStrategy)
	}
	if in.DataLimit != nil && *in.DataLimit < 0 {
		return invalidArg("data_limit 不能为负数")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("update quota", "user", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	var prev string
	if err := tx.QueryRowContext(ctx, `SELECT data_limit_reset_strategy FROM users WHERE id=?`+forUpdateClause(s.dialect), id).Scan(&prev); err != nil {
		return wrapErr("update quota", "user", id, err)
	}
	// 策略变化时清空 traffic_reset_at，由下一次评估按新策略排期。
	resetClause := ``
	if ResetStrategy(prev) != in.DataLimitResetStrategy {
		resetClause = `, traffic_reset_at=NULL`
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE users SET data_limit=?, expire=?, data_limit_reset_strategy=?, edit_at=?`+resetClause+`
WHERE id=?
`, int64PtrArg(in.DataLimit), dbTimePtr(in.Expire), string(in.DataLimitResetStrategy), dbTime(now), id); err != nil {
		return wrapErr("update quota", "user", id, err)
	}
	if err := tx.Commit(); err != nil {
		return wrapErr("update quota", "user", id, err)
	}
	return nil
}

// ScheduleTrafficReset 仅在 traffic_reset_at 为空时写入下一个重置时间。
func (s *Store) ScheduleTrafficReset(ctx context.Context, id int64, next time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET traffic_reset_at=? WHERE id=? AND traffic_reset_at IS NULL`, dbTime(next), id)
	if err != nil {
		return false, wrapErr("schedule reset", "user", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

type TrafficResetOutcome struct {
	Applied        bool
	PreviousStatus UserStatus
	Status         UserStatus
	// FoldedTraffic 是清零前的 used_traffic，与重置日志中的记录一致。
	FoldedTraffic int64
	NextResetAt    *time.Time
}

// ResetUserTraffic 在一个事务内清零 used_traffic，并把清零前的值写入 user_usage_resets。
// force=false 时要求 traffic_reset_at 已到期（同一周期内重复调用不会二次重置）。
func (s *Store) ResetUserTraffic(ctx context.Context, id int64, now time.Time, next *time.Time, force bool) (TrafficResetOutcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return TrafficResetOutcome{}, wrapErr("reset traffic", "user", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		used    int64
		status  string
		resetAt sql.NullTime
	)
	err = tx.QueryRowContext(ctx, `SELECT used_traffic, status, traffic_reset_at FROM users WHERE id=?`+forUpdateClause(s.dialect), id).
		Scan(&used, &status, &resetAt)
	if err != nil {
		return TrafficResetOutcome{}, wrapErr("reset traffic", "user", id, err)
	}
	out := TrafficResetOutcome{PreviousStatus: UserStatus(status), Status: UserStatus(status)}
	if !force {
		if !resetAt.Valid || resetAt.Time.After(now) {
			return out, nil
		}
	}

	newStatus := UserStatus(status)
	if newStatus == UserStatusLimited {
		newStatus = UserStatusActive
	}
	// lifetime_used_traffic 在每次上报时已同步累加，这里只清零当期计数并记入重置日志。
	if _, err := tx.ExecContext(ctx, `
UPDATE users SET used_traffic = 0, traffic_reset_at = ?, status = ?
WHERE id=?
`, dbTimePtr(next), string(newStatus), id); err != nil {
		return TrafficResetOutcome{}, wrapErr("reset traffic", "user", id, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO user_usage_resets(user_id, used_traffic_at_reset, reset_at) VALUES(?, ?, ?)`, id, used, dbTime(now)); err != nil {
		return TrafficResetOutcome{}, wrapErr("record reset", "user", id, err)
	}
	if err := tx.Commit(); err != nil {
		return TrafficResetOutcome{}, wrapErr("reset traffic", "user", id, err)
	}
	out.Applied = true
	out.Status = newStatus
	out.FoldedTraffic = used
	out.NextResetAt = next
	return out, nil
}

func (s *Store) ListUsageResets(ctx context.Context, userID int64) ([]UsageReset, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, used_traffic_at_reset, reset_at FROM user_usage_resets WHERE user_id=? ORDER BY id ASC`, userID)
	if err != nil {
		return nil, wrapErr("list resets", "user", userID, err)
	}
	defer rows.Close()
	var out []UsageReset
	for rows.Next() {
		var r UsageReset
		if err := rows.Scan(&r.ID, &r.UserID, &r.UsedTrafficAtReset, &r.ResetAt); err != nil {
			return nil, fmt.Errorf("扫描重置记录失败: %w", err)
		}
		r.ResetAt = r.ResetAt.UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历重置记录失败: %w", err)
	}
	return out, nil
}

// DeleteUser 在一个事务内删除用户及其用量事实、提醒、服务关联与上报水位。
func (s *Store) DeleteUser(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("delete", "user", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM users WHERE id=?`+forUpdateClause(s.dialect), id).Scan(&exists); err != nil {
		return wrapErr("delete", "user", id, err)
	}
	for _, stmt := range []string{
		`DELETE FROM node_user_usages WHERE user_id=?`,
		`DELETE FROM notification_reminders WHERE user_id=?`,
		`DELETE FROM users_services WHERE user_id=?`,
		`DELETE FROM usage_report_offsets WHERE user_id=?`,
		`DELETE FROM user_usage_resets WHERE user_id=?`,
		`DELETE FROM users WHERE id=?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return wrapErr("delete", "user", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return wrapErr("delete", "user", id, err)
	}
	return nil
}

func (s *Store) CountUsers(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("统计用户失败: %w", err)
	}
	return n, nil
}

// existingUserIDs 返回 ids 中实际存在的用户 id 集合；lock 为 forUpdateClause 的结果时同时锁住这些行。
func existingUserIDs(ctx context.Context, q queryer, ids []int64, lock string) (map[int64]struct{}, error) {
	out := make(map[int64]struct{}, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	ph, args := inPlaceholders(ids)
	rows, err := q.QueryContext(ctx, `SELECT id FROM users WHERE id IN (`+ph+`) ORDER BY id`+lock, args...)
	if err != nil {
		return nil, classify(err)
	}
	found, err := scanIDs(rows)
	if err != nil {
		return nil, err
	}
	for _, id := range found {
		out[id] = struct{}{}
	}
	return out, nil
}
