package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

func liveReminderCond() string {
	return `(expires_at IS NULL OR expires_at > ?)`
}

// HasLiveReminder 判断用户是否已有未过期的同类提醒。
func (s *Store) HasLiveReminder(ctx context.Context, userID int64, typ ReminderType, now time.Time) (bool, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM notification_reminders WHERE user_id=? AND type=? AND `+liveReminderCond()+` LIMIT 1`,
		userID, string(typ), dbTime(now)).Scan(&v)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, wrapErr("check reminder", "user", userID, err)
	}
	return true, nil
}

// ClaimReminder 在一个事务内查重并插入提醒；已有未过期同类提醒时返回 claimed=false。
// 过期的同类提醒会被顺带清理。
func (s *Store) ClaimReminder(ctx context.Context, userID int64, typ ReminderType, expiresAt *time.Time, now time.Time) (int64, bool, error) {
	if !typ.Valid() {
		return 0, false, invalidArg("未知提醒类型：%s", typ)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, wrapErr("claim reminder", "user", userID, err)
	}
	defer func() { _ = tx.Rollback() }()

	// 锁住用户行，串行化同一用户的并发认领。
	var v int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM users WHERE id=?`+forUpdateClause(s.dialect), userID).Scan(&v); err != nil {
		return 0, false, wrapErr("claim reminder", "user", userID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM notification_reminders WHERE user_id=? AND type=? AND expires_at IS NOT NULL AND expires_at <= ?`,
		userID, string(typ), dbTime(now)); err != nil {
		return 0, false, wrapErr("claim reminder", "user", userID, err)
	}
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM notification_reminders WHERE user_id=? AND type=? AND `+liveReminderCond()+` LIMIT 1`,
		userID, string(typ), dbTime(now)).Scan(&v)
	if err == nil {
		return 0, false, nil
	}
	if err != sql.ErrNoRows {
		return 0, false, wrapErr("claim reminder", "user", userID, err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO notification_reminders(user_id, type, expires_at, created_at) VALUES(?, ?, ?, ?)`,
		userID, string(typ), dbTimePtr(expiresAt), dbTime(now))
	if err != nil {
		return 0, false, wrapErr("claim reminder", "user", userID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("获取 reminder id 失败: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, false, wrapErr("claim reminder", "user", userID, err)
	}
	return id, true, nil
}

func (s *Store) DeleteReminder(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM notification_reminders WHERE id=?`, id); err != nil {
		return wrapErr("delete", "reminder", id, err)
	}
	return nil
}

// ClearReminders 删除用户指定类型的全部提醒，使同一条件可再次通知。
func (s *Store) ClearReminders(ctx context.Context, userID int64, types ...ReminderType) (int64, error) {
	if len(types) == 0 {
		return 0, nil
	}
	args := []any{userID}
	ph := ""
	for i, t := range types {
		if i > 0 {
			ph += ","
		}
		ph += "?"
		args = append(args, string(t))
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM notification_reminders WHERE user_id=? AND type IN (`+ph+`)`, args...)
	if err != nil {
		return 0, wrapErr("clear reminders", "user", userID, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Store) ListReminders(ctx context.Context, userID int64) ([]NotificationReminder, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, type, expires_at, created_at FROM notification_reminders WHERE user_id=? ORDER BY id ASC`, userID)
	if err != nil {
		return nil, wrapErr("list reminders", "user", userID, err)
	}
	defer rows.Close()
	var out []NotificationReminder
	for rows.Next() {
		var (
			r       NotificationReminder
			typ     string
			expires sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.UserID, &typ, &expires, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("扫描 reminder 失败: %w", err)
		}
		r.Type = ReminderType(typ)
		r.ExpiresAt = nullTimePtr(expires)
		r.CreatedAt = r.CreatedAt.UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历 reminder 失败: %w", err)
	}
	return out, nil
}

// PurgeExpiredReminders 清理所有已过期提醒，返回删除行数。
func (s *Store) PurgeExpiredReminders(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notification_reminders WHERE expires_at IS NOT NULL AND expires_at <= ?`, dbTime(now))
	if err != nil {
		return 0, wrapErr("purge", "reminders", 0, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
