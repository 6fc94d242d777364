package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

func (s *Store) CreateAdmin(ctx context.Context, username string, passwordHash []byte, isSudo bool, now time.Time) (int64, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return 0, invalidArg("admin username 不能为空")
	}
	if len(passwordHash) == 0 {
		return 0, invalidArg("admin 密码哈希为空")
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO admins(username, hashed_password, is_sudo, created_at) VALUES(?, ?, ?, ?)`,
		username, passwordHash, boolToInt(isSudo), dbTime(now))
	if err != nil {
		return 0, wrapErr("create", "admin", 0, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("获取 admin id 失败: %w", err)
	}
	return id, nil
}

func (s *Store) GetAdminByUsername(ctx context.Context, username string) (Admin, error) {
	var (
		a       Admin
		sudo    int
		resetAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, username, hashed_password, is_sudo, created_at, password_reset_at FROM admins WHERE username=?`,
		strings.TrimSpace(username)).Scan(&a.ID, &a.Username, &a.HashedPassword, &sudo, &a.CreatedAt, &resetAt)
	if err != nil {
		return Admin{}, fmt.Errorf("get admin(username=%s): %w", username, classify(err))
	}
	a.IsSudo = sudo != 0
	a.PasswordResetAt = nullTimePtr(resetAt)
	a.CreatedAt = a.CreatedAt.UTC()
	return a, nil
}

// UpdateAdminPassword 更新密码并记录 password_reset_at（早于该时间签发的会话应视为失效）。
func (s *Store) UpdateAdminPassword(ctx context.Context, id int64, passwordHash []byte, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE admins SET hashed_password=?, password_reset_at=? WHERE id=?`, passwordHash, dbTime(now), id)
	if err != nil {
		return wrapErr("update password", "admin", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wrapErr("update password", "admin", id, ErrNotFound)
	}
	return nil
}
