package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// EnsureJWTSecret 返回持久化的签名密钥；首次调用时用 gen 生成并写入（并发首启只会保留一个）。
func (s *Store) EnsureJWTSecret(ctx context.Context, gen func() (string, error)) (string, error) {
	var secret string
	err := s.db.QueryRowContext(ctx, `SELECT secret_key FROM jwt WHERE id=1`).Scan(&secret)
	if err == nil && secret != "" {
		return secret, nil
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", wrapErr("get", "jwt", 0, err)
	}
	fresh, err := gen()
	if err != nil {
		return "", fmt.Errorf("生成 jwt 密钥失败: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, insertIgnoreVerb(s.dialect)+` INTO jwt(id, secret_key) VALUES(1, ?)`, fresh); err != nil {
		return "", wrapErr("init", "jwt", 0, err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT secret_key FROM jwt WHERE id=1`).Scan(&secret); err != nil {
		return "", wrapErr("get", "jwt", 0, err)
	}
	return secret, nil
}

type TLSMaterial struct {
	Key         string
	Certificate string
}

// TLS 材料只存储不解析。
func (s *Store) GetTLS(ctx context.Context) (TLSMaterial, error) {
	var out TLSMaterial
	if err := s.db.QueryRowContext(ctx, "SELECT `key`, certificate FROM tls WHERE id=1").Scan(&out.Key, &out.Certificate); err != nil {
		return TLSMaterial{}, wrapErr("get", "tls", 0, err)
	}
	return out, nil
}

func (s *Store) SetTLS(ctx context.Context, in TLSMaterial) error {
	if strings.TrimSpace(in.Key) == "" || strings.TrimSpace(in.Certificate) == "" {
		return invalidArg("tls key/certificate 不能为空")
	}
	if _, err := s.db.ExecContext(ctx, "INSERT INTO tls(id, `key`, certificate) VALUES(1, ?, ?)"+
		upsertReplaceSuffix(s.dialect, "id", "`key`", "certificate"), in.Key, in.Certificate); err != nil {
		return wrapErr("set", "tls", 0, err)
	}
	return nil
}

type SettingsSection string

const (
	SettingsSubscription SettingsSection = "subscription"
	SettingsTelegram     SettingsSection = "telegram"
)

func (s *Store) ensureSettingsRow(ctx context.Context, q queryer) error {
	_, err := q.ExecContext(ctx, insertIgnoreVerb(s.dialect)+` INTO settings(id, subscription, telegram) VALUES(1, '{}', NULL)`)
	return err
}

func settingsColumn(section SettingsSection) (string, error) {
	switch section {
	case SettingsSubscription:
		return "subscription", nil
	case SettingsTelegram:
		return "telegram", nil
	default:
		return "", invalidArg("未知 settings 分区：%s", section)
	}
}

// GetSettingsJSON 返回某个分区的原始 JSON（缺省为 "{}"）。
func (s *Store) GetSettingsJSON(ctx context.Context, section SettingsSection) (string, error) {
	col, err := settingsColumn(section)
	if err != nil {
		return "", err
	}
	var raw sql.NullString
	err = s.db.QueryRowContext(ctx, `SELECT `+col+` FROM settings WHERE id=1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return "{}", nil
	}
	if err != nil {
		return "", wrapErr("get", "settings", 0, err)
	}
	if strings.TrimSpace(raw.String) == "" {
		return "{}", nil
	}
	return raw.String, nil
}

// GetSetting 按 gjson 路径读取分区内字段。
func (s *Store) GetSetting(ctx context.Context, section SettingsSection, path string) (gjson.Result, error) {
	raw, err := s.GetSettingsJSON(ctx, section)
	if err != nil {
		return gjson.Result{}, err
	}
	return gjson.Get(raw, path), nil
}

// SetSetting 按 sjson 路径局部更新分区内字段，其余字段保持不变。
func (s *Store) SetSetting(ctx context.Context, section SettingsSection, path string, value any) error {
	return s.updateSetting(ctx, section, path, func(doc string) (string, error) {
		return sjson.Set(doc, path, value)
	})
}

// SetSettingRaw 与 SetSetting 相同，但 value 为原始 JSON 文本。
func (s *Store) SetSettingRaw(ctx context.Context, section SettingsSection, path string, raw string) error {
	raw = strings.TrimSpace(raw)
	if !gjson.Valid(raw) {
		return invalidArg("settings value 必须是合法 JSON")
	}
	return s.updateSetting(ctx, section, path, func(doc string) (string, error) {
		return sjson.SetRaw(doc, path, raw)
	})
}

func (s *Store) updateSetting(ctx context.Context, section SettingsSection, path string, apply func(doc string) (string, error)) error {
	col, err := settingsColumn(section)
	if err != nil {
		return err
	}
	if strings.TrimSpace(path) == "" {
		return invalidArg("settings path 不能为空")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("set", "settings", 0, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.ensureSettingsRow(ctx, tx); err != nil {
		return wrapErr("init", "settings", 0, err)
	}
	var raw sql.NullString
	if err := tx.QueryRowContext(ctx, `SELECT `+col+` FROM settings WHERE id=1`+forUpdateClause(s.dialect)).Scan(&raw); err != nil {
		return wrapErr("set", "settings", 0, err)
	}
	doc := raw.String
	if strings.TrimSpace(doc) == "" || !gjson.Valid(doc) {
		doc = "{}"
	}
	next, err := apply(doc)
	if err != nil {
		return invalidArg("settings path 不合法：%v", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE settings SET `+col+`=? WHERE id=1`, next); err != nil {
		return wrapErr("set", "settings", 0, err)
	}
	if err := tx.Commit(); err != nil {
		return wrapErr("set", "settings", 0, err)
	}
	return nil
}
