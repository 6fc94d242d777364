package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

type HostSpec struct {
	Remark        string
	Address       string
	Port          *int
	Path          *string
	SNI           *string
	Host          *string
	Security      HostSecurity
	ALPN          string
	Fingerprint   string
	Mux           bool
	Fragment      *string
	AllowInsecure bool
	IsDisabled    bool
}

func normalizeHostSpec(in *HostSpec) error {
	in.Remark = strings.TrimSpace(in.Remark)
	in.Address = strings.TrimSpace(in.Address)
	if in.Remark == "" {
		return invalidArg("host remark 不能为空")
	}
	if in.Address == "" {
		return invalidArg("host address 不能为空")
	}
	if in.Port != nil && (*in.Port <= 0 || *in.Port > 65535) {
		return invalidArg("host port 不合法：%d", *in.Port)
	}
	if in.Security == "" {
		in.Security = HostSecurityInboundDefault
	}
	switch in.Security {
	case HostSecurityInboundDefault, HostSecurityNone, HostSecurityTLS:
	default:
		return invalidArg("未知 host security：%s", in.Security)
	}
	if in.ALPN == "" {
		in.ALPN = "none"
	}
	if _, ok := validALPN[in.ALPN]; !ok {
		return invalidArg("未知 alpn：%s", in.ALPN)
	}
	if in.Fingerprint == "" {
		in.Fingerprint = "none"
	}
	if _, ok := validFingerprint[in.Fingerprint]; !ok {
		return invalidArg("未知 fingerprint：%s", in.Fingerprint)
	}
	if in.Fragment != nil {
		f := strings.TrimSpace(*in.Fragment)
		if f == "" {
			in.Fragment = nil
		} else if !gjson.Valid(f) || !gjson.Parse(f).IsObject() {
			return invalidArg("host fragment 必须是 JSON 对象")
		} else {
			in.Fragment = &f
		}
	}
	return nil
}

const hostColumns = `id, inbound_id, remark, address, port, path, sni, host, security, alpn, fingerprint, mux, fragment, allowinsecure, is_disabled`

func scanHost(row interface{ Scan(dest ...any) error }) (Host, error) {
	var (
		h                       Host
		port                    sql.NullInt64
		path, sni, host, frag   sql.NullString
		security                string
		mux, insecure, disabled int
	)
	if err := row.Scan(&h.ID, &h.InboundID, &h.Remark, &h.Address, &port, &path, &sni, &host, &security, &h.ALPN, &h.Fingerprint,
		&mux, &frag, &insecure, &disabled); err != nil {
		return Host{}, err
	}
	if port.Valid {
		p := int(port.Int64)
		h.Port = &p
	}
	h.Path = nullStringPtr(path)
	h.SNI = nullStringPtr(sni)
	h.Host = nullStringPtr(host)
	h.Fragment = nullStringPtr(frag)
	h.Security = HostSecurity(security)
	h.Mux = mux != 0
	h.AllowInsecure = insecure != 0
	h.IsDisabled = disabled != 0
	return h, nil
}

func intPtrArg(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func (s *Store) CreateHost(ctx context.Context, inboundID int64, in HostSpec) (int64, error) {
	if err := normalizeHostSpec(&in); err != nil {
		return 0, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrapErr("create host", "inbound", inboundID, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := lockParent(ctx, tx, s.dialect, "inbounds", inboundID); err != nil {
		return 0, fmt.Errorf("create host: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
INSERT INTO hosts(inbound_id, remark, address, port, path, sni, host, security, alpn, fingerprint, mux, fragment, allowinsecure, is_disabled)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, inboundID, in.Remark, in.Address, intPtrArg(in.Port), stringPtrArg(in.Path), stringPtrArg(in.SNI), stringPtrArg(in.Host),
		string(in.Security), in.ALPN, in.Fingerprint, boolToInt(in.Mux), stringPtrArg(in.Fragment), boolToInt(in.AllowInsecure), boolToInt(in.IsDisabled))
	if err != nil {
		return 0, wrapErr("create host", "inbound", inboundID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("获取 host id 失败: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, wrapErr("create host", "inbound", inboundID, err)
	}
	return id, nil
}

func (s *Store) GetHost(ctx context.Context, id int64) (Host, error) {
	h, err := scanHost(s.db.QueryRowContext(ctx, `SELECT `+hostColumns+` FROM hosts WHERE id=?`, id))
	if err != nil {
		return Host{}, wrapErr("get", "host", id, err)
	}
	return h, nil
}

func (s *Store) ListHostsByInbound(ctx context.Context, inboundID int64) ([]Host, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+hostColumns+` FROM hosts WHERE inbound_id=? ORDER BY id ASC`, inboundID)
	if err != nil {
		return nil, wrapErr("list hosts", "inbound", inboundID, err)
	}
	defer rows.Close()
	var out []Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, fmt.Errorf("扫描 host 失败: %w", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历 host 失败: %w", err)
	}
	return out, nil
}

func (s *Store) UpdateHost(ctx context.Context, id int64, in HostSpec) error {
	if err := normalizeHostSpec(&in); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE hosts SET remark=?, address=?, port=?, path=?, sni=?, host=?, security=?, alpn=?, fingerprint=?, mux=?, fragment=?, allowinsecure=?, is_disabled=?
WHERE id=?
`, in.Remark, in.Address, intPtrArg(in.Port), stringPtrArg(in.Path), stringPtrArg(in.SNI), stringPtrArg(in.Host),
		string(in.Security), in.ALPN, in.Fingerprint, boolToInt(in.Mux), stringPtrArg(in.Fragment), boolToInt(in.AllowInsecure), boolToInt(in.IsDisabled), id)
	if err != nil {
		return wrapErr("update", "host", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetHost(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) DeleteHost(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM hosts WHERE id=?`, id)
	if err != nil {
		return wrapErr("delete", "host", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wrapErr("delete", "host", id, ErrNotFound)
	}
	return nil
}
