package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const nodeColumns = `id, name, connection_backend, address, port, xray_version, status, last_status_change, message,
created_at, uplink, downlink, usage_coefficient`

type NodeCreate struct {
	Name              string
	ConnectionBackend string
	Address           string
	Port              int
	UsageCoefficient  decimal.Decimal
	CreatedAt         time.Time
}

type NodeUpdate struct {
	Name              string
	ConnectionBackend string
	Address           string
	Port              int
	UsageCoefficient  decimal.Decimal
}

func scanNode(row interface{ Scan(dest ...any) error }) (Node, error) {
	var (
		n                    Node
		status               string
		xrayVersion, message sql.NullString
		lastChange           sql.NullTime
	)
	if err := row.Scan(&n.ID, &n.Name, &n.ConnectionBackend, &n.Address, &n.Port, &xrayVersion, &status, &lastChange, &message,
		&n.CreatedAt, &n.Uplink, &n.Downlink, &n.UsageCoefficient); err != nil {
		return Node{}, err
	}
	n.Status = NodeStatus(status)
	n.XrayVersion = nullStringPtr(xrayVersion)
	n.Message = nullStringPtr(message)
	n.LastStatusChange = nullTimePtr(lastChange)
	n.CreatedAt = n.CreatedAt.UTC()
	return n, nil
}

func validateNodeFields(name, address string, port int, coef decimal.Decimal) error {
	if strings.TrimSpace(name) == "" {
		return invalidArg("node name 不能为空")
	}
	if strings.TrimSpace(address) == "" {
		return invalidArg("node address 不能为空")
	}
	if port <= 0 || port > 65535 {
		return invalidArg("node port 不合法：%d", port)
	}
	if !coef.IsPositive() {
		return invalidArg("usage_coefficient 必须大于 0")
	}
	return nil
}

// CreateNode 新建节点，初始状态为 connecting；name 或 address+port 冲突返回 ErrConflict。
func (s *Store) CreateNode(ctx context.Context, in NodeCreate) (int64, error) {
	if in.UsageCoefficient.IsZero() {
		in.UsageCoefficient = decimal.NewFromInt(1)
	}
	if err := validateNodeFields(in.Name, in.Address, in.Port, in.UsageCoefficient); err != nil {
		return 0, err
	}
	if strings.TrimSpace(in.ConnectionBackend) == "" {
		in.ConnectionBackend = "grpclib"
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO nodes(name, connection_backend, address, port, status, last_status_change, created_at, uplink, downlink, usage_coefficient)
VALUES(?, ?, ?, ?, 'connecting', ?, ?, 0, 0, ?)
`, strings.TrimSpace(in.Name), strings.TrimSpace(in.ConnectionBackend), strings.TrimSpace(in.Address), in.Port,
		dbTime(in.CreatedAt), dbTime(in.CreatedAt), in.UsageCoefficient)
	if err != nil {
		return 0, wrapErr("create", "node", 0, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("获取 node id 失败: %w", err)
	}
	return id, nil
}

func (s *Store) GetNode(ctx context.Context, id int64) (Node, error) {
	n, err := scanNode(s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id=?`, id))
	if err != nil {
		return Node{}, wrapErr("get", "node", id, err)
	}
	return n, nil
}

func (s *Store) ListNodes(ctx context.Context) ([]Node, error) {
	return s.listNodes(ctx, `SELECT `+nodeColumns+` FROM nodes ORDER BY id ASC`)
}

func (s *Store) ListNodesByStatus(ctx context.Context, status NodeStatus) ([]Node, error) {
	return s.listNodes(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE status=? ORDER BY id ASC`, string(status))
}

func (s *Store) listNodes(ctx context.Context, query string, args ...any) ([]Node, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("list", "nodes", 0, err)
	}
	defer rows.Close()
	var out []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("扫描 node 失败: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历 node 失败: %w", err)
	}
	return out, nil
}

func (s *Store) UpdateNode(ctx context.Context, id int64, in NodeUpdate) error {
	if err := validateNodeFields(in.Name, in.Address, in.Port, in.UsageCoefficient); err != nil {
		return err
	}
	if strings.TrimSpace(in.ConnectionBackend) == "" {
		in.ConnectionBackend = "grpclib"
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE nodes SET name=?, connection_backend=?, address=?, port=?, usage_coefficient=? WHERE id=?
`, strings.TrimSpace(in.Name), strings.TrimSpace(in.ConnectionBackend), strings.TrimSpace(in.Address), in.Port, in.UsageCoefficient, id)
	if err != nil {
		return wrapErr("update", "node", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// 值未变化时 MySQL 也会返回 0，这里再确认一次行是否存在。
		if _, err := s.GetNode(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// CompareAndSetNodeStatus 仅当当前状态为 from 时迁移到 to，同时写入 message 与 last_status_change。
func (s *Store) CompareAndSetNodeStatus(ctx context.Context, id int64, from, to NodeStatus, message *string, now time.Time) (bool, error) {
	if !to.Valid() {
		return false, invalidArg("未知节点状态：%s", to)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE nodes SET status=?, message=?, last_status_change=? WHERE id=? AND status=?
`, string(to), stringPtrArg(message), dbTime(now), id, string(from))
	if err != nil {
		return false, wrapErr("set status", "node", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) SetNodeXrayVersion(ctx context.Context, id int64, version string) error {
	v := strings.TrimSpace(version)
	if len(v) > 32 {
		v = v[:32]
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE nodes SET xray_version=? WHERE id=?`, v, id); err != nil {
		return wrapErr("set xray version", "node", id, err)
	}
	return nil
}

// DeleteNode 在一个事务内删除节点、其入站及入站下的 host、服务关联、用量事实与上报水位。
func (s *Store) DeleteNode(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("delete", "node", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM nodes WHERE id=?`+forUpdateClause(s.dialect), id).Scan(&exists); err != nil {
		return wrapErr("delete", "node", id, err)
	}
	for _, stmt := range []string{
		`DELETE FROM hosts WHERE inbound_id IN (SELECT id FROM inbounds WHERE node_id=?)`,
		`DELETE FROM inbounds_services WHERE inbound_id IN (SELECT id FROM inbounds WHERE node_id=?)`,
		`DELETE FROM inbounds WHERE node_id=?`,
		`DELETE FROM node_user_usages WHERE node_id=?`,
		`DELETE FROM node_usages WHERE node_id=?`,
		`DELETE FROM usage_report_offsets WHERE node_id=?`,
		`DELETE FROM nodes WHERE id=?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return wrapErr("delete", "node", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return wrapErr("delete", "node", id, err)
	}
	return nil
}
