package store

import (
	"context"
	"fmt"
	"strings"
)

type InboundSpec struct {
	Protocol Protocol
	Tag      string
	Config   string
}

func validateInboundSpec(in InboundSpec) error {
	if !in.Protocol.Valid() {
		return invalidArg("未知协议：%s", in.Protocol)
	}
	if strings.TrimSpace(in.Tag) == "" {
		return invalidArg("inbound tag 不能为空")
	}
	if len(in.Tag) > 256 {
		return invalidArg("inbound tag 过长")
	}
	return nil
}

func queryInbounds(ctx context.Context, q queryer, query string, args ...any) ([]Inbound, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Inbound
	for rows.Next() {
		var (
			in       Inbound
			protocol string
		)
		if err := rows.Scan(&in.ID, &in.NodeID, &protocol, &in.Tag, &in.Config); err != nil {
			return nil, fmt.Errorf("扫描 inbound 失败: %w", err)
		}
		in.Protocol = Protocol(protocol)
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历 inbound 失败: %w", err)
	}
	return out, nil
}

// CreateInbound 在节点下新建入站；同一节点内 tag 重复返回 ErrConflict。
func (s *Store) CreateInbound(ctx context.Context, nodeID int64, in InboundSpec) (int64, error) {
	if err := validateInboundSpec(in); err != nil {
		return 0, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrapErr("create inbound", "node", nodeID, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := lockParent(ctx, tx, s.dialect, "nodes", nodeID); err != nil {
		return 0, fmt.Errorf("create inbound: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO inbounds(node_id, protocol, tag, config) VALUES(?, ?, ?, ?)`,
		nodeID, string(in.Protocol), strings.TrimSpace(in.Tag), in.Config)
	if err != nil {
		return 0, wrapErr("create inbound", "node", nodeID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("获取 inbound id 失败: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, wrapErr("create inbound", "node", nodeID, err)
	}
	return id, nil
}

func (s *Store) GetInbound(ctx context.Context, id int64) (Inbound, error) {
	out, err := queryInbounds(ctx, s.db, `SELECT id, node_id, protocol, tag, config FROM inbounds WHERE id=?`, id)
	if err != nil {
		return Inbound{}, wrapErr("get", "inbound", id, err)
	}
	if len(out) == 0 {
		return Inbound{}, wrapErr("get", "inbound", id, ErrNotFound)
	}
	return out[0], nil
}

func (s *Store) ListInboundsByNode(ctx context.Context, nodeID int64) ([]Inbound, error) {
	out, err := queryInbounds(ctx, s.db, `SELECT id, node_id, protocol, tag, config FROM inbounds WHERE node_id=? ORDER BY id ASC`, nodeID)
	if err != nil {
		return nil, wrapErr("list inbounds", "node", nodeID, err)
	}
	return out, nil
}

func (s *Store) InboundIDsOfNode(ctx context.Context, nodeID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM inbounds WHERE node_id=? ORDER BY id ASC`, nodeID)
	if err != nil {
		return nil, wrapErr("list inbound ids", "node", nodeID, err)
	}
	return scanIDs(rows)
}

func (s *Store) UpdateInbound(ctx context.Context, id int64, in InboundSpec) error {
	if err := validateInboundSpec(in); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE inbounds SET protocol=?, tag=?, config=? WHERE id=?`,
		string(in.Protocol), strings.TrimSpace(in.Tag), in.Config, id)
	if err != nil {
		return wrapErr("update", "inbound", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetInbound(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// DeleteInbound 删除入站及其 host 与服务关联。
func (s *Store) DeleteInbound(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("delete", "inbound", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	var v int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM inbounds WHERE id=?`+forUpdateClause(s.dialect), id).Scan(&v); err != nil {
		return wrapErr("delete", "inbound", id, err)
	}
	if err := deleteInboundsTx(ctx, tx, []int64{id}); err != nil {
		return wrapErr("delete", "inbound", id, err)
	}
	if err := tx.Commit(); err != nil {
		return wrapErr("delete", "inbound", id, err)
	}
	return nil
}

func deleteInboundsTx(ctx context.Context, q queryer, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	ph, args := inPlaceholders(ids)
	for _, stmt := range []string{
		`DELETE FROM hosts WHERE inbound_id IN (` + ph + `)`,
		`DELETE FROM inbounds_services WHERE inbound_id IN (` + ph + `)`,
		`DELETE FROM inbounds WHERE id IN (` + ph + `)`,
	} {
		if _, err := q.ExecContext(ctx, stmt, args...); err != nil {
			return err
		}
	}
	return nil
}

type InboundSyncResult struct {
	Created []int64
	Updated []int64
	Removed []int64
}

// ReplaceNodeInbounds 按 tag 对齐节点入站列表：新增缺失的、更新已有的、删除不再出现的（连同 host/服务关联）。
func (s *Store) ReplaceNodeInbounds(ctx context.Context, nodeID int64, specs []InboundSpec) (InboundSyncResult, error) {
	seen := make(map[string]struct{}, len(specs))
	for _, sp := range specs {
		if err := validateInboundSpec(sp); err != nil {
			return InboundSyncResult{}, err
		}
		tag := strings.TrimSpace(sp.Tag)
		if _, ok := seen[tag]; ok {
			return InboundSyncResult{}, fmt.Errorf("%w: 重复的 inbound tag %q", ErrConflict, tag)
		}
		seen[tag] = struct{}{}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return InboundSyncResult{}, wrapErr("sync inbounds", "node", nodeID, err)
	}
	defer func() { _ = tx.Rollback() }()

	var v int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM nodes WHERE id=?`+forUpdateClause(s.dialect), nodeID).Scan(&v); err != nil {
		return InboundSyncResult{}, wrapErr("sync inbounds", "node", nodeID, err)
	}
	existing, err := queryInbounds(ctx, tx, `SELECT id, node_id, protocol, tag, config FROM inbounds WHERE node_id=?`, nodeID)
	if err != nil {
		return InboundSyncResult{}, wrapErr("sync inbounds", "node", nodeID, err)
	}
	byTag := make(map[string]Inbound, len(existing))
	for _, in := range existing {
		byTag[in.Tag] = in
	}

	var out InboundSyncResult
	for _, sp := range specs {
		tag := strings.TrimSpace(sp.Tag)
		if cur, ok := byTag[tag]; ok {
			delete(byTag, tag)
			if cur.Protocol == sp.Protocol && cur.Config == sp.Config {
				continue
			}
			if _, err := tx.ExecContext(ctx, `UPDATE inbounds SET protocol=?, config=? WHERE id=?`, string(sp.Protocol), sp.Config, cur.ID); err != nil {
				return InboundSyncResult{}, wrapErr("sync inbounds", "node", nodeID, err)
			}
			out.Updated = append(out.Updated, cur.ID)
			continue
		}
		res, err := tx.ExecContext(ctx, `INSERT INTO inbounds(node_id, protocol, tag, config) VALUES(?, ?, ?, ?)`, nodeID, string(sp.Protocol), tag, sp.Config)
		if err != nil {
			return InboundSyncResult{}, wrapErr("sync inbounds", "node", nodeID, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return InboundSyncResult{}, fmt.Errorf("获取 inbound id 失败: %w", err)
		}
		out.Created = append(out.Created, id)
	}
	for _, stale := range byTag {
		out.Removed = append(out.Removed, stale.ID)
	}
	out.Removed = dedupeIDs(out.Removed)
	if err := deleteInboundsTx(ctx, tx, out.Removed); err != nil {
		return InboundSyncResult{}, wrapErr("sync inbounds", "node", nodeID, err)
	}
	if err := tx.Commit(); err != nil {
		return InboundSyncResult{}, wrapErr("sync inbounds", "node", nodeID, err)
	}
	return out, nil
}
