package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

func (s *Store) CreateService(ctx context.Context, name string) (int64, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, invalidArg("service name 不能为空")
	}
	if len(name) > 64 {
		return 0, invalidArg("service name 过长")
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO services(name) VALUES(?)`, name)
	if err != nil {
		return 0, wrapErr("create", "service", 0, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("获取 service id 失败: %w", err)
	}
	return id, nil
}

func (s *Store) GetService(ctx context.Context, id int64) (Service, error) {
	var svc Service
	if err := s.db.QueryRowContext(ctx, `SELECT id, name FROM services WHERE id=?`, id).Scan(&svc.ID, &svc.Name); err != nil {
		return Service{}, wrapErr("get", "service", id, err)
	}
	return svc, nil
}

func (s *Store) ListServices(ctx context.Context) ([]Service, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM services ORDER BY id ASC`)
	if err != nil {
		return nil, wrapErr("list", "services", 0, err)
	}
	defer rows.Close()
	var out []Service
	for rows.Next() {
		var svc Service
		if err := rows.Scan(&svc.ID, &svc.Name); err != nil {
			return nil, fmt.Errorf("扫描 service 失败: %w", err)
		}
		out = append(out, svc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历 service 失败: %w", err)
	}
	return out, nil
}

func (s *Store) RenameService(ctx context.Context, id int64, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return invalidArg("service name 不能为空")
	}
	res, err := s.db.ExecContext(ctx, `UPDATE services SET name=? WHERE id=?`, name, id)
	if err != nil {
		return wrapErr("rename", "service", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wrapErr("rename", "service", id, ErrNotFound)
	}
	return nil
}

// DeleteService 删除服务及其两侧关联；用户与入站本身保留。
func (s *Store) DeleteService(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("delete", "service", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM services WHERE id=?`+forUpdateClause(s.dialect), id).Scan(&exists); err != nil {
		return wrapErr("delete", "service", id, err)
	}
	for _, stmt := range []string{
		`DELETE FROM users_services WHERE service_id=?`,
		`DELETE FROM inbounds_services WHERE service_id=?`,
		`DELETE FROM services WHERE id=?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return wrapErr("delete", "service", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return wrapErr("delete", "service", id, err)
	}
	return nil
}

func dedupeIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func countExisting(ctx context.Context, q queryer, table string, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	ph, args := inPlaceholders(ids)
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(1) FROM `+table+` WHERE id IN (`+ph+`)`, args...).Scan(&n); err != nil {
		return 0, classify(err)
	}
	return n, nil
}

// SetUserServices 以覆盖方式替换用户的服务集合。
func (s *Store) SetUserServices(ctx context.Context, userID int64, serviceIDs []int64) error {
	serviceIDs = dedupeIDs(serviceIDs)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("set services", "user", userID, err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM users WHERE id=?`+forUpdateClause(s.dialect), userID).Scan(&exists); err != nil {
		return wrapErr("set services", "user", userID, err)
	}
	n, err := countExisting(ctx, tx, "services", serviceIDs)
	if err != nil {
		return wrapErr("set services", "user", userID, err)
	}
	if n != len(serviceIDs) {
		return fmt.Errorf("set services user(id=%d): %w: 存在未知 service", userID, ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM users_services WHERE user_id=?`, userID); err != nil {
		return wrapErr("set services", "user", userID, err)
	}
	for _, sid := range serviceIDs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO users_services(user_id, service_id) VALUES(?, ?)`, userID, sid); err != nil {
			return wrapErr("set services", "user", userID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return wrapErr("set services", "user", userID, err)
	}
	return nil
}

func (s *Store) AddUserService(ctx context.Context, userID, serviceID int64) error {
	return s.linkRows(ctx, "add user service", userID, serviceID, "users", "services",
		insertIgnoreVerb(s.dialect)+` INTO users_services(user_id, service_id) VALUES(?, ?)`, userID, serviceID)
}

func (s *Store) RemoveUserService(ctx context.Context, userID, serviceID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM users_services WHERE user_id=? AND service_id=?`, userID, serviceID); err != nil {
		return wrapErr("remove service", "user", userID, err)
	}
	return nil
}

// SetServiceInbounds 以覆盖方式替换服务包含的入站集合。
func (s *Store) SetServiceInbounds(ctx context.Context, serviceID int64, inboundIDs []int64) error {
	inboundIDs = dedupeIDs(inboundIDs)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("set inbounds", "service", serviceID, err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM services WHERE id=?`+forUpdateClause(s.dialect), serviceID).Scan(&exists); err != nil {
		return wrapErr("set inbounds", "service", serviceID, err)
	}
	n, err := countExisting(ctx, tx, "inbounds", inboundIDs)
	if err != nil {
		return wrapErr("set inbounds", "service", serviceID, err)
	}
	if n != len(inboundIDs) {
		return fmt.Errorf("set inbounds service(id=%d): %w: 存在未知 inbound", serviceID, ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM inbounds_services WHERE service_id=?`, serviceID); err != nil {
		return wrapErr("set inbounds", "service", serviceID, err)
	}
	for _, iid := range inboundIDs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO inbounds_services(inbound_id, service_id) VALUES(?, ?)`, iid, serviceID); err != nil {
			return wrapErr("set inbounds", "service", serviceID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return wrapErr("set inbounds", "service", serviceID, err)
	}
	return nil
}

func (s *Store) AddServiceInbound(ctx context.Context, serviceID, inboundID int64) error {
	return s.linkRows(ctx, "add service inbound", serviceID, inboundID, "services", "inbounds",
		insertIgnoreVerb(s.dialect)+` INTO inbounds_services(inbound_id, service_id) VALUES(?, ?)`, inboundID, serviceID)
}

func (s *Store) RemoveServiceInbound(ctx context.Context, serviceID, inboundID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM inbounds_services WHERE service_id=? AND inbound_id=?`, serviceID, inboundID); err != nil {
		return wrapErr("remove inbound", "service", serviceID, err)
	}
	return nil
}

// linkRows 在同一事务内锁住两端父行后写入关联行，父行被并发删除时返回 ErrNotFound 而不是留下孤儿关联。
func (s *Store) linkRows(ctx context.Context, op string, aID, bID int64, aTable, bTable string, insert string, args ...any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, classify(err))
	}
	defer func() { _ = tx.Rollback() }()

	if err := lockParent(ctx, tx, s.dialect, aTable, aID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := lockParent(ctx, tx, s.dialect, bTable, bID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if _, err := tx.ExecContext(ctx, insert, args...); err != nil {
		return fmt.Errorf("%s: %w", op, classify(err))
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: %w", op, classify(err))
	}
	return nil
}

func (s *Store) ServiceIDsOfUser(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT service_id FROM users_services WHERE user_id=? ORDER BY service_id ASC`, userID)
	if err != nil {
		return nil, wrapErr("list services", "user", userID, err)
	}
	return scanIDs(rows)
}

func (s *Store) UserIDsOfService(ctx context.Context, serviceID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM users_services WHERE service_id=? ORDER BY user_id ASC`, serviceID)
	if err != nil {
		return nil, wrapErr("list users", "service", serviceID, err)
	}
	return scanIDs(rows)
}

func (s *Store) InboundIDsOfService(ctx context.Context, serviceID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT inbound_id FROM inbounds_services WHERE service_id=? ORDER BY inbound_id ASC`, serviceID)
	if err != nil {
		return nil, wrapErr("list inbounds", "service", serviceID, err)
	}
	return scanIDs(rows)
}

// ListReachableInbounds 计算用户经由任一服务可达的入站（去重），每次都走 join 查询。
func (s *Store) ListReachableInbounds(ctx context.Context, userID int64) ([]Inbound, error) {
	out, err := queryInbounds(ctx, s.db, `
SELECT DISTINCT i.id, i.node_id, i.protocol, i.tag, i.config
FROM users_services us
JOIN inbounds_services isv ON isv.service_id = us.service_id
JOIN inbounds i ON i.id = isv.inbound_id
WHERE us.user_id = ?
ORDER BY i.id ASC
`, userID)
	if err != nil {
		return nil, wrapErr("reachable inbounds", "user", userID, err)
	}
	return out, nil
}

// ListHealthyReachableInbounds 与 ListReachableInbounds 相同，但只保留 healthy 节点上的入站。
func (s *Store) ListHealthyReachableInbounds(ctx context.Context, userID int64) ([]Inbound, error) {
	out, err := queryInbounds(ctx, s.db, `
SELECT DISTINCT i.id, i.node_id, i.protocol, i.tag, i.config
FROM users_services us
JOIN inbounds_services isv ON isv.service_id = us.service_id
JOIN inbounds i ON i.id = isv.inbound_id
JOIN nodes n ON n.id = i.node_id
WHERE us.user_id = ? AND n.status = 'healthy'
ORDER BY i.id ASC
`, userID)
	if err != nil {
		return nil, wrapErr("active inbounds", "user", userID, err)
	}
	return out, nil
}

// AuthorizedUserIDs 返回可经由任一服务访问该入站的用户（去重）。
func (s *Store) AuthorizedUserIDs(ctx context.Context, inboundID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT DISTINCT us.user_id
FROM inbounds_services isv
JOIN users_services us ON us.service_id = isv.service_id
WHERE isv.inbound_id = ?
ORDER BY us.user_id ASC
`, inboundID)
	if err != nil {
		return nil, wrapErr("authorized users", "inbound", inboundID, err)
	}
	return scanIDs(rows)
}

// EntitledUserIDsOnNode 返回 userIDs 中在该节点上至少可达一个入站的用户。
func (s *Store) EntitledUserIDsOnNode(ctx context.Context, nodeID int64, userIDs []int64) (map[int64]struct{}, error) {
	out := make(map[int64]struct{}, len(userIDs))
	userIDs = dedupeIDs(userIDs)
	if len(userIDs) == 0 {
		return out, nil
	}
	ph, args := inPlaceholders(userIDs)
	rows, err := s.db.QueryContext(ctx, `
SELECT DISTINCT us.user_id
FROM users_services us
JOIN inbounds_services isv ON isv.service_id = us.service_id
JOIN inbounds i ON i.id = isv.inbound_id
WHERE i.node_id = ? AND us.user_id IN (`+ph+`)
`, append([]any{nodeID}, args...)...)
	if err != nil {
		return nil, wrapErr("entitled users", "node", nodeID, err)
	}
	ids, err := scanIDs(rows)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out, nil
}
