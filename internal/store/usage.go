package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// UsageDelta 是节点上报的一条增量：某用户在某小时桶内的上下行字节。
// Seq > 0 时启用按 (node, user) 的单调序号去重；Seq == 0 为至少一次语义（纯累加）。
type UsageDelta struct {
	UserID   int64
	Bucket   time.Time
	Uplink   int64
	Downlink int64
	Seq      int64
}

type UsageReport struct {
	NodeID  int64
	Entries []UsageDelta
	Now     time.Time
}

type UserUsageApplied struct {
	UserID      int64
	RawBytes    int64
	BilledBytes int64
}

type UsageApplyResult struct {
	Coefficient decimal.Decimal
	Users       []UserUsageApplied
	Applied     int
	Duplicates  int
	Skipped     int
	Uplink      int64
	Downlink    int64
}

// HourBucket 把时间截断到所在小时（UTC）。
func HourBucket(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

type userBucketKey struct {
	userID int64
	bucket int64
}

type bucketTotals struct {
	bucket   time.Time
	uplink   int64
	downlink int64
}

// ApplyUsageReport 在一个事务内把一批增量写入全部计数：
// node_user_usages / node_usages 小时桶（upsert 累加）、nodes / system 累计、
// users.used_traffic 与 lifetime_used_traffic（乘节点系数）。
// 任一用户不存在则整批拒绝，什么都不写。
func (s *Store) ApplyUsageReport(ctx context.Context, rep UsageReport) (UsageApplyResult, error) {
	if rep.NodeID <= 0 {
		return UsageApplyResult{}, invalidArg("node_id 不合法")
	}
	now := rep.Now
	if now.IsZero() {
		now = time.Now()
	}
	userIDs := make([]int64, 0, len(rep.Entries))
	for i, e := range rep.Entries {
		if e.UserID <= 0 {
			return UsageApplyResult{}, invalidArg("entry[%d] user_id 不合法", i)
		}
		if e.Uplink < 0 || e.Downlink < 0 {
			return UsageApplyResult{}, invalidArg("entry[%d] 增量不能为负数", i)
		}
		if e.Seq < 0 {
			return UsageApplyResult{}, invalidArg("entry[%d] seq 不能为负数", i)
		}
		if e.Bucket.IsZero() {
			return UsageApplyResult{}, invalidArg("entry[%d] 缺少时间戳", i)
		}
		userIDs = append(userIDs, e.UserID)
	}
	userIDs = dedupeIDs(userIDs)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return UsageApplyResult{}, wrapErr("apply usage", "node", rep.NodeID, err)
	}
	defer func() { _ = tx.Rollback() }()

	// 节点与用户行在事务内加锁，并发的删除要么等本事务提交，要么让本事务看到行已不存在。
	var out UsageApplyResult
	if err := tx.QueryRowContext(ctx, `SELECT usage_coefficient FROM nodes WHERE id=?`+forUpdateClause(s.dialect), rep.NodeID).Scan(&out.Coefficient); err != nil {
		return UsageApplyResult{}, wrapErr("apply usage", "node", rep.NodeID, err)
	}
	found, err := existingUserIDs(ctx, tx, userIDs, forUpdateClause(s.dialect))
	if err != nil {
		return UsageApplyResult{}, wrapErr("apply usage", "node", rep.NodeID, err)
	}
	for _, id := range userIDs {
		if _, ok := found[id]; !ok {
			return UsageApplyResult{}, fmt.Errorf("apply usage node(id=%d): user(id=%d): %w", rep.NodeID, id, ErrNotFound)
		}
	}

	entries, dups, watermarks, err := s.filterBySeq(ctx, tx, rep.NodeID, rep.Entries)
	if err != nil {
		return UsageApplyResult{}, wrapErr("apply usage", "node", rep.NodeID, err)
	}
	out.Duplicates = dups

	perUserBucket := make(map[userBucketKey]int64)
	perBucket := make(map[int64]*bucketTotals)
	perUser := make(map[int64]int64)
	for _, e := range entries {
		if e.Uplink == 0 && e.Downlink == 0 {
			out.Skipped++
			continue
		}
		b := HourBucket(e.Bucket)
		perUserBucket[userBucketKey{userID: e.UserID, bucket: b.Unix()}] += e.Uplink + e.Downlink
		bt := perBucket[b.Unix()]
		if bt == nil {
			bt = &bucketTotals{bucket: b}
			perBucket[b.Unix()] = bt
		}
		bt.uplink += e.Uplink
		bt.downlink += e.Downlink
		perUser[e.UserID] += e.Uplink + e.Downlink
		out.Uplink += e.Uplink
		out.Downlink += e.Downlink
		out.Applied++
	}

	// 固定写入顺序（用户 id、桶时间升序），降低并发事务间的死锁概率。
	keys := make([]userBucketKey, 0, len(perUserBucket))
	for k := range perUserBucket {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].userID != keys[j].userID {
			return keys[i].userID < keys[j].userID
		}
		return keys[i].bucket < keys[j].bucket
	})
	for _, k := range keys {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO node_user_usages(created_at, user_id, node_id, used_traffic) VALUES(?, ?, ?, ?)`+
			upsertAddSuffix(s.dialect, "node_user_usages", "created_at, user_id, node_id", "used_traffic"),
			time.Unix(k.bucket, 0).UTC(), k.userID, rep.NodeID, perUserBucket[k]); err != nil {
			return UsageApplyResult{}, wrapErr("upsert node_user_usage", "node", rep.NodeID, err)
		}
	}

	buckets := make([]int64, 0, len(perBucket))
	for b := range perBucket {
		buckets = append(buckets, b)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i] < buckets[j] })
	for _, b := range buckets {
		bt := perBucket[b]
		if _, err := tx.ExecContext(ctx, `
INSERT INTO node_usages(created_at, node_id, uplink, downlink) VALUES(?, ?, ?, ?)`+
			upsertAddSuffix(s.dialect, "node_usages", "created_at, node_id", "uplink", "downlink"),
			bt.bucket, rep.NodeID, bt.uplink, bt.downlink); err != nil {
			return UsageApplyResult{}, wrapErr("upsert node_usage", "node", rep.NodeID, err)
		}
	}

	touched := make([]int64, 0, len(perUser))
	for id := range perUser {
		touched = append(touched, id)
	}
	sort.Slice(touched, func(i, j int) bool { return touched[i] < touched[j] })
	for _, id := range touched {
		raw := perUser[id]
		billed := BilledBytes(raw, out.Coefficient)
		res, err := tx.ExecContext(ctx, `
UPDATE users SET used_traffic = used_traffic + ?, lifetime_used_traffic = lifetime_used_traffic + ?, online_at = ?
WHERE id=?`, billed, billed, dbTime(now), id)
		if err != nil {
			return UsageApplyResult{}, wrapErr("add used_traffic", "user", id, err)
		}
		if err := requireAffected(res, "add used_traffic", "user", id); err != nil {
			return UsageApplyResult{}, err
		}
		out.Users = append(out.Users, UserUsageApplied{UserID: id, RawBytes: raw, BilledBytes: billed})
	}

	if out.Uplink > 0 || out.Downlink > 0 {
		res, err := tx.ExecContext(ctx, `UPDATE nodes SET uplink = uplink + ?, downlink = downlink + ? WHERE id=?`, out.Uplink, out.Downlink, rep.NodeID)
		if err != nil {
			return UsageApplyResult{}, wrapErr("add node totals", "node", rep.NodeID, err)
		}
		if err := requireAffected(res, "add node totals", "node", rep.NodeID); err != nil {
			return UsageApplyResult{}, err
		}
		if _, err := tx.ExecContext(ctx, "UPDATE `system` SET uplink = uplink + ?, downlink = downlink + ? WHERE id=1", out.Uplink, out.Downlink); err != nil {
			return UsageApplyResult{}, wrapErr("add system totals", "system", 0, err)
		}
	}

	if err := s.saveWatermarks(ctx, tx, rep.NodeID, watermarks); err != nil {
		return UsageApplyResult{}, wrapErr("save offsets", "node", rep.NodeID, err)
	}
	if err := tx.Commit(); err != nil {
		return UsageApplyResult{}, wrapErr("apply usage", "node", rep.NodeID, err)
	}
	return out, nil
}

// BilledBytes 按节点系数折算计费字节，四舍五入到整数。
func BilledBytes(raw int64, coef decimal.Decimal) int64 {
	if raw <= 0 {
		return 0
	}
	if coef.IsZero() {
		coef = decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(raw).Mul(coef).Round(0).IntPart()
}

// filterBySeq 读取 (node, user) 的已确认序号，丢弃 seq 不前进的条目，并返回需要推进的新水位。
func (s *Store) filterBySeq(ctx context.Context, q queryer, nodeID int64, entries []UsageDelta) ([]UsageDelta, int, map[int64]int64, error) {
	var seqUsers []int64
	for _, e := range entries {
		if e.Seq > 0 {
			seqUsers = append(seqUsers, e.UserID)
		}
	}
	seqUsers = dedupeIDs(seqUsers)
	if len(seqUsers) == 0 {
		return entries, 0, nil, nil
	}

	ph, args := inPlaceholders(seqUsers)
	rows, err := q.QueryContext(ctx, `SELECT user_id, last_seq FROM usage_report_offsets WHERE node_id=? AND user_id IN (`+ph+`)`+forUpdateClause(s.dialect),
		append([]any{nodeID}, args...)...)
	if err != nil {
		return nil, 0, nil, err
	}
	current := make(map[int64]int64, len(seqUsers))
	for rows.Next() {
		var uid, seq int64
		if err := rows.Scan(&uid, &seq); err != nil {
			rows.Close()
			return nil, 0, nil, fmt.Errorf("扫描 usage_report_offsets 失败: %w", err)
		}
		current[uid] = seq
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, 0, nil, fmt.Errorf("遍历 usage_report_offsets 失败: %w", err)
	}
	rows.Close()

	// 同一批内按 seq 升序处理，保证批内乱序也只按序号去重一次。
	ordered := make([]UsageDelta, len(entries))
	copy(ordered, entries)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].UserID != ordered[j].UserID {
			return ordered[i].UserID < ordered[j].UserID
		}
		return ordered[i].Seq < ordered[j].Seq
	})

	kept := make([]UsageDelta, 0, len(ordered))
	advanced := make(map[int64]int64)
	dups := 0
	for _, e := range ordered {
		if e.Seq == 0 {
			kept = append(kept, e)
			continue
		}
		mark := current[e.UserID]
		if e.Seq <= mark {
			dups++
			continue
		}
		current[e.UserID] = e.Seq
		advanced[e.UserID] = e.Seq
		kept = append(kept, e)
	}
	return kept, dups, advanced, nil
}

func (s *Store) saveWatermarks(ctx context.Context, q queryer, nodeID int64, marks map[int64]int64) error {
	if len(marks) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(marks))
	for id := range marks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, uid := range ids {
		if _, err := q.ExecContext(ctx, `INSERT INTO usage_report_offsets(node_id, user_id, last_seq) VALUES(?, ?, ?)`+
			upsertMaxSuffix(s.dialect, "usage_report_offsets", "node_id, user_id", "last_seq"),
			nodeID, uid, marks[uid]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) GetReportWatermark(ctx context.Context, nodeID, userID int64) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT last_seq FROM usage_report_offsets WHERE node_id=? AND user_id=?`, nodeID, userID).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, wrapErr("get watermark", "node", nodeID, err)
	}
	return seq, nil
}

type UsageQuery struct {
	UserID int64
	NodeID int64
	Since  time.Time
	Until  time.Time
}

func usageWhere(q UsageQuery) (string, []any) {
	where := `1=1`
	var args []any
	if q.UserID > 0 {
		where += ` AND user_id=?`
		args = append(args, q.UserID)
	}
	if q.NodeID > 0 {
		where += ` AND node_id=?`
		args = append(args, q.NodeID)
	}
	if !q.Since.IsZero() {
		where += ` AND created_at >= ?`
		args = append(args, HourBucket(q.Since))
	}
	if !q.Until.IsZero() {
		where += ` AND created_at < ?`
		args = append(args, dbTime(q.Until))
	}
	return where, args
}

func (s *Store) ListNodeUserUsages(ctx context.Context, q UsageQuery) ([]NodeUserUsage, error) {
	where, args := usageWhere(q)
	rows, err := s.db.QueryContext(ctx, `SELECT id, created_at, user_id, node_id, used_traffic FROM node_user_usages WHERE `+where+` ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, wrapErr("list", "node_user_usages", 0, err)
	}
	defer rows.Close()
	var out []NodeUserUsage
	for rows.Next() {
		var u NodeUserUsage
		if err := rows.Scan(&u.ID, &u.CreatedAt, &u.UserID, &u.NodeID, &u.UsedTraffic); err != nil {
			return nil, fmt.Errorf("扫描 node_user_usage 失败: %w", err)
		}
		u.CreatedAt = u.CreatedAt.UTC()
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历 node_user_usage 失败: %w", err)
	}
	return out, nil
}

// SumUserRawUsage 汇总用户在区间内的原始字节（未乘系数）。
func (s *Store) SumUserRawUsage(ctx context.Context, q UsageQuery) (int64, error) {
	where, args := usageWhere(q)
	var total sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT SUM(used_traffic) FROM node_user_usages WHERE `+where, args...).Scan(&total); err != nil {
		return 0, wrapErr("sum", "node_user_usages", 0, err)
	}
	return total.Int64, nil
}

func (s *Store) ListNodeUsages(ctx context.Context, q UsageQuery) ([]NodeUsage, error) {
	q.UserID = 0
	where, args := usageWhere(q)
	rows, err := s.db.QueryContext(ctx, `SELECT id, created_at, node_id, uplink, downlink FROM node_usages WHERE `+where+` ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, wrapErr("list", "node_usages", 0, err)
	}
	defer rows.Close()
	var out []NodeUsage
	for rows.Next() {
		var u NodeUsage
		if err := rows.Scan(&u.ID, &u.CreatedAt, &u.NodeID, &u.Uplink, &u.Downlink); err != nil {
			return nil, fmt.Errorf("扫描 node_usage 失败: %w", err)
		}
		u.CreatedAt = u.CreatedAt.UTC()
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历 node_usage 失败: %w", err)
	}
	return out, nil
}

func (s *Store) GetSystemUsage(ctx context.Context) (SystemUsage, error) {
	var out SystemUsage
	if err := s.db.QueryRowContext(ctx, "SELECT uplink, downlink FROM `system` WHERE id=1").Scan(&out.Uplink, &out.Downlink); err != nil {
		return SystemUsage{}, wrapErr("get", "system", 0, err)
	}
	return out, nil
}
