// Package usage 接收节点上报的流量增量，落库为小时桶事实与累计值，并触发配额评估。
package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"fleetplane/internal/obs"
	"fleetplane/internal/quota"
	"fleetplane/internal/store"
)

// Entry 是节点上报的一条增量；Seq > 0 时按 (node, user) 单调序号去重。
type Entry struct {
	UserID    int64     `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
	Uplink    int64     `json:"uplink"`
	Downlink  int64     `json:"downlink"`
	Seq       int64     `json:"seq,omitempty"`
}

type UserCharge struct {
	UserID      int64 `json:"user_id"`
	RawBytes    int64 `json:"raw_bytes"`
	BilledBytes int64 `json:"billed_bytes"`
}

type Result struct {
	BatchID     string             `json:"batch_id"`
	NodeID      int64              `json:"node_id"`
	Accepted    int                `json:"accepted"`
	Duplicates  int                `json:"duplicates"`
	Skipped     int                `json:"skipped"`
	Coefficient string             `json:"coefficient"`
	Users       []UserCharge       `json:"users"`
	Unentitled  []int64            `json:"unentitled,omitempty"`
	Transitions []quota.Transition `json:"-"`
}

// Evaluator 由配额模块实现：提交之后按用户评估状态迁移。
type Evaluator interface {
	EvaluateUsers(ctx context.Context, userIDs []int64) ([]quota.Transition, error)
}

type Options struct {
	MaxBatchEntries int
	Logger          *slog.Logger
	Now             func() time.Time
}

type Aggregator struct {
	st       *store.Store
	eval     Evaluator
	maxBatch int
	log      *slog.Logger
	now      func() time.Time
}

func NewAggregator(st *store.Store, eval Evaluator, opts Options) *Aggregator {
	a := &Aggregator{
		st:       st,
		eval:     eval,
		maxBatch: opts.MaxBatchEntries,
		log:      opts.Logger,
		now:      opts.Now,
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a
}

// ReportUsage 在一个事务内应用整批增量（全有或全无），提交后评估所有被计费的用户。
// 配额评估失败不影响已提交的计费结果，只记录日志；下一轮巡检会补上。
func (a *Aggregator) ReportUsage(ctx context.Context, nodeID int64, entries []Entry) (Result, error) {
	res := Result{BatchID: uuid.NewString(), NodeID: nodeID}
	if nodeID <= 0 {
		obs.RecordUsageReport(0, 0, 0, 0, true)
		return res, fmt.Errorf("report usage: %w: node_id 不合法", store.ErrInvalidArgument)
	}
	if a.maxBatch > 0 && len(entries) > a.maxBatch {
		obs.RecordUsageReport(0, 0, 0, 0, true)
		return res, fmt.Errorf("report usage node(id=%d): %w: 条目数 %d 超过上限 %d", nodeID, store.ErrInvalidArgument, len(entries), a.maxBatch)
	}
	if len(entries) == 0 {
		return res, nil
	}

	deltas := make([]store.UsageDelta, 0, len(entries))
	for _, e := range entries {
		deltas = append(deltas, store.UsageDelta{
			UserID:   e.UserID,
			Bucket:   e.Timestamp,
			Uplink:   e.Uplink,
			Downlink: e.Downlink,
			Seq:      e.Seq,
		})
	}

	applied, err := a.st.ApplyUsageReport(ctx, store.UsageReport{NodeID: nodeID, Entries: deltas, Now: a.now()})
	if err != nil {
		obs.RecordUsageReport(0, 0, 0, 0, true)
		a.log.Warn("节点用量上报被拒绝", "batch_id", res.BatchID, "node_id", nodeID, "entries", len(entries), "err", err)
		return res, err
	}

	res.Accepted = applied.Applied
	res.Duplicates = applied.Duplicates
	res.Skipped = applied.Skipped
	res.Coefficient = applied.Coefficient.String()
	var billed int64
	touched := make([]int64, 0, len(applied.Users))
	for _, u := range applied.Users {
		res.Users = append(res.Users, UserCharge{UserID: u.UserID, RawBytes: u.RawBytes, BilledBytes: u.BilledBytes})
		billed += u.BilledBytes
		touched = append(touched, u.UserID)
	}

	// 未授权的 (user, node) 仍然计费：字节确实经过了节点，只标记并告警。
	if len(touched) > 0 {
		entitled, err := a.st.EntitledUserIDsOnNode(ctx, nodeID, touched)
		if err != nil {
			a.log.Warn("查询节点授权失败", "batch_id", res.BatchID, "node_id", nodeID, "err", err)
		} else {
			for _, id := range touched {
				if _, ok := entitled[id]; !ok {
					res.Unentitled = append(res.Unentitled, id)
				}
			}
			if len(res.Unentitled) > 0 {
				a.log.Warn("节点上报了未授权用户的流量", "batch_id", res.BatchID, "node_id", nodeID, "user_ids", res.Unentitled)
			}
		}
	}
	obs.RecordUsageReport(res.Accepted, res.Duplicates, len(res.Unentitled), billed, false)
	a.log.Debug("节点用量已入账", "batch_id", res.BatchID, "node_id", nodeID, "accepted", res.Accepted, "duplicates", res.Duplicates, "users", len(touched))

	if a.eval != nil && len(touched) > 0 {
		trs, err := a.eval.EvaluateUsers(ctx, touched)
		res.Transitions = trs
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("上报后配额评估失败", "batch_id", res.BatchID, "node_id", nodeID, "err", err)
		}
	}
	return res, nil
}
