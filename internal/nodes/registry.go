// Package nodes 维护节点健康状态机、心跳运行态与节点入站同步。
package nodes

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"fleetplane/internal/obs"
	"fleetplane/internal/store"
)

var allowed = map[store.NodeStatus]map[store.NodeStatus]bool{
	store.NodeStatusConnecting: {store.NodeStatusHealthy: true, store.NodeStatusUnhealthy: true, store.NodeStatusDisabled: true},
	store.NodeStatusHealthy:    {store.NodeStatusUnhealthy: true, store.NodeStatusConnecting: true, store.NodeStatusDisabled: true},
	store.NodeStatusUnhealthy:  {store.NodeStatusConnecting: true, store.NodeStatusDisabled: true},
	store.NodeStatusDisabled:   {store.NodeStatusConnecting: true},
}

// CanTransition 判断节点状态迁移是否合法；同状态不算迁移。
func CanTransition(from, to store.NodeStatus) bool {
	return allowed[from][to]
}

type Options struct {
	// HeartbeatTimeout 为 0 表示不做心跳超时判定。
	HeartbeatTimeout time.Duration
	Logger           *slog.Logger
	Now              func() time.Time
}

type Registry struct {
	st      *store.Store
	beats   *heartbeats
	timeout time.Duration
	log     *slog.Logger
	now     func() time.Time
}

func NewRegistry(st *store.Store, opts Options) *Registry {
	r := &Registry{
		st:      st,
		beats:   newHeartbeats(),
		timeout: opts.HeartbeatTimeout,
		log:     opts.Logger,
		now:     opts.Now,
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

func (r *Registry) Create(ctx context.Context, in store.NodeCreate) (store.Node, error) {
	if in.CreatedAt.IsZero() {
		in.CreatedAt = r.now()
	}
	id, err := r.st.CreateNode(ctx, in)
	if err != nil {
		return store.Node{}, err
	}
	r.log.Info("节点已创建", "node_id", id, "name", in.Name, "address", in.Address, "port", in.Port)
	return r.st.GetNode(ctx, id)
}

func (r *Registry) Get(ctx context.Context, id int64) (store.Node, error) {
	return r.st.GetNode(ctx, id)
}

func (r *Registry) List(ctx context.Context) ([]store.Node, error) {
	return r.st.ListNodes(ctx)
}

func (r *Registry) Update(ctx context.Context, id int64, in store.NodeUpdate) (store.Node, error) {
	if err := r.st.UpdateNode(ctx, id, in); err != nil {
		return store.Node{}, err
	}
	return r.st.GetNode(ctx, id)
}

// Delete 级联删除节点的入站、host、服务关联与用量事实，并丢弃心跳运行态。
func (r *Registry) Delete(ctx context.Context, id int64) error {
	if err := r.st.DeleteNode(ctx, id); err != nil {
		return err
	}
	r.beats.forget(id)
	r.log.Info("节点已删除", "node_id", id)
	return nil
}

// Transition 按状态机迁移节点状态；非法迁移返回 ErrInvalidState，目标状态与当前相同时不做任何事。
func (r *Registry) Transition(ctx context.Context, id int64, to store.NodeStatus, message string) (store.Node, error) {
	n, err := r.st.GetNode(ctx, id)
	if err != nil {
		return store.Node{}, err
	}
	if n.Status == to {
		return n, nil
	}
	if !CanTransition(n.Status, to) {
		return store.Node{}, fmt.Errorf("transition node(id=%d) %s -> %s: %w", id, n.Status, to, store.ErrInvalidState)
	}
	var msg *string
	if message != "" {
		msg = &message
	}
	ok, err := r.st.CompareAndSetNodeStatus(ctx, id, n.Status, to, msg, r.now())
	if err != nil {
		return store.Node{}, err
	}
	if !ok {
		return store.Node{}, fmt.Errorf("transition node(id=%d) %s -> %s: 状态已被并发修改: %w", id, n.Status, to, store.ErrInvalidState)
	}
	obs.RecordNodeTransition(string(n.Status), string(to))
	r.log.Info("节点状态迁移", "node_id", id, "from", n.Status, "to", to, "message", message)
	if to == store.NodeStatusDisabled {
		r.beats.forget(id)
	}
	return r.st.GetNode(ctx, id)
}

func (r *Registry) MarkHealthy(ctx context.Context, id int64) (store.Node, error) {
	return r.Transition(ctx, id, store.NodeStatusHealthy, "")
}

func (r *Registry) MarkUnhealthy(ctx context.Context, id int64, message string) (store.Node, error) {
	return r.Transition(ctx, id, store.NodeStatusUnhealthy, message)
}

// Reconnect 把 unhealthy/healthy 节点送回 connecting（重连或重新同步）。
func (r *Registry) Reconnect(ctx context.Context, id int64) (store.Node, error) {
	return r.Transition(ctx, id, store.NodeStatusConnecting, "")
}

func (r *Registry) Disable(ctx context.Context, id int64) (store.Node, error) {
	return r.Transition(ctx, id, store.NodeStatusDisabled, "")
}

// Enable 只接受 disabled 节点，启用后进入 connecting。
func (r *Registry) Enable(ctx context.Context, id int64) (store.Node, error) {
	n, err := r.st.GetNode(ctx, id)
	if err != nil {
		return store.Node{}, err
	}
	if n.Status != store.NodeStatusDisabled {
		return store.Node{}, fmt.Errorf("enable node(id=%d) status=%s: %w", id, n.Status, store.ErrInvalidState)
	}
	return r.Transition(ctx, id, store.NodeStatusConnecting, "")
}

// Heartbeat 记录节点存活；connecting 节点转为 healthy，unhealthy 节点先回到 connecting 再转为 healthy。
// disabled 节点的心跳返回 ErrInvalidState。
func (r *Registry) Heartbeat(ctx context.Context, id int64, xrayVersion string) (store.Node, error) {
	n, err := r.st.GetNode(ctx, id)
	if err != nil {
		return store.Node{}, err
	}
	if n.Status == store.NodeStatusDisabled {
		return store.Node{}, fmt.Errorf("heartbeat node(id=%d): %w", id, store.ErrInvalidState)
	}
	r.beats.touch(id, r.now())
	if xrayVersion != "" && (n.XrayVersion == nil || *n.XrayVersion != xrayVersion) {
		if err := r.st.SetNodeXrayVersion(ctx, id, xrayVersion); err != nil {
			return store.Node{}, err
		}
	}
	if n.Status == store.NodeStatusUnhealthy {
		if _, err := r.Reconnect(ctx, id); err != nil {
			return store.Node{}, err
		}
	}
	return r.MarkHealthy(ctx, id)
}

// SweepStale 把超过心跳超时仍无心跳的 healthy 节点标记为 unhealthy，返回被标记的节点 id。
// 进程重启后尚无心跳记录的节点从本次扫描开始计时。
func (r *Registry) SweepStale(ctx context.Context, now time.Time) ([]int64, error) {
	if r.timeout <= 0 {
		return nil, nil
	}
	healthy, err := r.st.ListNodesByStatus(ctx, store.NodeStatusHealthy)
	if err != nil {
		return nil, err
	}
	var stale []int64
	for _, n := range healthy {
		last, ok := r.beats.last(n.ID)
		if !ok {
			r.beats.touch(n.ID, now)
			continue
		}
		if now.Sub(last) <= r.timeout {
			continue
		}
		if _, err := r.MarkUnhealthy(ctx, n.ID, "heartbeat timeout"); err != nil {
			if ctx.Err() != nil {
				return stale, ctx.Err()
			}
			r.log.Warn("标记节点 unhealthy 失败", "node_id", n.ID, "err", err)
			continue
		}
		stale = append(stale, n.ID)
	}
	return stale, nil
}

// LastHeartbeat 返回进程内记录的最近心跳时间。
func (r *Registry) LastHeartbeat(id int64) (time.Time, bool) {
	return r.beats.last(id)
}
