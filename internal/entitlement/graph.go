// Package entitlement 计算 用户 → 服务 → 入站 → 节点 的可达关系。
// 所有结果都是按需 join 查询得到的派生视图，不维护反范式字段。
package entitlement

import (
	"context"
	"strings"
	"time"

	"fleetplane/internal/quota"
	"fleetplane/internal/store"
)

// HeartbeatSource 提供节点最近一次心跳时间（进程内运行态）。
type HeartbeatSource interface {
	LastHeartbeat(nodeID int64) (time.Time, bool)
}

type Graph struct {
	st    *store.Store
	beats HeartbeatSource
}

func New(st *store.Store, beats HeartbeatSource) *Graph {
	return &Graph{st: st, beats: beats}
}

func (g *Graph) CreateService(ctx context.Context, name string) (store.Service, error) {
	id, err := g.st.CreateService(ctx, name)
	if err != nil {
		return store.Service{}, err
	}
	return store.Service{ID: id, Name: strings.TrimSpace(name)}, nil
}

func (g *Graph) Services(ctx context.Context) ([]store.Service, error) {
	return g.st.ListServices(ctx)
}

func (g *Graph) RenameService(ctx context.Context, id int64, name string) error {
	return g.st.RenameService(ctx, id, name)
}

func (g *Graph) DeleteService(ctx context.Context, id int64) error {
	return g.st.DeleteService(ctx, id)
}

func (g *Graph) SetUserServices(ctx context.Context, userID int64, serviceIDs []int64) error {
	return g.st.SetUserServices(ctx, userID, serviceIDs)
}

func (g *Graph) SetServiceInbounds(ctx context.Context, serviceID int64, inboundIDs []int64) error {
	return g.st.SetServiceInbounds(ctx, serviceID, inboundIDs)
}

func (g *Graph) AddUserService(ctx context.Context, userID, serviceID int64) error {
	return g.st.AddUserService(ctx, userID, serviceID)
}

func (g *Graph) RemoveUserService(ctx context.Context, userID, serviceID int64) error {
	return g.st.RemoveUserService(ctx, userID, serviceID)
}

func (g *Graph) AddServiceInbound(ctx context.Context, serviceID, inboundID int64) error {
	return g.st.AddServiceInbound(ctx, serviceID, inboundID)
}

func (g *Graph) RemoveServiceInbound(ctx context.Context, serviceID, inboundID int64) error {
	return g.st.RemoveServiceInbound(ctx, serviceID, inboundID)
}

// ReachableInbounds 返回经由任一服务可达的入站（去重），不考虑节点健康与用户状态。
func (g *Graph) ReachableInbounds(ctx context.Context, userID int64) ([]store.Inbound, error) {
	if _, err := g.st.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	return g.st.ListReachableInbounds(ctx, userID)
}

// ActiveInbounds 返回用户当前可连接的入站：用户需启用且为 active，入站所在节点需为 healthy。
func (g *Graph) ActiveInbounds(ctx context.Context, userID int64) ([]store.Inbound, error) {
	u, err := g.st.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !quota.Allowed(u) {
		return nil, nil
	}
	return g.st.ListHealthyReachableInbounds(ctx, userID)
}

func (g *Graph) AuthorizedUsers(ctx context.Context, inboundID int64) ([]int64, error) {
	if _, err := g.st.GetInbound(ctx, inboundID); err != nil {
		return nil, err
	}
	return g.st.AuthorizedUserIDs(ctx, inboundID)
}

func (g *Graph) ServiceIDsOfUser(ctx context.Context, userID int64) ([]int64, error) {
	return g.st.ServiceIDsOfUser(ctx, userID)
}

func (g *Graph) InboundIDsOfService(ctx context.Context, serviceID int64) ([]int64, error) {
	return g.st.InboundIDsOfService(ctx, serviceID)
}

func (g *Graph) InboundIDsOfNode(ctx context.Context, nodeID int64) ([]int64, error) {
	return g.st.InboundIDsOfNode(ctx, nodeID)
}

// IsEntitled 判断用户在该节点上是否至少可达一个入站。
func (g *Graph) IsEntitled(ctx context.Context, userID, nodeID int64) (bool, error) {
	set, err := g.st.EntitledUserIDsOnNode(ctx, nodeID, []int64{userID})
	if err != nil {
		return false, err
	}
	_, ok := set[userID]
	return ok, nil
}
