package router

import (
	"context"
	"net/http"

	"fleetplane/internal/config"
	"fleetplane/internal/entitlement"
	"fleetplane/internal/quota"
	"fleetplane/internal/store"
	"fleetplane/internal/usage"
)

type UsageReporter interface {
	ReportUsage(ctx context.Context, nodeID int64, entries []usage.Entry) (usage.Result, error)
}

type NodeRegistry interface {
	Heartbeat(ctx context.Context, id int64, xrayVersion string) (store.Node, error)
	SyncInbounds(ctx context.Context, nodeID int64, configs []string) (store.InboundSyncResult, error)
}

type EntitlementReader interface {
	ActiveInbounds(ctx context.Context, userID int64) ([]store.Inbound, error)
	ReachableInbounds(ctx context.Context, userID int64) ([]store.Inbound, error)
	GetUserStatus(ctx context.Context, userID int64) (entitlement.UserStatus, error)
	GetNodeHealth(ctx context.Context, nodeID int64) (entitlement.NodeHealth, error)
}

type QuotaEvaluator interface {
	Evaluate(ctx context.Context, userID int64) (quota.Outcome, error)
}

type Options struct {
	// NodeToken 为节点侧接口的共享密钥；为空时节点接口返回 503。
	NodeToken string
	// MaxBodyBytes <= 0 表示不限制请求体大小。
	MaxBodyBytes int64
	// MaxInflightPerNode <= 0 表示不限制单节点并发。
	MaxInflightPerNode int

	Debug config.DebugConfig

	Usage       UsageReporter
	Nodes       NodeRegistry
	Entitlement EntitlementReader
	Quota       QuotaEvaluator

	// system
	Healthz http.HandlerFunc
}
