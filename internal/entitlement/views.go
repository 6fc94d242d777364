package entitlement

import (
	"context"
	"time"

	"fleetplane/internal/quota"
	"fleetplane/internal/store"
)

type UserStatus struct {
	UserID              int64               `json:"user_id"`
	Username            string              `json:"username"`
	Status              store.UserStatus    `json:"status"`
	Enabled             bool                `json:"enabled"`
	Allowed             bool                `json:"allowed"`
	UsedTraffic         int64               `json:"used_traffic"`
	LifetimeUsedTraffic int64               `json:"lifetime_used_traffic"`
	DataLimit           *int64              `json:"data_limit,omitempty"`
	Remaining           *int64              `json:"remaining,omitempty"`
	ResetStrategy       store.ResetStrategy `json:"data_limit_reset_strategy"`
	TrafficResetAt      *time.Time          `json:"traffic_reset_at,omitempty"`
	Expire              *time.Time          `json:"expire,omitempty"`
	OnHoldTimeout       *time.Time          `json:"on_hold_timeout,omitempty"`
}

func (g *Graph) GetUserStatus(ctx context.Context, userID int64) (UserStatus, error) {
	u, err := g.st.GetUser(ctx, userID)
	if err != nil {
		return UserStatus{}, err
	}
	out := UserStatus{
		UserID:              u.ID,
		Username:            u.Username,
		Status:              u.Status,
		Enabled:             u.Enabled,
		Allowed:             quota.Allowed(u),
		UsedTraffic:         u.UsedTraffic,
		LifetimeUsedTraffic: u.LifetimeUsedTraffic,
		DataLimit:           u.DataLimit,
		ResetStrategy:       u.DataLimitResetStrategy,
		TrafficResetAt:      u.TrafficResetAt,
		Expire:              u.Expire,
		OnHoldTimeout:       u.OnHoldTimeout,
	}
	if u.HasDataLimit() {
		rem := *u.DataLimit - u.UsedTraffic
		if rem < 0 {
			rem = 0
		}
		out.Remaining = &rem
	}
	return out, nil
}

type NodeHealth struct {
	NodeID           int64            `json:"node_id"`
	Name             string           `json:"name"`
	Status           store.NodeStatus `json:"status"`
	Message          *string          `json:"message,omitempty"`
	LastStatusChange *time.Time       `json:"last_status_change,omitempty"`
	LastHeartbeat    *time.Time       `json:"last_heartbeat,omitempty"`
	XrayVersion      *string          `json:"xray_version,omitempty"`
	Uplink           int64            `json:"uplink"`
	Downlink         int64            `json:"downlink"`
	UsageCoefficient string           `json:"usage_coefficient"`
}

func (g *Graph) GetNodeHealth(ctx context.Context, nodeID int64) (NodeHealth, error) {
	n, err := g.st.GetNode(ctx, nodeID)
	if err != nil {
		return NodeHealth{}, err
	}
	out := NodeHealth{
		NodeID:           n.ID,
		Name:             n.Name,
		Status:           n.Status,
		Message:          n.Message,
		LastStatusChange: n.LastStatusChange,
		XrayVersion:      n.XrayVersion,
		Uplink:           n.Uplink,
		Downlink:         n.Downlink,
		UsageCoefficient: n.UsageCoefficient.String(),
	}
	if g.beats != nil {
		if at, ok := g.beats.LastHeartbeat(nodeID); ok {
			at = at.UTC()
			out.LastHeartbeat = &at
		}
	}
	return out, nil
}
