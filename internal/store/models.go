// Package store 定义数据库层的核心数据结构，避免在业务层中散落 SQL 字段细节。
package store

import (
	"time"

	"github.com/shopspring/decimal"
)

type UserStatus string

const (
	UserStatusActive   UserStatus = "active"
	UserStatusDisabled UserStatus = "disabled"
	UserStatusLimited  UserStatus = "limited"
	UserStatusExpired  UserStatus = "expired"
	UserStatusOnHold   UserStatus = "on_hold"
)

func (s UserStatus) Valid() bool {
	switch s {
	case UserStatusActive, UserStatusDisabled, UserStatusLimited, UserStatusExpired, UserStatusOnHold:
		return true
	default:
		return false
	}
}

type ResetStrategy string

const (
	ResetNoReset ResetStrategy = "no_reset"
	ResetDay     ResetStrategy = "day"
	ResetWeek    ResetStrategy = "week"
	ResetMonth   ResetStrategy = "month"
	ResetYear    ResetStrategy = "year"
)

func (r ResetStrategy) Valid() bool {
	switch r {
	case ResetNoReset, ResetDay, ResetWeek, ResetMonth, ResetYear:
		return true
	default:
		return false
	}
}

type User struct {
	ID                     int64
	Username               string
	Key                    string
	Enabled                bool
	Status                 UserStatus
	UsedTraffic            int64
	LifetimeUsedTraffic    int64
	TrafficResetAt         *time.Time
	DataLimit              *int64
	DataLimitResetStrategy ResetStrategy
	IPLimit                int
	Settings               string
	Expire                 *time.Time
	AdminID                *int64
	Note                   string
	OnlineAt               *time.Time
	// OnHoldExpireDuration 为 on_hold 用户首次使用后的有效期（秒）。
	OnHoldExpireDuration *int64
	OnHoldTimeout        *time.Time
	SubUpdatedAt         *time.Time
	SubLastUserAgent     string
	CreatedAt            time.Time
	EditAt               *time.Time
}

// TotalTraffic 返回用户有史以来的计费流量；lifetime 计数随上报累加，重置不影响它。
func (u User) TotalTraffic() int64 {
	return u.LifetimeUsedTraffic
}

func (u User) HasDataLimit() bool {
	return u.DataLimit != nil && *u.DataLimit > 0
}

type Admin struct {
	ID              int64
	Username        string
	HashedPassword  []byte
	IsSudo          bool
	CreatedAt       time.Time
	PasswordResetAt *time.Time
}

type Service struct {
	ID   int64
	Name string
}

type NodeStatus string

const (
	NodeStatusHealthy    NodeStatus = "healthy"
	NodeStatusUnhealthy  NodeStatus = "unhealthy"
	NodeStatusDisabled   NodeStatus = "disabled"
	NodeStatusConnecting NodeStatus = "connecting"
)

func (s NodeStatus) Valid() bool {
	switch s {
	case NodeStatusHealthy, NodeStatusUnhealthy, NodeStatusDisabled, NodeStatusConnecting:
		return true
	default:
		return false
	}
}

type Node struct {
	ID                int64
	Name              string
	ConnectionBackend string
	Address           string
	Port              int
	XrayVersion       *string
	Status            NodeStatus
	LastStatusChange  *time.Time
	Message           *string
	CreatedAt         time.Time
	Uplink            int64
	Downlink          int64
	UsageCoefficient  decimal.Decimal
}

type Protocol string

const (
	ProtocolVMess           Protocol = "vmess"
	ProtocolVLESS           Protocol = "vless"
	ProtocolTrojan          Protocol = "trojan"
	ProtocolShadowsocks     Protocol = "shadowsocks"
	ProtocolShadowsocks2022 Protocol = "shadowsocks2022"
	ProtocolHysteria2       Protocol = "hysteria2"
	ProtocolWireGuard       Protocol = "wireguard"
	ProtocolTUIC            Protocol = "tuic"
	ProtocolShadowTLS       Protocol = "shadowtls"
)

func (p Protocol) Valid() bool {
	switch p {
	case ProtocolVMess, ProtocolVLESS, ProtocolTrojan, ProtocolShadowsocks, ProtocolShadowsocks2022,
		ProtocolHysteria2, ProtocolWireGuard, ProtocolTUIC, ProtocolShadowTLS:
		return true
	default:
		return false
	}
}

type Inbound struct {
	ID       int64
	NodeID   int64
	Protocol Protocol
	Tag      string
	Config   string
}

type HostSecurity string

const (
	HostSecurityInboundDefault HostSecurity = "inbound_default"
	HostSecurityNone           HostSecurity = "none"
	HostSecurityTLS            HostSecurity = "tls"
)

var validALPN = map[string]struct{}{
	"none": {}, "h2": {}, "http/1.1": {}, "h2,http/1.1": {}, "h3": {}, "h3,h2": {}, "h3,h2,http/1.1": {},
}

var validFingerprint = map[string]struct{}{
	"none": {}, "chrome": {}, "firefox": {}, "safari": {}, "ios": {}, "android": {},
	"edge": {}, "360": {}, "qq": {}, "random": {}, "randomized": {},
}

type Host struct {
	ID            int64
	InboundID     int64
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

type NodeUserUsage struct {
	ID          int64
	CreatedAt   time.Time
	UserID      int64
	NodeID      int64
	UsedTraffic int64
}

type NodeUsage struct {
	ID        int64
	CreatedAt time.Time
	NodeID    int64
	Uplink    int64
	Downlink  int64
}

type SystemUsage struct {
	Uplink   int64
	Downlink int64
}

type ReminderType string

const (
	ReminderExpirationDate   ReminderType = "expiration_date"
	ReminderDataUsage        ReminderType = "data_usage"
	ReminderDataLimitReached ReminderType = "data_limit_reached"
	ReminderExpired          ReminderType = "expired"
)

func (r ReminderType) Valid() bool {
	switch r {
	case ReminderExpirationDate, ReminderDataUsage, ReminderDataLimitReached, ReminderExpired:
		return true
	default:
		return false
	}
}

type NotificationReminder struct {
	ID        int64
	UserID    int64
	Type      ReminderType
	ExpiresAt *time.Time
	CreatedAt time.Time
}

type UsageReset struct {
	ID                 int64
	UserID             int64
	UsedTrafficAtReset int64
	ResetAt            time.Time
}
