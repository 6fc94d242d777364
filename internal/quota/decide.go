// Package quota 负责用户配额与状态机：按用量、到期时间与重置周期推进 User.status。
package quota

import (
	"time"

	"fleetplane/internal/store"
)

type Reason string

const (
	ReasonNone          Reason = ""
	ReasonFirstUse      Reason = "first_use"
	ReasonLimitReached  Reason = "data_limit_reached"
	ReasonExpired       Reason = "expired"
	ReasonHoldTimeout   Reason = "on_hold_timeout"
	ReasonLimitLifted   Reason = "limit_lifted"
	ReasonExpireExtend  Reason = "expire_extended"
	ReasonPeriodReset   Reason = "period_reset"
	ReasonManualReset   Reason = "manual_reset"
	ReasonAdminActivate Reason = "admin_activate"
	ReasonAdminDisable  Reason = "admin_disable"
)

// Decision 描述一次评估需要执行的单个动作；同一时刻最多一项生效，按 Reset > Schedule > 状态迁移的顺序。
type Decision struct {
	// Reset 表示周期已到期，应执行归档清零并把 traffic_reset_at 推进到 NextResetAt。
	Reset bool
	// Schedule 表示周期用户首次评估，只写入 NextResetAt，不归档。
	Schedule    bool
	NextResetAt time.Time

	From   store.UserStatus
	To     store.UserStatus
	Reason Reason
	// ActivateExpire 仅用于 on_hold -> active：新的到期时间（nil 表示不限期）。
	ActivateExpire *time.Time
}

func (d Decision) IsZero() bool {
	return !d.Reset && !d.Schedule && d.To == ""
}

// Decide 是纯函数：只根据用户快照、当前时间与记账时区给出下一步动作。
func Decide(u store.User, now time.Time, loc *time.Location) Decision {
	if u.Status == store.UserStatusDisabled {
		return Decision{}
	}

	if periodic(u.DataLimitResetStrategy) {
		if u.TrafficResetAt == nil {
			next, _ := NextResetAt(u.DataLimitResetStrategy, now, loc)
			return Decision{Schedule: true, NextResetAt: next}
		}
		if !now.Before(*u.TrafficResetAt) {
			next, _ := NextResetAt(u.DataLimitResetStrategy, now, loc)
			return Decision{Reset: true, NextResetAt: next, Reason: ReasonPeriodReset}
		}
	}

	overLimit := u.HasDataLimit() && u.UsedTraffic >= *u.DataLimit
	expired := u.Expire != nil && !now.Before(*u.Expire)

	switch u.Status {
	case store.UserStatusOnHold:
		// 首次用量优先于超时：同一次评估里两者都满足时按已激活处理。
		if u.TotalTraffic() > 0 {
			var exp *time.Time
			if u.OnHoldExpireDuration != nil && *u.OnHoldExpireDuration > 0 {
				t := now.Add(time.Duration(*u.OnHoldExpireDuration) * time.Second).UTC()
				exp = &t
			}
			return Decision{From: u.Status, To: store.UserStatusActive, Reason: ReasonFirstUse, ActivateExpire: exp}
		}
		if deadline := holdDeadline(u); deadline != nil && !now.Before(*deadline) {
			return Decision{From: u.Status, To: store.UserStatusExpired, Reason: ReasonHoldTimeout}
		}
	case store.UserStatusActive:
		if expired {
			return Decision{From: u.Status, To: store.UserStatusExpired, Reason: ReasonExpired}
		}
		if overLimit {
			return Decision{From: u.Status, To: store.UserStatusLimited, Reason: ReasonLimitReached}
		}
	case store.UserStatusLimited:
		if !overLimit {
			return Decision{From: u.Status, To: store.UserStatusActive, Reason: ReasonLimitLifted}
		}
	case store.UserStatusExpired:
		// 因 on_hold 超时过期的用户没有可延长的 expire，只能由管理员显式激活。
		if !expired && holdDeadline(u) == nil {
			return Decision{From: u.Status, To: store.UserStatusActive, Reason: ReasonExpireExtend}
		}
	}
	return Decision{}
}

// holdDeadline 返回 on_hold 用户的等待截止时间：优先 on_hold_timeout，
// 未设置时按 created_at + on_hold_expire_duration 计算（仅限从未激活、没有 expire 的用户）。
func holdDeadline(u store.User) *time.Time {
	if u.OnHoldTimeout != nil {
		return u.OnHoldTimeout
	}
	if u.Expire != nil || u.OnHoldExpireDuration == nil || *u.OnHoldExpireDuration <= 0 || u.CreatedAt.IsZero() {
		return nil
	}
	t := u.CreatedAt.Add(time.Duration(*u.OnHoldExpireDuration) * time.Second).UTC()
	return &t
}

// Allowed 判断用户当前是否可以使用代理：enabled=false 一律拒绝，其余只有 active 可用。
func Allowed(u store.User) bool {
	return u.Enabled && u.Status == store.UserStatusActive
}
