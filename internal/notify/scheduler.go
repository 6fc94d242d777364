// Package notify 维护一次性提醒台账：同一用户同一类型同时最多一条有效提醒。
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"fleetplane/internal/obs"
	"fleetplane/internal/quota"
	"fleetplane/internal/store"
)

type Options struct {
	// ExpireWithin: 到期前多久发送 expiration_date 提醒；0 表示关闭。
	ExpireWithin time.Duration
	// UsagePercent: 用量达到多少百分比发送 data_usage 提醒；0 表示关闭。
	UsagePercent int
	Concurrency  int
	Logger       *slog.Logger
	Now          func() time.Time
}

type Scheduler struct {
	st           *store.Store
	disp         Dispatcher
	expireWithin time.Duration
	usagePercent int
	conc         int
	log          *slog.Logger
	now          func() time.Time
}

func NewScheduler(st *store.Store, disp Dispatcher, opts Options) *Scheduler {
	s := &Scheduler{
		st:           st,
		disp:         disp,
		expireWithin: opts.ExpireWithin,
		usagePercent: opts.UsagePercent,
		conc:         opts.Concurrency,
		log:          opts.Logger,
		now:          opts.Now,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.disp == nil {
		s.disp = LogDispatcher{Logger: s.log}
	}
	if s.conc <= 0 {
		s.conc = 4
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// ShouldNotify 当且仅当不存在未过期的同类提醒时返回 true。
func (s *Scheduler) ShouldNotify(ctx context.Context, userID int64, typ store.ReminderType, now time.Time) (bool, error) {
	live, err := s.st.HasLiveReminder(ctx, userID, typ, now)
	if err != nil {
		return false, err
	}
	return !live, nil
}

// Notify 先认领提醒再投递；投递失败时撤销认领，下一轮可以重试。
// 返回 sent=false 且 err=nil 表示已有有效提醒，本次被抑制。
func (s *Scheduler) Notify(ctx context.Context, n Notification, expiresAt *time.Time) (bool, error) {
	id, claimed, err := s.st.ClaimReminder(ctx, n.UserID, n.Type, expiresAt, n.At)
	if err != nil {
		return false, err
	}
	if !claimed {
		obs.RecordNotification(string(n.Type), "suppressed")
		return false, nil
	}
	if err := s.disp.Dispatch(ctx, n); err != nil {
		obs.RecordNotification(string(n.Type), "failed")
		if derr := s.st.DeleteReminder(context.WithoutCancel(ctx), id); derr != nil {
			return false, errors.Join(fmt.Errorf("dispatch %s user(id=%d): %w", n.Type, n.UserID, err), derr)
		}
		return false, fmt.Errorf("dispatch %s user(id=%d): %w", n.Type, n.UserID, err)
	}
	obs.RecordNotification(string(n.Type), "sent")
	return true, nil
}

type SweepResult struct {
	Candidates int
	Sent       int
	Failed     int
	Purged     int64
}

// Sweep 清理过期提醒，然后为临近到期与用量超过阈值的活跃用户发送提醒。
func (s *Scheduler) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	var res SweepResult
	purged, err := s.st.PurgeExpiredReminders(ctx, now)
	if err != nil {
		return res, err
	}
	res.Purged = purged

	users, err := s.st.ListUsersNearingLimits(ctx, now, s.expireWithin, s.usagePercent)
	if err != nil {
		return res, err
	}
	res.Candidates = len(users)

	var sent, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.conc)
	for _, u := range users {
		u := u
		g.Go(func() error {
			for _, job := range s.remindersFor(u, now) {
				ok, err := s.Notify(gctx, notificationFor(u, job.typ, now), job.expiresAt)
				if err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					failed.Add(1)
					s.log.Warn("发送提醒失败", "user_id", u.ID, "type", job.typ, "err", err)
					continue
				}
				if ok {
					sent.Add(1)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	res.Sent = int(sent.Load())
	res.Failed = int(failed.Load())
	return res, nil
}

type reminderJob struct {
	typ       store.ReminderType
	expiresAt *time.Time
}

// remindersFor 决定某个候选用户需要哪些提醒，以及提醒在何时失效（失效后同一条件可再次提醒）。
func (s *Scheduler) remindersFor(u store.User, now time.Time) []reminderJob {
	var out []reminderJob
	if s.expireWithin > 0 && u.Expire != nil && u.Expire.After(now) && !u.Expire.After(now.Add(s.expireWithin)) {
		exp := *u.Expire
		out = append(out, reminderJob{typ: store.ReminderExpirationDate, expiresAt: &exp})
	}
	if s.usagePercent > 0 && u.HasDataLimit() && u.UsedTraffic*100 >= *u.DataLimit*int64(s.usagePercent) {
		out = append(out, reminderJob{typ: store.ReminderDataUsage, expiresAt: u.TrafficResetAt})
	}
	return out
}

// HandleTransition 把配额状态迁移转成提醒：limited/expired 各发一次，恢复 active 时清掉对应提醒。
func (s *Scheduler) HandleTransition(ctx context.Context, tr quota.Transition) error {
	switch {
	case tr.To == store.UserStatusLimited:
		u, err := s.st.GetUser(ctx, tr.UserID)
		if err != nil {
			return err
		}
		_, err = s.Notify(ctx, notificationFor(u, store.ReminderDataLimitReached, tr.At), u.TrafficResetAt)
		return err
	case tr.To == store.UserStatusExpired:
		u, err := s.st.GetUser(ctx, tr.UserID)
		if err != nil {
			return err
		}
		_, err = s.Notify(ctx, notificationFor(u, store.ReminderExpired, tr.At), nil)
		return err
	case tr.To == store.UserStatusActive && tr.From == store.UserStatusLimited:
		_, err := s.st.ClearReminders(ctx, tr.UserID, store.ReminderDataLimitReached, store.ReminderDataUsage)
		return err
	case tr.To == store.UserStatusActive && tr.From == store.UserStatusExpired:
		_, err := s.st.ClearReminders(ctx, tr.UserID, store.ReminderExpired, store.ReminderExpirationDate)
		return err
	}
	return nil
}

var _ quota.TransitionHandler = (*Scheduler)(nil)
