package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"fleetplane/internal/locks"
	"fleetplane/internal/obs"
	"fleetplane/internal/store"
)

const (
	maxStepsPerEvaluate = 4
	sweepPageSize       = 200
)

type Transition struct {
	UserID int64
	From   store.UserStatus
	To     store.UserStatus
	Reason Reason
	At     time.Time
}

// TransitionHandler 在状态迁移提交且用户锁释放之后被调用；返回的错误只记录日志，不回滚迁移。
type TransitionHandler interface {
	HandleTransition(ctx context.Context, tr Transition) error
}

type TransitionFunc func(ctx context.Context, tr Transition) error

func (f TransitionFunc) HandleTransition(ctx context.Context, tr Transition) error {
	return f(ctx, tr)
}

type Outcome struct {
	Transitions []Transition
	Reset       *store.TrafficResetOutcome
	ScheduledAt *time.Time
}

type Options struct {
	Location         *time.Location
	SweepConcurrency int
	Logger           *slog.Logger
	Now              func() time.Time
}

type Enforcer struct {
	st     *store.Store
	locker locks.Locker
	loc    *time.Location
	conc   int
	log    *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	handlers []TransitionHandler
}

func NewEnforcer(st *store.Store, locker locks.Locker, opts Options) *Enforcer {
	if locker == nil {
		locker = locks.NewLocal()
	}
	e := &Enforcer{
		st:     st,
		locker: locker,
		loc:    opts.Location,
		conc:   opts.SweepConcurrency,
		log:    opts.Logger,
		now:    opts.Now,
	}
	if e.loc == nil {
		e.loc = time.UTC
	}
	if e.conc <= 0 {
		e.conc = 4
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

func (e *Enforcer) OnTransition(h TransitionHandler) {
	if h == nil {
		return
	}
	e.mu.Lock()
	e.handlers = append(e.handlers, h)
	e.mu.Unlock()
}

func userLockKey(userID int64) string {
	return "user:" + strconv.FormatInt(userID, 10)
}

func (e *Enforcer) withUserLock(ctx context.Context, userID int64, fn func() error) error {
	unlock, err := e.locker.Lock(ctx, userLockKey(userID))
	if err != nil {
		return fmt.Errorf("lock user(id=%d): %w", userID, err)
	}
	defer unlock()
	return fn()
}

// Evaluate 在用户锁内反复评估直到没有动作，保证每个迁移只发生一次。
func (e *Enforcer) Evaluate(ctx context.Context, userID int64) (Outcome, error) {
	return e.evaluateAt(ctx, userID, e.now())
}

func (e *Enforcer) evaluateAt(ctx context.Context, userID int64, now time.Time) (Outcome, error) {
	var out Outcome
	err := e.withUserLock(ctx, userID, func() error {
		var err error
		out, err = e.evaluateLocked(ctx, userID, now)
		return err
	})
	e.dispatch(ctx, out.Transitions)
	return out, err
}

// EvaluateUsers 依次评估多个用户，遇到错误继续处理其余用户并合并返回。
func (e *Enforcer) EvaluateUsers(ctx context.Context, userIDs []int64) ([]Transition, error) {
	var (
		all  []Transition
		errs []error
	)
	for _, id := range userIDs {
		out, err := e.Evaluate(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		all = append(all, out.Transitions...)
	}
	return all, errors.Join(errs...)
}

func (e *Enforcer) evaluateLocked(ctx context.Context, userID int64, now time.Time) (Outcome, error) {
	var out Outcome
	for step := 0; step < maxStepsPerEvaluate; step++ {
		u, err := e.st.GetUser(ctx, userID)
		if err != nil {
			return out, err
		}
		d := Decide(u, now, e.loc)
		if d.IsZero() {
			return out, nil
		}
		switch {
		case d.Schedule:
			ok, err := e.st.ScheduleTrafficReset(ctx, userID, d.NextResetAt)
			if err != nil {
				return out, err
			}
			if ok {
				at := d.NextResetAt
				out.ScheduledAt = &at
			}
		case d.Reset:
			next := d.NextResetAt
			res, err := e.st.ResetUserTraffic(ctx, userID, now, &next, false)
			if err != nil {
				return out, err
			}
			if res.Applied {
				out.Reset = &res
				e.log.Info("用户流量周期重置", "user_id", userID, "folded", res.FoldedTraffic, "next_reset_at", next)
				if res.PreviousStatus != res.Status {
					out.Transitions = append(out.Transitions, e.record(userID, res.PreviousStatus, res.Status, ReasonPeriodReset, now))
				}
			}
		default:
			ok, err := e.apply(ctx, userID, d)
			if err != nil {
				return out, err
			}
			if ok {
				out.Transitions = append(out.Transitions, e.record(userID, d.From, d.To, d.Reason, now))
			}
		}
	}
	e.log.Warn("用户状态评估未收敛", "user_id", userID, "steps", maxStepsPerEvaluate)
	return out, nil
}

func (e *Enforcer) apply(ctx context.Context, userID int64, d Decision) (bool, error) {
	if d.From == store.UserStatusOnHold && d.To == store.UserStatusActive {
		return e.st.ActivateOnHoldUser(ctx, userID, d.ActivateExpire)
	}
	return e.st.CompareAndSetUserStatus(ctx, userID, d.From, d.To)
}

// record 在锁内登记一次已提交的迁移（计数与日志）；回调由 dispatch 在解锁后执行。
func (e *Enforcer) record(userID int64, from, to store.UserStatus, reason Reason, at time.Time) Transition {
	obs.RecordUserTransition(string(from), string(to))
	e.log.Info("用户状态迁移", "user_id", userID, "from", from, "to", to, "reason", reason)
	return Transition{UserID: userID, From: from, To: to, Reason: reason, At: at}
}

// dispatch 依次调用回调，必须在用户锁之外执行：慢回调（webhook 等）不能阻塞同一用户的上报。
func (e *Enforcer) dispatch(ctx context.Context, trs []Transition) {
	if len(trs) == 0 {
		return
	}
	e.mu.RLock()
	handlers := append([]TransitionHandler(nil), e.handlers...)
	e.mu.RUnlock()
	for _, tr := range trs {
		for _, h := range handlers {
			if err := h.HandleTransition(ctx, tr); err != nil {
				e.log.Warn("状态迁移回调失败", "user_id", tr.UserID, "to", tr.To, "err", err)
			}
		}
	}
}

// ResetUsage 是管理员手动重置：no_reset 用户需要 override=true，否则返回 ErrInvalidState。
func (e *Enforcer) ResetUsage(ctx context.Context, userID int64, override bool) (store.TrafficResetOutcome, error) {
	var (
		res     store.TrafficResetOutcome
		pending []Transition
	)
	err := e.withUserLock(ctx, userID, func() error {
		u, err := e.st.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		if !periodic(u.DataLimitResetStrategy) && !override {
			return fmt.Errorf("reset usage user(id=%d): 策略为 %s，需要 override: %w", userID, u.DataLimitResetStrategy, store.ErrInvalidState)
		}
		now := e.now()
		var next *time.Time
		if t, ok := NextResetAt(u.DataLimitResetStrategy, now, e.loc); ok {
			next = &t
		}
		res, err = e.st.ResetUserTraffic(ctx, userID, now, next, true)
		if err != nil {
			return err
		}
		e.log.Info("管理员重置用户流量", "user_id", userID, "folded", res.FoldedTraffic, "override", override)
		if res.PreviousStatus != res.Status {
			pending = append(pending, e.record(userID, res.PreviousStatus, res.Status, ReasonManualReset, now))
		}
		more, err := e.evaluateLocked(ctx, userID, now)
		pending = append(pending, more.Transitions...)
		return err
	})
	e.dispatch(ctx, pending)
	return res, err
}

// Disable 把任意状态的用户置为 disabled。
func (e *Enforcer) Disable(ctx context.Context, userID int64) (*Transition, error) {
	var tr *Transition
	err := e.withUserLock(ctx, userID, func() error {
		u, err := e.st.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		if u.Status == store.UserStatusDisabled {
			return nil
		}
		ok, err := e.st.CompareAndSetUserStatus(ctx, userID, u.Status, store.UserStatusDisabled)
		if err != nil {
			return err
		}
		if ok {
			t := e.record(userID, u.Status, store.UserStatusDisabled, ReasonAdminDisable, e.now())
			tr = &t
		}
		return nil
	})
	if tr != nil {
		e.dispatch(ctx, []Transition{*tr})
	}
	return tr, err
}

// Activate 把 limited/expired/disabled 用户恢复为 active，随后立即重新评估（仍超额会回到 limited）。
func (e *Enforcer) Activate(ctx context.Context, userID int64) (Outcome, error) {
	var out Outcome
	err := e.withUserLock(ctx, userID, func() error {
		u, err := e.st.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		now := e.now()
		switch u.Status {
		case store.UserStatusLimited, store.UserStatusExpired, store.UserStatusDisabled:
			ok, err := e.st.CompareAndSetUserStatus(ctx, userID, u.Status, store.UserStatusActive)
			if err != nil {
				return err
			}
			if ok {
				out.Transitions = append(out.Transitions, e.record(userID, u.Status, store.UserStatusActive, ReasonAdminActivate, now))
			}
		case store.UserStatusActive:
		default:
			return fmt.Errorf("activate user(id=%d): 当前状态 %s: %w", userID, u.Status, store.ErrInvalidState)
		}
		more, err := e.evaluateLocked(ctx, userID, now)
		out.Transitions = append(out.Transitions, more.Transitions...)
		out.Reset = more.Reset
		out.ScheduledAt = more.ScheduledAt
		return err
	})
	e.dispatch(ctx, out.Transitions)
	return out, err
}

func (e *Enforcer) SetEnabled(ctx context.Context, userID int64, enabled bool) error {
	return e.withUserLock(ctx, userID, func() error {
		if err := e.st.SetUserEnabled(ctx, userID, enabled, e.now()); err != nil {
			return err
		}
		e.log.Info("用户启用状态变更", "user_id", userID, "enabled", enabled)
		return nil
	})
}

type SweepResult struct {
	Scanned     int
	Transitions int
	Resets      int
	Scheduled   int
	Failed      int
}

// Sweep 分页扫描全部非 disabled 用户，按并发上限逐个评估；单个用户失败只记录，不中断整轮。
func (e *Enforcer) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	var (
		res                                SweepResult
		transitions, resets, sched, failed atomic.Int64
		afterID                            int64
	)
	for {
		users, err := e.st.ListUsersAfter(ctx, afterID, sweepPageSize, false)
		if err != nil {
			return res, err
		}
		if len(users) == 0 {
			break
		}
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.conc)
		for _, u := range users {
			id := u.ID
			g.Go(func() error {
				out, err := e.evaluateAt(gctx, id, now)
				if err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					failed.Add(1)
					e.log.Warn("配额巡检单用户失败", "user_id", id, "err", err)
					return nil
				}
				transitions.Add(int64(len(out.Transitions)))
				if out.Reset != nil {
					resets.Add(1)
				}
				if out.ScheduledAt != nil {
					sched.Add(1)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return res, err
		}
		res.Scanned += len(users)
		afterID = users[len(users)-1].ID
		if len(users) < sweepPageSize {
			break
		}
	}
	res.Transitions = int(transitions.Load())
	res.Resets = int(resets.Load())
	res.Scheduled = int(sched.Load())
	res.Failed = int(failed.Load())
	return res, nil
}
