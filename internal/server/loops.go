package server

import (
	"context"
	"errors"
	"time"

	"fleetplane/internal/obs"
)

// Start 启动后台巡检循环；重复调用无效。
func (a *App) Start() {
	a.startOnce.Do(func() {
		a.runLoop("quota", time.Duration(a.cfg.Quota.SweepIntervalSeconds)*time.Second, a.sweepQuota)
		if a.cfg.Health.HeartbeatTimeoutSeconds > 0 {
			a.runLoop("health", time.Duration(a.cfg.Health.SweepIntervalSeconds)*time.Second, a.sweepHealth)
		}
		if a.notifier != nil {
			a.runLoop("notify", time.Duration(a.cfg.Notify.SweepIntervalSeconds)*time.Second, a.sweepNotify)
		}
	})
}

// Close 停止后台循环并等待正在执行的一轮结束。
func (a *App) Close() {
	a.stopOnce.Do(func() { close(a.stop) })
	a.wg.Wait()
}

func (a *App) runLoop(name string, interval time.Duration, fn func(ctx context.Context, now time.Time) error) {
	if interval <= 0 {
		interval = time.Minute
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-a.stop:
				return
			case <-ticker.C:
			}
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			err := fn(ctx, time.Now())
			cancel()
			obs.RecordSweep(name, err == nil)
			if err != nil {
				a.log.Error("后台巡检失败", "loop", name, "err", err)
			}
		}
	}()
}

func (a *App) sweepQuota(ctx context.Context, now time.Time) error {
	res, err := a.enforcer.Sweep(ctx, now)
	if err != nil {
		return err
	}
	if res.Transitions > 0 || res.Resets > 0 || res.Failed > 0 {
		a.log.Info("配额巡检完成", "scanned", res.Scanned, "transitions", res.Transitions, "resets", res.Resets,
			"scheduled", res.Scheduled, "failed", res.Failed)
	}
	return nil
}

func (a *App) sweepHealth(ctx context.Context, now time.Time) error {
	stale, err := a.registry.SweepStale(ctx, now)
	if err != nil {
		return err
	}
	if len(stale) > 0 {
		a.log.Warn("节点心跳超时", "node_ids", stale)
	}
	return nil
}

func (a *App) sweepNotify(ctx context.Context, now time.Time) error {
	if a.notifier == nil {
		return nil
	}
	res, err := a.notifier.Sweep(ctx, now)
	if err != nil {
		return err
	}
	if res.Sent > 0 || res.Failed > 0 {
		a.log.Info("提醒巡检完成", "candidates", res.Candidates, "sent", res.Sent, "failed", res.Failed, "purged", res.Purged)
	}
	return nil
}

// SweepOnce 同步执行一轮全部巡检（配额、节点健康、提醒），供命令行工具使用。
func (a *App) SweepOnce(ctx context.Context, now time.Time) error {
	var errs []error
	for _, step := range []struct {
		name string
		fn   func(context.Context, time.Time) error
	}{
		{"quota", a.sweepQuota},
		{"health", a.sweepHealth},
		{"notify", a.sweepNotify},
	} {
		err := step.fn(ctx, now)
		obs.RecordSweep(step.name, err == nil)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
