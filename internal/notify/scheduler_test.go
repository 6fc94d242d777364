package notify_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fleetplane/internal/notify"
	"fleetplane/internal/quota"
	"fleetplane/internal/store"
	"fleetplane/internal/store/storetest"
)

type recorder struct {
	mu   sync.Mutex
	got  []notify.Notification
	fail error
}

func (r *recorder) Dispatch(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.got = append(r.got, n)
	return nil
}

func (r *recorder) count(typ store.ReminderType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, it := range r.got {
		if it.Type == typ {
			n++
		}
	}
	return n
}

func TestScheduler_NotifyOncePerLiveReminder(t *testing.T) {
	st := storetest.Open(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	u := storetest.User(t, st, nil)

	rec := &recorder{}
	s := notify.NewScheduler(st, rec, notify.Options{})
	n := notify.Notification{Type: store.ReminderExpired, UserID: u.ID, Username: u.Username, At: now}

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Notify(ctx, n, nil); err != nil {
				t.Errorf("Notify: %v", err)
			}
		}()
	}
	wg.Wait()
	if got := rec.count(store.ReminderExpired); got != 1 {
		t.Fatalf("expected exactly 1 dispatch, got %d", got)
	}
	ok, err := s.ShouldNotify(ctx, u.ID, store.ReminderExpired, now)
	if err != nil {
		t.Fatalf("ShouldNotify: %v", err)
	}
	if ok {
		t.Fatalf("expected live reminder to suppress further notifications")
	}
}

func TestScheduler_FailedDispatchReleasesClaim(t *testing.T) {
	st := storetest.Open(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	u := storetest.User(t, st, nil)

	rec := &recorder{fail: errors.New("boom")}
	s := notify.NewScheduler(st, rec, notify.Options{})
	n := notify.Notification{Type: store.ReminderDataLimitReached, UserID: u.ID, At: now}
	if sent, err := s.Notify(ctx, n, nil); err == nil || sent {
		t.Fatalf("expected failure, got sent=%v err=%v", sent, err)
	}
	ok, err := s.ShouldNotify(ctx, u.ID, store.ReminderDataLimitReached, now)
	if err != nil {
		t.Fatalf("ShouldNotify: %v", err)
	}
	if !ok {
		t.Fatalf("expected claim to be released after failed dispatch")
	}

	rec.fail = nil
	sent, err := s.Notify(ctx, n, nil)
	if err != nil || !sent {
		t.Fatalf("retry: sent=%v err=%v", sent, err)
	}
}

func TestScheduler_Sweep(t *testing.T) {
	st := storetest.Open(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	soon := now.Add(12 * time.Hour)
	later := now.Add(30 * 24 * time.Hour)
	limit := int64(1000)

	expiring := storetest.User(t, st, func(in *store.UserCreate) { in.Expire = &soon })
	heavy := storetest.User(t, st, func(in *store.UserCreate) { in.DataLimit = &limit; in.Expire = &later })
	_ = storetest.User(t, st, func(in *store.UserCreate) { in.DataLimit = &limit; in.Expire = &later })

	node := storetest.Node(t, st, "")
	storetest.Inbound(t, st, node.ID, "in", heavy.ID)
	if _, err := st.ApplyUsageReport(ctx, store.UsageReport{
		NodeID:  node.ID,
		Now:     now,
		Entries: []store.UsageDelta{{
			UserID: heavy.ID, Bucket: now, Uplink: 800, Downlink: 50,
		}},
	}); err != nil {
		t.Fatalf("ApplyUsageReport: %v", err)
	}

	rec := &recorder{}
	s := notify.NewScheduler(st, rec, notify.Options{ExpireWithin: 24 * time.Hour, UsagePercent: 80})
	res, err := s.Sweep(ctx, now)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if res.Candidates != 2 || res.Sent != 2 || res.Failed != 0 {
		t.Fatalf("unexpected sweep result: %+v", res)
	}
	if rec.count(store.ReminderExpirationDate) != 1 || rec.count(store.ReminderDataUsage) != 1 {
		t.Fatalf("unexpected dispatches: %+v", rec.got)
	}
	for _, n := range rec.got {
		switch n.Type {
		case store.ReminderExpirationDate:
			if n.UserID != expiring.ID {
				t.Fatalf("expiration reminder for wrong user: %+v", n)
			}
		case store.ReminderDataUsage:
			if n.UserID != heavy.ID || n.UsedTraffic != 850 {
				t.Fatalf("usage reminder mismatch: %+v", n)
			}
		}
	}

	res, err = s.Sweep(ctx, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Sweep#2: %v", err)
	}
	if res.Sent != 0 {
		t.Fatalf("expected second sweep to be suppressed, got %+v", res)
	}

	// 到期提醒在用户到期时失效，随后被清理。
	res, err = s.Sweep(ctx, soon.Add(time.Second))
	if err != nil {
		t.Fatalf("Sweep#3: %v", err)
	}
	if res.Purged != 1 {
		t.Fatalf("expected 1 purged reminder, got %+v", res)
	}
}

func TestScheduler_HandleTransition(t *testing.T) {
	st := storetest.Open(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	u := storetest.User(t, st, nil)

	rec := &recorder{}
	s := notify.NewScheduler(st, rec, notify.Options{})

	limited := quota.Transition{UserID: u.ID, From: store.UserStatusActive, To: store.UserStatusLimited, Reason: quota.ReasonLimitReached, At: now}
	if err := s.HandleTransition(ctx, limited); err != nil {
		t.Fatalf("HandleTransition(limited): %v", err)
	}
	if err := s.HandleTransition(ctx, limited); err != nil {
		t.Fatalf("HandleTransition(limited#2): %v", err)
	}
	if got := rec.count(store.ReminderDataLimitReached); got != 1 {
		t.Fatalf("expected 1 data_limit_reached dispatch, got %d", got)
	}

	lifted := quota.Transition{UserID: u.ID, From: store.UserStatusLimited, To: store.UserStatusActive, Reason: quota.ReasonLimitLifted, At: now}
	if err := s.HandleTransition(ctx, lifted); err != nil {
		t.Fatalf("HandleTransition(active): %v", err)
	}
	reminders, err := st.ListReminders(ctx, u.ID)
	if err != nil {
		t.Fatalf("ListReminders: %v", err)
	}
	if len(reminders) != 0 {
		t.Fatalf("expected reminders cleared, got %+v", reminders)
	}

	if err := s.HandleTransition(ctx, limited); err != nil {
		t.Fatalf("HandleTransition(limited#3): %v", err)
	}
	if got := rec.count(store.ReminderDataLimitReached); got != 2 {
		t.Fatalf("expected re-notification after recovery, got %d", got)
	}
}
