package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"fleetplane/internal/store"
	"fleetplane/internal/store/storetest"
)

func int64Ptr(v int64) *int64 { return &v }

func TestResetUserTraffic_KeepsLifetime(t *testing.T) {
	st := storetest.Open(t)
	ctx := context.Background()

	node := storetest.Node(t, st, "")
	u := storetest.User(t, st, func(in *store.UserCreate) {
		in.DataLimit = int64Ptr(100)
		in.DataLimitResetStrategy = store.ResetDay
	})
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if _, err := st.ApplyUsageReport(ctx, store.UsageReport{NodeID: node.ID, Entries: []store.UsageDelta{{UserID: u.ID, Bucket: at, Uplink: 120}}, Now: at}); err != nil {
		t.Fatalf("ApplyUsageReport: %v", err)
	}
	if ok, err := st.CompareAndSetUserStatus(ctx, u.ID, store.UserStatusActive, store.UserStatusLimited); err != nil || !ok {
		t.Fatalf("CompareAndSetUserStatus ok=%v err=%v", ok, err)
	}

	// 未排期时不归档。
	out, err := st.ResetUserTraffic(ctx, u.ID, at, nil, false)
	if err != nil {
		t.Fatalf("ResetUserTraffic: %v", err)
	}
	if out.Applied {
		t.Fatalf("reset without schedule should be a no-op")
	}

	due := at.Add(-time.Minute)
	if ok, err := st.ScheduleTrafficReset(ctx, u.ID, due); err != nil || !ok {
		t.Fatalf("ScheduleTrafficReset ok=%v err=%v", ok, err)
	}
	if ok, _ := st.ScheduleTrafficReset(ctx, u.ID, at.Add(time.Hour)); ok {
		t.Fatalf("schedule should not overwrite an existing reset time")
	}

	next := at.Add(24 * time.Hour)
	out, err = st.ResetUserTraffic(ctx, u.ID, at, &next, false)
	if err != nil {
		t.Fatalf("ResetUserTraffic: %v", err)
	}
	if !out.Applied || out.FoldedTraffic != 120 || out.PreviousStatus != store.UserStatusLimited || out.Status != store.UserStatusActive {
		t.Fatalf("unexpected outcome: %+v", out)
	}

	got, _ := st.GetUser(ctx, u.ID)
	if got.UsedTraffic != 0 || got.LifetimeUsedTraffic != 120 || got.TotalTraffic() != 120 {
		t.Fatalf("unexpected traffic after reset: used=%d lifetime=%d", got.UsedTraffic, got.LifetimeUsedTraffic)
	}
	if got.TrafficResetAt == nil || !got.TrafficResetAt.Equal(next) {
		t.Fatalf("traffic_reset_at=%v, want %v", got.TrafficResetAt, next)
	}

	// 同一周期内重复调用不会二次归档。
	out, err = st.ResetUserTraffic(ctx, u.ID, at, &next, false)
	if err != nil {
		t.Fatalf("ResetUserTraffic: %v", err)
	}
	if out.Applied {
		t.Fatalf("second reset in the same period should be a no-op")
	}
	resets, err := st.ListUsageResets(ctx, u.ID)
	if err != nil {
		t.Fatalf("ListUsageResets: %v", err)
	}
	if len(resets) != 1 || resets[0].UsedTrafficAtReset != 120 {
		t.Fatalf("unexpected reset log: %+v", resets)
	}
}

func TestUpdateUserQuota_StrategyChangeClearsSchedule(t *testing.T) {
	st := storetest.Open(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	u := storetest.User(t, st, func(in *store.UserCreate) { in.DataLimitResetStrategy = store.ResetMonth })
	if _, err := st.ScheduleTrafficReset(ctx, u.ID, now.Add(time.Hour)); err != nil {
		t.Fatalf("ScheduleTrafficReset: %v", err)
	}
	if err := st.UpdateUserQuota(ctx, u.ID, store.UserQuotaUpdate{DataLimit: int64Ptr(10), DataLimitResetStrategy: store.ResetMonth}, now); err != nil {
		t.Fatalf("UpdateUserQuota: %v", err)
	}
	got, _ := st.GetUser(ctx, u.ID)
	if got.TrafficResetAt == nil {
		t.Fatalf("same strategy should keep the schedule")
	}
	if err := st.UpdateUserQuota(ctx, u.ID, store.UserQuotaUpdate{DataLimit: int64Ptr(10), DataLimitResetStrategy: store.ResetWeek}, now); err != nil {
		t.Fatalf("UpdateUserQuota: %v", err)
	}
	got, _ = st.GetUser(ctx, u.ID)
	if got.TrafficResetAt != nil {
		t.Fatalf("strategy change should clear the schedule, got %v", got.TrafficResetAt)
	}
	if err := st.UpdateUserQuota(ctx, u.ID, store.UserQuotaUpdate{DataLimitResetStrategy: "fortnight"}, now); !errors.Is(err, store.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestCreateUser_Defaults(t *testing.T) {
	st := storetest.Open(t)
	ctx := context.Background()

	u := storetest.User(t, st, nil)
	if u.Status != store.UserStatusActive || !u.Enabled || u.IPLimit != -1 || u.DataLimitResetStrategy != store.ResetNoReset {
		t.Fatalf("unexpected defaults: %+v", u)
	}
	held := storetest.User(t, st, func(in *store.UserCreate) { in.OnHoldExpireDuration = int64Ptr(3600) })
	if held.Status != store.UserStatusOnHold {
		t.Fatalf("status=%s, want on_hold", held.Status)
	}
	if _, err := st.CreateUser(ctx, store.UserCreate{Username: u.Username, Key: "other"}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("duplicate username should conflict, got %v", err)
	}
	if _, err := st.CreateUser(ctx, store.UserCreate{Username: "x", Key: "k", Status: store.UserStatusOnHold}); !errors.Is(err, store.ErrInvalidArgument) {
		t.Fatalf("on_hold without duration should be rejected, got %v", err)
	}
}

func TestDeleteUser_RemovesDependents(t *testing.T) {
	st := storetest.Open(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	node := storetest.Node(t, st, "")
	u := storetest.User(t, st, nil)
	storetest.Inbound(t, st, node.ID, "vless-in", u.ID)
	if _, err := st.ApplyUsageReport(ctx, store.UsageReport{NodeID: node.ID, Entries: []store.UsageDelta{{UserID: u.ID, Bucket: at, Uplink: 1, Seq: 1}}, Now: at}); err != nil {
		t.Fatalf("ApplyUsageReport: %v", err)
	}
	if _, _, err := st.ClaimReminder(ctx, u.ID, store.ReminderDataUsage, nil, at); err != nil {
		t.Fatalf("ClaimReminder: %v", err)
	}

	if err := st.DeleteUser(ctx, u.ID); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if _, err := st.GetUser(ctx, u.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	rows, _ := st.ListNodeUserUsages(ctx, store.UsageQuery{UserID: u.ID})
	if len(rows) != 0 {
		t.Fatalf("usage facts left behind: %+v", rows)
	}
	rems, _ := st.ListReminders(ctx, u.ID)
	if len(rems) != 0 {
		t.Fatalf("reminders left behind: %+v", rems)
	}
	if mark, _ := st.GetReportWatermark(ctx, node.ID, u.ID); mark != 0 {
		t.Fatalf("watermark left behind: %d", mark)
	}
	if err := st.DeleteUser(ctx, u.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("second delete should be ErrNotFound, got %v", err)
	}
}

func TestLinks_MissingParentRejected(t *testing.T) {
	st := storetest.Open(t)
	ctx := context.Background()

	node := storetest.Node(t, st, "")
	u := storetest.User(t, st, nil)
	inboundID, serviceID := storetest.Inbound(t, st, node.ID, "links")

	if err := st.DeleteUser(ctx, u.ID); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if err := st.AddUserService(ctx, u.ID, serviceID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("AddUserService on deleted user: %v", err)
	}
	users, err := st.UserIDsOfService(ctx, serviceID)
	if err != nil {
		t.Fatalf("UserIDsOfService: %v", err)
	}
	if len(users) != 0 {
		t.Fatalf("orphan users_services rows: %v", users)
	}

	if err := st.AddServiceInbound(ctx, serviceID+1000, inboundID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("AddServiceInbound on missing service: %v", err)
	}
	if _, err := st.CreateHost(ctx, inboundID+1000, store.HostSpec{Remark: "h", Address: "example.com"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("CreateHost on missing inbound: %v", err)
	}

	if err := st.DeleteNode(ctx, node.ID); err != nil {
		t.Fatalf("DeleteNode: %v", err)
	}
	_, err = st.CreateInbound(ctx, node.ID, store.InboundSpec{Protocol: store.ProtocolVLESS, Tag: "late", Config: `{"tag":"late"}`})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("CreateInbound on deleted node: %v", err)
	}
}
