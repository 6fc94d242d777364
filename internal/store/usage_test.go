package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fleetplane/internal/store"
	"fleetplane/internal/store/storetest"
)

func TestApplyUsageReport_CoefficientScalesUserOnly(t *testing.T) {
	st := storetest.Open(t)
	ctx := context.Background()

	node := storetest.Node(t, st, "2.0")
	u := storetest.User(t, st, nil)
	at := time.Date(2026, 3, 1, 10, 17, 0, 0, time.UTC)

	res, err := st.ApplyUsageReport(ctx, store.UsageReport{
		NodeID:  node.ID,
		Entries: []store.UsageDelta{{UserID: u.ID, Bucket: at, Uplink: 100, Downlink: 50}},
		Now:     at,
	})
	if err != nil {
		t.Fatalf("ApplyUsageReport: %v", err)
	}
	if res.Applied != 1 || len(res.Users) != 1 || res.Users[0].BilledBytes != 300 || res.Users[0].RawBytes != 150 {
		t.Fatalf("unexpected result: %+v", res)
	}

	rows, err := st.ListNodeUserUsages(ctx, store.UsageQuery{UserID: u.ID})
	if err != nil {
		t.Fatalf("ListNodeUserUsages: %v", err)
	}
	if len(rows) != 1 || rows[0].UsedTraffic != 150 || !rows[0].CreatedAt.Equal(store.HourBucket(at)) {
		t.Fatalf("unexpected node_user_usages: %+v", rows)
	}
	got, err := st.GetUser(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if got.UsedTraffic != 300 {
		t.Fatalf("used_traffic=%d, want 300", got.UsedTraffic)
	}
	if got.OnlineAt == nil {
		t.Fatalf("expected online_at to be set")
	}
	n, err := st.GetNode(ctx, node.ID)
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if n.Uplink != 100 || n.Downlink != 50 {
		t.Fatalf("node totals=%d/%d, want 100/50", n.Uplink, n.Downlink)
	}
	sys, err := st.GetSystemUsage(ctx)
	if err != nil {
		t.Fatalf("GetSystemUsage: %v", err)
	}
	if sys.Uplink+sys.Downlink != 150 {
		t.Fatalf("system total=%d, want 150", sys.Uplink+sys.Downlink)
	}
	nu, err := st.ListNodeUsages(ctx, store.UsageQuery{NodeID: node.ID})
	if err != nil {
		t.Fatalf("ListNodeUsages: %v", err)
	}
	if len(nu) != 1 || nu[0].Uplink != 100 || nu[0].Downlink != 50 {
		t.Fatalf("unexpected node_usages: %+v", nu)
	}
}

func TestApplyUsageReport_ConcurrentReportsSumExactly(t *testing.T) {
	st := storetest.Open(t)
	ctx := context.Background()

	nodeA := storetest.Node(t, st, "")
	nodeB := storetest.Node(t, st, "")
	u := storetest.User(t, st, nil)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	const workers, rounds = 8, 25
	var wg sync.WaitGroup
	errs := make(chan error, workers*rounds)
	for w := 0; w < workers; w++ {
		nodeID := nodeA.ID
		if w%2 == 1 {
			nodeID = nodeB.ID
		}
		wg.Add(1)
		go func(nodeID int64) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				_, err := st.ApplyUsageReport(ctx, store.UsageReport{
					NodeID:  nodeID,
					Entries: []store.UsageDelta{{UserID: u.ID, Bucket: at, Uplink: 3, Downlink: 7}},
					Now:     at,
				})
				if err != nil {
					errs <- err
				}
			}
		}(nodeID)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("ApplyUsageReport: %v", err)
	}

	got, err := st.GetUser(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if want := int64(workers * rounds * 10); got.UsedTraffic != want {
		t.Fatalf("used_traffic=%d, want %d", got.UsedTraffic, want)
	}
	sum, err := st.SumUserRawUsage(ctx, store.UsageQuery{UserID: u.ID})
	if err != nil {
		t.Fatalf("SumUserRawUsage: %v", err)
	}
	if sum != got.UsedTraffic {
		t.Fatalf("sum of facts=%d, used_traffic=%d", sum, got.UsedTraffic)
	}
	rows, err := st.ListNodeUserUsages(ctx, store.UsageQuery{UserID: u.ID})
	if err != nil {
		t.Fatalf("ListNodeUserUsages: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected one bucket per node, got %d", len(rows))
	}
}

func TestApplyUsageReport_SeqDropsDuplicates(t *testing.T) {
	st := storetest.Open(t)
	ctx := context.Background()

	node := storetest.Node(t, st, "")
	u := storetest.User(t, st, nil)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rep := store.UsageReport{
		NodeID:  node.ID,
		Entries: []store.UsageDelta{{UserID: u.ID, Bucket: at, Uplink: 10, Downlink: 10, Seq: 5}},
		Now:     at,
	}

	if _, err := st.ApplyUsageReport(ctx, rep); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	res, err := st.ApplyUsageReport(ctx, rep)
	if err != nil {
		t.Fatalf("retry apply: %v", err)
	}
	if res.Duplicates != 1 || res.Applied != 0 {
		t.Fatalf("retry should be a duplicate: %+v", res)
	}
	mark, err := st.GetReportWatermark(ctx, node.ID, u.ID)
	if err != nil {
		t.Fatalf("GetReportWatermark: %v", err)
	}
	if mark != 5 {
		t.Fatalf("watermark=%d, want 5", mark)
	}
	got, _ := st.GetUser(ctx, u.ID)
	if got.UsedTraffic != 20 {
		t.Fatalf("used_traffic=%d, want 20", got.UsedTraffic)
	}

	// 批内乱序：只有 seq 高于水位的条目生效。
	res, err = st.ApplyUsageReport(ctx, store.UsageReport{
		NodeID: node.ID,
		Entries: []store.UsageDelta{
			{UserID: u.ID, Bucket: at, Uplink: 1, Seq: 7},
			{UserID: u.ID, Bucket: at, Uplink: 1, Seq: 4},
			{UserID: u.ID, Bucket: at, Uplink: 1, Seq: 6},
		},
		Now: at,
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Applied != 2 || res.Duplicates != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if mark, _ := st.GetReportWatermark(ctx, node.ID, u.ID); mark != 7 {
		t.Fatalf("watermark=%d, want 7", mark)
	}
}

func TestApplyUsageReport_UnknownUserRejectsBatch(t *testing.T) {
	st := storetest.Open(t)
	ctx := context.Background()

	node := storetest.Node(t, st, "")
	u := storetest.User(t, st, nil)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	_, err := st.ApplyUsageReport(ctx, store.UsageReport{
		NodeID: node.ID,
		Entries: []store.UsageDelta{
			{UserID: u.ID, Bucket: at, Uplink: 10},
			{UserID: u.ID + 1000, Bucket: at, Uplink: 10},
		},
		Now: at,
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	got, _ := st.GetUser(ctx, u.ID)
	if got.UsedTraffic != 0 {
		t.Fatalf("batch should not be partially applied, used_traffic=%d", got.UsedTraffic)
	}
	sys, _ := st.GetSystemUsage(ctx)
	if sys.Uplink != 0 {
		t.Fatalf("system uplink=%d, want 0", sys.Uplink)
	}
}

func TestApplyUsageReport_LifetimeTracksBilledAcrossReset(t *testing.T) {
	st := storetest.Open(t)
	ctx := context.Background()

	node := storetest.Node(t, st, "2")
	u := storetest.User(t, st, nil)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	if _, err := st.ApplyUsageReport(ctx, store.UsageReport{
		NodeID:  node.ID,
		Entries: []store.UsageDelta{{UserID: u.ID, Bucket: at, Uplink: 100, Downlink: 50}},
		Now:     at,
	}); err != nil {
		t.Fatalf("ApplyUsageReport: %v", err)
	}
	got, _ := st.GetUser(ctx, u.ID)
	if got.UsedTraffic != 300 || got.LifetimeUsedTraffic != 300 {
		t.Fatalf("after report: used=%d lifetime=%d, want 300/300", got.UsedTraffic, got.LifetimeUsedTraffic)
	}

	out, err := st.ResetUserTraffic(ctx, u.ID, at, nil, true)
	if err != nil {
		t.Fatalf("ResetUserTraffic: %v", err)
	}
	if !out.Applied || out.FoldedTraffic != 300 {
		t.Fatalf("unexpected reset outcome: %+v", out)
	}
	got, _ = st.GetUser(ctx, u.ID)
	if got.UsedTraffic != 0 || got.LifetimeUsedTraffic != 300 {
		t.Fatalf("after reset: used=%d lifetime=%d, want 0/300", got.UsedTraffic, got.LifetimeUsedTraffic)
	}

	if _, err := st.ApplyUsageReport(ctx, store.UsageReport{
		NodeID:  node.ID,
		Entries: []store.UsageDelta{{UserID: u.ID, Bucket: at.Add(time.Hour), Uplink: 5}},
		Now:     at.Add(time.Hour),
	}); err != nil {
		t.Fatalf("ApplyUsageReport: %v", err)
	}
	got, _ = st.GetUser(ctx, u.ID)
	if got.UsedTraffic != 10 || got.LifetimeUsedTraffic != 310 {
		t.Fatalf("after second report: used=%d lifetime=%d, want 10/310", got.UsedTraffic, got.LifetimeUsedTraffic)
	}
	resets, _ := st.ListUsageResets(ctx, u.ID)
	if len(resets) != 1 || resets[0].UsedTrafficAtReset != 300 {
		t.Fatalf("unexpected reset log: %+v", resets)
	}
}

func TestApplyUsageReport_DeletedNodeWritesNothing(t *testing.T) {
	st := storetest.Open(t)
	ctx := context.Background()

	node := storetest.Node(t, st, "")
	u := storetest.User(t, st, nil)
	if err := st.DeleteNode(ctx, node.ID); err != nil {
		t.Fatalf("DeleteNode: %v", err)
	}
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	_, err := st.ApplyUsageReport(ctx, store.UsageReport{
		NodeID:  node.ID,
		Entries: []store.UsageDelta{{UserID: u.ID, Bucket: at, Uplink: 10}},
		Now:     at,
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	rows, err := st.ListNodeUserUsages(ctx, store.UsageQuery{UserID: u.ID})
	if err != nil {
		t.Fatalf("ListNodeUserUsages: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("orphan node_user_usages written: %+v", rows)
	}
	got, _ := st.GetUser(ctx, u.ID)
	if got.UsedTraffic != 0 {
		t.Fatalf("used_traffic=%d, want 0", got.UsedTraffic)
	}
}

func TestApplyUsageReport_Validation(t *testing.T) {
	st := storetest.Open(t)
	ctx := context.Background()
	node := storetest.Node(t, st, "")
	u := storetest.User(t, st, nil)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	cases := []struct {
		name  string
		rep   store.UsageReport
		isErr error
	}{
		{"negative", store.UsageReport{NodeID: node.ID, Entries: []store.UsageDelta{{UserID: u.ID, Bucket: at, Uplink: -1}}}, store.ErrInvalidArgument},
		{"no bucket", store.UsageReport{NodeID: node.ID, Entries: []store.UsageDelta{{UserID: u.ID, Uplink: 1}}}, store.ErrInvalidArgument},
		{"unknown node", store.UsageReport{NodeID: node.ID + 99, Entries: []store.UsageDelta{{UserID: u.ID, Bucket: at, Uplink: 1}}}, store.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := st.ApplyUsageReport(ctx, tc.rep); !errors.Is(err, tc.isErr) {
				t.Fatalf("expected %v, got %v", tc.isErr, err)
			}
		})
	}

	res, err := st.ApplyUsageReport(ctx, store.UsageReport{NodeID: node.ID, Entries: []store.UsageDelta{{UserID: u.ID, Bucket: at}}})
	if err != nil {
		t.Fatalf("zero delta: %v", err)
	}
	if res.Skipped != 1 || res.Applied != 0 {
		t.Fatalf("zero delta should be skipped: %+v", res)
	}
}
