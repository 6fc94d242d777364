package nodes_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"fleetplane/internal/nodes"
	"fleetplane/internal/store"
	"fleetplane/internal/store/storetest"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to store.NodeStatus
		want     bool
	}{
		{store.NodeStatusConnecting, store.NodeStatusHealthy, true},
		{store.NodeStatusConnecting, store.NodeStatusUnhealthy, true},
		{store.NodeStatusHealthy, store.NodeStatusUnhealthy, true},
		{store.NodeStatusHealthy, store.NodeStatusConnecting, true},
		{store.NodeStatusUnhealthy, store.NodeStatusConnecting, true},
		{store.NodeStatusUnhealthy, store.NodeStatusHealthy, false},
		{store.NodeStatusDisabled, store.NodeStatusConnecting, true},
		{store.NodeStatusDisabled, store.NodeStatusHealthy, false},
		{store.NodeStatusHealthy, store.NodeStatusDisabled, true},
		{store.NodeStatusUnhealthy, store.NodeStatusDisabled, true},
		{store.NodeStatusHealthy, store.NodeStatusHealthy, false},
	}
	for _, tc := range cases {
		if got := nodes.CanTransition(tc.from, tc.to); got != tc.want {
			t.Fatalf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestRegistry_Lifecycle(t *testing.T) {
	st := storetest.Open(t)
	ctx := context.Background()
	r := nodes.NewRegistry(st, nodes.Options{})

	n, err := r.Create(ctx, store.NodeCreate{Name: "edge-1", Address: "10.1.0.1", Port: 62050})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if n.Status != store.NodeStatusConnecting {
		t.Fatalf("new node status = %s", n.Status)
	}

	n, err = r.Heartbeat(ctx, n.ID, "1.8.4")
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if n.Status != store.NodeStatusHealthy || n.XrayVersion == nil || *n.XrayVersion != "1.8.4" {
		t.Fatalf("after heartbeat: %+v", n)
	}

	n, err = r.MarkUnhealthy(ctx, n.ID, "connection refused")
	if err != nil {
		t.Fatalf("MarkUnhealthy: %v", err)
	}
	if n.Status != store.NodeStatusUnhealthy || n.Message == nil || *n.Message != "connection refused" || n.LastStatusChange == nil {
		t.Fatalf("after unhealthy: %+v", n)
	}

	if _, err := r.MarkHealthy(ctx, n.ID); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("unhealthy -> healthy: expected ErrInvalidState, got %v", err)
	}

	// 心跳让 unhealthy 节点经 connecting 恢复为 healthy。
	n, err = r.Heartbeat(ctx, n.ID, "")
	if err != nil {
		t.Fatalf("Heartbeat#2: %v", err)
	}
	if n.Status != store.NodeStatusHealthy {
		t.Fatalf("after recovery heartbeat: %s", n.Status)
	}

	if n, err = r.Disable(ctx, n.ID); err != nil || n.Status != store.NodeStatusDisabled {
		t.Fatalf("Disable: %+v %v", n, err)
	}
	if _, err := r.Heartbeat(ctx, n.ID, ""); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("heartbeat on disabled: expected ErrInvalidState, got %v", err)
	}
	if _, err := r.MarkHealthy(ctx, n.ID); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("disabled -> healthy: expected ErrInvalidState, got %v", err)
	}
	if n, err = r.Enable(ctx, n.ID); err != nil || n.Status != store.NodeStatusConnecting {
		t.Fatalf("Enable: %+v %v", n, err)
	}
	if _, err := r.Enable(ctx, n.ID); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("Enable on connecting: expected ErrInvalidState, got %v", err)
	}

	if _, err := r.Create(ctx, store.NodeCreate{Name: "edge-1", Address: "10.1.0.2", Port: 62050}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("duplicate name: expected ErrConflict, got %v", err)
	}
}

func TestRegistry_SweepStale(t *testing.T) {
	st := storetest.Open(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := t0
	r := nodes.NewRegistry(st, nodes.Options{
		HeartbeatTimeout: time.Minute,
		Now:              func() time.Time { return clock },
	})

	beating := storetest.Node(t, st, "")
	silent := storetest.Node(t, st, "")
	if _, err := r.Heartbeat(ctx, beating.ID, ""); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if _, err := r.MarkHealthy(ctx, silent.ID); err != nil {
		t.Fatalf("MarkHealthy: %v", err)
	}

	stale, err := r.SweepStale(ctx, t0.Add(30*time.Second))
	if err != nil || len(stale) != 0 {
		t.Fatalf("SweepStale#1: %v %v", stale, err)
	}

	clock = t0.Add(50 * time.Second)
	if _, err := r.Heartbeat(ctx, beating.ID, ""); err != nil {
		t.Fatalf("Heartbeat#2: %v", err)
	}

	clock = t0.Add(100 * time.Second)
	stale, err = r.SweepStale(ctx, clock)
	if err != nil {
		t.Fatalf("SweepStale#2: %v", err)
	}
	if len(stale) != 1 || stale[0] != silent.ID {
		t.Fatalf("expected only silent node stale, got %v", stale)
	}
	got, err := st.GetNode(ctx, silent.ID)
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if got.Status != store.NodeStatusUnhealthy || got.Message == nil || *got.Message != "heartbeat timeout" {
		t.Fatalf("silent node after sweep: %+v", got)
	}
	got, err = st.GetNode(ctx, beating.ID)
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if got.Status != store.NodeStatusHealthy {
		t.Fatalf("beating node status = %s", got.Status)
	}
}

func TestRegistry_SweepStaleDisabledTimeout(t *testing.T) {
	st := storetest.Open(t)
	r := nodes.NewRegistry(st, nodes.Options{})
	stale, err := r.SweepStale(context.Background(), time.Now())
	if err != nil || stale != nil {
		t.Fatalf("expected no-op, got %v %v", stale, err)
	}
}
