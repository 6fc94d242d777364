// Package storetest 为各业务包的测试提供一个已建好 schema 的临时 SQLite store。
package storetest

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"fleetplane/internal/store"
)

func Open(t testing.TB) *store.Store {
	t.Helper()

	db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "fleet.db") + "?_busy_timeout=1000")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := store.EnsureSQLiteSchema(db); err != nil {
		t.Fatalf("EnsureSQLiteSchema: %v", err)
	}
	st := store.New(db)
	st.SetDialect(store.DialectSQLite)
	return st
}

var seq atomic.Int64

// User 创建一个活跃用户；mutate 可在写入前调整字段。
func User(t testing.TB, st *store.Store, mutate func(*store.UserCreate)) store.User {
	t.Helper()

	n := seq.Add(1)
	in := store.UserCreate{
		Username:  fmt.Sprintf("user%d", n),
		Key:       fmt.Sprintf("key-%d", n),
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if mutate != nil {
		mutate(&in)
	}
	id, err := st.CreateUser(context.Background(), in)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	u, err := st.GetUser(context.Background(), id)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	return u
}

// Node 创建一个节点，coef 为空字符串时使用默认系数 1。
func Node(t testing.TB, st *store.Store, coef string) store.Node {
	t.Helper()

	n := seq.Add(1)
	in := store.NodeCreate{
		Name:    fmt.Sprintf("node%d", n),
		Address: fmt.Sprintf("10.0.%d.%d", n/250, n%250+1),
		Port:    62050,
	}
	if coef != "" {
		in.UsageCoefficient = decimal.RequireFromString(coef)
	}
	id, err := st.CreateNode(context.Background(), in)
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	node, err := st.GetNode(context.Background(), id)
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	return node
}

// Inbound 在节点上创建入站并挂到一个新服务，再把用户加入该服务。
func Inbound(t testing.TB, st *store.Store, nodeID int64, tag string, userIDs ...int64) (inboundID, serviceID int64) {
	t.Helper()
	ctx := context.Background()

	inboundID, err := st.CreateInbound(ctx, nodeID, store.InboundSpec{
		Protocol: store.ProtocolVLESS,
		Tag:      tag,
		Config:   `{"tag":"` + tag + `","protocol":"vless"}`,
	})
	if err != nil {
		t.Fatalf("CreateInbound: %v", err)
	}
	serviceID, err = st.CreateService(ctx, fmt.Sprintf("svc-%s-%d", tag, seq.Add(1)))
	if err != nil {
		t.Fatalf("CreateService: %v", err)
	}
	if err := st.AddServiceInbound(ctx, serviceID, inboundID); err != nil {
		t.Fatalf("AddServiceInbound: %v", err)
	}
	for _, uid := range userIDs {
		if err := st.AddUserService(ctx, uid, serviceID); err != nil {
			t.Fatalf("AddUserService: %v", err)
		}
	}
	return inboundID, serviceID
}
