package router

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"fleetplane/internal/entitlement"
	"fleetplane/internal/nodes"
	"fleetplane/internal/quota"
	"fleetplane/internal/store"
	"fleetplane/internal/store/storetest"
	"fleetplane/internal/usage"
)

const testNodeToken = "node-token-0123456789"

type apiEnvelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}

type testStack struct {
	st     *store.Store
	engine *gin.Engine
}

func newTestStack(t *testing.T) testStack {
	t.Helper()
	st := storetest.Open(t)
	enf := quota.NewEnforcer(st, nil, quota.Options{})
	reg := nodes.NewRegistry(st, nodes.Options{})

	gin.SetMode(gin.TestMode)
	r := gin.New()
	SetRouter(r, Options{
		NodeToken:    testNodeToken,
		MaxBodyBytes: 1 << 20,
		Usage:        usage.NewAggregator(st, enf, usage.Options{MaxBatchEntries: 100}),
		Nodes:        reg,
		Entitlement:  entitlement.New(st, reg),
		Quota:        enf,
	})
	return testStack{st: st, engine: r}
}

func (s testStack) do(t *testing.T, method, path string, body any, token string) (int, apiEnvelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("X-Fleet-Node-Token", token)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	var env apiEnvelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return w.Code, env
}

func TestNodeAPI_RequiresToken(t *testing.T) {
	s := newTestStack(t)
	node := storetest.Node(t, s.st, "")

	code, env := s.do(t, http.MethodPost, "/api/nodes/"+itoa(node.ID)+"/heartbeat", nil, "")
	if code != http.StatusUnauthorized || env.Success {
		t.Fatalf("missing token: code=%d env=%+v", code, env)
	}
	code, _ = s.do(t, http.MethodPost, "/api/nodes/"+itoa(node.ID)+"/heartbeat", nil, "wrong-token")
	if code != http.StatusUnauthorized {
		t.Fatalf("wrong token: code=%d", code)
	}

	gin.SetMode(gin.TestMode)
	r := gin.New()
	SetRouter(r, Options{})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/users/1/status", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("disabled node api: code=%d", w.Code)
	}
}

func TestNodeAPI_UsageHeartbeatAndInbounds(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()

	limit := int64(1000)
	u := storetest.User(t, s.st, func(in *store.UserCreate) { in.DataLimit = &limit })
	node := storetest.Node(t, s.st, "2.0")
	nodePath := "/api/nodes/" + itoa(node.ID)

	code, env := s.do(t, http.MethodPost, nodePath+"/heartbeat", map[string]string{"xray_version": "1.8.4"}, testNodeToken)
	if code != http.StatusOK || !env.Success {
		t.Fatalf("heartbeat: code=%d env=%+v", code, env)
	}
	var hb heartbeatResponse
	if err := json.Unmarshal(env.Data, &hb); err != nil || hb.Status != store.NodeStatusHealthy {
		t.Fatalf("heartbeat data: %s %v", env.Data, err)
	}

	code, env = s.do(t, http.MethodPost, nodePath+"/inbounds", map[string]any{
		"inbounds": []map[string]any{{"tag": "vless-in", "protocol": "vless", "port": 443, "settings": map[string]any{"clients": []any{}}}},
	}, testNodeToken)
	if code != http.StatusOK || !env.Success {
		t.Fatalf("sync inbounds: code=%d env=%+v", code, env)
	}
	var synced inboundSyncResponse
	if err := json.Unmarshal(env.Data, &synced); err != nil || len(synced.Created) != 1 {
		t.Fatalf("sync data: %s %v", env.Data, err)
	}
	svc, err := s.st.CreateService(ctx, "svc")
	if err != nil {
		t.Fatalf("CreateService: %v", err)
	}
	if err := s.st.AddServiceInbound(ctx, svc, synced.Created[0]); err != nil {
		t.Fatalf("AddServiceInbound: %v", err)
	}
	if err := s.st.AddUserService(ctx, u.ID, svc); err != nil {
		t.Fatalf("AddUserService: %v", err)
	}

	userPath := "/api/users/" + itoa(u.ID)
	code, env = s.do(t, http.MethodGet, userPath+"/inbounds", nil, testNodeToken)
	if code != http.StatusOK {
		t.Fatalf("user inbounds: code=%d env=%+v", code, env)
	}
	var inbounds []inboundAPI
	if err := json.Unmarshal(env.Data, &inbounds); err != nil || len(inbounds) != 1 || inbounds[0].Tag != "vless-in" {
		t.Fatalf("user inbounds data: %s %v", env.Data, err)
	}

	ts := time.Now().UTC()
	code, env = s.do(t, http.MethodPost, nodePath+"/usage", usageReportRequest{Entries: []usage.Entry{
		{UserID: u.ID, Timestamp: ts, Uplink: 300, Downlink: 210, Seq: 1},
	}}, testNodeToken)
	if code != http.StatusOK || !env.Success {
		t.Fatalf("usage: code=%d env=%+v", code, env)
	}
	var res usage.Result
	if err := json.Unmarshal(env.Data, &res); err != nil {
		t.Fatalf("usage data: %v", err)
	}
	if res.Accepted != 1 || len(res.Users) != 1 || res.Users[0].BilledBytes != 1020 {
		t.Fatalf("unexpected usage result: %+v", res)
	}

	// 用量 1020 > 1000：上报后用户已被限流，active 入站为空。
	code, env = s.do(t, http.MethodGet, userPath+"/status", nil, testNodeToken)
	if code != http.StatusOK {
		t.Fatalf("status: code=%d", code)
	}
	var us entitlement.UserStatus
	if err := json.Unmarshal(env.Data, &us); err != nil || us.Status != store.UserStatusLimited || us.Allowed {
		t.Fatalf("status data: %s %v", env.Data, err)
	}
	code, env = s.do(t, http.MethodGet, userPath+"/inbounds", nil, testNodeToken)
	if err := json.Unmarshal(env.Data, &inbounds); code != http.StatusOK || err != nil || len(inbounds) != 0 {
		t.Fatalf("limited user inbounds: code=%d data=%s", code, env.Data)
	}
	code, env = s.do(t, http.MethodGet, userPath+"/inbounds?scope=reachable", nil, testNodeToken)
	if err := json.Unmarshal(env.Data, &inbounds); code != http.StatusOK || err != nil || len(inbounds) != 1 {
		t.Fatalf("reachable inbounds: code=%d data=%s", code, env.Data)
	}

	// 同一 seq 重放：幂等，不再计费。
	code, env = s.do(t, http.MethodPost, nodePath+"/usage", usageReportRequest{Entries: []usage.Entry{
		{UserID: u.ID, Timestamp: ts, Uplink: 300, Downlink: 210, Seq: 1},
	}}, testNodeToken)
	if err := json.Unmarshal(env.Data, &res); code != http.StatusOK || err != nil || res.Duplicates != 1 || res.Accepted != 0 {
		t.Fatalf("replay: code=%d data=%s", code, env.Data)
	}

	code, env = s.do(t, http.MethodGet, nodePath+"/health", nil, testNodeToken)
	var h entitlement.NodeHealth
	if err := json.Unmarshal(env.Data, &h); code != http.StatusOK || err != nil || h.Uplink != 300 || h.Downlink != 210 || h.LastHeartbeat == nil {
		t.Fatalf("health: code=%d data=%s", code, env.Data)
	}

	code, env = s.do(t, http.MethodPost, userPath+"/evaluate", nil, testNodeToken)
	var ev evaluateAPIResponse
	if err := json.Unmarshal(env.Data, &ev); code != http.StatusOK || err != nil || len(ev.Transitions) != 0 {
		t.Fatalf("evaluate: code=%d data=%s", code, env.Data)
	}
}

func TestNodeAPI_ErrorMapping(t *testing.T) {
	s := newTestStack(t)
	node := storetest.Node(t, s.st, "")
	nodePath := "/api/nodes/" + itoa(node.ID)

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"bad id", http.MethodGet, "/api/nodes/abc/health", nil, http.StatusBadRequest},
		{"unknown node", http.MethodGet, "/api/nodes/999999/health", nil, http.StatusNotFound},
		{"unknown user", http.MethodGet, "/api/users/999999/status", nil, http.StatusNotFound},
		{"unknown user in batch", http.MethodPost, nodePath + "/usage", usageReportRequest{Entries: []usage.Entry{
			{UserID: 999999, Timestamp: time.Now(), Uplink: 1},
		}}, http.StatusNotFound},
		{"negative delta", http.MethodPost, nodePath + "/usage", usageReportRequest{Entries: []usage.Entry{
			{UserID: 1, Timestamp: time.Now(), Uplink: -1},
		}}, http.StatusBadRequest},
		{"bad scope", http.MethodGet, "/api/users/1/inbounds?scope=all", nil, http.StatusBadRequest},
		{"invalid inbound", http.MethodPost, nodePath + "/inbounds", map[string]any{"inbounds": []any{map[string]any{"protocol": "vless"}}}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, env := s.do(t, tc.method, tc.path, tc.body, testNodeToken)
			if code != tc.want || env.Success {
				t.Fatalf("code=%d want=%d env=%+v", code, tc.want, env)
			}
		})
	}

	if _, err := nodes.NewRegistry(s.st, nodes.Options{}).Disable(context.Background(), node.ID); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	code, _ := s.do(t, http.MethodPost, nodePath+"/heartbeat", nil, testNodeToken)
	if code != http.StatusConflict {
		t.Fatalf("heartbeat on disabled node: code=%d", code)
	}
}
