package router

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"fleetplane/internal/store"
)

type inboundAPI struct {
	ID       int64           `json:"id"`
	NodeID   int64           `json:"node_id"`
	Protocol store.Protocol  `json:"protocol"`
	Tag      string          `json:"tag"`
	Config   json.RawMessage `json:"config,omitempty"`
}

type transitionAPI struct {
	From   store.UserStatus `json:"from"`
	To     store.UserStatus `json:"to"`
	Reason string           `json:"reason"`
	At     time.Time        `json:"at"`
}

type evaluateAPIResponse struct {
	UserID      int64           `json:"user_id"`
	Transitions []transitionAPI `json:"transitions"`
	Reset       bool            `json:"reset"`
	ScheduledAt *time.Time      `json:"scheduled_at,omitempty"`
}

func setUserAPIRoutes(r gin.IRoutes, opts Options) {
	r.GET("/users/:id/inbounds", userInboundsHandler(opts))
	r.GET("/users/:id/status", userStatusHandler(opts))
	r.POST("/users/:id/evaluate", userEvaluateHandler(opts))
}

func toInboundAPI(in store.Inbound) inboundAPI {
	out := inboundAPI{ID: in.ID, NodeID: in.NodeID, Protocol: in.Protocol, Tag: in.Tag}
	if gjson.Valid(in.Config) {
		out.Config = json.RawMessage(in.Config)
	}
	return out
}

// userInboundsHandler: scope=active（默认，仅当前可连接的入站）或 scope=reachable（全部可达入站）。
func userInboundsHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := pathID(c, "id")
		if !ok {
			return
		}
		if opts.Entitlement == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "message": "entitlement 未初始化"})
			return
		}
		var (
			list []store.Inbound
			err  error
		)
		switch strings.ToLower(strings.TrimSpace(c.DefaultQuery("scope", "active"))) {
		case "active":
			list, err = opts.Entitlement.ActiveInbounds(c.Request.Context(), userID)
		case "reachable":
			list, err = opts.Entitlement.ReachableInbounds(c.Request.Context(), userID)
		default:
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "scope 仅支持 active/reachable"})
			return
		}
		if err != nil {
			respondError(c, err)
			return
		}
		out := make([]inboundAPI, 0, len(list))
		for _, in := range list {
			out = append(out, toInboundAPI(in))
		}
		respondOK(c, out)
	}
}

func userStatusHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := pathID(c, "id")
		if !ok {
			return
		}
		if opts.Entitlement == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "message": "entitlement 未初始化"})
			return
		}
		st, err := opts.Entitlement.GetUserStatus(c.Request.Context(), userID)
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, st)
	}
}

func userEvaluateHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := pathID(c, "id")
		if !ok {
			return
		}
		if opts.Quota == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "message": "quota 未初始化"})
			return
		}
		out, err := opts.Quota.Evaluate(c.Request.Context(), userID)
		if err != nil {
			respondError(c, err)
			return
		}
		resp := evaluateAPIResponse{
			UserID:      userID,
			Transitions: make([]transitionAPI, 0, len(out.Transitions)),
			Reset:       out.Reset != nil,
			ScheduledAt: out.ScheduledAt,
		}
		for _, tr := range out.Transitions {
			resp.Transitions = append(resp.Transitions, transitionAPI{From: tr.From, To: tr.To, Reason: string(tr.Reason), At: tr.At.UTC()})
		}
		respondOK(c, resp)
	}
}
