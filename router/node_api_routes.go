package router

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"fleetplane/internal/auth"
	"fleetplane/internal/limits"
	"fleetplane/internal/middleware"
	"fleetplane/internal/store"
	"fleetplane/internal/usage"
)

type usageReportRequest struct {
	Entries []usage.Entry `json:"entries"`
}

type heartbeatRequest struct {
	XrayVersion string `json:"xray_version"`
}

type heartbeatResponse struct {
	NodeID int64            `json:"node_id"`
	Status store.NodeStatus `json:"status"`
}

type inboundSyncRequest struct {
	Inbounds []json.RawMessage `json:"inbounds"`
}

type inboundSyncResponse struct {
	Created []int64 `json:"created"`
	Updated []int64 `json:"updated"`
	Removed []int64 `json:"removed"`
}

func setNodeAPIRoutes(r gin.IRouter, opts Options) {
	g := r.Group("/nodes/:id", limitNodeInflight(limits.NewNodeLimits(opts.MaxInflightPerNode)))
	g.POST("/usage", nodeUsageHandler(opts))
	g.POST("/heartbeat", nodeHeartbeatHandler(opts))
	g.POST("/inbounds", nodeInboundsHandler(opts))
	g.GET("/health", nodeHealthHandler(opts))
}

// limitNodeInflight 限制同一节点同时处理中的请求数，超出时返回 429。
func limitNodeInflight(l *limits.NodeLimits) gin.HandlerFunc {
	return func(c *gin.Context) {
		nodeID, ok := pathID(c, "id")
		if !ok {
			c.Abort()
			return
		}
		if !l.Acquire(nodeID) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"success": false, "message": "该节点请求过多，请稍后重试"})
			return
		}
		defer l.Release(nodeID)
		c.Next()
	}
}

// withNodePrincipal 把路径中的节点 id 记入请求主体与访问日志。
func withNodePrincipal(c *gin.Context, nodeID int64) {
	p, _ := auth.PrincipalFromContext(c.Request.Context())
	p.ActorType = auth.ActorTypeNode
	p.NodeID = nodeID
	middleware.Annotate(c.Request.Context(), p)
	c.Request = c.Request.WithContext(auth.WithPrincipal(c.Request.Context(), p))
}

func nodeUsageHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		nodeID, ok := pathID(c, "id")
		if !ok {
			return
		}
		if opts.Usage == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "message": "usage 未初始化"})
			return
		}
		withNodePrincipal(c, nodeID)

		var req usageReportRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBindError(c, err)
			return
		}
		res, err := opts.Usage.ReportUsage(c.Request.Context(), nodeID, req.Entries)
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, res)
	}
}

func nodeHeartbeatHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		nodeID, ok := pathID(c, "id")
		if !ok {
			return
		}
		if opts.Nodes == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "message": "nodes 未初始化"})
			return
		}
		withNodePrincipal(c, nodeID)

		var req heartbeatRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				respondBindError(c, err)
				return
			}
		}
		n, err := opts.Nodes.Heartbeat(c.Request.Context(), nodeID, req.XrayVersion)
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, heartbeatResponse{NodeID: n.ID, Status: n.Status})
	}
}

func nodeInboundsHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		nodeID, ok := pathID(c, "id")
		if !ok {
			return
		}
		if opts.Nodes == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "message": "nodes 未初始化"})
			return
		}
		withNodePrincipal(c, nodeID)

		var req inboundSyncRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBindError(c, err)
			return
		}
		configs := make([]string, 0, len(req.Inbounds))
		for _, raw := range req.Inbounds {
			configs = append(configs, string(raw))
		}
		res, err := opts.Nodes.SyncInbounds(c.Request.Context(), nodeID, configs)
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, inboundSyncResponse{Created: nonNilIDs(res.Created), Updated: nonNilIDs(res.Updated), Removed: nonNilIDs(res.Removed)})
	}
}

func nodeHealthHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		nodeID, ok := pathID(c, "id")
		if !ok {
			return
		}
		if opts.Entitlement == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "message": "entitlement 未初始化"})
			return
		}
		h, err := opts.Entitlement.GetNodeHealth(c.Request.Context(), nodeID)
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, h)
	}
}

func nonNilIDs(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}
