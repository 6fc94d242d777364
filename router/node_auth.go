package router

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"fleetplane/internal/auth"
	"fleetplane/internal/middleware"
)

const nodeTokenHeader = "X-Fleet-Node-Token"

// requireNodeToken 校验节点共享密钥（X-Fleet-Node-Token 或 Authorization: Bearer）。
func requireNodeToken(opts Options) gin.HandlerFunc {
	expected := strings.TrimSpace(opts.NodeToken)
	return func(c *gin.Context) {
		if expected == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"success": false, "message": "节点接口未启用"})
			return
		}
		got := c.GetHeader(nodeTokenHeader)
		if strings.TrimSpace(got) == "" {
			got = auth.BearerToken(c.GetHeader("Authorization"))
		}
		if !auth.TokenEqual(expected, got) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "节点 token 无效"})
			return
		}
		p := auth.Principal{ActorType: auth.ActorTypeNode}
		middleware.Annotate(c.Request.Context(), p)
		c.Request = c.Request.WithContext(auth.WithPrincipal(c.Request.Context(), p))
		c.Next()
	}
}
