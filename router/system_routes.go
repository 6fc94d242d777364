package router

import (
	"expvar"
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"fleetplane/internal/auth"
	"fleetplane/internal/config"
)

const debugTokenHeader = "X-Fleet-Debug-Token"

func setSystemRoutes(r *gin.Engine, opts Options) {
	r.GET("/healthz", wrapHTTPFunc(opts.Healthz))

	if !opts.Debug.Routes {
		return
	}
	debug := r.Group("/debug", guardDebugRoutes(opts.Debug))
	debug.GET("/vars", wrapHTTP(expvar.Handler()))
}

// guardDebugRoutes 只放行回环地址、allow_cidrs 内的地址，或携带正确 debug token 的请求。
func guardDebugRoutes(cfg config.DebugConfig) gin.HandlerFunc {
	var nets []*net.IPNet
	for _, raw := range cfg.AllowCIDRs {
		_, n, err := net.ParseCIDR(strings.TrimSpace(raw))
		if err != nil {
			continue
		}
		nets = append(nets, n)
	}
	token := strings.TrimSpace(cfg.Token)
	return func(c *gin.Context) {
		if token != "" && auth.TokenEqual(token, c.GetHeader(debugTokenHeader)) {
			c.Next()
			return
		}
		ip := net.ParseIP(c.ClientIP())
		if ip != nil {
			if ip.IsLoopback() {
				c.Next()
				return
			}
			for _, n := range nets {
				if n.Contains(ip) {
					c.Next()
					return
				}
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"success": false, "message": "forbidden"})
	}
}
