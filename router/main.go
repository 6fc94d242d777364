package router

import (
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
)

func SetRouter(r *gin.Engine, opts Options) {
	setSystemRoutes(r, opts)

	api := r.Group("/api")
	api.Use(gzip.Gzip(gzip.DefaultCompression))
	api.Use(limitBody(opts.MaxBodyBytes))
	api.Use(requireNodeToken(opts))
	setNodeAPIRoutes(api, opts)
	setUserAPIRoutes(api, opts)
}
