package router

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"fleetplane/internal/locks"
	"fleetplane/internal/middleware"
	"fleetplane/internal/store"
)

func wrapHTTP(h http.Handler) gin.HandlerFunc {
	if h == nil {
		return func(c *gin.Context) {
			c.Status(http.StatusNotFound)
		}
	}

	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func wrapHTTPFunc(f http.HandlerFunc) gin.HandlerFunc {
	return wrapHTTP(f)
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(c.Param(name)), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": name + " 不合法"})
		return 0, false
	}
	return id, true
}

func respondOK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "", "data": data})
}

// respondError 把领域错误映射为 HTTP 状态码；未归类的错误只返回通用提示，细节写日志。
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	msg := "内部错误"
	switch {
	case errors.Is(err, store.ErrInvalidArgument):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, store.ErrNotFound):
		status, msg = http.StatusNotFound, "不存在"
	case errors.Is(err, store.ErrConflict):
		status, msg = http.StatusConflict, err.Error()
	case errors.Is(err, store.ErrInvalidState):
		status, msg = http.StatusConflict, err.Error()
	case errors.Is(err, store.ErrTransient), errors.Is(err, locks.ErrNotAcquired):
		status, msg = http.StatusServiceUnavailable, "暂时不可用，请重试"
	}
	if status >= http.StatusInternalServerError {
		slog.Error("请求处理失败", "request_id", middleware.GetRequestID(c.Request.Context()), "method", c.Request.Method, "path", c.FullPath(), "err", err)
	}
	c.JSON(status, gin.H{"success": false, "message": msg})
}

// respondBindError 处理请求体解析失败：超过 MaxBodyBytes 返回 413，其余返回 400。
func respondBindError(c *gin.Context, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"success": false, "message": "请求体超过 " + strconv.FormatInt(tooLarge.Limit, 10) + " 字节"})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "请求体不合法"})
}

func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if maxBytes > 0 && c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		}
		c.Next()
	}
}
