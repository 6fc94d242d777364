package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"fleetplane/internal/auth"
)

type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += int64(n)
	return n, err
}

func (w *statusWriter) Flush() {
	if fl, ok := w.ResponseWriter.(http.Flusher); ok {
		fl.Flush()
	}
}

// accessEntry 由内层鉴权回填，访问日志在请求结束后读取。
type accessEntry struct {
	principal auth.Principal
	set       bool
}

// Annotate 把已鉴权主体记到本次访问日志上；不在 AccessLog 之内调用时无效果。
func Annotate(ctx context.Context, p auth.Principal) {
	if e, ok := ctx.Value(accessEntryKey).(*accessEntry); ok {
		e.principal = p
		e.set = true
	}
}

// AccessLog 记录结构化访问日志；不记录请求体、查询串与任何请求头。
func AccessLog(log *slog.Logger) Middleware {
	if log == nil {
		log = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w}
			entry := &accessEntry{}
			start := time.Now()
			next.ServeHTTP(sw, r.WithContext(context.WithValue(r.Context(), accessEntryKey, entry)))
			lat := time.Since(start)

			status := sw.status
			if status == 0 {
				status = http.StatusOK
			}
			attrs := []any{
				"request_id", GetRequestID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", sw.bytes,
				"latency_ms", lat.Milliseconds(),
			}
			if entry.set {
				attrs = append(attrs, "actor_type", entry.principal.ActorType)
				if entry.principal.NodeID > 0 {
					attrs = append(attrs, "node_id", entry.principal.NodeID)
				}
			}
			level := slog.LevelInfo
			if status >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			log.Log(r.Context(), level, "access", attrs...)
		})
	}
}
