// Package middleware 负责 request_id 的生成与透传，节点上报与控制面日志按它关联。
package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota + 1
	accessEntryKey
)

const RequestIDHeader = "X-Request-Id"

// 节点可透传自己的 request_id；过长或含控制字符的值会被替换。
const maxRequestIDLen = 64

var newUUID = uuid.NewRandom

func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := sanitizeRequestID(r.Header.Get(RequestIDHeader))
		if rid == "" {
			rid = newRequestID()
		}
		w.Header().Set(RequestIDHeader, rid)
		ctx := context.WithValue(r.Context(), requestIDKey, rid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func GetRequestID(ctx context.Context) string {
	s, _ := ctx.Value(requestIDKey).(string)
	return s
}

func newRequestID() string {
	id, err := newUUID()
	if err != nil {
		// 随机源不可用时退化为基于时间的 v1。
		if id, err = uuid.NewUUID(); err != nil {
			return strconv.FormatInt(time.Now().UnixNano(), 16)
		}
	}
	return strings.ReplaceAll(id.String(), "-", "")
}

func sanitizeRequestID(v string) string {
	v = strings.TrimSpace(v)
	if v == "" || len(v) > maxRequestIDLen {
		return ""
	}
	for _, r := range v {
		if r < 0x21 || r > 0x7e {
			return ""
		}
	}
	return v
}
