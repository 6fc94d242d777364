// Package auth 提供请求主体信息（节点/管理员）与常量时间的凭据比较，便于鉴权与审计。
package auth

import (
	"context"
	"crypto/subtle"
	"strings"
)

type ActorType string

const (
	ActorTypeNode  ActorType = "node"
	ActorTypeAdmin ActorType = "admin"
)

type Principal struct {
	ActorType ActorType
	// NodeID 仅在节点上报通道中有效。
	NodeID   int64
	Username string
}

type ctxKey int

const principalKey ctxKey = 1

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	v := ctx.Value(principalKey)
	if v == nil {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}

// TokenEqual 常量时间比较两个 token；expected 为空时一律拒绝。
func TokenEqual(expected, got string) bool {
	expected = strings.TrimSpace(expected)
	got = strings.TrimSpace(got)
	if expected == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}

// BearerToken 从 Authorization 头中取出 Bearer token。
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}
