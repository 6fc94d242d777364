package auth

import (
	"context"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestTokenEqual(t *testing.T) {
	cases := []struct {
		expected, got string
		want          bool
	}{
		{"s3cret", "s3cret", true},
		{"s3cret", " s3cret ", true},
		{"s3cret", "s3cre", false},
		{"", "", false},
		{"s3cret", "", false},
	}
	for _, tc := range cases {
		if got := TokenEqual(tc.expected, tc.got); got != tc.want {
			t.Fatalf("TokenEqual(%q,%q)=%v, want %v", tc.expected, tc.got, got, tc.want)
		}
	}
}

func TestBearerToken(t *testing.T) {
	if got := BearerToken("Bearer abc"); got != "abc" {
		t.Fatalf("got %q", got)
	}
	if got := BearerToken("bearer  abc "); got != "abc" {
		t.Fatalf("got %q", got)
	}
	if got := BearerToken("Basic abc"); got != "" {
		t.Fatalf("got %q", got)
	}
}

func TestPrincipalRoundTrip(t *testing.T) {
	ctx := WithPrincipal(context.Background(), Principal{ActorType: ActorTypeNode, NodeID: 3})
	p, ok := PrincipalFromContext(ctx)
	if !ok || p.NodeID != 3 || p.ActorType != ActorTypeNode {
		t.Fatalf("unexpected principal: %+v ok=%v", p, ok)
	}
	if _, ok := PrincipalFromContext(context.Background()); ok {
		t.Fatalf("expected no principal")
	}
}

func TestHashAdminPassword(t *testing.T) {
	if _, err := HashAdminPassword("short"); err == nil {
		t.Fatalf("expected error for short password")
	}
	if _, err := HashAdminPassword(strings.Repeat("x", 73)); err == nil {
		t.Fatalf("expected error for password over 72 bytes")
	}
	h, err := HashAdminPassword("correct horse")
	if err != nil {
		t.Fatalf("HashAdminPassword: %v", err)
	}
	if bcrypt.CompareHashAndPassword(h, []byte("correct horse")) != nil {
		t.Fatalf("hash does not verify")
	}
	if bcrypt.CompareHashAndPassword(h, []byte("wrong horse")) == nil {
		t.Fatalf("wrong password verified")
	}
}

func TestNewSecret_MinLength(t *testing.T) {
	a, err := NewSecret(4)
	if err != nil {
		t.Fatalf("NewSecret: %v", err)
	}
	b, _ := NewSecret(4)
	if a == b || len(a) < 21 {
		t.Fatalf("unexpected secrets %q %q", a, b)
	}
}

func TestNewNodeToken_PassesConfigLength(t *testing.T) {
	tok, err := NewNodeToken()
	if err != nil {
		t.Fatalf("NewNodeToken: %v", err)
	}
	if !strings.HasPrefix(tok, NodeTokenPrefix) || len(tok) < 16 {
		t.Fatalf("unexpected node token %q", tok)
	}
	if !TokenEqual(tok, " "+tok+" ") {
		t.Fatalf("token should compare equal to itself")
	}
}
