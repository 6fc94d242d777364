package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	MinAdminPasswordLen = 8
	// NodeTokenPrefix 便于在日志与配置里辨认节点共享密钥。
	NodeTokenPrefix = "fnt_"
)

// HashAdminPassword 生成管理员密码的 bcrypt 哈希（存入 admins.hashed_password）。
func HashAdminPassword(password string) ([]byte, error) {
	if len(password) < MinAdminPasswordLen {
		return nil, fmt.Errorf("密码长度至少 %d 位", MinAdminPasswordLen)
	}
	if len(password) > 72 {
		return nil, fmt.Errorf("密码长度不能超过 72 字节")
	}
	return bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
}

// NewSecret 返回 n 字节（至少 16）随机数的 URL-safe base64 编码，用作 jwt 签名密钥等。
func NewSecret(n int) (string, error) {
	if n < 16 {
		n = 16
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("生成随机数失败: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// NewNodeToken 生成可直接填入 FLEET_NODE_REPORT_TOKEN 的节点共享密钥。
func NewNodeToken() (string, error) {
	s, err := NewSecret(24)
	if err != nil {
		return "", err
	}
	return NodeTokenPrefix + s, nil
}
