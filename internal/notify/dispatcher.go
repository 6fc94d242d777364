package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"fleetplane/internal/store"
	"fleetplane/internal/version"
)

type Notification struct {
	Type        store.ReminderType `json:"type"`
	UserID      int64              `json:"user_id"`
	Username    string             `json:"username"`
	UsedTraffic int64              `json:"used_traffic"`
	DataLimit   *int64             `json:"data_limit,omitempty"`
	Expire      *time.Time         `json:"expire,omitempty"`
	At          time.Time          `json:"at"`
}

func notificationFor(u store.User, typ store.ReminderType, now time.Time) Notification {
	return Notification{
		Type:        typ,
		UserID:      u.ID,
		Username:    u.Username,
		UsedTraffic: u.UsedTraffic,
		DataLimit:   u.DataLimit,
		Expire:      u.Expire,
		At:          now.UTC(),
	}
}

type Dispatcher interface {
	Dispatch(ctx context.Context, n Notification) error
}

// LogDispatcher 只写结构化日志，适合未配置 webhook 的部署。
type LogDispatcher struct {
	Logger *slog.Logger
}

func (d LogDispatcher) Dispatch(_ context.Context, n Notification) error {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	log.Info("用户提醒", "type", n.Type, "user_id", n.UserID, "username", n.Username, "used_traffic", n.UsedTraffic)
	return nil
}

// WebhookDispatcher 以 JSON POST 推送提醒；secret 非空时作为 Bearer token 发送。
type WebhookDispatcher struct {
	url    string
	secret string
	client *http.Client
}

func NewWebhookDispatcher(url, secret string, timeout time.Duration) *WebhookDispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookDispatcher{
		url:    strings.TrimSpace(url),
		secret: strings.TrimSpace(secret),
		client: &http.Client{Timeout: timeout},
	}
}

func (d *WebhookDispatcher) Dispatch(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("序列化提醒失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("构造 webhook 请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if d.secret != "" {
		req.Header.Set("Authorization", "Bearer "+d.secret)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook 请求失败: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook 返回状态码 %d", resp.StatusCode)
	}
	return nil
}
