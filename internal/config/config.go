// Package config 负责读取并合并服务配置（仅环境变量），避免在业务代码里散落解析逻辑。
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

type Config struct {
	Env        string           `yaml:"env"`
	Server     ServerConfig     `yaml:"server"`
	DB         DBConfig         `yaml:"db"`
	Accounting AccountingConfig `yaml:"accounting"`
	Quota      QuotaConfig      `yaml:"quota"`
	Health     HealthConfig     `yaml:"health"`
	Notify     NotifyConfig     `yaml:"notify"`
	Locks      LocksConfig      `yaml:"locks"`
	Security   SecurityConfig   `yaml:"security"`
	Debug      DebugConfig      `yaml:"debug"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`

	// HTTP 连接硬化：这些参数会直接映射到 net/http 的 http.Server。
	ReadHeaderTimeoutSeconds int `yaml:"read_header_timeout_seconds"`
	ReadTimeoutSeconds       int `yaml:"read_timeout_seconds"`
	IdleTimeoutSeconds       int `yaml:"idle_timeout_seconds"`
	MaxHeaderBytes           int `yaml:"max_header_bytes"`

	// 节点上报请求体上限；<= 0 表示不限制（不建议）。
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
	// 单个节点同时处理中的节点接口请求数；<= 0 表示不限制。
	MaxInflightPerNode int `yaml:"max_inflight_per_node"`
}

type DBConfig struct {
	// Driver 支持 mysql/sqlite；为空时根据 dsn 推断：dsn 非空为 mysql，否则 sqlite。
	Driver string `yaml:"driver"`
	// DSN 仅用于 MySQL（示例：user:pass@tcp(127.0.0.1:3306)/fleet?parseTime=true&loc=UTC&charset=utf8mb4）
	DSN string `yaml:"dsn"`
	// SQLitePath 是 SQLite 数据库文件路径（可包含 DSN query，如 ?_busy_timeout=30000）。
	SQLitePath string `yaml:"sqlite_path"`

	MaxOpenConns int `yaml:"max_open_conns"`
	// 启动时等待 MySQL 就绪的秒数（容器编排下数据库常晚于服务启动）。
	ConnectWaitSeconds int `yaml:"connect_wait_seconds"`
}

type AccountingConfig struct {
	// TimeZone 决定 day/week/month/year 重置周期的边界；小时桶始终按 UTC 截断。
	TimeZone string `yaml:"time_zone"`
	// MaxBatchEntries 限制单次上报的条目数，<= 0 表示不限制。
	MaxBatchEntries int `yaml:"max_batch_entries"`
}

type QuotaConfig struct {
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
	SweepConcurrency     int `yaml:"sweep_concurrency"`
}

type HealthConfig struct {
	// HeartbeatTimeoutSeconds 为 0 表示不做心跳超时判定。
	HeartbeatTimeoutSeconds int `yaml:"heartbeat_timeout_seconds"`
	SweepIntervalSeconds    int `yaml:"sweep_interval_seconds"`
}

type NotifyConfig struct {
	Enable               bool `yaml:"enable"`
	SweepIntervalSeconds int  `yaml:"sweep_interval_seconds"`
	// ExpireReminderHours: 到期前多少小时发送提醒；DataUsagePercent: 用量达到多少百分比发送提醒。
	ExpireReminderHours int `yaml:"expire_reminder_hours"`
	DataUsagePercent    int `yaml:"data_usage_percent"`

	WebhookURL            string `yaml:"webhook_url"`
	WebhookSecret         string `yaml:"webhook_secret"`
	WebhookTimeoutSeconds int    `yaml:"webhook_timeout_seconds"`
}

type LocksConfig struct {
	// RedisURL 为空时使用进程内锁（单实例部署）。
	RedisURL   string `yaml:"redis_url"`
	KeyPrefix  string `yaml:"key_prefix"`
	TTLSeconds int    `yaml:"ttl_seconds"`
}

type SecurityConfig struct {
	// NodeReportToken 用于节点侧上报接口的共享密钥；为空表示禁用节点接口。
	NodeReportToken string `yaml:"node_report_token"`

	TrustProxyHeaders bool     `yaml:"trust_proxy_headers"`
	TrustedProxyCIDRs []string `yaml:"trusted_proxy_cidrs"`
}

type DebugConfig struct {
	Routes     bool     `yaml:"routes"`
	AllowCIDRs []string `yaml:"allow_cidrs"`
	Token      string   `yaml:"token"`
}

// LoadFromEnv 仅从环境变量加载配置（不读取任何配置文件）。
func LoadFromEnv() (Config, error) {
	cfg := defaultConfig()
	applyEnvOverrides(&cfg)
	return normalizeAndValidate(cfg)
}

func normalizeAndValidate(cfg Config) (Config, error) {
	cfg.Env = strings.ToLower(strings.TrimSpace(cfg.Env))
	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if strings.TrimSpace(cfg.Server.Addr) == "" {
		return Config{}, errors.New("server.addr 不能为空")
	}

	cfg.DB.Driver = strings.ToLower(strings.TrimSpace(cfg.DB.Driver))
	cfg.DB.DSN = strings.TrimSpace(cfg.DB.DSN)
	cfg.DB.SQLitePath = strings.TrimSpace(cfg.DB.SQLitePath)
	if cfg.DB.Driver == "" {
		if cfg.DB.DSN != "" {
			cfg.DB.Driver = "mysql"
		} else {
			cfg.DB.Driver = "sqlite"
		}
	}
	switch cfg.DB.Driver {
	case "sqlite":
		if cfg.DB.SQLitePath == "" {
			cfg.DB.SQLitePath = "./data/fleet.db?_busy_timeout=30000"
		}
	case "mysql":
		if cfg.DB.DSN == "" {
			return Config{}, errors.New("db.dsn 不能为空（db.driver=mysql）")
		}
	default:
		return Config{}, fmt.Errorf("db.driver 不支持：%s（仅支持 mysql/sqlite）", cfg.DB.Driver)
	}

	cfg.Accounting.TimeZone = strings.TrimSpace(cfg.Accounting.TimeZone)
	if cfg.Accounting.TimeZone == "" {
		cfg.Accounting.TimeZone = "UTC"
	}
	if _, err := time.LoadLocation(cfg.Accounting.TimeZone); err != nil {
		return Config{}, fmt.Errorf("accounting.time_zone 不合法: %w", err)
	}

	if cfg.Quota.SweepIntervalSeconds <= 0 {
		cfg.Quota.SweepIntervalSeconds = 60
	}
	if cfg.Quota.SweepConcurrency <= 0 {
		cfg.Quota.SweepConcurrency = 4
	}
	if cfg.Health.SweepIntervalSeconds <= 0 {
		cfg.Health.SweepIntervalSeconds = 15
	}
	if cfg.Health.HeartbeatTimeoutSeconds < 0 {
		cfg.Health.HeartbeatTimeoutSeconds = 0
	}

	if cfg.Notify.SweepIntervalSeconds <= 0 {
		cfg.Notify.SweepIntervalSeconds = 300
	}
	if cfg.Notify.DataUsagePercent < 0 || cfg.Notify.DataUsagePercent > 100 {
		return Config{}, fmt.Errorf("notify.data_usage_percent 必须在 0..100 之间：%d", cfg.Notify.DataUsagePercent)
	}
	if cfg.Notify.ExpireReminderHours < 0 {
		cfg.Notify.ExpireReminderHours = 0
	}
	if cfg.Notify.WebhookTimeoutSeconds <= 0 {
		cfg.Notify.WebhookTimeoutSeconds = 5
	}
	webhookURL, err := NormalizeHTTPBaseURL(cfg.Notify.WebhookURL, "notify.webhook_url")
	if err != nil {
		return Config{}, err
	}
	cfg.Notify.WebhookURL = webhookURL

	cfg.Locks.RedisURL = strings.TrimSpace(cfg.Locks.RedisURL)
	cfg.Locks.KeyPrefix = strings.TrimSpace(cfg.Locks.KeyPrefix)
	if cfg.Locks.KeyPrefix == "" {
		cfg.Locks.KeyPrefix = "fleet:lock:"
	}
	if cfg.Locks.TTLSeconds <= 0 {
		cfg.Locks.TTLSeconds = 30
	}

	cfg.Security.NodeReportToken = strings.TrimSpace(cfg.Security.NodeReportToken)
	if cfg.Env != "dev" && cfg.Security.NodeReportToken != "" && len(cfg.Security.NodeReportToken) < 16 {
		return Config{}, errors.New("security.node_report_token 长度至少 16 位")
	}
	return cfg, nil
}

// Location 返回记账时区；配置已在加载时校验，这里失败时回退到 UTC。
func (c AccountingConfig) Location() *time.Location {
	loc, err := time.LoadLocation(strings.TrimSpace(c.TimeZone))
	if err != nil || loc == nil {
		return time.UTC
	}
	return loc
}

func NormalizeHTTPBaseURL(raw string, label string) (string, error) {
	v := strings.TrimRight(strings.TrimSpace(raw), "/")
	if v == "" {
		return "", nil
	}
	u, err := url.Parse(v)
	if err != nil {
		if strings.TrimSpace(label) == "" {
			return "", fmt.Errorf("解析 base_url 失败: %w", err)
		}
		return "", fmt.Errorf("解析 %s 失败: %w", label, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		if strings.TrimSpace(label) == "" {
			return "", errors.New("base_url 仅支持 http/https")
		}
		return "", fmt.Errorf("%s 仅支持 http/https", label)
	}
	if u.Host == "" {
		if strings.TrimSpace(label) == "" {
			return "", errors.New("base_url host 不能为空")
		}
		return "", fmt.Errorf("%s host 不能为空", label)
	}
	return v, nil
}

func defaultConfig() Config {
	return Config{
		Env: "dev",
		Server: ServerConfig{
			Addr: ":8080",

			ReadHeaderTimeoutSeconds: 5,
			ReadTimeoutSeconds:       30,
			IdleTimeoutSeconds:       120,
			MaxHeaderBytes:           1048576,

			MaxBodyBytes:       4 << 20, // 4MB
			MaxInflightPerNode: 4,
		},
		DB: DBConfig{
			SQLitePath:         "./data/fleet.db?_busy_timeout=30000",
			MaxOpenConns:       20,
			ConnectWaitSeconds: 30,
		},
		Accounting: AccountingConfig{
			TimeZone:        "UTC",
			MaxBatchEntries: 10000,
		},
		Quota: QuotaConfig{
			SweepIntervalSeconds: 60,
			SweepConcurrency:     4,
		},
		Health: HealthConfig{
			HeartbeatTimeoutSeconds: 90,
			SweepIntervalSeconds:    15,
		},
		Notify: NotifyConfig{
			Enable:                true,
			SweepIntervalSeconds:  300,
			ExpireReminderHours:   72,
			DataUsagePercent:      80,
			WebhookTimeoutSeconds: 5,
		},
		Locks: LocksConfig{
			KeyPrefix:  "fleet:lock:",
			TTLSeconds: 30,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	applyCoreEnvOverrides(cfg)
	applyServerEnvOverrides(cfg)
	applyDBEnvOverrides(cfg)
	applyAccountingEnvOverrides(cfg)
	applyQuotaEnvOverrides(cfg)
	applyHealthEnvOverrides(cfg)
	applyNotifyEnvOverrides(cfg)
	applyLocksEnvOverrides(cfg)
	applySecurityEnvOverrides(cfg)
	applyDebugEnvOverrides(cfg)
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s == "" {
			continue
		}
		out = append(out, s)
	}
	return out
}
