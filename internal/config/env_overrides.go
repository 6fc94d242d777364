package config

import (
	"os"
	"strconv"
)

func envInt(key string, dst *int, min int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil && n >= min {
		*dst = n
	}
}

func envBool(key string, dst *bool) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if b, err := strconv.ParseBool(v); err == nil {
		*dst = b
	}
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func applyCoreEnvOverrides(cfg *Config) {
	envString("FLEET_ENV", &cfg.Env)
}

func applyServerEnvOverrides(cfg *Config) {
	envString("FLEET_ADDR", &cfg.Server.Addr)
	envInt("FLEET_SERVER_READ_HEADER_TIMEOUT_SECONDS", &cfg.Server.ReadHeaderTimeoutSeconds, 0)
	envInt("FLEET_SERVER_READ_TIMEOUT_SECONDS", &cfg.Server.ReadTimeoutSeconds, 0)
	envInt("FLEET_SERVER_IDLE_TIMEOUT_SECONDS", &cfg.Server.IdleTimeoutSeconds, 0)
	envInt("FLEET_SERVER_MAX_HEADER_BYTES", &cfg.Server.MaxHeaderBytes, 1)
	envInt("FLEET_SERVER_MAX_INFLIGHT_PER_NODE", &cfg.Server.MaxInflightPerNode, 0)
	if v := os.Getenv("FLEET_SERVER_MAX_BODY_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Server.MaxBodyBytes = n
		}
	}
}

func applyDBEnvOverrides(cfg *Config) {
	envString("FLEET_DB_DRIVER", &cfg.DB.Driver)
	envString("FLEET_DB_DSN", &cfg.DB.DSN)
	envString("FLEET_SQLITE_PATH", &cfg.DB.SQLitePath)
	envInt("FLEET_DB_MAX_OPEN_CONNS", &cfg.DB.MaxOpenConns, 1)
	envInt("FLEET_DB_CONNECT_WAIT_SECONDS", &cfg.DB.ConnectWaitSeconds, 0)
}

func applyAccountingEnvOverrides(cfg *Config) {
	envString("FLEET_ACCOUNTING_TIME_ZONE", &cfg.Accounting.TimeZone)
	envInt("FLEET_ACCOUNTING_MAX_BATCH_ENTRIES", &cfg.Accounting.MaxBatchEntries, 0)
}

func applyQuotaEnvOverrides(cfg *Config) {
	envInt("FLEET_QUOTA_SWEEP_INTERVAL_SECONDS", &cfg.Quota.SweepIntervalSeconds, 1)
	envInt("FLEET_QUOTA_SWEEP_CONCURRENCY", &cfg.Quota.SweepConcurrency, 1)
}

func applyHealthEnvOverrides(cfg *Config) {
	envInt("FLEET_HEALTH_HEARTBEAT_TIMEOUT_SECONDS", &cfg.Health.HeartbeatTimeoutSeconds, 0)
	envInt("FLEET_HEALTH_SWEEP_INTERVAL_SECONDS", &cfg.Health.SweepIntervalSeconds, 1)
}

func applyNotifyEnvOverrides(cfg *Config) {
	envBool("FLEET_NOTIFY_ENABLE", &cfg.Notify.Enable)
	envInt("FLEET_NOTIFY_SWEEP_INTERVAL_SECONDS", &cfg.Notify.SweepIntervalSeconds, 1)
	envInt("FLEET_NOTIFY_EXPIRE_REMINDER_HOURS", &cfg.Notify.ExpireReminderHours, 0)
	if v := os.Getenv("FLEET_NOTIFY_DATA_USAGE_PERCENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Notify.DataUsagePercent = n
		}
	}
	envString("FLEET_NOTIFY_WEBHOOK_URL", &cfg.Notify.WebhookURL)
	envString("FLEET_NOTIFY_WEBHOOK_SECRET", &cfg.Notify.WebhookSecret)
	envInt("FLEET_NOTIFY_WEBHOOK_TIMEOUT_SECONDS", &cfg.Notify.WebhookTimeoutSeconds, 1)
}

func applyLocksEnvOverrides(cfg *Config) {
	envString("FLEET_LOCKS_REDIS_URL", &cfg.Locks.RedisURL)
	envString("FLEET_LOCKS_KEY_PREFIX", &cfg.Locks.KeyPrefix)
	envInt("FLEET_LOCKS_TTL_SECONDS", &cfg.Locks.TTLSeconds, 1)
}

func applySecurityEnvOverrides(cfg *Config) {
	envString("FLEET_NODE_REPORT_TOKEN", &cfg.Security.NodeReportToken)
	envBool("FLEET_TRUST_PROXY_HEADERS", &cfg.Security.TrustProxyHeaders)
	if v := os.Getenv("FLEET_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.Security.TrustedProxyCIDRs = splitCSV(v)
	}
}

func applyDebugEnvOverrides(cfg *Config) {
	if v := os.Getenv("FLEET_DEBUG_ROUTES"); v != "" {
		cfg.Debug.Routes = v == "1" || v == "true"
	}
	if v := os.Getenv("FLEET_DEBUG_ROUTES_ALLOW_CIDRS"); v != "" {
		cfg.Debug.AllowCIDRs = splitCSV(v)
	}
	envString("FLEET_DEBUG_ROUTES_TOKEN", &cfg.Debug.Token)
}
