package config

import (
	"strings"
	"testing"
)

func TestNormalizeHTTPBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		in         string
		label      string
		want       string
		wantErrSub string
	}{
		{name: "empty ok", in: "", label: "webhook_url", want: ""},
		{name: "trim ok", in: " https://example.com/ ", label: "webhook_url", want: "https://example.com"},
		{name: "path ok", in: "https://example.com/hooks/fleet/", label: "webhook_url", want: "https://example.com/hooks/fleet"},
		{name: "invalid scheme", in: "ftp://example.com", label: "webhook_url", wantErrSub: "webhook_url 仅支持 http/https"},
		{name: "missing host", in: "https://", label: "webhook_url", wantErrSub: "webhook_url host 不能为空"},
		{name: "parse error", in: "://bad", label: "webhook_url", wantErrSub: "解析 webhook_url 失败"},
		{name: "no label scheme", in: "ftp://example.com", label: "", wantErrSub: "base_url 仅支持 http/https"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := NormalizeHTTPBaseURL(tc.in, tc.label)
			if tc.wantErrSub != "" {
				if err == nil {
					t.Fatalf("NormalizeHTTPBaseURL(%q, %q) expected error, got nil", tc.in, tc.label)
				}
				if !strings.Contains(err.Error(), tc.wantErrSub) {
					t.Fatalf("NormalizeHTTPBaseURL(%q, %q) error = %q, want contains %q", tc.in, tc.label, err.Error(), tc.wantErrSub)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizeHTTPBaseURL(%q, %q) unexpected error: %v", tc.in, tc.label, err)
			}
			if got != tc.want {
				t.Fatalf("NormalizeHTTPBaseURL(%q, %q) = %q, want %q", tc.in, tc.label, got, tc.want)
			}
		})
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	t.Setenv("FLEET_DB_DRIVER", "")
	t.Setenv("FLEET_DB_DSN", "")
	t.Setenv("FLEET_SQLITE_PATH", "")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.DB.Driver != "sqlite" {
		t.Fatalf("expected sqlite driver by default, got %q", cfg.DB.Driver)
	}
	if cfg.Accounting.TimeZone != "UTC" {
		t.Fatalf("expected UTC accounting tz, got %q", cfg.Accounting.TimeZone)
	}
	if cfg.Quota.SweepConcurrency != 4 || cfg.Quota.SweepIntervalSeconds != 60 {
		t.Fatalf("unexpected quota defaults: %+v", cfg.Quota)
	}
	if cfg.Locks.KeyPrefix != "fleet:lock:" {
		t.Fatalf("unexpected lock prefix: %q", cfg.Locks.KeyPrefix)
	}
}

func TestLoadFromEnv_DSNImpliesMySQL(t *testing.T) {
	t.Setenv("FLEET_DB_DRIVER", "")
	t.Setenv("FLEET_DB_DSN", "u:p@tcp(127.0.0.1:3306)/fleet?parseTime=true")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.DB.Driver != "mysql" {
		t.Fatalf("expected mysql, got %q", cfg.DB.Driver)
	}
}

func TestLoadFromEnv_MySQLRequiresDSN(t *testing.T) {
	t.Setenv("FLEET_DB_DRIVER", "mysql")
	t.Setenv("FLEET_DB_DSN", "")

	if _, err := LoadFromEnv(); err == nil {
		t.Fatalf("expected error when mysql driver has no dsn")
	}
}

func TestLoadFromEnv_RejectsUnknownTimeZone(t *testing.T) {
	t.Setenv("FLEET_ACCOUNTING_TIME_ZONE", "Mars/Olympus_Mons")

	_, err := LoadFromEnv()
	if err == nil || !strings.Contains(err.Error(), "accounting.time_zone") {
		t.Fatalf("expected time zone error, got %v", err)
	}
}

func TestLoadFromEnv_RejectsUsagePercentOutOfRange(t *testing.T) {
	t.Setenv("FLEET_NOTIFY_DATA_USAGE_PERCENT", "120")

	if _, err := LoadFromEnv(); err == nil {
		t.Fatalf("expected error for data usage percent > 100")
	}
}

func TestApplyEnvOverrides_Sections(t *testing.T) {
	t.Setenv("FLEET_ACCOUNTING_TIME_ZONE", "Asia/Shanghai")
	t.Setenv("FLEET_QUOTA_SWEEP_CONCURRENCY", "9")
	t.Setenv("FLEET_HEALTH_HEARTBEAT_TIMEOUT_SECONDS", "0")
	t.Setenv("FLEET_LOCKS_REDIS_URL", "redis://127.0.0.1:6379/0")
	t.Setenv("FLEET_TRUSTED_PROXY_CIDRS", " 10.0.0.0/8, ,192.168.0.0/16 ")
	t.Setenv("FLEET_DEBUG_ROUTES", "1")
	t.Setenv("FLEET_DB_MAX_OPEN_CONNS", "0")
	t.Setenv("FLEET_DB_CONNECT_WAIT_SECONDS", "5")

	cfg := defaultConfig()
	applyEnvOverrides(&cfg)

	if cfg.Accounting.TimeZone != "Asia/Shanghai" {
		t.Fatalf("time zone override not applied: %q", cfg.Accounting.TimeZone)
	}
	if cfg.Quota.SweepConcurrency != 9 {
		t.Fatalf("sweep concurrency override not applied: %d", cfg.Quota.SweepConcurrency)
	}
	if cfg.Health.HeartbeatTimeoutSeconds != 0 {
		t.Fatalf("heartbeat timeout override not applied: %d", cfg.Health.HeartbeatTimeoutSeconds)
	}
	if cfg.Locks.RedisURL != "redis://127.0.0.1:6379/0" {
		t.Fatalf("redis url override not applied: %q", cfg.Locks.RedisURL)
	}
	if len(cfg.Security.TrustedProxyCIDRs) != 2 {
		t.Fatalf("expected 2 cidrs, got %v", cfg.Security.TrustedProxyCIDRs)
	}
	if !cfg.Debug.Routes {
		t.Fatalf("expected debug routes enabled")
	}
	// 0 低于下限，保留默认值。
	if cfg.DB.MaxOpenConns != 20 || cfg.DB.ConnectWaitSeconds != 5 {
		t.Fatalf("unexpected db pool config: %+v", cfg.DB)
	}
}

func TestAccountingConfig_Location(t *testing.T) {
	t.Parallel()

	if loc := (AccountingConfig{TimeZone: "Asia/Shanghai"}).Location(); loc.String() != "Asia/Shanghai" {
		t.Fatalf("Location() = %s", loc)
	}
	if loc := (AccountingConfig{TimeZone: "nope/nope"}).Location(); loc != nil && loc.String() != "UTC" {
		t.Fatalf("expected UTC fallback, got %s", loc)
	}
}
