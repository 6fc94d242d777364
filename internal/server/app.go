// Package server 组装存储、配额、计费、节点、提醒与路由，并运行后台巡检循环，使 main 保持简单可读。
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"fleetplane/internal/config"
	"fleetplane/internal/entitlement"
	"fleetplane/internal/locks"
	"fleetplane/internal/middleware"
	"fleetplane/internal/nodes"
	"fleetplane/internal/notify"
	"fleetplane/internal/quota"
	"fleetplane/internal/store"
	"fleetplane/internal/usage"
	"fleetplane/internal/version"
	"fleetplane/router"
)

type AppOptions struct {
	Config  config.Config
	DB      *sql.DB
	Version version.BuildInfo

	// Locker 为空时使用进程内锁。
	Locker locks.Locker
	// Dispatcher 为空时按配置选择 webhook 或日志投递。
	Dispatcher notify.Dispatcher
	Logger     *slog.Logger
}

type App struct {
	cfg     config.Config
	db      *sql.DB
	store   *store.Store
	version version.BuildInfo
	log     *slog.Logger

	enforcer   *quota.Enforcer
	aggregator *usage.Aggregator
	registry   *nodes.Registry
	graph      *entitlement.Graph
	notifier   *notify.Scheduler

	engine  *gin.Engine
	handler http.Handler

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

func NewApp(opts AppOptions) (*App, error) {
	if opts.DB == nil {
		return nil, errors.New("db 不能为空")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	cfg := opts.Config

	st := store.New(opts.DB)
	st.SetDialect(store.Dialect(cfg.DB.Driver))

	locker := opts.Locker
	if locker == nil {
		locker = locks.NewLocal()
	}
	enforcer := quota.NewEnforcer(st, locker, quota.Options{
		Location:         cfg.Accounting.Location(),
		SweepConcurrency: cfg.Quota.SweepConcurrency,
		Logger:           log.With("component", "quota"),
	})
	aggregator := usage.NewAggregator(st, enforcer, usage.Options{
		MaxBatchEntries: cfg.Accounting.MaxBatchEntries,
		Logger:          log.With("component", "usage"),
	})
	registry := nodes.NewRegistry(st, nodes.Options{
		HeartbeatTimeout: time.Duration(cfg.Health.HeartbeatTimeoutSeconds) * time.Second,
		Logger:           log.With("component", "nodes"),
	})
	graph := entitlement.New(st, registry)

	app := &App{
		cfg:        cfg,
		db:         opts.DB,
		store:      st,
		version:    opts.Version,
		log:        log,
		enforcer:   enforcer,
		aggregator: aggregator,
		registry:   registry,
		graph:      graph,
		stop:       make(chan struct{}),
	}

	if cfg.Notify.Enable {
		disp := opts.Dispatcher
		if disp == nil {
			disp = dispatcherFor(cfg.Notify, log)
		}
		app.notifier = notify.NewScheduler(st, disp, notify.Options{
			ExpireWithin: time.Duration(cfg.Notify.ExpireReminderHours) * time.Hour,
			UsagePercent: cfg.Notify.DataUsagePercent,
			Concurrency:  cfg.Quota.SweepConcurrency,
			Logger:       log.With("component", "notify"),
		})
		enforcer.OnTransition(app.notifier)
	}

	if cfg.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	if err := configureTrustedProxies(engine, cfg.Security); err != nil {
		return nil, err
	}
	router.SetRouter(engine, router.Options{
		NodeToken:          cfg.Security.NodeReportToken,
		MaxBodyBytes:       cfg.Server.MaxBodyBytes,
		MaxInflightPerNode: cfg.Server.MaxInflightPerNode,
		Debug:              cfg.Debug,
		Usage:              aggregator,
		Nodes:              registry,
		Entitlement:        graph,
		Quota:              enforcer,
		Healthz:            app.handleHealthz,
	})
	app.engine = engine
	app.handler = middleware.Chain(engine, middleware.RequestID, middleware.AccessLog(log.With("component", "http")))
	return app, nil
}

func dispatcherFor(cfg config.NotifyConfig, log *slog.Logger) notify.Dispatcher {
	if strings.TrimSpace(cfg.WebhookURL) == "" {
		return notify.LogDispatcher{Logger: log.With("component", "notify")}
	}
	return notify.NewWebhookDispatcher(cfg.WebhookURL, cfg.WebhookSecret, time.Duration(cfg.WebhookTimeoutSeconds)*time.Second)
}

func configureTrustedProxies(engine *gin.Engine, cfg config.SecurityConfig) error {
	if !cfg.TrustProxyHeaders {
		return engine.SetTrustedProxies(nil)
	}
	if len(cfg.TrustedProxyCIDRs) == 0 {
		return nil
	}
	if err := engine.SetTrustedProxies(cfg.TrustedProxyCIDRs); err != nil {
		return fmt.Errorf("security.trusted_proxy_cidrs 不合法: %w", err)
	}
	return nil
}

func (a *App) Handler() http.Handler {
	return a.handler
}

func (a *App) Config() config.Config {
	return a.cfg
}

func (a *App) Store() *store.Store {
	return a.store
}

func (a *App) Enforcer() *quota.Enforcer {
	return a.enforcer
}

func (a *App) Registry() *nodes.Registry {
	return a.registry
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	type resp struct {
		OK      bool   `json:"ok"`
		Env     string `json:"env"`
		Version string `json:"version"`
		Date    string `json:"date"`

		DBOK    bool   `json:"db_ok"`
		Dialect string `json:"dialect"`
		Notify  bool   `json:"notify_enabled"`
		Users   int64  `json:"users"`
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	dbOK := a.store.Ping(ctx) == nil
	var users int64
	if dbOK {
		n, err := a.store.CountUsers(ctx)
		if err != nil {
			a.log.Warn("healthz 统计用户失败", "err", err)
		}
		users = n
	}

	out := resp{
		OK:      dbOK,
		Env:     a.cfg.Env,
		Version: a.version.Version,
		Date:    a.version.Date,
		DBOK:    dbOK,
		Dialect: string(a.store.Dialect()),
		Notify:  a.notifier != nil,
		Users:   users,
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(out)
}
