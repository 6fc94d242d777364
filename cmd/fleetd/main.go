// fleetd 是代理节点集群的控制面服务：接收节点用量上报、执行配额、维护节点健康并发送用户提醒。
package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"

	"fleetplane/internal/config"
	"fleetplane/internal/locks"
	"fleetplane/internal/obs"
	"fleetplane/internal/server"
	"fleetplane/internal/store"
	"fleetplane/internal/version"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("加载配置失败", "err", err)
		os.Exit(1)
	}

	logger := obs.NewLogger(cfg.Env)
	slog.SetDefault(logger)

	db, dialect, err := store.OpenDB(context.Background(), store.OpenOptions{
		Driver:       cfg.DB.Driver,
		MySQLDSN:     cfg.DB.DSN,
		SQLitePath:   cfg.DB.SQLitePath,
		MaxOpenConns: cfg.DB.MaxOpenConns,
		ConnectWait:  time.Duration(cfg.DB.ConnectWaitSeconds) * time.Second,
		Logger:       logger,
	})
	if err != nil {
		slog.Error("连接数据库失败", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 2*time.Minute)
	err = store.Migrate(migrateCtx, db, dialect)
	cancelMigrate()
	if err != nil {
		slog.Error("初始化数据库 schema 失败", "dialect", dialect, "err", err)
		os.Exit(1)
	}

	var locker locks.Locker
	if cfg.Locks.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		rl, err := locks.NewRedis(ctx, cfg.Locks.RedisURL, cfg.Locks.KeyPrefix, time.Duration(cfg.Locks.TTLSeconds)*time.Second)
		cancel()
		if err != nil {
			slog.Error("连接 Redis 锁服务失败", "err", err)
			os.Exit(1)
		}
		defer rl.Close()
		locker = rl
		slog.Info("使用 Redis 分布式锁", "prefix", cfg.Locks.KeyPrefix)
	}

	app, err := server.NewApp(server.AppOptions{
		Config:  cfg,
		DB:      db,
		Version: version.Info(),
		Locker:  locker,
		Logger:  logger,
	})
	if err != nil {
		slog.Error("初始化服务失败", "err", err)
		os.Exit(1)
	}
	app.Start()
	defer app.Close()

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           app.Handler(),
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadHeaderTimeoutSeconds) * time.Second,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		IdleTimeout:       time.Duration(cfg.Server.IdleTimeoutSeconds) * time.Second,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
	}

	serverErr := make(chan error, 1)

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		slog.Error("HTTP 服务监听启动失败", "addr", cfg.Server.Addr, "err", err)
		os.Exit(1)
	}
	go func() {
		slog.Info("服务启动", "addr", ln.Addr().String(), "version", version.Info().Version, "dialect", dialect)
		if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
	case err := <-serverErr:
		slog.Error("HTTP 服务异常退出", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("优雅停机失败", "err", err)
		_ = httpServer.Close()
	}
	slog.Info("服务已退出")
}
