// fleetctl 用于一次性运维任务：创建管理员、手动巡检、重置用户流量、删除节点、初始化密钥与读写设置。
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"

	"fleetplane/internal/auth"
	"fleetplane/internal/config"
	"fleetplane/internal/obs"
	"fleetplane/internal/server"
	"fleetplane/internal/store"
	"fleetplane/internal/version"
)

const usage = `用法: fleetctl <command> [flags]

commands:
  create-admin  -username NAME -password PASS [-sudo]
  sweep         执行一轮配额/节点健康/提醒巡检
  reset-usage   -user ID [-override]
  delete-node   -node ID
  init-secrets  生成并持久化 JWT 签名密钥（已存在则保持不变）；未配置节点密钥时打印一个可用值
  set-tls       -key FILE -cert FILE
  settings      -section subscription|telegram -path PATH [-value JSON]
`

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "加载配置失败:", err)
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

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	if err := store.Migrate(ctx, db, dialect); err != nil {
		slog.Error("初始化数据库 schema 失败", "dialect", dialect, "err", err)
		os.Exit(1)
	}
	cfg.DB.Driver = string(dialect)

	app, err := server.NewApp(server.AppOptions{Config: cfg, DB: db, Version: version.Info(), Logger: logger})
	if err != nil {
		slog.Error("初始化失败", "err", err)
		os.Exit(1)
	}

	if err := run(ctx, app, cmd, args); err != nil {
		fmt.Fprintln(os.Stderr, cmd+":", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, app *server.App, cmd string, args []string) error {
	switch cmd {
	case "create-admin":
		return createAdmin(ctx, app.Store(), args)
	case "sweep":
		return app.SweepOnce(ctx, time.Now())
	case "reset-usage":
		return resetUsage(ctx, app, args)
	case "delete-node":
		return deleteNode(ctx, app, args)
	case "init-secrets":
		return initSecrets(ctx, app.Store(), app.Config())
	case "set-tls":
		return setTLS(ctx, app.Store(), args)
	case "settings":
		return settings(ctx, app.Store(), args)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("未知命令：%s", cmd)
	}
}

func createAdmin(ctx context.Context, st *store.Store, args []string) error {
	fs := flag.NewFlagSet("create-admin", flag.ExitOnError)
	var (
		username = fs.String("username", "", "admin username")
		password = fs.String("password", "", "admin password (min 8 chars)")
		sudo     = fs.Bool("sudo", false, "grant sudo")
	)
	_ = fs.Parse(args)

	hash, err := auth.HashAdminPassword(*password)
	if err != nil {
		return err
	}
	id, err := st.CreateAdmin(ctx, *username, hash, *sudo, time.Now())
	if err != nil {
		return err
	}
	fmt.Printf("admin 已创建: id=%d username=%s sudo=%v\n", id, strings.TrimSpace(*username), *sudo)
	return nil
}

func resetUsage(ctx context.Context, app *server.App, args []string) error {
	fs := flag.NewFlagSet("reset-usage", flag.ExitOnError)
	var (
		userID   = fs.Int64("user", 0, "user id")
		override = fs.Bool("override", false, "allow reset for no_reset users")
	)
	_ = fs.Parse(args)

	res, err := app.Enforcer().ResetUsage(ctx, *userID, *override)
	if err != nil {
		return err
	}
	fmt.Printf("用户 %d 已重置: folded=%d status=%s -> %s\n", *userID, res.FoldedTraffic, res.PreviousStatus, res.Status)
	return nil
}

func deleteNode(ctx context.Context, app *server.App, args []string) error {
	fs := flag.NewFlagSet("delete-node", flag.ExitOnError)
	nodeID := fs.Int64("node", 0, "node id")
	_ = fs.Parse(args)

	if err := app.Registry().Delete(ctx, *nodeID); err != nil {
		return err
	}
	fmt.Printf("节点 %d 已删除\n", *nodeID)
	return nil
}

func initSecrets(ctx context.Context, st *store.Store, cfg config.Config) error {
	secret, err := st.EnsureJWTSecret(ctx, func() (string, error) {
		return auth.NewSecret(32)
	})
	if err != nil {
		return err
	}
	fmt.Printf("jwt 密钥已就绪（长度 %d）\n", len(secret))
	if cfg.Security.NodeReportToken == "" {
		tok, err := auth.NewNodeToken()
		if err != nil {
			return err
		}
		fmt.Printf("未配置节点密钥，可设置 FLEET_NODE_REPORT_TOKEN=%s\n", tok)
	}
	return nil
}

func setTLS(ctx context.Context, st *store.Store, args []string) error {
	fs := flag.NewFlagSet("set-tls", flag.ExitOnError)
	var (
		keyPath  = fs.String("key", "", "PEM private key file")
		certPath = fs.String("cert", "", "PEM certificate file")
	)
	_ = fs.Parse(args)

	key, err := os.ReadFile(*keyPath)
	if err != nil {
		return fmt.Errorf("读取 key 失败: %w", err)
	}
	cert, err := os.ReadFile(*certPath)
	if err != nil {
		return fmt.Errorf("读取 cert 失败: %w", err)
	}
	if err := st.SetTLS(ctx, store.TLSMaterial{Key: string(key), Certificate: string(cert)}); err != nil {
		return err
	}
	fmt.Println("tls 材料已保存")
	return nil
}

func settings(ctx context.Context, st *store.Store, args []string) error {
	fs := flag.NewFlagSet("settings", flag.ExitOnError)
	var (
		section = fs.String("section", string(store.SettingsSubscription), "settings section")
		path    = fs.String("path", "", "gjson/sjson path")
		value   = fs.String("value", "", "raw JSON value to write (empty = read)")
	)
	_ = fs.Parse(args)

	sec := store.SettingsSection(strings.TrimSpace(*section))
	if *value == "" {
		if strings.TrimSpace(*path) == "" {
			raw, err := st.GetSettingsJSON(ctx, sec)
			if err != nil {
				return err
			}
			fmt.Println(raw)
			return nil
		}
		v, err := st.GetSetting(ctx, sec, *path)
		if err != nil {
			return err
		}
		fmt.Println(v.Raw)
		return nil
	}
	if err := st.SetSettingRaw(ctx, sec, *path, *value); err != nil {
		return err
	}
	fmt.Println("settings 已更新")
	return nil
}
