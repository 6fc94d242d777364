// Package store 负责数据库连接、迁移与全部控制面数据的读写。
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

// Dialect 表示数据库方言，用于处理 MySQL/SQLite 的 SQL 语法差异。
type Dialect string

const (
	DialectMySQL  Dialect = "mysql"
	DialectSQLite Dialect = "sqlite"
)

type OpenOptions struct {
	Driver     string
	MySQLDSN   string
	SQLitePath string

	// MaxOpenConns 仅对 MySQL 生效；SQLite 固定单连接。
	MaxOpenConns int
	// ConnectWait 是启动时等待数据库就绪的最长时间；<= 0 时只探活一次。
	ConnectWait time.Duration
	Logger      *slog.Logger
}

func OpenDB(ctx context.Context, opts OpenOptions) (*sql.DB, Dialect, error) {
	switch Dialect(strings.ToLower(strings.TrimSpace(opts.Driver))) {
	case DialectSQLite:
		db, err := OpenSQLite(opts.SQLitePath)
		if err != nil {
			return nil, "", err
		}
		return db, DialectSQLite, nil
	case DialectMySQL:
		db, err := OpenMySQL(ctx, opts)
		if err != nil {
			return nil, "", err
		}
		return db, DialectMySQL, nil
	default:
		return nil, "", fmt.Errorf("不支持的 db.driver：%s", opts.Driver)
	}
}

// mysqlConfig 解析 DSN 并固定控制面依赖的连接语义：
// parseTime + UTC（小时桶与重置时间按 UTC 存取），clientFoundRows（UPDATE 的 RowsAffected 按匹配行计，
// 计数累加为 0 时也能区分“行不存在”）。
func mysqlConfig(dsn string) (*mysql.Config, error) {
	cfg, err := mysql.ParseDSN(strings.TrimSpace(dsn))
	if err != nil {
		return nil, fmt.Errorf("mysql.ParseDSN: %w", err)
	}
	if cfg.DBName == "" {
		return nil, errors.New("mysql dsn 未包含数据库名")
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	cfg.ClientFoundRows = true
	if cfg.Params == nil {
		cfg.Params = make(map[string]string)
	}
	cfg.Params["time_zone"] = "'+00:00'"
	return cfg, nil
}

func OpenMySQL(ctx context.Context, opts OpenOptions) (*sql.DB, error) {
	cfg, err := mysqlConfig(opts.MySQLDSN)
	if err != nil {
		return nil, err
	}
	conn, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("mysql.NewConnector: %w", err)
	}
	db := sql.OpenDB(conn)
	maxOpen := opts.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 20
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen / 2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := waitReady(ctx, db, opts.ConnectWait, opts.Logger); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// waitReady 在 wait 内按指数退避探活；鉴权失败与未知库这类配置错误立即返回。
func waitReady(ctx context.Context, db *sql.DB, wait time.Duration, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	deadline := time.Now().Add(wait)
	backoff := 200 * time.Millisecond
	for attempt := 1; ; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := db.PingContext(pingCtx)
		cancel()
		if err == nil {
			return nil
		}
		if isMySQLConfigError(err) || !time.Now().Add(backoff).Before(deadline) {
			return fmt.Errorf("db.Ping: %w", classify(err))
		}
		if attempt == 1 {
			log.Info("等待 MySQL 就绪", "timeout", wait.String(), "err", err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("db.Ping: %w", classify(ctx.Err()))
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 2*time.Second)
	}
}

// isMySQLConfigError: 1044/1045 鉴权失败，1049 数据库不存在。重试无意义。
func isMySQLConfigError(err error) bool {
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return false
	}
	switch myErr.Number {
	case 1044, 1045, 1049:
		return true
	}
	return false
}

func OpenSQLite(path string) (*sql.DB, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite_path 不能为空")
	}

	// path 可带 driver query（如 ?_busy_timeout=30000），建目录时只取文件部分。
	filePath, _, _ := strings.Cut(path, "?")
	if filePath != "" && filePath != ":memory:" && !strings.HasPrefix(filePath, "file::memory:") {
		if dir := filepath.Dir(filePath); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("创建 sqlite 数据目录失败: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sql.Open(sqlite): %w", err)
	}
	// 单连接：上报事务之间由连接串行化，避免 SQLITE_BUSY。
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db.Ping(sqlite): %w", err)
	}
	_, _ = db.ExecContext(ctx, `PRAGMA journal_mode=WAL`)
	return db, nil
}
