package sqlstore

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"Errand-Desk/internal/agentlog"
	"Errand-Desk/internal/approval"
	"Errand-Desk/internal/call"
	"Errand-Desk/internal/contact"
	"Errand-Desk/internal/conversation"
	"Errand-Desk/internal/dispatch"
	xerrors "Errand-Desk/internal/errors"
	"Errand-Desk/internal/jobs"
	"Errand-Desk/internal/memory"
	"Errand-Desk/internal/notify"
	"Errand-Desk/internal/settings"
	"Errand-Desk/internal/stats"
	"Errand-Desk/internal/task"
)

// Dialect 标识底层数据库方言。
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectMySQL    Dialect = "mysql"
	DialectPostgres Dialect = "postgres"
)

// Config 描述数据库连接参数。
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DB 实现所有领域 Store 接口。
type DB struct {
	db      *sql.DB
	dialect Dialect
}

// Open 建立连接池并执行嵌入的迁移。
func Open(ctx context.Context, cfg Config) (*DB, error) {
	dialect, driverName, err := resolveDriver(cfg.Driver)
	if err != nil {
		return nil, err
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "数据库 DSN 不能为空")
	}
	if dialect == DialectSQLite {
		if dir := filepath.Dir(sqliteFilePath(dsn)); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("创建数据目录失败: %w", err)
			}
		}
	}

	sqlDB, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}
	configurePool(sqlDB, dialect, cfg)

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "无法连接到数据库")
	}
	s := &DB{db: sqlDB, dialect: dialect}
	if dialect == DialectSQLite {
		if _, err := sqlDB.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("设置 SQLite busy_timeout 失败: %w", err)
		}
	}
	if _, err := s.Migrate(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return s, nil
}

func resolveDriver(raw string) (Dialect, string, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "sqlite", "sqlite3":
		return DialectSQLite, "sqlite", nil
	case "mysql":
		return DialectMySQL, "mysql", nil
	case "postgres", "postgresql", "pgx":
		return DialectPostgres, "pgx", nil
	default:
		return "", "", xerrors.New(xerrors.CodeInitializationFailure, fmt.Sprintf("不支持的存储驱动 %q", raw))
	}
}

func configurePool(db *sql.DB, dialect Dialect, cfg Config) {
	if dialect == DialectSQLite {
		// SQLite 只允许单个写连接。
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		return
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
}

func sqliteFilePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		path = path[:idx]
	}
	return path
}

// Dialect 返回当前方言。
func (s *DB) Dialect() Dialect { return s.dialect }

// Ping 检查数据库连通性。
func (s *DB) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close 释放连接池。
func (s *DB) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// rebind 把 ? 占位符转换为当前方言的形式。
func (s *DB) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *DB) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *DB) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *DB) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

// concat 返回在原列末尾追加参数的表达式。
func (s *DB) concat(column string) string {
	if s.dialect == DialectMySQL {
		return "CONCAT(" + column + ", ?)"
	}
	return column + " || ?"
}

// exists 判断某行是否存在。
func (s *DB) exists(ctx context.Context, table, column, value string) (bool, error) {
	var one int
	err := s.queryRow(ctx, "SELECT 1 FROM "+table+" WHERE "+column+" = ?", value).Scan(&one)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storageError(err, "查询记录失败")
	}
	return true, nil
}

func isDuplicate(err error) bool {
	if err == nil {
		return false
	}
	var my *mysql.MySQLError
	if stdErrors.As(err, &my) {
		return my.Number == 1062
	}
	var pg *pgconn.PgError
	if stdErrors.As(err, &pg) {
		return pg.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func storageError(err error, message string) error {
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, message)
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().UnixMilli(), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func nullString(v string) sql.NullString {
	v = strings.TrimSpace(v)
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

var (
	_ task.Store          = (*DB)(nil)
	_ approval.Store      = (*DB)(nil)
	_ call.Store          = (*DB)(nil)
	_ jobs.Store          = (*DB)(nil)
	_ dispatch.RetryStore = (*DB)(nil)
	_ notify.Store        = (*DB)(nil)
	_ agentlog.Store      = (*DB)(nil)
	_ contact.Store       = (*DB)(nil)
	_ memory.Store        = (*DB)(nil)
	_ conversation.Store  = (*DB)(nil)
	_ settings.Store      = (*DB)(nil)
	_ stats.Store         = (*DB)(nil)
)
