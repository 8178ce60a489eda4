package sqlstore

import (
	"context"
	"fmt"
	"io/fs"
	"slices"
	"strconv"
	"strings"
	"time"

	"Errand-Desk/deploy/migrations"
)

var embeddedMigrations fs.FS = migrations.Files

// migration 对应一个 SQL 文件。文件名形如 0001_init.sql，
// 带方言后缀的 0002_x.postgres.sql 只在对应方言上执行。
type migration struct {
	version int
	name    string
	dialect Dialect
	body    string
}

const createMigrationsTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`

// Migrate 执行尚未应用的迁移并返回本次应用的文件名，可重复调用。
func (s *DB) Migrate(ctx context.Context) ([]string, error) {
	if _, err := s.db.ExecContext(ctx, createMigrationsTable); err != nil {
		return nil, fmt.Errorf("创建 schema_migrations 表失败: %w", err)
	}
	pending, err := parseMigrations(embeddedMigrations, s.dialect)
	if err != nil {
		return nil, err
	}
	var applied []string
	for _, m := range pending {
		done, err := s.migrationApplied(ctx, m.version)
		if err != nil {
			return applied, err
		}
		if done {
			continue
		}
		if err := s.apply(ctx, m); err != nil {
			return applied, err
		}
		applied = append(applied, m.name)
	}
	return applied, nil
}

func (s *DB) migrationApplied(ctx context.Context, version int) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(1) FROM schema_migrations WHERE version = ?`), strconv.Itoa(version)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("查询迁移版本 %d 失败: %w", version, err)
	}
	return n > 0, nil
}

func (s *DB) apply(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启迁移事务失败: %w", err)
	}
	defer tx.Rollback()
	for _, stmt := range statements(m.body) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("执行迁移 %s 失败: %w", m.name, err)
		}
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`),
		strconv.Itoa(m.version), time.Now().Unix()); err != nil {
		return fmt.Errorf("记录迁移版本失败: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交迁移事务失败: %w", err)
	}
	return nil
}

// parseMigrations 读取适用于 dialect 的迁移并按版本排序。同一版本只能出现一次。
func parseMigrations(fsys fs.FS, dialect Dialect) ([]migration, error) {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("读取迁移目录失败: %w", err)
	}
	var out []migration
	seen := make(map[int]string)
	for _, name := range names {
		m, err := parseMigrationName(name)
		if err != nil {
			return nil, err
		}
		if m.dialect != "" && m.dialect != dialect {
			continue
		}
		if prev, dup := seen[m.version]; dup {
			return nil, fmt.Errorf("迁移版本 %d 重复: %s 与 %s", m.version, prev, name)
		}
		seen[m.version] = name
		body, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("读取迁移文件 %s 失败: %w", name, err)
		}
		m.body = string(body)
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b migration) int { return a.version - b.version })
	return out, nil
}

func parseMigrationName(name string) (migration, error) {
	base := strings.TrimSuffix(name, ".sql")
	m := migration{name: name}
	if dot := strings.LastIndexByte(base, '.'); dot > 0 {
		switch d := Dialect(base[dot+1:]); d {
		case DialectSQLite, DialectMySQL, DialectPostgres:
			m.dialect = d
			base = base[:dot]
		default:
			return m, fmt.Errorf("迁移文件 %s 的方言后缀无效", name)
		}
	}
	prefix, _, _ := strings.Cut(base, "_")
	version, err := strconv.Atoi(prefix)
	if err != nil || version <= 0 {
		return m, fmt.Errorf("迁移文件 %s 缺少版本号前缀", name)
	}
	m.version = version
	return m, nil
}

// statements 按分号拆分语句，忽略空语句与整行 -- 注释。
func statements(body string) []string {
	var out []string
	for _, chunk := range strings.Split(body, ";") {
		var lines []string
		for _, line := range strings.Split(chunk, "\n") {
			if strings.HasPrefix(strings.TrimSpace(line), "--") {
				continue
			}
			lines = append(lines, line)
		}
		if stmt := strings.TrimSpace(strings.Join(lines, "\n")); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
