package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"TokenSwarm/deploy/migrations"
	"TokenSwarm/pkg/logger"
)

var embeddedMigrations = migrations.Files

const createVersionTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`

// migration 对应 deploy/migrations 下的一个 SQL 文件，文件名形如 0001_xxx.sql。
type migration struct {
	version    string
	file       string
	statements []string
}

// migrator 把一组 SQL 文件按版本号依次应用到数据库。
type migrator struct {
	source fs.FS
	now    func() time.Time
}

// runMigrations 应用内置的迁移文件。
func runMigrations(ctx context.Context, db *sql.DB) error {
	return migrator{source: embeddedMigrations, now: time.Now}.apply(ctx, db)
}

func (m migrator) apply(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, createVersionTable); err != nil {
		return fmt.Errorf("创建 schema_migrations 表失败: %w", err)
	}

	done, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}
	all, err := m.load()
	if err != nil {
		return err
	}

	log := logger.Named("mysql")
	for _, mig := range all {
		if done[mig.version] {
			continue
		}
		if err := m.applyOne(ctx, db, mig); err != nil {
			return err
		}
		log.Info("迁移已应用", "version", mig.version, "file", mig.file)
	}
	return nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("查询已应用的迁移失败: %w", err)
	}
	defer rows.Close()

	done := map[string]bool{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("读取迁移版本失败: %w", err)
		}
		done[v] = true
	}
	return done, rows.Err()
}

// applyOne 在单个事务中执行一个迁移文件并登记版本。
func (m migrator) applyOne(ctx context.Context, db *sql.DB, mig migration) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("迁移 %s 开启事务失败: %w", mig.file, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for i, stmt := range mig.statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("迁移 %s 第 %d 条语句失败: %w", mig.file, i+1, err)
		}
	}
	if _, err = tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
		mig.version, m.now().Unix()); err != nil {
		return fmt.Errorf("登记迁移 %s 失败: %w", mig.version, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("提交迁移 %s 失败: %w", mig.file, err)
	}
	return nil
}

func (m migrator) load() ([]migration, error) {
	names, err := fs.Glob(m.source, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("列出迁移文件失败: %w", err)
	}

	out := make([]migration, 0, len(names))
	for _, name := range names {
		raw, err := fs.ReadFile(m.source, name)
		if err != nil {
			return nil, fmt.Errorf("读取迁移文件 %s 失败: %w", name, err)
		}
		if stmts := splitSQLStatements(string(raw)); len(stmts) > 0 {
			out = append(out, migration{version: versionOf(name), file: name, statements: stmts})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// splitSQLStatements 按分号拆分语句，忽略空语句与整行 -- 注释。
func splitSQLStatements(content string) []string {
	var b strings.Builder
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}

	var stmts []string
	for _, part := range strings.Split(b.String(), ";") {
		if s := strings.TrimSpace(part); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}

// versionOf 取文件名第一个下划线之前的部分作为版本号。
func versionOf(name string) string {
	base := strings.TrimSuffix(path.Base(name), path.Ext(name))
	if v, _, ok := strings.Cut(base, "_"); ok && v != "" {
		return v
	}
	return base
}
