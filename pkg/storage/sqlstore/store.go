// Package sqlstore 基于sqlx的通用存储实现，通过 storage.Dialect 适配 SQLite/MySQL/PostgreSQL
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/LENAX/asset-flow/pkg/core/types"
	"github.com/LENAX/asset-flow/pkg/storage"
)

// Options 连接池配置
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Store 存储实现（对外导出）
type Store struct {
	db      *sqlx.DB
	dialect storage.Dialect
	log     *logrus.Entry
}

// 确保实现接口
var _ storage.Store = (*Store)(nil)

// Open 打开数据库、应用方言配置并执行迁移
func Open(dialect storage.Dialect, dsn string, opts Options) (*Store, error) {
	db, err := sqlx.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}
	return NewStore(db, dialect, opts)
}

// NewStore 基于已有连接创建存储（测试中可传入sqlmock连接）
func NewStore(db *sqlx.DB, dialect storage.Dialect, opts Options) (*Store, error) {
	maxOpen := opts.MaxOpenConns
	if n := dialect.MaxOpenConns(); n > 0 {
		maxOpen = n
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if opts.MaxIdleConns > 0 {
		idle := opts.MaxIdleConns
		if maxOpen > 0 && idle > maxOpen {
			idle = maxOpen
		}
		db.SetMaxIdleConns(idle)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	if opts.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(opts.ConnMaxIdleTime)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	for _, stmt := range dialect.ConfigureDB() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("配置数据库失败 (%s): %w", stmt, err)
		}
	}

	s := &Store{
		db:      db,
		dialect: dialect,
		log:     logrus.WithField("module", "sqlstore").WithField("dialect", dialect.Name()),
	}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	s.log.Info("✅ [存储] 数据库初始化完成")
	return s, nil
}

// DB 返回底层连接
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Ping 检查连接
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate 按版本顺序执行尚未应用的迁移
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY, applied_at %s NOT NULL)",
		s.dialect.TimestampType())); err != nil {
		return fmt.Errorf("创建迁移表失败: %w", err)
	}

	var applied []int
	if err := s.db.SelectContext(ctx, &applied, "SELECT version FROM schema_migrations"); err != nil {
		return fmt.Errorf("读取迁移版本失败: %w", err)
	}
	done := make(map[int]bool, len(applied))
	for _, v := range applied {
		done[v] = true
	}

	for _, m := range migrations(s.dialect) {
		if done[m.version] {
			continue
		}
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("开始迁移事务失败: %w", err)
		}
		for _, stmt := range m.statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("执行迁移 %d 失败: %w", m.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx, s.db.Rebind("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)"),
			m.version, time.Now().UTC()); err != nil {
			tx.Rollback()
			return fmt.Errorf("记录迁移 %d 失败: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("提交迁移 %d 失败: %w", m.version, err)
		}
		s.log.WithField("version", m.version).Info("✅ [存储] 已应用迁移")
	}
	return nil
}

func (s *Store) rebind(query string) string {
	return s.db.Rebind(query)
}

// notFound 将 sql.ErrNoRows 转换为领域错误
func notFound(err error, what, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return types.NewNotFoundError("storage", fmt.Sprintf("%s %s 不存在", what, id))
	}
	return fmt.Errorf("查询%s %s 失败: %w", what, id, err)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}

// checkAffected 版本化更新未命中时区分冲突与不存在
func (s *Store) checkAffected(ctx context.Context, res sql.Result, table, id, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("读取影响行数失败: %w", err)
	}
	if n > 0 {
		return nil
	}
	var count int
	if err := s.db.GetContext(ctx, &count, s.rebind(fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE id = ?", table)), id); err != nil {
		return fmt.Errorf("查询%s失败: %w", table, err)
	}
	if count == 0 {
		return types.NewNotFoundError(op, fmt.Sprintf("%s %s 不存在", table, id))
	}
	return types.NewConflictError(op, fmt.Sprintf("%s %s 版本已变化", table, id))
}
