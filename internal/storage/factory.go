package storage

import (
	"fmt"

	"github.com/LENAX/asset-flow/pkg/storage"
	"github.com/LENAX/asset-flow/pkg/storage/mysql"
	"github.com/LENAX/asset-flow/pkg/storage/postgres"
	pkgsqlite "github.com/LENAX/asset-flow/pkg/storage/sqlite"
	"github.com/LENAX/asset-flow/pkg/storage/sqlstore"
)

// NewDatabaseFactory 按数据库类型创建存储（内部方法）
// dbType: 数据库类型（sqlite/mysql/postgres）
// dsn: 数据库连接字符串
func NewDatabaseFactory(dbType, dsn string, opts sqlstore.Options) (*sqlstore.Store, error) {
	dialect, err := DialectFor(dbType)
	if err != nil {
		return nil, err
	}
	store, err := sqlstore.Open(dialect, dsn, opts)
	if err != nil {
		return nil, fmt.Errorf("create %s store failed: %w", dbType, err)
	}
	return store, nil
}

// DialectFor 返回数据库类型对应的方言
func DialectFor(dbType string) (storage.Dialect, error) {
	switch dbType {
	case "sqlite", "sqlite3":
		return pkgsqlite.NewSQLiteDialect(), nil
	case "mysql":
		return mysql.NewMySQLDialect(), nil
	case "postgres", "postgresql":
		return postgres.NewPostgresDialect(), nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
}
