package sqlite

import (
	"github.com/LENAX/asset-flow/pkg/storage"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteDialect SQLite方言实现（对外导出）
type SQLiteDialect struct{}

// NewSQLiteDialect 创建SQLite方言实例
func NewSQLiteDialect() *SQLiteDialect {
	return &SQLiteDialect{}
}

// Name 返回方言名称
func (d *SQLiteDialect) Name() string {
	return "sqlite"
}

// DriverName 返回驱动名
func (d *SQLiteDialect) DriverName() string {
	return "sqlite3"
}

// ConfigureDB 返回SQLite配置SQL
func (d *SQLiteDialect) ConfigureDB() []string {
	return []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=30000;",
		"PRAGMA wal_autocheckpoint=1000;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
	}
}

// MaxOpenConns SQLite只允许单连接写入
func (d *SQLiteDialect) MaxOpenConns() int {
	return 1
}

// KeyType 返回主键类型
func (d *SQLiteDialect) KeyType() string {
	return "TEXT"
}

// BooleanType 返回SQLite布尔类型
func (d *SQLiteDialect) BooleanType() string {
	return "INTEGER"
}

// TextType 返回SQLite文本类型
func (d *SQLiteDialect) TextType() string {
	return "TEXT"
}

// TimestampType 返回SQLite时间戳类型
func (d *SQLiteDialect) TimestampType() string {
	return "DATETIME"
}

// BigIntType 返回整数类型
func (d *SQLiteDialect) BigIntType() string {
	return "INTEGER"
}

// 确保实现接口
var _ storage.Dialect = (*SQLiteDialect)(nil)
