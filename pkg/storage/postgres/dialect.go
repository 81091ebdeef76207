package postgres

import (
	"github.com/LENAX/asset-flow/pkg/storage"

	_ "github.com/lib/pq"
)

// PostgresDialect PostgreSQL方言实现（对外导出）
type PostgresDialect struct{}

// NewPostgresDialect 创建PostgreSQL方言实例
func NewPostgresDialect() *PostgresDialect {
	return &PostgresDialect{}
}

// Name 返回方言名称
func (d *PostgresDialect) Name() string {
	return "postgres"
}

// DriverName 返回驱动名，sqlx据此使用 $1, $2 ... 占位符
func (d *PostgresDialect) DriverName() string {
	return "postgres"
}

// ConfigureDB 返回PostgreSQL配置SQL
func (d *PostgresDialect) ConfigureDB() []string {
	return []string{
		"SET timezone = 'UTC';",
	}
}

// MaxOpenConns 使用配置值
func (d *PostgresDialect) MaxOpenConns() int {
	return 0
}

// KeyType 返回主键类型
func (d *PostgresDialect) KeyType() string {
	return "VARCHAR(64)"
}

// BooleanType 返回PostgreSQL布尔类型
func (d *PostgresDialect) BooleanType() string {
	return "BOOLEAN"
}

// TextType 返回PostgreSQL文本类型
func (d *PostgresDialect) TextType() string {
	return "TEXT"
}

// TimestampType 返回PostgreSQL时间戳类型
func (d *PostgresDialect) TimestampType() string {
	return "TIMESTAMPTZ"
}

// BigIntType 返回64位整数类型
func (d *PostgresDialect) BigIntType() string {
	return "BIGINT"
}

// 确保实现接口
var _ storage.Dialect = (*PostgresDialect)(nil)
