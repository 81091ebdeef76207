package mysql

import (
	"github.com/LENAX/asset-flow/pkg/storage"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLDialect MySQL方言实现（对外导出）
// DSN 必须包含 parseTime=true，否则时间列无法扫描为 time.Time
type MySQLDialect struct{}

// NewMySQLDialect 创建MySQL方言实例
func NewMySQLDialect() *MySQLDialect {
	return &MySQLDialect{}
}

// Name 返回方言名称
func (d *MySQLDialect) Name() string {
	return "mysql"
}

// DriverName 返回驱动名
func (d *MySQLDialect) DriverName() string {
	return "mysql"
}

// ConfigureDB 返回MySQL配置SQL
func (d *MySQLDialect) ConfigureDB() []string {
	return []string{
		"SET time_zone = '+00:00';",
	}
}

// MaxOpenConns 使用配置值
func (d *MySQLDialect) MaxOpenConns() int {
	return 0
}

// KeyType 返回主键类型（MySQL的TEXT不能作为主键）
func (d *MySQLDialect) KeyType() string {
	return "VARCHAR(64)"
}

// BooleanType 返回MySQL布尔类型
func (d *MySQLDialect) BooleanType() string {
	return "TINYINT(1)"
}

// TextType 返回MySQL文本类型
func (d *MySQLDialect) TextType() string {
	return "LONGTEXT"
}

// TimestampType 返回MySQL时间戳类型
func (d *MySQLDialect) TimestampType() string {
	return "DATETIME(6)"
}

// BigIntType 返回64位整数类型
func (d *MySQLDialect) BigIntType() string {
	return "BIGINT"
}

// 确保实现接口
var _ storage.Dialect = (*MySQLDialect)(nil)
