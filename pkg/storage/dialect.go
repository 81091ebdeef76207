package storage

// Dialect SQL方言接口（对外导出）
// 封装不同数据库的驱动名与DDL类型差异；占位符统一由 sqlx.Rebind 处理
type Dialect interface {
	// Name 返回方言名称（如 "sqlite", "mysql", "postgres"）
	Name() string

	// DriverName 返回 database/sql 驱动名，同时决定 sqlx 的占位符风格
	DriverName() string

	// ConfigureDB 返回连接建立后需要执行的SQL（如SQLite的PRAGMA）
	ConfigureDB() []string

	// MaxOpenConns 方言要求的最大连接数，0表示使用配置值
	// SQLite: 1（单写者，避免 SQLITE_BUSY）
	MaxOpenConns() int

	// KeyType 主键/索引列类型
	// SQLite: TEXT
	// MySQL/PostgreSQL: VARCHAR(64)
	KeyType() string

	// BooleanType 返回布尔类型
	// SQLite: INTEGER
	// MySQL: TINYINT(1)
	// PostgreSQL: BOOLEAN
	BooleanType() string

	// TextType 返回文本类型
	// SQLite/PostgreSQL: TEXT
	// MySQL: LONGTEXT
	TextType() string

	// TimestampType 返回时间戳类型
	// SQLite: DATETIME
	// MySQL: DATETIME(6)
	// PostgreSQL: TIMESTAMPTZ
	TimestampType() string

	// BigIntType 返回64位整数类型
	BigIntType() string
}
