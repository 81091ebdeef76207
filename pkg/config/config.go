// Package config 引擎配置：YAML 加载、默认值与校验
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/LENAX/asset-flow/pkg/notify"
)

// EnvDatabaseDSN 覆盖 storage.database.dsn 的环境变量
const EnvDatabaseDSN = "ASSET_FLOW_DATABASE_DSN"

// EngineConfig 引擎配置（对外导出）
type EngineConfig struct {
	AssetFlow struct {
		General struct {
			InstanceName string `yaml:"instance_name" validate:"required"`
			LogLevel     string `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
			LogFormat    string `yaml:"log_format" validate:"omitempty,oneof=text json"`
			Env          string `yaml:"env"`
		} `yaml:"general"`
		Storage struct {
			Database struct {
				Type            string        `yaml:"type" validate:"required,oneof=sqlite sqlite3 postgres postgresql mysql"`
				DSN             string        `yaml:"dsn" validate:"required"`
				MaxOpenConns    int           `yaml:"max_open_conns" validate:"gt=0"`
				MaxIdleConns    int           `yaml:"max_idle_conns" validate:"gte=0"`
				ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
				ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
			} `yaml:"database"`
			Cache struct {
				IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
				CleanInterval  time.Duration `yaml:"clean_interval"`
			} `yaml:"cache"`
		} `yaml:"storage"`
		Execution struct {
			DefaultStepTimeout time.Duration `yaml:"default_step_timeout" validate:"gt=0"`
			WorkerConcurrency  int           `yaml:"worker_concurrency" validate:"gt=0"`
			QueueSize          int           `yaml:"queue_size" validate:"gt=0"`
			Retry              struct {
				MaxAttempts int           `yaml:"max_attempts" validate:"gte=0"`
				Delay       time.Duration `yaml:"delay" validate:"gte=0"`
				MaxDelay    time.Duration `yaml:"max_delay" validate:"gte=0"`
			} `yaml:"retry"`
		} `yaml:"execution"`
		Rules struct {
			CacheSize int    `yaml:"cache_size" validate:"gte=0"`
			Timezone  string `yaml:"timezone"`
		} `yaml:"rules"`
		Notification struct {
			MaxAttempts   int               `yaml:"max_attempts" validate:"gt=0"`
			Backoff       time.Duration     `yaml:"backoff"`
			MaxBackoff    time.Duration     `yaml:"max_backoff"`
			Rate          float64           `yaml:"rate" validate:"gte=0"`
			Burst         int               `yaml:"burst" validate:"gte=0"`
			Workers       int               `yaml:"workers" validate:"gt=0"`
			SweepInterval time.Duration     `yaml:"sweep_interval"`
			SMTP          notify.SMTPConfig `yaml:"smtp"`
			SMS           notify.SMSConfig  `yaml:"sms"`
			Push          bool              `yaml:"push"`
		} `yaml:"notification"`
		Collaborators struct {
			Mode           string        `yaml:"mode" validate:"oneof=memory http"`
			AssetsURL      string        `yaml:"assets_url" validate:"omitempty,url"`
			InventoryURL   string        `yaml:"inventory_url" validate:"omitempty,url"`
			RequestsURL    string        `yaml:"requests_url" validate:"omitempty,url"`
			ProcurementURL string        `yaml:"procurement_url" validate:"omitempty,url"`
			Timeout        time.Duration `yaml:"timeout"`
			Breaker        struct {
				ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
				OpenTimeout         time.Duration `yaml:"open_timeout"`
			} `yaml:"breaker"`
		} `yaml:"collaborators"`
		Server struct {
			Addr            string        `yaml:"addr" validate:"required"`
			ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		} `yaml:"server"`
		Workflows struct {
			DefinitionsDir string `yaml:"definitions_dir"`
		} `yaml:"workflows"`
	} `yaml:"asset-flow"`
}

// Default 只含默认值的配置，使用内存协作模块和本地 sqlite
func Default() *EngineConfig {
	cfg := &EngineConfig{}
	cfg.ApplyDefaults()
	return cfg
}

// Load 读取 YAML 配置文件，应用默认值与环境变量覆盖后校验
// path 为空时返回默认配置
func Load(path string) (*EngineConfig, error) {
	cfg := &EngineConfig{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件 %s 失败: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("解析配置文件 %s 失败: %w", path, err)
		}
	}
	cfg.ApplyDefaults()
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv 环境变量覆盖
func (c *EngineConfig) ApplyEnv() {
	if dsn := strings.TrimSpace(os.Getenv(EnvDatabaseDSN)); dsn != "" {
		c.AssetFlow.Storage.Database.DSN = dsn
	}
}

// ApplyDefaults 应用默认值
func (c *EngineConfig) ApplyDefaults() {
	af := &c.AssetFlow

	// General默认值
	if af.General.InstanceName == "" {
		af.General.InstanceName = "asset-flow"
	}
	if af.General.LogLevel == "" {
		af.General.LogLevel = "info"
	}
	if af.General.LogFormat == "" {
		af.General.LogFormat = "text"
	}
	if af.General.Env == "" {
		af.General.Env = "dev"
	}

	// Database默认值
	if af.Storage.Database.Type == "" {
		af.Storage.Database.Type = "sqlite"
	}
	if af.Storage.Database.DSN == "" && af.Storage.Database.Type == "sqlite" {
		af.Storage.Database.DSN = "./asset-flow.db"
	}
	if af.Storage.Database.MaxOpenConns <= 0 {
		af.Storage.Database.MaxOpenConns = 10
	}
	if af.Storage.Database.MaxIdleConns <= 0 {
		af.Storage.Database.MaxIdleConns = 5
	}
	if af.Storage.Database.ConnMaxLifetime <= 0 {
		af.Storage.Database.ConnMaxLifetime = 2 * time.Hour
	}
	if af.Storage.Database.ConnMaxIdleTime <= 0 {
		af.Storage.Database.ConnMaxIdleTime = time.Hour
	}

	// Cache默认值
	if af.Storage.Cache.IdempotencyTTL <= 0 {
		af.Storage.Cache.IdempotencyTTL = 24 * time.Hour
	}
	if af.Storage.Cache.CleanInterval <= 0 {
		af.Storage.Cache.CleanInterval = 30 * time.Minute
	}

	// Execution默认值
	if af.Execution.DefaultStepTimeout <= 0 {
		af.Execution.DefaultStepTimeout = 30 * time.Second
	}
	if af.Execution.WorkerConcurrency <= 0 {
		af.Execution.WorkerConcurrency = 4
	}
	if af.Execution.QueueSize <= 0 {
		af.Execution.QueueSize = 256
	}
	if af.Execution.Retry.MaxAttempts <= 0 {
		af.Execution.Retry.MaxAttempts = 3
	}
	if af.Execution.Retry.Delay <= 0 {
		af.Execution.Retry.Delay = 200 * time.Millisecond
	}
	if af.Execution.Retry.MaxDelay <= 0 {
		af.Execution.Retry.MaxDelay = 5 * time.Second
	}

	// Rules默认值
	if af.Rules.CacheSize <= 0 {
		af.Rules.CacheSize = 16
	}

	// Notification默认值
	if af.Notification.MaxAttempts <= 0 {
		af.Notification.MaxAttempts = 3
	}
	if af.Notification.Backoff <= 0 {
		af.Notification.Backoff = 500 * time.Millisecond
	}
	if af.Notification.MaxBackoff <= 0 {
		af.Notification.MaxBackoff = 30 * time.Second
	}
	if af.Notification.Workers <= 0 {
		af.Notification.Workers = 2
	}
	if af.Notification.SweepInterval <= 0 {
		af.Notification.SweepInterval = 30 * time.Second
	}

	// Collaborators默认值
	if af.Collaborators.Mode == "" {
		af.Collaborators.Mode = "memory"
	}
	if af.Collaborators.Timeout <= 0 {
		af.Collaborators.Timeout = 10 * time.Second
	}
	if af.Collaborators.Breaker.ConsecutiveFailures == 0 {
		af.Collaborators.Breaker.ConsecutiveFailures = 5
	}
	if af.Collaborators.Breaker.OpenTimeout <= 0 {
		af.Collaborators.Breaker.OpenTimeout = time.Minute
	}

	// Server默认值
	if af.Server.Addr == "" {
		af.Server.Addr = ":8080"
	}
	if af.Server.ShutdownTimeout <= 0 {
		af.Server.ShutdownTimeout = 15 * time.Second
	}
}

var validate = validator.New()

// Validate 校验配置合法性：先按结构体标签，再做跨字段检查
func (c *EngineConfig) Validate() error {
	if c == nil {
		return fmt.Errorf("配置不能为空")
	}
	if err := validate.Struct(c); err != nil {
		if fieldErrs, ok := err.(validator.ValidationErrors); ok {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s 不满足 %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("配置无效: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("配置无效: %w", err)
	}

	af := &c.AssetFlow
	if af.Execution.Retry.MaxDelay > 0 && af.Execution.Retry.Delay > af.Execution.Retry.MaxDelay {
		return fmt.Errorf("execution.retry.delay不能大于max_delay")
	}
	if af.Collaborators.Mode == "http" {
		urls := map[string]string{
			"assets_url":      af.Collaborators.AssetsURL,
			"inventory_url":   af.Collaborators.InventoryURL,
			"requests_url":    af.Collaborators.RequestsURL,
			"procurement_url": af.Collaborators.ProcurementURL,
		}
		for name, u := range urls {
			if u == "" {
				return fmt.Errorf("collaborators.mode为http时%s不能为空", name)
			}
		}
	}
	if af.Notification.Backoff > af.Notification.MaxBackoff {
		return fmt.Errorf("notification.backoff不能大于max_backoff")
	}
	if af.Rules.Timezone != "" {
		if _, err := time.LoadLocation(af.Rules.Timezone); err != nil {
			return fmt.Errorf("rules.timezone无效: %w", err)
		}
	}
	if af.Workflows.DefinitionsDir != "" {
		info, err := os.Stat(af.Workflows.DefinitionsDir)
		if err != nil || !info.IsDir() {
			return fmt.Errorf("workflows.definitions_dir %s 不是目录", af.Workflows.DefinitionsDir)
		}
	}
	return nil
}

// GetDatabaseType 获取数据库类型
func (c *EngineConfig) GetDatabaseType() string {
	return c.AssetFlow.Storage.Database.Type
}

// GetDatabaseDSN 获取数据库DSN
func (c *EngineConfig) GetDatabaseDSN() string {
	return c.AssetFlow.Storage.Database.DSN
}
