package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"
)

// EnvPrefix 是环境变量覆盖配置时使用的统一前缀。
const EnvPrefix = "STABLETOOL_"

// Config 描述了服务启动阶段需要加载的全部配置。
type Config struct {
	Server        ServerConfig        `json:"server" yaml:"server" envPrefix:"SERVER_"`
	Storage       StorageConfig       `json:"storage" yaml:"storage" envPrefix:"STORAGE_"`
	LLM           LLMConfig           `json:"llm" yaml:"llm" envPrefix:"LLM_"`
	Payment       PaymentConfig       `json:"payment" yaml:"payment" envPrefix:"PAYMENT_"`
	Web3          Web3Config          `json:"web3" yaml:"web3" envPrefix:"WEB3_"`
	Events        EventsConfig        `json:"events" yaml:"events" envPrefix:"EVENTS_"`
	Auth          AuthConfig          `json:"auth" yaml:"auth" envPrefix:"AUTH_"`
	Secrets       SecretsConfig       `json:"secrets" yaml:"secrets" envPrefix:"SECRETS_"`
	Observability ObservabilityConfig `json:"observability" yaml:"observability" envPrefix:"OBSERVABILITY_"`
}

// ServerConfig 控制 API 服务的监听地址与超时。
type ServerConfig struct {
	Address                  string `json:"address" yaml:"address" env:"ADDRESS"`
	ReadHeaderTimeoutSeconds int    `json:"read_header_timeout_seconds" yaml:"read_header_timeout_seconds" env:"READ_HEADER_TIMEOUT_SECONDS"`
	ShutdownTimeoutSeconds   int    `json:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds" env:"SHUTDOWN_TIMEOUT_SECONDS"`
}

// StorageConfig 描述持久化驱动。
type StorageConfig struct {
	Driver                 string        `json:"driver" yaml:"driver" env:"DRIVER"`
	DSN                    string        `json:"dsn" yaml:"dsn" env:"DSN"`
	MaxOpenConns           int           `json:"max_open_conns" yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns           int           `json:"max_idle_conns" yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetimeSeconds int           `json:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds" env:"CONN_MAX_LIFETIME_SECONDS"`
	AutoMigrate            bool          `json:"auto_migrate" yaml:"auto_migrate" env:"AUTO_MIGRATE"`
	SeedAccounts           []SeedAccount `json:"seed_accounts" yaml:"seed_accounts"`
}

// SeedAccount 仅用于 memory 驱动，启动时写入的账户。
type SeedAccount struct {
	ID                  int64  `json:"id" yaml:"id"`
	Email               string `json:"email" yaml:"email"`
	WalletAddress       string `json:"wallet_address" yaml:"wallet_address"`
	EncryptedSigningKey string `json:"encrypted_signing_key" yaml:"encrypted_signing_key"`
	EncryptedLLMKey     string `json:"encrypted_llm_key" yaml:"encrypted_llm_key"`
	IsAdmin             bool   `json:"is_admin" yaml:"is_admin"`
}

// LLMConfig 配置选择与回复生成所用的模型服务。
type LLMConfig struct {
	Provider       string `json:"provider" yaml:"provider" env:"PROVIDER"`
	BaseURL        string `json:"base_url" yaml:"base_url" env:"BASE_URL"`
	Model          string `json:"model" yaml:"model" env:"MODEL"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds" env:"TIMEOUT_SECONDS"`
}

// PaymentConfig 配置工具调用与结算方式。
type PaymentConfig struct {
	Mode               string `json:"mode" yaml:"mode" env:"MODE"`
	ToolTimeoutSeconds int    `json:"tool_timeout_seconds" yaml:"tool_timeout_seconds" env:"TOOL_TIMEOUT_SECONDS"`
	TokenContract      string `json:"token_contract" yaml:"token_contract" env:"TOKEN_CONTRACT"`
	TokenSymbol        string `json:"token_symbol" yaml:"token_symbol" env:"TOKEN_SYMBOL"`
	TokenDecimals      int32  `json:"token_decimals" yaml:"token_decimals" env:"TOKEN_DECIMALS"`
	Chain              string `json:"chain" yaml:"chain" env:"CHAIN"`
	GasLimit           uint64 `json:"gas_limit" yaml:"gas_limit" env:"GAS_LIMIT"`
}

// Web3Config 包含访问区块链节点所需的信息。
type Web3Config struct {
	ChainConfig  string `json:"chain_config" yaml:"chain_config" env:"CHAIN_CONFIG"`
	DefaultChain string `json:"default_chain" yaml:"default_chain" env:"DEFAULT_CHAIN"`
	RPCURL       string `json:"rpc_url" yaml:"rpc_url" env:"RPC_URL"`
}

// EventsConfig 配置审计事件的投递目标。
type EventsConfig struct {
	Driver   string         `json:"driver" yaml:"driver" env:"DRIVER"`
	Redis    RedisConfig    `json:"redis" yaml:"redis" envPrefix:"REDIS_"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq" envPrefix:"RABBITMQ_"`
}

// RedisConfig 描述 Redis Stream 连接参数。
type RedisConfig struct {
	Address  string `json:"address" yaml:"address" env:"ADDRESS"`
	Password string `json:"password" yaml:"password" env:"PASSWORD"`
	DB       int    `json:"db" yaml:"db" env:"DB"`
	Stream   string `json:"stream" yaml:"stream" env:"STREAM"`
	MaxLen   int64  `json:"max_len" yaml:"max_len" env:"MAX_LEN"`
}

// RabbitMQConfig 描述 RabbitMQ 连接参数。
type RabbitMQConfig struct {
	URL     string `json:"url" yaml:"url" env:"URL"`
	Queue   string `json:"queue" yaml:"queue" env:"QUEUE"`
	Durable bool   `json:"durable" yaml:"durable" env:"DURABLE"`
}

// AuthConfig 配置 API 的 JWT 校验。
type AuthConfig struct {
	Disabled bool   `json:"disabled" yaml:"disabled" env:"DISABLED"`
	Secret   string `json:"secret" yaml:"secret" env:"SECRET"`
	Issuer   string `json:"issuer" yaml:"issuer" env:"ISSUER"`
}

// SecretsConfig 配置静态加密凭证的解密密钥。
type SecretsConfig struct {
	Key string `json:"key" yaml:"key" env:"KEY"`
}

// ObservabilityConfig 汇总日志、审计、指标与告警配置。
type ObservabilityConfig struct {
	Log      LogConfig      `json:"log" yaml:"log" envPrefix:"LOG_"`
	Audit    AuditConfig    `json:"audit" yaml:"audit" envPrefix:"AUDIT_"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics" envPrefix:"METRICS_"`
	Alerting AlertingConfig `json:"alerting" yaml:"alerting" envPrefix:"ALERTING_"`
}

// LogConfig 控制应用日志。
type LogConfig struct {
	Level   string   `json:"level" yaml:"level" env:"LEVEL"`
	Format  string   `json:"format" yaml:"format" env:"FORMAT"`
	Outputs []string `json:"outputs" yaml:"outputs" env:"OUTPUTS" envSeparator:","`
}

// AuditConfig 控制审计日志文件。
type AuditConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled" env:"ENABLED"`
	Path       string `json:"path" yaml:"path" env:"PATH"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb" env:"MAX_SIZE_MB"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups" env:"MAX_BACKUPS"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days" env:"MAX_AGE_DAYS"`
	Compress   bool   `json:"compress" yaml:"compress" env:"COMPRESS"`
}

// MetricsConfig 控制 Prometheus 指标暴露。
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" env:"ENABLED"`
	Address string `json:"address" yaml:"address" env:"ADDRESS"`
}

// AlertingConfig 控制告警渠道。
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url" yaml:"webhook_url" env:"WEBHOOK_URL"`
}

// Load 解析指定路径的配置文件，补齐默认值后应用环境变量覆盖。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析 YAML 配置失败: %w", err)
		}
	default:
		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("解析环境变量失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadHeaderTimeoutSeconds <= 0 {
		c.Server.ReadHeaderTimeoutSeconds = 5
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 10
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = "https://api.groq.com/openai/v1"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "llama-3.3-70b-versatile"
	}
	if c.LLM.TimeoutSeconds <= 0 {
		c.LLM.TimeoutSeconds = 20
	}

	if c.Payment.Mode == "" {
		c.Payment.Mode = "simulated"
	}
	if c.Payment.ToolTimeoutSeconds <= 0 {
		c.Payment.ToolTimeoutSeconds = 120
	}
	if c.Payment.TokenSymbol == "" {
		c.Payment.TokenSymbol = "MNEE"
	}
	if c.Payment.TokenDecimals <= 0 {
		c.Payment.TokenDecimals = 18
	}
	if c.Payment.GasLimit == 0 {
		c.Payment.GasLimit = 100000
	}

	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "none"
	}

	if c.Observability.Audit.Enabled {
		if c.Observability.Audit.Path == "" {
			c.Observability.Audit.Path = filepath.Join(baseDir, "logs", "audit.log")
		} else if !filepath.IsAbs(c.Observability.Audit.Path) {
			c.Observability.Audit.Path = filepath.Join(baseDir, c.Observability.Audit.Path)
		}
	}
	if c.Observability.Metrics.Enabled && c.Observability.Metrics.Address == "" {
		c.Observability.Metrics.Address = ":9090"
	}
}

// Validate 校验枚举型字段与依赖关系。
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory":
	case "mysql":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return errors.New("mysql 驱动需要配置 storage.dsn")
		}
	default:
		return fmt.Errorf("不支持的存储驱动: %s", c.Storage.Driver)
	}

	switch c.Payment.Mode {
	case "simulated":
	case "onchain":
		if strings.TrimSpace(c.Web3.ChainConfig) == "" && strings.TrimSpace(c.Web3.RPCURL) == "" {
			return errors.New("onchain 结算需要配置 web3.chain_config 或 web3.rpc_url")
		}
	default:
		return fmt.Errorf("不支持的结算模式: %s", c.Payment.Mode)
	}

	switch c.Events.Driver {
	case "none", "memory", "redis", "rabbitmq":
	default:
		return fmt.Errorf("不支持的事件驱动: %s", c.Events.Driver)
	}

	if !c.Auth.Disabled && strings.TrimSpace(c.Auth.Secret) == "" {
		return errors.New("未关闭鉴权时必须配置 auth.secret")
	}
	return nil
}

// Timeout 返回单次模型调用超时。
func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ToolTimeout 返回单次工具调用超时。
func (c PaymentConfig) ToolTimeout() time.Duration {
	return time.Duration(c.ToolTimeoutSeconds) * time.Second
}

// ConnMaxLifetime 返回连接最大存活时间。
func (c StorageConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetimeSeconds) * time.Second
}
