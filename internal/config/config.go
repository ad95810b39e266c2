package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	xerrors "ToolRelay-Chain/internal/errors"
)

// EnvConfigPath 是指定配置文件路径的环境变量。
const EnvConfigPath = "TOOLRELAY_CONFIG"

// Config 描述了 ToolRelay 在启动阶段需要加载的全部配置。
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Auth      AuthConfig      `json:"auth" yaml:"auth"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	LLM       LLMConfig       `json:"llm" yaml:"llm"`
	Agent     AgentConfig     `json:"agent" yaml:"agent"`
	Protocols ProtocolsConfig `json:"protocols" yaml:"protocols"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	TaskQueue TaskQueueConfig `json:"task_queue" yaml:"task_queue"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
	Runtime   RuntimeConfig   `json:"runtime" yaml:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址。
type ServerConfig struct {
	Address                string `json:"address" yaml:"address" validate:"required"`
	ShutdownTimeoutSeconds int    `json:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds" validate:"gte=0"`
}

// ShutdownTimeout 返回优雅退出的等待时间。
func (s ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutSeconds) * time.Second
}

// AuthConfig 描述 REST 接口的访问控制。
type AuthConfig struct {
	Mode   string            `json:"mode" yaml:"mode" validate:"oneof=disabled token"`
	Tokens []AuthTokenConfig `json:"tokens" yaml:"tokens" validate:"required_if=Mode token,dive"`
}

// AuthTokenConfig 描述一个静态 Bearer 令牌。Token 为空时从 TokenEnv 读取。
type AuthTokenConfig struct {
	Name        string   `json:"name" yaml:"name" validate:"required"`
	Token       string   `json:"token" yaml:"token"`
	TokenEnv    string   `json:"token_env" yaml:"token_env"`
	Permissions []string `json:"permissions" yaml:"permissions"`
	Disabled    bool     `json:"disabled" yaml:"disabled"`
}

// LoggingConfig 对应 pkg/logger 的初始化参数。
type LoggingConfig struct {
	Level       string         `json:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format      string         `json:"format" yaml:"format" validate:"oneof=json text"`
	OutputPaths []string       `json:"output_paths" yaml:"output_paths"`
	Audit       AuditLogConfig `json:"audit" yaml:"audit"`
}

// AuditLogConfig 控制审计日志文件及其滚动策略。
type AuditLogConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Path       string `json:"path" yaml:"path" validate:"required_if=Enabled true"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days" validate:"gte=0"`
	Compress   bool   `json:"compress" yaml:"compress"`
}

// LLMConfig 用于配置最终答案合成所用的大模型。
type LLMConfig struct {
	Provider string       `json:"provider" yaml:"provider" validate:"oneof=openai"`
	OpenAI   OpenAIConfig `json:"openai" yaml:"openai"`
}

// OpenAIConfig 描述 OpenAI 兼容接口的访问参数。
type OpenAIConfig struct {
	APIKey         string `json:"api_key" yaml:"api_key"`
	APIKeyEnv      string `json:"api_key_env" yaml:"api_key_env"`
	BaseURL        string `json:"base_url" yaml:"base_url" validate:"omitempty,url"`
	Model          string `json:"model" yaml:"model" validate:"required"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds" validate:"gte=0"`
	MaxRetries     int    `json:"max_retries" yaml:"max_retries" validate:"gte=0"`
	// Temperature 未填写时由客户端取默认值，显式填写 0 表示确定性输出。
	Temperature *float64 `json:"temperature" yaml:"temperature" validate:"omitempty,gte=0,lte=2"`
}

// Timeout 返回单次请求的超时时间。
func (o OpenAIConfig) Timeout() time.Duration {
	return time.Duration(o.TimeoutSeconds) * time.Second
}

// ResolveAPIKey 优先使用显式配置的密钥，其次读取环境变量。
func (o OpenAIConfig) ResolveAPIKey() string {
	if key := strings.TrimSpace(o.APIKey); key != "" {
		return key
	}
	if o.APIKeyEnv != "" {
		return strings.TrimSpace(os.Getenv(o.APIKeyEnv))
	}
	return ""
}

// AgentConfig 控制查询执行器的行为。
type AgentConfig struct {
	HandlerTimeoutSeconds int    `json:"handler_timeout_seconds" yaml:"handler_timeout_seconds" validate:"gte=0"`
	LLMTimeoutSeconds     int    `json:"llm_timeout_seconds" yaml:"llm_timeout_seconds" validate:"gte=0"`
	TemplatePath          string `json:"template_path" yaml:"template_path"`
}

// HandlerTimeout 返回工具处理函数的超时时间，0 表示不限制。
func (a AgentConfig) HandlerTimeout() time.Duration {
	return time.Duration(a.HandlerTimeoutSeconds) * time.Second
}

// LLMTimeout 返回最终答案合成的超时时间，0 表示不限制。
func (a AgentConfig) LLMTimeout() time.Duration {
	return time.Duration(a.LLMTimeoutSeconds) * time.Second
}

// ProtocolsConfig 描述协议连接器的缓存策略与各协议网关。
type ProtocolsConfig struct {
	CachePolicy string        `json:"cache_policy" yaml:"cache_policy" validate:"oneof=per_config per_protocol"`
	ChainsFile  string        `json:"chains_file" yaml:"chains_file"`
	Lending     GatewayConfig `json:"lending" yaml:"lending"`
	Exchange    GatewayConfig `json:"exchange" yaml:"exchange"`
}

// GatewayConfig 描述一个 HTTP 协议网关，Endpoints 的键为网络名。
type GatewayConfig struct {
	Enabled        bool              `json:"enabled" yaml:"enabled"`
	Endpoints      map[string]string `json:"endpoints" yaml:"endpoints" validate:"required_if=Enabled true,dive,url"`
	MarketID       string            `json:"market_id" yaml:"market_id"`
	TimeoutSeconds int               `json:"timeout_seconds" yaml:"timeout_seconds" validate:"gte=0"`
	// RetryMax 只作用于查询类请求；未填写时为 2，显式填写 0 表示不重试。
	RetryMax *int `json:"retry_max" yaml:"retry_max" validate:"omitempty,gte=0"`
}

// Timeout 返回网关请求的超时时间。
func (g GatewayConfig) Timeout() time.Duration {
	return time.Duration(g.TimeoutSeconds) * time.Second
}

// Retries 返回查询类请求的最大重试次数。
func (g GatewayConfig) Retries() int {
	if g.RetryMax == nil {
		return defaultGatewayRetries
	}
	return *g.RetryMax
}

const defaultGatewayRetries = 2

// StorageConfig 描述查询日志与任务存储的后端。
type StorageConfig struct {
	Journal   DatabaseConfig  `json:"journal" yaml:"journal"`
	TaskStore TaskStoreConfig `json:"task_store" yaml:"task_store"`
}

// DatabaseConfig 描述 memory 或 mysql 后端的连接参数。
type DatabaseConfig struct {
	Driver                 string `json:"driver" yaml:"driver" validate:"oneof=memory mysql"`
	DSN                    string `json:"dsn" yaml:"dsn" validate:"required_if=Driver mysql"`
	DSNEnv                 string `json:"dsn_env" yaml:"dsn_env"`
	MaxOpenConns           int    `json:"max_open_conns" yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns           int    `json:"max_idle_conns" yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds" validate:"gte=0"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds" yaml:"conn_max_idle_time_seconds" validate:"gte=0"`
}

// ConnMaxLifetime 返回连接最大存活时间。
func (d DatabaseConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(d.ConnMaxLifetimeSeconds) * time.Second
}

// ConnMaxIdleTime 返回连接最大空闲时间。
func (d DatabaseConfig) ConnMaxIdleTime() time.Duration {
	return time.Duration(d.ConnMaxIdleTimeSeconds) * time.Second
}

// TaskStoreConfig 在数据库参数之外增加任务重试次数。
type TaskStoreConfig struct {
	DatabaseConfig `yaml:",inline"`
	Retries        int `json:"retries" yaml:"retries" validate:"gte=0"`
}

// TaskQueueConfig 描述异步任务队列。
type TaskQueueConfig struct {
	Driver   string         `json:"driver" yaml:"driver" validate:"oneof=memory redis rabbitmq"`
	Workers  int            `json:"workers" yaml:"workers" validate:"gte=0"`
	Buffer   int            `json:"buffer" yaml:"buffer" validate:"gte=0"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列。
type RedisConfig struct {
	Address          string `json:"address" yaml:"address"`
	Password         string `json:"password" yaml:"password"`
	PasswordEnv      string `json:"password_env" yaml:"password_env"`
	DB               int    `json:"db" yaml:"db" validate:"gte=0"`
	Queue            string `json:"queue" yaml:"queue"`
	BlockWaitSeconds int    `json:"block_wait_seconds" yaml:"block_wait_seconds" validate:"gte=0"`
}

// RabbitMQConfig 描述 RabbitMQ 队列。
type RabbitMQConfig struct {
	URL        string `json:"url" yaml:"url"`
	URLEnv     string `json:"url_env" yaml:"url_env"`
	Queue      string `json:"queue" yaml:"queue"`
	Prefetch   int    `json:"prefetch" yaml:"prefetch" validate:"gte=0"`
	Durable    bool   `json:"durable" yaml:"durable"`
	AutoDelete bool   `json:"auto_delete" yaml:"auto_delete"`
}

// MetricsConfig 控制 Prometheus 指标的暴露方式。
// Address 为空时指标挂在 API 服务的 /metrics 上。
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Address string `json:"address" yaml:"address"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir" yaml:"data_dir"`
}

// Load 根据扩展名解析 JSON 或 YAML 配置文件，补全默认值并校验。
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "读取配置文件失败")
	}

	cfg, err := Parse(content, filepath.Ext(path), filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse 解析配置内容。ext 为 ".json"、".yaml" 或 ".yml"，
// baseDir 用于解析配置中的相对路径。
func Parse(content []byte, ext, baseDir string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".json":
		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析 JSON 配置失败")
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析 YAML 配置失败")
		}
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的配置文件格式: %q", ext))
	}

	cfg.applyDefaults(baseDir)
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回仅包含默认值的配置，适合本地开发。
func Default(baseDir string) *Config {
	var cfg Config
	cfg.applyDefaults(baseDir)
	return &cfg
}

// Validate 使用 validator 检查配置字段。
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "配置校验失败")
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownTimeoutSeconds == 0 {
		c.Server.ShutdownTimeoutSeconds = 5
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	c.Logging.Audit.Path = resolvePath(baseDir, c.Logging.Audit.Path)

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.OpenAI.Model == "" {
		c.LLM.OpenAI.Model = "gpt-4o-mini"
	}
	if c.LLM.OpenAI.APIKeyEnv == "" {
		c.LLM.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.LLM.OpenAI.TimeoutSeconds == 0 {
		c.LLM.OpenAI.TimeoutSeconds = 30
	}

	if c.Agent.HandlerTimeoutSeconds == 0 {
		c.Agent.HandlerTimeoutSeconds = 30
	}
	if c.Agent.LLMTimeoutSeconds == 0 {
		c.Agent.LLMTimeoutSeconds = 60
	}
	c.Agent.TemplatePath = resolvePath(baseDir, c.Agent.TemplatePath)

	if c.Protocols.CachePolicy == "" {
		c.Protocols.CachePolicy = "per_config"
	}
	c.Protocols.ChainsFile = resolvePath(baseDir, c.Protocols.ChainsFile)

	if c.Storage.Journal.Driver == "" {
		c.Storage.Journal.Driver = "memory"
	}
	if c.Storage.TaskStore.Driver == "" {
		c.Storage.TaskStore.Driver = "memory"
	}
	if c.Storage.TaskStore.Retries == 0 {
		c.Storage.TaskStore.Retries = 3
	}

	if c.TaskQueue.Driver == "" {
		c.TaskQueue.Driver = "memory"
	}
	if c.TaskQueue.Workers == 0 {
		c.TaskQueue.Workers = 4
	}
	if c.TaskQueue.Buffer == 0 {
		c.TaskQueue.Buffer = 1024
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else {
		c.Runtime.DataDir = resolvePath(baseDir, c.Runtime.DataDir)
	}
}

// applyEnv 从 *_env 字段指向的环境变量中读取密钥。
func (c *Config) applyEnv() {
	for i := range c.Auth.Tokens {
		token := &c.Auth.Tokens[i]
		if token.Token == "" && token.TokenEnv != "" {
			token.Token = strings.TrimSpace(os.Getenv(token.TokenEnv))
		}
	}
	if c.Storage.Journal.DSN == "" && c.Storage.Journal.DSNEnv != "" {
		c.Storage.Journal.DSN = os.Getenv(c.Storage.Journal.DSNEnv)
	}
	if c.Storage.TaskStore.DSN == "" && c.Storage.TaskStore.DSNEnv != "" {
		c.Storage.TaskStore.DSN = os.Getenv(c.Storage.TaskStore.DSNEnv)
	}
	if c.TaskQueue.Redis.Password == "" && c.TaskQueue.Redis.PasswordEnv != "" {
		c.TaskQueue.Redis.Password = os.Getenv(c.TaskQueue.Redis.PasswordEnv)
	}
	if c.TaskQueue.RabbitMQ.URL == "" && c.TaskQueue.RabbitMQ.URLEnv != "" {
		c.TaskQueue.RabbitMQ.URL = os.Getenv(c.TaskQueue.RabbitMQ.URLEnv)
	}
}

func resolvePath(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
