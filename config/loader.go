// =============================================================================
// 📦 agenttree 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("AGENTTREE").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 agenttree 的完整配置结构
type Config struct {
	// Server HTTP 服务配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Orchestrator 编排引擎配置
	Orchestrator OrchestratorConfig `yaml:"orchestrator" env:"ORCHESTRATOR"`

	// Store 文档存储配置
	Store StoreConfig `yaml:"store" env:"STORE"`

	// Database SQL 数据库配置（store.type=sql 时使用）
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Reasoning 外部推理服务配置
	Reasoning ReasoningConfig `yaml:"reasoning" env:"REASONING"`

	// ToolServer 远程工具服务配置
	ToolServer ToolServerConfig `yaml:"tool_server" env:"TOOL_SERVER"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// JWT 认证配置（可选）
	JWT JWTConfig `yaml:"jwt" env:"JWT"`

	// AgentsFile 独立的 Agent 库文件，追加到 Agents
	AgentsFile string `yaml:"agents_file" env:"AGENTS_FILE"`

	// Agents Agent 库
	Agents []AgentSpec `yaml:"agents" env:"-"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口，0 表示挂在主端口的 /metrics
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时（SSE/WebSocket 连接不受此限制）
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 每 IP 限流
	RateLimitRPS   float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// CORS 允许的来源
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
}

// OrchestratorConfig 编排引擎配置
type OrchestratorConfig struct {
	// 每 N 条未压缩动作触发一次压缩
	CompactionInterval int `yaml:"compaction_interval" env:"COMPACTION_INTERVAL"`
	// 压缩失败后的最大尝试次数（含首次）
	CompactionMaxAttempts int `yaml:"compaction_max_attempts" env:"COMPACTION_MAX_ATTEMPTS"`
	// 压缩重试退避
	CompactionBackoff time.Duration `yaml:"compaction_backoff" env:"COMPACTION_BACKOFF"`
	// 工具确认超时，超时视为拒绝
	ConfirmationTimeout time.Duration `yaml:"confirmation_timeout" env:"CONFIRMATION_TIMEOUT"`
	// HIL 持久化状态轮询间隔
	HILPollInterval time.Duration `yaml:"hil_poll_interval" env:"HIL_POLL_INTERVAL"`
	// HIL 等待上限，0 表示无限等待
	HILTimeout time.Duration `yaml:"hil_timeout" env:"HIL_TIMEOUT"`
	// 单节点最大推理轮数
	MaxTurns int `yaml:"max_turns" env:"MAX_TURNS"`
	// 推理调用最大重试次数
	ReasoningMaxRetries int `yaml:"reasoning_max_retries" env:"REASONING_MAX_RETRIES"`
	// 连续无可执行决策的上限
	MaxIdleDecisions int `yaml:"max_idle_decisions" env:"MAX_IDLE_DECISIONS"`
	// 越权委派的上限，超过后节点失败上报
	MaxForbiddenDelegations int `yaml:"max_forbidden_delegations" env:"MAX_FORBIDDEN_DELEGATIONS"`
	// 单写者锁 TTL，运行期间自动续期
	LockTTL time.Duration `yaml:"lock_ttl" env:"LOCK_TTL"`
	// 任务默认 auto_mode
	AutoMode bool `yaml:"auto_mode" env:"AUTO_MODE"`
	// HIL 工具名
	HILToolName string `yaml:"hil_tool_name" env:"HIL_TOOL_NAME"`
}

// StoreType 文档存储类型
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeFile   StoreType = "file"
	StoreTypeRedis  StoreType = "redis"
	StoreTypeSQL    StoreType = "sql"
	StoreTypeMongo  StoreType = "mongo"
)

// StoreConfig 文档存储配置
type StoreConfig struct {
	// 类型: memory, file, redis, sql, mongo
	Type StoreType `yaml:"type" env:"TYPE"`
	// 文件存储根目录
	BaseDir string `yaml:"base_dir" env:"BASE_DIR"`
	// 键前缀（redis/mongo）
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// Redis 配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`
	// Mongo 配置
	Mongo MongoConfig `yaml:"mongo" env:"MONGO"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// MongoConfig MongoDB 配置
type MongoConfig struct {
	URI        string        `yaml:"uri" env:"URI"`
	Database   string        `yaml:"database" env:"DATABASE"`
	Collection string        `yaml:"collection" env:"COLLECTION"`
	Timeout    time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名（sqlite 为文件路径）
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// ReasoningConfig 推理服务配置
type ReasoningConfig struct {
	// 服务根地址，POST {endpoint}/v1/decide 与 /v1/narrate
	Endpoint string `yaml:"endpoint" env:"ENDPOINT"`
	// API Key
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// 单次请求超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 默认模型
	Model string `yaml:"model" env:"MODEL"`
}

// ToolServerConfig 远程工具服务配置
type ToolServerConfig struct {
	// 服务地址，空表示不注册远程工具
	URL string `yaml:"url" env:"URL"`
	// 单次调用超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 客户端限流
	RateLimitRPS   float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// 由远程服务提供的工具名
	Tools []string `yaml:"tools" env:"TOOLS"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// JWTConfig JWT 认证配置，Secret 为空时关闭认证
type JWTConfig struct {
	Secret   string `yaml:"secret" env:"SECRET"`
	Issuer   string `yaml:"issuer" env:"ISSUER"`
	Audience string `yaml:"audience" env:"AUDIENCE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "AGENTTREE",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// Agent 库文件相对于主配置文件解析
	if cfg.AgentsFile != "" {
		path := cfg.AgentsFile
		if !filepath.IsAbs(path) && l.configPath != "" {
			path = filepath.Join(filepath.Dir(l.configPath), path)
		}
		specs, err := LoadAgentLibrary(path)
		if err != nil {
			return nil, err
		}
		cfg.Agents = append(cfg.Agents, specs...)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Time{}) {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate 验证配置，一次性返回所有问题
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, "invalid metrics port")
	}

	o := c.Orchestrator
	if o.CompactionInterval < 1 {
		errs = append(errs, "orchestrator.compaction_interval must be >= 1")
	}
	if o.CompactionMaxAttempts < 1 {
		errs = append(errs, "orchestrator.compaction_max_attempts must be >= 1")
	}
	if o.ConfirmationTimeout <= 0 {
		errs = append(errs, "orchestrator.confirmation_timeout must be positive")
	}
	if o.HILPollInterval <= 0 {
		errs = append(errs, "orchestrator.hil_poll_interval must be positive")
	}
	if o.MaxTurns < 1 {
		errs = append(errs, "orchestrator.max_turns must be >= 1")
	}
	if o.LockTTL <= 0 {
		errs = append(errs, "orchestrator.lock_ttl must be positive")
	}
	if o.HILToolName == "" {
		errs = append(errs, "orchestrator.hil_tool_name is required")
	}

	switch c.Store.Type {
	case StoreTypeMemory, StoreTypeRedis, StoreTypeSQL, StoreTypeMongo:
	case StoreTypeFile:
		if c.Store.BaseDir == "" {
			errs = append(errs, "store.base_dir is required for file store")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown store type %q", c.Store.Type))
	}

	if _, err := NewAgentLibrary(c.Agents); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
