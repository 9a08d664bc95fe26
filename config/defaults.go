// =============================================================================
// 📦 agenttree 默认配置
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:       DefaultServerConfig(),
		Orchestrator: DefaultOrchestratorConfig(),
		Store:        DefaultStoreConfig(),
		Database:     DefaultDatabaseConfig(),
		Reasoning:    DefaultReasoningConfig(),
		ToolServer:   DefaultToolServerConfig(),
		Log:          DefaultLogConfig(),
		Telemetry:    DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:           8080,
		MetricsPort:        9091,
		ReadTimeout:        30 * time.Second,
		WriteTimeout:       0,
		ShutdownTimeout:    15 * time.Second,
		RateLimitRPS:       100,
		RateLimitBurst:     200,
		CORSAllowedOrigins: []string{"*"},
	}
}

// DefaultOrchestratorConfig 返回默认编排配置
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		CompactionInterval:      10,
		CompactionMaxAttempts:   3,
		CompactionBackoff:       500 * time.Millisecond,
		ConfirmationTimeout:     5 * time.Minute,
		HILPollInterval:         2 * time.Second,
		HILTimeout:              0,
		MaxTurns:                200,
		ReasoningMaxRetries:     3,
		MaxIdleDecisions:        5,
		MaxForbiddenDelegations: 3,
		LockTTL:                 30 * time.Second,
		AutoMode:                false,
		HILToolName:             "human_in_loop",
	}
}

// DefaultStoreConfig 返回默认存储配置
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type:      StoreTypeFile,
		BaseDir:   "./data/tasks",
		KeyPrefix: "agenttree:",
		Redis:     DefaultRedisConfig(),
		Mongo: MongoConfig{
			URI:        "mongodb://localhost:27017",
			Database:   "agenttree",
			Collection: "documents",
			Timeout:    10 * time.Second,
		},
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		Host:            "localhost",
		Port:            5432,
		User:            "agenttree",
		Password:        "",
		Name:            "agenttree.db",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultReasoningConfig 返回默认推理服务配置
func DefaultReasoningConfig() ReasoningConfig {
	return ReasoningConfig{
		Endpoint: "http://localhost:8000",
		Timeout:  2 * time.Minute,
	}
}

// DefaultToolServerConfig 返回默认远程工具服务配置
func DefaultToolServerConfig() ToolServerConfig {
	return ToolServerConfig{
		URL:            "",
		Timeout:        5 * time.Minute,
		RateLimitRPS:   10,
		RateLimitBurst: 20,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "agenttree",
		SampleRate:   0.1,
	}
}
