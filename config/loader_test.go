// 配置加载器与默认配置测试。
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- 默认配置测试 ---

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 9091, cfg.Server.MetricsPort)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)

	// 编排默认值
	assert.Equal(t, 10, cfg.Orchestrator.CompactionInterval)
	assert.Equal(t, 3, cfg.Orchestrator.CompactionMaxAttempts)
	assert.Equal(t, 5, cfg.Orchestrator.MaxIdleDecisions)
	assert.Equal(t, 3, cfg.Orchestrator.MaxForbiddenDelegations)
	assert.Equal(t, "human_in_loop", cfg.Orchestrator.HILToolName)
	assert.False(t, cfg.Orchestrator.AutoMode)

	assert.Equal(t, StoreTypeFile, cfg.Store.Type)
	assert.Equal(t, "localhost:6379", cfg.Store.Redis.Addr)
	assert.Equal(t, "sqlite", cfg.Database.Driver)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	require.NoError(t, cfg.Validate())
}

// --- Loader 测试 ---

func TestLoader_LoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Empty(t, cfg.Agents)
}

func TestLoader_LoadFromYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  http_port: 8888
  read_timeout: 60s

orchestrator:
  compaction_interval: 4
  confirmation_timeout: 2s
  auto_mode: true

store:
  type: redis
  redis:
    addr: "redis.example.com:6379"
    db: 1

agents:
  - name: alpha
    level: 3
    children: [coder_agent]
  - name: coder_agent
    level: 1
    tools: [shell, human_in_loop]

log:
  level: "debug"
  format: "console"
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)

	assert.Equal(t, 8888, cfg.Server.HTTPPort)
	assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 4, cfg.Orchestrator.CompactionInterval)
	assert.Equal(t, 2*time.Second, cfg.Orchestrator.ConfirmationTimeout)
	assert.True(t, cfg.Orchestrator.AutoMode)
	// 未覆盖的字段保留默认值
	assert.Equal(t, 3, cfg.Orchestrator.CompactionMaxAttempts)

	assert.Equal(t, StoreTypeRedis, cfg.Store.Type)
	assert.Equal(t, "redis.example.com:6379", cfg.Store.Redis.Addr)
	assert.Equal(t, 1, cfg.Store.Redis.DB)

	require.Len(t, cfg.Agents, 2)
	assert.Equal(t, []string{"coder_agent"}, cfg.Agents[0].Children)
	assert.Equal(t, "debug", cfg.Log.Level)
	require.NoError(t, cfg.Validate())
}

func TestLoader_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath(filepath.Join(t.TempDir(), "nope.yaml")).Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}

func TestLoader_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unclosed"), 0644))

	_, err := NewLoader().WithConfigPath(path).Load()
	assert.Error(t, err)
}

func TestLoader_LoadFromEnv(t *testing.T) {
	t.Setenv("AGENTTREE_SERVER_HTTP_PORT", "7777")
	t.Setenv("AGENTTREE_ORCHESTRATOR_COMPACTION_INTERVAL", "25")
	t.Setenv("AGENTTREE_ORCHESTRATOR_LOCK_TTL", "1m")
	t.Setenv("AGENTTREE_ORCHESTRATOR_AUTO_MODE", "true")
	t.Setenv("AGENTTREE_STORE_TYPE", "memory")
	t.Setenv("AGENTTREE_TOOL_SERVER_TOOLS", "web_search, browser")
	t.Setenv("AGENTTREE_LOG_LEVEL", "warn")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.HTTPPort)
	assert.Equal(t, 25, cfg.Orchestrator.CompactionInterval)
	assert.Equal(t, time.Minute, cfg.Orchestrator.LockTTL)
	assert.True(t, cfg.Orchestrator.AutoMode)
	assert.Equal(t, StoreTypeMemory, cfg.Store.Type)
	assert.Equal(t, []string{"web_search", "browser"}, cfg.ToolServer.Tools)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(`
server:
  http_port: 8888
reasoning:
  model: yaml-model
  endpoint: http://yaml
`), 0644))

	t.Setenv("AGENTTREE_SERVER_HTTP_PORT", "9999")
	t.Setenv("AGENTTREE_REASONING_ENDPOINT", "http://env")

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.HTTPPort)
	assert.Equal(t, "http://env", cfg.Reasoning.Endpoint)
	assert.Equal(t, "yaml-model", cfg.Reasoning.Model)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	t.Setenv("MYAPP_SERVER_HTTP_PORT", "6666")

	cfg, err := NewLoader().WithEnvPrefix("MYAPP").Load()
	require.NoError(t, err)
	assert.Equal(t, 6666, cfg.Server.HTTPPort)
}

func TestLoader_InvalidEnvValue(t *testing.T) {
	t.Setenv("AGENTTREE_ORCHESTRATOR_MAX_TURNS", "many")

	_, err := NewLoader().Load()
	assert.Error(t, err)
}

func TestLoader_WithValidator(t *testing.T) {
	t.Setenv("AGENTTREE_SERVER_HTTP_PORT", "80")

	_, err := NewLoader().
		WithValidator(func(cfg *Config) error {
			if cfg.Server.HTTPPort < 1024 {
				return assert.AnError
			}
			return nil
		}).
		Load()
	assert.ErrorIs(t, err, assert.AnError)
}

func TestLoader_AgentsFileRelativeToConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "agents.yaml"), []byte(`
agents:
  - name: writer
    level: 1
    tools: [file_write]
`), 0644))
	configPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(`
agents_file: agents.yaml
agents:
  - name: lead
    level: 2
    children: [writer]
`), 0644))

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)
	require.Len(t, cfg.Agents, 2)
	assert.Equal(t, "lead", cfg.Agents[0].Name)
	assert.Equal(t, "writer", cfg.Agents[1].Name)
	require.NoError(t, cfg.Validate())
}

func TestConfig_ValidateCollectsErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.HTTPPort = 0
	cfg.Orchestrator.CompactionInterval = 0
	cfg.Store.Type = "etcd"
	cfg.Agents = []AgentSpec{{Name: "a", Children: []string{"ghost"}}}

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "invalid HTTP port")
	assert.Contains(t, msg, "compaction_interval")
	assert.Contains(t, msg, `unknown store type "etcd"`)
	assert.Contains(t, msg, `unknown child "ghost"`)
}

func TestDatabaseConfig_DSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  DatabaseConfig
		want string
	}{
		{
			name: "postgres",
			cfg:  DatabaseConfig{Driver: "postgres", Host: "h", Port: 5432, User: "u", Password: "p", Name: "d", SSLMode: "disable"},
			want: "host=h port=5432 user=u password=p dbname=d sslmode=disable",
		},
		{
			name: "mysql",
			cfg:  DatabaseConfig{Driver: "mysql", Host: "h", Port: 3306, User: "u", Password: "p", Name: "d"},
			want: "u:p@tcp(h:3306)/d?parseTime=true",
		},
		{
			name: "sqlite",
			cfg:  DatabaseConfig{Driver: "sqlite", Name: "file.db"},
			want: "file.db",
		},
		{
			name: "unknown",
			cfg:  DatabaseConfig{Driver: "oracle"},
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.DSN())
		})
	}
}
