package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agenttree/gateway"
	"github.com/BaSui01/agenttree/hitl"
	"github.com/BaSui01/agenttree/persistence"
)

// writeFileStoreConfig 生成使用文件存储的配置，CLI 多次调用共享同一目录
func writeFileStoreConfig(t *testing.T) (cfgPath, storeDir string) {
	t.Helper()
	dir := t.TempDir()
	storeDir = filepath.Join(dir, "store")
	cfgPath = filepath.Join(dir, "config.yaml")
	agentsPath := filepath.Join(dir, "agents.yaml")

	require.NoError(t, os.WriteFile(agentsPath, []byte(`agents:
  - name: alpha
    level: 2
    children: [coder_agent]
    tools: [human_in_loop]
  - name: coder_agent
    level: 1
`), 0o644))
	require.NoError(t, os.WriteFile(cfgPath, []byte(`store:
  type: file
  base_dir: `+storeDir+`
agents_file: agents.yaml
`), 0o644))
	return cfgPath, storeDir
}

func runCLI(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_Dispatch(t *testing.T) {
	code, out, _ := runCLI("version")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, "agenttree dev")

	code, out, _ = runCLI("help")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, "confirm")

	code, _, errOut := runCLI("migrate")
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, errOut, "Unknown command: migrate")

	code, _, _ = runCLI()
	assert.Equal(t, exitUsage, code)

	code, _, _ = runCLI("hil", "poke")
	assert.Equal(t, exitUsage, code)
}

func TestRun_HILCommands(t *testing.T) {
	cfgPath, storeDir := writeFileStoreConfig(t)

	docs, err := persistence.NewFileStore(storeDir)
	require.NoError(t, err)
	queue := hitl.NewQueue(docs, 5*time.Millisecond, zap.NewNop())
	task, err := queue.Request(context.Background(), hitl.RequestOptions{
		TaskID: "/srv/shop", NodeID: "alpha_1a2b3c4d", AgentID: "alpha", Instruction: "paperback or hardcover?",
	})
	require.NoError(t, err)

	code, out, errOut := runCLI("hil", "list", "--config", cfgPath)
	require.Equal(t, exitOK, code, errOut)
	var pending []hitl.Task
	require.NoError(t, json.Unmarshal([]byte(out), &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, task.ID, pending[0].ID)

	code, out, errOut = runCLI("hil", "respond", "--config", cfgPath, "--id", task.ID, "--response", "hardcover")
	require.Equal(t, exitOK, code, errOut)
	assert.Contains(t, out, "hardcover")

	code, _, errOut = runCLI("hil", "respond", "--config", cfgPath, "--id", task.ID, "--response", "again")
	assert.Equal(t, exitError, code)
	assert.NotEmpty(t, errOut)

	got, err := queue.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, "hardcover", got.Response)
}

func TestRun_ConfirmCommands(t *testing.T) {
	cfgPath, storeDir := writeFileStoreConfig(t)

	docs, err := persistence.NewFileStore(storeDir)
	require.NoError(t, err)
	confirms := gateway.NewConfirmationManager(docs, time.Minute, 5*time.Millisecond, zap.NewNop())
	c, err := confirms.Request(context.Background(), gateway.Call{TaskID: "/srv/shop", NodeID: "coder_agent_9c1d", AgentID: "coder_agent", Tool: "shell"})
	require.NoError(t, err)

	code, _, errOut := runCLI("confirm", "list", "--config", cfgPath)
	assert.Equal(t, exitError, code)
	assert.Contains(t, errOut, "--task is required")

	code, out, errOut := runCLI("confirm", "list", "--config", cfgPath, "--task", "/srv/shop")
	require.Equal(t, exitOK, code, errOut)
	assert.Contains(t, out, c.ID)

	code, _, errOut = runCLI("confirm", "approve", "--config", cfgPath, "--id", c.ID)
	require.Equal(t, exitOK, code, errOut)

	got, err := confirms.Get(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, gateway.ConfirmApproved, got.Status)
}

func TestRun_ValidatesRunRequest(t *testing.T) {
	cfgPath, _ := writeFileStoreConfig(t)

	code, out, errOut := runCLI("run", "--config", cfgPath, "--task", "/srv/shop", "--agent", "alpha")
	assert.Equal(t, exitError, code)
	assert.Contains(t, errOut, "input")
	assert.Empty(t, out)
}
