package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/agenttree/internal/httpclient"
	"github.com/BaSui01/agenttree/types"
)

// RemoteConfig 工具服务器客户端配置
type RemoteConfig struct {
	BaseURL   string
	Timeout   time.Duration
	RateLimit float64 // 每秒请求数，<= 0 表示不限速
	Burst     int
}

// RemoteClient 调用外部工具服务器：
// POST /api/tool/execute {task_id, tool_name, params} -> {success, data, error}
type RemoteClient struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger

	mu      sync.Mutex
	ensured map[string]bool
}

// NewRemoteClient 创建客户端
func NewRemoteClient(cfg RemoteConfig, logger *zap.Logger) *RemoteClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultToolTimeout
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return &RemoteClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  httpclient.New(cfg.Timeout),
		limiter: limiter,
		logger:  logger.With(zap.String("component", "tool_server_client")),
		ensured: make(map[string]bool),
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Execute 在工具服务器上执行工具
func (c *RemoteClient) Execute(ctx context.Context, call Call) (json.RawMessage, error) {
	if err := c.ensureTask(ctx, call.TaskID); err != nil {
		return nil, err
	}
	payload := map[string]any{
		"task_id":   call.TaskID,
		"tool_name": call.Tool,
		"params":    call.Params,
	}
	env, err := c.post(ctx, "/api/tool/execute", payload)
	if err != nil {
		return nil, types.NewToolExecutionError(call.Tool, err)
	}
	if !env.Success {
		msg := env.Error
		if msg == "" {
			msg = "tool server returned an unknown error"
		}
		return nil, types.NewToolExecutionError(call.Tool, fmt.Errorf("%s", msg))
	}
	if len(env.Data) == 0 {
		return json.RawMessage("{}"), nil
	}
	return env.Data, nil
}

// ensureTask 每个任务只检查/创建一次工作空间
func (c *RemoteClient) ensureTask(ctx context.Context, taskID string) error {
	c.mu.Lock()
	done := c.ensured[taskID]
	c.mu.Unlock()
	if done {
		return nil
	}

	status, err := c.get(ctx, "/api/task/"+url.PathEscape(taskID)+"/status")
	if err != nil || !status.Success {
		if _, err := c.post(ctx, "/api/task/create", map[string]any{"task_id": taskID}); err != nil {
			return types.NewToolExecutionError("task_create", err)
		}
		c.logger.Info("task workspace created on tool server", zap.String("task_id", taskID))
	}

	c.mu.Lock()
	c.ensured[taskID] = true
	c.mu.Unlock()
	return nil
}

func (c *RemoteClient) get(ctx context.Context, path string) (*envelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *RemoteClient) post(ctx context.Context, path string, body any) (*envelope, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	return c.do(req)
}

func (c *RemoteClient) do(req *http.Request) (*envelope, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg := httpclient.ReadErrorMessage(resp.Body)
		return nil, httpclient.MapHTTPError(resp.StatusCode, msg, "tool_server", types.ErrToolExecution)
	}
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode tool server response: %w", err)
	}
	return &env, nil
}

// RemoteTool 是由工具服务器实现的具名工具
type RemoteTool struct {
	name   string
	client *RemoteClient
}

// NewRemoteTool 创建远程工具
func NewRemoteTool(name string, client *RemoteClient) *RemoteTool {
	return &RemoteTool{name: name, client: client}
}

func (t *RemoteTool) Name() string { return t.name }

func (t *RemoteTool) Invoke(ctx context.Context, call Call) (json.RawMessage, error) {
	call.Tool = t.name
	return t.client.Execute(ctx, call)
}

// RegisterRemote 将工具服务器上的工具批量注册到 registry
func RegisterRemote(reg *Registry, client *RemoteClient, names []string, timeout time.Duration) error {
	for _, n := range names {
		if err := reg.Register(NewRemoteTool(n, client), timeout); err != nil {
			return err
		}
	}
	return nil
}
