package reasoning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agenttree/actionlog"
	"github.com/BaSui01/agenttree/internal/httpclient"
	"github.com/BaSui01/agenttree/internal/retry"
	"github.com/BaSui01/agenttree/types"
)

const (
	decidePath  = "/v1/decide"
	narratePath = "/v1/narrate"
)

// ClientConfig HTTP 推理客户端配置
type ClientConfig struct {
	// Endpoint 服务根地址
	Endpoint string
	APIKey   string
	// Model 请求未指定时使用
	Model string
	// Timeout 单次请求超时，默认 120s
	Timeout time.Duration
	// MaxRetries 可重试错误的最大尝试次数（含首次）
	MaxRetries int
}

// Client 通过 HTTP 调用外部推理服务，同时实现 compaction.Narrator
type Client struct {
	cfg     ClientConfig
	http    *http.Client
	retryer *retry.Retryer
	logger  *zap.Logger
}

// NewClient 创建推理客户端
func NewClient(cfg ClientConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	policy := retry.DefaultPolicy()
	policy.MaxAttempts = cfg.MaxRetries
	policy.Retryable = retry.RetryableTypesError

	logger = logger.With(zap.String("component", "reasoning_client"))
	return &Client{
		cfg:     cfg,
		http:    httpclient.New(cfg.Timeout),
		retryer: retry.New(policy, logger),
		logger:  logger,
	}
}

// Decide 实现 Reasoner
func (c *Client) Decide(ctx context.Context, req Request) (Response, error) {
	if req.Model == "" {
		req.Model = c.cfg.Model
	}
	start := time.Now()
	resp, err := retry.Do(ctx, c.retryer, func(ctx context.Context) (Response, error) {
		var out Response
		if err := c.post(ctx, decidePath, req, &out); err != nil {
			return Response{}, err
		}
		return out, nil
	})
	if err != nil {
		return Response{}, err
	}
	c.logger.Debug("decision received",
		zap.String("node_id", req.NodeID),
		zap.String("kind", string(resp.Decision.Kind)),
		zap.Duration("latency", time.Since(start)),
	)
	return resp, nil
}

type narrateRequest struct {
	AgentID  string            `json:"agent_id"`
	Model    string            `json:"model,omitempty"`
	Previous string            `json:"previous,omitempty"`
	Window   []actionlog.Entry `json:"window"`
}

type narrateResponse struct {
	Narrative string `json:"narrative"`
}

// Narrate 实现 compaction.Narrator
func (c *Client) Narrate(ctx context.Context, agentID, previous string, window []actionlog.Entry) (string, error) {
	body := narrateRequest{AgentID: agentID, Model: c.cfg.Model, Previous: previous, Window: window}
	return retry.Do(ctx, c.retryer, func(ctx context.Context) (string, error) {
		var out narrateResponse
		if err := c.post(ctx, narratePath, body, &out); err != nil {
			return "", err
		}
		return out.Narrative, nil
	})
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return types.NewError(types.ErrInvalidRequest, "encode reasoning request").WithCause(err)
	}
	url := strings.TrimRight(c.cfg.Endpoint, "/") + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return types.NewError(types.ErrInvalidRequest, "build reasoning request").WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return types.NewError(types.ErrReasoningFailed, fmt.Sprintf("reasoning request failed: %v", err)).
			WithCause(err).WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg := httpclient.ReadErrorMessage(resp.Body)
		return httpclient.MapHTTPError(resp.StatusCode, msg, "reasoning", types.ErrReasoningFailed)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return types.NewError(types.ErrReasoningFailed, "decode reasoning response").WithCause(err)
	}
	return nil
}
