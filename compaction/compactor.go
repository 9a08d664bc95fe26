// Package compaction 将节点的原始动作窗口压缩为持久化快照，保证上下文大小只与 N 相关。
package compaction

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/agenttree/actionlog"
	"github.com/BaSui01/agenttree/internal/retry"
	"github.com/BaSui01/agenttree/types"
)

// snapshotNamespace 用于生成确定性的快照 ID
var snapshotNamespace = uuid.MustParse("6f1c2a4e-8d0b-4c55-9a1e-3b7f0d2c9e41")

// Config 压缩配置
type Config struct {
	Interval    int           // 每 N 条动作触发一次
	MaxAttempts int           // 单次压缩的最大尝试次数
	Backoff     time.Duration // 首次重试间隔
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{Interval: 10, MaxAttempts: 3, Backoff: 500 * time.Millisecond}
}

// Result 描述一次 MaybeCompact 的结果
type Result struct {
	Compacted bool
	Degraded  bool
	Snapshot  *actionlog.Snapshot
	Window    int
	Duration  time.Duration
	Err       error
}

// Compactor 在执行器中同步调用
type Compactor struct {
	cfg        Config
	summarizer Summarizer
	retryer    *retry.Retryer
	logger     *zap.Logger
}

// New 创建 Compactor，summarizer 为空时使用 DeterministicSummarizer
func New(cfg Config, summarizer Summarizer, logger *zap.Logger) *Compactor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval < 1 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if summarizer == nil {
		summarizer = DeterministicSummarizer{}
	}
	logger = logger.With(zap.String("component", "compaction"))
	r := retry.New(retry.Policy{
		MaxAttempts:  cfg.MaxAttempts,
		InitialDelay: cfg.Backoff,
		MaxDelay:     cfg.Backoff * 8,
		Multiplier:   2.0,
	}, logger)
	return &Compactor{cfg: cfg, summarizer: summarizer, retryer: r, logger: logger}
}

// Interval 返回 N
func (c *Compactor) Interval() int { return c.cfg.Interval }

// Due 判断是否应压缩。降级后窗口继续累积，到下一个 N 的倍数再尝试。
func (c *Compactor) Due(l *actionlog.Log) bool {
	n := l.SinceSnapshot()
	return n >= c.cfg.Interval && n%c.cfg.Interval == 0
}

// Compact 由上一快照和窗口计算新快照，不修改输入。
// 相同输入得到相同的 ID 与边界，因此重试是幂等的。
func (c *Compactor) Compact(ctx context.Context, agentID string, prev *actionlog.Snapshot, window []actionlog.Entry) (actionlog.Snapshot, error) {
	if len(window) == 0 {
		return actionlog.Snapshot{}, fmt.Errorf("empty compaction window")
	}
	summary, err := c.summarizer.Summarize(ctx, agentID, prev, window)
	if err != nil {
		return actionlog.Snapshot{}, types.NewCompactionError(agentID, err)
	}

	last := window[len(window)-1]
	var prevID string
	if prev != nil {
		prevID = prev.ID
	}
	return actionlog.Snapshot{
		ID:                SnapshotID(agentID, prevID, last.Seq),
		LastSummarizedSeq: last.Seq,
		Supersedes:        prevID,
		State:             summary,
		CreatedAt:         last.At,
	}, nil
}

// SnapshotID 返回 (agent, 上一快照, 边界) 的确定性 ID
func SnapshotID(agentID, prevID string, lastSeq int64) string {
	return uuid.NewSHA1(snapshotNamespace, []byte(fmt.Sprintf("%s|%s|%d", agentID, prevID, lastSeq))).String()
}

// MaybeCompact 到期时压缩 l 并安装快照。失败重试耗尽后保留原始窗口（降级），
// 错误只记录在 Result 中，不向上抛出。
func (c *Compactor) MaybeCompact(ctx context.Context, l *actionlog.Log) Result {
	if !c.Due(l) {
		return Result{}
	}
	start := time.Now()
	window := l.Window()

	snap, err := retry.Do(ctx, c.retryer, func(ctx context.Context) (actionlog.Snapshot, error) {
		return c.Compact(ctx, l.AgentID, l.Snapshot, window)
	})
	res := Result{Window: len(window), Duration: time.Since(start)}
	if err == nil {
		if snap.State.Intent == "" {
			snap.State.Intent = l.Input
		}
		err = l.ApplySnapshot(snap)
	}
	if err != nil {
		l.Counters.CompactionFailures++
		res.Degraded = true
		res.Err = err
		c.logger.Warn("compaction failed, carrying raw window forward",
			zap.String("node_id", l.NodeID),
			zap.String("agent_id", l.AgentID),
			zap.Int("window", len(window)),
			zap.Error(err),
		)
		return res
	}

	res.Compacted = true
	res.Snapshot = l.Snapshot
	c.logger.Debug("compacted",
		zap.String("node_id", l.NodeID),
		zap.Int64("last_summarized_seq", snap.LastSummarizedSeq),
		zap.Int("window", len(window)),
		zap.Duration("duration", res.Duration),
	)
	return res
}
