package compaction

import (
	"context"
	"fmt"
	"strings"

	"github.com/BaSui01/agenttree/actionlog"
)

const (
	maxPlayByPlay  = 40
	maxBreadcrumbs = 20
	maxDecisions   = 20
	excerptLen     = 160
)

// artifactParams 这些参数的值标识工具操作的对象
var artifactParams = []string{"path", "file", "file_path", "filename", "url", "target", "query"}

// Summarizer 把原始动作窗口合并进上一份摘要，实现不得修改 prev 与 window
type Summarizer interface {
	Summarize(ctx context.Context, agentID string, prev *actionlog.Snapshot, window []actionlog.Entry) (actionlog.Summary, error)
}

// SummarizerFunc 适配函数为 Summarizer
type SummarizerFunc func(ctx context.Context, agentID string, prev *actionlog.Snapshot, window []actionlog.Entry) (actionlog.Summary, error)

func (f SummarizerFunc) Summarize(ctx context.Context, agentID string, prev *actionlog.Snapshot, window []actionlog.Entry) (actionlog.Summary, error) {
	return f(ctx, agentID, prev, window)
}

// DeterministicSummarizer 只做结构化合并，不调用推理引擎
type DeterministicSummarizer struct {
	// Intent 第一份快照的任务意图
	Intent string
}

func (d DeterministicSummarizer) Summarize(_ context.Context, _ string, prev *actionlog.Snapshot, window []actionlog.Entry) (actionlog.Summary, error) {
	return Fold(d.Intent, prev, window), nil
}

// Fold 将 window 合并进 prev 摘要的副本
func Fold(intent string, prev *actionlog.Snapshot, window []actionlog.Entry) actionlog.Summary {
	var s actionlog.Summary
	if prev != nil {
		s = cloneSummary(prev.State)
	}
	if s.Intent == "" {
		s.Intent = intent
	}
	if s.Artifacts == nil {
		s.Artifacts = make(map[string]string)
	}

	for _, e := range window {
		s.PlayByPlay = append(s.PlayByPlay, describe(e))

		switch e.Kind {
		case actionlog.KindToolCall:
			s.Artifacts[artifactKey(e)] = outcome(e)
		case actionlog.KindDelegation:
			s.Decisions = append(s.Decisions, fmt.Sprintf("delegated to %s: %s", e.Name, outcome(e)))
		case actionlog.KindThought:
			if e.OK && e.Output != "" {
				s.LatestThinking = e.Output
			}
		}
		if !e.OK && e.Error != "" {
			s.Breadcrumbs = append(s.Breadcrumbs, fmt.Sprintf("#%d %s: %s", e.Seq, e.Name, truncate(e.Error, excerptLen)))
		}
	}

	s.PlayByPlay = keepLast(s.PlayByPlay, maxPlayByPlay)
	s.Decisions = keepLast(s.Decisions, maxDecisions)
	s.Breadcrumbs = keepLast(s.Breadcrumbs, maxBreadcrumbs)
	s.StepsSummarized += int64(len(window))
	return s
}

func describe(e actionlog.Entry) string {
	status := "ok"
	if !e.OK {
		status = "failed"
	}
	name := e.Name
	if name == "" {
		name = string(e.Kind)
	}
	return fmt.Sprintf("#%d %s %s (%s)", e.Seq, e.Kind, name, status)
}

func artifactKey(e actionlog.Entry) string {
	for _, p := range artifactParams {
		if v, ok := e.Params[p]; ok {
			if s, ok := v.(string); ok && s != "" {
				return e.Name + ":" + s
			}
		}
	}
	return e.Name
}

func outcome(e actionlog.Entry) string {
	if !e.OK {
		return "error: " + truncate(e.Error, excerptLen)
	}
	return truncate(e.Output, excerptLen)
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func keepLast(xs []string, n int) []string {
	if len(xs) <= n {
		return xs
	}
	return append([]string{}, xs[len(xs)-n:]...)
}

func cloneSummary(s actionlog.Summary) actionlog.Summary {
	out := s
	out.PlayByPlay = append([]string(nil), s.PlayByPlay...)
	out.Decisions = append([]string(nil), s.Decisions...)
	out.Breadcrumbs = append([]string(nil), s.Breadcrumbs...)
	out.Artifacts = make(map[string]string, len(s.Artifacts))
	for k, v := range s.Artifacts {
		out.Artifacts[k] = v
	}
	return out
}

// Narrator 生成累计状态的自由文本叙述
type Narrator interface {
	Narrate(ctx context.Context, agentID, previous string, window []actionlog.Entry) (string, error)
}

// EngineSummarizer 在结构化合并之上附加推理引擎给出的叙述。
// 叙述失败即整次摘要失败，由压缩器重试。
type EngineSummarizer struct {
	Intent   string
	Narrator Narrator
}

// Summarize 实现 Summarizer
func (e EngineSummarizer) Summarize(ctx context.Context, agentID string, prev *actionlog.Snapshot, window []actionlog.Entry) (actionlog.Summary, error) {
	s := Fold(e.Intent, prev, window)
	if e.Narrator == nil {
		return s, nil
	}
	var previous string
	if prev != nil {
		previous = prev.State.Narrative
	}
	text, err := e.Narrator.Narrate(ctx, agentID, previous, window)
	if err != nil {
		return actionlog.Summary{}, err
	}
	s.Narrative = strings.TrimSpace(text)
	return s, nil
}
