// Package tokenizer 估算交给推理引擎的作用域上下文大小。
// 已知模型使用 tiktoken 精确计数，其余模型或编码数据不可用时回退到 CJK 感知的估算器。
package tokenizer

import (
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// Counter token 计数
type Counter interface {
	Count(text string) int
	Name() string
}

// 模型前缀到 tiktoken 编码
var modelEncodings = []struct {
	prefix   string
	encoding string
}{
	{"gpt-4o", "o200k_base"},
	{"o1", "o200k_base"},
	{"o3", "o200k_base"},
	{"gpt-4", "cl100k_base"},
	{"gpt-3.5", "cl100k_base"},
}

// New 按模型选择计数器
func New(model string, logger *zap.Logger) Counter {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, m := range modelEncodings {
		if strings.HasPrefix(model, m.prefix) {
			return &Tiktoken{encoding: m.encoding, fallback: Estimator{}, logger: logger}
		}
	}
	return Estimator{}
}

// Tiktoken 懒加载编码（首次使用可能下载 BPE 数据），失败后永久回退到估算器
type Tiktoken struct {
	encoding string
	fallback Estimator
	logger   *zap.Logger

	once sync.Once
	enc  *tiktoken.Tiktoken
}

func (t *Tiktoken) init() {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.logger.Warn("tiktoken unavailable, falling back to estimator",
				zap.String("encoding", t.encoding), zap.Error(err))
			return
		}
		t.enc = enc
	})
}

// Count 实现 Counter
func (t *Tiktoken) Count(text string) int {
	if text == "" {
		return 0
	}
	t.init()
	if t.enc == nil {
		return t.fallback.Count(text)
	}
	return len(t.enc.Encode(text, nil, nil))
}

// Name 实现 Counter
func (t *Tiktoken) Name() string {
	return fmt.Sprintf("tiktoken[%s]", t.encoding)
}

// Estimator 按字符估算：CJK 约 1.5 字符/token，其余约 4 字符/token
type Estimator struct{}

// Count 实现 Counter
func (Estimator) Count(text string) int {
	if text == "" {
		return 0
	}
	total := utf8.RuneCountInString(text)
	cjk := 0
	for _, r := range text {
		if isCJK(r) {
			cjk++
		}
	}
	n := int(float64(cjk)/1.5 + float64(total-cjk)/4.0)
	if n == 0 {
		n = 1
	}
	return n
}

// Name 实现 Counter
func (Estimator) Name() string { return "estimator" }

// CountAll 累加多段文本，每段计 4 个分隔开销
func CountAll(c Counter, parts ...string) int {
	total := 0
	for _, p := range parts {
		if p == "" {
			continue
		}
		total += c.Count(p) + 4
	}
	return total
}

func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0x20000 && r <= 0x2A6DF) ||
		(r >= 0xF900 && r <= 0xFAFF) ||
		(r >= 0x3000 && r <= 0x303F) ||
		(r >= 0xFF00 && r <= 0xFFEF)
}
