package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// AgentSpec 描述 Agent 库中的一个 Agent
type AgentSpec struct {
	// 稳定名称，如 coder_agent
	Name string `yaml:"name" json:"name"`
	// 级别，越高越偏向编排
	Level int `yaml:"level" json:"level"`
	// 允许调用的工具
	Tools []string `yaml:"tools" json:"tools,omitempty"`
	// 允许委派的子 Agent
	Children []string `yaml:"children" json:"children,omitempty"`
	// 推理模型，空则使用 reasoning.model
	Model string `yaml:"model" json:"model,omitempty"`
	// 描述，作为委派目标展示给父 Agent
	Description string `yaml:"description" json:"description,omitempty"`
}

// agentLibraryFile 独立 Agent 库文件的结构
type agentLibraryFile struct {
	Agents []AgentSpec `yaml:"agents"`
}

// LoadAgentLibrary 从 YAML 文件读取 Agent 定义
func LoadAgentLibrary(path string) ([]AgentSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read agent library %s: %w", path, err)
	}
	var f agentLibraryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse agent library %s: %w", path, err)
	}
	return f.Agents, nil
}

// AgentLibrary 是加载期解析完成的 Agent 索引
type AgentLibrary struct {
	agents   map[string]AgentSpec
	tools    map[string]map[string]struct{}
	children map[string]map[string]struct{}
}

// NewAgentLibrary 校验并索引 Agent 定义
func NewAgentLibrary(specs []AgentSpec) (*AgentLibrary, error) {
	lib := &AgentLibrary{
		agents:   make(map[string]AgentSpec, len(specs)),
		tools:    make(map[string]map[string]struct{}, len(specs)),
		children: make(map[string]map[string]struct{}, len(specs)),
	}

	var errs []string
	for _, s := range specs {
		if s.Name == "" {
			errs = append(errs, "agent name is required")
			continue
		}
		if _, dup := lib.agents[s.Name]; dup {
			errs = append(errs, fmt.Sprintf("duplicate agent %q", s.Name))
			continue
		}
		lib.agents[s.Name] = s
		lib.tools[s.Name] = toSet(s.Tools)
		lib.children[s.Name] = toSet(s.Children)
	}

	for _, s := range specs {
		for _, c := range s.Children {
			if c == s.Name {
				errs = append(errs, fmt.Sprintf("agent %q lists itself as a child", s.Name))
				continue
			}
			if _, ok := lib.agents[c]; !ok {
				errs = append(errs, fmt.Sprintf("agent %q references unknown child %q", s.Name, c))
			}
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid agent library: %s", strings.Join(errs, "; "))
	}
	return lib, nil
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		set[it] = struct{}{}
	}
	return set
}

// Get 返回 Agent 定义
func (l *AgentLibrary) Get(name string) (AgentSpec, bool) {
	s, ok := l.agents[name]
	return s, ok
}

// Names 返回排序后的 Agent 名称
func (l *AgentLibrary) Names() []string {
	names := make([]string, 0, len(l.agents))
	for n := range l.agents {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// CanDelegate 判断 from 是否可以委派给 to
func (l *AgentLibrary) CanDelegate(from, to string) bool {
	_, ok := l.children[from][to]
	return ok
}

// CanUseTool 判断 agent 是否声明了该工具
func (l *AgentLibrary) CanUseTool(agent, tool string) bool {
	_, ok := l.tools[agent][tool]
	return ok
}

// IsAgent 判断名称是否为已知 Agent（用于区分委派与工具调用）
func (l *AgentLibrary) IsAgent(name string) bool {
	_, ok := l.agents[name]
	return ok
}
