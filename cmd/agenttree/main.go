// =============================================================================
// agenttree 主入口
// =============================================================================
// 层级编排引擎：HTTP 服务、进程内运行、HIL 与工具确认的命令行操作
//
// 使用方法:
//
//	agenttree serve --config config.yaml
//	agenttree run --config config.yaml --task /srv/shop --agent alpha_agent --input "build it"
//	agenttree state --task /srv/shop
//	agenttree hil list | hil respond --id <hil_id> --response "yes"
//	agenttree confirm list --task /srv/shop | confirm approve --id <confirm_id>
//	agenttree health --addr http://localhost:8080
//	agenttree version
// =============================================================================

// @title agenttree API
// @version 1.0.0
// @description Hierarchical agent orchestration with bounded per-agent context.

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8080
// @BasePath /
// @schemes http https

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/agenttree/config"
	"github.com/BaSui01/agenttree/events"
	"github.com/BaSui01/agenttree/gateway"
	"github.com/BaSui01/agenttree/hierarchy"
	"github.com/BaSui01/agenttree/hitl"
	"github.com/BaSui01/agenttree/orchestrator"
	"github.com/BaSui01/agenttree/persistence"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// 退出码
const (
	exitOK          = 0
	exitError       = 1
	exitInterrupted = 2
	exitUsage       = 64
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return exitUsage
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "serve":
		return cmdServe(rest, stderr)
	case "run":
		return cmdRun(rest, stdout, stderr)
	case "state":
		return cmdState(rest, stdout, stderr)
	case "hil":
		return cmdHIL(rest, stdout, stderr)
	case "confirm":
		return cmdConfirm(rest, stdout, stderr)
	case "health":
		return cmdHealth(rest, stdout, stderr)
	case "version":
		printVersion(stdout)
		return exitOK
	case "help", "-h", "--help":
		printUsage(stdout)
		return exitOK
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", cmd)
		printUsage(stderr)
		return exitUsage
	}
}

// =============================================================================
// 🔧 公共参数
// =============================================================================

type commonFlags struct {
	configPath string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "Path to config file (YAML)")
}

func (c *commonFlags) load() (*config.Config, error) {
	loader := config.NewLoader().WithValidator((*config.Config).Validate)
	if c.configPath != "" {
		loader = loader.WithConfigPath(c.configPath)
	}
	return loader.Load()
}

// signalContext SIGINT/SIGTERM 时取消
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// =============================================================================
// 🖥️ serve
// =============================================================================

func cmdServe(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var common commonFlags
	common.register(fs)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := common.load()
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return exitError
	}
	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting agenttree",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	ctx, stop := signalContext()
	defer stop()
	if err := runServe(ctx, cfg, logger); err != nil {
		logger.Error("server exited with error", zap.Error(err))
		return exitError
	}
	logger.Info("agenttree stopped")
	return exitOK
}

// =============================================================================
// ▶️ run：进程内执行一条指令，事件以 JSONL 写到 stdout
// =============================================================================

func cmdRun(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var common commonFlags
	common.register(fs)
	task := fs.String("task", "", "Task identity (workspace path)")
	agent := fs.String("agent", "", "Entry agent name")
	input := fs.String("input", "", "Instruction text")
	auto := fs.Bool("auto", false, "Approve tool calls without confirmation")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := common.load()
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return exitError
	}
	// stdout 只输出事件
	logCfg := cfg.Log
	logCfg.OutputPaths = []string{"stderr"}
	logger := initLogger(logCfg)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signalContext()
	defer stop()

	rt, err := orchestrator.NewRuntime(ctx, cfg, orchestrator.RuntimeOptions{
		Sinks: []events.Sink{events.NewJSONLWriter(stdout)},
	}, logger)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to start runtime: %v\n", err)
		return exitError
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = rt.Close(closeCtx)
	}()

	req := orchestrator.RunRequest{TaskID: *task, Agent: *agent, Input: *input}
	if isFlagSet(fs, "auto") {
		req.AutoMode = auto
	}
	res, err := rt.Engine.Run(ctx, req)
	if err != nil {
		fmt.Fprintf(stderr, "Run failed: %v\n", err)
		return exitError
	}
	logger.Info("run result",
		zap.String("status", string(res.Status)),
		zap.Int("steps", res.Steps),
		zap.Duration("duration", res.Duration),
	)
	switch res.Status {
	case orchestrator.RunCompleted:
		return exitOK
	case orchestrator.RunInterrupted:
		return exitInterrupted
	default:
		return exitError
	}
}

func isFlagSet(fs *flag.FlagSet, name string) bool {
	set := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

// =============================================================================
// 🗂️ state / hil / confirm：直接读写存储，不需要推理服务
// =============================================================================

type storeTools struct {
	cfg      *config.Config
	backend  *persistence.Backend
	registry *hierarchy.Registry
	queue    *hitl.Queue
	confirms *gateway.ConfirmationManager
}

func openStoreTools(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*storeTools, error) {
	lib, err := config.NewAgentLibrary(cfg.Agents)
	if err != nil {
		return nil, err
	}
	backend, err := persistence.NewBackend(ctx, cfg.Store, cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	o := cfg.Orchestrator
	return &storeTools{
		cfg:      cfg,
		backend:  backend,
		registry: hierarchy.NewRegistry(backend.Docs, backend.Locks, lib, o.LockTTL, logger),
		queue:    hitl.NewQueue(backend.Docs, o.HILPollInterval, logger),
		confirms: gateway.NewConfirmationManager(backend.Docs, o.ConfirmationTimeout, o.HILPollInterval, logger),
	}, nil
}

// withStore 解析参数、打开存储并执行 fn，fn 的返回值以 JSON 写到 stdout
func withStore(name string, args []string, stdout, stderr io.Writer, define func(fs *flag.FlagSet), fn func(ctx context.Context, st *storeTools) (any, error)) int {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	var common commonFlags
	common.register(fs)
	define(fs)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := common.load()
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return exitError
	}
	logger := initLogger(config.LogConfig{Level: "warn", Format: "console", OutputPaths: []string{"stderr"}})
	defer func() { _ = logger.Sync() }()

	ctx, stop := signalContext()
	defer stop()

	st, err := openStoreTools(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to open store: %v\n", err)
		return exitError
	}
	defer st.backend.Close()

	out, err := fn(ctx, st)
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", name, err)
		return exitError
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(stderr, "failed to write output: %v\n", err)
		return exitError
	}
	return exitOK
}

func cmdState(args []string, stdout, stderr io.Writer) int {
	var task string
	return withStore("state", args, stdout, stderr,
		func(fs *flag.FlagSet) { fs.StringVar(&task, "task", "", "Task identity") },
		func(ctx context.Context, st *storeTools) (any, error) {
			if task == "" {
				return nil, errors.New("--task is required")
			}
			mgr, err := st.registry.Inspect(ctx, task)
			if err != nil {
				return nil, err
			}
			sc := mgr.SharedContext()
			out := orchestrator.TaskState{
				TaskID:       task,
				Stack:        mgr.Stack(),
				Instructions: sc.Instructions,
				Archived:     len(sc.History),
			}
			if tree, ok := mgr.Tree(); ok {
				out.Tree = &tree
			}
			return out, nil
		})
}

func cmdHIL(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "usage: agenttree hil list|respond [options]")
		return exitUsage
	}
	var task, id, response string
	switch args[0] {
	case "list":
		return withStore("hil list", args[1:], stdout, stderr,
			func(fs *flag.FlagSet) { fs.StringVar(&task, "task", "", "Only the pending request of this task") },
			func(ctx context.Context, st *storeTools) (any, error) {
				if task != "" {
					t, err := st.queue.Pending(ctx, task)
					if err != nil {
						return nil, err
					}
					return []*hitl.Task{t}, nil
				}
				return st.queue.List(ctx, hitl.StatusPending)
			})
	case "respond":
		return withStore("hil respond", args[1:], stdout, stderr,
			func(fs *flag.FlagSet) {
				fs.StringVar(&id, "id", "", "HIL id")
				fs.StringVar(&response, "response", "", "Response text")
			},
			func(ctx context.Context, st *storeTools) (any, error) {
				if id == "" {
					return nil, errors.New("--id is required")
				}
				return st.queue.Respond(ctx, id, response)
			})
	default:
		fmt.Fprintf(stderr, "Unknown hil subcommand: %s\n", args[0])
		return exitUsage
	}
}

func cmdConfirm(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "usage: agenttree confirm list|approve|deny [options]")
		return exitUsage
	}
	var task, id string
	switch sub := args[0]; sub {
	case "list":
		return withStore("confirm list", args[1:], stdout, stderr,
			func(fs *flag.FlagSet) { fs.StringVar(&task, "task", "", "Task identity") },
			func(ctx context.Context, st *storeTools) (any, error) {
				if task == "" {
					return nil, errors.New("--task is required")
				}
				return st.confirms.List(ctx, task)
			})
	case "approve", "deny":
		return withStore("confirm "+sub, args[1:], stdout, stderr,
			func(fs *flag.FlagSet) { fs.StringVar(&id, "id", "", "Confirmation id") },
			func(ctx context.Context, st *storeTools) (any, error) {
				if id == "" {
					return nil, errors.New("--id is required")
				}
				return st.confirms.Decide(ctx, id, gateway.Decision(sub))
			})
	default:
		fmt.Fprintf(stderr, "Unknown confirm subcommand: %s\n", sub)
		return exitUsage
	}
}

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func cmdHealth(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "http://localhost:8080", "Server address")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/health")
	if err != nil {
		fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return exitError
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "Health check failed: status %d\n", resp.StatusCode)
		return exitError
	}
	fmt.Fprintln(stdout, "OK")
	return exitOK
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "agenttree %s\n", Version)
	fmt.Fprintf(w, "  Build Time: %s\n", BuildTime)
	fmt.Fprintf(w, "  Git Commit: %s\n", GitCommit)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `agenttree - hierarchical agent orchestration

Usage:
  agenttree <command> [options]

Commands:
  serve     Start the HTTP server
  run       Run one instruction in-process, events as JSONL on stdout
  state     Print the call stack and call tree of a task
  hil       List or respond to human-in-the-loop requests
  confirm   List, approve or deny tool call confirmations
  health    Check server health
  version   Show version information
  help      Show this help message

Common options:
  --config <path>   Path to configuration file (YAML)

Examples:
  agenttree serve --config /etc/agenttree/config.yaml
  agenttree run --task /srv/shop --agent alpha_agent --input "build the shop" --auto
  agenttree hil respond --id 6f1c2d3e-... --response "hardcover"
  agenttree confirm approve --id 0b6e4a1f-...
  agenttree health --addr http://localhost:8080`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		// stdout 留给 run 命令的 JSONL 事件
		outputs = []string{"stderr"}
	}

	zapConfig := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       cfg.Format == "console",
		Encoding:          encoding,
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.EnableStacktrace,
	}

	logger, err := zapConfig.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
