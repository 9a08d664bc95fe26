package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/agenttree/api/handlers"
	"github.com/BaSui01/agenttree/config"
	"github.com/BaSui01/agenttree/internal/server"
	"github.com/BaSui01/agenttree/internal/telemetry"
	"github.com/BaSui01/agenttree/orchestrator"
)

// poolStatsInterval SQL 连接池指标上报间隔
const poolStatsInterval = 15 * time.Second

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 持有运行时与 HTTP / Metrics 两个服务
type Server struct {
	cfg      *config.Config
	logger   *zap.Logger
	runtime  *orchestrator.Runtime
	gatherer prometheus.Gatherer

	handler        http.Handler
	httpManager    *server.Manager
	metricsManager *server.Manager

	// streamsDone 关闭后事件流连接全部退出，HTTP 优雅关闭不必等它们超时
	streamsDone chan struct{}
	stopLimiter context.CancelFunc
}

// NewServer 装配运行时并构建路由
func NewServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	rt, err := orchestrator.NewRuntime(ctx, cfg, orchestrator.RuntimeOptions{Registerer: reg}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build runtime: %w", err)
	}
	return newServer(cfg, rt, reg, logger), nil
}

func newServer(cfg *config.Config, rt *orchestrator.Runtime, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	limiterCtx, stopLimiter := context.WithCancel(context.Background())
	s := &Server{
		cfg:         cfg,
		logger:      logger,
		runtime:     rt,
		gatherer:    gatherer,
		streamsDone: make(chan struct{}),
		stopLimiter: stopLimiter,
	}

	metricsHandler := promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	mux := s.routes()
	if cfg.Server.MetricsPort == 0 {
		mux.Handle("GET /metrics", metricsHandler)
	} else {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("GET /metrics", metricsHandler)
		s.metricsManager = server.NewManager("metrics", metricsMux, server.ConfigFrom(cfg.Server, cfg.Server.MetricsPort), logger)
	}
	s.handler = s.middleware(limiterCtx, mux)
	s.httpManager = server.NewManager("api", s.handler, server.ConfigFrom(cfg.Server, cfg.Server.HTTPPort), logger)
	return s
}

// =============================================================================
// 🌐 路由
// =============================================================================

func (s *Server) routes() *http.ServeMux {
	rt := s.runtime

	health := handlers.NewHealthHandler(s.logger).
		WithVersion(Version).
		WithRunCounter(func() int { return len(rt.Engine.Active()) })
	health.RegisterCheck(handlers.NewStoreHealthCheck(string(rt.Backend.Type), rt.Backend.Docs))
	if rt.Backend.Pool != nil {
		health.RegisterCheck(handlers.NewPingCheck("db_pool", rt.Backend.Pool.Ping))
	}

	tasks := handlers.NewTaskHandler(rt.Engine, s.logger)
	stream := handlers.NewEventHandler(rt.Hub, handlers.EventHandlerOptions{
		AllowedOrigins: s.cfg.Server.CORSAllowedOrigins,
		Done:           s.streamsDone,
	}, s.logger)
	hil := handlers.NewHILHandler(rt.HIL, rt.Metrics, s.logger)
	confirms := handlers.NewConfirmHandler(rt.Confirmations, s.logger)

	mux := http.NewServeMux()

	// 健康检查
	mux.HandleFunc("GET /health", health.HandleHealth)
	mux.HandleFunc("GET /healthz", health.HandleHealthz)
	mux.HandleFunc("GET /ready", health.HandleReady)
	mux.HandleFunc("GET /readyz", health.HandleReady)
	mux.HandleFunc("GET /version", health.HandleVersion(Version, BuildTime, GitCommit))

	// 任务
	mux.HandleFunc("POST /api/tasks/run", tasks.HandleRun)
	mux.HandleFunc("POST /api/tasks/stop", tasks.HandleStop)
	mux.HandleFunc("GET /api/tasks/state", tasks.HandleState)
	mux.HandleFunc("GET /api/tasks/events", stream.HandleSSE)
	mux.HandleFunc("GET /api/tasks/ws", stream.HandleWebSocket)

	// 人工介入
	mux.HandleFunc("GET /api/hil/workspace", hil.HandleWorkspace)
	mux.HandleFunc("GET /api/hil/{hil_id}", hil.HandleGet)
	mux.HandleFunc("POST /api/hil/respond", hil.HandleRespond)

	// 工具确认
	mux.HandleFunc("GET /api/confirm", confirms.HandleList)
	mux.HandleFunc("POST /api/confirm/{confirm_id}", confirms.HandleDecide)

	return mux
}

func (s *Server) middleware(ctx context.Context, h http.Handler) http.Handler {
	skipAuthPaths := []string{"/health", "/healthz", "/ready", "/readyz", "/version", "/metrics"}
	return Chain(h,
		Recovery(s.logger),
		RequestID(),
		OTelTracing(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.runtime.Metrics),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		RateLimiter(ctx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger),
		JWTAuth(s.cfg.JWT, skipAuthPaths, s.logger),
	)
}

// =============================================================================
// 🚀 运行与关闭
// =============================================================================

// Run 阻塞到 ctx 取消，随后停止所有运行并关闭服务
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.httpManager.Run(gctx) })
	if s.metricsManager != nil {
		g.Go(func() error { return s.metricsManager.Run(gctx) })
	}
	g.Go(func() error {
		s.runtime.ReportPoolStats(gctx, poolStatsInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		// 先停止运行，已连接的事件流能收到 end(interrupted)，再断开事件流
		stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := s.runtime.Engine.Shutdown(stopCtx); err != nil {
			s.logger.Warn("runs did not stop before shutdown deadline", zap.Error(err))
		}
		close(s.streamsDone)
		return nil
	})

	s.logger.Info("agenttree serving",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.String("store", string(s.runtime.Backend.Type)),
	)

	err := g.Wait()
	s.stopLimiter()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	if cerr := s.runtime.Close(shutdownCtx); cerr != nil {
		s.logger.Error("runtime shutdown error", zap.Error(cerr))
	}
	return err
}

// runServe 加载配置、初始化日志与遥测并运行服务直到收到信号
func runServe(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	providers, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	defer func() {
		if providers == nil {
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown error", zap.Error(err))
		}
	}()

	srv, err := NewServer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}
