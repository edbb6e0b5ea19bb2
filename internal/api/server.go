package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"TokenSwarm/internal/observability/metrics"
	"TokenSwarm/internal/storage/mysql"
	"TokenSwarm/pkg/logger"

	"github.com/gin-gonic/gin"
)

const (
	defaultListLimit = 20
	maxListLimit     = 200
)

// Server 负责暴露 REST 接口。
type Server struct {
	addr    string
	history mysql.RunRepository
	metrics *metrics.Recorder
	engine  *gin.Engine
}

// NewServer 构造 API 服务实例。metrics 为空时不注册 /metrics。
func NewServer(addr string, history mysql.RunRepository, recorder *metrics.Recorder) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{addr: addr, history: history, metrics: recorder}

	engine := gin.New()
	engine.Use(gin.Recovery(), s.observe())
	engine.GET("/healthz", s.handleHealth)
	v1 := engine.Group("/api/v1")
	v1.GET("/runs", s.handleListRuns)
	v1.GET("/runs/:id", s.handleRunDetail)
	if recorder != nil {
		engine.GET("/metrics", gin.WrapH(recorder.Handler()))
	}
	s.engine = engine
	return s
}

// Handler 返回底层 HTTP 处理器，便于测试。
func (s *Server) Handler() http.Handler { return s.engine }

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Named("api").Info("HTTP 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleListRuns(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "运行历史未启用"})
		return
	}

	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = min(parsed, maxListLimit)
		}
	}

	runs, err := s.history.ListLatest(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if runs == nil {
		runs = []mysql.RunRecord{}
	}
	c.JSON(http.StatusOK, runs)
}

func (s *Server) handleRunDetail(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "运行历史未启用"})
		return
	}

	run, err := s.history.Get(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, mysql.ErrRunNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "运行记录不存在"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, run)
	}
}

// observe 记录每个请求的状态码与耗时。
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		s.metrics.ObserveHTTPRequest(route, c.Request.Method, c.Writer.Status(), time.Since(started))
	}
}
