// Package api exposes the chat pipeline over HTTP under /api/v1/chat, plus a
// per-session WebSocket live feed and operational endpoints.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/shirou/gopsutil/process"

	"github.com/dayuer/supportbot/internal/chatbot"
	"github.com/dayuer/supportbot/internal/livefeed"
)

// Prefix is the base path of every chat route.
const Prefix = "/api/v1/chat"

// StatsSource is anything that reports counters for /stats.
type StatsSource interface {
	Stats() map[string]any
}

// Config configures a Server.
type Config struct {
	Host   string
	Port   int
	APIKey string // empty disables auth

	Service *chatbot.Service
	Feed    *livefeed.Hub // optional; nil disables /ws

	// Sources are reported by /stats under their key ("broker", "consumers", ...).
	Sources map[string]StatsSource
	Log     *slog.Logger
}

// Server is the HTTP surface of the support bot.
type Server struct {
	addr    string
	apiKey  string
	svc     *chatbot.Service
	feed    *livefeed.Hub
	sources map[string]StatsSource
	log     *slog.Logger
	echo    *echo.Echo
	proc    *process.Process

	activeRequests atomic.Int64
	totalRequests  atomic.Int64
	failedRequests atomic.Int64
	totalLatencyMs atomic.Int64
	recent         *latencyWindow
	startTime      time.Time
}

// NewServer builds the echo instance and registers every route.
func NewServer(cfg Config) *Server {
	s := &Server{
		addr:      fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		apiKey:    cfg.APIKey,
		svc:       cfg.Service,
		feed:      cfg.Feed,
		sources:   cfg.Sources,
		log:       cfg.Log,
		recent:    newLatencyWindow(time.Minute),
		startTime: time.Now(),
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		s.proc = p
	} else {
		s.log.Warn("Process stats unavailable", "err", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			s.log.Debug("HTTP request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(s.countRequests)

	g := e.Group(Prefix)
	g.GET("/health", s.handleHealth)

	g.POST("/send", s.handleSend, s.withAuth)
	g.GET("/history/:sessionId", s.handleHistory, s.withAuth)
	g.POST("/:sessionId/mark-read", s.handleMarkRead, s.withAuth)
	g.POST("/:sessionId/transfer", s.handleTransfer, s.withAuth)
	g.POST("/:sessionId/agent-reply", s.handleAgentReply, s.withAuth)
	g.GET("/sessions/active", s.handleActiveSessions, s.withAuth)
	g.GET("/test", s.handleTest, s.withAuth)
	g.GET("/stats", s.handleStats, s.withAuth)
	if s.feed != nil {
		g.GET("/ws/:sessionId", s.handleWS, s.withAuth)
	}

	s.echo = e
	return s
}

// Handler returns the root http.Handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.log.Info("HTTP API listening", "addr", s.addr, "prefix", Prefix)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("HTTP shutdown failed", "err", err)
		}
	}()

	if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// --- Middleware ---

func (s *Server) withAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.apiKey == "" {
			return next(c)
		}
		auth := c.Request().Header.Get(echo.HeaderAuthorization)
		// browsers cannot set headers on WebSocket upgrades
		if auth == "" && websocketUpgrade(c.Request()) {
			auth = "Bearer " + c.QueryParam("token")
		}
		if auth != "Bearer "+s.apiKey {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}
		return next(c)
	}
}

func (s *Server) countRequests(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		s.activeRequests.Add(1)
		s.totalRequests.Add(1)
		start := time.Now()
		defer func() {
			elapsed := time.Since(start)
			s.activeRequests.Add(-1)
			s.totalLatencyMs.Add(elapsed.Milliseconds())
			s.recent.record(elapsed)
		}()

		err := next(c)
		if err != nil || c.Response().Status >= http.StatusInternalServerError {
			s.failedRequests.Add(1)
		}
		return err
	}
}

func websocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get(echo.HeaderUpgrade), "websocket")
}

// --- Stats ---

func (s *Server) requestStats() map[string]any {
	total := s.totalRequests.Load()
	avg := int64(0)
	if total > 0 {
		avg = s.totalLatencyMs.Load() / total
	}
	return map[string]any{
		"active":       s.activeRequests.Load(),
		"total":        total,
		"failed":       s.failedRequests.Load(),
		"avgLatencyMs": avg,
		"recent":       s.recent.summary(),
	}
}

func (s *Server) processStats() map[string]any {
	out := map[string]any{"pid": os.Getpid()}
	if s.proc == nil {
		return out
	}
	if mem, err := s.proc.MemoryInfo(); err == nil {
		out["rssBytes"] = mem.RSS
	}
	if cpu, err := s.proc.CPUPercent(); err == nil {
		out["cpuPercent"] = cpu
	}
	return out
}
