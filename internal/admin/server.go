// Package admin exposes the listener manager and the operational state over
// a token-protected HTTP API, and provides the client the CLI uses.
package admin

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"relaybot/internal/breaker"
	"relaybot/internal/bus"
	"relaybot/internal/grouplog"
	"relaybot/internal/listener"

	"github.com/gin-gonic/gin"
)

const (
	apiPrefix          = "/api"
	DefaultMetricsPath = "/metrics"
	shutdownTimeout    = 10 * time.Second
)

// Response codes carried in the envelope.
const (
	CodeOK     = 0
	CodeFailed = 1
)

// Response is the envelope every route answers with.
type Response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Listeners is the subset of listener.Manager the API drives.
type Listeners interface {
	Status(ctx context.Context) listener.StatusReport
	Add(ctx context.Context, name string, opts listener.AddOptions) listener.Result
	Remove(ctx context.Context, name string, opts listener.RemoveOptions) listener.Result
	Reset(ctx context.Context, name string) listener.ResetResult
	Refresh(ctx context.Context) listener.RefreshReport
	ResetAll(ctx context.Context) listener.ResetAllReport
}

type BreakerView interface {
	Snapshot() breaker.State
}

type GroupLog interface {
	Recent(ctx context.Context, chat string, limit int) ([]grouplog.Entry, error)
}

type ServerConfig struct {
	Host  string
	Port  int
	Token string

	Listeners Listeners
	Breaker   BreakerView
	// GroupLog and Events are optional.
	GroupLog GroupLog
	Events   *bus.EventBus

	// Metrics is served at MetricsPath when set.
	Metrics     http.Handler
	MetricsPath string
	Logger      *slog.Logger
}

type Server struct {
	cfg     ServerConfig
	engine  *gin.Engine
	httpSrv *http.Server
	logger  *slog.Logger
	startAt time.Time
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = DefaultMetricsPath
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{cfg: cfg, logger: cfg.Logger, startAt: time.Now()}
	s.engine = s.routes()
	return s
}

// Handler returns the router; tests drive it with httptest.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("admin api listening", "addr", s.Addr(), "auth", s.cfg.Token != "")
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin server: %w", err)
	}
	return nil
}

func (s *Server) routes() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLog())

	engine.GET("/ping", s.ping)
	if s.cfg.Metrics != nil {
		engine.GET(s.cfg.MetricsPath, gin.WrapH(s.cfg.Metrics))
	}

	api := engine.Group(apiPrefix, s.authMiddleware())
	api.GET("/listeners", s.listStatus)
	api.POST("/listeners", s.addListener)
	api.DELETE("/listeners/:chat", s.removeListener)
	api.POST("/listeners/refresh", s.refresh)
	api.POST("/listeners/reset-all", s.resetAll)
	api.POST("/listeners/:chat/reset", s.resetListener)
	api.GET("/breaker", s.breakerState)
	api.GET("/group-messages", s.groupMessages)
	api.GET("/events", s.events)
	return engine
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.Token == "" {
			c.Next()
			return
		}
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if token == "" {
			token = c.Query("token")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Token)) != 1 {
			abort(c, http.StatusUnauthorized, "invalid token")
			return
		}
		c.Next()
	}
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("admin request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func (s *Server) ping(c *gin.Context) {
	c.JSON(http.StatusOK, Response{Code: CodeOK, Message: "pong", Data: gin.H{
		"uptime": time.Since(s.startAt).Round(time.Second).String(),
	}})
}

func (s *Server) listStatus(c *gin.Context) {
	ok(c, "", s.cfg.Listeners.Status(c.Request.Context()))
}

type addRequest struct {
	Chat string `json:"chat"`
}

func (s *Server) addListener(c *gin.Context) {
	var req addRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "invalid body")
		return
	}
	if strings.TrimSpace(req.Chat) == "" {
		abort(c, http.StatusBadRequest, "chat required")
		return
	}
	res := s.cfg.Listeners.Add(c.Request.Context(), req.Chat, listener.AddOptions{})
	result(c, res.Success, res.Message, res)
}

func (s *Server) removeListener(c *gin.Context) {
	res := s.cfg.Listeners.Remove(c.Request.Context(), c.Param("chat"), listener.RemoveOptions{})
	result(c, res.Success, res.Message, res)
}

func (s *Server) resetListener(c *gin.Context) {
	res := s.cfg.Listeners.Reset(c.Request.Context(), c.Param("chat"))
	result(c, res.Success, res.Message, res)
}

func (s *Server) refresh(c *gin.Context) {
	rep := s.cfg.Listeners.Refresh(c.Request.Context())
	msg := fmt.Sprintf("%d/%d healthy after refresh", rep.SuccessCount, rep.Total)
	result(c, rep.FailCount == 0, msg, rep)
}

func (s *Server) resetAll(c *gin.Context) {
	rep := s.cfg.Listeners.ResetAll(c.Request.Context())
	result(c, rep.Success, rep.Message, rep)
}

func (s *Server) breakerState(c *gin.Context) {
	if s.cfg.Breaker == nil {
		abort(c, http.StatusNotFound, "breaker not configured")
		return
	}
	ok(c, "", s.cfg.Breaker.Snapshot())
}

func (s *Server) groupMessages(c *gin.Context) {
	if s.cfg.GroupLog == nil {
		abort(c, http.StatusNotFound, "group log disabled")
		return
	}
	limit := grouplog.DefaultRecentLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			abort(c, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	entries, err := s.cfg.GroupLog.Recent(c.Request.Context(), c.Query("chat"), limit)
	if err != nil {
		s.logger.Error("group log query failed", "err", err)
		abort(c, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []grouplog.Entry{}
	}
	ok(c, "", entries)
}

func (s *Server) events(c *gin.Context) {
	if s.cfg.Events == nil {
		abort(c, http.StatusNotFound, "event bus not configured")
		return
	}
	var since time.Time
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			abort(c, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = t
	}
	evs := s.cfg.Events.Replay(c.Query("type"), since)
	if evs == nil {
		evs = []bus.Event{}
	}
	ok(c, "", evs)
}

func ok(c *gin.Context, msg string, data any) {
	if msg == "" {
		msg = "ok"
	}
	c.JSON(http.StatusOK, Response{Code: CodeOK, Message: msg, Data: data})
}

// result reports an operation that ran; a failed operation is still a
// successful request.
func result(c *gin.Context, success bool, msg string, data any) {
	code := CodeOK
	if !success {
		code = CodeFailed
	}
	c.JSON(http.StatusOK, Response{Code: code, Message: msg, Data: data})
}

func abort(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, Response{Code: status, Message: msg})
}
