package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"runtime/debug"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/costsentry/costsentry/internal/logging"
	"github.com/costsentry/costsentry/internal/metrics"
	"github.com/costsentry/costsentry/internal/storage"
	"github.com/costsentry/costsentry/pkg/models"
)

// AnomalyReader is the anomaly query surface the API needs
type AnomalyReader interface {
	Get(ctx context.Context, id string) (*models.Anomaly, error)
	List(ctx context.Context, filter storage.AnomalyFilter) ([]*models.Anomaly, error)
}

// ActionReader is the action query surface the API needs
type ActionReader interface {
	Get(ctx context.Context, id string) (*models.Action, error)
	List(ctx context.Context, filter storage.ActionFilter) ([]*models.Action, error)
}

// Lifecycle is the mutation surface the API needs. All status changes go
// through it, never through the stores directly.
type Lifecycle interface {
	Approve(ctx context.Context, id, approver string) (*models.Action, error)
	Reject(ctx context.Context, id, approver string) (*models.Action, error)
	BeginExecution(ctx context.Context, id, workflowRef string) (*models.Action, error)
	CompleteExecution(ctx context.Context, id string, outcome models.ActionStatus) (*models.Action, error)
}

// SampleStore is the sample surface the API needs
type SampleStore interface {
	Append(ctx context.Context, sample *models.CostSample) error
	GetSummary(ctx context.Context, query models.CostQuery) (*models.CostSummary, error)
}

// Server is the HTTP API server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	logger     *slog.Logger

	anomalies AnomalyReader
	actions   ActionReader
	lifecycle Lifecycle
	samples   SampleStore

	// Component liveness checks reported by /health
	statusChecks map[string]func() bool

	host string
	port int

	// Readiness state (atomic for thread-safe access)
	ready atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithHost sets the server host
func WithHost(host string) Option {
	return func(s *Server) {
		s.host = host
	}
}

// WithPort sets the server port
func WithPort(port int) Option {
	return func(s *Server) {
		s.port = port
	}
}

// WithStatusCheck registers a named component liveness check for /health
func WithStatusCheck(name string, check func() bool) Option {
	return func(s *Server) {
		s.statusChecks[name] = check
	}
}

// New creates a new API server
func New(
	anomalies AnomalyReader,
	actions ActionReader,
	lifecycle Lifecycle,
	samples SampleStore,
	opts ...Option,
) *Server {
	s := &Server{
		logger:       slog.Default(),
		anomalies:    anomalies,
		actions:      actions,
		lifecycle:    lifecycle,
		samples:      samples,
		statusChecks: make(map[string]func() bool),
		host:         "0.0.0.0",
		port:         8080,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.setupRouter()
	return s
}

// SetReady sets the server readiness state
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
	s.logger.Info("server readiness changed", slog.Bool("ready", ready))
}

// IsReady returns whether the server is ready to accept traffic
func (s *Server) IsReady() bool {
	return s.ready.Load()
}

// setupRouter configures the Gin router
func (s *Server) setupRouter() {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(s.requestIDMiddleware())
	router.Use(s.metricsMiddleware())
	router.Use(s.bodySizeLimitMiddleware(1 << 20)) // 1MB limit
	router.Use(s.loggingMiddleware())
	router.Use(s.recoveryMiddleware())

	// Health and readiness endpoints
	router.GET("/health", s.handleHealth)
	router.GET("/ready", s.handleReady)

	// Prometheus metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API v1 routes
	v1 := router.Group("/api/v1")
	{
		// Anomalies
		v1.GET("/anomalies", s.handleListAnomalies)
		v1.GET("/anomalies/:id", s.handleGetAnomaly)

		// Actions
		v1.GET("/actions", s.handleListActions)
		v1.GET("/actions/:id", s.handleGetAction)
		v1.POST("/actions/:id/approve", s.handleApproveAction)
		v1.POST("/actions/:id/reject", s.handleRejectAction)

		// Orchestrator callbacks
		v1.POST("/callbacks/execution-started", s.handleExecutionStarted)
		v1.POST("/callbacks/execution", s.handleExecutionCallback)

		// Costs
		v1.GET("/costs/summary", s.handleGetCostSummary)
		v1.POST("/samples", s.handleIngestSample)
	}

	s.router = router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	s.logger.Info("starting API server", slog.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// Router returns the Gin router (for testing)
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Middleware

// validRequestIDRegex allows alphanumeric, dots, underscores, and hyphens up to 128 chars.
var validRequestIDRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,128}$`)

func isValidRequestID(id string) bool {
	return id != "" && validRequestIDRegex.MatchString(id)
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if !isValidRequestID(requestID) {
			requestID = uuid.New().String()
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)

		// Thread the ID through the request context so audit logs from the
		// lifecycle engine carry it
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		// Use the matched route pattern for consistent path labels
		// This prevents high cardinality from path parameters like /actions/:id
		path := c.FullPath()
		if path == "" {
			// Fallback for unmatched routes (404s)
			path = "unmatched"
		}

		duration := time.Since(start)
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method

		metrics.RecordHTTPRequest(method, path, status, duration)
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		s.logger.Info("request completed",
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.Int("status", status),
			slog.Duration("latency", latency),
			slog.String("request_id", c.GetString("request_id")),
			slog.String("client_ip", c.ClientIP()))
	}
}

func (s *Server) recoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				stack := string(debug.Stack())
				s.logger.Error("panic recovered",
					slog.Any("error", err),
					slog.String("stack", stack),
					slog.String("request_id", c.GetString("request_id")))

				c.JSON(http.StatusInternalServerError, ErrorResponse{
					Error:     "internal server error",
					RequestID: c.GetString("request_id"),
				})
				c.Abort()
			}
		}()
		c.Next()
	}
}

func (s *Server) bodySizeLimitMiddleware(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}
