package mockfeed

import (
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/costsentry/costsentry/internal/ingest/costfeed"
)

const defaultPageSize = 500

// Server is a mock provider billing feed speaking the common /v1/costs
// contract. Useful for local development and integration tests without real
// cloud billing exports.
type Server struct {
	state  *State
	router *gin.Engine
	logger *slog.Logger
}

// NewServer creates a new mock feed server
func NewServer(state *State) *Server {
	if state == nil {
		state = NewState()
	}

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		state:  state,
		router: router,
		logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})),
	}

	s.setupRoutes()
	return s
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// State returns the underlying state for test manipulation
func (s *Server) State() *State {
	return s.state
}

// Run starts the server on the given address
func (s *Server) Run(addr string) error {
	return s.router.Run(addr)
}

func (s *Server) setupRoutes() {
	s.router.GET("/v1/costs", s.handleListCosts)

	// Health check
	s.router.GET("/health", s.handleHealth)

	// Test control endpoints
	s.router.POST("/_test/reset", s.handleTestReset)
	s.router.POST("/_test/config", s.handleTestConfig)
	s.router.POST("/_test/records", s.handleTestAddRecords)
	s.router.POST("/_test/spike", s.handleTestSpike)
}

func (s *Server) handleListCosts(c *gin.Context) {
	if status := s.state.FailStatus(); status != 0 {
		c.JSON(status, gin.H{"error": "injected failure"})
		return
	}

	if token := s.state.AuthToken(); token != "" {
		if c.GetHeader("Authorization") != "Bearer "+token {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
	}

	since := time.Time{}
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
			return
		}
		since = t
	}

	pageSize := defaultPageSize
	if raw := c.Query("page_size"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid page_size"})
			return
		}
		pageSize = v
	}

	offset := 0
	if raw := c.Query("page_token"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid page_token"})
			return
		}
		offset = v
	}

	records := s.state.RecordsSince(since)

	if offset > len(records) {
		offset = len(records)
	}
	end := offset + pageSize
	if end > len(records) {
		end = len(records)
	}

	response := costfeed.CostsResponse{Records: records[offset:end]}
	if end < len(records) {
		response.NextPageToken = strconv.Itoa(end)
	}

	s.logger.Debug("served costs page",
		slog.Int("offset", offset),
		slog.Int("returned", len(response.Records)),
		slog.Int("total", len(records)))

	c.JSON(http.StatusOK, response)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleTestReset(c *gin.Context) {
	s.state.Reset()
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

// TestConfigRequest adjusts feed behavior for tests
type TestConfigRequest struct {
	FailStatus int    `json:"fail_status"`
	AuthToken  string `json:"auth_token"`
}

func (s *Server) handleTestConfig(c *gin.Context) {
	var req TestConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.state.SetFailStatus(req.FailStatus)
	s.state.SetAuthToken(req.AuthToken)
	c.JSON(http.StatusOK, gin.H{"status": "configured"})
}

func (s *Server) handleTestAddRecords(c *gin.Context) {
	var records []costfeed.CostRecord
	if err := c.ShouldBindJSON(&records); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.state.AddRecords(records...)
	c.JSON(http.StatusOK, gin.H{"added": len(records)})
}

// TestSpikeRequest injects an immediate cost spike for one service
type TestSpikeRequest struct {
	Service string  `json:"service" binding:"required"`
	Amount  float64 `json:"amount" binding:"required"`
}

func (s *Server) handleTestSpike(c *gin.Context) {
	var req TestSpikeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.state.AddRecords(costfeed.CostRecord{
		Service:   req.Service,
		Timestamp: time.Now().UTC(),
		Amount:    req.Amount,
		Metadata:  map[string]string{"injected": "true"},
	})
	c.JSON(http.StatusOK, gin.H{"status": "spiked"})
}
