package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nanoclaw/nanoclaw/pkg/agent"
	"github.com/nanoclaw/nanoclaw/pkg/logger"
	"github.com/nanoclaw/nanoclaw/pkg/providers"
)

// Agent is the session-keyed view of the agent the gateway serves.
// *agent.LoopPool implements it.
type Agent interface {
	Process(ctx context.Context, sessionID, text string) (*agent.AgentResponse, error)
	History(sessionID string) []providers.Message
	Clear(sessionID string)
}

type TaskLister interface {
	ListTasks(status agent.TaskStatus) []agent.SubagentTask
}

type ServerOptions struct {
	Host     string
	Port     int
	Agent    Agent
	Tasks    TaskLister
	Gatherer prometheus.Gatherer
	// Status, when set, backs GET /v1/status.
	Status func() map[string]interface{}
}

type Server struct {
	agent    Agent
	tasks    TaskLister
	status   func() map[string]interface{}
	engine   *gin.Engine
	upgrader websocket.Upgrader
	addr     string
}

type messageRequest struct {
	Content string `json:"content"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func NewServer(opts ServerOptions) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		agent:  opts.Agent,
		tasks:  opts.Tasks,
		status: opts.Status,
		engine: gin.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		addr: net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)),
	}
	s.engine.Use(gin.Recovery(), requestLogger())

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s.setupRoutes(gatherer)
	return s
}

func (s *Server) setupRoutes(gatherer prometheus.Gatherer) {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := s.engine.Group("/v1")
	{
		v1.GET("/status", s.handleStatus)
		v1.GET("/subagents", s.handleListSubagents)

		sessions := v1.Group("/sessions/:id")
		sessions.POST("/messages", s.handleMessage)
		sessions.GET("/history", s.handleHistory)
		sessions.DELETE("/history", s.handleClearHistory)
		sessions.GET("/ws", s.handleWebSocket)
	}
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) Addr() string {
	return s.addr
}

// Run serves HTTP until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.InfoCF("gateway", "HTTP server listening", map[string]interface{}{"addr": s.addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return <-errCh
}

func (s *Server) handleMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Content) == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "content is required"})
		return
	}

	resp, err := s.agent.Process(c.Request.Context(), c.Param("id"), req.Content)
	if err != nil {
		logger.ErrorCF("gateway", "Failed to process message", map[string]interface{}{
			"session": c.Param("id"),
			"error":   err.Error(),
		})
		c.JSON(http.StatusBadGateway, errorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleHistory(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"session_id": c.Param("id"),
		"messages":   s.agent.History(c.Param("id")),
	})
}

func (s *Server) handleClearHistory(c *gin.Context) {
	s.agent.Clear(c.Param("id"))
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListSubagents(c *gin.Context) {
	if s.tasks == nil {
		c.JSON(http.StatusOK, gin.H{"tasks": []agent.SubagentTask{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": s.tasks.ListTasks(agent.TaskStatus(c.Query("status")))})
}

func (s *Server) handleStatus(c *gin.Context) {
	if s.status == nil {
		c.JSON(http.StatusOK, gin.H{"running": true})
		return
	}
	c.JSON(http.StatusOK, s.status())
}

// handleWebSocket answers each {"content": ...} frame with an AgentResponse
// frame, or {"error": ...} when the message cannot be processed.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.WarnCF("gateway", "WebSocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}
	defer conn.Close()

	sessionID := c.Param("id")
	ctx := c.Request.Context()
	for {
		var req messageRequest
		if err := conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.DebugCF("gateway", "WebSocket read ended", map[string]interface{}{"error": err.Error()})
			}
			return
		}
		if strings.TrimSpace(req.Content) == "" {
			if err := conn.WriteJSON(errorResponse{Error: "content is required"}); err != nil {
				return
			}
			continue
		}

		resp, err := s.agent.Process(ctx, sessionID, req.Content)
		if err != nil {
			err = conn.WriteJSON(errorResponse{Error: err.Error()})
		} else {
			err = conn.WriteJSON(resp)
		}
		if err != nil {
			return
		}
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.DebugCF("gateway", "HTTP request", map[string]interface{}{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		})
	}
}
