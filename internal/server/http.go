// Package server provides the broker's transports. Each one decodes
// JSON-RPC off the wire, classifies the caller into a ClientContext, hands
// the request to the dispatcher, and writes the response back: a
// line-delimited loop on the process's standard streams, and a gin server
// carrying REST, Server-Sent-Events, and WebSocket traffic.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agenthive/agenthive/internal/common/config"
	"github.com/agenthive/agenthive/internal/common/httpmw"
	"github.com/agenthive/agenthive/internal/common/logger"
	"github.com/agenthive/agenthive/internal/coordination/registry"
	"github.com/agenthive/agenthive/internal/dispatch"
	"github.com/agenthive/agenthive/internal/events"
	"github.com/agenthive/agenthive/internal/events/bus"
	"github.com/agenthive/agenthive/internal/session"
	"github.com/agenthive/agenthive/pkg/jsonrpc"
)

const (
	// sessionHeader carries the bearer token minted at registration.
	sessionHeader = "MCP-Session-Id"

	// sseKeepalive is how often an idle stream gets a comment line so
	// proxies do not reap the connection.
	sseKeepalive = 15 * time.Second

	// ctxKeySessionAgent stores the validated session's agent id on the
	// gin context.
	ctxKeySessionAgent = "session_agent_id"
)

// HTTPServer is the remote transport: REST endpoints, an SSE event stream,
// and the WebSocket upgrade, all in front of the dispatcher.
type HTTPServer struct {
	config     config.ServerConfig
	modes      config.InterfaceModes
	dispatcher *dispatch.Dispatcher
	registry   *registry.Registry
	sessions   *session.Manager
	eventBus   bus.EventBus
	logger     *logger.Logger

	engine *gin.Engine
	server *http.Server
}

// NewHTTPServer builds the gin engine and routes. Which route groups exist
// depends on the configured interface modes: REST+SSE for http, the
// upgrade endpoint for websocket. eventBus may be nil; the stream endpoint
// then only emits keepalives.
func NewHTTPServer(cfg config.ServerConfig, d *dispatch.Dispatcher, reg *registry.Registry, sessions *session.Manager, eventBus bus.EventBus, log *logger.Logger) *HTTPServer {
	s := &HTTPServer{
		config:     cfg,
		modes:      cfg.Modes(),
		dispatcher: d,
		registry:   reg,
		sessions:   sessions,
		eventBus:   eventBus,
		logger:     log.WithFields(zap.String("component", "http-transport")),
	}
	s.engine = s.setupRoutes(log)
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     s.engine,
		ReadTimeout: cfg.ReadTimeoutDuration(),
		// No write timeout: the stream and websocket endpoints hold the
		// response open indefinitely.
	}
	return s
}

func (s *HTTPServer) setupRoutes(log *logger.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(s.protocolHeaders())
	router.Use(httpmw.RequestLogger(log, "mcp-http"))
	router.Use(httpmw.OtelTracing("agenthive-http"))

	router.GET("/health", s.handleHealth)

	if s.modes.HTTP {
		mcp := router.Group("/mcp", s.sessionGuard())
		mcp.GET("/capabilities", s.handleCapabilities)
		mcp.GET("/tools", s.handleListTools)
		mcp.POST("/tools/:name", s.handleCallTool)
		mcp.POST("/request", s.handleRawRequest)
		mcp.GET("/stream", s.handleStream)

		router.GET("/agents", s.sessionGuard(), s.handleAgents)
	}

	if s.modes.WebSocket {
		router.GET("/mcp/ws", s.sessionGuard(), s.handleWebSocket)
	}

	return router
}

// Handler exposes the engine, mainly for tests.
func (s *HTTPServer) Handler() http.Handler {
	return s.engine
}

// Start serves until Shutdown is called. A bind failure is returned so
// startup can treat it as fatal.
func (s *HTTPServer) Start() error {
	s.logger.Info("http transport listening",
		zap.String("addr", s.server.Addr),
		zap.Bool("rest", s.modes.HTTP),
		zap.Bool("websocket", s.modes.WebSocket))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http transport failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until the context expires.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// corsMiddleware opens the HTTP surface to browser-based agents and
// dashboards.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, MCP-Session-Id, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// protocolHeaders stamps every response with the MCP revision and the
// server identity.
func (s *HTTPServer) protocolHeaders() gin.HandlerFunc {
	serverHeader := fmt.Sprintf("%s/%s", dispatch.ServerName, dispatch.ServerVersion)
	return func(c *gin.Context) {
		c.Header("MCP-Protocol-Version", jsonrpc.ProtocolVersion)
		c.Header("Server", serverHeader)
		c.Next()
	}
}

// sessionGuard validates the MCP-Session-Id header when the caller sends
// one. Requests without the header pass through: an agent cannot hold a
// token before register_agent mints one.
func (s *HTTPServer) sessionGuard() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader(sessionHeader)
		if token == "" {
			c.Next()
			return
		}
		sess, err := s.sessions.Validate(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "auth_required",
				"message": "invalid or expired session token",
			})
			return
		}
		c.Set(ctxKeySessionAgent, sess.AgentID)
		c.Next()
	}
}

// clientContext classifies the caller of one HTTP request.
func (s *HTTPServer) clientContext(c *gin.Context) *session.ClientContext {
	clientCtx := session.HTTPContext(
		c.Request.RemoteAddr,
		c.Request.TLS != nil,
		c.GetHeader("Origin"),
		c.Request.UserAgent())
	if agentID, ok := c.Get(ctxKeySessionAgent); ok {
		clientCtx.SessionAgentID, _ = agentID.(string)
	}
	return clientCtx
}

func (s *HTTPServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"service":   dispatch.ServerName,
		"version":   dispatch.ServerVersion,
		"mode":      s.config.InterfaceMode,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *HTTPServer) handleCapabilities(c *gin.Context) {
	clientCtx := s.clientContext(c)
	result := s.dispatcher.InitializeResult()
	result["connection"] = map[string]interface{}{
		"type":           string(clientCtx.ConnectionType),
		"security_level": string(clientCtx.SecurityLevel),
	}
	c.JSON(http.StatusOK, result)
}

func (s *HTTPServer) handleListTools(c *gin.Context) {
	tools := s.dispatcher.VisibleTools(s.clientContext(c))
	c.JSON(http.StatusOK, gin.H{
		"tools": tools,
		"count": len(tools),
	})
}

// handleCallTool is the REST shortcut for one tool invocation: the body is
// the arguments object.
func (s *HTTPServer) handleCallTool(c *gin.Context) {
	name := c.Param("name")

	var args map[string]interface{}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &args); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("arguments must be a JSON object: %v", err)})
			return
		}
	}

	req, err := jsonrpc.NewRequest(uuid.New().String(), jsonrpc.MethodToolsCall, map[string]interface{}{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := s.dispatcher.Handle(c.Request.Context(), req, s.clientContext(c))
	if resp == nil {
		c.Status(http.StatusAccepted)
		return
	}
	if resp.Error != nil {
		c.JSON(httpStatusFor(resp.Error.Code), gin.H{
			"error": resp.Error.Message,
			"code":  resp.Error.Code,
			"data":  resp.Error.Data,
		})
		return
	}
	c.JSON(http.StatusOK, resp.Result)
}

// handleRawRequest accepts a full JSON-RPC envelope and answers in kind.
// JSON-RPC errors still travel in a 200 response; only the envelope itself
// failing to parse is a transport-level error.
func (s *HTTPServer) handleRawRequest(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	var req jsonrpc.Request
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusOK, jsonrpc.NewErrorResponse(nil, jsonrpc.ParseError,
			fmt.Sprintf("parse error: %v", err)))
		return
	}

	resp := s.dispatcher.Handle(c.Request.Context(), &req, s.clientContext(c))
	if resp == nil {
		// Notification: acknowledged, nothing to say.
		c.Status(http.StatusAccepted)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// handleStream serves the SSE feed: a connected event, then every bus
// event, with comment keepalives in between.
func (s *HTTPServer) handleStream(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	feed := make(chan *bus.Event, 64)
	if s.eventBus != nil {
		sub, err := s.eventBus.Subscribe(events.BuildAllSubjectsWildcard(), func(ctx context.Context, e *bus.Event) error {
			select {
			case feed <- e:
			default:
				// Slow consumer; dropping beats stalling the bus.
			}
			return nil
		})
		if err != nil {
			s.logger.Error("stream subscription failed", zap.Error(err))
		} else {
			defer func() { _ = sub.Unsubscribe() }()
		}
	}

	writeSSE(c, "connected", map[string]interface{}{
		"server":    dispatch.ServerName,
		"version":   dispatch.ServerVersion,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})

	ticker := time.NewTicker(sseKeepalive)
	defer ticker.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case event := <-feed:
			writeSSE(c, event.Type, event)
		case <-ticker.C:
			fmt.Fprint(c.Writer, ": keepalive\n\n")
			c.Writer.Flush()
		}
	}
}

func writeSSE(c *gin.Context, eventType string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", eventType, data)
	c.Writer.Flush()
}

func (s *HTTPServer) handleAgents(c *gin.Context) {
	agents := s.registry.AgentsAPI()
	c.JSON(http.StatusOK, gin.H{
		"agents": agents,
		"count":  len(agents),
	})
}

// httpStatusFor maps JSON-RPC error codes onto REST statuses for the
// /mcp/tools/:name shortcut.
func httpStatusFor(code int) int {
	switch code {
	case jsonrpc.InvalidParams, jsonrpc.InvalidRequest, jsonrpc.ParseError, jsonrpc.HandlerError:
		return http.StatusBadRequest
	case jsonrpc.MethodNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
