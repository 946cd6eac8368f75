package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agenthive/agenthive/internal/common/logger"
	"github.com/agenthive/agenthive/internal/dispatch"
	"github.com/agenthive/agenthive/internal/session"
	"github.com/agenthive/agenthive/pkg/jsonrpc"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin is recorded in the client context; the tool filter and
		// session layer decide what a web caller may do.
		return true
	},
}

// wsClient is one WebSocket connection speaking JSON-RPC with the
// dispatcher.
type wsClient struct {
	id         string
	conn       *websocket.Conn
	dispatcher *dispatch.Dispatcher
	clientCtx  *session.ClientContext
	send       chan []byte
	logger     *logger.Logger
}

func newWSClient(conn *websocket.Conn, d *dispatch.Dispatcher, clientCtx *session.ClientContext, log *logger.Logger) *wsClient {
	id := uuid.New().String()
	return &wsClient{
		id:         id,
		conn:       conn,
		dispatcher: d,
		clientCtx:  clientCtx,
		send:       make(chan []byte, 256),
		logger:     log.WithFields(zap.String("client_id", id)),
	}
}

// handleWebSocket upgrades the request and runs the connection's pumps.
func (s *HTTPServer) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	clientCtx := session.WebSocketContext(
		c.Request.RemoteAddr,
		c.GetHeader("Origin"),
		c.Request.UserAgent())
	if agentID, ok := c.Get(ctxKeySessionAgent); ok {
		clientCtx.SessionAgentID, _ = agentID.(string)
	}

	client := newWSClient(conn, s.dispatcher, clientCtx, s.logger)
	s.logger.Debug("websocket connection established",
		zap.String("client_id", client.id),
		zap.String("remote_addr", c.Request.RemoteAddr))

	go client.writePump()
	client.readPump(c.Request.Context())
}

// readPump pumps messages from the connection into the dispatcher.
func (c *wsClient) readPump(ctx context.Context) {
	defer func() {
		close(c.send)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", zap.Error(err))
			}
			break
		}
		c.handleMessage(ctx, message)
	}
}

func (c *wsClient) handleMessage(ctx context.Context, raw []byte) {
	var req jsonrpc.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		c.enqueue(jsonrpc.NewErrorResponse(nil, jsonrpc.ParseError,
			fmt.Sprintf("parse error: %v", err)))
		return
	}

	resp := c.dispatcher.Handle(ctx, &req, c.clientCtx)
	if resp != nil {
		c.enqueue(resp)
	}
}

func (c *wsClient) enqueue(resp *jsonrpc.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		c.logger.Error("failed to marshal response", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("websocket send buffer full, dropping response",
			zap.String("client_id", c.id))
	}
}

// writePump pumps responses to the connection and keeps it alive with
// pings.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
