// Package websocket provides WebSocket connection handling with JWT authentication.
// It upgrades HTTP requests, decodes inbound frames into client events and
// writes server events back through a per-connection write pump.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/ironfuel/livechat/internal/auth"
	"github.com/ironfuel/livechat/internal/constants"
	chaterrors "github.com/ironfuel/livechat/internal/errors"
	"github.com/ironfuel/livechat/internal/logging"
	"github.com/ironfuel/livechat/internal/message"
	"github.com/ironfuel/livechat/internal/metrics"
	"github.com/ironfuel/livechat/internal/ratelimit"
	"github.com/ironfuel/livechat/internal/registry"
	"github.com/ironfuel/livechat/internal/router"
	"github.com/ironfuel/livechat/internal/util"
)

// upgrader configures the WebSocket upgrade. CheckOrigin is set per handler.
// TLS is terminated by the reverse proxy in front of the service.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Connection represents an active WebSocket connection with user context
type Connection struct {
	conn *websocket.Conn

	// ConnectionID is unique per socket: the user ID plus a random suffix
	ConnectionID string
	UserID       string
	Name         string
	Email        string
	Roles        []string

	// send is a buffered channel for outbound frames
	send chan []byte

	// sendMu guards closing and the close of send. SafeSend holds the read
	// lock across the check and the send, so send is never closed mid-write.
	sendMu  sync.RWMutex
	closing bool

	// mu serializes control writes and Close
	mu sync.Mutex
}

// NewConnection creates a socketless Connection, used by tests to drive the router directly.
func NewConnection(userID string, roles []string) *Connection {
	return &Connection{
		ConnectionID: userID + "-" + newSuffix(),
		UserID:       userID,
		Name:         userID,
		Roles:        roles,
		send:         make(chan []byte, constants.SendBuffer),
	}
}

// GetConnectionID returns the connection ID
func (c *Connection) GetConnectionID() string {
	return c.ConnectionID
}

// GetUserID returns the user ID for this connection
func (c *Connection) GetUserID() string {
	return c.UserID
}

// GetName returns the display name from the token
func (c *Connection) GetName() string {
	return c.Name
}

// GetEmail returns the email from the token, if any
func (c *Connection) GetEmail() string {
	return c.Email
}

// GetRoles returns the roles for this connection
func (c *Connection) GetRoles() []string {
	return c.Roles
}

// IsAdmin reports whether the connection authenticated with an admin role
func (c *Connection) IsAdmin() bool {
	return util.IsAdmin(c.Roles)
}

// SafeSend queues data for the write pump.
// Returns false if the connection is closing or the buffer is full.
func (c *Connection) SafeSend(data []byte) bool {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()

	if c.closing {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// closeSend marks the connection closing and closes send exactly once.
func (c *Connection) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.closing {
		return
	}
	c.closing = true
	close(c.send)
}

// ReceiveForTest exposes queued frames to tests.
func (c *Connection) ReceiveForTest() <-chan []byte {
	return c.send
}

// Close closes the underlying socket
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// EventRouter is the chat core as seen by the transport. router.MessageRouter implements it.
type EventRouter interface {
	Connect(conn router.Client) error
	Disconnect(conn router.Client)
	HandleEvent(ctx context.Context, conn router.Client, ev message.ClientEvent) error
	HandleError(conn registry.Conn, err error)
}

// Handler manages WebSocket connections and upgrades
type Handler struct {
	validator      auth.TokenValidator
	logger         *logging.Logger
	connLimiter    *ratelimit.ConnectionLimiter
	router         EventRouter
	allowedOrigins map[string]bool
	maxMessageSize int64

	// connections tracks active connections by user ID and connection ID
	connections map[string]map[string]*Connection
	closed      bool
	mu          sync.RWMutex
}

// NewHandler creates a new WebSocket handler
func NewHandler(validator auth.TokenValidator, r EventRouter, logger *logging.Logger, maxMessageSize int64, maxConnsPerUser int) *Handler {
	if maxMessageSize <= 0 {
		maxMessageSize = constants.DefaultMaxMessageSize
	}
	return &Handler{
		validator:      validator,
		router:         r,
		logger:         logger.WithGroup("websocket"),
		connLimiter:    ratelimit.NewConnectionLimiter(maxConnsPerUser),
		allowedOrigins: make(map[string]bool),
		maxMessageSize: maxMessageSize,
		connections:    make(map[string]map[string]*Connection),
	}
}

// SetAllowedOrigins configures the allowed origins for WebSocket connections.
// If no origins are set, all origins are allowed (development mode).
func (h *Handler) SetAllowedOrigins(origins []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.allowedOrigins = make(map[string]bool)
	for _, origin := range origins {
		h.allowedOrigins[origin] = true
	}

	h.logger.Info("Configured allowed origins",
		"count", len(origins),
		"origins", origins)
}

// IsOpenOrigin returns true when no allowed origins are configured.
func (h *Handler) IsOpenOrigin() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.allowedOrigins) == 0
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")

	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.allowedOrigins) == 0 {
		return true
	}
	if h.allowedOrigins[origin] {
		return true
	}

	h.logger.Warn("Origin not allowed", "origin", origin)
	return false
}

// ConnectionCount returns the number of open sockets.
func (h *Handler) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, userConns := range h.connections {
		n += len(userConns)
	}
	return n
}

// tokenFromRequest prefers the Authorization header and falls back to the
// token query parameter that browsers must use for WebSocket upgrades.
func (h *Handler) tokenFromRequest(r *http.Request) string {
	if token, err := util.ExtractBearerToken(r.Header.Get(constants.HeaderAuthorization)); err == nil {
		return token
	}
	return r.URL.Query().Get("token")
}

// HandleWebSocket authenticates the request, enforces the per-user connection
// cap, upgrades, and hands the new connection to the router.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	// No else needed: early return pattern (guard clause)
	if closed {
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}

	token := h.tokenFromRequest(r)
	// No else needed: early return pattern (guard clause)
	if token == "" {
		http.Error(w, "Missing authentication token", http.StatusUnauthorized)
		return
	}

	claims, err := h.validator.ValidateToken(token)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		h.logger.Warn("JWT validation failed", "error", err)
		http.Error(w, "Authentication failed", http.StatusUnauthorized)
		return
	}

	// No else needed: early return pattern (guard clause)
	if !h.connLimiter.Allow(claims.UserID) {
		h.logger.Warn("Connection limit exceeded", "user_id", claims.UserID)
		chatErr := chaterrors.ErrConnectionLimitExceeded(5000)
		h.notifyConnectionLimit(claims.UserID, chatErr)
		w.Header().Set(constants.HeaderRetryAfter, strconv.Itoa(chatErr.RetryAfter/constants.MillisecondsPerSecond))
		http.Error(w, chatErr.Message, http.StatusTooManyRequests)
		return
	}

	localUpgrader := upgrader
	localUpgrader.CheckOrigin = h.checkOrigin

	ws, err := localUpgrader.Upgrade(w, r, nil)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		h.connLimiter.Release(claims.UserID)
		util.LogError(h.logger, "websocket", "upgrade connection", err)
		return
	}
	ws.SetReadLimit(h.maxMessageSize)

	conn := h.createConnection(ws, claims)
	// No else needed: early return pattern (guard clause)
	if !h.registerConnection(conn) {
		h.connLimiter.Release(conn.UserID)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "Server shutting down"),
			time.Now().Add(constants.WriteWait))
		_ = conn.Close()
		return
	}

	if err := h.router.Connect(conn); err != nil {
		util.LogError(h.logger, "websocket", "connect to router", err,
			"user_id", conn.UserID,
			"connection_id", conn.ConnectionID)
		h.unregisterConnection(conn)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "Service unavailable"),
			time.Now().Add(constants.WriteWait))
		_ = conn.Close()
		return
	}

	h.logger.Info("WebSocket connection established",
		"user_id", conn.UserID,
		"connection_id", conn.ConnectionID,
		"admin", conn.IsAdmin())

	ctx, cancel := context.WithCancel(context.Background())
	util.SafeGo(h.logger, "readPump", func() { conn.readPump(ctx, cancel, h) })
	util.SafeGo(h.logger, "writePump", func() { conn.writePump() })
}

func newSuffix() string {
	id, err := gonanoid.New(constants.ConnectionIDSuffixLen)
	if err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return id
}

// createConnection builds a Connection from the token claims.
// Connection ID format: userID-nanoid, unique across tabs of the same user.
func (h *Handler) createConnection(ws *websocket.Conn, claims *auth.Claims) *Connection {
	return &Connection{
		conn:         ws,
		ConnectionID: fmt.Sprintf("%s-%s", claims.UserID, newSuffix()),
		UserID:       claims.UserID,
		Name:         claims.Name,
		Email:        claims.Email,
		Roles:        claims.Roles,
		send:         make(chan []byte, constants.SendBuffer),
	}
}

// registerConnection tracks conn. It returns false once Shutdown has started,
// since a connection added after the close pass snapshot would never be closed.
func (h *Handler) registerConnection(conn *Connection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}

	// No else needed: initialize if needed (lazy initialization)
	if h.connections[conn.UserID] == nil {
		h.connections[conn.UserID] = make(map[string]*Connection)
	}
	h.connections[conn.UserID][conn.ConnectionID] = conn

	h.logger.Debug("Connection registered",
		"user_id", conn.UserID,
		"connection_id", conn.ConnectionID,
		"user_connections", len(h.connections[conn.UserID]))
	return true
}

// unregisterConnection forgets conn, closes its send channel and releases its
// connection slot. Calling it twice is harmless.
func (h *Handler) unregisterConnection(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	userConns, ok := h.connections[conn.UserID]
	if !ok {
		return
	}
	if _, exists := userConns[conn.ConnectionID]; !exists {
		return
	}

	delete(userConns, conn.ConnectionID)
	conn.closeSend()
	h.connLimiter.Release(conn.UserID)

	if len(userConns) == 0 {
		delete(h.connections, conn.UserID)
	}

	h.logger.Debug("Connection unregistered",
		"user_id", conn.UserID,
		"connection_id", conn.ConnectionID,
		"remaining_connections", len(userConns))
}

// notifyConnectionLimit tells a user's open tabs that a new one was refused.
func (h *Handler) notifyConnectionLimit(userID string, chatErr *chaterrors.ChatError) {
	h.mu.RLock()
	snapshot := make([]*Connection, 0, len(h.connections[userID]))
	for _, c := range h.connections[userID] {
		snapshot = append(snapshot, c)
	}
	h.mu.RUnlock()

	// No else needed: early return pattern (guard clause)
	if len(snapshot) == 0 {
		return
	}

	frame, err := message.EncodeServerEvent(message.ErrorEvent{Error: chatErr.ToErrorInfo()})
	if err != nil {
		util.LogError(h.logger, "websocket", "encode connection limit notice", err, "user_id", userID)
		return
	}
	for _, c := range snapshot {
		if !c.SafeSend(frame) {
			h.logger.Warn("Failed to send connection limit notice, channel full or closing",
				"user_id", userID,
				"connection_id", c.ConnectionID)
		}
	}
}

// Shutdown refuses new upgrades and closes every open socket in parallel,
// returning early with ctx.Err() if the deadline passes first.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	connections := make([]*Connection, 0)
	for _, userConns := range h.connections {
		for _, conn := range userConns {
			connections = append(connections, conn)
		}
	}
	h.mu.Unlock()

	h.logger.Info("Shutting down WebSocket handler", "connections", len(connections))

	var g errgroup.Group
	for _, conn := range connections {
		c := conn
		g.Go(func() error {
			c.mu.Lock()
			if c.conn != nil {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "Server shutting down"),
					time.Now().Add(constants.WriteWait))
			}
			c.mu.Unlock()
			return c.Close()
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			h.logger.Warn("Some WebSocket connections closed with errors", "error", err)
		}
		h.logger.Info("All WebSocket connections closed")
		return nil
	case <-ctx.Done():
		h.logger.Warn("Shutdown deadline exceeded, forcing closure",
			"remaining_connections", len(connections))
		return ctx.Err()
	}
}

// readPump decodes frames until the socket fails, then disconnects the
// connection from the router. Decode failures are reported to the client
// and the connection stays open.
func (c *Connection) readPump(ctx context.Context, cancel context.CancelFunc, h *Handler) {
	defer func() {
		cancel()
		h.router.Disconnect(c)
		h.unregisterConnection(c)
		h.logger.Info("WebSocket connection closed",
			"user_id", c.UserID,
			"connection_id", c.ConnectionID)
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(constants.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(constants.PongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		// No else needed: error handling with break (exits loop)
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				metrics.MessageErrors.WithLabelValues(string(chaterrors.ErrCodePayloadTooLarge)).Inc()
				h.logger.Warn("WebSocket frame size limit exceeded",
					"user_id", c.UserID,
					"connection_id", c.ConnectionID,
					"limit", h.maxMessageSize)
			case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure):
				util.LogError(h.logger, "websocket", "handle unexpected close", err,
					"user_id", c.UserID,
					"connection_id", c.ConnectionID)
			default:
				h.logger.Debug("WebSocket connection closing",
					"user_id", c.UserID,
					"connection_id", c.ConnectionID)
			}
			return
		}

		ev, err := message.DecodeClientEvent(raw)
		// No else needed: error handling with continue (skips to next iteration)
		if err != nil {
			metrics.MessageErrors.WithLabelValues(string(chaterrors.ErrCodeInvalidFormat)).Inc()
			h.router.HandleError(c, chaterrors.ErrInvalidMessageFormat(err.Error(), err))
			continue
		}

		h.logger.Debug("Event received",
			"user_id", c.UserID,
			"connection_id", c.ConnectionID,
			"kind", ev.Kind())

		// Errors are already reported to the client by the router.
		_ = h.router.HandleEvent(util.NewContextWithTraceID(ctx), c, ev)
	}
}

// writePump drains the send channel and keeps the peer alive with pings.
// It closes the socket when the channel is closed or a write fails.
func (c *Connection) writePump() {
	ticker := time.NewTicker(constants.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(constants.WriteWait))

			// No else needed: channel closed handling (sends close and returns)
			if !ok {
				c.mu.Lock()
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				c.mu.Unlock()
				return
			}

			// One event per frame so clients can parse each independently.
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(constants.WriteWait)); err != nil {
				return
			}
		}
	}
}
