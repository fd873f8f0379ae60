// Package server manages individual WebSocket clients, handling read/write
// pumps, the per-connection frame budget and lifecycle control.
package server

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

type connState int

const (
	stateUnauthenticated connState = iota
	stateAuthenticated
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateUnauthenticated:
		return "unauthenticated"
	case stateAuthenticated:
		return "authenticated"
	default:
		return "closed"
	}
}

// frameHandler receives every text frame read from a client, in order, and
// is told once when the connection ends.
type frameHandler interface {
	handleFrame(c *Client, raw []byte)
	handleBinary(c *Client)
	disconnect(c *Client, last identity, wasAuthenticated bool)
}

// identity is the authenticated user bound to a connection.
type identity struct {
	UserID   int64
	Username string
	Role     string
	Token    string
}

// Client represents one WebSocket connection.
type Client struct {
	conn           *websocket.Conn
	send           chan []byte
	done           chan struct{}
	closeOnce      sync.Once
	hub            *Hub
	handler        frameHandler
	addr           string
	maxMessageSize int64
	limiter        *rate.Limiter
	refill         time.Duration
	logger         *slog.Logger

	mu    sync.RWMutex
	state connState
	id    identity
}

// NewClient creates a client for conn. burst frames may arrive at once, then
// one frame per refill interval.
func NewClient(conn *websocket.Conn, hub *Hub, handler frameHandler, addr string, maxMessageSize int64, burst int, refill time.Duration, logger *slog.Logger) *Client {
	if conn != nil && maxMessageSize > 0 {
		conn.SetReadLimit(maxMessageSize)
	}
	if burst <= 0 {
		burst = 1
	}
	if refill <= 0 {
		refill = time.Second
	}
	return &Client{
		conn:           conn,
		send:           make(chan []byte, sendBuffer),
		done:           make(chan struct{}),
		hub:            hub,
		handler:        handler,
		addr:           addr,
		maxMessageSize: maxMessageSize,
		limiter:        rate.NewLimiter(rate.Every(refill), burst),
		refill:         refill,
		logger:         logger.With(slog.String("addr", addr)),
	}
}

// Addr returns the remote address used for rate limiting and the blocklist.
func (c *Client) Addr() string {
	return c.addr
}

// UserID returns the bound user, if authenticated.
func (c *Client) UserID() (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id.UserID, c.state == stateAuthenticated
}

func (c *Client) whoami() (identity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id, c.state == stateAuthenticated
}

func (c *Client) authenticate(id identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateClosed {
		return
	}
	c.state = stateAuthenticated
	c.id = id
}

// deauthenticate returns the connection to the unauthenticated state and
// hands back the identity it held.
func (c *Client) deauthenticate() (identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, was := c.id, c.state == stateAuthenticated
	if c.state != stateClosed {
		c.state = stateUnauthenticated
	}
	c.id = identity{}
	return id, was
}

// retire moves the connection to its terminal state and returns the
// identity it held.
func (c *Client) retire() (identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, was := c.id, c.state == stateAuthenticated
	c.state = stateClosed
	return id, was
}

func (c *Client) currentState() connState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// throttle takes one token from the frame budget. When none is available
// it reports how long until the next one without consuming it.
func (c *Client) throttle() (time.Duration, bool) {
	r := c.limiter.Reserve()
	if !r.OK() {
		return c.refill, false
	}
	delay := r.Delay()
	if delay == 0 {
		return 0, true
	}
	r.Cancel()
	return delay, false
}

// enqueue queues a frame without blocking. It fails when the client is
// closed or its buffer is full.
func (c *Client) enqueue(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// close schedules the connection for teardown. Safe to call repeatedly and
// from any goroutine.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *Client) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Debug("failed to set initial read deadline", slog.String("error", err.Error()))
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// logReadError logs the read failure that ends the connection.
func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn("message exceeded maximum size", slog.Int64("limit", c.maxMessageSize))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.logger.Info("client disconnected", slog.String("reason", err.Error()))
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.logger.Info("client connection closed", slog.String("reason", err.Error()))
	default:
		c.logger.Warn("websocket read error", slog.String("error", err.Error()))
	}
}

func (c *Client) readPump() {
	defer func() {
		last, was := c.retire()
		c.close()
		c.handler.disconnect(c, last, was)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.Debug("error closing connection in readPump", slog.String("error", err.Error()))
		}
	}()

	c.setupReadConnection()

	for {
		messageType, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}

		if messageType != websocket.TextMessage {
			c.handler.handleBinary(c)
			continue
		}
		c.handler.handleFrame(c, raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.Debug("error closing connection in writePump", slog.String("error", err.Error()))
		}
	}()

	for {
		select {
		case message := <-c.send:
			if !c.write(websocket.TextMessage, message) {
				return
			}
		case <-ticker.C:
			if !c.write(websocket.PingMessage, nil) {
				return
			}
		case <-c.done:
			c.drain()
			c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// drain flushes frames queued before close so a final response or push is
// not lost.
func (c *Client) drain() {
	for n := len(c.send); n > 0; n-- {
		if !c.write(websocket.TextMessage, <-c.send) {
			return
		}
	}
}

// write sends one frame. Each text frame carries exactly one JSON record.
func (c *Client) write(messageType int, data []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Debug("failed to set write deadline", slog.String("error", err.Error()))
		return false
	}
	if err := c.conn.WriteMessage(messageType, data); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("websocket write error", slog.String("error", err.Error()))
		}
		return false
	}
	return true
}
