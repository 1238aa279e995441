package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/manpreetbhatti/pairpad/internal/protocol"
	"github.com/manpreetbhatti/pairpad/internal/ratelimit"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024
	sendBuffer     = 512

	maxRateViolations = 1000
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	id          string
	rateLimiter *ratelimit.Limiter

	// ctx is cancelled when the connection goes away
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	send   chan []byte
	closed bool

	// In-flight generation, if any
	genID     string
	genCancel context.CancelFunc

	// Generation goroutines still running
	gens sync.WaitGroup
}

// ServeWs upgrades the request and hands the connection to the hub. The
// first frame the client receives is "connected" with its id.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		hub:         hub,
		conn:        conn,
		id:          uuid.NewString(),
		rateLimiter: ratelimit.NewLimiter(hub.opts.MessagesPerSecond, hub.opts.MessageBurst),
		ctx:         ctx,
		cancel:      cancel,
		send:        make(chan []byte, sendBuffer),
	}
	client.sendEvent(protocol.EventConnected, protocol.Connected{ConnectionID: client.id})

	select {
	case hub.register <- client:
	case <-hub.done:
		cancel()
		conn.Close()
	}
}

// enqueue hands a frame to the write pump. A client whose buffer is full
// is closed rather than allowed to stall the sender.
func (c *Client) enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		slog.Warn("send buffer full, dropping client", "connection", c.id)
		c.closed = true
		close(c.send)
		return false
	}
}

func (c *Client) sendEvent(event protocol.Event, data any) {
	frame, err := protocol.Encode(event, data)
	if err != nil {
		slog.Error("failed to encode event", "event", event, "connection", c.id, "err", err)
		return
	}
	c.enqueue(frame)
}

func (c *Client) sendError(perr *protocol.Error) {
	c.sendEvent(protocol.EventError, perr)
}

// shutdown stops delivery and cancels everything running on behalf of the
// connection. Safe to call more than once.
func (c *Client) shutdown() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	if c.genCancel != nil {
		c.genCancel()
		c.genCancel = nil
		c.genID = ""
	}
	c.mu.Unlock()

	c.cancel()
}

// startGeneration cancels any stream still running for this client and
// returns the context and id for the new one. It reports false once the
// client has shut down. The caller must call finishGeneration when the
// stream ends.
func (c *Client) startGeneration() (context.Context, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, "", false
	}

	ctx, cancel := context.WithCancel(c.ctx)
	id := uuid.NewString()
	if c.genCancel != nil {
		c.genCancel()
	}
	c.genID = id
	c.genCancel = cancel
	c.gens.Add(1)

	return ctx, id, true
}

func (c *Client) finishGeneration(id string) {
	defer c.gens.Done()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.genID == id {
		c.genCancel()
		c.genCancel = nil
		c.genID = ""
	}
}

// cancelGeneration stops the in-flight stream, if any.
func (c *Client) cancelGeneration() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.genCancel != nil {
		c.genCancel()
		c.genCancel = nil
		c.genID = ""
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.leave(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	rateLimitWarnings := 0

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				slog.Warn("websocket read failed", "connection", c.id, "err", err)
			}
			return
		}

		if !c.rateLimiter.Allow() {
			rateLimitWarnings++
			if rateLimitWarnings%100 == 1 {
				slog.Warn("inbound rate limit exceeded", "connection", c.id, "warnings", rateLimitWarnings)
			}
			if rateLimitWarnings > maxRateViolations {
				slog.Warn("disconnecting client for excessive rate limit violations", "connection", c.id)
				return
			}
			continue
		}

		env, err := protocol.Decode(message)
		if err != nil {
			c.sendError(protocol.NewError(protocol.CodeProtocolError, "", err.Error()))
			continue
		}
		c.hub.dispatch(c, env)
	}
}

func (c *Client) writePump() {
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

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
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
