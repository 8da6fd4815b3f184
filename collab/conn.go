package collab

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flashfusion/collab-relay/internal"
)

var (
	ErrConnClosed     = errors.New("connection closed")
	ErrSendBufferFull = errors.New("send buffer full")
)

const writeWait = 10 * time.Second

type ConnConfig struct {
	PingInterval    time.Duration
	PongWait        time.Duration
	SendBuffer      int
	MaxMessageBytes int64
}

// Conn is a websocket connection which has been admitted to a project. All writes happen on the
// write goroutine; Send only queues.
type Conn struct {
	ctx    context.Context
	info   ConnInfo
	ws     *websocket.Conn
	cfg    ConnConfig
	onPong func()

	mu          sync.RWMutex
	closed      bool
	send        chan []byte
	closeCode   int
	closeReason string
}

func newConn(ctx context.Context, ws *websocket.Conn, info ConnInfo, cfg ConnConfig) *Conn {
	return &Conn{
		ctx:  ctx,
		info: info,
		ws:   ws,
		cfg:  cfg,
		send: make(chan []byte, cfg.SendBuffer),
	}
}

func (c *Conn) ConnID() string { return c.info.ConnID }
func (c *Conn) UserID() string { return c.info.UserID }

// Send queues a frame. It never blocks: if the client is not keeping up the frame is refused.
func (c *Conn) Send(frame []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close flushes queued frames then sends a close frame with this code. Only the first call has
// any effect.
func (c *Conn) Close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	close(c.send)
}

func (c *Conn) closeFrame() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return websocket.FormatCloseMessage(c.closeCode, c.closeReason)
}

// writeLoop is the only writer of data frames on the socket. When it exits the socket is closed,
// which in turn makes readLoop return.
func (c *Conn) writeLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, c.closeFrame())
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				internal.DecorateLogger(c.ctx, logger.Debug()).Err(err).Msg("write failed")
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}
			internal.IncConnContextSent(c.ctx)
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		}
	}
}

// readLoop hands every text frame to fn in arrival order. Blocks until the socket fails or the
// peer goes away.
func (c *Conn) readLoop(fn func(raw []byte)) error {
	c.ws.SetReadLimit(c.cfg.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		if c.onPong != nil {
			c.onPong()
		}
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		if messageType != websocket.TextMessage {
			continue
		}
		fn(data)
	}
}
