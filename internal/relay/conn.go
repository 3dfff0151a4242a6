package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// State is the lifecycle stage of a connection.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Conn is one client connection. Outbound frames go through a buffered
// queue drained by a single writer goroutine.
type Conn struct {
	id     string
	remote string
	ws     *websocket.Conn
	log    zerolog.Logger

	send chan []byte
	done chan struct{}
	once sync.Once

	state        atomic.Int32
	writeTimeout time.Duration
	pingEvery    time.Duration
	limiter      *rate.Limiter

	mu       sync.RWMutex
	userID   string
	username string
}

func newConn(id, remote string, ws *websocket.Conn, opts Options, lg zerolog.Logger) *Conn {
	c := &Conn{
		id:           id,
		remote:       remote,
		ws:           ws,
		log:          lg,
		send:         make(chan []byte, opts.SendBuffer),
		done:         make(chan struct{}),
		writeTimeout: opts.WriteTimeout,
	}
	if opts.IdleTimeout > 0 {
		c.pingEvery = opts.IdleTimeout * 9 / 10
	}
	if opts.FrameRPS > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.FrameRPS), opts.FrameBurst)
	}
	c.state.Store(int32(StateConnecting))
	return c
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// State returns the current lifecycle stage.
func (c *Conn) State() State { return State(c.state.Load()) }

// Identity returns the user bound by a join, if any.
func (c *Conn) Identity() (userID, username string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID, c.username
}

func (c *Conn) bind(userID, username string) {
	c.mu.Lock()
	c.userID, c.username = userID, username
	c.mu.Unlock()
}

// Enqueue queues b without blocking. It reports false when the connection
// is not open or its queue is full.
func (c *Conn) Enqueue(b []byte) bool {
	if c.State() != StateOpen {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

// Send queues b, waiting for room until ctx ends or the connection closes.
func (c *Conn) Send(ctx context.Context, b []byte) error {
	if c.State() != StateOpen {
		return ErrConnClosed
	}
	select {
	case c.send <- b:
		return nil
	case <-c.done:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writeLoop is the only goroutine writing data frames to the socket.
func (c *Conn) writeLoop() {
	var tick <-chan time.Time
	if c.pingEvery > 0 {
		t := time.NewTicker(c.pingEvery)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-c.done:
			return
		case b := <-c.send:
			c.setWriteDeadline()
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				broadcastDrops.WithLabelValues("write_error").Inc()
				c.log.Warn().Err(err).Msg("write failed")
				c.shutdown()
				return
			}
		case <-tick:
			c.setWriteDeadline()
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		}
	}
}

func (c *Conn) setWriteDeadline() {
	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
}

// Close starts a graceful close: a close frame is sent and the socket is
// released.
func (c *Conn) Close(code int, reason string) {
	if !c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		c.shutdown()
		return
	}
	deadline := time.Now().Add(time.Second)
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	c.shutdown()
}

// shutdown moves the connection to Closed and releases the socket once.
func (c *Conn) shutdown() {
	c.once.Do(func() {
		c.state.Store(int32(StateClosed))
		close(c.done)
		_ = c.ws.Close()
	})
}
