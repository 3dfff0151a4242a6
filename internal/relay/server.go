package relay

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Options tunes connection handling. Zero durations disable the matching
// timeout.
type Options struct {
	IdleTimeout  time.Duration
	WriteTimeout time.Duration
	ReadLimit    int64
	SendBuffer   int
	FrameRPS     float64
	FrameBurst   int
}

// DefaultOptions returns the settings used when none are configured.
func DefaultOptions() Options {
	return Options{
		WriteTimeout: 10 * time.Second,
		ReadLimit:    1 << 20,
		SendBuffer:   256,
		FrameRPS:     50,
		FrameBurst:   100,
	}
}

// Server accepts relay connections and feeds their frames to a Dispatcher.
type Server struct {
	d        *Dispatcher
	opts     Options
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer builds a server around d.
func NewServer(d *Dispatcher, opts Options) *Server {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultOptions().SendBuffer
	}
	if opts.FrameBurst <= 0 && opts.FrameRPS > 0 {
		opts.FrameBurst = int(opts.FrameRPS)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		d:    d,
		opts: opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Dispatcher returns the dispatcher frames are routed to.
func (s *Server) Dispatcher() *Dispatcher { return s.d }

// Connections returns the number of open connections.
func (s *Server) Connections() int { return s.d.Registry.Count() }

// ServeWS upgrades the request and serves the connection until it closes.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	_, span := otel.Tracer("relay").Start(r.Context(), "ws.handshake")
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		span.RecordError(err)
		span.End()
		log.Warn().Err(err).Str("remote_ip", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	id := uuid.NewString()
	span.SetAttributes(attribute.String("conn.id", id))
	span.End()

	lg := log.With().Str("conn_id", id).Str("remote_ip", r.RemoteAddr).Logger()
	c := newConn(id, r.RemoteAddr, ws, s.opts, lg)
	s.serve(c)
}

func (s *Server) serve(c *Conn) {
	ws := c.ws
	if s.opts.ReadLimit > 0 {
		ws.SetReadLimit(s.opts.ReadLimit)
	}
	s.extendReadDeadline(c)
	ws.SetPongHandler(func(string) error {
		s.extendReadDeadline(c)
		return nil
	})

	s.d.Registry.Add(c)
	go c.writeLoop()
	c.log.Info().Msg("connection opened")

	defer func() {
		s.d.Registry.Remove(c)
		c.shutdown()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), 5*time.Second)
		s.d.Disconnected(ctx, c)
		cancel()
		c.log.Info().Msg("connection closed")
	}()

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				// The default close handler has already echoed the close frame.
				c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing))
				c.log.Debug().Int("code", ce.Code).Msg("close frame received")
			} else if s.ctx.Err() == nil {
				c.log.Warn().Err(err).Msg("read failed")
			}
			return
		}
		s.extendReadDeadline(c)
		if mt != websocket.TextMessage {
			continue
		}
		if c.limiter != nil && !c.limiter.Allow() {
			broadcastDrops.WithLabelValues("rate_limited").Inc()
			c.log.Warn().Msg("frame rate exceeded, frame dropped")
			continue
		}
		f, err := DecodeFrame(data)
		if err != nil {
			framesTotal.WithLabelValues("malformed").Inc()
			c.log.Warn().Err(err).Msg("malformed frame skipped")
			continue
		}
		s.handle(c, f, data)
	}
}

func (s *Server) handle(c *Conn, f *Frame, raw []byte) {
	ctx, span := otel.Tracer("relay").Start(s.ctx, "relay.frame",
		trace.WithAttributes(
			attribute.String("conn.id", c.id),
			attribute.String("frame.type", string(f.Type)),
		),
	)
	defer span.End()
	s.d.Handle(ctx, c, f, raw)
}

func (s *Server) extendReadDeadline(c *Conn) {
	if s.opts.IdleTimeout > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
	}
}

// Shutdown closes every connection and cancels in-flight frame handling.
func (s *Server) Shutdown() {
	s.cancel()
	s.d.Registry.CloseAll()
}
