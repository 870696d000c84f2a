package wsserver

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	golog "github.com/textileio/go-log/v2"
	"github.com/textileio/rfq-auction/auction"
	"github.com/textileio/rfq-auction/cmd/auctiond/message"
	"github.com/textileio/rfq-auction/cmd/auctiond/ratelimit"
	"go.opentelemetry.io/otel/metric"
)

var log = golog.Logger("wsserver")

const (
	// DefaultSendQueue is the number of frames buffered per connection.
	DefaultSendQueue = 64
	// DefaultMaxFailedSends is the number of consecutive dropped frames
	// after which a connection is closed.
	DefaultMaxFailedSends = 10
	// DefaultPingPeriod is the period of protocol-level pings.
	DefaultPingPeriod = time.Second * 30
	// DefaultReadTimeout is how long a connection may stay silent, pongs included.
	DefaultReadTimeout = time.Second * 60
	// DefaultWriteTimeout bounds a single socket write.
	DefaultWriteTimeout = time.Second * 10

	// CloseReasonShutdown is the close frame reason sent on shutdown.
	CloseReasonShutdown = "server_shutting_down"

	// readLimitFactor sets the socket read limit relative to the codec cap.
	// Frames between the two get a payload_too_large error, larger ones
	// close the connection.
	readLimitFactor = 4
)

// ErrShuttingDown is returned when the server no longer accepts connections.
var ErrShuttingDown = errors.New("server is shutting down")

// Handler processes decoded messages of a connection and releases its state
// once the connection is gone.
type Handler interface {
	Handle(ctx context.Context, conn auction.ConnID, msg message.Message) error
	ReleaseConnection(ctx context.Context, conn auction.ConnID)
}

// Config defines params for Server configuration.
type Config struct {
	SendQueue      int
	MaxFailedSends int
	PingPeriod     time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	// CheckOrigin is handed to the websocket upgrader. All origins are
	// allowed when nil.
	CheckOrigin func(r *http.Request) bool
}

func (c *Config) setDefaults() {
	if c.SendQueue <= 0 {
		c.SendQueue = DefaultSendQueue
	}
	if c.MaxFailedSends <= 0 {
		c.MaxFailedSends = DefaultMaxFailedSends
	}
	if c.PingPeriod <= 0 {
		c.PingPeriod = DefaultPingPeriod
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = func(*http.Request) bool { return true }
	}
}

// conn is a single websocket connection.
type conn struct {
	id       auction.ConnID
	ws       *websocket.Conn
	openedAt time.Time

	send        chan []byte
	failedSends int32
	quit        chan struct{}

	stopOnce    sync.Once
	releaseOnce sync.Once
}

// stop signals the write pump to close the socket. It never blocks.
func (c *conn) stop() {
	c.stopOnce.Do(func() {
		close(c.quit)
	})
}

// Server owns the websocket upgrade handshake and the read and write loops
// of every connection.
type Server struct {
	conf    Config
	codec   *message.Codec
	limiter *ratelimit.Limiter
	handler Handler

	upgrader websocket.Upgrader

	conns        map[auction.ConnID]*conn
	shuttingDown bool
	lk           sync.RWMutex
	loops        sync.WaitGroup

	entropy   io.Reader
	entropyLk sync.Mutex

	metricConnsActive metric.Int64UpDownCounter
	metricConnsTotal  metric.Int64Counter
	metricDropped     metric.Int64Counter
}

// New returns a new Server. Call SetHandler before serving requests.
func New(conf Config, codec *message.Codec, limiter *ratelimit.Limiter) *Server {
	conf.setDefaults()
	s := &Server{
		conf:    conf,
		codec:   codec,
		limiter: limiter,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     conf.CheckOrigin,
		},
		conns:   make(map[auction.ConnID]*conn),
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
	s.initMetrics()
	return s
}

// SetHandler sets the handler of decoded messages.
func (s *Server) SetHandler(h Handler) {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.handler = h
}

// Len returns the number of open connections.
func (s *Server) Len() int {
	s.lk.RLock()
	defer s.lk.RUnlock()
	return len(s.conns)
}

func (s *Server) newConnID() auction.ConnID {
	s.entropyLk.Lock()
	defer s.entropyLk.Unlock()
	return auction.ConnID(ulid.MustNew(ulid.Now(), s.entropy).String())
}

type httpError struct {
	Error string `json:"error"`
}

func writeHTTPError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(httpError{Error: msg}); err != nil {
		log.Debugf("writing http error: %v", err)
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		writeHTTPError(w, http.StatusUpgradeRequired, "websocket upgrade required")
		return
	}

	s.lk.RLock()
	refuse := s.shuttingDown || s.handler == nil
	s.lk.RUnlock()
	if refuse {
		writeHTTPError(w, http.StatusServiceUnavailable, ErrShuttingDown.Error())
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already replied with an HTTP error.
		log.Debugf("upgrading connection from %s: %v", r.RemoteAddr, err)
		return
	}

	c := &conn{
		id:       s.newConnID(),
		ws:       ws,
		openedAt: time.Now(),
		send:     make(chan []byte, s.conf.SendQueue),
		quit:     make(chan struct{}),
	}
	if err := s.register(c); err != nil {
		s.closeWithReason(c, websocket.CloseGoingAway, CloseReasonShutdown)
		_ = ws.Close()
		return
	}
	log.Debugf("connection %s opened from %s", c.id, r.RemoteAddr)

	go s.writePump(c)
	s.readLoop(c)
}

func (s *Server) register(c *conn) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if s.shuttingDown {
		return ErrShuttingDown
	}
	s.conns[c.id] = c
	s.loops.Add(1)
	ctx := context.Background()
	s.metricConnsActive.Add(ctx, 1)
	s.metricConnsTotal.Add(ctx, 1)
	return nil
}

// readLoop reads frames until the socket fails or the connection is stopped.
func (s *Server) readLoop(c *conn) {
	defer s.loops.Done()
	defer s.release(c)

	ws := c.ws
	ws.SetReadLimit(int64(s.codec.MaxPayload() * readLimitFactor))
	_ = ws.SetReadDeadline(time.Now().Add(s.conf.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.conf.ReadTimeout))
	})

	ctx := context.Background()
	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived) {
				log.Debugf("reading from %s: %v", c.id, err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(s.conf.ReadTimeout))
		s.handleFrame(ctx, c, frame)
	}
}

// handleFrame decodes, rate limits and dispatches a frame. Every failure is
// reported to c only.
func (s *Server) handleFrame(ctx context.Context, c *conn, frame []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("panic handling frame from %s: %v", c.id, r)
			sentry.CurrentHub().Recover(r)
			s.replyError(ctx, c.id, fmt.Errorf("handling frame: %v", r))
		}
	}()

	msg, err := s.codec.Decode(frame)
	// Malformed frames count against the budget too.
	if !s.limiter.Allow(c.id) {
		s.replyError(ctx, c.id, auction.ErrRateLimited)
		return
	}
	if err != nil {
		s.sendError(c.id, err)
		return
	}

	s.lk.RLock()
	h := s.handler
	s.lk.RUnlock()
	if err := h.Handle(ctx, c.id, msg); err != nil {
		s.replyError(ctx, c.id, err)
	}
}

// replyError records err and sends it to the connection.
func (s *Server) replyError(ctx context.Context, id auction.ConnID, err error) {
	s.codec.RecordError(ctx, err)
	if !auction.Rejected(err) {
		log.Errorf("handling message from %s: %v", id, err)
		sentry.CaptureException(err)
	} else {
		log.Debugf("rejected message from %s: %v", id, err)
	}
	s.sendError(id, err)
}

func (s *Server) sendError(id auction.ConnID, err error) {
	frame, encErr := message.EncodeError(err)
	if encErr != nil {
		log.Errorf("encoding error frame: %v", encErr)
		return
	}
	s.Send(id, frame)
}

// Send queues frame for the connection. It never blocks; it returns false if
// the connection is gone or its queue is full. A connection dropping too
// many frames in a row is closed.
func (s *Server) Send(id auction.ConnID, frame []byte) bool {
	s.lk.RLock()
	c, ok := s.conns[id]
	s.lk.RUnlock()
	if !ok {
		return false
	}

	select {
	case <-c.quit:
		return false
	default:
	}
	select {
	case c.send <- frame:
		atomic.StoreInt32(&c.failedSends, 0)
		return true
	default:
		s.metricDropped.Add(context.Background(), 1)
		if n := atomic.AddInt32(&c.failedSends, 1); int(n) >= s.conf.MaxFailedSends {
			log.Warnf("closing slow connection %s after %d dropped frames", id, n)
			c.stop()
		}
		return false
	}
}

// writePump writes queued frames and pings until the connection stops. It
// owns the socket close.
func (s *Server) writePump(c *conn) {
	ticker := time.NewTicker(s.conf.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(s.conf.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Debugf("writing to %s: %v", c.id, err)
				c.stop()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(s.conf.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debugf("pinging %s: %v", c.id, err)
				c.stop()
				return
			}
		case <-c.quit:
			return
		}
	}
}

// release drops every trace of c: registry subscriptions, limiter window
// and the connection entry. It runs once per connection.
func (s *Server) release(c *conn) {
	c.releaseOnce.Do(func() {
		ctx := context.Background()
		s.lk.Lock()
		delete(s.conns, c.id)
		h := s.handler
		s.lk.Unlock()

		if h != nil {
			h.ReleaseConnection(ctx, c.id)
		}
		s.limiter.Remove(c.id)
		s.metricConnsActive.Add(ctx, -1)
		c.stop()
		log.Debugf("connection %s closed after %s", c.id, time.Since(c.openedAt).Round(time.Millisecond))
	})
}

func (s *Server) closeWithReason(c *conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	deadline := time.Now().Add(s.conf.WriteTimeout)
	if err := c.ws.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		log.Debugf("sending close frame to %s: %v", c.id, err)
	}
}

// Shutdown stops accepting connections, sends a going-away close frame to
// every open connection and waits for their read loops to exit. Connections
// still open when ctx is done are closed forcibly.
func (s *Server) Shutdown(ctx context.Context) error {
	s.lk.Lock()
	s.shuttingDown = true
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.lk.Unlock()

	log.Infof("closing %d connections", len(conns))
	for _, c := range conns {
		s.closeWithReason(c, websocket.CloseGoingAway, CloseReasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		s.loops.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	s.lk.RLock()
	left := len(s.conns)
	for _, c := range s.conns {
		_ = c.ws.Close()
	}
	s.lk.RUnlock()
	log.Warnf("forced close of %d connections", left)
	<-done
	return ctx.Err()
}
