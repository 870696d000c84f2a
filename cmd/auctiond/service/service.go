package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/cors"
	golog "github.com/textileio/go-log/v2"
	"github.com/textileio/rfq-auction/cmd/auctiond/auctioneer"
	"github.com/textileio/rfq-auction/cmd/auctiond/auctioneer/registry"
	"github.com/textileio/rfq-auction/cmd/auctiond/message"
	"github.com/textileio/rfq-auction/cmd/auctiond/ratelimit"
	"github.com/textileio/rfq-auction/cmd/auctiond/sigs"
	"github.com/textileio/rfq-auction/cmd/auctiond/wsserver"
	"github.com/textileio/rfq-auction/finalizer"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

var (
	log = golog.Logger("service")

	// DefaultShutdownTimeout bounds the graceful close of open connections.
	DefaultShutdownTimeout = time.Second * 10
)

// Config defines params for Service configuration.
type Config struct {
	// Listener is used instead of ListenAddr when set.
	Listener   net.Listener
	ListenAddr string

	AuctionPath    string
	AuctionEnabled bool

	RateLimitWindow time.Duration
	RateLimitMax    int
	MaxPayloadBytes int

	Auction auctioneer.AuctionConfig
	Signing sigs.Config
	WS      wsserver.Config

	CORSOrigins     []string
	ShutdownTimeout time.Duration

	// Metrics serves /metrics when set.
	Metrics http.Handler
}

// Service wires the auction subsystem to an HTTP server.
type Service struct {
	conf     Config
	started  time.Time
	listener net.Listener
	server   *http.Server

	ws  *wsserver.Server
	lib *auctioneer.Auctioneer

	eg        *errgroup.Group
	finalizer *finalizer.Finalizer
}

// New returns a new Service. Call Start to begin serving.
func New(conf Config) (*Service, error) {
	if conf.AuctionPath == "" {
		conf.AuctionPath = "/auction"
	}
	if conf.ShutdownTimeout <= 0 {
		conf.ShutdownTimeout = DefaultShutdownTimeout
	}
	if conf.WS.CheckOrigin == nil {
		conf.WS.CheckOrigin = checkOrigin(conf.CORSOrigins)
	}

	listener := conf.Listener
	if listener == nil {
		l, err := net.Listen("tcp", conf.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("creating listener: %v", err)
		}
		listener = l
	}

	s := &Service{
		conf:      conf,
		started:   time.Now(),
		listener:  listener,
		finalizer: finalizer.NewFinalizer(),
	}

	codec := message.NewCodec(conf.MaxPayloadBytes)
	limiter := ratelimit.New(conf.RateLimitWindow, conf.RateLimitMax)
	s.ws = wsserver.New(conf.WS, codec, limiter)
	s.lib = auctioneer.New(conf.Auction, registry.New(conf.Auction.MaxTTL), sigs.New(conf.Signing), s.ws)
	s.ws.SetHandler(s.lib)
	s.finalizer.Add(s.lib)

	s.server = &http.Server{
		Handler:           s.createMux(),
		ReadHeaderTimeout: time.Second * 5,
	}
	return s, nil
}

func (s *Service) createMux() http.Handler {
	mux := http.NewServeMux()
	if s.conf.AuctionEnabled {
		mux.Handle(s.conf.AuctionPath, s.ws)
	} else {
		log.Warn("auction subsystem is disabled")
	}
	mux.Handle("/health", otelhttp.NewHandler(getOnly(s.healthHandler), "health"))
	if s.conf.Metrics != nil {
		mux.Handle("/metrics", s.conf.Metrics)
	}

	return cors.New(cors.Options{
		AllowedOrigins: s.conf.CORSOrigins,
		AllowedMethods: []string{http.MethodGet},
	}).Handler(mux)
}

// Start runs the expiry sweep and serves HTTP requests.
func (s *Service) Start() {
	s.lib.Start()
	s.eg = &errgroup.Group{}
	s.eg.Go(func() error {
		if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving http: %v", err)
		}
		return nil
	})
	log.Infof("service listening at %s", s.listener.Addr())
}

// Addr returns the address the service listens on.
func (s *Service) Addr() net.Addr {
	return s.listener.Addr()
}

// Handler returns the root HTTP handler.
func (s *Service) Handler() http.Handler {
	return s.server.Handler
}

// Close gracefully closes open connections, the HTTP server and the
// auctioneer.
func (s *Service) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.conf.ShutdownTimeout)
	defer cancel()

	if err := s.ws.Shutdown(ctx); err != nil {
		log.Warnf("closing websocket connections: %v", err)
	}
	if err := s.server.Shutdown(ctx); err != nil {
		log.Errorf("shutting down http server: %v", err)
	}
	var err error
	if s.eg != nil {
		err = s.eg.Wait()
	}
	log.Infof("service was shutdown after %s", humanize.RelTime(s.started, time.Now(), "", ""))
	return s.finalizer.Cleanup(err)
}

type health struct {
	Status      string `json:"status"`
	Uptime      int64  `json:"uptime"`
	Connections int    `json:"connections"`
}

func (s *Service) healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	res := health{
		Status:      "ok",
		Uptime:      int64(time.Since(s.started).Seconds()),
		Connections: s.ws.Len(),
	}
	if err := json.NewEncoder(w).Encode(res); err != nil {
		log.Errorf("encoding health response: %v", err)
	}
}

func getOnly(f http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "only GET method is allowed", http.StatusMethodNotAllowed)
			return
		}
		f(w, r)
	}
}

// checkOrigin allows upgrades from the configured origins, or from any
// origin if the list is empty or contains "*".
func checkOrigin(origins []string) func(r *http.Request) bool {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[o] = struct{}{}
	}
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}
