// Package ops implements the Ops HTTP Surface (C13): health checks
// and Prometheus metrics scraping over a plain or mTLS HTTP listener,
// adapted from the teacher's internal/cmd/server/handler.go and
// internal/server/server.go.
package ops

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"sync"
	"time"

	"connectrpc.com/authn"
	connectcors "connectrpc.com/cors"
	"connectrpc.com/grpchealth"
	"github.com/rs/cors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// FatalChecker reports whether a background task has recorded a fatal
// error. Satisfied structurally by reconfigure.Loop, among others.
type FatalChecker interface {
	Fatal() bool
}

// Options configures one Server.
type Options struct {
	Address string

	// TLSConfig is optional. When set, the ops surface is served over
	// mTLS and PeerCNPattern gates every request by the caller's
	// certificate common name, the same gate the Control RPC Server
	// (C10) applies. When nil, the ops surface is served over plain
	// HTTP with no caller authentication.
	TLSConfig     *tls.Config
	PeerCNPattern *regexp.Regexp

	AllowedOrigins []string

	// ServiceName is reported by the standard gRPC-Health-Checking
	// protocol endpoint.
	ServiceName string

	HealthCheckers []FatalChecker

	ShutdownTimeout time.Duration
	Log             *slog.Logger
}

const defaultShutdownTimeout = 15 * time.Second

// Server is the Ops HTTP Surface.
type Server struct {
	opts Options
	log  *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	httpSrv  *http.Server
}

// New returns a Server for opts.
func New(opts Options) (*Server, error) {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "efe-control"
	}

	s := &Server{opts: opts, log: opts.Log.With("component", "ops")}

	handler, err := s.buildHandler()
	if err != nil {
		return nil, fmt.Errorf("ops: build handler: %w", err)
	}
	s.httpSrv = &http.Server{
		Addr:              opts.Address,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	return s, nil
}

func (s *Server) buildHandler() (http.Handler, error) {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)

	checker := grpchealth.NewStaticChecker(s.opts.ServiceName)
	pattern, healthHandler := grpchealth.NewHandler(checker)
	mux.Handle(pattern, healthHandler)

	// A private registry, rather than prometheus.DefaultRegisterer,
	// so that constructing more than one Server in the same process
	// (as the test suite does) never collides on a duplicate
	// collector registration.
	registry := prom.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("new prometheus exporter: %w", err)
	}
	otel.SetMeterProvider(metric.NewMeterProvider(metric.WithReader(exporter)))
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	var handler http.Handler = mux

	if s.opts.TLSConfig != nil {
		mw, err := newPeerCNMiddleware(s.opts.PeerCNPattern)
		if err != nil {
			return nil, err
		}
		handler = mw.Wrap(handler)
	}

	if len(s.opts.AllowedOrigins) == 0 {
		handler = cors.AllowAll().Handler(handler)
	} else {
		c := cors.New(cors.Options{
			AllowedOrigins:   s.opts.AllowedOrigins,
			AllowedMethods:   connectcors.AllowedMethods(),
			AllowedHeaders:   connectcors.AllowedHeaders(),
			ExposedHeaders:   connectcors.ExposedHeaders(),
			AllowCredentials: true,
			MaxAge:           7200,
		})
		handler = c.Handler(handler)
	}

	return handler, nil
}

// handleHealthz reports 503 as soon as any registered FatalChecker
// reports true, mirroring the Control RPC Server's ping() contract
// over plain HTTP for load-balancer/orchestrator health probes.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	for _, c := range s.opts.HealthCheckers {
		if c.Fatal() {
			http.Error(w, "fatal condition recorded", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func newPeerCNMiddleware(pattern *regexp.Regexp) (*authn.Middleware, error) {
	if pattern == nil {
		pattern = regexp.MustCompile(".*")
	}
	authenticate := func(ctx context.Context, r *http.Request) (any, error) {
		if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
			return nil, authn.Errorf("no client certificate presented")
		}
		cn := r.TLS.PeerCertificates[0].Subject.CommonName
		if !pattern.MatchString(cn) {
			return nil, authn.Errorf("client certificate common name %q rejected", cn)
		}
		return cn, nil
	}
	return authn.NewMiddleware(authenticate), nil
}

// Start listens on opts.Address and serves until ctx is cancelled. It
// satisfies the Listener shape used by Runtime/Lifecycle (C15).
func (s *Server) Start(ctx context.Context) error {
	var ln net.Listener
	var err error
	if s.opts.TLSConfig != nil {
		ln, err = tls.Listen("tcp", s.opts.Address, s.opts.TLSConfig)
	} else {
		ln, err = net.Listen("tcp", s.opts.Address)
	}
	if err != nil {
		return fmt.Errorf("ops: listen %s: %w", s.opts.Address, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.log.Info("listening", "address", s.opts.Address, "tls", s.opts.TLSConfig != nil)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
	}()

	if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ops: serve: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the HTTP server within ctx's deadline.
// Safe to call even if Start's own ctx-cancellation shutdown already
// ran.
func (s *Server) Stop(ctx context.Context) error {
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		return fmt.Errorf("ops: shutdown: %w", err)
	}
	return nil
}
