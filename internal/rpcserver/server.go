// Package rpcserver implements the Control RPC Server (C10): a
// mutually-authenticated TLS listener speaking the length-prefixed
// binary protocol in §4.10 for administrative registration, cert, and
// static-content mutations and queries.
package rpcserver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"regexp"
	"sync"
	"time"

	"github.com/ezfrontend/efe-control/internal/certstore"
	"github.com/ezfrontend/efe-control/internal/coordinator"
	"github.com/ezfrontend/efe-control/internal/statichandler"
)

// FatalChecker reports whether a background task has recorded a fatal
// error, per ping()'s "true iff none of the background workers has
// recorded a fatal error" contract.
type FatalChecker interface {
	Fatal() bool
}

// Options configures one Server.
type Options struct {
	Address       string
	TLSConfig     *tls.Config // must already require and verify client certs
	PeerCNPattern *regexp.Regexp

	Coord   coordinator.Coordinator
	Paths   coordinator.Paths
	Certs   *certstore.Store
	Static  *statichandler.Handler

	FatalCheckers []FatalChecker

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	Log *slog.Logger
}

const (
	defaultReadTimeout  = 30 * time.Second
	defaultWriteTimeout = 30 * time.Second
)

// Server is the Control RPC Server.
type Server struct {
	opts Options
	log  *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// New returns a Server for opts.
func New(opts Options) *Server {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaultReadTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	return &Server{opts: opts, log: opts.Log.With("component", "rpcserver")}
}

// Start listens on opts.Address and serves connections until ctx is
// cancelled. It satisfies the Listener shape used by Runtime/Lifecycle
// (C15).
func (s *Server) Start(ctx context.Context) error {
	ln, err := tls.Listen("tcp", s.opts.Address, s.opts.TLSConfig)
	if err != nil {
		return fmt.Errorf("rpcserver: listen %s: %w", s.opts.Address, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.log.Info("listening", "address", s.opts.Address)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			default:
				return fmt.Errorf("rpcserver: accept: %w", err)
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Stop closes the listener, causing Start's accept loop to exit.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	tlsConn, ok := conn.(*tls.Conn)
	if ok {
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			s.log.Warn("rpcserver: handshake failed", "remote", conn.RemoteAddr(), "error", err)
			return
		}
		cn, err := peerCommonName(tlsConn)
		if err != nil || !s.opts.PeerCNPattern.MatchString(cn) {
			s.log.Warn("rpcserver: peer certificate CN rejected", "remote", conn.RemoteAddr(), "cn", cn, "error", err)
			return
		}
	}

	for {
		if dl := s.opts.ReadTimeout; dl > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(dl))
		}
		method, payload, err := readRequestFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("rpcserver: connection closed", "remote", conn.RemoteAddr(), "error", err)
			}
			return
		}

		status, respPayload := s.dispatch(ctx, method, payload)

		if dl := s.opts.WriteTimeout; dl > 0 {
			_ = conn.SetWriteDeadline(time.Now().Add(dl))
		}
		if err := writeResponseFrame(conn, status, respPayload); err != nil {
			s.log.Warn("rpcserver: write response failed", "remote", conn.RemoteAddr(), "error", err)
			return
		}
	}
}

func peerCommonName(conn *tls.Conn) (string, error) {
	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return "", fmt.Errorf("no peer certificate presented")
	}
	return state.PeerCertificates[0].Subject.CommonName, nil
}
