// Package reconfigure implements the Reconfigure Loop (C8): a
// single-consumer queue that serializes reconfigure passes, per §4.8.
package reconfigure

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ezfrontend/efe-control/internal/ezerr"
)

// Configurer is the seam the Loop drives each pass through; it is
// satisfied by *configurer.Configurer, kept as an interface here so
// the Loop can be tested without standing up the whole dependency
// graph a real Configure pass needs.
type Configurer interface {
	Configure(ctx context.Context) error
}

// Factory builds a fresh Configurer on demand. The Loop calls it again
// whenever a non-fatal pass error causes it to drop its Configurer.
// The factory wired in cmd/efe-control hands every new Configurer the
// same process-wide Coordinator Client and Cert Store; neither handle
// is closed or reopened when the Configurer is rebuilt.
type Factory func(ctx context.Context) (Configurer, error)

// Loop is the Reconfigure Loop. Enqueue is idempotent-in-effect: any
// token triggers one full pass over the latest state.
type Loop struct {
	factory Factory
	queue   chan struct{}
	log     *slog.Logger

	fatal atomic.Bool
	once  sync.Once
	done  chan struct{}
}

// New returns a Loop. queueSize bounds how many pending enqueues may
// accumulate while a pass is in progress; further enqueues are dropped
// without blocking the caller (ordinarily the Watcher or an RPC
// handler), since a pending pass already reads the latest state.
func New(factory Factory, queueSize int, log *slog.Logger) *Loop {
	if queueSize <= 0 {
		queueSize = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Loop{
		factory: factory,
		queue:   make(chan struct{}, queueSize),
		log:     log,
		done:    make(chan struct{}),
	}
}

// Enqueue schedules a reconfigure pass. A full queue makes this a
// no-op, since any pass reads the latest state regardless of how many
// tokens triggered it.
func (l *Loop) Enqueue() {
	select {
	case l.queue <- struct{}{}:
	default:
	}
}

// ErrFatalCertStore is returned by Start once a CertStoreError has
// taken the Loop down, per §4.8's "a Cert Store exception signals the
// global run=false flag" rule. Runtime/Lifecycle (C15) observes this as
// an ordinary Start failure, which cancels every other Listener and
// drains the process.
var ErrFatalCertStore = errors.New("reconfigure: fatal cert store error, shutting down")

// Fatal reports whether a CertStoreError has been observed. The Control
// RPC Server (C10) and Ops HTTP Surface (C13) use this as a health-check
// signal up until Start itself returns ErrFatalCertStore and the process
// tears down.
func (l *Loop) Fatal() bool {
	return l.fatal.Load()
}

// Start runs the consumer loop until ctx is cancelled. It satisfies the
// Listener shape used by Runtime/Lifecycle (C15).
func (l *Loop) Start(ctx context.Context) error {
	defer l.once.Do(func() { close(l.done) })

	cfg, err := l.factory(ctx)
	if err != nil {
		l.log.Error("reconfigure loop: initial factory call failed", "error", err)
		cfg = nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-l.queue:
			if cfg == nil {
				cfg, err = l.factory(ctx)
				if err != nil {
					l.log.Error("reconfigure loop: factory retry failed", "error", err)
					continue
				}
			}
			if err := cfg.Configure(ctx); err != nil {
				l.handlePassError(err)
				cfg = nil
				if l.fatal.Load() {
					return ErrFatalCertStore
				}
			}
		}
	}
}

// Stop satisfies the Listener shape; the consumer loop already exits
// on ctx cancellation, so Stop only waits for that exit to complete.
func (l *Loop) Stop(ctx context.Context) error {
	select {
	case <-l.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (l *Loop) handlePassError(err error) {
	var certErr *ezerr.CertStoreError
	if errors.As(err, &certErr) {
		l.log.Error("reconfigure loop: fatal cert store error, signalling shutdown", "error", err)
		l.fatal.Store(true)
		return
	}
	l.log.Error("reconfigure loop: pass failed, resetting handles", "error", err)
}
