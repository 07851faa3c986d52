// Package runtime implements the Runtime/Lifecycle (C15): a small
// Listener contract and a Serve helper that runs every long-lived
// component of the control-plane process concurrently and coordinates
// graceful shutdown, adapted from the reference codebase's
// internal/transport package.
package runtime

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ezfrontend/efe-control/internal/shutdown"
)

// shutdownTimeout is the maximum time allowed for graceful shutdown of
// each Listener after the run context is done.
const shutdownTimeout = 15 * time.Second

// Listener is a component with a start/stop lifecycle, satisfied by
// the reconfigure Loop (C8), the coordination Watcher (C9), the
// Control RPC Server (C10), the Shutdown Monitor (C11), and the Ops
// HTTP Surface (C13). Start should block until the component finishes
// or ctx is cancelled; Stop performs graceful shutdown within ctx's
// deadline.
type Listener interface {
	Start(context.Context) error
	Stop(context.Context) error
}

// Serve runs every listener in lis concurrently. All listeners are
// started first; a single goroutine then waits for the shared,
// errgroup-derived context to be cancelled — by the parent ctx, or by
// any listener's Start returning a non-nil error — and stops every
// listener in turn within shutdownTimeout.
//
// A Start failure from the Shutdown Monitor carrying
// shutdown.ErrShutdownRequested is the sentinel-error-as-signal this
// coordination relies on: it is the one "failure" that represents a
// clean, externally requested stop rather than a fault, so Serve
// reports it as a nil return once every listener has wound down.
func Serve(ctx context.Context, log *slog.Logger, lis ...Listener) error {
	if log == nil {
		log = slog.Default()
	}

	eg, egCtx := errgroup.WithContext(ctx)

	for _, li := range lis {
		li := li
		eg.Go(func() error {
			return li.Start(egCtx)
		})
	}

	eg.Go(func() error {
		<-egCtx.Done()

		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		for _, li := range lis {
			if err := li.Stop(stopCtx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})

	err := eg.Wait()
	if err == nil {
		return nil
	}
	if errors.Is(err, shutdown.ErrShutdownRequested) {
		log.Info("clean shutdown requested, all listeners stopped")
		return nil
	}
	return err
}
