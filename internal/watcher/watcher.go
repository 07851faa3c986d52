// Package watcher implements the Watcher (C9): a persistent consumer
// of the Coordinator Client's "…/watch" data-watch, translating
// classified events into Reconfigure Loop enqueues, per §4.9.
package watcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/ezfrontend/efe-control/internal/coordinator"
)

// Enqueuer is the seam into the Reconfigure Loop (C8).
type Enqueuer interface {
	Enqueue()
}

// Watcher drives one persistent DataWatch subscription on
// paths.Watch() for the lifetime of ctx.
type Watcher struct {
	coord   coordinator.Coordinator
	paths   coordinator.Paths
	enqueue Enqueuer
	log     *slog.Logger

	resubscribeDelay time.Duration
}

// New returns a Watcher. coord is a long-lived Coordinator handle
// (cmd/efe-control passes the same one the Reconfigure Loop's
// Configurers use); a failed reconfigure pass only rebuilds the
// Configurer, so the watch subscription survives it.
func New(coord coordinator.Coordinator, paths coordinator.Paths, enqueue Enqueuer, log *slog.Logger) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{
		coord:            coord,
		paths:            paths,
		enqueue:          enqueue,
		log:              log,
		resubscribeDelay: time.Second,
	}
}

// Start subscribes to paths.Watch() and reacts to events until ctx is
// cancelled. A failure to (re)subscribe is retried after
// resubscribeDelay. It satisfies the Listener shape used by
// Runtime/Lifecycle (C15).
func (w *Watcher) Start(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		ch, err := w.coord.DataWatch(ctx, w.paths.Watch())
		if err != nil {
			w.log.Warn("watcher: subscribe failed, retrying", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.resubscribeDelay):
				continue
			}
		}

		w.consume(ctx, ch)

		if ctx.Err() != nil {
			return nil
		}
		// The channel closed without ctx being cancelled: the
		// underlying watch ended unexpectedly. Resubscribe.
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.resubscribeDelay):
		}
	}
}

// Stop is a no-op; Start already exits promptly on ctx cancellation.
func (w *Watcher) Stop(ctx context.Context) error { return nil }

func (w *Watcher) consume(ctx context.Context, ch <-chan coordinator.WatchEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			w.handle(ev)
		}
	}
}

func (w *Watcher) handle(ev coordinator.WatchEvent) {
	switch ev.Type {
	case coordinator.WatchReconnected, coordinator.WatchChanged:
		w.enqueue.Enqueue()
	default:
		if ev.Err != nil {
			w.log.Warn("watcher: watch event", "error", ev.Err)
		} else {
			w.log.Debug("watcher: watch event, no reconfigure needed")
		}
	}
}
