// Package shutdown implements the Shutdown Monitor (C11): a
// filesystem watch over a sentinel file whose deletion is the external
// trigger for a clean process stop, per §5's "run=false" transition.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrShutdownRequested is returned by Start when the sentinel file is
// observed missing. Runtime/Lifecycle (C15) treats it as the signal to
// cancel and stop every other Listener, rather than as a failure; the
// application then unregisters from service discovery and stops the
// worker. Tokens still queued in the Reconfigure Loop are not
// processed.
var ErrShutdownRequested = errors.New("shutdown: sentinel removed")

// Options configures one Monitor.
type Options struct {
	// SentinelPath is the file whose absence requests shutdown. Empty
	// disables the monitor: Start then blocks until ctx is cancelled
	// and returns nil.
	SentinelPath string
	// PollInterval is the fallback poll period, in case the
	// underlying filesystem does not deliver an event for the
	// sentinel's removal (network filesystems, some container
	// overlays).
	PollInterval time.Duration
	Log          *slog.Logger
}

const defaultPollInterval = 2 * time.Second

// Monitor watches Options.SentinelPath and reports its removal.
type Monitor struct {
	opts Options
	log  *slog.Logger
}

// New returns a Monitor for opts.
func New(opts Options) *Monitor {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	return &Monitor{opts: opts, log: opts.Log.With("component", "shutdown")}
}

// Start blocks until the sentinel file is found missing (returning
// ErrShutdownRequested), or ctx is cancelled (returning nil). It
// satisfies the Listener shape used by Runtime/Lifecycle (C15).
func (m *Monitor) Start(ctx context.Context) error {
	if m.opts.SentinelPath == "" {
		<-ctx.Done()
		return nil
	}

	if absent(m.opts.SentinelPath) {
		m.log.Warn("sentinel already absent at startup", "path", m.opts.SentinelPath)
		return ErrShutdownRequested
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("shutdown: new watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(m.opts.SentinelPath)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("shutdown: watch %s: %w", dir, err)
	}

	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Name != m.opts.SentinelPath {
				continue
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			m.log.Info("sentinel removed", "path", m.opts.SentinelPath)
			return ErrShutdownRequested

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.log.Warn("sentinel watch error", "error", err)

		case <-ticker.C:
			if absent(m.opts.SentinelPath) {
				m.log.Info("sentinel found missing on poll", "path", m.opts.SentinelPath)
				return ErrShutdownRequested
			}
		}
	}
}

// Stop is a no-op: Start owns the watcher's lifetime and releases it
// on return.
func (m *Monitor) Stop(ctx context.Context) error {
	return nil
}

func absent(path string) bool {
	_, err := os.Stat(path)
	return os.IsNotExist(err)
}
