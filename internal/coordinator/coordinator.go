// Package coordinator implements the Coordinator Client (C5): a typed
// wrapper over the coordination service (ZooKeeper) exposing the path
// layout, locking, and watch primitives the rest of the control plane
// needs, per §4.5.
package coordinator

import (
	"context"
	"strconv"
	"time"
)

// Paths is the fixed path layout under a configured root, per §4.5.
type Paths struct {
	Root string
}

func (p Paths) join(segment string) string {
	if p.Root == "" || p.Root == "/" {
		return "/" + segment
	}
	return p.Root + "/" + segment
}

// Config is "…/config", one child per registration.
func (p Paths) Config() string { return p.join("config") }

// ConfigChild is "…/config/<nodeName>".
func (p Paths) ConfigChild(nodeName string) string { return p.Config() + "/" + nodeName }

// Watch is "…/watch", the change-notification fan-out node.
func (p Paths) Watch() string { return p.join("watch") }

// SSL is "…/ssl", one empty child per serverName with a published cert.
func (p Paths) SSL() string { return p.join("ssl") }

// SSLChild is "…/ssl/<serverName>".
func (p Paths) SSLChild(serverName string) string { return p.SSL() + "/" + serverName }

// Lock is the distributed lock path used to serialize writer
// operations.
func (p Paths) Lock() string { return p.join("lock") }

// Instances is where the process registers its host:port for service
// discovery on startup and removes on clean shutdown (§6).
func (p Paths) Instances() string { return p.join("instances") }

// AllPaths returns the fixed top-level nodes that must exist before
// any operation, for EnsurePath at startup.
func (p Paths) AllPaths() []string {
	return []string{p.Config(), p.Watch(), p.SSL(), p.Lock(), p.Instances()}
}

// WatchEventType classifies a DataWatch callback invocation, per §4.9.
type WatchEventType int

const (
	// WatchReconnected covers both the first invocation and any
	// reconnection with no specific event — both are treated as
	// "enqueue a reconfigure" per §4.9.
	WatchReconnected WatchEventType = iota
	// WatchChanged is a data-changed event — also enqueues.
	WatchChanged
	// WatchOther is logged only.
	WatchOther
)

// WatchEvent is delivered on the channel returned by DataWatch.
type WatchEvent struct {
	Type WatchEventType
	Err  error
}

// Unlocker releases a lock acquired via Coordinator.Lock.
type Unlocker interface {
	Unlock() error
}

// Coordinator is the capability set C5 needs: ensurePath, create, set,
// delete, exists, getChildren, get, lock, and a persistent data watch.
type Coordinator interface {
	EnsurePath(ctx context.Context, path string) error
	Create(ctx context.Context, path string, data []byte) error
	Set(ctx context.Context, path string, data []byte) error
	Delete(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)
	GetChildren(ctx context.Context, path string) ([]string, error)
	Get(ctx context.Context, path string) ([]byte, error)

	// Lock acquires the distributed lock at path for the duration of
	// the caller's critical section; tag is a human-readable label
	// used in contention logging.
	Lock(ctx context.Context, path, tag string) (Unlocker, error)

	// DataWatch starts a persistent data-watch on path, rearming on
	// every invocation, and delivers classified events on the
	// returned channel until ctx is cancelled.
	DataWatch(ctx context.Context, path string) (<-chan WatchEvent, error)

	// Close releases the underlying session.
	Close() error
}

// BumpWatch sets paths.Watch() to the current time in epoch
// milliseconds, the change-notification signal every mutating
// operation sends after its primary write, per §4.5.
func BumpWatch(ctx context.Context, c Coordinator, paths Paths) error {
	return c.Set(ctx, paths.Watch(), []byte(strconv.FormatInt(nowMillis(), 10)))
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
