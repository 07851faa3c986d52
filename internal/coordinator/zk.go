package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"

	"github.com/ezfrontend/efe-control/internal/ezerr"
)

// ZKCoordinator is the production Coordinator, backed by a live
// ZooKeeper session. ZooKeeper is an external collaborator (§1); this
// type is the seam through which this process talks to it.
type ZKCoordinator struct {
	conn *zk.Conn
	acl  []zk.ACL
	log  *slog.Logger
}

// Dial opens a ZooKeeper session against connString (comma-separated
// host:port pairs, per --zookeepers) and waits for the session to
// reach the connected state or ctx to expire.
func Dial(ctx context.Context, connString string, sessionTimeout time.Duration, log *slog.Logger) (*ZKCoordinator, error) {
	if log == nil {
		log = slog.Default()
	}
	servers := strings.Split(connString, ",")
	conn, events, err := zk.Connect(servers, sessionTimeout)
	if err != nil {
		return nil, &ezerr.CoordinationTimeout{Op: "connect", Err: err}
	}

	zc := &ZKCoordinator{conn: conn, acl: zk.WorldACL(zk.PermAll), log: log}

	connected := make(chan struct{})
	go func() {
		for ev := range events {
			if ev.State == zk.StateHasSession {
				select {
				case <-connected:
				default:
					close(connected)
				}
			}
			if ev.Err != nil {
				zc.log.Warn("zookeeper session event", "state", ev.State.String(), "error", ev.Err)
			}
		}
	}()

	select {
	case <-connected:
		return zc, nil
	case <-ctx.Done():
		conn.Close()
		return nil, &ezerr.CoordinationTimeout{Op: "connect", Err: ctx.Err()}
	}
}

func (c *ZKCoordinator) EnsurePath(ctx context.Context, path string) error {
	if path == "" || path == "/" {
		return nil
	}
	segments := strings.Split(strings.TrimPrefix(path, "/"), "/")
	cur := ""
	for _, seg := range segments {
		cur += "/" + seg
		exists, _, err := c.conn.Exists(cur)
		if err != nil {
			return c.wrap("ensurePath", err)
		}
		if exists {
			continue
		}
		if _, err := c.conn.Create(cur, nil, 0, c.acl); err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return c.wrap("ensurePath", err)
		}
	}
	return nil
}

func (c *ZKCoordinator) Create(ctx context.Context, path string, data []byte) error {
	if _, err := c.conn.Create(path, data, 0, c.acl); err != nil {
		return c.wrap("create", err)
	}
	return nil
}

func (c *ZKCoordinator) Set(ctx context.Context, path string, data []byte) error {
	if _, err := c.conn.Set(path, data, -1); err != nil {
		return c.wrap("set", err)
	}
	return nil
}

func (c *ZKCoordinator) Delete(ctx context.Context, path string) error {
	if err := c.conn.Delete(path, -1); err != nil && !errors.Is(err, zk.ErrNoNode) {
		return c.wrap("delete", err)
	}
	return nil
}

func (c *ZKCoordinator) Exists(ctx context.Context, path string) (bool, error) {
	exists, _, err := c.conn.Exists(path)
	if err != nil {
		return false, c.wrap("exists", err)
	}
	return exists, nil
}

func (c *ZKCoordinator) GetChildren(ctx context.Context, path string) ([]string, error) {
	children, _, err := c.conn.Children(path)
	if err != nil {
		return nil, c.wrap("getChildren", err)
	}
	return children, nil
}

func (c *ZKCoordinator) Get(ctx context.Context, path string) ([]byte, error) {
	data, _, err := c.conn.Get(path)
	if err != nil {
		return nil, c.wrap("get", err)
	}
	return data, nil
}

type zkUnlocker struct {
	lock *zk.Lock
}

func (u *zkUnlocker) Unlock() error { return u.lock.Unlock() }

func (c *ZKCoordinator) Lock(ctx context.Context, path, tag string) (Unlocker, error) {
	lock := zk.NewLock(c.conn, path, c.acl)
	if err := lock.Lock(); err != nil {
		return nil, c.wrap(fmt.Sprintf("lock(%s)", tag), err)
	}
	return &zkUnlocker{lock: lock}, nil
}

// DataWatch starts a persistent data-watch on path. Every rearm is a
// fresh GetW call; the callback's classification (first/reconnect vs
// changed vs other) happens here so the Watcher (C9) only has to
// react to the already-classified event.
func (c *ZKCoordinator) DataWatch(ctx context.Context, path string) (<-chan WatchEvent, error) {
	out := make(chan WatchEvent, 1)

	_, _, ch, err := c.conn.GetW(path)
	if err != nil {
		return nil, c.wrap("dataWatch", err)
	}

	go func() {
		defer close(out)
		out <- WatchEvent{Type: WatchReconnected}
		watchCh := ch
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watchCh:
				if !ok {
					return
				}
				switch ev.Type {
				case zk.EventNodeDataChanged:
					out <- WatchEvent{Type: WatchChanged}
				case zk.EventNotWatching:
					out <- WatchEvent{Type: WatchReconnected}
				default:
					out <- WatchEvent{Type: WatchOther}
				}

				_, _, nextCh, err := c.conn.GetW(path)
				if err != nil {
					out <- WatchEvent{Type: WatchOther, Err: err}
					select {
					case <-ctx.Done():
						return
					case <-time.After(time.Second):
					}
					continue
				}
				watchCh = nextCh
			}
		}
	}()

	return out, nil
}

func (c *ZKCoordinator) Close() error {
	c.conn.Close()
	return nil
}

func (c *ZKCoordinator) wrap(op string, err error) error {
	if errors.Is(err, zk.ErrConnectionClosed) || errors.Is(err, zk.ErrNoServer) {
		return &ezerr.CoordinationTimeout{Op: op, Err: err}
	}
	return fmt.Errorf("coordinator %s: %w", op, err)
}
