// Package discovery implements the service-discovery registration
// named in §6: the process registers its host:port under a well-known
// node on startup and removes it on clean shutdown. No separate
// service-discovery collaborator is named in §1, so this registration
// lives as a node under the coordination service, a sibling of §4.5's
// fixed root (Paths.Instances).
package discovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ezfrontend/efe-control/internal/coordinator"
	"github.com/ezfrontend/efe-control/internal/registration"
)

// Registration is a live service-discovery entry. Unregister is
// idempotent: calling it twice, or calling it after the coordinator
// session is already gone, is not an error worth failing shutdown
// over.
type Registration struct {
	coord coordinator.Coordinator
	path  string
	log   *slog.Logger
}

// Register creates the instance node at Paths.Instances()/<encoded
// address>, storing addr as the node's data, and returns a handle used
// to remove it again on clean shutdown.
func Register(ctx context.Context, coord coordinator.Coordinator, paths coordinator.Paths, addr string, log *slog.Logger) (*Registration, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := coord.EnsurePath(ctx, paths.Instances()); err != nil {
		return nil, fmt.Errorf("discovery: ensure instances path: %w", err)
	}
	path := paths.Instances() + "/" + registration.B62(addr)
	if err := coord.Create(ctx, path, []byte(addr)); err != nil {
		if exists, existsErr := coord.Exists(ctx, path); existsErr == nil && exists {
			if setErr := coord.Set(ctx, path, []byte(addr)); setErr != nil {
				return nil, fmt.Errorf("discovery: refresh instance node %s: %w", path, setErr)
			}
		} else {
			return nil, fmt.Errorf("discovery: create instance node %s: %w", path, err)
		}
	}
	log.Info("registered for service discovery", "address", addr, "path", path)
	return &Registration{coord: coord, path: path, log: log}, nil
}

// Unregister removes the instance node. It is safe to call more than
// once.
func (r *Registration) Unregister(ctx context.Context) error {
	if r == nil {
		return nil
	}
	if err := r.coord.Delete(ctx, r.path); err != nil {
		return fmt.Errorf("discovery: delete instance node %s: %w", r.path, err)
	}
	r.log.Info("unregistered from service discovery", "path", r.path)
	return nil
}

// Instances lists the currently-registered host:port addresses, read
// back from the instance nodes' data.
func Instances(ctx context.Context, coord coordinator.Coordinator, paths coordinator.Paths) ([]string, error) {
	children, err := coord.GetChildren(ctx, paths.Instances())
	if err != nil {
		return nil, fmt.Errorf("discovery: list instances: %w", err)
	}
	out := make([]string, 0, len(children))
	for _, name := range children {
		data, err := coord.Get(ctx, paths.Instances()+"/"+name)
		if err != nil {
			continue
		}
		out = append(out, string(data))
	}
	return out, nil
}
