package configurer

import (
	"context"
	"net"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Resolver looks up the IP addresses behind a hostname. It matches
// net.Resolver.LookupHost's signature so the stdlib resolver can be
// used directly in production.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// netResolver wraps net.DefaultResolver.
type netResolver struct{}

func (netResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	return net.DefaultResolver.LookupHost(ctx, host)
}

// DedupResolver deduplicates concurrent lookups of the same hostname
// within a single Configure pass via singleflight, since the same
// upstream host commonly backs several locations (§4.6 step 3).
type DedupResolver struct {
	group singleflight.Group
	inner Resolver
}

// NewDedupResolver wraps inner (nil selects the stdlib resolver).
func NewDedupResolver(inner Resolver) *DedupResolver {
	if inner == nil {
		inner = netResolver{}
	}
	return &DedupResolver{inner: inner}
}

func (d *DedupResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	v, err, _ := d.group.Do(host, func() (any, error) {
		return d.inner.LookupHost(ctx, host)
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

// resolveAll resolves every distinct host in hosts concurrently over a
// small bounded worker pool, returning a map of host to the first
// error encountered (absent entries resolved cleanly).
func resolveAll(ctx context.Context, r Resolver, hosts []string, poolSize int) map[string]error {
	if poolSize <= 0 {
		poolSize = 8
	}
	results := make(map[string]error, len(hosts))
	var mu sync.Mutex
	sem := make(chan struct{}, poolSize)
	var wg sync.WaitGroup

	for _, h := range hosts {
		h := h
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			_, err := r.LookupHost(ctx, h)
			mu.Lock()
			results[h] = err
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results
}
