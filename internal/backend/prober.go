package backend

import (
	"context"
	"fmt"

	"modelmux/internal/types"
)

// pinger is implemented by every adapter in this package.
type pinger interface {
	Ping(ctx context.Context) (string, error)
}

// Prober bridges the adapter set to the health monitor's probe loop.
type Prober struct {
	adapters Set
}

// NewProber wraps an adapter set.
func NewProber(adapters Set) *Prober {
	return &Prober{adapters: adapters}
}

// Ping dispatches a liveness check to the backend's adapter.
func (p *Prober) Ping(ctx context.Context, backend types.Backend) (string, error) {
	a, ok := p.adapters.For(backend)
	if !ok {
		return "", fmt.Errorf("no adapter for backend %s", backend)
	}
	pg, ok := a.(pinger)
	if !ok {
		if a.IsAvailable(ctx) {
			return "", nil
		}
		return "", fmt.Errorf("%s unavailable", backend)
	}
	return pg.Ping(ctx)
}
