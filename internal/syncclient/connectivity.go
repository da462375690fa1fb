package syncclient

import (
	"context"
	"time"
)

// defaultProbeTimeout bounds a single connectivity check.
const defaultProbeTimeout = 3 * time.Second

// Connectivity reports, at call time, whether the server is reachable.
// It must not block waiting for the network to come back.
type Connectivity interface {
	Online(ctx context.Context) bool
}

// ConnectivityFunc adapts a function to Connectivity.
type ConnectivityFunc func(ctx context.Context) bool

// Online calls f.
func (f ConnectivityFunc) Online(ctx context.Context) bool {
	return f(ctx)
}

// Pinger checks server health. *remote.Client satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Probe treats the server as reachable when its health check succeeds
// within the timeout.
type Probe struct {
	pinger  Pinger
	timeout time.Duration
}

// NewProbe creates a Probe. A zero timeout uses three seconds.
func NewProbe(p Pinger, timeout time.Duration) *Probe {
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}

	return &Probe{pinger: p, timeout: timeout}
}

// Online reports whether the health check succeeded.
func (p *Probe) Online(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	return p.pinger.Ping(ctx) == nil
}
