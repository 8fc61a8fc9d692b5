package probe

import (
	"context"
	"sync"

	"github.com/golang/glog"

	"github.com/hb9tf/meshsurvey/survey"
)

// Guard shares a single physical probe between sessions. Reads are
// serialised process wide and a session running continuous collection holds
// a lease that makes every other session fail fast with ErrBusy.
type Guard struct {
	probe Probe
	sem   chan struct{}

	mu    sync.Mutex
	owner string
}

func NewGuard(p Probe) *Guard {
	return &Guard{
		probe: p,
		sem:   make(chan struct{}, 1),
	}
}

func (g *Guard) Name() string {
	return g.probe.Name()
}

// Acquire leases the probe to owner. Acquiring an already held lease is a no-op.
func (g *Guard) Acquire(owner string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.owner != "" && g.owner != owner {
		return ErrBusy
	}
	if g.owner == "" {
		glog.V(1).Infof("probe %s leased to session %s", g.probe.Name(), owner)
	}
	g.owner = owner
	return nil
}

// Release drops the lease if owner holds it.
func (g *Guard) Release(owner string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.owner == owner {
		g.owner = ""
		glog.V(1).Infof("probe %s released by session %s", g.probe.Name(), owner)
	}
}

// Owner returns the session currently holding the lease, if any.
func (g *Guard) Owner() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.owner
}

// Read performs a serialised read on behalf of owner.
func (g *Guard) Read(ctx context.Context, owner string) (survey.SignalReading, error) {
	g.mu.Lock()
	held := g.owner
	g.mu.Unlock()
	if held != "" && held != owner {
		return survey.SignalReading{}, ErrBusy
	}

	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return survey.SignalReading{}, ctx.Err()
	}
	defer func() { <-g.sem }()
	return g.probe.ReadCurrent(ctx)
}
