// Package supervisor couples the upstream client group's lifecycle to
// subscriber presence (§4.8): unless configured permanent, the group
// starts on the first subscriber and stops when the last one leaves.
package supervisor

import (
	"context"
	"sync"

	"github.com/mhaberler/adsb-feeder/logging"
)

// Group is a supervised unit of upstream clients (or any other background
// service) gated on subscriber presence.
type Group struct {
	Permanent bool

	start  func(ctx context.Context)
	logger logging.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	parent context.Context
}

// NewGroup builds a Group whose start function is invoked in a fresh
// goroutine whenever the group transitions from stopped to running. start
// must return once its ctx is cancelled.
func NewGroup(permanent bool, start func(ctx context.Context), logger logging.Logger) *Group {
	if logger == nil {
		logger = logging.Nop
	}
	return &Group{Permanent: permanent, start: start, logger: logger}
}

// Init binds the group to a parent context and, if Permanent, starts it
// immediately; a permanent group is never stopped by subscriber
// transitions (§4.8).
func (g *Group) Init(parent context.Context) {
	g.mu.Lock()
	g.parent = parent
	g.mu.Unlock()
	if g.Permanent {
		g.startLocked()
	}
}

// OnSubscriberCountChanged is wired to the subscriber registry's onChange
// callback (§4.8): it starts the group on a 0→1 transition and stops it on
// a 1→0 transition. Permanent groups ignore subscriber transitions
// entirely.
func (g *Group) OnSubscriberCountChanged(count int) {
	if g.Permanent {
		return
	}
	switch count {
	case 1:
		g.startLocked()
	case 0:
		g.stopLocked()
	}
}

func (g *Group) startLocked() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ctx != nil {
		return // already running
	}
	ctx, cancel := context.WithCancel(g.parent)
	g.ctx = ctx
	g.cancel = cancel
	g.logger.Infof("supervisor group starting permanent=%v", g.Permanent)
	go g.start(ctx)
}

func (g *Group) stopLocked() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel == nil {
		return
	}
	g.logger.Infof("supervisor group stopping")
	g.cancel()
	g.ctx = nil
	g.cancel = nil
}

// Running reports whether the group is currently active.
func (g *Group) Running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ctx != nil
}
