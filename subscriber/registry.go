// Package subscriber implements the two downstream transports — plain TCP
// and WebSocket — that share one filter/admission contract (§4.5) and are
// iterated by the fan-out scheduler every tick.
package subscriber

import (
	"sync"
	"time"

	"github.com/mhaberler/adsb-feeder/bbox"
)

// Session is what the fan-out scheduler needs from every registered
// subscriber, regardless of transport: an admission bbox and two
// non-blocking send paths, one per wire encoding.
type Session interface {
	// ID is a stable, log-friendly identifier (peer address, typically).
	ID() string
	// BBox returns the subscriber's current admission filter.
	BBox() bbox.BoundingBox
	// Authenticated reports whether this session carries a verified user —
	// a WebSocket subscriber lacking one is never dispatched to (§4.7c).
	Authenticated() bool
	// SendJSON enqueues a JSON frame (TCP sessions add the terminating
	// newline when writing it). Non-blocking: the
	// session may drop the frame or disconnect if its outbound queue is
	// saturated, but must never block the caller.
	SendJSON(frame []byte)
	// SendGeobuf enqueues a binary GeoBuf frame, for WebSocket subscribers
	// on the adsb-geobuf sub-protocol. TCP and adsb-json subscribers never
	// receive this call.
	SendGeobuf(frame []byte)
	// LastHeard returns the last time liveness was observed for this
	// session (pong received, or last inbound byte for TCP).
	LastHeard() time.Time
}

// WantsGeobuf is implemented by sessions that want the binary encoding;
// sessions that don't implement it are assumed to want JSON.
type WantsGeobuf interface {
	WantsGeobuf() bool
}

// Registry is the subscriber set the scheduler iterates every tick (§4.7,
// §4.8). Registration and iteration are safe for concurrent use; the
// specification's single-threaded model is replaced here with a mutex, per
// the Go translation note on §5.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Session
	onChange func(count int)
}

// NewRegistry builds an empty Registry. onChange, if non-nil, is invoked
// (outside the registry's lock) on every Register/Unregister with the new
// subscriber count, driving the lifecycle supervisor's 0↔1 transitions
// (§4.8).
func NewRegistry(onChange func(count int)) *Registry {
	return &Registry{sessions: make(map[string]Session), onChange: onChange}
}

// Register adds a session to the set.
func (r *Registry) Register(s Session) {
	r.mu.Lock()
	r.sessions[s.ID()] = s
	count := len(r.sessions)
	r.mu.Unlock()
	if r.onChange != nil {
		r.onChange(count)
	}
}

// Unregister removes a session from the set.
func (r *Registry) Unregister(s Session) {
	r.mu.Lock()
	delete(r.sessions, s.ID())
	count := len(r.sessions)
	r.mu.Unlock()
	if r.onChange != nil {
		r.onChange(count)
	}
}

// Count returns the number of currently-registered subscribers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns every registered session. The scheduler is expected to
// iterate these in ICAO24 order against the observation snapshot, not in
// the order returned here — subscriber order among themselves is
// unspecified by the specification.
func (r *Registry) Snapshot() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
