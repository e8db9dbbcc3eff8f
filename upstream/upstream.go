// Package upstream maintains the persistent, line-oriented TCP connections
// that feed raw SBS-1 text into the parser, in both directions: an
// Upstream Client that dials out and reconnects under a backoff policy
// (§4.3), and an Upstream Server that accepts inbound feeder connections
// and never reconnects (§4.4).
package upstream

import (
	"bufio"
	"math"
	"net"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// LineHandler receives each decoded line from an UpstreamConnection, along
// with the moment it was read. It is expected to parse and ingest the line
// into the observation table; errors are swallowed by design (malformed
// lines are a silent-drop concern of the parser, not the transport).
type LineHandler func(line string, at time.Time)

// Counters are the per-connection bookkeeping fields from §3's
// UpstreamConnection: one connect bump per successful dial/accept, one
// lines/bytes bump per line read.
type Counters struct {
	Connects int64
	Lines    int64
	Bytes    int64
}

func (c *Counters) bumpConnect() { atomic.AddInt64(&c.Connects, 1) }
func (c *Counters) bumpLine(n int) {
	atomic.AddInt64(&c.Lines, 1)
	atomic.AddInt64(&c.Bytes, int64(n))
}

// Snapshot returns a copy of the counters safe to read concurrently with
// the connection that owns them.
func (c *Counters) Snapshot() Counters {
	return Counters{
		Connects: atomic.LoadInt64(&c.Connects),
		Lines:    atomic.LoadInt64(&c.Lines),
		Bytes:    atomic.LoadInt64(&c.Bytes),
	}
}

// newBackOff builds the reconnect policy from §4.3: initial delay 0.5s,
// factor e (not the library's base-2 default), max delay 20s, jitterless.
func newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.Multiplier = math.E
	b.MaxInterval = 20 * time.Second
	b.RandomizationFactor = 0
	return b
}

// readLines scans conn line-by-line (LF or CRLF, per §6.1), invoking
// handle for each line and bumping counters as it goes. It returns when
// the connection is closed or the scanner errors.
func readLines(conn net.Conn, counters *Counters, handle LineHandler) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		counters.bumpLine(len(line))
		handle(line, time.Now())
	}
}
