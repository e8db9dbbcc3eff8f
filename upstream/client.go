package upstream

import (
	"context"
	"net"
	"time"

	"github.com/mhaberler/adsb-feeder/logging"
)

// Client maintains a single persistent outbound connection to one
// upstream feeder endpoint (§4.3). It reconnects under an exponential
// backoff with factor e whenever the connection drops, resetting the
// backoff on every successful connect.
type Client struct {
	Addr     string
	Counters Counters

	logger  logging.Logger
	handle  LineHandler
	dialer  net.Dialer
}

// NewClient builds a Client for addr. handle is invoked for every line
// read from the connection, for as long as Run is active.
func NewClient(addr string, handle LineHandler, logger logging.Logger) *Client {
	if logger == nil {
		logger = logging.Nop
	}
	return &Client{Addr: addr, handle: handle, logger: logger}
}

// Run dials Addr and serves until ctx is cancelled, reconnecting under
// backoff on every transient failure. It only returns once ctx is done.
func (c *Client) Run(ctx context.Context) {
	b := newBackOff()
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := c.dialer.DialContext(ctx, "tcp", c.Addr)
		if err != nil {
			c.logger.Warnf("upstream client addr=%s dial failed err=%v", c.Addr, err)
			c.sleep(ctx, b.NextBackOff())
			continue
		}

		c.Counters.bumpConnect()
		c.logger.Infof("upstream client addr=%s connected connects=%d", c.Addr, c.Counters.Snapshot().Connects)
		b.Reset()

		c.serve(ctx, conn)

		if ctx.Err() != nil {
			return
		}
		c.logger.Warnf("upstream client addr=%s disconnected, reconnecting", c.Addr)
		c.sleep(ctx, b.NextBackOff())
	}
}

// serve reads lines from conn until it closes or ctx is cancelled.
func (c *Client) serve(ctx context.Context, conn net.Conn) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		readLines(conn, &c.Counters, c.handle)
	}()

	select {
	case <-ctx.Done():
		_ = conn.Close()
		<-done
	case <-done:
		_ = conn.Close()
	}
}

func (c *Client) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
