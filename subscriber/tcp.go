package subscriber

import (
	"bufio"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/mhaberler/adsb-feeder/bbox"
	"github.com/mhaberler/adsb-feeder/logging"
)

// sendQueueDepth bounds the per-session outbound buffer; a subscriber that
// cannot keep up is disconnected rather than allowed to stall the tick
// (§4.7 backpressure).
const sendQueueDepth = 64

// TCPSession is an unauthenticated TCP subscriber (§4.5): it accepts raw
// JSON bbox updates on its inbound stream and receives newline-terminated
// JSON frames on output. No sub-protocol negotiation applies.
type TCPSession struct {
	conn   net.Conn
	logger logging.Logger

	mu   sync.Mutex
	bb   bbox.BoundingBox
	last time.Time

	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

// NewTCPSession wraps an accepted connection as a subscriber session with
// the default match-all bbox (§4.5).
func NewTCPSession(conn net.Conn, logger logging.Logger) *TCPSession {
	if logger == nil {
		logger = logging.Nop
	}
	return &TCPSession{
		conn:   conn,
		logger: logger,
		bb:     bbox.Default(),
		last:   time.Now(),
		out:    make(chan []byte, sendQueueDepth),
		closed: make(chan struct{}),
	}
}

func (s *TCPSession) ID() string { return s.conn.RemoteAddr().String() }

func (s *TCPSession) BBox() bbox.BoundingBox {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bb
}

func (s *TCPSession) Authenticated() bool { return true } // no auth gate for TCP (§4.5)

func (s *TCPSession) LastHeard() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// SendJSON enqueues a frame, dropping it (and closing the session) if the
// outbound queue is saturated — never blocking the dispatch loop.
func (s *TCPSession) SendJSON(frame []byte) {
	select {
	case s.out <- frame:
	default:
		s.logger.Warnf("tcp subscriber peer=%s outbound queue saturated, disconnecting", s.ID())
		s.Close()
	}
}

// SendGeobuf is a no-op: TCP subscribers only ever receive JSON frames.
func (s *TCPSession) SendGeobuf([]byte) {}

// Close tears the session down exactly once.
func (s *TCPSession) Close() {
	s.once.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
}

// writeLoop drains the outbound queue onto the socket until the session is
// closed.
func (s *TCPSession) writeLoop() {
	for {
		select {
		case frame := <-s.out:
			if _, err := s.conn.Write(append(frame, '\n')); err != nil {
				s.Close()
				return
			}
		case <-s.closed:
			return
		}
	}
}

// readLoop treats every inbound line as a JSON bbox update (§6.3): on
// success it replaces the session's bbox; on failure it writes the
// structured validation error back to the peer.
func (s *TCPSession) readLoop() {
	scanner := bufio.NewScanner(s.conn)
	for scanner.Scan() {
		s.mu.Lock()
		s.last = time.Now()
		s.mu.Unlock()

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		updated, verr := bbox.Validate(line)
		if verr != nil {
			if data, err := json.Marshal(verr); err == nil {
				s.SendJSON(data)
			}
			continue
		}
		s.mu.Lock()
		s.bb = updated
		s.mu.Unlock()
	}
	s.Close()
}

// Serve runs the session's read and write loops until the connection
// closes. Callers are expected to register the session with a Registry
// before calling Serve and unregister it once Serve returns.
func (s *TCPSession) Serve() {
	go s.writeLoop()
	s.readLoop()
}
