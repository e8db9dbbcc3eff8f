package upstream

import (
	"context"
	"net"
	"sync"

	"github.com/mhaberler/adsb-feeder/logging"
)

// Server listens for inbound feeder connections and serves each one
// identically to a Client connection — same line framing, same counter
// bookkeeping — but never reconnects (§4.4).
type Server struct {
	Addr string

	logger logging.Logger
	handle LineHandler

	mu    sync.Mutex
	conns map[net.Conn]*Counters
}

// NewServer builds a Server for addr. handle is invoked for every line
// read from any accepted connection.
func NewServer(addr string, handle LineHandler, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.Nop
	}
	return &Server{
		Addr:   addr,
		handle: handle,
		logger: logger,
		conns:  make(map[net.Conn]*Counters),
	}
}

// Run listens on Addr and accepts connections until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", s.Addr)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warnf("upstream server addr=%s accept failed err=%v", s.Addr, err)
			continue
		}
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	counters := &Counters{}
	counters.bumpConnect()

	s.mu.Lock()
	s.conns[conn] = counters
	s.mu.Unlock()

	s.logger.Infof("upstream server addr=%s accepted peer=%s", s.Addr, conn.RemoteAddr())

	defer func() {
		_ = conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	readLines(conn, counters, s.handle)
}

// Counters aggregates connects/lines/bytes across every currently-active
// accepted connection.
func (s *Server) Counters() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total Counters
	for _, c := range s.conns {
		snap := c.Snapshot()
		total.Connects += snap.Connects
		total.Lines += snap.Lines
		total.Bytes += snap.Bytes
	}
	return total
}
