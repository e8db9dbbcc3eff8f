package subscriber

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mhaberler/adsb-feeder/bbox"
	"github.com/mhaberler/adsb-feeder/logging"
	"github.com/mhaberler/adsb-feeder/security"
)

// subProtocols are advertised in preference order (§4.5.1): GeoBuf first,
// JSON as the fallback.
var subProtocols = []string{"adsb-geobuf", "adsb-json"}

// keepaliveInterval is the control-ping period (§4.5).
const keepaliveInterval = 30 * time.Second

// closeAuthFailed is the non-standard close code the specification
// requires on handshake authentication failure (§4.5.2, §7).
const closeAuthFailed = 1066

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	Subprotocols:    subProtocols,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSSession is an authenticated WebSocket subscriber (§4.5). Each session
// has exactly one deadline timer (JWT-derived) and one periodic keepalive
// timer, both cancelled on close (§5).
type WSSession struct {
	conn     *websocket.Conn
	proto    string
	usr      string
	logger   logging.Logger
	deadline time.Time

	mu   sync.Mutex
	bb   bbox.BoundingBox
	last time.Time

	out    chan wsFrame
	closed chan struct{}
	once   sync.Once
}

// wsFrame tags an outbound payload with the gorilla message type it must
// be sent as — text for JSON, binary for GeoBuf.
type wsFrame struct {
	kind int
	data []byte
}

// Upgrade performs the WebSocket handshake and JWT verification described
// in §4.5.2. On success it returns a session that is neither registered
// nor served yet; on failure the connection has already been denied (HTTP 400
// for no matching sub-protocol, close code 1066 for an auth failure) and
// the returned session is nil.
func Upgrade(w http.ResponseWriter, r *http.Request, auth *security.Authenticator, logger logging.Logger) *WSSession {
	if logger == nil {
		logger = logging.Nop
	}

	chosen := selectSubProtocol(r)
	if chosen == "" {
		http.Error(w, "no acceptable sub-protocol", http.StatusBadRequest)
		return nil
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warnf("ws handshake upgrade failed err=%v", err)
		return nil
	}

	claims, deadline, err := auth.Verify(r.URL.Query().Get("token"), chosen)
	if err != nil {
		logger.Warnf("ws handshake auth failed peer=%s err=%v", conn.RemoteAddr(), err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(closeAuthFailed, "invalid token"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return nil
	}

	s := &WSSession{
		conn:     conn,
		proto:    chosen,
		usr:      claims.Usr,
		logger:   logger,
		deadline: deadline,
		bb:       bbox.FromQuery(bbox.Default(), r.URL.Query()),
		last:     time.Now(),
		out:      make(chan wsFrame, sendQueueDepth),
		closed:   make(chan struct{}),
	}
	return s
}

// selectSubProtocol implements §4.5.2.1: the first of the server's
// advertised sub-protocols, in order, that the client also offered.
func selectSubProtocol(r *http.Request) string {
	offered := websocket.Subprotocols(r)
	offeredSet := make(map[string]bool, len(offered))
	for _, p := range offered {
		offeredSet[p] = true
	}
	for _, p := range subProtocols {
		if offeredSet[p] {
			return p
		}
	}
	return ""
}

func (s *WSSession) ID() string          { return s.conn.RemoteAddr().String() }
func (s *WSSession) Authenticated() bool { return s.usr != "" }
func (s *WSSession) WantsGeobuf() bool   { return s.proto == "adsb-geobuf" }

func (s *WSSession) BBox() bbox.BoundingBox {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bb
}

func (s *WSSession) LastHeard() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *WSSession) touch() {
	s.mu.Lock()
	s.last = time.Now()
	s.mu.Unlock()
}

func (s *WSSession) SendJSON(data []byte) {
	s.enqueue(wsFrame{kind: websocket.TextMessage, data: data})
}

func (s *WSSession) SendGeobuf(data []byte) {
	s.enqueue(wsFrame{kind: websocket.BinaryMessage, data: data})
}

func (s *WSSession) enqueue(f wsFrame) {
	select {
	case s.out <- f:
	default:
		s.logger.Warnf("ws subscriber peer=%s outbound queue saturated, disconnecting", s.ID())
		s.Close()
	}
}

func (s *WSSession) Close() {
	s.once.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
}

// Serve drives the session until its deadline fires, the keepalive
// connection dies, or the peer disconnects. Callers register the session
// with a Registry before calling Serve and unregister it once Serve
// returns.
func (s *WSSession) Serve() {
	deadlineTimer := time.NewTimer(time.Until(s.deadline))
	defer deadlineTimer.Stop()
	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	s.conn.SetPongHandler(func(string) error {
		s.touch()
		return nil
	})

	go s.readLoop()

	for {
		select {
		case <-deadlineTimer.C:
			s.logger.Infof("ws subscriber peer=%s session expired", s.ID())
			s.Close()
			return
		case <-keepalive.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				s.Close()
				return
			}
		case f := <-s.out:
			if err := s.conn.WriteMessage(f.kind, f.data); err != nil {
				s.Close()
				return
			}
		case <-s.closed:
			return
		}
	}
}

// readLoop handles inbound bbox update messages (§4.5) and detects peer
// disconnects.
func (s *WSSession) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.Close()
			return
		}
		s.touch()

		updated, verr := bbox.Validate(data)
		if verr != nil {
			if encoded, err := json.Marshal(verr); err == nil {
				s.SendJSON(encoded)
			}
			continue
		}
		s.mu.Lock()
		s.bb = updated
		s.mu.Unlock()
	}
}
