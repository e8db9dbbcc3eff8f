package subscriber

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mhaberler/adsb-feeder/bbox"
)

func TestRegistryTracksCountTransitions(t *testing.T) {
	var counts []int
	reg := NewRegistry(func(n int) { counts = append(counts, n) })

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	s := NewTCPSession(a, nil)

	reg.Register(s)
	reg.Unregister(s)

	if len(counts) != 2 || counts[0] != 1 || counts[1] != 0 {
		t.Fatalf("expected [1 0] transitions, got %v", counts)
	}
}

func TestTCPSessionBBoxUpdateValidation(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	s := NewTCPSession(server, nil)
	done := make(chan struct{})
	go func() {
		s.Serve()
		close(done)
	}()

	good := []byte(`{"min_latitude":46,"max_latitude":47,"min_longitude":14,"max_longitude":16}` + "\n")
	if _, err := client.Write(good); err != nil {
		t.Fatalf("write: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	got := s.BBox()
	want := bbox.BoundingBox{MinLatitude: 46, MaxLatitude: 47, MinLongitude: 14, MaxLongitude: 16, MinAltitude: -100, MaxAltitude: 1e7}
	if got != want {
		t.Fatalf("bbox not updated: got %+v want %+v", got, want)
	}

	client.Close()
	<-done
}

func TestTCPSessionSendGeobufIsNoop(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	s := NewTCPSession(a, nil)
	s.SendGeobuf([]byte("ignored"))
}

func TestSelectSubProtocolPrefersGeobuf(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Sec-WebSocket-Protocol", "adsb-json, adsb-geobuf")
	if got := selectSubProtocol(req); got != "adsb-geobuf" {
		t.Fatalf("selectSubProtocol = %q, want adsb-geobuf", got)
	}
}

func TestSelectSubProtocolFallsBackToJSON(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Sec-WebSocket-Protocol", "adsb-json")
	if got := selectSubProtocol(req); got != "adsb-json" {
		t.Fatalf("selectSubProtocol = %q, want adsb-json", got)
	}
}

func TestSelectSubProtocolNoMatch(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Sec-WebSocket-Protocol", "other")
	if got := selectSubProtocol(req); got != "" {
		t.Fatalf("selectSubProtocol = %q, want empty", got)
	}
}
