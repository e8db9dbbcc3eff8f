package observation

import (
	"testing"
	"time"

	"github.com/mhaberler/adsb-feeder/bbox"
	"github.com/mhaberler/adsb-feeder/sbs1"
)

func newTestTable(t *testing.T) *Table {
	t.Helper()
	tbl, err := NewTable(nil)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	t.Cleanup(func() { _ = tbl.Close() })
	return tbl
}

func mustParse(t *testing.T, line string) *sbs1.Record {
	t.Helper()
	rec, ok := sbs1.Parse(line)
	if !ok {
		t.Fatalf("failed to parse line: %q", line)
	}
	return rec
}

func TestIngestNewAircraftIsUpdated(t *testing.T) {
	tbl := newTestTable(t)
	now := time.Now()

	line := "MSG,1,1,1,abc123,1,2024/01/01,00:00:00,2024/01/01,00:00:00,N12345,,,,,,,,,,,0"
	rec := mustParse(t, line)

	if updated := tbl.Ingest(rec, now); !updated {
		t.Fatalf("first observation of an aircraft must be marked updated")
	}
	snap := tbl.Snapshot()
	if len(snap) != 1 || snap[0].Icao24 != "abc123" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestIngestMergeMonotonicity(t *testing.T) {
	tbl := newTestTable(t)
	now := time.Now()

	ident := mustParse(t, "MSG,1,1,1,abc123,1,2024/01/01,00:00:00,2024/01/01,00:00:00,N12345,,,,,,,,,,,0")
	tbl.Ingest(ident, now)

	pos := mustParse(t, "MSG,3,1,1,abc123,1,2024/01/01,00:00:01,2024/01/01,00:00:01,,10000,,,46.5,15.0,,,,,,0")
	if updated := tbl.Ingest(pos, now.Add(time.Second)); !updated {
		t.Fatalf("new altitude/position must mark the aircraft updated")
	}

	snap := tbl.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected single aircraft, got %d", len(snap))
	}
	obs := snap[0]
	if obs.Callsign == nil || *obs.Callsign != "N12345" {
		t.Fatalf("earlier callsign must survive the later position-only message, got %+v", obs.Callsign)
	}
	if obs.Altitude == nil || *obs.Altitude != 10000 {
		t.Fatalf("altitude not merged: %+v", obs.Altitude)
	}

	// Once the scheduler has cleared the bit, re-ingesting the exact same
	// position must not mark dirty again.
	if err := tbl.ClearUpdated("abc123"); err != nil {
		t.Fatalf("ClearUpdated: %v", err)
	}
	if updated := tbl.Ingest(pos, now.Add(2*time.Second)); updated {
		t.Fatalf("re-ingesting an unchanged record must not mark the aircraft updated")
	}
}

func TestClearUpdatedResetsFlagAndIsIdempotent(t *testing.T) {
	tbl := newTestTable(t)
	now := time.Now()
	rec := mustParse(t, "MSG,1,1,1,abc123,1,2024/01/01,00:00:00,2024/01/01,00:00:00,N12345,,,,,,,,,,,0")
	tbl.Ingest(rec, now)

	if err := tbl.ClearUpdated("abc123"); err != nil {
		t.Fatalf("ClearUpdated: %v", err)
	}
	snap := tbl.Snapshot()
	if len(snap) != 1 || snap[0].Updated {
		t.Fatalf("expected updated flag cleared, got %+v", snap)
	}

	// Clearing an already-clear aircraft is a no-op, not an error.
	if err := tbl.ClearUpdated("abc123"); err != nil {
		t.Fatalf("ClearUpdated on clean aircraft: %v", err)
	}
}

func TestClearUpdatedUnknownAircraftIsNoop(t *testing.T) {
	tbl := newTestTable(t)
	if err := tbl.ClearUpdated("ffffff"); err != nil {
		t.Fatalf("ClearUpdated on unknown aircraft should be a no-op, got %v", err)
	}
}

func TestInBBoxFiltersByPositionAndAltitude(t *testing.T) {
	tbl := newTestTable(t)
	now := time.Now()

	inside := mustParse(t, "MSG,3,1,1,aaaaaa,1,2024/01/01,00:00:00,2024/01/01,00:00:00,,10000,,,46.5,15.0,,,,,,0")
	outside := mustParse(t, "MSG,3,1,1,bbbbbb,1,2024/01/01,00:00:00,2024/01/01,00:00:00,,10000,,,10.0,10.0,,,,,,0")
	tbl.Ingest(inside, now)
	tbl.Ingest(outside, now)

	b := bbox.BoundingBox{MinLatitude: 46, MaxLatitude: 47, MinLongitude: 14, MaxLongitude: 16, MinAltitude: -100, MaxAltitude: 1e7}
	result := tbl.InBBox(b)
	if len(result) != 1 || result[0].Icao24 != "aaaaaa" {
		t.Fatalf("expected only aaaaaa within bbox, got %+v", result)
	}
}

func TestCountersAndSweep(t *testing.T) {
	tbl := newTestTable(t)
	now := time.Now()
	rec := mustParse(t, "MSG,1,1,1,abc123,1,2024/01/01,00:00:00,2024/01/01,00:00:00,N12345,,,,,,,,,,,0")
	tbl.Ingest(rec, now)

	c := tbl.Counters()
	if c.Messages != 1 {
		t.Fatalf("expected one message counted, got %d", c.Messages)
	}
	if c.ByTransmissionType[sbs1.ESIdentAndCategory] != 1 {
		t.Fatalf("expected transmission-type histogram to count message, got %+v", c.ByTransmissionType)
	}

	// Crossing the clean interval recomputes rates and resets counters.
	tbl.Ingest(rec, now.Add(CleanInterval+time.Second))
	c2 := tbl.Counters()
	if c2.MessageRate <= 0 {
		t.Fatalf("expected a positive message rate after sweep, got %v", c2.MessageRate)
	}
}
