package observation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/buntdb"

	"github.com/mhaberler/adsb-feeder/bbox"
	"github.com/mhaberler/adsb-feeder/logging"
	"github.com/mhaberler/adsb-feeder/sbs1"
)

const obsPrefix = "obs:"

// CounterBundle is the parser/observation bookkeeping snapshot (§3): raw
// message counts, a per-transmission-type histogram, and the rates derived
// at the last sweep.
type CounterBundle struct {
	Messages            int64
	PresentableMessages int64
	ByTransmissionType   map[sbs1.TransmissionType]int64
	MessageRate          float64
	ObservationRate      float64
}

type counterState struct {
	messages    int64
	presentable int64
	byType      map[sbs1.TransmissionType]int64

	messageRate     float64
	observationRate float64
}

// Table is the process-global ObservationTable (§3): mutated by Ingest (the
// parser path) and, for the updated bit only, by ClearUpdated; read by
// Snapshot (the scheduler path). It is
// backed by an in-memory BuntDB instance so that the bbox filter can use a
// real R-tree spatial index (see InBBox) and per-key TTL gives eviction
// (§4.2) without a separately-scheduled sweep goroutine; the db is opened
// against ":memory:" so nothing is ever written to disk, preserving the
// "does not persist messages" non-goal.
type Table struct {
	db     *buntdb.DB
	logger logging.Logger

	mu        sync.Mutex
	counters  counterState
	nextClean time.Time
}

// NewTable opens a fresh, empty ObservationTable.
func NewTable(logger logging.Logger) (*Table, error) {
	if logger == nil {
		logger = logging.Nop
	}
	db, err := buntdb.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("open observation table: %w", err)
	}
	if err := db.CreateSpatialIndex("pos", obsPrefix+"*", rectFromValue); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create spatial index: %w", err)
	}
	return &Table{
		db:        db,
		logger:    logger,
		nextClean: time.Now().Add(CleanInterval),
		counters:  counterState{byType: make(map[sbs1.TransmissionType]int64)},
	}, nil
}

// Close releases the underlying store.
func (t *Table) Close() error { return t.db.Close() }

// rectFromValue extracts a point rectangle (lon, lat) from a stored
// Observation JSON value, for the "pos" spatial index. Observations with
// no position yet are not spatially indexed (nil, nil).
func rectFromValue(item string) (min, max []float64) {
	var v struct {
		Lat *float64 `json:"lat"`
		Lon *float64 `json:"lon"`
	}
	if err := json.Unmarshal([]byte(item), &v); err != nil || v.Lat == nil || v.Lon == nil {
		return nil, nil
	}
	return []float64{*v.Lon, *v.Lat}, []float64{*v.Lon, *v.Lat}
}

// Ingest merges a parsed SBS-1 record into the table (§4.2). It returns
// whether the resulting Observation is now marked updated (a brand new
// Observation is always updated, matching §9's treatment of the first
// message). Sweep is triggered first, before the new message is applied,
// matching the original source's ordering.
func (t *Table) Ingest(rec *sbs1.Record, now time.Time) bool {
	t.maybeSweep(now)

	key := obsPrefix + rec.Icao24
	var obs Observation
	var presentable bool

	err := t.db.Update(func(tx *buntdb.Tx) error {
		val, err := tx.Get(key)
		isNew := false
		switch err {
		case nil:
			if jerr := json.Unmarshal([]byte(val), &obs); jerr != nil {
				return jerr
			}
		case buntdb.ErrNotFound:
			isNew = true
			obs = Observation{Icao24: rec.Icao24}
		default:
			return err
		}

		changed := merge(&obs, rec, now)
		obs.Updated = obs.Updated || isNew || changed
		presentable = obs.Presentable()

		data, merr := json.Marshal(&obs)
		if merr != nil {
			return merr
		}
		_, _, serr := tx.Set(key, string(data), &buntdb.SetOptions{Expires: true, TTL: CleanInterval})
		return serr
	})
	if err != nil {
		t.logger.Warnf("observation ingest icao24=%s err=%v", rec.Icao24, err)
		return false
	}

	t.mu.Lock()
	t.counters.messages++
	t.counters.byType[rec.TransmissionType]++
	if presentable {
		t.counters.presentable++
	}
	t.mu.Unlock()

	return obs.Updated
}

// maybeSweep recomputes rates and resets counters every CleanInterval, per
// §4.2. Actual key eviction is handled by BuntDB's own TTL expiry (set on
// every Ingest write), not by this function.
func (t *Table) maybeSweep(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !now.After(t.nextClean) {
		return
	}
	t.counters.messageRate = float64(t.counters.messages) / CleanInterval.Seconds()
	t.counters.observationRate = float64(t.counters.presentable) / CleanInterval.Seconds()
	t.counters.messages = 0
	t.counters.presentable = 0
	for k := range t.counters.byType {
		delete(t.counters.byType, k)
	}
	t.nextClean = now.Add(CleanInterval)
}

// Counters returns a snapshot of the current CounterBundle.
func (t *Table) Counters() CounterBundle {
	t.mu.Lock()
	defer t.mu.Unlock()
	byType := make(map[sbs1.TransmissionType]int64, len(t.counters.byType))
	for k, v := range t.counters.byType {
		byType[k] = v
	}
	return CounterBundle{
		Messages:           t.counters.messages,
		PresentableMessages: t.counters.presentable,
		ByTransmissionType: byType,
		MessageRate:        t.counters.messageRate,
		ObservationRate:    t.counters.observationRate,
	}
}

// Snapshot returns every Observation currently in the table, in ICAO24
// (ascending key) order — the order the fan-out scheduler is required to
// iterate in (§4.7, §5).
func (t *Table) Snapshot() []Observation {
	var result []Observation
	_ = t.db.View(func(tx *buntdb.Tx) error {
		return tx.Ascend("", func(key, val string) bool {
			if !strings.HasPrefix(key, obsPrefix) {
				return true
			}
			var obs Observation
			if err := json.Unmarshal([]byte(val), &obs); err == nil {
				result = append(result, obs)
			}
			return true
		})
	})
	return result
}

// ClearUpdated resets the updated bit for one aircraft after a successful
// dispatch (§4.7d), preserving its existing TTL rather than refreshing it —
// clearing the dirty bit must not extend an aircraft's lifetime in the
// table.
func (t *Table) ClearUpdated(icao24 string) error {
	key := obsPrefix + icao24
	return t.db.Update(func(tx *buntdb.Tx) error {
		val, err := tx.Get(key)
		if err == buntdb.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		var obs Observation
		if err := json.Unmarshal([]byte(val), &obs); err != nil {
			return err
		}
		if !obs.Updated {
			return nil
		}
		obs.Updated = false

		var opts *buntdb.SetOptions
		if ttl, terr := tx.TTL(key); terr == nil && ttl > 0 {
			opts = &buntdb.SetOptions{Expires: true, TTL: ttl}
		}
		data, merr := json.Marshal(&obs)
		if merr != nil {
			return merr
		}
		_, _, serr := tx.Set(key, string(data), opts)
		return serr
	})
}

// InBBox returns every currently-stored Observation whose position falls
// within bb, using the table's R-tree spatial index to avoid a full scan.
// This is not on the fan-out scheduler's hot path (which must preserve
// strict ICAO24-order, at-most-once-per-tick delivery semantics), and no
// HTTP route of the service calls it.
func (t *Table) InBBox(bb bbox.BoundingBox) []Observation {
	rectStr := fmt.Sprintf("[%f %f],[%f %f]", bb.MinLongitude, bb.MinLatitude, bb.MaxLongitude, bb.MaxLatitude)
	var result []Observation
	_ = t.db.View(func(tx *buntdb.Tx) error {
		return tx.Intersects("pos", rectStr, func(key, val string) bool {
			var obs Observation
			if err := json.Unmarshal([]byte(val), &obs); err != nil || obs.Altitude == nil {
				return true
			}
			if bb.Within(*obs.Lat, *obs.Lon, float64(*obs.Altitude)) {
				result = append(result, obs)
			}
			return true
		})
	})
	return result
}
