// Package fanout implements the periodic dispatch loop (§4.7): every
// 300ms it snapshots the observation table, encodes each changed
// presentable aircraft once per wire format, and writes it to every
// admissible subscriber without ever blocking on a slow one.
package fanout

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mhaberler/adsb-feeder/geo"
	"github.com/mhaberler/adsb-feeder/logging"
	"github.com/mhaberler/adsb-feeder/observation"
	"github.com/mhaberler/adsb-feeder/subscriber"
)

// TickInterval is the scheduler's fixed period (§4.7).
const TickInterval = 300 * time.Millisecond

// Table is the subset of observation.Table the scheduler depends on.
type Table interface {
	Snapshot() []observation.Observation
	ClearUpdated(icao24 string) error
}

// Scheduler drives the fan-out loop. Ticks never overlap: a tick that has
// not finished dispatch delays the next tick (§5), which a single
// goroutine running the loop body to completion between ticker fires
// gives for free.
type Scheduler struct {
	table    Table
	registry *subscriber.Registry
	logger   logging.Logger

	// Dispatched counts aircraft updates handed to at least one admissible
	// subscriber.
	Dispatched int64
}

// NewScheduler builds a Scheduler over table and registry.
func NewScheduler(table Table, registry *subscriber.Registry, logger logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Nop
	}
	return &Scheduler{table: table, registry: registry, logger: logger}
}

// Run drives the 300ms tick loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick runs exactly one dispatch pass (§4.7).
func (s *Scheduler) tick() {
	if s.registry.Count() == 0 {
		return
	}

	subs := s.registry.Snapshot()
	snapshot := s.table.Snapshot()

	for i := range snapshot {
		obs := &snapshot[i]
		if !obs.Updated || !obs.Presentable() {
			continue
		}

		var jsonBytes, pbfBytes []byte
		admitted := false

		for _, sub := range subs {
			if !sub.Authenticated() {
				continue
			}
			if !sub.BBox().Within(*obs.Lat, *obs.Lon, float64(*obs.Altitude)) {
				continue
			}
			admitted = true

			if wantsGeobuf(sub) {
				if pbfBytes == nil {
					pbfBytes = s.encodeGeobuf(obs)
				}
				if pbfBytes != nil {
					sub.SendGeobuf(pbfBytes)
				}
				continue
			}
			if jsonBytes == nil {
				jsonBytes = s.encodeJSON(obs)
			}
			if jsonBytes != nil {
				sub.SendJSON(jsonBytes)
			}
		}

		if admitted {
			s.Dispatched++
		}
		if err := s.table.ClearUpdated(obs.Icao24); err != nil {
			s.logger.Warnf("fanout clear updated icao24=%s err=%v", obs.Icao24, err)
		}
	}
}

func wantsGeobuf(sub subscriber.Session) bool {
	if g, ok := sub.(subscriber.WantsGeobuf); ok {
		return g.WantsGeobuf()
	}
	return false
}

func (s *Scheduler) encodeJSON(obs *observation.Observation) []byte {
	f, err := geo.Feature(obs)
	var data []byte
	if err == nil {
		data, err = json.Marshal(f)
	}
	if err != nil {
		s.logger.Warnf("fanout encode json icao24=%s err=%v", obs.Icao24, err)
		return nil
	}
	return data
}

func (s *Scheduler) encodeGeobuf(obs *observation.Observation) []byte {
	data, err := geo.EncodeGeobuf([]observation.Observation{*obs})
	if err != nil {
		s.logger.Warnf("fanout encode geobuf icao24=%s err=%v", obs.Icao24, err)
		return nil
	}
	return data
}
