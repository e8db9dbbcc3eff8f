// Package geo renders Observations as GeoJSON Features and encodes them for
// the wire, in either of the two sub-protocols a subscriber can negotiate
// (§4.7a, §6.2): plain GeoJSON text, or the compact GeoBuf binary encoding.
package geo

import (
	"encoding/json"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/geobuf"
	"github.com/paulmach/orb/geojson"

	"github.com/mhaberler/adsb-feeder/observation"
)

// geobufPrecision matches the three-decimal-place precision the
// specification requires for the binary encoding (§4.7a) — 0.001 degree,
// roughly 110 m at the equator, ample for aircraft position reporting and
// far smaller than the JSON encoding it replaces.
const geobufPrecision = 3

// Feature converts a single Observation into a GeoJSON Feature keyed by its
// ICAO24. Observations without a position cannot be rendered as a point
// geometry; callers are expected to have already checked Presentable.
func Feature(obs *observation.Observation) (*geojson.Feature, error) {
	if obs.Lat == nil || obs.Lon == nil {
		return nil, fmt.Errorf("geo: observation %s has no position", obs.Icao24)
	}
	f := geojson.NewFeature(orb.Point{*obs.Lon, *obs.Lat})
	f.ID = obs.Icao24
	f.Properties = geojson.Properties(obs.Properties())
	return f, nil
}

// FeatureCollection renders a batch of Observations, skipping any that lack
// a position, into a single GeoJSON FeatureCollection.
func FeatureCollection(obs []observation.Observation) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for i := range obs {
		f, err := Feature(&obs[i])
		if err != nil {
			continue
		}
		fc.Append(f)
	}
	return fc
}

// EncodeJSON renders observations as a GeoJSON FeatureCollection document.
// The fan-out scheduler does not use it: "adsb-json" frames carry a single
// Feature marshaled directly.
func EncodeJSON(obs []observation.Observation) ([]byte, error) {
	fc := FeatureCollection(obs)
	return json.Marshal(fc)
}

// EncodeGeobuf renders observations as a GeoBuf-encoded FeatureCollection,
// for subscribers on the "adsb-geobuf" sub-protocol.
func EncodeGeobuf(obs []observation.Observation) ([]byte, error) {
	fc := FeatureCollection(obs)
	enc := geobuf.NewEncoder(geobufPrecision)
	return enc.Encode(fc)
}
