// Package observation implements the aircraft state engine: it fuses
// partial SBS-1 records keyed by ICAO24 into a time-aware Observation,
// tracks which observations changed since the scheduler last looked, and
// expires aircraft that have gone quiet.
package observation

import (
	"time"

	"github.com/mhaberler/adsb-feeder/sbs1"
)

// CleanInterval is OBSERVATION_CLEAN_INTERVAL: both the eviction window and
// the rate-recomputation period.
const CleanInterval = 30 * time.Second

// Observation is the fused, time-aware state of one aircraft. Pointer
// fields distinguish "never reported" from a reported zero value, which
// the merge invariants in §3 of the specification require.
type Observation struct {
	Icao24 string `json:"icao24"`

	Callsign *string  `json:"callsign,omitempty"`
	Squawk   *string  `json:"squawk,omitempty"`
	FlightID *string  `json:"flightID,omitempty"`
	Altitude *int     `json:"altitude,omitempty"`
	Lat      *float64 `json:"lat,omitempty"`
	Lon      *float64 `json:"lon,omitempty"`

	LatLonTime   *time.Time `json:"latLonTime,omitempty"`
	AltitudeTime *time.Time `json:"altitudeTime,omitempty"`

	GroundSpeed  *float64 `json:"groundSpeed,omitempty"`
	Track        *float64 `json:"track,omitempty"`
	VerticalRate int      `json:"verticalRate"`

	LoggedDate time.Time `json:"loggedDate"`
	Updated    bool      `json:"updated"`
}

// Presentable reports whether the observation carries enough fields to
// form a valid GeoJSON Feature for a consumer (§3).
func (o *Observation) Presentable() bool {
	return o.Altitude != nil && o.Lat != nil && o.Lon != nil &&
		o.Callsign != nil && o.GroundSpeed != nil && o.Track != nil
}

// merge applies a partial SBS-1 record onto an existing (possibly zero
// value) Observation following the non-null-wins invariant: a present
// record field overwrites, an absent one never clears. It returns whether
// any field other than LoggedDate changed.
func merge(o *Observation, rec *sbs1.Record, now time.Time) bool {
	changed := false

	if rec.Callsign != nil && (o.Callsign == nil || *o.Callsign != *rec.Callsign) {
		o.Callsign = rec.Callsign
		changed = true
	}
	if rec.Squawk != nil && (o.Squawk == nil || *o.Squawk != *rec.Squawk) {
		o.Squawk = rec.Squawk
		changed = true
	}
	if rec.FlightID != nil && (o.FlightID == nil || *o.FlightID != *rec.FlightID) {
		o.FlightID = rec.FlightID
		changed = true
	}
	if rec.Altitude != nil && (o.Altitude == nil || *o.Altitude != *rec.Altitude) {
		o.Altitude = rec.Altitude
		o.AltitudeTime = timePtr(now)
		changed = true
	}
	if rec.Lat != nil && (o.Lat == nil || *o.Lat != *rec.Lat) {
		o.Lat = rec.Lat
		o.LatLonTime = timePtr(now)
		changed = true
	}
	if rec.Lon != nil && (o.Lon == nil || *o.Lon != *rec.Lon) {
		o.Lon = rec.Lon
		o.LatLonTime = timePtr(now)
		changed = true
	}
	if rec.GroundSpeed != nil && (o.GroundSpeed == nil || *o.GroundSpeed != *rec.GroundSpeed) {
		o.GroundSpeed = rec.GroundSpeed
		changed = true
	}
	if rec.Track != nil && (o.Track == nil || *o.Track != *rec.Track) {
		o.Track = rec.Track
		changed = true
	}
	if rec.VerticalRate != nil && o.VerticalRate != *rec.VerticalRate {
		o.VerticalRate = *rec.VerticalRate
		changed = true
	}

	o.LoggedDate = now
	return changed
}

func timePtr(t time.Time) *time.Time { return &t }

// Properties returns the GeoJSON Feature properties view of the
// observation (§4.7a): all as_dict fields, with verticalRate defaulted to
// 0 when never reported and the wall-clock logged time surfaced as a
// Unix-seconds "time" field, matching the original source's as_dict shape.
func (o *Observation) Properties() map[string]interface{} {
	p := map[string]interface{}{
		"icao24": o.Icao24,
		"time":   o.LoggedDate.Unix(),
		"vspeed": o.VerticalRate,
	}
	if o.Callsign != nil {
		p["callsign"] = *o.Callsign
	}
	if o.Squawk != nil {
		p["squawk"] = *o.Squawk
	}
	if o.Altitude != nil {
		p["altitude"] = *o.Altitude
	}
	if o.Lat != nil {
		p["lat"] = *o.Lat
	}
	if o.Lon != nil {
		p["lon"] = *o.Lon
	}
	if o.GroundSpeed != nil {
		p["speed"] = *o.GroundSpeed
	}
	if o.Track != nil {
		p["heading"] = *o.Track
	}
	return p
}
