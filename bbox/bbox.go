// Package bbox implements the six-dimensional spatial filter subscribers
// use to select which aircraft updates they receive, and the JSON schema
// validation a bbox update message must pass before being applied.
package bbox

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
)

// BoundingBox is a closed-interval filter over latitude, longitude, and
// altitude. The zero value is not valid; use Default(), FromQuery or
// Validate.
type BoundingBox struct {
	MinLatitude  float64
	MaxLatitude  float64
	MinLongitude float64
	MaxLongitude float64
	MinAltitude  float64
	MaxAltitude  float64
}

// Default returns the match-all bounding box.
func Default() BoundingBox {
	return BoundingBox{
		MinLatitude:  -90,
		MaxLatitude:  90,
		MinLongitude: -180,
		MaxLongitude: 180,
		MinAltitude:  -100,
		MaxAltitude:  1e7,
	}
}

// Within reports whether (lat, lon, alt) is admitted by b. All six bounds
// are closed intervals, conjunctively applied.
func (b BoundingBox) Within(lat, lon, alt float64) bool {
	return lat >= b.MinLatitude && lat <= b.MaxLatitude &&
		lon >= b.MinLongitude && lon <= b.MaxLongitude &&
		alt >= b.MinAltitude && alt <= b.MaxAltitude
}

// fieldSetters maps the six recognized field names to setters, used by both
// FromQuery and Validate.
func (b *BoundingBox) fieldSetters() map[string]*float64 {
	return map[string]*float64{
		"min_latitude":  &b.MinLatitude,
		"max_latitude":  &b.MaxLatitude,
		"min_longitude": &b.MinLongitude,
		"max_longitude": &b.MaxLongitude,
		"min_altitude":  &b.MinAltitude,
		"max_altitude":  &b.MaxAltitude,
	}
}

// FromQuery overlays recognized bbox fields found in query parameters onto
// an existing bounding box. Unrecognized or unparseable values are ignored
// and the existing bound is kept — this is the handshake-time query-param
// path (§6.4), which never fails, only skips.
func FromQuery(existing BoundingBox, q url.Values) BoundingBox {
	result := existing
	setters := result.fieldSetters()
	for name, target := range setters {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			continue
		}
		*target = v
	}
	return result
}

// ValidationError is the structured failure object returned to a
// subscriber whose bbox update message failed schema validation (§6.3).
type ValidationError struct {
	Result int      `json:"result"`
	Errors []string `json:"errors"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("bbox validation failed: %v", e.Errors)
}

var requiredKeys = []string{"min_latitude", "max_latitude", "min_longitude", "max_longitude"}
var allKeys = map[string]bool{
	"min_latitude": true, "max_latitude": true,
	"min_longitude": true, "max_longitude": true,
	"min_altitude": true, "max_altitude": true,
}

// Validate parses and schema-checks a JSON bbox update message per §4.6:
// an object with only the six recognized keys (4–6 of them present), all
// of which must be numbers, and the four lat/lon bounds mandatory. On
// success it returns a BoundingBox built from present fields, with any
// omitted optional altitude bound taken from Default(). On failure it
// returns a *ValidationError ready to be marshaled back to the caller.
func Validate(data []byte) (BoundingBox, *ValidationError) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return BoundingBox{}, &ValidationError{Result: -1, Errors: []string{"invalid JSON: " + err.Error()}}
	}

	var errs []string

	if len(raw) < 4 || len(raw) > 6 {
		errs = append(errs, fmt.Sprintf("expected 4 to 6 properties, got %d", len(raw)))
	}

	values := make(map[string]float64, len(raw))
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := raw[k]
		if !allKeys[k] {
			errs = append(errs, fmt.Sprintf("unrecognized property %q", k))
			continue
		}
		var f float64
		if err := json.Unmarshal(v, &f); err != nil {
			errs = append(errs, fmt.Sprintf("property %q must be a number", k))
			continue
		}
		values[k] = f
	}

	for _, req := range requiredKeys {
		if _, ok := values[req]; !ok {
			errs = append(errs, fmt.Sprintf("missing required property %q", req))
		}
	}

	if len(errs) > 0 {
		return BoundingBox{}, &ValidationError{Result: -1, Errors: errs}
	}

	result := Default()
	setters := result.fieldSetters()
	for k, v := range values {
		*setters[k] = v
	}
	return result, nil
}
