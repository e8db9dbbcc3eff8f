package bbox

import (
	"net/url"
	"testing"
)

func TestDefaultMatchesAll(t *testing.T) {
	b := Default()
	if !b.Within(0, 0, 0) {
		t.Fatalf("default bbox should admit (0,0,0)")
	}
	if !b.Within(90, 180, 1e7) {
		t.Fatalf("default bbox should admit its own upper corner")
	}
	if !b.Within(-90, -180, -100) {
		t.Fatalf("default bbox should admit its own lower corner")
	}
}

func TestWithinConjunctive(t *testing.T) {
	b := BoundingBox{MinLatitude: 46, MaxLatitude: 47, MinLongitude: 14, MaxLongitude: 16, MinAltitude: -100, MaxAltitude: 1e7}
	if !b.Within(46.5, 15.0, 10000) {
		t.Fatalf("expected aircraft within bbox to be admitted")
	}
	if b.Within(5, 5, 10000) {
		t.Fatalf("expected aircraft outside lat/lon to be rejected")
	}
}

func TestFromQuerySkipsUnparseable(t *testing.T) {
	existing := Default()
	q := url.Values{}
	q.Set("min_latitude", "46")
	q.Set("max_latitude", "banana")
	result := FromQuery(existing, q)
	if result.MinLatitude != 46 {
		t.Fatalf("min_latitude should be overlaid, got %v", result.MinLatitude)
	}
	if result.MaxLatitude != existing.MaxLatitude {
		t.Fatalf("unparseable max_latitude should leave existing bound, got %v", result.MaxLatitude)
	}
}

func TestValidateSuccess(t *testing.T) {
	data := []byte(`{"min_latitude":46,"max_latitude":47,"min_longitude":14,"max_longitude":16}`)
	b, verr := Validate(data)
	if verr != nil {
		t.Fatalf("unexpected validation error: %v", verr.Errors)
	}
	if b.MinLatitude != 46 || b.MaxAltitude != 1e7 {
		t.Fatalf("unexpected bbox: %+v", b)
	}
}

func TestValidateMissingRequired(t *testing.T) {
	data := []byte(`{"min_latitude":46,"max_latitude":47,"min_longitude":14}`)
	_, verr := Validate(data)
	if verr == nil {
		t.Fatalf("expected validation error for missing max_longitude")
	}
	if verr.Result != -1 {
		t.Fatalf("result = %d, want -1", verr.Result)
	}
}

func TestValidateRejectsUnknownKey(t *testing.T) {
	data := []byte(`{"min_latitude":46,"max_latitude":47,"min_longitude":14,"max_longitude":16,"bogus":1}`)
	_, verr := Validate(data)
	if verr == nil {
		t.Fatalf("expected validation error for unknown key")
	}
}

func TestValidateRejectsNonNumeric(t *testing.T) {
	data := []byte(`{"min_latitude":"46","max_latitude":47,"min_longitude":14,"max_longitude":16}`)
	_, verr := Validate(data)
	if verr == nil {
		t.Fatalf("expected validation error for non-numeric field")
	}
}

func TestValidateTooFewProperties(t *testing.T) {
	data := []byte(`{"min_latitude":46,"max_latitude":47}`)
	_, verr := Validate(data)
	if verr == nil {
		t.Fatalf("expected validation error for too few properties")
	}
}
