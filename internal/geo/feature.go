package geo

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Transient properties that the drawing tool attaches to its working copy of
// a feature. They are stripped during normalization so that they never reach
// the shared document and never break equality checks.
const (
	propMidPoint       = "midPoint"
	propSelectionPoint = "selectionPoint"
	propSelected       = "selected"
	propMode           = "mode"
)

// Feature is a single editable map feature: an integer id, a geometry
// (Point, LineString or Polygon) and a property bag.
//
// Persisted features carry positive ids. Features freshly created by the
// drawing tool carry negative ids until they are committed upstream. Id 0 is
// the unset sentinel and is rejected by modification tracking.
type Feature struct {
	ID         int64
	Geometry   orb.Geometry
	Properties geojson.Properties
}

// Normalize returns a copy of the feature in canonical form: coordinates
// rounded to at most 9 decimal places and drawing-tool transient properties
// removed. Normalizing a nil feature returns nil.
//
// Normalization is idempotent.
func (f *Feature) Normalize() *Feature {
	if f == nil {
		return nil
	}

	props := make(geojson.Properties, len(f.Properties))
	for k, v := range f.Properties {
		props[k] = v
	}
	delete(props, propMidPoint)
	delete(props, propSelectionPoint)
	delete(props, propSelected)
	delete(props, propMode)

	return &Feature{
		ID:         f.ID,
		Geometry:   roundGeometry(f.Geometry),
		Properties: props,
	}
}

// GeoJSON converts the feature to its orb/geojson representation.
func (f *Feature) GeoJSON() *geojson.Feature {
	out := geojson.NewFeature(f.Geometry)
	out.ID = f.ID
	if f.Properties != nil {
		out.Properties = f.Properties
	}
	return out
}

// MarshalJSON serializes the feature as a GeoJSON Feature. Property keys are
// emitted in lexicographic order, so two normalized features are equal
// exactly when their serializations are byte-equal.
func (f *Feature) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.GeoJSON())
}

// UnmarshalJSON parses a GeoJSON Feature. The feature id must be an integer
// when present; a missing id is left as the unset sentinel 0.
func (f *Feature) UnmarshalJSON(data []byte) error {
	gf, err := geojson.UnmarshalFeature(data)
	if err != nil {
		return err
	}

	id, err := coerceID(gf.ID)
	if err != nil {
		return err
	}

	f.ID = id
	f.Geometry = gf.Geometry
	f.Properties = gf.Properties
	if f.Properties == nil {
		f.Properties = geojson.Properties{}
	}
	return nil
}

// Equal reports whether two features serialize identically. Callers compare
// normalized features; Equal itself does not normalize.
func Equal(a, b *Feature) bool {
	if a == nil || b == nil {
		return a == b
	}
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

func coerceID(raw any) (int64, error) {
	switch v := raw.(type) {
	case nil:
		return 0, nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("feature id must be an integer, got %v", v)
		}
		return int64(v), nil
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case json.Number:
		return v.Int64()
	default:
		return 0, fmt.Errorf("feature id must be an integer, got %T", raw)
	}
}

func roundGeometry(g orb.Geometry) orb.Geometry {
	switch geom := g.(type) {
	case orb.Point:
		return roundPoint(geom)
	case orb.LineString:
		out := make(orb.LineString, len(geom))
		for i, p := range geom {
			out[i] = roundPoint(p)
		}
		return out
	case orb.Polygon:
		out := make(orb.Polygon, len(geom))
		for i, ring := range geom {
			newRing := make(orb.Ring, len(ring))
			for j, p := range ring {
				newRing[j] = roundPoint(p)
			}
			out[i] = newRing
		}
		return out
	default:
		return g
	}
}

func roundPoint(p orb.Point) orb.Point {
	return orb.Point{roundCoord(p[0]), roundCoord(p[1])}
}

// roundCoord reduces precision to at most 9 decimal places.
func roundCoord(v float64) float64 {
	return math.Round(v*1e9) / 1e9
}
