package geo

import "github.com/paulmach/orb"

// Mode is the drawing-tool editing mode for a feature. New features handed
// to the drawing surface must carry the mode matching their geometry type or
// the tool will not render them.
type Mode string

const (
	ModePoint      Mode = "point"
	ModeLineString Mode = "linestring"
	ModePolygon    Mode = "polygon"
	ModeNone       Mode = ""
)

// InferMode derives the drawing mode from a geometry.
func InferMode(g orb.Geometry) Mode {
	switch g.(type) {
	case orb.Point:
		return ModePoint
	case orb.LineString:
		return ModeLineString
	case orb.Polygon:
		return ModePolygon
	default:
		return ModeNone
	}
}
