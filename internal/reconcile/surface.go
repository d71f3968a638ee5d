// Package reconcile keeps the external interactive drawing surface and the
// edit ledger in sync.
//
// Push applies the ledger onto the drawing surface whenever the shared
// document changes; Record* ingest drawing-surface events back into the
// ledger. The drawing surface is a non-authoritative cache: every push
// re-derives the full state from the ledger instead of patching
// incrementally, so a pass is always safe to re-run.
package reconcile

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"collaborative-map-editor/internal/geo"
)

// SurfaceFeature is a feature handed to the drawing surface, keyed by its
// composite id.
type SurfaceFeature struct {
	CompositeID string
	Geometry    orb.Geometry
	Properties  geojson.Properties
}

// AddResult reports whether the drawing surface accepted a feature.
type AddResult struct {
	CompositeID string
	Valid       bool
}

// DrawingSurface is the stateful interactive drawing tool. Features inside
// it are addressed by composite id.
type DrawingSurface interface {
	// SnapshotFeature returns the surface's current copy of a feature, or
	// nil when the surface does not hold it.
	SnapshotFeature(compositeID string) *geo.Feature
	AddFeatures(features []SurfaceFeature) []AddResult
	RemoveFeatures(compositeIDs []string)
	UpdateFeatureGeometry(compositeID string, geometry orb.Geometry)
	UpdateFeatureProperties(compositeID string, properties geojson.Properties)
	SelectFeature(compositeID string)
	DeselectFeature(compositeID string)
}

// FilterExpr is a map-style filter expression tree.
type FilterExpr = []any

// StyleLayer describes one rendered layer of the base map style.
type StyleLayer struct {
	ID          string
	Type        string
	Source      string
	SourceLayer string
}

// MapSurface is the read-only base map rendering. The engine only uses it
// to install exclusion filters that hide edited features.
type MapSurface interface {
	Style() []StyleLayer
	HasLayer(layerID string) bool
	// Filter returns the layer's current filter, or nil when none is set.
	Filter(layerID string) FilterExpr
	SetFilter(layerID string, filter FilterExpr)
	// OnSourceLoaded runs fn once the given vector source has loaded.
	OnSourceLoaded(sourceID string, fn func())
}

// Action is the drawing tool's finish-event action kind.
type Action string

const ActionDraw Action = "draw"

// ChangeType is the drawing tool's change-event kind.
type ChangeType string

const ChangeDelete ChangeType = "delete"
