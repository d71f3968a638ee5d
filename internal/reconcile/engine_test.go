package reconcile

import (
	"context"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collaborative-map-editor/internal/geo"
	"collaborative-map-editor/internal/ledger"
	"collaborative-map-editor/internal/sharedoc"
)

type stubStore struct {
	existing map[int64]*geo.Feature
}

func (s *stubStore) GetFeature(ctx context.Context, layerID string, featureID int64) (*geo.Feature, error) {
	return s.existing[featureID], nil
}

type fakeSurface struct {
	features  map[string]*geo.Feature
	selected  map[string]bool
	mutations int
	onRemove  func(compositeIDs []string)
}

func newFakeSurface() *fakeSurface {
	return &fakeSurface{features: map[string]*geo.Feature{}, selected: map[string]bool{}}
}

func (s *fakeSurface) SnapshotFeature(compositeID string) *geo.Feature {
	return s.features[compositeID]
}

func (s *fakeSurface) AddFeatures(features []SurfaceFeature) []AddResult {
	s.mutations++
	out := make([]AddResult, 0, len(features))
	for _, f := range features {
		s.features[f.CompositeID] = &geo.Feature{Geometry: f.Geometry, Properties: f.Properties}
		out = append(out, AddResult{CompositeID: f.CompositeID, Valid: true})
	}
	return out
}

func (s *fakeSurface) RemoveFeatures(compositeIDs []string) {
	s.mutations++
	for _, id := range compositeIDs {
		delete(s.features, id)
	}
	if s.onRemove != nil {
		s.onRemove(compositeIDs)
	}
}

func (s *fakeSurface) UpdateFeatureGeometry(compositeID string, geometry orb.Geometry) {
	s.mutations++
	if f, ok := s.features[compositeID]; ok {
		f.Geometry = geometry
	}
}

func (s *fakeSurface) UpdateFeatureProperties(compositeID string, properties geojson.Properties) {
	s.mutations++
	if f, ok := s.features[compositeID]; ok {
		f.Properties = properties
	}
}

func (s *fakeSurface) SelectFeature(compositeID string) { s.selected[compositeID] = true }

func (s *fakeSurface) DeselectFeature(compositeID string) { delete(s.selected, compositeID) }

type fakeMap struct {
	style   []StyleLayer
	layers  map[string]bool
	filters map[string]FilterExpr
}

func newFakeMap() *fakeMap {
	return &fakeMap{layers: map[string]bool{}, filters: map[string]FilterExpr{}}
}

func (m *fakeMap) Style() []StyleLayer              { return m.style }
func (m *fakeMap) HasLayer(layerID string) bool     { return m.layers[layerID] }
func (m *fakeMap) Filter(layerID string) FilterExpr { return m.filters[layerID] }

func (m *fakeMap) SetFilter(layerID string, f FilterExpr) {
	m.filters[layerID] = f
}

func (m *fakeMap) OnSourceLoaded(sourceID string, fn func()) { fn() }

func trailPoint(id int64, lng, lat float64) *geo.Feature {
	return &geo.Feature{
		ID:         id,
		Geometry:   orb.Point{lng, lat},
		Properties: geojson.Properties{},
	}
}

func newTestEngine(t *testing.T, store ledger.Store) (*Engine, *ledger.Registry, *fakeSurface, *fakeMap) {
	t.Helper()
	doc := sharedoc.New()
	t.Cleanup(doc.Close)
	if store == nil {
		store = &stubStore{}
	}
	reg := ledger.NewRegistry(doc, store, zerolog.Nop())
	draw := newFakeSurface()
	mapView := newFakeMap()
	return New(doc, reg, draw, mapView, "esri", zerolog.Nop()), reg, draw, mapView
}

func TestPushAddsFeaturesWithMode(t *testing.T) {
	e, reg, draw, _ := newTestEngine(t, nil)

	require.NoError(t, reg.RegisterAdditions("Trails", []*geo.Feature{trailPoint(1, 1, 2)}))
	require.NoError(t, e.Push())

	f := draw.features["1.Trails"]
	require.NotNil(t, f)
	assert.Equal(t, orb.Point{1, 2}, f.Geometry)
	assert.Equal(t, "point", f.Properties["mode"])
}

func TestPushIsIdempotent(t *testing.T) {
	e, reg, draw, _ := newTestEngine(t, nil)

	require.NoError(t, reg.RegisterAdditions("Trails", []*geo.Feature{trailPoint(1, 1, 2)}))
	require.NoError(t, e.Push())
	after := draw.mutations

	require.NoError(t, e.Push())
	assert.Equal(t, after, draw.mutations)
}

func TestPushRemovesDeletedFeatures(t *testing.T) {
	e, reg, draw, _ := newTestEngine(t, nil)
	draw.features["7.Trails"] = trailPoint(7, 3, 3)

	require.NoError(t, reg.RegisterDeletions("Trails", []int64{7}))
	require.NoError(t, e.Push())

	assert.NotContains(t, draw.features, "7.Trails")

	// the surface no longer holds the feature, so nothing left to remove
	after := draw.mutations
	require.NoError(t, e.Push())
	assert.Equal(t, after, draw.mutations)
}

func TestPushUpdatesChangedSurfaceCopyInPlace(t *testing.T) {
	store := &stubStore{existing: map[int64]*geo.Feature{5: trailPoint(5, 0, 0)}}
	e, reg, draw, _ := newTestEngine(t, store)

	require.NoError(t, reg.RegisterModifications(context.Background(), "Trails", []*geo.Feature{trailPoint(5, 1, 1)}))
	require.NoError(t, e.Push())
	require.Contains(t, draw.features, "5.Trails")

	require.NoError(t, reg.RegisterModifications(context.Background(), "Trails", []*geo.Feature{trailPoint(5, 2, 2)}))
	require.NoError(t, e.Push())

	assert.Equal(t, orb.Point{2, 2}, draw.features["5.Trails"].Geometry)
}

func TestPushInstallsExclusionFilters(t *testing.T) {
	store := &stubStore{existing: map[int64]*geo.Feature{5: trailPoint(5, 0, 0)}}
	e, reg, _, mapView := newTestEngine(t, store)

	mapView.style = []StyleLayer{
		{ID: "trails-line", Type: "line", Source: "esri", SourceLayer: "Trails"},
		{ID: "bg", Type: "background", Source: "esri", SourceLayer: "Trails"},
		{ID: "other", Type: "line", Source: "hillshade", SourceLayer: "Trails"},
		{ID: "roads-line", Type: "line", Source: "esri", SourceLayer: "Roads"},
	}
	mapView.layers = map[string]bool{"Trails": true, "Roads": true}

	require.NoError(t, reg.RegisterModifications(context.Background(), "Trails", []*geo.Feature{trailPoint(5, 1, 1)}))
	require.NoError(t, e.Push())

	filter := mapView.filters["Trails"]
	require.NotNil(t, filter)
	assert.Equal(t, FilterExpr(ExclusionFilter([]int64{5})), filter)

	// no pending edits for Roads, so its filter stays untouched
	assert.NotContains(t, mapView.filters, "Roads")
}

func TestStartPushesOnDocumentChanges(t *testing.T) {
	e, reg, draw, _ := newTestEngine(t, nil)

	e.Start()
	defer e.Stop()

	require.NoError(t, reg.RegisterAdditions("Trails", []*geo.Feature{trailPoint(1, 1, 2)}))

	assert.Contains(t, draw.features, "1.Trails")
}
