package reconcile

import (
	"github.com/paulmach/orb/geojson"
	"github.com/rs/zerolog"

	"collaborative-map-editor/internal/geo"
	"collaborative-map-editor/internal/ledger"
	"collaborative-map-editor/internal/sharedoc"
)

// Engine is the bidirectional sync between the edit registry and the
// drawing surface.
type Engine struct {
	doc      *sharedoc.Doc
	registry *ledger.Registry
	draw     DrawingSurface
	mapView  MapSurface
	sourceID string
	log      zerolog.Logger
	cancel   func()
}

func New(
	doc *sharedoc.Doc,
	registry *ledger.Registry,
	draw DrawingSurface,
	mapView MapSurface,
	sourceID string,
	log zerolog.Logger,
) *Engine {
	return &Engine{
		doc:      doc,
		registry: registry,
		draw:     draw,
		mapView:  mapView,
		sourceID: sourceID,
		log:      log,
	}
}

// Start runs an initial push and re-runs it on every document change, local
// or remote.
func (e *Engine) Start() {
	e.cancel = e.doc.Observe(func() {
		if err := e.Push(); err != nil {
			e.log.Error().Err(err).Msg("failed to push ledger onto drawing surface")
		}
	})
	if err := e.Push(); err != nil {
		e.log.Error().Err(err).Msg("failed to push ledger onto drawing surface")
	}
}

// Stop removes the document subscription.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
}

// Push applies the current ledger state onto the drawing surface. It is a
// pure function of ledger plus surface state: running it again without an
// intervening ledger change performs no surface mutations.
//
// Removals apply before additions so that an id deleted and re-added in the
// same pass never collides with its old surface entry. In-place updates go
// last.
func (e *Engine) Push() error {
	layerIDs, err := e.registry.LayerIDs()
	if err != nil {
		return err
	}

	for _, layerID := range layerIDs {
		layer, err := e.registry.Layer(layerID)
		if err != nil {
			return err
		}
		if err := e.pushLayer(layer); err != nil {
			return err
		}
	}

	e.mapView.OnSourceLoaded(e.sourceID, func() {
		e.applyLayerFilters()
	})
	return nil
}

func (e *Engine) pushLayer(layer *ledger.LayerEdits) error {
	layerID := layer.LayerID()

	var removals []string
	var additions []SurfaceFeature
	var updates []*geo.Feature

	deletedIDs, err := layer.DeletedIDs()
	if err != nil {
		return err
	}
	for _, id := range deletedIDs {
		compositeID := geo.FormatID(id, layerID)
		if e.draw.SnapshotFeature(compositeID) != nil {
			removals = append(removals, compositeID)
		}
	}

	added, err := layer.Added()
	if err != nil {
		return err
	}
	modified, err := layer.Modified()
	if err != nil {
		return err
	}

	for _, feature := range append(added, modified...) {
		compositeID := geo.FormatID(feature.ID, layerID)

		snapshot := e.draw.SnapshotFeature(compositeID).Normalize()
		if snapshot != nil {
			snapshot.ID = feature.ID
		}

		if snapshot != nil && geo.Equal(snapshot, feature) {
			continue
		}

		if snapshot != nil {
			updates = append(updates, feature)
			continue
		}

		mode := geo.InferMode(feature.Geometry)
		props := make(geojson.Properties, len(feature.Properties)+1)
		for k, v := range feature.Properties {
			props[k] = v
		}
		props["mode"] = string(mode)
		additions = append(additions, SurfaceFeature{
			CompositeID: compositeID,
			Geometry:    feature.Geometry,
			Properties:  props,
		})
	}

	if len(removals) > 0 {
		e.draw.RemoveFeatures(removals)
	}
	if len(additions) > 0 {
		e.draw.AddFeatures(additions)
	}
	for _, feature := range updates {
		compositeID := geo.FormatID(feature.ID, layerID)
		e.draw.UpdateFeatureGeometry(compositeID, feature.Geometry)
		e.draw.UpdateFeatureProperties(compositeID, feature.Properties)
	}
	return nil
}

// layerFilters computes, per layer, the filter that hides modified or
// deleted features from the base map; those features are rendered by the
// drawing surface instead.
func (e *Engine) layerFilters() (map[string]FilterExpr, error) {
	layerIDs, err := e.registry.LayerIDs()
	if err != nil {
		return nil, err
	}

	filters := make(map[string]FilterExpr)
	for _, layerID := range layerIDs {
		layer, err := e.registry.Layer(layerID)
		if err != nil {
			return nil, err
		}
		excluded, err := layer.ModifiedOrDeletedIDs()
		if err != nil {
			return nil, err
		}
		if len(excluded) > 0 {
			filters[layerID] = ExclusionFilter(excluded)
		}
	}
	return filters, nil
}

// applyLayerFilters installs exclusion filters on every style layer bound
// to the configured vector source, composing with unrelated filters already
// present.
func (e *Engine) applyLayerFilters() {
	filters, err := e.layerFilters()
	if err != nil {
		e.log.Error().Err(err).Msg("failed to compute layer filters")
		return
	}

	uniqueLayerNames := map[string]bool{}
	for _, styleLayer := range e.mapView.Style() {
		if styleLayer.Type == "background" || styleLayer.Source != e.sourceID {
			continue
		}
		if styleLayer.SourceLayer != "" {
			uniqueLayerNames[styleLayer.SourceLayer] = true
		}
	}

	for layerName := range uniqueLayerNames {
		if !e.mapView.HasLayer(layerName) {
			continue
		}
		filter, ok := filters[layerName]
		if !ok {
			continue
		}
		existing := e.mapView.Filter(layerName)
		e.mapView.SetFilter(layerName, MergeFilter(existing, filter))
	}
}
