package reconcile

import (
	"context"

	"collaborative-map-editor/internal/geo"
)

// RecordAddition ingests a drawing-tool finish event for a freshly drawn
// feature. Only features on the reserved layer, created by a genuine draw
// action and carrying a tool-assigned negative id, are eligible; anything
// else is left alone and reported as not recorded.
//
// The feature is re-homed from the reserved layer to destinationLayerID:
// the surface's copy is re-added under the destination composite id, and
// the feature is registered as a modification, which the ledger's own
// existence check routes to added since the id is new.
func (e *Engine) RecordAddition(ctx context.Context, compositeID string, action Action, destinationLayerID string) (bool, error) {
	featureID, layerID, err := geo.ParseID(compositeID)
	if err != nil {
		return false, err
	}

	isNewlyDrawn := featureID < 0 && layerID == geo.ReservedLayer && action == ActionDraw
	if !isNewlyDrawn {
		return false, nil
	}

	feature := e.draw.SnapshotFeature(compositeID)
	if feature == nil {
		e.log.Error().Str("id", compositeID).Msg("drawn feature not found on surface")
		e.draw.RemoveFeatures([]string{compositeID})
		return false, nil
	}

	if destinationLayerID == "" {
		e.log.Error().Str("id", compositeID).Msg("no layer selected for new features")
		e.draw.RemoveFeatures([]string{compositeID})
		return false, nil
	}

	// reassign the surface copy to the destination layer
	newCompositeID := geo.FormatID(featureID, destinationLayerID)
	e.draw.RemoveFeatures([]string{compositeID})
	e.draw.AddFeatures([]SurfaceFeature{{
		CompositeID: newCompositeID,
		Geometry:    feature.Geometry,
		Properties:  feature.Properties,
	}})

	recorded := feature.Normalize()
	recorded.ID = featureID
	if err := e.registry.RegisterModifications(ctx, destinationLayerID, []*geo.Feature{recorded}); err != nil {
		return false, err
	}
	return true, nil
}

// RecordModification ingests a finish event for an already-placed feature.
// Edits on the reserved layer are an invariant violation: those features
// should have been re-homed by RecordAddition already. They are logged and
// skipped, not corrected.
func (e *Engine) RecordModification(ctx context.Context, compositeID string) (bool, error) {
	featureID, layerID, err := geo.ParseID(compositeID)
	if err != nil {
		return false, err
	}

	if layerID == geo.ReservedLayer {
		e.log.Warn().Str("id", compositeID).
			Msg("modifications to features on the reserved layer are not tracked")
		return false, nil
	}

	feature := e.draw.SnapshotFeature(compositeID).Normalize()
	if feature == nil {
		e.log.Error().Str("id", compositeID).Msg("modified feature not found on surface")
		return false, nil
	}

	// use the bare feature id instead of the composite id
	feature.ID = featureID

	if err := e.registry.RegisterModifications(ctx, layerID, []*geo.Feature{feature}); err != nil {
		return false, err
	}
	return true, nil
}

// RecordDeletions ingests a drawing-tool change event. Only delete events
// are considered. Ids on the reserved layer are in-progress drawings being
// discarded, not tracked edits; the rest are grouped by layer and recorded
// as deletions.
func (e *Engine) RecordDeletions(changeType ChangeType, compositeIDs []string) error {
	if changeType != ChangeDelete {
		return nil
	}

	grouped := map[string][]int64{}
	var order []string
	for _, compositeID := range compositeIDs {
		featureID, layerID, err := geo.ParseID(compositeID)
		if err != nil {
			return err
		}
		if layerID == geo.ReservedLayer {
			continue
		}
		if _, ok := grouped[layerID]; !ok {
			order = append(order, layerID)
		}
		grouped[layerID] = append(grouped[layerID], featureID)
	}

	for _, layerID := range order {
		if err := e.registry.RegisterDeletions(layerID, grouped[layerID]); err != nil {
			return err
		}
	}
	return nil
}

// ResetFeature undoes a pending modification: the feature leaves modified
// and the surface copy is removed, reverting it to its upstream state.
//
// Removing the surface copy raises a delete event, which would record the
// feature as deleted. A one-shot document observer retracts that spurious
// deletion as soon as it lands, so the feature ends up in neither modified
// nor deleted.
func (e *Engine) ResetFeature(compositeID string) error {
	featureID, layerID, err := geo.ParseID(compositeID)
	if err != nil {
		return err
	}

	layer, err := e.registry.Layer(layerID)
	if err != nil {
		return err
	}

	removed, err := layer.RemoveModified(featureID)
	if err != nil {
		return err
	}
	if !removed {
		e.log.Warn().Str("id", compositeID).Str("layer", layerID).
			Msg("feature not found in modified features")
		return nil
	}

	var cancel func()
	cancel = e.doc.Observe(func() {
		retracted, err := layer.RemoveDeleted(featureID)
		if err != nil {
			e.log.Error().Err(err).Str("id", compositeID).
				Msg("failed to retract spurious deletion")
			return
		}
		if retracted {
			cancel()
		}
	})

	e.draw.RemoveFeatures([]string{compositeID})
	e.draw.DeselectFeature(compositeID)
	return nil
}
