package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/automerge/automerge-go"
	"github.com/rs/zerolog"

	apperrors "collaborative-map-editor/internal/errors"
	"collaborative-map-editor/internal/geo"
	"collaborative-map-editor/internal/sharedoc"
)

// Registry resolves layer ids to their edit ledgers. A ledger is
// materialized on first access, read or write; a missing layer is never an
// error.
//
// Register* are the entry points application code calls to record edits.
type Registry struct {
	doc   *sharedoc.Doc
	store Store
	log   zerolog.Logger
}

func NewRegistry(doc *sharedoc.Doc, store Store, log zerolog.Logger) *Registry {
	return &Registry{doc: doc, store: store, log: log}
}

// Layer returns the edit ledger for the given layer, creating its shared
// entry when absent.
func (r *Registry) Layer(layerID string) (*LayerEdits, error) {
	l := &LayerEdits{doc: r.doc, layerID: layerID, store: r.store, log: r.log}

	exists := false
	err := r.doc.Read(func(root *automerge.Map) error {
		edits, err := sharedoc.GetMap(root, rootKey)
		if err != nil || edits == nil {
			return err
		}
		layer, err := sharedoc.GetMap(edits, layerID)
		if err != nil {
			return err
		}
		exists = layer != nil
		return nil
	})
	if err != nil {
		return nil, wrapDetached(err)
	}
	if exists {
		return l, nil
	}

	err = r.doc.Transact("materialize layer ledger", func(root *automerge.Map) error {
		edits, err := sharedoc.EnsureMap(root, rootKey)
		if err != nil {
			return err
		}
		_, err = sharedoc.EnsureMap(edits, layerID)
		return err
	})
	if err != nil {
		return nil, wrapDetached(err)
	}
	return l, nil
}

// LayerIDs lists all layers with a materialized ledger.
func (r *Registry) LayerIDs() ([]string, error) {
	var ids []string
	err := r.doc.Read(func(root *automerge.Map) error {
		edits, err := sharedoc.GetMap(root, rootKey)
		if err != nil || edits == nil {
			return err
		}
		keys, err := edits.Keys()
		if err != nil {
			return err
		}
		ids = keys
		return nil
	})
	return ids, wrapDetached(err)
}

// RegisterAdditions adds the given features to the layer's ledger.
func (r *Registry) RegisterAdditions(layerID string, features []*geo.Feature) error {
	l, err := r.resolve(layerID)
	if err != nil {
		return err
	}
	return l.Add(features)
}

// RegisterModifications records feature additions or modifications in the
// layer's ledger; see LayerEdits.Modify for the routing rules.
func (r *Registry) RegisterModifications(ctx context.Context, layerID string, features []*geo.Feature) error {
	l, err := r.resolve(layerID)
	if err != nil {
		return err
	}
	return l.Modify(ctx, features)
}

// RegisterDeletions records the given feature ids as deleted in the layer's
// ledger.
func (r *Registry) RegisterDeletions(layerID string, featureIDs []int64) error {
	l, err := r.resolve(layerID)
	if err != nil {
		return err
	}
	return l.Delete(featureIDs)
}

// resolve is Layer plus a defensive nil check. By construction Layer always
// returns a ledger, so the error path here indicates a caller bug.
func (r *Registry) resolve(layerID string) (*LayerEdits, error) {
	l, err := r.Layer(layerID)
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, apperrors.Structural(
			fmt.Sprintf("layer %q", layerID), apperrors.ErrUnknownLayer)
	}
	return l, nil
}

func wrapDetached(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sharedoc.ErrClosed) {
		return apperrors.Structural("registry operation failed", apperrors.ErrDetachedLedger)
	}
	return err
}
