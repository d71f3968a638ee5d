// Package ledger records the pending feature edits of a collaborative
// editing session in the shared document.
//
// Each layer gets one LayerEdits holding three ordered collections: added
// features, modified features, and deleted feature ids. A feature id lives
// in at most one of the three at any time; every mutating operation purges
// the id from the other collections before inserting.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/automerge/automerge-go"
	"github.com/paulmach/orb/geojson"
	"github.com/rs/zerolog"

	apperrors "collaborative-map-editor/internal/errors"
	"collaborative-map-editor/internal/geo"
	"collaborative-map-editor/internal/sharedoc"
)

const (
	rootKey     = "trackedEdits"
	keyAdded    = "added"
	keyDeleted  = "deleted"
	keyModified = "modified"
)

// Store answers whether a feature already exists on the authoritative
// feature store. Absence is (nil, nil).
type Store interface {
	GetFeature(ctx context.Context, layerID string, featureID int64) (*geo.Feature, error)
}

// LayerEdits is the edit ledger of a single layer.
type LayerEdits struct {
	doc     *sharedoc.Doc
	layerID string
	store   Store
	log     zerolog.Logger
}

// LayerID returns the layer this ledger belongs to.
func (l *LayerEdits) LayerID() string {
	return l.layerID
}

// Add records the given features as new additions. Features are normalized
// before storage. Callers are expected not to add ids already present in
// added; ids found in modified or deleted are purged from those collections
// first, so a deleted id that is re-added ends up only in added.
func (l *LayerEdits) Add(features []*geo.Feature) error {
	return l.transact("add features", func(root *automerge.Map) error {
		added, err := l.list(root, keyAdded)
		if err != nil {
			return err
		}
		modified, err := l.list(root, keyModified)
		if err != nil {
			return err
		}
		deleted, err := l.list(root, keyDeleted)
		if err != nil {
			return err
		}

		for _, f := range features {
			norm := f.Normalize()

			if norm.ID != 0 {
				if idx, err := featureIndex(modified, norm.ID); err != nil {
					return err
				} else if idx != -1 {
					if err := modified.Delete(idx); err != nil {
						return err
					}
				}
				if err := purgeID(deleted, norm.ID); err != nil {
					return err
				}
			}

			if err := appendFeature(added, norm); err != nil {
				return err
			}
		}
		return nil
	})
}

// purgeID removes every occurrence of id from a list of ids.
func purgeID(list *automerge.List, id int64) error {
	for {
		values, err := list.Values()
		if err != nil {
			return err
		}
		found := -1
		for i, v := range values {
			got, err := automerge.As[int64](v, nil)
			if err != nil {
				continue
			}
			if got == id {
				found = i
				break
			}
		}
		if found == -1 {
			return nil
		}
		if err := list.Delete(found); err != nil {
			return err
		}
	}
}

// Delete records the given feature ids as deletions. Ids already marked
// deleted are skipped; ids present in added or modified are purged from
// those collections first.
func (l *LayerEdits) Delete(featureIDs []int64) error {
	return l.transact("delete features", func(root *automerge.Map) error {
		added, err := l.list(root, keyAdded)
		if err != nil {
			return err
		}
		modified, err := l.list(root, keyModified)
		if err != nil {
			return err
		}
		deleted, err := l.list(root, keyDeleted)
		if err != nil {
			return err
		}

		existing, err := idSet(deleted)
		if err != nil {
			return err
		}

		for _, id := range featureIDs {
			if existing[id] {
				continue
			}

			if idx, err := featureIndex(added, id); err != nil {
				return err
			} else if idx != -1 {
				if err := added.Delete(idx); err != nil {
					return err
				}
			}

			if idx, err := featureIndex(modified, id); err != nil {
				return err
			} else if idx != -1 {
				if err := modified.Delete(idx); err != nil {
					return err
				}
			}

			if err := deleted.Append(id); err != nil {
				return err
			}
			existing[id] = true
		}
		return nil
	})
}

// Modify records the given features as additions or modifications.
//
//   - A feature already in added has its addition updated in place.
//   - A feature already in modified has its modification updated in place.
//   - A feature marked deleted is skipped: a deleted feature cannot be
//     modified.
//   - Otherwise the authoritative store decides: an unknown id is recorded
//     as an addition, a known one as a modification.
//
// Features without an id are rejected and logged. Existence checks run
// before the document transaction opens, so the whole batch replicates as
// one update; a failed check drops only the affected feature.
func (l *LayerEdits) Modify(ctx context.Context, features []*geo.Feature) error {
	upstream, err := l.resolveExistence(ctx, features)
	if err != nil {
		return err
	}

	return l.transact("modify features", func(root *automerge.Map) error {
		added, err := l.list(root, keyAdded)
		if err != nil {
			return err
		}
		modified, err := l.list(root, keyModified)
		if err != nil {
			return err
		}
		deleted, err := l.list(root, keyDeleted)
		if err != nil {
			return err
		}

		deletedIDs, err := idSet(deleted)
		if err != nil {
			return err
		}

		for _, raw := range features {
			f := raw.Normalize()
			if f.ID == 0 {
				l.log.Warn().Str("layer", l.layerID).
					Msg("cannot record modification for feature without id")
				continue
			}

			// already an addition: update it there instead
			if idx, err := featureIndex(added, f.ID); err != nil {
				return err
			} else if idx != -1 {
				if err := replaceFeature(added, idx, f); err != nil {
					return err
				}
				continue
			}

			// already a modification: update it there
			if idx, err := featureIndex(modified, f.ID); err != nil {
				return err
			} else if idx != -1 {
				if err := replaceFeature(modified, idx, f); err != nil {
					return err
				}
				continue
			}

			// marked deleted: skip
			if deletedIDs[f.ID] {
				continue
			}

			existing, ok := upstream[f.ID]
			if !ok {
				// the pre-transaction existence check failed for this
				// feature; it was already logged, drop it from the batch
				continue
			}

			if existing == nil {
				if err := appendFeature(added, f); err != nil {
					return err
				}
				continue
			}

			if err := appendFeature(modified, f); err != nil {
				return err
			}
		}
		return nil
	})
}

// resolveExistence runs upstream lookups for every feature that the current
// ledger state cannot classify on its own.
func (l *LayerEdits) resolveExistence(ctx context.Context, features []*geo.Feature) (map[int64]*geo.Feature, error) {
	addedIDs, err := l.AddedIDs()
	if err != nil {
		return nil, err
	}
	modifiedIDs, err := l.ModifiedIDs()
	if err != nil {
		return nil, err
	}
	deletedIDs, err := l.DeletedIDs()
	if err != nil {
		return nil, err
	}

	known := make(map[int64]bool)
	for _, id := range addedIDs {
		known[id] = true
	}
	for _, id := range modifiedIDs {
		known[id] = true
	}
	for _, id := range deletedIDs {
		known[id] = true
	}

	resolved := make(map[int64]*geo.Feature)
	for _, f := range features {
		if f.ID == 0 || known[f.ID] {
			continue
		}
		if _, done := resolved[f.ID]; done {
			continue
		}

		existing, err := l.store.GetFeature(ctx, l.layerID, f.ID)
		if err != nil {
			l.log.Error().Err(err).Str("layer", l.layerID).Int64("featureId", f.ID).
				Msg("feature existence check failed, dropping feature from batch")
			continue
		}
		resolved[f.ID] = existing
	}
	return resolved, nil
}

// RemoveModified drops the feature with the given id from modified without
// recording a deletion. Returns false when the id is not in modified.
//
// Absence is checked with a read first: a no-op removal must not commit,
// since every commit wakes document observers and the retraction observer in
// reconcile.ResetFeature calls back into this package.
func (l *LayerEdits) RemoveModified(featureID int64) (bool, error) {
	present, err := l.containsFeature(keyModified, featureID)
	if err != nil || !present {
		return false, err
	}

	found := false
	err = l.transact("remove modification", func(root *automerge.Map) error {
		modified, err := l.list(root, keyModified)
		if err != nil {
			return err
		}
		idx, err := featureIndex(modified, featureID)
		if err != nil {
			return err
		}
		if idx == -1 {
			return nil
		}
		found = true
		return modified.Delete(idx)
	})
	return found, err
}

// RemoveDeleted retracts a recorded deletion. Returns false when the id is
// not in deleted. Like RemoveModified, a no-op removal commits nothing.
func (l *LayerEdits) RemoveDeleted(featureID int64) (bool, error) {
	present := false
	err := l.read(func(root *automerge.Map) error {
		deleted, err := l.peekList(root, keyDeleted)
		if err != nil || deleted == nil {
			return err
		}
		set, err := idSet(deleted)
		if err != nil {
			return err
		}
		present = set[featureID]
		return nil
	})
	if err != nil || !present {
		return false, err
	}

	found := false
	err = l.transact("retract deletion", func(root *automerge.Map) error {
		deleted, err := l.list(root, keyDeleted)
		if err != nil {
			return err
		}
		values, err := deleted.Values()
		if err != nil {
			return err
		}
		for i, v := range values {
			id, err := automerge.As[int64](v, nil)
			if err != nil {
				continue
			}
			if id == featureID {
				found = true
				return deleted.Delete(i)
			}
		}
		return nil
	})
	return found, err
}

// containsFeature reports whether the given feature list holds the id,
// without creating the list.
func (l *LayerEdits) containsFeature(key string, featureID int64) (bool, error) {
	present := false
	err := l.read(func(root *automerge.Map) error {
		list, err := l.peekList(root, key)
		if err != nil || list == nil {
			return err
		}
		idx, err := featureIndex(list, featureID)
		if err != nil {
			return err
		}
		present = idx != -1
		return nil
	})
	return present, err
}

// Added returns the features recorded as additions, in insertion order.
func (l *LayerEdits) Added() ([]*geo.Feature, error) {
	return l.features(keyAdded)
}

// Modified returns the features recorded as modifications, in insertion
// order.
func (l *LayerEdits) Modified() ([]*geo.Feature, error) {
	return l.features(keyModified)
}

// DeletedIDs returns the deduplicated ids recorded as deletions.
func (l *LayerEdits) DeletedIDs() ([]int64, error) {
	var ids []int64
	err := l.read(func(root *automerge.Map) error {
		deleted, err := l.peekList(root, keyDeleted)
		if err != nil || deleted == nil {
			return err
		}
		values, err := deleted.Values()
		if err != nil {
			return err
		}
		seen := make(map[int64]bool, len(values))
		for _, v := range values {
			id, err := automerge.As[int64](v, nil)
			if err != nil || seen[id] {
				continue
			}
			seen[id] = true
			ids = append(ids, id)
		}
		return nil
	})
	return ids, err
}

// AddedIDs returns the deduplicated ids of added features.
func (l *LayerEdits) AddedIDs() ([]int64, error) {
	return l.featureIDs(keyAdded)
}

// ModifiedIDs returns the deduplicated ids of modified features.
func (l *LayerEdits) ModifiedIDs() ([]int64, error) {
	return l.featureIDs(keyModified)
}

// ModifiedOrDeletedIDs is the union of deleted and modified ids. These
// features are rendered by the drawing surface, so the base map layer must
// hide them.
func (l *LayerEdits) ModifiedOrDeletedIDs() ([]int64, error) {
	deleted, err := l.DeletedIDs()
	if err != nil {
		return nil, err
	}
	modified, err := l.ModifiedIDs()
	if err != nil {
		return nil, err
	}

	seen := make(map[int64]bool, len(deleted)+len(modified))
	out := make([]int64, 0, len(deleted)+len(modified))
	for _, id := range deleted {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, id := range modified {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out, nil
}

// ChangedCount is the total number of pending edits in this layer.
func (l *LayerEdits) ChangedCount() (int, error) {
	count := 0
	err := l.read(func(root *automerge.Map) error {
		for _, key := range []string{keyAdded, keyDeleted, keyModified} {
			list, err := l.peekList(root, key)
			if err != nil {
				return err
			}
			if list != nil {
				count += list.Len()
			}
		}
		return nil
	})
	return count, err
}

// FeatureCollection returns added and modified features as one GeoJSON
// feature collection.
func (l *LayerEdits) FeatureCollection() (*geojson.FeatureCollection, error) {
	added, err := l.Added()
	if err != nil {
		return nil, err
	}
	modified, err := l.Modified()
	if err != nil {
		return nil, err
	}

	fc := geojson.NewFeatureCollection()
	for _, f := range added {
		fc.Append(f.GeoJSON())
	}
	for _, f := range modified {
		fc.Append(f.GeoJSON())
	}
	return fc, nil
}

func (l *LayerEdits) features(key string) ([]*geo.Feature, error) {
	var out []*geo.Feature
	err := l.read(func(root *automerge.Map) error {
		list, err := l.peekList(root, key)
		if err != nil || list == nil {
			return err
		}
		out, err = listFeatures(list)
		return err
	})
	return out, err
}

func (l *LayerEdits) featureIDs(key string) ([]int64, error) {
	features, err := l.features(key)
	if err != nil {
		return nil, err
	}
	seen := make(map[int64]bool, len(features))
	ids := make([]int64, 0, len(features))
	for _, f := range features {
		if f.ID == 0 || seen[f.ID] {
			continue
		}
		seen[f.ID] = true
		ids = append(ids, f.ID)
	}
	return ids, nil
}

// list resolves one of the three edit lists for this layer, creating the
// layer entry and the list when absent. Only call inside a transaction.
func (l *LayerEdits) list(root *automerge.Map, key string) (*automerge.List, error) {
	edits, err := sharedoc.EnsureMap(root, rootKey)
	if err != nil {
		return nil, err
	}
	layer, err := sharedoc.EnsureMap(edits, l.layerID)
	if err != nil {
		return nil, err
	}
	return sharedoc.EnsureList(layer, key)
}

// peekList resolves one of the three edit lists without creating anything.
// Returns nil when the layer or list does not exist yet.
func (l *LayerEdits) peekList(root *automerge.Map, key string) (*automerge.List, error) {
	edits, err := sharedoc.GetMap(root, rootKey)
	if err != nil || edits == nil {
		return nil, err
	}
	layer, err := sharedoc.GetMap(edits, l.layerID)
	if err != nil || layer == nil {
		return nil, err
	}
	return sharedoc.GetList(layer, key)
}

func (l *LayerEdits) transact(label string, fn func(root *automerge.Map) error) error {
	err := l.doc.Transact(label, fn)
	if errors.Is(err, sharedoc.ErrClosed) {
		return apperrors.Structural("ledger operation failed", apperrors.ErrDetachedLedger)
	}
	return err
}

func (l *LayerEdits) read(fn func(root *automerge.Map) error) error {
	err := l.doc.Read(fn)
	if errors.Is(err, sharedoc.ErrClosed) {
		return apperrors.Structural("ledger read failed", apperrors.ErrDetachedLedger)
	}
	return err
}

func appendFeature(list *automerge.List, f *geo.Feature) error {
	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode feature %d: %w", f.ID, err)
	}
	return list.Append(b)
}

func replaceFeature(list *automerge.List, idx int, f *geo.Feature) error {
	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode feature %d: %w", f.ID, err)
	}
	if err := list.Delete(idx); err != nil {
		return err
	}
	return list.Insert(idx, b)
}

func decodeFeature(v *automerge.Value) (*geo.Feature, error) {
	b, err := automerge.As[[]byte](v, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger entry is not feature bytes: %w", err)
	}
	var f geo.Feature
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("failed to decode ledger feature: %w", err)
	}
	return &f, nil
}

func listFeatures(list *automerge.List) ([]*geo.Feature, error) {
	values, err := list.Values()
	if err != nil {
		return nil, err
	}
	out := make([]*geo.Feature, 0, len(values))
	for _, v := range values {
		f, err := decodeFeature(v)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func featureIndex(list *automerge.List, id int64) (int, error) {
	values, err := list.Values()
	if err != nil {
		return -1, err
	}
	for i, v := range values {
		f, err := decodeFeature(v)
		if err != nil {
			return -1, err
		}
		if f.ID == id {
			return i, nil
		}
	}
	return -1, nil
}

func idSet(list *automerge.List) (map[int64]bool, error) {
	values, err := list.Values()
	if err != nil {
		return nil, err
	}
	set := make(map[int64]bool, len(values))
	for _, v := range values {
		id, err := automerge.As[int64](v, nil)
		if err != nil {
			continue
		}
		set[id] = true
	}
	return set, nil
}
