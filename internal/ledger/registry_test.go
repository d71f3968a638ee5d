package ledger

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "collaborative-map-editor/internal/errors"
	"collaborative-map-editor/internal/geo"
	"collaborative-map-editor/internal/sharedoc"
)

func TestLayerMaterializesOnFirstAccess(t *testing.T) {
	doc := sharedoc.New()
	defer doc.Close()
	reg := NewRegistry(doc, &fakeStore{}, zerolog.Nop())

	ids, err := reg.LayerIDs()
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = reg.Layer("Trails")
	require.NoError(t, err)

	ids, err = reg.LayerIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"Trails"}, ids)
}

func TestLayerAccessIsIdempotent(t *testing.T) {
	doc := sharedoc.New()
	defer doc.Close()
	reg := NewRegistry(doc, &fakeStore{}, zerolog.Nop())

	changes := 0
	cancel := doc.Observe(func() { changes++ })
	defer cancel()

	_, err := reg.Layer("Trails")
	require.NoError(t, err)
	first := changes

	_, err = reg.Layer("Trails")
	require.NoError(t, err)

	// the second lookup finds the entry and commits nothing new
	assert.Equal(t, first, changes)
}

func TestRegisterOperationsReachTheLedger(t *testing.T) {
	doc := sharedoc.New()
	defer doc.Close()
	store := &fakeStore{existing: map[int64]*geo.Feature{2: pointFeature(2, 0, 0)}}
	reg := NewRegistry(doc, store, zerolog.Nop())

	require.NoError(t, reg.RegisterAdditions("Trails", []*geo.Feature{pointFeature(1, 1, 1)}))
	require.NoError(t, reg.RegisterModifications(context.Background(), "Trails", []*geo.Feature{pointFeature(2, 2, 2)}))
	require.NoError(t, reg.RegisterDeletions("Trails", []int64{3}))

	l, err := reg.Layer("Trails")
	require.NoError(t, err)

	addedIDs, err := l.AddedIDs()
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, addedIDs)

	modifiedIDs, err := l.ModifiedIDs()
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, modifiedIDs)

	deletedIDs, err := l.DeletedIDs()
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, deletedIDs)
}

func TestRegistryOnClosedDocument(t *testing.T) {
	doc := sharedoc.New()
	reg := NewRegistry(doc, &fakeStore{}, zerolog.Nop())
	doc.Close()

	_, err := reg.Layer("Trails")
	assert.ErrorIs(t, err, apperrors.ErrDetachedLedger)

	_, err = reg.LayerIDs()
	assert.ErrorIs(t, err, apperrors.ErrDetachedLedger)
}
