package document

import (
	"path/filepath"
	"testing"

	"github.com/automerge/automerge-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collaborative-map-editor/internal/sharedoc"
)

func openTestPersistence(t *testing.T) *Persistence {
	t.Helper()
	p, err := OpenPersistence(filepath.Join(t.TempDir(), "documents.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestPersistenceLoadMissingRoom(t *testing.T) {
	p := openTestPersistence(t)

	content, err := p.Load("vineyards")
	require.NoError(t, err)
	assert.Nil(t, content)
}

func TestPersistenceSaveAndReplace(t *testing.T) {
	p := openTestPersistence(t)

	require.NoError(t, p.Save("vineyards", []byte("v1")))
	require.NoError(t, p.Save("vineyards", []byte("v2")))
	require.NoError(t, p.Save("orchards", []byte("other")))

	content, err := p.Load("vineyards")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), content)

	content, err = p.Load("orchards")
	require.NoError(t, err)
	assert.Equal(t, []byte("other"), content)
}

func TestPersistenceRoundTripsSharedDocument(t *testing.T) {
	p := openTestPersistence(t)

	doc := sharedoc.New()
	defer doc.Close()
	require.NoError(t, doc.Transact("seed", func(root *automerge.Map) error {
		return root.Set("room", "vineyards")
	}))

	require.NoError(t, p.Save("vineyards", doc.Save()))

	saved, err := p.Load("vineyards")
	require.NoError(t, err)

	restored, err := sharedoc.Load(saved)
	require.NoError(t, err)
	defer restored.Close()

	err = restored.Read(func(root *automerge.Map) error {
		v, err := root.Get("room")
		require.NoError(t, err)
		got, err := automerge.As[string](v, nil)
		require.NoError(t, err)
		assert.Equal(t, "vineyards", got)
		return nil
	})
	require.NoError(t, err)
}
