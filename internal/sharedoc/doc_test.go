package sharedoc

import (
	"testing"

	"github.com/automerge/automerge-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransactNotifiesOncePerBatch(t *testing.T) {
	d := New()

	fired := 0
	cancel := d.Observe(func() { fired++ })
	defer cancel()

	err := d.Transact("batch", func(root *automerge.Map) error {
		if err := root.Set("a", int64(1)); err != nil {
			return err
		}
		return root.Set("b", int64(2))
	})
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
}

func TestObserveCancelStopsNotifications(t *testing.T) {
	d := New()

	fired := 0
	cancel := d.Observe(func() { fired++ })

	require.NoError(t, d.Transact("one", func(root *automerge.Map) error {
		return root.Set("x", int64(1))
	}))
	cancel()
	require.NoError(t, d.Transact("two", func(root *automerge.Map) error {
		return root.Set("y", int64(2))
	}))

	assert.Equal(t, 1, fired)
}

func TestClosedDocRejectsOperations(t *testing.T) {
	d := New()
	d.Close()

	err := d.Transact("late", func(root *automerge.Map) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)

	err = d.Read(func(root *automerge.Map) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	d := New()
	require.NoError(t, d.Transact("seed", func(root *automerge.Map) error {
		return root.Set("kept", "value")
	}))

	restored, err := Load(d.Save())
	require.NoError(t, err)

	err = restored.Read(func(root *automerge.Map) error {
		v, err := root.Get("kept")
		require.NoError(t, err)
		got, err := automerge.As[string](v, nil)
		require.NoError(t, err)
		assert.Equal(t, "value", got)
		return nil
	})
	require.NoError(t, err)
}

func TestSyncMessagesConvergeAndNotify(t *testing.T) {
	a := New()
	b := New()

	require.NoError(t, a.Transact("seed", func(root *automerge.Map) error {
		return root.Set("from", "a")
	}))

	remoteChanged := 0
	cancel := b.Observe(func() { remoteChanged++ })
	defer cancel()

	ssA := a.NewSyncState()
	ssB := b.NewSyncState()

	// pump until neither side has anything left to say
	for {
		progressed := false
		if msg, valid := a.GenerateSyncMessage(ssA); valid {
			progressed = true
			_, err := b.ReceiveSyncMessage(ssB, msg)
			require.NoError(t, err)
		}
		if msg, valid := b.GenerateSyncMessage(ssB); valid {
			progressed = true
			_, err := a.ReceiveSyncMessage(ssA, msg)
			require.NoError(t, err)
		}
		if !progressed {
			break
		}
	}

	err := b.Read(func(root *automerge.Map) error {
		v, err := root.Get("from")
		require.NoError(t, err)
		got, err := automerge.As[string](v, nil)
		require.NoError(t, err)
		assert.Equal(t, "a", got)
		return nil
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, remoteChanged, 1)
}

func TestEnsureCollections(t *testing.T) {
	d := New()

	require.NoError(t, d.Transact("setup", func(root *automerge.Map) error {
		m, err := EnsureMap(root, "layers")
		require.NoError(t, err)
		require.NotNil(t, m)

		l, err := EnsureList(m, "added")
		require.NoError(t, err)
		require.NotNil(t, l)
		return l.Append(int64(7))
	}))

	err := d.Read(func(root *automerge.Map) error {
		m, err := GetMap(root, "layers")
		require.NoError(t, err)
		require.NotNil(t, m)

		missing, err := GetMap(root, "absent")
		require.NoError(t, err)
		assert.Nil(t, missing)

		l, err := GetList(m, "added")
		require.NoError(t, err)
		require.NotNil(t, l)
		assert.Equal(t, 1, l.Len())
		return nil
	})
	require.NoError(t, err)
}
