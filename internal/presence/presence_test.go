package presence

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func remotePayload(t *testing.T, s State) []byte {
	t.Helper()
	b, err := json.Marshal(s)
	require.NoError(t, err)
	return b
}

func TestNewChannelAssignsIdentity(t *testing.T) {
	c := NewChannel("ada", "", zerolog.Nop())

	local := c.LocalState()
	assert.NotZero(t, local.ClientID)
	assert.Equal(t, "ada", local.Name)
	assert.Regexp(t, `^#[0-9a-f]{6}$`, local.Color)
}

func TestApplyStoresValidPeerState(t *testing.T) {
	c := NewChannel("ada", "#ff0000", zerolog.Nop())

	c.Apply(remotePayload(t, State{ClientID: 99, Name: "grace", Color: "#00ff00"}))

	states := c.States()
	require.Len(t, states, 2)
	var names []string
	for _, s := range states {
		names = append(names, s.Name)
	}
	assert.Contains(t, names, "grace")
}

func TestApplyDropsInvalidState(t *testing.T) {
	c := NewChannel("ada", "#ff0000", zerolog.Nop())

	// missing name
	c.Apply(remotePayload(t, State{ClientID: 99, Color: "#00ff00"}))
	// bad color
	c.Apply(remotePayload(t, State{ClientID: 98, Name: "x", Color: "green"}))
	// not json
	c.Apply([]byte("{nope"))

	assert.Len(t, c.States(), 1)
}

func TestApplyIgnoresOwnEcho(t *testing.T) {
	c := NewChannel("ada", "#ff0000", zerolog.Nop())

	fired := 0
	cancel := c.Subscribe(WithCursor, func([]State) { fired++ })
	defer cancel()

	c.Apply(remotePayload(t, c.LocalState()))

	assert.Len(t, c.States(), 1)
	assert.Zero(t, fired)
}

func TestRemovePeerNotifies(t *testing.T) {
	c := NewChannel("ada", "#ff0000", zerolog.Nop())
	c.Apply(remotePayload(t, State{ClientID: 99, Name: "grace", Color: "#00ff00"}))

	fired := 0
	cancel := c.Subscribe(WithCursor, func(states []State) {
		fired++
		assert.Len(t, states, 1)
	})
	defer cancel()

	c.Remove(99)
	c.Remove(99)

	assert.Equal(t, 1, fired)
}

func TestCursorSensitivity(t *testing.T) {
	c := NewChannel("ada", "#ff0000", zerolog.Nop())

	withCursor := 0
	cancelA := c.Subscribe(WithCursor, func([]State) { withCursor++ })
	defer cancelA()

	ignoreCursor := 0
	cancelB := c.Subscribe(IgnoreCursor, func([]State) { ignoreCursor++ })
	defer cancelB()

	c.SetCursor(&LngLat{Lng: -122.4, Lat: 45.5})
	assert.Equal(t, 1, withCursor)
	assert.Zero(t, ignoreCursor)

	c.SetSelection("42.Trails")
	assert.Equal(t, 2, withCursor)
	assert.Equal(t, 1, ignoreCursor)

	c.SetCursor(&LngLat{Lng: -122.5, Lat: 45.6})
	assert.Equal(t, 3, withCursor)
	assert.Equal(t, 1, ignoreCursor)
}

func TestInvalidLocalUpdateIsIgnored(t *testing.T) {
	c := NewChannel("ada", "#ff0000", zerolog.Nop())

	c.SetCursor(&LngLat{Lng: 500, Lat: 0})
	assert.Nil(t, c.LocalState().LngLat)

	c.SetIdentity("", "#ff0000")
	assert.Equal(t, "ada", c.LocalState().Name)
}

func TestLocalUpdatesBroadcast(t *testing.T) {
	c := NewChannel("ada", "#ff0000", zerolog.Nop())

	var sent [][]byte
	c.SetTransport(func(payload []byte) { sent = append(sent, payload) })

	c.SetSelection("7.Buildings")
	require.Len(t, sent, 1)

	var s State
	require.NoError(t, json.Unmarshal(sent[0], &s))
	assert.Equal(t, c.ClientID(), s.ClientID)
	assert.Equal(t, "7.Buildings", s.SelectedLayerFeatureID)
}

func TestStatesSortedByClientID(t *testing.T) {
	c := NewChannel("ada", "#ff0000", zerolog.Nop())
	c.Apply(remotePayload(t, State{ClientID: 2, Name: "b", Color: "#00ff00"}))
	c.Apply(remotePayload(t, State{ClientID: 1, Name: "a", Color: "#0000ff"}))

	states := c.States()
	require.Len(t, states, 3)
	for i := 1; i < len(states); i++ {
		assert.Less(t, states[i-1].ClientID, states[i].ClientID)
	}
}
