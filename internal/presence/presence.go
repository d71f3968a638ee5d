// Package presence shares ephemeral per-client state between peers: who is
// editing, where their cursor is, and what they have selected.
//
// Presence is never written to the shared document and never persisted; it
// lives only as long as the client's connection. Invalid or foreign records
// are dropped with a warning rather than surfaced, so a misbehaving peer
// cannot crash a well-behaved one.
package presence

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// LngLat is a cursor position in geographic coordinates.
type LngLat struct {
	Lng float64 `json:"lng" validate:"min=-180,max=180"`
	Lat float64 `json:"lat" validate:"min=-90,max=90"`
}

// State is one client's presence record.
type State struct {
	ClientID               int64   `json:"clientId" validate:"required"`
	Name                   string  `json:"name" validate:"required"`
	Color                  string  `json:"color" validate:"required,len=7,hexcolor"`
	LngLat                 *LngLat `json:"lngLat,omitempty"`
	SelectedLayerFeatureID string  `json:"selectedLayerFeatureId,omitempty"`
}

// Sensitivity controls which remote changes wake a subscriber.
type Sensitivity int

const (
	// WithCursor fires on every field change, cursor movement included.
	WithCursor Sensitivity = iota
	// IgnoreCursor suppresses notifications whose only difference is a
	// cursor move, for UI derived from identity and selection.
	IgnoreCursor
)

type subscriber struct {
	fn          func([]State)
	sensitivity Sensitivity
	lastSeen    string
}

// Channel holds the local presence state and the last known state of every
// connected peer.
type Channel struct {
	mu       sync.Mutex
	local    State
	remote   map[int64]State
	validate *validator.Validate
	log      zerolog.Logger
	subs     map[int]*subscriber
	nextSub  int
	send     func(payload []byte)
}

// NewChannel creates a presence channel with a fresh client id.
func NewChannel(name, color string, log zerolog.Logger) *Channel {
	if color == "" {
		color = RandomColor()
	}
	return &Channel{
		local: State{
			ClientID: int64(uuid.New().ID()),
			Name:     name,
			Color:    color,
		},
		remote:   map[int64]State{},
		validate: validator.New(),
		log:      log,
		subs:     map[int]*subscriber{},
	}
}

// RandomColor picks a random #rrggbb color for a client without one.
func RandomColor() string {
	return fmt.Sprintf("#%06x", rand.Intn(0x1000000))
}

// ClientID returns the local client's id.
func (c *Channel) ClientID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local.ClientID
}

// LocalState returns a copy of the local presence record.
func (c *Channel) LocalState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

// SetTransport installs the fire-and-forget broadcast hook used to push
// local state changes to peers.
func (c *Channel) SetTransport(send func(payload []byte)) {
	c.mu.Lock()
	c.send = send
	c.mu.Unlock()
}

// SetIdentity updates the local display name and color.
func (c *Channel) SetIdentity(name, color string) {
	c.updateLocal(func(s *State) {
		s.Name = name
		s.Color = color
	})
}

// SetCursor updates the local cursor position. A nil position clears it.
func (c *Channel) SetCursor(pos *LngLat) {
	c.updateLocal(func(s *State) {
		s.LngLat = pos
	})
}

// SetSelection updates the local selection. An empty id clears it.
func (c *Channel) SetSelection(layerFeatureID string) {
	c.updateLocal(func(s *State) {
		s.SelectedLayerFeatureID = layerFeatureID
	})
}

func (c *Channel) updateLocal(mutate func(*State)) {
	c.mu.Lock()
	next := c.local
	mutate(&next)

	if err := c.validate.Struct(next); err != nil {
		c.mu.Unlock()
		c.log.Warn().Err(err).Msg("ignoring invalid local presence state")
		return
	}

	c.local = next
	send := c.send
	payload, _ := json.Marshal(next)
	notify := c.pendingNotifications()
	c.mu.Unlock()

	if send != nil {
		send(payload)
	}
	run(notify)
}

// Apply ingests a peer's presence payload. Records that fail shape
// validation are dropped with a warning.
func (c *Channel) Apply(payload []byte) {
	var s State
	if err := json.Unmarshal(payload, &s); err != nil {
		c.log.Warn().Err(err).Msg("skipping undecodable presence payload")
		return
	}
	if err := c.validate.Struct(s); err != nil {
		c.log.Warn().Err(err).Int64("clientId", s.ClientID).
			Msg("skipping invalid presence state")
		return
	}

	c.mu.Lock()
	if s.ClientID == c.local.ClientID {
		// our own broadcast echoed back
		c.mu.Unlock()
		return
	}
	c.remote[s.ClientID] = s
	notify := c.pendingNotifications()
	c.mu.Unlock()
	run(notify)
}

// Remove drops a peer's state. Called by the transport when the peer's
// connection goes away.
func (c *Channel) Remove(clientID int64) {
	c.mu.Lock()
	if _, ok := c.remote[clientID]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.remote, clientID)
	notify := c.pendingNotifications()
	c.mu.Unlock()
	run(notify)
}

// States returns the local state followed by all known peer states, ordered
// by client id.
func (c *Channel) States() []State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statesLocked()
}

func (c *Channel) statesLocked() []State {
	out := make([]State, 0, len(c.remote)+1)
	out = append(out, c.local)
	for _, s := range c.remote {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// Subscribe registers fn to run whenever presence changes, subject to the
// given sensitivity. The returned cancel func removes the registration.
func (c *Channel) Subscribe(sensitivity Sensitivity, fn func(states []State)) (cancel func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = &subscriber{
		fn:          fn,
		sensitivity: sensitivity,
		lastSeen:    fingerprint(c.statesLocked(), sensitivity),
	}
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// pendingNotifications compares each subscriber's last-seen fingerprint with
// the current states and returns the callbacks that must fire. Callers hold
// the lock; callbacks run after it is released.
func (c *Channel) pendingNotifications() []func() {
	states := c.statesLocked()
	var out []func()
	for _, sub := range c.subs {
		fp := fingerprint(states, sub.sensitivity)
		if fp == sub.lastSeen {
			continue
		}
		sub.lastSeen = fp
		fn := sub.fn
		out = append(out, func() { fn(states) })
	}
	return out
}

// fingerprint serializes states for change detection, stripping cursors for
// cursor-insensitive subscribers.
func fingerprint(states []State, sensitivity Sensitivity) string {
	if sensitivity == IgnoreCursor {
		stripped := make([]State, len(states))
		for i, s := range states {
			s.LngLat = nil
			stripped[i] = s
		}
		states = stripped
	}
	b, err := json.Marshal(states)
	if err != nil {
		return ""
	}
	return string(b)
}

func run(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}
