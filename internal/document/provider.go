package document

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"collaborative-map-editor/internal/presence"
	"collaborative-map-editor/internal/sharedoc"
)

// presenceEnvelope is the text-frame payload exchanged through the relay.
// Binary frames carry the CRDT sync protocol and are opaque to the relay.
type presenceEnvelope struct {
	Type     string          `json:"type"` // "presence" or "leave"
	ClientID int64           `json:"clientId,omitempty"`
	State    json.RawMessage `json:"state,omitempty"`
}

// Provider connects a session document to its peers through the relay. It
// pumps the document's sync protocol over binary frames and presence
// payloads over text frames on the same connection.
type Provider struct {
	url        string
	doc        *sharedoc.Doc
	channel    *presence.Channel
	log        zerolog.Logger
	conn       *websocket.Conn
	writeMu    sync.Mutex
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	kick       chan struct{}
	unobserve  func()
	synced     atomic.Bool
	syncedCh   chan struct{}
	syncedOnce sync.Once
}

func NewProvider(url string, doc *sharedoc.Doc, channel *presence.Channel, log zerolog.Logger) *Provider {
	return &Provider{
		url:      url,
		doc:      doc,
		channel:  channel,
		log:      log,
		kick:     make(chan struct{}, 1),
		syncedCh: make(chan struct{}),
	}
}

// Connect dials the relay and starts the sync pump. Local presence changes
// are broadcast from the moment the connection is up.
func (p *Provider) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, p.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial relay: %w", err)
	}
	p.conn = conn

	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.unobserve = p.doc.Observe(func() {
		select {
		case p.kick <- struct{}{}:
		default:
		}
	})

	p.channel.SetTransport(func(payload []byte) {
		env := presenceEnvelope{Type: "presence", State: payload}
		if err := p.writeJSON(env); err != nil {
			p.log.Warn().Err(err).Msg("failed to broadcast presence")
		}
	})

	syncState := p.doc.NewSyncState()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer conn.Close()
		p.readLoop(syncState)
	}()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer conn.Close()
		p.writeLoop(runCtx, syncState)
	}()

	// announce ourselves
	state, _ := json.Marshal(p.channel.LocalState())
	if err := p.writeJSON(presenceEnvelope{Type: "presence", State: state}); err != nil {
		p.log.Warn().Err(err).Msg("failed to announce presence")
	}
	return nil
}

// Synced reports whether the initial sync exchange has completed.
func (p *Provider) Synced() bool {
	return p.synced.Load()
}

// FirstSync is closed once the initial sync exchange completes.
func (p *Provider) FirstSync() <-chan struct{} {
	return p.syncedCh
}

// Disconnect stops the pump and closes the connection.
func (p *Provider) Disconnect() {
	if p.cancel != nil {
		p.cancel()
	}
	if p.unobserve != nil {
		p.unobserve()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.wg.Wait()
}

func (p *Provider) readLoop(syncState *automerge.SyncState) {
	for {
		mt, payload, err := p.conn.ReadMessage()
		if err != nil {
			p.log.Debug().Err(err).Msg("relay connection closed")
			return
		}
		switch mt {
		case websocket.BinaryMessage:
			if _, err := p.doc.ReceiveSyncMessage(syncState, payload); err != nil {
				p.log.Warn().Err(err).Msg("failed to apply sync message")
				continue
			}
			p.pump(syncState)
			p.markSynced()
		case websocket.TextMessage:
			var env presenceEnvelope
			if err := json.Unmarshal(payload, &env); err != nil {
				p.log.Warn().Err(err).Msg("skipping undecodable relay payload")
				continue
			}
			switch env.Type {
			case "presence":
				p.channel.Apply(env.State)
			case "leave":
				p.channel.Remove(env.ClientID)
			}
		}
	}
}

func (p *Provider) writeLoop(ctx context.Context, syncState *automerge.SyncState) {
	p.pump(syncState)

	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-p.kick:
			p.pump(syncState)
		case <-t.C:
			p.pump(syncState)
		case <-ctx.Done():
			return
		}
	}
}

// pump drains pending sync messages to the peer.
func (p *Provider) pump(syncState *automerge.SyncState) {
	for {
		msg, valid := p.doc.GenerateSyncMessage(syncState)
		if !valid {
			return
		}
		p.writeMu.Lock()
		err := p.conn.WriteMessage(websocket.BinaryMessage, msg)
		p.writeMu.Unlock()
		if err != nil {
			p.log.Debug().Err(err).Msg("failed to write sync message")
			return
		}
	}
}

func (p *Provider) writeJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if p.conn == nil {
		return fmt.Errorf("provider is not connected")
	}
	return p.conn.WriteMessage(websocket.TextMessage, payload)
}

func (p *Provider) markSynced() {
	p.synced.Store(true)
	p.syncedOnce.Do(func() { close(p.syncedCh) })
}
