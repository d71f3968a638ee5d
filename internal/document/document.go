// Package document owns one collaborative editing session: the shared
// replicated document, the edit registry built on it, the presence channel,
// local persistence, and the peer transport.
package document

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"collaborative-map-editor/internal/ledger"
	"collaborative-map-editor/internal/presence"
	"collaborative-map-editor/internal/sharedoc"
	"collaborative-map-editor/internal/worker"
)

// Options configures a session.
type Options struct {
	// Room is the session name; peers editing the same room converge.
	Room string
	// DisplayName identifies this client in presence. Color is optional; a
	// random one is assigned when empty.
	DisplayName string
	Color       string
	// Store answers feature-existence checks for modification routing.
	Store ledger.Store
	// PersistenceDir is where the local sqlite save lives. Empty disables
	// persistence.
	PersistenceDir string
	// RelayURL is the websocket relay endpoint. Empty means offline
	// editing; pending edits still persist locally.
	RelayURL string
	Logger   zerolog.Logger
}

// Document is one editing session.
type Document struct {
	room        string
	doc         *sharedoc.Doc
	registry    *ledger.Registry
	presence    *presence.Channel
	persistence *Persistence
	provider    *Provider
	pool        *worker.WorkerPool
	log         zerolog.Logger

	ready     chan struct{}
	readyOnce sync.Once
	unobserve func()
	closeOnce sync.Once
}

// Open creates or resumes the session for a room: loads the local save if
// one exists, wires the registry and presence channel, starts background
// persistence, and connects to the relay when one is configured.
//
// The readiness signal fires once the local save has been applied.
func Open(ctx context.Context, opts Options) (*Document, error) {
	if opts.Room == "" {
		return nil, fmt.Errorf("room name is required")
	}
	log := opts.Logger.With().Str("room", opts.Room).Logger()

	d := &Document{
		room:  opts.Room,
		log:   log,
		ready: make(chan struct{}),
	}

	if opts.PersistenceDir != "" {
		p, err := OpenPersistence(filepath.Join(opts.PersistenceDir, opts.Room+".sqlite3"))
		if err != nil {
			return nil, err
		}
		d.persistence = p
	}

	var saved []byte
	if d.persistence != nil {
		b, err := d.persistence.Load(opts.Room)
		if err != nil {
			_ = d.persistence.Close()
			return nil, err
		}
		saved = b
	}

	if saved != nil {
		doc, err := sharedoc.Load(saved)
		if err != nil {
			// a corrupt save is not worth failing the session over
			log.Warn().Err(err).Msg("discarding unreadable local save")
			d.doc = sharedoc.New()
		} else {
			d.doc = doc
		}
	} else {
		d.doc = sharedoc.New()
	}

	d.registry = ledger.NewRegistry(d.doc, opts.Store, log)
	d.presence = presence.NewChannel(opts.DisplayName, opts.Color, log)

	if d.persistence != nil {
		d.pool = worker.NewWorkerPool(1, log)
		d.unobserve = d.doc.Observe(func() {
			d.pool.Submit(func(context.Context) error {
				b := d.doc.Save()
				if b == nil {
					return nil
				}
				return d.persistence.Save(d.room, b)
			})
		})
	}

	// local state restored; the session is ready to edit
	d.readyOnce.Do(func() { close(d.ready) })

	if opts.RelayURL != "" {
		d.provider = NewProvider(opts.RelayURL+"/rooms/"+opts.Room+"/ws", d.doc, d.presence, log)
		if err := d.provider.Connect(ctx); err != nil {
			// offline editing still works; peers converge on reconnect
			log.Warn().Err(err).Msg("could not connect to relay, editing offline")
			d.provider = nil
		}
	}

	log.Info().Msg("editing session open")
	return d, nil
}

// Ready is closed once the local save has been applied.
func (d *Document) Ready() <-chan struct{} {
	return d.ready
}

// Synced reports whether the initial peer sync has completed. Always false
// for offline sessions.
func (d *Document) Synced() bool {
	return d.provider != nil && d.provider.Synced()
}

// Doc exposes the shared replicated document.
func (d *Document) Doc() *sharedoc.Doc {
	return d.doc
}

// Registry exposes the edit registry for this session.
func (d *Document) Registry() *ledger.Registry {
	return d.registry
}

// Presence exposes this session's presence channel.
func (d *Document) Presence() *presence.Channel {
	return d.presence
}

// Close tears the session down: disconnects the transport, flushes a final
// save, stops background persistence, and releases the shared document.
func (d *Document) Close() error {
	var err error
	d.closeOnce.Do(func() {
		if d.provider != nil {
			d.provider.Disconnect()
		}
		if d.unobserve != nil {
			d.unobserve()
		}
		if d.persistence != nil {
			if b := d.doc.Save(); b != nil {
				if saveErr := d.persistence.Save(d.room, b); saveErr != nil {
					d.log.Error().Err(saveErr).Msg("final save failed")
					err = saveErr
				}
			}
		}
		if d.pool != nil {
			d.pool.Shutdown()
		}
		if d.persistence != nil {
			if closeErr := d.persistence.Close(); closeErr != nil && err == nil {
				err = closeErr
			}
		}
		d.doc.Close()
		d.log.Info().Msg("editing session closed")
	})
	return err
}
