// Package sharedoc wraps the replicated CRDT document that backs a
// collaborative editing session.
//
// Mutations go through Transact, which batches every operation made inside
// the callback into one committed change, so local observers see a single
// atomic state transition and peers receive one coalesced update. Observers
// are registered explicitly and return an unsubscribe handle; they fire
// after every local commit and after every remote change that moves the
// document's heads.
package sharedoc

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/automerge/automerge-go"
	"github.com/google/uuid"
)

// ErrClosed is returned by operations on a document that has been released.
var ErrClosed = errors.New("shared document is closed")

type Doc struct {
	mu        sync.Mutex
	doc       *automerge.Doc
	closed    bool
	observers map[int]func()
	nextObs   int
}

// New creates an empty shared document with a random actor id.
func New() *Doc {
	doc := automerge.New()
	actor := uuid.New()
	_ = doc.SetActorID(hex.EncodeToString(actor[:]))
	return &Doc{doc: doc, observers: map[int]func(){}}
}

// Load restores a shared document from previously saved bytes.
func Load(b []byte) (*Doc, error) {
	doc, err := automerge.Load(b)
	if err != nil {
		return nil, fmt.Errorf("failed to load shared document: %w", err)
	}
	actor := uuid.New()
	_ = doc.SetActorID(hex.EncodeToString(actor[:]))
	return &Doc{doc: doc, observers: map[int]func(){}}, nil
}

// Closed reports whether the document has been released.
func (d *Doc) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Close releases the document. Further operations fail with ErrClosed.
func (d *Doc) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.observers = map[int]func(){}
}

// Transact runs fn against the document root and commits the result as one
// change. Observers are notified after the commit, outside the document
// lock, so an observer may start another transaction.
func (d *Doc) Transact(label string, fn func(root *automerge.Map) error) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}

	if err := fn(d.doc.RootMap()); err != nil {
		// Commit whatever fn managed to apply before failing; partial
		// batches are the caller's contract (see ledger.Modify).
		_, _ = d.doc.Commit(label, automerge.CommitOptions{AllowEmpty: true})
		obs := d.snapshotObservers()
		d.mu.Unlock()
		notify(obs)
		return err
	}

	if _, err := d.doc.Commit(label, automerge.CommitOptions{AllowEmpty: true}); err != nil {
		d.mu.Unlock()
		return fmt.Errorf("failed to commit %q: %w", label, err)
	}

	obs := d.snapshotObservers()
	d.mu.Unlock()
	notify(obs)
	return nil
}

// Read runs fn against the document root without committing or notifying.
func (d *Doc) Read(fn func(root *automerge.Map) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	return fn(d.doc.RootMap())
}

// Observe registers fn to run after every change to the document, local or
// remote. The returned cancel func removes the registration; it is safe to
// call from inside the observer itself.
func (d *Doc) Observe(fn func()) (cancel func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.nextObs
	d.nextObs++
	d.observers[id] = fn

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.observers, id)
	}
}

// Save serializes the full document.
func (d *Doc) Save() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	return d.doc.Save()
}

// NewSyncState creates a sync state for one peer connection.
func (d *Doc) NewSyncState() *automerge.SyncState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return automerge.NewSyncState(d.doc)
}

// GenerateSyncMessage produces the next sync message for a peer, if any.
func (d *Doc) GenerateSyncMessage(ss *automerge.SyncState) (msg []byte, valid bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, false
	}
	m, valid := ss.GenerateMessage()
	if m == nil || !valid {
		return nil, false
	}
	return m.Bytes(), true
}

// ReceiveSyncMessage ingests a sync message from a peer. Observers fire when
// the message changed the document.
func (d *Doc) ReceiveSyncMessage(ss *automerge.SyncState, msg []byte) (changed bool, err error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false, ErrClosed
	}

	before := fmt.Sprint(d.doc.Heads())
	if _, err := ss.ReceiveMessage(msg); err != nil {
		d.mu.Unlock()
		return false, fmt.Errorf("failed to receive sync message: %w", err)
	}
	changed = fmt.Sprint(d.doc.Heads()) != before

	var obs []func()
	if changed {
		obs = d.snapshotObservers()
	}
	d.mu.Unlock()
	notify(obs)
	return changed, nil
}

func (d *Doc) snapshotObservers() []func() {
	obs := make([]func(), 0, len(d.observers))
	for _, fn := range d.observers {
		obs = append(obs, fn)
	}
	return obs
}

func notify(obs []func()) {
	for _, fn := range obs {
		fn()
	}
}
