// Package syncstate tracks the per-collection synchronization
// ledger between a device and the store.
//
// For every (user, device, collection) triple it remembers the
// last acknowledged sync key, the batch issued under the next key
// until the client acknowledges it, and the read cursor into the
// collection's item stream. The ledger is persisted through an
// eas.StateStore before any in-memory commit, so an acknowledged
// key survives a process restart but a torn write is never
// visible to clients.
package syncstate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"spilled.ink/eas"
)

// Key identifies one collection ledger.
type Key struct {
	UserID       int64
	DeviceID     string
	CollectionID string
}

// Batch is one issued sync response. It is kept, with the render
// options that shaped it, until the client acknowledges the key,
// so a lost response can be re-sent identically.
type Batch struct {
	SyncKey       eas.SyncKey
	Items         []eas.Item
	Responses     []eas.CmdResponse
	MoreAvailable bool
	Options       eas.RenderOptions
}

// state is the persisted ledger entry.
type state struct {
	CurrentKey eas.SyncKey
	NextKey    eas.SyncKey
	Cursor     int
	Pending    *Batch
}

// Result is what the caller must emit for one collection.
//
// On a re-send, Items and Responses alias the stored batch and
// must not be modified.
type Result struct {
	SyncKey       eas.SyncKey
	Items         []eas.Item
	Responses     []eas.CmdResponse
	MoreAvailable bool
	Options       eas.RenderOptions
	Initial       bool // priming exchange: no Commands in the response
	Resend        bool
}

// Info is a read-only snapshot of one ledger entry.
type Info struct {
	CurrentKey eas.SyncKey
	NextKey    eas.SyncKey
	Cursor     int
	HasPending bool
}

// FetchFunc returns up to limit items of the collection starting
// at cursor, plus the total number of items.
type FetchFunc func(ctx context.Context, cursor, limit int) ([]eas.Item, int, error)

// ApplyFunc runs the client's Sync commands against the store and
// returns one acknowledgement per command.
type ApplyFunc func(ctx context.Context) ([]eas.CmdResponse, error)

// Table serializes and persists ledger entries. Concurrent Sync
// calls on different collections proceed independently; calls on
// the same collection are ordered.
type Table struct {
	store eas.StateStore

	mu      sync.Mutex
	entries map[Key]*entry
}

type entry struct {
	mu     sync.Mutex
	loaded bool
	state  state
}

func NewTable(store eas.StateStore) *Table {
	return &Table{
		store:   store,
		entries: make(map[Key]*entry),
	}
}

func (t *Table) entry(key Key) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entries[key]
	if e == nil {
		e = &entry{}
		t.entries[key] = e
	}
	return e
}

// load fills e.state from the store. It caches success; a corrupt
// blob is reported on every call so the failure stays visible.
func (e *entry) load(ctx context.Context, store eas.StateStore, key Key) error {
	if e.loaded {
		return nil
	}
	blob, err := store.State(ctx, key.UserID, key.DeviceID, key.CollectionID)
	if err != nil {
		return fmt.Errorf("syncstate: load %v: %v", key, err)
	}
	if blob != nil {
		if err := json.Unmarshal(blob, &e.state); err != nil {
			return fmt.Errorf("syncstate: decode %v: %v", key, err)
		}
	}
	e.loaded = true
	return nil
}

// save persists st and only then commits it to memory.
func (e *entry) save(ctx context.Context, store eas.StateStore, key Key, st state) error {
	blob, err := json.Marshal(&st)
	if err != nil {
		return fmt.Errorf("syncstate: encode %v: %v", key, err)
	}
	if err := store.SetState(ctx, key.UserID, key.DeviceID, key.CollectionID, blob); err != nil {
		return fmt.Errorf("syncstate: save %v: %v", key, err)
	}
	e.state = st
	e.loaded = true
	return nil
}

// Sync runs one collection through the sync algorithm.
//
// clientKey zero primes the collection: the ledger is reset, the
// response carries key 1 and no items, and apply is not invoked.
//
// A request repeating the last acknowledged key while a batch is
// outstanding re-emits that batch unchanged; apply and fetch are
// not invoked. Otherwise the client's commands are applied, a
// fresh window is fetched at the cursor, and the new batch is
// persisted under the successor key.
//
// An unexpected client key does not roll the ledger back: the
// outstanding batch is dropped, the cursor rewinds to zero, and a
// fresh batch is issued at the current key for the client to
// catch up on.
func (t *Table) Sync(ctx context.Context, key Key, clientKey eas.SyncKey, window int, opts eas.RenderOptions, apply ApplyFunc, fetch FetchFunc) (*Result, error) {
	if window <= 0 {
		window = 25
	} else if window > 512 {
		window = 512
	}

	e := t.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	lerr := e.load(ctx, t.store, key)

	if clientKey == 0 {
		st := state{CurrentKey: 0, NextKey: 1}
		if err := e.save(ctx, t.store, key, st); err != nil {
			return nil, err
		}
		return &Result{SyncKey: 1, Initial: true}, nil
	}
	if lerr != nil {
		return nil, lerr
	}

	st := e.state

	if clientKey == st.CurrentKey && st.Pending != nil {
		p := st.Pending
		return &Result{
			SyncKey:       p.SyncKey,
			Items:         p.Items,
			Responses:     p.Responses,
			MoreAvailable: p.MoreAvailable,
			Options:       p.Options,
			Resend:        true,
		}, nil
	}

	switch {
	case clientKey == st.NextKey:
		// The outstanding batch (if any) is acknowledged.
		st.CurrentKey = st.NextKey
		st.Pending = nil
	case clientKey == st.CurrentKey:
		// Fresh round at the confirmed key.
	default:
		// Unexpected key. Drop the outstanding batch and
		// restart the round at the confirmed key; rolling
		// CurrentKey back instead makes restarted clients
		// loop.
		st.Pending = nil
		st.Cursor = 0
	}

	var responses []eas.CmdResponse
	if apply != nil {
		var err error
		responses, err = apply(ctx)
		if err != nil {
			return nil, err
		}
	}

	items, total, err := fetch(ctx, st.Cursor, window)
	if err != nil {
		return nil, err
	}
	more := st.Cursor+len(items) < total

	batch := &Batch{
		SyncKey:       st.CurrentKey.Next(),
		Items:         items,
		Responses:     responses,
		MoreAvailable: more,
		Options:       opts,
	}
	st.NextKey = batch.SyncKey
	st.Pending = batch
	if more {
		st.Cursor += len(items)
	} else {
		st.Cursor = 0
	}

	if err := e.save(ctx, t.store, key, st); err != nil {
		return nil, err
	}
	return &Result{
		SyncKey:       batch.SyncKey,
		Items:         batch.Items,
		Responses:     batch.Responses,
		MoreAvailable: batch.MoreAvailable,
		Options:       batch.Options,
	}, nil
}

// Peek reports the ledger entry for a collection without
// altering it, for GetItemEstimate.
func (t *Table) Peek(ctx context.Context, key Key) (Info, error) {
	e := t.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.load(ctx, t.store, key); err != nil {
		return Info{}, err
	}
	return Info{
		CurrentKey: e.state.CurrentKey,
		NextKey:    e.state.NextKey,
		Cursor:     e.state.Cursor,
		HasPending: e.state.Pending != nil,
	}, nil
}
