package syncstate_test

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"spilled.ink/eas"
	"spilled.ink/eas/syncstate"
)

type memStateStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
	fail  bool
}

func newMemStateStore() *memStateStore {
	return &memStateStore{blobs: make(map[string][]byte)}
}

func blobKey(userID int64, deviceID, collectionID string) string {
	return fmt.Sprintf("%d/%s/%s", userID, deviceID, collectionID)
}

func (m *memStateStore) State(ctx context.Context, userID int64, deviceID, collectionID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return nil, errors.New("store down")
	}
	return m.blobs[blobKey(userID, deviceID, collectionID)], nil
}

func (m *memStateStore) SetState(ctx context.Context, userID int64, deviceID, collectionID string, state []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("store down")
	}
	m.blobs[blobKey(userID, deviceID, collectionID)] = state
	return nil
}

var testKey = syncstate.Key{UserID: 1, DeviceID: "androidc1", CollectionID: "1"}

func testItems(n int) []eas.Item {
	items := make([]eas.Item, n)
	for i := range items {
		items[i] = eas.Item{
			ServerID:     fmt.Sprintf("1:%d", i+1),
			Subject:      fmt.Sprintf("msg %d", i+1),
			DateReceived: time.Date(2019, 3, 1, 12, 0, i, 0, time.UTC),
		}
	}
	return items
}

func fetchFrom(items []eas.Item) syncstate.FetchFunc {
	return func(ctx context.Context, cursor, limit int) ([]eas.Item, int, error) {
		total := len(items)
		if cursor >= total {
			return nil, total, nil
		}
		end := cursor + limit
		if end > total {
			end = total
		}
		out := make([]eas.Item, end-cursor)
		copy(out, items[cursor:end])
		return out, total, nil
	}
}

func peek(t *testing.T, tbl *syncstate.Table) syncstate.Info {
	t.Helper()
	info, err := tbl.Peek(context.Background(), testKey)
	if err != nil {
		t.Fatal(err)
	}
	return info
}

func TestPrimeAndPage(t *testing.T) {
	ctx := context.Background()
	store := newMemStateStore()
	tbl := syncstate.NewTable(store)
	fetch := fetchFrom(testItems(2))
	opts := eas.RenderOptions{}

	// Prime with key zero.
	res, err := tbl.Sync(ctx, testKey, 0, 0, opts, nil, fetch)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Initial {
		t.Error("priming response not marked Initial")
	}
	if got, want := res.SyncKey, eas.SyncKey(1); got != want {
		t.Errorf("prime SyncKey=%v, want %v", got, want)
	}
	if len(res.Items) != 0 {
		t.Errorf("prime returned %d items, want none", len(res.Items))
	}
	if res.MoreAvailable {
		t.Error("prime set MoreAvailable")
	}

	// First page, window 1.
	res, err = tbl.Sync(ctx, testKey, 1, 1, opts, nil, fetch)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := res.SyncKey, eas.SyncKey(2); got != want {
		t.Errorf("first page SyncKey=%v, want %v", got, want)
	}
	if len(res.Items) != 1 || res.Items[0].ServerID != "1:1" {
		t.Errorf("first page items=%v, want [1:1]", res.Items)
	}
	if !res.MoreAvailable {
		t.Error("first page did not set MoreAvailable")
	}
	info := peek(t, tbl)
	want := syncstate.Info{CurrentKey: 1, NextKey: 2, Cursor: 1, HasPending: true}
	if info != want {
		t.Errorf("after first page Info=%+v, want %+v", info, want)
	}

	// Resend: repeat the same client key.
	res2, err := tbl.Sync(ctx, testKey, 1, 1, opts, nil, fetch)
	if err != nil {
		t.Fatal(err)
	}
	if !res2.Resend {
		t.Error("repeat request not marked Resend")
	}
	if res2.SyncKey != res.SyncKey || !reflect.DeepEqual(res2.Items, res.Items) || res2.MoreAvailable != res.MoreAvailable {
		t.Errorf("resend differs: %+v vs %+v", res2, res)
	}
	if got := peek(t, tbl); got != want {
		t.Errorf("resend mutated state: %+v, want %+v", got, want)
	}

	// ACK and next page.
	res, err = tbl.Sync(ctx, testKey, 2, 1, opts, nil, fetch)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := res.SyncKey, eas.SyncKey(3); got != want {
		t.Errorf("second page SyncKey=%v, want %v", got, want)
	}
	if len(res.Items) != 1 || res.Items[0].ServerID != "1:2" {
		t.Errorf("second page items=%v, want [1:2]", res.Items)
	}
	if res.MoreAvailable {
		t.Error("final page set MoreAvailable")
	}
	info = peek(t, tbl)
	want = syncstate.Info{CurrentKey: 2, NextKey: 3, Cursor: 0, HasPending: true}
	if info != want {
		t.Errorf("after second page Info=%+v, want %+v", info, want)
	}

	// ACK the final page; a new round starts at the top.
	res, err = tbl.Sync(ctx, testKey, 3, 1, opts, nil, fetch)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := res.SyncKey, eas.SyncKey(4); got != want {
		t.Errorf("new round SyncKey=%v, want %v", got, want)
	}
	if len(res.Items) != 1 || res.Items[0].ServerID != "1:1" {
		t.Errorf("new round items=%v, want [1:1]", res.Items)
	}
}

func TestUnexpectedKeyRecovers(t *testing.T) {
	ctx := context.Background()
	tbl := syncstate.NewTable(newMemStateStore())
	fetch := fetchFrom(testItems(3))
	opts := eas.RenderOptions{}

	mustSync := func(clientKey eas.SyncKey, window int) *syncstate.Result {
		t.Helper()
		res, err := tbl.Sync(ctx, testKey, clientKey, window, opts, nil, fetch)
		if err != nil {
			t.Fatal(err)
		}
		return res
	}

	mustSync(0, 0)
	mustSync(1, 1) // current=1, cursor=1, pending key 2

	res := mustSync(99, 1)
	if res.Resend || res.Initial {
		t.Errorf("recovery response marked Resend=%v Initial=%v", res.Resend, res.Initial)
	}
	if got, want := res.SyncKey, eas.SyncKey(2); got != want {
		t.Errorf("recovery SyncKey=%v, want %v (no rollback of current key)", got, want)
	}
	if len(res.Items) != 1 || res.Items[0].ServerID != "1:1" {
		t.Errorf("recovery items=%v, want restart from the top", res.Items)
	}
	info := peek(t, tbl)
	want := syncstate.Info{CurrentKey: 1, NextKey: 2, Cursor: 1, HasPending: true}
	if info != want {
		t.Errorf("after recovery Info=%+v, want %+v", info, want)
	}

	// The client can acknowledge the reissued key.
	res = mustSync(2, 1)
	if got, want := res.SyncKey, eas.SyncKey(3); got != want {
		t.Errorf("post-recovery SyncKey=%v, want %v", got, want)
	}
}

func TestRestartKeepsPending(t *testing.T) {
	ctx := context.Background()
	store := newMemStateStore()
	fetch := fetchFrom(testItems(2))
	opts := eas.RenderOptions{
		BodyPreferences: []eas.BodyPreference{{Type: 1, TruncationSize: 512}},
	}

	tbl := syncstate.NewTable(store)
	if _, err := tbl.Sync(ctx, testKey, 0, 0, opts, nil, fetch); err != nil {
		t.Fatal(err)
	}
	first, err := tbl.Sync(ctx, testKey, 1, 1, opts, nil, fetch)
	if err != nil {
		t.Fatal(err)
	}

	// Process restart: a fresh table over the same store.
	tbl2 := syncstate.NewTable(store)
	res, err := tbl2.Sync(ctx, testKey, 1, 1, opts, nil, fetch)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Resend {
		t.Error("post-restart repeat not marked Resend")
	}
	if res.SyncKey != first.SyncKey || !reflect.DeepEqual(res.Items, first.Items) {
		t.Errorf("post-restart resend differs:\n got %+v\nwant %+v", res, first)
	}
	if !reflect.DeepEqual(res.Options, opts) {
		t.Errorf("post-restart options=%+v, want %+v", res.Options, opts)
	}
}

func TestKeysNeverDecrease(t *testing.T) {
	ctx := context.Background()
	tbl := syncstate.NewTable(newMemStateStore())
	fetch := fetchFrom(testItems(5))
	opts := eas.RenderOptions{}

	script := []eas.SyncKey{0, 1, 1, 2, 77, 2, 3, 4, 1, 5}
	lastCurrent := eas.SyncKey(0)
	for i, clientKey := range script {
		if _, err := tbl.Sync(ctx, testKey, clientKey, 2, opts, nil, fetch); err != nil {
			t.Fatalf("step %d (key %v): %v", i, clientKey, err)
		}
		info := peek(t, tbl)
		if clientKey == 0 {
			lastCurrent = 0 // a reset is the one sanctioned rewind
		}
		if info.CurrentKey < lastCurrent {
			t.Fatalf("step %d: current key decreased %v -> %v", i, lastCurrent, info.CurrentKey)
		}
		if info.NextKey < info.CurrentKey {
			t.Fatalf("step %d: next %v < current %v", i, info.NextKey, info.CurrentKey)
		}
		lastCurrent = info.CurrentKey
	}
}

func TestCommandsApplyOncePerBatch(t *testing.T) {
	ctx := context.Background()
	tbl := syncstate.NewTable(newMemStateStore())
	fetch := fetchFrom(testItems(2))
	opts := eas.RenderOptions{}

	applies := 0
	apply := func(ctx context.Context) ([]eas.CmdResponse, error) {
		applies++
		return []eas.CmdResponse{{Cmd: "Delete", ServerID: "1:9", Status: eas.SyncStatusOK}}, nil
	}

	if _, err := tbl.Sync(ctx, testKey, 0, 0, opts, apply, fetch); err != nil {
		t.Fatal(err)
	}
	if applies != 0 {
		t.Errorf("prime ran apply %d times, want 0", applies)
	}

	res, err := tbl.Sync(ctx, testKey, 1, 1, opts, apply, fetch)
	if err != nil {
		t.Fatal(err)
	}
	if applies != 1 {
		t.Errorf("first page ran apply %d times, want 1", applies)
	}
	if len(res.Responses) != 1 || res.Responses[0].Cmd != "Delete" {
		t.Errorf("responses=%v, want the Delete ack", res.Responses)
	}

	// The resend must not re-apply commands, and must replay the
	// acknowledgements from the stored batch.
	res2, err := tbl.Sync(ctx, testKey, 1, 1, opts, apply, fetch)
	if err != nil {
		t.Fatal(err)
	}
	if applies != 1 {
		t.Errorf("resend ran apply again (%d times total)", applies)
	}
	if !reflect.DeepEqual(res2.Responses, res.Responses) {
		t.Errorf("resend responses=%v, want %v", res2.Responses, res.Responses)
	}
}

func TestStoreFailureLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	store := newMemStateStore()
	tbl := syncstate.NewTable(store)
	fetch := fetchFrom(testItems(2))
	opts := eas.RenderOptions{}

	if _, err := tbl.Sync(ctx, testKey, 0, 0, opts, nil, fetch); err != nil {
		t.Fatal(err)
	}
	before := peek(t, tbl)

	store.mu.Lock()
	store.fail = true
	store.mu.Unlock()

	if _, err := tbl.Sync(ctx, testKey, 1, 1, opts, nil, fetch); err == nil {
		t.Fatal("Sync succeeded with the store down")
	}

	store.mu.Lock()
	store.fail = false
	store.mu.Unlock()

	if got := peek(t, tbl); got != before {
		t.Errorf("failed request mutated state: %+v, want %+v", got, before)
	}

	// The retry with the same key works once the store is back.
	res, err := tbl.Sync(ctx, testKey, 1, 1, opts, nil, fetch)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := res.SyncKey, eas.SyncKey(2); got != want {
		t.Errorf("retry SyncKey=%v, want %v", got, want)
	}
}

func TestWindowClamp(t *testing.T) {
	ctx := context.Background()
	tbl := syncstate.NewTable(newMemStateStore())
	opts := eas.RenderOptions{}

	var gotLimit int
	fetch := func(ctx context.Context, cursor, limit int) ([]eas.Item, int, error) {
		gotLimit = limit
		return nil, 0, nil
	}

	prime, err := tbl.Sync(ctx, testKey, 0, 0, opts, nil, fetch)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		window, want int
	}{
		{0, 25},
		{-3, 25},
		{1, 1},
		{512, 512},
		{4096, 512},
	}
	clientKey := prime.SyncKey
	for _, test := range tests {
		res, err := tbl.Sync(ctx, testKey, clientKey, test.window, opts, nil, fetch)
		if err != nil {
			t.Fatal(err)
		}
		if gotLimit != test.want {
			t.Errorf("window %d: fetch limit=%d, want %d", test.window, gotLimit, test.want)
		}
		clientKey = res.SyncKey
	}
}

func TestCorruptStateBlob(t *testing.T) {
	ctx := context.Background()
	store := newMemStateStore()
	store.blobs[blobKey(1, "androidc1", "1")] = []byte("{not json")
	tbl := syncstate.NewTable(store)
	fetch := fetchFrom(testItems(1))
	opts := eas.RenderOptions{}

	if _, err := tbl.Sync(ctx, testKey, 5, 0, opts, nil, fetch); err == nil {
		t.Fatal("Sync succeeded over a corrupt state blob")
	}

	// A reset writes through the corruption.
	if _, err := tbl.Sync(ctx, testKey, 0, 0, opts, nil, fetch); err != nil {
		t.Fatalf("reset over corrupt blob: %v", err)
	}
	res, err := tbl.Sync(ctx, testKey, 1, 0, opts, nil, fetch)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := res.SyncKey, eas.SyncKey(2); got != want {
		t.Errorf("post-reset SyncKey=%v, want %v", got, want)
	}
}
