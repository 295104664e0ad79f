package eastest

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"spilled.ink/eas"
	"spilled.ink/eas/easserver"
	"spilled.ink/email"
	"spilled.ink/util/ratelimit"
	"spilled.ink/wbxml"
)

func childCount(n *wbxml.Node, t wbxml.Tag) (count int) {
	n.Each(t, func(*wbxml.Node) { count++ })
	return count
}

func TestOptionsDiscovery(t *testing.T, ts *TestServer) {
	res := ts.Options(t)
	if res.Status != http.StatusOK {
		t.Fatalf("OPTIONS status %d, want 200", res.Status)
	}
	if got := string(res.Raw); got != "OK" {
		t.Errorf("OPTIONS body %q, want OK", got)
	}
	if got := res.Header.Get("MS-ASProtocolVersions"); !strings.Contains(got, "14.1") {
		t.Errorf("MS-ASProtocolVersions %q missing 14.1", got)
	}
	if got := res.Header.Get("MS-ASProtocolCommands"); !strings.Contains(got, "Ping") {
		t.Errorf("MS-ASProtocolCommands %q missing Ping", got)
	}
	if got := res.Header.Get("Allow"); got != "OPTIONS, POST" {
		t.Errorf("Allow %q, want OPTIONS, POST", got)
	}
}

func TestProvisionGate(t *testing.T, ts *TestServer) {
	// An unprovisioned device gets 449 for everything but
	// Provision and Settings.
	res := ts.Post(t, "FolderSync", wbxml.Elem(wbxml.FolderSync,
		wbxml.Text(wbxml.FHSyncKey, "0")))
	if res.Status != easserver.StatusRetryWith {
		t.Fatalf("unprovisioned FolderSync status %d, want %d", res.Status, easserver.StatusRetryWith)
	}
	if got := res.Header.Get("X-MS-PolicyKey"); got != "0" {
		t.Errorf("X-MS-PolicyKey %q, want 0", got)
	}

	res = ts.Post(t, "Settings", wbxml.Elem(wbxml.Settings,
		wbxml.Elem(wbxml.SettingsUserInformation, wbxml.Elem(wbxml.SettingsGet))))
	if res.Status != http.StatusOK {
		t.Errorf("unprovisioned Settings status %d, want 200", res.Status)
	}
}

func TestProvisionHandshake(t *testing.T, ts *TestServer) {
	// Acknowledging with the wrong temporary key fails the policy.
	res := ts.Post(t, "Provision", provisionRequest(0))
	tempKey := provisionPolicyKey(t, res)
	res = ts.Post(t, "Provision", provisionRequest(tempKey+1))
	policy := res.Body.Child(wbxml.ProvPolicies).Child(wbxml.ProvPolicy)
	if got := policy.ChildText(wbxml.ProvStatus); got != "5" {
		t.Fatalf("wrong-key ack policy status %q, want 5", got)
	}

	// The full handshake opens the gate.
	ts.Provision(t)
	res = ts.Post(t, "FolderSync", wbxml.Elem(wbxml.FolderSync,
		wbxml.Text(wbxml.FHSyncKey, "0")))
	if res.Status != http.StatusOK {
		t.Fatalf("provisioned FolderSync status %d, want 200", res.Status)
	}
	if got := res.Header.Get("X-MS-PolicyKey"); got == "" || got == "0" {
		t.Errorf("X-MS-PolicyKey %q, want the final key", got)
	}
}

func TestFolderSyncInitial(t *testing.T, ts *TestServer) {
	ts.Provision(t)
	res := ts.Post(t, "FolderSync", wbxml.Elem(wbxml.FolderSync,
		wbxml.Text(wbxml.FHSyncKey, "0")))
	if got := res.Body.ChildText(wbxml.FHStatus); got != "1" {
		t.Fatalf("status %q, want 1", got)
	}
	if got := res.Body.ChildText(wbxml.FHSyncKey); got != "1" {
		t.Errorf("sync key %q, want 1", got)
	}
	changes := res.Body.Child(wbxml.FHChanges)
	if changes == nil {
		t.Fatal("no Changes in response")
	}
	if got := childCount(changes, wbxml.FHAdd); got != len(eas.DefaultFolders) {
		t.Fatalf("%d folder adds, want %d", got, len(eas.DefaultFolders))
	}
	inbox := changes.Child(wbxml.FHAdd)
	if got := inbox.ChildText(wbxml.FHServerID); got != eas.CollectionInbox {
		t.Errorf("first folder id %q, want %q", got, eas.CollectionInbox)
	}
	if got := inbox.ChildText(wbxml.FHDisplayName); got != "Inbox" {
		t.Errorf("first folder name %q, want Inbox", got)
	}
	if got := inbox.ChildText(wbxml.FHType); got != "2" {
		t.Errorf("first folder type %q, want 2", got)
	}
}

func TestFolderSyncSteady(t *testing.T, ts *TestServer) {
	ts.Provision(t)
	res := ts.Post(t, "FolderSync", wbxml.Elem(wbxml.FolderSync,
		wbxml.Text(wbxml.FHSyncKey, "1")))
	if got := res.Body.ChildText(wbxml.FHStatus); got != "1" {
		t.Fatalf("status %q, want 1", got)
	}
	changes := res.Body.Child(wbxml.FHChanges)
	if changes == nil {
		t.Fatal("no Changes in response")
	}
	if got := changes.ChildText(wbxml.FHCount); got != "0" {
		t.Errorf("count %q, want 0", got)
	}
	if childCount(changes, wbxml.FHAdd) != 0 {
		t.Error("steady-state FolderSync carried folder adds")
	}
}

func TestFolderSyncBadKey(t *testing.T, ts *TestServer) {
	ts.Provision(t)
	res := ts.Post(t, "FolderSync", wbxml.Elem(wbxml.FolderSync,
		wbxml.Text(wbxml.FHSyncKey, "41")))
	if got := res.Body.ChildText(wbxml.FHStatus); got != "9" {
		t.Fatalf("status %q, want 9", got)
	}
	if got := res.Body.ChildText(wbxml.FHSyncKey); got != "0" {
		t.Errorf("sync key %q, want 0 (start over)", got)
	}
}

func TestSyncPrime(t *testing.T, ts *TestServer) {
	ts.Provision(t)
	ts.Deliver(t, testItem(1))

	col := syncCollection(t, ts.Post(t, "Sync",
		syncRequest(eas.CollectionInbox, "0", 0, nil, nil)))
	if got := col.ChildText(wbxml.ASStatus); got != "1" {
		t.Fatalf("status %q, want 1", got)
	}
	if got := col.ChildText(wbxml.ASSyncKey); got != "1" {
		t.Errorf("sync key %q, want 1", got)
	}
	// The priming exchange never carries items.
	if col.HasChild(wbxml.ASCommands) {
		t.Error("priming Sync carried Commands")
	}
	if col.HasChild(wbxml.ASMoreAvailable) {
		t.Error("priming Sync carried MoreAvailable")
	}

	// Commands cannot ride a priming request.
	commands := wbxml.Elem(wbxml.ASCommands,
		wbxml.Elem(wbxml.ASDelete, wbxml.Text(wbxml.ASServerID, "1:1")))
	col = syncCollection(t, ts.Post(t, "Sync",
		syncRequest(eas.CollectionInbox, "0", 0, nil, commands)))
	if got := col.ChildText(wbxml.ASStatus); got != "4" {
		t.Errorf("priming Sync with Commands status %q, want 4", got)
	}

	// Unknown collection and garbage keys fail per collection.
	col = syncCollection(t, ts.Post(t, "Sync",
		syncRequest("99", "0", 0, nil, nil)))
	if got := col.ChildText(wbxml.ASStatus); got != "8" {
		t.Errorf("unknown collection status %q, want 8", got)
	}
	col = syncCollection(t, ts.Post(t, "Sync",
		syncRequest(eas.CollectionInbox, "pancake", 0, nil, nil)))
	if got := col.ChildText(wbxml.ASStatus); got != "4" {
		t.Errorf("garbage sync key status %q, want 4", got)
	}
}

func TestSyncPages(t *testing.T, ts *TestServer) {
	ts.Provision(t)
	for n := 1; n <= 5; n++ {
		ts.Deliver(t, testItem(n))
	}
	syncCollection(t, ts.Post(t, "Sync",
		syncRequest(eas.CollectionInbox, "0", 0, nil, nil)))

	// Newest first, two per window.
	wantPages := [][]string{
		{"message 5", "message 4"},
		{"message 3", "message 2"},
		{"message 1"},
	}
	key := "1"
	for i, want := range wantPages {
		col := syncCollection(t, ts.Post(t, "Sync",
			syncRequest(eas.CollectionInbox, key, 2, nil, nil)))
		if got := col.ChildText(wbxml.ASStatus); got != "1" {
			t.Fatalf("page %d: status %q, want 1", i, got)
		}
		more := col.HasChild(wbxml.ASMoreAvailable)
		if wantMore := i < len(wantPages)-1; more != wantMore {
			t.Errorf("page %d: MoreAvailable=%v, want %v", i, more, wantMore)
		}
		commands := col.Child(wbxml.ASCommands)
		if commands == nil {
			t.Fatalf("page %d: no Commands", i)
		}
		var subjects []string
		commands.Each(wbxml.ASAdd, func(add *wbxml.Node) {
			if add.ChildText(wbxml.ASServerID) == "" {
				t.Errorf("page %d: Add without ServerId", i)
			}
			app := add.Child(wbxml.ASApplicationData)
			if app == nil {
				t.Fatalf("page %d: Add without ApplicationData", i)
			}
			subjects = append(subjects, app.ChildText(wbxml.EmailSubject))
		})
		if len(subjects) != len(want) {
			t.Fatalf("page %d: %d items, want %d", i, len(subjects), len(want))
		}
		for j := range want {
			if subjects[j] != want[j] {
				t.Errorf("page %d item %d: subject %q, want %q", i, j, subjects[j], want[j])
			}
		}
		key = col.ChildText(wbxml.ASSyncKey)
	}
}

func TestSyncResendByteIdentical(t *testing.T, ts *TestServer) {
	ts.Provision(t)
	ts.Deliver(t, testItem(1))
	ts.Deliver(t, testItem(2))
	syncCollection(t, ts.Post(t, "Sync",
		syncRequest(eas.CollectionInbox, "0", 0, nil, nil)))

	first := ts.Post(t, "Sync", syncRequest(eas.CollectionInbox, "1", 0, nil, nil))
	col := syncCollection(t, first)
	if got := col.ChildText(wbxml.ASSyncKey); got != "2" {
		t.Fatalf("sync key %q, want 2", got)
	}

	// The client never saw the response and repeats its request.
	// Until key 2 is acknowledged the batch must come back exactly,
	// even if the repeat asks for different rendering.
	options := wbxml.Elem(wbxml.ASOptions,
		wbxml.Elem(wbxml.ASBBodyPreference,
			wbxml.Int(wbxml.ASBType, eas.BodyTypePlain),
			wbxml.Int(wbxml.ASBTruncationSize, 3)))
	second := ts.Post(t, "Sync", syncRequest(eas.CollectionInbox, "1", 0, options, nil))
	if !bytes.Equal(first.Raw, second.Raw) {
		t.Error("re-sent batch differs from the original response")
	}

	// Acknowledging key 2 starts a fresh round.
	col = syncCollection(t, ts.Post(t, "Sync",
		syncRequest(eas.CollectionInbox, "2", 0, nil, nil)))
	if got := col.ChildText(wbxml.ASSyncKey); got != "3" {
		t.Errorf("sync key %q, want 3", got)
	}
}

func TestSyncUnexpectedKey(t *testing.T, ts *TestServer) {
	ts.Provision(t)
	ts.Deliver(t, testItem(1))
	syncCollection(t, ts.Post(t, "Sync",
		syncRequest(eas.CollectionInbox, "0", 0, nil, nil)))
	syncCollection(t, ts.Post(t, "Sync",
		syncRequest(eas.CollectionInbox, "1", 0, nil, nil)))

	// A key from another life. The ledger does not roll back; the
	// round restarts at the confirmed key so the client catches up.
	col := syncCollection(t, ts.Post(t, "Sync",
		syncRequest(eas.CollectionInbox, "77", 0, nil, nil)))
	if got := col.ChildText(wbxml.ASStatus); got != "1" {
		t.Fatalf("status %q, want 1", got)
	}
	if got := col.ChildText(wbxml.ASSyncKey); got != "2" {
		t.Errorf("sync key %q, want 2", got)
	}
	commands := col.Child(wbxml.ASCommands)
	if commands == nil || childCount(commands, wbxml.ASAdd) != 1 {
		t.Error("restarted round did not re-deliver the mailbox")
	}
}

func TestSyncMIMEBody(t *testing.T, ts *TestServer) {
	ts.Provision(t)
	item := testItem(1)
	ts.Deliver(t, item)
	syncCollection(t, ts.Post(t, "Sync",
		syncRequest(eas.CollectionInbox, "0", 0, nil, nil)))

	options := wbxml.Elem(wbxml.ASOptions,
		wbxml.Int(wbxml.ASMIMESupport, 2),
		wbxml.Elem(wbxml.ASBBodyPreference,
			wbxml.Int(wbxml.ASBType, eas.BodyTypeMIME)))
	col := syncCollection(t, ts.Post(t, "Sync",
		syncRequest(eas.CollectionInbox, "1", 0, options, nil)))
	app := col.Child(wbxml.ASCommands).Child(wbxml.ASAdd).Child(wbxml.ASApplicationData)
	body := app.Child(wbxml.ASBBody)
	if body == nil {
		t.Fatal("no Body in ApplicationData")
	}
	if got := body.ChildText(wbxml.ASBType); got != "4" {
		t.Fatalf("body type %q, want 4", got)
	}
	if got := body.ChildText(wbxml.ASBTruncated); got != "0" {
		t.Errorf("Truncated %q, want 0", got)
	}
	data := body.Child(wbxml.ASBData)
	if data == nil || !bytes.Equal(data.Opaque, item.MIME) {
		t.Error("MIME body does not match the stored message")
	}

	// MIMETruncation bucket 0: headers-only clients get an empty
	// body with the true size advertised.
	options = wbxml.Elem(wbxml.ASOptions,
		wbxml.Int(wbxml.ASMIMESupport, 2),
		wbxml.Int(wbxml.ASMIMETruncation, 0),
		wbxml.Elem(wbxml.ASBBodyPreference,
			wbxml.Int(wbxml.ASBType, eas.BodyTypeMIME)))
	col = syncCollection(t, ts.Post(t, "Sync",
		syncRequest(eas.CollectionInbox, "2", 0, options, nil)))
	body = col.Child(wbxml.ASCommands).Child(wbxml.ASAdd).
		Child(wbxml.ASApplicationData).Child(wbxml.ASBBody)
	if got := body.ChildText(wbxml.ASBTruncated); got != "1" {
		t.Errorf("bucket 0 Truncated %q, want 1", got)
	}
	if data := body.Child(wbxml.ASBData); data == nil || len(data.Opaque) != 0 {
		t.Error("bucket 0 body is not empty")
	}
	if got := body.ChildText(wbxml.ASBEstimatedDataSize); got == "0" || got == "" {
		t.Errorf("bucket 0 EstimatedDataSize %q, want the full size", got)
	}
}

func TestSyncHTMLBody(t *testing.T, ts *TestServer) {
	ts.Provision(t)
	ts.Deliver(t, &eas.Item{
		Subject:      "html only",
		From:         email.Address{Addr: "frank@example.org"},
		DateReceived: time.Date(2018, 3, 10, 12, 0, 0, 0, time.UTC),
		BodyHTML:     "<p>Hello <b>world</b></p>",
	})
	syncCollection(t, ts.Post(t, "Sync",
		syncRequest(eas.CollectionInbox, "0", 0, nil, nil)))

	options := wbxml.Elem(wbxml.ASOptions,
		wbxml.Elem(wbxml.ASBBodyPreference,
			wbxml.Int(wbxml.ASBType, eas.BodyTypeHTML)))
	col := syncCollection(t, ts.Post(t, "Sync",
		syncRequest(eas.CollectionInbox, "1", 0, options, nil)))
	app := col.Child(wbxml.ASCommands).Child(wbxml.ASAdd).Child(wbxml.ASApplicationData)
	body := app.Child(wbxml.ASBBody)
	if got := body.ChildText(wbxml.ASBType); got != "2" {
		t.Fatalf("body type %q, want 2", got)
	}
	if got := body.ChildText(wbxml.ASBData); got != "<p>Hello <b>world</b></p>" {
		t.Errorf("body data %q", got)
	}
	if got := app.ChildText(wbxml.ASBNativeBodyType); got != "2" {
		t.Errorf("NativeBodyType %q, want 2", got)
	}

	// A plain-text-only client gets text derived from the HTML.
	options = wbxml.Elem(wbxml.ASOptions,
		wbxml.Elem(wbxml.ASBBodyPreference,
			wbxml.Int(wbxml.ASBType, eas.BodyTypePlain)))
	col = syncCollection(t, ts.Post(t, "Sync",
		syncRequest(eas.CollectionInbox, "2", 0, options, nil)))
	body = col.Child(wbxml.ASCommands).Child(wbxml.ASAdd).
		Child(wbxml.ASApplicationData).Child(wbxml.ASBBody)
	if got := body.ChildText(wbxml.ASBType); got != "1" {
		t.Fatalf("body type %q, want 1", got)
	}
	if got := body.ChildText(wbxml.ASBData); !strings.Contains(got, "Hello") {
		t.Errorf("derived plain body %q missing text", got)
	}
}

func TestSyncTruncation(t *testing.T, ts *TestServer) {
	ts.Provision(t)
	ts.Deliver(t, &eas.Item{
		Subject:      "long",
		From:         email.Address{Addr: "frank@example.org"},
		DateReceived: time.Date(2018, 3, 10, 12, 0, 0, 0, time.UTC),
		BodyPlain:    "0123456789",
	})
	syncCollection(t, ts.Post(t, "Sync",
		syncRequest(eas.CollectionInbox, "0", 0, nil, nil)))

	options := wbxml.Elem(wbxml.ASOptions,
		wbxml.Elem(wbxml.ASBBodyPreference,
			wbxml.Int(wbxml.ASBType, eas.BodyTypePlain),
			wbxml.Int(wbxml.ASBTruncationSize, 4),
			wbxml.Int(wbxml.ASBPreview, 2)))
	col := syncCollection(t, ts.Post(t, "Sync",
		syncRequest(eas.CollectionInbox, "1", 0, options, nil)))
	body := col.Child(wbxml.ASCommands).Child(wbxml.ASAdd).
		Child(wbxml.ASApplicationData).Child(wbxml.ASBBody)
	if got := body.ChildText(wbxml.ASBData); got != "0123" {
		t.Errorf("truncated data %q, want 0123", got)
	}
	if got := body.ChildText(wbxml.ASBTruncated); got != "1" {
		t.Errorf("Truncated %q, want 1", got)
	}
	// EstimatedDataSize reports the untruncated size.
	if got := body.ChildText(wbxml.ASBEstimatedDataSize); got != "10" {
		t.Errorf("EstimatedDataSize %q, want 10", got)
	}
	if got := body.ChildText(wbxml.ASBPreview); got != "01" {
		t.Errorf("Preview %q, want 01", got)
	}

	// AllOrNone skips the preference instead of truncating; the
	// fallback sends the plain body whole.
	options = wbxml.Elem(wbxml.ASOptions,
		wbxml.Elem(wbxml.ASBBodyPreference,
			wbxml.Int(wbxml.ASBType, eas.BodyTypePlain),
			wbxml.Int(wbxml.ASBTruncationSize, 4),
			wbxml.Int(wbxml.ASBAllOrNone, 1)))
	col = syncCollection(t, ts.Post(t, "Sync",
		syncRequest(eas.CollectionInbox, "2", 0, options, nil)))
	body = col.Child(wbxml.ASCommands).Child(wbxml.ASAdd).
		Child(wbxml.ASApplicationData).Child(wbxml.ASBBody)
	if got := body.ChildText(wbxml.ASBData); got != "0123456789" {
		t.Errorf("AllOrNone data %q, want the whole body", got)
	}
	if got := body.ChildText(wbxml.ASBTruncated); got != "0" {
		t.Errorf("AllOrNone Truncated %q, want 0", got)
	}
}

func TestSyncCommands(t *testing.T, ts *TestServer) {
	ts.Provision(t)
	id1 := ts.Deliver(t, testItem(1))
	id2 := ts.Deliver(t, testItem(2))
	syncCollection(t, ts.Post(t, "Sync",
		syncRequest(eas.CollectionInbox, "0", 0, nil, nil)))
	syncCollection(t, ts.Post(t, "Sync",
		syncRequest(eas.CollectionInbox, "1", 0, nil, nil)))

	commands := wbxml.Elem(wbxml.ASCommands,
		wbxml.Elem(wbxml.ASChange,
			wbxml.Text(wbxml.ASServerID, id1),
			wbxml.Elem(wbxml.ASApplicationData,
				wbxml.Int(wbxml.EmailRead, 1))),
		wbxml.Elem(wbxml.ASDelete,
			wbxml.Text(wbxml.ASServerID, id2)))
	col := syncCollection(t, ts.Post(t, "Sync",
		syncRequest(eas.CollectionInbox, "2", 0, nil, commands)))
	if got := col.ChildText(wbxml.ASStatus); got != "1" {
		t.Fatalf("status %q, want 1", got)
	}
	responses := col.Child(wbxml.ASResponses)
	if responses == nil {
		t.Fatal("no Responses in response")
	}
	change := responses.Child(wbxml.ASChange)
	if change == nil || change.ChildText(wbxml.ASStatus) != "1" {
		t.Error("Change not acknowledged with status 1")
	}
	del := responses.Child(wbxml.ASDelete)
	if del == nil || del.ChildText(wbxml.ASStatus) != "1" {
		t.Error("Delete not acknowledged with status 1")
	}

	ctx := context.Background()
	item, err := ts.Store.Item(ctx, ts.User.ID, eas.CollectionInbox, id1)
	if err != nil {
		t.Fatalf("Item(%s): %v", id1, err)
	}
	if !item.Read {
		t.Error("Change did not set the read flag")
	}
	// DeletesAsMoves is the default: the item lands in Deleted
	// Items instead of vanishing.
	_, total, err := ts.Store.ListItems(ctx, ts.User.ID, eas.CollectionDeleted, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 {
		t.Errorf("Deleted Items holds %d items, want 1", total)
	}

	// Deleting an unknown item fails per command, not per round.
	commands = wbxml.Elem(wbxml.ASCommands,
		wbxml.Elem(wbxml.ASDelete,
			wbxml.Text(wbxml.ASServerID, "1:999")))
	col = syncCollection(t, ts.Post(t, "Sync",
		syncRequest(eas.CollectionInbox, "3", 0, nil, commands)))
	if got := col.ChildText(wbxml.ASStatus); got != "1" {
		t.Fatalf("status %q, want 1", got)
	}
	del = col.Child(wbxml.ASResponses).Child(wbxml.ASDelete)
	if del == nil || del.ChildText(wbxml.ASStatus) != "8" {
		t.Error("unknown Delete not reported with status 8")
	}
}

func TestSyncFetch(t *testing.T, ts *TestServer) {
	ts.Provision(t)
	id := ts.Deliver(t, testItem(1))
	syncCollection(t, ts.Post(t, "Sync",
		syncRequest(eas.CollectionInbox, "0", 0, nil, nil)))
	syncCollection(t, ts.Post(t, "Sync",
		syncRequest(eas.CollectionInbox, "1", 0, nil, nil)))

	commands := wbxml.Elem(wbxml.ASCommands,
		wbxml.Elem(wbxml.ASFetch,
			wbxml.Text(wbxml.ASServerID, id)))
	col := syncCollection(t, ts.Post(t, "Sync",
		syncRequest(eas.CollectionInbox, "2", 0, nil, commands)))
	fetch := col.Child(wbxml.ASResponses).Child(wbxml.ASFetch)
	if fetch == nil {
		t.Fatal("no Fetch in Responses")
	}
	if got := fetch.ChildText(wbxml.ASStatus); got != "1" {
		t.Fatalf("Fetch status %q, want 1", got)
	}
	app := fetch.Child(wbxml.ASApplicationData)
	if app == nil {
		t.Fatal("Fetch without ApplicationData")
	}
	if got := app.ChildText(wbxml.EmailSubject); got != "message 1" {
		t.Errorf("fetched subject %q, want message 1", got)
	}
}

func TestSyncStoreDown(t *testing.T, ts *TestServer) {
	ts.Provision(t)
	ts.Deliver(t, testItem(1))
	syncCollection(t, ts.Post(t, "Sync",
		syncRequest(eas.CollectionInbox, "0", 0, nil, nil)))

	// A store failure is a retryable per-collection status, not a
	// ledger mutation: the same request succeeds once the store is
	// back.
	ts.Store.Fail = true
	col := syncCollection(t, ts.Post(t, "Sync",
		syncRequest(eas.CollectionInbox, "1", 0, nil, nil)))
	if got := col.ChildText(wbxml.ASStatus); got != "3" {
		t.Fatalf("store-down status %q, want 3", got)
	}

	ts.Store.Fail = false
	col = syncCollection(t, ts.Post(t, "Sync",
		syncRequest(eas.CollectionInbox, "1", 0, nil, nil)))
	if got := col.ChildText(wbxml.ASStatus); got != "1" {
		t.Fatalf("recovered status %q, want 1", got)
	}
	if got := col.ChildText(wbxml.ASSyncKey); got != "2" {
		t.Errorf("recovered sync key %q, want 2", got)
	}
}

func TestGetItemEstimate(t *testing.T, ts *TestServer) {
	ts.Provision(t)
	for n := 1; n <= 3; n++ {
		ts.Deliver(t, testItem(n))
	}
	syncCollection(t, ts.Post(t, "Sync",
		syncRequest(eas.CollectionInbox, "0", 0, nil, nil)))

	estimate := func(collectionID, syncKey string) *Result {
		return ts.Post(t, "GetItemEstimate", wbxml.Elem(wbxml.GetItemEstimate,
			wbxml.Elem(wbxml.GIECollections,
				wbxml.Elem(wbxml.GIECollection,
					wbxml.Text(wbxml.GIECollectionID, collectionID),
					wbxml.Elem(wbxml.GIEOptions,
						wbxml.Text(wbxml.ASSyncKey, syncKey))))))
	}

	res := estimate(eas.CollectionInbox, "1")
	resp := res.Body.Child(wbxml.GIEResponse)
	if got := resp.ChildText(wbxml.GIEStatus); got != "1" {
		t.Fatalf("status %q, want 1", got)
	}
	if got := resp.Child(wbxml.GIECollection).ChildText(wbxml.GIEEstimate); got != "3" {
		t.Errorf("estimate %q, want 3", got)
	}

	// 12.x clients put the sync key directly on the collection.
	res = ts.Post(t, "GetItemEstimate", wbxml.Elem(wbxml.GetItemEstimate,
		wbxml.Elem(wbxml.GIECollections,
			wbxml.Elem(wbxml.GIECollection,
				wbxml.Text(wbxml.GIECollectionID, eas.CollectionInbox),
				wbxml.Text(wbxml.ASSyncKey, "1")))))
	resp = res.Body.Child(wbxml.GIEResponse)
	if got := resp.ChildText(wbxml.GIEStatus); got != "1" {
		t.Errorf("12.x status %q, want 1", got)
	}

	resp = estimate("99", "1").Body.Child(wbxml.GIEResponse)
	if got := resp.ChildText(wbxml.GIEStatus); got != "2" {
		t.Errorf("unknown collection status %q, want 2", got)
	}
	resp = estimate(eas.CollectionSent, "1").Body.Child(wbxml.GIEResponse)
	if got := resp.ChildText(wbxml.GIEStatus); got != "3" {
		t.Errorf("never-synced collection status %q, want 3", got)
	}
	resp = estimate(eas.CollectionInbox, "7").Body.Child(wbxml.GIEResponse)
	if got := resp.ChildText(wbxml.GIEStatus); got != "4" {
		t.Errorf("bad sync key status %q, want 4", got)
	}
}

func pingRequest(heartbeatSecs int, collections ...string) *wbxml.Node {
	folders := wbxml.Elem(wbxml.PingFolders)
	for _, id := range collections {
		folders.Append(wbxml.Elem(wbxml.PingFolder,
			wbxml.Text(wbxml.PingID, id),
			wbxml.Text(wbxml.PingClass, eas.ClassEmail)))
	}
	n := wbxml.Elem(wbxml.Ping)
	if heartbeatSecs > 0 {
		n.Append(wbxml.Int(wbxml.PingHeartbeatInterval, heartbeatSecs))
	}
	return n.Append(folders)
}

func TestPingWake(t *testing.T, ts *TestServer) {
	ts.Provision(t)

	go func() {
		time.Sleep(100 * time.Millisecond)
		serverID, err := ts.Store.InsertItem(context.Background(),
			ts.User.ID, eas.CollectionInbox, testItem(1))
		if err != nil || serverID == "" {
			return
		}
		ts.Bus.Notify(ts.User.ID, eas.CollectionInbox)
	}()

	start := time.Now()
	res := ts.Post(t, "Ping", pingRequest(300, eas.CollectionInbox, eas.CollectionSent))
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("Ping parked for %v after a change", elapsed)
	}
	if got := res.Body.ChildText(wbxml.PingStatus); got != "2" {
		t.Fatalf("status %q, want 2", got)
	}
	folders := res.Body.Child(wbxml.PingFolders)
	if folders == nil {
		t.Fatal("no Folders in change response")
	}
	if got := folders.ChildText(wbxml.PingFolder); got != eas.CollectionInbox {
		t.Errorf("changed folder %q, want %q", got, eas.CollectionInbox)
	}
}

func TestPingTimeout(t *testing.T, ts *TestServer) {
	// Short heartbeats; the protocol floor of a minute would stall
	// the test run.
	ts.Server.MinHeartbeat = 10 * time.Millisecond
	ts.Server.MaxHeartbeat = 50 * time.Millisecond
	ts.Provision(t)

	res := ts.Post(t, "Ping", pingRequest(300, eas.CollectionInbox))
	if got := res.Body.ChildText(wbxml.PingStatus); got != "1" {
		t.Fatalf("status %q, want 1 (heartbeat expired)", got)
	}
	if res.Body.HasChild(wbxml.PingFolders) {
		t.Error("expired Ping carried Folders")
	}
}

func TestPingBadRequests(t *testing.T, ts *TestServer) {
	ts.Server.MaxPingFolders = 2
	ts.Provision(t)

	// No cached parameters, empty body.
	res := ts.Post(t, "Ping", nil)
	if got := res.Body.ChildText(wbxml.PingStatus); got != "3" {
		t.Errorf("bodyless first Ping status %q, want 3", got)
	}

	// Garbage heartbeat: rejected, nearest acceptable value echoed.
	res = ts.Post(t, "Ping", wbxml.Elem(wbxml.Ping,
		wbxml.Text(wbxml.PingHeartbeatInterval, "soon"),
		wbxml.Elem(wbxml.PingFolders,
			wbxml.Elem(wbxml.PingFolder,
				wbxml.Text(wbxml.PingID, eas.CollectionInbox)))))
	if got := res.Body.ChildText(wbxml.PingStatus); got != "5" {
		t.Errorf("bad heartbeat status %q, want 5", got)
	}
	if got := res.Body.ChildText(wbxml.PingHeartbeatInterval); got != "60" {
		t.Errorf("echoed heartbeat %q, want 60", got)
	}

	// No folders.
	res = ts.Post(t, "Ping", wbxml.Elem(wbxml.Ping,
		wbxml.Int(wbxml.PingHeartbeatInterval, 300),
		wbxml.Elem(wbxml.PingFolders)))
	if got := res.Body.ChildText(wbxml.PingStatus); got != "3" {
		t.Errorf("no-folders status %q, want 3", got)
	}

	// Over the folder cap.
	res = ts.Post(t, "Ping", pingRequest(300,
		eas.CollectionInbox, eas.CollectionSent, eas.CollectionDrafts))
	if got := res.Body.ChildText(wbxml.PingStatus); got != "6" {
		t.Errorf("too-many-folders status %q, want 6", got)
	}
	if got := res.Body.ChildText(wbxml.PingMaxFolders); got != "2" {
		t.Errorf("MaxFolders %q, want 2", got)
	}

	// A folder the hierarchy never announced.
	res = ts.Post(t, "Ping", pingRequest(300, "23"))
	if got := res.Body.ChildText(wbxml.PingStatus); got != "7" {
		t.Errorf("unknown-folder status %q, want 7", got)
	}
}

func TestPingCachedParams(t *testing.T, ts *TestServer) {
	ts.Server.MinHeartbeat = 10 * time.Millisecond
	ts.Server.MaxHeartbeat = 50 * time.Millisecond
	ts.Provision(t)

	res := ts.Post(t, "Ping", pingRequest(300, eas.CollectionInbox))
	if got := res.Body.ChildText(wbxml.PingStatus); got != "1" {
		t.Fatalf("status %q, want 1", got)
	}

	// "Same as last time": an empty body reuses the stored
	// heartbeat and folder list.
	res = ts.Post(t, "Ping", nil)
	if got := res.Body.ChildText(wbxml.PingStatus); got != "1" {
		t.Fatalf("cached-params Ping status %q, want 1", got)
	}
}

func TestSettings(t *testing.T, ts *TestServer) {
	res := ts.Post(t, "Settings", wbxml.Elem(wbxml.Settings,
		wbxml.Elem(wbxml.SettingsDeviceInformation,
			wbxml.Elem(wbxml.SettingsSet,
				wbxml.Text(wbxml.SettingsModel, "iPhone12,3"),
				wbxml.Text(wbxml.SettingsOS, "iOS 14.2"),
				wbxml.Text(wbxml.SettingsFriendlyName, "Kim's iPhone"))),
		wbxml.Elem(wbxml.SettingsUserInformation,
			wbxml.Elem(wbxml.SettingsGet))))
	if got := res.Body.ChildText(wbxml.SettingsStatus); got != "1" {
		t.Fatalf("status %q, want 1", got)
	}
	di := res.Body.Child(wbxml.SettingsDeviceInformation)
	if di == nil || di.ChildText(wbxml.SettingsStatus) != "1" {
		t.Error("DeviceInformation Set not acknowledged")
	}
	ui := res.Body.Child(wbxml.SettingsUserInformation)
	if ui == nil {
		t.Fatal("no UserInformation in response")
	}
	got := ui.Child(wbxml.SettingsGet).
		Child(wbxml.SettingsEmailAddresses).
		ChildText(wbxml.SettingsSMTPAddress)
	if got != ts.User.Address {
		t.Errorf("SMTPAddress %q, want %q", got, ts.User.Address)
	}

	dev, err := ts.Store.Device(context.Background(), ts.User.ID, ts.DeviceID)
	if err != nil {
		t.Fatalf("Device: %v", err)
	}
	if dev.Model != "iPhone12,3" || dev.OS != "iOS 14.2" {
		t.Errorf("device record %q/%q not updated", dev.Model, dev.OS)
	}
}

func TestSendMail(t *testing.T, ts *TestServer) {
	ts.Provision(t)

	mime := []byte("From: kim@example.com\r\n" +
		"To: frank@example.org\r\n" +
		"Subject: evening plans\r\n" +
		"Message-ID: <plans.1@example.com>\r\n" +
		"\r\n" +
		"Meet at eight.\r\n")
	res := ts.Post(t, "SendMail", wbxml.Elem(wbxml.SendMail,
		wbxml.Text(wbxml.CMClientID, "draft-17"),
		wbxml.Elem(wbxml.CMSaveInSentItems),
		wbxml.Opaque(wbxml.CMMime, mime)))
	if res.Status != http.StatusOK {
		t.Fatalf("status %d, want 200", res.Status)
	}
	if len(res.Raw) != 0 {
		t.Errorf("success response carried a body: %d bytes", len(res.Raw))
	}
	if len(ts.Submitted) != 1 || !bytes.Equal(ts.Submitted[0], mime) {
		t.Error("message did not reach the submission hook intact")
	}

	items, total, err := ts.Store.ListItems(context.Background(),
		ts.User.ID, eas.CollectionSent, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 {
		t.Fatalf("Sent Items holds %d items, want 1", total)
	}
	if items[0].Subject != "evening plans" {
		t.Errorf("saved subject %q, want evening plans", items[0].Subject)
	}
	if !items[0].Read {
		t.Error("saved copy not marked read")
	}
}

func TestSendMailRaw(t *testing.T, ts *TestServer) {
	ts.Provision(t)

	mime := []byte("From: kim@example.com\r\n" +
		"To: frank@example.org\r\n" +
		"Subject: raw send\r\n" +
		"\r\n" +
		"Sent the 12.x way.\r\n")
	res := ts.PostRaw(t, "SendMail", url.Values{"SaveInSent": {"T"}},
		mime, "message/rfc822")
	if res.Status != http.StatusOK {
		t.Fatalf("status %d, want 200", res.Status)
	}
	if len(ts.Submitted) != 1 {
		t.Fatal("message did not reach the submission hook")
	}
	_, total, err := ts.Store.ListItems(context.Background(),
		ts.User.ID, eas.CollectionSent, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 {
		t.Errorf("Sent Items holds %d items, want 1", total)
	}
}

func TestUnknownCommand(t *testing.T, ts *TestServer) {
	res := ts.PostRaw(t, "MoveItems", nil, nil, easserver.ContentType)
	if res.Status != http.StatusNotImplemented {
		t.Fatalf("status %d, want 501", res.Status)
	}
}

func TestMalformedWBXML(t *testing.T, ts *TestServer) {
	ts.Provision(t)
	res := ts.PostRaw(t, "Sync", nil, []byte{0x03, 0x01, 0x6A}, easserver.ContentType)
	if res.Status != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", res.Status)
	}
}

func TestRateLimit(t *testing.T, ts *TestServer) {
	ts.Server.Limiter = ratelimit.NewLimiter(2)
	ts.Provision(t)

	req := wbxml.Elem(wbxml.FolderSync, wbxml.Text(wbxml.FHSyncKey, "0"))
	for i := 0; i < 2; i++ {
		if res := ts.Post(t, "FolderSync", req); res.Status != http.StatusOK {
			t.Fatalf("request %d: status %d, want 200", i, res.Status)
		}
	}
	res := ts.Post(t, "FolderSync", req)
	if res.Status != http.StatusTooManyRequests {
		t.Fatalf("status %d, want 429", res.Status)
	}
	if res.Header.Get("Retry-After") == "" {
		t.Error("429 without Retry-After")
	}
}

func TestBadAuth(t *testing.T, ts *TestServer) {
	ts.Password = "chickenfeather"
	res := ts.PostRaw(t, "FolderSync", nil, nil, easserver.ContentType)
	if res.Status != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", res.Status)
	}
	if got := res.Header.Get("WWW-Authenticate"); !strings.Contains(got, "Basic") {
		t.Errorf("WWW-Authenticate %q, want a Basic challenge", got)
	}
}
