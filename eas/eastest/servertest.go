package eastest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"crawshaw.io/iox"
	"spilled.ink/eas"
	"spilled.ink/eas/devreg"
	"spilled.ink/eas/easserver"
	"spilled.ink/eas/notify"
	"spilled.ink/eas/syncstate"
	"spilled.ink/email"
	"spilled.ink/wbxml"
)

// TestFn is one named scenario run against a fresh TestServer.
type TestFn struct {
	Name string
	Fn   func(t *testing.T, server *TestServer)
}

// Tests is the scenario table. The server test file iterates it;
// each entry gets its own server and mailbox.
var Tests = []TestFn{
	{"OptionsDiscovery", TestOptionsDiscovery},
	{"ProvisionGate", TestProvisionGate},
	{"ProvisionHandshake", TestProvisionHandshake},
	{"FolderSyncInitial", TestFolderSyncInitial},
	{"FolderSyncSteady", TestFolderSyncSteady},
	{"FolderSyncBadKey", TestFolderSyncBadKey},
	{"SyncPrime", TestSyncPrime},
	{"SyncPages", TestSyncPages},
	{"SyncResendByteIdentical", TestSyncResendByteIdentical},
	{"SyncUnexpectedKey", TestSyncUnexpectedKey},
	{"SyncMIMEBody", TestSyncMIMEBody},
	{"SyncHTMLBody", TestSyncHTMLBody},
	{"SyncTruncation", TestSyncTruncation},
	{"SyncCommands", TestSyncCommands},
	{"SyncFetch", TestSyncFetch},
	{"SyncStoreDown", TestSyncStoreDown},
	{"GetItemEstimate", TestGetItemEstimate},
	{"PingWake", TestPingWake},
	{"PingTimeout", TestPingTimeout},
	{"PingBadRequests", TestPingBadRequests},
	{"PingCachedParams", TestPingCachedParams},
	{"Settings", TestSettings},
	{"SendMail", TestSendMail},
	{"SendMailRaw", TestSendMailRaw},
	{"UnknownCommand", TestUnknownCommand},
	{"MalformedWBXML", TestMalformedWBXML},
	{"RateLimit", TestRateLimit},
	{"BadAuth", TestBadAuth},
}

// TestServer is one ActiveSync server on a loopback listener with
// a single provisioned-on-demand test account.
type TestServer struct {
	Store  *MemoryStore
	Bus    *notify.Bus
	Server *easserver.Server
	HTTP   *httptest.Server
	Filer  *iox.Filer

	User     *eas.User
	Password string
	DeviceID string

	// PolicyKey is the final key from Provision; zero until then.
	PolicyKey uint32

	// Submitted collects the raw messages passed to the Submit
	// hook, newest last.
	Submitted [][]byte
}

// InitTestServer starts a server over a fresh MemoryStore with
// one account, kim@example.com.
func InitTestServer(filer *iox.Filer) (*TestServer, error) {
	store := NewMemoryStore()
	bus := notify.NewBus()
	user := store.AddUser("kim", "dovefeather")

	ts := &TestServer{
		Store:    store,
		Bus:      bus,
		Filer:    filer,
		User:     user,
		Password: "dovefeather",
		DeviceID: "easTest01",
	}
	ts.Server = &easserver.Server{
		Store:   store,
		States:  syncstate.NewTable(store),
		Devices: devreg.New(store),
		Bus:     bus,
		Auth:    store,
		Filer:   filer,
		Submit: func(ctx context.Context, from string, msg io.Reader) error {
			raw, err := io.ReadAll(msg)
			if err != nil {
				return err
			}
			ts.Submitted = append(ts.Submitted, raw)
			return nil
		},
	}
	ts.HTTP = httptest.NewServer(ts.Server)
	return ts, nil
}

// Init names the harness in test logs, matching the house
// test-server pattern.
func (ts *TestServer) Init(t *testing.T) {
	ts.Server.Logf = t.Logf
}

func (ts *TestServer) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := ts.Server.Shutdown(ctx)
	ts.HTTP.Close()
	return err
}

// Deliver plays the SMTP ingress: a durable insert into the Inbox
// followed by a notification.
func (ts *TestServer) Deliver(t testing.TB, item *eas.Item) string {
	serverID, err := ts.Store.InsertItem(context.Background(), ts.User.ID, eas.CollectionInbox, item)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	ts.Bus.Notify(ts.User.ID, eas.CollectionInbox)
	return serverID
}

// Result is one completed request.
type Result struct {
	Status int
	Header http.Header
	Raw    []byte
	Body   *wbxml.Node // nil when the response body is empty
}

// Post sends one command as WBXML and decodes the response.
func (ts *TestServer) Post(t testing.TB, cmd string, root *wbxml.Node) *Result {
	var body []byte
	if root != nil {
		var err error
		body, err = wbxml.EncodeBytes(root)
		if err != nil {
			t.Fatalf("Post %s: encode: %v", cmd, err)
		}
	}
	return ts.PostRaw(t, cmd, nil, body, easserver.ContentType)
}

// PostRaw sends arbitrary bytes, for malformed-input and 12.x
// raw-body tests. Extra query parameters may be supplied.
func (ts *TestServer) PostRaw(t testing.TB, cmd string, extra url.Values, body []byte, contentType string) *Result {
	q := url.Values{
		"Cmd":        {cmd},
		"DeviceId":   {ts.DeviceID},
		"DeviceType": {"SmartPhone"},
	}
	for k, vs := range extra {
		q[k] = vs
	}
	req, err := http.NewRequest("POST", ts.HTTP.URL+"/Microsoft-Server-ActiveSync?"+q.Encode(), bytes.NewReader(body))
	if err != nil {
		t.Fatalf("PostRaw %s: %v", cmd, err)
	}
	req.SetBasicAuth(ts.User.Login, ts.Password)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("MS-ASProtocolVersion", "14.1")
	req.Header.Set("X-MS-PolicyKey", strconv.FormatUint(uint64(ts.PolicyKey), 10))
	return ts.do(t, req)
}

func (ts *TestServer) do(t testing.TB, req *http.Request) *Result {
	resp, err := ts.HTTP.Client().Do(req)
	if err != nil {
		t.Fatalf("%s: %v", req.URL, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("%s: read response: %v", req.URL, err)
	}
	res := &Result{
		Status: resp.StatusCode,
		Header: resp.Header,
		Raw:    raw,
	}
	if len(raw) > 0 && strings.Contains(resp.Header.Get("Content-Type"), "vnd.ms-sync.wbxml") {
		res.Body, err = wbxml.DecodeBytes(raw)
		if err != nil {
			t.Fatalf("%s: decode response: %v", req.URL, err)
		}
	}
	return res
}

// Options sends the discovery request.
func (ts *TestServer) Options(t testing.TB) *Result {
	req, err := http.NewRequest("OPTIONS", ts.HTTP.URL+"/Microsoft-Server-ActiveSync", nil)
	if err != nil {
		t.Fatal(err)
	}
	return ts.do(t, req)
}

// Provision runs the two-phase handshake and records the final
// policy key for subsequent requests.
func (ts *TestServer) Provision(t testing.TB) {
	res := ts.Post(t, "Provision", provisionRequest(0))
	tempKey := provisionPolicyKey(t, res)
	if tempKey == 0 {
		t.Fatal("Provision: temporary policy key is zero")
	}
	res = ts.Post(t, "Provision", provisionRequest(tempKey))
	ts.PolicyKey = provisionPolicyKey(t, res)
	if ts.PolicyKey == 0 {
		t.Fatal("Provision: final policy key is zero")
	}
}

func provisionRequest(policyKey uint32) *wbxml.Node {
	policy := wbxml.Elem(wbxml.ProvPolicy,
		wbxml.Text(wbxml.ProvPolicyType, "MS-EAS-Provisioning-WBXML"))
	if policyKey != 0 {
		policy.Append(
			wbxml.Text(wbxml.ProvPolicyKey, strconv.FormatUint(uint64(policyKey), 10)),
			wbxml.Int(wbxml.ProvStatus, 1))
	}
	return wbxml.Elem(wbxml.Provision, wbxml.Elem(wbxml.ProvPolicies, policy))
}

func provisionPolicyKey(t testing.TB, res *Result) uint32 {
	if res.Status != http.StatusOK {
		t.Fatalf("Provision: http status %d", res.Status)
	}
	policies := res.Body.Child(wbxml.ProvPolicies)
	if policies == nil {
		t.Fatalf("Provision: no Policies in response")
	}
	policy := policies.Child(wbxml.ProvPolicy)
	if policy == nil {
		t.Fatalf("Provision: no Policy in response")
	}
	if got := policy.ChildText(wbxml.ProvStatus); got != "1" {
		t.Fatalf("Provision: policy status %q, want 1", got)
	}
	key, err := strconv.ParseUint(policy.ChildText(wbxml.ProvPolicyKey), 10, 32)
	if err != nil {
		t.Fatalf("Provision: bad policy key: %v", err)
	}
	return uint32(key)
}

// syncRequest builds a single-collection Sync request.
func syncRequest(collectionID, syncKey string, windowSize int, options *wbxml.Node, commands *wbxml.Node) *wbxml.Node {
	col := wbxml.Elem(wbxml.ASCollection,
		wbxml.Text(wbxml.ASSyncKey, syncKey),
		wbxml.Text(wbxml.ASCollectionID, collectionID))
	if windowSize > 0 {
		col.Append(wbxml.Int(wbxml.ASWindowSize, windowSize))
	}
	col.Append(options, commands)
	return wbxml.Elem(wbxml.Sync, wbxml.Elem(wbxml.ASCollections, col))
}

// syncCollection digs the one Collection element out of a Sync
// response.
func syncCollection(t testing.TB, res *Result) *wbxml.Node {
	if res.Status != http.StatusOK {
		t.Fatalf("Sync: http status %d", res.Status)
	}
	collections := res.Body.Child(wbxml.ASCollections)
	if collections == nil {
		t.Fatalf("Sync: no Collections in response")
	}
	col := collections.Child(wbxml.ASCollection)
	if col == nil {
		t.Fatalf("Sync: no Collection in response")
	}
	return col
}

// testItem builds a deliverable email. The sequence number keeps
// subjects and arrival times distinct and ordered: higher n is
// newer mail.
func testItem(n int) *eas.Item {
	return &eas.Item{
		Subject:      fmt.Sprintf("message %d", n),
		From:         email.Address{Name: "Dr. Frankenstein", Addr: "frank@example.org"},
		To:           []email.Address{{Addr: "kim@example.com"}},
		DateReceived: time.Date(2018, 3, 10, 12, 0, n, 0, time.UTC),
		BodyPlain:    fmt.Sprintf("body of message %d\n", n),
		MIME: []byte(fmt.Sprintf("From: frank@example.org\r\n"+
			"To: kim@example.com\r\n"+
			"Subject: message %d\r\n"+
			"\r\n"+
			"body of message %d\r\n", n, n)),
	}
}
