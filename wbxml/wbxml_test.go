package wbxml_test

import (
	"bytes"
	"encoding/hex"
	"errors"
	"reflect"
	"strings"
	"testing"

	"spilled.ink/wbxml"
)

// A FolderSync request as sent by a real client: header, page
// switch to FolderHierarchy, FolderSync{SyncKey{"0"}}.
const folderSyncReqHex = "03016a00000756520330000101"

func TestDecodeFolderSyncRequest(t *testing.T) {
	data, err := hex.DecodeString(folderSyncReqHex)
	if err != nil {
		t.Fatal(err)
	}
	root, err := wbxml.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := root.Tag, wbxml.FolderSync; got != want {
		t.Errorf("root tag=%v, want %v", got, want)
	}
	if got, want := root.ChildText(wbxml.FHSyncKey), "0"; got != want {
		t.Errorf("SyncKey=%q, want %q", got, want)
	}
}

func TestEncodeFolderSyncRequest(t *testing.T) {
	root := wbxml.Elem(wbxml.FolderSync, wbxml.Text(wbxml.FHSyncKey, "0"))
	b, err := wbxml.EncodeBytes(root)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := hex.EncodeToString(b), folderSyncReqHex; got != want {
		t.Errorf("encoded=%s, want %s", got, want)
	}
}

func TestEncodeSyncRequest(t *testing.T) {
	// AirSync is the initial page, so no SWITCH_PAGE is emitted.
	root := wbxml.Elem(wbxml.Sync,
		wbxml.Elem(wbxml.ASCollections,
			wbxml.Elem(wbxml.ASCollection,
				wbxml.Text(wbxml.ASSyncKey, "1"),
				wbxml.Text(wbxml.ASCollectionID, "1"),
				wbxml.Text(wbxml.ASWindowSize, "1"),
			),
		),
	)
	const want = "03016a00455c4f4b0331000152033100015503310001010101"
	b, err := wbxml.EncodeBytes(root)
	if err != nil {
		t.Fatal(err)
	}
	if got := hex.EncodeToString(b); got != want {
		t.Errorf("encoded=%s, want %s", got, want)
	}
	root2, err := wbxml.DecodeBytes(b)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(root2, root) {
		t.Errorf("decode(encode(req)) differs:\ngot  %s\nwant %s", dumpStr(t, root2), dumpStr(t, root))
	}
}

func TestSwitchPageOnlyOnChange(t *testing.T) {
	// Empty elements across three pages. Consecutive same-page
	// tags must not re-emit SWITCH_PAGE.
	root := wbxml.Elem(wbxml.Sync,
		&wbxml.Node{Tag: wbxml.ASAdd},
		&wbxml.Node{Tag: wbxml.EmailTo},
		&wbxml.Node{Tag: wbxml.EmailCc},
		&wbxml.Node{Tag: wbxml.ASDelete},
	)
	b, err := wbxml.EncodeBytes(root)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := hex.EncodeToString(b), "03016a0045070002161700000901"; got != want {
		t.Errorf("encoded=%s, want %s", got, want)
	}
}

func TestRoundTrip(t *testing.T) {
	bigOpaque := bytes.Repeat([]byte{0x00, 0xFF, 0x7E, 0x80}, 100)
	trees := []*wbxml.Node{
		{Tag: wbxml.Ping},
		wbxml.Text(wbxml.PingStatus, "1"),
		wbxml.Opaque(wbxml.ASBData, []byte{}),
		wbxml.Opaque(wbxml.ASBData, bigOpaque),
		wbxml.Elem(wbxml.Sync,
			wbxml.Elem(wbxml.ASCollections,
				wbxml.Elem(wbxml.ASCollection,
					wbxml.Text(wbxml.ASSyncKey, "2"),
					wbxml.Text(wbxml.ASCollectionID, "1"),
					wbxml.Int(wbxml.ASStatus, 1),
					&wbxml.Node{Tag: wbxml.ASMoreAvailable},
					wbxml.Elem(wbxml.ASCommands,
						wbxml.Elem(wbxml.ASAdd,
							wbxml.Text(wbxml.ASServerID, "1:42"),
							wbxml.Elem(wbxml.ASApplicationData,
								wbxml.Text(wbxml.EmailSubject, "héllo ✉"),
								wbxml.Text(wbxml.EmailRead, "0"),
								wbxml.Elem(wbxml.ASBBody,
									wbxml.Int(wbxml.ASBType, 4),
									wbxml.Opaque(wbxml.ASBData, bigOpaque),
								),
								wbxml.Text(wbxml.EmailMessageClass, "IPM.Note"),
							),
						),
					),
				),
			),
		),
	}
	for i, tree := range trees {
		b, err := wbxml.EncodeBytes(tree)
		if err != nil {
			t.Fatalf("tree %d: encode: %v", i, err)
		}
		got, err := wbxml.DecodeBytes(b)
		if err != nil {
			t.Fatalf("tree %d: decode: %v", i, err)
		}
		if !reflect.DeepEqual(got, tree) {
			t.Errorf("tree %d: decode(encode(T)) != T\ngot  %s\nwant %s", i, dumpStr(t, got), dumpStr(t, tree))
		}
	}
}

func TestOpaqueByteExact(t *testing.T) {
	// Raw MIME carried in AirSyncBase/Data must survive untouched.
	mime := []byte("From: a@example.com\r\nTo: b@example.com\r\n\r\n")
	mime = append(mime, bytes.Repeat([]byte{0x00, 0x01, 0xFE, 0xFF}, 64)...)
	root := wbxml.Elem(wbxml.ASBBody,
		wbxml.Int(wbxml.ASBType, 4),
		wbxml.Opaque(wbxml.ASBData, mime),
	)
	b, err := wbxml.EncodeBytes(root)
	if err != nil {
		t.Fatal(err)
	}
	got, err := wbxml.DecodeBytes(b)
	if err != nil {
		t.Fatal(err)
	}
	data := got.Child(wbxml.ASBData)
	if data == nil {
		t.Fatal("no Data element in decoded body")
	}
	if !bytes.Equal(data.Opaque, mime) {
		t.Errorf("opaque data corrupted: got %d bytes, want %d", len(data.Opaque), len(mime))
	}
}

func TestUnknownTagsRetained(t *testing.T) {
	// Token 0x3E on the AirSync page is not named by this package.
	// It must still decode as a regular node.
	doc, err := hex.DecodeString("03016a00457e0378000101")
	if err != nil {
		t.Fatal(err)
	}
	root, err := wbxml.Decode(bytes.NewReader(doc))
	if err != nil {
		t.Fatal(err)
	}
	unknown := wbxml.Tag{Page: wbxml.PageAirSync, Code: 0x3E}
	c := root.Child(unknown)
	if c == nil {
		t.Fatalf("unknown tag dropped from %s", dumpStr(t, root))
	}
	if got, want := c.Text, "x"; got != want {
		t.Errorf("unknown tag text=%q, want %q", got, want)
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name string
		hex  string
	}{
		{"empty document", ""},
		{"truncated header", "0301"},
		{"header only", "03016a00"},
		{"string missing NUL", "03016a004503414243"},
		{"unterminated element", "03016a004507"},
		{"truncated page switch", "03016a0000"},
		{"truncated mbuint", "03016a0045c385"},
		{"mbuint overflow", "03016a0045c3ffffffffff7f"},
		{"opaque overruns document", "03016a0045c30a4142"},
		{"entity content", "03016a004502"},
		{"attribute bit set", "03016a0085"},
		{"end as root", "03016a0001"},
	}
	for _, test := range tests {
		data, err := hex.DecodeString(test.hex)
		if err != nil {
			t.Fatalf("%s: bad test hex: %v", test.name, err)
		}
		_, err = wbxml.Decode(bytes.NewReader(data))
		if err == nil {
			t.Errorf("%s: decode succeeded, want malformed error", test.name)
			continue
		}
		var malformed *wbxml.MalformedError
		if !errors.As(err, &malformed) {
			t.Errorf("%s: err=%v, want *MalformedError", test.name, err)
		}
	}
}

func TestTagString(t *testing.T) {
	tests := []struct {
		tag  wbxml.Tag
		want string
	}{
		{wbxml.Sync, "Sync"},
		{wbxml.ASSyncKey, "SyncKey"},
		{wbxml.FHSyncKey, "folderhierarchy:SyncKey"},
		{wbxml.ASBData, "airsyncbase:Data"},
		{wbxml.Tag{Page: 0x30, Code: 0x05}, "0x30:0x05"},
	}
	for _, test := range tests {
		if got := test.tag.String(); got != test.want {
			t.Errorf("Tag{%#x,%#x}.String()=%q, want %q", test.tag.Page, test.tag.Code, got, test.want)
		}
	}
}

func TestDumpRedacted(t *testing.T) {
	root := wbxml.Elem(wbxml.ASApplicationData,
		wbxml.Text(wbxml.EmailSubject, "quarterly numbers"),
		wbxml.Elem(wbxml.ASBBody,
			wbxml.Opaque(wbxml.ASBData, []byte("secret body")),
		),
	)
	buf := new(bytes.Buffer)
	err := wbxml.DumpRedacted(buf, root, "  ", []wbxml.Tag{wbxml.EmailSubject, wbxml.ASBData})
	if err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if strings.Contains(out, "quarterly") || strings.Contains(out, "secret") {
		t.Errorf("redacted dump leaks content:\n%s", out)
	}
	if !strings.Contains(out, "[redacted 17 bytes]") {
		t.Errorf("dump missing subject placeholder:\n%s", out)
	}
	if !strings.Contains(out, "[redacted 11 bytes]") {
		t.Errorf("dump missing body placeholder:\n%s", out)
	}
}

func dumpStr(t *testing.T, n *wbxml.Node) string {
	t.Helper()
	buf := new(bytes.Buffer)
	if err := wbxml.Dump(buf, n, "  "); err != nil {
		t.Fatalf("dump: %v", err)
	}
	return buf.String()
}
