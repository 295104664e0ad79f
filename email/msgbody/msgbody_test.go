package msgbody

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func extract(t *testing.T, msg string) *Body {
	t.Helper()
	body, err := Extract(strings.NewReader(strings.Replace(msg, "\n", "\r\n", -1)))
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func TestExtractQuotedPrintable(t *testing.T) {
	body := extract(t, textQuotedPrintable)

	if got, want := body.Subject, "[Gandi] pkgfort.com expired yesterday"; got != want {
		t.Errorf("Subject=%q, want %q", got, want)
	}
	if got, want := body.From.Addr, "support-renew@gandi.net"; got != want {
		t.Errorf("From.Addr=%q, want %q", got, want)
	}
	if got, want := body.From.Name, "Gandi"; got != want {
		t.Errorf("From.Name=%q, want %q", got, want)
	}
	if len(body.To) != 1 || body.To[0].Addr != "david@zentus.com" {
		t.Errorf("To=%v, want david@zentus.com", body.To)
	}
	wantDate := time.Date(2018, 7, 13, 16, 39, 1, 0, time.UTC)
	if !body.Date.Equal(wantDate) {
		t.Errorf("Date=%v, want %v", body.Date, wantDate)
	}
	want := strings.Replace(`Hello,

You have received this message because you are a contact of the domain pkgfort.com with the username "foo".
`, "\n", "\r\n", -1)
	if body.Plain != want {
		t.Errorf("Plain=%q, want %q", body.Plain, want)
	}
	if body.HTML != "" {
		t.Errorf("HTML=%q, want empty", body.HTML)
	}
	if len(body.ConvoID) != 16 {
		t.Errorf("len(ConvoID)=%d, want 16", len(body.ConvoID))
	}
}

const textQuotedPrintable = `To: david@zentus.com
Subject: [Gandi] pkgfort.com expired yesterday
From: "Gandi" <support-renew@gandi.net>
Date: Fri, 13 Jul 2018 16:39:01 -0000
MIME-Version: 1.0
Content-Type: text/plain; charset="utf-8"
Content-Transfer-Encoding: quoted-printable
Message-Id: <20180713163903.9B84B41ED4@mailer.gandi.net>

Hello,

You have received this message because you are a contact of the domain pkgf=
ort.com with the username "foo".
`

func TestExtractMultipartAlt(t *testing.T) {
	body := extract(t, textMultipartAlt)

	if got, want := strings.TrimSpace(body.Plain), "Plain text."; got != want {
		t.Errorf("Plain=%q, want %q", got, want)
	}
	if got, want := strings.TrimSpace(body.HTML), "<b>Rich</b> text. Hello, 世界"; got != want {
		t.Errorf("HTML=%q, want %q", got, want)
	}
}

const textMultipartAlt = `MIME-Version: 1.0
Content-Type: multipart/alternative; boundary="b2"

--b2
Content-Type: text/plain; charset="utf-8"

Plain text.
--b2
Content-Type: text/html; charset="utf-8"

<b>Rich</b> text. Hello, 世界
--b2--
`

func TestExtractRelatedAndAttached(t *testing.T) {
	body := extract(t, relatedAndAttached)

	if got, want := strings.TrimSpace(body.Plain), "Hello, World!"; got != want {
		t.Errorf("Plain=%q, want %q", got, want)
	}
	if !strings.Contains(body.HTML, "cid:v1@mycid") {
		t.Errorf("HTML=%q, want the inline html body", body.HTML)
	}
	if strings.Contains(body.Plain, "UERGAA") || strings.Contains(body.HTML, "UERGAA") {
		t.Error("attachment content leaked into a body")
	}
}

const relatedAndAttached = `MIME-Version: 1.0
Content-Type: multipart/mixed; boundary=.6Cq99EotC3X7GA2v.

--.6Cq99EotC3X7GA2v.
Content-Type: multipart/alternative; boundary=".AZT9wvov/MBB0/8S."

--.AZT9wvov/MBB0/8S.
Content-Disposition: inline
Content-Type: text/plain; charset="UTF-8"

Hello, World!
--.AZT9wvov/MBB0/8S.
Content-Type: multipart/related; boundary=".BFtzyG5P+V/2YqXu."

--.BFtzyG5P+V/2YqXu.
Content-Disposition: inline
Content-Type: text/html; charset="UTF-8"

<img src="cid:v1@mycid" /> <img src="cid:v2@midcid" />
--.BFtzyG5P+V/2YqXu.
Content-Disposition: inline; filename="v1@mycid"
Content-Id: <v1@mycid>
Content-Type: image/svg+xml

<svg height="10" width="10"></svg>
--.BFtzyG5P+V/2YqXu.--

--.AZT9wvov/MBB0/8S.--

--.6Cq99EotC3X7GA2v.
Content-Disposition: attachment; filename="invoice.pdf"
Content-Transfer-Encoding: base64
Content-Type: application/pdf; name="invoice.pdf"

UERGAA==
--.6Cq99EotC3X7GA2v.--
`

func TestExtractCharset(t *testing.T) {
	body := extract(t, textLatin1)

	if got, want := strings.TrimSpace(body.Plain), "café"; got != want {
		t.Errorf("Plain=%q, want %q", got, want)
	}
}

const textLatin1 = `MIME-Version: 1.0
Content-Type: text/plain; charset="iso-8859-1"
Content-Transfer-Encoding: base64

Y2Fm6Q0K
`

func TestExtractHeaderOnly(t *testing.T) {
	raw := "Subject: nothing else\r\nFrom: a@example.com\r\n"
	body, err := Extract(strings.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := body.Subject, "nothing else"; got != want {
		t.Errorf("Subject=%q, want %q", got, want)
	}
	if body.Plain != "" || body.HTML != "" {
		t.Errorf("Plain=%q HTML=%q, want both empty", body.Plain, body.HTML)
	}
}

func TestConvoIDThreading(t *testing.T) {
	root := extract(t, `Message-Id: <root@example.com>
Subject: start

hi
`)
	reply := extract(t, `Message-Id: <reply1@example.com>
In-Reply-To: <root@example.com>
References: <root@example.com>
Subject: Re: start

hello
`)
	reply2 := extract(t, `Message-Id: <reply2@example.com>
In-Reply-To: <reply1@example.com>
References: <root@example.com> <reply1@example.com>
Subject: Re: start

again
`)
	other := extract(t, `Message-Id: <other@example.com>
Subject: unrelated

hm
`)

	if !bytes.Equal(root.ConvoID, reply.ConvoID) {
		t.Error("reply not in root's conversation")
	}
	if !bytes.Equal(root.ConvoID, reply2.ConvoID) {
		t.Error("second reply not in root's conversation")
	}
	if bytes.Equal(root.ConvoID, other.ConvoID) {
		t.Error("unrelated message shares root's conversation")
	}
}

func TestImportance(t *testing.T) {
	tests := []struct {
		hdr  string
		want int
	}{
		{"", 1},
		{"Importance: high\n", 2},
		{"Importance: Low\n", 0},
		{"X-Priority: 1\n", 2},
		{"X-Priority: 3\n", 1},
		{"X-Priority: 5 (Lowest)\n", 0},
	}
	for _, test := range tests {
		body := extract(t, test.hdr+`Subject: x

hi
`)
		if body.Importance != test.want {
			t.Errorf("header %q: Importance=%d, want %d", test.hdr, body.Importance, test.want)
		}
	}
}

func TestParseDate(t *testing.T) {
	tests := []struct {
		s    string
		want time.Time
	}{
		{"Fri, 13 Jul 2018 16:39:01 -0000", time.Date(2018, 7, 13, 16, 39, 1, 0, time.UTC)},
		{"13 Jul 2018 16:39:01 +0200", time.Date(2018, 7, 13, 14, 39, 1, 0, time.UTC)},
		{"Fri, 13 Jul 2018 16:39:01 +0000 (UTC)", time.Date(2018, 7, 13, 16, 39, 1, 0, time.UTC)},
		{"not a date", time.Time{}},
	}
	for _, test := range tests {
		got := parseDate(test.s)
		if !got.UTC().Equal(test.want) {
			t.Errorf("parseDate(%q)=%v, want %v", test.s, got, test.want)
		}
	}
}
