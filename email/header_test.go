package email

import (
	"bytes"
	"testing"
)

var keyTests = []struct {
	in, out string
}{
	{"subject", "Subject"},
	{"cc", "CC"},
	{"mime-version", "MIME-Version"},
	{"MESSAGE-ID", "Message-ID"},
	{"content-id", "Content-ID"},
	{"Content-Id", "Content-ID"},
	{"never-heard-of-it", "Never-Heard-Of-It"},
	{"busted--key", "Busted--Key"},
	{"odd-_key_", "Odd-_key_"},
}

func TestCanonicalKey(t *testing.T) {
	for _, test := range keyTests {
		t.Run(test.in, func(t *testing.T) {
			if got := CanonicalKey([]byte(test.in)); got != Key(test.out) {
				t.Errorf("CanonicalKey(%q)=%q, want %q", test.in, got, test.out)
			}
		})
	}
}

func TestCanonicalKeyDoesNotMutate(t *testing.T) {
	in := []byte("Message-ID")
	CanonicalKey(in)
	if !bytes.Equal(in, []byte("Message-ID")) {
		t.Errorf("input mutated to %q", in)
	}
}

func TestHeaderGet(t *testing.T) {
	h := new(Header)
	h.Add("Received", []byte("first hop"))
	h.Add("Received", []byte("second hop"))
	h.Add("Subject", []byte("hello"))

	if got := h.Get("Subject"); string(got) != "hello" {
		t.Errorf("Get(Subject)=%q, want %q", got, "hello")
	}
	if got := h.Get("Received"); string(got) != "first hop" {
		t.Errorf("Get(Received)=%q, want first value %q", got, "first hop")
	}
	if got := h.Get("From"); got != nil {
		t.Errorf("Get(From)=%q, want nil", got)
	}
}

func TestHeaderLazyIndex(t *testing.T) {
	// A Header assembled directly from entries has no index
	// until Get builds one.
	h := &Header{Entries: []HeaderEntry{
		{Key: "To", Value: []byte("kim@example.com")},
		{Key: "To", Value: []byte("joe@example.com")},
	}}
	if got := h.Get("To"); string(got) != "kim@example.com" {
		t.Errorf("Get(To)=%q, want %q", got, "kim@example.com")
	}
	if len(h.Index["To"]) != 2 {
		t.Errorf("index has %d values for To, want 2", len(h.Index["To"]))
	}
}

func BenchmarkCanonicalKey(b *testing.B) {
	hdr := []byte("Content-Id")
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		CanonicalKey(hdr)
	}
}
