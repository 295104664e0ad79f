// Package msgbody extracts renderable content from raw MIME
// messages: the header fields and text bodies a mobile sync
// client displays.
package msgbody

import (
	"bufio"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"strings"
	"time"

	"golang.org/x/text/encoding/ianaindex"
	"spilled.ink/email"
	"spilled.ink/third_party/imf"
)

// Body is the decoded content of one message.
type Body struct {
	Subject    string
	Date       time.Time // zero if missing or unparseable
	MessageID  string
	From       email.Address
	To         []email.Address
	Cc         []email.Address
	ReplyTo    []email.Address
	Importance int // 0 low, 1 normal, 2 high
	Plain      string
	HTML       string
	ConvoID    []byte // 16-byte thread identifier
}

// Per-part text cap. Longer bodies are cut at ingest.
const maxTextBytes = 1 << 20

// Extract parses a raw RFC 5322 message and pulls out the fields
// the sync protocol renders.
//
// Extraction is tolerant: unparseable addresses, dates, and
// unknown charsets degrade to zero values rather than failing the
// message. Only a malformed header section or a corrupt MIME
// structure is reported as an error.
func Extract(src io.Reader) (*Body, error) {
	r := bufio.NewReader(src)
	hdr, err := imf.NewReader(r).ReadMIMEHeader()
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("msgbody: %v", err)
	}

	body := &Body{
		Subject:    string(hdr.Get("Subject")),
		Importance: importance(hdr),
		ConvoID:    convoID(hdr),
	}
	if v := hdr.Get("Date"); len(v) > 0 {
		body.Date = parseDate(string(v))
	}
	if ref, err := imf.ParseReference(string(hdr.Get("Message-ID"))); err == nil {
		body.MessageID = ref
	}
	if addrs, err := imf.ParseAddressList(string(hdr.Get("From"))); err == nil && len(addrs) > 0 {
		body.From = *addrs[0]
	}
	body.To = addrList(hdr.Get("To"))
	body.Cc = addrList(hdr.Get("CC"))
	body.ReplyTo = addrList(hdr.Get("Reply-To"))

	if err := walkMime(topHeader{hdr}, "", 0, r, body); err != nil {
		return nil, fmt.Errorf("msgbody: %v", err)
	}
	return body, nil
}

// header is the part header access walkMime needs. It is
// satisfied by textproto.MIMEHeader for MIME parts; topHeader
// adapts the message header.
type header interface {
	Get(key string) string
}

type topHeader struct{ h email.Header }

func (t topHeader) Get(key string) string {
	return string(t.h.Get(email.CanonicalKey([]byte(key))))
}

func walkMime(hdr header, parentMediaType string, localPartNum int, r io.Reader, body *Body) error {
	mediaType, params, err := mime.ParseMediaType(hdr.Get("Content-Type"))
	if err != nil {
		mediaType, params = "text/plain", nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		mr := multipart.NewReader(r, params["boundary"])
		for i := 0; ; i++ {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				return fmt.Errorf("corrupt mime part: %v", err)
			}
			err = walkMime(part.Header, mediaType, i, part, body)
			part.Close()
			if err != nil {
				return err
			}
		}
		return nil
	}
	return textPart(hdr, mediaType, params, parentMediaType, localPartNum, r, body)
}

func textPart(hdr header, mediaType string, params map[string]string, parentMediaType string, localPartNum int, r io.Reader, body *Body) error {
	isBody := false
	switch parentMediaType {
	case "", "multipart/alternative":
		isBody = true
	case "multipart/mixed", "multipart/related", "multipart/signed":
		isBody = localPartNum == 0
	}
	if d, _, err := mime.ParseMediaType(hdr.Get("Content-Disposition")); err == nil && strings.EqualFold(d, "attachment") {
		isBody = false
	}
	if !isBody {
		return nil
	}
	if mediaType != "text/plain" && mediaType != "text/html" {
		return nil
	}

	// multipart.Part decodes quoted-printable itself; the cases
	// here cover base64 parts and non-multipart messages.
	switch strings.ToLower(hdr.Get("Content-Transfer-Encoding")) {
	case "base64":
		r = base64.NewDecoder(base64.StdEncoding, r)
	case "quoted-printable":
		r = quotedprintable.NewReader(r)
	}
	if cs := params["charset"]; cs != "" && !strings.EqualFold(cs, "utf-8") && !strings.EqualFold(cs, "us-ascii") {
		if enc, err := ianaindex.MIME.Encoding(cs); err == nil && enc != nil {
			r = enc.NewDecoder().Reader(r)
		}
	}

	var sb strings.Builder
	if _, err := io.Copy(&sb, io.LimitReader(r, maxTextBytes)); err != nil {
		return err
	}
	s := sb.String()

	// First body part of its type wins, except inside an
	// alternative group where later parts are higher fidelity.
	switch mediaType {
	case "text/plain":
		if body.Plain == "" || parentMediaType == "multipart/alternative" {
			body.Plain = s
		}
	case "text/html":
		if body.HTML == "" || parentMediaType == "multipart/alternative" {
			body.HTML = s
		}
	}
	return nil
}

func addrList(v []byte) []email.Address {
	if len(v) == 0 {
		return nil
	}
	addrs, err := imf.ParseAddressList(string(v))
	if err != nil {
		return nil
	}
	list := make([]email.Address, len(addrs))
	for i, a := range addrs {
		list[i] = *a
	}
	return list
}

var dateLayouts = []string{
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	"2 Jan 2006 15:04:05 -0700",
	"2 Jan 2006 15:04:05 MST",
	"Mon, 2 Jan 2006 15:04 -0700",
	"Mon, 2 Jan 06 15:04:05 -0700",
}

// parseDate reads an RFC 5322 date, tolerating the violations
// common in the wild. Returns the zero time on failure.
func parseDate(s string) time.Time {
	if i := strings.Index(s, " ("); i >= 0 {
		s = s[:i] // trailing zone comment
	}
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func importance(hdr email.Header) int {
	switch strings.ToLower(string(hdr.Get("Importance"))) {
	case "high":
		return 2
	case "low":
		return 0
	}
	if v := hdr.Get("X-Priority"); len(v) > 0 {
		switch v[0] {
		case '1', '2':
			return 2
		case '4', '5':
			return 0
		}
	}
	return 1
}

// convoID derives a 16-byte conversation identifier. Replies
// hash the thread root of their References chain, so a whole
// thread lands in one conversation.
func convoID(hdr email.Header) []byte {
	root := ""
	if refs, err := imf.ParseReferences(string(hdr.Get("References"))); err == nil && len(refs) > 0 {
		root = refs[0]
	}
	if root == "" {
		if ref, err := imf.ParseReference(string(hdr.Get("In-Reply-To"))); err == nil {
			root = ref
		}
	}
	if root == "" {
		if ref, err := imf.ParseReference(string(hdr.Get("Message-ID"))); err == nil {
			root = ref
		}
	}
	if root == "" {
		root = string(hdr.Get("Subject")) + "\x00" + string(hdr.Get("From"))
	}
	sum := sha256.Sum256([]byte(root))
	return sum[:16]
}
