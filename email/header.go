package email

// Key is a canonical MIME header entry key.
//
// Use CanonicalKey to canonise bytes as a Key.
type Key string

type HeaderEntry struct {
	Key   Key
	Value []byte
}

// Header is a MIME-style header.
//
// Entries preserve the order keys appear in the original message.
// Index is built lazily by Get when a Header is assembled by hand.
type Header struct {
	Entries []HeaderEntry
	Index   map[Key][][]byte
}

func (h *Header) Add(k Key, v []byte) {
	h.Entries = append(h.Entries, HeaderEntry{Key: k, Value: v})
	if h.Index == nil {
		h.Index = make(map[Key][][]byte)
	}
	h.Index[k] = append(h.Index[k], v)
}

// Get returns the first value recorded for k, or nil.
func (h *Header) Get(k Key) []byte {
	if h.Index == nil {
		h.Index = make(map[Key][][]byte)
		for _, entry := range h.Entries {
			h.Index[entry.Key] = append(h.Index[entry.Key], entry.Value)
		}
	}
	vals := h.Index[k]
	if len(vals) == 0 {
		return nil
	}
	return vals[0]
}

// CanonicalKey builds a MIME header key out of bytes.
//
// The switch covers the headers this server consults when turning a
// message into a synchronizable item, plus keys whose conventional
// form the general capitalization rule below cannot produce
// ("Message-ID", not "Message-Id"). Everything else takes the
// general rule.
func CanonicalKey(keyBytes []byte) Key {
	b := make([]byte, 0, 64)
	b = append(b, keyBytes...)
	asciiLower(b)

	switch string(b) {
	case "subject":
		return "Subject"
	case "date":
		return "Date"
	case "to":
		return "To"
	case "from":
		return "From"
	case "cc":
		return "CC"
	case "bcc":
		return "BCC"
	case "sender":
		return "Sender"
	case "reply-to":
		return "Reply-To"
	case "message-id":
		return "Message-ID"
	case "in-reply-to":
		return "In-Reply-To"
	case "references":
		return "References"
	case "importance":
		return "Importance"
	case "x-priority":
		return "X-Priority"
	case "thread-topic":
		return "Thread-Topic"
	case "thread-index":
		return "Thread-Index"
	case "mime-version":
		return "MIME-Version"
	case "content-type":
		return "Content-Type"
	case "content-transfer-encoding":
		return "Content-Transfer-Encoding"
	case "content-disposition":
		return "Content-Disposition"
	case "content-id":
		return "Content-ID"
	case "received":
		return "Received"
	case "return-path":
		return "Return-Path"
	case "delivered-to":
		return "Delivered-To"
	case "precedence":
		return "Precedence"
	case "list-id":
		return "List-ID"
	case "list-unsubscribe":
		return "List-Unsubscribe"
	default:
		// Capitalize each letter following a '-'.
		for i, c := range b {
			if 'a' <= c && c <= 'z' {
				if i == 0 || (i > 0 && b[i-1] == '-') {
					b[i] -= 'a' - 'A'
				}
			}
		}
		return Key(b)
	}
}

func asciiLower(data []byte) {
	for i, b := range data {
		if b >= 'A' && b <= 'Z' {
			data[i] = b + ('a' - 'A')
		}
	}
}
