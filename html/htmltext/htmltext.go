// Package htmltext renders the visible text of an HTML document,
// for clients that want a plain text body out of an HTML-only
// message.
package htmltext

import (
	"io"
	"strings"
	"unicode"

	"golang.org/x/net/html"
	a "golang.org/x/net/html/atom"
)

const maxBuf = 2 << 20

// blockBreak maps elements to the number of newlines their
// boundaries insert.
var blockBreak = map[a.Atom]int{
	a.Br:         1,
	a.Div:        1,
	a.Tr:         1,
	a.Li:         1,
	a.Ul:         1,
	a.Ol:         1,
	a.Table:      1,
	a.Blockquote: 1,
	a.Pre:        1,
	a.Hr:         1,
	a.Section:    1,
	a.Article:    1,
	a.Header:     1,
	a.Footer:     1,
	a.Address:    1,
	a.P:          2,
	a.H1:         2,
	a.H2:         2,
	a.H3:         2,
	a.H4:         2,
	a.H5:         2,
	a.H6:         2,
}

// skipContent marks elements whose content is never visible text.
var skipContent = map[a.Atom]bool{
	a.Script:   true,
	a.Style:    true,
	a.Head:     true,
	a.Title:    true,
	a.Noscript: true,
	a.Template: true,
}

// Text extracts the visible text of an HTML document. Runs of
// whitespace collapse to a single space and block element
// boundaries become newlines, at most two in a row.
//
// On tokenizer error the text gathered so far is returned along
// with the error.
func Text(src io.Reader) (string, error) {
	z := html.NewTokenizer(src)
	z.SetMaxBuf(maxBuf)

	var b strings.Builder
	pendingNL := 0
	pendingSP := false
	wroteAny := false

	flush := func() {
		if pendingNL > 0 {
			if wroteAny {
				if pendingNL > 2 {
					pendingNL = 2
				}
				b.WriteString("\n\n"[:pendingNL])
			}
			pendingNL = 0
			pendingSP = false
		} else if pendingSP {
			if wroteAny {
				b.WriteByte(' ')
			}
			pendingSP = false
		}
	}
	writeText := func(s string) {
		start := -1
		for i, r := range s {
			if unicode.IsSpace(r) {
				if start >= 0 {
					flush()
					b.WriteString(s[start:i])
					wroteAny = true
					start = -1
				}
				pendingSP = true
			} else if start < 0 {
				start = i
			}
		}
		if start >= 0 {
			flush()
			b.WriteString(s[start:])
			wroteAny = true
		}
	}

	var skipUntil a.Atom
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}
		switch tt {
		case html.TextToken:
			if skipUntil == 0 {
				writeText(string(z.Text()))
			}
		case html.StartTagToken, html.SelfClosingTagToken, html.EndTagToken:
			name, _ := z.TagName()
			atom := a.Lookup(name)
			if skipUntil != 0 {
				if tt == html.EndTagToken && atom == skipUntil {
					skipUntil = 0
				}
				continue
			}
			if skipContent[atom] {
				if tt == html.StartTagToken {
					skipUntil = atom
				}
				continue
			}
			if atom == a.Td || atom == a.Th {
				pendingSP = true
			}
			if n := blockBreak[atom]; n > pendingNL {
				pendingNL = n
			}
		}
	}

	if err := z.Err(); err != io.EOF {
		return b.String(), err
	}
	return b.String(), nil
}
