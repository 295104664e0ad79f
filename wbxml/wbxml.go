// Package wbxml encodes and decodes WAP Binary XML documents
// as used by the Exchange ActiveSync protocol.
//
// The documents handled here are the element-centric subset EAS
// uses: no attributes, no string table, no processing instructions,
// no entities. Content is either nested elements, an inline UTF-8
// string, or an opaque byte blob. Tags are identified by a
// (code page, token) pair; handlers work directly with Tag values
// and never see SWITCH_PAGE tokens.
//
// https://www.w3.org/1999/06/NOTE-wbxml-19990624
package wbxml

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
)

// Control tokens from the WBXML global token space.
const (
	tokSwitchPage = 0x00
	tokEnd        = 0x01
	tokEntity     = 0x02
	tokStrI       = 0x03
	tokOpaque     = 0xC3

	tagHasContent = 0x40
	tagHasAttrs   = 0x80
	tagCodeMask   = 0x3F
)

// Document header values fixed by EAS.
const (
	headerVersion  = 0x03 // WBXML 1.3
	headerPublicID = 0x01 // unknown public identifier
	headerCharset  = 106  // UTF-8 (IANA MIBenum)
)

// Tag identifies an element type as a (code page, token) pair.
// Token values are page-local and always in [0x05, 0x3F].
type Tag struct {
	Page byte
	Code byte
}

func (t Tag) String() string {
	if name := tagName(t); name != "" {
		return name
	}
	return fmt.Sprintf("0x%02x:0x%02x", t.Page, t.Code)
}

// Node is one element of a decoded or to-be-encoded document.
//
// A node carries at most one kind of content: child elements,
// inline text, or opaque bytes. The zero value with only Tag set
// encodes as an empty element.
type Node struct {
	Tag      Tag
	Text     string  // inline string content (STR_I)
	Opaque   []byte  // opaque binary content (OPAQUE)
	Children []*Node // child elements
}

// Elem returns an element node with the given children.
// Nil children are dropped, so callers can build optional
// elements inline.
func Elem(t Tag, children ...*Node) *Node {
	n := &Node{Tag: t}
	for _, c := range children {
		if c != nil {
			n.Children = append(n.Children, c)
		}
	}
	return n
}

// Text returns an element node holding an inline string.
func Text(t Tag, s string) *Node {
	return &Node{Tag: t, Text: s}
}

// Int returns an element node holding an integer rendered as
// ASCII decimal, the EAS convention for numeric values.
func Int(t Tag, v int) *Node {
	return &Node{Tag: t, Text: strconv.Itoa(v)}
}

// Opaque returns an element node holding opaque bytes.
func Opaque(t Tag, b []byte) *Node {
	return &Node{Tag: t, Opaque: b}
}

// Append adds children to n and returns n.
// Nil children are dropped.
func (n *Node) Append(children ...*Node) *Node {
	for _, c := range children {
		if c != nil {
			n.Children = append(n.Children, c)
		}
	}
	return n
}

// Child returns the first direct child with the given tag, or nil.
func (n *Node) Child(t Tag) *Node {
	for _, c := range n.Children {
		if c.Tag == t {
			return c
		}
	}
	return nil
}

// ChildText returns the inline text of the first direct child
// with the given tag, or "" if there is no such child.
func (n *Node) ChildText(t Tag) string {
	if c := n.Child(t); c != nil {
		return c.Text
	}
	return ""
}

// HasChild reports whether a direct child with the given tag exists.
func (n *Node) HasChild(t Tag) bool {
	return n.Child(t) != nil
}

// Each calls fn for every direct child with the given tag.
func (n *Node) Each(t Tag, fn func(*Node)) {
	for _, c := range n.Children {
		if c.Tag == t {
			fn(c)
		}
	}
}

// MalformedError reports a framing error in a WBXML document.
type MalformedError struct {
	Offset int64
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("wbxml: malformed document at offset %d: %s", e.Offset, e.Reason)
}

// Encode writes root as a complete WBXML document, header included.
//
// SWITCH_PAGE tokens are emitted only when consecutive tags live on
// different code pages. Elements close in LIFO order; the final byte
// of the document closes the root.
func Encode(w io.Writer, root *Node) error {
	e := &encoder{w: bufio.NewWriter(w), page: 0}
	e.writeByte(headerVersion)
	e.writeByte(headerPublicID)
	e.writeUint(headerCharset)
	e.writeUint(0) // empty string table
	e.node(root)
	if e.err != nil {
		return fmt.Errorf("wbxml.Encode: %v", e.err)
	}
	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("wbxml.Encode: %v", err)
	}
	return nil
}

// EncodeBytes is Encode into a fresh buffer.
func EncodeBytes(root *Node) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := Encode(buf, root); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type encoder struct {
	w    *bufio.Writer
	page byte
	err  error
}

func (e *encoder) writeByte(b byte) {
	if e.err != nil {
		return
	}
	e.err = e.w.WriteByte(b)
}

func (e *encoder) write(b []byte) {
	if e.err != nil {
		return
	}
	_, e.err = e.w.Write(b)
}

// writeUint writes a multi-byte unsigned integer: big-endian
// base-128, high bit set on every byte but the last.
func (e *encoder) writeUint(v uint32) {
	var buf [5]byte
	i := len(buf) - 1
	buf[i] = byte(v & 0x7F)
	for v >>= 7; v != 0; v >>= 7 {
		i--
		buf[i] = byte(v&0x7F) | 0x80
	}
	e.write(buf[i:])
}

func (e *encoder) node(n *Node) {
	if e.err != nil {
		return
	}
	if n.Tag.Page != e.page {
		e.writeByte(tokSwitchPage)
		e.writeByte(n.Tag.Page)
		e.page = n.Tag.Page
	}
	empty := len(n.Children) == 0 && n.Text == "" && n.Opaque == nil
	if empty {
		e.writeByte(n.Tag.Code)
		return
	}
	e.writeByte(n.Tag.Code | tagHasContent)
	switch {
	case n.Opaque != nil:
		e.writeByte(tokOpaque)
		e.writeUint(uint32(len(n.Opaque)))
		e.write(n.Opaque)
	case n.Text != "":
		e.writeByte(tokStrI)
		e.write([]byte(n.Text))
		e.writeByte(0)
	}
	for _, c := range n.Children {
		e.node(c)
	}
	e.writeByte(tokEnd)
}

// Decode reads a complete WBXML document and returns its root element.
//
// Unknown tags in any page are retained as ordinary nodes so that
// handlers can skip forward-compatible additions. Framing problems
// return a *MalformedError.
func Decode(r io.Reader) (*Node, error) {
	d := &decoder{r: bufio.NewReader(r)}
	if err := d.header(); err != nil {
		return nil, err
	}
	tok, err := d.readByte("document body")
	if err != nil {
		return nil, err
	}
	root, err := d.element(tok)
	if err != nil {
		return nil, err
	}
	return root, nil
}

// DecodeBytes is Decode over an in-memory document.
func DecodeBytes(b []byte) (*Node, error) {
	return Decode(bytes.NewReader(b))
}

type decoder struct {
	r    *bufio.Reader
	off  int64
	page byte
}

func (d *decoder) malformed(reason string) error {
	return &MalformedError{Offset: d.off, Reason: reason}
}

func (d *decoder) readByte(what string) (byte, error) {
	b, err := d.r.ReadByte()
	if err != nil {
		return 0, d.malformed("truncated " + what)
	}
	d.off++
	return b, nil
}

func (d *decoder) readUint(what string) (uint32, error) {
	var v uint32
	for i := 0; ; i++ {
		if i == 5 {
			return 0, d.malformed(what + " overflows uint32")
		}
		b, err := d.readByte(what)
		if err != nil {
			return 0, err
		}
		v = v<<7 | uint32(b&0x7F)
		if b&0x80 == 0 {
			return v, nil
		}
	}
}

func (d *decoder) header() error {
	if _, err := d.readByte("header"); err != nil {
		return d.malformed("missing header")
	}
	if _, err := d.readByte("header public id"); err != nil {
		return err
	}
	if _, err := d.readUint("header charset"); err != nil {
		return err
	}
	tableLen, err := d.readUint("header string table length")
	if err != nil {
		return err
	}
	for ; tableLen > 0; tableLen-- {
		if _, err := d.readByte("string table"); err != nil {
			return err
		}
	}
	return nil
}

// element decodes one element whose tag token has already been read.
// SWITCH_PAGE tokens preceding the tag are handled by the caller.
func (d *decoder) element(tok byte) (*Node, error) {
	for tok == tokSwitchPage {
		p, err := d.readByte("page switch")
		if err != nil {
			return nil, err
		}
		d.page = p
		if tok, err = d.readByte("element tag"); err != nil {
			return nil, err
		}
	}
	if tok == tokEnd || tok&tagCodeMask < 0x05 {
		return nil, d.malformed(fmt.Sprintf("unexpected token 0x%02x, want element tag", tok))
	}
	if tok&tagHasAttrs != 0 {
		return nil, d.malformed("element with attributes")
	}
	n := &Node{Tag: Tag{Page: d.page, Code: tok & tagCodeMask}}
	if tok&tagHasContent == 0 {
		return n, nil
	}
	for {
		tok, err := d.readByte("element content of <" + n.Tag.String() + ">")
		if err != nil {
			return nil, err
		}
		switch tok {
		case tokEnd:
			return n, nil
		case tokStrI:
			s, err := d.readString()
			if err != nil {
				return nil, err
			}
			n.Text += s
		case tokOpaque:
			length, err := d.readUint("opaque length")
			if err != nil {
				return nil, err
			}
			b := make([]byte, length)
			m, err := io.ReadFull(d.r, b)
			d.off += int64(m)
			if err != nil {
				return nil, d.malformed("opaque data longer than document")
			}
			if n.Opaque == nil {
				n.Opaque = b
			} else {
				n.Opaque = append(n.Opaque, b...)
			}
		case tokEntity:
			return nil, d.malformed("entity content unsupported")
		default:
			c, err := d.element(tok)
			if err != nil {
				return nil, err
			}
			n.Children = append(n.Children, c)
		}
	}
}

func (d *decoder) readString() (string, error) {
	b, err := d.r.ReadBytes(0)
	d.off += int64(len(b))
	if err != nil {
		return "", d.malformed("inline string missing NUL terminator")
	}
	return string(b[:len(b)-1]), nil
}

// Dump writes an indented XML rendering of a node tree, resolving
// tag names through the EAS code page tables. It is for trace logs
// and tests, not for interchange.
func Dump(w io.Writer, n *Node, indent string) error {
	return dump(w, n, indent, 0, nil)
}

// DumpRedacted is Dump with the text and opaque content of the
// listed tags replaced by a length placeholder.
func DumpRedacted(w io.Writer, n *Node, indent string, redact []Tag) error {
	set := make(map[Tag]bool, len(redact))
	for _, t := range redact {
		set[t] = true
	}
	return dump(w, n, indent, 0, set)
}

func dump(w io.Writer, n *Node, indent string, depth int, redact map[Tag]bool) error {
	pad := bytes.Repeat([]byte(indent), depth)
	name := n.Tag.String()
	switch {
	case len(n.Children) > 0:
		if _, err := fmt.Fprintf(w, "%s<%s>\n", pad, name); err != nil {
			return err
		}
		if n.Text != "" {
			if _, err := fmt.Fprintf(w, "%s%s%s\n", pad, indent, dumpText(n, redact)); err != nil {
				return err
			}
		}
		for _, c := range n.Children {
			if err := dump(w, c, indent, depth+1, redact); err != nil {
				return err
			}
		}
		_, err := fmt.Fprintf(w, "%s</%s>\n", pad, name)
		return err
	case n.Text != "" || n.Opaque != nil:
		_, err := fmt.Fprintf(w, "%s<%s>%s</%s>\n", pad, name, dumpText(n, redact), name)
		return err
	default:
		_, err := fmt.Fprintf(w, "%s<%s/>\n", pad, name)
		return err
	}
}

func dumpText(n *Node, redact map[Tag]bool) string {
	if redact[n.Tag] {
		if n.Opaque != nil {
			return fmt.Sprintf("[redacted %d bytes]", len(n.Opaque))
		}
		return fmt.Sprintf("[redacted %d bytes]", len(n.Text))
	}
	if n.Opaque != nil {
		return fmt.Sprintf("[opaque %d bytes: %.24x]", len(n.Opaque), n.Opaque)
	}
	return n.Text
}
