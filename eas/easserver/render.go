package easserver

import (
	"strings"
	"unicode/utf8"

	"spilled.ink/eas"
	"spilled.ink/eas/syncstate"
	"spilled.ink/email"
	"spilled.ink/html/htmltext"
	"spilled.ink/third_party/imf"
	"spilled.ink/wbxml"
)

// renderCollection turns one syncstate result into the response
// Collection element. The same result renders to the same bytes,
// which is what makes ledger re-sends transparent to clients.
func renderCollection(collectionID string, result *syncstate.Result) *wbxml.Node {
	col := wbxml.Elem(wbxml.ASCollection,
		wbxml.Text(wbxml.ASSyncKey, result.SyncKey.String()),
		wbxml.Text(wbxml.ASCollectionID, collectionID),
		wbxml.Int(wbxml.ASStatus, eas.SyncStatusOK))
	if result.Initial {
		// The priming exchange carries no items and no
		// MoreAvailable, whatever the mailbox holds.
		return col
	}
	if result.MoreAvailable {
		col.Append(wbxml.Elem(wbxml.ASMoreAvailable))
	}
	if len(result.Responses) > 0 {
		responses := wbxml.Elem(wbxml.ASResponses)
		for i := range result.Responses {
			responses.Append(renderCmdResponse(&result.Responses[i], result.Options))
		}
		col.Append(responses)
	}
	if len(result.Items) > 0 {
		commands := wbxml.Elem(wbxml.ASCommands)
		for i := range result.Items {
			item := &result.Items[i]
			commands.Append(wbxml.Elem(wbxml.ASAdd,
				wbxml.Text(wbxml.ASServerID, item.ServerID),
				renderItem(item, result.Options)))
		}
		col.Append(commands)
	}
	return col
}

func renderCmdResponse(r *eas.CmdResponse, opts eas.RenderOptions) *wbxml.Node {
	var tag wbxml.Tag
	switch r.Cmd {
	case "Add":
		tag = wbxml.ASAdd
	case "Change":
		tag = wbxml.ASChange
	case "Delete":
		tag = wbxml.ASDelete
	case "Fetch":
		tag = wbxml.ASFetch
	}
	n := wbxml.Elem(tag)
	if r.ClientID != "" {
		n.Append(wbxml.Text(wbxml.ASClientID, r.ClientID))
	}
	if r.ServerID != "" {
		n.Append(wbxml.Text(wbxml.ASServerID, r.ServerID))
	}
	n.Append(wbxml.Int(wbxml.ASStatus, r.Status))
	if r.Cmd == "Fetch" && r.Item != nil {
		n.Append(renderItem(r.Item, opts))
	}
	return n
}

// renderItem builds the ApplicationData element for one email.
func renderItem(item *eas.Item, opts eas.RenderOptions) *wbxml.Node {
	app := wbxml.Elem(wbxml.ASApplicationData)
	if item.From.Addr != "" {
		app.Append(wbxml.Text(wbxml.EmailFrom, imf.FormatAddress(&item.From)))
	}
	if len(item.To) > 0 {
		app.Append(wbxml.Text(wbxml.EmailTo, imf.FormatAddressList(item.To)))
	}
	if len(item.Cc) > 0 {
		app.Append(wbxml.Text(wbxml.EmailCc, imf.FormatAddressList(item.Cc)))
	}
	if len(item.ReplyTo) > 0 {
		app.Append(wbxml.Text(wbxml.EmailReplyTo, imf.FormatAddressList(item.ReplyTo)))
	}
	app.Append(
		wbxml.Text(wbxml.EmailSubject, item.Subject),
		wbxml.Text(wbxml.EmailDateReceived, eas.FormatDate(item.DateReceived)),
		wbxml.Text(wbxml.EmailDisplayTo, displayNames(item.To)),
		wbxml.Text(wbxml.EmailThreadTopic, item.Subject),
		wbxml.Int(wbxml.EmailImportance, item.Importance),
		wbxml.Int(wbxml.EmailRead, boolInt(item.Read)),
	)
	app.Append(renderBody(item, opts))
	app.Append(
		wbxml.Text(wbxml.EmailMessageClass, "IPM.Note"),
		wbxml.Text(wbxml.EmailInternetCPID, "65001"), // UTF-8
		wbxml.Text(wbxml.EmailContentClass, "urn:content-classes:message"),
		wbxml.Int(wbxml.ASBNativeBodyType, nativeBodyType(item)),
	)
	if len(item.ConversationID) > 0 {
		app.Append(wbxml.Opaque(wbxml.Email2ConversationID, item.ConversationID))
	}
	return app
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nativeBodyType(item *eas.Item) int {
	if item.BodyHTML != "" {
		return eas.BodyTypeHTML
	}
	return eas.BodyTypePlain
}

// displayNames renders the DisplayTo value: proper names where
// known, addresses otherwise, semicolon separated.
func displayNames(addrs []email.Address) string {
	var names []string
	for _, a := range addrs {
		if a.Name != "" {
			names = append(names, a.Name)
		} else {
			names = append(names, a.Addr)
		}
	}
	return strings.Join(names, "; ")
}

// mimeTruncation is the 12.x MIMETruncation bucket table
// (MS-ASCMD). Index 8, no truncation, is handled by the caller.
var mimeTruncation = [8]int{0, 4096, 5120, 7168, 10240, 20480, 51200, 102400}

// renderBody selects and renders the message body following the
// client's BodyPreference order.
//
// A preference is skipped when the message has no content of its
// type, or when AllOrNone is set and the content would have to be
// truncated. When every preference is skipped the plain text body
// is sent whole.
func renderBody(item *eas.Item, opts eas.RenderOptions) *wbxml.Node {
	for _, pref := range opts.BodyPreferences {
		switch pref.Type {
		case eas.BodyTypePlain:
			data := plainBody(item)
			if data == "" && (item.BodyHTML != "" || len(item.MIME) > 0) {
				continue
			}
			if n := textBodyNode(eas.BodyTypePlain, data, pref); n != nil {
				return n
			}
		case eas.BodyTypeHTML:
			if item.BodyHTML == "" {
				continue
			}
			if n := textBodyNode(eas.BodyTypeHTML, item.BodyHTML, pref); n != nil {
				return n
			}
		case eas.BodyTypeMIME:
			if len(item.MIME) == 0 || opts.MIMESupport == 0 {
				continue
			}
			if n := mimeBodyNode(item.MIME, pref, opts.MIMETruncation); n != nil {
				return n
			}
		}
	}
	return textBodyNode(eas.BodyTypePlain, plainBody(item), eas.BodyPreference{Type: eas.BodyTypePlain})
}

// plainBody is the plain text representation, derived from the
// stored HTML when the message had no text/plain part.
func plainBody(item *eas.Item) string {
	if item.BodyPlain != "" {
		return item.BodyPlain
	}
	if item.BodyHTML == "" {
		return ""
	}
	text, err := htmltext.Text(strings.NewReader(item.BodyHTML))
	if err != nil && text == "" {
		return ""
	}
	return text
}

// textBodyNode renders a STR_I body. HTML is passed through as
// stored; document-level wrapping is preserved. Returns nil when
// AllOrNone forbids the required truncation.
func textBodyNode(bodyType int, data string, pref eas.BodyPreference) *wbxml.Node {
	size := len(data)
	truncated := false
	if pref.TruncationSize > 0 && size > pref.TruncationSize {
		if pref.AllOrNone {
			return nil
		}
		data = truncateUTF8(data, pref.TruncationSize)
		truncated = true
	}
	body := wbxml.Elem(wbxml.ASBBody,
		wbxml.Int(wbxml.ASBType, bodyType),
		wbxml.Int(wbxml.ASBEstimatedDataSize, size),
		wbxml.Int(wbxml.ASBTruncated, boolInt(truncated)),
		wbxml.Text(wbxml.ASBData, data))
	if pref.Preview > 0 {
		body.Append(wbxml.Text(wbxml.ASBPreview, truncateUTF8(data, pref.Preview)))
	}
	return body
}

// mimeBodyNode renders the raw RFC 822 message as an OPAQUE body.
func mimeBodyNode(mime []byte, pref eas.BodyPreference, bucket int) *wbxml.Node {
	limit := pref.TruncationSize
	if limit == 0 && bucket >= 0 && bucket < len(mimeTruncation) {
		limit = mimeTruncation[bucket]
		if limit == 0 {
			limit = -1 // bucket 0: no body bytes at all
		}
	}
	size := len(mime)
	truncated := false
	switch {
	case limit < 0:
		if pref.AllOrNone {
			return nil
		}
		mime = []byte{}
		truncated = true
	case limit > 0 && size > limit:
		if pref.AllOrNone {
			return nil
		}
		mime = mime[:limit]
		truncated = true
	}
	return wbxml.Elem(wbxml.ASBBody,
		wbxml.Int(wbxml.ASBType, eas.BodyTypeMIME),
		wbxml.Int(wbxml.ASBEstimatedDataSize, size),
		wbxml.Int(wbxml.ASBTruncated, boolInt(truncated)),
		wbxml.Opaque(wbxml.ASBData, mime))
}

// truncateUTF8 cuts s to at most n bytes on a rune boundary.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
