package easserver

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"spilled.ink/eas"
	"spilled.ink/email/msgbody"
	"spilled.ink/wbxml"
)

// handleSendMail accepts an outbound message. 14.x clients wrap
// the raw message in a ComposeMail WBXML document; 12.x clients
// POST the bare RFC 822 bytes with SaveInSent=T in the query.
//
// Success is an empty 200. Failures carry a SendMail Status for
// 14.x clients, who will not retry a plain HTTP error.
func (s *Server) handleSendMail(req *request) (*wbxml.Node, error) {
	var mime []byte
	saveInSent := false

	if req.body != nil {
		if req.body.Tag != wbxml.SendMail {
			return nil, badRequest("easserver: SendMail: bad body")
		}
		m := req.body.Child(wbxml.CMMime)
		if m == nil {
			return nil, badRequest("easserver: SendMail: no Mime")
		}
		mime = m.Opaque
		if mime == nil {
			// Some clients send short messages inline.
			mime = []byte(m.Text)
		}
		saveInSent = req.body.HasChild(wbxml.CMSaveInSentItems)
	} else {
		// 12.x raw path: spool the body through the filer, like
		// any other message of unknown size.
		spool := s.Filer.BufferFile(0)
		defer spool.Close()
		if _, err := io.Copy(spool, io.LimitReader(req.httpReq.Body, maxRequestBytes)); err != nil {
			return nil, badRequest("easserver: SendMail: read body: %v", err)
		}
		if _, err := spool.Seek(0, 0); err != nil {
			return nil, err
		}
		var err error
		if mime, err = io.ReadAll(spool); err != nil {
			return nil, err
		}
		saveInSent = req.query.Get("SaveInSent") == "T"
	}
	if len(mime) == 0 {
		return nil, badRequest("easserver: SendMail: empty message")
	}

	body, err := msgbody.Extract(bytes.NewReader(mime))
	if err != nil {
		req.log.EASStatus = eas.SendMailStatusParseError
		return wbxml.Elem(wbxml.SendMail,
			wbxml.Int(wbxml.CMStatus, eas.SendMailStatusParseError)), nil
	}

	if s.Submit != nil {
		if err := s.Submit(req.httpReq.Context(), req.user.Address, bytes.NewReader(mime)); err != nil {
			s.logf("easserver: SendMail submit user=%d: %v", req.user.ID, err)
			req.log.EASStatus = eas.SendMailStatusSubmitFailed
			return wbxml.Elem(wbxml.SendMail,
				wbxml.Int(wbxml.CMStatus, eas.SendMailStatusSubmitFailed)), nil
		}
	}

	if saveInSent {
		item := &eas.Item{
			Subject:      body.Subject,
			From:         body.From,
			To:           body.To,
			Cc:           body.Cc,
			ReplyTo:      body.ReplyTo,
			DateReceived: time.Now(),
			Read:         true,
			Importance:   body.Importance,
			MIME:         mime,
			BodyPlain:    body.Plain,
			BodyHTML:     body.HTML,
		}
		if len(body.ConvoID) > 0 {
			item.ConversationID = body.ConvoID
		}
		ctx, cancel := s.storeCtx(req.httpReq.Context())
		_, err := s.Store.InsertItem(ctx, req.user.ID, eas.CollectionSent, item)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("easserver: SendMail save: %v", err)
		}
		s.Bus.Notify(req.user.ID, eas.CollectionSent)
	}
	return nil, nil
}
