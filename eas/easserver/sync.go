package easserver

import (
	"context"
	"strconv"
	"time"

	"spilled.ink/eas"
	"spilled.ink/eas/syncstate"
	"spilled.ink/wbxml"
)

// handleSync runs the Sync command: one round of the per-collection
// sync ledger for every requested collection.
func (s *Server) handleSync(req *request) (*wbxml.Node, error) {
	if req.body == nil || req.body.Tag != wbxml.Sync {
		return nil, badRequest("easserver: Sync: missing or bad body")
	}
	collections := req.body.Child(wbxml.ASCollections)
	if collections == nil || len(collections.Children) == 0 {
		return nil, badRequest("easserver: Sync: no collections")
	}

	out := wbxml.Elem(wbxml.ASCollections)
	collections.Each(wbxml.ASCollection, func(col *wbxml.Node) {
		out.Append(s.syncCollection(req, col))
	})
	return wbxml.Elem(wbxml.Sync, out), nil
}

// syncCollection runs one requested collection and always produces
// a response node; failures become per-collection Status values.
func (s *Server) syncCollection(req *request, col *wbxml.Node) *wbxml.Node {
	collectionID := col.ChildText(wbxml.ASCollectionID)
	keyStr := col.ChildText(wbxml.ASSyncKey)

	fail := func(status int) *wbxml.Node {
		req.log.EASStatus = status
		n := wbxml.Elem(wbxml.ASCollection,
			wbxml.Text(wbxml.ASSyncKey, keyStr))
		if collectionID != "" {
			n.Append(wbxml.Text(wbxml.ASCollectionID, collectionID))
		}
		return n.Append(wbxml.Int(wbxml.ASStatus, status))
	}

	if collectionID == "" || keyStr == "" {
		return fail(eas.SyncStatusBadRequest)
	}
	if _, known := eas.FolderByID(collectionID); !known {
		return fail(eas.SyncStatusNotFound)
	}
	clientKey, err := eas.ParseSyncKey(keyStr)
	if err != nil {
		return fail(eas.SyncStatusBadRequest)
	}

	window := 0
	if w := col.ChildText(wbxml.ASWindowSize); w != "" {
		window, _ = strconv.Atoi(w)
	}
	opts := parseOptions(col.Child(wbxml.ASOptions))

	commands := col.Child(wbxml.ASCommands)
	if commands != nil && clientKey == 0 {
		// Commands cannot ride the priming exchange.
		return fail(eas.SyncStatusBadRequest)
	}
	deletesAsMoves := true
	if dam := col.Child(wbxml.ASDeletesAsMoves); dam != nil && dam.Text == "0" {
		deletesAsMoves = false
	}

	var apply syncstate.ApplyFunc
	if commands != nil && len(commands.Children) > 0 {
		apply = func(ctx context.Context) ([]eas.CmdResponse, error) {
			return s.applyCommands(ctx, req.user.ID, collectionID, commands, deletesAsMoves), nil
		}
	}
	fetch := func(ctx context.Context, cursor, limit int) ([]eas.Item, int, error) {
		ctx, cancel := s.storeCtx(ctx)
		defer cancel()
		return s.Store.ListItems(ctx, req.user.ID, collectionID, cursor, limit)
	}

	key := syncstate.Key{
		UserID:       req.user.ID,
		DeviceID:     req.dev.DeviceID,
		CollectionID: collectionID,
	}
	result, err := s.States.Sync(req.httpReq.Context(), key, clientKey, window, opts, apply, fetch)
	if err != nil {
		s.logf("easserver: Sync user=%d device=%s collection=%s: %v",
			req.user.ID, req.dev.DeviceID, collectionID, err)
		return fail(eas.SyncStatusServerError)
	}
	req.log.EASStatus = eas.SyncStatusOK
	return renderCollection(collectionID, result)
}

// parseOptions reads the Options element into render options. The
// FilterType is accepted and ignored; the store owns item order
// and retention.
func parseOptions(options *wbxml.Node) eas.RenderOptions {
	var opts eas.RenderOptions
	opts.MIMETruncation = 8 // no truncation until the client asks
	if options == nil {
		return opts
	}
	if v := options.ChildText(wbxml.ASMIMESupport); v != "" {
		opts.MIMESupport, _ = strconv.Atoi(v)
	}
	if v := options.ChildText(wbxml.ASMIMETruncation); v != "" {
		opts.MIMETruncation, _ = strconv.Atoi(v)
	}
	options.Each(wbxml.ASBBodyPreference, func(bp *wbxml.Node) {
		pref := eas.BodyPreference{}
		pref.Type, _ = strconv.Atoi(bp.ChildText(wbxml.ASBType))
		pref.TruncationSize, _ = strconv.Atoi(bp.ChildText(wbxml.ASBTruncationSize))
		pref.Preview, _ = strconv.Atoi(bp.ChildText(wbxml.ASBPreview))
		if aon := bp.Child(wbxml.ASBAllOrNone); aon != nil && aon.Text != "0" {
			pref.AllOrNone = true
		}
		opts.BodyPreferences = append(opts.BodyPreferences, pref)
	})
	return opts
}

// applyCommands runs the client's Sync commands against the store.
// Failures are per-item; the round itself still succeeds.
func (s *Server) applyCommands(ctx context.Context, userID int64, collectionID string, commands *wbxml.Node, deletesAsMoves bool) []eas.CmdResponse {
	var responses []eas.CmdResponse
	for _, cmd := range commands.Children {
		switch cmd.Tag {
		case wbxml.ASChange:
			responses = append(responses, s.applyChange(ctx, userID, cmd))
		case wbxml.ASDelete:
			responses = append(responses, s.applyDelete(ctx, userID, collectionID, cmd, deletesAsMoves))
		case wbxml.ASAdd:
			responses = append(responses, s.applyAdd(ctx, userID, collectionID, cmd))
		case wbxml.ASFetch:
			responses = append(responses, s.applyFetch(ctx, userID, collectionID, cmd))
		}
	}
	return responses
}

func cmdStatus(err error) int {
	switch err {
	case nil:
		return eas.SyncStatusOK
	case eas.ErrNotFound:
		return eas.SyncStatusNotFound
	case eas.ErrConflict:
		return eas.SyncStatusConflict
	default:
		return eas.SyncStatusRetry
	}
}

// applyChange handles the one mutable email property: Read.
func (s *Server) applyChange(ctx context.Context, userID int64, cmd *wbxml.Node) eas.CmdResponse {
	resp := eas.CmdResponse{
		Cmd:      "Change",
		ServerID: cmd.ChildText(wbxml.ASServerID),
	}
	appData := cmd.Child(wbxml.ASApplicationData)
	if resp.ServerID == "" || appData == nil {
		resp.Status = eas.SyncStatusBadRequest
		return resp
	}
	read := appData.Child(wbxml.EmailRead)
	if read == nil {
		// Nothing we track changed; acknowledge and move on.
		resp.Status = eas.SyncStatusOK
		return resp
	}
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	err := s.Store.SetRead(ctx, userID, resp.ServerID, read.Text != "0")
	resp.Status = cmdStatus(err)
	return resp
}

// applyDelete removes an item, or moves it to Deleted Items when
// the client asked for DeletesAsMoves.
func (s *Server) applyDelete(ctx context.Context, userID int64, collectionID string, cmd *wbxml.Node, deletesAsMoves bool) eas.CmdResponse {
	resp := eas.CmdResponse{
		Cmd:      "Delete",
		ServerID: cmd.ChildText(wbxml.ASServerID),
	}
	if resp.ServerID == "" {
		resp.Status = eas.SyncStatusBadRequest
		return resp
	}
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	var err error
	if deletesAsMoves && collectionID != eas.CollectionDeleted {
		_, err = s.Store.MoveItem(ctx, userID, resp.ServerID, eas.CollectionDeleted)
	} else {
		err = s.Store.DeleteItem(ctx, userID, resp.ServerID)
	}
	resp.Status = cmdStatus(err)
	return resp
}

// applyAdd stores a client-composed item (drafts, mostly) and maps
// the client's temporary id to a server id.
func (s *Server) applyAdd(ctx context.Context, userID int64, collectionID string, cmd *wbxml.Node) eas.CmdResponse {
	resp := eas.CmdResponse{
		Cmd:      "Add",
		ClientID: cmd.ChildText(wbxml.ASClientID),
	}
	appData := cmd.Child(wbxml.ASApplicationData)
	if resp.ClientID == "" || appData == nil {
		resp.Status = eas.SyncStatusBadRequest
		return resp
	}
	item := &eas.Item{
		Subject:      appData.ChildText(wbxml.EmailSubject),
		DateReceived: time.Now(),
		Read:         true,
	}
	if body := appData.Child(wbxml.ASBBody); body != nil {
		if data := body.Child(wbxml.ASBData); data != nil {
			switch body.ChildText(wbxml.ASBType) {
			case "2":
				item.BodyHTML = data.Text
			case "4":
				item.MIME = data.Opaque
			default:
				item.BodyPlain = data.Text
			}
		}
	}
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	serverID, err := s.Store.InsertItem(ctx, userID, collectionID, item)
	resp.ServerID = serverID
	resp.Status = cmdStatus(err)
	return resp
}

// applyFetch loads an item in full for the Responses section.
func (s *Server) applyFetch(ctx context.Context, userID int64, collectionID string, cmd *wbxml.Node) eas.CmdResponse {
	resp := eas.CmdResponse{
		Cmd:      "Fetch",
		ServerID: cmd.ChildText(wbxml.ASServerID),
	}
	if resp.ServerID == "" {
		resp.Status = eas.SyncStatusBadRequest
		return resp
	}
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	item, err := s.Store.Item(ctx, userID, collectionID, resp.ServerID)
	resp.Status = cmdStatus(err)
	resp.Item = item
	return resp
}
