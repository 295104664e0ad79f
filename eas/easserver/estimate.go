package easserver

import (
	"spilled.ink/eas"
	"spilled.ink/eas/syncstate"
	"spilled.ink/wbxml"
)

// handleGetItemEstimate reports how many items a Sync round would
// still have to deliver per collection, derived from the ledger
// cursor and the store count.
func (s *Server) handleGetItemEstimate(req *request) (*wbxml.Node, error) {
	if req.body == nil || req.body.Tag != wbxml.GetItemEstimate {
		return nil, badRequest("easserver: GetItemEstimate: missing or bad body")
	}
	collections := req.body.Child(wbxml.GIECollections)
	if collections == nil || len(collections.Children) == 0 {
		return nil, badRequest("easserver: GetItemEstimate: no collections")
	}

	out := wbxml.Elem(wbxml.GetItemEstimate)
	collections.Each(wbxml.GIECollection, func(col *wbxml.Node) {
		out.Append(s.estimateCollection(req, col))
	})
	return out, nil
}

func (s *Server) estimateCollection(req *request, col *wbxml.Node) *wbxml.Node {
	collectionID := col.ChildText(wbxml.GIECollectionID)
	// 12.x clients put the sync key on the AirSync page, 14.x on
	// the GetItemEstimate page via Options; accept both spots.
	keyStr := col.ChildText(wbxml.ASSyncKey)
	if keyStr == "" {
		if options := col.Child(wbxml.GIEOptions); options != nil {
			keyStr = options.ChildText(wbxml.ASSyncKey)
		}
	}

	fail := func(status int) *wbxml.Node {
		req.log.EASStatus = status
		return wbxml.Elem(wbxml.GIEResponse,
			wbxml.Int(wbxml.GIEStatus, status),
			wbxml.Elem(wbxml.GIECollection,
				wbxml.Text(wbxml.GIECollectionID, collectionID)))
	}

	if _, known := eas.FolderByID(collectionID); collectionID == "" || !known {
		return fail(eas.EstimateStatusUnknownCollection)
	}
	clientKey, err := eas.ParseSyncKey(keyStr)
	if err != nil {
		return fail(eas.EstimateStatusBadSyncKey)
	}

	key := syncstate.Key{
		UserID:       req.user.ID,
		DeviceID:     req.dev.DeviceID,
		CollectionID: collectionID,
	}
	info, err := s.States.Peek(req.httpReq.Context(), key)
	if err != nil {
		s.logf("easserver: GetItemEstimate user=%d device=%s collection=%s: %v",
			req.user.ID, req.dev.DeviceID, collectionID, err)
		return fail(eas.EstimateStatusUnknownCollection)
	}
	if info.NextKey == 0 {
		// Never primed by this device.
		return fail(eas.EstimateStatusNoSyncState)
	}
	if clientKey != info.CurrentKey && clientKey != info.NextKey {
		return fail(eas.EstimateStatusBadSyncKey)
	}

	ctx, cancel := s.storeCtx(req.httpReq.Context())
	_, total, err := s.Store.ListItems(ctx, req.user.ID, collectionID, 0, 0)
	cancel()
	if err != nil {
		return fail(eas.EstimateStatusUnknownCollection)
	}
	estimate := total - info.Cursor
	if estimate < 0 {
		estimate = 0
	}
	req.log.EASStatus = eas.EstimateStatusOK
	return wbxml.Elem(wbxml.GIEResponse,
		wbxml.Int(wbxml.GIEStatus, eas.EstimateStatusOK),
		wbxml.Elem(wbxml.GIECollection,
			wbxml.Text(wbxml.GIECollectionID, collectionID),
			wbxml.Int(wbxml.GIEEstimate, estimate)))
}
