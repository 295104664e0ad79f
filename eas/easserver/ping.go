package easserver

import (
	"strconv"
	"time"

	"spilled.ink/eas"
	"spilled.ink/wbxml"
)

// Heartbeat bounds: 1 to 59 minutes.
const (
	minHeartbeat = 60 * time.Second
	maxHeartbeat = 3540 * time.Second
)

type pingKey struct {
	userID   int64
	deviceID string
}

// pingParams is a device's last Ping request. Clients send an
// empty Ping body to mean "same as last time".
type pingParams struct {
	heartbeat   time.Duration
	collections []string
}

func (s *Server) maxPingFolders() int {
	if s.MaxPingFolders > 0 {
		return s.MaxPingFolders
	}
	return defaultMaxFolders
}

func (s *Server) heartbeatBounds() (min, max time.Duration) {
	min, max = minHeartbeat, maxHeartbeat
	if s.MinHeartbeat > 0 {
		min = s.MinHeartbeat
	}
	if s.MaxHeartbeat > 0 {
		max = s.MaxHeartbeat
	}
	return min, max
}

// handlePing parks the request until a watched collection changes,
// the heartbeat expires, or the client goes away.
func (s *Server) handlePing(req *request) (*wbxml.Node, error) {
	params, errNode := s.pingRequest(req)
	if errNode != nil {
		return errNode, nil
	}

	// Remember the parameters for the next bodyless Ping.
	key := pingKey{req.user.ID, req.dev.DeviceID}
	s.pingMu.Lock()
	s.pingParams[key] = params
	s.pingMu.Unlock()

	sub := s.Bus.Subscribe(req.user.ID, params.collections)
	defer sub.Close()

	timer := time.NewTimer(params.heartbeat)
	defer timer.Stop()

	status := func(code int) *wbxml.Node {
		req.log.EASStatus = code
		return wbxml.Elem(wbxml.Ping, wbxml.Int(wbxml.PingStatus, code))
	}

	select {
	case <-sub.C:
		folders := wbxml.Elem(wbxml.PingFolders)
		for _, id := range sub.Changed() {
			folders.Append(wbxml.Text(wbxml.PingFolder, id))
		}
		req.log.EASStatus = eas.PingStatusChanges
		return wbxml.Elem(wbxml.Ping,
			wbxml.Int(wbxml.PingStatus, eas.PingStatusChanges),
			folders), nil
	case <-timer.C:
		return status(eas.PingStatusExpired), nil
	case <-req.httpReq.Context().Done():
		return nil, errClientGone
	case <-s.done:
		// Shutting down; tell the client to come right back.
		return status(eas.PingStatusExpired), nil
	}
}

// pingRequest parses the Ping body, falling back to the device's
// cached parameters for an empty one. A non-nil second return is a
// complete error response.
func (s *Server) pingRequest(req *request) (pingParams, *wbxml.Node) {
	fail := func(code int, extra ...*wbxml.Node) (pingParams, *wbxml.Node) {
		req.log.EASStatus = code
		n := wbxml.Elem(wbxml.Ping, wbxml.Int(wbxml.PingStatus, code))
		return pingParams{}, n.Append(extra...)
	}

	if req.body == nil {
		key := pingKey{req.user.ID, req.dev.DeviceID}
		s.pingMu.Lock()
		params, found := s.pingParams[key]
		s.pingMu.Unlock()
		if !found {
			return fail(eas.PingStatusMissingParams)
		}
		return params, nil
	}
	if req.body.Tag != wbxml.Ping {
		return fail(eas.PingStatusBadRequest)
	}

	min, max := s.heartbeatBounds()
	var params pingParams
	if hb := req.body.ChildText(wbxml.PingHeartbeatInterval); hb != "" {
		secs, err := strconv.Atoi(hb)
		if err != nil {
			// Echo the nearest acceptable value.
			return fail(eas.PingStatusBadHeartbeat,
				wbxml.Int(wbxml.PingHeartbeatInterval, int(min/time.Second)))
		}
		params.heartbeat = time.Duration(secs) * time.Second
	}
	switch {
	case params.heartbeat == 0:
		params.heartbeat = max
	case params.heartbeat < min:
		params.heartbeat = min
	case params.heartbeat > max:
		params.heartbeat = max
	}

	folders := req.body.Child(wbxml.PingFolders)
	if folders == nil || len(folders.Children) == 0 {
		return fail(eas.PingStatusMissingParams)
	}
	if len(folders.Children) > s.maxPingFolders() {
		return fail(eas.PingStatusTooManyFolders,
			wbxml.Int(wbxml.PingMaxFolders, s.maxPingFolders()))
	}
	unknown := false
	folders.Each(wbxml.PingFolder, func(f *wbxml.Node) {
		id := f.ChildText(wbxml.PingID)
		if _, known := eas.FolderByID(id); !known {
			unknown = true
			return
		}
		params.collections = append(params.collections, id)
	})
	if unknown {
		// A collection we never announced: the client's idea of
		// the hierarchy is stale.
		return fail(eas.PingStatusFolderSyncNeeded)
	}
	if len(params.collections) == 0 {
		return fail(eas.PingStatusMissingParams)
	}
	return params, nil
}
