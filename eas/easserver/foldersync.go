package easserver

import (
	"spilled.ink/eas"
	"spilled.ink/wbxml"
)

// folderSyncKey is the one folder hierarchy key this server ever
// issues. The hierarchy is fixed, so the key never moves past 1.
const folderSyncKey = "1"

// handleFolderSync serves the folder hierarchy. Key "0" gets the
// full tree, the current key gets an empty change set, and
// anything else is an invalid-key status telling the client to
// start over.
func (s *Server) handleFolderSync(req *request) (*wbxml.Node, error) {
	if req.body == nil || req.body.Tag != wbxml.FolderSync {
		return nil, badRequest("easserver: FolderSync: missing or bad body")
	}
	clientKey := req.body.ChildText(wbxml.FHSyncKey)

	switch clientKey {
	case "0":
		changes := wbxml.Elem(wbxml.FHChanges,
			wbxml.Int(wbxml.FHCount, len(eas.DefaultFolders)))
		for _, f := range eas.DefaultFolders {
			changes.Append(wbxml.Elem(wbxml.FHAdd,
				wbxml.Text(wbxml.FHServerID, f.ServerID),
				wbxml.Text(wbxml.FHParentID, f.ParentID),
				wbxml.Text(wbxml.FHDisplayName, f.DisplayName),
				wbxml.Int(wbxml.FHType, int(f.Type))))
		}
		req.log.EASStatus = eas.FolderStatusOK
		return wbxml.Elem(wbxml.FolderSync,
			wbxml.Int(wbxml.FHStatus, eas.FolderStatusOK),
			wbxml.Text(wbxml.FHSyncKey, folderSyncKey),
			changes), nil
	case folderSyncKey:
		req.log.EASStatus = eas.FolderStatusOK
		return wbxml.Elem(wbxml.FolderSync,
			wbxml.Int(wbxml.FHStatus, eas.FolderStatusOK),
			wbxml.Text(wbxml.FHSyncKey, folderSyncKey),
			wbxml.Elem(wbxml.FHChanges,
				wbxml.Int(wbxml.FHCount, 0))), nil
	default:
		req.log.EASStatus = eas.FolderStatusBadSyncKey
		return wbxml.Elem(wbxml.FolderSync,
			wbxml.Int(wbxml.FHStatus, eas.FolderStatusBadSyncKey),
			wbxml.Text(wbxml.FHSyncKey, "0")), nil
	}
}
