package easserver

import (
	"strconv"

	"spilled.ink/eas"
	"spilled.ink/wbxml"
)

const defaultPolicyType = "MS-EAS-Provisioning-WBXML"

// handleProvision runs one leg of the two-phase policy handshake:
// a request without a policy key gets a temporary key and the
// (empty) policy document; a request echoing the temporary key
// gets the final key.
func (s *Server) handleProvision(req *request) (*wbxml.Node, error) {
	if req.body == nil || req.body.Tag != wbxml.Provision {
		return nil, badRequest("easserver: Provision: missing or bad body")
	}

	// 14.1 clients report device details inside Provision.
	if di := req.body.Child(wbxml.SettingsDeviceInformation); di != nil {
		if set := di.Child(wbxml.SettingsSet); set != nil {
			ctx, cancel := s.storeCtx(req.httpReq.Context())
			err := s.Devices.SetDeviceInfo(ctx, req.user.ID, req.dev.DeviceID, deviceInfo(set, req.httpReq.Header.Get("User-Agent")))
			cancel()
			if err != nil {
				return nil, err
			}
		}
	}

	policy := req.body.Child(wbxml.ProvPolicies)
	if policy != nil {
		policy = policy.Child(wbxml.ProvPolicy)
	}
	if policy == nil {
		return nil, badRequest("easserver: Provision: no policy")
	}
	policyType := policy.ChildText(wbxml.ProvPolicyType)
	if policyType == "" {
		policyType = defaultPolicyType
	}

	clientKey, _ := strconv.ParseUint(policy.ChildText(wbxml.ProvPolicyKey), 10, 32)

	version := negotiateVersion(req.httpReq.Header.Get("MS-ASProtocolVersion"))

	if clientKey == 0 {
		ctx, cancel := s.storeCtx(req.httpReq.Context())
		tempKey, err := s.Devices.StartProvision(ctx, req.user.ID, req.dev.DeviceID,
			version, req.httpReq.Header.Get("User-Agent"))
		cancel()
		if err != nil {
			return nil, err
		}
		req.dev.PolicyKey = tempKey // for the X-MS-PolicyKey header
		req.log.EASStatus = eas.ProvisionStatusOK
		return wbxml.Elem(wbxml.Provision,
			wbxml.Int(wbxml.ProvStatus, eas.ProvisionStatusOK),
			wbxml.Elem(wbxml.ProvPolicies,
				wbxml.Elem(wbxml.ProvPolicy,
					wbxml.Text(wbxml.ProvPolicyType, policyType),
					wbxml.Int(wbxml.ProvStatus, eas.PolicyStatusOK),
					wbxml.Text(wbxml.ProvPolicyKey, strconv.FormatUint(uint64(tempKey), 10)),
					// This server imposes no restrictions; the
					// document is present but empty.
					wbxml.Elem(wbxml.ProvData,
						wbxml.Elem(wbxml.ProvEASProvisionDoc))))), nil
	}

	ctx, cancel := s.storeCtx(req.httpReq.Context())
	finalKey, err := s.Devices.AckProvision(ctx, req.user.ID, req.dev.DeviceID, uint32(clientKey))
	cancel()
	if err == eas.ErrConflict {
		req.log.EASStatus = eas.PolicyStatusWrongKey
		return wbxml.Elem(wbxml.Provision,
			wbxml.Int(wbxml.ProvStatus, eas.ProvisionStatusOK),
			wbxml.Elem(wbxml.ProvPolicies,
				wbxml.Elem(wbxml.ProvPolicy,
					wbxml.Text(wbxml.ProvPolicyType, policyType),
					wbxml.Int(wbxml.ProvStatus, eas.PolicyStatusWrongKey)))), nil
	}
	if err != nil {
		return nil, err
	}
	req.dev.PolicyKey = finalKey // for the X-MS-PolicyKey header
	req.log.EASStatus = eas.ProvisionStatusOK
	return wbxml.Elem(wbxml.Provision,
		wbxml.Int(wbxml.ProvStatus, eas.ProvisionStatusOK),
		wbxml.Elem(wbxml.ProvPolicies,
			wbxml.Elem(wbxml.ProvPolicy,
				wbxml.Text(wbxml.ProvPolicyType, policyType),
				wbxml.Int(wbxml.ProvStatus, eas.PolicyStatusOK),
				wbxml.Text(wbxml.ProvPolicyKey, strconv.FormatUint(uint64(finalKey), 10))))), nil
}

// negotiateVersion picks the protocol version to record for the
// device: the client's MS-ASProtocolVersion when we speak it.
func negotiateVersion(requested string) string {
	switch requested {
	case "2.5", "12.0", "12.1", "14.0", "14.1":
		return requested
	}
	return serverVersion
}
