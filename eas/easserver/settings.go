package easserver

import (
	"spilled.ink/eas/devreg"
	"spilled.ink/wbxml"
)

// Settings document status codes. Only success and protocol error
// come up here.
const (
	settingsStatusOK       = 1
	settingsStatusProtocol = 2
)

// handleSettings answers UserInformation Get with the account's
// SMTP address and persists DeviceInformation Set on the device
// record. Settings is exempt from the provisioning gate so fresh
// devices can introduce themselves.
func (s *Server) handleSettings(req *request) (*wbxml.Node, error) {
	if req.body == nil || req.body.Tag != wbxml.Settings {
		return nil, badRequest("easserver: Settings: missing or bad body")
	}

	out := wbxml.Elem(wbxml.Settings,
		wbxml.Int(wbxml.SettingsStatus, settingsStatusOK))

	if di := req.body.Child(wbxml.SettingsDeviceInformation); di != nil {
		status := settingsStatusOK
		if set := di.Child(wbxml.SettingsSet); set != nil {
			ctx, cancel := s.storeCtx(req.httpReq.Context())
			err := s.Devices.SetDeviceInfo(ctx, req.user.ID, req.dev.DeviceID,
				deviceInfo(set, req.httpReq.Header.Get("User-Agent")))
			cancel()
			if err != nil {
				return nil, err
			}
		} else {
			status = settingsStatusProtocol
		}
		out.Append(wbxml.Elem(wbxml.SettingsDeviceInformation,
			wbxml.Int(wbxml.SettingsStatus, status)))
	}

	if ui := req.body.Child(wbxml.SettingsUserInformation); ui != nil {
		status := settingsStatusOK
		if ui.Child(wbxml.SettingsGet) == nil {
			status = settingsStatusProtocol
		}
		n := wbxml.Elem(wbxml.SettingsUserInformation,
			wbxml.Int(wbxml.SettingsStatus, status))
		if status == settingsStatusOK {
			n.Append(wbxml.Elem(wbxml.SettingsGet,
				wbxml.Elem(wbxml.SettingsEmailAddresses,
					wbxml.Text(wbxml.SettingsSMTPAddress, req.user.Address))))
		}
		out.Append(n)
	}

	req.log.EASStatus = settingsStatusOK
	return out, nil
}

// deviceInfo reads a DeviceInformation Set element.
func deviceInfo(set *wbxml.Node, userAgent string) devreg.DeviceInfo {
	return devreg.DeviceInfo{
		Model:          set.ChildText(wbxml.SettingsModel),
		IMEI:           set.ChildText(wbxml.SettingsIMEI),
		FriendlyName:   set.ChildText(wbxml.SettingsFriendlyName),
		OS:             set.ChildText(wbxml.SettingsOS),
		OSLanguage:     set.ChildText(wbxml.SettingsOSLanguage),
		PhoneNumber:    set.ChildText(wbxml.SettingsPhoneNumber),
		UserAgent:      firstNonEmpty(set.ChildText(wbxml.SettingsUserAgent), userAgent),
		MobileOperator: set.ChildText(wbxml.SettingsMobileOperator),
	}
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
