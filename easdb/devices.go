package easdb

import (
	"context"
	"fmt"
	"time"

	"crawshaw.io/sqlite/sqlitex"
	"spilled.ink/eas"
)

// Device returns the partnership record for (userID, deviceID).
func (s *Store) Device(ctx context.Context, userID int64, deviceID string) (*eas.Device, error) {
	conn := s.DB.Get(ctx)
	if conn == nil {
		return nil, context.Canceled
	}
	defer s.DB.Put(conn)

	stmt := conn.Prep(`SELECT DeviceType, PolicyKey, Provision,
		ProtocolVersion, UserAgent, Model, IMEI, FriendlyName,
		OS, OSLanguage, PhoneNumber, MobileOperator,
		FirstSeen, LastSeen
		FROM Devices WHERE UserID = $userID AND DeviceID = $deviceID;`)
	stmt.SetInt64("$userID", userID)
	stmt.SetText("$deviceID", deviceID)
	if hasNext, err := stmt.Step(); err != nil {
		return nil, fmt.Errorf("easdb.Device: %v", err)
	} else if !hasNext {
		return nil, eas.ErrNotFound
	}
	d := &eas.Device{
		UserID:          userID,
		DeviceID:        deviceID,
		DeviceType:      stmt.GetText("DeviceType"),
		PolicyKey:       uint32(stmt.GetInt64("PolicyKey")),
		Provision:       eas.ProvisionState(stmt.GetInt64("Provision")),
		ProtocolVersion: stmt.GetText("ProtocolVersion"),
		UserAgent:       stmt.GetText("UserAgent"),
		Model:           stmt.GetText("Model"),
		IMEI:            stmt.GetText("IMEI"),
		FriendlyName:    stmt.GetText("FriendlyName"),
		OS:              stmt.GetText("OS"),
		OSLanguage:      stmt.GetText("OSLanguage"),
		PhoneNumber:     stmt.GetText("PhoneNumber"),
		MobileOperator:  stmt.GetText("MobileOperator"),
		FirstSeen:       time.Unix(stmt.GetInt64("FirstSeen"), 0),
		LastSeen:        time.Unix(stmt.GetInt64("LastSeen"), 0),
	}
	stmt.Reset()
	return d, nil
}

// PutDevice inserts or updates a partnership record. FirstSeen is
// kept from the existing row on update.
func (s *Store) PutDevice(ctx context.Context, d *eas.Device) error {
	conn := s.DB.Get(ctx)
	if conn == nil {
		return context.Canceled
	}
	defer s.DB.Put(conn)

	stmt := conn.Prep(`INSERT INTO Devices (
			UserID, DeviceID, DeviceType, PolicyKey, Provision,
			ProtocolVersion, UserAgent, Model, IMEI, FriendlyName,
			OS, OSLanguage, PhoneNumber, MobileOperator,
			FirstSeen, LastSeen
		) VALUES (
			$userID, $deviceID, $deviceType, $policyKey, $provision,
			$protocolVersion, $userAgent, $model, $imei, $friendlyName,
			$os, $osLanguage, $phoneNumber, $mobileOperator,
			$firstSeen, $lastSeen
		) ON CONFLICT (UserID, DeviceID) DO UPDATE SET
			DeviceType=$deviceType, PolicyKey=$policyKey,
			Provision=$provision, ProtocolVersion=$protocolVersion,
			UserAgent=$userAgent, Model=$model, IMEI=$imei,
			FriendlyName=$friendlyName, OS=$os, OSLanguage=$osLanguage,
			PhoneNumber=$phoneNumber, MobileOperator=$mobileOperator,
			LastSeen=$lastSeen;`)
	stmt.SetInt64("$userID", d.UserID)
	stmt.SetText("$deviceID", d.DeviceID)
	stmt.SetText("$deviceType", d.DeviceType)
	stmt.SetInt64("$policyKey", int64(d.PolicyKey))
	stmt.SetInt64("$provision", int64(d.Provision))
	stmt.SetText("$protocolVersion", d.ProtocolVersion)
	stmt.SetText("$userAgent", d.UserAgent)
	stmt.SetText("$model", d.Model)
	stmt.SetText("$imei", d.IMEI)
	stmt.SetText("$friendlyName", d.FriendlyName)
	stmt.SetText("$os", d.OS)
	stmt.SetText("$osLanguage", d.OSLanguage)
	stmt.SetText("$phoneNumber", d.PhoneNumber)
	stmt.SetText("$mobileOperator", d.MobileOperator)
	stmt.SetInt64("$firstSeen", d.FirstSeen.Unix())
	stmt.SetInt64("$lastSeen", d.LastSeen.Unix())
	if _, err := stmt.Step(); err != nil {
		return fmt.Errorf("easdb.PutDevice: %v", err)
	}
	return nil
}

// MaxPolicyKey reports the highest policy key ever stored, so the
// allocator stays monotonic across restarts.
func (s *Store) MaxPolicyKey(ctx context.Context) (uint32, error) {
	conn := s.DB.Get(ctx)
	if conn == nil {
		return 0, context.Canceled
	}
	defer s.DB.Put(conn)

	stmt := conn.Prep(`SELECT ifnull(max(PolicyKey), 0) AS MaxKey FROM Devices;`)
	v, err := sqlitex.ResultInt64(stmt)
	if err != nil {
		return 0, fmt.Errorf("easdb.MaxPolicyKey: %v", err)
	}
	return uint32(v), nil
}

// Devices lists the partnerships of one user, oldest first.
func (s *Store) Devices(ctx context.Context, userID int64) ([]eas.Device, error) {
	conn := s.DB.Get(ctx)
	if conn == nil {
		return nil, context.Canceled
	}
	defer s.DB.Put(conn)

	stmt := conn.Prep(`SELECT DeviceID, DeviceType, PolicyKey,
		Provision, ProtocolVersion, UserAgent, Model, FriendlyName,
		OS, FirstSeen, LastSeen
		FROM Devices WHERE UserID = $userID ORDER BY FirstSeen;`)
	stmt.SetInt64("$userID", userID)
	var devices []eas.Device
	for {
		if hasNext, err := stmt.Step(); err != nil {
			return nil, fmt.Errorf("easdb.Devices: %v", err)
		} else if !hasNext {
			break
		}
		devices = append(devices, eas.Device{
			UserID:          userID,
			DeviceID:        stmt.GetText("DeviceID"),
			DeviceType:      stmt.GetText("DeviceType"),
			PolicyKey:       uint32(stmt.GetInt64("PolicyKey")),
			Provision:       eas.ProvisionState(stmt.GetInt64("Provision")),
			ProtocolVersion: stmt.GetText("ProtocolVersion"),
			UserAgent:       stmt.GetText("UserAgent"),
			Model:           stmt.GetText("Model"),
			FriendlyName:    stmt.GetText("FriendlyName"),
			OS:              stmt.GetText("OS"),
			FirstSeen:       time.Unix(stmt.GetInt64("FirstSeen"), 0),
			LastSeen:        time.Unix(stmt.GetInt64("LastSeen"), 0),
		})
	}
	return devices, nil
}
