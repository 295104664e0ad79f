package easdb

import (
	"context"
	"fmt"
	"io"
	"time"
)

// State returns the stored sync ledger blob, or (nil, nil) when the
// collection has never been synced by this device.
func (s *Store) State(ctx context.Context, userID int64, deviceID, collectionID string) ([]byte, error) {
	conn := s.DB.Get(ctx)
	if conn == nil {
		return nil, context.Canceled
	}
	defer s.DB.Put(conn)

	stmt := conn.Prep(`SELECT State FROM SyncStates
		WHERE UserID = $userID AND DeviceID = $deviceID
			AND CollectionID = $collectionID;`)
	stmt.SetInt64("$userID", userID)
	stmt.SetText("$deviceID", deviceID)
	stmt.SetText("$collectionID", collectionID)
	if hasNext, err := stmt.Step(); err != nil {
		return nil, fmt.Errorf("easdb.State: %v", err)
	} else if !hasNext {
		return nil, nil
	}
	state, err := io.ReadAll(stmt.GetReader("State"))
	stmt.Reset()
	if err != nil {
		return nil, fmt.Errorf("easdb.State: %v", err)
	}
	return state, nil
}

// SetState stores the sync ledger blob for one collection.
func (s *Store) SetState(ctx context.Context, userID int64, deviceID, collectionID string, state []byte) error {
	conn := s.DB.Get(ctx)
	if conn == nil {
		return context.Canceled
	}
	defer s.DB.Put(conn)

	stmt := conn.Prep(`INSERT INTO SyncStates (
			UserID, DeviceID, CollectionID, State, Updated
		) VALUES (
			$userID, $deviceID, $collectionID, $state, $updated
		) ON CONFLICT (UserID, DeviceID, CollectionID)
		DO UPDATE SET State=$state, Updated=$updated;`)
	stmt.SetInt64("$userID", userID)
	stmt.SetText("$deviceID", deviceID)
	stmt.SetText("$collectionID", collectionID)
	stmt.SetBytes("$state", state)
	stmt.SetInt64("$updated", time.Now().Unix())
	if _, err := stmt.Step(); err != nil {
		return fmt.Errorf("easdb.SetState: %v", err)
	}
	return nil
}
