package easdb

import (
	"context"
	"fmt"
	"io"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"spilled.ink/eas"
	"spilled.ink/email"
	"spilled.ink/third_party/imf"
)

const itemColumns = `Msgs.MsgID, Subject, FromAddr, ToAddrs, CcAddrs,
	ReplyToAddrs, DateReceived, Read, Importance, ConvoID,
	PlainText, HTML, MsgRaw.Content AS Raw`

// ListItems returns one page of a collection, newest first, along
// with the total number of items in the collection.
func (s *Store) ListItems(ctx context.Context, userID int64, collectionID string, cursor, limit int) (items []eas.Item, total int, err error) {
	conn := s.DB.Get(ctx)
	if conn == nil {
		return nil, 0, context.Canceled
	}
	defer s.DB.Put(conn)

	stmt := conn.Prep(`SELECT count(*) FROM Msgs
		WHERE UserID = $userID AND CollectionID = $collectionID;`)
	stmt.SetInt64("$userID", userID)
	stmt.SetText("$collectionID", collectionID)
	total, err = sqlitex.ResultInt(stmt)
	if err != nil {
		return nil, 0, fmt.Errorf("easdb.ListItems: %v", err)
	}
	if limit <= 0 {
		return nil, total, nil
	}

	stmt = conn.Prep(`SELECT ` + itemColumns + `
		FROM Msgs
		INNER JOIN MsgRaw ON MsgRaw.MsgID = Msgs.MsgID
		WHERE UserID = $userID AND CollectionID = $collectionID
		ORDER BY DateReceived DESC, Msgs.MsgID DESC
		LIMIT $limit OFFSET $cursor;`)
	stmt.SetInt64("$userID", userID)
	stmt.SetText("$collectionID", collectionID)
	stmt.SetInt64("$limit", int64(limit))
	stmt.SetInt64("$cursor", int64(cursor))
	for {
		if hasNext, err := stmt.Step(); err != nil {
			return nil, 0, fmt.Errorf("easdb.ListItems: %v", err)
		} else if !hasNext {
			break
		}
		item, err := scanItem(stmt, collectionID)
		if err != nil {
			stmt.Reset()
			return nil, 0, fmt.Errorf("easdb.ListItems: %v", err)
		}
		items = append(items, item)
	}
	return items, total, nil
}

// Item loads a single item with its raw MIME.
func (s *Store) Item(ctx context.Context, userID int64, collectionID, serverID string) (*eas.Item, error) {
	conn := s.DB.Get(ctx)
	if conn == nil {
		return nil, context.Canceled
	}
	defer s.DB.Put(conn)

	_, msgID, err := eas.ParseServerID(serverID)
	if err != nil {
		return nil, eas.ErrNotFound
	}
	stmt := conn.Prep(`SELECT ` + itemColumns + `
		FROM Msgs
		INNER JOIN MsgRaw ON MsgRaw.MsgID = Msgs.MsgID
		WHERE Msgs.MsgID = $msgID AND UserID = $userID
			AND CollectionID = $collectionID;`)
	stmt.SetInt64("$msgID", msgID)
	stmt.SetInt64("$userID", userID)
	stmt.SetText("$collectionID", collectionID)
	if hasNext, err := stmt.Step(); err != nil {
		return nil, fmt.Errorf("easdb.Item: %v", err)
	} else if !hasNext {
		return nil, eas.ErrNotFound
	}
	item, err := scanItem(stmt, collectionID)
	stmt.Reset()
	if err != nil {
		return nil, fmt.Errorf("easdb.Item: %v", err)
	}
	return &item, nil
}

// InsertItem adds an item and its raw MIME to a collection.
func (s *Store) InsertItem(ctx context.Context, userID int64, collectionID string, item *eas.Item) (serverID string, err error) {
	conn := s.DB.Get(ctx)
	if conn == nil {
		return "", context.Canceled
	}
	defer s.DB.Put(conn)

	msgID, err := insertMsg(conn, userID, collectionID, item)
	if err != nil {
		return "", fmt.Errorf("easdb.InsertItem: %v", err)
	}
	return eas.FormatServerID(collectionID, msgID), nil
}

func insertMsg(conn *sqlite.Conn, userID int64, collectionID string, item *eas.Item) (msgID int64, err error) {
	defer sqlitex.Save(conn)(&err)

	stmt := conn.Prep(`INSERT INTO Msgs (
			UserID, CollectionID, Subject, FromAddr, ToAddrs,
			CcAddrs, ReplyToAddrs, DateReceived, Read, Importance,
			ConvoID, PlainText, HTML
		) VALUES (
			$userID, $collectionID, $subject, $fromAddr, $toAddrs,
			$ccAddrs, $replyToAddrs, $dateReceived, $read, $importance,
			$convoID, $plainText, $html
		);`)
	stmt.SetInt64("$userID", userID)
	stmt.SetText("$collectionID", collectionID)
	stmt.SetText("$subject", item.Subject)
	if item.From.Addr == "" {
		stmt.SetText("$fromAddr", "")
	} else {
		stmt.SetText("$fromAddr", imf.FormatAddress(&item.From))
	}
	stmt.SetText("$toAddrs", imf.FormatAddressList(item.To))
	stmt.SetText("$ccAddrs", imf.FormatAddressList(item.Cc))
	stmt.SetText("$replyToAddrs", imf.FormatAddressList(item.ReplyTo))
	stmt.SetInt64("$dateReceived", item.DateReceived.Unix())
	stmt.SetBool("$read", item.Read)
	stmt.SetInt64("$importance", int64(item.Importance))
	stmt.SetBytes("$convoID", item.ConversationID)
	stmt.SetText("$plainText", item.BodyPlain)
	stmt.SetText("$html", item.BodyHTML)
	if _, err := stmt.Step(); err != nil {
		return 0, err
	}
	msgID = conn.LastInsertRowID()

	stmt = conn.Prep(`INSERT INTO MsgRaw (MsgID, Content) VALUES ($msgID, $content);`)
	stmt.SetInt64("$msgID", msgID)
	stmt.SetZeroBlob("$content", int64(len(item.MIME)))
	if _, err := stmt.Step(); err != nil {
		return 0, err
	}
	blob, err := conn.OpenBlob("", "MsgRaw", "Content", msgID, true)
	if err != nil {
		return 0, err
	}
	_, err = blob.Write(item.MIME)
	if err2 := blob.Close(); err == nil {
		err = err2
	}
	if err != nil {
		return 0, err
	}
	return msgID, nil
}

// SetRead updates the read flag of an item.
func (s *Store) SetRead(ctx context.Context, userID int64, serverID string, read bool) error {
	conn := s.DB.Get(ctx)
	if conn == nil {
		return context.Canceled
	}
	defer s.DB.Put(conn)

	_, msgID, err := eas.ParseServerID(serverID)
	if err != nil {
		return eas.ErrNotFound
	}
	stmt := conn.Prep(`UPDATE Msgs SET Read = $read
		WHERE MsgID = $msgID AND UserID = $userID;`)
	stmt.SetBool("$read", read)
	stmt.SetInt64("$msgID", msgID)
	stmt.SetInt64("$userID", userID)
	if _, err := stmt.Step(); err != nil {
		return fmt.Errorf("easdb.SetRead: %v", err)
	}
	if conn.Changes() == 0 {
		return eas.ErrNotFound
	}
	return nil
}

// MoveItem moves an item to another collection and returns its new
// server ID.
func (s *Store) MoveItem(ctx context.Context, userID int64, serverID, toCollectionID string) (string, error) {
	conn := s.DB.Get(ctx)
	if conn == nil {
		return "", context.Canceled
	}
	defer s.DB.Put(conn)

	_, msgID, err := eas.ParseServerID(serverID)
	if err != nil {
		return "", eas.ErrNotFound
	}
	stmt := conn.Prep(`UPDATE Msgs SET CollectionID = $collectionID
		WHERE MsgID = $msgID AND UserID = $userID;`)
	stmt.SetText("$collectionID", toCollectionID)
	stmt.SetInt64("$msgID", msgID)
	stmt.SetInt64("$userID", userID)
	if _, err := stmt.Step(); err != nil {
		return "", fmt.Errorf("easdb.MoveItem: %v", err)
	}
	if conn.Changes() == 0 {
		return "", eas.ErrNotFound
	}
	return eas.FormatServerID(toCollectionID, msgID), nil
}

// DeleteItem removes an item and its raw MIME.
func (s *Store) DeleteItem(ctx context.Context, userID int64, serverID string) (err error) {
	conn := s.DB.Get(ctx)
	if conn == nil {
		return context.Canceled
	}
	defer s.DB.Put(conn)

	_, msgID, err := eas.ParseServerID(serverID)
	if err != nil {
		return eas.ErrNotFound
	}
	defer sqlitex.Save(conn)(&err)

	stmt := conn.Prep(`DELETE FROM Msgs WHERE MsgID = $msgID AND UserID = $userID;`)
	stmt.SetInt64("$msgID", msgID)
	stmt.SetInt64("$userID", userID)
	if _, err := stmt.Step(); err != nil {
		return fmt.Errorf("easdb.DeleteItem: %v", err)
	}
	if conn.Changes() == 0 {
		return eas.ErrNotFound
	}
	stmt = conn.Prep(`DELETE FROM MsgRaw WHERE MsgID = $msgID;`)
	stmt.SetInt64("$msgID", msgID)
	if _, err := stmt.Step(); err != nil {
		return fmt.Errorf("easdb.DeleteItem: %v", err)
	}
	return nil
}

func scanItem(stmt *sqlite.Stmt, collectionID string) (eas.Item, error) {
	item := eas.Item{
		ServerID:     eas.FormatServerID(collectionID, stmt.GetInt64("MsgID")),
		Subject:      stmt.GetText("Subject"),
		DateReceived: time.Unix(stmt.GetInt64("DateReceived"), 0),
		Read:         stmt.GetInt64("Read") != 0,
		Importance:   int(stmt.GetInt64("Importance")),
		BodyPlain:    stmt.GetText("PlainText"),
		BodyHTML:     stmt.GetText("HTML"),
	}
	if from := stmt.GetText("FromAddr"); from != "" {
		if addr, err := imf.ParseAddress(from); err == nil {
			item.From = *addr
		}
	}
	item.To = parseAddrs(stmt.GetText("ToAddrs"))
	item.Cc = parseAddrs(stmt.GetText("CcAddrs"))
	item.ReplyTo = parseAddrs(stmt.GetText("ReplyToAddrs"))
	if convoID, err := io.ReadAll(stmt.GetReader("ConvoID")); err == nil && len(convoID) > 0 {
		item.ConversationID = convoID
	}
	raw, err := io.ReadAll(stmt.GetReader("Raw"))
	if err != nil {
		return eas.Item{}, err
	}
	if len(raw) > 0 {
		item.MIME = raw
	}
	return item, nil
}

func parseAddrs(list string) []email.Address {
	if list == "" {
		return nil
	}
	ptrs, err := imf.ParseAddressList(list)
	if err != nil {
		return nil
	}
	addrs := make([]email.Address, 0, len(ptrs))
	for _, a := range ptrs {
		addrs = append(addrs, *a)
	}
	return addrs
}
