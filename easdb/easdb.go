// Package easdb implements the ActiveSync mailbox store on SQLite.
//
// A single database file holds users, device partnerships, messages
// with their raw MIME, and the opaque per-collection sync ledger.
// The Store type satisfies the eas.Store, eas.StateStore and
// eas.DeviceStore interfaces consumed by the server.
package easdb

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"crawshaw.io/iox"
	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"golang.org/x/crypto/bcrypt"
	"spilled.ink/eas"
	"spilled.ink/third_party/imf"
)

var ErrUserUnavailable = &UserError{UserMsg: "Username unavailable."}

// Open initializes the database file and returns a connection pool.
func Open(dbfile string) (*sqlitex.Pool, error) {
	conn, err := sqlite.OpenConn(dbfile, 0)
	if err != nil {
		return nil, fmt.Errorf("easdb.Open: init open: %v", err)
	}
	if err := Init(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("easdb.Open: init: %v", err)
	}
	if err := conn.Close(); err != nil {
		return nil, fmt.Errorf("easdb.Open: init close: %v", err)
	}
	pool, err := sqlitex.Open(dbfile, 0, 24)
	if err != nil {
		return nil, fmt.Errorf("easdb.Open: pool: %v", err)
	}
	return pool, nil
}

func Init(conn *sqlite.Conn) (err error) {
	if err := sqlitex.ExecTransient(conn, "PRAGMA journal_mode=WAL;", nil); err != nil {
		return err
	}
	if err := sqlitex.ExecTransient(conn, "PRAGMA cache_size = -50000;", nil); err != nil {
		return err
	}
	if err := sqlitex.ExecScript(conn, createSQL); err != nil {
		return err
	}
	return nil
}

// Store provides the eas store interfaces over a connection pool.
type Store struct {
	DB *sqlitex.Pool
}

var (
	_ eas.Store       = (*Store)(nil)
	_ eas.StateStore  = (*Store)(nil)
	_ eas.DeviceStore = (*Store)(nil)
)

// User looks up an account by login name.
func (s *Store) User(ctx context.Context, login string) (*eas.User, error) {
	conn := s.DB.Get(ctx)
	if conn == nil {
		return nil, context.Canceled
	}
	defer s.DB.Put(conn)

	stmt := conn.Prep(`SELECT UserID, Address, FullName FROM Users
		WHERE Login = $login AND NOT Locked;`)
	stmt.SetText("$login", strings.ToLower(login))
	if hasNext, err := stmt.Step(); err != nil {
		return nil, fmt.Errorf("easdb.User: %v", err)
	} else if !hasNext {
		return nil, eas.ErrNotFound
	}
	u := &eas.User{
		ID:      stmt.GetInt64("UserID"),
		Login:   strings.ToLower(login),
		Address: stmt.GetText("Address"),
		Name:    stmt.GetText("FullName"),
	}
	stmt.Reset()
	return u, nil
}

// LoadMsg spools the raw MIME of a message into a buffer file.
func LoadMsg(conn *sqlite.Conn, filer *iox.Filer, msgID int64) (*iox.BufferFile, error) {
	msg := filer.BufferFile(0)
	blob, err := conn.OpenBlob("", "MsgRaw", "Content", msgID, false)
	if err != nil {
		msg.Close()
		return nil, err
	}
	_, err = io.Copy(msg, blob)
	blob.Close()
	if err != nil {
		msg.Close()
		return nil, err
	}
	if _, err := msg.Seek(0, 0); err != nil {
		msg.Close()
		return nil, err
	}
	return msg, nil
}

type UserDetails struct {
	Login    string
	Address  string // primary mail address; defaults to Login
	FullName string
	Password string
}

func (details *UserDetails) Validate() error {
	if details.Login == "" {
		return &UserError{UserMsg: "missing login"}
	}
	if len(details.FullName) > 150 {
		return &UserError{UserMsg: "full name too long"}
	}
	if len(details.Password) < 8 {
		return &UserError{UserMsg: "password less than 8 characters"}
	}
	if _, err := imf.ParseAddress(details.Address); err != nil {
		return &UserError{UserMsg: err.Error()}
	}
	return nil
}

func AddUser(conn *sqlite.Conn, details UserDetails) (userID int64, err error) {
	if details.Address == "" {
		details.Address = details.Login
	}
	if err := details.Validate(); err != nil {
		return 0, err
	}
	passHash, err := bcrypt.GenerateFromPassword([]byte(details.Password), bcrypt.DefaultCost)
	if err != nil {
		return 0, err
	}

	stmt := conn.Prep(`INSERT INTO Users (
			UserID, Login, Address, PassHash, FullName, Locked
		) VALUES (
			$userID, $login, $address, $passHash, $fullName, FALSE
		);`)
	stmt.SetText("$login", strings.ToLower(details.Login))
	stmt.SetText("$address", strings.ToLower(details.Address))
	stmt.SetBytes("$passHash", passHash)
	stmt.SetText("$fullName", details.FullName)
	userID, err = sqlitex.InsertRandID(stmt, "$userID", 1, 1<<23)
	if err != nil {
		if sqlite.ErrCode(err) == sqlite.SQLITE_CONSTRAINT_UNIQUE {
			return 0, ErrUserUnavailable
		}
		return 0, err
	}
	return userID, nil
}

// UserError is a user-input error that has a friendly message
// that should be displayed to the user in typical circumstances
// (say, by the easadm CLI).
type UserError struct {
	UserMsg string
	Err     error
}

func (e *UserError) Error() string {
	if e.Err == nil {
		return e.UserMsg
	}
	return fmt.Sprintf("UserError: %s: %v", e.UserMsg, e.Err)
}

type Log struct {
	Where    string
	What     string
	When     time.Time
	Duration time.Duration
	Err      error
	Data     map[string]interface{}
}

func (l Log) String() string {
	buf := new(strings.Builder)
	fmt.Fprintf(buf, `{"where": %q, "what": %q, `, l.Where, l.What)

	buf.WriteString(`"when": "`)
	buf.Write(l.When.AppendFormat(make([]byte, 0, 64), time.RFC3339Nano))
	buf.WriteString(`"`)

	fmt.Fprintf(buf, `, "duration": "%s"`, l.Duration)

	if l.Err != nil {
		fmt.Fprintf(buf, `, "err": %q`, l.Err.Error())
	}
	if len(l.Data) > 0 {
		b, err := json.Marshal(l.Data)
		if err != nil {
			fmt.Fprintf(buf, `, "data_marshal_err": %q`, err.Error())
		} else {
			fmt.Fprintf(buf, `, "data": %s`, b)
		}
	}
	buf.WriteByte('}')
	return buf.String()
}
