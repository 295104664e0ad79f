package easdb

import (
	"context"
	"errors"
	"strings"
	"time"

	"crawshaw.io/sqlite/sqlitex"
	"golang.org/x/crypto/bcrypt"
	"spilled.ink/eas"
	"spilled.ink/util/ratelimit"
)

type Authenticator struct {
	DB      *sqlitex.Pool
	Backoff ratelimit.Backoff
	Logf    func(format string, v ...interface{})
	Where   string
}

var errAuthFailed = errors.New("authenticator: internal error")
var ErrBadCredentials = errors.New("authenticator: bad credentials")

// AuthUser checks login credentials and returns the matching user.
// Repeated failures against a login or remote address are slowed
// down before the password hash is even consulted.
func (a *Authenticator) AuthUser(ctx context.Context, remoteAddr, login string, password []byte) (user *eas.User, err error) {
	conn := a.DB.Get(ctx)
	if conn == nil {
		return nil, context.Canceled
	}
	defer a.DB.Put(conn)

	start := time.Now()
	log := &Log{
		Where: a.Where,
		What:  "auth",
		When:  start,
		Data: map[string]interface{}{
			"remote_addr": remoteAddr,
			"login":       login,
		},
	}
	defer func() {
		log.Duration = time.Since(start)
		if a.Logf != nil {
			a.Logf("%s", log.String())
		}
	}()

	login = strings.ToLower(login)

	a.Backoff.Wait(remoteAddr)
	a.Backoff.Wait(login)
	defer func() {
		if err != nil {
			a.Backoff.Fail(remoteAddr)
			a.Backoff.Fail(login)
		} else {
			a.Backoff.Reset(login)
		}
	}()

	stmt := conn.Prep(`SELECT UserID, Address, FullName, PassHash, Locked
		FROM Users WHERE Login = $login;`)
	stmt.SetText("$login", login)
	if hasNext, err := stmt.Step(); err != nil {
		log.Err = err
		return nil, errAuthFailed
	} else if !hasNext {
		log.Err = errors.New("unknown login")
		return nil, ErrBadCredentials
	}
	passHash := []byte(stmt.GetText("PassHash"))
	locked := stmt.GetInt64("Locked") != 0
	user = &eas.User{
		ID:      stmt.GetInt64("UserID"),
		Login:   login,
		Address: stmt.GetText("Address"),
		Name:    stmt.GetText("FullName"),
	}
	stmt.Reset()

	if err := bcrypt.CompareHashAndPassword(passHash, password); err != nil {
		log.Err = errors.New("bad password")
		return nil, ErrBadCredentials
	}
	if locked {
		log.Err = errors.New("user locked")
		return nil, ErrBadCredentials
	}
	log.Data["user_id"] = user.ID

	return user, nil
}
