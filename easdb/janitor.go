package easdb

import (
	"context"
	"time"

	"crawshaw.io/sqlite/sqlitex"
)

// Janitor does periodic cleaning of the easd database.
//
// It removes device partnerships unseen for the retention window
// together with their sync state, and any state rows orphaned by a
// deleted device.
type Janitor struct {
	Logf      func(format string, v ...interface{})
	Retention time.Duration // device expiry, default 90 days

	ctx      context.Context
	cancelFn func()
	done     chan struct{}

	pool     *sqlitex.Pool
	cleanNow chan struct{}
}

func NewJanitor(pool *sqlitex.Pool) *Janitor {
	ctx, cancelFn := context.WithCancel(context.Background())
	j := &Janitor{
		Logf:     func(format string, v ...interface{}) {},
		ctx:      ctx,
		cancelFn: cancelFn,
		done:     make(chan struct{}),
		pool:     pool,
		cleanNow: make(chan struct{}),
	}

	return j
}

func (j *Janitor) CleanNow() {
	select {
	case j.cleanNow <- struct{}{}:
	default:
	}
}

func (j *Janitor) Run() error {
	defer func() { close(j.done) }()

	t := time.NewTicker(30 * time.Minute)
	defer t.Stop()
	for {
		select {
		case <-j.ctx.Done():
			return nil
		case <-t.C:
		case <-j.cleanNow:
		}

		if err := j.clean(); err != nil {
			if err == context.Canceled {
				return nil
			}
			j.Logf("easdb: janitor: %v", err)
		}
	}
}

func (j *Janitor) Shutdown(ctx context.Context) error {
	j.cancelFn()
	<-j.done
	return nil
}

func (j *Janitor) clean() (err error) {
	start := time.Now()

	conn := j.pool.Get(j.ctx)
	if conn == nil {
		return context.Canceled
	}
	defer j.pool.Put(conn)

	retention := j.Retention
	if retention == 0 {
		retention = 90 * 24 * time.Hour
	}
	horizon := start.Add(-retention).Unix()

	var devicesRemoved, statesRemoved int
	defer func() {
		l := Log{
			What:     "cleanup",
			Where:    "janitor",
			When:     start,
			Duration: time.Since(start),
			Err:      err,
			Data: map[string]interface{}{
				"devices_removed": devicesRemoved,
				"states_removed":  statesRemoved,
			},
		}
		j.Logf("%s", l)
	}()

	defer sqlitex.Save(conn)(&err)

	stmt := conn.Prep(`DELETE FROM SyncStates WHERE (UserID, DeviceID) IN
		(SELECT UserID, DeviceID FROM Devices WHERE LastSeen < $horizon);`)
	stmt.SetInt64("$horizon", horizon)
	if _, err := stmt.Step(); err != nil {
		return err
	}
	statesRemoved = conn.Changes()

	stmt = conn.Prep(`DELETE FROM Devices WHERE LastSeen < $horizon;`)
	stmt.SetInt64("$horizon", horizon)
	if _, err := stmt.Step(); err != nil {
		return err
	}
	devicesRemoved = conn.Changes()

	stmt = conn.Prep(`DELETE FROM SyncStates WHERE (UserID, DeviceID) NOT IN
		(SELECT UserID, DeviceID FROM Devices);`)
	if _, err := stmt.Step(); err != nil {
		return err
	}
	statesRemoved += conn.Changes()

	return nil
}
