package easserver

import (
	"fmt"
	"strings"
	"time"
)

// logMsg is one request log record, rendered as a single JSON line.
type logMsg struct {
	What       string
	When       time.Time
	Duration   time.Duration
	Remote     string
	Cmd        string
	UserID     int64
	DeviceID   string
	HTTPStatus int
	EASStatus  int
	ReqBytes   int
	RespBytes  int
	Err        error
	Data       string
}

func (l *logMsg) String() string {
	const where = "eas"

	buf := new(strings.Builder)
	fmt.Fprintf(buf, `{"where": %q, "what": %q, `, where, l.What)

	if l.When.IsZero() {
		l.When = time.Now()
	}
	buf.WriteString(`"when": "`)
	buf.Write(l.When.AppendFormat(make([]byte, 0, 64), time.RFC3339Nano))
	buf.WriteString(`"`)

	if l.Duration != 0 {
		fmt.Fprintf(buf, `, "duration": "%s"`, l.Duration)
	}
	if l.Cmd != "" {
		fmt.Fprintf(buf, `, "cmd": %q`, l.Cmd)
	}
	if l.Remote != "" {
		fmt.Fprintf(buf, `, "remote_addr": %q`, l.Remote)
	}
	if l.UserID != 0 {
		fmt.Fprintf(buf, `, "user_id": "%d"`, l.UserID)
	}
	if l.DeviceID != "" {
		fmt.Fprintf(buf, `, "device_id": %q`, l.DeviceID)
	}
	if l.HTTPStatus != 0 {
		fmt.Fprintf(buf, `, "http_status": "%d"`, l.HTTPStatus)
	}
	if l.EASStatus != 0 {
		fmt.Fprintf(buf, `, "eas_status": "%d"`, l.EASStatus)
	}
	if l.ReqBytes != 0 {
		fmt.Fprintf(buf, `, "req_bytes": "%d"`, l.ReqBytes)
	}
	if l.RespBytes != 0 {
		fmt.Fprintf(buf, `, "resp_bytes": "%d"`, l.RespBytes)
	}
	if l.Err != nil {
		fmt.Fprintf(buf, `, "err": %q`, l.Err.Error())
	}
	if l.Data != "" {
		fmt.Fprintf(buf, `, "data": "%s"`, l.Data)
	}
	buf.WriteByte('}')
	return buf.String()
}
