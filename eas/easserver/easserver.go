// Package easserver terminates the Exchange ActiveSync protocol
// for mobile mail clients.
//
// The server hangs off a single HTTP endpoint; the command is the
// Cmd query parameter. Requests and responses are WBXML documents
// decoded and encoded by the wbxml package. Mailbox access goes
// through the eas.Store interface, the per-collection sync ledger
// through syncstate.Table, devices through devreg.Registry, and
// parked Ping requests are woken by a notify.Bus.
//
// Supported commands:
//	Sync, FolderSync, GetItemEstimate, Ping,
//	Provision, Settings, SendMail
package easserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"crawshaw.io/iox"
	"spilled.ink/eas"
	"spilled.ink/eas/devreg"
	"spilled.ink/eas/notify"
	"spilled.ink/eas/syncstate"
	"spilled.ink/util/ratelimit"
	"spilled.ink/wbxml"
)

var ErrServerClosed = errors.New("easserver: Server closed")

// ContentType is the WBXML media type on every POST exchange.
const ContentType = "application/vnd.ms-sync.wbxml"

const (
	serverVersion    = "14.1"
	protocolVersions = "2.5,12.0,12.1,14.0,14.1"
	protocolCommands = "Sync,FolderSync,GetItemEstimate,Ping,Provision,Settings,SendMail"
)

// Limits a well-behaved client never hits.
const (
	maxRequestBytes   = 32 << 20
	defaultMaxFolders = 64
)

// Authenticator checks HTTP Basic credentials.
// *easdb.Authenticator implements it.
type Authenticator interface {
	AuthUser(ctx context.Context, remoteAddr, login string, password []byte) (user *eas.User, err error)
}

// Server handles the /Microsoft-Server-ActiveSync endpoint.
// All fields must be set before the first request, except where
// noted.
type Server struct {
	Store   eas.Store
	States  *syncstate.Table
	Devices *devreg.Registry
	Bus     *notify.Bus
	Auth    Authenticator
	Filer   *iox.Filer

	// Limiter bounds the per-(user, device, cmd) request rate.
	// Nil allows everything.
	Limiter *ratelimit.Limiter

	// Submit, when set, relays an outbound SendMail message.
	// Nil accepts the message without relaying it.
	Submit func(ctx context.Context, from string, msg io.Reader) error

	// Logf is the request log sink. Nil means silent.
	Logf func(format string, v ...interface{})

	// Trace, when set, receives decoded wire traces.
	Trace *Trace

	// MaxInFlight caps concurrent requests; excess requests get
	// 503. Zero means no cap.
	MaxInFlight int

	// MaxPingFolders caps the folder list of one Ping.
	// Zero means defaultMaxFolders.
	MaxPingFolders int

	// MinHeartbeat and MaxHeartbeat bound the Ping heartbeat.
	// Zero means the protocol limits, 1 and 59 minutes. Deployments
	// behind a proxy that cuts idle connections set a shorter max.
	MinHeartbeat time.Duration
	MaxHeartbeat time.Duration

	// StoreTimeout bounds each store call. Zero means 10s.
	StoreTimeout time.Duration

	mu       sync.Mutex
	inFlight int
	closed   bool
	done     chan struct{} // closed by Shutdown

	pingMu     sync.Mutex
	pingParams map[pingKey]pingParams

	initOnce sync.Once
}

func (s *Server) init() {
	s.initOnce.Do(func() {
		s.done = make(chan struct{})
		s.pingParams = make(map[pingKey]pingParams)
	})
}

func (s *Server) logf(format string, v ...interface{}) {
	if s.Logf != nil {
		s.Logf(format, v...)
	}
}

// Shutdown stops intake and waits for in-flight requests,
// parked Pings included, to drain or for ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.init()
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	s.mu.Unlock()

	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		s.mu.Lock()
		n := s.inFlight
		s.mu.Unlock()
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

// enter reserves an in-flight slot. It fails once the server is
// shutting down or the cap is hit.
func (s *Server) enter() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServerClosed
	}
	if s.MaxInFlight > 0 && s.inFlight >= s.MaxInFlight {
		return errOverloaded
	}
	s.inFlight++
	return nil
}

func (s *Server) exit() {
	s.mu.Lock()
	s.inFlight--
	s.mu.Unlock()
}

var errOverloaded = errors.New("easserver: too many requests in flight")

// storeCtx bounds one store call.
func (s *Server) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	d := s.StoreTimeout
	if d == 0 {
		d = 10 * time.Second
	}
	return context.WithTimeout(ctx, d)
}

// request carries one decoded command through its handler.
type request struct {
	httpReq *http.Request
	query   url.Values
	cmd     string
	user    *eas.User
	dev     *eas.Device
	body    *wbxml.Node // nil for an empty request body
	log     *logMsg
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.init()

	start := time.Now()
	log := &logMsg{
		What:   "request",
		When:   start,
		Remote: r.RemoteAddr,
		Cmd:    r.URL.Query().Get("Cmd"),
	}
	defer func() {
		log.Duration = time.Since(start)
		s.logf("%s", log)
	}()

	if err := s.enter(); err != nil {
		log.Err = err
		log.HTTPStatus = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", "10")
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	defer s.exit()

	if r.Method == "OPTIONS" {
		log.Cmd = "OPTIONS"
		log.HTTPStatus = http.StatusOK
		h := w.Header()
		h.Set("Allow", "OPTIONS, POST")
		h.Set("Public", "OPTIONS, POST")
		h.Set("MS-Server-ActiveSync", serverVersion)
		h.Set("MS-ASProtocolVersions", protocolVersions)
		h.Set("MS-ASProtocolCommands", protocolCommands)
		io.WriteString(w, "OK")
		return
	}
	if r.Method != "POST" {
		log.HTTPStatus = http.StatusMethodNotAllowed
		w.Header().Set("Allow", "OPTIONS, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := s.serveCmd(w, r, log)
	if status != 0 {
		log.HTTPStatus = status
		if status == http.StatusUnauthorized {
			w.Header().Set("WWW-Authenticate", `Basic realm="ActiveSync"`)
		}
		w.WriteHeader(status)
	}
}

// serveCmd runs the checks every command shares, then dispatches.
// A nonzero return is an HTTP status the caller must write; zero
// means the handler already wrote the response.
func (s *Server) serveCmd(w http.ResponseWriter, r *http.Request, log *logMsg) int {
	query := r.URL.Query()
	cmd := query.Get("Cmd")

	login, password, ok := r.BasicAuth()
	if !ok {
		return http.StatusUnauthorized
	}
	ctx, cancel := s.storeCtx(r.Context())
	user, err := s.Auth.AuthUser(ctx, r.RemoteAddr, login, []byte(password))
	cancel()
	if err != nil {
		log.Err = err
		return http.StatusUnauthorized
	}
	log.UserID = user.ID

	// The User parameter may restate the authenticated identity
	// but never override it.
	if u := query.Get("User"); u != "" {
		u = strings.ToLower(u)
		local, _, _ := strings.Cut(user.Address, "@")
		if u != user.Login && u != user.Address && u != local {
			log.Err = fmt.Errorf("easserver: User=%q does not match login %q", u, user.Login)
			return http.StatusForbidden
		}
	}

	deviceID := query.Get("DeviceId")
	deviceType := query.Get("DeviceType")
	if !devreg.ValidDeviceID(deviceID) || deviceType == "" {
		log.Err = fmt.Errorf("easserver: bad device parameters %q/%q", deviceID, deviceType)
		return http.StatusBadRequest
	}
	log.DeviceID = deviceID

	if s.Limiter != nil {
		key := strconv.FormatInt(user.ID, 10) + "|" + deviceID + "|" + cmd
		if retryAfter, ok := s.Limiter.Allow(key); !ok {
			secs := int(retryAfter/time.Second) + 1
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			log.Err = fmt.Errorf("easserver: rate limited, retry in %ds", secs)
			return http.StatusTooManyRequests
		}
	}

	ctx, cancel = s.storeCtx(r.Context())
	dev, err := s.Devices.Device(ctx, user.ID, deviceID, deviceType)
	cancel()
	if err != nil {
		log.Err = err
		return http.StatusInternalServerError
	}

	if v := r.Header.Get("MS-ASProtocolVersion"); v != "" && v != dev.ProtocolVersion {
		ctx, cancel = s.storeCtx(r.Context())
		err := s.Devices.SetProtocolVersion(ctx, user.ID, deviceID, v)
		cancel()
		if err != nil {
			log.Err = err
			return http.StatusInternalServerError
		}
		dev.ProtocolVersion = v
	}

	handler := handlers[cmd]
	if handler == nil {
		log.Err = fmt.Errorf("easserver: unknown command %q", cmd)
		return http.StatusNotImplemented
	}

	// The provisioning gate. Provision and Settings pass so a
	// fresh device can complete the handshake.
	if cmd != "Provision" && cmd != "Settings" {
		presented, _ := strconv.ParseUint(r.Header.Get("X-MS-PolicyKey"), 10, 32)
		ctx, cancel = s.storeCtx(r.Context())
		ok, err := s.Devices.CheckPolicyKey(ctx, user.ID, deviceID, uint32(presented))
		cancel()
		if err != nil {
			log.Err = err
			return http.StatusInternalServerError
		}
		if !ok {
			s.protocolHeaders(w, 0)
			return StatusRetryWith
		}
	}

	body, status := s.readBody(r, cmd, deviceID, log)
	if status != 0 {
		return status
	}

	req := &request{
		httpReq: r,
		query:   query,
		cmd:     cmd,
		user:    user,
		dev:     dev,
		body:    body,
		log:     log,
	}
	root, err := handler(s, req)
	switch {
	case err == errClientGone:
		// The client disconnected while parked; nothing to send.
		log.Err = err
		return 0
	case err != nil:
		log.Err = err
		status := http.StatusInternalServerError
		var httpErr *httpError
		if errors.As(err, &httpErr) {
			status = httpErr.status
		}
		return status
	}

	s.protocolHeaders(w, req.dev.PolicyKey)
	if root == nil {
		// Success with no body (SendMail).
		log.HTTPStatus = http.StatusOK
		w.WriteHeader(http.StatusOK)
		return 0
	}
	out, err := wbxml.EncodeBytes(root)
	if err != nil {
		log.Err = err
		return http.StatusInternalServerError
	}
	if s.Trace != nil {
		s.Trace.Response(deviceID, cmd, out, root)
	}
	log.HTTPStatus = http.StatusOK
	log.RespBytes = len(out)
	w.Header().Set("Content-Type", ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(out)))
	w.Write(out)
	return 0
}

// readBody reads and decodes the WBXML request body. SendMail may
// instead carry a raw RFC 822 message (protocol 12.x), which the
// handler reads from the request itself; body stays nil for it.
func (s *Server) readBody(r *http.Request, cmd, deviceID string, log *logMsg) (*wbxml.Node, int) {
	if cmd == "SendMail" && !strings.Contains(r.Header.Get("Content-Type"), "vnd.ms-sync.wbxml") {
		return nil, 0
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes+1))
	if err != nil {
		log.Err = err
		return nil, http.StatusBadRequest
	}
	if len(raw) > maxRequestBytes {
		log.Err = errors.New("easserver: request body too large")
		return nil, http.StatusRequestEntityTooLarge
	}
	log.ReqBytes = len(raw)
	if len(raw) == 0 {
		return nil, 0
	}
	body, err := wbxml.DecodeBytes(raw)
	if err != nil {
		log.Err = err
		return nil, http.StatusBadRequest
	}
	if s.Trace != nil {
		s.Trace.Request(deviceID, cmd, raw, body)
	}
	return body, 0
}

// protocolHeaders stamps the headers every EAS response carries.
func (s *Server) protocolHeaders(w http.ResponseWriter, policyKey uint32) {
	h := w.Header()
	h.Set("MS-Server-ActiveSync", serverVersion)
	h.Set("MS-ASProtocolVersions", protocolVersions)
	h.Set("MS-ASProtocolCommands", protocolCommands)
	h.Set("Cache-Control", "private")
	h.Set("X-MS-PolicyKey", strconv.FormatUint(uint64(policyKey), 10))
}

var handlers = map[string]func(*Server, *request) (*wbxml.Node, error){
	"Sync":            (*Server).handleSync,
	"FolderSync":      (*Server).handleFolderSync,
	"GetItemEstimate": (*Server).handleGetItemEstimate,
	"Ping":            (*Server).handlePing,
	"Provision":       (*Server).handleProvision,
	"Settings":        (*Server).handleSettings,
	"SendMail":        (*Server).handleSendMail,
}

// errClientGone marks a request abandoned by its client.
var errClientGone = errors.New("easserver: client disconnected")

// httpError carries a plain HTTP status out of a handler.
type httpError struct {
	status int
	err    error
}

func (e *httpError) Error() string {
	return fmt.Sprintf("easserver: http %d: %v", e.status, e.err)
}

func (e *httpError) Unwrap() error { return e.err }

func badRequest(format string, v ...interface{}) error {
	return &httpError{status: http.StatusBadRequest, err: fmt.Errorf(format, v...)}
}

// StatusRetryWith is the nonstandard 449 "Retry After Sending a
// Provision Command" status EAS uses for the provisioning gate.
const StatusRetryWith = 449
