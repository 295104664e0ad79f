// Package devreg tracks device partnerships and drives the
// two-phase provisioning handshake.
//
// A partnership is one (user, device) pair. The registry keeps a
// write-through cache over an eas.DeviceStore: every mutation is
// persisted before it becomes visible, and operations on the same
// partnership are serialized by a per-key lock. Policy keys come
// from a process-wide monotonic allocator seeded from the store so
// keys stay unique across restarts.
package devreg

import (
	"context"
	"fmt"
	"sync"
	"time"

	"spilled.ink/eas"
)

// MaxDeviceIDLen bounds the DeviceId query parameter. Real clients
// send hex or base64 strings well under this.
const MaxDeviceIDLen = 64

// ValidDeviceID reports whether a DeviceId query parameter is
// acceptable: non-empty ASCII letters and digits.
func ValidDeviceID(id string) bool {
	if id == "" || len(id) > MaxDeviceIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		default:
			return false
		}
	}
	return true
}

type key struct {
	userID   int64
	deviceID string
}

// Registry is the device and provisioning registry.
type Registry struct {
	store eas.DeviceStore

	Logf func(format string, v ...interface{})

	mu    sync.Mutex
	slots map[key]*slot

	keyMu   sync.Mutex
	seeded  bool
	lastKey uint32
}

// slot serializes operations on one partnership and caches its
// last persisted record.
type slot struct {
	mu  sync.Mutex
	dev *eas.Device // nil until loaded
}

func New(store eas.DeviceStore) *Registry {
	return &Registry{
		store: store,
		slots: make(map[key]*slot),
	}
}

func (r *Registry) logf(format string, v ...interface{}) {
	if r.Logf != nil {
		r.Logf(format, v...)
	}
}

func (r *Registry) slot(k key) *slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.slots[k]
	if s == nil {
		s = &slot{}
		r.slots[k] = s
	}
	return s
}

// load fills s.dev from the store, or leaves it nil for an unknown
// partnership. The slot lock must be held.
func (s *slot) load(ctx context.Context, store eas.DeviceStore, k key) error {
	if s.dev != nil {
		return nil
	}
	dev, err := store.Device(ctx, k.userID, k.deviceID)
	if err == eas.ErrNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("devreg: load %s: %v", k.deviceID, err)
	}
	s.dev = dev
	return nil
}

// save persists dev and only then installs it in the cache.
// The slot lock must be held.
func (s *slot) save(ctx context.Context, store eas.DeviceStore, dev *eas.Device) error {
	if err := store.PutDevice(ctx, dev); err != nil {
		return fmt.Errorf("devreg: save %s: %v", dev.DeviceID, err)
	}
	s.dev = dev
	return nil
}

// Device returns the partnership record for (userID, deviceID),
// creating it on first sight and bumping LastSeen. The returned
// record is a copy; mutations go through the registry.
func (r *Registry) Device(ctx context.Context, userID int64, deviceID, deviceType string) (*eas.Device, error) {
	k := key{userID, deviceID}
	s := r.slot(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(ctx, r.store, k); err != nil {
		return nil, err
	}
	now := time.Now()
	if s.dev == nil {
		dev := &eas.Device{
			UserID:     userID,
			DeviceID:   deviceID,
			DeviceType: deviceType,
			FirstSeen:  now,
			LastSeen:   now,
		}
		if err := s.save(ctx, r.store, dev); err != nil {
			return nil, err
		}
		r.logf("devreg: new partnership user=%d device=%s type=%s", userID, deviceID, deviceType)
	} else if now.Sub(s.dev.LastSeen) > time.Minute {
		// LastSeen is coarse; one write per minute is plenty.
		dev := *s.dev
		dev.LastSeen = now
		if deviceType != "" {
			dev.DeviceType = deviceType
		}
		if err := s.save(ctx, r.store, &dev); err != nil {
			return nil, err
		}
	}
	dev := *s.dev
	return &dev, nil
}

// nextPolicyKey returns a fresh nonzero policy key. The allocator
// is seeded from the store the first time it runs.
func (r *Registry) nextPolicyKey(ctx context.Context) (uint32, error) {
	r.keyMu.Lock()
	defer r.keyMu.Unlock()
	if !r.seeded {
		max, err := r.store.MaxPolicyKey(ctx)
		if err != nil {
			return 0, fmt.Errorf("devreg: seed policy keys: %v", err)
		}
		r.lastKey = max
		r.seeded = true
	}
	r.lastKey++
	if r.lastKey == 0 { // zero means "unset" on the wire
		r.lastKey = 1
	}
	return r.lastKey, nil
}

// StartProvision begins the handshake: a temporary policy key is
// issued and the partnership moves to ProvisionPending. Starting
// over from any state is allowed; clients re-provision whenever
// the server answers 449.
func (r *Registry) StartProvision(ctx context.Context, userID int64, deviceID, protocolVersion, userAgent string) (uint32, error) {
	k := key{userID, deviceID}
	s := r.slot(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(ctx, r.store, k); err != nil {
		return 0, err
	}
	if s.dev == nil {
		return 0, eas.ErrNotFound
	}
	pk, err := r.nextPolicyKey(ctx)
	if err != nil {
		return 0, err
	}
	dev := *s.dev
	dev.PolicyKey = pk
	dev.Provision = eas.ProvisionPending
	if protocolVersion != "" {
		dev.ProtocolVersion = protocolVersion
	}
	if userAgent != "" {
		dev.UserAgent = userAgent
	}
	if err := s.save(ctx, r.store, &dev); err != nil {
		return 0, err
	}
	return pk, nil
}

// AckProvision completes the handshake: the client echoed the
// temporary key, so a final key is issued and the partnership
// moves to ProvisionDone. An echo that does not match the
// outstanding temporary key returns eas.ErrConflict.
func (r *Registry) AckProvision(ctx context.Context, userID int64, deviceID string, tempKey uint32) (uint32, error) {
	k := key{userID, deviceID}
	s := r.slot(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(ctx, r.store, k); err != nil {
		return 0, err
	}
	if s.dev == nil {
		return 0, eas.ErrNotFound
	}
	if s.dev.Provision != eas.ProvisionPending || tempKey == 0 || tempKey != s.dev.PolicyKey {
		return 0, eas.ErrConflict
	}
	pk, err := r.nextPolicyKey(ctx)
	if err != nil {
		return 0, err
	}
	dev := *s.dev
	dev.PolicyKey = pk
	dev.Provision = eas.ProvisionDone
	if err := s.save(ctx, r.store, &dev); err != nil {
		return 0, err
	}
	r.logf("devreg: provisioned user=%d device=%s", userID, deviceID)
	return pk, nil
}

// CheckPolicyKey gates a command on the provisioning state. It
// reports whether the key the device presented matches its final
// policy key. On a mismatch the partnership is demoted to
// unprovisioned so the client restarts the handshake.
func (r *Registry) CheckPolicyKey(ctx context.Context, userID int64, deviceID string, presented uint32) (bool, error) {
	k := key{userID, deviceID}
	s := r.slot(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(ctx, r.store, k); err != nil {
		return false, err
	}
	if s.dev == nil {
		return false, eas.ErrNotFound
	}
	if s.dev.Provision == eas.ProvisionDone && presented == s.dev.PolicyKey {
		return true, nil
	}
	if s.dev.Provision != eas.ProvisionNone {
		r.logf("devreg: policy key mismatch user=%d device=%s state=%v", userID, deviceID, s.dev.Provision)
		dev := *s.dev
		dev.PolicyKey = 0
		dev.Provision = eas.ProvisionNone
		if err := s.save(ctx, r.store, &dev); err != nil {
			return false, err
		}
	}
	return false, nil
}

// DeviceInfo is the client-reported device description from a
// Settings DeviceInformation Set.
type DeviceInfo struct {
	Model          string
	IMEI           string
	FriendlyName   string
	OS             string
	OSLanguage     string
	PhoneNumber    string
	UserAgent      string
	MobileOperator string
}

// SetDeviceInfo records the device description. Empty fields leave
// the stored values alone.
func (r *Registry) SetDeviceInfo(ctx context.Context, userID int64, deviceID string, info DeviceInfo) error {
	k := key{userID, deviceID}
	s := r.slot(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(ctx, r.store, k); err != nil {
		return err
	}
	if s.dev == nil {
		return eas.ErrNotFound
	}
	dev := *s.dev
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&dev.Model, info.Model)
	set(&dev.IMEI, info.IMEI)
	set(&dev.FriendlyName, info.FriendlyName)
	set(&dev.OS, info.OS)
	set(&dev.OSLanguage, info.OSLanguage)
	set(&dev.PhoneNumber, info.PhoneNumber)
	set(&dev.UserAgent, info.UserAgent)
	set(&dev.MobileOperator, info.MobileOperator)
	return s.save(ctx, r.store, &dev)
}

// SetProtocolVersion records the protocol version the device
// negotiated, for diagnostics and version-dependent rendering.
func (r *Registry) SetProtocolVersion(ctx context.Context, userID int64, deviceID, version string) error {
	k := key{userID, deviceID}
	s := r.slot(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(ctx, r.store, k); err != nil {
		return err
	}
	if s.dev == nil {
		return eas.ErrNotFound
	}
	if s.dev.ProtocolVersion == version {
		return nil
	}
	dev := *s.dev
	dev.ProtocolVersion = version
	return s.save(ctx, r.store, &dev)
}
