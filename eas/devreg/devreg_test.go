package devreg_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"spilled.ink/eas"
	"spilled.ink/eas/devreg"
)

type memDeviceStore struct {
	mu      sync.Mutex
	devices map[string]eas.Device
	puts    int
	fail    bool
}

func newMemDeviceStore() *memDeviceStore {
	return &memDeviceStore{devices: make(map[string]eas.Device)}
}

func devKey(userID int64, deviceID string) string {
	return fmt.Sprintf("%d/%s", userID, deviceID)
}

func (m *memDeviceStore) Device(ctx context.Context, userID int64, deviceID string) (*eas.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return nil, errors.New("store down")
	}
	d, found := m.devices[devKey(userID, deviceID)]
	if !found {
		return nil, eas.ErrNotFound
	}
	return &d, nil
}

func (m *memDeviceStore) PutDevice(ctx context.Context, d *eas.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("store down")
	}
	m.devices[devKey(d.UserID, d.DeviceID)] = *d
	m.puts++
	return nil
}

func (m *memDeviceStore) MaxPolicyKey(ctx context.Context) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var max uint32
	for _, d := range m.devices {
		if d.PolicyKey > max {
			max = d.PolicyKey
		}
	}
	return max, nil
}

func TestValidDeviceID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"ApplDNQRST12345", true},
		{"6f24ca1d9d2e", true},
		{"", false},
		{"has space", false},
		{"semi;colon", false},
		{"../../../etc", false},
		{"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", false},
	}
	for _, test := range tests {
		if got := devreg.ValidDeviceID(test.id); got != test.want {
			t.Errorf("ValidDeviceID(%q)=%v, want %v", test.id, got, test.want)
		}
	}
}

func TestCreateOnFirstSight(t *testing.T) {
	ctx := context.Background()
	store := newMemDeviceStore()
	reg := devreg.New(store)

	dev, err := reg.Device(ctx, 7, "dev1", "iPhone")
	if err != nil {
		t.Fatal(err)
	}
	if dev.DeviceType != "iPhone" {
		t.Errorf("DeviceType=%q, want iPhone", dev.DeviceType)
	}
	if dev.Provision != eas.ProvisionNone {
		t.Errorf("new device Provision=%v, want ProvisionNone", dev.Provision)
	}
	if dev.FirstSeen.IsZero() || dev.LastSeen.IsZero() {
		t.Error("FirstSeen/LastSeen not set")
	}
	if _, found := store.devices[devKey(7, "dev1")]; !found {
		t.Error("device not persisted")
	}

	// A second sighting does not rewrite the record.
	puts := store.puts
	if _, err := reg.Device(ctx, 7, "dev1", "iPhone"); err != nil {
		t.Fatal(err)
	}
	if store.puts != puts {
		t.Errorf("second sighting wrote %d times", store.puts-puts)
	}
}

func TestProvisionHandshake(t *testing.T) {
	ctx := context.Background()
	store := newMemDeviceStore()
	reg := devreg.New(store)

	if _, err := reg.Device(ctx, 7, "dev1", "iPhone"); err != nil {
		t.Fatal(err)
	}

	p1, err := reg.StartProvision(ctx, 7, "dev1", "14.1", "Apple-iPhone")
	if err != nil {
		t.Fatal(err)
	}
	if p1 == 0 {
		t.Fatal("temporary policy key is zero")
	}
	if ok, err := reg.CheckPolicyKey(ctx, 7, "dev1", p1); err != nil || ok {
		t.Fatalf("CheckPolicyKey before ack = %v, %v; want false", ok, err)
	}

	// The mismatch demoted the device, so restart the handshake.
	p1, err = reg.StartProvision(ctx, 7, "dev1", "", "")
	if err != nil {
		t.Fatal(err)
	}
	p2, err := reg.AckProvision(ctx, 7, "dev1", p1)
	if err != nil {
		t.Fatal(err)
	}
	if p2 == 0 || p2 == p1 {
		t.Fatalf("final key %d, temporary key %d: want distinct nonzero", p2, p1)
	}

	if ok, err := reg.CheckPolicyKey(ctx, 7, "dev1", p2); err != nil || !ok {
		t.Fatalf("CheckPolicyKey(final) = %v, %v; want true", ok, err)
	}

	dev, err := reg.Device(ctx, 7, "dev1", "iPhone")
	if err != nil {
		t.Fatal(err)
	}
	if dev.Provision != eas.ProvisionDone {
		t.Errorf("Provision=%v, want ProvisionDone", dev.Provision)
	}
	if dev.ProtocolVersion != "14.1" {
		t.Errorf("ProtocolVersion=%q, want 14.1", dev.ProtocolVersion)
	}
}

func TestAckWrongKey(t *testing.T) {
	ctx := context.Background()
	store := newMemDeviceStore()
	reg := devreg.New(store)

	if _, err := reg.Device(ctx, 7, "dev1", "iPhone"); err != nil {
		t.Fatal(err)
	}
	p1, err := reg.StartProvision(ctx, 7, "dev1", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reg.AckProvision(ctx, 7, "dev1", p1+1); err != eas.ErrConflict {
		t.Fatalf("AckProvision(wrong key) err=%v, want ErrConflict", err)
	}
	if _, err := reg.AckProvision(ctx, 7, "dev1", 0); err != eas.ErrConflict {
		t.Fatalf("AckProvision(0) err=%v, want ErrConflict", err)
	}
}

func TestStaleKeyDemotes(t *testing.T) {
	ctx := context.Background()
	store := newMemDeviceStore()
	reg := devreg.New(store)

	if _, err := reg.Device(ctx, 7, "dev1", "iPhone"); err != nil {
		t.Fatal(err)
	}
	p1, _ := reg.StartProvision(ctx, 7, "dev1", "", "")
	p2, err := reg.AckProvision(ctx, 7, "dev1", p1)
	if err != nil {
		t.Fatal(err)
	}

	if ok, _ := reg.CheckPolicyKey(ctx, 7, "dev1", p2-1); ok {
		t.Fatal("stale key accepted")
	}
	dev, err := reg.Device(ctx, 7, "dev1", "iPhone")
	if err != nil {
		t.Fatal(err)
	}
	if dev.Provision != eas.ProvisionNone || dev.PolicyKey != 0 {
		t.Errorf("after stale key: Provision=%v PolicyKey=%d, want demoted", dev.Provision, dev.PolicyKey)
	}
}

func TestPolicyKeysMonotonicAcrossRestart(t *testing.T) {
	ctx := context.Background()
	store := newMemDeviceStore()
	reg := devreg.New(store)

	if _, err := reg.Device(ctx, 7, "dev1", "iPhone"); err != nil {
		t.Fatal(err)
	}
	p1, _ := reg.StartProvision(ctx, 7, "dev1", "", "")
	p2, err := reg.AckProvision(ctx, 7, "dev1", p1)
	if err != nil {
		t.Fatal(err)
	}

	// New registry over the same store models a process restart.
	reg2 := devreg.New(store)
	p3, err := reg2.StartProvision(ctx, 7, "dev1", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if p3 <= p2 {
		t.Errorf("policy key after restart %d <= %d", p3, p2)
	}
}

func TestSetDeviceInfo(t *testing.T) {
	ctx := context.Background()
	store := newMemDeviceStore()
	reg := devreg.New(store)

	if _, err := reg.Device(ctx, 7, "dev1", "iPhone"); err != nil {
		t.Fatal(err)
	}
	info := devreg.DeviceInfo{
		Model:        "iPhone12,3",
		FriendlyName: "Kim's iPhone",
		OS:           "iOS 14.2",
	}
	if err := reg.SetDeviceInfo(ctx, 7, "dev1", info); err != nil {
		t.Fatal(err)
	}
	// Empty fields in a later Set leave earlier values alone.
	if err := reg.SetDeviceInfo(ctx, 7, "dev1", devreg.DeviceInfo{OS: "iOS 14.3"}); err != nil {
		t.Fatal(err)
	}

	dev, err := reg.Device(ctx, 7, "dev1", "iPhone")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := dev.Model, "iPhone12,3"; got != want {
		t.Errorf("Model=%q, want %q", got, want)
	}
	if got, want := dev.FriendlyName, "Kim's iPhone"; got != want {
		t.Errorf("FriendlyName=%q, want %q", got, want)
	}
	if got, want := dev.OS, "iOS 14.3"; got != want {
		t.Errorf("OS=%q, want %q", got, want)
	}
}

func TestUnknownDevice(t *testing.T) {
	ctx := context.Background()
	reg := devreg.New(newMemDeviceStore())

	if _, err := reg.StartProvision(ctx, 7, "ghost", "", ""); err != eas.ErrNotFound {
		t.Errorf("StartProvision(unknown) err=%v, want ErrNotFound", err)
	}
	if _, err := reg.CheckPolicyKey(ctx, 7, "ghost", 1); err != eas.ErrNotFound {
		t.Errorf("CheckPolicyKey(unknown) err=%v, want ErrNotFound", err)
	}
}
