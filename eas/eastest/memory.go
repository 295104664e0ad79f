// Package eastest provides an in-memory mailbox store and a test
// harness for exercising the ActiveSync server over real HTTP.
package eastest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"spilled.ink/eas"
)

// MemoryStore implements eas.Store, eas.StateStore,
// eas.DeviceStore, and easserver.Authenticator in memory.
type MemoryStore struct {
	mu         sync.Mutex
	nextUserID int64
	nextMsgID  int64
	users      map[string]*memUser // by login
	msgs       map[int64][]*memMsg // by user, insertion order
	states     map[string][]byte
	devices    map[string]eas.Device

	// Fail makes the mailbox and ledger methods return an error,
	// for testing the store-unavailable paths. Authentication and
	// device records stay up so requests reach their handler.
	Fail bool
}

type memUser struct {
	user     eas.User
	password string
}

type memMsg struct {
	id         int64
	collection string
	item       eas.Item
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   make(map[string]*memUser),
		msgs:    make(map[int64][]*memMsg),
		states:  make(map[string][]byte),
		devices: make(map[string]eas.Device),
	}
}

var errStoreDown = errors.New("eastest: store down")

// AddUser creates an account.
func (m *MemoryStore) AddUser(login, password string) *eas.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextUserID++
	login = strings.ToLower(login)
	address := login
	if !strings.Contains(address, "@") {
		address += "@example.com"
	}
	u := &memUser{
		user: eas.User{
			ID:      m.nextUserID,
			Login:   login,
			Address: address,
		},
		password: password,
	}
	m.users[login] = u
	user := u.user
	return &user
}

// AuthUser implements easserver.Authenticator.
func (m *MemoryStore) AuthUser(ctx context.Context, remoteAddr, login string, password []byte) (*eas.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, found := m.users[strings.ToLower(login)]
	if !found || u.password != string(password) {
		return nil, errors.New("eastest: bad credentials")
	}
	user := u.user
	return &user, nil
}

func (m *MemoryStore) User(ctx context.Context, login string) (*eas.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail {
		return nil, errStoreDown
	}
	u, found := m.users[strings.ToLower(login)]
	if !found {
		return nil, eas.ErrNotFound
	}
	user := u.user
	return &user, nil
}

// collectionMsgs returns the user's messages in one collection in
// sync order: newest first, ties broken by descending id.
// The store lock must be held.
func (m *MemoryStore) collectionMsgs(userID int64, collectionID string) []*memMsg {
	var msgs []*memMsg
	for _, msg := range m.msgs[userID] {
		if msg.collection == collectionID {
			msgs = append(msgs, msg)
		}
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		ti, tj := msgs[i].item.DateReceived, msgs[j].item.DateReceived
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return msgs[i].id > msgs[j].id
	})
	return msgs
}

func (m *MemoryStore) ListItems(ctx context.Context, userID int64, collectionID string, cursor, limit int) ([]eas.Item, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail {
		return nil, 0, errStoreDown
	}
	msgs := m.collectionMsgs(userID, collectionID)
	total := len(msgs)
	if limit <= 0 || cursor >= total {
		return nil, total, nil
	}
	if cursor+limit > total {
		limit = total - cursor
	}
	items := make([]eas.Item, 0, limit)
	for _, msg := range msgs[cursor : cursor+limit] {
		items = append(items, msg.item)
	}
	return items, total, nil
}

func (m *MemoryStore) Item(ctx context.Context, userID int64, collectionID, serverID string) (*eas.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail {
		return nil, errStoreDown
	}
	msg := m.findMsg(userID, serverID)
	if msg == nil || msg.collection != collectionID {
		return nil, eas.ErrNotFound
	}
	item := msg.item
	return &item, nil
}

// findMsg locates a message by the primary key half of serverID,
// whatever collection it lives in now. The store lock must be held.
func (m *MemoryStore) findMsg(userID int64, serverID string) *memMsg {
	_, pk, err := eas.ParseServerID(serverID)
	if err != nil {
		return nil
	}
	for _, msg := range m.msgs[userID] {
		if msg.id == pk {
			return msg
		}
	}
	return nil
}

func (m *MemoryStore) InsertItem(ctx context.Context, userID int64, collectionID string, item *eas.Item) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail {
		return "", errStoreDown
	}
	m.nextMsgID++
	msg := &memMsg{
		id:         m.nextMsgID,
		collection: collectionID,
		item:       *item,
	}
	msg.item.ServerID = eas.FormatServerID(collectionID, msg.id)
	m.msgs[userID] = append(m.msgs[userID], msg)
	return msg.item.ServerID, nil
}

func (m *MemoryStore) SetRead(ctx context.Context, userID int64, serverID string, read bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail {
		return errStoreDown
	}
	msg := m.findMsg(userID, serverID)
	if msg == nil {
		return eas.ErrNotFound
	}
	msg.item.Read = read
	return nil
}

func (m *MemoryStore) MoveItem(ctx context.Context, userID int64, serverID, toCollectionID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail {
		return "", errStoreDown
	}
	msg := m.findMsg(userID, serverID)
	if msg == nil {
		return "", eas.ErrNotFound
	}
	msg.collection = toCollectionID
	msg.item.ServerID = eas.FormatServerID(toCollectionID, msg.id)
	return msg.item.ServerID, nil
}

func (m *MemoryStore) DeleteItem(ctx context.Context, userID int64, serverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail {
		return errStoreDown
	}
	_, pk, err := eas.ParseServerID(serverID)
	if err != nil {
		return eas.ErrNotFound
	}
	msgs := m.msgs[userID]
	for i, msg := range msgs {
		if msg.id == pk {
			m.msgs[userID] = append(msgs[:i:i], msgs[i+1:]...)
			return nil
		}
	}
	return eas.ErrNotFound
}

func stateKey(userID int64, deviceID, collectionID string) string {
	return fmt.Sprintf("%d/%s/%s", userID, deviceID, collectionID)
}

func (m *MemoryStore) State(ctx context.Context, userID int64, deviceID, collectionID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail {
		return nil, errStoreDown
	}
	return m.states[stateKey(userID, deviceID, collectionID)], nil
}

func (m *MemoryStore) SetState(ctx context.Context, userID int64, deviceID, collectionID string, state []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail {
		return errStoreDown
	}
	m.states[stateKey(userID, deviceID, collectionID)] = state
	return nil
}

func deviceKey(userID int64, deviceID string) string {
	return fmt.Sprintf("%d/%s", userID, deviceID)
}

func (m *MemoryStore) Device(ctx context.Context, userID int64, deviceID string) (*eas.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, found := m.devices[deviceKey(userID, deviceID)]
	if !found {
		return nil, eas.ErrNotFound
	}
	return &d, nil
}

func (m *MemoryStore) PutDevice(ctx context.Context, d *eas.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[deviceKey(d.UserID, d.DeviceID)] = *d
	return nil
}

func (m *MemoryStore) MaxPolicyKey(ctx context.Context) (uint32, error) {
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
