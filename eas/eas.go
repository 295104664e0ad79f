// Package eas defines the core types used by the Exchange
// ActiveSync server: items, folders, sync keys, protocol status
// codes, and the store interfaces the server consumes.
package eas

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"spilled.ink/email"
)

// Store is the mailbox query interface the sync engine consumes.
// Items are returned in a deterministic order chosen by the store
// (newest first for mail folders); cursors index into that order.
type Store interface {
	// User looks up a user by login name or mail address.
	// Returns ErrNotFound for unknown users.
	User(ctx context.Context, login string) (*User, error)

	// ListItems returns up to limit items of a collection starting
	// at cursor, along with the total number of items available.
	// A limit <= 0 returns no items, only the total.
	ListItems(ctx context.Context, userID int64, collectionID string, cursor, limit int) ([]Item, int, error)

	// Item loads a single item. Returns ErrNotFound.
	Item(ctx context.Context, userID int64, collectionID, serverID string) (*Item, error)

	// InsertItem adds an item to a collection and returns its
	// server ID. The item's ServerID field is ignored.
	InsertItem(ctx context.Context, userID int64, collectionID string, item *Item) (string, error)

	// SetRead updates the read flag. Returns ErrNotFound.
	SetRead(ctx context.Context, userID int64, serverID string, read bool) error

	// MoveItem moves an item to another collection and returns its
	// new server ID. Returns ErrNotFound.
	MoveItem(ctx context.Context, userID int64, serverID, toCollectionID string) (string, error)

	// DeleteItem removes an item permanently. Returns ErrNotFound.
	DeleteItem(ctx context.Context, userID int64, serverID string) error
}

// StateStore persists the per-(user, device, collection) sync
// ledger as opaque blobs so it survives process restart.
type StateStore interface {
	// State returns the stored blob, or (nil, nil) when absent.
	State(ctx context.Context, userID int64, deviceID, collectionID string) ([]byte, error)
	SetState(ctx context.Context, userID int64, deviceID, collectionID string, state []byte) error
}

// DeviceStore persists device records.
type DeviceStore interface {
	// Device returns the record for (userID, deviceID).
	// Returns ErrNotFound for unknown devices.
	Device(ctx context.Context, userID int64, deviceID string) (*Device, error)
	PutDevice(ctx context.Context, d *Device) error

	// MaxPolicyKey reports the highest policy key ever issued,
	// so the allocator stays monotonic across restarts.
	MaxPolicyKey(ctx context.Context) (uint32, error)
}

// Notifier is invoked after a durable item insert. The mail
// ingress calls it to wake parked Ping requests.
type Notifier interface {
	Notify(userID int64, collectionID string)
}

var (
	ErrNotFound = errors.New("eas: not found")
	ErrConflict = errors.New("eas: conflict")
)

// User is an account as seen by the sync core. Accounts are
// created and destroyed elsewhere; the core treats ID as opaque.
type User struct {
	ID      int64
	Login   string
	Address string
	Name    string
}

// Device is one mobile client of one user, keyed by
// (UserID, DeviceID). Created on first authenticated request and
// never destroyed by the core.
type Device struct {
	UserID          int64
	DeviceID        string
	DeviceType      string
	PolicyKey       uint32
	Provision       ProvisionState
	ProtocolVersion string
	UserAgent       string
	Model           string
	IMEI            string
	FriendlyName    string
	OS              string
	OSLanguage      string
	PhoneNumber     string
	MobileOperator  string
	FirstSeen       time.Time
	LastSeen        time.Time
}

// ProvisionState tracks the two-phase provisioning handshake.
type ProvisionState int

const (
	ProvisionNone    ProvisionState = 0 // no policy key issued
	ProvisionPending ProvisionState = 1 // temporary key issued, not acknowledged
	ProvisionDone    ProvisionState = 2 // final key issued
)

func (p ProvisionState) String() string {
	switch p {
	case ProvisionNone:
		return "ProvisionNone"
	case ProvisionPending:
		return "ProvisionPending"
	case ProvisionDone:
		return "ProvisionDone"
	default:
		return fmt.Sprintf("ProvisionState(%d)", int(p))
	}
}

// SyncKey is the per-collection synchronization counter. It is
// rendered as a decimal string on the wire. Zero is the reserved
// "initial sync" sentinel and is never issued for a batch.
type SyncKey uint32

func (k SyncKey) String() string {
	return strconv.FormatUint(uint64(k), 10)
}

// Next returns the successor key, skipping the zero sentinel on
// wraparound.
func (k SyncKey) Next() SyncKey {
	if k == ^SyncKey(0) {
		return 1
	}
	return k + 1
}

// ParseSyncKey parses a wire sync key. Only plain decimal strings
// are valid.
func ParseSyncKey(s string) (SyncKey, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("eas: invalid sync key %q", s)
	}
	return SyncKey(v), nil
}

// Item is one mail item as the sync engine sees it. ServerID is
// stable for the lifetime of the item, across moves excepted.
type Item struct {
	ServerID       string
	Subject        string
	From           email.Address
	To             []email.Address
	Cc             []email.Address
	ReplyTo        []email.Address
	DateReceived   time.Time
	Read           bool
	Importance     int // 0 low, 1 normal, 2 high
	MIME           []byte
	BodyPlain      string
	BodyHTML       string
	ConversationID []byte // 16-byte thread identifier
}

// FormatServerID builds the wire server ID "collection:pk".
func FormatServerID(collectionID string, pk int64) string {
	return collectionID + ":" + strconv.FormatInt(pk, 10)
}

// ParseServerID splits a wire server ID into its collection and
// primary key halves.
func ParseServerID(serverID string) (collectionID string, pk int64, err error) {
	c, p, ok := strings.Cut(serverID, ":")
	if !ok || c == "" {
		return "", 0, fmt.Errorf("eas: invalid server id %q", serverID)
	}
	pk, err = strconv.ParseInt(p, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("eas: invalid server id %q", serverID)
	}
	return c, pk, nil
}

// Folder is a node of the (fixed) folder hierarchy.
type Folder struct {
	ServerID    string
	ParentID    string
	DisplayName string
	Type        FolderType
}

// FolderType is the EAS folder class code.
type FolderType int

const (
	FolderUserCreated FolderType = 1
	FolderInbox       FolderType = 2
	FolderDrafts      FolderType = 3
	FolderDeleted     FolderType = 4
	FolderSent        FolderType = 5
	FolderOutbox      FolderType = 6
	FolderCalendar    FolderType = 8
	FolderContacts    FolderType = 9
)

// Collection IDs of the fixed hierarchy.
const (
	CollectionInbox    = "1"
	CollectionDrafts   = "2"
	CollectionDeleted  = "3"
	CollectionSent     = "4"
	CollectionOutbox   = "5"
	CollectionCalendar = "6"
	CollectionContacts = "7"
)

// ClassEmail is the only item class this server syncs.
const ClassEmail = "Email"

// DefaultFolders is the folder hierarchy every account gets.
var DefaultFolders = []Folder{
	{ServerID: CollectionInbox, ParentID: "0", DisplayName: "Inbox", Type: FolderInbox},
	{ServerID: CollectionDrafts, ParentID: "0", DisplayName: "Drafts", Type: FolderDrafts},
	{ServerID: CollectionDeleted, ParentID: "0", DisplayName: "Deleted Items", Type: FolderDeleted},
	{ServerID: CollectionSent, ParentID: "0", DisplayName: "Sent Items", Type: FolderSent},
	{ServerID: CollectionOutbox, ParentID: "0", DisplayName: "Outbox", Type: FolderOutbox},
	{ServerID: CollectionCalendar, ParentID: "0", DisplayName: "Calendar", Type: FolderCalendar},
	{ServerID: CollectionContacts, ParentID: "0", DisplayName: "Contacts", Type: FolderContacts},
}

// FolderByID returns the fixed folder with the given collection ID.
func FolderByID(collectionID string) (Folder, bool) {
	for _, f := range DefaultFolders {
		if f.ServerID == collectionID {
			return f, true
		}
	}
	return Folder{}, false
}

// Body content types (AirSyncBase).
const (
	BodyTypePlain = 1
	BodyTypeHTML  = 2
	BodyTypeRTF   = 3
	BodyTypeMIME  = 4
)

// BodyPreference is one client body rendering preference.
type BodyPreference struct {
	Type           int
	TruncationSize int  // 0 means no truncation requested
	AllOrNone      bool // skip this preference rather than truncate
	Preview        int  // requested preview length in characters
}

// RenderOptions captures everything that shapes ApplicationData
// rendering. It is snapshotted with a batch so a resend renders
// byte-identically even if the client varies its request.
type RenderOptions struct {
	BodyPreferences []BodyPreference
	MIMESupport     int // 0 never, 1 S/MIME only, 2 always
	MIMETruncation  int // 12.x bucket table, 8 = no truncation
}

// CmdResponse acknowledges one client Sync command.
type CmdResponse struct {
	Cmd      string // "Add", "Change", "Delete", "Fetch"
	ClientID string
	ServerID string
	Status   int
	Item     *Item // populated for Fetch
}

// Sync per-collection status codes.
const (
	SyncStatusOK          = 1
	SyncStatusServerError = 3 // retryable; clients may also reset
	SyncStatusBadRequest  = 4
	SyncStatusRetry       = 6
	SyncStatusConflict    = 7
	SyncStatusNotFound    = 8
	SyncStatusBadSyncKey  = 9
)

// FolderSync status codes.
const (
	FolderStatusOK         = 1
	FolderStatusBadSyncKey = 9
)

// Ping status codes.
const (
	PingStatusExpired          = 1
	PingStatusChanges          = 2
	PingStatusMissingParams    = 3
	PingStatusBadRequest       = 4
	PingStatusBadHeartbeat     = 5
	PingStatusTooManyFolders   = 6
	PingStatusFolderSyncNeeded = 7
	PingStatusServerError      = 8
)

// GetItemEstimate status codes.
const (
	EstimateStatusOK                = 1
	EstimateStatusUnknownCollection = 2
	EstimateStatusNoSyncState       = 3
	EstimateStatusBadSyncKey        = 4
)

// Provision status codes, document level.
const (
	ProvisionStatusOK          = 1
	ProvisionStatusProtocol    = 2
	ProvisionStatusServerError = 3
)

// Provision status codes, policy level.
const (
	PolicyStatusOK          = 1
	PolicyStatusNoPolicy    = 2
	PolicyStatusUnknownType = 3
	PolicyStatusCorrupt     = 4
	PolicyStatusWrongKey    = 5
)

// SendMail status codes (only failures carry a body).
const (
	SendMailStatusParseError   = 103
	SendMailStatusSubmitFailed = 120
)

// FormatDate renders a timestamp the way EAS elements expect.
func FormatDate(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}
