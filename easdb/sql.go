package easdb

const createSQL = `
PRAGMA auto_vacuum = INCREMENTAL;

CREATE TABLE IF NOT EXISTS Users (
	UserID   INTEGER PRIMARY KEY,
	Login    TEXT NOT NULL,    -- always lower case
	Address  TEXT NOT NULL,    -- primary "user@domain" address
	PassHash TEXT NOT NULL,    -- bcrypt of user password
	FullName TEXT NOT NULL,
	Locked   BOOLEAN NOT NULL,

	UNIQUE(Login)
);

-- Devices holds one row per ActiveSync partnership.
-- The DeviceID comes from the request query string, so it is
-- client-chosen and only unique per user.
CREATE TABLE IF NOT EXISTS Devices (
	UserID          INTEGER NOT NULL,
	DeviceID        TEXT NOT NULL,
	DeviceType      TEXT NOT NULL,
	PolicyKey       INTEGER NOT NULL, -- uint32
	Provision       INTEGER NOT NULL, -- eas.ProvisionState
	ProtocolVersion TEXT,
	UserAgent       TEXT,
	Model           TEXT,
	IMEI            TEXT,
	FriendlyName    TEXT,
	OS              TEXT,
	OSLanguage      TEXT,
	PhoneNumber     TEXT,
	MobileOperator  TEXT,
	FirstSeen       INTEGER NOT NULL, -- time.Unix
	LastSeen        INTEGER NOT NULL, -- time.Unix

	PRIMARY KEY(UserID, DeviceID),
	FOREIGN KEY(UserID) REFERENCES Users(UserID)
);

-- Msgs holds the item metadata served by Sync. Text bodies are
-- extracted once at insert time so list pages never parse MIME.
CREATE TABLE IF NOT EXISTS Msgs (
	MsgID        INTEGER PRIMARY KEY,
	UserID       INTEGER NOT NULL,
	CollectionID TEXT NOT NULL,     -- "1" Inbox .. "7" Contacts
	Subject      TEXT,
	FromAddr     TEXT,              -- RFC 5322 mailbox
	ToAddrs      TEXT,              -- RFC 5322 address list
	CcAddrs      TEXT,
	ReplyToAddrs TEXT,
	DateReceived INTEGER NOT NULL,  -- time.Unix
	Read         BOOLEAN NOT NULL,
	Importance   INTEGER NOT NULL,  -- 0 low, 1 normal, 2 high
	ConvoID      BLOB,              -- 16-byte thread hash
	PlainText    TEXT,
	HTML         TEXT,

	FOREIGN KEY(UserID) REFERENCES Users(UserID)
);

CREATE INDEX IF NOT EXISTS MsgsByCollection ON Msgs (UserID, CollectionID, DateReceived);

-- MsgRaw holds the raw contents of a message.
-- It remains entirely unmodified from how it was received.
CREATE TABLE IF NOT EXISTS MsgRaw (
	MsgID   INTEGER PRIMARY KEY,
	Content BLOB,

	FOREIGN KEY(MsgID) REFERENCES Msgs(MsgID)
);

-- SyncStates carries the per-(user, device, collection) sync
-- ledger. The blob is opaque to this package; see eas/syncstate.
CREATE TABLE IF NOT EXISTS SyncStates (
	UserID       INTEGER NOT NULL,
	DeviceID     TEXT NOT NULL,
	CollectionID TEXT NOT NULL,
	State        BLOB NOT NULL,
	Updated      INTEGER NOT NULL, -- time.Unix

	PRIMARY KEY(UserID, DeviceID, CollectionID)
);
`
