package wbxml

// EAS code page numbers. Only the pages the server speaks are
// defined; a decoded document may still carry tags from other
// pages, which survive as unnamed (page, code) nodes.
const (
	PageAirSync         = 0x00
	PageEmail           = 0x02
	PageGetItemEstimate = 0x06
	PageFolderHierarchy = 0x07
	PagePing            = 0x0D
	PageProvision       = 0x0E
	PageAirSyncBase     = 0x11
	PageSettings        = 0x12
	PageComposeMail     = 0x15
	PageEmail2          = 0x16
)

// Root command tags.
var (
	Sync            = Tag{PageAirSync, 0x05}
	GetItemEstimate = Tag{PageGetItemEstimate, 0x05}
	FolderSync      = Tag{PageFolderHierarchy, 0x16}
	Ping            = Tag{PagePing, 0x05}
	Provision       = Tag{PageProvision, 0x05}
	Settings        = Tag{PageSettings, 0x05}
	SendMail        = Tag{PageComposeMail, 0x05}
	SmartForward    = Tag{PageComposeMail, 0x06}
	SmartReply      = Tag{PageComposeMail, 0x07}
)

// AirSync, code page 0x00.
var (
	ASResponses         = Tag{PageAirSync, 0x06}
	ASAdd               = Tag{PageAirSync, 0x07}
	ASChange            = Tag{PageAirSync, 0x08}
	ASDelete            = Tag{PageAirSync, 0x09}
	ASFetch             = Tag{PageAirSync, 0x0A}
	ASSyncKey           = Tag{PageAirSync, 0x0B}
	ASClientID          = Tag{PageAirSync, 0x0C}
	ASServerID          = Tag{PageAirSync, 0x0D}
	ASStatus            = Tag{PageAirSync, 0x0E}
	ASCollection        = Tag{PageAirSync, 0x0F}
	ASClass             = Tag{PageAirSync, 0x10}
	ASCollectionID      = Tag{PageAirSync, 0x12}
	ASGetChanges        = Tag{PageAirSync, 0x13}
	ASMoreAvailable     = Tag{PageAirSync, 0x14}
	ASWindowSize        = Tag{PageAirSync, 0x15}
	ASCommands          = Tag{PageAirSync, 0x16}
	ASOptions           = Tag{PageAirSync, 0x17}
	ASFilterType        = Tag{PageAirSync, 0x18}
	ASConflict          = Tag{PageAirSync, 0x1B}
	ASCollections       = Tag{PageAirSync, 0x1C}
	ASApplicationData   = Tag{PageAirSync, 0x1D}
	ASDeletesAsMoves    = Tag{PageAirSync, 0x1E}
	ASSupported         = Tag{PageAirSync, 0x20}
	ASSoftDelete        = Tag{PageAirSync, 0x21}
	ASMIMESupport       = Tag{PageAirSync, 0x22}
	ASMIMETruncation    = Tag{PageAirSync, 0x23}
	ASWait              = Tag{PageAirSync, 0x24}
	ASLimit             = Tag{PageAirSync, 0x25}
	ASPartial           = Tag{PageAirSync, 0x26}
	ASConversationMode  = Tag{PageAirSync, 0x27}
	ASMaxItems          = Tag{PageAirSync, 0x28}
	ASHeartbeatInterval = Tag{PageAirSync, 0x29}
)

// Email, code page 0x02.
var (
	EmailAttachment    = Tag{PageEmail, 0x05}
	EmailAttachments   = Tag{PageEmail, 0x06}
	EmailAttName       = Tag{PageEmail, 0x07}
	EmailAttSize       = Tag{PageEmail, 0x08}
	EmailAttMethod     = Tag{PageEmail, 0x0A}
	EmailBody          = Tag{PageEmail, 0x0C}
	EmailBodySize      = Tag{PageEmail, 0x0D}
	EmailBodyTruncated = Tag{PageEmail, 0x0E}
	EmailDateReceived  = Tag{PageEmail, 0x0F}
	EmailDisplayName   = Tag{PageEmail, 0x10}
	EmailDisplayTo     = Tag{PageEmail, 0x11}
	EmailImportance    = Tag{PageEmail, 0x12}
	EmailMessageClass  = Tag{PageEmail, 0x13}
	EmailSubject       = Tag{PageEmail, 0x14}
	EmailRead          = Tag{PageEmail, 0x15}
	EmailTo            = Tag{PageEmail, 0x16}
	EmailCc            = Tag{PageEmail, 0x17}
	EmailFrom          = Tag{PageEmail, 0x18}
	EmailReplyTo       = Tag{PageEmail, 0x19}
	EmailThreadTopic   = Tag{PageEmail, 0x35}
	EmailMIMEData      = Tag{PageEmail, 0x36}
	EmailMIMETruncated = Tag{PageEmail, 0x37}
	EmailMIMESize      = Tag{PageEmail, 0x38}
	EmailInternetCPID  = Tag{PageEmail, 0x39}
	EmailFlag          = Tag{PageEmail, 0x3A}
	EmailFlagStatus    = Tag{PageEmail, 0x3B}
	EmailContentClass  = Tag{PageEmail, 0x3C}
)

// GetItemEstimate, code page 0x06.
var (
	GIECollections  = Tag{PageGetItemEstimate, 0x07}
	GIECollection   = Tag{PageGetItemEstimate, 0x08}
	GIEClass        = Tag{PageGetItemEstimate, 0x09}
	GIECollectionID = Tag{PageGetItemEstimate, 0x0A}
	GIEEstimate     = Tag{PageGetItemEstimate, 0x0C}
	GIEResponse     = Tag{PageGetItemEstimate, 0x0D}
	GIEStatus       = Tag{PageGetItemEstimate, 0x0E}
	GIEOptions      = Tag{PageGetItemEstimate, 0x0F}
)

// FolderHierarchy, code page 0x07.
var (
	FHFolders     = Tag{PageFolderHierarchy, 0x05}
	FHFolder      = Tag{PageFolderHierarchy, 0x06}
	FHDisplayName = Tag{PageFolderHierarchy, 0x07}
	FHServerID    = Tag{PageFolderHierarchy, 0x08}
	FHParentID    = Tag{PageFolderHierarchy, 0x09}
	FHType        = Tag{PageFolderHierarchy, 0x0A}
	FHStatus      = Tag{PageFolderHierarchy, 0x0C}
	FHChanges     = Tag{PageFolderHierarchy, 0x0E}
	FHAdd         = Tag{PageFolderHierarchy, 0x0F}
	FHDelete      = Tag{PageFolderHierarchy, 0x10}
	FHUpdate      = Tag{PageFolderHierarchy, 0x11}
	FHSyncKey     = Tag{PageFolderHierarchy, 0x12}
	FHCount       = Tag{PageFolderHierarchy, 0x17}
)

// Ping, code page 0x0D.
var (
	PingStatus            = Tag{PagePing, 0x07}
	PingHeartbeatInterval = Tag{PagePing, 0x08}
	PingFolders           = Tag{PagePing, 0x09}
	PingFolder            = Tag{PagePing, 0x0A}
	PingID                = Tag{PagePing, 0x0B}
	PingClass             = Tag{PagePing, 0x0C}
	PingMaxFolders        = Tag{PagePing, 0x0D}
)

// Provision, code page 0x0E.
var (
	ProvPolicies        = Tag{PageProvision, 0x06}
	ProvPolicy          = Tag{PageProvision, 0x07}
	ProvPolicyType      = Tag{PageProvision, 0x08}
	ProvPolicyKey       = Tag{PageProvision, 0x09}
	ProvData            = Tag{PageProvision, 0x0A}
	ProvStatus          = Tag{PageProvision, 0x0B}
	ProvRemoteWipe      = Tag{PageProvision, 0x0C}
	ProvEASProvisionDoc = Tag{PageProvision, 0x0D}
)

// AirSyncBase, code page 0x11.
var (
	ASBBodyPreference    = Tag{PageAirSyncBase, 0x05}
	ASBType              = Tag{PageAirSyncBase, 0x06}
	ASBTruncationSize    = Tag{PageAirSyncBase, 0x07}
	ASBAllOrNone         = Tag{PageAirSyncBase, 0x08}
	ASBBody              = Tag{PageAirSyncBase, 0x0A}
	ASBData              = Tag{PageAirSyncBase, 0x0B}
	ASBEstimatedDataSize = Tag{PageAirSyncBase, 0x0C}
	ASBTruncated         = Tag{PageAirSyncBase, 0x0D}
	ASBAttachments       = Tag{PageAirSyncBase, 0x0E}
	ASBAttachment        = Tag{PageAirSyncBase, 0x0F}
	ASBDisplayName       = Tag{PageAirSyncBase, 0x10}
	ASBNativeBodyType    = Tag{PageAirSyncBase, 0x16}
	ASBContentType       = Tag{PageAirSyncBase, 0x17}
	ASBPreview           = Tag{PageAirSyncBase, 0x18}
)

// Settings, code page 0x12.
var (
	SettingsStatus            = Tag{PageSettings, 0x06}
	SettingsGet               = Tag{PageSettings, 0x07}
	SettingsSet               = Tag{PageSettings, 0x08}
	SettingsDeviceInformation = Tag{PageSettings, 0x15}
	SettingsModel             = Tag{PageSettings, 0x16}
	SettingsIMEI              = Tag{PageSettings, 0x17}
	SettingsFriendlyName      = Tag{PageSettings, 0x18}
	SettingsOS                = Tag{PageSettings, 0x19}
	SettingsOSLanguage        = Tag{PageSettings, 0x1A}
	SettingsPhoneNumber       = Tag{PageSettings, 0x1B}
	SettingsUserInformation   = Tag{PageSettings, 0x1C}
	SettingsEmailAddresses    = Tag{PageSettings, 0x1D}
	SettingsSMTPAddress       = Tag{PageSettings, 0x1E}
	SettingsUserAgent         = Tag{PageSettings, 0x1F}
	SettingsMobileOperator    = Tag{PageSettings, 0x21}
)

// ComposeMail, code page 0x15.
var (
	CMSaveInSentItems = Tag{PageComposeMail, 0x08}
	CMReplaceMime     = Tag{PageComposeMail, 0x09}
	CMSource          = Tag{PageComposeMail, 0x0B}
	CMFolderID        = Tag{PageComposeMail, 0x0C}
	CMItemID          = Tag{PageComposeMail, 0x0D}
	CMMime            = Tag{PageComposeMail, 0x10}
	CMClientID        = Tag{PageComposeMail, 0x11}
	CMStatus          = Tag{PageComposeMail, 0x12}
)

// Email2, code page 0x16.
var (
	Email2ConversationID    = Tag{PageEmail2, 0x09}
	Email2ConversationIndex = Tag{PageEmail2, 0x0A}
	Email2Sender            = Tag{PageEmail2, 0x0E}
)

// CodePage maps a tag token to its element name.
type CodePage map[byte]string

// CodeSpace maps a page number to its CodePage.
type CodeSpace map[byte]CodePage

// Pages names every tag this package defines, for trace output.
var Pages = CodeSpace{
	PageAirSync: CodePage{
		0x05: "Sync",
		0x06: "Responses",
		0x07: "Add",
		0x08: "Change",
		0x09: "Delete",
		0x0A: "Fetch",
		0x0B: "SyncKey",
		0x0C: "ClientId",
		0x0D: "ServerId",
		0x0E: "Status",
		0x0F: "Collection",
		0x10: "Class",
		0x12: "CollectionId",
		0x13: "GetChanges",
		0x14: "MoreAvailable",
		0x15: "WindowSize",
		0x16: "Commands",
		0x17: "Options",
		0x18: "FilterType",
		0x1B: "Conflict",
		0x1C: "Collections",
		0x1D: "ApplicationData",
		0x1E: "DeletesAsMoves",
		0x20: "Supported",
		0x21: "SoftDelete",
		0x22: "MIMESupport",
		0x23: "MIMETruncation",
		0x24: "Wait",
		0x25: "Limit",
		0x26: "Partial",
		0x27: "ConversationMode",
		0x28: "MaxItems",
		0x29: "HeartbeatInterval",
	},
	PageEmail: CodePage{
		0x05: "Attachment",
		0x06: "Attachments",
		0x07: "AttName",
		0x08: "AttSize",
		0x0A: "AttMethod",
		0x0C: "Body",
		0x0D: "BodySize",
		0x0E: "BodyTruncated",
		0x0F: "DateReceived",
		0x10: "DisplayName",
		0x11: "DisplayTo",
		0x12: "Importance",
		0x13: "MessageClass",
		0x14: "Subject",
		0x15: "Read",
		0x16: "To",
		0x17: "Cc",
		0x18: "From",
		0x19: "ReplyTo",
		0x35: "ThreadTopic",
		0x36: "MIMEData",
		0x37: "MIMETruncated",
		0x38: "MIMESize",
		0x39: "InternetCPID",
		0x3A: "Flag",
		0x3B: "FlagStatus",
		0x3C: "ContentClass",
	},
	PageGetItemEstimate: CodePage{
		0x05: "GetItemEstimate",
		0x07: "Collections",
		0x08: "Collection",
		0x09: "Class",
		0x0A: "CollectionId",
		0x0C: "Estimate",
		0x0D: "Response",
		0x0E: "Status",
		0x0F: "Options",
	},
	PageFolderHierarchy: CodePage{
		0x05: "Folders",
		0x06: "Folder",
		0x07: "DisplayName",
		0x08: "ServerId",
		0x09: "ParentId",
		0x0A: "Type",
		0x0C: "Status",
		0x0E: "Changes",
		0x0F: "Add",
		0x10: "Delete",
		0x11: "Update",
		0x12: "SyncKey",
		0x13: "FolderCreate",
		0x14: "FolderDelete",
		0x15: "FolderUpdate",
		0x16: "FolderSync",
		0x17: "Count",
	},
	PagePing: CodePage{
		0x05: "Ping",
		0x07: "Status",
		0x08: "HeartbeatInterval",
		0x09: "Folders",
		0x0A: "Folder",
		0x0B: "Id",
		0x0C: "Class",
		0x0D: "MaxFolders",
	},
	PageProvision: CodePage{
		0x05: "Provision",
		0x06: "Policies",
		0x07: "Policy",
		0x08: "PolicyType",
		0x09: "PolicyKey",
		0x0A: "Data",
		0x0B: "Status",
		0x0C: "RemoteWipe",
		0x0D: "EASProvisionDoc",
	},
	PageAirSyncBase: CodePage{
		0x05: "BodyPreference",
		0x06: "Type",
		0x07: "TruncationSize",
		0x08: "AllOrNone",
		0x0A: "Body",
		0x0B: "Data",
		0x0C: "EstimatedDataSize",
		0x0D: "Truncated",
		0x0E: "Attachments",
		0x0F: "Attachment",
		0x10: "DisplayName",
		0x16: "NativeBodyType",
		0x17: "ContentType",
		0x18: "Preview",
	},
	PageSettings: CodePage{
		0x05: "Settings",
		0x06: "Status",
		0x07: "Get",
		0x08: "Set",
		0x15: "DeviceInformation",
		0x16: "Model",
		0x17: "IMEI",
		0x18: "FriendlyName",
		0x19: "OS",
		0x1A: "OSLanguage",
		0x1B: "PhoneNumber",
		0x1C: "UserInformation",
		0x1D: "EmailAddresses",
		0x1E: "SMTPAddress",
		0x1F: "UserAgent",
		0x21: "MobileOperator",
	},
	PageComposeMail: CodePage{
		0x05: "SendMail",
		0x06: "SmartForward",
		0x07: "SmartReply",
		0x08: "SaveInSentItems",
		0x09: "ReplaceMime",
		0x0B: "Source",
		0x0C: "FolderId",
		0x0D: "ItemId",
		0x10: "Mime",
		0x11: "ClientId",
		0x12: "Status",
	},
	PageEmail2: CodePage{
		0x09: "ConversationId",
		0x0A: "ConversationIndex",
		0x0E: "Sender",
	},
}

var pageNames = map[byte]string{
	PageAirSync:         "airsync",
	PageEmail:           "email",
	PageGetItemEstimate: "itemestimate",
	PageFolderHierarchy: "folderhierarchy",
	PagePing:            "ping",
	PageProvision:       "provision",
	PageAirSyncBase:     "airsyncbase",
	PageSettings:        "settings",
	PageComposeMail:     "composemail",
	PageEmail2:          "email2",
}

// tagName resolves a tag through Pages. Names outside the AirSync
// page are qualified with the page name, since the same element
// name appears on several pages (Status, Folders, SyncKey).
func tagName(t Tag) string {
	page, ok := Pages[t.Page]
	if !ok {
		return ""
	}
	name, ok := page[t.Code]
	if !ok {
		return ""
	}
	if t.Page == PageAirSync {
		return name
	}
	return pageNames[t.Page] + ":" + name
}
