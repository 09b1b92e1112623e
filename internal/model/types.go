package model

// AggregationMode controls whether and when a raw contact is aggregated.
type AggregationMode int

const (
	// AggregationModeDefault lets the background pass pick the contact up.
	AggregationModeDefault AggregationMode = 0
	// AggregationModeImmediate aggregates synchronously inside the ingest transaction.
	AggregationModeImmediate AggregationMode = 2
	// AggregationModeDisabled excludes the contact from aggregation entirely.
	AggregationModeDisabled AggregationMode = 3
)

// ExceptionType is a user-authored override between two raw contacts.
type ExceptionType int

const (
	ExceptionKeepIn  ExceptionType = 1
	ExceptionKeepOut ExceptionType = 2
)

// Mime types of the data rows the matching algorithm understands.
// Photo rows only participate in aggregate photo selection.
const (
	MimeStructuredName = "structured_name"
	MimeEmail          = "email"
	MimePhone          = "phone"
	MimeNickname       = "nickname"
	MimePhoto          = "photo"
)

// RawContact is one address-book entry from one source account.
// AggregateID is 0 while the contact is pending aggregation.
type RawContact struct {
	ID              int64           `json:"id"`
	AccountName     string          `json:"accountName"`
	AggregateID     int64           `json:"aggregateId,omitempty"`
	AggregationMode AggregationMode `json:"aggregationMode"`
	DisplayName     string          `json:"displayName,omitempty"`
	CustomRingtone  *string         `json:"customRingtone,omitempty"`
	SendToVoicemail *bool           `json:"sendToVoicemail,omitempty"`
	LastContacted   int64           `json:"lastTimeContacted,omitempty"`
	TimesContacted  int64           `json:"timesContacted,omitempty"`
	Starred         bool            `json:"starred,omitempty"`
	IsRestricted    bool            `json:"isRestricted,omitempty"`
}

// DataRow is a typed attribute of a raw contact. The payload slots follow the
// source convention: structured names use Data1=given, Data2=family; emails,
// phones and nicknames carry their value in Data2.
type DataRow struct {
	ID           int64  `json:"id"`
	RawContactID int64  `json:"rawContactId"`
	MimeType     string `json:"mimeType"`
	Data1        string `json:"data1,omitempty"`
	Data2        string `json:"data2,omitempty"`
	IsPrimary    bool   `json:"isPrimary,omitempty"`
}

// Aggregate is the clustered view of one person across sources. All derived
// fields are recomputed from members after every membership change.
type Aggregate struct {
	ID          int64  `json:"id"`
	LookupKey   string `json:"lookupKey"`
	DisplayName string `json:"displayName,omitempty"`
	PhotoID     int64  `json:"photoId,omitempty"`

	SendToVoicemail bool    `json:"sendToVoicemail,omitempty"`
	CustomRingtone  *string `json:"customRingtone,omitempty"`
	LastContacted   int64   `json:"lastTimeContacted,omitempty"`
	TimesContacted  int64   `json:"timesContacted,omitempty"`
	Starred         bool    `json:"starred,omitempty"`

	Primaries AggregatePrimaries `json:"primaries"`
	IsVisible bool               `json:"isVisible"`
}

// AggregatePrimaries holds the promoted phone/email data-row ids. Optimal
// slots accept any visibility; fallback slots only unrestricted rows, so
// restricted data never leaks through a public surface.
type AggregatePrimaries struct {
	OptimalPhoneID         int64 `json:"optimalPhoneId,omitempty"`
	OptimalPhoneRestricted bool  `json:"optimalPhoneRestricted,omitempty"`
	FallbackPhoneID        int64 `json:"fallbackPhoneId,omitempty"`
	OptimalEmailID         int64 `json:"optimalEmailId,omitempty"`
	OptimalEmailRestricted bool  `json:"optimalEmailRestricted,omitempty"`
	FallbackEmailID        int64 `json:"fallbackEmailId,omitempty"`
	SingleIsRestricted     bool  `json:"singleIsRestricted,omitempty"`
}

// AggregateOptions is the roll-up of member options written back to the
// aggregate row.
type AggregateOptions struct {
	SendToVoicemail bool
	CustomRingtone  *string
	LastContacted   int64
	TimesContacted  int64
	Starred         bool
}

// ContactOptions is the per-member slice of options read during roll-up.
// Ringtone and voicemail are nullable: an unset value does not vote.
type ContactOptions struct {
	CustomRingtone  *string
	SendToVoicemail *bool
	LastContacted   int64
	TimesContacted  int64
	Starred         bool
}

// AggregationException is a user override naming two raw contacts.
type AggregationException struct {
	ID            int64         `json:"id"`
	Type          ExceptionType `json:"type"`
	RawContactID1 int64         `json:"rawContactId1"`
	RawContactID2 int64         `json:"rawContactId2"`
}

// ExceptionPeer is one aggregation exception seen from one side: the peer
// raw contact and, when the peer is already aggregated, its aggregate id.
type ExceptionPeer struct {
	Type             ExceptionType
	PeerRawContactID int64
	PeerAggregateID  int64 // 0 while the peer is unaggregated
}

// NameLookupMatch is one row of the approximate-match index joined with the
// owning raw contact's aggregate id.
type NameLookupMatch struct {
	AggregateID    int64
	NormalizedName string
	NameType       int
}

// StructuredNameRow is a structured-name data row tagged with the aggregate
// that owns it, loaded during the secondary match pass.
type StructuredNameRow struct {
	AggregateID int64
	GivenName   string
	FamilyName  string
}

// PhotoCandidate is a photo data row plus the account name of the raw
// contact that owns it; the smallest account name wins.
type PhotoCandidate struct {
	DataID      int64
	AccountName string
}

// PrimaryRows identifies the is_primary phone and email rows of one raw
// contact, with the contact's restricted flag.
type PrimaryRows struct {
	PhoneDataID  int64
	EmailDataID  int64
	IsRestricted bool
}
