package models

import "time"

// SystemConfig represents a key-value configuration entry.
type SystemConfig struct {
	ID        int64
	Key       string
	Value     string
	UpdatedAt time.Time
}

// CDR represents one SMDR call detail record as delivered by the PBX.
// The first 30 fields are always present on an accepted line; the last
// five are extension fields that older firmware omits.
type CDR struct {
	ID         int64
	SourceType string
	RawLine    string

	CallStart      time.Time
	ConnectedTime  int // seconds
	RingTime       int // seconds
	Caller         string
	Direction      string // "I" | "O"
	CalledNumber   string
	DialledNumber  string
	Account        string
	IsInternal     bool
	CallID         int64
	Continuation   bool
	Party1Device   string
	Party1Name     string
	Party2Device   string
	Party2Name     string
	HoldTime       int // seconds
	ParkTime       int // seconds
	AuthValid      string
	AuthCode       string
	UserCharged    string
	CallCharge     string
	Currency       string
	AmountAtChange string
	CallUnits      int
	UnitsAtChange  int
	CostPerUnit    int
	MarkUp         int

	ExternalTargetingCause string
	ExternalTargeterID     string
	ExternalTargetedNumber string

	// Extension fields.
	CallingServerIP    string
	CallerUniqueCallID string
	CalledServerIP     string
	CalledUniqueCallID string
	RecordTime         time.Time

	CreatedAt time.Time
}

// Call is the aggregated call produced by call aggregation. This service
// only reads it, apart from flagging it as recorded.
type Call struct {
	ID             int64
	ExternalCallID string
	AgentID        string
	QueueName      string
	Direction      string // "inbound" | "outbound" | "internal"
	CallerNumber   string
	CalledNumber   string
	StartTime      time.Time
	EndTime        *time.Time
	Recorded       bool
}

// Recording rule kinds.
const (
	RuleKindAgent          = "agent"
	RuleKindGroup          = "group"
	RuleKindDirection      = "direction"
	RuleKindNumber         = "number"
	RuleKindBasicCallEvent = "basic_call_event"
	RuleKindAdvanced       = "advanced"
)

// RecordingRule decides whether calls are kept. Lower priority values win.
type RecordingRule struct {
	ID              int64
	Name            string
	Priority        int
	Kind            string
	DirectionFilter string // "all" | "inbound" | "outbound"
	Conditions      string // JSON
	RecordPercent   int
	Active          bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Recording is one ingested audio file.
type Recording struct {
	ID               string
	PoolID           int64
	CallID           *int64
	StoragePath      string
	PeaksPath        string
	OriginalFilename string
	OriginalCodec    string
	StoredCodec      string
	DurationSeconds  float64
	FileSize         int64
	Checksum         string
	MatchMethod      *string
	MatchConfidence  int
	CreatedAt        time.Time
	DeletedAt        *time.Time
}

// Storage pool types.
const (
	PoolTypeLocal   = "local"
	PoolTypeNetwork = "network"
	PoolTypeObject  = "object"
)

// StoragePool is a quota-bounded storage target.
type StoragePool struct {
	ID               int64
	Name             string
	Type             string
	Path             string // root subdirectory, or bucket name for object pools
	MaxSizeBytes     int64  // 0 = unbounded
	CurrentSizeBytes int64
	Active           bool
	WriteEnabled     bool
	DeleteEnabled    bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
