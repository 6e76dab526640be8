package claspwire

import "github.com/clasp-proto/claspd/internal/claspvalue"

// Code identifies the message type, per the router's message-code table.
type Code byte

const (
	CodeHello       Code = 0x01
	CodeWelcome     Code = 0x02
	CodeAnnounce    Code = 0x03
	CodeSubscribe   Code = 0x10
	CodeUnsubscribe Code = 0x11
	CodePublish     Code = 0x20
	CodeSet         Code = 0x21
	CodeGet         Code = 0x22
	CodeSnapshot    Code = 0x23
	CodeBundle      Code = 0x30
	CodeSync        Code = 0x40
	CodePing        Code = 0x41
	CodePong        Code = 0x42
	CodeAck         Code = 0x50
	CodeError       Code = 0x51
	CodeQuery       Code = 0x60
	CodeResult      Code = 0x61
)

func (c Code) String() string {
	switch c {
	case CodeHello:
		return "HELLO"
	case CodeWelcome:
		return "WELCOME"
	case CodeAnnounce:
		return "ANNOUNCE"
	case CodeSubscribe:
		return "SUBSCRIBE"
	case CodeUnsubscribe:
		return "UNSUBSCRIBE"
	case CodePublish:
		return "PUBLISH"
	case CodeSet:
		return "SET"
	case CodeGet:
		return "GET"
	case CodeSnapshot:
		return "SNAPSHOT"
	case CodeBundle:
		return "BUNDLE"
	case CodeSync:
		return "SYNC"
	case CodePing:
		return "PING"
	case CodePong:
		return "PONG"
	case CodeAck:
		return "ACK"
	case CodeError:
		return "ERROR"
	case CodeQuery:
		return "QUERY"
	case CodeResult:
		return "RESULT"
	default:
		return "UNKNOWN"
	}
}

// ErrorCode is the numeric error code carried in ERROR messages. The values
// borrow HTTP status numbers (400, 403, 404, 409, 423, 503, 507); they are not
// grouped into per-category ranges.
type ErrorCode int

const (
	ErrBadRequest        ErrorCode = 400
	ErrForbidden         ErrorCode = 403
	ErrNotFound          ErrorCode = 404
	ErrRevisionConflict  ErrorCode = 409
	ErrLocked            ErrorCode = 423
	ErrBufferOverflow    ErrorCode = 503
	// ErrResourceExhausted reports a resource bound other than the outbound
	// queue being hit: bundle size cap, address-space cap (§5).
	ErrResourceExhausted ErrorCode = 507
)

// SignalType distinguishes ephemeral PUBLISH traffic the dispatcher
// treats specially (coalescing, no state mutation).
type SignalType uint8

const (
	SignalEvent SignalType = iota
	SignalStream
	SignalGesture
)

// GesturePhase tags samples within a gesture stream; only Move phases are
// eligible for coalescing.
type GesturePhase uint8

const (
	PhaseBegin GesturePhase = iota
	PhaseMove
	PhaseEnd
)

// SetOptions carries the optional fields a SET message may specify.
type SetOptions struct {
	ExpectedRevision *uint64 // nil means "any"; pointer to 0 means "create only if absent"
	Lock             bool
	Unlock           bool
}

// SubscribeOptions carries the optional per-subscription fanout filters.
type SubscribeOptions struct {
	MaxRate float64 // 0 = unlimited
	Epsilon float64 // applies only to Int/Float values, per open question 2
	History uint32  // snapshot depth requested on subscribe; >=1 triggers a snapshot
	Types   []SignalType
}

// Message is the decoded, routable representation of a frame body. Only the
// fields relevant to Code are populated; it is the in-memory analogue of the
// wire message union described in §3/§4.
type Message struct {
	Code          Code
	CorrelationID uint64
	HasCorrelation bool

	// HELLO / WELCOME
	ClientVersion string
	Features      []string

	// Address: SET/GET/PUBLISH/ANNOUNCE; Pattern: SUBSCRIBE/GET/QUERY
	// (UNSUBSCRIBE carries only SubID)
	Address string
	Pattern string

	Value      claspvalue.Value
	SetOpts    SetOptions
	SubOpts    SubscribeOptions
	SubID      uint64

	Signal GesturePhase
	SigKind SignalType
	GestureID string

	// BUNDLE
	Bundle    []Message
	ExecuteAt int64 // router-time microseconds; 0 means immediate

	// SYNC
	T1, T2, T3 int64

	// ERROR
	ErrCode ErrorCode
	ErrMsg  string

	// WELCOME (RouterName, RouterTime, Token), HELLO (Token), ACK (Revision)
	RouterName string
	RouterTime int64
	Token      string
	Revision   uint64

	// SNAPSHOT
	SnapshotID       uint64
	HasSnapshotID    bool
	SnapshotSeq      uint64
	SnapshotTerminal bool
	SnapshotEntries  []SnapshotEntry
}

// SnapshotEntry is one parameter carried in a SNAPSHOT chunk: value plus
// the revision it was read at, so the receiving client can apply the
// reconciliation rule against concurrently arriving live updates (§4.7).
type SnapshotEntry struct {
	Address  string
	Value    claspvalue.Value
	Revision uint64
}
