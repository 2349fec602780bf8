// Package logbus implements spec.md §4.9: the Log Event Bus. Every
// terminal or notable event in a message's lifecycle is rendered into a
// typed Record and fanned out to zero or more consumers (local
// zstd-compressed file segments, and optional Webhook/AMQP/Kafka network
// consumers), each of which may filter by record type or an arbitrary
// predicate.
//
// Grounded on the teacher's internal/smtp/delivery.go Engine, which logs
// structured delivery outcomes via internal/logging at each lifecycle
// point (deliverMessage's permanent/temporary branches, the
// retry/bounce paths) — logbus generalizes that ad hoc structured
// logging into a typed, multi-consumer event bus, matching spec.md's
// requirement that the log stream be a first-class, independently
// consumable artifact rather than incidental log lines.
package logbus

import "time"

// Kind tags a Record's place in spec.md §4.9's list of record types.
type Kind string

const (
	KindReception         Kind = "Reception"
	KindDelivery          Kind = "Delivery"
	KindBounce            Kind = "Bounce"
	KindTransientFailure  Kind = "TransientFailure"
	KindExpiration        Kind = "Expiration"
	KindAdminBounce       Kind = "AdminBounce"
	KindOOB               Kind = "OOB"
	KindFeedback          Kind = "Feedback"
	KindRejection         Kind = "Rejection"
)

// PeerResponse captures the SMTP/LMTP response that produced a Record,
// mirroring retry.Response's fields so the two stay in lockstep.
type PeerResponse struct {
	Code           int
	EnhancedStatus string
	Content        string
	Verb           string
}

// TLSInfo is attached to Delivery records, per spec.md §4.9.
type TLSInfo struct {
	Used          bool
	Version       string
	CipherSuite   string
	Verified      bool // peer certificate chain passed verification
}

// Record is one Log Event Bus entry, carrying every field spec.md §4.9
// names. Fields that do not apply to a given Kind are left at their zero
// value (e.g. TLS is empty for a Reception record).
type Record struct {
	Kind Kind

	MessageID  string
	Sender     string
	Recipient  string   // single-recipient convenience; empty when Recipients is used
	Recipients []string // batched handling

	QueueName string
	Site      string

	PayloadSize int64

	Response PeerResponse

	PeerAddress string

	Timestamp time.Time
	CreatedAt time.Time

	NumAttempts int

	BounceClassification string

	EgressPool   string
	EgressSource string

	SourceAddress string
	ProxyServer   string // optional, set when the egress source dials through a proxy

	TLS TLSInfo

	NodeID    string // per-node UUID
	SessionID string // shared across records belonging to one SMTP session

	Meta    map[string]interface{} // snapshot of selected metadata
	Headers map[string]string      // snapshot of selected message headers
}
