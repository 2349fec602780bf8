// Package smtpclient implements spec.md §4.7: the outbound SMTP/LMTP
// client wire protocol state machine, including STARTTLS negotiation
// (opportunistic / required / MTA-STS / DANE), pipelining, and
// per-recipient LMTP response aggregation.
//
// Grounded on the teacher's internal/smtp/delivery.go deliverToHost,
// which dials with a timeout-bound net.Dialer, speaks EHLO, attempts
// STARTTLS via the advertised extension, and runs MAIL/RCPT/DATA/QUIT in
// sequence. That shape is generalized here from net/smtp (which cannot
// express LMTP, pipelining, or DANE-gated TLS) to a hand-rolled state
// machine over net/textproto-style line framing, built directly on
// bufio/net the way net/smtp itself is internally. The teacher's
// internal/resilience/circuitbreaker.go BreakerRegistry (sync.Map keyed
// by identity, lazily created) is the grounding shape for
// remember_broken_tls's negative-outcome cache (see brokentls.go).
package smtpclient

import "errors"

// Protocol distinguishes SMTP from LMTP framing, per spec.md §4.7 ("LMTP
// replaces DATA's single response with a per-recipient response block
// and uses LHLO instead of EHLO"). One Dialer is configured for exactly
// one Protocol; engine wiring selects the Dialer matching a Ready
// Queue's protocol_tag.
type Protocol string

const (
	ProtocolSMTP Protocol = "smtp"
	ProtocolLMTP Protocol = "lmtp"
)

// Errors surfaced by the state machine; callers treat any of them as a
// session-level transient failure per spec.md §4.7 unless noted.
var (
	ErrBannerRejected     = errors.New("smtpclient: banner rejected")
	ErrHelloRejected      = errors.New("smtpclient: EHLO/LHLO rejected")
	ErrTLSRequired        = errors.New("smtpclient: TLS required but unavailable")
	ErrTLSHandshakeFailed = errors.New("smtpclient: opportunistic STARTTLS handshake failed")
	ErrMTASTSViolation    = errors.New("smtpclient: host not permitted by MTA-STS policy")
	ErrDANEVerification   = errors.New("smtpclient: DANE verification failed")
	ErrMalformedResponse  = errors.New("smtpclient: malformed response line")
)
