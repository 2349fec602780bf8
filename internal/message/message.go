// Package message implements the in-memory Message handle: lazy loading
// and shrinking of data/metadata, envelope accessors, and scheduling
// fields. The durable source of truth is always the spool; a Message is a
// cache in front of it.
package message

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"sync"
	"time"
)

// ID is the opaque 128-bit message identifier: reception time plus a
// random suffix, rendered as hex so it sorts lexically by arrival order.
type ID string

// NewID derives a new message id from the given time and a random suffix.
func NewID(now time.Time) ID {
	var suffix [8]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		binary.BigEndian.PutUint64(suffix[:], uint64(now.UnixNano()))
	}
	var buf bytes.Buffer
	var tbuf [8]byte
	binary.BigEndian.PutUint64(tbuf[:], uint64(now.UnixNano()))
	buf.Write(tbuf[:])
	buf.Write(suffix[:])
	return ID(hex.EncodeToString(buf.Bytes()))
}

// MetaValue is a typed metadata value: number, string, boolean, or nested
// array/map, per spec.md §3.
type MetaValue = interface{}

// Meta is the durable metadata snapshot for a message.
type Meta struct {
	EnvelopeSender     string                 `json:"sender"`
	EnvelopeRecipients []string               `json:"recipients"`
	Fields             map[string]MetaValue   `json:"meta"`
	NumAttempts        int                    `json:"num_attempts"`
	CreatedAt          time.Time              `json:"created_at"`
	DueAt              time.Time              `json:"due_at"`
	ExpiresAt          time.Time              `json:"expires_at"`
	QueueName          string                 `json:"queue_name"`
}

// Clone returns a deep-enough copy safe for concurrent mutation.
func (m Meta) Clone() Meta {
	out := m
	out.EnvelopeRecipients = append([]string(nil), m.EnvelopeRecipients...)
	out.Fields = make(map[string]MetaValue, len(m.Fields))
	for k, v := range m.Fields {
		out.Fields[k] = v
	}
	return out
}

// Errors surfaced by Message invariants.
var (
	ErrDueAfterExpiry = errors.New("message: due_at must not exceed expires_at")
)

// DataLoader loads the immutable body bytes for a message id on demand.
type DataLoader interface {
	LoadData(ctx context.Context, id ID) ([]byte, error)
}

// MetaStore persists metadata snapshots durably; Message calls it on every
// mutation of a durable field, per spec.md §4.2.
type MetaStore interface {
	StoreMeta(ctx context.Context, id ID, meta Meta) error
}

// ShrinkPolicy controls when a Message releases cached data/meta while
// waiting in a Scheduled Queue. The default, per spec.md §4.2, is
// ShrinkDataAndMeta regardless of time-until-due — an explicit design
// decision preserved from the observed source (see SPEC_FULL.md).
type ShrinkPolicy int

const (
	// ShrinkNone never releases cached bytes early.
	ShrinkNone ShrinkPolicy = iota
	// ShrinkDataOnly releases only the body once time-until-due exceeds
	// the configured threshold.
	ShrinkDataOnly
	// ShrinkDataAndMeta releases both body and metadata once
	// time-until-due exceeds a (longer) threshold. Default policy.
	ShrinkDataAndMeta
)

// Handle is the in-memory handle to a spooled message.
type Handle struct {
	id ID

	loader DataLoader
	store  MetaStore

	mu   sync.Mutex
	meta Meta
	data []byte

	policy         ShrinkPolicy
	dataThreshold  time.Duration
	metaThreshold  time.Duration
}

// New constructs a Handle for a message whose metadata is already
// durable. loader/store may be nil for tests that only exercise in-memory
// bookkeeping.
func New(id ID, meta Meta, loader DataLoader, store MetaStore) *Handle {
	return &Handle{
		id:            id,
		loader:        loader,
		store:         store,
		meta:          meta.Clone(),
		policy:        ShrinkDataAndMeta,
		dataThreshold: 5 * time.Minute,
		metaThreshold: 30 * time.Minute,
	}
}

// SetShrinkPolicy overrides the default shrink policy and thresholds.
func (h *Handle) SetShrinkPolicy(p ShrinkPolicy, dataThreshold, metaThreshold time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.policy = p
	h.dataThreshold = dataThreshold
	h.metaThreshold = metaThreshold
}

// ID returns the message's identifier.
func (h *Handle) ID() ID { return h.id }

// EnvelopeSender returns the envelope MAIL FROM address.
func (h *Handle) EnvelopeSender() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.meta.EnvelopeSender
}

// Recipient returns the sole recipient, or the empty string when the
// message carries a recipient list (batched delivery).
func (h *Handle) Recipient() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.meta.EnvelopeRecipients) == 1 {
		return h.meta.EnvelopeRecipients[0]
	}
	return ""
}

// RecipientList returns all envelope recipients.
func (h *Handle) RecipientList() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.meta.EnvelopeRecipients...)
}

// NumAttempts returns the number of delivery attempts made so far.
func (h *Handle) NumAttempts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.meta.NumAttempts
}

// MetaGet reads a metadata field.
func (h *Handle) MetaGet(key string) (MetaValue, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.meta.Fields[key]
	return v, ok
}

// MetaSet sets a metadata field and flushes the new snapshot durably.
// Per spec.md §4.2, any mutation of durable fields must be flushed via the
// spool before the handle is deemed safe to release.
func (h *Handle) MetaSet(ctx context.Context, key string, value MetaValue) error {
	h.mu.Lock()
	if h.meta.Fields == nil {
		h.meta.Fields = make(map[string]MetaValue)
	}
	h.meta.Fields[key] = value
	snapshot := h.meta.Clone()
	h.mu.Unlock()
	return h.flush(ctx, snapshot)
}

// SetDueAt updates the next eligibility time and flushes it durably.
func (h *Handle) SetDueAt(ctx context.Context, due time.Time) error {
	h.mu.Lock()
	if due.After(h.meta.ExpiresAt) {
		h.mu.Unlock()
		return ErrDueAfterExpiry
	}
	h.meta.DueAt = due
	snapshot := h.meta.Clone()
	h.mu.Unlock()
	return h.flush(ctx, snapshot)
}

// SetScheduling overrides the message's absolute expiry.
func (h *Handle) SetScheduling(ctx context.Context, expiresAt time.Time) error {
	h.mu.Lock()
	h.meta.ExpiresAt = expiresAt
	if h.meta.DueAt.After(expiresAt) {
		h.meta.DueAt = expiresAt
	}
	snapshot := h.meta.Clone()
	h.mu.Unlock()
	return h.flush(ctx, snapshot)
}

// IncrementAttempts bumps num_attempts monotonically and flushes.
func (h *Handle) IncrementAttempts(ctx context.Context) (int, error) {
	h.mu.Lock()
	h.meta.NumAttempts++
	n := h.meta.NumAttempts
	snapshot := h.meta.Clone()
	h.mu.Unlock()
	return n, h.flush(ctx, snapshot)
}

// DueAt, ExpiresAt, QueueName, CreatedAt are read accessors.
func (h *Handle) DueAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.meta.DueAt
}

func (h *Handle) ExpiresAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.meta.ExpiresAt
}

func (h *Handle) QueueName() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.meta.QueueName
}

// SetQueueName is used by the engine when a rebind changes the derived
// queue name, and flushes the new metadata to the MetaStore like every
// other durable-field mutation.
func (h *Handle) SetQueueName(ctx context.Context, name string) error {
	h.mu.Lock()
	h.meta.QueueName = name
	snapshot := h.meta.Clone()
	h.mu.Unlock()
	return h.flush(ctx, snapshot)
}

func (h *Handle) CreatedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.meta.CreatedAt
}

// MetaSnapshot returns a deep copy of the current metadata, for logging
// and admin inspection.
func (h *Handle) MetaSnapshot() Meta {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.meta.Clone()
}

func (h *Handle) flush(ctx context.Context, meta Meta) error {
	if h.store == nil {
		return nil
	}
	return h.store.StoreMeta(ctx, h.id, meta)
}

// LoadData returns the message body, loading it from the spool if it has
// been shrunk out of memory.
func (h *Handle) LoadData(ctx context.Context) ([]byte, error) {
	h.mu.Lock()
	if h.data != nil {
		d := h.data
		h.mu.Unlock()
		return d, nil
	}
	loader := h.loader
	h.mu.Unlock()

	if loader == nil {
		return nil, fmt.Errorf("message %s: no data loader configured", h.id)
	}
	data, err := loader.LoadData(ctx, h.id)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.data = data
	h.mu.Unlock()
	return data, nil
}

// Shrink releases the cached body. Safe to call repeatedly.
func (h *Handle) Shrink() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.data = nil
}

// ShrinkMeta releases cached metadata fields, keeping only what scheduling
// needs (queue name, due/expiry, attempts); a subsequent access refetches
// from the spool via Refresh.
func (h *Handle) ShrinkMeta() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.meta.Fields = nil
}

// ApplyShrinkPolicy releases cached bytes according to the configured
// policy once the time remaining until due exceeds the thresholds. The
// aggressive (forced) sweep always performs a full shrink, independent of
// the configured per-message policy — the asymmetry is intentional, see
// SPEC_FULL.md.
func (h *Handle) ApplyShrinkPolicy(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	untilDue := h.meta.DueAt.Sub(now)
	switch h.policy {
	case ShrinkDataOnly:
		if untilDue > h.dataThreshold {
			h.data = nil
		}
	case ShrinkDataAndMeta:
		if untilDue > h.dataThreshold {
			h.data = nil
		}
		if untilDue > h.metaThreshold {
			h.meta.Fields = nil
		}
	}
}

// ForceShrink is the aggressive, memory-pressure sweep: always shrinks
// both data and metadata regardless of shrink policy or time-until-due.
func (h *Handle) ForceShrink() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.data = nil
	h.meta.Fields = nil
}

// HeaderSnapshot parses just the header block of the message body (without
// requiring the full MIME tree) for use in log-record snapshots, per
// spec.md §4.9. Adapted from the teacher's maildir header parser.
type HeaderSnapshot struct {
	MessageID string
	Subject   string
	From      string
	To        []string
	Date      string
}

// ParseHeaders extracts MIME headers from r, reading only up to the first
// blank line to bound memory use.
func ParseHeaders(r io.Reader) (*HeaderSnapshot, error) {
	data, err := io.ReadAll(io.LimitReader(r, 64*1024))
	if err != nil {
		return nil, err
	}
	idx := bytes.Index(data, []byte("\r\n\r\n"))
	if idx < 0 {
		idx = bytes.Index(data, []byte("\n\n"))
	}
	var headerBlock []byte
	if idx >= 0 {
		headerBlock = data[:idx]
	} else {
		headerBlock = data
	}

	msg, err := mail.ReadMessage(bytes.NewReader(append(headerBlock, '\r', '\n', '\r', '\n')))
	if err != nil {
		return &HeaderSnapshot{}, nil
	}

	snap := &HeaderSnapshot{
		MessageID: msg.Header.Get("Message-ID"),
		Subject:   msg.Header.Get("Subject"),
		From:      msg.Header.Get("From"),
		Date:      msg.Header.Get("Date"),
	}
	if to := msg.Header.Get("To"); to != "" {
		if addrs, err := mail.ParseAddressList(to); err == nil {
			for _, a := range addrs {
				snap.To = append(snap.To, a.Address)
			}
		}
	}
	return snap, nil
}

// MIMEPart is a minimal tree view of a parsed MIME message, sufficient
// for policy callbacks that need to inspect structure (e.g. to locate an
// attachment) without the engine owning a full MIME implementation.
type MIMEPart struct {
	ContentType string
	Header      mail.Header
	Children    []*MIMEPart
}

// ParseMIME returns a shallow tree view rooted at the message's top-level
// headers. It does not recurse into multipart boundaries; MIME body
// decomposition is a policy-layer concern (out of scope per spec.md §1).
func (h *Handle) ParseMIME(ctx context.Context) (*MIMEPart, error) {
	data, err := h.LoadData(ctx)
	if err != nil {
		return nil, err
	}
	msg, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse mime: %w", err)
	}
	return &MIMEPart{
		ContentType: msg.Header.Get("Content-Type"),
		Header:      msg.Header,
	}, nil
}

// ConformanceOptions controls CheckFixConformance.
type ConformanceOptions struct {
	// EnsureCRLF rewrites bare LF line endings to CRLF, since outbound
	// SMTP transmission requires CRLF (spec.md §6).
	EnsureCRLF bool
	// EnsureTrailingCRLF ensures the body ends with a CRLF so dot-stuffing
	// during DATA does not concatenate with a following command.
	EnsureTrailingCRLF bool
}

// CheckFixConformance normalizes the in-memory body for wire transmission
// without rewriting the durable spool copy.
func (h *Handle) CheckFixConformance(ctx context.Context, opts ConformanceOptions) error {
	data, err := h.LoadData(ctx)
	if err != nil {
		return err
	}
	if opts.EnsureCRLF {
		data = toCRLF(data)
	}
	if opts.EnsureTrailingCRLF && !bytes.HasSuffix(data, []byte("\r\n")) {
		data = append(data, '\r', '\n')
	}
	h.mu.Lock()
	h.data = data
	h.mu.Unlock()
	return nil
}

func toCRLF(data []byte) []byte {
	if !bytes.Contains(data, []byte("\n")) {
		return data
	}
	var out bytes.Buffer
	out.Grow(len(data) + len(data)/10)
	for i := 0; i < len(data); i++ {
		b := data[i]
		if b == '\n' && (i == 0 || data[i-1] != '\r') {
			out.WriteByte('\r')
		}
		out.WriteByte(b)
	}
	return out.Bytes()
}

// Signer signs outbound message bytes, e.g. with DKIM. It is supplied by
// the out-of-scope policy layer via policy.DKIMSigner or a test double.
type Signer interface {
	Sign(w io.Writer, r io.Reader) error
}

// DKIMSign rewrites the in-memory body with signer's output. The spool is
// not re-written; signing happens per-attempt on the in-memory copy only.
func (h *Handle) DKIMSign(ctx context.Context, signer Signer) error {
	if signer == nil {
		return nil
	}
	data, err := h.LoadData(ctx)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := signer.Sign(&buf, bytes.NewReader(data)); err != nil {
		return err
	}
	h.mu.Lock()
	h.data = buf.Bytes()
	h.mu.Unlock()
	return nil
}
