// Package audit provides the tamper-evident audit trail for the Quorum
// governance platform. Every state-changing action is recorded as a link in a
// per-partition cryptographic hash chain so that any post-hoc alteration or
// reordering of history is detectable.
package audit

import (
	"strings"
	"time"
)

// DefaultPartition is the site collection used when a caller does not name one.
const DefaultPartition = "default"

// SentinelHash is the well-known all-zero digest denoting "no predecessor".
// It is the PreviousHash of the first event in every partition and the head
// value of a partition that has never been written.
const SentinelHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Event is a single committed audit event. Immutable once committed: the
// engine creates it exactly once and it is never updated or deleted.
type Event struct {
	// ID is an opaque unique identifier generated at creation.
	ID string `json:"id"`

	// CorrelationID is the idempotency key for this event, unique within the
	// partition. Caller-supplied or generated by the engine.
	CorrelationID string `json:"correlation_id"`

	// Action is a dotted taxonomy string naming what happened,
	// e.g. "mfa.verified" or "vote.submitted".
	Action string `json:"action"`

	// Actor is the stable identity string of who performed the action.
	Actor string `json:"actor"`

	// Timestamp is the event creation time in UTC, assigned by the engine.
	Timestamp time.Time `json:"timestamp"`

	// Payload is arbitrary structured data describing the action. Stored
	// verbatim and included in the hash.
	Payload map[string]any `json:"payload,omitempty"`

	// PreviousHash is the digest of the event that was chain head at
	// admission time, or SentinelHash for the first event in a partition.
	PreviousHash string `json:"previous_hash"`

	// CurrentHash is the digest of this event's canonical form (including
	// PreviousHash), i.e. the new chain head. Never supplied by the caller.
	CurrentHash string `json:"current_hash"`

	// SiteCollection is the logical partition this event belongs to. Chains
	// in different partitions never reference each other's hashes.
	SiteCollection string `json:"site_collection"`
}

// ChainHead is the single mutable cell per partition holding the digest of
// the most recently committed event.
type ChainHead struct {
	SiteCollection string    `json:"site_collection"`
	HeadHash       string    `json:"head_hash"`
	Timestamp      time.Time `json:"timestamp"`
}

// RequestMeta carries optional HTTP request metadata supplied at admission.
// When present it is parsed and attached to the event payload before hashing.
type RequestMeta struct {
	RemoteAddr string
	UserAgent  string
}

// RecordInput is the caller-facing input for admitting an event.
type RecordInput struct {
	Action         string
	Actor          string
	Payload        map[string]any
	CorrelationID  string // optional; generated when empty
	SiteCollection string // optional; DefaultPartition when empty
	Meta           *RequestMeta
}

// clientMetaKey is the payload key under which parsed request metadata is
// attached before hashing.
const clientMetaKey = "client"

// normalizePartition maps an empty partition name to DefaultPartition.
func normalizePartition(partition string) string {
	if strings.TrimSpace(partition) == "" {
		return DefaultPartition
	}
	return partition
}

// copyEvent returns a deep copy so stored events cannot be mutated through
// returned pointers.
func copyEvent(ev *Event) *Event {
	if ev == nil {
		return nil
	}
	dup := *ev
	if ev.Payload != nil {
		dup.Payload = copyPayload(ev.Payload)
	}
	return &dup
}

// copyPayload deep-copies a payload map, recursing into nested maps and
// slices. Scalar values are shared, which is safe because they are immutable.
func copyPayload(payload map[string]any) map[string]any {
	dup := make(map[string]any, len(payload))
	for k, v := range payload {
		dup[k] = copyPayloadValue(v)
	}
	return dup
}

func copyPayloadValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return copyPayload(val)
	case []any:
		dup := make([]any, len(val))
		for i, item := range val {
			dup[i] = copyPayloadValue(item)
		}
		return dup
	default:
		return v
	}
}
