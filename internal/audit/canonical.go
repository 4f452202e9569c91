package audit

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// canonicalEnc is the deterministic CBOR encoding mode used for hashing.
// Core deterministic encoding sorts map keys bytewise and uses shortest-form
// integers, recursively, so two logically equal events always produce
// byte-identical output regardless of field construction order. Relying on a
// runtime's default serialization order is exactly the bug this avoids.
var canonicalEnc = mustEncMode()

func mustEncMode() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("audit: invalid canonical encoding options: %v", err))
	}
	return em
}

// canonicalForm is the set of logical fields covered by an event's digest.
// ID and CurrentHash are deliberately excluded: ID is opaque storage identity
// and CurrentHash is the digest itself.
type canonicalForm struct {
	Action         string         `cbor:"action"`
	Actor          string         `cbor:"actor"`
	CorrelationID  string         `cbor:"correlation_id"`
	Payload        map[string]any `cbor:"payload"`
	PreviousHash   string         `cbor:"previous_hash"`
	SiteCollection string         `cbor:"site_collection"`
	Timestamp      string         `cbor:"timestamp"`
}

// CanonicalBytes deterministically serializes an event's logical fields,
// excluding ID and CurrentHash. Pure function: equal field values (including
// equal nested payload substructure) yield byte-identical output.
// Returns ErrSerialization for payload values CBOR cannot represent.
func CanonicalBytes(ev *Event) ([]byte, error) {
	form := canonicalForm{
		Action:         ev.Action,
		Actor:          ev.Actor,
		CorrelationID:  ev.CorrelationID,
		Payload:        ev.Payload,
		PreviousHash:   ev.PreviousHash,
		SiteCollection: ev.SiteCollection,
		// RFC 3339 with nanoseconds in UTC fixes one textual timestamp form
		// so the digest does not depend on time.Time internals.
		Timestamp: ev.Timestamp.UTC().Format(time.RFC3339Nano),
	}

	data, err := canonicalEnc.Marshal(form)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return data, nil
}

// ComputeHash canonicalizes the event and returns its digest, i.e. the value
// CurrentHash must hold after commit.
func ComputeHash(ev *Event) (string, error) {
	data, err := CanonicalBytes(ev)
	if err != nil {
		return "", err
	}
	return Digest(data), nil
}
