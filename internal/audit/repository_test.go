package audit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func storedEvent(id, correlationID, prevHash string) *Event {
	return &Event{
		ID:             id,
		CorrelationID:  correlationID,
		Action:         "doc.create",
		Actor:          "alice",
		Timestamp:      time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
		Payload:        map[string]any{"id": "d1"},
		PreviousHash:   prevHash,
		CurrentHash:    Digest([]byte(id)),
		SiteCollection: DefaultPartition,
	}
}

func TestInMemoryEventLog_AppendRejectsDuplicateCorrelation(t *testing.T) {
	log := NewInMemoryEventLog()
	ctx := context.Background()

	if err := log.Append(ctx, storedEvent("ev-1", "corr-1", SentinelHash)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	err := log.Append(ctx, storedEvent("ev-2", "corr-1", Digest([]byte("ev-1"))))
	if !errors.Is(err, ErrCorrelationExists) {
		t.Errorf("Append() error = %v, want ErrCorrelationExists", err)
	}
}

func TestInMemoryEventLog_AppendRejectsSharedPredecessor(t *testing.T) {
	log := NewInMemoryEventLog()
	ctx := context.Background()

	if err := log.Append(ctx, storedEvent("ev-1", "corr-1", SentinelHash)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	err := log.Append(ctx, storedEvent("ev-2", "corr-2", SentinelHash))
	if !errors.Is(err, ErrChainForked) {
		t.Errorf("Append() error = %v, want ErrChainForked", err)
	}
}

func TestInMemoryEventLog_PartitionsDoNotShareIndexes(t *testing.T) {
	log := NewInMemoryEventLog()
	ctx := context.Background()

	a := storedEvent("ev-1", "corr-1", SentinelHash)
	b := storedEvent("ev-2", "corr-1", SentinelHash)
	b.SiteCollection = "appeals"

	if err := log.Append(ctx, a); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	// Same correlation ID and predecessor are fine in another partition.
	if err := log.Append(ctx, b); err != nil {
		t.Errorf("Append() in a second partition error = %v", err)
	}
}

func TestInMemoryEventLog_FindByCorrelationID(t *testing.T) {
	log := NewInMemoryEventLog()
	ctx := context.Background()

	ev := storedEvent("ev-1", "corr-1", SentinelHash)
	if err := log.Append(ctx, ev); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	found, err := log.FindByCorrelationID(ctx, DefaultPartition, "corr-1")
	if err != nil {
		t.Fatalf("FindByCorrelationID() error = %v", err)
	}
	if found.ID != "ev-1" {
		t.Errorf("found ID = %q, want ev-1", found.ID)
	}

	if _, err := log.FindByCorrelationID(ctx, DefaultPartition, "missing"); !errors.Is(err, ErrEventNotFound) {
		t.Errorf("miss error = %v, want ErrEventNotFound", err)
	}
	if _, err := log.FindByCorrelationID(ctx, "empty-partition", "corr-1"); !errors.Is(err, ErrEventNotFound) {
		t.Errorf("unknown partition error = %v, want ErrEventNotFound", err)
	}
}

func TestInMemoryEventLog_ReturnsCopies(t *testing.T) {
	log := NewInMemoryEventLog()
	ctx := context.Background()

	ev := storedEvent("ev-1", "corr-1", SentinelHash)
	if err := log.Append(ctx, ev); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	// Mutating the input after the append must not reach the stored copy.
	ev.Payload["id"] = "tampered"

	listed, err := log.ListAll(ctx, DefaultPartition)
	if err != nil {
		t.Fatalf("ListAll() error = %v", err)
	}
	if listed[0].Payload["id"] != "d1" {
		t.Error("stored event shares the caller's payload map")
	}

	// Mutating a listed copy must not reach the store either.
	listed[0].Payload["id"] = "tampered"
	again, err := log.FindByCorrelationID(ctx, DefaultPartition, "corr-1")
	if err != nil {
		t.Fatalf("FindByCorrelationID() error = %v", err)
	}
	if again.Payload["id"] != "d1" {
		t.Error("listed event shares the stored payload map")
	}
}

func TestInMemoryHeadStore_ReadUnwrittenPartition(t *testing.T) {
	heads := NewInMemoryHeadStore()

	head, err := heads.Read(context.Background(), DefaultPartition)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if head != SentinelHash {
		t.Errorf("Read() = %q, want sentinel for unwritten partition", head)
	}
}

func TestInMemoryHeadStore_CompareAndSwap(t *testing.T) {
	heads := NewInMemoryHeadStore()
	ctx := context.Background()

	first := Digest([]byte("ev-1"))
	second := Digest([]byte("ev-2"))

	if err := heads.CompareAndSwap(ctx, DefaultPartition, SentinelHash, first); err != nil {
		t.Fatalf("initial CompareAndSwap() error = %v", err)
	}

	// A stale expectation must not win.
	if err := heads.CompareAndSwap(ctx, DefaultPartition, SentinelHash, second); !errors.Is(err, ErrHeadConflict) {
		t.Errorf("stale CompareAndSwap() error = %v, want ErrHeadConflict", err)
	}

	head, err := heads.Read(ctx, DefaultPartition)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if head != first {
		t.Errorf("head = %q, want %q after rejected swap", head, first)
	}

	if err := heads.CompareAndSwap(ctx, DefaultPartition, first, second); err != nil {
		t.Fatalf("CompareAndSwap() error = %v", err)
	}
	head, _ = heads.Read(ctx, DefaultPartition)
	if head != second {
		t.Errorf("head = %q, want %q", head, second)
	}
}
