package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxAttempts bounds the internal admission retry loop. When the cap
// is reached the engine surfaces ErrCommitFailed instead of blocking.
const DefaultMaxAttempts = 3

// Engine orchestrates event admission and chain verification. It owns the
// read-head/compute/commit sequence and serializes it per partition; the
// event log and head store are passed in explicitly rather than reached
// through any ambient global.
type Engine struct {
	log     EventLog
	heads   HeadStore
	logger  *slog.Logger
	metrics *Metrics

	now   func() time.Time
	newID func() string

	maxAttempts int

	// Per-partition admission locks. Different partitions are fully
	// independent and admit concurrently without coordination.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEngine creates an audit engine over the given event log and head store.
// metrics may be nil to disable instrumentation.
func NewEngine(log EventLog, heads HeadStore, logger *slog.Logger, metrics *Metrics) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		log:         log,
		heads:       heads,
		logger:      logger,
		metrics:     metrics,
		now:         time.Now,
		newID:       func() string { return uuid.New().String() },
		maxAttempts: DefaultMaxAttempts,
		locks:       make(map[string]*sync.Mutex),
	}
}

// partitionLock returns the admission lock for a partition, creating it on
// first use.
func (e *Engine) partitionLock(partition string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	lock, ok := e.locks[partition]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[partition] = lock
	}
	return lock
}

// RecordEvent admits a new audit event: idempotency check, head read,
// canonicalize, hash, append, head advance. Returns the committed immutable
// event. Re-submitting a correlation ID already committed in the partition
// returns the original event with no side effects.
func (e *Engine) RecordEvent(ctx context.Context, in RecordInput) (*Event, error) {
	if in.Action == "" {
		return nil, ErrEmptyAction
	}
	if in.Actor == "" {
		return nil, ErrEmptyActor
	}

	partition := normalizePartition(in.SiteCollection)
	start := e.now()

	// The idempotency check and the commit share one mutual-exclusion domain
	// per partition; otherwise two concurrent duplicate submissions could
	// both pass the not-found check and both commit.
	lock := e.partitionLock(partition)
	lock.Lock()
	defer lock.Unlock()

	if in.CorrelationID != "" {
		existing, err := e.log.FindByCorrelationID(ctx, partition, in.CorrelationID)
		if err == nil {
			e.logger.Debug("duplicate submission returned committed event",
				slog.String("partition", partition),
				slog.String("correlation_id", in.CorrelationID))
			if e.metrics != nil {
				e.metrics.IncDuplicates()
			}
			return existing, nil
		}
		if !errors.Is(err, ErrEventNotFound) {
			return nil, fmt.Errorf("idempotency lookup failed: %w", err)
		}
	}

	correlationID := in.CorrelationID
	if correlationID == "" {
		correlationID = e.newID()
	}

	payload, err := normalizePayload(buildPayload(in.Payload, in.Meta))
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		ev, err := e.commitOnce(ctx, partition, correlationID, in, payload)
		if err == nil {
			if e.metrics != nil {
				e.metrics.IncRecorded(partition)
				e.metrics.ObserveCommitDuration(e.now().Sub(start).Seconds())
			}
			e.logger.Info("audit event committed",
				slog.String("partition", partition),
				slog.String("event_id", ev.ID),
				slog.String("action", ev.Action),
				slog.String("actor", ev.Actor),
				slog.String("current_hash", ev.CurrentHash),
				slog.Int("attempt", attempt))
			return ev, nil
		}

		// A concurrent duplicate lost the race to the same correlation ID:
		// the event is committed, return it unchanged.
		if errors.Is(err, ErrCorrelationExists) {
			existing, findErr := e.log.FindByCorrelationID(ctx, partition, correlationID)
			if findErr != nil {
				return nil, fmt.Errorf("committed event lookup after duplicate conflict failed: %w", findErr)
			}
			return existing, nil
		}

		if !IsConflict(err) {
			// Serialization and storage failures are surfaced as-is, never
			// masked: the caller must not believe an event was recorded when
			// it was not.
			return nil, err
		}

		lastErr = err
		if e.metrics != nil {
			e.metrics.IncConflicts(partition)
		}
		e.logger.Warn("admission conflict, retrying with fresh head",
			slog.String("partition", partition),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))

		// A fork conflict means the head pointer lags the log tail (for
		// example a writer that crashed between append and head advance).
		// Re-derive the true tip from the log before the next attempt.
		if errors.Is(err, ErrChainForked) {
			if repairErr := e.repairHead(ctx, partition); repairErr != nil {
				return nil, fmt.Errorf("head recovery failed: %w", repairErr)
			}
		}
	}

	return nil, fmt.Errorf("%w after %d attempts: %v", ErrCommitFailed, e.maxAttempts, lastErr)
}

// commitOnce performs a single admission attempt: read head, build and hash
// the event, append, advance head.
func (e *Engine) commitOnce(ctx context.Context, partition, correlationID string, in RecordInput, payload map[string]any) (*Event, error) {
	head, err := e.heads.Read(ctx, partition)
	if err != nil {
		return nil, fmt.Errorf("head read failed: %w", err)
	}

	ev := &Event{
		ID:            e.newID(),
		CorrelationID: correlationID,
		Action:        in.Action,
		Actor:         in.Actor,
		// Truncated to microseconds: TIMESTAMPTZ stores no finer, and the
		// hashed timestamp must survive a storage round trip unchanged.
		Timestamp:      e.now().UTC().Truncate(time.Microsecond),
		Payload:        payload,
		PreviousHash:   head,
		SiteCollection: partition,
	}

	hash, err := ComputeHash(ev)
	if err != nil {
		return nil, err
	}
	ev.CurrentHash = hash

	// The append is the commit point: the log's uniqueness of previous_hash
	// within the partition rejects any competing successor of the same head,
	// so forks cannot be persisted.
	if err := e.log.Append(ctx, ev); err != nil {
		if IsConflict(err) {
			return nil, err
		}
		return nil, fmt.Errorf("event append failed: %w", err)
	}

	// Advance the ordering truth. After a successful append this can only
	// conflict if the head cell lags the log (crashed writer); the event is
	// already durably committed, so repair the head rather than failing the
	// admission.
	if err := e.heads.CompareAndSwap(ctx, partition, head, hash); err != nil {
		if errors.Is(err, ErrHeadConflict) {
			e.logger.Warn("head advance lost after committed append, repairing from log tail",
				slog.String("partition", partition),
				slog.String("event_id", ev.ID))
			if repairErr := e.repairHead(ctx, partition); repairErr != nil {
				return nil, fmt.Errorf("head repair after commit failed: %w", repairErr)
			}
		} else {
			return nil, fmt.Errorf("head advance failed: %w", err)
		}
	}

	return ev, nil
}

// repairHead re-derives the partition's true chain tip from the log tail and
// swings the head pointer to it. Callers recover the true state from the
// log, not the head pointer alone.
func (e *Engine) repairHead(ctx context.Context, partition string) error {
	events, err := e.log.ListAll(ctx, partition)
	if err != nil {
		return fmt.Errorf("log read failed: %w", err)
	}

	tip := chainTip(events)

	current, err := e.heads.Read(ctx, partition)
	if err != nil {
		return fmt.Errorf("head read failed: %w", err)
	}
	if current == tip {
		return nil
	}

	if err := e.heads.CompareAndSwap(ctx, partition, current, tip); err != nil {
		// Another writer advanced the head concurrently; the next attempt
		// reads the fresh value.
		if errors.Is(err, ErrHeadConflict) {
			return nil
		}
		return fmt.Errorf("head swing failed: %w", err)
	}

	e.logger.Info("chain head repaired from log tail",
		slog.String("partition", partition),
		slog.String("head_hash", tip))
	return nil
}

// chainTip returns the CurrentHash of the event no other event supersedes,
// or SentinelHash for an empty log.
func chainTip(events []*Event) string {
	if len(events) == 0 {
		return SentinelHash
	}
	superseded := make(map[string]bool, len(events))
	for _, ev := range events {
		superseded[ev.PreviousHash] = true
	}
	for _, ev := range events {
		if !superseded[ev.CurrentHash] {
			return ev.CurrentHash
		}
	}
	// Cyclic or corrupt log; verification will report the broken link.
	return SentinelHash
}

// buildPayload copies the caller payload and attaches parsed request
// metadata under the client key when supplied.
func buildPayload(payload map[string]any, meta *RequestMeta) map[string]any {
	var out map[string]any
	if payload != nil {
		out = copyPayload(payload)
	}

	if meta == nil {
		return out
	}
	if out == nil {
		out = make(map[string]any, 1)
	}

	client := make(map[string]any, 2)
	if meta.RemoteAddr != "" {
		client["ip"] = meta.RemoteAddr
	}
	if meta.UserAgent != "" {
		client["user_agent"] = meta.UserAgent
	}
	if len(client) > 0 {
		out[clientMetaKey] = client
	}
	return out
}

// normalizePayload projects the payload onto JSON's value domain before it is
// hashed. Events persist the payload as JSON, which reads back every number
// as float64; hashing the caller's Go-typed values (int, json.Number) would
// yield a digest the stored form can no longer reproduce.
func normalizePayload(payload map[string]any) (map[string]any, error) {
	if payload == nil {
		return nil, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return out, nil
}
