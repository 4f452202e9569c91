package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"github.com/quorumhq/quorum/internal/tracing"
)

// Unique constraint names enforced by the audit_events migration. The
// previous-hash constraint is the structural fork prevention for
// multi-process deployments; the correlation constraint backs idempotency.
const (
	constraintCorrelationUnique  = "audit_events_correlation_unique"
	constraintPreviousHashUnique = "audit_events_previous_hash_unique"
)

// pqUniqueViolation is the PostgreSQL error code for unique_violation.
const pqUniqueViolation = "23505"

// PostgresEventLog implements EventLog using PostgreSQL.
type PostgresEventLog struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresEventLog creates a new PostgresEventLog.
func NewPostgresEventLog(db *sql.DB, logger *slog.Logger) *PostgresEventLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresEventLog{db: db, logger: logger}
}

// Append durably stores a committed event. Fork and duplicate rejection is
// delegated to the table's unique indexes so it holds across processes, not
// just within one engine's partition lock.
func (l *PostgresEventLog) Append(ctx context.Context, ev *Event) error {
	ctx, endSpan := tracing.StartDBSpan(ctx, "audit_events", tracing.DBOperationInsert)
	var err error
	defer func() { endSpan(err) }()

	var payload []byte
	if ev.Payload != nil {
		payload, err = json.Marshal(ev.Payload)
		if err != nil {
			err = fmt.Errorf("%w: %v", ErrSerialization, err)
			return err
		}
	}

	query := `
		INSERT INTO audit_events
			(id, site_collection, correlation_id, action, actor, occurred_at, payload, previous_hash, current_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
	`
	_, err = l.db.ExecContext(ctx, query,
		ev.ID, ev.SiteCollection, ev.CorrelationID, ev.Action, ev.Actor,
		ev.Timestamp, nullableBytes(payload), ev.PreviousHash, ev.CurrentHash)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			switch pqErr.Constraint {
			case constraintCorrelationUnique:
				err = ErrCorrelationExists
				return err
			case constraintPreviousHashUnique:
				err = ErrChainForked
				return err
			}
		}
		l.logger.Error("failed to append audit event",
			slog.String("error", err.Error()),
			slog.String("partition", ev.SiteCollection),
			slog.String("event_id", ev.ID))
		err = fmt.Errorf("failed to append audit event: %w", err)
		return err
	}
	return nil
}

// ListAll retrieves every committed event in the partition ordered by
// admission time. Verification does not rely on this order.
func (l *PostgresEventLog) ListAll(ctx context.Context, partition string) ([]*Event, error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "audit_events", tracing.DBOperationQuery)
	var err error
	defer func() { endSpan(err) }()

	query := `
		SELECT id, site_collection, correlation_id, action, actor, occurred_at, payload, previous_hash, current_hash
		FROM audit_events
		WHERE site_collection = $1
		ORDER BY created_at, id
	`
	rows, err := l.db.QueryContext(ctx, query, partition)
	if err != nil {
		err = fmt.Errorf("failed to list audit events: %w", err)
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		ev, scanErr := scanEvent(rows)
		if scanErr != nil {
			err = scanErr
			return nil, err
		}
		events = append(events, ev)
	}
	if err = rows.Err(); err != nil {
		err = fmt.Errorf("failed to read audit events: %w", err)
		return nil, err
	}
	return events, nil
}

// FindByCorrelationID retrieves the event admitted under correlationID.
func (l *PostgresEventLog) FindByCorrelationID(ctx context.Context, partition, correlationID string) (*Event, error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "audit_events", tracing.DBOperationQuery)
	var err error
	defer func() { endSpan(err) }()

	query := `
		SELECT id, site_collection, correlation_id, action, actor, occurred_at, payload, previous_hash, current_hash
		FROM audit_events
		WHERE site_collection = $1 AND correlation_id = $2
	`
	row := l.db.QueryRowContext(ctx, query, partition, correlationID)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrEventNotFound
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// ListPartitions returns every site collection that holds at least one
// committed event.
func (l *PostgresEventLog) ListPartitions(ctx context.Context) ([]string, error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "audit_events", tracing.DBOperationQuery)
	var err error
	defer func() { endSpan(err) }()

	rows, err := l.db.QueryContext(ctx, `SELECT DISTINCT site_collection FROM audit_events`)
	if err != nil {
		err = fmt.Errorf("failed to list partitions: %w", err)
		return nil, err
	}
	defer rows.Close()

	var partitions []string
	for rows.Next() {
		var name string
		if err = rows.Scan(&name); err != nil {
			return nil, err
		}
		partitions = append(partitions, name)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return partitions, nil
}

// FindByID retrieves the event with the given ID.
func (l *PostgresEventLog) FindByID(ctx context.Context, partition, id string) (*Event, error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "audit_events", tracing.DBOperationQuery)
	var err error
	defer func() { endSpan(err) }()

	query := `
		SELECT id, site_collection, correlation_id, action, actor, occurred_at, payload, previous_hash, current_hash
		FROM audit_events
		WHERE site_collection = $1 AND id = $2
	`
	row := l.db.QueryRowContext(ctx, query, partition, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrEventNotFound
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var ev Event
	var payload []byte
	err := row.Scan(&ev.ID, &ev.SiteCollection, &ev.CorrelationID, &ev.Action,
		&ev.Actor, &ev.Timestamp, &payload, &ev.PreviousHash, &ev.CurrentHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan audit event: %w", err)
	}
	ev.Timestamp = ev.Timestamp.UTC()
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &ev.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode audit payload: %w", err)
		}
	}
	return &ev, nil
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

// PostgresHeadStore implements HeadStore using PostgreSQL with a conditional
// update as the compare-and-swap primitive.
type PostgresHeadStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresHeadStore creates a new PostgresHeadStore.
func NewPostgresHeadStore(db *sql.DB, logger *slog.Logger) *PostgresHeadStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresHeadStore{db: db, logger: logger}
}

// Read returns the current head hash, or SentinelHash for an unwritten
// partition.
func (s *PostgresHeadStore) Read(ctx context.Context, partition string) (string, error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "chain_heads", tracing.DBOperationQuery)
	var err error
	defer func() { endSpan(err) }()

	var head string
	query := `SELECT head_hash FROM chain_heads WHERE site_collection = $1`
	err = s.db.QueryRowContext(ctx, query, partition).Scan(&head)
	if errors.Is(err, sql.ErrNoRows) {
		err = nil
		return SentinelHash, nil
	}
	if err != nil {
		err = fmt.Errorf("failed to read chain head: %w", err)
		return "", err
	}
	return head, nil
}

// CompareAndSwap advances the head only if the stored value still equals
// expectedOld. The conditional UPDATE is the cross-process ordering gate; a
// lost race surfaces as ErrHeadConflict and the engine retries with a fresh
// head.
func (s *PostgresHeadStore) CompareAndSwap(ctx context.Context, partition, expectedOld, newHash string) error {
	ctx, endSpan := tracing.StartDBSpan(ctx, "chain_heads", tracing.DBOperationUpdate)
	var err error
	defer func() { endSpan(err) }()

	update := `
		UPDATE chain_heads
		SET head_hash = $3, updated_at = NOW()
		WHERE site_collection = $1 AND head_hash = $2
	`
	result, err := s.db.ExecContext(ctx, update, partition, expectedOld, newHash)
	if err != nil {
		err = fmt.Errorf("failed to advance chain head: %w", err)
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		err = fmt.Errorf("failed to advance chain head: %w", err)
		return err
	}
	if affected == 1 {
		return nil
	}

	// No row matched. First write to this partition creates the head cell;
	// ON CONFLICT DO NOTHING keeps a concurrent first write from forking.
	if expectedOld == SentinelHash {
		insert := `
			INSERT INTO chain_heads (site_collection, head_hash, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (site_collection) DO NOTHING
		`
		result, err = s.db.ExecContext(ctx, insert, partition, newHash)
		if err != nil {
			err = fmt.Errorf("failed to create chain head: %w", err)
			return err
		}
		affected, err = result.RowsAffected()
		if err != nil {
			err = fmt.Errorf("failed to create chain head: %w", err)
			return err
		}
		if affected == 1 {
			return nil
		}
	}

	err = ErrHeadConflict
	return err
}
