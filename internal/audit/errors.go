package audit

import "errors"

var (
	// ErrEmptyAction is returned when an admission names no action.
	ErrEmptyAction = errors.New("action cannot be empty")

	// ErrEmptyActor is returned when an admission names no actor.
	ErrEmptyActor = errors.New("actor cannot be empty")

	// ErrSerialization is returned when a payload cannot be canonicalized.
	ErrSerialization = errors.New("payload cannot be canonicalized")

	// ErrHeadConflict is returned by HeadStore.CompareAndSwap when the stored
	// head no longer matches the expected value.
	ErrHeadConflict = errors.New("chain head changed since it was read")

	// ErrChainForked is returned by EventLog.Append when another event in the
	// partition already holds the same previous hash.
	ErrChainForked = errors.New("previous hash already superseded")

	// ErrCorrelationExists is returned by EventLog.Append when the partition
	// already holds an event with the same correlation ID.
	ErrCorrelationExists = errors.New("correlation ID already recorded")

	// ErrCommitFailed is returned when admission exhausts its bounded retry
	// attempts without committing. The caller should re-query by correlation
	// ID to learn definitively whether the event was recorded.
	ErrCommitFailed = errors.New("admission retries exhausted")

	// ErrEventNotFound is returned by lookups that match no committed event.
	ErrEventNotFound = errors.New("audit event not found")
)

// IsConflict reports whether err is one of the transient concurrency
// conflicts the engine retries internally.
func IsConflict(err error) bool {
	return errors.Is(err, ErrHeadConflict) ||
		errors.Is(err, ErrChainForked) ||
		errors.Is(err, ErrCorrelationExists)
}
