// Package jobs provides background jobs for the Quorum audit trail.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/quorumhq/quorum/internal/audit"
)

// DefaultVerifyInterval is how often the sweep re-verifies every partition
// when no interval is configured.
const DefaultVerifyInterval = 15 * time.Minute

// ChainVerifier replays a partition's chain and reports its integrity.
// Satisfied by audit.Engine.
type ChainVerifier interface {
	VerifyChain(ctx context.Context, partition string) (*audit.VerificationResult, error)
}

// PartitionSource lists the site collections that hold committed events.
// Satisfied by the audit event log implementations.
type PartitionSource interface {
	ListPartitions(ctx context.Context) ([]string, error)
}

// VerifySweep periodically re-verifies every partition's hash chain so
// tampering in storage is detected without waiting for an operator to ask.
type VerifySweep struct {
	verifier   ChainVerifier
	partitions PartitionSource
	logger     *slog.Logger
	metrics    *Metrics // optional, can be nil
}

// NewVerifySweep creates a verification sweep job.
// metrics is optional and can be nil.
func NewVerifySweep(verifier ChainVerifier, partitions PartitionSource, logger *slog.Logger, metrics *Metrics) *VerifySweep {
	return &VerifySweep{
		verifier:   verifier,
		partitions: partitions,
		logger:     logger,
		metrics:    metrics,
	}
}

// RunOnce verifies every known partition and returns the results keyed by
// partition. A broken chain is not an error here: it is reported in the
// result, logged, and counted, and the sweep continues with the remaining
// partitions. The returned error covers only failures to run verification.
func (s *VerifySweep) RunOnce(ctx context.Context) (map[string]*audit.VerificationResult, error) {
	start := time.Now()

	partitions, err := s.partitions.ListPartitions(ctx)
	if err != nil {
		s.recordOutcome(StatusFailure, "partition_list_error")
		return nil, err
	}

	results := make(map[string]*audit.VerificationResult, len(partitions))
	failed := false
	for _, partition := range partitions {
		result, err := s.verifier.VerifyChain(ctx, partition)
		if err != nil {
			s.logger.Error("verification sweep could not verify partition",
				slog.String("partition", partition),
				slog.String("error", err.Error()))
			if s.metrics != nil {
				s.metrics.IncJobErrors(JobTypeVerifySweep, "verify_error")
			}
			failed = true
			continue
		}
		results[partition] = result

		if !result.Valid {
			s.logger.Error("verification sweep found a broken chain",
				slog.String("partition", partition),
				slog.String("reason", result.Reason),
				slog.String("broken_event_id", result.BrokenEventID))
		}
	}

	status := StatusSuccess
	if failed {
		status = StatusFailure
	}
	if s.metrics != nil {
		s.metrics.IncJobsTotal(JobTypeVerifySweep, status)
		s.metrics.ObserveJobDuration(JobTypeVerifySweep, time.Since(start).Seconds())
	}

	s.logger.Info("verification sweep completed",
		slog.Int("partitions", len(partitions)),
		slog.String("status", status),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()))
	return results, nil
}

func (s *VerifySweep) recordOutcome(status, errorType string) {
	if s.metrics == nil {
		return
	}
	s.metrics.IncJobsTotal(JobTypeVerifySweep, status)
	if errorType != "" {
		s.metrics.IncJobErrors(JobTypeVerifySweep, errorType)
	}
}

// RunPeriodic runs the sweep at the given interval until the stop channel is
// closed. Blocks; typically run in a goroutine.
//
// Example usage:
//
//	stopChan := make(chan struct{})
//	go sweep.RunPeriodic(ctx, 15*time.Minute, stopChan)
//	// ... later when shutting down
//	close(stopChan)
func (s *VerifySweep) RunPeriodic(ctx context.Context, interval time.Duration, stopChan <-chan struct{}) {
	if interval <= 0 {
		interval = DefaultVerifyInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run a sweep immediately on start
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("initial verification sweep failed", slog.String("error", err.Error()))
	}

	for {
		select {
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Error("periodic verification sweep failed", slog.String("error", err.Error()))
			}
		case <-stopChan:
			s.logger.Info("stopping verification sweep")
			return
		case <-ctx.Done():
			s.logger.Info("stopping verification sweep", slog.String("reason", ctx.Err().Error()))
			return
		}
	}
}
