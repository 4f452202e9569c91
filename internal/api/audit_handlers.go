// Package api provides HTTP handlers for the Quorum audit trail API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/quorumhq/quorum/internal/archive"
	"github.com/quorumhq/quorum/internal/audit"
	"github.com/quorumhq/quorum/internal/middleware"
	"github.com/quorumhq/quorum/internal/validate"
)

// MaxPayloadBytes bounds the request body for event admission.
const MaxPayloadBytes = 64 * 1024

// RecordEventRequest represents the request body for admitting an audit event.
// The actor is never taken from the body; it comes from the authenticated
// identity on the request context.
type RecordEventRequest struct {
	Action         string         `json:"action"`
	Payload        map[string]any `json:"payload,omitempty"`
	CorrelationID  string         `json:"correlation_id,omitempty"`
	SiteCollection string         `json:"site_collection,omitempty"`
}

// ListEventsResponse represents the response body for listing audit events.
type ListEventsResponse struct {
	Events []*audit.Event `json:"events"`
	Count  int            `json:"count"`
}

// ExportRequest represents the request body for exporting an audit trail.
// When Archive is true the export is written to object storage and a signed
// fetch URL is returned instead of the export body.
type ExportRequest struct {
	Format         string     `json:"format"`
	SiteCollection string     `json:"site_collection,omitempty"`
	From           *time.Time `json:"from,omitempty"`
	To             *time.Time `json:"to,omitempty"`
	Actor          string     `json:"actor,omitempty"`
	Limit          int        `json:"limit,omitempty"`
	Archive        bool       `json:"archive,omitempty"`
}

// ArchivedExportResponse is returned for archived exports.
type ArchivedExportResponse struct {
	Key       string    `json:"key"`
	URL       string    `json:"url"`
	SizeBytes int64     `json:"size_bytes"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ExportArchiver stores finished exports and signs fetch URLs for them.
// Implemented by archive.Service.
type ExportArchiver interface {
	Store(ctx context.Context, partition string, format audit.ExportFormat, data []byte) (*archive.StoredExport, error)
	SignedFetchURL(ctx context.Context, key string) (*archive.SignedFetchResponse, error)
}

// AuditHandlers holds dependencies for audit trail HTTP handlers.
type AuditHandlers struct {
	engine      *audit.Engine
	log         audit.EventLog
	broadcaster *audit.Broadcaster // optional, can be nil
	archiver    ExportArchiver     // optional, can be nil
}

// NewAuditHandlers creates a new AuditHandlers instance.
// broadcaster and archiver are optional and can be nil when the live feed or
// export archiving is not served.
func NewAuditHandlers(engine *audit.Engine, log audit.EventLog, broadcaster *audit.Broadcaster, archiver ExportArchiver) *AuditHandlers {
	return &AuditHandlers{
		engine:      engine,
		log:         log,
		broadcaster: broadcaster,
		archiver:    archiver,
	}
}

// clientAddr extracts the originating client address, preferring proxy
// headers over the socket address.
func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		// First hop is the original client
		if idx := strings.IndexByte(fwd, ','); idx >= 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return strings.TrimSpace(real)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// RecordEvent handles POST /v1/audit/events - admits a new audit event.
func (h *AuditHandlers) RecordEvent(w http.ResponseWriter, r *http.Request) {
	actor := middleware.GetActor(r.Context())
	if actor == "" {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeAuthFailed)
		WriteError(w, ctx, http.StatusUnauthorized, ErrCodeAuthFailed, "Authentication required")
		return
	}

	var req RecordEventRequest
	r.Body = http.MaxBytesReader(w, r.Body, MaxPayloadBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON in request body")
		return
	}

	action, err := validate.Action(req.Action)
	if err != nil {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, fmt.Sprintf("invalid action: %v", err))
		return
	}
	siteCollection, err := validate.SiteCollection(req.SiteCollection)
	if err != nil {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, fmt.Sprintf("invalid site_collection: %v", err))
		return
	}
	correlationID, err := validate.CorrelationID(req.CorrelationID)
	if err != nil {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, fmt.Sprintf("invalid correlation_id: %v", err))
		return
	}

	ev, err := h.engine.RecordEvent(r.Context(), audit.RecordInput{
		Action:         action,
		Actor:          actor,
		Payload:        req.Payload,
		CorrelationID:  correlationID,
		SiteCollection: siteCollection,
		Meta: &audit.RequestMeta{
			RemoteAddr: clientAddr(r),
			UserAgent:  r.UserAgent(),
		},
	})
	if err != nil {
		h.writeRecordError(w, r, err)
		return
	}

	if h.broadcaster != nil {
		h.broadcaster.Broadcast(ev)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(ev); err != nil {
		slog.ErrorContext(r.Context(), "failed to encode audit event", "error", err)
	}
}

// writeRecordError maps admission errors to HTTP responses.
func (h *AuditHandlers) writeRecordError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, audit.ErrEmptyAction), errors.Is(err, audit.ErrEmptyActor):
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, audit.ErrSerialization):
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "payload cannot be serialized")
	case errors.Is(err, audit.ErrCommitFailed):
		// The caller should retry with the same correlation ID; the audit
		// trail never holds a half-recorded event.
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeCommitFailed)
		WriteError(w, ctx, http.StatusServiceUnavailable, ErrCodeCommitFailed, "Admission could not be committed, retry with the same correlation_id")
	default:
		slog.ErrorContext(r.Context(), "failed to record audit event", "error", err)
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Internal server error")
	}
}

// ListEvents handles GET /v1/audit/events - lists committed events in a
// partition, optionally filtered by actor or action.
func (h *AuditHandlers) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	partition := q.Get("site_collection")

	events, err := h.log.ListAll(r.Context(), partitionOrDefault(partition))
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to list audit events", "error", err)
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Internal server error")
		return
	}

	if actor := q.Get("actor"); actor != "" {
		events = filterByActor(events, actor)
	}
	if action := q.Get("action"); action != "" {
		events = filterByAction(events, action)
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 0 {
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "limit must be a non-negative integer")
			return
		}
		if limit > 0 && len(events) > limit {
			events = events[:limit]
		}
	}

	if events == nil {
		events = []*audit.Event{}
	}

	response := ListEventsResponse{Events: events, Count: len(events)}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		slog.ErrorContext(r.Context(), "failed to encode event list", "error", err)
	}
}

// GetEvent handles GET /v1/audit/events/{id} - retrieves a single event.
func (h *AuditHandlers) GetEvent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Invalid URL path")
		return
	}

	partition := partitionOrDefault(r.URL.Query().Get("site_collection"))
	ev, err := h.log.FindByID(r.Context(), partition, id)
	if err != nil {
		if errors.Is(err, audit.ErrEventNotFound) {
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeNotFound)
			WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "Audit event not found")
			return
		}
		slog.ErrorContext(r.Context(), "failed to load audit event", "error", err, "event_id", id)
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Internal server error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(ev); err != nil {
		slog.ErrorContext(r.Context(), "failed to encode audit event", "error", err)
	}
}

// VerifyChain handles GET /v1/audit/verify - replays a partition's chain and
// reports its integrity.
func (h *AuditHandlers) VerifyChain(w http.ResponseWriter, r *http.Request) {
	partition := r.URL.Query().Get("site_collection")

	result, err := h.engine.VerifyChain(r.Context(), partition)
	if err != nil {
		slog.ErrorContext(r.Context(), "chain verification failed to run", "error", err)
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Internal server error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(result); err != nil {
		slog.ErrorContext(r.Context(), "failed to encode verification result", "error", err)
	}
}

// Export handles POST /v1/audit/export - exports a partition's trail as CSV
// or JSON with hashes included for independent re-verification.
func (h *AuditHandlers) Export(w http.ResponseWriter, r *http.Request) {
	var req ExportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON in request body")
		return
	}

	format := audit.ExportFormat(strings.ToLower(strings.TrimSpace(req.Format)))
	if format != audit.ExportFormatCSV && format != audit.ExportFormatJSON {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeUnsupportedFormat)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeUnsupportedFormat, fmt.Sprintf("Unsupported export format: %q", req.Format))
		return
	}

	opts := audit.ExportOptions{
		Format: format,
		Actor:  req.Actor,
		Limit:  req.Limit,
	}
	if req.From != nil {
		opts.From = *req.From
	}
	if req.To != nil {
		opts.To = *req.To
	}

	data, err := audit.ExportChain(r.Context(), h.log, req.SiteCollection, opts)
	if err != nil {
		slog.ErrorContext(r.Context(), "audit export failed", "error", err)
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Internal server error")
		return
	}

	if req.Archive {
		h.archiveExport(w, r, partitionOrDefault(req.SiteCollection), format, data)
		return
	}

	filename := fmt.Sprintf("audit-%s-%s.%s", partitionOrDefault(req.SiteCollection), time.Now().UTC().Format("20060102T150405Z"), format)
	if format == audit.ExportFormatCSV {
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		slog.ErrorContext(r.Context(), "failed to write export", "error", err)
	}
}

// archiveExport stores the export in object storage and responds with a
// signed fetch URL.
func (h *AuditHandlers) archiveExport(w http.ResponseWriter, r *http.Request, partition string, format audit.ExportFormat, data []byte) {
	if h.archiver == nil {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Export archiving is not configured")
		return
	}

	stored, err := h.archiver.Store(r.Context(), partition, format, data)
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to archive export", "error", err, "site_collection", partition)
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Internal server error")
		return
	}

	signed, err := h.archiver.SignedFetchURL(r.Context(), stored.Key)
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to sign export URL", "error", err, "key", stored.Key)
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Internal server error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(ArchivedExportResponse{
		Key:       stored.Key,
		URL:       signed.URL,
		SizeBytes: stored.SizeBytes,
		ExpiresAt: signed.ExpiresAt,
	}); err != nil {
		slog.ErrorContext(r.Context(), "failed to write archive response", "error", err)
	}
}

// partitionOrDefault maps an empty partition name to the default partition.
func partitionOrDefault(partition string) string {
	if strings.TrimSpace(partition) == "" {
		return audit.DefaultPartition
	}
	return partition
}

func filterByActor(events []*audit.Event, actor string) []*audit.Event {
	filtered := events[:0:0]
	for _, ev := range events {
		if ev.Actor == actor {
			filtered = append(filtered, ev)
		}
	}
	return filtered
}

func filterByAction(events []*audit.Event, action string) []*audit.Event {
	filtered := events[:0:0]
	for _, ev := range events {
		if ev.Action == action {
			filtered = append(filtered, ev)
		}
	}
	return filtered
}
