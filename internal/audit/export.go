package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"time"
)

// ExportFormat defines supported export formats.
type ExportFormat string

const (
	// ExportFormatCSV exports events as comma-separated values.
	ExportFormatCSV ExportFormat = "csv"
	// ExportFormatJSON exports events as a JSON array.
	ExportFormatJSON ExportFormat = "json"
)

// ExportOptions configures audit trail export parameters.
type ExportOptions struct {
	Format ExportFormat // Export format (csv or json)
	From   time.Time    // Start of time range (inclusive)
	To     time.Time    // End of time range (inclusive)
	Actor  string       // Filter by actor (optional)
	Limit  int          // Maximum number of events to export (0 = no limit)
}

// ExportChain exports a partition's committed events. Hashes are included so
// an export can be re-verified independently of the live store.
func ExportChain(ctx context.Context, log EventLog, partition string, opts ExportOptions) ([]byte, error) {
	if opts.Format != ExportFormatCSV && opts.Format != ExportFormatJSON {
		return nil, fmt.Errorf("unsupported export format: %s", opts.Format)
	}

	partition = normalizePartition(partition)
	events, err := log.ListAll(ctx, partition)
	if err != nil {
		return nil, fmt.Errorf("failed to list events for export: %w", err)
	}

	events = filterEvents(events, opts)

	if opts.Limit > 0 && len(events) > opts.Limit {
		events = events[:opts.Limit]
	}

	switch opts.Format {
	case ExportFormatCSV:
		return exportToCSV(events)
	default:
		return exportToJSON(events)
	}
}

// filterEvents applies the actor and time range filters.
func filterEvents(events []*Event, opts ExportOptions) []*Event {
	var filtered []*Event
	for _, ev := range events {
		if opts.Actor != "" && ev.Actor != opts.Actor {
			continue
		}
		if !opts.From.IsZero() && ev.Timestamp.Before(opts.From) {
			continue
		}
		if !opts.To.IsZero() && ev.Timestamp.After(opts.To) {
			continue
		}
		filtered = append(filtered, ev)
	}
	return filtered
}

// exportToCSV exports audit events to CSV format. The payload column holds
// compact JSON.
func exportToCSV(events []*Event) ([]byte, error) {
	buf := new(bytes.Buffer)
	writer := csv.NewWriter(buf)

	header := []string{
		"ID",
		"Timestamp (UTC)",
		"Partition",
		"Correlation ID",
		"Action",
		"Actor",
		"Payload",
		"Previous Hash",
		"Current Hash",
	}
	if err := writer.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, ev := range events {
		payload := ""
		if ev.Payload != nil {
			data, err := json.Marshal(ev.Payload)
			if err != nil {
				return nil, fmt.Errorf("failed to encode payload for event %s: %w", ev.ID, err)
			}
			payload = string(data)
		}

		row := []string{
			ev.ID,
			ev.Timestamp.Format(time.RFC3339Nano),
			ev.SiteCollection,
			ev.CorrelationID,
			ev.Action,
			ev.Actor,
			payload,
			ev.PreviousHash,
			ev.CurrentHash,
		}
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}

	return buf.Bytes(), nil
}

// exportToJSON exports audit events to an indented JSON array.
func exportToJSON(events []*Event) ([]byte, error) {
	if events == nil {
		events = []*Event{}
	}
	data, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}
