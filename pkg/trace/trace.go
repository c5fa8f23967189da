// Package trace writes one JSON line per engine operation for offline
// inspection of retrieval and conflict decisions.
package trace

import (
	"context"
	"time"
)

// Exporter writes operation records. Implementations must be safe for
// concurrent use.
type Exporter interface {
	Export(ctx context.Context, record *Record) error
	// Close flushes buffered records and releases the destination.
	Close() error
}

// Record is one finished operation. It carries ids and counts only, never
// memory content.
type Record struct {
	Timestamp  time.Time `json:"timestamp"`
	ID         string    `json:"id"`
	Operation  string    `json:"operation"`
	DurationMs int64     `json:"duration_ms"`
	Status     string    `json:"status"`
	ErrorClass string    `json:"error_class,omitempty"`

	// Counters hold operation-specific numbers such as selected, tokens
	// and budget for a retrieval.
	Counters map[string]int64 `json:"counters,omitempty"`
	// IDs hold the memory, session or conflict ids the operation touched.
	IDs map[string][]string `json:"ids,omitempty"`
}

// NoopExporter drops every record.
type NoopExporter struct{}

func (NoopExporter) Export(context.Context, *Record) error { return nil }
func (NoopExporter) Close() error                          { return nil }
