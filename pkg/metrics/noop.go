package metrics

import (
	"context"
	"time"
)

// NoopCollector discards every measurement. It is the default for library
// users that do not export metrics.
type NoopCollector struct{}

// NewNoopCollector creates a no-op collector
func NewNoopCollector() *NoopCollector {
	return &NoopCollector{}
}

func (n *NoopCollector) RecordOperation(ctx context.Context, operation string, status string, d time.Duration) {
}

func (n *NoopCollector) RecordError(ctx context.Context, operation string, errorClass string) {}

func (n *NoopCollector) RecordRetrieval(ctx context.Context, selected int, tokensUsed int, budget int) {
}

func (n *NoopCollector) RecordConflict(ctx context.Context, conflictType string, outcome string) {}

func (n *NoopCollector) SetStorageCount(ctx context.Context, storageType string, count int64) {}
