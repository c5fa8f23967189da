package metrics

import (
	"context"
	"time"
)

// Collector receives operational measurements from the engine. The
// Prometheus collector exports them; the no-op collector drops them.
type Collector interface {
	RecordOperation(ctx context.Context, operation string, status string, d time.Duration)
	RecordError(ctx context.Context, operation string, errorClass string)
	RecordRetrieval(ctx context.Context, selected int, tokensUsed int, budget int)
	RecordConflict(ctx context.Context, conflictType string, outcome string)
	SetStorageCount(ctx context.Context, storageType string, count int64)
}
