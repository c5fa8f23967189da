package store

import (
	"context"
	"database/sql"
	"time"
)

// Tx is a write transaction opened by Store.Update. Every method reads and
// writes through the same transaction, so a sequence of calls commits or
// rolls back as one unit.
type Tx struct {
	tx *sql.Tx
	s  *Store
}

// Now returns the store clock.
func (t *Tx) Now() time.Time { return t.s.now() }

// Get returns a memory by id.
func (t *Tx) Get(ctx context.Context, id string) (*MemoryRecord, error) {
	return getMemory(ctx, t.tx, id)
}

// Put inserts or updates a memory.
func (t *Tx) Put(ctx context.Context, m *MemoryRecord) error {
	return putMemory(ctx, t.tx, m, t.s.now())
}

// Create inserts a memory only if its id is free and reports whether it
// did. Replaying a Create with the same id is a no-op.
func (t *Tx) Create(ctx context.Context, m *MemoryRecord) (bool, error) {
	return createMemory(ctx, t.tx, m, t.s.now())
}

// Delete removes a memory permanently.
func (t *Tx) Delete(ctx context.Context, id string) error {
	return deleteMemory(ctx, t.tx, id)
}

// Archive moves a memory to the archive area and returns what was archived.
func (t *Tx) Archive(ctx context.Context, id, reason string) (*MemoryRecord, error) {
	return t.s.archiveMemory(ctx, t.tx, id, reason)
}

// Touch records an access for each id.
func (t *Tx) Touch(ctx context.Context, ids []string) error {
	return touch(ctx, t.tx, ids, t.s.now())
}
