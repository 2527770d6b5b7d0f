// Package checkpoint durably persists scan progress so a multi-hour scan
// can resume exactly where it left off. A checkpoint couples the planner
// cursor with the aggregate snapshot it was taken against; readers never
// see the two out of sync.
package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/urizennnn/gh-prospector/aggregator"
	"github.com/urizennnn/gh-prospector/planner"
)

var (
	ErrNotFound = errors.New("checkpoint: not found")

	// ErrCorrupt wraps an unreadable checkpoint. It always names the
	// offending record so the operator can fall back to an older one;
	// corrupt data is never silently discarded.
	ErrCorrupt = errors.New("checkpoint: corrupt")

	// ErrRunLocked means another scan holds this run id.
	ErrRunLocked = errors.New("checkpoint: run already locked")
)

// Latest resolves to the newest checkpoint across all runs.
const Latest = "latest"

// Checkpoint is immutable once written.
type Checkpoint struct {
	ID        string                `json:"id"`
	RunID     string                `json:"run_id"`
	CreatedAt time.Time             `json:"created_at"`
	Cursor    planner.Cursor        `json:"cursor"`
	Snapshot  *aggregator.Aggregate `json:"snapshot"`
}

// Meta identifies a stored checkpoint without loading its snapshot.
type Meta struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the persistence contract. The storage medium behind it is an
// implementation detail; Save must be atomic from the reader's side.
type Store interface {
	// Save writes a new checkpoint and returns its id.
	Save(ctx context.Context, runID string, cursor planner.Cursor, snap *aggregator.Aggregate) (string, error)
	// Load resolves ref as a checkpoint id, a run id (newest within that
	// run), or Latest (newest overall).
	Load(ctx context.Context, ref string) (*Checkpoint, error)
	// List returns checkpoint metadata newest-first, for one run or, with
	// an empty runID, for all runs.
	List(ctx context.Context, runID string) ([]Meta, error)
	// Runs lists known run ids, newest-first.
	Runs(ctx context.Context) ([]string, error)
	// AcquireRunLock guards against two scans sharing a run id. The
	// returned release function is safe to call more than once.
	AcquireRunLock(ctx context.Context, runID string) (func(), error)
}

// idTimeLayout makes checkpoint ids sort chronologically as strings.
const idTimeLayout = "20060102_150405.000000000"

// NewID derives a chronologically sortable checkpoint id.
func NewID(t time.Time) string {
	return "checkpoint_" + t.UTC().Format(idTimeLayout)
}
