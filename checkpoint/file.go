package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/urizennnn/gh-prospector/aggregator"
	"github.com/urizennnn/gh-prospector/planner"
)

// FileStore keeps checkpoints under <root>/<runID>/checkpoints/<id>.json.
// Writes go to a temp file in the same directory and are renamed into
// place, so a reader never observes a half-written checkpoint.
type FileStore struct {
	root string
}

func NewFileStore(root string) (*FileStore, error) {
	if root == "" {
		root = "runs"
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: create runs dir: %w", err)
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) checkpointDir(runID string) string {
	return filepath.Join(s.root, runID, "checkpoints")
}

func (s *FileStore) Save(ctx context.Context, runID string, cursor planner.Cursor, snap *aggregator.Aggregate) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dir := s.checkpointDir(runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("checkpoint: create dir: %w", err)
	}

	cp := Checkpoint{
		ID:        NewID(time.Now()),
		RunID:     runID,
		CreatedAt: time.Now().UTC(),
		Cursor:    cursor,
		Snapshot:  snap,
	}
	data, err := json.MarshalIndent(&cp, "", "  ")
	if err != nil {
		return "", fmt.Errorf("checkpoint: encode: %w", err)
	}

	final := filepath.Join(dir, cp.ID+".json")
	tmp, err := os.CreateTemp(dir, cp.ID+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("checkpoint: temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("checkpoint: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("checkpoint: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("checkpoint: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return "", fmt.Errorf("checkpoint: rename into place: %w", err)
	}
	return cp.ID, nil
}

func (s *FileStore) Load(ctx context.Context, ref string) (*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch {
	case ref == "" || ref == Latest:
		metas, err := s.List(ctx, "")
		if err != nil {
			return nil, err
		}
		if len(metas) == 0 {
			return nil, fmt.Errorf("%w: no checkpoints in %s", ErrNotFound, s.root)
		}
		return s.read(metas[0].RunID, metas[0].ID)
	case s.isRun(ref):
		metas, err := s.List(ctx, ref)
		if err != nil {
			return nil, err
		}
		if len(metas) == 0 {
			return nil, fmt.Errorf("%w: run %s has no checkpoints", ErrNotFound, ref)
		}
		return s.read(ref, metas[0].ID)
	default:
		// Checkpoint id: search every run for it.
		runs, err := s.Runs(ctx)
		if err != nil {
			return nil, err
		}
		id := strings.TrimSuffix(ref, ".json")
		for _, run := range runs {
			if _, err := os.Stat(filepath.Join(s.checkpointDir(run), id+".json")); err == nil {
				return s.read(run, id)
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
}

func (s *FileStore) isRun(ref string) bool {
	info, err := os.Stat(filepath.Join(s.root, ref))
	return err == nil && info.IsDir()
}

func (s *FileStore) read(runID, id string) (*Checkpoint, error) {
	path := filepath.Join(s.checkpointDir(runID), id+".json")
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read %s: %w", path, err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	if cp.Snapshot == nil || cp.Cursor.RunID == "" {
		return nil, fmt.Errorf("%w: %s: cursor or snapshot missing", ErrCorrupt, path)
	}
	if cp.ID == "" {
		cp.ID = id
	}
	return &cp, nil
}

func (s *FileStore) List(ctx context.Context, runID string) ([]Meta, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	runs := []string{runID}
	if runID == "" {
		var err error
		runs, err = s.Runs(ctx)
		if err != nil {
			return nil, err
		}
	}
	var metas []Meta
	for _, run := range runs {
		entries, err := os.ReadDir(s.checkpointDir(run))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("checkpoint: list run %s: %w", run, err)
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !strings.HasPrefix(name, "checkpoint_") || !strings.HasSuffix(name, ".json") {
				continue
			}
			id := strings.TrimSuffix(name, ".json")
			created, err := time.Parse(idTimeLayout, strings.TrimPrefix(id, "checkpoint_"))
			if err != nil {
				continue // foreign file, not ours
			}
			metas = append(metas, Meta{ID: id, RunID: run, CreatedAt: created})
		}
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].CreatedAt.After(metas[j].CreatedAt) })
	return metas, nil
}

func (s *FileStore) Runs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list runs: %w", err)
	}
	var runs []string
	for _, e := range entries {
		if e.IsDir() {
			runs = append(runs, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(runs))) // run ids are timestamps
	return runs, nil
}

// AcquireRunLock creates <root>/<runID>/LOCK exclusively. A leftover lock
// from a crashed process must be removed by the operator; guessing at
// staleness risks two scans mutating one run.
func (s *FileStore) AcquireRunLock(ctx context.Context, runID string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir := filepath.Join(s.root, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: create run dir: %w", err)
	}
	path := filepath.Join(dir, "LOCK")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return nil, fmt.Errorf("%w: %s", ErrRunLocked, path)
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: lock: %w", err)
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	f.Close()

	released := false
	return func() {
		if released {
			return
		}
		released = true
		os.Remove(path)
	}, nil
}
