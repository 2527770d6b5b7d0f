// Package scanner drives one scan end to end: the planner decides what to
// analyze, the analyzer produces facts, the aggregator folds them in, and
// the checkpoint store makes progress durable after every repository.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/urizennnn/gh-prospector/aggregator"
	"github.com/urizennnn/gh-prospector/analyzer"
	"github.com/urizennnn/gh-prospector/checkpoint"
	"github.com/urizennnn/gh-prospector/gateway"
	"github.com/urizennnn/gh-prospector/planner"
	"github.com/urizennnn/gh-prospector/report"
)

// RepoAnalyzer is the analyzer surface the scanner needs; narrowed for
// tests.
type RepoAnalyzer interface {
	Analyze(ctx context.Context, target planner.Target, pol planner.Policy, emit func(aggregator.Fact)) (analyzer.Result, error)
}

type Scanner struct {
	runID    string
	plan     *planner.Planner
	an       RepoAnalyzer
	agg      *aggregator.Aggregator
	store    checkpoint.Store
	interval time.Duration
	log      *slog.Logger
}

// NewRunID produces the timestamp-like run identifier checkpoints are
// grouped under.
func NewRunID(t time.Time) string {
	return t.UTC().Format("20060102_150405")
}

func New(runID string, plan *planner.Planner, an RepoAnalyzer, agg *aggregator.Aggregator, store checkpoint.Store, interval time.Duration, log *slog.Logger) *Scanner {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scanner{
		runID:    runID,
		plan:     plan,
		an:       an,
		agg:      agg,
		store:    store,
		interval: interval,
		log:      log.With("component", "scanner", "run_id", runID),
	}
}

// Run executes the scan until it finishes, suspends, or fails. The
// returned summary is always non-nil and reflects whatever progress was
// durably checkpointed; repositories progress strictly one at a time so
// the aggregator has a single mutator throughout.
func (s *Scanner) Run(ctx context.Context) *report.Summary {
	release, err := s.store.AcquireRunLock(ctx, s.runID)
	if err != nil {
		return s.summary(report.StatusFailed, "", nil, nil, err)
	}
	defer release()

	var partial, skipped []string
	lastSave := time.Now()
	lastCheckpointID := ""

	save := func(reason string) {
		// Saves must succeed even when the scan context was cancelled.
		id, err := s.store.Save(context.WithoutCancel(ctx), s.runID, s.plan.Cursor(), s.agg.Snapshot())
		if err != nil {
			s.log.Error("checkpoint save failed", "reason", reason, "error", err)
			return
		}
		lastCheckpointID = id
		lastSave = time.Now()
		s.log.Info("checkpoint saved", "id", id, "reason", reason)
	}

	for {
		if ctx.Err() != nil {
			save("shutdown")
			return s.summary(report.StatusSuspended, lastCheckpointID, partial, skipped, ctx.Err())
		}
		step, ok := s.plan.Next()
		if !ok {
			break
		}
		log := s.log.With("repo", step.Target.Name, "tier", step.Target.Tier)
		log.Info("analyzing repository")

		res, err := s.an.Analyze(ctx, step.Target, step.Policy, s.agg.Merge)
		switch {
		case err == nil:
			// fine
		case errors.Is(err, gateway.ErrNotFound):
			log.Warn("repository not found, skipping")
			skipped = append(skipped, step.Target.Name)
		case isSuspension(err):
			// Facts merged so far are kept; the current repository is not
			// marked completed, so resume re-scans it and dedup absorbs
			// the overlap.
			save("suspension")
			log.Warn("scan suspending", "error", err)
			return s.summary(report.StatusSuspended, lastCheckpointID, partial, skipped, err)
		case errors.Is(err, gateway.ErrUnauthorized):
			save("credential pool empty")
			return s.summary(report.StatusFailed, lastCheckpointID, partial, skipped, err)
		default:
			log.Warn("repository analysis failed, skipping", "error", err)
			skipped = append(skipped, step.Target.Name)
		}

		if err == nil && res.Outcome == analyzer.PartiallyAnalyzed {
			partial = append(partial, step.Target.Name)
		}

		// The cursor only advances together with a checkpoint that holds
		// the repository's merged facts.
		s.plan.MarkCompleted(step.Target.Name)
		save("repository completed")

		if time.Since(lastSave) > s.interval {
			save("interval")
		}
	}

	save("scan finished")
	return s.summary(report.StatusFinished, lastCheckpointID, partial, skipped, nil)
}

func isSuspension(err error) bool {
	var rl *gateway.RateLimitedError
	return errors.As(err, &rl) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (s *Scanner) summary(status report.Status, checkpointID string, partial, skipped []string, err error) *report.Summary {
	cur := s.plan.Cursor()
	sum := &report.Summary{
		RunID:            s.runID,
		Status:           status,
		GeneratedAt:      time.Now().UTC(),
		Snapshot:         s.agg.Snapshot(),
		CompletedRepos:   cur.Completed,
		PartialRepos:     partial,
		SkippedRepos:     skipped,
		LastCheckpointID: checkpointID,
	}
	if err != nil {
		sum.Error = err.Error()
	}
	if status == report.StatusSuspended {
		sum.ResumeRef = s.runID
		s.log.Info("scan suspended",
			"last_checkpoint", checkpointID,
			"resume", fmt.Sprintf("set RESUME=%s and rerun with the same repos config", s.runID))
	}
	return sum
}

// Resume restores planner and aggregator state from a stored checkpoint.
// The cursor's repository-list hash must match the current configuration.
func Resume(ctx context.Context, store checkpoint.Store, ref string, plan *planner.Planner, agg *aggregator.Aggregator) (runID string, err error) {
	cp, err := store.Load(ctx, ref)
	if err != nil {
		return "", err
	}
	if err := plan.Resume(cp.Cursor); err != nil {
		return "", err
	}
	if err := agg.Restore(cp.Snapshot); err != nil {
		return "", err
	}
	return cp.RunID, nil
}
