package scanner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urizennnn/gh-prospector/aggregator"
	"github.com/urizennnn/gh-prospector/analyzer"
	"github.com/urizennnn/gh-prospector/checkpoint"
	"github.com/urizennnn/gh-prospector/gateway"
	"github.com/urizennnn/gh-prospector/planner"
	"github.com/urizennnn/gh-prospector/report"
)

// fakeAnalyzer emits canned facts per repository and can fail on command.
// failOnce errors are consumed on first use so a resumed run succeeds.
type fakeAnalyzer struct {
	facts    map[string][]aggregator.Fact
	failOnce map[string]error
	partial  map[string]bool
	calls    []string
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, target planner.Target, pol planner.Policy, emit func(aggregator.Fact)) (analyzer.Result, error) {
	f.calls = append(f.calls, target.Name)
	if err, ok := f.failOnce[target.Name]; ok {
		delete(f.failOnce, target.Name)
		return analyzer.Result{Outcome: analyzer.PartiallyAnalyzed}, err
	}
	for _, fact := range f.facts[target.Name] {
		emit(fact)
	}
	res := analyzer.Result{Facts: len(f.facts[target.Name])}
	if f.partial[target.Name] {
		res.Outcome = analyzer.PartiallyAnalyzed
	}
	return res, nil
}

func fact(user, repo, detail string) aggregator.Fact {
	return aggregator.Fact{User: user, Repo: repo, Kind: aggregator.FactMergedPR, Detail: detail}
}

func testTargets() []planner.Target {
	return []planner.Target{
		{Name: "org/alpha", Tier: 0},
		{Name: "org/beta", Tier: 2},
		{Name: "org/gamma", Tier: 3},
	}
}

func testFacts() map[string][]aggregator.Fact {
	return map[string][]aggregator.Fact{
		"org/alpha": {fact("alice", "org/alpha", "pr#1"), fact("bob", "org/alpha", "pr#2")},
		"org/beta":  {fact("alice", "org/beta", "pr#3")},
		"org/gamma": {fact("carol", "org/gamma", "pr#4")},
	}
}

func newTestStore(t *testing.T) *checkpoint.FileStore {
	t.Helper()
	s, err := checkpoint.NewFileStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestRunFinishesAndCheckpoints(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	an := &fakeAnalyzer{facts: testFacts()}
	runID := NewRunID(time.Now())
	plan := planner.New(runID, testTargets())
	agg := aggregator.New()

	sum := New(runID, plan, an, agg, store, time.Minute, nil).Run(ctx)

	assert.Equal(t, report.StatusFinished, sum.Status)
	assert.Equal(t, []string{"org/alpha", "org/beta", "org/gamma"}, sum.CompletedRepos)
	assert.Empty(t, sum.PartialRepos)
	assert.Empty(t, sum.SkippedRepos)
	assert.Len(t, sum.Snapshot.Profiles, 3)

	cp, err := store.Load(ctx, checkpoint.Latest)
	require.NoError(t, err)
	assert.Equal(t, sum.LastCheckpointID, cp.ID)
	assert.Equal(t, sum.CompletedRepos, cp.Cursor.Completed)
	assert.Len(t, cp.Snapshot.Profiles, 3)
}

func TestRunSkipsMissingRepos(t *testing.T) {
	store := newTestStore(t)
	an := &fakeAnalyzer{
		facts:    testFacts(),
		failOnce: map[string]error{"org/beta": gateway.ErrNotFound},
	}
	runID := NewRunID(time.Now())
	plan := planner.New(runID, testTargets())

	sum := New(runID, plan, an, aggregator.New(), store, time.Minute, nil).Run(context.Background())

	assert.Equal(t, report.StatusFinished, sum.Status)
	assert.Equal(t, []string{"org/beta"}, sum.SkippedRepos)
	// A missing repo still advances the cursor; it is not retried on resume.
	assert.Contains(t, sum.CompletedRepos, "org/beta")
}

func TestRunRecordsPartialRepos(t *testing.T) {
	store := newTestStore(t)
	an := &fakeAnalyzer{facts: testFacts(), partial: map[string]bool{"org/gamma": true}}
	runID := NewRunID(time.Now())
	plan := planner.New(runID, testTargets())

	sum := New(runID, plan, an, aggregator.New(), store, time.Minute, nil).Run(context.Background())

	assert.Equal(t, report.StatusFinished, sum.Status)
	assert.Equal(t, []string{"org/gamma"}, sum.PartialRepos)
	assert.Contains(t, sum.CompletedRepos, "org/gamma")
}

func TestRunFailsWhenCredentialPoolEmpties(t *testing.T) {
	store := newTestStore(t)
	an := &fakeAnalyzer{
		facts:    testFacts(),
		failOnce: map[string]error{"org/beta": gateway.ErrUnauthorized},
	}
	runID := NewRunID(time.Now())
	plan := planner.New(runID, testTargets())

	sum := New(runID, plan, an, aggregator.New(), store, time.Minute, nil).Run(context.Background())

	assert.Equal(t, report.StatusFailed, sum.Status)
	assert.NotContains(t, sum.CompletedRepos, "org/beta")
}

func TestRunRefusesLockedRun(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	runID := NewRunID(time.Now())
	release, err := store.AcquireRunLock(ctx, runID)
	require.NoError(t, err)
	defer release()

	plan := planner.New(runID, testTargets())
	sum := New(runID, plan, &fakeAnalyzer{}, aggregator.New(), store, time.Minute, nil).Run(ctx)
	assert.Equal(t, report.StatusFailed, sum.Status)
}

func TestSuspendAndResumeMatchesUninterruptedRun(t *testing.T) {
	ctx := context.Background()

	// Baseline: the same scan without interruption.
	baseStore := newTestStore(t)
	baseRun := NewRunID(time.Now())
	basePlan := planner.New(baseRun, testTargets())
	baseSum := New(baseRun, basePlan, &fakeAnalyzer{facts: testFacts()}, aggregator.New(), baseStore, time.Minute, nil).Run(ctx)
	require.Equal(t, report.StatusFinished, baseSum.Status)

	// Interrupted: org/beta hits rate-limit exhaustion on the first attempt.
	store := newTestStore(t)
	an := &fakeAnalyzer{
		facts:    testFacts(),
		failOnce: map[string]error{"org/beta": &gateway.RateLimitedError{ResetAt: time.Now().Add(time.Hour)}},
	}
	runID := NewRunID(time.Now())
	plan := planner.New(runID, testTargets())
	agg := aggregator.New()

	sum := New(runID, plan, an, agg, store, time.Minute, nil).Run(ctx)
	require.Equal(t, report.StatusSuspended, sum.Status)
	assert.Equal(t, runID, sum.ResumeRef)
	// The in-flight repository is not marked completed.
	assert.Equal(t, []string{"org/alpha"}, sum.CompletedRepos)

	// Resume from the suspension checkpoint and finish.
	plan2 := planner.New(NewRunID(time.Now().Add(time.Second)), testTargets())
	agg2 := aggregator.New()
	resumedID, err := Resume(ctx, store, sum.ResumeRef, plan2, agg2)
	require.NoError(t, err)
	assert.Equal(t, runID, resumedID)

	sum2 := New(resumedID, plan2, an, agg2, store, time.Minute, nil).Run(ctx)
	require.Equal(t, report.StatusFinished, sum2.Status)

	// org/alpha was not re-analyzed; org/beta was retried.
	assert.Equal(t, []string{"org/beta", "org/gamma"}, an.calls[len(an.calls)-2:])
	assert.ElementsMatch(t, baseSum.CompletedRepos, sum2.CompletedRepos)
	assert.Equal(t, baseSum.Snapshot, sum2.Snapshot)
}

// cancellingAnalyzer fires the scan's cancel func after one repository, as
// a SIGINT between repositories would.
type cancellingAnalyzer struct {
	inner  *fakeAnalyzer
	cancel context.CancelFunc
	after  string
}

func (c *cancellingAnalyzer) Analyze(ctx context.Context, target planner.Target, pol planner.Policy, emit func(aggregator.Fact)) (analyzer.Result, error) {
	res, err := c.inner.Analyze(ctx, target, pol, emit)
	if target.Name == c.after {
		c.cancel()
	}
	return res, err
}

func TestRunCheckpointsOnCancel(t *testing.T) {
	store := newTestStore(t)
	runID := NewRunID(time.Now())
	plan := planner.New(runID, testTargets())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	an := &cancellingAnalyzer{inner: &fakeAnalyzer{facts: testFacts()}, cancel: cancel, after: "org/alpha"}

	sum := New(runID, plan, an, aggregator.New(), store, time.Minute, nil).Run(ctx)

	assert.Equal(t, report.StatusSuspended, sum.Status)
	assert.Equal(t, []string{"org/alpha"}, sum.CompletedRepos)
	// A checkpoint was still written despite the cancelled context.
	cp, err := store.Load(context.Background(), checkpoint.Latest)
	require.NoError(t, err)
	assert.Equal(t, runID, cp.RunID)
	assert.Equal(t, []string{"org/alpha"}, cp.Cursor.Completed)
}

func TestResumeRejectsDriftedTargetList(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	runID := NewRunID(time.Now())
	plan := planner.New(runID, testTargets())
	sum := New(runID, plan, &fakeAnalyzer{facts: testFacts()}, aggregator.New(), store, time.Minute, nil).Run(ctx)
	require.Equal(t, report.StatusFinished, sum.Status)

	drifted := planner.New(NewRunID(time.Now()), testTargets()[:2])
	_, err := Resume(ctx, store, runID, drifted, aggregator.New())
	assert.ErrorIs(t, err, planner.ErrConfigMismatch)
}
