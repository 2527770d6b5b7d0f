package aggregator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeDeduplicatesIdenticalFacts(t *testing.T) {
	a := New()
	f := Fact{User: "alice", Repo: "org/repo", Kind: FactMergedPR, Detail: "pr#42", Tier: 0}

	a.Merge(f)
	a.Merge(f)
	a.Merge(f)

	require.Equal(t, 1, a.Len())
	p := a.Snapshot().Profiles["alice"]
	require.NotNil(t, p)
	assert.Equal(t, 1, p.PRsMerged)
	assert.Equal(t, 1, p.PRsByRepo["org/repo"])
}

func TestMergeAccumulatesDistinctFacts(t *testing.T) {
	a := New()
	a.Merge(Fact{User: "alice", Repo: "org/repo", Kind: FactMergedPR, Detail: "pr#1", Tier: 0})
	a.Merge(Fact{User: "alice", Repo: "org/repo", Kind: FactMergedPR, Detail: "pr#2", Tier: 0})
	a.Merge(Fact{User: "alice", Repo: "org/other", Kind: FactMergedPR, Detail: "pr#9", Tier: 1})

	p := a.Snapshot().Profiles["alice"]
	require.NotNil(t, p)
	assert.Equal(t, 3, p.PRsMerged)
	assert.Equal(t, 2, p.PRsByRepo["org/repo"])
	assert.Equal(t, 1, p.PRsByRepo["org/other"])
	assert.ElementsMatch(t, []string{"org/repo", "org/other"}, p.Repos)
}

func TestMergeKeepsBothSignalKinds(t *testing.T) {
	a := New()
	a.Merge(Fact{User: "bob", Repo: "org/repo", Kind: FactMergedPR, Detail: "pr#7", Tier: 0})
	a.Merge(Fact{User: "bob", Repo: "org/big", Kind: FactQualifyingFork, Detail: "bob/big", Tier: 3})

	p := a.Snapshot().Profiles["bob"]
	require.NotNil(t, p)
	assert.Equal(t, 1, p.PRsMerged)
	assert.Equal(t, 1, p.QualityForks)
	assert.Equal(t, 1, p.ForksByRepo["org/big"])
}

func TestMergeTracksBestTierPerRepo(t *testing.T) {
	a := New()
	a.Merge(Fact{User: "carol", Repo: "org/repo", Kind: FactQualifyingFork, Detail: "carol/repo", Tier: 4})
	a.Merge(Fact{User: "carol", Repo: "org/repo", Kind: FactMergedPR, Detail: "pr#3", Tier: 1})
	a.Merge(Fact{User: "carol", Repo: "org/repo", Kind: FactMergedPR, Detail: "pr#4", Tier: 6})

	p := a.Snapshot().Profiles["carol"]
	require.NotNil(t, p)
	assert.Equal(t, 1, p.BestTierByRepo["org/repo"])
	assert.Equal(t, []string{"org/repo"}, p.Repos)
}

func TestMergeIgnoresIncompleteFacts(t *testing.T) {
	a := New()
	a.Merge(Fact{User: "", Repo: "org/repo", Kind: FactMergedPR, Detail: "pr#1"})
	a.Merge(Fact{User: "dave", Repo: "", Kind: FactMergedPR, Detail: "pr#2"})
	assert.Equal(t, 0, a.Len())
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	a := New()
	a.Merge(Fact{User: "alice", Repo: "org/repo", Kind: FactMergedPR, Detail: "pr#1", Tier: 0})

	snap := a.Snapshot()
	snap.Profiles["alice"].PRsMerged = 99
	snap.Profiles["alice"].PRsByRepo["org/repo"] = 99
	snap.Profiles["mallory"] = &Profile{User: "mallory"}

	fresh := a.Snapshot()
	assert.Equal(t, 1, fresh.Profiles["alice"].PRsMerged)
	assert.Equal(t, 1, fresh.Profiles["alice"].PRsByRepo["org/repo"])
	assert.NotContains(t, fresh.Profiles, "mallory")
}

func TestRestoreRoundTripKeepsDedup(t *testing.T) {
	a := New()
	a.Merge(Fact{User: "alice", Repo: "org/repo", Kind: FactMergedPR, Detail: "pr#1", Tier: 0})
	a.Merge(Fact{User: "bob", Repo: "org/repo", Kind: FactQualifyingFork, Detail: "bob/repo", Tier: 2})
	snap := a.Snapshot()

	b := New()
	require.NoError(t, b.Restore(snap))

	// Re-merging facts already in the snapshot must be a no-op.
	b.Merge(Fact{User: "alice", Repo: "org/repo", Kind: FactMergedPR, Detail: "pr#1", Tier: 0})
	b.Merge(Fact{User: "bob", Repo: "org/repo", Kind: FactQualifyingFork, Detail: "bob/repo", Tier: 2})

	assert.Equal(t, snap, b.Snapshot())
}

func TestRestoreRejectsNilSnapshot(t *testing.T) {
	assert.Error(t, New().Restore(nil))
}
