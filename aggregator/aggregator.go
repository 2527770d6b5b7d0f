// Package aggregator accumulates per-user contribution signals across a
// whole scan. It is the sole owner of the evolving aggregate; callers must
// not mutate it from more than one goroutine.
package aggregator

import (
	"fmt"
	"sort"
	"strings"
)

type FactKind string

const (
	FactMergedPR       FactKind = "merged-pr"
	FactQualifyingFork FactKind = "qualifying-fork"
)

// Fact is one observed signal about a user from one repository. Detail
// identifies the concrete observation (PR number, fork full name) so that
// re-merging after an ambiguous resume cannot double-count.
type Fact struct {
	User   string   `json:"user"`
	Repo   string   `json:"repo"`
	Kind   FactKind `json:"kind"`
	Detail string   `json:"detail"`
	Tier   int      `json:"tier"`
}

func (f Fact) key() string {
	return strings.Join([]string{f.User, f.Repo, string(f.Kind), f.Detail}, "\x00")
}

// Profile is the accumulated view of one user.
type Profile struct {
	User           string         `json:"user"`
	PRsMerged      int            `json:"prs_merged"`
	PRsByRepo      map[string]int `json:"prs_by_repo,omitempty"`
	QualityForks   int            `json:"quality_forks"`
	ForksByRepo    map[string]int `json:"forks_by_repo,omitempty"`
	Repos          []string       `json:"repos"`
	BestTierByRepo map[string]int `json:"best_tier_by_repo,omitempty"`
}

func (p *Profile) clone() *Profile {
	cp := &Profile{
		User:           p.User,
		PRsMerged:      p.PRsMerged,
		QualityForks:   p.QualityForks,
		Repos:          append([]string(nil), p.Repos...),
		PRsByRepo:      map[string]int{},
		ForksByRepo:    map[string]int{},
		BestTierByRepo: map[string]int{},
	}
	for k, v := range p.PRsByRepo {
		cp.PRsByRepo[k] = v
	}
	for k, v := range p.ForksByRepo {
		cp.ForksByRepo[k] = v
	}
	for k, v := range p.BestTierByRepo {
		cp.BestTierByRepo[k] = v
	}
	return cp
}

// Aggregate is a serializable snapshot of scan state. SeenFacts carries the
// dedup set so idempotence survives a checkpoint/restore cycle.
type Aggregate struct {
	Profiles  map[string]*Profile `json:"profiles"`
	SeenFacts []string            `json:"seen_facts"`
}

// Aggregator merges CandidateFacts into the aggregate.
type Aggregator struct {
	profiles map[string]*Profile
	seen     map[string]struct{}
}

func New() *Aggregator {
	return &Aggregator{
		profiles: map[string]*Profile{},
		seen:     map[string]struct{}{},
	}
}

// Merge folds one fact into the aggregate. Facts accumulate: repeated
// merged PRs raise counts, a user seen as both merger and fork owner keeps
// both signals. Re-merging an identical fact is a no-op.
func (a *Aggregator) Merge(f Fact) {
	if f.User == "" || f.Repo == "" {
		return
	}
	k := f.key()
	if _, dup := a.seen[k]; dup {
		return
	}
	a.seen[k] = struct{}{}

	p, ok := a.profiles[f.User]
	if !ok {
		p = &Profile{
			User:           f.User,
			PRsByRepo:      map[string]int{},
			ForksByRepo:    map[string]int{},
			BestTierByRepo: map[string]int{},
		}
		a.profiles[f.User] = p
	}

	switch f.Kind {
	case FactMergedPR:
		p.PRsMerged++
		p.PRsByRepo[f.Repo]++
	case FactQualifyingFork:
		p.QualityForks++
		p.ForksByRepo[f.Repo]++
	}

	if best, seen := p.BestTierByRepo[f.Repo]; !seen {
		p.BestTierByRepo[f.Repo] = f.Tier
		p.Repos = append(p.Repos, f.Repo)
	} else if f.Tier < best {
		p.BestTierByRepo[f.Repo] = f.Tier
	}
}

// Len reports the number of distinct users seen so far.
func (a *Aggregator) Len() int { return len(a.profiles) }

// Snapshot returns an immutable deep copy suitable for checkpointing or
// handing to the reporting layer.
func (a *Aggregator) Snapshot() *Aggregate {
	snap := &Aggregate{
		Profiles:  make(map[string]*Profile, len(a.profiles)),
		SeenFacts: make([]string, 0, len(a.seen)),
	}
	for user, p := range a.profiles {
		snap.Profiles[user] = p.clone()
	}
	for k := range a.seen {
		snap.SeenFacts = append(snap.SeenFacts, k)
	}
	sort.Strings(snap.SeenFacts)
	return snap
}

// Restore replaces the aggregator state with a previously taken snapshot.
func (a *Aggregator) Restore(snap *Aggregate) error {
	if snap == nil {
		return fmt.Errorf("aggregator: nil snapshot")
	}
	a.profiles = make(map[string]*Profile, len(snap.Profiles))
	a.seen = make(map[string]struct{}, len(snap.SeenFacts))
	for user, p := range snap.Profiles {
		if p == nil {
			continue
		}
		cp := p.clone()
		if cp.User == "" {
			cp.User = user
		}
		a.profiles[user] = cp
	}
	for _, k := range snap.SeenFacts {
		a.seen[k] = struct{}{}
	}
	return nil
}
