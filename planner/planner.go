// Package planner walks the configured repository tiers in priority order
// and decides, per repository, which analyses run and under what volume cap.
package planner

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrConfigMismatch means a resume cursor was produced against a different
// repository list than the one currently configured. Resuming would silently
// mis-attribute progress, so the scan refuses to start.
var ErrConfigMismatch = errors.New("planner: cursor repository list does not match configuration")

// Target is one configured repository. Lower tier numbers are scanned first
// and more thoroughly.
type Target struct {
	Name  string `json:"name"`
	Label string `json:"label,omitempty"`
	Tier  int    `json:"tier"`
}

// Policy is the per-tier analysis budget. ForkCap == 0 means unbounded.
type Policy struct {
	AnalyzePRs   bool
	AnalyzeForks bool
	ForkCap      int
}

// DefaultForkCaps maps tier to the fork-analysis hard cap. Tiers past the
// table fall back to the cap of the highest listed tier. Overridable so
// tests and callers can tighten budgets without touching call sites.
var DefaultForkCaps = map[int]int{
	2: 200,
	3: 150,
	4: 100,
	5: 75,
	6: 50,
	7: 50,
	8: 30,
}

// Step is one unit of planned work.
type Step struct {
	Target Target
	Policy Policy
}

// Cursor records exactly where a scan can safely resume. A repository only
// appears in Completed after its facts were durably merged into the
// checkpointed snapshot the cursor shipped with.
type Cursor struct {
	RunID      string    `json:"run_id"`
	ConfigHash string    `json:"config_hash"`
	Completed  []string  `json:"completed"`
	TierIndex  int       `json:"tier_index"`
	RepoIndex  int       `json:"repo_index"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Planner yields repositories strictly tier-ascending, then in configured
// order within a tier. That ordering is part of the resume contract.
type Planner struct {
	steps     []Step
	pos       int
	runID     string
	hash      string
	completed map[string]struct{}
	order     []string
	forkCaps  map[int]int
	prsOn     bool
}

type Option func(*Planner)

// WithForkCaps overrides the tier→cap table.
func WithForkCaps(caps map[int]int) Option {
	return func(p *Planner) { p.forkCaps = caps }
}

// WithPRAnalysis toggles PR-merger analysis globally. When disabled, tiers
// 0-1 fall back to unbounded fork analysis.
func WithPRAnalysis(on bool) Option {
	return func(p *Planner) { p.prsOn = on }
}

func New(runID string, targets []Target, opts ...Option) *Planner {
	p := &Planner{
		runID:     runID,
		hash:      ConfigHash(targets),
		completed: map[string]struct{}{},
		forkCaps:  DefaultForkCaps,
		prsOn:     true,
	}
	for _, opt := range opts {
		opt(p)
	}

	ordered := append([]Target(nil), targets...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Tier < ordered[j].Tier })
	for _, t := range ordered {
		p.steps = append(p.steps, Step{Target: t, Policy: p.policyFor(t.Tier)})
	}
	return p
}

func (p *Planner) policyFor(tier int) Policy {
	if tier <= 1 {
		if p.prsOn {
			return Policy{AnalyzePRs: true}
		}
		return Policy{AnalyzeForks: true} // unbounded fallback
	}
	c, ok := p.forkCaps[tier]
	if !ok {
		// Past the table: inherit the cap of the highest listed tier.
		highest := -1
		for t, v := range p.forkCaps {
			if t > highest {
				highest, c = t, v
			}
		}
	}
	return Policy{AnalyzeForks: true, ForkCap: c}
}

// ConfigHash fingerprints the ordered repository list header. Any change in
// names, labels, tiers, or order produces a different hash.
func ConfigHash(targets []Target) string {
	h := sha256.New()
	for _, t := range targets {
		fmt.Fprintf(h, "%s\x00%s\x00%d\n", t.Name, t.Label, t.Tier)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Resume primes the planner from a checkpointed cursor. It fails with
// ErrConfigMismatch before skipping anything if the configured list drifted.
func (p *Planner) Resume(c Cursor) error {
	if c.ConfigHash != p.hash {
		return fmt.Errorf("%w: cursor %s, config %s", ErrConfigMismatch, short(c.ConfigHash), short(p.hash))
	}
	if c.RunID != "" {
		p.runID = c.RunID
	}
	for _, name := range c.Completed {
		p.completed[name] = struct{}{}
		p.order = append(p.order, name)
	}
	return nil
}

// AdoptRunID reuses an earlier run's identity without restoring its cursor,
// e.g. when every repository is deliberately re-analyzed.
func (p *Planner) AdoptRunID(id string) {
	if id != "" {
		p.runID = id
	}
}

func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// Next returns the next repository to analyze, skipping completed ones.
func (p *Planner) Next() (Step, bool) {
	for p.pos < len(p.steps) {
		step := p.steps[p.pos]
		p.pos++
		if _, done := p.completed[step.Target.Name]; done {
			continue
		}
		return step, true
	}
	return Step{}, false
}

// MarkCompleted advances the cursor past a finished repository. Callers must
// checkpoint the matching snapshot before relying on the new cursor.
func (p *Planner) MarkCompleted(name string) {
	if _, done := p.completed[name]; done {
		return
	}
	p.completed[name] = struct{}{}
	p.order = append(p.order, name)
}

// Cursor snapshots the current resume position.
func (p *Planner) Cursor() Cursor {
	tier, repo := 0, 0
	if p.pos > 0 && p.pos <= len(p.steps) {
		cur := p.steps[p.pos-1].Target
		tier = cur.Tier
		for i := p.pos - 1; i > 0 && p.steps[i-1].Target.Tier == cur.Tier; i-- {
			repo++
		}
	}
	return Cursor{
		RunID:      p.runID,
		ConfigHash: p.hash,
		Completed:  append([]string(nil), p.order...),
		TierIndex:  tier,
		RepoIndex:  repo,
		UpdatedAt:  time.Now().UTC(),
	}
}

// Remaining reports how many planned repositories are not yet completed.
func (p *Planner) Remaining() int {
	n := 0
	for _, s := range p.steps {
		if _, done := p.completed[s.Target.Name]; !done {
			n++
		}
	}
	return n
}
