// Package analyzer extracts candidate-developer facts from a single
// repository: the users who merged pull requests, and the owners of forks
// that pass the quality filters.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/urizennnn/gh-prospector/aggregator"
	"github.com/urizennnn/gh-prospector/gateway"
	"github.com/urizennnn/gh-prospector/planner"
)

// Client is the slice of the gateway the analyzer needs. Kept narrow so
// tests can drive the analyzer with canned pagers.
type Client interface {
	ListMergedPulls(owner, repo string) *gateway.Pager[gateway.MergedPull]
	ListForks(owner, repo string) *gateway.Pager[gateway.Fork]
	CompareAhead(ctx context.Context, baseOwner, baseRepo, forkOwner, branch string) (int, error)
}

// ForkFilters are the fork quality thresholds. They are configuration, not
// constants: the precise values are a tuning concern.
type ForkFilters struct {
	MinStars int
	// MaxAge is the recency window: forks not pushed to within it are
	// considered abandoned.
	MaxAge time.Duration
	// MinAheadBy is the meaningful-change threshold in commits ahead of
	// upstream. 0 disables the compare call entirely.
	MinAheadBy int
	// StalePageFraction stops pagination early once this share of a page
	// fails the recency filter; forks arrive newest-first so everything
	// after is older still. Default 0.8.
	StalePageFraction float64
	// CompareConcurrency bounds parallel ahead-by lookups per page.
	CompareConcurrency int
}

// Outcome describes how far a repository's analysis got.
type Outcome int

const (
	Analyzed Outcome = iota
	PartiallyAnalyzed
)

// Result summarizes one repository's analysis. Facts emitted before a
// mid-stream failure have already been delivered and stand.
type Result struct {
	Outcome         Outcome
	Facts           int
	SkippedNoMerger int
	Pages           int
}

type Analyzer struct {
	client  Client
	filters ForkFilters
	prDepth int
	log     *slog.Logger
}

// New builds an analyzer. prDepth bounds how many merged PRs are examined
// per repository on PR-analysis tiers; 0 means unbounded.
func New(client Client, filters ForkFilters, prDepth int, log *slog.Logger) *Analyzer {
	if filters.StalePageFraction <= 0 || filters.StalePageFraction > 1 {
		filters.StalePageFraction = 0.8
	}
	if filters.CompareConcurrency <= 0 {
		filters.CompareConcurrency = 5
	}
	if log == nil {
		log = slog.Default()
	}
	return &Analyzer{client: client, filters: filters, prDepth: prDepth, log: log.With("component", "analyzer")}
}

func splitRepo(name string) (owner, repo string, err error) {
	parts := strings.SplitN(name, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("analyzer: invalid repository name %q", name)
	}
	return parts[0], parts[1], nil
}

// Analyze walks one repository under the given tier policy, emitting each
// fact as it is produced. A page failure after gateway retries truncates
// the stream and reports PartiallyAnalyzed; rate-limit exhaustion the
// gateway could not wait out propagates as an error so the scan can
// suspend with everything emitted so far intact.
func (a *Analyzer) Analyze(ctx context.Context, target planner.Target, pol planner.Policy, emit func(aggregator.Fact)) (Result, error) {
	owner, repo, err := splitRepo(target.Name)
	if err != nil {
		return Result{}, err
	}
	log := a.log.With("repo", target.Name, "tier", target.Tier)

	switch {
	case pol.AnalyzePRs:
		log.Info("analyzing merged pull requests")
		return a.analyzePulls(ctx, log, owner, repo, target, emit)
	case pol.AnalyzeForks:
		log.Info("analyzing forks", "cap", pol.ForkCap)
		return a.analyzeForks(ctx, log, owner, repo, target, pol.ForkCap, emit)
	default:
		return Result{}, nil
	}
}

func (a *Analyzer) analyzePulls(ctx context.Context, log *slog.Logger, owner, repo string, target planner.Target, emit func(aggregator.Fact)) (Result, error) {
	var res Result
	pager := a.client.ListMergedPulls(owner, repo)
	examined := 0
	for {
		pulls, more, err := pager.Next(ctx)
		if err != nil {
			return a.pageFailure(log, res, pager.Page(), err)
		}
		if !more {
			break
		}
		res.Pages++
		for _, pr := range pulls {
			if pr.MergedBy == "" {
				// Bot merges, deleted accounts, legacy data: recorded, not an error.
				res.SkippedNoMerger++
				continue
			}
			emit(aggregator.Fact{
				User:   pr.MergedBy,
				Repo:   target.Name,
				Kind:   aggregator.FactMergedPR,
				Detail: fmt.Sprintf("pr#%d", pr.Number),
				Tier:   target.Tier,
			})
			res.Facts++
		}
		examined += len(pulls)
		if a.prDepth > 0 && examined >= a.prDepth {
			log.Debug("pr scan depth reached", "examined", examined)
			break
		}
	}
	log.Info("pull analysis done", "facts", res.Facts, "skipped_no_merger", res.SkippedNoMerger, "pages", res.Pages)
	return res, nil
}

func (a *Analyzer) analyzeForks(ctx context.Context, log *slog.Logger, owner, repo string, target planner.Target, limit int, emit func(aggregator.Fact)) (Result, error) {
	var res Result
	pager := a.client.ListForks(owner, repo)
	cutoff := time.Time{}
	if a.filters.MaxAge > 0 {
		cutoff = time.Now().Add(-a.filters.MaxAge)
	}

	for {
		if limit > 0 && res.Facts >= limit {
			break
		}
		forks, more, err := pager.Next(ctx)
		if err != nil {
			return a.pageFailure(log, res, pager.Page(), err)
		}
		if !more {
			break
		}
		res.Pages++

		stale := 0
		candidates := forks[:0]
		for _, f := range forks {
			if f.Stars < a.filters.MinStars {
				continue
			}
			if !cutoff.IsZero() && f.PushedAt.Before(cutoff) {
				stale++
				continue
			}
			candidates = append(candidates, f)
		}

		qualifying, err := a.filterAhead(ctx, owner, repo, candidates)
		if err != nil {
			return a.pageFailure(log, res, pager.Page(), err)
		}
		for _, f := range qualifying {
			if limit > 0 && res.Facts >= limit {
				break // hard stop, facts beyond the cap are never emitted
			}
			emit(aggregator.Fact{
				User:   f.Owner,
				Repo:   target.Name,
				Kind:   aggregator.FactQualifyingFork,
				Detail: f.FullName,
				Tier:   target.Tier,
			})
			res.Facts++
		}

		// Forks come newest-first: a mostly-stale page means the rest of the
		// listing is older still.
		if len(forks) > 0 && float64(stale) >= a.filters.StalePageFraction*float64(len(forks)) {
			log.Debug("stale fork page, stopping early", "stale", stale, "page_size", len(forks))
			break
		}
	}
	log.Info("fork analysis done", "facts", res.Facts, "pages", res.Pages)
	return res, nil
}

// filterAhead drops forks with fewer commits ahead of upstream than the
// threshold. Lookups within a page run concurrently but results keep page
// order so fact emission stays deterministic.
func (a *Analyzer) filterAhead(ctx context.Context, owner, repo string, forks []gateway.Fork) ([]gateway.Fork, error) {
	if a.filters.MinAheadBy <= 0 || len(forks) == 0 {
		return forks, nil
	}
	ahead := make([]int, len(forks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.filters.CompareConcurrency)
	for i, f := range forks {
		g.Go(func() error {
			n, err := a.client.CompareAhead(gctx, owner, repo, f.Owner, f.DefaultBranch)
			if errors.Is(err, gateway.ErrNotFound) {
				// Fork renamed or branch gone; treat as not meaningfully ahead.
				ahead[i] = -1
				return nil
			}
			if err != nil {
				return err
			}
			ahead[i] = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := forks[:0]
	for i, f := range forks {
		if ahead[i] >= a.filters.MinAheadBy {
			out = append(out, f)
		}
	}
	return out, nil
}

// pageFailure decides whether a failed page suspends the scan or just
// truncates this repository. Rate-limit errors the gateway already waited
// on propagate; everything else downgrades to a partial result.
func (a *Analyzer) pageFailure(log *slog.Logger, res Result, page int, err error) (Result, error) {
	var rl *gateway.RateLimitedError
	if errors.As(err, &rl) || errors.Is(err, context.Canceled) || errors.Is(err, gateway.ErrUnauthorized) {
		res.Outcome = PartiallyAnalyzed
		return res, err
	}
	log.Warn("page failed, keeping partial results", "page", page, "error", err)
	res.Outcome = PartiallyAnalyzed
	return res, nil
}
