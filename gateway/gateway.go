// Package gateway wraps every GitHub API call behind credential selection,
// client-side pacing, bounded retries, and response normalization.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-github/v74/github"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/urizennnn/gh-prospector/tokenpool"
)

// Options tune the gateway. Zero values fall back to the defaults below.
type Options struct {
	PerPage          int           // items per page, default 100
	MaxRetries       int           // transient-error attempts, default 3
	RequestsPerMin   int           // client-side pacing, default 80
	MaxRateLimitWait time.Duration // bounded all-exhausted wait, default 15m
	UserCacheSize    int           // default 1000
	UserCacheTTL     time.Duration // default 1h
	BaseURL          string        // override for tests
	Logger           *slog.Logger
}

type userEntry struct {
	user      User
	expiresAt time.Time
}

// Gateway is safe for concurrent use; credential arbitration is delegated
// to the pool, whose operations are atomic.
type Gateway struct {
	pool *tokenpool.Pool
	pace *rate.Limiter
	log  *slog.Logger

	perPage    int
	maxRetries int
	maxWait    time.Duration
	cacheTTL   time.Duration
	baseURL    string

	users *lru.Cache[string, userEntry]

	clientsMu sync.Mutex
	clients   map[string]*github.Client
}

func New(pool *tokenpool.Pool, opts Options) (*Gateway, error) {
	if opts.PerPage <= 0 {
		opts.PerPage = 100
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RequestsPerMin <= 0 {
		opts.RequestsPerMin = 80
	}
	if opts.MaxRateLimitWait <= 0 {
		opts.MaxRateLimitWait = 15 * time.Minute
	}
	if opts.UserCacheSize <= 0 {
		opts.UserCacheSize = 1000
	}
	if opts.UserCacheTTL <= 0 {
		opts.UserCacheTTL = time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	users, err := lru.New[string, userEntry](opts.UserCacheSize)
	if err != nil {
		return nil, fmt.Errorf("gateway: user cache: %w", err)
	}
	return &Gateway{
		pool:       pool,
		pace:       rate.NewLimiter(rate.Limit(float64(opts.RequestsPerMin)/60.0), opts.RequestsPerMin),
		log:        opts.Logger.With("component", "gateway"),
		perPage:    opts.PerPage,
		maxRetries: opts.MaxRetries,
		maxWait:    opts.MaxRateLimitWait,
		cacheTTL:   opts.UserCacheTTL,
		baseURL:    opts.BaseURL,
		users:      users,
		clients:    map[string]*github.Client{},
	}, nil
}

func (g *Gateway) clientFor(cred *tokenpool.Credential) (*github.Client, error) {
	g.clientsMu.Lock()
	defer g.clientsMu.Unlock()
	if c, ok := g.clients[cred.ID]; ok {
		return c, nil
	}
	httpClient := oauth2.NewClient(context.Background(), cred.TokenSource())
	client := github.NewClient(httpClient)
	if g.baseURL != "" {
		raw := g.baseURL
		if !strings.HasSuffix(raw, "/") {
			raw += "/"
		}
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("gateway: base url: %w", err)
		}
		client.BaseURL = u
	}
	g.clients[cred.ID] = client
	return client, nil
}

type callFn func(ctx context.Context, c *github.Client) (*github.Response, error)

// do runs one logical API call: pick a credential, pace, call, classify.
// Rate-limited credentials trigger an immediate retry on a different one;
// when all are exhausted it waits once, bounded by MaxRateLimitWait, before
// propagating a RateLimitedError for the caller to suspend on.
func (g *Gateway) do(ctx context.Context, fn callFn) error {
	waited := false
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		cred, err := g.pool.Select(1)
		if err != nil {
			var ex *tokenpool.ExhaustedError
			if errors.As(err, &ex) {
				if waited {
					return &RateLimitedError{ResetAt: ex.EarliestReset}
				}
				if err := g.waitForReset(ctx, ex.EarliestReset); err != nil {
					return err
				}
				waited = true
				continue
			}
			return err
		}

		if err := g.pace.Wait(ctx); err != nil {
			return err
		}
		err = g.call(ctx, cred, fn)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, errCredentialRevoked):
			if g.pool.Len() == 0 {
				return fmt.Errorf("%w: credential pool empty", ErrUnauthorized)
			}
			g.log.Warn("credential revoked, continuing with remaining", "credential", cred.ID, "left", g.pool.Len())
			continue
		default:
			var rl *RateLimitedError
			if errors.As(err, &rl) {
				// Credential already marked exhausted; loop re-selects.
				g.log.Warn("credential exhausted, rotating", "credential", cred.ID, "reset_at", rl.ResetAt)
				continue
			}
			return err
		}
	}
}

// waitForReset sleeps until the pool's earliest reset when that is within
// the wait budget; otherwise it propagates a RateLimitedError immediately.
// The sleep is cancellable.
func (g *Gateway) waitForReset(ctx context.Context, resetAt time.Time) error {
	if resetAt.IsZero() {
		return &RateLimitedError{}
	}
	wait := time.Until(resetAt) + 2*time.Second // small grace past the reset
	if wait > g.maxWait {
		return &RateLimitedError{ResetAt: resetAt}
	}
	if wait <= 0 {
		return nil
	}
	g.log.Info("all credentials exhausted, waiting for reset", "reset_at", resetAt, "wait", wait)
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// call issues the request on one credential, retrying transient failures
// with exponential backoff. Rate-limit, not-found, and auth outcomes come
// back as permanent errors for do to route.
func (g *Gateway) call(ctx context.Context, cred *tokenpool.Credential, fn callFn) error {
	client, err := g.clientFor(cred)
	if err != nil {
		return err
	}
	op := func() error {
		resp, err := fn(ctx, client)
		if resp != nil {
			// Response headers are ground truth for this credential's quota.
			g.pool.UpdateFromHeaders(cred.ID, resp.Rate.Limit, resp.Rate.Remaining, resp.Rate.Reset.Time)
		}
		if err == nil {
			return nil
		}
		return g.classify(cred, err)
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(g.maxRetries)),
		ctx,
	)
	return backoff.RetryNotify(op, policy, func(err error, next time.Duration) {
		g.log.Debug("transient error, backing off", "error", err, "next_in", next)
	})
}

// classify maps raw go-github errors onto the gateway taxonomy. Anything
// returned un-wrapped is considered transient and retried by the caller.
func (g *Gateway) classify(cred *tokenpool.Credential, err error) error {
	var rle *github.RateLimitError
	if errors.As(err, &rle) {
		resetAt := rle.Rate.Reset.Time
		g.pool.MarkExhausted(cred.ID, resetAt)
		return backoff.Permanent(&RateLimitedError{ResetAt: resetAt, CredentialID: cred.ID})
	}
	var abuse *github.AbuseRateLimitError
	if errors.As(err, &abuse) {
		retryAfter := time.Minute
		if abuse.RetryAfter != nil {
			retryAfter = *abuse.RetryAfter
		}
		resetAt := time.Now().Add(retryAfter)
		g.pool.MarkExhausted(cred.ID, resetAt)
		return backoff.Permanent(&RateLimitedError{ResetAt: resetAt, CredentialID: cred.ID})
	}
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		switch ghErr.Response.StatusCode {
		case 404:
			return backoff.Permanent(fmt.Errorf("%w: %s", ErrNotFound, ghErr.Message))
		case 401:
			g.pool.Remove(cred.ID)
			return backoff.Permanent(errCredentialRevoked)
		case 403, 422, 451:
			return backoff.Permanent(fmt.Errorf("gateway: rejected: %s", ghErr.Message))
		}
		if ghErr.Response.StatusCode < 500 {
			return backoff.Permanent(err)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return backoff.Permanent(err)
	}
	return err // transient: network failure or 5xx
}

// ListMergedPulls pages through a repository's closed pull requests, most
// recently updated first, yielding only the merged ones.
func (g *Gateway) ListMergedPulls(owner, repo string) *Pager[MergedPull] {
	return NewPager(func(ctx context.Context, page int) ([]MergedPull, int, error) {
		var out []MergedPull
		var next int
		err := g.do(ctx, func(ctx context.Context, c *github.Client) (*github.Response, error) {
			prs, resp, err := c.PullRequests.List(ctx, owner, repo, &github.PullRequestListOptions{
				State:     "closed",
				Sort:      "updated",
				Direction: "desc",
				ListOptions: github.ListOptions{
					Page:    page,
					PerPage: g.perPage,
				},
			})
			if err != nil {
				return resp, err
			}
			out = out[:0]
			for _, pr := range prs {
				if pr == nil || pr.GetMergedAt().Time.IsZero() {
					continue
				}
				out = append(out, MergedPull{
					Number:   pr.GetNumber(),
					Title:    pr.GetTitle(),
					MergedBy: pr.GetMergedBy().GetLogin(),
					MergedAt: pr.GetMergedAt().Time,
				})
			}
			next = resp.NextPage
			return resp, nil
		})
		return out, next, err
	})
}

// ListForks pages through a repository's forks, newest first.
func (g *Gateway) ListForks(owner, repo string) *Pager[Fork] {
	return NewPager(func(ctx context.Context, page int) ([]Fork, int, error) {
		var out []Fork
		var next int
		err := g.do(ctx, func(ctx context.Context, c *github.Client) (*github.Response, error) {
			forks, resp, err := c.Repositories.ListForks(ctx, owner, repo, &github.RepositoryListForksOptions{
				Sort: "newest",
				ListOptions: github.ListOptions{
					Page:    page,
					PerPage: g.perPage,
				},
			})
			if err != nil {
				return resp, err
			}
			out = out[:0]
			for _, f := range forks {
				if f == nil || f.GetOwner().GetLogin() == "" {
					continue
				}
				out = append(out, Fork{
					Owner:         f.GetOwner().GetLogin(),
					FullName:      f.GetFullName(),
					Stars:         f.GetStargazersCount(),
					Description:   f.GetDescription(),
					DefaultBranch: f.GetDefaultBranch(),
					PushedAt:      f.GetPushedAt().Time,
				})
			}
			next = resp.NextPage
			return resp, nil
		})
		return out, next, err
	})
}

// GetUser fetches a user profile, serving repeats from a TTL'd LRU cache
// since the same account shows up across many repositories in one scan.
func (g *Gateway) GetUser(ctx context.Context, login string) (User, error) {
	if e, ok := g.users.Get(login); ok && time.Now().Before(e.expiresAt) {
		return e.user, nil
	}
	var out User
	err := g.do(ctx, func(ctx context.Context, c *github.Client) (*github.Response, error) {
		u, resp, err := c.Users.Get(ctx, login)
		if err != nil {
			return resp, err
		}
		out = User{
			Login:       u.GetLogin(),
			Name:        u.GetName(),
			Bio:         u.GetBio(),
			Company:     u.GetCompany(),
			Location:    u.GetLocation(),
			Followers:   u.GetFollowers(),
			PublicRepos: u.GetPublicRepos(),
			CreatedAt:   u.GetCreatedAt().Time,
		}
		return resp, nil
	})
	if err != nil {
		return User{}, err
	}
	g.users.Add(login, userEntry{user: out, expiresAt: time.Now().Add(g.cacheTTL)})
	return out, nil
}

// CompareAhead reports how many commits a fork is ahead of its upstream on
// the given branch, falling back from main to master when the branch does
// not exist on both sides.
func (g *Gateway) CompareAhead(ctx context.Context, baseOwner, baseRepo, forkOwner, branch string) (int, error) {
	if branch == "" {
		branch = "main"
	}
	ahead, err := g.compare(ctx, baseOwner, baseRepo, forkOwner, branch)
	if errors.Is(err, ErrNotFound) && branch == "main" {
		return g.compare(ctx, baseOwner, baseRepo, forkOwner, "master")
	}
	return ahead, err
}

func (g *Gateway) compare(ctx context.Context, baseOwner, baseRepo, forkOwner, branch string) (int, error) {
	var ahead int
	err := g.do(ctx, func(ctx context.Context, c *github.Client) (*github.Response, error) {
		cmp, resp, err := c.Repositories.CompareCommits(ctx, baseOwner, baseRepo,
			branch, forkOwner+":"+branch, &github.ListOptions{PerPage: 1})
		if err != nil {
			return resp, err
		}
		ahead = cmp.GetAheadBy()
		return resp, nil
	})
	return ahead, err
}

// RefreshRateLimits queries the rate-limit endpoint once, which updates the
// selected credential's quota from the authoritative response.
func (g *Gateway) RefreshRateLimits(ctx context.Context) error {
	return g.do(ctx, func(ctx context.Context, c *github.Client) (*github.Response, error) {
		_, resp, err := c.RateLimit.Get(ctx)
		return resp, err
	})
}

// CredentialStatuses exposes the pool's per-credential view for reporting.
func (g *Gateway) CredentialStatuses() []tokenpool.Status {
	return g.pool.Statuses()
}
