package gateway

import (
	"context"
	"time"
)

// Every remote response is flattened into one of these records at the
// gateway boundary; nothing above it touches raw API shapes.

// MergedPull is a pull request that was actually merged. MergedBy is empty
// when the merging account is unattributable (deleted account, legacy
// data); callers decide how to record that.
type MergedPull struct {
	Number   int
	Title    string
	MergedBy string
	MergedAt time.Time
}

// Fork is one fork of a target repository.
type Fork struct {
	Owner         string
	FullName      string
	Stars         int
	Description   string
	DefaultBranch string
	PushedAt      time.Time
}

// User is a normalized account profile.
type User struct {
	Login       string
	Name        string
	Bio         string
	Company     string
	Location    string
	Followers   int
	PublicRepos int
	CreatedAt   time.Time
}

// Pager walks a paginated operation one page at a time. Each Next call is
// an independent gateway call with its own credential selection and retry
// handling, so exhaustion mid-pagination surfaces at a page boundary the
// caller can resume from.
type Pager[T any] struct {
	// fetch returns the page's items and the next page number, 0 when done.
	fetch func(ctx context.Context, page int) ([]T, int, error)
	next  int
	done  bool
}

// NewPager starts a pager at page 1 of the given fetch function. Exposed so
// tests can drive consumers with canned pages.
func NewPager[T any](fetch func(ctx context.Context, page int) ([]T, int, error)) *Pager[T] {
	return &Pager[T]{fetch: fetch, next: 1}
}

// Next fetches the next page. The second return is false once pagination
// is complete. On error the pager stays positioned on the failing page, so
// a later Next retries it rather than skipping.
func (p *Pager[T]) Next(ctx context.Context) ([]T, bool, error) {
	if p.done {
		return nil, false, nil
	}
	items, next, err := p.fetch(ctx, p.next)
	if err != nil {
		return nil, true, err
	}
	if next == 0 {
		p.done = true
	} else {
		p.next = next
	}
	return items, true, nil
}

// Page reports the page number the next Next call will fetch.
func (p *Pager[T]) Page() int { return p.next }
