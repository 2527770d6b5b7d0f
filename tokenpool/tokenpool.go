// Package tokenpool owns the set of GitHub API credentials and their
// remaining-quota state. Selection and updates are atomic as a unit so two
// concurrent gateway calls cannot both grab an about-to-exhaust credential.
package tokenpool

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jferrl/go-githubauth"
	"golang.org/x/oauth2"
)

var ErrNoCredentials = errors.New("tokenpool: no credentials configured")

// ExhaustedError reports that every credential is rate limited right now.
// EarliestReset tells the caller how long a bounded wait would need to be.
type ExhaustedError struct {
	EarliestReset time.Time
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("tokenpool: all credentials exhausted, earliest reset %s", e.EarliestReset.Format(time.RFC3339))
}

const defaultQuota = 5000 // GitHub core limit for authenticated requests

// Credential is one API token with its own independent rate-limit budget.
// Quota fields are maintained from authoritative rate-limit response
// headers; Remaining < 0 means not yet observed.
type Credential struct {
	ID        string
	Remaining int
	Limit     int
	ResetAt   time.Time

	exhaustedUntil time.Time
	source         oauth2.TokenSource
}

// TokenSource exposes the oauth2 source used to build an HTTP client for
// this credential.
func (c *Credential) TokenSource() oauth2.TokenSource { return c.source }

func fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])[:8]
}

// NewPAT wraps a personal access token. Tokens shorter than 10 characters
// are rejected as obviously malformed.
func NewPAT(token string) (*Credential, error) {
	if len(token) < 10 {
		return nil, fmt.Errorf("tokenpool: token too short to be valid")
	}
	return &Credential{
		ID:        "pat-" + fingerprint(token),
		Remaining: -1,
		Limit:     defaultQuota,
		source:    oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}),
	}, nil
}

// NewAppInstallation mints installation tokens for a GitHub App, giving the
// pool a credential with its own quota next to any PATs.
func NewAppInstallation(clientID string, privateKey []byte, installationID int64) (*Credential, error) {
	appSource, err := githubauth.NewApplicationTokenSource(clientID, privateKey)
	if err != nil {
		return nil, fmt.Errorf("tokenpool: app token source: %w", err)
	}
	return &Credential{
		ID:        fmt.Sprintf("app-%d", installationID),
		Remaining: -1,
		Limit:     defaultQuota,
		source:    githubauth.NewInstallationTokenSource(installationID, appSource),
	}, nil
}

// Status is a read-only view of one credential for operators and logs.
type Status struct {
	ID        string
	Remaining int
	Limit     int
	ResetAt   time.Time
	Exhausted bool
}

// Pool selects the best available credential for each call and tracks
// quota consumption across all of them.
type Pool struct {
	mu    sync.Mutex
	creds []*Credential
}

func New(creds ...*Credential) (*Pool, error) {
	p := &Pool{}
	for _, c := range creds {
		if c == nil {
			continue
		}
		if p.byID(c.ID) != nil {
			continue // duplicate token
		}
		p.creds = append(p.creds, c)
	}
	if len(p.creds) == 0 {
		return nil, ErrNoCredentials
	}
	return p, nil
}

// byID assumes the caller holds mu (or the pool is still being built).
func (p *Pool) byID(id string) *Credential {
	for _, c := range p.creds {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func (c *Credential) usable(now time.Time) bool {
	return !c.exhaustedUntil.After(now)
}

// effective is the remaining quota used for ordering; unobserved
// credentials are assumed full so they get tried early.
func (c *Credential) effective() int {
	if c.Remaining < 0 {
		return c.Limit
	}
	return c.Remaining
}

// Select returns the usable credential with the highest remaining quota
// that can afford cost more calls. If every usable credential is below
// cost, the best of them is returned anyway; the resulting rate-limit
// response will correct our view. If nothing is usable, an ExhaustedError
// carrying the earliest reset is returned so the caller can decide whether
// a bounded wait is worth it.
func (p *Pool) Select(cost int) (*Credential, error) {
	return p.SelectExcept(cost, "")
}

// SelectExcept is Select but never returns the credential with the given
// id. Used for the immediate retry-on-a-different-credential path.
func (p *Pool) SelectExcept(cost int, exceptID string) (*Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.creds) == 0 {
		return nil, ErrNoCredentials
	}

	now := time.Now()
	var best, fallback *Credential
	for _, c := range p.creds {
		if c.ID == exceptID || !c.usable(now) {
			continue
		}
		if c.effective() >= cost {
			if best == nil || c.effective() > best.effective() {
				best = c
			}
		} else if fallback == nil || c.effective() > fallback.effective() {
			fallback = c
		}
	}
	if best != nil {
		return best, nil
	}
	if fallback != nil {
		return fallback, nil
	}

	earliest := time.Time{}
	for _, c := range p.creds {
		if c.ID == exceptID {
			continue
		}
		if earliest.IsZero() || c.exhaustedUntil.Before(earliest) {
			earliest = c.exhaustedUntil
		}
	}
	return nil, &ExhaustedError{EarliestReset: earliest}
}

// RecordUsage decrements the local view of a credential's quota. Header
// updates remain the ground truth and overwrite this.
func (p *Pool) RecordUsage(id string, calls int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c := p.byID(id); c != nil && c.Remaining > 0 {
		c.Remaining -= calls
		if c.Remaining < 0 {
			c.Remaining = 0
		}
	}
}

// UpdateFromHeaders applies the authoritative rate-limit numbers a response
// carried. A positive remaining clears any stale exhaustion mark.
func (p *Pool) UpdateFromHeaders(id string, limit, remaining int, resetAt time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.byID(id)
	if c == nil {
		return
	}
	if limit > 0 {
		c.Limit = limit
	}
	c.Remaining = remaining
	c.ResetAt = resetAt
	if remaining > 0 {
		c.exhaustedUntil = time.Time{}
	} else if !resetAt.IsZero() {
		c.exhaustedUntil = resetAt
	}
}

// MarkExhausted takes a credential out of rotation until resetAt.
func (p *Pool) MarkExhausted(id string, resetAt time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.byID(id)
	if c == nil {
		return
	}
	if resetAt.IsZero() {
		resetAt = time.Now().Add(time.Hour) // GitHub resets on a rolling hour
	}
	c.exhaustedUntil = resetAt
	c.ResetAt = resetAt
	c.Remaining = 0
}

// Remove drops a credential permanently (revoked or invalid). Returns the
// number of credentials left.
func (p *Pool) Remove(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, c := range p.creds {
		if c.ID == id {
			p.creds = append(p.creds[:i], p.creds[i+1:]...)
			break
		}
	}
	return len(p.creds)
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.creds)
}

// AllExhausted reports whether no credential is currently usable, and if
// so, the earliest moment one recovers. Credentials never observed yet
// count as usable.
func (p *Pool) AllExhausted() (bool, time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.creds) == 0 {
		return false, time.Time{}
	}
	now := time.Now()
	earliest := time.Time{}
	for _, c := range p.creds {
		if c.usable(now) {
			return false, time.Time{}
		}
		if earliest.IsZero() || c.exhaustedUntil.Before(earliest) {
			earliest = c.exhaustedUntil
		}
	}
	return true, earliest
}

// Statuses returns a stable, sorted view of every credential.
func (p *Pool) Statuses() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	out := make([]Status, 0, len(p.creds))
	for _, c := range p.creds {
		out = append(out, Status{
			ID:        c.ID,
			Remaining: c.Remaining,
			Limit:     c.Limit,
			ResetAt:   c.ResetAt,
			Exhausted: !c.usable(now),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
