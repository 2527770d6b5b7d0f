package gateway

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound means the repository or user does not exist. Not retried;
	// callers record the target as skipped and move on.
	ErrNotFound = errors.New("gateway: not found")

	// ErrUnauthorized means a credential was rejected outright. The gateway
	// removes that credential from the pool before surfacing this; it is
	// fatal only once the pool is empty.
	ErrUnauthorized = errors.New("gateway: unauthorized")
)

// RateLimitedError is returned when a call cannot proceed because every
// usable credential is exhausted and none will recover within the
// configured wait budget. ResetAt is the earliest known recovery time.
type RateLimitedError struct {
	ResetAt      time.Time
	CredentialID string
}

func (e *RateLimitedError) Error() string {
	if e.ResetAt.IsZero() {
		return "gateway: rate limited, reset time unknown"
	}
	return fmt.Sprintf("gateway: rate limited until %s", e.ResetAt.Format(time.RFC3339))
}

// errCredentialRevoked signals the call loop to retry on another
// credential after a 401 removed the failing one.
var errCredentialRevoked = errors.New("gateway: credential revoked")
