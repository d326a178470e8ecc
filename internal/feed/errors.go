package feed

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCredentialInvalid means upstream rejected the subject's access token.
	// It needs out-of-band remediation and must not be retried automatically.
	ErrCredentialInvalid = errors.New("credential invalid")

	// ErrUpstream covers transient upstream failures: unexpected statuses,
	// transport errors, timeouts and rate-limit exhaustion.
	ErrUpstream = errors.New("upstream error")
)

// APIError represents an unexpected response from the upstream API.
type APIError struct {
	StatusCode int
	Message    string
	// RateLimitReset is set when the response reported an exhausted rate limit.
	RateLimitReset time.Time
}

func (e *APIError) Error() string {
	if !e.RateLimitReset.IsZero() {
		return fmt.Sprintf("HTTP %d: rate limit exhausted until %s", e.StatusCode, e.RateLimitReset.UTC().Format(time.RFC3339))
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// RateLimited reports whether the error was caused by rate-limit exhaustion.
func (e *APIError) RateLimited() bool {
	return !e.RateLimitReset.IsZero()
}

func upstream(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUpstream, err)
}

func credentialInvalid(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrCredentialInvalid, err)
}
