package matching

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidLocation is returned when coordinates are malformed or out of
	// range. Nothing is written when it is returned.
	ErrInvalidLocation = errors.New("matching: invalid location")

	// ErrUserNotFound is returned by a Directory for unknown users.
	ErrUserNotFound = errors.New("matching: user not found")

	// ErrSessionNotFound is returned when a referenced session does not exist.
	ErrSessionNotFound = errors.New("matching: session not found")

	// ErrRateLimited is returned when a user sends shake signals too quickly.
	ErrRateLimited = errors.New("matching: too many shake signals")
)

// RateLimitedError is ErrRateLimited with the time left in the caller's
// window, when the limiter could tell.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%v, retry in %s", ErrRateLimited, e.RetryAfter.Round(time.Second))
}

func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }
