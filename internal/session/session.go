// Package session manages shake sessions: the short-lived record of a user's
// intent to meet at a location. It defines the Session model, the Store
// contract used by the matcher, and the in-memory and Redis implementations.
package session

import (
	"errors"
	"time"

	"github.com/bogdan-velicu/MeetUp/internal/geo"
)

// Status is the lifecycle state of a shake session. Matched and Expired are
// terminal.
type Status string

const (
	StatusActive  Status = "active"
	StatusMatched Status = "matched"
	StatusExpired Status = "expired"
)

var (
	// ErrRaceLost is returned by Claim when either session of the pair is no
	// longer claimable (matched, expired, or claimed by a concurrent matcher).
	ErrRaceLost = errors.New("session: pair no longer available")

	// ErrClaimLost is returned by Commit when the claim token no longer holds
	// on both sessions.
	ErrClaimLost = errors.New("session: claim no longer held")

	// ErrSamePair is returned when a pair operation names the same session twice.
	ErrSamePair = errors.New("session: cannot pair a session with itself")
)

// Session is one shake signal. The Matched* fields and MeetingID are set
// together exactly when Status is StatusMatched.
type Session struct {
	ID        string
	UserID    int64
	Location  geo.Point
	Accuracy  *float64 // meters, nil when the client did not report it
	CreatedAt time.Time
	ExpiresAt time.Time
	Status    Status

	MatchedUserID int64
	MatchedAt     time.Time
	MeetingID     int64

	// ClaimToken is held by a matcher while it creates the meeting for a
	// pair. A claimed session stays active but is hidden from other matchers
	// until ClaimedUntil.
	ClaimToken   string
	ClaimedUntil time.Time
}

// Live reports whether the session is active and not past its expiry.
func (s *Session) Live(now time.Time) bool {
	return s.Status == StatusActive && now.Before(s.ExpiresAt)
}

// Claimed reports whether a matcher currently holds the session.
func (s *Session) Claimed(now time.Time) bool {
	return s.ClaimToken != "" && now.Before(s.ClaimedUntil)
}

// Available reports whether the session may be offered to a matcher.
func (s *Session) Available(now time.Time) bool {
	return s.Live(now) && !s.Claimed(now)
}

// EffectiveStatus returns the status a reader should observe at now: an
// active session past its expiry reads as expired even before the reaper
// persists the transition.
func (s *Session) EffectiveStatus(now time.Time) Status {
	if s.Status == StatusActive && !now.Before(s.ExpiresAt) {
		return StatusExpired
	}
	return s.Status
}

func (s *Session) clone() *Session {
	c := *s
	return &c
}
