package session

import (
	"context"
	"time"

	"github.com/bogdan-velicu/MeetUp/internal/geo"
)

// Store persists shake sessions. Implementations must make CreateOrGetActive
// atomic per user and Claim/Commit atomic per pair.
//
// Claim, Commit and Release are reserved for the match coordinator and
// ExpireDue for the expiry reaper; nothing else writes session status.
type Store interface {
	// CreateOrGetActive returns the user's live session, or creates one that
	// expires at now+ttl. The bool reports whether a session was created.
	CreateOrGetActive(ctx context.Context, userID int64, loc geo.Point, accuracy *float64, ttl time.Duration, now time.Time) (*Session, bool, error)

	// GetActive returns the user's live session, or nil.
	GetActive(ctx context.Context, userID int64, now time.Time) (*Session, error)

	// GetByID returns the session with the given id, or nil.
	GetByID(ctx context.Context, id string) (*Session, error)

	// Latest returns the user's most recent session in any status, or nil.
	Latest(ctx context.Context, userID int64) (*Session, error)

	// ListFresh returns available sessions created at or after since whose
	// location lies inside box. Order is unspecified.
	ListFresh(ctx context.Context, box geo.Box, since, now time.Time) ([]*Session, error)

	// Claim reserves both sessions under token until the given time. It
	// succeeds only if both are available at now, and returns ErrRaceLost
	// otherwise. Either both sessions are claimed or neither is.
	Claim(ctx context.Context, a, b, token string, until, now time.Time) error

	// Commit marks both claimed sessions matched to each other with the
	// given meeting. Returns ErrClaimLost if token no longer holds on both.
	// The claim deadline is not checked: a lapsed claim still commits
	// unless another matcher has re-claimed either session since.
	Commit(ctx context.Context, a, b, token string, meetingID int64, at time.Time) error

	// Release drops a claim held under token. Releasing a stale token is a no-op.
	Release(ctx context.Context, a, b, token string) error

	// ExpireDue marks every unclaimed active session with ExpiresAt <= now
	// as expired and returns how many changed.
	ExpireDue(ctx context.Context, now time.Time) (int, error)
}
