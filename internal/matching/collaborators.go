package matching

import (
	"context"
	"time"

	"github.com/bogdan-velicu/MeetUp/internal/geo"
	"github.com/bogdan-velicu/MeetUp/internal/ratelimit"
)

// TransactionShakeMeetup is the points-ledger transaction type recorded for
// both users of a match.
const TransactionShakeMeetup = "shake_meetup"

// FriendGraph answers friendship queries. Only mutual, accepted friendships
// count.
type FriendGraph interface {
	AcceptedFriendIDs(ctx context.Context, userID int64) ([]int64, error)
}

// MeetingRequest describes the meeting created for a matched pair.
type MeetingRequest struct {
	// PairKey identifies the pair of sessions being matched. A factory must
	// return the existing meeting when called again with the same key.
	PairKey string

	OrganizerID   int64
	ParticipantID int64
	Midpoint      geo.Point
	ScheduledAt   time.Time
	Title         string
	Description   string
	Address       string
}

// MeetingFactory creates the meeting for a match. CreateMeeting is keyed by
// PairKey: an attempt that failed after its write landed is retried with the
// same key and must get the same meeting id back.
type MeetingFactory interface {
	CreateMeeting(ctx context.Context, req MeetingRequest) (int64, error)
}

// PairKey returns the order-independent key of two sessions.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// PointsLedger credits points to a user. Awarded reports what was actually
// credited for one reference, 0 when nothing was.
type PointsLedger interface {
	Award(ctx context.Context, userID int64, points int, transactionType string, referenceID int64) error
	Awarded(ctx context.Context, userID int64, transactionType string, referenceID int64) (int, error)
}

// Notifier tells a user they have been matched.
type Notifier interface {
	NotifyMatch(ctx context.Context, userID int64, peerDisplayName string, meetingID int64) error
}

// Directory resolves user display names. DisplayName returns ErrUserNotFound
// for unknown users.
type Directory interface {
	DisplayName(ctx context.Context, userID int64) (string, error)
}

// Limiter throttles shake signals per identifier. RetryAfter tells a
// rejected caller how long its window still runs.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) (time.Duration, error)
}

// Deps bundles the collaborators of the matching service. Limiter and Clock
// are optional.
type Deps struct {
	Friends   FriendGraph
	Meetings  MeetingFactory
	Points    PointsLedger
	Notifier  Notifier
	Directory Directory

	Limiter   Limiter
	LimitRule ratelimit.Rule

	Clock func() time.Time
}
