package matching

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/bogdan-velicu/MeetUp/internal/geo"
	"github.com/bogdan-velicu/MeetUp/internal/metrics"
	"github.com/bogdan-velicu/MeetUp/internal/session"
)

const (
	// meetingLead is how far in the future a shake meeting is scheduled.
	meetingLead = time.Minute

	// sideEffectTimeout bounds each points/notification call after commit.
	sideEffectTimeout = 3 * time.Second

	fallbackName = "Friend"
)

// SideEffectKind names a collaborator call made for a match.
type SideEffectKind string

const (
	SideEffectMeeting SideEffectKind = "meeting"
	SideEffectPoints  SideEffectKind = "points"
	SideEffectNotify  SideEffectKind = "notify"
)

// SideEffect is the result of one collaborator call. Err is nil on success.
type SideEffect struct {
	Kind   SideEffectKind
	UserID int64
	Err    error
}

// Outcome is the result of TryMatch. When Matched is false the requester's
// session is still active; SideEffects may carry a failed meeting creation.
type Outcome struct {
	Matched     bool
	Self        *session.Session
	Peer        *session.Session
	PeerName    string
	MeetingID   int64
	SideEffects []SideEffect
}

// Failed returns the side effects that did not succeed.
func (o Outcome) Failed() []SideEffect {
	var out []SideEffect
	for _, e := range o.SideEffects {
		if e.Err != nil {
			out = append(out, e)
		}
	}
	return out
}

// Coordinator pairs a session with the first candidate it can claim and
// creates the pair's meeting exactly once.
//
// A pair is first claimed atomically in the store, which hides both sessions
// from every other matcher. The meeting is created outside any lock while the
// claim is held, then the match is committed. A failed meeting releases the
// claim and both sessions stay active.
type Coordinator struct {
	store     session.Store
	meetings  MeetingFactory
	points    PointsLedger
	notifier  Notifier
	directory Directory
	cfg       Config
	now       func() time.Time
}

// NewCoordinator creates a match coordinator.
func NewCoordinator(store session.Store, deps Deps, cfg Config) *Coordinator {
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		store:     store,
		meetings:  deps.Meetings,
		points:    deps.Points,
		notifier:  deps.Notifier,
		directory: deps.Directory,
		cfg:       cfg,
		now:       now,
	}
}

// TryMatch walks candidates in order and pairs self with the first one whose
// claim succeeds. Candidates taken by a concurrent matcher are skipped.
// Errors are returned only for store failures; collaborator failures are
// reported in the Outcome.
func (c *Coordinator) TryMatch(ctx context.Context, self *session.Session, candidates []Candidate) (Outcome, error) {
	if len(candidates) == 0 {
		return Outcome{Self: self}, nil
	}

	selfName, err := c.directory.DisplayName(ctx, self.UserID)
	if err != nil {
		log.Printf("[matcher] display name for user %d: %v", self.UserID, err)
		selfName = fallbackName
	}

	for _, cand := range candidates {
		peerName, err := c.directory.DisplayName(ctx, cand.UserID)
		if errors.Is(err, ErrUserNotFound) {
			log.Printf("[matcher] skipping candidate %s: user %d not found", cand.ID, cand.UserID)
			continue
		}
		if err != nil {
			return Outcome{}, fmt.Errorf("matching: display name for user %d: %w", cand.UserID, err)
		}

		token := uuid.NewString()
		now := c.now()
		err = c.store.Claim(ctx, self.ID, cand.ID, token, now.Add(c.cfg.ClaimTTL), now)
		if errors.Is(err, session.ErrRaceLost) {
			metrics.RaceLostTotal.Inc()
			log.Printf("[matcher] race lost: %s/%s already taken", self.ID, cand.ID)
			continue
		}
		if err != nil {
			return Outcome{}, fmt.Errorf("matching: claim %s/%s: %w", self.ID, cand.ID, err)
		}

		meetingID, err := c.createMeeting(ctx, self, cand.Session, selfName, peerName, now)
		if err != nil {
			metrics.SideEffectFailures.WithLabelValues(string(SideEffectMeeting)).Inc()
			log.Printf("[matcher] create meeting for %s/%s: %v", self.ID, cand.ID, err)
			if rerr := c.store.Release(context.WithoutCancel(ctx), self.ID, cand.ID, token); rerr != nil {
				log.Printf("[matcher] release claim %s/%s: %v", self.ID, cand.ID, rerr)
			}
			return Outcome{
				Self:        self,
				SideEffects: []SideEffect{{Kind: SideEffectMeeting, UserID: self.UserID, Err: err}},
			}, nil
		}

		at := c.now()
		if err := c.store.Commit(context.WithoutCancel(ctx), self.ID, cand.ID, token, meetingID, at); err != nil {
			return Outcome{}, fmt.Errorf("matching: commit %s/%s meeting=%d: %w", self.ID, cand.ID, meetingID, err)
		}
		metrics.MatchesTotal.Inc()
		log.Printf("[matcher] matched user %d with user %d meeting=%d distance=%.1fm",
			self.UserID, cand.UserID, meetingID, cand.DistanceMeters)

		effects := []SideEffect{{Kind: SideEffectMeeting, UserID: self.UserID}}
		effects = append(effects, c.dispatch(ctx, self.UserID, cand.UserID, selfName, peerName, meetingID)...)

		return Outcome{
			Matched:     true,
			Self:        matched(self, cand.UserID, meetingID, at),
			Peer:        matched(cand.Session, self.UserID, meetingID, at),
			PeerName:    peerName,
			MeetingID:   meetingID,
			SideEffects: effects,
		}, nil
	}

	return Outcome{Self: self}, nil
}

// createMeeting creates the pair's meeting. The lower user id organizes so
// both members of a pair describe the same meeting.
func (c *Coordinator) createMeeting(ctx context.Context, a, b *session.Session, nameA, nameB string, now time.Time) (int64, error) {
	organizer, participant := a.UserID, b.UserID
	participantName := nameB
	if participant < organizer {
		organizer, participant = participant, organizer
		participantName = nameA
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.ClaimTTL/2)
	defer cancel()

	mid := geo.Midpoint(a.Location, b.Location)
	return c.meetings.CreateMeeting(ctx, MeetingRequest{
		PairKey:       PairKey(a.ID, b.ID),
		OrganizerID:   organizer,
		ParticipantID: participant,
		Midpoint:      mid,
		ScheduledAt:   now.Add(meetingLead),
		Title:         "Shake MeetUp with " + participantName,
		Description:   "Created via Shake to MeetUp!",
		Address:       fmt.Sprintf("Near %.6f, %.6f", mid.Lat.Float(), mid.Lon.Float()),
	})
}

// dispatch awards points and sends notifications to both users. Each call is
// independent; failures are logged and counted but never undo the match.
func (c *Coordinator) dispatch(ctx context.Context, userA, userB int64, nameA, nameB string, meetingID int64) []SideEffect {
	ctx = context.WithoutCancel(ctx)
	var effects []SideEffect

	run := func(kind SideEffectKind, userID int64, call func(context.Context) error) {
		callCtx, cancel := context.WithTimeout(ctx, sideEffectTimeout)
		defer cancel()
		err := call(callCtx)
		if err != nil {
			metrics.SideEffectFailures.WithLabelValues(string(kind)).Inc()
			log.Printf("[matcher] %s for user %d meeting=%d failed: %v", kind, userID, meetingID, err)
		}
		effects = append(effects, SideEffect{Kind: kind, UserID: userID, Err: err})
	}

	for _, uid := range []int64{userA, userB} {
		run(SideEffectPoints, uid, func(ctx context.Context) error {
			return c.points.Award(ctx, uid, c.cfg.PointsPerMatch, TransactionShakeMeetup, meetingID)
		})
	}
	run(SideEffectNotify, userA, func(ctx context.Context) error {
		return c.notifier.NotifyMatch(ctx, userA, nameB, meetingID)
	})
	run(SideEffectNotify, userB, func(ctx context.Context) error {
		return c.notifier.NotifyMatch(ctx, userB, nameA, meetingID)
	})
	return effects
}

func matched(s *session.Session, peerUserID, meetingID int64, at time.Time) *session.Session {
	m := *s
	m.Status = session.StatusMatched
	m.MatchedUserID = peerUserID
	m.MatchedAt = at
	m.MeetingID = meetingID
	m.ClaimToken = ""
	m.ClaimedUntil = time.Time{}
	return &m
}
