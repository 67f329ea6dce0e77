package matching

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/bogdan-velicu/MeetUp/internal/geo"
	"github.com/bogdan-velicu/MeetUp/internal/metrics"
	"github.com/bogdan-velicu/MeetUp/internal/session"
)

const (
	msgKeepShaking   = "No nearby friends shaking. Keep shaking!"
	msgMeetingFailed = "Error creating meeting. Please try again."

	settlePollInterval = 50 * time.Millisecond
)

// ShakeRequest is one shake signal. Coordinates are decimal strings so they
// can be stored without a float round-trip. Accuracy is optional.
type ShakeRequest struct {
	UserID    int64
	Latitude  string
	Longitude string
	Accuracy  string
}

// ShakeResult reports the requester's session after a shake signal.
type ShakeResult struct {
	SessionID         string
	Status            session.Status
	Matched           bool
	PeerUserID        int64
	PeerName          string
	MeetingID         int64
	NearbyFriendCount int
	PointsAwarded     int
	Message           string
	SideEffects       []SideEffect
}

// NearbyFriend is a friend currently shaking near a location.
type NearbyFriend struct {
	UserID         int64
	DisplayName    string
	DistanceMeters float64
	SessionID      string
	CreatedAt      time.Time
}

// Service implements the shake operations on top of a session store and the
// surrounding system's collaborators.
type Service struct {
	store     session.Store
	matcher   *Matcher
	coord     *Coordinator
	friends   FriendGraph
	directory Directory
	deps      Deps
	cfg       Config
	now       func() time.Time
}

// NewService creates the shake service.
func NewService(store session.Store, deps Deps, cfg Config) *Service {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Service{
		store:     store,
		matcher:   NewMatcher(store),
		coord:     NewCoordinator(store, deps, cfg),
		friends:   deps.Friends,
		directory: deps.Directory,
		deps:      deps,
		cfg:       cfg,
		now:       deps.Clock,
	}
}

// InitiateShake records a shake signal and pairs the user with a nearby
// shaking friend when one is available.
//
// A user who shakes again while their session is live gets the same session
// back. A user whose latest session was matched within the session TTL gets
// that match reported again, so both members of a pair observe it.
func (s *Service) InitiateShake(ctx context.Context, req ShakeRequest) (ShakeResult, error) {
	start := time.Now()
	defer func() { metrics.ShakeLatency.Observe(time.Since(start).Seconds()) }()

	res, err := s.initiateShake(ctx, req)
	switch {
	case errors.Is(err, ErrInvalidLocation), errors.Is(err, ErrRateLimited), errors.Is(err, ErrUserNotFound):
		metrics.ShakesTotal.WithLabelValues("rejected").Inc()
	case err != nil:
		metrics.ShakesTotal.WithLabelValues("error").Inc()
	case res.Matched:
		metrics.ShakesTotal.WithLabelValues("matched").Inc()
	default:
		metrics.ShakesTotal.WithLabelValues("active").Inc()
	}
	return res, err
}

func (s *Service) initiateShake(ctx context.Context, req ShakeRequest) (ShakeResult, error) {
	loc, err := geo.ParsePoint(strings.TrimSpace(req.Latitude), strings.TrimSpace(req.Longitude))
	if err != nil {
		return ShakeResult{}, fmt.Errorf("%w: %v", ErrInvalidLocation, err)
	}
	accuracy, err := parseAccuracy(req.Accuracy)
	if err != nil {
		return ShakeResult{}, err
	}
	if req.UserID <= 0 {
		return ShakeResult{}, ErrUserNotFound
	}
	if _, err := s.directory.DisplayName(ctx, req.UserID); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return ShakeResult{}, ErrUserNotFound
		}
		return ShakeResult{}, fmt.Errorf("matching: lookup user %d: %w", req.UserID, err)
	}
	if err := s.allow(ctx, req.UserID); err != nil {
		return ShakeResult{}, err
	}

	now := s.now()
	latest, err := s.store.Latest(ctx, req.UserID)
	if err != nil {
		return ShakeResult{}, fmt.Errorf("matching: latest session: %w", err)
	}
	if latest != nil && latest.Status == session.StatusMatched && now.Before(latest.MatchedAt.Add(s.cfg.SessionTTL)) {
		return s.matchedResult(ctx, latest, 0), nil
	}

	sess, created, err := s.store.CreateOrGetActive(ctx, req.UserID, loc, accuracy, s.cfg.SessionTTL, now)
	if err != nil {
		return ShakeResult{}, fmt.Errorf("matching: create session: %w", err)
	}
	if created {
		log.Printf("[matcher] shake session %s created for user %d at %s", sess.ID, req.UserID, loc)
	}

	if sess.Claimed(now) {
		sess, err = s.awaitSettled(ctx, sess.ID)
		if err != nil {
			return ShakeResult{}, err
		}
		if sess.Status == session.StatusMatched {
			return s.matchedResult(ctx, sess, 0), nil
		}
	}

	friendIDs, err := s.friends.AcceptedFriendIDs(ctx, req.UserID)
	if err != nil {
		return ShakeResult{}, fmt.Errorf("matching: friends of user %d: %w", req.UserID, err)
	}

	candidates, err := s.matcher.FindCandidates(ctx, sess, friendIDs, s.cfg.ProximityMeters, s.cfg.TimeWindow, s.now())
	if err != nil {
		return ShakeResult{}, err
	}

	outcome, err := s.coord.TryMatch(ctx, sess, candidates)
	if err != nil {
		return ShakeResult{}, err
	}
	if outcome.Matched {
		return ShakeResult{
			SessionID:         outcome.Self.ID,
			Status:            session.StatusMatched,
			Matched:           true,
			PeerUserID:        outcome.Peer.UserID,
			PeerName:          outcome.PeerName,
			MeetingID:         outcome.MeetingID,
			NearbyFriendCount: len(candidates),
			PointsAwarded:     awardedTo(outcome.SideEffects, req.UserID, s.cfg.PointsPerMatch),
			Message:           matchMessage(outcome.PeerName),
			SideEffects:       outcome.SideEffects,
		}, nil
	}

	// A concurrent matcher may have taken our session while we looked for
	// candidates. Report its result rather than a stale active state.
	cur, err := s.store.GetByID(ctx, sess.ID)
	if err != nil {
		return ShakeResult{}, fmt.Errorf("matching: reload session: %w", err)
	}
	if cur != nil && cur.Claimed(s.now()) {
		if cur, err = s.awaitSettled(ctx, cur.ID); err != nil {
			return ShakeResult{}, err
		}
	}
	if cur != nil && cur.Status == session.StatusMatched {
		return s.matchedResult(ctx, cur, len(candidates)), nil
	}
	if cur == nil {
		cur = sess
	}

	msg := msgKeepShaking
	if len(outcome.Failed()) > 0 {
		msg = msgMeetingFailed
	}
	return ShakeResult{
		SessionID:         cur.ID,
		Status:            cur.EffectiveStatus(s.now()),
		NearbyFriendCount: len(candidates),
		Message:           msg,
		SideEffects:       outcome.SideEffects,
	}, nil
}

// NearbyShakingFriends lists the user's friends shaking within the proximity
// threshold of the given location, closest first. It never creates a session.
func (s *Service) NearbyShakingFriends(ctx context.Context, userID int64, lat, lon float64) ([]NearbyFriend, error) {
	loc, err := geo.PointFromFloats(lat, lon)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLocation, err)
	}

	friendIDs, err := s.friends.AcceptedFriendIDs(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("matching: friends of user %d: %w", userID, err)
	}

	seeker := &session.Session{UserID: userID, Location: loc}
	candidates, err := s.matcher.FindCandidates(ctx, seeker, friendIDs, s.cfg.ProximityMeters, s.cfg.TimeWindow, s.now())
	if err != nil {
		return nil, err
	}

	out := make([]NearbyFriend, 0, len(candidates))
	for _, c := range candidates {
		name, err := s.directory.DisplayName(ctx, c.UserID)
		if errors.Is(err, ErrUserNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("matching: display name for user %d: %w", c.UserID, err)
		}
		out = append(out, NearbyFriend{
			UserID:         c.UserID,
			DisplayName:    name,
			DistanceMeters: math.Round(c.DistanceMeters*10) / 10,
			SessionID:      c.ID,
			CreatedAt:      c.CreatedAt,
		})
	}
	return out, nil
}

// ActiveSession returns the user's live session, or nil.
func (s *Service) ActiveSession(ctx context.Context, userID int64) (*session.Session, error) {
	sess, err := s.store.GetActive(ctx, userID, s.now())
	if err != nil {
		return nil, fmt.Errorf("matching: active session: %w", err)
	}
	return sess, nil
}

// SessionByID returns a session in any status.
func (s *Service) SessionByID(ctx context.Context, id string) (*session.Session, error) {
	sess, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("matching: get session: %w", err)
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// awaitSettled polls a session claimed by another matcher until the claim is
// committed, released or lapses, or SettleTimeout passes.
func (s *Service) awaitSettled(ctx context.Context, id string) (*session.Session, error) {
	timer := time.NewTimer(s.cfg.SettleTimeout)
	defer timer.Stop()
	ticker := time.NewTicker(settlePollInterval)
	defer ticker.Stop()

	for {
		sess, err := s.store.GetByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("matching: poll session: %w", err)
		}
		if sess == nil {
			return nil, ErrSessionNotFound
		}
		if !sess.Claimed(s.now()) {
			return sess, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			log.Printf("[matcher] session %s still claimed after %s", id, s.cfg.SettleTimeout)
			return sess, nil
		case <-ticker.C:
		}
	}
}

// matchedResult reports a match committed earlier, possibly by the peer's
// request. Points come from the ledger so both members report what each was
// actually credited.
func (s *Service) matchedResult(ctx context.Context, sess *session.Session, nearby int) ShakeResult {
	name, err := s.directory.DisplayName(ctx, sess.MatchedUserID)
	if err != nil {
		name = fallbackName
	}
	points, err := s.deps.Points.Awarded(ctx, sess.UserID, TransactionShakeMeetup, sess.MeetingID)
	if err != nil {
		log.Printf("[matcher] points for user %d meeting=%d: %v", sess.UserID, sess.MeetingID, err)
	}
	return ShakeResult{
		SessionID:         sess.ID,
		Status:            session.StatusMatched,
		Matched:           true,
		PeerUserID:        sess.MatchedUserID,
		PeerName:          name,
		MeetingID:         sess.MeetingID,
		NearbyFriendCount: nearby,
		PointsAwarded:     points,
		Message:           matchMessage(name),
	}
}

func (s *Service) allow(ctx context.Context, userID int64) error {
	if s.deps.Limiter == nil {
		return nil
	}
	id := strconv.FormatInt(userID, 10)
	ok, err := s.deps.Limiter.Allow(ctx, id, s.deps.LimitRule)
	if err != nil {
		log.Printf("[matcher] rate limit check for user %d: %v", userID, err)
	}
	if ok {
		return nil
	}
	wait, err := s.deps.Limiter.RetryAfter(ctx, id, s.deps.LimitRule)
	if err != nil || wait <= 0 {
		return ErrRateLimited
	}
	return &RateLimitedError{RetryAfter: wait}
}

func parseAccuracy(v string) (*float64, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return nil, fmt.Errorf("%w: accuracy %q", ErrInvalidLocation, v)
	}
	return &f, nil
}

func awardedTo(effects []SideEffect, userID int64, points int) int {
	for _, e := range effects {
		if e.Kind == SideEffectPoints && e.UserID == userID && e.Err == nil {
			return points
		}
	}
	return 0
}

func matchMessage(peerName string) string {
	return "Shake Match! Meeting created with " + peerName + "!"
}
