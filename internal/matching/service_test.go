package matching

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bogdan-velicu/MeetUp/internal/geo"
	"github.com/bogdan-velicu/MeetUp/internal/session"
)

const (
	baseLat = "44.4268"
	baseLon = "26.1025"
	lat55m  = "44.4272946" // ~55 m north of base
	lat150m = "44.428149"  // ~150 m north of base
	farLat  = "45.0"
	farLon  = "26.1025"
)

func TestInitiateShake_PairWithin55m(t *testing.T) {
	h := newHarness()
	h.friends.add(1, 2)
	svc := h.service()

	first := h.shake(t, svc, 1, baseLat, baseLon)
	if first.Matched || first.Status != session.StatusActive {
		t.Fatalf("first shake = %+v, want active", first)
	}
	if first.Message != msgKeepShaking {
		t.Errorf("message = %q, want %q", first.Message, msgKeepShaking)
	}

	h.clock.Advance(3 * time.Second)
	second := h.shake(t, svc, 2, lat55m, baseLon)
	if !second.Matched || second.Status != session.StatusMatched {
		t.Fatalf("second shake = %+v, want matched", second)
	}
	if second.PeerUserID != 1 || second.PeerName != "Ana Pop" {
		t.Errorf("peer = %d %q, want 1 Ana Pop", second.PeerUserID, second.PeerName)
	}
	if second.PointsAwarded != 50 {
		t.Errorf("points = %d, want 50", second.PointsAwarded)
	}
	if second.NearbyFriendCount != 1 {
		t.Errorf("nearby = %d, want 1", second.NearbyFriendCount)
	}

	a := mustSession(t, h.store, first.SessionID)
	b := mustSession(t, h.store, second.SessionID)
	if a.Status != session.StatusMatched || b.Status != session.StatusMatched {
		t.Fatalf("statuses = %s/%s, want matched/matched", a.Status, b.Status)
	}
	if a.MatchedUserID != 2 || b.MatchedUserID != 1 {
		t.Errorf("matched users = %d/%d, want 2/1", a.MatchedUserID, b.MatchedUserID)
	}
	if a.MeetingID != second.MeetingID || b.MeetingID != second.MeetingID {
		t.Errorf("meeting ids = %d/%d, want %d", a.MeetingID, b.MeetingID, second.MeetingID)
	}

	if n := h.meetings.count(); n != 1 {
		t.Fatalf("meetings created = %d, want 1", n)
	}
	req := h.meetings.created[0]
	if req.OrganizerID != 1 || req.ParticipantID != 2 {
		t.Errorf("organizer/participant = %d/%d, want 1/2", req.OrganizerID, req.ParticipantID)
	}
	if req.Title != "Shake MeetUp with Bogdan" {
		t.Errorf("title = %q", req.Title)
	}
	if want := t0.Add(3*time.Second + time.Minute); !req.ScheduledAt.Equal(want) {
		t.Errorf("scheduled at %v, want %v", req.ScheduledAt, want)
	}
	if got, want := req.Midpoint.Lat.String(), "44.4270473"; got != want {
		t.Errorf("midpoint lat = %s, want %s", got, want)
	}

	if len(h.ledger.awards) != 2 {
		t.Fatalf("awards = %+v, want 2", h.ledger.awards)
	}
	for _, aw := range h.ledger.awards {
		if aw.Points != 50 || aw.Type != TransactionShakeMeetup || aw.Ref != second.MeetingID {
			t.Errorf("award = %+v", aw)
		}
	}
	if len(h.notifier.notices) != 2 {
		t.Fatalf("notices = %+v, want 2", h.notifier.notices)
	}

	// The first shaker learns about the match on their next signal.
	again := h.shake(t, svc, 1, baseLat, baseLon)
	if !again.Matched || again.MeetingID != second.MeetingID || again.PeerName != "Bogdan" {
		t.Errorf("re-shake = %+v, want reported match %d", again, second.MeetingID)
	}
	if again.SessionID != first.SessionID {
		t.Errorf("re-shake session = %s, want %s", again.SessionID, first.SessionID)
	}
	if n := h.meetings.count(); n != 1 {
		t.Errorf("meetings created = %d after re-shake, want 1", n)
	}
}

func TestInitiateShake_LoneUser(t *testing.T) {
	h := newHarness()
	svc := h.service()

	res := h.shake(t, svc, 1, baseLat, baseLon)
	if res.Matched || res.NearbyFriendCount != 0 || res.Status != session.StatusActive {
		t.Fatalf("lone shake = %+v", res)
	}
	if res.SessionID == "" {
		t.Error("session id should be set")
	}
}

func TestInitiateShake_TooFarStaysActive(t *testing.T) {
	h := newHarness()
	h.friends.add(1, 2)
	svc := h.service()

	a := h.shake(t, svc, 1, baseLat, baseLon)
	b := h.shake(t, svc, 2, lat150m, baseLon)
	if a.Matched || b.Matched {
		t.Fatalf("150 m apart should not match: %+v %+v", a, b)
	}
	if b.NearbyFriendCount != 0 {
		t.Errorf("nearby = %d, want 0", b.NearbyFriendCount)
	}
	if h.meetings.count() != 0 {
		t.Error("no meeting should be created")
	}
}

func TestInitiateShake_NonFriendsDoNotMatch(t *testing.T) {
	h := newHarness()
	h.friends.add(1, 3)
	svc := h.service()

	h.shake(t, svc, 1, baseLat, baseLon)
	res := h.shake(t, svc, 2, lat55m, baseLon)
	if res.Matched {
		t.Fatalf("strangers matched: %+v", res)
	}
}

func TestInitiateShake_ReusesLiveSession(t *testing.T) {
	h := newHarness()
	svc := h.service()

	first := h.shake(t, svc, 1, baseLat, baseLon)
	h.clock.Advance(5 * time.Second)
	second := h.shake(t, svc, 1, farLat, farLon)
	if first.SessionID != second.SessionID {
		t.Fatalf("session ids differ: %s vs %s", first.SessionID, second.SessionID)
	}

	// The original location is kept.
	s := mustSession(t, h.store, first.SessionID)
	if got := s.Location.Lat.String(); got != baseLat {
		t.Errorf("lat = %s, want %s", got, baseLat)
	}
}

func TestInitiateShake_ExpiredSessionReplaced(t *testing.T) {
	h := newHarness()
	svc := h.service()

	first := h.shake(t, svc, 1, baseLat, baseLon)
	h.clock.Advance(h.cfg.SessionTTL)

	active, err := svc.ActiveSession(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if active != nil {
		t.Fatalf("expired session still active: %+v", active)
	}
	old, err := svc.SessionByID(context.Background(), first.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if got := old.EffectiveStatus(h.clock.Now()); got != session.StatusExpired {
		t.Errorf("effective status = %s, want expired", got)
	}

	second := h.shake(t, svc, 1, baseLat, baseLon)
	if second.SessionID == first.SessionID {
		t.Error("expired session was reused")
	}
}

func TestInitiateShake_ExpiredPeerNotMatched(t *testing.T) {
	h := newHarness()
	h.friends.add(1, 2)
	svc := h.service()

	h.shake(t, svc, 1, baseLat, baseLon)
	h.clock.Advance(h.cfg.SessionTTL + time.Second)
	res := h.shake(t, svc, 2, lat55m, baseLon)
	if res.Matched {
		t.Fatalf("matched an expired session: %+v", res)
	}
}

func TestInitiateShake_FreshnessBoundary(t *testing.T) {
	tests := []struct {
		name  string
		delay time.Duration
		match bool
	}{
		{"at window", 15 * time.Second, true},
		{"one second past window", 16 * time.Second, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			h.cfg.SessionTTL = time.Minute
			h.friends.add(1, 2)
			svc := h.service()

			h.shake(t, svc, 1, baseLat, baseLon)
			h.clock.Advance(tt.delay)
			res := h.shake(t, svc, 2, lat55m, baseLon)
			if res.Matched != tt.match {
				t.Errorf("matched = %v, want %v", res.Matched, tt.match)
			}
		})
	}
}

func TestInitiateShake_DistanceBoundaryInclusive(t *testing.T) {
	a := mustPoint(t, baseLat, baseLon)
	b := mustPoint(t, lat55m, baseLon)
	d := geo.Haversine(b, a)

	tests := []struct {
		name  string
		max   float64
		match bool
	}{
		{"exactly at threshold", d, true},
		{"just below threshold", d - 0.01, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			h.cfg.ProximityMeters = tt.max
			h.friends.add(1, 2)
			svc := h.service()

			h.shake(t, svc, 1, baseLat, baseLon)
			res := h.shake(t, svc, 2, lat55m, baseLon)
			if res.Matched != tt.match {
				t.Errorf("matched = %v, want %v", res.Matched, tt.match)
			}
		})
	}
}

func TestInitiateShake_InvalidInput(t *testing.T) {
	tests := []struct {
		name string
		req  ShakeRequest
		want error
	}{
		{"latitude out of range", ShakeRequest{UserID: 1, Latitude: "91", Longitude: "0"}, ErrInvalidLocation},
		{"longitude out of range", ShakeRequest{UserID: 1, Latitude: "0", Longitude: "-180.0000001"}, ErrInvalidLocation},
		{"not a number", ShakeRequest{UserID: 1, Latitude: "north", Longitude: "0"}, ErrInvalidLocation},
		{"empty", ShakeRequest{UserID: 1}, ErrInvalidLocation},
		{"negative accuracy", ShakeRequest{UserID: 1, Latitude: "1", Longitude: "1", Accuracy: "-3"}, ErrInvalidLocation},
		{"unknown user", ShakeRequest{UserID: 99, Latitude: "1", Longitude: "1"}, ErrUserNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			svc := h.service()
			_, err := svc.InitiateShake(context.Background(), tt.req)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if s, _ := h.store.Latest(context.Background(), tt.req.UserID); s != nil {
				t.Errorf("session written for rejected request: %+v", s)
			}
		})
	}
}

func TestInitiateShake_BoundaryCoordinatesAccepted(t *testing.T) {
	h := newHarness()
	svc := h.service()
	for i, c := range [][2]string{{"90", "180"}, {"-90", "-180"}} {
		if _, err := svc.InitiateShake(context.Background(), ShakeRequest{UserID: int64(i + 1), Latitude: c[0], Longitude: c[1], Accuracy: "12.5"}); err != nil {
			t.Errorf("InitiateShake(%v): %v", c, err)
		}
	}
}

func TestInitiateShake_RateLimited(t *testing.T) {
	h := newHarness()
	deps := h.deps()
	deps.Limiter = denyAll{}
	svc := NewService(h.store, deps, h.cfg)

	_, err := svc.InitiateShake(context.Background(), ShakeRequest{UserID: 1, Latitude: baseLat, Longitude: baseLon})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	var limited *RateLimitedError
	if !errors.As(err, &limited) || limited.RetryAfter != 42*time.Second {
		t.Errorf("err = %v, want retry after 42s", err)
	}
}

func TestInitiateShake_MeetingFailureRollsBack(t *testing.T) {
	h := newHarness()
	h.friends.add(1, 2)
	h.meetings.fail = errBoom
	svc := h.service()

	a := h.shake(t, svc, 1, baseLat, baseLon)
	b := h.shake(t, svc, 2, lat55m, baseLon)
	if b.Matched || b.Status != session.StatusActive {
		t.Fatalf("result = %+v, want active", b)
	}
	if b.Message != msgMeetingFailed {
		t.Errorf("message = %q, want %q", b.Message, msgMeetingFailed)
	}
	if len(b.SideEffects) != 1 || b.SideEffects[0].Kind != SideEffectMeeting || b.SideEffects[0].Err == nil {
		t.Errorf("side effects = %+v, want one failed meeting", b.SideEffects)
	}

	for _, id := range []string{a.SessionID, b.SessionID} {
		s := mustSession(t, h.store, id)
		if s.Status != session.StatusActive || s.Claimed(h.clock.Now()) {
			t.Errorf("session %s = %s claimed=%v, want active and unclaimed", id, s.Status, s.Claimed(h.clock.Now()))
		}
	}
	if len(h.ledger.awards) != 0 || len(h.notifier.notices) != 0 {
		t.Error("no side effects should follow a failed meeting")
	}

	// Once meetings work again the pair can still match.
	h.meetings.fail = nil
	again := h.shake(t, svc, 2, lat55m, baseLon)
	if !again.Matched || again.PeerUserID != 1 {
		t.Fatalf("retry = %+v, want matched with 1", again)
	}
}

func TestInitiateShake_RetryReusesMeetingFromLostReply(t *testing.T) {
	h := newHarness()
	h.friends.add(1, 2)
	h.meetings.lostReplies = 1
	svc := h.service()

	a := h.shake(t, svc, 1, baseLat, baseLon)
	b := h.shake(t, svc, 2, lat55m, baseLon)
	if b.Matched {
		t.Fatalf("first attempt = %+v, want no match while the meeting reply is lost", b)
	}
	if got := h.meetings.count(); got != 1 {
		t.Fatalf("meetings after first attempt = %d, want 1", got)
	}

	again := h.shake(t, svc, 2, lat55m, baseLon)
	if !again.Matched || again.MeetingID != 1001 || again.SessionID != b.SessionID {
		t.Fatalf("retry = %+v, want matched into meeting 1001 on the same session", again)
	}
	if got := h.meetings.count(); got != 1 {
		t.Errorf("meetings for pair 1/2 = %d, want exactly 1", got)
	}
	if s := mustSession(t, h.store, a.SessionID); s.MeetingID != 1001 {
		t.Errorf("peer session meeting = %d, want 1001", s.MeetingID)
	}
}

func TestInitiateShake_SideEffectFailuresKeepMatch(t *testing.T) {
	h := newHarness()
	h.friends.add(1, 2)
	h.ledger.fail[2] = true
	h.notifier.fail = true
	svc := h.service()

	h.shake(t, svc, 1, baseLat, baseLon)
	res := h.shake(t, svc, 2, lat55m, baseLon)
	if !res.Matched {
		t.Fatalf("result = %+v, want matched", res)
	}
	if res.PointsAwarded != 0 {
		t.Errorf("points = %d, want 0 when the award failed", res.PointsAwarded)
	}

	var failed []SideEffectKind
	for _, e := range res.SideEffects {
		if e.Err != nil {
			failed = append(failed, e.Kind)
		}
	}
	if len(failed) != 3 {
		t.Errorf("failed side effects = %v, want points + 2 notify", failed)
	}
	if len(h.ledger.awards) != 1 || h.ledger.awards[0].UserID != 1 {
		t.Errorf("awards = %+v, want only user 1", h.ledger.awards)
	}
}

func TestInitiateShake_ReportedPointsFollowLedger(t *testing.T) {
	h := newHarness()
	h.friends.add(1, 2)
	h.ledger.fail[1] = true
	svc := h.service()

	h.shake(t, svc, 1, baseLat, baseLon)
	winner := h.shake(t, svc, 2, lat55m, baseLon)
	if !winner.Matched || winner.PointsAwarded != 50 {
		t.Fatalf("winner = %+v, want matched with 50 points", winner)
	}

	// User 1 learns of the match afterwards; its award failed.
	other := h.shake(t, svc, 1, baseLat, baseLon)
	if !other.Matched || other.MeetingID != winner.MeetingID {
		t.Fatalf("peer = %+v, want the same match", other)
	}
	if other.PointsAwarded != 0 {
		t.Errorf("peer points = %d, want 0 when its award failed", other.PointsAwarded)
	}

	// And the winner asking again still sees its own credit.
	if again := h.shake(t, svc, 2, lat55m, baseLon); again.PointsAwarded != 50 {
		t.Errorf("winner repeat points = %d, want 50", again.PointsAwarded)
	}
}

func TestInitiateShake_ClosestFriendWins(t *testing.T) {
	h := newHarness()
	h.friends.add(1, 2)
	h.friends.add(1, 3)
	svc := h.service()

	h.shake(t, svc, 3, "44.4275", baseLon) // ~80 m
	h.shake(t, svc, 2, lat55m, baseLon)    // ~55 m, 2 and 3 are not friends
	res := h.shake(t, svc, 1, baseLat, baseLon)
	if !res.Matched || res.PeerUserID != 2 {
		t.Fatalf("result = %+v, want matched with closest user 2", res)
	}
	if res.NearbyFriendCount != 2 {
		t.Errorf("nearby = %d, want 2", res.NearbyFriendCount)
	}
}

func TestInitiateShake_SimultaneousPairOneMeeting(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness()
		h.friends.add(1, 2)
		h.meetings.delay = 5 * time.Millisecond
		svc := h.service()

		var wg sync.WaitGroup
		results := make([]ShakeResult, 2)
		errs := make([]error, 2)
		for j, c := range []struct {
			user int64
			lat  string
		}{{1, baseLat}, {2, lat55m}} {
			wg.Add(1)
			go func(j int, user int64, lat string) {
				defer wg.Done()
				results[j], errs[j] = svc.InitiateShake(context.Background(), ShakeRequest{UserID: user, Latitude: lat, Longitude: baseLon})
			}(j, c.user, c.lat)
		}
		wg.Wait()

		for _, err := range errs {
			if err != nil {
				t.Fatalf("round %d: %v", i, err)
			}
		}
		if n := h.meetings.count(); n != 1 {
			t.Fatalf("round %d: meetings = %d, want exactly 1", i, n)
		}
		var meetingID int64
		for _, r := range results {
			if !r.Matched {
				continue
			}
			if meetingID != 0 && r.MeetingID != meetingID {
				t.Fatalf("round %d: results report meetings %d and %d", i, meetingID, r.MeetingID)
			}
			meetingID = r.MeetingID
		}
		if meetingID == 0 {
			t.Fatalf("round %d: neither caller saw the match: %+v", i, results)
		}
	}
}

func TestInitiateShake_ConcurrentCrowd(t *testing.T) {
	const n = 9
	h := newHarness()
	for a := int64(1); a <= n; a++ {
		h.dir[a] = fmt.Sprintf("user-%d", a)
		for b := a + 1; b <= n; b++ {
			h.friends.add(a, b)
		}
	}
	h.meetings.delay = 2 * time.Millisecond
	svc := h.service()

	var wg sync.WaitGroup
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			lat := fmt.Sprintf("44.42%02d", 68+i%3)
			res, err := svc.InitiateShake(context.Background(), ShakeRequest{UserID: int64(i + 1), Latitude: lat, Longitude: baseLon})
			if err != nil {
				t.Errorf("user %d: %v", i+1, err)
				return
			}
			ids[i] = res.SessionID
		}(i)
	}
	wg.Wait()

	if m := h.meetings.count(); m > n/2 {
		t.Fatalf("meetings = %d, want at most %d", m, n/2)
	}

	matched := 0
	for _, id := range ids {
		if id == "" {
			continue
		}
		s := mustSession(t, h.store, id)
		if s.Status != session.StatusMatched {
			continue
		}
		matched++
		peer, err := h.store.Latest(context.Background(), s.MatchedUserID)
		if err != nil || peer == nil {
			t.Fatalf("peer of %s: %v", id, err)
		}
		if peer.MatchedUserID != s.UserID || peer.MeetingID != s.MeetingID {
			t.Errorf("asymmetric pair: %+v vs %+v", s, peer)
		}
	}
	if matched != 2*h.meetings.count() {
		t.Errorf("matched sessions = %d, want %d", matched, 2*h.meetings.count())
	}
}

func TestNearbyShakingFriends(t *testing.T) {
	h := newHarness()
	h.friends.add(1, 2)
	h.friends.add(1, 3)
	h.friends.add(1, 4)
	delete(h.dir, 4)
	svc := h.service()

	h.shake(t, svc, 2, lat55m, baseLon)
	h.shake(t, svc, 3, lat150m, baseLon)
	// User 4 has no directory entry and is skipped.
	if _, _, err := h.store.CreateOrGetActive(context.Background(), 4, mustPoint(t, baseLat, baseLon), nil, h.cfg.SessionTTL, h.clock.Now()); err != nil {
		t.Fatal(err)
	}
	h.shake(t, svc, 5, baseLat, baseLon)

	got, err := svc.NearbyShakingFriends(context.Background(), 1, 44.4268, 26.1025)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("nearby = %+v, want only user 2", got)
	}
	if got[0].UserID != 2 || got[0].DisplayName != "Bogdan" {
		t.Errorf("nearby[0] = %+v", got[0])
	}
	if got[0].DistanceMeters != 55.0 {
		t.Errorf("distance = %v, want 55.0", got[0].DistanceMeters)
	}

	// Listing does not create a session for the caller.
	if s, _ := svc.ActiveSession(context.Background(), 1); s != nil {
		t.Errorf("caller got a session: %+v", s)
	}
}

func TestNearbyShakingFriends_NoFriends(t *testing.T) {
	h := newHarness()
	svc := h.service()
	h.shake(t, svc, 2, lat55m, baseLon)

	got, err := svc.NearbyShakingFriends(context.Background(), 1, 44.4268, 26.1025)
	if err != nil || len(got) != 0 {
		t.Fatalf("got %+v, %v; want empty", got, err)
	}
}

func TestNearbyShakingFriends_InvalidLocation(t *testing.T) {
	h := newHarness()
	svc := h.service()
	if _, err := svc.NearbyShakingFriends(context.Background(), 1, 95, 0); !errors.Is(err, ErrInvalidLocation) {
		t.Fatalf("err = %v, want ErrInvalidLocation", err)
	}
}

func TestSessionByID_NotFound(t *testing.T) {
	h := newHarness()
	svc := h.service()
	if _, err := svc.SessionByID(context.Background(), "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}
