// Package sessiontest holds a behavioral test suite shared by every
// session.Store implementation.
package sessiontest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bogdan-velicu/MeetUp/internal/geo"
	"github.com/bogdan-velicu/MeetUp/internal/session"
)

// Base is the reference instant used by the suite.
var Base = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

const ttl = 15 * time.Second

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) session.Store

// Run exercises the session.Store contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateOrGetActive reuses live session", func(t *testing.T) { testReuse(t, newStore(t)) })
	t.Run("expiry is observed lazily", func(t *testing.T) { testLazyExpiry(t, newStore(t)) })
	t.Run("unknown ids read as nil", func(t *testing.T) { testMissing(t, newStore(t)) })
	t.Run("ListFresh filters", func(t *testing.T) { testListFresh(t, newStore(t)) })
	t.Run("claim and commit pair", func(t *testing.T) { testClaimCommit(t, newStore(t)) })
	t.Run("release makes pair claimable", func(t *testing.T) { testRelease(t, newStore(t)) })
	t.Run("lapsed claim commits until taken over", func(t *testing.T) { testLapsedClaim(t, newStore(t)) })
	t.Run("ExpireDue", func(t *testing.T) { testExpireDue(t, newStore(t)) })
	t.Run("concurrent CreateOrGetActive", func(t *testing.T) { testConcurrentCreate(t, newStore(t)) })
	t.Run("concurrent claims pair each session once", func(t *testing.T) { testConcurrentClaims(t, newStore(t)) })
}

// Point parses a coordinate pair or fails the test.
func Point(t *testing.T, lat, lon string) geo.Point {
	t.Helper()
	p, err := geo.ParsePoint(lat, lon)
	if err != nil {
		t.Fatalf("ParsePoint(%s, %s): %v", lat, lon, err)
	}
	return p
}

func mustCreate(t *testing.T, st session.Store, userID int64, p geo.Point, now time.Time) *session.Session {
	t.Helper()
	s, _, err := st.CreateOrGetActive(context.Background(), userID, p, nil, ttl, now)
	if err != nil {
		t.Fatalf("CreateOrGetActive(%d): %v", userID, err)
	}
	return s
}

func mustGet(t *testing.T, st session.Store, id string) *session.Session {
	t.Helper()
	s, err := st.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID(%s): %v", id, err)
	}
	if s == nil {
		t.Fatalf("GetByID(%s): not found", id)
	}
	return s
}

func testReuse(t *testing.T, st session.Store) {
	ctx := context.Background()
	p := Point(t, "44.4268", "26.1025")
	acc := 12.5

	first, created, err := st.CreateOrGetActive(ctx, 1, p, &acc, ttl, Base)
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	if !created {
		t.Error("first call should create a session")
	}
	if first.Status != session.StatusActive {
		t.Errorf("status = %s, want active", first.Status)
	}
	if !first.ExpiresAt.Equal(Base.Add(ttl)) {
		t.Errorf("ExpiresAt = %v, want %v", first.ExpiresAt, Base.Add(ttl))
	}
	if first.Accuracy == nil || *first.Accuracy != acc {
		t.Errorf("accuracy not stored: %v", first.Accuracy)
	}
	if first.Location != p {
		t.Errorf("location = %s, want %s", first.Location, p)
	}

	second, created, err := st.CreateOrGetActive(ctx, 1, Point(t, "10", "10"), nil, ttl, Base.Add(5*time.Second))
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if created {
		t.Error("second call within TTL should reuse the session")
	}
	if second.ID != first.ID {
		t.Errorf("expected same session id, got %s and %s", first.ID, second.ID)
	}
	if second.Location != p {
		t.Errorf("reused session should keep its original location")
	}
}

func testLazyExpiry(t *testing.T, st session.Store) {
	ctx := context.Background()
	s := mustCreate(t, st, 2, Point(t, "1", "1"), Base)

	active, err := st.GetActive(ctx, 2, Base.Add(ttl-time.Millisecond))
	if err != nil || active == nil || active.ID != s.ID {
		t.Fatalf("expected active session before expiry, got %v (err=%v)", active, err)
	}

	active, err = st.GetActive(ctx, 2, Base.Add(ttl))
	if err != nil {
		t.Fatalf("GetActive: %v", err)
	}
	if active != nil {
		t.Errorf("session past ExpiresAt should not be active, got %s", active.ID)
	}
	if got := mustGet(t, st, s.ID).EffectiveStatus(Base.Add(ttl)); got != session.StatusExpired {
		t.Errorf("effective status = %s, want expired", got)
	}

	next, created, err := st.CreateOrGetActive(ctx, 2, Point(t, "1", "1"), nil, ttl, Base.Add(ttl))
	if err != nil {
		t.Fatalf("CreateOrGetActive: %v", err)
	}
	if !created || next.ID == s.ID {
		t.Error("expected a new session once the old one expired")
	}
}

func testMissing(t *testing.T, st session.Store) {
	ctx := context.Background()
	if s, err := st.GetByID(ctx, "00000000-0000-0000-0000-000000000000"); err != nil || s != nil {
		t.Errorf("GetByID(unknown) = %v, %v", s, err)
	}
	if s, err := st.GetActive(ctx, 999, Base); err != nil || s != nil {
		t.Errorf("GetActive(unknown) = %v, %v", s, err)
	}
	if s, err := st.Latest(ctx, 999); err != nil || s != nil {
		t.Errorf("Latest(unknown) = %v, %v", s, err)
	}
}

func testListFresh(t *testing.T, st session.Store) {
	ctx := context.Background()
	center := Point(t, "44.4268", "26.1025")
	box := geo.BoundingBox(center, 100)

	old := mustCreate(t, st, 10, Point(t, "44.4269", "26.1025"), Base.Add(-10*time.Second))
	fresh := mustCreate(t, st, 11, Point(t, "44.4270", "26.1026"), Base)
	far := mustCreate(t, st, 12, Point(t, "44.5", "26.1025"), Base)
	claimedA := mustCreate(t, st, 13, Point(t, "44.4268", "26.1026"), Base)
	claimedB := mustCreate(t, st, 14, Point(t, "44.4268", "26.1024"), Base)
	if err := st.Claim(ctx, claimedA.ID, claimedB.ID, "tok", Base.Add(10*time.Second), Base); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	got, err := st.ListFresh(ctx, box, Base.Add(-5*time.Second), Base.Add(time.Second))
	if err != nil {
		t.Fatalf("ListFresh: %v", err)
	}
	ids := map[string]bool{}
	for _, s := range got {
		ids[s.ID] = true
	}
	if !ids[fresh.ID] {
		t.Error("fresh in-box session missing")
	}
	for name, s := range map[string]*session.Session{"old": old, "far": far, "claimedA": claimedA, "claimedB": claimedB} {
		if ids[s.ID] {
			t.Errorf("%s session should be filtered out", name)
		}
	}

	// Past its expiry nothing is listed.
	got, err = st.ListFresh(ctx, box, Base.Add(-time.Hour), Base.Add(ttl))
	if err != nil {
		t.Fatalf("ListFresh: %v", err)
	}
	for _, s := range got {
		if s.ID == fresh.ID {
			t.Error("expired session listed")
		}
	}
}

func testClaimCommit(t *testing.T, st session.Store) {
	ctx := context.Background()
	a := mustCreate(t, st, 20, Point(t, "44.4268", "26.1025"), Base)
	b := mustCreate(t, st, 21, Point(t, "44.42725", "26.1025"), Base)
	c := mustCreate(t, st, 22, Point(t, "44.4268", "26.1026"), Base)
	now := Base.Add(time.Second)

	if err := st.Claim(ctx, a.ID, a.ID, "t0", now.Add(10*time.Second), now); !errors.Is(err, session.ErrSamePair) {
		t.Errorf("self claim err = %v, want ErrSamePair", err)
	}
	if err := st.Claim(ctx, a.ID, b.ID, "t1", now.Add(10*time.Second), now); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := st.Claim(ctx, c.ID, b.ID, "t2", now.Add(10*time.Second), now); !errors.Is(err, session.ErrRaceLost) {
		t.Errorf("claim over a held session err = %v, want ErrRaceLost", err)
	}
	if got := mustGet(t, st, c.ID); got.ClaimToken != "" {
		t.Error("failed claim must not leave a partial claim behind")
	}
	if err := st.Commit(ctx, a.ID, b.ID, "wrong", 7, now); !errors.Is(err, session.ErrClaimLost) {
		t.Errorf("commit with wrong token err = %v, want ErrClaimLost", err)
	}
	if err := st.Commit(ctx, a.ID, b.ID, "t1", 77, now); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	ga, gb := mustGet(t, st, a.ID), mustGet(t, st, b.ID)
	for _, s := range []*session.Session{ga, gb} {
		if s.Status != session.StatusMatched {
			t.Errorf("%s status = %s, want matched", s.ID, s.Status)
		}
		if s.MeetingID != 77 {
			t.Errorf("%s meeting = %d, want 77", s.ID, s.MeetingID)
		}
		if !s.MatchedAt.Equal(now) {
			t.Errorf("%s matched_at = %v, want %v", s.ID, s.MatchedAt, now)
		}
		if s.ClaimToken != "" {
			t.Errorf("%s still carries a claim", s.ID)
		}
	}
	if ga.MatchedUserID != b.UserID || gb.MatchedUserID != a.UserID {
		t.Errorf("pairing not symmetric: a->%d b->%d", ga.MatchedUserID, gb.MatchedUserID)
	}

	// Matched is terminal.
	if err := st.Claim(ctx, a.ID, c.ID, "t3", now.Add(10*time.Second), now); !errors.Is(err, session.ErrRaceLost) {
		t.Errorf("claiming a matched session err = %v, want ErrRaceLost", err)
	}
	if n, err := st.ExpireDue(ctx, Base.Add(time.Hour)); err != nil || n != 1 {
		t.Errorf("ExpireDue = %d, %v; want only the unmatched session", n, err)
	}
	if got := mustGet(t, st, a.ID); got.Status != session.StatusMatched {
		t.Errorf("matched session changed to %s", got.Status)
	}
	if active, _ := st.GetActive(ctx, 20, now); active != nil {
		t.Error("matched user should have no active session")
	}
	if latest, _ := st.Latest(ctx, 20); latest == nil || latest.ID != a.ID {
		t.Error("Latest should return the matched session")
	}
}

func testRelease(t *testing.T, st session.Store) {
	ctx := context.Background()
	a := mustCreate(t, st, 30, Point(t, "0", "0"), Base)
	b := mustCreate(t, st, 31, Point(t, "0", "0.0001"), Base)
	now := Base.Add(time.Second)

	if err := st.Claim(ctx, a.ID, b.ID, "t1", now.Add(10*time.Second), now); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := st.Release(ctx, a.ID, b.ID, "other"); err != nil {
		t.Fatalf("Release(stale): %v", err)
	}
	if got := mustGet(t, st, a.ID); got.ClaimToken != "t1" {
		t.Error("releasing a stale token must not drop the live claim")
	}
	if err := st.Release(ctx, a.ID, b.ID, "t1"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	for _, id := range []string{a.ID, b.ID} {
		if got := mustGet(t, st, id); got.Status != session.StatusActive || got.ClaimToken != "" {
			t.Errorf("%s after release: status=%s claim=%q", id, got.Status, got.ClaimToken)
		}
	}
	if err := st.Claim(ctx, a.ID, b.ID, "t2", now.Add(10*time.Second), now); err != nil {
		t.Errorf("pair should be claimable after release: %v", err)
	}

	// A lapsed claim can be taken over.
	later := now.Add(11 * time.Second)
	if later.Before(a.ExpiresAt) {
		if err := st.Claim(ctx, a.ID, b.ID, "t3", later.Add(time.Second), later); err != nil {
			t.Errorf("lapsed claim should be claimable: %v", err)
		}
	}
}

func testLapsedClaim(t *testing.T, st session.Store) {
	ctx := context.Background()
	a := mustCreate(t, st, 50, Point(t, "0", "0"), Base)
	b := mustCreate(t, st, 51, Point(t, "0", "0.0001"), Base)
	c := mustCreate(t, st, 52, Point(t, "0", "0.0002"), Base)
	d := mustCreate(t, st, 53, Point(t, "0", "0.0003"), Base)

	// Past its deadline but untouched: the holder may still commit.
	if err := st.Claim(ctx, a.ID, b.ID, "slow", Base.Add(2*time.Second), Base); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := st.Commit(ctx, a.ID, b.ID, "slow", 5, Base.Add(5*time.Second)); err != nil {
		t.Errorf("commit of a lapsed but untaken claim: %v", err)
	}

	// Once another matcher re-claims the pair, the old token is dead.
	if err := st.Claim(ctx, c.ID, d.ID, "old", Base.Add(2*time.Second), Base); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := st.Claim(ctx, c.ID, d.ID, "new", Base.Add(8*time.Second), Base.Add(3*time.Second)); err != nil {
		t.Fatalf("re-claim after lapse: %v", err)
	}
	if err := st.Commit(ctx, c.ID, d.ID, "old", 6, Base.Add(4*time.Second)); !errors.Is(err, session.ErrClaimLost) {
		t.Errorf("commit with a taken-over token err = %v, want ErrClaimLost", err)
	}
	if got := mustGet(t, st, c.ID); got.Status != session.StatusActive || got.ClaimToken != "new" {
		t.Errorf("session after rejected commit: status=%s claim=%q", got.Status, got.ClaimToken)
	}
}

func testExpireDue(t *testing.T, st session.Store) {
	ctx := context.Background()
	a := mustCreate(t, st, 40, Point(t, "0", "0"), Base)
	b := mustCreate(t, st, 41, Point(t, "0", "0.0001"), Base)
	c := mustCreate(t, st, 42, Point(t, "0", "0.0002"), Base.Add(10*time.Second))

	n, err := st.ExpireDue(ctx, Base.Add(ttl-time.Second))
	if err != nil || n != 0 {
		t.Fatalf("early sweep = %d, %v", n, err)
	}

	if err := st.Claim(ctx, a.ID, b.ID, "held", Base.Add(ttl+5*time.Second), Base.Add(ttl-time.Second)); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	n, err = st.ExpireDue(ctx, Base.Add(ttl))
	if err != nil {
		t.Fatalf("ExpireDue: %v", err)
	}
	if n != 0 {
		t.Errorf("claimed sessions must not expire under a live claim, swept %d", n)
	}

	n, err = st.ExpireDue(ctx, Base.Add(ttl+6*time.Second))
	if err != nil || n != 2 {
		t.Fatalf("sweep after claim lapse = %d, %v; want 2", n, err)
	}
	n, err = st.ExpireDue(ctx, Base.Add(ttl+6*time.Second))
	if err != nil || n != 0 {
		t.Errorf("second sweep should be a no-op, got %d, %v", n, err)
	}
	if got := mustGet(t, st, a.ID); got.Status != session.StatusExpired {
		t.Errorf("status = %s, want expired", got.Status)
	}
	if got := mustGet(t, st, c.ID); got.Status != session.StatusActive {
		t.Errorf("later session status = %s, want active", got.Status)
	}
	if err := st.Commit(ctx, a.ID, b.ID, "held", 1, Base.Add(ttl+7*time.Second)); !errors.Is(err, session.ErrClaimLost) {
		t.Errorf("commit on expired sessions err = %v, want ErrClaimLost", err)
	}
}

func testConcurrentCreate(t *testing.T, st session.Store) {
	const workers = 16
	var wg sync.WaitGroup
	ids := make([]string, workers)
	errs := make([]error, workers)
	p := Point(t, "44.4268", "26.1025")

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, _, err := st.CreateOrGetActive(context.Background(), 50, p, nil, ttl, Base)
			errs[i] = err
			if s != nil {
				ids[i] = s.ID
			}
		}(i)
	}
	wg.Wait()

	for i := range ids {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("worker %d got session %s, worker 0 got %s", i, ids[i], ids[0])
		}
	}
}

func testConcurrentClaims(t *testing.T, st session.Store) {
	ctx := context.Background()
	const users = 6
	sessions := make([]*session.Session, users)
	for i := range sessions {
		sessions[i] = mustCreate(t, st, int64(60+i), Point(t, "44.4268", "26.1025"), Base)
	}
	now := Base.Add(time.Second)

	var wg sync.WaitGroup
	var meeting atomic.Int64
	for i := 0; i < users; i++ {
		for j := 0; j < users; j++ {
			if i == j {
				continue
			}
			wg.Add(1)
			go func(a, b *session.Session) {
				defer wg.Done()
				token := fmt.Sprintf("%s/%s", a.ID, b.ID)
				if err := st.Claim(ctx, a.ID, b.ID, token, now.Add(10*time.Second), now); err != nil {
					if !errors.Is(err, session.ErrRaceLost) {
						t.Errorf("Claim: %v", err)
					}
					return
				}
				if err := st.Commit(ctx, a.ID, b.ID, token, meeting.Add(1), now); err != nil {
					t.Errorf("Commit after successful claim: %v", err)
				}
			}(sessions[i], sessions[j])
		}
	}
	wg.Wait()

	byUser := map[int64]*session.Session{}
	for _, s := range sessions {
		byUser[s.UserID] = mustGet(t, st, s.ID)
	}
	matched := 0
	for _, s := range byUser {
		if s.Status != session.StatusMatched {
			continue
		}
		matched++
		peer := byUser[s.MatchedUserID]
		if peer == nil || peer.MatchedUserID != s.UserID || peer.MeetingID != s.MeetingID {
			t.Errorf("asymmetric pairing for user %d", s.UserID)
		}
	}
	if matched != users {
		t.Errorf("expected all %d sessions paired off, got %d", users, matched)
	}
	if int(meeting.Load()) != users/2 {
		t.Errorf("expected %d commits, got %d", users/2, meeting.Load())
	}
}
