package postgres

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/bogdan-velicu/MeetUp/internal/geo"
	"github.com/bogdan-velicu/MeetUp/internal/matching"
	"github.com/bogdan-velicu/MeetUp/internal/session"
	"github.com/bogdan-velicu/MeetUp/internal/session/sessiontest"
)

// openTestDB connects to SHAKE_TEST_DATABASE_URL and empties every table.
// Tests are skipped when the variable is unset.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	url := os.Getenv("SHAKE_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("SHAKE_TEST_DATABASE_URL not set, skipping PostgreSQL tests")
	}

	db, err := Open(context.Background(), url)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`TRUNCATE shake_sessions, points_transactions, meeting_participants, meetings, friendships, users RESTART IDENTITY CASCADE`)
	if err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return db
}

func TestSessionStore(t *testing.T) {
	sessiontest.Run(t, func(t *testing.T) session.Store {
		return NewSessionStore(openTestDB(t))
	})
}

func TestSessionStore_ListFreshAcrossAntimeridian(t *testing.T) {
	ctx := context.Background()
	st := NewSessionStore(openTestDB(t))
	now := sessiontest.Base

	east, _, err := st.CreateOrGetActive(ctx, 1, sessiontest.Point(t, "0", "179.9999"), nil, 15*time.Second, now)
	if err != nil {
		t.Fatal(err)
	}
	west, _, err := st.CreateOrGetActive(ctx, 2, sessiontest.Point(t, "0", "-179.9999"), nil, 15*time.Second, now)
	if err != nil {
		t.Fatal(err)
	}

	box := geo.BoundingBox(sessiontest.Point(t, "0", "180"), 100)
	got, err := st.ListFresh(ctx, box, now.Add(-time.Second), now)
	if err != nil {
		t.Fatal(err)
	}
	ids := map[string]bool{}
	for _, s := range got {
		ids[s.ID] = true
	}
	if !ids[east.ID] || !ids[west.ID] {
		t.Errorf("ListFresh = %v, want both sides of the antimeridian", ids)
	}
}

func seedUsers(t *testing.T, db *sql.DB) {
	t.Helper()
	_, err := db.Exec(`
		INSERT INTO users (id, username, full_name) VALUES
			(1, 'ana', 'Ana Pop'),
			(2, 'bogdan', ''),
			(3, 'carla', 'Carla M'),
			(4, 'dan', 'Dan');
		INSERT INTO friendships (user_id, friend_id, status) VALUES
			(1, 2, 'accepted'), (2, 1, 'accepted'),
			(1, 3, 'accepted'), (3, 1, 'pending'),
			(1, 4, 'blocked'),  (4, 1, 'accepted');`)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestUsers(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	seedUsers(t, db)
	users := NewUsers(db)

	tests := []struct {
		id   int64
		want string
		err  error
	}{
		{1, "Ana Pop", nil},
		{2, "bogdan", nil},
		{99, "", matching.ErrUserNotFound},
	}
	for _, tt := range tests {
		got, err := users.DisplayName(ctx, tt.id)
		if !errors.Is(err, tt.err) || got != tt.want {
			t.Errorf("DisplayName(%d) = %q, %v; want %q, %v", tt.id, got, err, tt.want, tt.err)
		}
	}

	ids, err := users.AcceptedFriendIDs(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != 2 {
		t.Errorf("AcceptedFriendIDs(1) = %v, want [2]", ids)
	}
}

func TestUsers_CreateAndBefriend(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	users := NewUsers(db)

	a, err := users.Create(ctx, "load-a", "Load A")
	if err != nil {
		t.Fatal(err)
	}
	b, err := users.Create(ctx, "load-b", "")
	if err != nil {
		t.Fatal(err)
	}
	again, err := users.Create(ctx, "load-a", "Load A2")
	if err != nil {
		t.Fatal(err)
	}
	if again != a {
		t.Errorf("Create on existing username returned %d, want %d", again, a)
	}
	if name, _ := users.DisplayName(ctx, a); name != "Load A2" {
		t.Errorf("DisplayName after refresh = %q, want %q", name, "Load A2")
	}

	if _, err := db.Exec(`INSERT INTO friendships (user_id, friend_id, status) VALUES ($1, $2, 'blocked')`, b, a); err != nil {
		t.Fatal(err)
	}
	if err := users.Befriend(ctx, a, b); err != nil {
		t.Fatalf("Befriend: %v", err)
	}
	for _, pair := range [][2]int64{{a, b}, {b, a}} {
		ids, err := users.AcceptedFriendIDs(ctx, pair[0])
		if err != nil {
			t.Fatal(err)
		}
		if len(ids) != 1 || ids[0] != pair[1] {
			t.Errorf("AcceptedFriendIDs(%d) = %v, want [%d]", pair[0], ids, pair[1])
		}
	}
}

func TestMeetingsAndPoints(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	seedUsers(t, db)

	id, err := NewMeetings(db).CreateMeeting(ctx, matching.MeetingRequest{
		OrganizerID:   1,
		ParticipantID: 2,
		Midpoint:      sessiontest.Point(t, "44.4270473", "26.1025"),
		ScheduledAt:   time.Now().Add(time.Minute),
		Title:         "Shake MeetUp with bogdan",
		Description:   "Created via Shake to MeetUp!",
		Address:       "Near 44.427047, 26.102500",
	})
	if err != nil {
		t.Fatalf("CreateMeeting: %v", err)
	}

	var participants int
	if err := db.QueryRow(`SELECT COUNT(*) FROM meeting_participants WHERE meeting_id = $1`, id).Scan(&participants); err != nil {
		t.Fatal(err)
	}
	if participants != 2 {
		t.Errorf("participants = %d, want 2", participants)
	}

	points := NewPoints(db)
	for i := 0; i < 2; i++ {
		if err := points.Award(ctx, 1, 50, matching.TransactionShakeMeetup, id); err != nil {
			t.Fatalf("Award: %v", err)
		}
	}
	total, err := points.Awarded(ctx, 1, matching.TransactionShakeMeetup, id)
	if err != nil {
		t.Fatal(err)
	}
	if total != 50 {
		t.Errorf("awarded = %d, want 50 after a repeated award", total)
	}
	if got, err := points.Awarded(ctx, 2, matching.TransactionShakeMeetup, id); err != nil || got != 0 {
		t.Errorf("Awarded(user 2) = %d, %v; want 0 before any award", got, err)
	}

	if err := points.Award(ctx, 99, 50, matching.TransactionShakeMeetup, id); !errors.Is(err, matching.ErrUserNotFound) {
		t.Errorf("Award(unknown) err = %v, want ErrUserNotFound", err)
	}
}

func TestMeetings_SamePairKeyReturnsExistingMeeting(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	seedUsers(t, db)
	meetings := NewMeetings(db)

	req := matching.MeetingRequest{
		PairKey:       matching.PairKey("b6f0c1de-0000-4000-8000-000000000001", "b6f0c1de-0000-4000-8000-000000000002"),
		OrganizerID:   1,
		ParticipantID: 2,
		Midpoint:      sessiontest.Point(t, "44.4270473", "26.1025"),
		ScheduledAt:   time.Now().Add(time.Minute),
		Title:         "Shake MeetUp with bogdan",
	}
	first, err := meetings.CreateMeeting(ctx, req)
	if err != nil {
		t.Fatalf("CreateMeeting: %v", err)
	}
	second, err := meetings.CreateMeeting(ctx, req)
	if err != nil {
		t.Fatalf("CreateMeeting retry: %v", err)
	}
	if second != first {
		t.Errorf("retry returned meeting %d, want %d", second, first)
	}

	var rows, participants int
	if err := db.QueryRow(`SELECT COUNT(*) FROM meetings`).Scan(&rows); err != nil {
		t.Fatal(err)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM meeting_participants WHERE meeting_id = $1`, first).Scan(&participants); err != nil {
		t.Fatal(err)
	}
	if rows != 1 || participants != 2 {
		t.Errorf("meetings = %d, participants = %d; want 1 and 2", rows, participants)
	}
}
