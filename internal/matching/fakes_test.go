package matching

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bogdan-velicu/MeetUp/internal/geo"
	"github.com/bogdan-velicu/MeetUp/internal/ratelimit"
	"github.com/bogdan-velicu/MeetUp/internal/session"
)

var t0 = time.Date(2026, 5, 2, 18, 30, 0, 0, time.UTC)

var errBoom = errors.New("boom")

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: t0} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// friends is a symmetric friendship graph.
type friends struct {
	mu    sync.Mutex
	edges map[int64]map[int64]bool
	err   error
}

func newFriends(pairs ...[2]int64) *friends {
	f := &friends{edges: make(map[int64]map[int64]bool)}
	for _, p := range pairs {
		f.add(p[0], p[1])
	}
	return f
}

func (f *friends) add(a, b int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range [][2]int64{{a, b}, {b, a}} {
		if f.edges[e[0]] == nil {
			f.edges[e[0]] = make(map[int64]bool)
		}
		f.edges[e[0]][e[1]] = true
	}
}

func (f *friends) AcceptedFriendIDs(_ context.Context, userID int64) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []int64
	for id := range f.edges[userID] {
		out = append(out, id)
	}
	return out, nil
}

type meetings struct {
	mu      sync.Mutex
	next    int64
	created []MeetingRequest
	byKey   map[string]int64
	fail    error
	delay   time.Duration

	// lostReplies makes that many calls store the meeting and then report
	// a timeout, as when the deadline fires after the insert committed.
	lostReplies int
}

func (m *meetings) CreateMeeting(ctx context.Context, req MeetingRequest) (int64, error) {
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return 0, m.fail
	}
	id, ok := m.byKey[req.PairKey]
	if !ok {
		m.next++
		id = 1000 + m.next
		m.created = append(m.created, req)
		if m.byKey == nil {
			m.byKey = make(map[string]int64)
		}
		m.byKey[req.PairKey] = id
	}
	if m.lostReplies > 0 {
		m.lostReplies--
		return 0, context.DeadlineExceeded
	}
	return id, nil
}

func (m *meetings) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.created)
}

type award struct {
	UserID int64
	Points int
	Type   string
	Ref    int64
}

type ledger struct {
	mu     sync.Mutex
	awards []award
	fail   map[int64]bool
}

func (l *ledger) Award(_ context.Context, userID int64, points int, txType string, ref int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail[userID] {
		return errBoom
	}
	l.awards = append(l.awards, award{userID, points, txType, ref})
	return nil
}

func (l *ledger) Awarded(_ context.Context, userID int64, txType string, ref int64) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := 0
	for _, a := range l.awards {
		if a.UserID == userID && a.Type == txType && a.Ref == ref {
			total += a.Points
		}
	}
	return total, nil
}

type notice struct {
	UserID    int64
	PeerName  string
	MeetingID int64
}

type notifier struct {
	mu      sync.Mutex
	notices []notice
	fail    bool
}

func (n *notifier) NotifyMatch(_ context.Context, userID int64, peer string, meetingID int64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return errBoom
	}
	n.notices = append(n.notices, notice{userID, peer, meetingID})
	return nil
}

type directory map[int64]string

func (d directory) DisplayName(_ context.Context, userID int64) (string, error) {
	name, ok := d[userID]
	if !ok {
		return "", ErrUserNotFound
	}
	return name, nil
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string, ratelimit.Rule) (bool, error) { return false, nil }

func (denyAll) RetryAfter(context.Context, string, ratelimit.Rule) (time.Duration, error) {
	return 42 * time.Second, nil
}

// harness wires a Service over a MemoryStore and recording fakes.
type harness struct {
	store    *session.MemoryStore
	clock    *clock
	friends  *friends
	meetings *meetings
	ledger   *ledger
	notifier *notifier
	dir      directory
	cfg      Config
}

func newHarness() *harness {
	cfg := DefaultConfig()
	cfg.SettleTimeout = time.Second
	return &harness{
		store:    session.NewMemoryStore(),
		clock:    newClock(),
		friends:  newFriends(),
		meetings: &meetings{},
		ledger:   &ledger{fail: map[int64]bool{}},
		notifier: &notifier{},
		dir:      directory{1: "Ana Pop", 2: "Bogdan", 3: "Carla", 4: "Dan", 5: "Eva", 6: "Filip", 7: "Gina", 8: "Horia"},
		cfg:      cfg,
	}
}

func (h *harness) deps() Deps {
	return Deps{
		Friends:   h.friends,
		Meetings:  h.meetings,
		Points:    h.ledger,
		Notifier:  h.notifier,
		Directory: h.dir,
		Clock:     h.clock.Now,
	}
}

func (h *harness) service() *Service {
	return NewService(h.store, h.deps(), h.cfg)
}

func (h *harness) shake(t *testing.T, svc *Service, userID int64, lat, lon string) ShakeResult {
	t.Helper()
	res, err := svc.InitiateShake(context.Background(), ShakeRequest{UserID: userID, Latitude: lat, Longitude: lon})
	if err != nil {
		t.Fatalf("InitiateShake(user %d): %v", userID, err)
	}
	return res
}

func mustPoint(t *testing.T, lat, lon string) geo.Point {
	t.Helper()
	p, err := geo.ParsePoint(lat, lon)
	if err != nil {
		t.Fatalf("ParsePoint(%s, %s): %v", lat, lon, err)
	}
	return p
}

func mustSession(t *testing.T, st session.Store, id string) *session.Session {
	t.Helper()
	s, err := st.GetByID(context.Background(), id)
	if err != nil || s == nil {
		t.Fatalf("GetByID(%s) = %v, %v", id, s, err)
	}
	return s
}
