package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bogdan-velicu/MeetUp/internal/geo"
)

// MemoryStore is a Store held in process memory. Every operation runs under a
// single mutex, which serializes pair transitions. Sessions are never
// deleted; only the live index is pruned.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	latest   map[int64]string    // user id -> most recent session id
	live     map[string]struct{} // active session ids
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		latest:   make(map[int64]string),
		live:     make(map[string]struct{}),
	}
}

func (m *MemoryStore) CreateOrGetActive(_ context.Context, userID int64, loc geo.Point, accuracy *float64, ttl time.Duration, now time.Time) (*Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.latest[userID]; ok {
		if s := m.sessions[id]; s != nil && s.Live(now) {
			return s.clone(), false, nil
		}
	}

	s := &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Location:  loc,
		Accuracy:  accuracy,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Status:    StatusActive,
	}
	m.sessions[s.ID] = s
	m.latest[userID] = s.ID
	m.live[s.ID] = struct{}{}
	return s.clone(), true, nil
}

func (m *MemoryStore) GetActive(_ context.Context, userID int64, now time.Time) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.sessions[m.latest[userID]]
	if s == nil || !s.Live(now) {
		return nil, nil
	}
	return s.clone(), nil
}

func (m *MemoryStore) GetByID(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s := m.sessions[id]; s != nil {
		return s.clone(), nil
	}
	return nil, nil
}

func (m *MemoryStore) Latest(_ context.Context, userID int64) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s := m.sessions[m.latest[userID]]; s != nil {
		return s.clone(), nil
	}
	return nil, nil
}

func (m *MemoryStore) ListFresh(_ context.Context, box geo.Box, since, now time.Time) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Session
	for id := range m.live {
		s := m.sessions[id]
		if !s.Available(now) || s.CreatedAt.Before(since) || !box.Contains(s.Location) {
			continue
		}
		out = append(out, s.clone())
	}
	return out, nil
}

func (m *MemoryStore) Claim(_ context.Context, a, b, token string, until, now time.Time) error {
	if a == b {
		return ErrSamePair
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	sa, sb := m.sessions[a], m.sessions[b]
	if sa == nil || sb == nil || !sa.Available(now) || !sb.Available(now) {
		return ErrRaceLost
	}
	for _, s := range []*Session{sa, sb} {
		s.ClaimToken = token
		s.ClaimedUntil = until
	}
	return nil
}

func (m *MemoryStore) Commit(_ context.Context, a, b, token string, meetingID int64, at time.Time) error {
	if a == b {
		return ErrSamePair
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	sa, sb := m.sessions[a], m.sessions[b]
	if !heldBy(sa, token) || !heldBy(sb, token) {
		return ErrClaimLost
	}

	sa.MatchedUserID, sb.MatchedUserID = sb.UserID, sa.UserID
	for _, s := range []*Session{sa, sb} {
		s.Status = StatusMatched
		s.MatchedAt = at
		s.MeetingID = meetingID
		s.ClaimToken = ""
		s.ClaimedUntil = time.Time{}
		delete(m.live, s.ID)
	}
	return nil
}

func (m *MemoryStore) Release(_ context.Context, a, b, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range []string{a, b} {
		if s := m.sessions[id]; heldBy(s, token) {
			s.ClaimToken = ""
			s.ClaimedUntil = time.Time{}
		}
	}
	return nil
}

func (m *MemoryStore) ExpireDue(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id := range m.live {
		s := m.sessions[id]
		if s.Status != StatusActive {
			delete(m.live, id)
			continue
		}
		if now.Before(s.ExpiresAt) || s.Claimed(now) {
			continue
		}
		s.Status = StatusExpired
		s.ClaimToken = ""
		s.ClaimedUntil = time.Time{}
		delete(m.live, id)
		n++
	}
	return n, nil
}

// heldBy reports whether s is still active under the given claim token. The
// claim deadline is not checked here: a claim that outlives its deadline is
// still committable as long as nobody else has taken the session.
func heldBy(s *Session, token string) bool {
	return s != nil && s.Status == StatusActive && token != "" && s.ClaimToken == token
}
