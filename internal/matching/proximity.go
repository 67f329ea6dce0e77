package matching

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/bogdan-velicu/MeetUp/internal/geo"
	"github.com/bogdan-velicu/MeetUp/internal/session"
)

// Candidate is a nearby session that may be paired with the requester.
type Candidate struct {
	*session.Session
	DistanceMeters float64
}

// Matcher finds nearby, fresh shake sessions of a user's friends.
type Matcher struct {
	store session.Store
}

// NewMatcher creates a proximity matcher reading from store.
func NewMatcher(store session.Store) *Matcher {
	return &Matcher{store: store}
}

// FindCandidates returns the friends' sessions within maxDistance meters of
// s that were created within window before now, closest first. Ties are
// broken by creation time and then by session id so results are stable.
//
// The store is queried with a bounding box; exact distances are computed
// with Haversine on the survivors. An empty friend list short-circuits to an
// empty result.
func (m *Matcher) FindCandidates(ctx context.Context, s *session.Session, friendIDs []int64, maxDistance float64, window time.Duration, now time.Time) ([]Candidate, error) {
	if len(friendIDs) == 0 {
		return nil, nil
	}

	since := now.Add(-window)
	box := geo.BoundingBox(s.Location, maxDistance)
	fresh, err := m.store.ListFresh(ctx, box, since, now)
	if err != nil {
		return nil, fmt.Errorf("matching: list fresh sessions: %w", err)
	}

	friends := make(map[int64]bool, len(friendIDs))
	for _, id := range friendIDs {
		friends[id] = true
	}

	var out []Candidate
	for _, c := range fresh {
		if c.ID == s.ID || c.UserID == s.UserID {
			continue
		}
		if !c.Available(now) || c.CreatedAt.Before(since) {
			continue
		}
		d := geo.Haversine(s.Location, c.Location)
		if d > maxDistance {
			continue
		}
		if !friends[c.UserID] {
			continue
		}
		out = append(out, Candidate{Session: c, DistanceMeters: d})
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.DistanceMeters != b.DistanceMeters {
			return a.DistanceMeters < b.DistanceMeters
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return out, nil
}
