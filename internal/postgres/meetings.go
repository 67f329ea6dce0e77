package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/bogdan-velicu/MeetUp/internal/matching"
)

// Meetings creates meetings and their participant rows.
type Meetings struct {
	db *sql.DB
}

// NewMeetings creates a meeting factory on db.
func NewMeetings(db *sql.DB) *Meetings {
	return &Meetings{db: db}
}

// CreateMeeting inserts a pending meeting at the pair's midpoint with both
// users as participants. The organizer's participation is accepted up front.
// A request whose PairKey already has a meeting returns that meeting's id
// and writes nothing.
func (m *Meetings) CreateMeeting(ctx context.Context, req matching.MeetingRequest) (int64, error) {
	if req.OrganizerID == req.ParticipantID {
		return 0, fmt.Errorf("postgres: meeting needs two distinct users, got %d", req.OrganizerID)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback()

	// The no-op update makes RETURNING yield the existing row on conflict;
	// xmax is zero only for a freshly inserted row.
	const insertMeeting = `
		INSERT INTO meetings (pair_key, organizer_id, title, description, address, lat_e7, lon_e7, scheduled_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending')
		ON CONFLICT (pair_key) DO UPDATE SET pair_key = EXCLUDED.pair_key
		RETURNING id, xmax = 0`

	var (
		id       int64
		inserted bool
	)
	err = tx.QueryRowContext(ctx, insertMeeting,
		sql.NullString{String: req.PairKey, Valid: req.PairKey != ""},
		req.OrganizerID,
		req.Title,
		req.Description,
		req.Address,
		int64(req.Midpoint.Lat),
		int64(req.Midpoint.Lon),
		req.ScheduledAt,
	).Scan(&id, &inserted)
	if err != nil {
		return 0, fmt.Errorf("postgres: insert meeting: %w", err)
	}
	if !inserted {
		return id, tx.Commit()
	}

	const insertParticipant = `
		INSERT INTO meeting_participants (meeting_id, user_id, status)
		VALUES ($1, $2, $3)`

	if _, err := tx.ExecContext(ctx, insertParticipant, id, req.OrganizerID, "accepted"); err != nil {
		return 0, fmt.Errorf("postgres: insert organizer: %w", err)
	}
	if _, err := tx.ExecContext(ctx, insertParticipant, id, req.ParticipantID, "pending"); err != nil {
		return 0, fmt.Errorf("postgres: insert participant: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("postgres: commit meeting: %w", err)
	}
	return id, nil
}
