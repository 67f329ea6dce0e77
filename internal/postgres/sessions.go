package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bogdan-velicu/MeetUp/internal/geo"
	"github.com/bogdan-velicu/MeetUp/internal/session"
)

const sessionColumns = `id, user_id, lat_e7, lon_e7, accuracy_m, created_at, expires_at, status,
	matched_user_id, matched_at, meeting_id, claim_token, claimed_until`

// SessionStore is a session.Store backed by the shake_sessions table.
//
// Creation is serialized per user with a transaction-scoped advisory lock.
// Pair transitions lock both rows in id order, check them, then update, all
// in one transaction.
type SessionStore struct {
	db *sql.DB
}

// NewSessionStore creates a session store on db.
func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

func (s *SessionStore) CreateOrGetActive(ctx context.Context, userID int64, loc geo.Point, accuracy *float64, ttl time.Duration, now time.Time) (*session.Session, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, userID); err != nil {
		return nil, false, fmt.Errorf("postgres: lock user %d: %w", userID, err)
	}

	cur, err := scanSession(tx.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM shake_sessions
		WHERE user_id = $1
		ORDER BY seq DESC
		LIMIT 1`, userID))
	if err != nil {
		return nil, false, fmt.Errorf("postgres: latest session: %w", err)
	}
	if cur != nil && cur.Live(now) {
		return cur, false, tx.Commit()
	}

	sess := &session.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Location:  loc,
		Accuracy:  accuracy,
		CreatedAt: now.UTC(),
		ExpiresAt: now.Add(ttl).UTC(),
		Status:    session.StatusActive,
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO shake_sessions (id, user_id, lat_e7, lon_e7, accuracy_m, created_at, expires_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'active')`,
		sess.ID, userID, int64(loc.Lat), int64(loc.Lon), nullFloat(accuracy), sess.CreatedAt, sess.ExpiresAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("postgres: insert session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("postgres: commit: %w", err)
	}
	return sess, true, nil
}

func (s *SessionStore) GetActive(ctx context.Context, userID int64, now time.Time) (*session.Session, error) {
	sess, err := s.Latest(ctx, userID)
	if err != nil || sess == nil || !sess.Live(now) {
		return nil, err
	}
	return sess, nil
}

func (s *SessionStore) GetByID(ctx context.Context, id string) (*session.Session, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}
	sess, err := scanSession(s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM shake_sessions WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("postgres: get session %s: %w", id, err)
	}
	return sess, nil
}

func (s *SessionStore) Latest(ctx context.Context, userID int64) (*session.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM shake_sessions
		WHERE user_id = $1
		ORDER BY seq DESC
		LIMIT 1`, userID))
	if err != nil {
		return nil, fmt.Errorf("postgres: latest session for user %d: %w", userID, err)
	}
	return sess, nil
}

func (s *SessionStore) ListFresh(ctx context.Context, box geo.Box, since, now time.Time) ([]*session.Session, error) {
	if len(box.Lon) == 0 {
		return nil, nil
	}
	// At most two longitude ranges; a single range is passed twice.
	r1, r2 := box.Lon[0], box.Lon[0]
	if len(box.Lon) > 1 {
		r2 = box.Lon[1]
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM shake_sessions
		WHERE status = 'active'
		  AND expires_at > $1
		  AND created_at >= $2
		  AND (claim_token IS NULL OR claimed_until <= $1)
		  AND lat_e7 BETWEEN $3 AND $4
		  AND (lon_e7 BETWEEN $5 AND $6 OR lon_e7 BETWEEN $7 AND $8)`,
		now, since, int64(box.MinLat), int64(box.MaxLat),
		int64(r1.Min), int64(r1.Max), int64(r2.Min), int64(r2.Max),
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list fresh: %w", err)
	}
	defer rows.Close()

	var out []*session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *SessionStore) Claim(ctx context.Context, a, b, token string, until, now time.Time) error {
	if a == b {
		return session.ErrSamePair
	}
	return s.withPair(ctx, a, b, func(tx *sql.Tx, pair []*session.Session) error {
		if len(pair) != 2 || !pair[0].Available(now) || !pair[1].Available(now) {
			return session.ErrRaceLost
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE shake_sessions SET claim_token = $3, claimed_until = $4
			WHERE id IN ($1, $2)`, a, b, token, until)
		return err
	})
}

func (s *SessionStore) Commit(ctx context.Context, a, b, token string, meetingID int64, at time.Time) error {
	if a == b {
		return session.ErrSamePair
	}
	if token == "" {
		return session.ErrClaimLost
	}
	return s.withPair(ctx, a, b, func(tx *sql.Tx, pair []*session.Session) error {
		if len(pair) != 2 || !heldBy(pair[0], token) || !heldBy(pair[1], token) {
			return session.ErrClaimLost
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE shake_sessions s
			SET status = 'matched',
			    matched_user_id = p.user_id,
			    matched_at = $3,
			    meeting_id = $4,
			    claim_token = NULL,
			    claimed_until = NULL
			FROM shake_sessions p
			WHERE s.id IN ($1, $2) AND p.id IN ($1, $2) AND p.id <> s.id`,
			a, b, at, meetingID,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 2 {
			return fmt.Errorf("commit updated %d rows, want 2", n)
		}
		return nil
	})
}

func (s *SessionStore) Release(ctx context.Context, a, b, token string) error {
	if token == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE shake_sessions SET claim_token = NULL, claimed_until = NULL
		WHERE id IN ($1, $2) AND status = 'active' AND claim_token = $3`,
		a, b, token,
	)
	if err != nil {
		return fmt.Errorf("postgres: release: %w", err)
	}
	return nil
}

func (s *SessionStore) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE shake_sessions
		SET status = 'expired', claim_token = NULL, claimed_until = NULL
		WHERE status = 'active'
		  AND expires_at <= $1
		  AND (claim_token IS NULL OR claimed_until <= $1)`, now)
	if err != nil {
		return 0, fmt.Errorf("postgres: expire due: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("postgres: expire due: %w", err)
	}
	return int(n), nil
}

// withPair locks both sessions in id order and runs fn inside the
// transaction. fn sees only the rows that exist. The transaction commits only
// when fn returns nil.
func (s *SessionStore) withPair(ctx context.Context, a, b string, fn func(tx *sql.Tx, pair []*session.Session) error) error {
	if _, err := uuid.Parse(a); err != nil {
		return session.ErrRaceLost
	}
	if _, err := uuid.Parse(b); err != nil {
		return session.ErrRaceLost
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM shake_sessions
		WHERE id IN ($1, $2)
		ORDER BY id
		FOR UPDATE`, a, b)
	if err != nil {
		return fmt.Errorf("postgres: lock pair: %w", err)
	}
	var pair []*session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			rows.Close()
			return fmt.Errorf("postgres: scan pair: %w", err)
		}
		pair = append(pair, sess)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("postgres: lock pair: %w", err)
	}

	if err := fn(tx, pair); err != nil {
		if errors.Is(err, session.ErrRaceLost) || errors.Is(err, session.ErrClaimLost) {
			return err
		}
		return fmt.Errorf("postgres: pair %s/%s: %w", a, b, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

func heldBy(s *session.Session, token string) bool {
	return s.Status == session.StatusActive && s.ClaimToken == token
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanSession reads one row in sessionColumns order. A missing row yields
// nil without error.
func scanSession(row rowScanner) (*session.Session, error) {
	var (
		sess          session.Session
		lat, lon      int64
		status        string
		accuracy      sql.NullFloat64
		matchedUserID sql.NullInt64
		matchedAt     sql.NullTime
		meetingID     sql.NullInt64
		claimToken    sql.NullString
		claimedUntil  sql.NullTime
	)
	err := row.Scan(&sess.ID, &sess.UserID, &lat, &lon, &accuracy, &sess.CreatedAt, &sess.ExpiresAt, &status,
		&matchedUserID, &matchedAt, &meetingID, &claimToken, &claimedUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	sess.Location = geo.Point{Lat: geo.Degrees(lat), Lon: geo.Degrees(lon)}
	sess.Status = session.Status(status)
	if accuracy.Valid {
		v := accuracy.Float64
		sess.Accuracy = &v
	}
	sess.MatchedUserID = matchedUserID.Int64
	sess.MeetingID = meetingID.Int64
	if matchedAt.Valid {
		sess.MatchedAt = matchedAt.Time
	}
	sess.ClaimToken = claimToken.String
	if claimedUntil.Valid {
		sess.ClaimedUntil = claimedUntil.Time
	}
	return &sess, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
