package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/bogdan-velicu/MeetUp/internal/matching"
)

// Points records point transactions. Awarding the same transaction type for
// the same reference twice is a no-op.
type Points struct {
	db *sql.DB
}

// NewPoints creates a points ledger on db.
func NewPoints(db *sql.DB) *Points {
	return &Points{db: db}
}

// Award credits points to userID.
func (p *Points) Award(ctx context.Context, userID int64, points int, transactionType string, referenceID int64) error {
	if points <= 0 {
		return fmt.Errorf("postgres: points must be positive, got %d", points)
	}

	const query = `
		INSERT INTO points_transactions (user_id, points, transaction_type, reference_id, description)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, transaction_type, reference_id) WHERE reference_id IS NOT NULL
		DO NOTHING`

	description := fmt.Sprintf("%s #%d", transactionType, referenceID)
	_, err := p.db.ExecContext(ctx, query, userID, points, transactionType, referenceID, description)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23503" {
		return matching.ErrUserNotFound
	}
	if err != nil {
		return fmt.Errorf("postgres: award points to user %d: %w", userID, err)
	}
	return nil
}

// Awarded returns the points credited to userID for one transaction type
// and reference, 0 when none were.
func (p *Points) Awarded(ctx context.Context, userID int64, transactionType string, referenceID int64) (int, error) {
	const query = `
		SELECT COALESCE(SUM(points), 0) FROM points_transactions
		WHERE user_id = $1 AND transaction_type = $2 AND reference_id = $3`

	var total int
	if err := p.db.QueryRowContext(ctx, query, userID, transactionType, referenceID).Scan(&total); err != nil {
		return 0, fmt.Errorf("postgres: points for user %d %s #%d: %w", userID, transactionType, referenceID, err)
	}
	return total, nil
}
