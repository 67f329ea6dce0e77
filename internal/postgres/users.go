package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/bogdan-velicu/MeetUp/internal/matching"
)

// Users reads the users and friendships tables. It serves as the matcher's
// Directory and FriendGraph.
type Users struct {
	db *sql.DB
}

// NewUsers creates a Users adapter on db.
func NewUsers(db *sql.DB) *Users {
	return &Users{db: db}
}

// DisplayName returns the user's full name, or the username when the full
// name is blank.
func (u *Users) DisplayName(ctx context.Context, userID int64) (string, error) {
	const query = `SELECT username, full_name FROM users WHERE id = $1`

	var username, fullName string
	err := u.db.QueryRowContext(ctx, query, userID).Scan(&username, &fullName)
	if errors.Is(err, sql.ErrNoRows) {
		return "", matching.ErrUserNotFound
	}
	if err != nil {
		return "", fmt.Errorf("postgres: display name for user %d: %w", userID, err)
	}
	if name := strings.TrimSpace(fullName); name != "" {
		return name, nil
	}
	return username, nil
}

// AcceptedFriendIDs returns the users that have an accepted friendship with
// userID in both directions.
func (u *Users) AcceptedFriendIDs(ctx context.Context, userID int64) ([]int64, error) {
	const query = `
		SELECT f.friend_id
		FROM friendships f
		JOIN friendships r ON r.user_id = f.friend_id AND r.friend_id = f.user_id
		WHERE f.user_id = $1
		  AND f.status = 'accepted'
		  AND r.status = 'accepted'
		ORDER BY f.friend_id`

	rows, err := u.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: friends of user %d: %w", userID, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan friend: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Create inserts a user, or refreshes the full name of an existing username,
// and returns its id.
func (u *Users) Create(ctx context.Context, username, fullName string) (int64, error) {
	const query = `
		INSERT INTO users (username, full_name) VALUES ($1, $2)
		ON CONFLICT (username) DO UPDATE SET full_name = EXCLUDED.full_name
		RETURNING id`

	var id int64
	if err := u.db.QueryRowContext(ctx, query, username, fullName).Scan(&id); err != nil {
		return 0, fmt.Errorf("postgres: create user %q: %w", username, err)
	}
	return id, nil
}

// Befriend records an accepted friendship between a and b in both
// directions, overwriting any pending or blocked rows.
func (u *Users) Befriend(ctx context.Context, a, b int64) error {
	const query = `
		INSERT INTO friendships (user_id, friend_id, status) VALUES
			($1, $2, 'accepted'), ($2, $1, 'accepted')
		ON CONFLICT (user_id, friend_id) DO UPDATE SET status = 'accepted'`

	if _, err := u.db.ExecContext(ctx, query, a, b); err != nil {
		return fmt.Errorf("postgres: befriend %d and %d: %w", a, b, err)
	}
	return nil
}
