// internal/database/user.go
package database

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

// UpdateTypingStats folds a finished race into the user's running averages.
// Private-lobby results never reach this by design.
func (s *Store) UpdateTypingStats(ctx context.Context, userID int64, wpm, accuracy float64) error {
	q := `
	UPDATE users
	SET races_completed = races_completed + 1,
	    avg_wpm = (avg_wpm * races_completed + $1) / (races_completed + 1),
	    avg_accuracy = (avg_accuracy * races_completed + $2) / (races_completed + 1),
	    fastest_wpm = GREATEST(fastest_wpm, $1)
	WHERE id = $3
	`
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, q, wpm, accuracy, userID)
		return err
	})
}

// AvatarURL returns the stored avatar for a netid, or empty when the user has
// none. Backs the read-through avatar cache.
func (s *Store) AvatarURL(ctx context.Context, netid string) (string, error) {
	var url *string
	err := s.pool.QueryRow(ctx,
		`SELECT avatar_url FROM users WHERE netid = $1`, netid,
	).Scan(&url)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if url == nil {
		return "", nil
	}
	return *url, nil
}
