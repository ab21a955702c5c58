// internal/database/result.go
package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/TigerAppsOrg/tigertype-sub001/internal/models"
)

// RecordRaceResult inserts one player's finishing record for a stored-snippet
// race, keyed by lobby and snippet.
func (s *Store) RecordRaceResult(ctx context.Context, userID, lobbyID int64, snippetID string, wpm, accuracy, completionTime float64) error {
	// Practice sessions carry no durable lobby row; a zero id stores NULL.
	q := `
	INSERT INTO race_results (user_id, lobby_id, snippet_id, wpm, accuracy, completion_time)
	VALUES ($1, NULLIF($2, 0), $3, $4, $5, $6)
	`
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, q, userID, lobbyID, snippetID, wpm, accuracy, completionTime)
		return err
	})
}

// InsertTimedResult inserts one player's timed-test score into the
// duration-keyed leaderboard table.
func (s *Store) InsertTimedResult(ctx context.Context, userID int64, duration int, wpm, accuracy float64) error {
	q := `
	INSERT INTO timed_leaderboard (user_id, duration, wpm, accuracy)
	VALUES ($1, $2, $3, $4)
	`
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, q, userID, duration, wpm, accuracy)
		return err
	})
}

// RecordPartialSession stores progress from an abandoned session so aggregate
// stats stay continuous.
func (s *Store) RecordPartialSession(ctx context.Context, p models.PartialSession) error {
	q := `
	INSERT INTO partial_sessions (user_id, snippet_id, chars_typed, duration_sec, wpm, accuracy)
	VALUES ($1, $2, $3, $4, $5, $6)
	`
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, q, p.UserID, p.SnippetID, p.CharsTyped, p.DurationSec, p.WPM, p.Accuracy)
		return err
	})
}

// RaceResults returns the durable result snapshot for a lobby, fastest
// completion first.
func (s *Store) RaceResults(ctx context.Context, lobbyID int64) ([]models.RaceResult, error) {
	q := `
	SELECT u.netid, r.wpm, r.accuracy, r.completion_time
	FROM race_results r
	JOIN users u ON u.id = r.user_id
	WHERE r.lobby_id = $1
	ORDER BY r.completion_time ASC
	`
	rows, err := s.pool.Query(ctx, q, lobbyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []models.RaceResult
	for rows.Next() {
		var r models.RaceResult
		if err := rows.Scan(&r.Netid, &r.WPM, &r.Accuracy, &r.CompletionTime); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// TimedLeaderboard returns each user's best score for a duration within the
// given period ("daily" or "alltime").
func (s *Store) TimedLeaderboard(ctx context.Context, duration int, period string) ([]models.TimedLeaderboardEntry, error) {
	cutoff := ""
	switch period {
	case "daily":
		cutoff = "AND t.created_at > CURRENT_TIMESTAMP - INTERVAL '1 day'"
	case "alltime", "":
		// no cutoff
	default:
		return nil, fmt.Errorf("unknown leaderboard period %q", period)
	}

	q := fmt.Sprintf(`
	SELECT DISTINCT ON (u.netid) u.netid, t.wpm, t.accuracy, COALESCE(u.avatar_url, '')
	FROM timed_leaderboard t
	JOIN users u ON u.id = t.user_id
	WHERE t.duration = $1 %s
	ORDER BY u.netid, t.wpm DESC
	`, cutoff)

	rows, err := s.pool.Query(ctx, q, duration)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.TimedLeaderboardEntry
	for rows.Next() {
		var e models.TimedLeaderboardEntry
		if err := rows.Scan(&e.Netid, &e.WPM, &e.Accuracy, &e.AvatarURL); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// DISTINCT ON orders by netid; present fastest first instead.
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].WPM > entries[j-1].WPM; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
	return entries, nil
}
