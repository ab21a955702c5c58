// internal/database/player.go
package database

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/TigerAppsOrg/tigertype-sub001/internal/models"
)

// AddPlayer inserts a membership row, enforcing the lobby's capacity inside a
// SERIALIZABLE transaction. The transaction is the source of truth for
// capacity-sensitive joins: ErrCapacity here must abort the in-memory join.
// maxPlayers <= 0 means uncapped.
func (s *Store) AddPlayer(ctx context.Context, lobbyID int64, ident models.Identity, maxPlayers int) error {
	return s.withSerializableRetry(ctx, func(tx pgx.Tx) error {
		if maxPlayers > 0 {
			var count int
			err := tx.QueryRow(ctx,
				`SELECT COUNT(*) FROM lobby_players WHERE lobby_id = $1`, lobbyID,
			).Scan(&count)
			if err != nil {
				return err
			}
			if count >= maxPlayers {
				return ErrCapacity
			}
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO lobby_players (lobby_id, user_id, netid, is_ready)
			VALUES ($1, $2, $3, FALSE)
			ON CONFLICT (lobby_id, user_id) DO NOTHING
		`, lobbyID, ident.UserID, ident.Netid)
		return err
	})
}

// RemovePlayer deletes a membership row.
func (s *Store) RemovePlayer(ctx context.Context, lobbyID int64, userID int64) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`DELETE FROM lobby_players WHERE lobby_id = $1 AND user_id = $2`,
			lobbyID, userID,
		)
		return err
	})
}

// UpdateReadyStatus persists a member's readiness flag.
func (s *Store) UpdateReadyStatus(ctx context.Context, lobbyID int64, userID int64, ready bool) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`UPDATE lobby_players SET is_ready = $1 WHERE lobby_id = $2 AND user_id = $3`,
			ready, lobbyID, userID,
		)
		return err
	})
}
