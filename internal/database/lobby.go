// internal/database/lobby.go
package database

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/TigerAppsOrg/tigertype-sub001/internal/models"
)

const lobbyColumns = `id, code, type, status, snippet_id, host_netid, host_user_id, terminated, created_at`

// CreateLobby inserts a durable lobby row and fills in the generated id.
// Returns ErrDuplicateCode when the code collides with an existing row so the
// caller can regenerate and retry.
func (s *Store) CreateLobby(ctx context.Context, row *models.LobbyRow) error {
	q := `
	INSERT INTO lobbies (code, type, status, snippet_id, host_netid, host_user_id)
	VALUES ($1, $2, $3, $4, $5, $6)
	RETURNING id, created_at
	`
	err := s.pool.QueryRow(ctx, q,
		row.Code, row.Type, row.Status, row.SnippetID, row.HostNetid, row.HostUserID,
	).Scan(&row.ID, &row.CreatedAt)
	if err != nil && isUniqueViolation(err) {
		return ErrDuplicateCode
	}
	return err
}

func scanLobby(row pgx.Row) (*models.LobbyRow, error) {
	var l models.LobbyRow
	err := row.Scan(
		&l.ID, &l.Code, &l.Type, &l.Status, &l.SnippetID,
		&l.HostNetid, &l.HostUserID, &l.Terminated, &l.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// FindLobbyByCode fetches a lobby row by its join code.
func (s *Store) FindLobbyByCode(ctx context.Context, code string) (*models.LobbyRow, error) {
	q := `SELECT ` + lobbyColumns + ` FROM lobbies WHERE code = $1`
	return scanLobby(s.pool.QueryRow(ctx, q, code))
}

// FindLobbyByHostNetid fetches the most recent live lobby hosted by netid.
// Used to let clients rejoin a private lobby without knowing the code.
func (s *Store) FindLobbyByHostNetid(ctx context.Context, netid string) (*models.LobbyRow, error) {
	q := `
	SELECT ` + lobbyColumns + `
	FROM lobbies
	WHERE host_netid = $1 AND NOT terminated
	ORDER BY created_at DESC
	LIMIT 1
	`
	return scanLobby(s.pool.QueryRow(ctx, q, netid))
}

// FindLobbyByPlayerNetid fetches the most recent live lobby any of whose
// members is netid.
func (s *Store) FindLobbyByPlayerNetid(ctx context.Context, netid string) (*models.LobbyRow, error) {
	q := `
	SELECT ` + lobbyColumns + `
	FROM lobbies l
	JOIN lobby_players p ON p.lobby_id = l.id
	WHERE p.netid = $1 AND NOT l.terminated
	ORDER BY l.created_at DESC
	LIMIT 1
	`
	return scanLobby(s.pool.QueryRow(ctx, q, netid))
}

// FindPublicLobby fetches the oldest public lobby still accepting players.
func (s *Store) FindPublicLobby(ctx context.Context) (*models.LobbyRow, error) {
	q := `
	SELECT ` + lobbyColumns + `
	FROM lobbies
	WHERE type = 'public' AND status = 'waiting' AND NOT terminated
	ORDER BY created_at ASC
	LIMIT 1
	`
	return scanLobby(s.pool.QueryRow(ctx, q))
}

// UpdateLobbyStatus persists a lifecycle transition, stamping started_at or
// finished_at for the relevant states.
func (s *Store) UpdateLobbyStatus(ctx context.Context, lobbyID int64, status models.LobbyStatus) error {
	var q string
	switch status {
	case models.StatusRacing:
		q = `UPDATE lobbies SET status = $1, started_at = CURRENT_TIMESTAMP WHERE id = $2`
	case models.StatusFinished:
		q = `UPDATE lobbies SET status = $1, finished_at = CURRENT_TIMESTAMP WHERE id = $2`
	default:
		q = `UPDATE lobbies SET status = $1 WHERE id = $2`
	}
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, q, status, lobbyID)
		return err
	})
}

// UpdateLobbySettings persists the host's settings plus the snippet the lobby
// now races on.
func (s *Store) UpdateLobbySettings(ctx context.Context, lobbyID int64, settings models.Settings, snippetID string) error {
	q := `
	UPDATE lobbies
	SET snippet_id = $1, test_mode = $2, test_duration = $3
	WHERE id = $4
	`
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, q, snippetID, settings.TestMode, settings.TestDuration, lobbyID)
		return err
	})
}

// SoftTerminateLobby marks a lobby row dead without deleting it, so past
// results keep their foreign keys.
func (s *Store) SoftTerminateLobby(ctx context.Context, lobbyID int64) error {
	q := `
	UPDATE lobbies
	SET terminated = TRUE, status = 'finished', finished_at = COALESCE(finished_at, CURRENT_TIMESTAMP)
	WHERE id = $1
	`
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, q, lobbyID)
		return err
	})
}

// ReassignHost durably moves lobby ownership. Runs under SERIALIZABLE with
// bounded retry because a crash-recovery job may be mutating the same row.
func (s *Store) ReassignHost(ctx context.Context, lobbyID int64, newHost models.Identity) error {
	return s.withSerializableRetry(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE lobbies SET host_netid = $1, host_user_id = $2 WHERE id = $3 AND NOT terminated`,
			newHost.Netid, newHost.UserID, lobbyID,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}
