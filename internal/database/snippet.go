// internal/database/snippet.go
package database

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/TigerAppsOrg/tigertype-sub001/internal/models"
)

// GetRandomSnippet returns a random snippet matching the optional filters, or
// ErrNotFound when the table has no match.
func (s *Store) GetRandomSnippet(ctx context.Context, filters models.SnippetFilters) (*models.Snippet, error) {
	q := `SELECT id::text, text FROM snippets`
	args := []interface{}{}
	switch {
	case filters.Category != "" && filters.Difficulty != "":
		q += ` WHERE category = $1 AND difficulty = $2`
		args = append(args, filters.Category, filters.Difficulty)
	case filters.Category != "":
		q += ` WHERE category = $1`
		args = append(args, filters.Category)
	case filters.Difficulty != "":
		q += ` WHERE difficulty = $1`
		args = append(args, filters.Difficulty)
	}
	q += ` ORDER BY RANDOM() LIMIT 1`

	var sn models.Snippet
	err := s.pool.QueryRow(ctx, q, args...).Scan(&sn.ID, &sn.Text)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sn, nil
}

// FindSnippetByID fetches a specific snippet.
func (s *Store) FindSnippetByID(ctx context.Context, id string) (*models.Snippet, error) {
	var sn models.Snippet
	err := s.pool.QueryRow(ctx,
		`SELECT id::text, text FROM snippets WHERE id = $1::int`, id,
	).Scan(&sn.ID, &sn.Text)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sn, nil
}
