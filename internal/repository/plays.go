package repository

import (
	"context"
	"fmt"
	"time"
)

// Play records one image the player swapped onto the screen.
type Play struct {
	ID        int64     `json:"id"`
	StoreID   string    `json:"store_id,omitempty"`
	SignID    string    `json:"sign_id,omitempty"`
	Mode      string    `json:"mode"`
	ContentID string    `json:"content_id,omitempty"`
	ImageURL  string    `json:"image_url"`
	ShownAt   time.Time `json:"shown_at"`
}

// RecordPlay appends a play log row. A zero ShownAt defaults to NOW().
func (r *PostgresRepository) RecordPlay(ctx context.Context, play Play) error {
	var shownAt *time.Time
	if !play.ShownAt.IsZero() {
		shownAt = &play.ShownAt
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO plays (store_id, sign_id, mode, content_id, image_url, shown_at)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))
	`,
		play.StoreID, play.SignID, play.Mode, play.ContentID, play.ImageURL, shownAt,
	)
	if err != nil {
		return fmt.Errorf("record play: %w", err)
	}
	return nil
}

// ListPlays returns the most recent plays, newest first. An empty storeID
// lists plays for every store.
func (r *PostgresRepository) ListPlays(ctx context.Context, storeID string, limit int) ([]Play, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, store_id, sign_id, mode, content_id, image_url, shown_at
		FROM plays
		WHERE $1 = '' OR store_id = $1
		ORDER BY shown_at DESC, id DESC
		LIMIT $2
	`, storeID, limit)
	if err != nil {
		return nil, fmt.Errorf("list plays: %w", err)
	}
	defer rows.Close()

	plays := make([]Play, 0)
	for rows.Next() {
		var p Play
		if err := rows.Scan(&p.ID, &p.StoreID, &p.SignID, &p.Mode, &p.ContentID, &p.ImageURL, &p.ShownAt); err != nil {
			return nil, fmt.Errorf("scan play: %w", err)
		}
		plays = append(plays, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate plays: %w", err)
	}
	return plays, nil
}

// PrunePlays deletes plays shown before cutoff and returns the number removed.
func (r *PostgresRepository) PrunePlays(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM plays WHERE shown_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune plays: %w", err)
	}
	return tag.RowsAffected(), nil
}
