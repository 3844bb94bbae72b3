// Package repository provides PostgreSQL-backed persistence for resolved
// media URLs and the play log. It also handles LISTEN/NOTIFY-based cache
// invalidation so every player sharing a database sees media updates without
// waiting for its own lookups to fail.
package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultNotifyChannel = "media_cache_events"

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("repository: not found")

// MediaEntry is a resolved image URL for a target in a store.
type MediaEntry struct {
	StoreID   string    `json:"store_id"`
	TargetID  string    `json:"target_id"`
	URL       string    `json:"url"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MediaKey identifies a media cache row. The zero key means "everything".
type MediaKey struct {
	StoreID  string `json:"store_id"`
	TargetID string `json:"target_id"`
}

// PostgresRepository implements media cache and play log persistence backed
// by a pgxpool connection pool.
type PostgresRepository struct {
	pool          *pgxpool.Pool
	notifyChannel string
}

// NewPostgresRepository creates a [PostgresRepository] using the default
// "media_cache_events" notification channel.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return NewPostgresRepositoryWithChannel(pool, defaultNotifyChannel)
}

// NewPostgresRepositoryWithChannel creates a [PostgresRepository] using the
// specified LISTEN/NOTIFY channel name for media cache notifications.
func NewPostgresRepositoryWithChannel(pool *pgxpool.Pool, notifyChannel string) *PostgresRepository {
	return &PostgresRepository{
		pool:          pool,
		notifyChannel: normalizeNotifyChannel(notifyChannel),
	}
}

// Ping checks database connectivity.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// GetMediaURL returns the cached URL for a store and target. Returns
// [ErrNotFound] (wrapped) when nothing is cached.
func (r *PostgresRepository) GetMediaURL(ctx context.Context, storeID, targetID string) (MediaEntry, error) {
	var entry MediaEntry
	err := r.pool.QueryRow(ctx, `
		SELECT store_id, target_id, url, updated_at
		FROM media_cache
		WHERE store_id = $1 AND target_id = $2
	`, storeID, targetID).Scan(
		&entry.StoreID,
		&entry.TargetID,
		&entry.URL,
		&entry.UpdatedAt,
	)
	if err != nil {
		return MediaEntry{}, fmt.Errorf("get media url: %w", notFound(err))
	}

	return entry, nil
}

// PutMediaURL upserts a cached URL and sends a PostgreSQL NOTIFY on the
// configured channel within a single transaction. An unchanged URL does not
// notify.
func (r *PostgresRepository) PutMediaURL(ctx context.Context, entry MediaEntry) (MediaEntry, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return MediaEntry{}, fmt.Errorf("begin put media tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		stored  MediaEntry
		changed bool
	)
	if err := tx.QueryRow(ctx, `
		WITH previous AS (
			SELECT url FROM media_cache WHERE store_id = $1 AND target_id = $2
		)
		INSERT INTO media_cache (store_id, target_id, url)
		VALUES ($1, $2, $3)
		ON CONFLICT (store_id, target_id)
		DO UPDATE SET url = EXCLUDED.url, updated_at = NOW()
		RETURNING store_id, target_id, url, updated_at,
			COALESCE((SELECT url FROM previous), '') <> $3
	`,
		entry.StoreID,
		entry.TargetID,
		entry.URL,
	).Scan(
		&stored.StoreID,
		&stored.TargetID,
		&stored.URL,
		&stored.UpdatedAt,
		&changed,
	); err != nil {
		return MediaEntry{}, fmt.Errorf("upsert media url: %w", err)
	}

	if changed {
		payload, err := marshalNotifyPayload(MediaKey{StoreID: stored.StoreID, TargetID: stored.TargetID})
		if err != nil {
			return MediaEntry{}, fmt.Errorf("marshal notify payload: %w", err)
		}
		if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, r.notifyChannel, payload); err != nil {
			return MediaEntry{}, fmt.Errorf("notify media update: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return MediaEntry{}, fmt.Errorf("commit put media tx: %w", err)
	}

	return stored, nil
}

// ListMediaURLs returns every cached URL for a store ordered by target.
func (r *PostgresRepository) ListMediaURLs(ctx context.Context, storeID string) ([]MediaEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT store_id, target_id, url, updated_at
		FROM media_cache
		WHERE store_id = $1
		ORDER BY target_id
	`, storeID)
	if err != nil {
		return nil, fmt.Errorf("list media urls: %w", err)
	}
	defer rows.Close()

	entries := make([]MediaEntry, 0)
	for rows.Next() {
		var entry MediaEntry
		if err := rows.Scan(&entry.StoreID, &entry.TargetID, &entry.URL, &entry.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan media url: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate media urls: %w", err)
	}

	return entries, nil
}

// PruneMedia deletes cached URLs last refreshed before cutoff and returns the
// number of rows removed.
func (r *PostgresRepository) PruneMedia(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM media_cache WHERE updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune media cache: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SubscribeMediaInvalidation returns a channel that receives the key of every
// media cache row another writer changed. A zero [MediaKey] means the payload
// could not be decoded and the whole cache should be dropped. The channel is
// closed when ctx is cancelled.
func (r *PostgresRepository) SubscribeMediaInvalidation(ctx context.Context) (<-chan MediaKey, error) {
	invalidations := make(chan MediaKey, 16)

	go r.runMediaInvalidationListener(ctx, invalidations)

	return invalidations, nil
}

func (r *PostgresRepository) runMediaInvalidationListener(ctx context.Context, invalidations chan<- MediaKey) {
	defer close(invalidations)

	for {
		err := r.listenForMediaInvalidation(ctx, invalidations)
		if err == nil || ctx.Err() != nil {
			return
		}

		retryTimer := time.NewTimer(time.Second)
		select {
		case <-ctx.Done():
			retryTimer.Stop()
			return
		case <-retryTimer.C:
		}
	}
}

func (r *PostgresRepository) listenForMediaInvalidation(ctx context.Context, invalidations chan<- MediaKey) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, listenStatement(r.notifyChannel)); err != nil {
		return fmt.Errorf("listen on %q: %w", r.notifyChannel, err)
	}

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for media notification: %w", err)
		}

		select {
		case invalidations <- parseNotifyPayload(notification.Payload):
		case <-ctx.Done():
			return nil
		}
	}
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func normalizeNotifyChannel(channel string) string {
	if trimmed := strings.TrimSpace(channel); trimmed != "" {
		return trimmed
	}

	return defaultNotifyChannel
}

func listenStatement(channel string) string {
	return fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize())
}

func marshalNotifyPayload(key MediaKey) (string, error) {
	serialized, err := json.Marshal(key)
	if err != nil {
		return "", err
	}

	return string(serialized), nil
}

func parseNotifyPayload(payload string) MediaKey {
	var key MediaKey
	if err := json.Unmarshal([]byte(payload), &key); err != nil {
		return MediaKey{}
	}
	return key
}
