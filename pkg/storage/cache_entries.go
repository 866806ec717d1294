package storage

import (
	"context"
	"database/sql"
	"time"
)

// CacheEntry is a durable cache row used as the fallback tier when the
// hot cache is unavailable and as the cold copy on every write-through.
type CacheEntry struct {
	Key       string
	Type      string
	Data      string
	ExpiresAt time.Time
	CachedAt  time.Time
}

// UpsertCacheEntry writes or refreshes a persistent cache row. A zero
// expiresAt stores the row without expiry.
func (s *Store) UpsertCacheEntry(ctx context.Context, key, cacheType, data string, expiresAt time.Time) error {
	if err := s.ready(); err != nil {
		return err
	}
	var expires any
	if !expiresAt.IsZero() {
		expires = expiresAt.UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO persistent_cache (cache_key, cache_type, data, expires_at, cached_at)
     VALUES (?, ?, ?, ?, ?)
     ON CONFLICT(cache_key) DO UPDATE SET
       cache_type=excluded.cache_type,
       data=excluded.data,
       expires_at=excluded.expires_at,
       cached_at=excluded.cached_at`,
		key, cacheType, data, expires, time.Now().UTC(),
	)
	return err
}

// GetCacheEntry returns a non-expired row, or nil. Expired rows are
// deleted on read.
func (s *Store) GetCacheEntry(ctx context.Context, key string) (*CacheEntry, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT cache_key, cache_type, data, expires_at, cached_at FROM persistent_cache WHERE cache_key=?`,
		key,
	)
	var e CacheEntry
	var expires sql.NullTime
	if err := row.Scan(&e.Key, &e.Type, &e.Data, &expires, &e.CachedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if expires.Valid {
		e.ExpiresAt = expires.Time
		if time.Now().After(e.ExpiresAt) {
			_ = s.DeleteCacheEntry(ctx, key)
			return nil, nil
		}
	}
	return &e, nil
}

// DeleteCacheEntry removes a persistent cache row.
func (s *Store) DeleteCacheEntry(ctx context.Context, key string) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM persistent_cache WHERE cache_key=?`, key)
	return err
}

// PurgeExpiredCacheEntries removes all rows past their expiry and
// returns how many were deleted. Run from periodic maintenance.
func (s *Store) PurgeExpiredCacheEntries(ctx context.Context) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM persistent_cache WHERE expires_at IS NOT NULL AND expires_at < ?`,
		time.Now().UTC(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
