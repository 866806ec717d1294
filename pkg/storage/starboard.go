package storage

import (
	"context"
	"database/sql"
	"time"
)

// StarboardEntry links an original message to its starboard repost.
type StarboardEntry struct {
	GuildID            string
	OriginalMessageID  string
	OriginalChannelID  string
	StarboardMessageID string
	StarboardChannelID string
	StarCount          int
	CreatedAt          time.Time
	LastUpdated        time.Time
}

// UpsertStarboardEntry inserts or refreshes the entry for an original
// message. The starboard message id is stable after creation.
func (s *Store) UpsertStarboardEntry(ctx context.Context, e StarboardEntry) error {
	if err := s.ready(); err != nil {
		return err
	}
	now := time.Now().UTC()
	created := e.CreatedAt
	if created.IsZero() {
		created = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO starboard_entries
       (guild_id, original_message_id, original_channel_id, starboard_message_id, starboard_channel_id, star_count, created_at, last_updated)
     VALUES (?, ?, ?, ?, ?, ?, ?, ?)
     ON CONFLICT(guild_id, original_message_id) DO UPDATE SET
       starboard_message_id=excluded.starboard_message_id,
       starboard_channel_id=excluded.starboard_channel_id,
       star_count=excluded.star_count,
       last_updated=excluded.last_updated`,
		e.GuildID, e.OriginalMessageID, e.OriginalChannelID, e.StarboardMessageID,
		e.StarboardChannelID, e.StarCount, created, now,
	)
	return err
}

// UpdateStarCount refreshes the count on an existing entry.
func (s *Store) UpdateStarCount(ctx context.Context, guildID, originalMessageID string, count int) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE starboard_entries SET star_count=?, last_updated=?
     WHERE guild_id=? AND original_message_id=?`,
		count, time.Now().UTC(), guildID, originalMessageID,
	)
	return err
}

// GetStarboardEntry returns the entry for an original message, or nil.
func (s *Store) GetStarboardEntry(ctx context.Context, guildID, originalMessageID string) (*StarboardEntry, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT guild_id, original_message_id, original_channel_id, starboard_message_id,
            starboard_channel_id, star_count, created_at, last_updated
     FROM starboard_entries WHERE guild_id=? AND original_message_id=?`,
		guildID, originalMessageID,
	)
	var e StarboardEntry
	if err := row.Scan(&e.GuildID, &e.OriginalMessageID, &e.OriginalChannelID, &e.StarboardMessageID,
		&e.StarboardChannelID, &e.StarCount, &e.CreatedAt, &e.LastUpdated); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

// DeleteStarboardEntry removes the entry for an original message.
func (s *Store) DeleteStarboardEntry(ctx context.Context, guildID, originalMessageID string) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM starboard_entries WHERE guild_id=? AND original_message_id=?`,
		guildID, originalMessageID,
	)
	return err
}

// ListStarboardEntries returns all entries for a guild, newest first.
func (s *Store) ListStarboardEntries(ctx context.Context, guildID string) ([]StarboardEntry, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT guild_id, original_message_id, original_channel_id, starboard_message_id,
            starboard_channel_id, star_count, created_at, last_updated
     FROM starboard_entries WHERE guild_id=? ORDER BY created_at DESC`,
		guildID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StarboardEntry
	for rows.Next() {
		var e StarboardEntry
		if err := rows.Scan(&e.GuildID, &e.OriginalMessageID, &e.OriginalChannelID, &e.StarboardMessageID,
			&e.StarboardChannelID, &e.StarCount, &e.CreatedAt, &e.LastUpdated); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
