package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// MessageRecord is the durable snapshot of a guild message. Only what
// reconciliation and affinity scoring need is kept.
type MessageRecord struct {
	DiscordID   string
	Content     string
	AuthorID    string
	ChannelID   string
	GuildID     string
	Timestamp   time.Time
	EditedAt    time.Time
	DeletedAt   time.Time
	Mentions    []string
	ReplyTo     string
	Attachments []string
	Embeds      []string
	Reactions   []string // "name:count" pairs, refreshed on reaction events
}

// InsertMessage stores a message if it is not already present. Returns
// true when a new row was written.
func (s *Store) InsertMessage(ctx context.Context, m MessageRecord) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO messages
       (discord_id, content, author_id, channel_id, guild_id, timestamp, mentions, reply_to, attachments, embeds, reactions)
     VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.DiscordID, m.Content, m.AuthorID, m.ChannelID, m.GuildID, m.Timestamp.UTC(),
		marshalList(m.Mentions), m.ReplyTo, marshalList(m.Attachments), marshalList(m.Embeds), marshalList(m.Reactions),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// BatchInsertMessages writes all messages in one transaction, skipping
// rows already present, and returns how many were inserted.
func (s *Store) BatchInsertMessages(ctx context.Context, msgs []MessageRecord) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	inserted := 0
	err := s.WithTransaction(ctx, func(tx *sql.Tx) error {
		for _, m := range msgs {
			res, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO messages
           (discord_id, content, author_id, channel_id, guild_id, timestamp, mentions, reply_to, attachments, embeds, reactions)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				m.DiscordID, m.Content, m.AuthorID, m.ChannelID, m.GuildID, m.Timestamp.UTC(),
				marshalList(m.Mentions), m.ReplyTo, marshalList(m.Attachments), marshalList(m.Embeds), marshalList(m.Reactions),
			)
			if err != nil {
				return fmt.Errorf("insert message %s: %w", m.DiscordID, err)
			}
			if n, err := res.RowsAffected(); err == nil && n > 0 {
				inserted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// HasMessage reports whether a message id is already stored.
func (s *Store) HasMessage(ctx context.Context, discordID string) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM messages WHERE discord_id=?`, discordID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MarkMessageEdited records an edit timestamp and the new content. An
// empty content means a partial update (embed resolution, pin change);
// the stored content is kept in that case.
func (s *Store) MarkMessageEdited(ctx context.Context, discordID, content string, editedAt time.Time) error {
	if err := s.ready(); err != nil {
		return err
	}
	if content == "" {
		_, err := s.db.ExecContext(ctx,
			`UPDATE messages SET edited_at=? WHERE discord_id=?`,
			editedAt.UTC(), discordID,
		)
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET content=?, edited_at=? WHERE discord_id=?`,
		content, editedAt.UTC(), discordID,
	)
	return err
}

// UpdateMessageReactions replaces the stored reaction summary.
func (s *Store) UpdateMessageReactions(ctx context.Context, discordID string, reactions []string) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET reactions=? WHERE discord_id=?`,
		marshalList(reactions), discordID,
	)
	return err
}

// MarkMessageDeleted tombstones a message; the row is kept for history.
func (s *Store) MarkMessageDeleted(ctx context.Context, discordID string, deletedAt time.Time) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET deleted_at=? WHERE discord_id=?`,
		deletedAt.UTC(), discordID,
	)
	return err
}

// CountMessages returns the number of stored messages for a guild.
func (s *Store) CountMessages(ctx context.Context, guildID string) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE guild_id=?`, guildID).Scan(&n)
	return n, err
}

// ListMessagesSince returns undeleted messages for a guild newer than
// since, oldest first. Used by starboard reconciliation and affinity
// scoring.
func (s *Store) ListMessagesSince(ctx context.Context, guildID string, since time.Time) ([]MessageRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT discord_id, content, author_id, channel_id, guild_id, timestamp, mentions, reply_to, reactions
     FROM messages
     WHERE guild_id=? AND timestamp>? AND deleted_at IS NULL
     ORDER BY timestamp ASC`,
		guildID, since.UTC(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MessageRecord
	for rows.Next() {
		var m MessageRecord
		var mentions, reactions string
		if err := rows.Scan(&m.DiscordID, &m.Content, &m.AuthorID, &m.ChannelID, &m.GuildID,
			&m.Timestamp, &mentions, &m.ReplyTo, &reactions); err != nil {
			return nil, err
		}
		m.Mentions = unmarshalList(mentions)
		m.Reactions = unmarshalList(reactions)
		out = append(out, m)
	}
	return out, rows.Err()
}
