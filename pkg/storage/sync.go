package storage

import (
	"context"
	"database/sql"
	"time"
)

// GuildSync records the progress of the most recent guild synchronization.
// last_message_id is the newest stored message and is the cursor for
// incremental runs.
type GuildSync struct {
	GuildID       string
	LastSyncAt    time.Time
	LastMessageID string
	TotalUsers    int
	TotalMessages int
	TotalRoles    int
	IsFullySynced bool
}

// UpsertGuildSync writes the sync marker for a guild.
func (s *Store) UpsertGuildSync(ctx context.Context, gs GuildSync) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO guild_syncs (guild_id, last_sync_at, last_message_id, total_users, total_messages, total_roles, is_fully_synced)
     VALUES (?, ?, ?, ?, ?, ?, ?)
     ON CONFLICT(guild_id) DO UPDATE SET
       last_sync_at=excluded.last_sync_at,
       last_message_id=excluded.last_message_id,
       total_users=excluded.total_users,
       total_messages=excluded.total_messages,
       total_roles=excluded.total_roles,
       is_fully_synced=excluded.is_fully_synced`,
		gs.GuildID, gs.LastSyncAt.UTC(), gs.LastMessageID,
		gs.TotalUsers, gs.TotalMessages, gs.TotalRoles, boolInt(gs.IsFullySynced),
	)
	return err
}

// GetGuildSync returns the sync marker, or nil when the guild has never
// been synced.
func (s *Store) GetGuildSync(ctx context.Context, guildID string) (*GuildSync, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT guild_id, last_sync_at, last_message_id, total_users, total_messages, total_roles, is_fully_synced
     FROM guild_syncs WHERE guild_id=?`,
		guildID,
	)
	var gs GuildSync
	var full int
	if err := row.Scan(&gs.GuildID, &gs.LastSyncAt, &gs.LastMessageID,
		&gs.TotalUsers, &gs.TotalMessages, &gs.TotalRoles, &full); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	gs.IsFullySynced = full != 0
	return &gs, nil
}
