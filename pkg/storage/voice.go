package storage

import (
	"context"
	"database/sql"
	"time"
)

// VoiceSession is one contiguous interval a user spent in a voice channel.
// Closed sessions are immutable: left_at and duration are both set and
// duration is whole seconds, clamped to zero.
type VoiceSession struct {
	ID          int64
	UserID      string
	GuildID     string
	ChannelID   string
	ChannelName string
	JoinedAt    time.Time
	LeftAt      time.Time
	Duration    int64
	IsActive    bool
}

// ChannelRecord mirrors a voice channel and its reconciled membership.
type ChannelRecord struct {
	DiscordID     string
	GuildID       string
	ChannelName   string
	Position      int
	IsActive      bool
	ActiveUserIDs []string
	MemberCount   int
	CreatedAt     time.Time
}

func closedDuration(joinedAt, leftAt time.Time) int64 {
	d := int64(leftAt.Sub(joinedAt).Seconds())
	if d < 0 {
		d = 0
	}
	return d
}

// InsertSessionTx opens a session row. A conflicting still-active session
// for the same (user, channel) makes this a no-op; returns whether a row
// was written.
func (s *Store) InsertSessionTx(ctx context.Context, tx *sql.Tx, userID, guildID, channelID, channelName string, joinedAt time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO voice_channel_sessions
       (user_id, guild_id, channel_id, channel_name, joined_at, is_active)
     VALUES (?, ?, ?, ?, ?, 1)`,
		userID, guildID, channelID, channelName, joinedAt.UTC(),
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

// CloseSessionsTx closes every active session for userID except those in
// channel exceptChannelID (pass "" to close all). Returns the closed rows.
func (s *Store) CloseSessionsTx(ctx context.Context, tx *sql.Tx, userID, exceptChannelID string, leftAt time.Time) ([]VoiceSession, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, user_id, guild_id, channel_id, channel_name, joined_at
     FROM voice_channel_sessions
     WHERE user_id=? AND is_active=1 AND channel_id<>?`,
		userID, exceptChannelID,
	)
	if err != nil {
		return nil, err
	}
	var open []VoiceSession
	for rows.Next() {
		var vs VoiceSession
		if err := rows.Scan(&vs.ID, &vs.UserID, &vs.GuildID, &vs.ChannelID, &vs.ChannelName, &vs.JoinedAt); err != nil {
			rows.Close()
			return nil, err
		}
		open = append(open, vs)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range open {
		open[i].LeftAt = leftAt.UTC()
		open[i].Duration = closedDuration(open[i].JoinedAt, leftAt)
		open[i].IsActive = false
		if _, err := tx.ExecContext(ctx,
			`UPDATE voice_channel_sessions SET is_active=0, left_at=?, duration=? WHERE id=?`,
			open[i].LeftAt, open[i].Duration, open[i].ID,
		); err != nil {
			return nil, err
		}
	}
	return open, nil
}

// CloseSessionTx closes a single session row by id.
func (s *Store) CloseSessionTx(ctx context.Context, tx *sql.Tx, id int64, joinedAt, leftAt time.Time) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE voice_channel_sessions SET is_active=0, left_at=?, duration=? WHERE id=?`,
		leftAt.UTC(), closedDuration(joinedAt, leftAt), id,
	)
	return err
}

// ActiveSessionForUserTx returns the user's active session, if any.
func (s *Store) ActiveSessionForUserTx(ctx context.Context, tx *sql.Tx, userID string) (*VoiceSession, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT id, user_id, guild_id, channel_id, channel_name, joined_at
     FROM voice_channel_sessions
     WHERE user_id=? AND is_active=1
     ORDER BY joined_at DESC LIMIT 1`,
		userID,
	)
	var vs VoiceSession
	if err := row.Scan(&vs.ID, &vs.UserID, &vs.GuildID, &vs.ChannelID, &vs.ChannelName, &vs.JoinedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	vs.IsActive = true
	return &vs, nil
}

// ActiveSessionForUser is the non-transactional read used by handlers.
func (s *Store) ActiveSessionForUser(ctx context.Context, userID string) (*VoiceSession, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var out *VoiceSession
	err := s.WithTransaction(ctx, func(tx *sql.Tx) error {
		vs, err := s.ActiveSessionForUserTx(ctx, tx, userID)
		out = vs
		return err
	})
	return out, err
}

// ListActiveSessions returns every active session in a guild.
func (s *Store) ListActiveSessions(ctx context.Context, guildID string) ([]VoiceSession, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, guild_id, channel_id, channel_name, joined_at
     FROM voice_channel_sessions WHERE guild_id=? AND is_active=1`,
		guildID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []VoiceSession
	for rows.Next() {
		var vs VoiceSession
		if err := rows.Scan(&vs.ID, &vs.UserID, &vs.GuildID, &vs.ChannelID, &vs.ChannelName, &vs.JoinedAt); err != nil {
			return nil, err
		}
		vs.IsActive = true
		out = append(out, vs)
	}
	return out, rows.Err()
}

// ListActiveSessionsForChannel returns the active sessions in one channel.
func (s *Store) ListActiveSessionsForChannel(ctx context.Context, channelID string) ([]VoiceSession, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, guild_id, channel_id, channel_name, joined_at
     FROM voice_channel_sessions WHERE channel_id=? AND is_active=1`,
		channelID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []VoiceSession
	for rows.Next() {
		var vs VoiceSession
		if err := rows.Scan(&vs.ID, &vs.UserID, &vs.GuildID, &vs.ChannelID, &vs.ChannelName, &vs.JoinedAt); err != nil {
			return nil, err
		}
		vs.IsActive = true
		out = append(out, vs)
	}
	return out, rows.Err()
}

// CloseSession closes one session outside a caller-held transaction.
func (s *Store) CloseSession(ctx context.Context, id int64, joinedAt, leftAt time.Time) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.WithTransaction(ctx, func(tx *sql.Tx) error {
		return s.CloseSessionTx(ctx, tx, id, joinedAt, leftAt)
	})
}

// SessionsForUserChannel returns all sessions (closed and active) for one
// user in one channel, oldest first.
func (s *Store) SessionsForUserChannel(ctx context.Context, userID, channelID string) ([]VoiceSession, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, guild_id, channel_id, channel_name, joined_at, left_at, duration, is_active
     FROM voice_channel_sessions WHERE user_id=? AND channel_id=? ORDER BY joined_at ASC`,
		userID, channelID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSessions(rows)
}

func scanSessions(rows *sql.Rows) ([]VoiceSession, error) {
	var out []VoiceSession
	for rows.Next() {
		var (
			vs       VoiceSession
			leftAt   sql.NullTime
			duration sql.NullInt64
			active   int
		)
		if err := rows.Scan(&vs.ID, &vs.UserID, &vs.GuildID, &vs.ChannelID, &vs.ChannelName,
			&vs.JoinedAt, &leftAt, &duration, &active); err != nil {
			return nil, err
		}
		if leftAt.Valid {
			vs.LeftAt = leftAt.Time
		}
		if duration.Valid {
			vs.Duration = duration.Int64
		}
		vs.IsActive = active != 0
		out = append(out, vs)
	}
	return out, rows.Err()
}

// ChannelDurations aggregates per-user time spent in a channel across all
// sessions. Active sessions count up to now. Also returns each user's
// earliest join, for longest-standing tie-breaks.
func (s *Store) ChannelDurations(ctx context.Context, channelID string, now time.Time) (map[string]int64, map[string]time.Time, error) {
	if err := s.ready(); err != nil {
		return nil, nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, joined_at, left_at, duration, is_active
     FROM voice_channel_sessions WHERE channel_id=?`,
		channelID,
	)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	totals := make(map[string]int64)
	earliest := make(map[string]time.Time)
	for rows.Next() {
		var (
			userID   string
			joinedAt time.Time
			leftAt   sql.NullTime
			duration sql.NullInt64
			active   int
		)
		if err := rows.Scan(&userID, &joinedAt, &leftAt, &duration, &active); err != nil {
			return nil, nil, err
		}
		if active != 0 {
			totals[userID] += closedDuration(joinedAt, now)
		} else if duration.Valid {
			totals[userID] += duration.Int64
		}
		if first, ok := earliest[userID]; !ok || joinedAt.Before(first) {
			earliest[userID] = joinedAt
		}
	}
	return totals, earliest, rows.Err()
}

// UpsertChannelTx writes a channel row. When freezePosition is true the
// stored position is kept (channels created moments ago still settle).
func (s *Store) UpsertChannelTx(ctx context.Context, tx *sql.Tx, c ChannelRecord) error {
	now := time.Now().UTC()
	created := c.CreatedAt
	if created.IsZero() {
		created = now
	}

	var frozen bool
	var createdAt time.Time
	err := tx.QueryRowContext(ctx, `SELECT created_at FROM channels WHERE discord_id=?`, c.DiscordID).Scan(&createdAt)
	switch err {
	case nil:
		frozen = now.Sub(createdAt) < 30*time.Second
	case sql.ErrNoRows:
	default:
		return err
	}

	if frozen {
		_, err = tx.ExecContext(ctx,
			`UPDATE channels SET guild_id=?, channel_name=?, is_active=? WHERE discord_id=?`,
			c.GuildID, c.ChannelName, boolInt(c.IsActive), c.DiscordID,
		)
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO channels (discord_id, guild_id, channel_name, position, is_active, active_user_ids, member_count, created_at)
     VALUES (?, ?, ?, ?, ?, ?, ?, ?)
     ON CONFLICT(discord_id) DO UPDATE SET
       guild_id=excluded.guild_id,
       channel_name=excluded.channel_name,
       position=excluded.position,
       is_active=excluded.is_active`,
		c.DiscordID, c.GuildID, c.ChannelName, c.Position, boolInt(c.IsActive),
		marshalList(c.ActiveUserIDs), c.MemberCount, created,
	)
	return err
}

// GetChannel returns a stored channel, or nil.
func (s *Store) GetChannel(ctx context.Context, discordID string) (*ChannelRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT discord_id, guild_id, channel_name, position, is_active, active_user_ids, member_count, created_at
     FROM channels WHERE discord_id=?`,
		discordID,
	)
	var c ChannelRecord
	var active int
	var users string
	if err := row.Scan(&c.DiscordID, &c.GuildID, &c.ChannelName, &c.Position, &active, &users, &c.MemberCount, &c.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	c.IsActive = active != 0
	c.ActiveUserIDs = unmarshalList(users)
	return &c, nil
}

// ReconcileChannelMembers recomputes active_user_ids and member_count
// from the session index. Runs after every settled transition so that
// member_count == |active_user_ids| always holds.
func (s *Store) ReconcileChannelMembers(ctx context.Context, channelID string) ([]string, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT user_id FROM voice_channel_sessions WHERE channel_id=? AND is_active=1`,
		channelID,
	)
	if err != nil {
		return nil, err
	}
	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		users = append(users, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE channels SET active_user_ids=?, member_count=? WHERE discord_id=?`,
		marshalList(users), len(users), channelID,
	)
	return users, err
}
