package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// UserRecord is the durable snapshot of a guild member. History columns
// are ordered by first appearance and never rewritten, only appended.
type UserRecord struct {
	DiscordID          string
	GuildID            string
	Bot                bool
	Username           string
	DisplayName        string
	Discriminator      string
	Avatar             string
	Status             string
	Roles              []string
	JoinedAt           time.Time
	LastSeen           time.Time
	UsernameHistory    []string
	DisplayNameHistory []string
	AvatarHistory      []string
	StatusHistory      []string
	VoiceInteractions  int
	Keywords           []string
	Notes              []string
	Relationships      string // JSON blob maintained by the affinity engine
	ModPreferences     string
}

// RoleRecord mirrors a guild role.
type RoleRecord struct {
	DiscordID   string
	GuildID     string
	Name        string
	Color       int
	Mentionable bool
}

func marshalList(items []string) string {
	if len(items) == 0 {
		return "[]"
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func unmarshalList(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func appendIfNew(history []string, v string) []string {
	if v == "" {
		return history
	}
	for _, h := range history {
		if h == v {
			return history
		}
	}
	return append(history, v)
}

// UpsertUserTx inserts or updates a user inside an existing transaction.
// Username and display-name histories are appended when the value is new.
func (s *Store) UpsertUserTx(ctx context.Context, tx *sql.Tx, u UserRecord) error {
	now := time.Now().UTC()

	var (
		usernameHist, displayHist, avatarHist, statusHist string
	)
	err := tx.QueryRowContext(ctx,
		`SELECT username_history, display_name_history, avatar_history, status_history
     FROM users WHERE discord_id=? AND guild_id=?`,
		u.DiscordID, u.GuildID,
	).Scan(&usernameHist, &displayHist, &avatarHist, &statusHist)
	switch err {
	case nil, sql.ErrNoRows:
	default:
		return err
	}

	usernames := appendIfNew(unmarshalList(usernameHist), u.Username)
	displays := appendIfNew(unmarshalList(displayHist), u.DisplayName)
	avatars := appendIfNew(unmarshalList(avatarHist), u.Avatar)
	statuses := appendIfNew(unmarshalList(statusHist), u.Status)

	var joined, lastSeen any
	if !u.JoinedAt.IsZero() {
		joined = u.JoinedAt.UTC()
	}
	if !u.LastSeen.IsZero() {
		lastSeen = u.LastSeen.UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO users (discord_id, guild_id, bot, username, display_name, discriminator,
                        avatar, status, roles, joined_at, last_seen,
                        username_history, display_name_history, avatar_history, status_history,
                        keywords, notes, relationships, mod_preferences, created_at, updated_at)
     VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
     ON CONFLICT(discord_id, guild_id) DO UPDATE SET
       bot=excluded.bot,
       username=excluded.username,
       display_name=excluded.display_name,
       discriminator=excluded.discriminator,
       avatar=excluded.avatar,
       status=excluded.status,
       roles=excluded.roles,
       joined_at=COALESCE(users.joined_at, excluded.joined_at),
       last_seen=COALESCE(excluded.last_seen, users.last_seen),
       username_history=excluded.username_history,
       display_name_history=excluded.display_name_history,
       avatar_history=excluded.avatar_history,
       status_history=excluded.status_history,
       updated_at=excluded.updated_at`,
		u.DiscordID, u.GuildID, boolInt(u.Bot), u.Username, u.DisplayName, u.Discriminator,
		u.Avatar, u.Status, marshalList(u.Roles), joined, lastSeen,
		marshalList(usernames), marshalList(displays), marshalList(avatars), marshalList(statuses),
		marshalList(u.Keywords), marshalList(u.Notes),
		u.Relationships, u.ModPreferences, now, now,
	)
	return err
}

// UpsertUser is the single-row convenience wrapper around UpsertUserTx.
func (s *Store) UpsertUser(ctx context.Context, u UserRecord) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.WithTransaction(ctx, func(tx *sql.Tx) error {
		return s.UpsertUserTx(ctx, tx, u)
	})
}

// BatchUpsertUsers writes all records in one transaction and returns the
// number of rows written.
func (s *Store) BatchUpsertUsers(ctx context.Context, users []UserRecord) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	count := 0
	err := s.WithTransaction(ctx, func(tx *sql.Tx) error {
		for _, u := range users {
			if err := s.UpsertUserTx(ctx, tx, u); err != nil {
				return fmt.Errorf("upsert user %s: %w", u.DiscordID, err)
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// GetUser returns a stored user, or nil if unknown.
func (s *Store) GetUser(ctx context.Context, discordID, guildID string) (*UserRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT discord_id, guild_id, bot, username, display_name, discriminator,
            avatar, status, roles, joined_at, last_seen,
            username_history, display_name_history, avatar_history, status_history,
            voice_interactions, keywords, notes, relationships, mod_preferences
     FROM users WHERE discord_id=? AND guild_id=?`,
		discordID, guildID,
	)

	var (
		u   UserRecord
		bot int

		roles, usernames, displays, avatars, statuses, keywords, notes string
		joined, lastSeen                                               sql.NullTime
	)
	if err := row.Scan(
		&u.DiscordID, &u.GuildID, &bot, &u.Username, &u.DisplayName, &u.Discriminator,
		&u.Avatar, &u.Status, &roles, &joined, &lastSeen,
		&usernames, &displays, &avatars, &statuses,
		&u.VoiceInteractions, &keywords, &notes,
		&u.Relationships, &u.ModPreferences,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	u.Bot = bot != 0
	u.Roles = unmarshalList(roles)
	u.UsernameHistory = unmarshalList(usernames)
	u.DisplayNameHistory = unmarshalList(displays)
	u.AvatarHistory = unmarshalList(avatars)
	u.StatusHistory = unmarshalList(statuses)
	u.Keywords = unmarshalList(keywords)
	u.Notes = unmarshalList(notes)
	if joined.Valid {
		u.JoinedAt = joined.Time
	}
	if lastSeen.Valid {
		u.LastSeen = lastSeen.Time
	}
	return &u, nil
}

// TouchLastSeen updates last_seen for a user without altering anything else.
func (s *Store) TouchLastSeen(ctx context.Context, discordID, guildID string, seen time.Time) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_seen=?, updated_at=? WHERE discord_id=? AND guild_id=?`,
		seen.UTC(), time.Now().UTC(), discordID, guildID,
	)
	return err
}

// IncrementVoiceInteractionsTx bumps the per-user voice join counter
// inside an existing transaction.
func (s *Store) IncrementVoiceInteractionsTx(ctx context.Context, tx *sql.Tx, discordID, guildID string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE users SET voice_interactions=voice_interactions+1, updated_at=?
     WHERE discord_id=? AND guild_id=?`,
		time.Now().UTC(), discordID, guildID,
	)
	return err
}

// UpdateUserRelationships replaces the relationships blob on the member row.
func (s *Store) UpdateUserRelationships(ctx context.Context, discordID, guildID, blob string) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET relationships=?, updated_at=? WHERE discord_id=? AND guild_id=?`,
		blob, time.Now().UTC(), discordID, guildID,
	)
	return err
}

// CountUsers returns the number of stored users for a guild.
func (s *Store) CountUsers(ctx context.Context, guildID string) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE guild_id=?`, guildID).Scan(&n)
	return n, err
}

// ListUserIDs returns the discord ids of all stored non-bot users in a guild.
func (s *Store) ListUserIDs(ctx context.Context, guildID string) ([]string, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT discord_id FROM users WHERE guild_id=? AND bot=0`, guildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// BatchUpsertRoles writes all roles in one transaction.
func (s *Store) BatchUpsertRoles(ctx context.Context, roles []RoleRecord) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	count := 0
	now := time.Now().UTC()
	err := s.WithTransaction(ctx, func(tx *sql.Tx) error {
		for _, r := range roles {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO roles (discord_id, guild_id, name, color, mentionable, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(discord_id, guild_id) DO UPDATE SET
           name=excluded.name,
           color=excluded.color,
           mentionable=excluded.mentionable,
           updated_at=excluded.updated_at`,
				r.DiscordID, r.GuildID, r.Name, r.Color, boolInt(r.Mentionable), now, now,
			); err != nil {
				return fmt.Errorf("upsert role %s: %w", r.DiscordID, err)
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// GetRoles returns all stored roles for a guild keyed by discord id.
func (s *Store) GetRoles(ctx context.Context, guildID string) (map[string]RoleRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT discord_id, guild_id, name, color, mentionable FROM roles WHERE guild_id=?`, guildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]RoleRecord)
	for rows.Next() {
		var r RoleRecord
		var mentionable int
		if err := rows.Scan(&r.DiscordID, &r.GuildID, &r.Name, &r.Color, &mentionable); err != nil {
			return nil, err
		}
		r.Mentionable = mentionable != 0
		out[r.DiscordID] = r
	}
	return out, rows.Err()
}

// CountRoles returns the number of stored roles for a guild.
func (s *Store) CountRoles(ctx context.Context, guildID string) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM roles WHERE guild_id=?`, guildID).Scan(&n)
	return n, err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
