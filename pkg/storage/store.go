// Package storage wraps an embedded SQLite database holding the durable
// tables: users, roles, messages, voice_channel_sessions, channels,
// guild_syncs, relationships and starboard_entries. It uses
// modernc.org/sqlite for CGO-less builds.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store owns the database handle. Call Init() before using it.
type Store struct {
	dbPath string
	db     *sql.DB
}

// NewStore creates a new Store pointing to dbPath.
func NewStore(dbPath string) *Store {
	return &Store{dbPath: dbPath}
}

// Init opens the SQLite database, configures pragmas and the connection
// pool, and ensures the schema exists.
func (s *Store) Init() error {
	if s.db != nil {
		return nil
	}
	if s.dbPath == "" {
		return fmt.Errorf("db path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(s.dbPath), 0o755); err != nil {
		return fmt.Errorf("failed to create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", s.dbPath)
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}

	// Pragmas for durability and concurrency
	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA foreign_keys=ON;`,
		`PRAGMA busy_timeout=5000;`,
		`PRAGMA synchronous=NORMAL;`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxIdleTime(30 * time.Second)

	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithTransaction runs fn inside a single BEGIN/COMMIT. Any error from fn
// rolls the transaction back and is returned unchanged.
func (s *Store) WithTransaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// ensureSchema creates required tables and indexes if they don't exist.
func ensureSchema(db *sql.DB) error {
	const createUsers = `
CREATE TABLE IF NOT EXISTS users (
  id                   INTEGER PRIMARY KEY AUTOINCREMENT,
  discord_id           TEXT NOT NULL,
  guild_id             TEXT NOT NULL,
  bot                  INTEGER NOT NULL DEFAULT 0,
  username             TEXT NOT NULL DEFAULT '',
  display_name         TEXT NOT NULL DEFAULT '',
  discriminator        TEXT NOT NULL DEFAULT '',
  avatar               TEXT NOT NULL DEFAULT '',
  status               TEXT NOT NULL DEFAULT '',
  roles                TEXT NOT NULL DEFAULT '[]',
  joined_at            TIMESTAMP,
  last_seen            TIMESTAMP,
  username_history     TEXT NOT NULL DEFAULT '[]',
  display_name_history TEXT NOT NULL DEFAULT '[]',
  avatar_history       TEXT NOT NULL DEFAULT '[]',
  status_history       TEXT NOT NULL DEFAULT '[]',
  voice_interactions   INTEGER NOT NULL DEFAULT 0,
  keywords             TEXT NOT NULL DEFAULT '[]',
  notes                TEXT NOT NULL DEFAULT '[]',
  relationships        TEXT NOT NULL DEFAULT '',
  mod_preferences      TEXT NOT NULL DEFAULT '',
  created_at           TIMESTAMP NOT NULL,
  updated_at           TIMESTAMP NOT NULL,
  UNIQUE(discord_id, guild_id)
);`

	const createRoles = `
CREATE TABLE IF NOT EXISTS roles (
  id          INTEGER PRIMARY KEY AUTOINCREMENT,
  discord_id  TEXT NOT NULL,
  guild_id    TEXT NOT NULL,
  name        TEXT NOT NULL DEFAULT '',
  color       INTEGER NOT NULL DEFAULT 0,
  mentionable INTEGER NOT NULL DEFAULT 0,
  created_at  TIMESTAMP NOT NULL,
  updated_at  TIMESTAMP NOT NULL,
  UNIQUE(discord_id, guild_id)
);`

	const createMessages = `
CREATE TABLE IF NOT EXISTS messages (
  id          INTEGER PRIMARY KEY AUTOINCREMENT,
  discord_id  TEXT NOT NULL UNIQUE,
  content     TEXT NOT NULL DEFAULT '',
  author_id   TEXT NOT NULL,
  channel_id  TEXT NOT NULL,
  guild_id    TEXT NOT NULL,
  timestamp   TIMESTAMP NOT NULL,
  edited_at   TIMESTAMP,
  deleted_at  TIMESTAMP,
  mentions    TEXT NOT NULL DEFAULT '[]',
  reply_to    TEXT NOT NULL DEFAULT '',
  attachments TEXT NOT NULL DEFAULT '[]',
  embeds      TEXT NOT NULL DEFAULT '[]',
  reactions   TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_messages_guild_ts ON messages(guild_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_messages_author ON messages(guild_id, author_id);`

	const createVoiceSessions = `
CREATE TABLE IF NOT EXISTS voice_channel_sessions (
  id           INTEGER PRIMARY KEY AUTOINCREMENT,
  user_id      TEXT NOT NULL,
  guild_id     TEXT NOT NULL,
  channel_id   TEXT NOT NULL,
  channel_name TEXT NOT NULL DEFAULT '',
  joined_at    TIMESTAMP NOT NULL,
  left_at      TIMESTAMP,
  duration     INTEGER,
  is_active    INTEGER NOT NULL DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_active_unique
  ON voice_channel_sessions(user_id, channel_id) WHERE is_active = 1;
CREATE INDEX IF NOT EXISTS idx_sessions_user ON voice_channel_sessions(user_id, guild_id);
CREATE INDEX IF NOT EXISTS idx_sessions_channel ON voice_channel_sessions(channel_id);`

	const createChannels = `
CREATE TABLE IF NOT EXISTS channels (
  discord_id      TEXT PRIMARY KEY,
  guild_id        TEXT NOT NULL,
  channel_name    TEXT NOT NULL DEFAULT '',
  position        INTEGER NOT NULL DEFAULT 0,
  is_active       INTEGER NOT NULL DEFAULT 1,
  active_user_ids TEXT NOT NULL DEFAULT '[]',
  member_count    INTEGER NOT NULL DEFAULT 0,
  created_at      TIMESTAMP NOT NULL
);`

	const createGuildSyncs = `
CREATE TABLE IF NOT EXISTS guild_syncs (
  guild_id        TEXT PRIMARY KEY,
  last_sync_at    TIMESTAMP NOT NULL,
  last_message_id TEXT NOT NULL DEFAULT '',
  total_users     INTEGER NOT NULL DEFAULT 0,
  total_messages  INTEGER NOT NULL DEFAULT 0,
  total_roles     INTEGER NOT NULL DEFAULT 0,
  is_fully_synced INTEGER NOT NULL DEFAULT 0
);`

	const createStarboardEntries = `
CREATE TABLE IF NOT EXISTS starboard_entries (
  guild_id             TEXT NOT NULL,
  original_message_id  TEXT NOT NULL,
  original_channel_id  TEXT NOT NULL,
  starboard_message_id TEXT NOT NULL,
  starboard_channel_id TEXT NOT NULL,
  star_count           INTEGER NOT NULL,
  created_at           TIMESTAMP NOT NULL,
  last_updated         TIMESTAMP NOT NULL,
  UNIQUE(guild_id, original_message_id)
);`

	const createRelationships = `
CREATE TABLE IF NOT EXISTS relationships (
  user_id1            TEXT NOT NULL,
  user_id2            TEXT NOT NULL,
  guild_id            TEXT NOT NULL,
  affinity_percentage REAL NOT NULL DEFAULT 0,
  interaction_count   INTEGER NOT NULL DEFAULT 0,
  last_interaction    TIMESTAMP,
  UNIQUE(user_id1, user_id2, guild_id)
);`

	const createPersistentCache = `
CREATE TABLE IF NOT EXISTS persistent_cache (
  cache_key  TEXT PRIMARY KEY,
  cache_type TEXT NOT NULL,
  data       TEXT NOT NULL,
  expires_at TIMESTAMP,
  cached_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_persistent_cache_type ON persistent_cache(cache_type);`

	stmts := []string{
		createUsers,
		createRoles,
		createMessages,
		createVoiceSessions,
		createChannels,
		createGuildSyncs,
		createStarboardEntries,
		createRelationships,
		createPersistentCache,
	}
	for _, sqlText := range stmts {
		if _, err := db.Exec(sqlText); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

func (s *Store) ready() error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	return nil
}
