package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Relationship is one scored pair. Pairs are stored normalized with
// user_id1 < user_id2 so each pair has exactly one row.
type Relationship struct {
	UserID1          string
	UserID2          string
	GuildID          string
	Affinity         float64
	InteractionCount int
	LastInteraction  time.Time
}

// NormalizePair orders two user ids so the smaller comes first.
func NormalizePair(a, b string) (string, string) {
	if a > b {
		return b, a
	}
	return a, b
}

// ReplaceGuildRelationships swaps the full relationship set for a guild
// in one transaction. Rows arrive already normalized from the scorer.
func (s *Store) ReplaceGuildRelationships(ctx context.Context, guildID string, rels []Relationship) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.WithTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM relationships WHERE guild_id=?`, guildID); err != nil {
			return err
		}
		for _, r := range rels {
			u1, u2 := NormalizePair(r.UserID1, r.UserID2)
			var last any
			if !r.LastInteraction.IsZero() {
				last = r.LastInteraction.UTC()
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO relationships (user_id1, user_id2, guild_id, affinity_percentage, interaction_count, last_interaction)
         VALUES (?, ?, ?, ?, ?, ?)
         ON CONFLICT(user_id1, user_id2, guild_id) DO UPDATE SET
           affinity_percentage=excluded.affinity_percentage,
           interaction_count=excluded.interaction_count,
           last_interaction=excluded.last_interaction`,
				u1, u2, guildID, r.Affinity, r.InteractionCount, last,
			); err != nil {
				return fmt.Errorf("insert relationship %s/%s: %w", u1, u2, err)
			}
		}
		return nil
	})
}

// RelationshipsForUser returns every stored pair involving the user.
func (s *Store) RelationshipsForUser(ctx context.Context, guildID, userID string) ([]Relationship, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id1, user_id2, guild_id, affinity_percentage, interaction_count, last_interaction
     FROM relationships
     WHERE guild_id=? AND (user_id1=? OR user_id2=?)
     ORDER BY affinity_percentage DESC`,
		guildID, userID, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Relationship
	for rows.Next() {
		var r Relationship
		var last sql.NullTime
		if err := rows.Scan(&r.UserID1, &r.UserID2, &r.GuildID, &r.Affinity, &r.InteractionCount, &last); err != nil {
			return nil, err
		}
		if last.Valid {
			r.LastInteraction = last.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
