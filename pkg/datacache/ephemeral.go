package datacache

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/small-frappuccino/guildkeeper/pkg/cache"
)

// Cache-only state. These classes never touch the persistent store: when
// the hot tier is down the state is simply absent, which every consumer
// treats as "no call / no session / not limited".

// CallState summarizes an ongoing voice call in a channel.
type CallState struct {
	ChannelID    string    `json:"channel_id"`
	StartedAt    time.Time `json:"started_at"`
	Participants []string  `json:"participants"`
}

func (d *DataCache) GetCallState(ctx context.Context, channelID string) (*CallState, error) {
	raw, ok, err := d.hot.Get(ctx, cache.KeyCallState(channelID))
	if err != nil || !ok {
		return nil, err
	}
	var cs CallState
	if err := cache.DecodeInto(raw, &cs); err != nil {
		if errors.Is(err, cache.ErrCorrupt) {
			_ = d.hot.Delete(ctx, cache.KeyCallState(channelID))
			return nil, nil
		}
		return nil, err
	}
	return &cs, nil
}

func (d *DataCache) SetCallState(ctx context.Context, channelID string, cs CallState) error {
	raw, err := cache.Encode(cs)
	if err != nil {
		return err
	}
	return d.hot.Set(ctx, cache.KeyCallState(channelID), raw, cache.TTLCallState)
}

func (d *DataCache) DeleteCallState(ctx context.Context, channelID string) error {
	return d.hot.Delete(ctx, cache.KeyCallState(channelID))
}

// CoupSession is the short-lived state of an ownership coup vote.
type CoupSession struct {
	ChannelID    string    `json:"channel_id"`
	TargetOwner  string    `json:"target_owner"`
	InitiatorID  string    `json:"initiator_id"`
	VotesFor     []string  `json:"votes_for"`
	VotesAgainst []string  `json:"votes_against"`
	StartedAt    time.Time `json:"started_at"`
}

func (d *DataCache) GetCoupSession(ctx context.Context, channelID string) (*CoupSession, error) {
	raw, ok, err := d.hot.Get(ctx, cache.KeyCoupSession(channelID))
	if err != nil || !ok {
		return nil, err
	}
	var cs CoupSession
	if err := cache.DecodeInto(raw, &cs); err != nil {
		if errors.Is(err, cache.ErrCorrupt) {
			_ = d.hot.Delete(ctx, cache.KeyCoupSession(channelID))
			return nil, nil
		}
		return nil, err
	}
	return &cs, nil
}

func (d *DataCache) SetCoupSession(ctx context.Context, channelID string, cs CoupSession) error {
	raw, err := cache.Encode(cs)
	if err != nil {
		return err
	}
	return d.hot.Set(ctx, cache.KeyCoupSession(channelID), raw, cache.TTLCoupSession)
}

func (d *DataCache) DeleteCoupSession(ctx context.Context, channelID string) error {
	return d.hot.Delete(ctx, cache.KeyCoupSession(channelID))
}

// BumpRateLimit increments a per-user action counter and reports the new
// count. A fresh key starts at 1 with the rate-limit TTL.
func (d *DataCache) BumpRateLimit(ctx context.Context, userID, action string) (int, error) {
	key := cache.KeyRateLimit(userID, action)
	raw, ok, err := d.hot.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	count := 0
	if ok {
		if n, err := strconv.Atoi(raw); err == nil {
			count = n
		}
	}
	count++
	if err := d.hot.Set(ctx, key, strconv.Itoa(count), cache.TTLRateLimit); err != nil {
		return 0, err
	}
	return count, nil
}

// ActiveVoice mirrors the tracker's active session for fast lookups.
type ActiveVoice struct {
	ChannelID string    `json:"channel_id"`
	GuildID   string    `json:"guild_id"`
	JoinedAt  time.Time `json:"joined_at"`
}

func (d *DataCache) SetActiveVoice(ctx context.Context, userID string, av ActiveVoice) error {
	raw, err := cache.Encode(av)
	if err != nil {
		return err
	}
	return d.hot.Set(ctx, cache.KeyActiveVoice(userID), raw, cache.TTLActiveVoice)
}

func (d *DataCache) GetActiveVoice(ctx context.Context, userID string) (*ActiveVoice, error) {
	raw, ok, err := d.hot.Get(ctx, cache.KeyActiveVoice(userID))
	if err != nil || !ok {
		return nil, err
	}
	var av ActiveVoice
	if err := cache.DecodeInto(raw, &av); err != nil {
		if errors.Is(err, cache.ErrCorrupt) {
			_ = d.hot.Delete(ctx, cache.KeyActiveVoice(userID))
			return nil, nil
		}
		return nil, err
	}
	return &av, nil
}

func (d *DataCache) ClearActiveVoice(ctx context.Context, userID string) error {
	return d.hot.Delete(ctx, cache.KeyActiveVoice(userID))
}

// Channel member sets track presence in the hot tier alongside the
// durable session index.
func (d *DataCache) AddChannelMember(ctx context.Context, channelID, userID string) error {
	key := cache.KeyChannelMembers(channelID)
	if err := d.hot.SAdd(ctx, key, userID); err != nil {
		return err
	}
	return d.hot.Expire(ctx, key, cache.TTLChannelMember)
}

func (d *DataCache) RemoveChannelMember(ctx context.Context, channelID, userID string) error {
	return d.hot.SRem(ctx, cache.KeyChannelMembers(channelID), userID)
}

func (d *DataCache) ChannelMembers(ctx context.Context, channelID string) ([]string, error) {
	return d.hot.SMembers(ctx, cache.KeyChannelMembers(channelID))
}
