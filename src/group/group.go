// Package group keeps group membership and the per-group current-speaker
// lock in the shared store, where every router instance sees them.
package group

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/voiceping/router/src/keys"
	"github.com/voiceping/router/src/store"
)

// ErrBusy reports that a different user already holds the current-speaker
// lock. Callers must not retry; the turn is simply lost.
var ErrBusy = errors.New("group: channel busy")

// Speaker is the current-speaker lock value. It lives at
// group:current:{g} with a TTL and exists only while a turn is active.
type Speaker struct {
	FromID    string `json:"fromId"`
	StartedAt int64  `json:"startedAt"`
	ExpiresAt int64  `json:"expiresAt"`
}

// Config tunes the janitor.
type Config struct {
	CleanEvery        time.Duration
	CleanGroupsAmount int64
	InspectEvery      time.Duration
}

// stateStore is the slice of the shared store the group state uses.
// Defined here so tests can drive the lock and janitor logic without a
// live store.
type stateStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	SMembers(ctx context.Context, key string) ([]string, error)
	SCard(ctx context.Context, key string) (int64, error)
	Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error)
	TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) error
	Watch(ctx context.Context, fn func(store.Tx) error, watchKeys ...string) error
}

var _ stateStore = (*store.Store)(nil)

// State exposes group membership and speaker-lock operations.
type State struct {
	store  stateStore
	cfg    Config
	logger zerolog.Logger
}

// New creates the group state backed by the given store.
func New(st stateStore, cfg Config, logger zerolog.Logger) *State {
	return &State{
		store:  st,
		cfg:    cfg,
		logger: logger.With().Str("component", "group").Logger(),
	}
}

// AddUserToGroup records membership in both directions atomically.
func (s *State) AddUserToGroup(ctx context.Context, userID, groupID string) error {
	return s.store.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, keys.GroupMembers(groupID), userID)
		pipe.SAdd(ctx, keys.UserGroups(userID), groupID)
		return nil
	})
}

// RemoveUserFromGroup removes membership in both directions atomically.
func (s *State) RemoveUserFromGroup(ctx context.Context, userID, groupID string) error {
	return s.store.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, keys.GroupMembers(groupID), userID)
		pipe.SRem(ctx, keys.UserGroups(userID), groupID)
		return nil
	})
}

// UsersInsideGroup lists a group's members.
func (s *State) UsersInsideGroup(ctx context.Context, groupID string) ([]string, error) {
	return s.store.SMembers(ctx, keys.GroupMembers(groupID))
}

// GroupsOfUser lists the groups a user belongs to.
func (s *State) GroupsOfUser(ctx context.Context, userID string) ([]string, error) {
	return s.store.SMembers(ctx, keys.UserGroups(userID))
}

// SetCurrentSpeaker takes the speaker lock for a group. The write is an
// optimistic transaction: absent or held by the same user, the lock is
// (re)written with the full TTL; held by anyone else, ErrBusy. A
// concurrent winner also surfaces as ErrBusy; first write wins.
func (s *State) SetCurrentSpeaker(ctx context.Context, groupID, fromID string, ttl time.Duration) (Speaker, error) {
	key := keys.GroupCurrent(groupID)
	var speaker Speaker

	err := s.store.Watch(ctx, func(tx store.Tx) error {
		cur, err := tx.Get(ctx, key).Result()
		var turnStart int64
		switch {
		case err == nil:
			var held Speaker
			if jsonErr := json.Unmarshal([]byte(cur), &held); jsonErr == nil {
				if held.FromID != fromID {
					return ErrBusy
				}
				// A retake extends the turn, it does not restart it.
				turnStart = held.StartedAt
			}
		case !errors.Is(err, redis.Nil):
			return err
		}

		now := time.Now()
		if turnStart == 0 {
			turnStart = now.UnixMilli()
		}
		speaker = Speaker{
			FromID:    fromID,
			StartedAt: turnStart,
			ExpiresAt: now.Add(ttl).UnixMilli(),
		}
		data, err := json.Marshal(speaker)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, ttl)
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return Speaker{}, ErrBusy
	}
	if err != nil {
		return Speaker{}, err
	}
	return speaker, nil
}

// CurrentSpeaker reads the lock state for a group. The second return is
// false when no turn is active.
func (s *State) CurrentSpeaker(ctx context.Context, groupID string) (Speaker, bool, error) {
	raw, ok, err := s.store.Get(ctx, keys.GroupCurrent(groupID))
	if err != nil || !ok {
		return Speaker{}, false, err
	}
	var speaker Speaker
	if err := json.Unmarshal([]byte(raw), &speaker); err != nil {
		// A value we cannot parse is a dead lock; report it absent.
		s.logger.Warn().Str("group", groupID).Msg("unparseable speaker lock")
		return Speaker{}, false, nil
	}
	return speaker, true, nil
}

// ClearCurrentSpeaker drops a group's lock unconditionally.
func (s *State) ClearCurrentSpeaker(ctx context.Context, groupID string) error {
	return s.store.Del(ctx, keys.GroupCurrent(groupID))
}

// ReleaseCurrentSpeaker drops a group's lock only while the given user
// holds it. Releasing a lock that already moved on is a no-op.
func (s *State) ReleaseCurrentSpeaker(ctx context.Context, groupID, fromID string) error {
	speaker, ok, err := s.CurrentSpeaker(ctx, groupID)
	if err != nil {
		return err
	}
	if !ok || speaker.FromID != fromID {
		return nil
	}
	return s.ClearCurrentSpeaker(ctx, groupID)
}

// ClearCurrentSpeakerOf drops every lock the given user holds across the
// groups they belong to. Used on disconnect so a dead socket cannot hold
// a channel hostage until the lock TTL fires.
func (s *State) ClearCurrentSpeakerOf(ctx context.Context, userID string) error {
	groups, err := s.GroupsOfUser(ctx, userID)
	if err != nil {
		return err
	}
	for _, g := range groups {
		if err := s.ReleaseCurrentSpeaker(ctx, g, userID); err != nil {
			s.logger.Error().Err(err).Str("group", g).Msg("speaker release failed")
		}
	}
	return nil
}
