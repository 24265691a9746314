// Package store wraps the shared in-memory store client. Commands and
// pub/sub subscriptions run on disjoint connections as the store protocol
// requires: the command client never subscribes, and every Subscribe call
// owns a dedicated connection managed by the driver.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Config locates the store and tunes retry behavior.
type Config struct {
	Addr     string
	Password string
}

// Store is the process-wide client for the shared store. One instance is
// constructed at startup and passed by reference to every component that
// needs cross-instance state.
type Store struct {
	cmd    *redis.Client
	logger zerolog.Logger
}

// New creates a store client. Connection loss is retried with exponential
// backoff by the driver; subscriptions re-establish themselves on
// reconnect.
func New(cfg Config, logger zerolog.Logger) *Store {
	cmd := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              0,
		MaxRetries:      5,
		MinRetryBackoff: 100 * time.Millisecond,
		MaxRetryBackoff: 3 * time.Second,
	})
	return &Store{
		cmd:    cmd,
		logger: logger.With().Str("component", "store").Logger(),
	}
}

// Ping verifies the command connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.cmd.Ping(ctx).Err()
}

// Close releases the command connection pool. PubSub handles returned by
// Subscribe are closed by their owners.
func (s *Store) Close() error {
	return s.cmd.Close()
}

// EnableKeyspaceEvents turns on expired-key notifications for DB 0. On
// failure the router keeps running: expiry-driven offline transitions are
// disabled and the condition is logged here.
func (s *Store) EnableKeyspaceEvents(ctx context.Context) error {
	if err := s.cmd.ConfigSet(ctx, "notify-keyspace-events", "Ex").Err(); err != nil {
		s.logger.Warn().Err(err).Msg("keyspace events unavailable, silent sockets will only go offline on disconnect")
		return fmt.Errorf("store: enable keyspace events: %w", err)
	}
	return nil
}

// Set writes a string value, with a TTL when ttl > 0.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.cmd.Set(ctx, key, value, ttl).Err()
}

// Get reads a string value. The second return is false when the key does
// not exist.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.cmd.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Del removes keys.
func (s *Store) Del(ctx context.Context, keys ...string) error {
	return s.cmd.Del(ctx, keys...).Err()
}

// Exists reports whether a key currently exists.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.cmd.Exists(ctx, key).Result()
	return n > 0, err
}

// Expire resets a key's TTL. Returns false without error when the key is
// already gone, which callers use for expire-or-no-op semantics.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.cmd.Expire(ctx, key, ttl).Result()
}

// HSet writes hash fields.
func (s *Store) HSet(ctx context.Context, key string, fields map[string]any) error {
	return s.cmd.HSet(ctx, key, fields).Err()
}

// HGetAll reads a whole hash; missing keys come back as an empty map.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.cmd.HGetAll(ctx, key).Result()
}

// SAdd adds members to a set.
func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.cmd.SAdd(ctx, key, args...).Err()
}

// SRem removes members from a set.
func (s *Store) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.cmd.SRem(ctx, key, args...).Err()
}

// SMembers lists a set.
func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	return s.cmd.SMembers(ctx, key).Result()
}

// SCard returns a set's cardinality.
func (s *Store) SCard(ctx context.Context, key string) (int64, error) {
	return s.cmd.SCard(ctx, key).Result()
}

// Scan walks keys matching a pattern, one bounded page per call.
func (s *Store) Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	return s.cmd.Scan(ctx, cursor, match, count).Result()
}

// Publish sends a payload on a pub/sub channel.
func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	return s.cmd.Publish(ctx, channel, payload).Err()
}

// TxPipelined queues commands and executes them atomically.
func (s *Store) TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) error {
	_, err := s.cmd.TxPipelined(ctx, fn)
	return err
}

// Pipelined executes commands in one round trip without transactionality.
func (s *Store) Pipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error) {
	return s.cmd.Pipelined(ctx, fn)
}

// Tx is the view of a watched transaction handed to Watch callbacks.
// *redis.Tx satisfies it; reads go through Get, writes queue behind
// TxPipelined and are discarded when the watch is broken.
type Tx interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error)
}

// Watch runs an optimistic transaction over the given keys: fn observes
// them, queues writes with MULTI, and the write set is discarded if any
// watched key changed underneath. A lost race surfaces as
// redis.TxFailedErr.
func (s *Store) Watch(ctx context.Context, fn func(Tx) error, watchKeys ...string) error {
	return s.cmd.Watch(ctx, func(tx *redis.Tx) error { return fn(tx) }, watchKeys...)
}

// Subscribe opens a dedicated subscriber connection for the named
// channels. The caller owns the returned handle and must Close it.
func (s *Store) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return s.cmd.Subscribe(ctx, channels...)
}
