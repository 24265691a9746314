// Package presence keeps the online/offline directory in the shared
// store. Online is defined by key existence: presence:user:{id} exists
// with a TTL iff the user is online. A companion meta hash without TTL
// keeps lastSeen queryable after the user goes dark.
package presence

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/voiceping/router/src/keys"
	"github.com/voiceping/router/src/store"
)

// Status values used in meta hashes, publications, and bulk replies.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Device carries the connection attributes recorded on an online
// transition.
type Device struct {
	DeviceID string
	Role     string
}

// Update is the transition message published on the presence channels.
type Update struct {
	Type      string `json:"type"`
	UserID    string `json:"userId"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
	LastSeen  int64  `json:"lastSeen,omitempty"`
	DeviceID  string `json:"deviceId,omitempty"`
	Origin    string `json:"origin,omitempty"`
}

// UserStatus is one row of a bulk presence query.
type UserStatus struct {
	UserID   string `json:"userId"`
	Status   string `json:"status"`
	LastSeen int64  `json:"lastSeen"`
	DeviceID string `json:"deviceId,omitempty"`
	Role     string `json:"role,omitempty"`
}

// Snapshot is the full directory dump sent to dashboards on connect.
type Snapshot struct {
	Users       []UserStatus `json:"users"`
	TotalOnline int          `json:"totalOnline"`
	Timestamp   int64        `json:"timestamp"`
}

// Mirror receives every online/offline transition for propagation to an
// external user record store. Implementations must never block.
type Mirror interface {
	Submit(u Update)
}

// Listener observes presence pub/sub traffic. channel is the store
// channel the message arrived on; a transition published to both its
// direction channel and the updates channel is delivered once per
// channel, so listeners must be idempotent.
type Listener func(channel string, u Update)

// Manager is the process-wide presence authority. The state of record is
// the store; Manager instances on different routers converge through
// pub/sub and key expiry.
type Manager struct {
	store    *store.Store
	ttl      time.Duration
	enabled  bool
	mirror   Mirror
	logger   zerolog.Logger
	instance string

	mu        sync.RWMutex
	listeners []Listener

	events *redis.PubSub
	expiry *redis.PubSub
	wg     sync.WaitGroup
}

// Config tunes the presence manager.
type Config struct {
	Enabled bool
	TTL     time.Duration
}

// New creates a presence manager. The mirror may not be nil; pass a
// NoopMirror when status mirroring is disabled.
func New(st *store.Store, cfg Config, mirror Mirror, logger zerolog.Logger) *Manager {
	return &Manager{
		store:    st,
		ttl:      cfg.TTL,
		enabled:  cfg.Enabled,
		mirror:   mirror,
		instance: uuid.New().String(),
		logger:   logger.With().Str("component", "presence").Logger(),
	}
}

// InstanceID identifies this router in publications.
func (m *Manager) InstanceID() string { return m.instance }

// SetUserOnline marks a user online: the presence key is written with the
// configured TTL and the meta hash records the device. The transition is
// published only after the store acknowledges the write.
func (m *Manager) SetUserOnline(ctx context.Context, userID string, dev Device) error {
	if !m.enabled || userID == "" {
		return nil
	}
	now := time.Now().UnixMilli()

	err := m.store.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, keys.Presence(userID), dev.DeviceID, m.ttl)
		pipe.HSet(ctx, keys.PresenceMeta(userID), map[string]any{
			"status":   StatusOnline,
			"lastSeen": now,
			"deviceId": dev.DeviceID,
			"role":     dev.Role,
		})
		return nil
	})
	if err != nil {
		m.logger.Error().Err(err).Str("user", userID).Msg("online write failed")
		return err
	}

	u := Update{
		Type:      "presence_update",
		UserID:    userID,
		Status:    StatusOnline,
		Timestamp: now,
		LastSeen:  now,
		DeviceID:  dev.DeviceID,
		Origin:    m.instance,
	}
	m.publish(ctx, keys.ChannelOnline, u)
	m.mirror.Submit(u)
	m.logger.Info().Str("user", userID).Str("device", dev.DeviceID).Str("role", dev.Role).Msg("user online")
	return nil
}

// RefreshHeartbeat extends the presence TTL and bumps lastSeen. If the
// key already expired the call degrades to a no-op: a silent user is not
// resurrected, the expiry path owns that transition. Never publishes.
func (m *Manager) RefreshHeartbeat(ctx context.Context, userID string) error {
	if !m.enabled || userID == "" {
		return nil
	}
	alive, err := m.store.Expire(ctx, keys.Presence(userID), m.ttl)
	if err != nil {
		m.logger.Error().Err(err).Str("user", userID).Msg("heartbeat refresh failed")
		return err
	}
	if !alive {
		m.logger.Debug().Str("user", userID).Msg("heartbeat for expired presence ignored")
		return nil
	}
	return m.store.HSet(ctx, keys.PresenceMeta(userID), map[string]any{
		"lastSeen": time.Now().UnixMilli(),
	})
}

// SetUserOffline removes the presence key and flips the meta status. The
// meta hash survives so lastSeen remains queryable. Publishing a
// duplicate offline for an already-offline user is allowed; subscribers
// treat transitions idempotently.
func (m *Manager) SetUserOffline(ctx context.Context, userID string) error {
	if !m.enabled || userID == "" {
		return nil
	}
	now := time.Now().UnixMilli()

	err := m.store.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys.Presence(userID))
		pipe.HSet(ctx, keys.PresenceMeta(userID), map[string]any{
			"status":   StatusOffline,
			"lastSeen": now,
		})
		return nil
	})
	if err != nil {
		m.logger.Error().Err(err).Str("user", userID).Msg("offline write failed")
		return err
	}

	u := Update{
		Type:      "presence_update",
		UserID:    userID,
		Status:    StatusOffline,
		Timestamp: now,
		LastSeen:  now,
		Origin:    m.instance,
	}
	m.publish(ctx, keys.ChannelOffline, u)
	m.mirror.Submit(u)
	m.logger.Info().Str("user", userID).Msg("user offline")
	return nil
}

// BulkStatus answers a presence query for many users in one pipeline:
// an existence check plus a meta read per user.
func (m *Manager) BulkStatus(ctx context.Context, userIDs []string) ([]UserStatus, error) {
	existsCmds := make([]*redis.IntCmd, len(userIDs))
	metaCmds := make([]*redis.MapStringStringCmd, len(userIDs))

	_, err := m.store.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range userIDs {
			existsCmds[i] = pipe.Exists(ctx, keys.Presence(id))
			metaCmds[i] = pipe.HGetAll(ctx, keys.PresenceMeta(id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]UserStatus, len(userIDs))
	for i, id := range userIDs {
		out[i] = deriveStatus(id, existsCmds[i].Val() > 0, metaCmds[i].Val())
	}
	return out, nil
}

// deriveStatus folds the existence bit and the meta hash into one row.
// Existence wins: a user whose presence key lives is online even when an
// in-flight offline write has not landed in meta yet.
func deriveStatus(userID string, exists bool, meta map[string]string) UserStatus {
	st := UserStatus{UserID: userID, Status: StatusOffline}
	if exists {
		st.Status = StatusOnline
	}
	if len(meta) == 0 {
		return st
	}
	if v, err := strconv.ParseInt(meta["lastSeen"], 10, 64); err == nil {
		st.LastSeen = v
	}
	st.DeviceID = meta["deviceId"]
	st.Role = meta["role"]
	return st
}

// Snapshot enumerates every live presence key and bulks the meta for the
// ids found. Used for the dashboard's initial dump.
func (m *Manager) Snapshot(ctx context.Context) (Snapshot, error) {
	var ids []string
	var cursor uint64
	for {
		page, next, err := m.store.Scan(ctx, cursor, keys.PresencePattern(), 1000)
		if err != nil {
			return Snapshot{}, err
		}
		for _, key := range page {
			if id, ok := keys.UserFromPresence(key); ok {
				ids = append(ids, id)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	snap := Snapshot{Timestamp: time.Now().UnixMilli(), Users: []UserStatus{}}
	if len(ids) == 0 {
		return snap, nil
	}
	users, err := m.BulkStatus(ctx, ids)
	if err != nil {
		return Snapshot{}, err
	}
	snap.Users = users
	for _, u := range users {
		if u.Status == StatusOnline {
			snap.TotalOnline++
		}
	}
	return snap, nil
}

// OnPresenceChange registers a listener for presence pub/sub traffic.
// Registration is not synchronized with delivery: register before Start.
func (m *Manager) OnPresenceChange(cb Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, cb)
}

// publish fans a transition to its direction channel and the combined
// updates channel. Publish failures are swallowed: presence degrades,
// PTT keeps running.
func (m *Manager) publish(ctx context.Context, directionChannel string, u Update) {
	data, err := json.Marshal(u)
	if err != nil {
		m.logger.Error().Err(err).Msg("presence update marshal failed")
		return
	}
	for _, ch := range []string{directionChannel, keys.ChannelUpdates} {
		if err := m.store.Publish(ctx, ch, data); err != nil {
			m.logger.Error().Err(err).Str("channel", ch).Msg("presence publish failed")
		}
	}
}

func (m *Manager) dispatch(channel string, u Update) {
	m.mu.RLock()
	cbs := make([]Listener, len(m.listeners))
	copy(cbs, m.listeners)
	m.mu.RUnlock()
	for _, cb := range cbs {
		cb(channel, u)
	}
}
