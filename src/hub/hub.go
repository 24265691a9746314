// Package hub owns the live WebSocket connections of one router
// instance: the user→connection registry, the dashboard set, frame
// dispatch, and the speaker watches. Everything distributed (presence,
// group membership, speaker locks) lives in the shared store; the hub
// only caches who is connected here.
package hub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/voiceping/router/src/group"
	"github.com/voiceping/router/src/keys"
	"github.com/voiceping/router/src/presence"
)

// Connection roles negotiated at handshake.
const (
	RoleMobile    = "mobile"
	RoleDashboard = "dashboard"
)

// opTimeout bounds store operations issued from the dispatch path.
const opTimeout = 5 * time.Second

// presenceDirectory is the slice of the presence manager the hub drives.
// Defined here so tests can run the hub without a live store.
type presenceDirectory interface {
	SetUserOnline(ctx context.Context, userID string, dev presence.Device) error
	SetUserOffline(ctx context.Context, userID string) error
	RefreshHeartbeat(ctx context.Context, userID string) error
	Snapshot(ctx context.Context) (presence.Snapshot, error)
}

// groupDirectory is the slice of group state the hub drives.
type groupDirectory interface {
	AddUserToGroup(ctx context.Context, userID, groupID string) error
	RemoveUserFromGroup(ctx context.Context, userID, groupID string) error
	UsersInsideGroup(ctx context.Context, groupID string) ([]string, error)
	SetCurrentSpeaker(ctx context.Context, groupID, fromID string, ttl time.Duration) (group.Speaker, error)
	ReleaseCurrentSpeaker(ctx context.Context, groupID, fromID string) error
	ClearCurrentSpeakerOf(ctx context.Context, userID string) error
}

// Options tunes routing behavior.
type Options struct {
	// Echo delivers group frames back to their sender.
	Echo bool
	// BusyTimeout is the speaker lock TTL.
	BusyTimeout time.Duration
	// MaxTurn caps one uninterrupted speaker turn.
	MaxTurn time.Duration
	// MaxIdle releases the lock of a speaker gone silent.
	MaxIdle time.Duration
	// PingEvery is the router→client ping interval.
	PingEvery time.Duration
}

// Hub routes frames between the connections of this instance.
type Hub struct {
	clients    map[string]*Client     // uid -> connection slot
	dashboards map[string]*Connection // handshake key -> dashboard socket
	watches    map[string]*speakerWatch

	presence presenceDirectory
	groups   groupDirectory
	opts     Options

	onConnect []func(uid string)
	onDisconn []func(uid string)

	draining atomic.Bool
	mu       sync.RWMutex
	logger   zerolog.Logger
}

// New creates a hub. Run is not needed; dispatch happens on the
// connections' read goroutines with the registry behind the hub lock.
func New(pres presenceDirectory, groups groupDirectory, opts Options, logger zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		dashboards: make(map[string]*Connection),
		watches:    make(map[string]*speakerWatch),
		presence:   pres,
		groups:     groups,
		opts:       opts,
		logger:     logger.With().Str("component", "hub").Logger(),
	}
}

// OnPresenceUpdate is registered as a presence listener. Only the
// combined updates channel is forwarded; the per-direction channels carry
// the same transitions and would duplicate frames on the dashboards.
func (h *Hub) OnPresenceUpdate(channel string, u presence.Update) {
	if channel != keys.ChannelUpdates {
		return
	}
	h.fanOutToDashboards(u)
}

// OnConnection registers a callback invoked after a user's connection is
// adopted.
func (h *Hub) OnConnection(cb func(uid string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onConnect = append(h.onConnect, cb)
}

// OnDisconnection registers a callback invoked after a user's current
// connection closed and the cascade ran.
func (h *Hub) OnDisconnection(cb func(uid string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDisconn = append(h.onDisconn, cb)
}

// Shutdown stops accepting upgrades and closes every live connection.
// Store state is cleaned by the per-connection close cascade.
func (h *Hub) Shutdown() {
	h.draining.Store(true)

	h.mu.Lock()
	conns := make([]*Connection, 0, len(h.clients)+len(h.dashboards))
	for _, cl := range h.clients {
		if cl.conn != nil {
			conns = append(conns, cl.conn)
		}
	}
	for _, c := range h.dashboards {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	h.logger.Info().Int("connections", len(conns)).Msg("hub shut down")
}

// opCtx builds the bounded context for store work started by dispatch.
func (h *Hub) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), opTimeout)
}

// onPong refreshes the presence TTL for mobile connections. Dashboards
// have no presence record to keep alive.
func (h *Hub) onPong(c *Connection) {
	if c.Role == RoleDashboard {
		return
	}
	go func() {
		ctx, cancel := h.opCtx()
		defer cancel()
		if err := h.presence.RefreshHeartbeat(ctx, c.UID); err != nil {
			h.logger.Warn().Err(err).Str("user", c.UID).Msg("pong heartbeat refresh failed")
		}
	}()
}
