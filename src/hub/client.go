package hub

import (
	"time"

	"github.com/voiceping/router/src/wire"
)

// Client is a user's connection slot on this instance. A user holds at
// most one live connection per router; a newer login displaces the
// older one.
type Client struct {
	UID         string
	ConnectedAt time.Time
	conn        *Connection
}

// RegisterSocket adopts a connection as the user's current one.
// Re-registering the same handshake key is a no-op. A different key
// displaces the previous connection: it receives LOGIN_DUPLICATED and is
// closed, and its eventual close does not cascade.
func (h *Hub) RegisterSocket(c *Connection) {
	h.mu.Lock()
	cl, ok := h.clients[c.UID]
	if !ok {
		cl = &Client{UID: c.UID, ConnectedAt: time.Now()}
		h.clients[c.UID] = cl
	}
	if cl.conn != nil && cl.conn.Key == c.Key {
		h.mu.Unlock()
		return
	}
	old := cl.conn
	cl.conn = c
	cbs := h.onConnect
	h.mu.Unlock()

	if old != nil {
		h.logger.Info().Str("user", c.UID).Str("displaced", old.Key).Str("adopted", c.Key).
			Msg("duplicate login, displacing previous connection")
		old.closeWithFrame(wire.Frame{
			ChannelType: wire.ChannelPrivate,
			MessageType: wire.TypeLoginDuplicated,
			FromID:      wire.ToBroadcast,
			ToID:        c.UID,
		})
	} else {
		h.logger.Info().Str("user", c.UID).Str("device", c.DeviceID).Str("role", c.Role).Msg("connection registered")
	}

	for _, cb := range cbs {
		cb(c.UID)
	}
}

// onConnClosed runs when a connection's read loop exits. Only the
// current connection for the user triggers the offline cascade; a
// displaced socket closing late must not tear down its successor's
// state.
func (h *Hub) onConnClosed(c *Connection) {
	h.removeDashboard(c)
	h.dropWatchesOf(c)

	h.mu.Lock()
	cl, ok := h.clients[c.UID]
	if !ok || cl.conn == nil || cl.conn.Key != c.Key {
		h.mu.Unlock()
		h.logger.Debug().Str("user", c.UID).Str("key", c.Key).Msg("stale connection closed")
		return
	}
	delete(h.clients, c.UID)
	cbs := h.onDisconn
	h.mu.Unlock()

	h.logger.Info().Str("user", c.UID).Str("key", c.Key).Msg("connection unregistered")

	go func() {
		ctx, cancel := h.opCtx()
		defer cancel()
		if err := h.groups.ClearCurrentSpeakerOf(ctx, c.UID); err != nil {
			h.logger.Warn().Err(err).Str("user", c.UID).Msg("speaker lock cleanup failed")
		}
		if c.Role != RoleDashboard {
			if err := h.presence.SetUserOffline(ctx, c.UID); err != nil {
				h.logger.Warn().Err(err).Str("user", c.UID).Msg("offline transition failed")
			}
		}
	}()

	for _, cb := range cbs {
		cb(c.UID)
	}
}

// connOf returns the user's current connection, or nil.
func (h *Hub) connOf(uid string) *Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if cl, ok := h.clients[uid]; ok {
		return cl.conn
	}
	return nil
}
