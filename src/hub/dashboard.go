package hub

import (
	"encoding/json"

	"github.com/voiceping/router/src/presence"
	"github.com/voiceping/router/src/wire"
)

// addDashboard puts a dashboard connection in the broadcast set. The set
// is keyed by handshake key: it tracks sockets, not users, so a displaced
// dashboard drops out without touching its successor's entry.
func (h *Hub) addDashboard(c *Connection) {
	h.mu.Lock()
	h.dashboards[c.Key] = c
	h.mu.Unlock()
	h.logger.Info().Str("user", c.UID).Str("key", c.Key).Msg("dashboard attached")
}

func (h *Hub) removeDashboard(c *Connection) {
	if c.Role != RoleDashboard {
		return
	}
	h.mu.Lock()
	delete(h.dashboards, c.Key)
	h.mu.Unlock()
}

// fanOutToDashboards turns one presence transition into a
// PRESENCE_UPDATE frame on every open dashboard socket.
func (h *Hub) fanOutToDashboards(u presence.Update) {
	payload, err := json.Marshal(u)
	if err != nil {
		h.logger.Error().Err(err).Msg("presence update marshal failed")
		return
	}
	data, err := wire.Encode(wire.Frame{
		ChannelType: wire.ChannelPrivate,
		MessageType: wire.TypePresenceUpdate,
		FromID:      wire.ToBroadcast,
		ToID:        wire.ToBroadcast,
		Payload:     payload,
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("presence frame encode failed")
		return
	}

	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.dashboards))
	for _, c := range h.dashboards {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.Send(data)
	}
}

// sendSnapshot delivers the full presence directory to one dashboard.
func (h *Hub) sendSnapshot(c *Connection) {
	ctx, cancel := h.opCtx()
	defer cancel()

	snap, err := h.presence.Snapshot(ctx)
	if err != nil {
		h.logger.Warn().Err(err).Str("user", c.UID).Msg("presence snapshot failed")
		return
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		h.logger.Error().Err(err).Msg("snapshot marshal failed")
		return
	}
	c.SendFrame(wire.Frame{
		ChannelType: wire.ChannelPrivate,
		MessageType: wire.TypePresenceSnap,
		FromID:      wire.ToBroadcast,
		ToID:        c.UID,
		Payload:     payload,
	})
	h.logger.Debug().Str("user", c.UID).Int("users", len(snap.Users)).Msg("snapshot sent")
}
