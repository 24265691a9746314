package hub

import (
	"encoding/json"
	"errors"

	"github.com/voiceping/router/src/group"
	"github.com/voiceping/router/src/wire"
)

// dispatch routes one inbound frame. raw is the original encoded buffer;
// forwarded frames reuse it so relaying never re-encodes.
func (h *Hub) dispatch(c *Connection, f wire.Frame, raw []byte) {
	switch {
	case f.MessageType == wire.TypeHeartbeat:
		h.handleHeartbeat(c, f)
	case f.IsGroup():
		h.routeGroup(c, f, raw)
	default:
		h.routePrivate(c, f, raw)
	}
}

// handleHeartbeat refreshes the sender's presence TTL. Dashboards carry
// no TTL; their heartbeat may instead ask for a fresh directory dump.
func (h *Hub) handleHeartbeat(c *Connection, f wire.Frame) {
	if c.Role == RoleDashboard {
		if wantsSnapshot(f.Payload) {
			go h.sendSnapshot(c)
		}
		return
	}
	go func() {
		ctx, cancel := h.opCtx()
		defer cancel()
		if err := h.presence.RefreshHeartbeat(ctx, f.FromID); err != nil {
			h.logger.Warn().Err(err).Str("user", f.FromID).Msg("heartbeat refresh failed")
		}
	}()
}

func wantsSnapshot(payload []byte) bool {
	if len(payload) == 0 {
		return false
	}
	var req struct {
		Snapshot bool `json:"snapshot"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return false
	}
	return req.Snapshot
}

// routePrivate forwards a frame to the recipient's connection on this
// instance. Unknown or non-resident recipients are a silent drop.
// Private TEXT is acknowledged to the sender with the original payload
// echoed back, so clients can correlate and clear retry queues.
func (h *Hub) routePrivate(c *Connection, f wire.Frame, raw []byte) {
	if target := h.connOf(f.ToID); target != nil {
		target.Send(raw)
	} else {
		h.logger.Debug().Str("to", f.ToID).Int("messageType", f.MessageType).Msg("recipient not resident, frame dropped")
	}

	if f.MessageType == wire.TypeText {
		c.SendFrame(wire.Frame{
			ChannelType: wire.ChannelPrivate,
			MessageType: wire.TypeAck,
			FromID:      f.ToID,
			ToID:        f.FromID,
			Payload:     f.Payload,
		})
	}
}

// routeGroup handles group traffic: audio goes through speaker
// admission, REGISTER frames mutate membership, device registrations
// are logged, and everything else fans out to the resident members.
func (h *Hub) routeGroup(c *Connection, f wire.Frame, raw []byte) {
	switch f.MessageType {
	case wire.TypeConnection:
		// Legacy clients announce device tokens on the group channel.
		// Nothing to route.
		h.logger.Debug().Str("from", f.FromID).Msg("device registration frame")
	case wire.TypeRegister:
		h.handleMembership(f)
	case wire.TypeAudio:
		if !h.admitSpeaker(c, f) {
			return
		}
		h.fanOutGroup(f, raw)
	default:
		h.fanOutGroup(f, raw)
	}
}

// admitSpeaker takes or refreshes the group's speaker lock for the
// sender. A lock held by someone else drops the audio; busy channels
// surface to clients only as lock state, never as an error frame. Store
// trouble fails open: the frame still fans out, and a truly dead store
// empties the member lookup anyway.
func (h *Hub) admitSpeaker(c *Connection, f wire.Frame) bool {
	ctx, cancel := h.opCtx()
	defer cancel()

	speaker, err := h.groups.SetCurrentSpeaker(ctx, f.ToID, f.FromID, h.opts.BusyTimeout)
	if errors.Is(err, group.ErrBusy) {
		h.logger.Debug().Str("group", f.ToID).Str("from", f.FromID).Msg("channel busy, audio dropped")
		return false
	}
	if err != nil {
		h.logger.Warn().Err(err).Str("group", f.ToID).Msg("speaker admission errored, failing open")
		return true
	}
	h.armSpeakerWatch(f.ToID, c, speaker)
	return true
}

// fanOutGroup delivers raw to every resident member of the group except
// the sender, unless echo is enabled.
func (h *Hub) fanOutGroup(f wire.Frame, raw []byte) {
	ctx, cancel := h.opCtx()
	defer cancel()

	members, err := h.groups.UsersInsideGroup(ctx, f.ToID)
	if err != nil {
		h.logger.Warn().Err(err).Str("group", f.ToID).Msg("member lookup failed, frame dropped")
		return
	}
	for _, uid := range members {
		if uid == f.FromID && !h.opts.Echo {
			continue
		}
		if target := h.connOf(uid); target != nil {
			target.Send(raw)
		}
	}
}

// membershipRequest is the REGISTER frame payload.
type membershipRequest struct {
	Action  string `json:"action"`
	GroupID string `json:"groupId"`
}

// handleMembership applies join/leave requests carried by REGISTER
// frames. The group comes from the payload when present, else from the
// frame destination.
func (h *Hub) handleMembership(f wire.Frame) {
	var req membershipRequest
	if len(f.Payload) > 0 {
		if err := json.Unmarshal(f.Payload, &req); err != nil {
			h.logger.Warn().Err(err).Str("from", f.FromID).Msg("unreadable membership payload")
			return
		}
	}
	gid := req.GroupID
	if gid == "" {
		gid = f.ToID
	}
	if gid == "" || gid == wire.ToBroadcast {
		return
	}

	ctx, cancel := h.opCtx()
	defer cancel()

	var err error
	switch req.Action {
	case "join", "":
		err = h.groups.AddUserToGroup(ctx, f.FromID, gid)
	case "leave":
		err = h.groups.RemoveUserFromGroup(ctx, f.FromID, gid)
	default:
		h.logger.Warn().Str("action", req.Action).Str("from", f.FromID).Msg("unknown membership action")
		return
	}
	if err != nil {
		h.logger.Warn().Err(err).Str("user", f.FromID).Str("group", gid).Str("action", req.Action).Msg("membership update failed")
		return
	}
	h.logger.Info().Str("user", f.FromID).Str("group", gid).Str("action", req.Action).Msg("membership updated")
}
