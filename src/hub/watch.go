package hub

import (
	"time"

	"github.com/voiceping/router/src/group"
)

// watchTick is how often an armed speaker watch looks at the clock.
const watchTick = time.Second

// speakerWatch enforces the idle and turn caps on a speaker lock this
// instance granted. Only the lock is released; the socket itself is
// never closed for going quiet.
type speakerWatch struct {
	groupID string
	conn    *Connection
	started time.Time
	stop    chan struct{}
}

// armSpeakerWatch starts the watch for a group's speaker, or keeps the
// existing one on a retake so the turn cap is measured from the first
// grant.
func (h *Hub) armSpeakerWatch(groupID string, c *Connection, sp group.Speaker) {
	h.mu.Lock()
	if w, ok := h.watches[groupID]; ok {
		if w.conn == c {
			h.mu.Unlock()
			return
		}
		// The lock changed hands, likely after a TTL expiry.
		close(w.stop)
	}
	w := &speakerWatch{
		groupID: groupID,
		conn:    c,
		started: time.UnixMilli(sp.StartedAt),
		stop:    make(chan struct{}),
	}
	h.watches[groupID] = w
	h.mu.Unlock()

	go h.runSpeakerWatch(w)
}

func (h *Hub) runSpeakerWatch(w *speakerWatch) {
	ticker := time.NewTicker(watchTick)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			idle := time.Since(w.conn.LastActivity())
			turn := time.Since(w.started)
			if idle <= h.opts.MaxIdle && turn <= h.opts.MaxTurn {
				continue
			}
			h.releaseSpeaker(w, idle, turn)
			return
		}
	}
}

// releaseSpeaker forgets the watch and frees the store lock, provided
// the watched user still holds it.
func (h *Hub) releaseSpeaker(w *speakerWatch, idle, turn time.Duration) {
	h.mu.Lock()
	if h.watches[w.groupID] == w {
		delete(h.watches, w.groupID)
	}
	h.mu.Unlock()

	ctx, cancel := h.opCtx()
	defer cancel()
	if err := h.groups.ReleaseCurrentSpeaker(ctx, w.groupID, w.conn.UID); err != nil {
		h.logger.Warn().Err(err).Str("group", w.groupID).Msg("speaker release failed")
		return
	}
	h.logger.Info().Str("group", w.groupID).Str("user", w.conn.UID).
		Dur("idle", idle).Dur("turn", turn).Msg("speaker lock released")
}

// dropWatchesOf stops every watch held by a closing connection. The
// store-side locks are cleared by the disconnect cascade.
func (h *Hub) dropWatchesOf(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for gid, w := range h.watches {
		if w.conn == c {
			close(w.stop)
			delete(h.watches, gid)
		}
	}
}
