package presence

import (
	"context"
	"encoding/json"

	"github.com/voiceping/router/src/keys"
)

// Start subscribes to the presence channels and the store's key-expiry
// channel and spawns the receive loops. Both subscriptions are confirmed
// before Start returns so callers never miss events published after it.
func (m *Manager) Start(ctx context.Context) error {
	m.events = m.store.Subscribe(ctx,
		keys.ChannelOnline,
		keys.ChannelOffline,
		keys.ChannelUpdates,
	)
	if _, err := m.events.Receive(ctx); err != nil {
		return err
	}

	m.expiry = m.store.Subscribe(ctx, keys.ChannelExpired)
	if _, err := m.expiry.Receive(ctx); err != nil {
		m.events.Close()
		return err
	}

	m.wg.Add(2)
	go m.eventLoop(ctx)
	go m.expiryLoop(ctx)
	m.logger.Info().Str("instance", m.instance).Msg("presence subscriptions started")
	return nil
}

// Close tears down the subscriptions and waits for the loops to drain.
func (m *Manager) Close() error {
	if m.events != nil {
		m.events.Close()
	}
	if m.expiry != nil {
		m.expiry.Close()
	}
	m.wg.Wait()
	return nil
}

// eventLoop forwards presence publications to registered listeners. A
// message that does not parse as an Update is dropped with a warning;
// one bad publisher must not stall the channel.
func (m *Manager) eventLoop(ctx context.Context) {
	defer m.wg.Done()
	ch := m.events.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var u Update
			if err := json.Unmarshal([]byte(msg.Payload), &u); err != nil {
				m.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("unparseable presence update dropped")
				continue
			}
			m.dispatch(msg.Channel, u)
		}
	}
}

// expiryLoop turns key-expiry notifications into offline transitions.
// The payload of an expired event is the key name; only presence keys
// are acted on, everything else on the channel is ignored.
func (m *Manager) expiryLoop(ctx context.Context) {
	defer m.wg.Done()
	ch := m.expiry.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			userID, ok := keys.UserFromPresence(msg.Payload)
			if !ok {
				continue
			}
			m.logger.Debug().Str("user", userID).Msg("presence ttl expired")
			if err := m.SetUserOffline(ctx, userID); err != nil {
				m.logger.Error().Err(err).Str("user", userID).Msg("expiry offline transition failed")
			}
		}
	}
}
