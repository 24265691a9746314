package hub

import (
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"

	"github.com/voiceping/router/src/wire"
)

const (
	writeWait = 10 * time.Second
	// closeGrace bounds how long a displaced connection gets to flush its
	// final frame before the socket is cut.
	closeGrace = 250 * time.Millisecond
	// maxControlPayload is the RFC 6455 limit for control frame payloads.
	maxControlPayload = 125
	// pongMisses is how many consecutive unanswered ping intervals a peer
	// may stay silent before the socket is declared dead. A half-open
	// connection keeps absorbing pings without erroring the write side;
	// only the missing pongs give it away.
	pongMisses = 2

	sendBufferSize = 256
)

// Conn abstracts the WebSocket connection for testability.
// *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPingHandler(h func(appData string) error)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Connection wraps one WebSocket with its resolved identity and manages
// message flow. Outbound frames go through a buffered send channel
// drained by writeLoop; inbound frames are decoded in readLoop and handed
// to the hub. Every piece of inbound traffic, control frames included,
// bumps the activity clock read by the speaker watch and by writeLoop's
// pong deadline.
type Connection struct {
	Key      string // handshake key, unique per socket
	UID      string
	DeviceID string
	Role     string

	conn      Conn
	hub       *Hub
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	lastActivity atomic.Int64 // unix ms
	pingEvery    time.Duration
	logger       zerolog.Logger
}

func newConnection(conn Conn, h *Hub, key, uid, deviceID, role string) *Connection {
	c := &Connection{
		Key:       key,
		UID:       uid,
		DeviceID:  deviceID,
		Role:      role,
		conn:      conn,
		hub:       h,
		send:      make(chan []byte, sendBufferSize),
		done:      make(chan struct{}),
		pingEvery: h.opts.PingEvery,
		logger:    h.logger.With().Str("user", uid).Str("key", key).Logger(),
	}
	c.touch()
	return c
}

// LastActivity reports when the peer was last heard from, on any frame
// type.
func (c *Connection) LastActivity() time.Time {
	return time.UnixMilli(c.lastActivity.Load())
}

func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixMilli())
}

// Send queues raw bytes for delivery. Frames are dropped when the
// connection is closing or the peer cannot drain its buffer; a slow
// consumer must not stall the router.
func (c *Connection) Send(data []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		c.logger.Warn().Msg("send buffer full, frame dropped")
	}
}

// SendFrame encodes and queues a frame.
func (c *Connection) SendFrame(f wire.Frame) {
	data, err := wire.Encode(f)
	if err != nil {
		c.logger.Error().Err(err).Int("messageType", f.MessageType).Msg("frame encode failed")
		return
	}
	c.Send(data)
}

// Close tears the connection down. Idempotent; safe from any goroutine.
// The hub learns about the closure exactly once, through readLoop's exit.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// closeWithFrame queues a final frame, then closes after a short grace
// period whether or not the peer drained it.
func (c *Connection) closeWithFrame(f wire.Frame) {
	data, err := wire.Encode(f)
	if err == nil {
		select {
		case c.send <- data:
		default:
		}
	}
	time.AfterFunc(closeGrace, c.Close)
}

// readLoop pumps inbound traffic until the socket dies, then notifies
// the hub. Binary frames are decoded and dispatched; text frames are
// tolerated and ignored; malformed frames are dropped without killing
// the connection.
func (c *Connection) readLoop() {
	defer func() {
		c.Close()
		c.hub.onConnClosed(c)
	}()

	c.conn.SetPingHandler(c.onPing)
	c.conn.SetPongHandler(c.onPong)

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			c.logger.Debug().Err(err).Msg("read loop ended")
			return
		}
		c.touch()
		if msgType != websocket.BinaryMessage {
			c.logger.Debug().Int("type", msgType).Msg("non-binary message ignored")
			continue
		}
		frame, err := wire.Decode(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("malformed frame dropped")
			continue
		}
		c.hub.dispatch(c, frame, data)
	}
}

// writeLoop drains the send channel and pings the peer on the configured
// interval. A failed write ends the connection, and so does a peer that
// stops answering: when nothing has been heard for pongMisses intervals,
// the socket is cut and readLoop's exit runs the usual teardown.
func (c *Connection) writeLoop() {
	ticker := time.NewTicker(c.pingEvery)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				c.logger.Debug().Err(err).Msg("write failed")
				return
			}
		case <-ticker.C:
			if idle := time.Since(c.LastActivity()); idle > time.Duration(pongMisses)*c.pingEvery {
				c.logger.Warn().Dur("idle", idle).Msg("peer silent past pong deadline, closing")
				return
			}
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Debug().Err(err).Msg("ping failed")
				return
			}
		case <-c.done:
			return
		}
	}
}

// onPing answers a client ping with a pong carrying the resolved user id,
// so clients can verify which identity the router pinned to the socket.
func (c *Connection) onPing(string) error {
	c.touch()
	return c.conn.WriteControl(websocket.PongMessage, truncateUTF8(c.UID, maxControlPayload), time.Now().Add(writeWait))
}

// onPong records liveness and lets the hub refresh presence.
func (c *Connection) onPong(string) error {
	c.touch()
	c.hub.onPong(c)
	return nil
}

// truncateUTF8 cuts s to at most max bytes without splitting a rune.
func truncateUTF8(s string, max int) []byte {
	if len(s) <= max {
		return []byte(s)
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return []byte(s[:cut])
}
