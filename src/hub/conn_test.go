package hub

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/fasthttp/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voiceping/router/src/wire"
)

func TestPingAnsweredWithUserIDPong(t *testing.T) {
	h := newTestHub(t, &fakePresence{}, newFakeGroups(), Options{})
	ws := newMockSocket()
	c := newConnection(ws, h, "k1", "alice", "D1", RoleMobile)

	require.NoError(t, c.onPing(""))

	controls := ws.sentControls()
	require.Len(t, controls, 1)
	assert.Equal(t, websocket.PongMessage, controls[0].kind)
	assert.Equal(t, "alice", string(controls[0].data))
}

func TestPongRefreshesMobilePresenceOnly(t *testing.T) {
	pres := &fakePresence{}
	h := newTestHub(t, pres, newFakeGroups(), Options{})

	mobile := newConnection(newMockSocket(), h, "k1", "alice", "D1", RoleMobile)
	require.NoError(t, mobile.onPong(""))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"alice"}, pres.refreshedUsers())

	dash := newConnection(newMockSocket(), h, "k2", "ops", "D2", RoleDashboard)
	require.NoError(t, dash.onPong(""))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"alice"}, pres.refreshedUsers())
}

func TestMalformedInboundFrameIsDropped(t *testing.T) {
	pres := &fakePresence{}
	h := newTestHub(t, pres, newFakeGroups(), Options{})
	ws := serveSocket(t, h, "alice", "k1", RoleMobile)

	// Garbage must not kill the read loop.
	ws.readCh <- []byte{0x01, 0x02, 0x03}
	ws.push(t, wire.Frame{
		ChannelType: wire.ChannelPrivate,
		MessageType: wire.TypeHeartbeat,
		FromID:      "alice",
		ToID:        wire.ToBroadcast,
	})
	time.Sleep(50 * time.Millisecond)

	assert.True(t, h.IsConnected("alice"))
	assert.Equal(t, []string{"alice"}, pres.refreshedUsers())
}

func TestSendDropsWhenBufferFull(t *testing.T) {
	h := newTestHub(t, &fakePresence{}, newFakeGroups(), Options{})
	// No writeLoop: nothing drains the buffer.
	c := newConnection(newMockSocket(), h, "k1", "alice", "D1", RoleMobile)

	for i := 0; i < sendBufferSize+10; i++ {
		c.Send([]byte{byte(i)})
	}

	// Overflow is dropped, never blocked on.
	assert.Len(t, c.send, sendBufferSize)
}

func TestSendAfterCloseIsNoOp(t *testing.T) {
	h := newTestHub(t, &fakePresence{}, newFakeGroups(), Options{})
	ws := newMockSocket()
	c := newConnection(ws, h, "k1", "alice", "D1", RoleMobile)

	c.Close()
	c.Close()
	c.Send([]byte{0x01})

	assert.True(t, ws.isClosed())
	assert.Empty(t, c.send)
}

func TestUnansweredPingsCloseTheSocket(t *testing.T) {
	pres := &fakePresence{}
	h := newTestHub(t, pres, newFakeGroups(), Options{PingEvery: 30 * time.Millisecond})

	// The peer never sends a frame and never answers a ping. A half-open
	// socket keeps accepting writes, so only the pong silence can end it.
	ws := serveSocket(t, h, "alice", "k1", RoleMobile)
	require.True(t, h.IsConnected("alice"))

	time.Sleep(250 * time.Millisecond)

	assert.True(t, ws.isClosed())
	assert.False(t, h.IsConnected("alice"))
	assert.Equal(t, []string{"alice"}, pres.offlineUsers())
}

func TestPongsKeepQuietPeerAlive(t *testing.T) {
	h := newTestHub(t, &fakePresence{}, newFakeGroups(), Options{PingEvery: 60 * time.Millisecond})

	ws := serveSocket(t, h, "alice", "k1", RoleMobile)
	c := h.connOf("alice")
	require.NotNil(t, c)

	// A dashboard-grade peer sends no data frames at all; its pongs alone
	// must keep the socket open across several ping intervals.
	deadline := time.Now().Add(250 * time.Millisecond)
	for time.Now().Before(deadline) {
		require.NoError(t, c.onPong(""))
		time.Sleep(15 * time.Millisecond)
	}

	assert.False(t, ws.isClosed())
	assert.True(t, h.IsConnected("alice"))
}

func TestTruncateUTF8(t *testing.T) {
	short := truncateUTF8("alice", maxControlPayload)
	assert.Equal(t, "alice", string(short))

	ascii := strings.Repeat("a", 200)
	cut := truncateUTF8(ascii, maxControlPayload)
	assert.Len(t, cut, maxControlPayload)

	// Multi-byte runes are never split.
	wide := strings.Repeat("界", 60)
	cut = truncateUTF8(wide, maxControlPayload)
	assert.LessOrEqual(t, len(cut), maxControlPayload)
	assert.True(t, utf8.Valid(cut))
	assert.True(t, strings.HasPrefix(wide, string(cut)))
}
