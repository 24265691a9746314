package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voiceping/router/src/group"
	"github.com/voiceping/router/src/keys"
	"github.com/voiceping/router/src/presence"
	"github.com/voiceping/router/src/wire"
)

var errSocketClosed = errors.New("socket closed")

// mockSocket implements Conn for testing without a real WebSocket.
type mockSocket struct {
	mu       sync.Mutex
	frames   [][]byte
	controls []controlMsg
	readCh   chan []byte
	closed   bool
	closedCh chan struct{}
}

type controlMsg struct {
	kind int
	data []byte
}

func newMockSocket() *mockSocket {
	return &mockSocket{
		readCh:   make(chan []byte, 16),
		closedCh: make(chan struct{}),
	}
}

func (m *mockSocket) ReadMessage() (int, []byte, error) {
	select {
	case data := <-m.readCh:
		return websocket.BinaryMessage, data, nil
	case <-m.closedCh:
		return 0, nil, errSocketClosed
	}
}

func (m *mockSocket) WriteMessage(messageType int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errSocketClosed
	}
	if messageType == websocket.BinaryMessage {
		cp := make([]byte, len(data))
		copy(cp, data)
		m.frames = append(m.frames, cp)
	}
	return nil
}

func (m *mockSocket) WriteControl(messageType int, data []byte, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errSocketClosed
	}
	m.controls = append(m.controls, controlMsg{kind: messageType, data: data})
	return nil
}

func (m *mockSocket) SetWriteDeadline(time.Time) error  { return nil }
func (m *mockSocket) SetPingHandler(func(string) error) {}
func (m *mockSocket) SetPongHandler(func(string) error) {}

func (m *mockSocket) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.closedCh)
	}
	return nil
}

func (m *mockSocket) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// push feeds an encoded frame into the socket's read side.
func (m *mockSocket) push(t *testing.T, f wire.Frame) {
	t.Helper()
	data, err := wire.Encode(f)
	require.NoError(t, err)
	m.readCh <- data
}

// sentFrames decodes every binary message the router wrote to the socket.
func (m *mockSocket) sentFrames(t *testing.T) []wire.Frame {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]wire.Frame, 0, len(m.frames))
	for _, data := range m.frames {
		f, err := wire.Decode(data)
		require.NoError(t, err)
		out = append(out, f)
	}
	return out
}

func (m *mockSocket) sentControls() []controlMsg {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]controlMsg, len(m.controls))
	copy(cp, m.controls)
	return cp
}

func framesOfType(frames []wire.Frame, messageType int) []wire.Frame {
	var out []wire.Frame
	for _, f := range frames {
		if f.MessageType == messageType {
			out = append(out, f)
		}
	}
	return out
}

// fakePresence records presence calls without a store.
type fakePresence struct {
	mu        sync.Mutex
	online    []string
	offline   []string
	refreshed []string
	snap      presence.Snapshot
	snapCalls int
}

func (f *fakePresence) SetUserOnline(_ context.Context, userID string, _ presence.Device) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online = append(f.online, userID)
	return nil
}

func (f *fakePresence) SetUserOffline(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = append(f.offline, userID)
	return nil
}

func (f *fakePresence) RefreshHeartbeat(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshed = append(f.refreshed, userID)
	return nil
}

func (f *fakePresence) Snapshot(context.Context) (presence.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapCalls++
	return f.snap, nil
}

func (f *fakePresence) onlineUsers() []string    { f.mu.Lock(); defer f.mu.Unlock(); return append([]string(nil), f.online...) }
func (f *fakePresence) offlineUsers() []string   { f.mu.Lock(); defer f.mu.Unlock(); return append([]string(nil), f.offline...) }
func (f *fakePresence) refreshedUsers() []string { f.mu.Lock(); defer f.mu.Unlock(); return append([]string(nil), f.refreshed...) }
func (f *fakePresence) snapshotCalls() int       { f.mu.Lock(); defer f.mu.Unlock(); return f.snapCalls }

// fakeGroups records group state calls without a store.
type fakeGroups struct {
	mu       sync.Mutex
	members  map[string][]string
	busy     bool
	admitted [][2]string // group, speaker
	released [][2]string
	cleared  []string
	joined   [][2]string // user, group
	left     [][2]string
}

func newFakeGroups() *fakeGroups {
	return &fakeGroups{members: make(map[string][]string)}
}

func (f *fakeGroups) AddUserToGroup(_ context.Context, userID, groupID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, [2]string{userID, groupID})
	return nil
}

func (f *fakeGroups) RemoveUserFromGroup(_ context.Context, userID, groupID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = append(f.left, [2]string{userID, groupID})
	return nil
}

func (f *fakeGroups) UsersInsideGroup(_ context.Context, groupID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.members[groupID]...), nil
}

func (f *fakeGroups) SetCurrentSpeaker(_ context.Context, groupID, fromID string, ttl time.Duration) (group.Speaker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy {
		return group.Speaker{}, group.ErrBusy
	}
	f.admitted = append(f.admitted, [2]string{groupID, fromID})
	now := time.Now()
	return group.Speaker{FromID: fromID, StartedAt: now.UnixMilli(), ExpiresAt: now.Add(ttl).UnixMilli()}, nil
}

func (f *fakeGroups) ReleaseCurrentSpeaker(_ context.Context, groupID, fromID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, [2]string{groupID, fromID})
	return nil
}

func (f *fakeGroups) ClearCurrentSpeakerOf(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, userID)
	return nil
}

func (f *fakeGroups) admittedSpeakers() [][2]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][2]string(nil), f.admitted...)
}

func (f *fakeGroups) releasedSpeakers() [][2]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][2]string(nil), f.released...)
}

func (f *fakeGroups) clearedUsers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cleared...)
}

func (f *fakeGroups) joinedPairs() [][2]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][2]string(nil), f.joined...)
}

func (f *fakeGroups) leftPairs() [][2]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][2]string(nil), f.left...)
}

func newTestHub(t *testing.T, pres *fakePresence, groups *fakeGroups, opts Options) *Hub {
	t.Helper()
	if opts.BusyTimeout == 0 {
		opts.BusyTimeout = time.Second
	}
	if opts.MaxTurn == 0 {
		opts.MaxTurn = time.Minute
	}
	if opts.MaxIdle == 0 {
		opts.MaxIdle = time.Minute
	}
	if opts.PingEvery == 0 {
		opts.PingEvery = time.Minute
	}
	h := New(pres, groups, opts, zerolog.Nop())
	t.Cleanup(h.Shutdown)
	return h
}

// serveSocket runs the full per-connection path against a mock socket.
func serveSocket(t *testing.T, h *Hub, uid, key, role string) *mockSocket {
	t.Helper()
	ws := newMockSocket()
	go h.serve(ws, key, uid, "dev-"+uid, role)
	// Allow registration to process.
	time.Sleep(30 * time.Millisecond)
	return ws
}

func TestMobileConnectGoesOnline(t *testing.T) {
	pres := &fakePresence{}
	h := newTestHub(t, pres, newFakeGroups(), Options{})

	ws := serveSocket(t, h, "alice", "k1", RoleMobile)
	time.Sleep(30 * time.Millisecond)

	frames := ws.sentFrames(t)
	require.NotEmpty(t, frames)
	assert.Equal(t, wire.TypeConnectionAck, frames[0].MessageType)
	assert.Equal(t, []string{"alice"}, pres.onlineUsers())
	assert.True(t, h.IsConnected("alice"))
}

func TestDashboardFirstFrameIsSnapshot(t *testing.T) {
	pres := &fakePresence{snap: presence.Snapshot{
		Users: []presence.UserStatus{
			{UserID: "A", Status: presence.StatusOnline},
			{UserID: "B", Status: presence.StatusOnline},
		},
		TotalOnline: 2,
		Timestamp:   time.Now().UnixMilli(),
	}}
	h := newTestHub(t, pres, newFakeGroups(), Options{})

	ws := serveSocket(t, h, "ops", "k1", RoleDashboard)
	time.Sleep(30 * time.Millisecond)

	frames := ws.sentFrames(t)
	require.NotEmpty(t, frames)
	assert.Equal(t, wire.TypePresenceSnap, frames[0].MessageType)

	var snap presence.Snapshot
	require.NoError(t, json.Unmarshal(frames[0].Payload, &snap))
	assert.Equal(t, 2, snap.TotalOnline)
	assert.Len(t, snap.Users, 2)

	// Dashboards are watchers; they never enter the presence directory.
	assert.Empty(t, pres.onlineUsers())
}

func TestDashboardReceivesPresenceUpdates(t *testing.T) {
	h := newTestHub(t, &fakePresence{}, newFakeGroups(), Options{})
	ws := serveSocket(t, h, "ops", "k1", RoleDashboard)

	update := presence.Update{Type: "presence_update", UserID: "C", Status: presence.StatusOnline}
	h.OnPresenceUpdate(keys.ChannelUpdates, update)
	// The per-direction channels carry the same transition; forwarding
	// them as well would duplicate frames on the dashboards.
	h.OnPresenceUpdate(keys.ChannelOnline, update)
	time.Sleep(30 * time.Millisecond)

	updates := framesOfType(ws.sentFrames(t), wire.TypePresenceUpdate)
	require.Len(t, updates, 1)

	var got presence.Update
	require.NoError(t, json.Unmarshal(updates[0].Payload, &got))
	assert.Equal(t, "C", got.UserID)
	assert.Equal(t, presence.StatusOnline, got.Status)
}

func TestDuplicateLoginDisplacesOldSocket(t *testing.T) {
	pres := &fakePresence{}
	h := newTestHub(t, pres, newFakeGroups(), Options{})

	ws1 := serveSocket(t, h, "alice", "k1", RoleMobile)
	ws2 := serveSocket(t, h, "alice", "k2", RoleMobile)

	// The displaced socket gets a grace period to flush the notice.
	time.Sleep(400 * time.Millisecond)

	require.Len(t, framesOfType(ws1.sentFrames(t), wire.TypeLoginDuplicated), 1)
	assert.True(t, ws1.isClosed())
	assert.False(t, ws2.isClosed())
	assert.True(t, h.IsConnected("alice"))
	assert.Equal(t, 1, h.UserCount())

	// The displaced socket's close is stale; the user stays online.
	assert.Empty(t, pres.offlineUsers())
}

func TestReRegisterSameKeyIsIdempotent(t *testing.T) {
	h := newTestHub(t, &fakePresence{}, newFakeGroups(), Options{})

	ws := newMockSocket()
	c := newConnection(ws, h, "k1", "alice", "D1", RoleMobile)
	h.RegisterSocket(c)
	h.RegisterSocket(c)
	time.Sleep(300 * time.Millisecond)

	assert.True(t, h.IsConnected("alice"))
	assert.Equal(t, 1, h.UserCount())
	assert.False(t, ws.isClosed())
}

func TestDisconnectRunsOfflineCascade(t *testing.T) {
	pres := &fakePresence{}
	groups := newFakeGroups()
	h := newTestHub(t, pres, groups, Options{})

	ws := serveSocket(t, h, "alice", "k1", RoleMobile)
	ws.Close()
	time.Sleep(100 * time.Millisecond)

	assert.False(t, h.IsConnected("alice"))
	assert.Equal(t, []string{"alice"}, pres.offlineUsers())
	assert.Equal(t, []string{"alice"}, groups.clearedUsers())
}

func TestDashboardDisconnectSkipsPresence(t *testing.T) {
	pres := &fakePresence{}
	h := newTestHub(t, pres, newFakeGroups(), Options{})

	ws := serveSocket(t, h, "ops", "k1", RoleDashboard)
	require.Equal(t, 1, h.Stats().Dashboards)

	ws.Close()
	time.Sleep(100 * time.Millisecond)

	assert.Empty(t, pres.offlineUsers())
	assert.Equal(t, 0, h.Stats().Dashboards)
	assert.False(t, h.IsConnected("ops"))
}

func TestConnectionCallbacks(t *testing.T) {
	h := newTestHub(t, &fakePresence{}, newFakeGroups(), Options{})

	var mu sync.Mutex
	var connected, disconnected []string
	h.OnConnection(func(uid string) {
		mu.Lock()
		defer mu.Unlock()
		connected = append(connected, uid)
	})
	h.OnDisconnection(func(uid string) {
		mu.Lock()
		defer mu.Unlock()
		disconnected = append(disconnected, uid)
	})

	ws := serveSocket(t, h, "alice", "k1", RoleMobile)
	ws.Close()
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"alice"}, connected)
	assert.Equal(t, []string{"alice"}, disconnected)
}

func TestStatsCountsLiveState(t *testing.T) {
	h := newTestHub(t, &fakePresence{}, newFakeGroups(), Options{})

	serveSocket(t, h, "alice", "k1", RoleMobile)
	serveSocket(t, h, "bob", "k2", RoleMobile)
	serveSocket(t, h, "ops", "k3", RoleDashboard)

	stats := h.Stats()
	assert.Equal(t, 3, stats.Connections)
	assert.Equal(t, 1, stats.Dashboards)
	assert.ElementsMatch(t, []string{"alice", "bob", "ops"}, h.ConnectedUsers())
}

func TestShutdownClosesEverySocket(t *testing.T) {
	h := newTestHub(t, &fakePresence{}, newFakeGroups(), Options{})

	wsA := serveSocket(t, h, "alice", "k1", RoleMobile)
	wsD := serveSocket(t, h, "ops", "k2", RoleDashboard)

	h.Shutdown()
	time.Sleep(50 * time.Millisecond)

	assert.True(t, wsA.isClosed())
	assert.True(t, wsD.isClosed())
}
