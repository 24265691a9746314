package hub

import (
	"github.com/fasthttp/websocket"

	"github.com/voiceping/router/src/group"
	"github.com/voiceping/router/src/presence"
)

// Compile-time interface assertions.
var (
	_ Conn              = (*websocket.Conn)(nil)
	_ presenceDirectory = (*presence.Manager)(nil)
	_ groupDirectory    = (*group.State)(nil)
)
