// Package mirror propagates presence transitions to an external user
// record store. Mirroring is fire-and-forget: a broken mirror never
// slows down or fails a presence write.
package mirror

import "github.com/voiceping/router/src/presence"

// Compile-time interface assertions.
var (
	_ presence.Mirror = Noop{}
	_ presence.Mirror = (*Dynamo)(nil)
)

// Noop discards every update. It stands in when mirroring is disabled so
// the presence manager always has a mirror to call.
type Noop struct{}

func (Noop) Submit(presence.Update) {}

func (Noop) Close() error { return nil }
