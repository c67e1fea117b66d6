// Package stream produces frames and paces them over a message
// transport. A FrameSource yields frames for a stream kind, a Session
// encodes and sends them at a fixed rate, and a Registry tracks the
// sessions a server currently owns.
package stream

import (
	"github.com/banshee-data/framestream/internal/wire"
)

// FrameCursor yields the frames of one stream in order. Next returns
// io.EOF when the source is exhausted; any other error is a source
// failure. Cursors are not safe for concurrent use.
type FrameCursor interface {
	Next() (*wire.Frame, error)
	Close() error
}

// FrameSource opens cursors for the stream kinds it can produce.
// Implementations are safe to share across sessions.
type FrameSource interface {
	Open(kind wire.StreamKind) (FrameCursor, error)
}
