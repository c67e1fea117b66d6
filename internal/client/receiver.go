// Package client implements a WebSocket receiver for frame streams:
// it dials a stream endpoint, reassembles chunked messages, and hands
// decoded frames to a callback.
package client

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/framestream/internal/monitoring"
	"github.com/banshee-data/framestream/internal/reassembly"
	"github.com/banshee-data/framestream/internal/wire"
)

// Default connection constants.
const (
	DefaultDialTimeout    = 10 * time.Second
	DefaultMaxMessageSize = 16 * 1024 * 1024 // 16MB
	closeGracePeriod      = 5 * time.Second
)

// Config configures a stream receiver.
type Config struct {
	// URL is the WebSocket endpoint, e.g. ws://host:8080/ws/range-image.
	URL string

	// DialTimeout is the handshake timeout. Defaults to DefaultDialTimeout.
	DialTimeout time.Duration

	// MaxMessageSize is the read limit. Defaults to DefaultMaxMessageSize.
	MaxMessageSize int64

	// OnFrame receives each decoded frame. The bool reports whether
	// the frame arrived in chunks. Called from the Run goroutine.
	OnFrame func(frame *wire.Frame, reassembled bool)

	// OnNotice receives out-of-band JSON notices from the server.
	// Optional.
	OnNotice func(data []byte)
}

// Stats counts what a receiver has seen so far.
type Stats struct {
	FramesReceived  uint64
	NoticesReceived uint64
	BytesReceived   uint64
	DecodeErrors    uint64
	FrameGaps       uint64
	Reassembly      reassembly.Stats
}

// Receiver consumes one frame stream over a WebSocket connection.
type Receiver struct {
	cfg         Config
	conn        *websocket.Conn
	reassembler *reassembly.Reassembler
	closeOnce   sync.Once

	framesReceived  atomic.Uint64
	noticesReceived atomic.Uint64
	bytesReceived   atomic.Uint64
	decodeErrors    atomic.Uint64
	frameGaps       atomic.Uint64
}

// Dial connects to a stream endpoint. The caller drives the stream
// with Run and must Close the receiver when done.
func Dial(ctx context.Context, cfg Config) (*Receiver, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("a stream URL is required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.DialTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, cfg.URL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.URL, err)
	}
	conn.SetReadLimit(cfg.MaxMessageSize)

	return &Receiver{
		cfg:         cfg,
		conn:        conn,
		reassembler: reassembly.New(),
	}, nil
}

// Run reads the stream until the server closes it, the context is
// cancelled, or the transport fails. It returns nil on a clean close.
// Malformed or incomplete messages are counted and skipped, not fatal.
func (r *Receiver) Run(ctx context.Context) error {
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			// Unblocks the pending read.
			r.conn.Close()
		case <-watchDone:
		}
	}()

	// Track per-kind frame numbers so dropped frames show up in stats.
	lastNumber := make(map[wire.StreamKind]uint32)

	for {
		msgType, data, err := r.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read failed: %w", err)
		}

		switch msgType {
		case websocket.TextMessage:
			r.noticesReceived.Add(1)
			if r.cfg.OnNotice != nil {
				r.cfg.OnNotice(data)
			}

		case websocket.BinaryMessage:
			r.bytesReceived.Add(uint64(len(data)))
			r.handleBinary(data, lastNumber)
		}
	}
}

func (r *Receiver) handleBinary(data []byte, lastNumber map[wire.StreamKind]uint32) {
	delivery, err := r.reassembler.Feed(data)
	if err != nil {
		r.decodeErrors.Add(1)
		monitoring.Logf("dropping message: %v", err)
		return
	}
	if delivery == nil {
		return
	}

	frame, err := wire.DecodeFrame(delivery.Message)
	if err != nil {
		r.decodeErrors.Add(1)
		monitoring.Logf("dropping frame: %v", err)
		return
	}

	if last, seen := lastNumber[frame.Kind]; seen && frame.Number > last+1 {
		r.frameGaps.Add(uint64(frame.Number - last - 1))
	}
	lastNumber[frame.Kind] = frame.Number

	r.framesReceived.Add(1)
	if r.cfg.OnFrame != nil {
		r.cfg.OnFrame(frame, delivery.Reassembled)
	}
}

// Close performs the closing handshake and releases the connection.
// It is safe to call more than once.
func (r *Receiver) Close() error {
	var err error
	r.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		deadline := time.Now().Add(closeGracePeriod)
		if werr := r.conn.WriteControl(websocket.CloseMessage, msg, deadline); werr != nil {
			monitoring.Logf("failed to send close frame: %v", werr)
		}
		err = r.conn.Close()
	})
	return err
}

// Stats returns a snapshot of the receiver's counters.
func (r *Receiver) Stats() Stats {
	return Stats{
		FramesReceived:  r.framesReceived.Load(),
		NoticesReceived: r.noticesReceived.Load(),
		BytesReceived:   r.bytesReceived.Load(),
		DecodeErrors:    r.decodeErrors.Load(),
		FrameGaps:       r.frameGaps.Load(),
		Reassembly:      r.reassembler.Stats(),
	}
}
