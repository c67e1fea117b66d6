package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/framestream/internal/monitoring"
	"github.com/banshee-data/framestream/internal/timeutil"
	"github.com/banshee-data/framestream/internal/wire"
)

// DefaultFPS is the frame pacing used when a session does not specify
// its own rate.
const DefaultFPS = 10

// State is the lifecycle phase of a session.
type State int32

const (
	// StateIdle is a session built but not yet running.
	StateIdle State = iota

	// StateStreaming is a session sending frames.
	StateStreaming

	// StateDraining is a session whose source is exhausted and which
	// is finishing up before closing.
	StateDraining

	// StateClosed is a session that ended normally.
	StateClosed

	// StateFailed is a session that ended on a transport or source
	// error.
	StateFailed
)

var stateNames = map[State]string{
	StateIdle:      "idle",
	StateStreaming: "streaming",
	StateDraining:  "draining",
	StateClosed:    "closed",
	StateFailed:    "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state-%d", int32(s))
}

// Sender delivers encoded messages to one client. Send carries binary
// wire messages; SendNotice carries an out-of-band JSON value on the
// text channel. Implementations must be safe for use from the session
// goroutine.
type Sender interface {
	Send(data []byte) error
	SendNotice(v interface{}) error
}

// SessionConfig configures a streaming session.
type SessionConfig struct {
	// Kind selects which stream the session serves.
	Kind wire.StreamKind

	// Source produces the session's frames.
	Source FrameSource

	// Sender delivers wire messages to the client.
	Sender Sender

	// FPS is the frame pacing rate. Zero or negative selects
	// DefaultFPS.
	FPS float64

	// Chunking bounds outgoing message sizes. The zero value selects
	// wire.DefaultChunkConfig.
	Chunking wire.ChunkConfig

	// Clock drives pacing. Nil selects the real clock.
	Clock timeutil.Clock

	// RemoteAddr names the client for logs and stats.
	RemoteAddr string
}

// SessionStats is a point-in-time snapshot of one session.
type SessionStats struct {
	ID            string    `json:"id"`
	Kind          string    `json:"kind"`
	State         string    `json:"state"`
	RemoteAddr    string    `json:"remote_addr"`
	StartedAt     time.Time `json:"started_at"`
	FramesSent    uint64    `json:"frames_sent"`
	FramesSkipped uint64    `json:"frames_skipped"`
	MessagesSent  uint64    `json:"messages_sent"`
	BytesSent     uint64    `json:"bytes_sent"`
	ChunkedFrames uint64    `json:"chunked_frames"`
}

// Session streams frames of one kind to one client at a fixed rate.
// Create it with NewSession and drive it with Run; the other methods
// are safe to call from any goroutine while Run is in flight.
type Session struct {
	id       string
	kind     wire.StreamKind
	source   FrameSource
	sender   Sender
	interval time.Duration
	chunking wire.ChunkConfig
	clock    timeutil.Clock
	remote   string

	state     atomic.Int32
	startedAt time.Time

	framesSent    atomic.Uint64
	framesSkipped atomic.Uint64
	messagesSent  atomic.Uint64
	bytesSent     atomic.Uint64
	chunkedFrames atomic.Uint64
}

// NewSession validates config and builds an idle session.
func NewSession(config SessionConfig) (*Session, error) {
	if !config.Kind.Valid() {
		return nil, fmt.Errorf("%w: id %d", wire.ErrUnknownStreamKind, uint32(config.Kind))
	}
	if config.Source == nil {
		return nil, errors.New("session requires a frame source")
	}
	if config.Sender == nil {
		return nil, errors.New("session requires a sender")
	}

	fps := config.FPS
	if fps <= 0 {
		fps = DefaultFPS
	}

	chunking := config.Chunking
	if chunking == (wire.ChunkConfig{}) {
		chunking = wire.DefaultChunkConfig()
	}

	clock := config.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	return &Session{
		id:        uuid.NewString(),
		kind:      config.Kind,
		source:    config.Source,
		sender:    config.Sender,
		interval:  time.Duration(float64(time.Second) / fps),
		chunking:  chunking,
		clock:     clock,
		remote:    config.RemoteAddr,
		startedAt: clock.Now(),
	}, nil
}

// ID returns the session's unique id.
func (s *Session) ID() string { return s.id }

// Kind returns the stream kind the session serves.
func (s *Session) Kind() wire.StreamKind { return s.kind }

// RemoteAddr returns the client address the session serves.
func (s *Session) RemoteAddr() string { return s.remote }

// State returns the session's current lifecycle phase.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// Stats returns a snapshot of the session.
func (s *Session) Stats() SessionStats {
	return SessionStats{
		ID:            s.id,
		Kind:          s.kind.String(),
		State:         s.State().String(),
		RemoteAddr:    s.remote,
		StartedAt:     s.startedAt,
		FramesSent:    s.framesSent.Load(),
		FramesSkipped: s.framesSkipped.Load(),
		MessagesSent:  s.messagesSent.Load(),
		BytesSent:     s.bytesSent.Load(),
		ChunkedFrames: s.chunkedFrames.Load(),
	}
}

// Run streams frames until the source is exhausted, the context is
// cancelled, or the transport fails. It transitions the session from
// idle through streaming to a terminal state and returns nil only on
// a normal drain. Run may be called once.
func (s *Session) Run(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateStreaming)) {
		return fmt.Errorf("session %s already ran (state %s)", s.id, s.State())
	}

	cursor, err := s.source.Open(s.kind)
	if err != nil {
		return s.fail(fmt.Errorf("failed to open %s source: %w", s.kind, err))
	}
	defer cursor.Close()

	monitoring.Logf("Session %s streaming %s to %s at %v per frame", s.id, s.kind, s.remote, s.interval)

	var frameNumber uint32
	for {
		select {
		case <-ctx.Done():
			s.setState(StateClosed)
			return ctx.Err()
		default:
		}

		frame, err := cursor.Next()
		if err == io.EOF {
			s.setState(StateDraining)
			monitoring.Logf("Session %s drained after %d frames", s.id, s.framesSent.Load())
			s.setState(StateClosed)
			return nil
		}
		if err != nil {
			return s.fail(fmt.Errorf("source failed at frame %d: %w", frameNumber, err))
		}

		// The session owns frame numbering. The counter advances even
		// when a frame is skipped, so receivers see gaps rather than
		// reused numbers.
		frame.Kind = s.kind
		frame.Number = frameNumber
		frameNumber++

		if err := s.sendFrame(frame); err != nil {
			return s.fail(err)
		}

		select {
		case <-ctx.Done():
			s.setState(StateClosed)
			return ctx.Err()
		case <-s.clock.After(s.interval):
		}
	}
}

// sendFrame encodes, splits and transmits one frame. Encoding problems
// skip the frame; transport problems are returned and end the session.
func (s *Session) sendFrame(frame *wire.Frame) error {
	msg, err := wire.EncodeFrame(frame)
	if err != nil {
		s.framesSkipped.Add(1)
		monitoring.Logf("Session %s skipping frame %d: %v", s.id, frame.Number, err)
		return nil
	}

	parts, err := wire.Split(msg, s.chunking)
	if err != nil {
		s.framesSkipped.Add(1)
		monitoring.Logf("Session %s skipping frame %d: %v", s.id, frame.Number, err)
		return nil
	}

	for _, part := range parts {
		if err := s.sender.Send(part); err != nil {
			return fmt.Errorf("failed to send frame %d: %w", frame.Number, err)
		}
		s.messagesSent.Add(1)
		s.bytesSent.Add(uint64(len(part)))
	}

	s.framesSent.Add(1)
	if len(parts) > 1 {
		s.chunkedFrames.Add(1)
	}
	return nil
}

// fail records a terminal failure, telling the client why on a
// best-effort basis before the connection is torn down.
func (s *Session) fail(err error) error {
	if nerr := s.sender.SendNotice(map[string]string{
		"error": err.Error(),
		"type":  "error",
	}); nerr != nil {
		monitoring.Logf("Session %s could not deliver error notice: %v", s.id, nerr)
	}
	s.setState(StateFailed)
	monitoring.Logf("Session %s failed: %v", s.id, err)
	return err
}
