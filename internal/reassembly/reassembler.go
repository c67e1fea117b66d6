// Package reassembly rebuilds complete data messages from the chunked
// wire form. Each receiving connection owns one Reassembler; buffers
// are keyed by stream kind and frame number so interleaved streams on
// the same connection do not collide.
package reassembly

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/framestream/internal/monitoring"
	"github.com/banshee-data/framestream/internal/wire"
)

// IncompleteReassemblyError reports an end-of-frame sentinel that
// arrived before all of its chunks. The partial buffer is discarded.
type IncompleteReassemblyError struct {
	Kind        wire.StreamKind
	FrameNumber uint32
	Have        int
	Want        int
}

func (e *IncompleteReassemblyError) Error() string {
	return fmt.Sprintf("incomplete reassembly of %s frame %d: have %d of %d chunks",
		e.Kind, e.FrameNumber, e.Have, e.Want)
}

// Delivery is a complete data message handed back by Feed, either
// passed through directly or reconstructed from chunks.
type Delivery struct {
	// Message is the full data message, header included.
	Message []byte

	// Header is the parsed data header of Message.
	Header wire.DataHeader

	// Reassembled is true when Message was rebuilt from chunks.
	Reassembled bool
}

type bufferKey struct {
	kind  wire.StreamKind
	frame uint32
}

type chunkBuffer struct {
	total  uint32
	chunks map[uint32][]byte
}

// Stats counts what a Reassembler has seen since creation.
type Stats struct {
	DirectMessages    uint64
	ChunksReceived    uint64
	FramesReassembled uint64
	DuplicateChunks   uint64
	IncompleteDrops   uint64
	StaleEvictions    uint64
}

// Reassembler rebuilds oversized data messages from their chunks. It
// is safe for concurrent use, though a connection normally feeds it
// from a single read loop.
type Reassembler struct {
	mu      sync.Mutex
	buffers map[bufferKey]*chunkBuffer

	directMessages    atomic.Uint64
	chunksReceived    atomic.Uint64
	framesReassembled atomic.Uint64
	duplicateChunks   atomic.Uint64
	incompleteDrops   atomic.Uint64
	staleEvictions    atomic.Uint64
}

// New returns an empty Reassembler.
func New() *Reassembler {
	return &Reassembler{
		buffers: make(map[bufferKey]*chunkBuffer),
	}
}

// Feed consumes one wire message. Data messages and completed chunk
// runs produce a Delivery; chunk messages mid-run produce (nil, nil).
// An end-of-frame sentinel with chunks missing drops the partial
// buffer and returns an *IncompleteReassemblyError. Feed does not
// retain data: chunk payloads are copied before buffering.
func (r *Reassembler) Feed(data []byte) (*Delivery, error) {
	h, err := wire.ParseHeader(data)
	if err != nil {
		return nil, err
	}

	switch h := h.(type) {
	case wire.DataHeader:
		return r.direct(h, data)
	case wire.ChunkHeader:
		return nil, r.bufferChunk(h, data)
	case wire.EndHeader:
		return r.finish(h, data)
	default:
		return nil, fmt.Errorf("%w: unhandled header type %T", wire.ErrMalformedHeader, h)
	}
}

func (r *Reassembler) direct(h wire.DataHeader, data []byte) (*Delivery, error) {
	if want := wire.HeaderSize + h.PayloadSize(); len(data) != want {
		return nil, fmt.Errorf("%w: %s frame %d declares %d bytes, message has %d",
			wire.ErrSizeMismatch, h.Kind, h.FrameNumber, want, len(data))
	}
	r.directMessages.Add(1)
	return &Delivery{Message: data, Header: h}, nil
}

func (r *Reassembler) bufferChunk(h wire.ChunkHeader, data []byte) error {
	payload := data[wire.HeaderSize:]
	if len(payload) != int(h.ByteLength) {
		return fmt.Errorf("%w: chunk %d of %s frame %d declares %d bytes, carries %d",
			wire.ErrSizeMismatch, h.ChunkIndex, h.Kind, h.FrameNumber, h.ByteLength, len(payload))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := bufferKey{kind: h.Kind, frame: h.FrameNumber}
	buf, ok := r.buffers[key]
	if !ok {
		r.evictStaleLocked(h.Kind, h.FrameNumber)
		buf = &chunkBuffer{
			total:  h.TotalChunks,
			chunks: make(map[uint32][]byte, h.TotalChunks),
		}
		r.buffers[key] = buf
	}

	if _, dup := buf.chunks[h.ChunkIndex]; dup {
		// Retransmitted chunk: the last copy wins.
		r.duplicateChunks.Add(1)
	}
	buf.chunks[h.ChunkIndex] = append([]byte(nil), payload...)
	r.chunksReceived.Add(1)
	return nil
}

// evictStaleLocked drops same-kind buffers older than the frame that
// just started. A newer frame arriving means the sender has moved on
// and the sentinel for the old frame will never come.
func (r *Reassembler) evictStaleLocked(kind wire.StreamKind, frame uint32) {
	for key, buf := range r.buffers {
		if key.kind == kind && key.frame < frame {
			monitoring.Logf("Evicting stale %s frame %d with %d of %d chunks buffered",
				key.kind, key.frame, len(buf.chunks), buf.total)
			delete(r.buffers, key)
			r.staleEvictions.Add(1)
		}
	}
}

func (r *Reassembler) finish(h wire.EndHeader, data []byte) (*Delivery, error) {
	if len(data) != 2*wire.HeaderSize {
		return nil, fmt.Errorf("%w: end-of-frame sentinel carries %d payload bytes, want %d",
			wire.ErrMalformedHeader, len(data)-wire.HeaderSize, wire.HeaderSize)
	}
	original := data[wire.HeaderSize:]

	oh, err := wire.ParseHeader(original)
	if err != nil {
		return nil, fmt.Errorf("end-of-frame sentinel payload: %w", err)
	}
	dh, ok := oh.(wire.DataHeader)
	if !ok {
		return nil, fmt.Errorf("%w: end-of-frame sentinel payload has magic of a %T", wire.ErrMalformedHeader, oh)
	}

	r.mu.Lock()
	key := bufferKey{kind: h.Kind, frame: h.FrameNumber}
	buf := r.buffers[key]
	delete(r.buffers, key)
	r.mu.Unlock()

	have := 0
	if buf != nil {
		have = len(buf.chunks)
	}
	want := int(h.TotalChunks)

	if have != want {
		r.incompleteDrops.Add(1)
		return nil, &IncompleteReassemblyError{
			Kind:        h.Kind,
			FrameNumber: h.FrameNumber,
			Have:        have,
			Want:        want,
		}
	}

	msg := make([]byte, 0, wire.HeaderSize+int(h.TotalDataSize))
	msg = append(msg, original...)
	for i := uint32(0); i < h.TotalChunks; i++ {
		chunk, ok := buf.chunks[i]
		if !ok {
			// The count matched but an index is missing, so some
			// index arrived twice while another never did.
			r.incompleteDrops.Add(1)
			return nil, &IncompleteReassemblyError{
				Kind:        h.Kind,
				FrameNumber: h.FrameNumber,
				Have:        have,
				Want:        want,
			}
		}
		msg = append(msg, chunk...)
	}

	if want := wire.HeaderSize + dh.PayloadSize(); len(msg) != want {
		return nil, fmt.Errorf("%w: reassembled %s frame %d is %d bytes, header declares %d",
			wire.ErrSizeMismatch, dh.Kind, dh.FrameNumber, len(msg), want)
	}

	r.framesReassembled.Add(1)
	return &Delivery{Message: msg, Header: dh, Reassembled: true}, nil
}

// Pending returns the number of frames with chunks buffered.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffers)
}

// Stats returns a snapshot of the reassembler's counters.
func (r *Reassembler) Stats() Stats {
	return Stats{
		DirectMessages:    r.directMessages.Load(),
		ChunksReceived:    r.chunksReceived.Load(),
		FramesReassembled: r.framesReassembled.Load(),
		DuplicateChunks:   r.duplicateChunks.Load(),
		IncompleteDrops:   r.incompleteDrops.Load(),
		StaleEvictions:    r.staleEvictions.Load(),
	}
}

// Close discards all pending buffers.
func (r *Reassembler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buffers = make(map[bufferKey]*chunkBuffer)
}
