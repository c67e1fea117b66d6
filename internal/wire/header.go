// Package wire implements the binary framing protocol used to stream
// sensor frames over a message transport with a bounded message size.
//
// Every message begins with a fixed 32-byte little-endian header. Three
// header profiles share the same byte layout: data messages (magic
// "DATA") carrying an entire frame, chunk messages (magic "CHNK")
// carrying a slice of an oversized frame payload, and end-of-frame
// sentinels (magic "EOFR") that close a chunk run and carry the
// original data header so the receiver can reconstruct the frame
// without re-deriving its statistics.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// HeaderSize is the fixed length of every message header in bytes.
const HeaderSize = 32

// Field offsets within the 32-byte header. All fields are
// little-endian; the meaning of the last five words depends on the
// magic.
const (
	offMagic  = 0
	offKind   = 4
	offFrame  = 8
	offWord3  = 12
	offWord4  = 16
	offFloat5 = 20
	offFloat6 = 24
	offWord7  = 28
)

// Magic values identifying the header profiles.
const (
	MagicData  = "DATA"
	MagicChunk = "CHNK"
	MagicEnd   = "EOFR"
)

// Protocol error classes. Decoding and encoding failures wrap one of
// these so callers can classify them with errors.Is.
var (
	// ErrMalformedHeader reports a message shorter than HeaderSize or
	// with an unrecognized magic.
	ErrMalformedHeader = errors.New("malformed header")

	// ErrUnknownStreamKind reports a stream kind id outside the
	// registered set.
	ErrUnknownStreamKind = errors.New("unknown stream kind")

	// ErrSizeMismatch reports a payload whose length disagrees with
	// the shape declared in the header.
	ErrSizeMismatch = errors.New("payload size mismatch")
)

// StreamKind identifies the semantic category of a frame's payload.
type StreamKind uint32

// Registered stream kinds. The set is closed: ids outside it are
// refused at both ends.
const (
	KindRangeImage          StreamKind = 0
	KindReflectivityImage   StreamKind = 1
	KindPointCloudXYZ       StreamKind = 2
	KindPointCloudColor     StreamKind = 3
	KindCombinedInterleaved StreamKind = 4

	numStreamKinds = 5
)

var kindNames = [numStreamKinds]string{
	KindRangeImage:          "range-image",
	KindReflectivityImage:   "reflectivity-image",
	KindPointCloudXYZ:       "point-cloud-xyz",
	KindPointCloudColor:     "point-cloud-color",
	KindCombinedInterleaved: "combined-interleaved",
}

// Valid reports whether k is a registered stream kind.
func (k StreamKind) Valid() bool {
	return k < numStreamKinds
}

// String returns the endpoint name of the stream kind.
func (k StreamKind) String() string {
	if !k.Valid() {
		return fmt.Sprintf("stream-kind-%d", uint32(k))
	}
	return kindNames[k]
}

// Kinds returns all registered stream kinds in id order.
func Kinds() []StreamKind {
	out := make([]StreamKind, numStreamKinds)
	for i := range out {
		out[i] = StreamKind(i)
	}
	return out
}

// ParseStreamKind maps an endpoint name back to its stream kind.
func ParseStreamKind(name string) (StreamKind, error) {
	for i, n := range kindNames {
		if n == name {
			return StreamKind(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownStreamKind, name)
}

// Header is the decoded form of a message header: one of DataHeader,
// ChunkHeader or EndHeader. The set is closed; consumers dispatch with
// a type switch over the three profiles.
type Header interface {
	// Stream returns the stream kind the message belongs to.
	Stream() StreamKind

	// Frame returns the frame number the message belongs to.
	Frame() uint32

	// encode writes the 32-byte header into b.
	encode(b []byte)
}

// DataHeader describes a regular message carrying one whole frame.
type DataHeader struct {
	Kind        StreamKind
	FrameNumber uint32
	Shape0      uint32
	Shape1      uint32 // 0 for one-dimensional payloads
	Min         float32
	Max         float32
}

// Stream returns the stream kind.
func (h DataHeader) Stream() StreamKind { return h.Kind }

// Frame returns the frame number.
func (h DataHeader) Frame() uint32 { return h.FrameNumber }

// Count returns the number of float32 values the declared shape
// implies.
func (h DataHeader) Count() int {
	cols := int(h.Shape1)
	if cols == 0 {
		cols = 1
	}
	return int(h.Shape0) * cols
}

// PayloadSize returns the payload length in bytes the declared shape
// implies.
func (h DataHeader) PayloadSize() int { return h.Count() * 4 }

func (h DataHeader) encode(b []byte) {
	copy(b[offMagic:], MagicData)
	binary.LittleEndian.PutUint32(b[offKind:], uint32(h.Kind))
	binary.LittleEndian.PutUint32(b[offFrame:], h.FrameNumber)
	binary.LittleEndian.PutUint32(b[offWord3:], h.Shape0)
	binary.LittleEndian.PutUint32(b[offWord4:], h.Shape1)
	binary.LittleEndian.PutUint32(b[offFloat5:], math.Float32bits(h.Min))
	binary.LittleEndian.PutUint32(b[offFloat6:], math.Float32bits(h.Max))
	binary.LittleEndian.PutUint32(b[offWord7:], 0)
}

// ChunkHeader describes one slice of an oversized frame payload.
type ChunkHeader struct {
	Kind        StreamKind
	FrameNumber uint32
	ChunkIndex  uint32
	TotalChunks uint32
	StartOffset float32 // informational; ByteLength is authoritative
	EndOffset   float32
	ByteLength  uint32
}

// Stream returns the stream kind.
func (h ChunkHeader) Stream() StreamKind { return h.Kind }

// Frame returns the frame number.
func (h ChunkHeader) Frame() uint32 { return h.FrameNumber }

func (h ChunkHeader) encode(b []byte) {
	copy(b[offMagic:], MagicChunk)
	binary.LittleEndian.PutUint32(b[offKind:], uint32(h.Kind))
	binary.LittleEndian.PutUint32(b[offFrame:], h.FrameNumber)
	binary.LittleEndian.PutUint32(b[offWord3:], h.ChunkIndex)
	binary.LittleEndian.PutUint32(b[offWord4:], h.TotalChunks)
	binary.LittleEndian.PutUint32(b[offFloat5:], math.Float32bits(h.StartOffset))
	binary.LittleEndian.PutUint32(b[offFloat6:], math.Float32bits(h.EndOffset))
	binary.LittleEndian.PutUint32(b[offWord7:], h.ByteLength)
}

// EndHeader describes the end-of-frame sentinel that closes a chunk
// run. Its payload is the byte-identical original data header.
type EndHeader struct {
	Kind          StreamKind
	FrameNumber   uint32
	TotalDataSize uint32
	TotalChunks   uint32
}

// Stream returns the stream kind.
func (h EndHeader) Stream() StreamKind { return h.Kind }

// Frame returns the frame number.
func (h EndHeader) Frame() uint32 { return h.FrameNumber }

func (h EndHeader) encode(b []byte) {
	copy(b[offMagic:], MagicEnd)
	binary.LittleEndian.PutUint32(b[offKind:], uint32(h.Kind))
	binary.LittleEndian.PutUint32(b[offFrame:], h.FrameNumber)
	binary.LittleEndian.PutUint32(b[offWord3:], h.TotalDataSize)
	binary.LittleEndian.PutUint32(b[offWord4:], h.TotalChunks)
	binary.LittleEndian.PutUint32(b[offFloat5:], math.Float32bits(0))
	binary.LittleEndian.PutUint32(b[offFloat6:], math.Float32bits(0))
	binary.LittleEndian.PutUint32(b[offWord7:], 0)
}

// EncodeHeader returns the 32-byte wire form of h.
func EncodeHeader(h Header) []byte {
	b := make([]byte, HeaderSize)
	h.encode(b)
	return b
}

// ParseHeader decodes the header at the start of data. It fails with
// ErrMalformedHeader when fewer than 32 bytes are present or the magic
// is unrecognized, and with ErrUnknownStreamKind when the kind id is
// outside the registered set.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: message truncated at %d bytes, need %d", ErrMalformedHeader, len(data), HeaderSize)
	}

	magic := string(data[offMagic : offMagic+4])
	switch magic {
	case MagicData, MagicChunk, MagicEnd:
	default:
		return nil, fmt.Errorf("%w: unrecognized magic %q", ErrMalformedHeader, magic)
	}

	kind := StreamKind(binary.LittleEndian.Uint32(data[offKind:]))
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: id %d", ErrUnknownStreamKind, uint32(kind))
	}

	frame := binary.LittleEndian.Uint32(data[offFrame:])
	word3 := binary.LittleEndian.Uint32(data[offWord3:])
	word4 := binary.LittleEndian.Uint32(data[offWord4:])
	float5 := math.Float32frombits(binary.LittleEndian.Uint32(data[offFloat5:]))
	float6 := math.Float32frombits(binary.LittleEndian.Uint32(data[offFloat6:]))
	word7 := binary.LittleEndian.Uint32(data[offWord7:])

	switch magic {
	case MagicData:
		return DataHeader{
			Kind:        kind,
			FrameNumber: frame,
			Shape0:      word3,
			Shape1:      word4,
			Min:         float5,
			Max:         float6,
		}, nil
	case MagicChunk:
		return ChunkHeader{
			Kind:        kind,
			FrameNumber: frame,
			ChunkIndex:  word3,
			TotalChunks: word4,
			StartOffset: float5,
			EndOffset:   float6,
			ByteLength:  word7,
		}, nil
	default: // MagicEnd
		return EndHeader{
			Kind:          kind,
			FrameNumber:   frame,
			TotalDataSize: word3,
			TotalChunks:   word4,
		}, nil
	}
}
