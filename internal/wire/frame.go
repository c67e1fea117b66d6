package wire

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Frame is one unit of sensor-derived numeric data for a stream kind.
// A frame is produced by a frame source and consumed exactly once by
// EncodeFrame.
type Frame struct {
	Kind   StreamKind
	Number uint32
	Shape0 uint32
	Shape1 uint32 // 0 when the payload is one-dimensional

	// Min and Max describe the value range of the payload. When both
	// are zero EncodeFrame derives them from Values.
	Min float32
	Max float32

	Values []float32
}

// Count returns the number of values the frame's shape implies.
func (f *Frame) Count() int {
	cols := int(f.Shape1)
	if cols == 0 {
		cols = 1
	}
	return int(f.Shape0) * cols
}

// EncodeFrame builds the single data message for f: a 32-byte header
// followed by the little-endian float32 payload. It fails with
// ErrUnknownStreamKind for unregistered kinds and with ErrSizeMismatch
// when the shape disagrees with len(f.Values). The encoding is
// deterministic and leaves f unchanged.
func EncodeFrame(f *Frame) ([]byte, error) {
	if !f.Kind.Valid() {
		return nil, fmt.Errorf("%w: id %d", ErrUnknownStreamKind, uint32(f.Kind))
	}
	if count := f.Count(); count != len(f.Values) {
		return nil, fmt.Errorf("%w: shape %dx%d implies %d values, have %d",
			ErrSizeMismatch, f.Shape0, f.Shape1, count, len(f.Values))
	}

	lo, hi := f.Min, f.Max
	if lo == 0 && hi == 0 && len(f.Values) > 0 {
		lo, hi = valueRange(f.Values)
	}

	h := DataHeader{
		Kind:        f.Kind,
		FrameNumber: f.Number,
		Shape0:      f.Shape0,
		Shape1:      f.Shape1,
		Min:         lo,
		Max:         hi,
	}

	msg := make([]byte, HeaderSize+4*len(f.Values))
	h.encode(msg)
	for i, v := range f.Values {
		binary.LittleEndian.PutUint32(msg[HeaderSize+4*i:], math.Float32bits(v))
	}
	return msg, nil
}

// DecodeFrame parses a complete data message back into a Frame. It
// fails with ErrSizeMismatch when the declared shape disagrees with the
// number of payload bytes present.
func DecodeFrame(msg []byte) (*Frame, error) {
	h, err := ParseHeader(msg)
	if err != nil {
		return nil, err
	}
	dh, ok := h.(DataHeader)
	if !ok {
		return nil, fmt.Errorf("cannot decode %q message as a frame", string(msg[offMagic:offMagic+4]))
	}

	if want := HeaderSize + dh.PayloadSize(); len(msg) != want {
		return nil, fmt.Errorf("%w: shape %dx%d implies %d bytes, message has %d",
			ErrSizeMismatch, dh.Shape0, dh.Shape1, want, len(msg))
	}

	values := make([]float32, dh.Count())
	for i := range values {
		values[i] = math.Float32frombits(binary.LittleEndian.Uint32(msg[HeaderSize+4*i:]))
	}

	return &Frame{
		Kind:   dh.Kind,
		Number: dh.FrameNumber,
		Shape0: dh.Shape0,
		Shape1: dh.Shape1,
		Min:    dh.Min,
		Max:    dh.Max,
		Values: values,
	}, nil
}

// valueRange scans vs once for its minimum and maximum.
func valueRange(vs []float32) (lo, hi float32) {
	lo, hi = vs[0], vs[0]
	for _, v := range vs[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}
