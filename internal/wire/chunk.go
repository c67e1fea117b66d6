package wire

import "fmt"

// Default chunking limits for outgoing messages.
const (
	// DefaultMaxMessageSize is the largest message sent without
	// chunking. The comparison is strict: a message one byte larger is
	// split.
	DefaultMaxMessageSize = 512 * 1024

	// DefaultChunkPayloadSize is the number of payload bytes carried
	// by each chunk message.
	DefaultChunkPayloadSize = 256 * 1024
)

// ChunkConfig bounds outgoing message sizes.
type ChunkConfig struct {
	// MaxMessageSize is the threshold above which a message is
	// chunked.
	MaxMessageSize int

	// ChunkPayloadSize is the payload size of each chunk message.
	ChunkPayloadSize int
}

// DefaultChunkConfig returns the transport's default limits.
func DefaultChunkConfig() ChunkConfig {
	return ChunkConfig{
		MaxMessageSize:   DefaultMaxMessageSize,
		ChunkPayloadSize: DefaultChunkPayloadSize,
	}
}

func (c ChunkConfig) validate() error {
	if c.MaxMessageSize < HeaderSize {
		return fmt.Errorf("max message size %d is below the header size %d", c.MaxMessageSize, HeaderSize)
	}
	if c.ChunkPayloadSize <= 0 {
		return fmt.Errorf("chunk payload size must be positive, got %d", c.ChunkPayloadSize)
	}
	return nil
}

// Split returns the transport messages for one encoded data message.
// Messages no larger than cfg.MaxMessageSize pass through unchanged as
// a single-element slice. Larger messages are split into chunk
// messages of cfg.ChunkPayloadSize payload bytes each, emitted in
// ascending chunk index order, followed by one end-of-frame sentinel
// whose payload is the byte-identical original header.
func Split(msg []byte, cfg ChunkConfig) ([][]byte, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if len(msg) <= cfg.MaxMessageSize {
		return [][]byte{msg}, nil
	}

	h, err := ParseHeader(msg)
	if err != nil {
		return nil, err
	}
	dh, ok := h.(DataHeader)
	if !ok {
		return nil, fmt.Errorf("only data messages can be chunked, got %q", string(msg[offMagic:offMagic+4]))
	}

	payload := msg[HeaderSize:]
	size := cfg.ChunkPayloadSize
	total := (len(payload) + size - 1) / size

	out := make([][]byte, 0, total+1)
	for index := 0; index < total; index++ {
		start := index * size
		end := start + size
		if end > len(payload) {
			end = len(payload)
		}

		ch := ChunkHeader{
			Kind:        dh.Kind,
			FrameNumber: dh.FrameNumber,
			ChunkIndex:  uint32(index),
			TotalChunks: uint32(total),
			StartOffset: float32(start),
			EndOffset:   float32(end),
			ByteLength:  uint32(end - start),
		}

		m := make([]byte, HeaderSize+(end-start))
		ch.encode(m)
		copy(m[HeaderSize:], payload[start:end])
		out = append(out, m)
	}

	eh := EndHeader{
		Kind:          dh.Kind,
		FrameNumber:   dh.FrameNumber,
		TotalDataSize: uint32(len(payload)),
		TotalChunks:   uint32(total),
	}

	end := make([]byte, 2*HeaderSize)
	eh.encode(end)
	copy(end[HeaderSize:], msg[:HeaderSize])
	out = append(out, end)

	return out, nil
}
