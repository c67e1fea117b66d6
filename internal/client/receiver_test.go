package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/framestream/internal/wire"
)

// wsUpgrader is the test WebSocket upgrader.
var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// wsURL converts an HTTP test server URL to a WebSocket URL.
func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

// scriptServer serves a fixed sequence of text and binary messages,
// then performs a clean closing handshake.
func scriptServer(t *testing.T, notices []string, messages [][]byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for _, notice := range notices {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(notice)); err != nil {
				return
			}
		}
		for _, msg := range messages {
			if err := conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				return
			}
		}

		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "end of stream")
		if err := conn.WriteMessage(websocket.CloseMessage, closeMsg); err != nil {
			return
		}
		// Wait for the client's close response.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func encodeTestFrame(t *testing.T, kind wire.StreamKind, number uint32, n int) []byte {
	t.Helper()
	values := make([]float32, n)
	for i := range values {
		values[i] = float32(i) * 0.5
	}
	msg, err := wire.EncodeFrame(&wire.Frame{
		Kind:   kind,
		Number: number,
		Shape0: uint32(n),
		Values: values,
	})
	require.NoError(t, err)
	return msg
}

// recorder collects frames delivered through OnFrame.
type recorder struct {
	mu          sync.Mutex
	frames      []*wire.Frame
	reassembled []bool
	notices     []string
}

func (rec *recorder) onFrame(frame *wire.Frame, reassembled bool) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.frames = append(rec.frames, frame)
	rec.reassembled = append(rec.reassembled, reassembled)
}

func (rec *recorder) onNotice(data []byte) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.notices = append(rec.notices, string(data))
}

func TestReceiverDeliversFrames(t *testing.T) {
	srv := scriptServer(t, nil, [][]byte{
		encodeTestFrame(t, wire.KindRangeImage, 0, 16),
		encodeTestFrame(t, wire.KindRangeImage, 1, 16),
		encodeTestFrame(t, wire.KindRangeImage, 2, 16),
	})

	rec := &recorder{}
	r, err := Dial(context.Background(), Config{URL: wsURL(srv), OnFrame: rec.onFrame})
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Run(context.Background()))

	require.Len(t, rec.frames, 3)
	for i, frame := range rec.frames {
		assert.Equal(t, wire.KindRangeImage, frame.Kind)
		assert.Equal(t, uint32(i), frame.Number)
		assert.Len(t, frame.Values, 16)
		assert.False(t, rec.reassembled[i])
	}

	stats := r.Stats()
	assert.Equal(t, uint64(3), stats.FramesReceived)
	assert.Equal(t, uint64(3), stats.Reassembly.DirectMessages)
	assert.NotZero(t, stats.BytesReceived)
	assert.Zero(t, stats.DecodeErrors)
	assert.Zero(t, stats.FrameGaps)
}

func TestReceiverReassemblesChunks(t *testing.T) {
	frame := encodeTestFrame(t, wire.KindPointCloudXYZ, 0, 120)
	chunks, err := wire.Split(frame, wire.ChunkConfig{MaxMessageSize: 256, ChunkPayloadSize: 100})
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)

	srv := scriptServer(t, nil, chunks)

	rec := &recorder{}
	r, err := Dial(context.Background(), Config{URL: wsURL(srv), OnFrame: rec.onFrame})
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Run(context.Background()))

	require.Len(t, rec.frames, 1)
	assert.True(t, rec.reassembled[0])
	assert.Len(t, rec.frames[0].Values, 120)

	stats := r.Stats()
	assert.Equal(t, uint64(1), stats.Reassembly.FramesReassembled)
	assert.Equal(t, uint64(len(chunks)-1), stats.Reassembly.ChunksReceived)
}

func TestReceiverDeliversNotices(t *testing.T) {
	srv := scriptServer(t, []string{`{"type":"error","error":"sensor unplugged"}`}, nil)

	rec := &recorder{}
	r, err := Dial(context.Background(), Config{
		URL:      wsURL(srv),
		OnFrame:  rec.onFrame,
		OnNotice: rec.onNotice,
	})
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Run(context.Background()))

	require.Len(t, rec.notices, 1)
	assert.Contains(t, rec.notices[0], "sensor unplugged")
	assert.Equal(t, uint64(1), r.Stats().NoticesReceived)
	assert.Empty(t, rec.frames)
}

func TestReceiverSkipsGarbage(t *testing.T) {
	srv := scriptServer(t, nil, [][]byte{
		[]byte("not a frame at all"),
		encodeTestFrame(t, wire.KindReflectivityImage, 0, 8),
	})

	rec := &recorder{}
	r, err := Dial(context.Background(), Config{URL: wsURL(srv), OnFrame: rec.onFrame})
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Run(context.Background()))

	require.Len(t, rec.frames, 1)
	stats := r.Stats()
	assert.Equal(t, uint64(1), stats.DecodeErrors)
	assert.Equal(t, uint64(1), stats.FramesReceived)
}

func TestReceiverCountsFrameGaps(t *testing.T) {
	srv := scriptServer(t, nil, [][]byte{
		encodeTestFrame(t, wire.KindRangeImage, 0, 8),
		encodeTestFrame(t, wire.KindRangeImage, 1, 8),
		encodeTestFrame(t, wire.KindRangeImage, 4, 8),
	})

	rec := &recorder{}
	r, err := Dial(context.Background(), Config{URL: wsURL(srv), OnFrame: rec.onFrame})
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Run(context.Background()))

	require.Len(t, rec.frames, 3)
	assert.Equal(t, uint64(2), r.Stats().FrameGaps)
}

func TestReceiverContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var number uint32
		for {
			msg := encodeTestFrame(t, wire.KindRangeImage, number, 8)
			if err := conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				return
			}
			number++
			time.Sleep(5 * time.Millisecond)
		}
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	r, err := Dial(context.Background(), Config{
		URL: wsURL(srv),
		OnFrame: func(*wire.Frame, bool) {
			cancel()
		},
	})
	require.NoError(t, err)
	defer r.Close()

	err = r.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.GreaterOrEqual(t, r.Stats().FramesReceived, uint64(1))
}

func TestReceiverAbruptServerClose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		msg := encodeTestFrame(t, wire.KindRangeImage, 0, 8)
		_ = conn.WriteMessage(websocket.BinaryMessage, msg)
		// Drop the connection without a close frame.
		conn.Close()
	}))
	t.Cleanup(srv.Close)

	r, err := Dial(context.Background(), Config{URL: wsURL(srv)})
	require.NoError(t, err)
	defer r.Close()

	err = r.Run(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, context.Canceled)
}

func TestDialValidation(t *testing.T) {
	_, err := Dial(context.Background(), Config{})
	require.Error(t, err)

	_, err = Dial(context.Background(), Config{URL: "ws://127.0.0.1:1/ws/range-image", DialTimeout: time.Second})
	require.Error(t, err)
}

func TestReceiverCloseTwice(t *testing.T) {
	srv := scriptServer(t, nil, nil)

	r, err := Dial(context.Background(), Config{URL: wsURL(srv)})
	require.NoError(t, err)
	require.NoError(t, r.Run(context.Background()))

	assert.NoError(t, r.Close())
	assert.NoError(t, r.Close())
}
