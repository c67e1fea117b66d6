package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/framestream/internal/monitoring"
	"github.com/banshee-data/framestream/internal/stream"
	"github.com/banshee-data/framestream/internal/streamdb"
	"github.com/banshee-data/framestream/internal/wire"
)

const (
	// writeWait is the write deadline for each outgoing message.
	writeWait = 10 * time.Second

	// readLimit bounds inbound messages. Clients only send control
	// traffic on these streams.
	readLimit = 1024
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// wsSender adapts a WebSocket connection to the stream.Sender
// interface. The mutex serializes writes (gorilla/websocket requirement).
type wsSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSender) Send(msg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, msg)
}

func (s *wsSender) SendNotice(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteJSON(v)
}

// streamHandler returns the handler for one stream kind's endpoint.
func (ws *WebServer) streamHandler(kind wire.StreamKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			monitoring.Logf("websocket upgrade for %s failed: %v", r.RemoteAddr, err)
			return
		}
		ws.serveStream(kind, conn, r.RemoteAddr)
	}
}

// serveStream runs one streaming session over an upgraded connection
// and records its outcome in the session log.
func (ws *WebServer) serveStream(kind wire.StreamKind, conn *websocket.Conn, remote string) {
	defer conn.Close()
	conn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The read pump exists to notice the client going away. Any read
	// error, including a clean close frame, cancels the session.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	sess, err := stream.NewSession(stream.SessionConfig{
		Kind:       kind,
		Source:     ws.cfg.Source,
		Sender:     &wsSender{conn: conn},
		FPS:        ws.cfg.FPS,
		Chunking:   ws.cfg.Chunking,
		Clock:      ws.cfg.Clock,
		RemoteAddr: remote,
	})
	if err != nil {
		monitoring.Logf("failed to create %s session for %s: %v", kind, remote, err)
		return
	}

	monitoring.Logf("client %s connected to %s stream (session %s)", remote, kind, sess.ID())
	ws.registry.Add(sess)
	ws.recordStart(sess)

	runErr := sess.Run(ctx)
	ws.registry.Remove(sess)
	ws.recordFinish(sess, runErr)

	switch {
	case runErr == nil:
		// Source drained. Tell the client this is a clean end of
		// stream before hanging up.
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "end of stream")
		if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
			monitoring.Logf("failed to send close frame for session %s: %v", sess.ID(), err)
		}
		monitoring.Logf("session %s completed", sess.ID())
	case errors.Is(runErr, context.Canceled):
		monitoring.Logf("session %s cancelled by client", sess.ID())
	default:
		monitoring.Logf("session %s failed: %v", sess.ID(), runErr)
	}
}

func (ws *WebServer) recordStart(sess *stream.Session) {
	if ws.cfg.DB == nil {
		return
	}
	stats := sess.Stats()
	err := ws.cfg.DB.StartSession(streamdb.SessionRecord{
		SessionID:  stats.ID,
		Kind:       stats.Kind,
		RemoteAddr: stats.RemoteAddr,
		StartedAt:  stats.StartedAt,
	})
	if err != nil {
		monitoring.Logf("failed to record session %s start: %v", stats.ID, err)
	}
}

func (ws *WebServer) recordFinish(sess *stream.Session, runErr error) {
	if ws.cfg.DB == nil {
		return
	}

	result := streamdb.ResultCompleted
	errText := ""
	switch {
	case runErr == nil:
	case errors.Is(runErr, context.Canceled):
		result = streamdb.ResultCancelled
	default:
		result = streamdb.ResultFailed
		errText = runErr.Error()
	}

	stats := sess.Stats()
	err := ws.cfg.DB.FinishSession(streamdb.SessionRecord{
		SessionID:     stats.ID,
		EndedAt:       ws.cfg.Clock.Now(),
		FramesSent:    stats.FramesSent,
		FramesSkipped: stats.FramesSkipped,
		MessagesSent:  stats.MessagesSent,
		BytesSent:     stats.BytesSent,
		ChunkedFrames: stats.ChunkedFrames,
		Result:        result,
		Error:         errText,
	})
	if err != nil {
		monitoring.Logf("failed to record session %s end: %v", stats.ID, err)
	}
}
