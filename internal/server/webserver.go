// Package server exposes the frame streams over HTTP: one WebSocket
// endpoint per stream kind, plus JSON status endpoints and optional
// admin routes for the session log.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/banshee-data/framestream/internal/monitoring"
	"github.com/banshee-data/framestream/internal/stream"
	"github.com/banshee-data/framestream/internal/streamdb"
	"github.com/banshee-data/framestream/internal/timeutil"
	"github.com/banshee-data/framestream/internal/version"
	"github.com/banshee-data/framestream/internal/wire"
)

// Config contains configuration options for the web server.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	// Source supplies frames for every stream endpoint.
	Source stream.FrameSource

	// FPS is the per-session frame rate. Defaults to stream.DefaultFPS.
	FPS float64

	// Chunking bounds outgoing message sizes. Zero means the wire
	// package defaults.
	Chunking wire.ChunkConfig

	// DB, when set, records one row per session in the session log.
	DB *streamdb.DB

	// EnableDebugRoutes mounts the admin routes (tailsql, backup)
	// under /debug/. Requires DB.
	EnableDebugRoutes bool

	// Clock lets tests drive session pacing. Defaults to real time.
	Clock timeutil.Clock
}

// WebServer serves the streaming endpoints and status pages.
type WebServer struct {
	cfg       Config
	server    *http.Server
	registry  *stream.Registry
	startedAt time.Time
}

// NewWebServer creates a new web server with the provided configuration.
func NewWebServer(config Config) (*WebServer, error) {
	if config.Source == nil {
		return nil, fmt.Errorf("a frame source is required")
	}
	if config.FPS <= 0 {
		config.FPS = stream.DefaultFPS
	}
	if config.Chunking == (wire.ChunkConfig{}) {
		config.Chunking = wire.DefaultChunkConfig()
	}
	if config.Clock == nil {
		config.Clock = timeutil.RealClock{}
	}

	ws := &WebServer{
		cfg:       config,
		registry:  stream.NewRegistry(),
		startedAt: config.Clock.Now(),
	}
	ws.server = &http.Server{
		Addr:    config.Addr,
		Handler: ws.setupRoutes(),
	}
	return ws, nil
}

// Start begins the HTTP server in a goroutine and handles graceful shutdown
func (ws *WebServer) Start(ctx context.Context) error {
	// Start server in a goroutine so it doesn't block
	go func() {
		monitoring.Logf("starting HTTP server on %s", ws.cfg.Addr)
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	// Wait for context cancellation to shut down server
	<-ctx.Done()
	monitoring.Logf("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		monitoring.Logf("HTTP server shutdown error: %v", err)
		// Force close the server if graceful shutdown fails
		if err := ws.server.Close(); err != nil {
			monitoring.Logf("HTTP server force close error: %v", err)
		}
	}

	monitoring.Logf("HTTP server routine stopped")
	return nil
}

// Close shuts down the web server.
func (ws *WebServer) Close() error {
	if ws.server != nil {
		return ws.server.Close()
	}
	return nil
}

// setupRoutes configures the HTTP routes and handlers
func (ws *WebServer) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", ws.handleHealth)
	mux.HandleFunc("/api/stats", ws.handleStats)
	for _, kind := range wire.Kinds() {
		mux.HandleFunc("/ws/"+kind.String(), ws.streamHandler(kind))
	}
	mux.HandleFunc("/", ws.handleIndex)

	if ws.cfg.DB != nil && ws.cfg.EnableDebugRoutes {
		ws.cfg.DB.AttachAdminRoutes(mux)
	}

	return mux
}

func (ws *WebServer) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// handleHealth handles the health check endpoint
func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status": "ok", "service": "framestream", "timestamp": "%s"}`, time.Now().UTC().Format(time.RFC3339))
}

// handleIndex describes the service and its endpoints.
func (ws *WebServer) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	streams := make(map[string]string, len(wire.Kinds()))
	for _, kind := range wire.Kinds() {
		streams[kind.String()] = "/ws/" + kind.String()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"service":            "framestream",
		"version":            version.Version,
		"uptime":             ws.cfg.Clock.Since(ws.startedAt).Round(time.Second).String(),
		"fps":                ws.cfg.FPS,
		"max_message_size":   ws.cfg.Chunking.MaxMessageSize,
		"chunk_payload_size": ws.cfg.Chunking.ChunkPayloadSize,
		"streams":            streams,
	})
}

// handleStats reports live sessions and lifetime totals.
func (ws *WebServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	resp := struct {
		Sessions []stream.SessionStats `json:"sessions"`
		Totals   stream.RegistryTotals `json:"totals"`
	}{
		Sessions: ws.registry.Snapshot(),
		Totals:   ws.registry.Totals(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
