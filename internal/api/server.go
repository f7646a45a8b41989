// Package api serves a read-mostly JSON API over the live ASF sessions:
// stream listing, per-stream telemetry and SRT pull management.
package api

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/zsiec/asfdemux/internal/ingest"
	"github.com/zsiec/asfdemux/internal/pipeline"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 5 * time.Second

// SnapshotProvider is implemented by pipeline.Pipeline.
type SnapshotProvider interface {
	Snapshot() pipeline.Snapshot
}

// StreamInfo is one entry of the /api/streams listing.
type StreamInfo struct {
	Key      string `json:"key"`
	Origin   string `json:"origin,omitempty"`
	Running  bool   `json:"running"`
	Tracks   int    `json:"tracks"`
	Packets  int64  `json:"packets"`
	UptimeMs int64  `json:"uptimeMs"`
	Error    string `json:"error,omitempty"`
}

// StreamDetail is the /api/streams/{key} response.
type StreamDetail struct {
	pipeline.Snapshot
	Ingest *ingest.ConnStats `json:"ingest,omitempty"`
}

// PullRequest is the body of POST /api/srt-pull.
type PullRequest struct {
	Address   string `json:"address"`
	StreamKey string `json:"streamKey"`
	StreamID  string `json:"streamId,omitempty"`
}

// IngestLookup resolves a stream key to its connection counters.
type IngestLookup func(key string) *ingest.ConnStats

// Config holds the listen address and the optional hooks of the server.
type Config struct {
	Addr string
	// TLS, when non-nil, serves HTTPS with the configured certificates.
	TLS          *tls.Config
	IngestLookup IngestLookup
	SRTPull      func(req PullRequest) error
	SRTStop      func(streamKey string) error
	SRTList      func() []PullRequest
}

// Server exposes pipelines registered with SetPipeline over HTTP.
type Server struct {
	log    *slog.Logger
	config Config

	mu        sync.RWMutex
	pipelines map[string]SnapshotProvider
}

// NewServer creates a Server. If log is nil, slog.Default() is used.
func NewServer(config Config, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:       log.With("component", "api"),
		config:    config,
		pipelines: make(map[string]SnapshotProvider),
	}
}

// SetPipeline publishes p under key, replacing any previous entry.
func (s *Server) SetPipeline(key string, p SnapshotProvider) {
	s.mu.Lock()
	s.pipelines[key] = p
	s.mu.Unlock()
}

// RemovePipeline withdraws key if it still maps to p.
func (s *Server) RemovePipeline(key string, p SnapshotProvider) {
	s.mu.Lock()
	if s.pipelines[key] == p {
		delete(s.pipelines, key)
	}
	s.mu.Unlock()
}

func (s *Server) pipeline(key string) SnapshotProvider {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pipelines[key]
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/api/streams", s.handleListStreams).Methods(http.MethodGet)
	r.HandleFunc("/api/streams/{key:.+}", s.handleStream).Methods(http.MethodGet)
	r.HandleFunc("/api/srt-pull", s.handleSRTPullList).Methods(http.MethodGet)
	r.HandleFunc("/api/srt-pull", s.handleSRTPullCreate).Methods(http.MethodPost)
	r.HandleFunc("/api/srt-pull", s.handleSRTPullStop).Methods(http.MethodDelete)
	r.HandleFunc("/api/srt-pull", s.handleSRTPullOptions).Methods(http.MethodOptions)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	r.Use(corsMiddleware)
	return r
}

// Start serves the API on config.Addr until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		TLSConfig:         s.config.TLS,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	var err error
	if s.config.TLS != nil {
		s.log.Info("listening", "addr", s.config.Addr, "tls", true)
		err = srv.ListenAndServeTLS("", "")
	} else {
		s.log.Info("listening", "addr", s.config.Addr)
		err = srv.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) handleListStreams(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	providers := make([]SnapshotProvider, 0, len(s.pipelines))
	for _, p := range s.pipelines {
		providers = append(providers, p)
	}
	s.mu.RUnlock()

	now := time.Now().UnixMilli()
	resp := make([]StreamInfo, 0, len(providers))
	for _, p := range providers {
		snap := p.Snapshot()
		resp = append(resp, StreamInfo{
			Key:      snap.Key,
			Origin:   snap.Origin,
			Running:  snap.Running,
			Tracks:   len(snap.Tracks),
			Packets:  snap.Stats.Packets,
			UptimeMs: now - snap.StartedAt,
			Error:    snap.Error,
		})
	}
	sort.Slice(resp, func(i, j int) bool { return resp[i].Key < resp[j].Key })
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	p := s.pipeline(key)
	if p == nil {
		writeError(w, http.StatusNotFound, "stream not found")
		return
	}

	detail := StreamDetail{Snapshot: p.Snapshot()}
	if s.config.IngestLookup != nil {
		detail.Ingest = s.config.IngestLookup(key)
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleSRTPullOptions(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.WriteHeader(http.StatusNoContent)
}

// The pull endpoints dial arbitrary addresses; expose the API only to
// trusted operators.
func (s *Server) handleSRTPullList(w http.ResponseWriter, _ *http.Request) {
	if s.config.SRTList == nil {
		writeJSON(w, http.StatusOK, []PullRequest{})
		return
	}
	writeJSON(w, http.StatusOK, s.config.SRTList())
}

func (s *Server) handleSRTPullCreate(w http.ResponseWriter, r *http.Request) {
	if s.config.SRTPull == nil {
		writeError(w, http.StatusNotImplemented, "SRT pull not configured")
		return
	}
	var req PullRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Address == "" || req.StreamKey == "" {
		writeError(w, http.StatusBadRequest, "address and streamKey are required")
		return
	}
	if err := s.config.SRTPull(req); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "pulling", "streamKey": req.StreamKey})
}

func (s *Server) handleSRTPullStop(w http.ResponseWriter, r *http.Request) {
	if s.config.SRTStop == nil {
		writeError(w, http.StatusNotImplemented, "SRT pull not configured")
		return
	}
	key := r.URL.Query().Get("streamKey")
	if key == "" {
		writeError(w, http.StatusBadRequest, "streamKey query parameter required")
		return
	}
	if err := s.config.SRTStop(key); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "streamKey": key})
}
