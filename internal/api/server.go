package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"beacon/internal/broadcast"
	"beacon/internal/config"
	"beacon/internal/events"
	"beacon/internal/metrics"
	"beacon/internal/presence"
)

// Server is the public HTTP surface: heartbeat submission, the SSE
// roster stream, one-shot roster reads, probes, and metrics.
type Server struct {
	registry    *presence.Registry
	streamer    *broadcast.Streamer
	emitter     *events.Emitter
	logger      *slog.Logger
	corsOrigin  string
	now         func() int64
	subscribers atomic.Int64
}

// NewServer creates the API server.
func NewServer(registry *presence.Registry, streamer *broadcast.Streamer, emitter *events.Emitter, cfg *config.Config, logger *slog.Logger) *Server {
	return &Server{
		registry:   registry,
		streamer:   streamer,
		emitter:    emitter,
		logger:     logger.With("component", "api"),
		corsOrigin: cfg.CORSAllowOrigin,
		now:        func() int64 { return time.Now().Unix() },
	}
}

// Handler returns the routed handler with CORS applied to every
// response.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/hit", s.handleHit)
	mux.HandleFunc("/v1/online", s.handleOnline)
	mux.HandleFunc("/sse/online", s.handleStream)
	mux.HandleFunc("/healthz", s.handleProbe)
	mux.HandleFunc("/readyz", s.handleProbe)
	mux.Handle("/metrics", metrics.Handler())
	return s.corsMiddleware(mux)
}

// Subscribers returns the number of currently attached SSE streams.
func (s *Server) Subscribers() int64 {
	return s.subscribers.Load()
}

// corsMiddleware stamps the CORS headers on every response and answers
// preflight requests directly.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", s.corsOrigin)
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		h.Set("Vary", "Origin")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type hitRequest struct {
	UID          string          `json:"uid"`
	LastActivity json.RawMessage `json:"last_activity"`
}

// handleHit accepts one heartbeat. All input validation happens here;
// the registry never sees an empty uid or a malformed activity value.
func (s *Server) handleHit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req hitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UID == "" {
		s.reject(w, "no uid")
		return
	}

	lastActivity, err := parseActivity(req.LastActivity)
	if err != nil {
		s.reject(w, "invalid last_activity")
		return
	}

	s.registry.RecordHeartbeat(req.UID, s.now(), lastActivity)
	s.emitter.Emit(events.Event{Type: events.HeartbeatRecorded, UID: req.UID})

	writeJSON(w, map[string]bool{"ok": true})
}

// reject answers a bad heartbeat with the reason string clients key on.
func (s *Server) reject(w http.ResponseWriter, reason string) {
	s.emitter.Emit(events.Event{
		Type:   events.HeartbeatRejected,
		Fields: map[string]string{"reason": strings.ReplaceAll(reason, " ", "_")},
	})
	writeError(w, http.StatusBadRequest, reason)
}

// parseActivity interprets an optional last_activity value. Integer
// numbers, truncated floats, and numeric strings are accepted; anything
// else is a client error. Absent or null means "use the heartbeat
// time".
func parseActivity(raw json.RawMessage) (*int64, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}

	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return &n, nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		n = int64(f)
		return &n, nil
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		v, err := strconv.ParseInt(strings.TrimSpace(str), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid last_activity %q", str)
		}
		return &v, nil
	}
	return nil, fmt.Errorf("invalid last_activity")
}

// handleOnline returns a single roster frame.
func (s *Server) handleOnline(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	snap := s.streamer.Take()
	metrics.SetRoster(snap.ActiveTotal, snap.IdleTotal)
	writeJSON(w, snap)
}

// handleStream serves the SSE roster stream, one frame per broadcast
// tick until the client goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	streamID := uuid.New().String()

	flusher, ok := w.(http.Flusher)
	if !ok {
		// Streaming never starts: one error-flagged frame and done.
		frame := s.streamer.Take()
		frame.Error = broadcast.ErrInternal
		writeFrame(w, frame)
		s.emitter.Emit(events.Event{
			Type:   events.StreamError,
			Fields: map[string]string{"stream": streamID, "reason": "streaming unsupported"},
		})
		s.logger.Error("streaming not supported by connection", "stream", streamID)
		return
	}
	flusher.Flush()

	s.subscribers.Add(1)
	s.emitter.Emit(events.Event{Type: events.StreamSubscribed, Fields: map[string]string{"stream": streamID}})
	defer func() {
		s.subscribers.Add(-1)
		s.emitter.Emit(events.Event{Type: events.StreamUnsubscribed, Fields: map[string]string{"stream": streamID}})
	}()

	send := func(frame broadcast.Snapshot) error {
		if err := writeFrame(w, frame); err != nil {
			return err
		}
		flusher.Flush()
		metrics.StreamFramesTotal.Inc()
		metrics.SetRoster(frame.ActiveTotal, frame.IdleTotal)
		if frame.Error != "" {
			s.emitter.Emit(events.Event{
				Type:   events.StreamError,
				Fields: map[string]string{"stream": streamID},
			})
		}
		return nil
	}

	s.streamer.Run(r.Context(), streamID, send)
}

// handleProbe answers liveness and readiness checks. No dependency on
// the registry: the process serving requests is the whole check.
func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

func writeFrame(w http.ResponseWriter, frame broadcast.Snapshot) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": reason})
}
