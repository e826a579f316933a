package api

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"beacon/internal/broadcast"
	"beacon/internal/config"
	"beacon/internal/events"
	"beacon/internal/presence"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testServer(t *testing.T) (*Server, *presence.Registry) {
	t.Helper()
	reg := presence.NewRegistry(60*time.Second, 60*time.Second)
	streamer := broadcast.NewStreamer(reg, broadcast.Config{Interval: 10 * time.Millisecond}, quietLogger())
	emitter := events.NewEmitter(quietLogger())
	cfg := config.Default()
	return NewServer(reg, streamer, emitter, cfg, quietLogger()), reg
}

func postHit(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/hit", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHitRecordsHeartbeat(t *testing.T) {
	s, reg := testServer(t)
	rec := postHit(t, s.Handler(), `{"uid":"alice"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp map[string]bool
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || !resp["ok"] {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}

	active, _ := reg.Snapshot(time.Now().Unix())
	if len(active) != 1 || active[0] != "alice" {
		t.Fatalf("expected alice active, got %v", active)
	}
}

func TestHitWithLastActivity(t *testing.T) {
	s, reg := testServer(t)
	rec := postHit(t, s.Handler(), `{"uid":"bob","last_activity":100}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	// An activity timestamp far in the past classifies as idle.
	_, idle := reg.Snapshot(time.Now().Unix())
	if len(idle) != 1 || idle[0] != "bob" {
		t.Fatalf("expected bob idle, got %v", idle)
	}
}

func TestHitAcceptsNumericStringActivity(t *testing.T) {
	s, _ := testServer(t)
	rec := postHit(t, s.Handler(), `{"uid":"carol","last_activity":"12345"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestHitRejectsMissingUID(t *testing.T) {
	s, reg := testServer(t)
	for _, body := range []string{`{}`, `{"uid":""}`, `not json`, ``} {
		rec := postHit(t, s.Handler(), body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "no uid") {
			t.Errorf("body %q: response %s missing reason", body, rec.Body.String())
		}
	}
	if reg.Len() != 0 {
		t.Fatalf("rejected heartbeats reached the registry: %d entries", reg.Len())
	}
}

func TestHitRejectsMalformedActivity(t *testing.T) {
	s, reg := testServer(t)
	for _, body := range []string{
		`{"uid":"u","last_activity":"yesterday"}`,
		`{"uid":"u","last_activity":{}}`,
		`{"uid":"u","last_activity":[1]}`,
	} {
		rec := postHit(t, s.Handler(), body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "invalid last_activity") {
			t.Errorf("body %q: response %s missing reason", body, rec.Body.String())
		}
	}
	if reg.Len() != 0 {
		t.Fatalf("rejected heartbeats reached the registry: %d entries", reg.Len())
	}
}

func TestHitNullActivityDefaultsToNow(t *testing.T) {
	s, reg := testServer(t)
	rec := postHit(t, s.Handler(), `{"uid":"dave","last_activity":null}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	active, _ := reg.Snapshot(time.Now().Unix())
	if len(active) != 1 || active[0] != "dave" {
		t.Fatalf("expected dave active, got %v", active)
	}
}

func TestHitMethodNotAllowed(t *testing.T) {
	s, _ := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/hit", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestProbes(t *testing.T) {
	s, _ := testServer(t)
	for _, path := range []string{"/healthz", "/readyz"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d", path, rec.Code)
		}
		var resp map[string]bool
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || !resp["ok"] {
			t.Errorf("%s: unexpected body %s", path, rec.Body.String())
		}
	}
}

func TestCORSHeadersOnEveryResponse(t *testing.T) {
	s, _ := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	h := rec.Header()
	if h.Get("Access-Control-Allow-Origin") != "https://solar-nova.online" {
		t.Errorf("allow-origin = %q", h.Get("Access-Control-Allow-Origin"))
	}
	if h.Get("Access-Control-Allow-Credentials") != "true" {
		t.Errorf("allow-credentials = %q", h.Get("Access-Control-Allow-Credentials"))
	}
	if h.Get("Vary") != "Origin" {
		t.Errorf("vary = %q", h.Get("Vary"))
	}
}

func TestOPTIONSPreflight(t *testing.T) {
	s, _ := testServer(t)
	for _, path := range []string{"/v1/hit", "/sse/online"} {
		req := httptest.NewRequest(http.MethodOptions, path, nil)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Errorf("%s: status = %d, want 204", path, rec.Code)
		}
		if rec.Header().Get("Access-Control-Allow-Methods") != "GET, POST, OPTIONS" {
			t.Errorf("%s: allow-methods = %q", path, rec.Header().Get("Access-Control-Allow-Methods"))
		}
	}
}

func TestOnlineReturnsRosterFrame(t *testing.T) {
	s, _ := testServer(t)
	h := s.Handler()
	postHit(t, h, `{"uid":"alice"}`)
	postHit(t, h, `{"uid":"bob","last_activity":100}`)

	req := httptest.NewRequest(http.MethodGet, "/v1/online", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var snap broadcast.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if snap.OnlineTotal != 2 || snap.ActiveTotal != 1 || snap.IdleTotal != 1 {
		t.Errorf("totals = %d/%d/%d, want 2/1/1", snap.OnlineTotal, snap.ActiveTotal, snap.IdleTotal)
	}
	if snap.ActiveUIDs[0] != "alice" || snap.IdleUIDs[0] != "bob" {
		t.Errorf("roster = %v / %v", snap.ActiveUIDs, snap.IdleUIDs)
	}
}

func TestStreamDeliversFrames(t *testing.T) {
	s, reg := testServer(t)
	reg.RecordHeartbeat("alice", time.Now().Unix(), nil)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/sse/online", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q", ct)
	}
	if resp.Header.Get("X-Accel-Buffering") != "no" {
		t.Error("missing X-Accel-Buffering header")
	}

	scanner := bufio.NewScanner(resp.Body)
	var frames []broadcast.Snapshot
	for scanner.Scan() && len(frames) < 2 {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var snap broadcast.Snapshot
		if err := json.Unmarshal([]byte(line[6:]), &snap); err != nil {
			t.Fatalf("frame decode failed: %v", err)
		}
		frames = append(frames, snap)
	}

	if len(frames) < 2 {
		t.Fatalf("expected at least 2 frames, got %d", len(frames))
	}
	for _, f := range frames {
		if f.OnlineTotal != 1 || f.ActiveUIDs[0] != "alice" {
			t.Errorf("unexpected frame: %+v", f)
		}
		if f.Error != "" {
			t.Errorf("healthy stream carried error %q", f.Error)
		}
	}
}

func TestStreamSubscriberCountDropsOnDisconnect(t *testing.T) {
	s, _ := testServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/sse/online", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}

	// Wait for the stream to attach.
	deadline := time.Now().Add(time.Second)
	for s.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.Subscribers() != 1 {
		t.Fatalf("subscribers = %d, want 1", s.Subscribers())
	}

	cancel()
	resp.Body.Close()

	deadline = time.Now().Add(time.Second)
	for s.Subscribers() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.Subscribers() != 0 {
		t.Fatalf("subscribers = %d after disconnect, want 0", s.Subscribers())
	}
}
