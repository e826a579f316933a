package broadcast

import (
	"context"
	"log/slog"
	"time"

	"beacon/internal/presence"
)

// ErrInternal is the error marker attached to the final frame of a
// stream that died from an unexpected fault.
const ErrInternal = "internal_error"

// Snapshot is one roster frame as pushed to a subscriber.
type Snapshot struct {
	TS          int64    `json:"ts"`
	OnlineTotal int      `json:"online_total"`
	ActiveTotal int      `json:"active_total"`
	IdleTotal   int      `json:"idle_total"`
	ActiveUIDs  []string `json:"active_uids"`
	IdleUIDs    []string `json:"idle_uids"`
	Error       string   `json:"error,omitempty"`
}

// SendFunc delivers one frame to a subscriber. A returned error means
// the subscriber is gone; the stream ends without retry.
type SendFunc func(Snapshot) error

// Config holds the streamer's tick settings.
type Config struct {
	Interval time.Duration
	Clock    func() int64 // epoch seconds; defaults to wall clock
}

// Streamer drives one broadcast loop per subscriber against a shared
// presence registry. Streamers are stateless between subscribers, so a
// single instance serves any number of concurrent Run calls.
type Streamer struct {
	registry *presence.Registry
	interval time.Duration
	clock    func() int64
	logger   *slog.Logger
}

// NewStreamer creates a streamer for the given registry.
func NewStreamer(registry *presence.Registry, cfg Config, logger *slog.Logger) *Streamer {
	clock := cfg.Clock
	if clock == nil {
		clock = func() int64 { return time.Now().Unix() }
	}
	return &Streamer{
		registry: registry,
		interval: cfg.Interval,
		clock:    clock,
		logger:   logger.With("component", "broadcast"),
	}
}

// Take produces one fresh roster frame. Pruning stale entries is a
// side effect of the underlying registry scan.
func (s *Streamer) Take() Snapshot {
	now := s.clock()
	active, idle := s.registry.Snapshot(now)
	return Snapshot{
		TS:          now,
		OnlineTotal: len(active) + len(idle),
		ActiveTotal: len(active),
		IdleTotal:   len(idle),
		ActiveUIDs:  active,
		IdleUIDs:    idle,
	}
}

// stepResult is the outcome of a single broadcast tick.
type stepResult int

const (
	stepContinue  stepResult = iota
	stepStopClean            // subscriber gone or context cancelled
	stepStopError            // unexpected fault; send one error frame
)

// Run pushes a frame to send immediately and then once per interval
// until the subscriber disconnects or the context is cancelled. A send
// failure ends the stream silently; an unexpected fault ends it with a
// single best-effort error-flagged frame, freshly recomputed. Failures
// never propagate to other subscribers or to the registry.
func (s *Streamer) Run(ctx context.Context, id string, send SendFunc) {
	log := s.logger.With("subscriber", id)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		switch s.step(send, log) {
		case stepStopClean:
			log.Debug("stream ended")
			return
		case stepStopError:
			s.sendErrorFrame(send, log)
			log.Warn("stream ended after internal error")
			return
		}

		select {
		case <-ctx.Done():
			log.Debug("stream ended", "reason", "context cancelled")
			return
		case <-ticker.C:
		}
	}
}

// sendErrorFrame delivers the best-effort final frame of a failed
// stream. Recomputed fresh rather than reusing stale data; guarded so
// a second fault cannot take the goroutine down.
func (s *Streamer) sendErrorFrame(send SendFunc, log *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("error frame failed", "panic", r)
		}
	}()

	frame := s.Take()
	frame.Error = ErrInternal
	if err := send(frame); err != nil {
		log.Debug("error frame not delivered", "error", err)
	}
}

// step computes and delivers one frame. A panic while computing or
// sending is the unexpected-fault exit; a plain send error means the
// peer closed the connection.
func (s *Streamer) step(send SendFunc, log *slog.Logger) (res stepResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("broadcast tick panicked", "panic", r)
			res = stepStopError
		}
	}()

	if err := send(s.Take()); err != nil {
		return stepStopClean
	}
	return stepContinue
}
