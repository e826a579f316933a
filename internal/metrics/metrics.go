package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"beacon/internal/events"
)

var (
	HeartbeatsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "beacon_heartbeats_total",
		Help: "Accepted heartbeat submissions",
	})

	HeartbeatsRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "beacon_heartbeats_rejected_total",
		Help: "Rejected heartbeat submissions by reason",
	}, []string{"reason"})

	OnlineUsers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "beacon_online_users",
		Help: "Users currently online by presence state",
	}, []string{"state"})

	StreamSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "beacon_stream_subscribers",
		Help: "Active SSE subscriber connections",
	})

	StreamFramesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "beacon_stream_frames_total",
		Help: "Roster frames delivered to subscribers",
	})

	StreamErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "beacon_stream_errors_total",
		Help: "Subscriber streams terminated by internal errors",
	})
)

func init() {
	prometheus.MustRegister(
		HeartbeatsTotal,
		HeartbeatsRejectedTotal,
		OnlineUsers,
		StreamSubscribers,
		StreamFramesTotal,
		StreamErrorsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetRoster records the size of the last classified snapshot.
func SetRoster(active, idle int) {
	OnlineUsers.WithLabelValues("active").Set(float64(active))
	OnlineUsers.WithLabelValues("idle").Set(float64(idle))
}

// RegisterEventHandler wires metric updates to the event emitter.
func RegisterEventHandler(emitter *events.Emitter) {
	emitter.OnEvent(func(ev events.Event) {
		switch ev.Type {
		case events.HeartbeatRecorded:
			HeartbeatsTotal.Inc()
		case events.HeartbeatRejected:
			reason := ev.Fields["reason"]
			if reason == "" {
				reason = "unknown"
			}
			HeartbeatsRejectedTotal.WithLabelValues(reason).Inc()
		case events.StreamSubscribed:
			StreamSubscribers.Inc()
		case events.StreamUnsubscribed:
			StreamSubscribers.Dec()
		case events.StreamError:
			StreamErrorsTotal.Inc()
		}
	})
}
