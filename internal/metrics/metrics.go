package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consult_connect_attempts_total",
		Help: "Connection attempts by trigger and result",
	}, []string{"trigger", "result"})

	Disconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "consult_disconnects_total",
		Help: "Unexpected transport disconnects",
	})

	ConnectionPhase = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "consult_connection_phase",
		Help: "Current connection phase (0 idle, 1 connecting, 2 connected, 3 disconnected, 4 failed)",
	})

	HeartbeatRTT = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "consult_heartbeat_rtt_seconds",
		Help:    "Heartbeat round trip time",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
	})

	DroppedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consult_dropped_frames_total",
		Help: "Inbound frames dropped at the transport boundary",
	}, []string{"reason"})

	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consult_messages_sent_total",
		Help: "Outgoing chat messages by final result",
	}, []string{"result"})

	MessagesDeduplicated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consult_messages_deduplicated_total",
		Help: "Inbound messages discarded as duplicates",
	}, []string{"source", "rule"})

	RecoveryTriggers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consult_recovery_triggers_total",
		Help: "Missed-message recovery triggers by source and outcome",
	}, []string{"source", "outcome"})

	TimerUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consult_timer_updates_total",
		Help: "Authoritative timer updates by outcome",
	}, []string{"outcome"})

	IceRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consult_ice_restarts_total",
		Help: "ICE restarts by result",
	}, []string{"result"})

	SessionsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consult_sessions_ended_total",
		Help: "Sessions reaching the ended state by reason",
	}, []string{"reason"})
)

// Handler 暴露/metrics
func Handler() http.Handler {
	return promhttp.Handler()
}
