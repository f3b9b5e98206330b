package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RelayEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_relay_events_total",
		Help: "Upstream stream events seen by the relay, by kind",
	}, []string{"kind"})

	RelaysActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chat_relay_active_streams",
		Help: "Upstream streams currently being drained",
	})

	ClientDetaches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_relay_client_detaches_total",
		Help: "Clients detached before the upstream stream finished, by reason",
	}, []string{"reason"})

	FinalizeOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_relay_finalize_total",
		Help: "Assistant turn finalization results",
	}, []string{"result"})

	EphemeralFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_ephemeral_fallbacks_total",
		Help: "Sessions served from memory because durable storage failed",
	}, []string{"reason"})

	UpstreamOpenFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_upstream_open_failures_total",
		Help: "Failures opening the AI response stream, by class",
	}, []string{"class"})

	UpstreamSetupDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_upstream_setup_seconds",
		Help:    "Time until the AI service returned response headers",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	})
)
