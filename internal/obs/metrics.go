package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveClients           = promauto.NewGauge(prometheus.GaugeOpts{Name: "doorway_active_clients", Help: "Currently registered tunnel clients"})
	PendingRequests         = promauto.NewGauge(prometheus.GaugeOpts{Name: "doorway_pending_requests", Help: "Public requests waiting for a reply stream"})
	StreamsEstablishedTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "doorway_streams_established_total", Help: "Reply streams opened by tunnel clients"})
	UpgradesBridgedTotal    = promauto.NewCounter(prometheus.CounterOpts{Name: "doorway_upgrades_bridged_total", Help: "HTTP upgrade requests bridged through a tunnel"})
	ErrorsTotal             = promauto.NewCounterVec(prometheus.CounterOpts{Name: "doorway_errors_total", Help: "Errors by type"}, []string{"type"})
	RequestDurationSeconds  = promauto.NewHistogram(prometheus.HistogramOpts{Name: "doorway_request_duration_seconds", Help: "Public request lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
)
