package lib

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

/* This file implements dev-ops telemetry for the node in the form of prometheus metrics */

const metricsPattern = "/metrics"

// Metrics represents a server that exposes Prometheus metrics
// every method is safe to call on a nil *Metrics, which is how tests and disabled telemetry run
type Metrics struct {
	server *http.Server  // the http prometheus server
	config MetricsConfig // the configuration
	log    LoggerI       // the logger

	NodeMetrics      // general telemetry about the node
	PeerMetrics      // peer telemetry
	SessionMetrics   // session lifecycle telemetry
	FinalityMetrics  // finalization pipeline telemetry
	RateLimitMetrics // outbound bandwidth telemetry
}

// NodeMetrics represents general telemetry for the node's health
type NodeMetrics struct {
	NodeStatus prometheus.Gauge // is the node alive?
}

// PeerMetrics represents the telemetry for the P2P module
type PeerMetrics struct {
	TotalPeers      prometheus.Gauge       // number of peers
	InboundPeers    prometheus.Gauge       // number of peers that dialed this node
	OutboundPeers   prometheus.Gauge       // number of peers that this node dialed
	DroppedMessages *prometheus.CounterVec // outbound messages dropped by a full peer queue, by channel
	DroppedFrames   prometheus.Counter     // inbound frames for sessions that aren't running
}

// SessionMetrics represents the telemetry of the session orchestrator
type SessionMetrics struct {
	ActiveSessions      prometheus.Gauge // sessions in the early start, validating or non-validating state
	CurrentSession      prometheus.Gauge // the highest session started
	AddressCacheEntries prometheus.Gauge // authenticated address records held
}

// FinalityMetrics represents the telemetry of the finalization pipeline
type FinalityMetrics struct {
	FinalizedHeight  prometheus.Gauge     // the number of the last finalized block
	BestHeight       prometheus.Gauge     // the number of the best block
	FinalizationTime prometheus.Histogram // time between an agreed proposal and its head being finalized
}

// RateLimitMetrics represents the telemetry of the token bucket
type RateLimitMetrics struct {
	RateLimitWait prometheus.Histogram // how long callers wait for tokens
}

// NewMetricsServer() creates a new telemetry server
func NewMetricsServer(config MetricsConfig, log LoggerI) *Metrics {
	mux := http.NewServeMux()
	mux.Handle(metricsPattern, promhttp.Handler())
	return &Metrics{
		server: &http.Server{Addr: config.PrometheusAddress, Handler: mux},
		config: config,
		log:    log,
		NodeMetrics: NodeMetrics{
			NodeStatus: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "finality_node_status",
				Help: "The node is alive",
			}),
		},
		PeerMetrics: PeerMetrics{
			TotalPeers: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "finality_peer_total",
				Help: "Total number of peers",
			}),
			InboundPeers: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "finality_peer_inbound",
				Help: "Number of inbound peers",
			}),
			OutboundPeers: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "finality_peer_outbound",
				Help: "Number of outbound peers",
			}),
			DroppedMessages: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "finality_peer_dropped_messages",
				Help: "Outbound messages dropped because a peer queue was full",
			}, []string{"channel"}),
			DroppedFrames: promauto.NewCounter(prometheus.CounterOpts{
				Name: "finality_peer_dropped_frames",
				Help: "Inbound frames for unknown or stopped sessions",
			}),
		},
		SessionMetrics: SessionMetrics{
			ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "finality_sessions_active",
				Help: "Number of sessions this node currently participates in",
			}),
			CurrentSession: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "finality_session_current",
				Help: "The highest session id started",
			}),
			AddressCacheEntries: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "finality_address_cache_entries",
				Help: "Authenticated addressing records in the address cache",
			}),
		},
		FinalityMetrics: FinalityMetrics{
			FinalizedHeight: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "finality_finalized_height",
				Help: "Number of the last finalized block",
			}),
			BestHeight: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "finality_best_height",
				Help: "Number of the best block",
			}),
			FinalizationTime: promauto.NewHistogram(prometheus.HistogramOpts{
				Name: "finality_finalization_time",
				Help: "Time from an agreed proposal to its head being finalized in seconds",
			}),
		},
		RateLimitMetrics: RateLimitMetrics{
			RateLimitWait: promauto.NewHistogram(prometheus.HistogramOpts{
				Name: "finality_rate_limit_wait",
				Help: "Time spent waiting for outbound bandwidth tokens in seconds",
			}),
		},
	}
}

// Start() starts the telemetry server
func (m *Metrics) Start() {
	if m == nil {
		return
	}
	if m.config.Enabled {
		m.NodeStatus.Set(1)
		go func() {
			m.log.Infof("Starting metrics server on %s", m.config.PrometheusAddress)
			if err := m.server.ListenAndServe(); err != nil {
				if err != http.ErrServerClosed {
					m.log.Errorf("Metrics server failed with err: %s", err.Error())
				}
			}
		}()
	}
}

// Stop() gracefully stops the telemetry server
func (m *Metrics) Stop() {
	if m == nil {
		return
	}
	if m.config.Enabled {
		if err := m.server.Shutdown(context.Background()); err != nil {
			m.log.Error(err.Error())
		}
	}
}

// UpdatePeerMetrics() is a setter for the peer metrics
func (m *Metrics) UpdatePeerMetrics(total, inbound, outbound int) {
	if m == nil {
		return
	}
	m.TotalPeers.Set(float64(total))
	m.InboundPeers.Set(float64(inbound))
	m.OutboundPeers.Set(float64(outbound))
}

// MessageDropped() counts an outbound message evicted from a full peer queue
func (m *Metrics) MessageDropped(channel string) {
	if m == nil {
		return
	}
	m.DroppedMessages.WithLabelValues(channel).Inc()
}

// FrameDropped() counts an inbound frame that had no running session to go to
func (m *Metrics) FrameDropped() {
	if m == nil {
		return
	}
	m.DroppedFrames.Inc()
}

// UpdateSessionMetrics() is a setter for the session metrics
func (m *Metrics) UpdateSessionMetrics(active int, current SessionId) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(active))
	m.CurrentSession.Set(float64(current))
}

// UpdateAddressCache() sets the number of records in the address cache
func (m *Metrics) UpdateAddressCache(entries int) {
	if m == nil {
		return
	}
	m.AddressCacheEntries.Set(float64(entries))
}

// UpdateChainMetrics() is a setter for the chain heads
func (m *Metrics) UpdateChainMetrics(best, finalized uint64) {
	if m == nil {
		return
	}
	m.BestHeight.Set(float64(best))
	m.FinalizedHeight.Set(float64(finalized))
}

// ObserveFinalization() records the time an agreed proposal took to be finalized
func (m *Metrics) ObserveFinalization(d time.Duration) {
	if m == nil {
		return
	}
	m.FinalizationTime.Observe(d.Seconds())
}

// ObserveRateLimitWait() records the time a caller waited for tokens
func (m *Metrics) ObserveRateLimitWait(d time.Duration) {
	if m == nil {
		return
	}
	m.RateLimitWait.Observe(d.Seconds())
}
