package core

// metrics.go exposes the engine's Prometheus counters and histograms,
// following the registry-per-component, StartMetricsServer/Shutdown shape
// used for node health elsewhere in the stack.

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Metrics bundles every counter and histogram the ingestion and relay paths
// update, registered against one private registry.
type Metrics struct {
	registry *prometheus.Registry

	FramesIngested   prometheus.Counter
	FramesDuplicate  prometheus.Counter
	FramesVerified   prometheus.Counter
	FramesRejected   prometheus.Counter
	FramesArchived   prometheus.Counter
	FramesTombstoned prometheus.Counter

	ResolverMisses  prometheus.Counter
	ResolverErrors  prometheus.Counter
	VerifyLatency   prometheus.Histogram

	FanoutActiveConns  prometheus.Gauge
	FanoutFailures     prometheus.Counter
	FanoutBlacklisted  prometheus.Counter

	SegmentsFlushed  prometheus.Counter
	SegmentFlushSize prometheus.Histogram

	RelaySubscribers  prometheus.Gauge
	RelayClustersSent prometheus.Counter
	RelaySkippedTomb  prometheus.Counter
}

// NewMetrics constructs and registers every metric against a fresh
// registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{registry: reg}

	m.FramesIngested = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "archive_frames_ingested_total",
		Help: "Total frames read off producer connections.",
	})
	m.FramesDuplicate = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "archive_frames_duplicate_total",
		Help: "Frames whose content digest matched the dedup window.",
	})
	m.FramesVerified = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "archive_frames_verified_total",
		Help: "Frames whose signature verified successfully.",
	})
	m.FramesRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "archive_frames_rejected_total",
		Help: "Frames rejected for parse failure or bad signature.",
	})
	m.FramesArchived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "archive_frames_archived_total",
		Help: "Frames handed to a shard writer.",
	})
	m.FramesTombstoned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "archive_frames_tombstoned_total",
		Help: "Delete operations applied to the tombstone store.",
	})
	m.ResolverMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "archive_resolver_cache_misses_total",
		Help: "Identity cache misses requiring a directory fetch.",
	})
	m.ResolverErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "archive_resolver_errors_total",
		Help: "Directory fetches that failed or returned no usable key.",
	})
	m.VerifyLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "archive_verify_seconds",
		Help:    "Time spent canonicalizing, hashing and verifying one frame.",
		Buckets: prometheus.DefBuckets,
	})
	m.FanoutActiveConns = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "archive_fanout_active_connections",
		Help: "Currently open producer connections.",
	})
	m.FanoutFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "archive_fanout_failures_total",
		Help: "Producer connection failures recorded against the registry.",
	})
	m.FanoutBlacklisted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "archive_fanout_blacklisted_total",
		Help: "Producer endpoints permanently blocked.",
	})
	m.SegmentsFlushed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "archive_segments_flushed_total",
		Help: "Segment pairs written by shard persisters.",
	})
	m.SegmentFlushSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "archive_segment_flush_messages",
		Help:    "Message count per flushed segment.",
		Buckets: prometheus.ExponentialBuckets(64, 2, 12),
	})
	m.RelaySubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "archive_relay_subscribers",
		Help: "Currently connected relay subscribers.",
	})
	m.RelayClustersSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "archive_relay_clusters_sent_total",
		Help: "Distinct compressed clusters written to subscribers.",
	})
	m.RelaySkippedTomb = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "archive_relay_tombstoned_skipped_total",
		Help: "Sequences skipped during relay walk because they were tombstoned.",
	})

	reg.MustRegister(
		m.FramesIngested, m.FramesDuplicate, m.FramesVerified, m.FramesRejected,
		m.FramesArchived, m.FramesTombstoned, m.ResolverMisses, m.ResolverErrors,
		m.VerifyLatency, m.FanoutActiveConns, m.FanoutFailures, m.FanoutBlacklisted,
		m.SegmentsFlushed, m.SegmentFlushSize, m.RelaySubscribers, m.RelayClustersSent,
		m.RelaySkippedTomb,
	)
	return m
}

// StartServer exposes /metrics on addr and returns the underlying
// http.Server so the caller controls its lifecycle.
func (m *Metrics) StartServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Error("metrics: server exited")
		}
	}()
	return srv
}

// Shutdown gracefully stops the metrics HTTP server.
func (m *Metrics) Shutdown(ctx context.Context, srv *http.Server) error {
	return srv.Shutdown(ctx)
}
