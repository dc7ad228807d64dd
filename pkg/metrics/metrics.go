package metrics

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	registry     *prometheus.Registry
	registryOnce sync.Once

	// Call metrics
	ActiveCalls  prometheus.Gauge
	CallsTotal   *prometheus.CounterVec
	CallDuration prometheus.Histogram

	// Ingress metrics
	FramesSent    prometheus.Counter
	IngressBytes  prometheus.Counter
	IngressErrors prometheus.Counter

	// Realtime metrics
	RealtimeAudioBytes    prometheus.Counter
	RealtimeConnectErrors prometheus.Counter

	// Playback metrics
	SegmentsPlayed  prometheus.Counter
	SegmentsDropped prometheus.Counter
	BargeIns        prometheus.Counter

	// Messaging metrics
	TranscriptsPublished prometheus.Counter
)

// Init initializes all metrics and registers them with Prometheus
func Init(logger *logrus.Logger) {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()

		ActiveCalls = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voicebridge_active_calls",
			Help: "Number of calls currently in a live session",
		})

		CallsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicebridge_calls_total",
				Help: "Total number of incoming calls by outcome",
			},
			[]string{"outcome"},
		)

		CallDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicebridge_call_duration_seconds",
			Help:    "Duration of finalized calls",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		})

		FramesSent = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voicebridge_ingress_frames_sent_total",
			Help: "Total number of ingress audio frames forwarded to the AI endpoint",
		})

		IngressBytes = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voicebridge_ingress_bytes_total",
			Help: "Total number of ingress audio bytes forwarded to the AI endpoint",
		})

		IngressErrors = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voicebridge_ingress_errors_total",
			Help: "Total number of ingress pump failures",
		})

		RealtimeAudioBytes = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voicebridge_realtime_audio_bytes_total",
			Help: "Total number of AI reply audio bytes received",
		})

		RealtimeConnectErrors = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voicebridge_realtime_connect_errors_total",
			Help: "Total number of failed connections to the AI endpoint",
		})

		SegmentsPlayed = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voicebridge_segments_played_total",
			Help: "Total number of playback segments started",
		})

		SegmentsDropped = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voicebridge_segments_dropped_total",
			Help: "Total number of playback segments discarded before playing",
		})

		BargeIns = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voicebridge_barge_ins_total",
			Help: "Total number of caller interruptions during playback",
		})

		TranscriptsPublished = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voicebridge_transcripts_published_total",
			Help: "Total number of transcript events published to AMQP",
		})

		registry.MustRegister(
			ActiveCalls, CallsTotal, CallDuration,
			FramesSent, IngressBytes, IngressErrors,
			RealtimeAudioBytes, RealtimeConnectErrors,
			SegmentsPlayed, SegmentsDropped, BargeIns,
			TranscriptsPublished,
		)

		logger.Debug("Prometheus metrics registered")
	})
}

// StartServer exposes /metrics on the given port. It returns the server so
// the caller can shut it down.
func StartServer(logger *logrus.Logger, port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.WithField("addr", server.Addr).Info("Metrics server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Metrics server stopped")
		}
	}()
	return server
}

// The helpers below are nil-safe so call paths can record metrics without
// caring whether Init ran (it does not in most tests).

// IncCallsTotal counts one incoming call by outcome
func IncCallsTotal(outcome string) {
	if CallsTotal != nil {
		CallsTotal.WithLabelValues(outcome).Inc()
	}
}

// SetActiveCalls publishes the live-session gauge
func SetActiveCalls(n int) {
	if ActiveCalls != nil {
		ActiveCalls.Set(float64(n))
	}
}

// ObserveCallDuration records the duration of a finalized call
func ObserveCallDuration(d time.Duration) {
	if CallDuration != nil {
		CallDuration.Observe(d.Seconds())
	}
}

// IncFramesSent counts one forwarded ingress frame of n bytes
func IncFramesSent(n int) {
	if FramesSent != nil {
		FramesSent.Inc()
	}
	if IngressBytes != nil {
		IngressBytes.Add(float64(n))
	}
}

// IncIngressErrors counts one ingress pump failure
func IncIngressErrors() {
	if IngressErrors != nil {
		IngressErrors.Inc()
	}
}

// AddRealtimeAudioBytes counts received AI reply audio
func AddRealtimeAudioBytes(n int) {
	if RealtimeAudioBytes != nil {
		RealtimeAudioBytes.Add(float64(n))
	}
}

// IncRealtimeConnectErrors counts one failed endpoint connection
func IncRealtimeConnectErrors() {
	if RealtimeConnectErrors != nil {
		RealtimeConnectErrors.Inc()
	}
}

// IncSegmentsPlayed counts one started playback segment
func IncSegmentsPlayed() {
	if SegmentsPlayed != nil {
		SegmentsPlayed.Inc()
	}
}

// AddSegmentsDropped counts segments discarded before playing
func AddSegmentsDropped(n int) {
	if SegmentsDropped != nil && n > 0 {
		SegmentsDropped.Add(float64(n))
	}
}

// IncBargeIns counts one caller interruption
func IncBargeIns() {
	if BargeIns != nil {
		BargeIns.Inc()
	}
}

// IncTranscriptsPublished counts one published transcript event
func IncTranscriptsPublished() {
	if TranscriptsPublished != nil {
		TranscriptsPublished.Inc()
	}
}
