// Package telemetry provides Prometheus metrics, OpenTelemetry tracing and
// correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	MessagesIngested   *prometheus.CounterVec
	MessagesSuppressed *prometheus.CounterVec
	Deletions          *prometheus.CounterVec
	Reconnects         *prometheus.CounterVec
	TokenRefreshes     *prometheus.CounterVec
	Sends              *prometheus.CounterVec
	WebhookRequests    *prometheus.CounterVec

	// Histograms (seconds)
	SendDuration    *prometheus.HistogramVec
	RefreshDuration *prometheus.HistogramVec

	// Gauges
	ConnectorState *prometheus.GaugeVec
	DedupEntries   *prometheus.GaugeVec
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		MessagesIngested = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatmux_messages_ingested_total", Help: "Messages accepted by the dispatcher"}, []string{"platform"})
		MessagesSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatmux_messages_suppressed_total", Help: "Messages dropped by deduplication"}, []string{"platform", "reason"})
		Deletions = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatmux_deletions_total", Help: "Deletion events fanned out to subscribers"}, []string{"platform"})
		Reconnects = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatmux_reconnects_total", Help: "Connector reconnect attempts"}, []string{"platform"})
		TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatmux_token_refresh_total", Help: "Token refresh outcomes"}, []string{"platform", "result"})
		Sends = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatmux_sends_total", Help: "Outbound chat sends"}, []string{"platform", "identity", "result"})
		WebhookRequests = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatmux_webhook_requests_total", Help: "Inbound webhook deliveries by event type"}, []string{"event"})
		SendDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "chatmux_send_duration_seconds", Help: "Send latency seconds", Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}}, []string{"platform"})
		RefreshDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "chatmux_token_refresh_duration_seconds", Help: "Token refresh latency seconds", Buckets: prometheus.DefBuckets}, []string{"platform"})
		ConnectorState = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "chatmux_connector_state", Help: "Connector state (0=Idle .. 6=Stopped)"}, []string{"platform", "role"})
		DedupEntries = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "chatmux_dedup_entries", Help: "Entries held in each dedup table"}, []string{"table"})
	})
}

// IncIngested counts an accepted message.
func IncIngested(platform string) {
	if MessagesIngested != nil {
		MessagesIngested.WithLabelValues(platform).Inc()
	}
}

// IncSuppressed counts a deduplicated message.
func IncSuppressed(platform, reason string) {
	if MessagesSuppressed != nil {
		MessagesSuppressed.WithLabelValues(platform, reason).Inc()
	}
}

// IncDeletion counts a deletion event.
func IncDeletion(platform string) {
	if Deletions != nil {
		Deletions.WithLabelValues(platform).Inc()
	}
}

// IncReconnect counts a reconnect attempt.
func IncReconnect(platform string) {
	if Reconnects != nil {
		Reconnects.WithLabelValues(platform).Inc()
	}
}

// IncTokenRefresh counts a refresh outcome (ok, invalid, transient).
func IncTokenRefresh(platform, result string) {
	if TokenRefreshes != nil {
		TokenRefreshes.WithLabelValues(platform, result).Inc()
	}
}

// IncSend counts a send outcome (ok, failed, not_ready).
func IncSend(platform, identity, result string) {
	if Sends != nil {
		Sends.WithLabelValues(platform, identity, result).Inc()
	}
}

// IncWebhook counts an inbound webhook delivery.
func IncWebhook(event string) {
	if WebhookRequests != nil {
		WebhookRequests.WithLabelValues(event).Inc()
	}
}

// SetConnectorState records a connector state as its ordinal.
func SetConnectorState(platform, role string, state int) {
	if ConnectorState != nil {
		ConnectorState.WithLabelValues(platform, role).Set(float64(state))
	}
}

// SetDedupEntries records the size of a dedup table.
func SetDedupEntries(table string, n int) {
	if DedupEntries != nil {
		DedupEntries.WithLabelValues(table).Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// ObserverFor returns the labelled observer of a histogram vector, or nil before Init.
func ObserverFor(vec *prometheus.HistogramVec, labels ...string) prometheus.Observer {
	if vec == nil {
		return nil
	}
	return vec.WithLabelValues(labels...)
}

// StatusLabel renders an HTTP status for metric labels.
func StatusLabel(code int) string { return strconv.Itoa(code) }

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
