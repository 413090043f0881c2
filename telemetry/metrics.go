// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
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
	RedemptionsProcessed *prometheus.CounterVec // kind=poll|announcement
	DuplicatesSkipped    prometheus.Counter
	ActionsFailed        *prometheus.CounterVec // kind
	HelixRequests        *prometheus.CounterVec // endpoint, class
	ChatCommands         *prometheus.CounterVec // command

	// Histograms (seconds)
	IterationDuration prometheus.Observer

	// Gauges
	PoolRemaining    *prometheus.GaugeVec // pool
	CircuitOpenGauge prometheus.Gauge     // 1=open,0=closed
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		RedemptionsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{Name: "pointsbot_redemptions_processed_total", Help: "Redemptions acted upon"}, []string{"kind"})
		DuplicatesSkipped = promauto.NewCounter(prometheus.CounterOpts{Name: "pointsbot_redemptions_duplicate_total", Help: "Redemptions skipped because already processed"})
		ActionsFailed = promauto.NewCounterVec(prometheus.CounterOpts{Name: "pointsbot_actions_failed_total", Help: "Poll, announcement or chat actions that failed"}, []string{"kind"})
		HelixRequests = promauto.NewCounterVec(prometheus.CounterOpts{Name: "pointsbot_helix_requests_total", Help: "Helix requests by endpoint and status class"}, []string{"endpoint", "class"})
		ChatCommands = promauto.NewCounterVec(prometheus.CounterOpts{Name: "pointsbot_chat_commands_total", Help: "Chat commands answered"}, []string{"command"})
		IterationDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "pointsbot_iteration_duration_seconds", Help: "Polling iteration duration seconds", Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30}})
		PoolRemaining = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "pointsbot_pool_remaining", Help: "Available items per content pool"}, []string{"pool"})
		CircuitOpenGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "pointsbot_helix_circuit_open", Help: "Circuit breaker open=1 closed=0"})
	})
}

// UpdateCircuitGauge sets gauge to 1 if open else 0.
func UpdateCircuitGauge(open bool) {
	if CircuitOpenGauge == nil {
		return
	}
	if open {
		CircuitOpenGauge.Set(1)
	} else {
		CircuitOpenGauge.Set(0)
	}
}

// SetPoolRemaining records the available item count of a pool.
func SetPoolRemaining(pool string, n int) {
	if PoolRemaining != nil {
		PoolRemaining.WithLabelValues(pool).Set(float64(n))
	}
}

func IncRedemption(kind string) {
	if RedemptionsProcessed != nil {
		RedemptionsProcessed.WithLabelValues(kind).Inc()
	}
}

func IncDuplicate() {
	if DuplicatesSkipped != nil {
		DuplicatesSkipped.Inc()
	}
}

func IncActionFailed(kind string) {
	if ActionsFailed != nil {
		ActionsFailed.WithLabelValues(kind).Inc()
	}
}

func IncChatCommand(name string) {
	if ChatCommands != nil {
		ChatCommands.WithLabelValues(name).Inc()
	}
}

// ObserveHelix counts one Helix response; status 0 means a transport error.
func ObserveHelix(endpoint string, status int) {
	if HelixRequests != nil {
		HelixRequests.WithLabelValues(endpoint, StatusClass(status)).Inc()
	}
}

// StatusClass buckets an HTTP status into 2xx, 4xx, 5xx or "error".
func StatusClass(status int) string {
	if status < 100 || status > 599 {
		return "error"
	}
	return strconv.Itoa(status/100) + "xx"
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
