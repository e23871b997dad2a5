package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// ResultSuccess labels a successful operation.
	ResultSuccess = "success"
	// ResultFailure labels a failed operation.
	ResultFailure = "failure"
	// ResultRejected labels a request refused because another one was running.
	ResultRejected = "rejected"
)

// Metrics holds the client instruments. A nil *Metrics records nothing.
type Metrics struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	lockWait          *prometheus.HistogramVec
	deployments       prometheus.Gauge
}

// New registers the instruments on reg.
func New(reg prometheus.Registerer) *Metrics {
	promFactory := promauto.With(reg)

	return &Metrics{
		operationsTotal: promFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ota_operations_total",
				Help: "Total number of OTA operations labelled by operation and result",
			},
			[]string{"operation", "result"},
		),
		operationDuration: promFactory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ota_operation_duration_seconds",
				Help:    "Duration of OTA operations",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 900, 1800},
			},
			[]string{"operation"},
		),
		lockWait: promFactory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ota_lock_wait_seconds",
				Help:    "Time spent waiting for a cross-process lock scope",
				Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30, 120},
			},
			[]string{"scope"},
		),
		deployments: promFactory.NewGauge(prometheus.GaugeOpts{
			Name: "ota_deployments",
			Help: "Number of deployments in the sysroot after the last load",
		}),
	}
}

// ObserveOperation records one finished operation.
func (m *Metrics) ObserveOperation(operation, result string, duration time.Duration) {
	if m == nil {
		return
	}

	m.operationsTotal.WithLabelValues(operation, result).Inc()

	if result != ResultRejected {
		m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	}
}

// ObserveLockWait records how long acquiring scope took.
// Its signature matches the lock manager's wait observer.
func (m *Metrics) ObserveLockWait(scope string, waited time.Duration) {
	if m == nil {
		return
	}

	m.lockWait.WithLabelValues(scope).Observe(waited.Seconds())
}

// SetDeployments records the size of the deployment list.
func (m *Metrics) SetDeployments(count int) {
	if m == nil {
		return
	}

	m.deployments.Set(float64(count))
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
