package metrics

import (
	"database/sql"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	metricPrefix = "metrology_"

	resultSuccess = "success"
	resultError   = "error"
	resultBlocked = "blocked"
)

var (
	registerOnce sync.Once

	transitionTotal   *prometheus.CounterVec
	transitionLatency *prometheus.HistogramVec

	allocationTotal   *prometheus.CounterVec
	allocationLatency *prometheus.HistogramVec
	allocationRetries *prometheus.CounterVec
	numberingGaps     *prometheus.CounterVec

	certificateExportTotal   *prometheus.CounterVec
	certificateExportLatency *prometheus.HistogramVec

	configReloads *prometheus.CounterVec

	outboxPublishTotal   *prometheus.CounterVec
	outboxPublishLatency *prometheus.HistogramVec
	outboxDispatchTotal  *prometheus.CounterVec
	outboxDispatched     *prometheus.CounterVec
	consumerLag          *prometheus.HistogramVec
)

// Init registers engine metrics and DB-backed gauges.
func Init(db *sql.DB, logger logrus.FieldLogger) {
	registerOnce.Do(func() {
		transitionTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "transition_total",
				Help: "Total lifecycle transitions by transition and result",
			},
			[]string{"transition", "result"},
		)
		transitionLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "transition_latency_seconds",
				Help:    "Lifecycle transition latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"transition", "result"},
		)

		allocationTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "numbering_allocations_total",
				Help: "Total sequence allocations by entity and result",
			},
			[]string{"entity", "result"},
		)
		allocationLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "numbering_allocation_latency_seconds",
				Help:    "Sequence allocation latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"entity", "result"},
		)
		allocationRetries = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "numbering_retries_total",
				Help: "Total allocation retries after contention",
			},
			[]string{"entity"},
		)
		numberingGaps = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "numbering_gaps_total",
				Help: "Total released numbers recorded as gaps",
			},
			[]string{"entity"},
		)

		certificateExportTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "certificate_export_total",
				Help: "Total certificate export operations by format and result",
			},
			[]string{"format", "result"},
		)
		certificateExportLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "certificate_export_latency_seconds",
				Help:    "Certificate export latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"format", "result"},
		)

		configReloads = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "config_reloads_total",
				Help: "Total engine configuration reloads by result",
			},
			[]string{"result"},
		)

		outboxPublishTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "outbox_publish_total",
				Help: "Total outbox publish operations by result",
			},
			[]string{"result"},
		)
		outboxPublishLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "outbox_publish_latency_seconds",
				Help:    "Outbox publish latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		outboxDispatchTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "outbox_dispatch_total",
				Help: "Total outbox dispatch runs by result",
			},
			[]string{"result"},
		)
		outboxDispatched = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "outbox_dispatched_records_total",
				Help: "Outbox records handled by dispatch outcome",
			},
			[]string{"outcome"},
		)
		consumerLag = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "event_consumer_lag_seconds",
				Help:    "Delay between event occurrence and consumption",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"consumer"},
		)

		prometheus.MustRegister(
			transitionTotal,
			transitionLatency,
			allocationTotal,
			allocationLatency,
			allocationRetries,
			numberingGaps,
			certificateExportTotal,
			certificateExportLatency,
			configReloads,
			outboxPublishTotal,
			outboxPublishLatency,
			outboxDispatchTotal,
			outboxDispatched,
			consumerLag,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// ObserveTransition records a lifecycle transition and its latency.
func ObserveTransition(transition, result string, duration time.Duration) {
	if transition == "" {
		transition = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if transitionTotal != nil {
		transitionTotal.WithLabelValues(transition, result).Inc()
	}
	if transitionLatency != nil {
		transitionLatency.WithLabelValues(transition, result).Observe(duration.Seconds())
	}
}

// ObserveAllocation records a sequence allocation.
func ObserveAllocation(entity, result string, duration time.Duration) {
	if entity == "" {
		entity = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if allocationTotal != nil {
		allocationTotal.WithLabelValues(entity, result).Inc()
	}
	if allocationLatency != nil {
		allocationLatency.WithLabelValues(entity, result).Observe(duration.Seconds())
	}
}

// IncAllocationRetry increments the contention retry counter.
func IncAllocationRetry(entity string) {
	if entity == "" {
		entity = "unknown"
	}
	if allocationRetries != nil {
		allocationRetries.WithLabelValues(entity).Inc()
	}
}

// IncNumberingGap increments the released number counter.
func IncNumberingGap(entity string) {
	if entity == "" {
		entity = "unknown"
	}
	if numberingGaps != nil {
		numberingGaps.WithLabelValues(entity).Inc()
	}
}

// ObserveCertificateExport records export latency and result.
func ObserveCertificateExport(format, result string, duration time.Duration) {
	if format == "" {
		format = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if certificateExportTotal != nil {
		certificateExportTotal.WithLabelValues(format, result).Inc()
	}
	if certificateExportLatency != nil {
		certificateExportLatency.WithLabelValues(format, result).Observe(duration.Seconds())
	}
}

// IncConfigReload counts configuration reload attempts.
func IncConfigReload(result string) {
	if result == "" {
		result = resultSuccess
	}
	if configReloads != nil {
		configReloads.WithLabelValues(result).Inc()
	}
}

// ObserveOutboxPublish records outbox insert latency.
func ObserveOutboxPublish(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if outboxPublishTotal != nil {
		outboxPublishTotal.WithLabelValues(result).Inc()
	}
	if outboxPublishLatency != nil {
		outboxPublishLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// ObserveOutboxDispatch records one dispatch run.
func ObserveOutboxDispatch(result string, _ time.Duration, sent, failed, dlq int) {
	if result == "" {
		result = resultSuccess
	}
	if outboxDispatchTotal != nil {
		outboxDispatchTotal.WithLabelValues(result).Inc()
	}
	if outboxDispatched == nil {
		return
	}
	if sent > 0 {
		outboxDispatched.WithLabelValues("sent").Add(float64(sent))
	}
	if failed > 0 {
		outboxDispatched.WithLabelValues("failed").Add(float64(failed))
	}
	if dlq > 0 {
		outboxDispatched.WithLabelValues("dlq").Add(float64(dlq))
	}
}

// ObserveConsumerLag records how far behind a consumer is.
func ObserveConsumerLag(consumer string, lag time.Duration) {
	if consumer == "" {
		consumer = "unknown"
	}
	if lag < 0 {
		lag = 0
	}
	if consumerLag != nil {
		consumerLag.WithLabelValues(consumer).Observe(lag.Seconds())
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError
	ResultBlocked = resultBlocked
)
