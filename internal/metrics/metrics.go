package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the indexer's collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	eventsParsed    *prometheus.CounterVec
	eventsIngested  *prometheus.CounterVec
	webhookRequests *prometheus.CounterVec
	rpcRequests     *prometheus.CounterVec
	rpcRetries      *prometheus.CounterVec
	backfillErrors  prometheus.Counter
	backfillRuns    *prometheus.CounterVec
	rebuildDur      prometheus.Histogram
	historicalTasks prometheus.Gauge
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.eventsParsed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskledger",
		Name:      "events_parsed_total",
		Help:      "Program events decoded from transaction logs",
	}, []string{"source"})
	m.eventsIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskledger",
		Name:      "events_ingested_total",
		Help:      "Events newly written to the event log",
	}, []string{"source"})
	m.webhookRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskledger",
		Name:      "webhook_requests_total",
		Help:      "Webhook deliveries by outcome",
	}, []string{"outcome"})
	m.rpcRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskledger",
		Name:      "rpc_requests_total",
		Help:      "Ledger RPC calls by method and status",
	}, []string{"method", "status"})
	m.rpcRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskledger",
		Name:      "rpc_retries_total",
		Help:      "Ledger RPC attempts retried after a transient failure",
	}, []string{"method"})
	m.backfillErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "taskledger",
		Name:      "backfill_errors_total",
		Help:      "Signature pages and transactions a backfill could not fetch",
	})
	m.backfillRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskledger",
		Name:      "backfill_runs_total",
		Help:      "Backfill runs by result",
	}, []string{"result"})
	m.rebuildDur = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "taskledger",
		Name:      "rebuild_duration_seconds",
		Help:      "Time spent rebuilding the task history projection",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
	})
	m.historicalTasks = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskledger",
		Name:      "rebuild_tasks",
		Help:      "Tasks written by the last rebuild",
	})
	m.registry.MustRegister(
		m.eventsParsed, m.eventsIngested, m.webhookRequests, m.rpcRequests, m.rpcRetries,
		m.backfillErrors, m.backfillRuns, m.rebuildDur, m.historicalTasks,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Events(source string, parsed, ingested int) {
	if m == nil {
		return
	}
	m.eventsParsed.WithLabelValues(source).Add(float64(parsed))
	m.eventsIngested.WithLabelValues(source).Add(float64(ingested))
}

func (m *Metrics) Webhook(outcome string) {
	if m == nil {
		return
	}
	m.webhookRequests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RPC(method, status string) {
	if m == nil {
		return
	}
	m.rpcRequests.WithLabelValues(method, status).Inc()
}

func (m *Metrics) RPCRetry(method string) {
	if m == nil {
		return
	}
	m.rpcRetries.WithLabelValues(method).Inc()
}

func (m *Metrics) Backfill(result string, errors int) {
	if m == nil {
		return
	}
	m.backfillRuns.WithLabelValues(result).Inc()
	m.backfillErrors.Add(float64(errors))
}

func (m *Metrics) Rebuild(tasks int, took time.Duration) {
	if m == nil {
		return
	}
	m.rebuildDur.Observe(took.Seconds())
	m.historicalTasks.Set(float64(tasks))
}
