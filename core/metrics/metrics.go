/*Package metrics holds the prometheus collectors of the service

All collectors are registered with Registry, which is served on /metrics.
*/
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "scaup"

// Registry is the prometheus registry of the service
var Registry = prometheus.NewRegistry()

var (
	// UpstreamRequests counts requests to upstream services by service, method and status code
	UpstreamRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "upstream",
		Name:      "requests_total",
		Help:      "Requests sent to upstream services.",
	}, []string{"service", "method", "code"})

	// UpstreamRetries counts retried upstream requests
	UpstreamRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "upstream",
		Name:      "retries_total",
		Help:      "Upstream requests that were retried after a transient failure.",
	}, []string{"service"})

	// PushDuration observes how long pushing a shipment tree takes
	PushDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "push",
		Name:      "duration_seconds",
		Help:      "Duration of shipment pushes to ISPyB.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"result"})

	// PushedNodes counts nodes created or updated upstream by kind and method
	PushedNodes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "push",
		Name:      "nodes_total",
		Help:      "Shipment tree nodes upserted in ISPyB.",
	}, []string{"kind", "method"})

	// ConflictRetries counts writes that were retried after clearing a conflicting location
	ConflictRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "db",
		Name:      "conflict_retries_total",
		Help:      "Writes retried after a unique location constraint violation.",
	}, []string{"constraint"})

	// Jobs counts processed background jobs by type and result
	Jobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "processed_total",
		Help:      "Background jobs processed.",
	}, []string{"type", "result"})

	// OutboxBacklog is the number of notifications waiting to be published
	OutboxBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "outbox",
		Name:      "backlog",
		Help:      "Notifications waiting in the outbox.",
	})
)

func init() {
	Registry.MustRegister(
		UpstreamRequests,
		UpstreamRetries,
		PushDuration,
		PushedNodes,
		ConflictRetries,
		Jobs,
		OutboxBacklog,
		collectors.NewGoCollector(),
	)
}

// Handler serves the metrics of Registry
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
