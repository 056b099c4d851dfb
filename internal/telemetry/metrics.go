package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "bundl",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// OrdersCreatedTotal counts orders created, labeled by platform.
var OrdersCreatedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "bundl",
		Subsystem: "orders",
		Name:      "created_total",
		Help:      "Total number of orders created.",
	},
	[]string{"platform"},
)

// OrdersCompletedTotal counts orders that reached COMPLETED.
var OrdersCompletedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "bundl",
		Subsystem: "orders",
		Name:      "completed_total",
		Help:      "Total number of orders that reached the fully-pledged state.",
	},
)

// OrdersExpiredTotal counts orders that expired without completing.
var OrdersExpiredTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "bundl",
		Subsystem: "orders",
		Name:      "expired_total",
		Help:      "Total number of orders that expired without reaching the pledge threshold.",
	},
)

// PledgesTotal counts pledge attempts by outcome.
var PledgesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "bundl",
		Subsystem: "pledges",
		Name:      "total",
		Help:      "Total number of pledge attempts by outcome.",
	},
	[]string{"outcome"},
)

// CreditsDebitedTotal sums credits successfully debited from users.
var CreditsDebitedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "bundl",
		Subsystem: "credits",
		Name:      "debited_total",
		Help:      "Total credits debited from user balances.",
	},
)

// CreditsRefundedTotal sums credits refunded on order expiry.
var CreditsRefundedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "bundl",
		Subsystem: "credits",
		Name:      "refunded_total",
		Help:      "Total credits refunded to users on order expiry.",
	},
)

// NotificationsDroppedTotal counts notifications dropped because the
// dispatcher's buffer was full.
var NotificationsDroppedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "bundl",
		Subsystem: "notify",
		Name:      "dropped_total",
		Help:      "Total number of notification events dropped due to a full dispatcher buffer.",
	},
	[]string{"event"},
)

// WatcherReconnectsTotal counts expiry-watcher pub/sub reconnects.
var WatcherReconnectsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "bundl",
		Subsystem: "watcher",
		Name:      "reconnects_total",
		Help:      "Total number of times the expiry watcher reconnected its pub/sub subscription.",
	},
)

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors,
// the shared HTTP metric, and any additional service-specific collectors.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}

// All returns the Bundl-specific domain metrics for registration. Of these,
// only NotificationsDroppedTotal is incremented by code in this module; the
// order, pledge, credit and watcher counters are registered and exported but
// stay at zero.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		OrdersCreatedTotal,
		OrdersCompletedTotal,
		OrdersExpiredTotal,
		PledgesTotal,
		CreditsDebitedTotal,
		CreditsRefundedTotal,
		NotificationsDroppedTotal,
		WatcherReconnectsTotal,
	}
}
