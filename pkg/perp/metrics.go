package perp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	committedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "perpcore",
		Name:      "orders_committed_total",
		Help:      "Orders committed, per market.",
	}, []string{"market"})

	settledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "perpcore",
		Name:      "orders_settled_total",
		Help:      "Orders settled, per market.",
	}, []string{"market"})

	canceledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "perpcore",
		Name:      "orders_canceled_total",
		Help:      "Orders canceled, per market and reason (tolerance or stale).",
	}, []string{"market", "reason"})
)
