// Copyright © 2025 Tessera Systems

package transactor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	sessions   prometheus.Gauge
	workspaces prometheus.Gauge
	requests   *prometheus.CounterVec
	broadcasts prometheus.Counter
	hangClosed prometheus.Counter
	upgrades   prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &metrics{
		sessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "transactor",
			Name:      "sessions",
			Help:      "Number of live client sessions.",
		}),
		workspaces: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "transactor",
			Name:      "workspaces",
			Help:      "Number of live workspaces.",
		}),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "transactor",
			Name:      "requests_total",
			Help:      "Requests handled, by method.",
		}, []string{"method"}),
		broadcasts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "transactor",
			Name:      "broadcast_frames_total",
			Help:      "Transaction frames fanned out to sessions.",
		}),
		hangClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "transactor",
			Name:      "hang_closed_sessions_total",
			Help:      "Sessions force-closed by hang detection.",
		}),
		upgrades: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "transactor",
			Name:      "upgrade_switches_total",
			Help:      "Workspace upgrade switches performed.",
		}),
	}
}
