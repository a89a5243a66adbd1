// Package metrics exposes Prometheus instrumentation for the exchange.
//
// A single Collector owns every metric and is handed to the layers that
// record into it. Construction takes an explicit registry so tests can use
// a private one instead of fighting over the global default.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "satsbook"

// Collector bundles every metric the daemon records.
type Collector struct {
	registry *prometheus.Registry

	OrdersTotal      *prometheus.CounterVec // outcome: placed, rejected
	FillsTotal       prometheus.Counter
	FillVolumeSats   prometheus.Counter
	AutoSettleSats   prometheus.Counter
	CancelsTotal     prometheus.Counter
	ResolutionsTotal prometheus.Counter

	DepositsTotal    prometheus.Counter
	WithdrawalsTotal *prometheus.CounterVec // outcome: requested, completed, failed

	MakerExposureSats prometheus.Gauge
	MakerTier         prometheus.Gauge
	MakerOrdersPlaced prometheus.Counter
	MakerReconciles   prometheus.Counter

	HTTPDuration  *prometheus.HistogramVec // path, method
	WSClients     prometheus.Gauge
	EventsDropped prometheus.Counter
}

// New builds and registers every metric on the given registry.
func New(reg *prometheus.Registry) *Collector {
	c := &Collector{
		registry: reg,
		OrdersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "orders_total",
			Help:      "Orders processed by the placement pipeline.",
		}, []string{"outcome"}),
		FillsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "fills_total",
			Help:      "Maker/taker matches committed.",
		}),
		FillVolumeSats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "fill_volume_sats_total",
			Help:      "Face value matched, in satoshis.",
		}),
		AutoSettleSats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "auto_settle_sats_total",
			Help:      "Guaranteed payouts credited by offset settlement.",
		}),
		CancelsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "cancels_total",
			Help:      "Orders cancelled by users, admins or the maker.",
		}),
		ResolutionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "resolutions_total",
			Help:      "Markets resolved.",
		}),
		DepositsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "funds",
			Name:      "deposits_total",
			Help:      "Deposits credited.",
		}),
		WithdrawalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "funds",
			Name:      "withdrawals_total",
			Help:      "Withdrawal lifecycle events.",
		}, []string{"outcome"}),
		MakerExposureSats: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "maker",
			Name:      "exposure_sats",
			Help:      "House maker total at-risk face value.",
		}),
		MakerTier: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "maker",
			Name:      "tier",
			Help:      "House maker current pullback tier.",
		}),
		MakerOrdersPlaced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "maker",
			Name:      "orders_placed_total",
			Help:      "Orders the house maker placed while reconciling.",
		}),
		MakerReconciles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "maker",
			Name:      "reconciles_total",
			Help:      "Per-market reconcile passes.",
		}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP handler latency.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"route", "method"}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "ws_clients",
			Help:      "Connected WebSocket clients.",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "events_dropped_total",
			Help:      "Events discarded because a consumer was slow.",
		}),
	}

	reg.MustRegister(
		c.OrdersTotal, c.FillsTotal, c.FillVolumeSats, c.AutoSettleSats,
		c.CancelsTotal, c.ResolutionsTotal,
		c.DepositsTotal, c.WithdrawalsTotal,
		c.MakerExposureSats, c.MakerTier, c.MakerOrdersPlaced, c.MakerReconciles,
		c.HTTPDuration, c.WSClients, c.EventsDropped,
	)
	return c
}

// RegisterStoreRetries wires a counter that reads the store's transaction
// retry count lazily, since the store predates the collector at boot.
func (c *Collector) RegisterStoreRetries(fn func() uint64) {
	c.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "tx_retries_total",
		Help:      "Transactions retried on a busy database.",
	}, func() float64 { return float64(fn()) }))
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
