// Package metrics holds the Prometheus collectors for offload and unload activity.
// Collectors register with the default registry on import.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "offload"

var (
	LayerFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "layer",
			Name:      "fetch_total",
			Help:      "Just-in-time weight fetches onto the target device",
		},
		[]string{"kind"},
	)

	LayerFetchBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "layer",
			Name:      "fetch_bytes_total",
			Help:      "Bytes copied onto the target device by weight fetches",
		},
		[]string{"kind"},
	)

	LayerFetchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "layer",
			Name:      "fetch_failures_total",
			Help:      "Weight fetches that failed, usually for lack of device memory",
		},
		[]string{"kind"},
	)

	LayersManaged = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "layer",
			Name:      "managed",
			Help:      "Layers currently under per-layer memory management",
		},
		[]string{"kind"},
	)

	UnloadedComponents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "unload",
			Name:      "components_total",
			Help:      "Real components replaced by placeholders",
		},
	)

	UnloadedBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "unload",
			Name:      "bytes_released_total",
			Help:      "Parameter bytes released by unloading",
		},
	)
)

func init() {
	prometheus.MustRegister(
		LayerFetches,
		LayerFetchBytes,
		LayerFetchFailures,
		LayersManaged,
		UnloadedComponents,
		UnloadedBytes,
	)
}
