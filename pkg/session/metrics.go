package session

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/remotesym/pkg/util"
)

type metrics struct {
	sweeps        *prometheus.CounterVec
	sweepDuration *prometheus.HistogramVec
	walkFrames    prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		sweeps: util.RegisterOrGet(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remotesym_session_sweeps_total",
			Help: "Symbol update sweeps by thread selection",
		}, []string{"threads"})),
		sweepDuration: util.RegisterOrGet(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "remotesym_session_sweep_duration_seconds",
			Help:    "Time spent in one symbol update sweep",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300},
		}, []string{"threads"})),
		walkFrames: util.RegisterOrGet(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "remotesym_session_walk_frames",
			Help:    "Frames inspected by one thread walk",
			Buckets: prometheus.ExponentialBuckets(1, 2, 11),
		})),
	}
}
