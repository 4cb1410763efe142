package resolver

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/remotesym/pkg/util"
)

const (
	sourceNone     = "none"
	sourceIndex    = "index"
	sourceCache    = "cache"
	sourceDownload = "download"
)

type metrics struct {
	attempts *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		attempts: util.RegisterOrGet(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remotesym_resolver_attempts_total",
			Help: "Resolution attempts by outcome and symbol source",
		}, []string{"outcome", "source"})),
		duration: util.RegisterOrGet(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "remotesym_resolver_attempt_duration_seconds",
			Help:    "Time spent resolving one mapped file by outcome",
			Buckets: []float64{.001, .01, .1, .5, 1, 5, 10, 30, 60},
		}, []string{"outcome"})),
	}
}
