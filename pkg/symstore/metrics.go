package symstore

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/remotesym/pkg/util"
)

const (
	sourceCloud  = "cloud"
	sourceDevice = "device"
	sourceLocal  = "local"

	statusSuccess = "success"

	statusErrorPrefix = "error:"

	statusErrorNotFound     = statusErrorPrefix + "not_found"
	statusErrorUnauthorized = statusErrorPrefix + "unauthorized"
	statusErrorRateLimited  = statusErrorPrefix + "rate_limited"
	statusErrorClientError  = statusErrorPrefix + "client_error"
	statusErrorServerError  = statusErrorPrefix + "server_error"
	statusErrorHTTPOther    = statusErrorPrefix + "http_other"

	statusErrorCanceled  = statusErrorPrefix + "canceled"
	statusErrorTimeout   = statusErrorPrefix + "timeout"
	statusErrorInvalidID = statusErrorPrefix + "invalid_signature"
	statusErrorOther     = statusErrorPrefix + "other"
)

type metrics struct {
	cloudRequestDuration *prometheus.HistogramVec
	fetchedBytes         *prometheus.CounterVec
	cacheOperations      *prometheus.CounterVec
	publishedFiles       *prometheus.CounterVec
	pendingTempFiles     prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		cloudRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "remotesym_symstore_cloud_request_duration_seconds",
			Help:    "Time spent performing cloud symbol store requests by status",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		}, []string{"status"}),
		fetchedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remotesym_symstore_fetched_bytes_total",
			Help: "Bytes written into the symbol store by source",
		}, []string{"source"}),
		cacheOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remotesym_symstore_cache_operations_total",
			Help: "Total number of symbol store cache operations by operation and status",
		}, []string{"operation", "status"}),
		publishedFiles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remotesym_symstore_published_files_total",
			Help: "Files published into the symbol store by source",
		}, []string{"source"}),
		pendingTempFiles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "remotesym_symstore_pending_temp_files",
			Help: "Temporary download files not yet published or removed",
		}),
	}
	if reg != nil {
		m.cloudRequestDuration = util.RegisterOrGet(reg, m.cloudRequestDuration)
		m.fetchedBytes = util.RegisterOrGet(reg, m.fetchedBytes)
		m.cacheOperations = util.RegisterOrGet(reg, m.cacheOperations)
		m.publishedFiles = util.RegisterOrGet(reg, m.publishedFiles)
		m.pendingTempFiles = util.RegisterOrGet(reg, m.pendingTempFiles)
	}
	return m
}
