package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stop reasons recorded on dvr_captures_stopped_total.
const (
	StopRequested      = "requested"
	StopStalled        = "stalled"
	StopGap            = "gap"
	StopFetchFailed    = "fetch_failed"
	StopDownloadFailed = "download_failed"
	StopEnded          = "ended"
)

// Metrics holds Prometheus counters and gauges for the DVR bridge.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry              *prometheus.Registry
	requestsTotal         prometheus.Counter
	errorsTotal           prometheus.Counter
	capturesStartedTotal  prometheus.Counter
	capturesStoppedTotal  *prometheus.CounterVec
	segmentDownloadsTotal *prometheus.CounterVec
	segmentFilesReclaimed prometheus.Counter
	activeStreams         prometheus.Gauge
	segmentFilesTracked   prometheus.Gauge
	downloadQueueDepth    prometheus.Gauge
	downloadWorkersBusy   prometheus.Gauge
}

// New creates and registers Prometheus metrics for the service.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dvr_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dvr_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		capturesStartedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dvr_captures_started_total",
			Help: "Total number of playlist captures that entered the capturing state",
		}),
		capturesStoppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dvr_captures_stopped_total",
			Help: "Total number of playlist captures stopped, by reason",
		}, []string{"reason"}),
		segmentDownloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dvr_segment_downloads_total",
			Help: "Total number of finished segment downloads, by result",
		}, []string{"result"}),
		segmentFilesReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dvr_segment_files_reclaimed_total",
			Help: "Total number of segment files removed by the reclamation sweep",
		}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dvr_active_streams",
			Help: "Number of registered streams",
		}),
		segmentFilesTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dvr_segment_files_tracked",
			Help: "Number of segment files currently tracked by the store",
		}),
		downloadQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dvr_download_queue_depth",
			Help: "Number of submitted downloads waiting for a worker",
		}),
		downloadWorkersBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dvr_download_workers_busy",
			Help: "Number of download workers currently transferring a segment",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.capturesStartedTotal,
		m.capturesStoppedTotal,
		m.segmentDownloadsTotal,
		m.segmentFilesReclaimed,
		m.activeStreams,
		m.segmentFilesTracked,
		m.downloadQueueDepth,
		m.downloadWorkersBusy,
	)
	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m == nil {
		return
	}
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}

// IncCapturesStarted increments the started captures counter.
func (m *Metrics) IncCapturesStarted() {
	if m == nil {
		return
	}
	m.capturesStartedTotal.Inc()
}

// IncCapturesStopped increments the stopped captures counter for reason.
func (m *Metrics) IncCapturesStopped(reason string) {
	if m == nil {
		return
	}
	m.capturesStoppedTotal.WithLabelValues(reason).Inc()
}

// ObserveDownload records the outcome of one segment download.
func (m *Metrics) ObserveDownload(ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.segmentDownloadsTotal.WithLabelValues(result).Inc()
}

// IncSegmentFilesReclaimed increments the reclaimed segment file counter.
func (m *Metrics) IncSegmentFilesReclaimed() {
	if m == nil {
		return
	}
	m.segmentFilesReclaimed.Inc()
}

// SetActiveStreams sets the active streams gauge.
func (m *Metrics) SetActiveStreams(n int) {
	if m == nil {
		return
	}
	m.activeStreams.Set(float64(n))
}

// SetSegmentFilesTracked sets the tracked segment files gauge.
func (m *Metrics) SetSegmentFilesTracked(n int) {
	if m == nil {
		return
	}
	m.segmentFilesTracked.Set(float64(n))
}

// SetDownloadQueueDepth sets the download queue gauge.
func (m *Metrics) SetDownloadQueueDepth(n int) {
	if m == nil {
		return
	}
	m.downloadQueueDepth.Set(float64(n))
}

// SetDownloadWorkersBusy sets the busy download workers gauge.
func (m *Metrics) SetDownloadWorkersBusy(n int) {
	if m == nil {
		return
	}
	m.downloadWorkersBusy.Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
