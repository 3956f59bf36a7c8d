package adcbridge

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors shared by all sources. Each source
// reports under its own "source" label.
type Metrics struct {
	BlocksFetched    *prometheus.CounterVec
	SamplesDelivered *prometheus.CounterVec
	PullTimeouts     *prometheus.CounterVec
	FetchFailures    *prometheus.CounterVec
	DroppedUpdates   *prometheus.CounterVec
	FetchSeconds     *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg, unless reg is nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := newMetrics()
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.BlocksFetched, m.SamplesDelivered,
		m.PullTimeouts, m.FetchFailures, m.DroppedUpdates, m.FetchSeconds} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// newMetrics creates unregistered collectors.
func newMetrics() *Metrics {
	labels := []string{"source"}
	return &Metrics{
		BlocksFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "adcbridge",
			Name:      "blocks_fetched_total",
			Help:      "Sample blocks fetched from the device.",
		}, labels),
		SamplesDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "adcbridge",
			Name:      "samples_delivered_total",
			Help:      "Samples per stream handed to the pipeline.",
		}, labels),
		PullTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "adcbridge",
			Name:      "pull_timeouts_total",
			Help:      "Work calls that timed out waiting for a refill.",
		}, labels),
		FetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "adcbridge",
			Name:      "fetch_failures_total",
			Help:      "Device fetches that failed and ended a session.",
		}, labels),
		DroppedUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "adcbridge",
			Name:      "dropped_client_updates_total",
			Help:      "Client updates dropped because the update channel was full.",
		}, labels),
		FetchSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "adcbridge",
			Name:      "fetch_duration_seconds",
			Help:      "Time spent blocked in the device fetch.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, labels),
	}
}

// sourceMetrics are the collectors curried with one source's label.
type sourceMetrics struct {
	blocksFetched    prometheus.Counter
	samplesDelivered prometheus.Counter
	pullTimeouts     prometheus.Counter
	fetchFailures    prometheus.Counter
	droppedUpdates   prometheus.Counter
	fetchSeconds     prometheus.Observer
}

func (m *Metrics) forSource(name string) *sourceMetrics {
	return &sourceMetrics{
		blocksFetched:    m.BlocksFetched.WithLabelValues(name),
		samplesDelivered: m.SamplesDelivered.WithLabelValues(name),
		pullTimeouts:     m.PullTimeouts.WithLabelValues(name),
		fetchFailures:    m.FetchFailures.WithLabelValues(name),
		droppedUpdates:   m.DroppedUpdates.WithLabelValues(name),
		fetchSeconds:     m.FetchSeconds.WithLabelValues(name),
	}
}
