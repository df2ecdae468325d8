package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the exported series. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	fieldValue     *prometheus.GaugeVec
	inverterMode   *prometheus.GaugeVec
	polls          *prometheus.CounterVec
	pollDuration   prometheus.Histogram
	historyImports *prometheus.CounterVec
	historySamples prometheus.Counter
	lastImport     prometheus.Gauge
	clockSyncs     *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		fieldValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "solarmax_field_value",
			Help: "Decoded inverter register value",
		}, []string{"field"}),
		inverterMode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "solarmax_inverter_mode",
			Help: "1 for the current inverter mode, 0 otherwise",
		}, []string{"mode"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "solarmax_polls_total",
			Help: "Poll cycles by result",
		}, []string{"result"}),
		pollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "solarmax_poll_duration_seconds",
			Help:    "Duration of a poll cycle",
			Buckets: prometheus.DefBuckets,
		}),
		historyImports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "solarmax_history_imports_total",
			Help: "History import runs by result",
		}, []string{"result"}),
		historySamples: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "solarmax_history_samples_total",
			Help: "Hourly samples pushed to the statistics store",
		}),
		lastImport: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "solarmax_history_last_import_timestamp_seconds",
			Help: "Unix time of the last successful history import",
		}),
		clockSyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "solarmax_clock_syncs_total",
			Help: "Inverter clock sync attempts by result",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.fieldValue,
		m.inverterMode,
		m.polls,
		m.pollDuration,
		m.historyImports,
		m.historySamples,
		m.lastImport,
		m.clockSyncs,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObservePoll records one poll cycle and exports its numeric fields.
func (m *Metrics) ObservePoll(snapshot map[string]any, mode string, took time.Duration, err error) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(result(err)).Inc()
	m.pollDuration.Observe(took.Seconds())

	for key, v := range snapshot {
		if f, ok := v.(float64); ok {
			m.fieldValue.WithLabelValues(key).Set(f)
		}
	}
	if mode != "" {
		m.inverterMode.Reset()
		m.inverterMode.WithLabelValues(mode).Set(1)
	}
}

func (m *Metrics) ObserveImport(samples int, at time.Time, err error) {
	if m == nil {
		return
	}
	m.historyImports.WithLabelValues(result(err)).Inc()
	if err != nil {
		return
	}
	m.historySamples.Add(float64(samples))
	if samples > 0 {
		m.lastImport.Set(float64(at.Unix()))
	}
}

func (m *Metrics) ObserveClockSync(err error) {
	if m == nil {
		return
	}
	m.clockSyncs.WithLabelValues(result(err)).Inc()
}
