package dispatch

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts dispatcher and channel activity. A nil *Metrics disables
// collection; all record methods are nil-safe.
type Metrics struct {
	writes       *prometheus.CounterVec
	writeErrors  *prometheus.CounterVec
	reads        *prometheus.CounterVec
	readErrors   *prometheus.CounterVec
	retries      prometheus.Counter
	unresponsive prometheus.Counter
	bundleFlow   *prometheus.GaugeVec
}

// NewMetrics creates and registers the dispatcher metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gomfc",
			Name:      "setpoint_writes_total",
			Help:      "Setpoint writes issued, per bundle.",
		}, []string{"bundle"}),
		writeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gomfc",
			Name:      "setpoint_write_errors_total",
			Help:      "Failed setpoint writes, per device serial.",
		}, []string{"serial"}),
		reads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gomfc",
			Name:      "signal_reads_total",
			Help:      "Telemetry reads issued, per bundle.",
		}, []string{"bundle"}),
		readErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gomfc",
			Name:      "signal_read_errors_total",
			Help:      "Failed telemetry reads, per device serial.",
		}, []string{"serial"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gomfc",
			Name:      "channel_retries_total",
			Help:      "Single-retry retransmissions on transient channel errors.",
		}),
		unresponsive: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gomfc",
			Name:      "channel_unresponsive_total",
			Help:      "Times a channel was latched unresponsive after a timeout.",
		}),
		bundleFlow: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gomfc",
			Name:      "bundle_flow_m3n_h",
			Help:      "Last polled bundle flow in m³n/h.",
		}, []string{"bundle"}),
	}
	reg.MustRegister(m.writes, m.writeErrors, m.reads, m.readErrors,
		m.retries, m.unresponsive, m.bundleFlow)
	return m
}

func (m *Metrics) writeInc(bundle string) {
	if m != nil {
		m.writes.WithLabelValues(bundle).Inc()
	}
}

func (m *Metrics) writeErrorInc(serial string) {
	if m != nil {
		m.writeErrors.WithLabelValues(serial).Inc()
	}
}

func (m *Metrics) readInc(bundle string) {
	if m != nil {
		m.reads.WithLabelValues(bundle).Inc()
	}
}

func (m *Metrics) readErrorInc(serial string) {
	if m != nil {
		m.readErrors.WithLabelValues(serial).Inc()
	}
}

func (m *Metrics) retryInc() {
	if m != nil {
		m.retries.Inc()
	}
}

func (m *Metrics) unresponsiveInc() {
	if m != nil {
		m.unresponsive.Inc()
	}
}

func (m *Metrics) setBundleFlow(bundle string, flow float64) {
	if m != nil {
		m.bundleFlow.WithLabelValues(bundle).Set(flow)
	}
}
