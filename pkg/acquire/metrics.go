package acquire

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricPrefix = "dabras_"

// Metrics records acquisition activity. A nil *Metrics is valid and records nothing.
type Metrics struct {
	started  *prometheus.CounterVec
	finished *prometheus.CounterVec
	state    *prometheus.GaugeVec

	packets   prometheus.Counter
	rows      *prometheus.CounterVec
	resyncs   prometheus.Counter
	malformed prometheus.Counter
	timeouts  prometheus.Counter
}

// NewMetrics creates the acquisition collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "sessions_started_total",
			Help: "Acquisition sessions started.",
		}, []string{"kind"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "sessions_finished_total",
			Help: "Acquisition sessions finished, by outcome.",
		}, []string{"kind", "outcome"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: metricPrefix + "session_state",
			Help: "Current session state (0 idle .. 6 aborted).",
		}, []string{"kind"}),
		packets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "packets_read_total",
			Help: "Packets read from the instrument.",
		}),
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "rows_completed_total",
			Help: "Counting intervals completed.",
		}, []string{"kind"}),
		resyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "resyncs_total",
			Help: "Intervals restarted after an out of sync packet.",
		}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "malformed_packets_total",
			Help: "Packets ignored because they were missing or went backwards in time.",
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "watchdog_timeouts_total",
			Help: "Hardware timeouts detected by the watchdog.",
		}),
	}

	reg.MustRegister(m.started, m.finished, m.state, m.packets, m.rows, m.resyncs, m.malformed, m.timeouts)
	return m
}

func (m *Metrics) sessionStarted(k Kind) {
	if m == nil {
		return
	}
	m.started.WithLabelValues(k.String()).Inc()
}

func (m *Metrics) sessionFinished(k Kind, st State) {
	if m == nil {
		return
	}
	m.finished.WithLabelValues(k.String(), st.String()).Inc()
}

func (m *Metrics) setState(k Kind, st State) {
	if m == nil {
		return
	}
	m.state.WithLabelValues(k.String()).Set(float64(st))
}

func (m *Metrics) packetRead() {
	if m == nil {
		return
	}
	m.packets.Inc()
}

func (m *Metrics) rowCompleted(k Kind) {
	if m == nil {
		return
	}
	m.rows.WithLabelValues(k.String()).Inc()
}

func (m *Metrics) resync() {
	if m == nil {
		return
	}
	m.resyncs.Inc()
}

func (m *Metrics) malformedPacket() {
	if m == nil {
		return
	}
	m.malformed.Inc()
}

func (m *Metrics) watchdogTimeout() {
	if m == nil {
		return
	}
	m.timeouts.Inc()
}
