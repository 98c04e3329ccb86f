package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics captures the engine's operational counters and gauges.
type Metrics struct {
	commands    *prometheus.CounterVec
	flushes     prometheus.Counter
	compactions *prometheus.CounterVec
	levelTables *prometheus.GaugeVec
	connections prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lsmkv",
			Name:      "commands_total",
			Help:      "Commands executed, by operation.",
		}, []string{"op"}),
		flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lsmkv",
			Name:      "flushes_total",
			Help:      "Memory level flushes.",
		}),
		compactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lsmkv",
			Name:      "compactions_total",
			Help:      "Compactions run, by kind.",
		}, []string{"kind"}),
		levelTables: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "lsmkv",
			Name:      "level_tables",
			Help:      "Table files per disk level.",
		}, []string{"level"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lsmkv",
			Name:      "open_connections",
			Help:      "Currently open client connections.",
		}),
	}

	reg.MustRegister(m.commands, m.flushes, m.compactions, m.levelTables, m.connections)
	return m
}

func (m *Metrics) Command(op string) {
	m.commands.WithLabelValues(op).Inc()
}

func (m *Metrics) Flush() {
	m.flushes.Inc()
}

func (m *Metrics) Compaction(kind string) {
	m.compactions.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetLevelTables(level, tables int) {
	m.levelTables.WithLabelValues(strconv.Itoa(level)).Set(float64(tables))
}

func (m *Metrics) ConnOpened() {
	m.connections.Inc()
}

func (m *Metrics) ConnClosed() {
	m.connections.Dec()
}
