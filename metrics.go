package chatsync

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the engine's prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	EventsApplied *prometheus.CounterVec
	EventsDropped *prometheus.CounterVec
	Sends         *prometheus.CounterVec
	Refreshes     *prometheus.CounterVec
	Topics        prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "events_applied_total",
			Help:      "Push events merged into a room log, by kind.",
		}, []string{"kind"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "events_dropped_total",
			Help:      "Push events discarded, by reason.",
		}, []string{"reason"}),
		Sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "sends_total",
			Help:      "Outgoing messages, by delivery path.",
		}, []string{"path"}),
		Refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "refreshes_total",
			Help:      "Re-fetches of authoritative state, by target and result.",
		}, []string{"target", "result"}),
		Topics: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "subscribed_topics",
			Help:      "Topics with a live transport subscription.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.EventsApplied, m.EventsDropped, m.Sends, m.Refreshes, m.Topics)
	}
	return m
}

func (m *Metrics) eventApplied(kind EventKind) {
	if m != nil {
		m.EventsApplied.WithLabelValues(string(kind)).Inc()
	}
}

func (m *Metrics) eventDropped(reason string) {
	if m != nil {
		m.EventsDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) send(path string) {
	if m != nil {
		m.Sends.WithLabelValues(path).Inc()
	}
}

func (m *Metrics) refresh(target string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Refreshes.WithLabelValues(target, result).Inc()
}

func (m *Metrics) topics(n int) {
	if m != nil {
		m.Topics.Set(float64(n))
	}
}
