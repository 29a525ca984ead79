package relay

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the relay's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	publishTotal    *prometheus.CounterVec
	publishRetries  prometheus.Counter
	messagesTotal   *prometheus.CounterVec
	messageDuration prometheus.Histogram
	sessionsActive  prometheus.Gauge
	sessionsClosed  *prometheus.CounterVec
}

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcp",
			Subsystem: "relay",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewMetrics creates the collectors and registers them with registerer,
// or the default registerer when nil.
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		publishTotal: newCounterVec("publish_total", "Control messages published to session topics, by result", []string{"result"}),
		publishRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mcp", Subsystem: "relay", Name: "publish_retries_total",
			Help: "Publish attempts beyond the first",
		}),
		messagesTotal: newCounterVec("messages_total", "Relayed messages processed by session listeners, by outcome", []string{"outcome"}),
		messageDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mcp", Subsystem: "relay", Name: "message_duration_seconds",
			Help:    "Time spent processing one relayed message",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30},
		}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mcp", Subsystem: "relay", Name: "sessions_active",
			Help: "Open SSE sessions held by this process",
		}),
		sessionsClosed: newCounterVec("sessions_closed_total", "Closed SSE sessions, by close reason", []string{"reason"}),
	}

	var err error
	if m.publishTotal, err = register(registerer, m.publishTotal); err != nil {
		return nil, err
	}
	if m.publishRetries, err = register(registerer, m.publishRetries); err != nil {
		return nil, err
	}
	if m.messagesTotal, err = register(registerer, m.messagesTotal); err != nil {
		return nil, err
	}
	if m.messageDuration, err = register(registerer, m.messageDuration); err != nil {
		return nil, err
	}
	if m.sessionsActive, err = register(registerer, m.sessionsActive); err != nil {
		return nil, err
	}
	if m.sessionsClosed, err = register(registerer, m.sessionsClosed); err != nil {
		return nil, err
	}
	return m, nil
}

// register adds c to r. If an identical collector is already registered,
// that one is returned so every Metrics built on r shares the same series.
func register[C prometheus.Collector](r prometheus.Registerer, c C) (C, error) {
	err := r.Register(c)
	if err == nil {
		return c, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing, nil
		}
	}
	return c, err
}

func (m *Metrics) published(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "fail"
	}
	m.publishTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) retried() {
	if m == nil {
		return
	}
	m.publishRetries.Inc()
}

func (m *Metrics) processed(o Outcome, dur time.Duration) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(o.label()).Inc()
	m.messageDuration.Observe(dur.Seconds())
}

// SessionOpened increments the active session gauge.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

// SessionClosed decrements the active session gauge and counts reason.
func (m *Metrics) SessionClosed(reason CloseReason) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	m.sessionsClosed.WithLabelValues(string(reason)).Inc()
}
