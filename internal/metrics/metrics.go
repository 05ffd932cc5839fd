// Package metrics exports node events as Prometheus metrics.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vclocknet/internal/clock"
	"vclocknet/internal/link"
	"vclocknet/internal/node"
)

// Metrics holds the collectors for one node. It implements node.Observer
// and provides a node.StateListener.
type Metrics struct {
	registry     *prometheus.Registry
	events       *prometheus.CounterVec
	sendFailures *prometheus.CounterVec
	rejected     *prometheus.CounterVec
	clockEntry   *prometheus.GaugeVec
	state        prometheus.Gauge

	mu    sync.Mutex
	high  []int64 // highest value exported per clock entry
}

// New registers the collectors on a fresh registry.
func New(nodeID string) *Metrics {
	labels := prometheus.Labels{"node": nodeID}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "causal_events_total",
			Help:        "Causal events recorded, by kind.",
			ConstLabels: labels,
		}, []string{"kind"}),
		sendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "causal_send_failures_total",
			Help:        "Failed sends, by reason.",
			ConstLabels: labels,
		}, []string{"reason"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "causal_rejected_payloads_total",
			Help:        "Inbound payloads discarded, by reason.",
			ConstLabels: labels,
		}, []string{"reason"}),
		clockEntry: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "causal_clock_entry",
			Help:        "Current value of each vector clock entry.",
			ConstLabels: labels,
		}, []string{"index"}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "causal_node_state",
			Help:        "Node lifecycle state (0 idle, 1 running, 2 shutting down, 3 stopped).",
			ConstLabels: labels,
		}),
	}
	m.registry.MustRegister(m.events, m.sendFailures, m.rejected, m.clockEntry, m.state)
	return m
}

// Registry returns the registry holding the node's collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Observe implements node.Observer.
func (m *Metrics) Observe(e node.Event) {
	switch e.Kind {
	case node.EventSendFailed:
		m.sendFailures.WithLabelValues(sendReason(e.Err)).Inc()
	case node.EventRejected:
		m.rejected.WithLabelValues(rejectReason(e.Err)).Inc()
		return
	}
	m.events.WithLabelValues(e.Kind.String()).Inc()
	m.setClock(e.Clock)
}

// SetState implements node.StateListener.
func (m *Metrics) SetState(s node.State) {
	m.state.Set(float64(s))
}

// setClock exports vc, keeping each entry at the highest value seen since
// clock entries never decrease.
func (m *Metrics) setClock(vc clock.VectorClock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.high) < len(vc) {
		m.high = append(m.high, -1)
	}
	for i, v := range vc {
		if v <= m.high[i] {
			continue
		}
		m.high[i] = v
		m.clockEntry.WithLabelValues(strconv.Itoa(i)).Set(float64(v))
	}
}

func sendReason(err error) string {
	switch {
	case errors.Is(err, link.ErrPeerUnreachable):
		return "unreachable"
	case errors.Is(err, link.ErrDeliveryFailed):
		return "delivery"
	default:
		return "other"
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, link.ErrPayloadTooLarge):
		return "too_large"
	case errors.Is(err, clock.ErrMalformedClock):
		return "malformed_clock"
	default:
		return "malformed_message"
	}
}
