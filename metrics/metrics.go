// Package metrics exports association activity as Prometheus metrics.
package metrics

import (
	"sync"

	"github.com/caio-sobreiro/dicomul/association"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dicomul"

// Collector counts association events. Observe is safe for concurrent use
// and is meant to be installed as association.Config.Events.
type Collector struct {
	associations *prometheus.CounterVec
	active       prometheus.Gauge
	pdus         *prometheus.CounterVec
	messages     prometheus.Counter
	messageBytes prometheus.Counter

	mu   sync.Mutex
	live map[uuid.UUID]struct{}
}

// NewCollector creates the metrics and registers them with reg.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		associations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "association",
			Name:      "outcomes_total",
			Help:      "Associations by outcome (established, rejected, aborted, released).",
		}, []string{"role", "outcome"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "association",
			Name:      "active",
			Help:      "Associations currently established.",
		}),
		pdus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pdu",
			Name:      "total",
			Help:      "PDUs by direction and type.",
		}, []string{"direction", "type"}),
		messages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "message",
			Name:      "received_total",
			Help:      "Reassembled messages delivered to consumers.",
		}),
		messageBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "message",
			Name:      "received_bytes_total",
			Help:      "Command and payload bytes of reassembled messages.",
		}),
		live: make(map[uuid.UUID]struct{}),
	}

	for _, col := range []prometheus.Collector{c.associations, c.active, c.pdus, c.messages, c.messageBytes} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Observe records ev.
func (c *Collector) Observe(ev association.Event) {
	switch ev.Kind {
	case association.EventPDUSent:
		c.pdus.WithLabelValues("sent", ev.PDU.Type().String()).Inc()
	case association.EventPDUReceived:
		c.pdus.WithLabelValues("received", ev.PDU.Type().String()).Inc()
	case association.EventMessageReceived:
		c.messages.Inc()
		if ev.Message != nil {
			c.messageBytes.Add(float64(len(ev.Message.Command) + len(ev.Message.Payload)))
		}
	case association.EventEstablished:
		c.associations.WithLabelValues(ev.Role.String(), ev.Kind.String()).Inc()
		c.mu.Lock()
		c.live[ev.AssociationID] = struct{}{}
		c.mu.Unlock()
		c.active.Inc()
	case association.EventRejected, association.EventAborted, association.EventReleased:
		c.associations.WithLabelValues(ev.Role.String(), ev.Kind.String()).Inc()
		c.mu.Lock()
		_, ok := c.live[ev.AssociationID]
		delete(c.live, ev.AssociationID)
		c.mu.Unlock()
		if ok {
			c.active.Dec()
		}
	}
}

// Chain returns an event handler calling each non-nil handler in order.
func Chain(handlers ...func(association.Event)) func(association.Event) {
	return func(ev association.Event) {
		for _, h := range handlers {
			if h != nil {
				h(ev)
			}
		}
	}
}
