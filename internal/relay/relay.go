package relay

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/DeLTa-X-Tunisia/PaLFrog-Messenger-sub001/internal/registry"
	"github.com/DeLTa-X-Tunisia/PaLFrog-Messenger-sub001/pkg/models"
)

// EventMethod labels relayed signaling events on a connection's stream.
const EventMethod = "signal"

type Metrics struct {
	Relayed prometheus.Counter
	Dropped prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Relayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "palfrog",
			Subsystem: "relay",
			Name:      "envelopes_relayed_total",
			Help:      "Signaling envelopes forwarded to a connected target.",
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "palfrog",
			Subsystem: "relay",
			Name:      "envelopes_dropped_total",
			Help:      "Signaling envelopes dropped because the target was not connected.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Relayed, m.Dropped)
	}
	return m
}

// Relay forwards directed signaling events through the registry. It is
// stateless: no buffering, no retries, no acknowledgements. A target that is
// not connected means the envelope is silently dropped; the sender is never
// told.
type Relay struct {
	registry *registry.Registry
	logger   *slog.Logger
	metrics  *Metrics
}

func New(reg *registry.Registry, logger *slog.Logger, metrics *Metrics) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Relay{registry: reg, logger: logger, metrics: metrics}
}

// Relay delivers env to its target, stamping the authenticated sender as the
// origin. The kind and payload shape are validated here so nothing past this
// boundary has to guess at the payload's structure. Delivery stays best
// effort: a missing target is never an error.
func (r *Relay) Relay(senderIdentity string, env Envelope) error {
	kind, err := ParseKind(string(env.Kind))
	if err != nil {
		return err
	}
	if _, err := DecodePayload(kind, env.Payload); err != nil {
		return err
	}
	target, ok := r.registry.Resolve(env.To)
	if !ok {
		r.metrics.Dropped.Inc()
		r.logger.Debug("relay target not connected, dropping",
			slog.String("to", env.To),
			slog.String("kind", string(kind)))
		return nil
	}
	delivered := target.Handle.Send(models.Event{
		Method: EventMethod,
		Payload: Delivery{
			From:    senderIdentity,
			Kind:    kind,
			Payload: env.Payload,
		},
	})
	if !delivered {
		r.metrics.Dropped.Inc()
		r.logger.Debug("relay target buffer full, dropping",
			slog.String("to", env.To),
			slog.String("kind", string(kind)))
		return nil
	}
	r.metrics.Relayed.Inc()
	return nil
}
