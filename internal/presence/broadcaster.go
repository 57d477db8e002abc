package presence

import (
	"log/slog"

	"github.com/DeLTa-X-Tunisia/PaLFrog-Messenger-sub001/internal/registry"
	"github.com/DeLTa-X-Tunisia/PaLFrog-Messenger-sub001/pkg/models"
)

// EventMethod labels presence notifications on a connection's stream.
const EventMethod = "status-updated"

// Broadcaster fans presence transitions out to every live connection,
// including the initiating identity's own sessions. It performs registry
// reads only and never blocks on external calls.
type Broadcaster struct {
	registry *registry.Registry
	logger   *slog.Logger
}

func New(reg *registry.Registry, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{registry: reg, logger: logger}
}

// UpdateStatus handles an explicit status-update request. Validated only by
// requiring a live entry: no entry (race with disconnect) means no-op.
func (b *Broadcaster) UpdateStatus(identity string, status models.PresenceStatus) {
	if status == "" {
		return
	}
	if !b.registry.UpdateStatus(identity, status) {
		return
	}
	entry, ok := b.registry.Resolve(identity)
	if !ok {
		return
	}
	b.fanOut(models.PresenceEvent{UserID: identity, Status: status, DisplayInfo: entry.Display})
}

// ConnectionOpened broadcasts the registry-driven online transition.
func (b *Broadcaster) ConnectionOpened(identity string) {
	entry, ok := b.registry.Resolve(identity)
	if !ok {
		return
	}
	b.fanOut(models.PresenceEvent{UserID: identity, Status: models.StatusOnline, DisplayInfo: entry.Display})
}

// ConnectionClosed broadcasts the registry-driven offline transition. The
// entry is already removed at this point, so the display info travels with
// the call.
func (b *Broadcaster) ConnectionClosed(identity string, display models.DisplayInfo) {
	b.fanOut(models.PresenceEvent{UserID: identity, Status: models.StatusOffline, DisplayInfo: display})
}

func (b *Broadcaster) fanOut(event models.PresenceEvent) {
	sinks := b.registry.Sinks()
	for _, sink := range sinks {
		sink.Send(models.Event{Method: EventMethod, Payload: event})
	}
	b.logger.Debug("presence broadcast",
		slog.String("identity", event.UserID),
		slog.String("status", string(event.Status)),
		slog.Int("recipients", len(sinks)))
}
