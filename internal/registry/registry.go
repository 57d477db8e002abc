package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/DeLTa-X-Tunisia/PaLFrog-Messenger-sub001/internal/auth"
	"github.com/DeLTa-X-Tunisia/PaLFrog-Messenger-sub001/internal/profile"
	"github.com/DeLTa-X-Tunisia/PaLFrog-Messenger-sub001/pkg/models"
)

// Sink is the write side of one live connection's event stream. Send must not
// block: implementations buffer and report false when the buffer is full.
type Sink interface {
	ID() string
	Send(event models.Event) bool
	Close()
}

// Entry is the registry record for one connected identity.
type Entry struct {
	Identity    string
	Handle      Sink
	Display     models.DisplayInfo
	Status      models.PresenceStatus
	ConnectedAt time.Time
}

// PresenceNotifier receives registry-driven presence transitions. Implemented
// by the presence broadcaster; wired after construction because the
// broadcaster reads the registry.
type PresenceNotifier interface {
	ConnectionOpened(identity string)
	ConnectionClosed(identity string, display models.DisplayInfo)
}

// Registry maintains the live identity -> transport handle mapping. All
// mutations go through one mutex keyed by identity, so concurrent
// connect/disconnect for the same identity never interleave into a corrupted
// or duplicated entry.
type Registry struct {
	verifier *auth.Verifier
	profiles profile.Resolver
	logger   *slog.Logger
	metrics  *Metrics

	mu         sync.RWMutex
	byIdentity map[string]*Entry
	byHandle   map[string]string

	notifierMu sync.RWMutex
	notifier   PresenceNotifier
}

func New(verifier *auth.Verifier, profiles profile.Resolver, logger *slog.Logger, metrics *Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if profiles == nil {
		profiles = profile.NoopResolver{}
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Registry{
		verifier:   verifier,
		profiles:   profiles,
		logger:     logger,
		metrics:    metrics,
		byIdentity: make(map[string]*Entry),
		byHandle:   make(map[string]string),
	}
}

// SetNotifier wires the presence broadcaster in after construction.
func (r *Registry) SetNotifier(n PresenceNotifier) {
	r.notifierMu.Lock()
	r.notifier = n
	r.notifierMu.Unlock()
}

// Connect authenticates a credential, resolves display metadata and registers
// the connection. A new connection for an already-connected identity replaces
// the prior entry (last writer wins); the replaced transport is closed.
func (r *Registry) Connect(ctx context.Context, credential string, sink Sink) (*Entry, error) {
	claims, err := r.verifier.Verify(credential)
	if err != nil {
		// Compiled-in only under the devauth build tag; a no-op otherwise.
		devClaims, ok := auth.DevUnsignedClaim(credential)
		if !ok {
			r.metrics.AuthFailures.Inc()
			r.logger.Warn("connection rejected",
				slog.String("reason", err.Error()),
				slog.String("handle", sink.ID()))
			return nil, err
		}
		r.logger.Warn("UNSIGNED identity claim accepted (devauth build)",
			slog.String("identity", devClaims.Subject))
		claims = devClaims
	}

	display := models.DisplayInfo{Name: claims.DisplayName}
	if resolved, err := r.profiles.Resolve(ctx, claims.Subject); err != nil {
		r.logger.Debug("profile resolution failed, using credential display fields",
			slog.String("identity", claims.Subject),
			slog.String("error", err.Error()))
	} else {
		if resolved.Name != "" {
			display.Name = resolved.Name
		}
		display.Avatar = resolved.Avatar
	}

	entry := &Entry{
		Identity:    claims.Subject,
		Handle:      sink,
		Display:     display,
		Status:      models.StatusOnline,
		ConnectedAt: time.Now().UTC(),
	}

	r.mu.Lock()
	var replaced Sink
	if old, ok := r.byIdentity[claims.Subject]; ok {
		delete(r.byHandle, old.Handle.ID())
		replaced = old.Handle
	}
	r.byIdentity[claims.Subject] = entry
	r.byHandle[sink.ID()] = claims.Subject
	r.metrics.ConnectedSessions.Set(float64(len(r.byIdentity)))
	r.mu.Unlock()

	if replaced != nil {
		replaced.Close()
	}
	r.logger.Info("connection registered",
		slog.String("identity", claims.Subject),
		slog.String("handle", sink.ID()))

	if n := r.currentNotifier(); n != nil {
		n.ConnectionOpened(claims.Subject)
	}
	return entry, nil
}

// Disconnect removes the entry whose transport handle matches. A handle that
// is already gone (disconnect racing a replacement) is a no-op.
func (r *Registry) Disconnect(handleID string) {
	r.mu.Lock()
	identity, ok := r.byHandle[handleID]
	if !ok {
		r.mu.Unlock()
		return
	}
	entry := r.byIdentity[identity]
	delete(r.byHandle, handleID)
	delete(r.byIdentity, identity)
	r.metrics.ConnectedSessions.Set(float64(len(r.byIdentity)))
	r.mu.Unlock()

	entry.Handle.Close()
	r.logger.Info("connection removed",
		slog.String("identity", identity),
		slog.String("handle", handleID))

	if n := r.currentNotifier(); n != nil {
		n.ConnectionClosed(identity, entry.Display)
	}
}

// Resolve looks up the live entry for an identity.
func (r *Registry) Resolve(identity string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.byIdentity[identity]
	return entry, ok
}

// UpdateStatus records a custom status for a live identity. Reports false when
// the identity has no entry (race with disconnect).
func (r *Registry) UpdateStatus(identity string, status models.PresenceStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.byIdentity[identity]
	if !ok {
		return false
	}
	entry.Status = status
	return true
}

// Snapshot returns every entry's public presence fields, for unicast delivery
// to a single requester.
func (r *Registry) Snapshot() []models.PresenceInfo {
	r.mu.RLock()
	out := make([]models.PresenceInfo, 0, len(r.byIdentity))
	for _, entry := range r.byIdentity {
		out = append(out, models.PresenceInfo{
			UserID:      entry.Identity,
			Status:      entry.Status,
			DisplayInfo: entry.Display,
			ConnectedAt: entry.ConnectedAt,
		})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Sinks returns the write handles of all live connections.
func (r *Registry) Sinks() []Sink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Sink, 0, len(r.byIdentity))
	for _, entry := range r.byIdentity {
		out = append(out, entry.Handle)
	}
	return out
}

func (r *Registry) currentNotifier() PresenceNotifier {
	r.notifierMu.RLock()
	defer r.notifierMu.RUnlock()
	return r.notifier
}
