package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DeLTa-X-Tunisia/PaLFrog-Messenger-sub001/internal/auth"
	"github.com/DeLTa-X-Tunisia/PaLFrog-Messenger-sub001/internal/registry"
	"github.com/DeLTa-X-Tunisia/PaLFrog-Messenger-sub001/pkg/models"
)

var testSecret = []byte("presence-test-secret")

type fakeSink struct {
	id string

	mu     sync.Mutex
	events []models.Event
}

func (s *fakeSink) ID() string { return s.id }

func (s *fakeSink) Send(event models.Event) bool {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
	return true
}

func (s *fakeSink) Close() {}

func (s *fakeSink) presenceEvents(t *testing.T) []models.PresenceEvent {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.PresenceEvent, 0, len(s.events))
	for _, event := range s.events {
		if event.Method != EventMethod {
			continue
		}
		pe, ok := event.Payload.(models.PresenceEvent)
		if !ok {
			t.Fatalf("unexpected payload type %T", event.Payload)
		}
		out = append(out, pe)
	}
	return out
}

// newWiredRegistry returns a registry with the broadcaster attached as its
// presence notifier, the same wiring the daemon performs.
func newWiredRegistry() (*registry.Registry, *Broadcaster) {
	reg := registry.New(auth.NewVerifier(testSecret), nil, nil, nil)
	b := New(reg, nil)
	reg.SetNotifier(b)
	return reg, b
}

func connect(t *testing.T, r *registry.Registry, identity, name string, sink registry.Sink) {
	t.Helper()
	now := time.Now().UTC()
	cred, err := auth.EncodeSignedCredential(auth.Claims{
		Subject:     identity,
		DisplayName: name,
		IssuedAt:    now,
		ExpiresAt:   now.Add(time.Hour),
	}, testSecret)
	if err != nil {
		t.Fatalf("encode credential failed: %v", err)
	}
	if _, err := r.Connect(context.Background(), cred, sink); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
}

func TestStatusUpdateReachesEveryoneIncludingSelf(t *testing.T) {
	reg, b := newWiredRegistry()
	alice := &fakeSink{id: "ha"}
	bob := &fakeSink{id: "hb"}
	connect(t, reg, "plf1alice", "Alice", alice)
	connect(t, reg, "plf1bob", "Bob", bob)

	b.UpdateStatus("plf1alice", "busy")

	for _, sink := range []*fakeSink{alice, bob} {
		events := sink.presenceEvents(t)
		var busy []models.PresenceEvent
		for _, pe := range events {
			if pe.Status == "busy" {
				busy = append(busy, pe)
			}
		}
		if len(busy) != 1 {
			t.Fatalf("sink %s: expected exactly one busy event, got %d", sink.id, len(busy))
		}
		if busy[0].UserID != "plf1alice" || busy[0].DisplayInfo.Name != "Alice" {
			t.Fatalf("sink %s: unexpected event %+v", sink.id, busy[0])
		}
	}
}

func TestEmptyStatusIsIgnored(t *testing.T) {
	reg, b := newWiredRegistry()
	alice := &fakeSink{id: "ha"}
	connect(t, reg, "plf1alice", "Alice", alice)

	before := len(alice.presenceEvents(t))
	b.UpdateStatus("plf1alice", "")
	if got := len(alice.presenceEvents(t)); got != before {
		t.Fatalf("empty status must not broadcast, got %d extra events", got-before)
	}
}

func TestStatusUpdateForDisconnectedIdentityIsNoOp(t *testing.T) {
	reg, b := newWiredRegistry()
	alice := &fakeSink{id: "ha"}
	connect(t, reg, "plf1alice", "Alice", alice)

	before := len(alice.presenceEvents(t))
	b.UpdateStatus("plf1ghost", "busy")
	if got := len(alice.presenceEvents(t)); got != before {
		t.Fatal("status update for unknown identity must not broadcast")
	}
}

func TestConnectBroadcastsOnline(t *testing.T) {
	reg, _ := newWiredRegistry()
	alice := &fakeSink{id: "ha"}
	connect(t, reg, "plf1alice", "Alice", alice)

	bob := &fakeSink{id: "hb"}
	connect(t, reg, "plf1bob", "Bob", bob)

	aliceEvents := alice.presenceEvents(t)
	if len(aliceEvents) < 1 {
		t.Fatal("existing connection must hear the newcomer's online event")
	}
	last := aliceEvents[len(aliceEvents)-1]
	if last.UserID != "plf1bob" || last.Status != models.StatusOnline {
		t.Fatalf("unexpected final event %+v", last)
	}
}

func TestDisconnectBroadcastsOfflineToRemaining(t *testing.T) {
	reg, _ := newWiredRegistry()
	alice := &fakeSink{id: "ha"}
	bob := &fakeSink{id: "hb"}
	connect(t, reg, "plf1alice", "Alice", alice)
	connect(t, reg, "plf1bob", "Bob", bob)

	reg.Disconnect("hb")

	events := alice.presenceEvents(t)
	last := events[len(events)-1]
	if last.UserID != "plf1bob" || last.Status != models.StatusOffline {
		t.Fatalf("expected offline event for bob, got %+v", last)
	}
	if last.DisplayInfo.Name != "Bob" {
		t.Fatal("offline event must carry the departed identity's display info")
	}
}

// A reconnecting identity starts from a clean slate: earlier custom statuses
// are not replayed to it, and the registry reports it online again.
func TestNoReplayAfterReconnect(t *testing.T) {
	reg, b := newWiredRegistry()
	alice := &fakeSink{id: "ha"}
	bob := &fakeSink{id: "hb1"}
	connect(t, reg, "plf1alice", "Alice", alice)
	connect(t, reg, "plf1bob", "Bob", bob)

	b.UpdateStatus("plf1alice", "busy")
	reg.Disconnect("hb1")

	bob2 := &fakeSink{id: "hb2"}
	connect(t, reg, "plf1bob", "Bob", bob2)

	for _, pe := range bob2.presenceEvents(t) {
		if pe.Status == "busy" {
			t.Fatal("reconnected identity must not receive replayed status events")
		}
	}

	snapshot := reg.Snapshot()
	var aliceInfo *models.PresenceInfo
	for i := range snapshot {
		if snapshot[i].UserID == "plf1alice" {
			aliceInfo = &snapshot[i]
		}
	}
	if aliceInfo == nil || aliceInfo.Status != "busy" {
		t.Fatal("the snapshot, not replay, is how a reconnecting client learns current statuses")
	}
}
