package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DeLTa-X-Tunisia/PaLFrog-Messenger-sub001/internal/auth"
	"github.com/DeLTa-X-Tunisia/PaLFrog-Messenger-sub001/internal/registry"
	"github.com/DeLTa-X-Tunisia/PaLFrog-Messenger-sub001/pkg/models"
)

var testSecret = []byte("relay-test-secret")

type fakeSink struct {
	id   string
	full bool

	mu     sync.Mutex
	events []models.Event
}

func (s *fakeSink) ID() string { return s.id }

func (s *fakeSink) Send(event models.Event) bool {
	if s.full {
		return false
	}
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
	return true
}

func (s *fakeSink) Close() {}

func (s *fakeSink) deliveries(t *testing.T) []Delivery {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Delivery, 0, len(s.events))
	for _, event := range s.events {
		if event.Method != EventMethod {
			t.Fatalf("unexpected event method %q", event.Method)
		}
		d, ok := event.Payload.(Delivery)
		if !ok {
			t.Fatalf("unexpected payload type %T", event.Payload)
		}
		out = append(out, d)
	}
	return out
}

func connect(t *testing.T, r *registry.Registry, identity string, sink registry.Sink) {
	t.Helper()
	now := time.Now().UTC()
	cred, err := auth.EncodeSignedCredential(auth.Claims{
		Subject:   identity,
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	}, testSecret)
	if err != nil {
		t.Fatalf("encode credential failed: %v", err)
	}
	if _, err := r.Connect(context.Background(), cred, sink); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
}

func TestRelayDeliversToTarget(t *testing.T) {
	reg := registry.New(auth.NewVerifier(testSecret), nil, nil, nil)
	alice := &fakeSink{id: "ha"}
	bob := &fakeSink{id: "hb"}
	connect(t, reg, "plf1alice", alice)
	connect(t, reg, "plf1bob", bob)

	relay := New(reg, nil, nil)
	payload := json.RawMessage(`{"type":"offer","sdp":"v=0\r\n"}`)
	if err := relay.Relay("plf1alice", Envelope{To: "plf1bob", Kind: KindSessionOffer, Payload: payload}); err != nil {
		t.Fatalf("relay failed: %v", err)
	}

	got := bob.deliveries(t)
	if len(got) != 1 {
		t.Fatalf("expected exactly one delivery, got %d", len(got))
	}
	if got[0].From != "plf1alice" {
		t.Fatalf("sender must be stamped by the relay, got %q", got[0].From)
	}
	if got[0].Kind != KindSessionOffer {
		t.Fatalf("unexpected kind %q", got[0].Kind)
	}
	if string(got[0].Payload) != string(payload) {
		t.Fatal("payload must be forwarded unchanged")
	}
	if len(alice.deliveries(t)) != 0 {
		t.Fatal("sender must not receive its own envelope")
	}
}

func TestRelayDropsSilentlyWhenTargetOffline(t *testing.T) {
	reg := registry.New(auth.NewVerifier(testSecret), nil, nil, nil)
	alice := &fakeSink{id: "ha"}
	connect(t, reg, "plf1alice", alice)

	relay := New(reg, nil, nil)
	env := Envelope{To: "plf1bob", Kind: KindSessionOffer, Payload: json.RawMessage(`{"type":"offer","sdp":""}`)}
	if err := relay.Relay("plf1alice", env); err != nil {
		t.Fatalf("offline target must not surface an error, got %v", err)
	}
	if len(alice.deliveries(t)) != 0 {
		t.Fatal("no event may be delivered anywhere for an offline target")
	}
}

func TestRelayDropsSilentlyWhenTargetBufferFull(t *testing.T) {
	reg := registry.New(auth.NewVerifier(testSecret), nil, nil, nil)
	bob := &fakeSink{id: "hb", full: true}
	connect(t, reg, "plf1bob", bob)

	relay := New(reg, nil, nil)
	if err := relay.Relay("plf1alice", Envelope{To: "plf1bob", Kind: KindTypingStart}); err != nil {
		t.Fatalf("full buffer must not surface an error, got %v", err)
	}
}

func TestRelayRejectsPayloadOfWrongShape(t *testing.T) {
	reg := registry.New(auth.NewVerifier(testSecret), nil, nil, nil)
	bob := &fakeSink{id: "hb"}
	connect(t, reg, "plf1bob", bob)

	relay := New(reg, nil, nil)
	env := Envelope{
		To:      "plf1bob",
		Kind:    KindSessionOffer,
		Payload: json.RawMessage(`{"bogus":true,"sdp":42}`),
	}
	if err := relay.Relay("plf1alice", env); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
	if len(bob.deliveries(t)) != 0 {
		t.Fatal("an envelope with an invalid payload must not reach the target")
	}
}

func TestRelayRejectsUnknownKind(t *testing.T) {
	reg := registry.New(auth.NewVerifier(testSecret), nil, nil, nil)
	relay := New(reg, nil, nil)
	err := relay.Relay("plf1alice", Envelope{To: "plf1bob", Kind: "message-content"})
	if !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestRelayPreservesOrderPerSender(t *testing.T) {
	reg := registry.New(auth.NewVerifier(testSecret), nil, nil, nil)
	bob := &fakeSink{id: "hb"}
	connect(t, reg, "plf1bob", bob)

	relay := New(reg, nil, nil)
	kinds := []Kind{KindSessionOffer, KindIceCandidate, KindIceCandidate, KindTypingStart, KindTypingStop}
	for i, kind := range kinds {
		var payload json.RawMessage
		switch kind {
		case KindSessionOffer:
			payload = json.RawMessage(`{"type":"offer","sdp":""}`)
		case KindIceCandidate:
			payload = json.RawMessage(`{"candidate":"candidate:0"}`)
		}
		if err := relay.Relay("plf1alice", Envelope{To: "plf1bob", Kind: kind, Payload: payload}); err != nil {
			t.Fatalf("relay %d failed: %v", i, err)
		}
	}

	got := bob.deliveries(t)
	if len(got) != len(kinds) {
		t.Fatalf("expected %d deliveries, got %d", len(kinds), len(got))
	}
	for i, kind := range kinds {
		if got[i].Kind != kind {
			t.Fatalf("delivery %d: expected kind %q, got %q", i, kind, got[i].Kind)
		}
	}
}

func TestParseKind(t *testing.T) {
	for _, raw := range []string{
		"session-offer", "session-answer", "ice-candidate", "call-ice-candidate",
		"typing-start", "typing-stop", "call-offer", "call-answer", "call-end", "call-reject",
	} {
		if _, err := ParseKind(raw); err != nil {
			t.Errorf("ParseKind(%q) failed: %v", raw, err)
		}
	}
	for _, raw := range []string{"", "presence", "SESSION-OFFER", "session_offer"} {
		if _, err := ParseKind(raw); !errors.Is(err, ErrUnknownKind) {
			t.Errorf("ParseKind(%q): expected ErrUnknownKind, got %v", raw, err)
		}
	}
}

func TestDecodePayload(t *testing.T) {
	tests := []struct {
		name    string
		kind    Kind
		raw     string
		want    any
		wantErr bool
	}{
		{
			name: "session offer",
			kind: KindSessionOffer,
			raw:  `{"type":"offer","sdp":"v=0"}`,
			want: SessionDescription{Type: "offer", SDP: "v=0"},
		},
		{
			name: "ice candidate",
			kind: KindIceCandidate,
			raw:  `{"candidate":"candidate:1","sdpMid":"0"}`,
			want: IceCandidate{Candidate: "candidate:1", SDPMid: "0"},
		},
		{
			name: "call ice candidate",
			kind: KindCallIceCandidate,
			raw:  `{"call_id":"c1","candidate":{"candidate":"candidate:2"}}`,
			want: CallIceCandidate{CallID: "c1", Candidate: IceCandidate{Candidate: "candidate:2"}},
		},
		{
			name: "call offer",
			kind: KindCallOffer,
			raw:  `{"call_id":"c1","media":"video"}`,
			want: CallControl{CallID: "c1", Media: "video"},
		},
		{
			name: "call end without payload",
			kind: KindCallEnd,
			raw:  "",
			want: CallTermination{},
		},
		{
			name: "call reject with reason",
			kind: KindCallReject,
			raw:  `{"reason":"busy"}`,
			want: CallTermination{Reason: "busy"},
		},
		{
			name: "typing carries no payload",
			kind: KindTypingStart,
			raw:  `ignored`,
			want: nil,
		},
		{
			name:    "offer with unknown field",
			kind:    KindSessionOffer,
			raw:     `{"type":"offer","sdp":"v=0","extra":true}`,
			wantErr: true,
		},
		{
			name:    "offer with missing payload",
			kind:    KindSessionOffer,
			raw:     "",
			wantErr: true,
		},
		{
			name:    "malformed json",
			kind:    KindIceCandidate,
			raw:     `{"candidate":`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodePayload(tt.kind, json.RawMessage(tt.raw))
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidPayload) {
					t.Fatalf("expected ErrInvalidPayload, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			if gotJSON, _ := json.Marshal(got); string(gotJSON) != mustJSON(t, tt.want) {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	return string(b)
}
