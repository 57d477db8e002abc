package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownKind    = errors.New("unknown signaling kind")
	ErrInvalidPayload = errors.New("invalid signaling payload")
)

// Kind discriminates the signaling event union. All kinds are handled
// identically by the relay; they differ only in payload shape.
type Kind string

const (
	KindSessionOffer     Kind = "session-offer"
	KindSessionAnswer    Kind = "session-answer"
	KindIceCandidate     Kind = "ice-candidate"
	KindCallIceCandidate Kind = "call-ice-candidate"
	KindTypingStart      Kind = "typing-start"
	KindTypingStop       Kind = "typing-stop"
	KindCallOffer        Kind = "call-offer"
	KindCallAnswer       Kind = "call-answer"
	KindCallEnd          Kind = "call-end"
	KindCallReject       Kind = "call-reject"
)

func ParseKind(raw string) (Kind, error) {
	k := Kind(strings.TrimSpace(raw))
	switch k {
	case KindSessionOffer, KindSessionAnswer, KindIceCandidate, KindCallIceCandidate,
		KindTypingStart, KindTypingStop, KindCallOffer, KindCallAnswer, KindCallEnd, KindCallReject:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, raw)
	}
}

// Envelope is the inbound directed event: ephemeral, never persisted, alive
// only for the duration of the relay call.
type Envelope struct {
	To      string          `json:"to"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Delivery is what the target connection receives: the envelope payload with
// the sender stamped in by the relay (never trusted from the envelope).
type Delivery struct {
	From    string          `json:"from"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SessionDescription carries an SDP offer or answer.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// IceCandidate is a network candidate for session negotiation.
type IceCandidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex *int   `json:"sdpMLineIndex,omitempty"`
}

// CallIceCandidate is the call-scoped candidate variant.
type CallIceCandidate struct {
	CallID    string       `json:"call_id"`
	Candidate IceCandidate `json:"candidate"`
}

// CallControl carries call-offer/answer metadata.
type CallControl struct {
	CallID string `json:"call_id"`
	Media  string `json:"media,omitempty"`
}

// CallTermination is the payload of call-end and call-reject.
type CallTermination struct {
	Reason string `json:"reason,omitempty"`
}

// DecodePayload parses a payload into its kind-specific type, eliminating
// shape assumptions past the relay boundary. Typing events carry no payload.
func DecodePayload(kind Kind, raw json.RawMessage) (any, error) {
	switch kind {
	case KindSessionOffer, KindSessionAnswer:
		return decodeAs[SessionDescription](raw)
	case KindIceCandidate:
		return decodeAs[IceCandidate](raw)
	case KindCallIceCandidate:
		return decodeAs[CallIceCandidate](raw)
	case KindCallOffer, KindCallAnswer:
		return decodeAs[CallControl](raw)
	case KindCallEnd, KindCallReject:
		if len(raw) == 0 {
			return CallTermination{}, nil
		}
		return decodeAs[CallTermination](raw)
	case KindTypingStart, KindTypingStop:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

func decodeAs[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, ErrInvalidPayload
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return v, nil
}
