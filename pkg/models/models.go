package models

import (
	"strings"
	"time"
)

// DisplayInfo is the public profile surface attached to a live connection.
// Fields may be partial when the profile collaborator is unavailable.
type DisplayInfo struct {
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusOffline PresenceStatus = "offline"
)

// NormalizeStatus trims a client-supplied status string. Empty statuses are
// rejected by callers; anything else is treated as a custom status.
func NormalizeStatus(raw string) PresenceStatus {
	return PresenceStatus(strings.TrimSpace(raw))
}

// PresenceEvent is the broadcast payload fanned out to every live connection.
type PresenceEvent struct {
	UserID      string         `json:"user_id"`
	Status      PresenceStatus `json:"status"`
	DisplayInfo DisplayInfo    `json:"display_info"`
}

// Event is one item on a connection's outbound stream: a relayed signaling
// envelope or a presence notification.
type Event struct {
	Method  string `json:"method"`
	Payload any    `json:"payload"`
}

// PresenceInfo is one entry of the unicast snapshot a client receives on request.
type PresenceInfo struct {
	UserID      string         `json:"user_id"`
	Status      PresenceStatus `json:"status"`
	DisplayInfo DisplayInfo    `json:"display_info"`
	ConnectedAt time.Time      `json:"connected_at"`
}
