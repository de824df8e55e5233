// Package events defines the normalized event types that flow between the
// chat gateway, the presence tracker, and firehose subscribers.
package events

import "time"

// ChatMessage is a normalized chat line received from a channel's chat gateway.
type ChatMessage struct {
	UserName  string
	Text      string
	ChannelID int64 // For co-streams this tells you which channel surfaced it.
	UserID    int64
	Whisper   bool
}

// UserActivity is a raw join/leave notification from a chat gateway socket.
type UserActivity struct {
	ChannelID int64
	UserID    int64
	Join      bool
}

// PresenceEvent is a reconciled presence change emitted by the viewer
// tracker. Unlike UserActivity it is deduplicated (one join per user per
// channel) and augmented with missed leaves detected by polling.
type PresenceEvent struct {
	Joined    time.Time
	ChannelID int64
	UserID    int64
	Join      bool
}

// ConnectionState describes the lifecycle of a channel's chat connection as
// seen by firehose subscribers.
type ConnectionState int

const (
	Connected ConnectionState = iota
	Disconnected
)

func (s ConnectionState) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}
