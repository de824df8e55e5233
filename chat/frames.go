package chat

import (
	"encoding/json"

	"github.com/onnwee/streamwatch/events"
)

// methodFrame is an outbound gateway call:
// {"id":123,"type":"method","method":"auth","arguments":["..."]}
type methodFrame struct {
	Type      string   `json:"type"`
	Method    string   `json:"method"`
	Arguments []string `json:"arguments"`
	ID        int64    `json:"id"`
}

func (f methodFrame) encode() string {
	b, _ := json.Marshal(f)
	return string(b)
}

// inboundFrame is the envelope of every gateway message. Replies carry an id
// matching the method call that caused them; events carry an event name.
type inboundFrame struct {
	Type   string          `json:"type"`
	Event  string          `json:"event"`
	Method string          `json:"method"`
	Error  json.RawMessage `json:"error"`
	Data   json.RawMessage `json:"data"`
	ID     int64           `json:"id"`
}

type authReply struct {
	Authenticated *bool `json:"authenticated"`
}

type chatMessageData struct {
	UserName string `json:"user_name"`
	Message  *struct {
		Message []struct {
			Type string  `json:"type"`
			Text *string `json:"text"`
		} `json:"message"`
		Meta map[string]json.RawMessage `json:"meta"`
	} `json:"message"`
	Channel int64 `json:"channel"`
	UserID  int64 `json:"user_id"`
}

type userActivityData struct {
	UserName           string `json:"username"`
	ID                 *int64 `json:"id"`
	OriginatingChannel *int64 `json:"originatingChannel"`
}

// parseChatMessage extracts a normalized ChatMessage from a ChatMessage event
// payload, filtered to channelID. Returns false when the event belongs to a
// different channel (co-streams broadcast the same message into every
// participating channel context) or when a required field is missing.
func parseChatMessage(data []byte, channelID int64) (events.ChatMessage, bool) {
	var d chatMessageData
	if err := json.Unmarshal(data, &d); err != nil {
		return events.ChatMessage{}, false
	}
	if d.Channel != channelID {
		return events.ChatMessage{}, false
	}
	if d.Message == nil || d.UserID == 0 || d.UserName == "" || d.Channel == 0 {
		return events.ChatMessage{}, false
	}
	// The body is an ordered list of runs; text accumulates from every run
	// that carries a text field. Tag runs without one contribute nothing.
	text := ""
	for _, run := range d.Message.Message {
		if run.Text != nil {
			text += *run.Text
		}
	}
	_, whisper := d.Message.Meta["whisper"]
	return events.ChatMessage{
		ChannelID: d.Channel,
		UserID:    d.UserID,
		UserName:  d.UserName,
		Text:      text,
		Whisper:   whisper,
	}, true
}

// parseUserActivity extracts a join/leave from a UserJoin/UserLeave payload,
// filtered to channelID like parseChatMessage.
func parseUserActivity(data []byte, channelID int64, join bool) (events.UserActivity, bool) {
	var d userActivityData
	if err := json.Unmarshal(data, &d); err != nil {
		return events.UserActivity{}, false
	}
	if d.ID == nil || d.OriginatingChannel == nil {
		return events.UserActivity{}, false
	}
	if *d.OriginatingChannel != channelID {
		return events.UserActivity{}, false
	}
	return events.UserActivity{ChannelID: *d.OriginatingChannel, UserID: *d.ID, Join: join}, true
}
