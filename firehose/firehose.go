// Package firehose is the pub/sub bus between the gateway core and feature
// modules. Each module opens its own Firehose instance carrying one
// replaceable listener slot per event kind; publishing fans out synchronously
// to whatever listener is registered at call time. There is no buffering and
// no back-pressure: a listener that blocks stalls the publisher.
package firehose

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/onnwee/streamwatch/events"
)

// Sender is the outbound path back into the gateway. The orchestrator
// implements it; modules reach it through their Firehose instance.
type Sender interface {
	SendMessage(channelID int64, text string) bool
	SendWhisper(channelID int64, targetUser, text string) bool
}

// Command is a parsed chat command dispatched between feature modules.
type Command struct {
	Name    string
	Args    []string
	Message events.ChatMessage
}

// MatchAll as a channel filter delivers events from every channel.
const MatchAll int64 = 0

// Hub fans published events out to every open Firehose instance.
type Hub struct {
	sender Sender

	mu        sync.Mutex
	instances map[string]*Firehose
}

// NewHub returns a hub whose instances send through sender.
func NewHub(sender Sender) *Hub {
	return &Hub{sender: sender, instances: make(map[string]*Firehose)}
}

// Open creates a Firehose instance for one feature module. name is only for
// logging; identity is a fresh id.
func (h *Hub) Open(name string) *Firehose {
	f := &Firehose{id: uuid.NewString(), name: name, hub: h}
	h.mu.Lock()
	h.instances[f.id] = f
	h.mu.Unlock()
	slog.Debug("firehose opened", slog.String("module", name), slog.String("id", f.id))
	return f
}

// Close detaches an instance; it receives nothing afterwards.
func (h *Hub) Close(f *Firehose) {
	h.mu.Lock()
	delete(h.instances, f.id)
	h.mu.Unlock()
}

func (h *Hub) snapshot() []*Firehose {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Firehose, 0, len(h.instances))
	for _, f := range h.instances {
		out = append(out, f)
	}
	return out
}

// PublishChat delivers a chat message to every matching listener.
func (h *Hub) PublishChat(m events.ChatMessage) {
	for _, f := range h.snapshot() {
		f.deliverChat(m)
	}
}

// PublishPresence delivers a presence event to every matching listener.
func (h *Hub) PublishPresence(e events.PresenceEvent) {
	for _, f := range h.snapshot() {
		f.deliverPresence(e)
	}
}

// PublishConnectionState delivers a channel connection-state change.
func (h *Hub) PublishConnectionState(channelID int64, s events.ConnectionState) {
	for _, f := range h.snapshot() {
		f.deliverState(channelID, s)
	}
}

// PublishCommand delivers a parsed command.
func (h *Hub) PublishCommand(c Command) {
	for _, f := range h.snapshot() {
		f.deliverCommand(c)
	}
}

// Firehose is one module's subscription surface: a single replaceable
// listener slot per event kind, each with an optional channel filter.
// Subscribing again overwrites the previous listener.
type Firehose struct {
	id   string
	name string
	hub  *Hub

	mu          sync.Mutex
	chatFn      func(events.ChatMessage)
	chatFilter  int64
	presFn      func(events.PresenceEvent)
	presFilter  int64
	stateFn     func(channelID int64, s events.ConnectionState)
	stateFilter int64
	cmdFn       func(Command)
	cmdFilter   int64
}

// SubscribeChat registers fn for chat messages from channelID (MatchAll for
// every channel). A nil fn clears the slot.
func (f *Firehose) SubscribeChat(channelID int64, fn func(events.ChatMessage)) {
	f.mu.Lock()
	f.chatFn, f.chatFilter = fn, channelID
	f.mu.Unlock()
}

// SubscribePresence registers fn for presence events.
func (f *Firehose) SubscribePresence(channelID int64, fn func(events.PresenceEvent)) {
	f.mu.Lock()
	f.presFn, f.presFilter = fn, channelID
	f.mu.Unlock()
}

// SubscribeConnectionState registers fn for connection-state changes.
func (f *Firehose) SubscribeConnectionState(channelID int64, fn func(channelID int64, s events.ConnectionState)) {
	f.mu.Lock()
	f.stateFn, f.stateFilter = fn, channelID
	f.mu.Unlock()
}

// SubscribeCommands registers fn for dispatched commands.
func (f *Firehose) SubscribeCommands(channelID int64, fn func(Command)) {
	f.mu.Lock()
	f.cmdFn, f.cmdFilter = fn, channelID
	f.mu.Unlock()
}

// SendMessage sends text into channelID through the gateway.
func (f *Firehose) SendMessage(channelID int64, text string) bool {
	if f.hub.sender == nil {
		return false
	}
	return f.hub.sender.SendMessage(channelID, text)
}

// SendWhisper whispers text to targetUser in channelID's context.
func (f *Firehose) SendWhisper(channelID int64, targetUser, text string) bool {
	if f.hub.sender == nil {
		return false
	}
	return f.hub.sender.SendWhisper(channelID, targetUser, text)
}

// PublishCommand lets a module dispatch a command to the other modules.
func (f *Firehose) PublishCommand(c Command) {
	f.hub.PublishCommand(c)
}

func (f *Firehose) deliverChat(m events.ChatMessage) {
	f.mu.Lock()
	fn, filter := f.chatFn, f.chatFilter
	f.mu.Unlock()
	if fn != nil && (filter == MatchAll || filter == m.ChannelID) {
		fn(m)
	}
}

func (f *Firehose) deliverPresence(e events.PresenceEvent) {
	f.mu.Lock()
	fn, filter := f.presFn, f.presFilter
	f.mu.Unlock()
	if fn != nil && (filter == MatchAll || filter == e.ChannelID) {
		fn(e)
	}
}

func (f *Firehose) deliverState(channelID int64, s events.ConnectionState) {
	f.mu.Lock()
	fn, filter := f.stateFn, f.stateFilter
	f.mu.Unlock()
	if fn != nil && (filter == MatchAll || filter == channelID) {
		fn(channelID, s)
	}
}

func (f *Firehose) deliverCommand(c Command) {
	f.mu.Lock()
	fn, filter := f.cmdFn, f.cmdFilter
	f.mu.Unlock()
	if fn != nil && (filter == MatchAll || filter == c.Message.ChannelID) {
		fn(c)
	}
}
