// Package chat maintains one websocket session per broadcast channel against
// the platform's chat gateway. A Connector owns the session lifecycle: it
// resolves endpoints, performs the auth handshake, normalizes inbound frames
// into events, and transparently escalates to an authenticated session when
// the first outbound send arrives.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/onnwee/streamwatch/events"
	"github.com/onnwee/streamwatch/platform"
	"github.com/onnwee/streamwatch/socket"
	"github.com/onnwee/streamwatch/telemetry"
)

// State is the connector lifecycle. Transitions follow a fixed edge set;
// requests for a transition that is not on an allowed edge are ignored, so a
// late socket notification cannot drag a connector backwards. Disconnected is
// terminal.
type State int

const (
	None State = iota
	Connecting
	Connected
	ConnectingWithAuth
	ConnectedWithAuth
	Disconnected
)

func (s State) String() string {
	switch s {
	case None:
		return "none"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case ConnectingWithAuth:
		return "connecting_with_auth"
	case ConnectedWithAuth:
		return "connected_with_auth"
	default:
		return "disconnected"
	}
}

func transitionAllowed(from, to State) bool {
	switch to {
	case Connecting:
		return from == None || from == ConnectedWithAuth
	case Connected:
		return from == Connecting
	case ConnectingWithAuth:
		return from == Connected
	case ConnectedWithAuth:
		return from == ConnectingWithAuth
	case Disconnected:
		return from != Disconnected
	default:
		return false
	}
}

// Sink receives the normalized events parsed off a connector's socket.
type Sink interface {
	OnChatMessage(m events.ChatMessage)
	OnUserActivity(a events.UserActivity)
}

const (
	// MaxMessageLength is the gateway's chat message limit. Messages at or
	// above it are rejected locally, never sent.
	MaxMessageLength = 360

	defaultAuthIdleWindow = 60 * time.Second
	escalationWait        = 30 * time.Second
)

// Connector is a single channel's chat session. One connector is good for one
// session: after it reaches Disconnected it cannot be reused.
type Connector struct {
	api  *platform.Client
	sink Sink

	// OnState observes every state change. At most one observer; set it
	// before Connect.
	OnState func(s State, err error)

	// MinSendSpacing is forwarded to the underlying transport.
	MinSendSpacing time.Duration
	// AuthIdleWindow is how long an authenticated session may sit without an
	// outbound send before it drops back to anonymous.
	AuthIdleWindow time.Duration

	channelID int64
	botUserID int64

	mu         sync.Mutex
	state      State
	ws         *socket.Transport
	baseCtx    context.Context
	authID     int64 // pending handshake frame id, 0 when none
	lastSend   time.Time
	escalation chan struct{} // closed when the pending escalation resolves
}

// New returns an unconnected connector for channelID. botUserID is the
// identity presented when the session escalates to authenticated.
func New(api *platform.Client, sink Sink, channelID, botUserID int64) *Connector {
	return &Connector{
		api:            api,
		sink:           sink,
		channelID:      channelID,
		botUserID:      botUserID,
		AuthIdleWindow: defaultAuthIdleWindow,
	}
}

// ChannelID returns the channel this connector serves.
func (c *Connector) ChannelID() int64 { return c.channelID }

// State returns the current connector state.
func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// setStateLocked applies a transition if it is on an allowed edge. Caller
// holds c.mu and is responsible for notifying the observer when true.
func (c *Connector) setStateLocked(to State) bool {
	if !transitionAllowed(c.state, to) {
		return false
	}
	c.state = to
	if to == Disconnected && c.escalation != nil {
		close(c.escalation)
		c.escalation = nil
	}
	return true
}

func (c *Connector) notify(s State, err error) {
	if c.OnState != nil {
		c.OnState(s, err)
	}
}

// Connect opens an anonymous chat session. Valid only from None; ctx also
// bounds the reconnect cycles the connector performs on its own later.
func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != None {
		c.mu.Unlock()
		return fmt.Errorf("chat connector for channel %d already used", c.channelID)
	}
	c.baseCtx = ctx
	c.setStateLocked(Connecting)
	c.mu.Unlock()
	c.notify(Connecting, nil)

	telemetry.ConnectAttempts.Inc()
	if err := c.connect(ctx, false); err != nil {
		telemetry.ConnectFailures.Inc()
		c.fail(err)
		return err
	}

	c.mu.Lock()
	changed := c.setStateLocked(Connected)
	c.mu.Unlock()
	if changed {
		c.notify(Connected, nil)
	}
	return nil
}

// connect resolves chat info, dials one of the advertised endpoints, and
// performs the blocking auth handshake. It does not change the connector
// state; callers own the surrounding transition.
func (c *Connector) connect(ctx context.Context, withAuth bool) error {
	info, err := c.api.ChatInfo(ctx, c.channelID, withAuth)
	if err != nil {
		return fmt.Errorf("chat info for channel %d: %w", c.channelID, err)
	}
	if len(info.Endpoints) == 0 {
		return fmt.Errorf("channel %d advertises no chat endpoints", c.channelID)
	}
	endpoint := info.Endpoints[rand.IntN(len(info.Endpoints))]

	ws := socket.New(c, endpoint)
	ws.MinSendSpacing = c.MinSendSpacing
	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
	if err := ws.Connect(ctx); err != nil {
		return fmt.Errorf("dial chat endpoint %s: %w", endpoint, err)
	}

	args := []string{strconv.FormatInt(c.channelID, 10)}
	if withAuth {
		args = append(args, strconv.FormatInt(c.botUserID, 10), info.AuthKey)
	}
	frame := methodFrame{Type: "method", Method: "auth", Arguments: args, ID: newFrameID()}
	c.mu.Lock()
	c.authID = frame.ID
	c.mu.Unlock()
	if !ws.Send(frame.encode()) {
		return fmt.Errorf("auth handshake send failed for channel %d", c.channelID)
	}
	return nil
}

// fail tears the connector down with an error and notifies Disconnected once.
func (c *Connector) fail(err error) {
	c.mu.Lock()
	ws := c.ws
	c.ws = nil
	changed := c.setStateLocked(Disconnected)
	c.mu.Unlock()
	if ws != nil {
		ws.Disconnect()
	}
	if changed {
		c.notify(Disconnected, err)
	}
}

// Disconnect tears the session down. Idempotent; the observer sees
// Disconnected at most once.
func (c *Connector) Disconnect() {
	c.mu.Lock()
	ws := c.ws
	c.ws = nil
	changed := c.setStateLocked(Disconnected)
	c.mu.Unlock()
	if ws != nil {
		ws.Disconnect()
	}
	if changed {
		c.notify(Disconnected, nil)
	}
}

// SendChatMessage sends text to the channel, escalating to an authenticated
// session first if needed. Messages at or above MaxMessageLength are rejected
// without touching the network.
func (c *Connector) SendChatMessage(text string) bool {
	if utf8.RuneCountInString(text) >= MaxMessageLength {
		slog.Warn("chat message too long, not sent",
			slog.Int64("channel_id", c.channelID),
			slog.Int("length", utf8.RuneCountInString(text)))
		return false
	}
	return c.sendMethod("msg", []string{text})
}

// SendWhisper sends a whisper to targetUser in the channel's context.
func (c *Connector) SendWhisper(targetUser, text string) bool {
	if utf8.RuneCountInString(text) >= MaxMessageLength {
		slog.Warn("whisper too long, not sent",
			slog.Int64("channel_id", c.channelID),
			slog.Int("length", utf8.RuneCountInString(text)))
		return false
	}
	return c.sendMethod("whisper", []string{targetUser, text})
}

func (c *Connector) sendMethod(method string, args []string) bool {
	if !c.ensureAuthenticated() {
		return false
	}
	c.mu.Lock()
	ws := c.ws
	c.lastSend = time.Now()
	c.mu.Unlock()
	if ws == nil {
		return false
	}
	frame := methodFrame{Type: "method", Method: method, Arguments: args, ID: newFrameID()}
	return ws.SendAsync(frame.encode())
}

// ensureAuthenticated blocks until the session is authenticated. The first
// caller that finds the session anonymous performs the reconnect-with-creds
// cycle; concurrent callers park on a one-shot signal until it resolves.
func (c *Connector) ensureAuthenticated() bool {
	for {
		c.mu.Lock()
		switch c.state {
		case ConnectedWithAuth:
			c.mu.Unlock()
			return true
		case Connected:
			esc := make(chan struct{})
			c.escalation = esc
			c.setStateLocked(ConnectingWithAuth)
			ctx := c.baseCtx
			c.mu.Unlock()
			c.notify(ConnectingWithAuth, nil)
			return c.escalate(ctx)
		case ConnectingWithAuth:
			esc := c.escalation
			c.mu.Unlock()
			if esc == nil {
				return false
			}
			select {
			case <-esc:
			case <-time.After(escalationWait):
				return false
			}
		default:
			// None, Connecting, Disconnected: no session to send on.
			c.mu.Unlock()
			return false
		}
	}
}

// escalate replaces the anonymous socket with an authenticated one. Runs in
// the sender's goroutine; waiters are released whether it succeeds or fails.
func (c *Connector) escalate(ctx context.Context) bool {
	c.mu.Lock()
	old := c.ws
	c.ws = nil
	c.mu.Unlock()
	if old != nil {
		old.Disconnect()
	}

	telemetry.ConnectAttempts.Inc()
	if err := c.connect(ctx, true); err != nil {
		telemetry.ConnectFailures.Inc()
		slog.Warn("authenticated reconnect failed",
			slog.Int64("channel_id", c.channelID), slog.Any("err", err))
		c.fail(err) // releases escalation waiters
		return false
	}

	c.mu.Lock()
	changed := c.setStateLocked(ConnectedWithAuth)
	esc := c.escalation
	c.escalation = nil
	c.mu.Unlock()
	if esc != nil {
		close(esc)
	}
	if changed {
		c.notify(ConnectedWithAuth, nil)
	}
	return changed
}

// deescalate drops an idle authenticated session back to anonymous. Runs in
// its own goroutine, fire-and-forget relative to the inbound handler.
func (c *Connector) deescalate() {
	c.mu.Lock()
	if c.state != ConnectedWithAuth {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(Connecting)
	old := c.ws
	c.ws = nil
	ctx := c.baseCtx
	c.mu.Unlock()
	c.notify(Connecting, nil)
	if old != nil {
		old.Disconnect()
	}

	if err := c.connect(ctx, false); err != nil {
		slog.Warn("anonymous reconnect failed",
			slog.Int64("channel_id", c.channelID), slog.Any("err", err))
		c.fail(err)
		return
	}
	c.mu.Lock()
	changed := c.setStateLocked(Connected)
	c.mu.Unlock()
	if changed {
		c.notify(Connected, nil)
	}
}

// OnSocketState implements socket.Callbacks. Only Disconnected matters: the
// connector drives its own forward transitions around connect.
func (c *Connector) OnSocketState(s socket.State, err error) {
	if s != socket.Disconnected {
		return
	}
	c.mu.Lock()
	reconnecting := c.state == Connecting || c.state == ConnectingWithAuth
	c.mu.Unlock()
	if reconnecting {
		// Deliberate teardown of the old socket mid-reconnect, or a dial
		// failure the connect path reports itself.
		return
	}
	c.fail(err)
}

// OnSocketMessage implements socket.Callbacks and handles one inbound frame.
func (c *Connector) OnSocketMessage(msg string) {
	var frame inboundFrame
	if err := json.Unmarshal([]byte(msg), &frame); err != nil {
		slog.Debug("unparseable chat frame",
			slog.Int64("channel_id", c.channelID), slog.Any("err", err))
		return
	}

	c.mu.Lock()
	isAuthReply := c.authID != 0 && frame.Type == "reply" && frame.ID == c.authID
	if isAuthReply {
		c.authID = 0
	}
	idle := c.state == ConnectedWithAuth && c.AuthIdleWindow > 0 &&
		time.Since(c.lastSend) > c.AuthIdleWindow
	c.mu.Unlock()

	if isAuthReply {
		c.handleAuthReply(frame)
		return
	}

	switch frame.Event {
	case "ChatMessage":
		if m, ok := parseChatMessage(frame.Data, c.channelID); ok {
			telemetry.ChatMessages.Inc()
			c.sink.OnChatMessage(m)
		} else {
			telemetry.FramesDropped.Inc()
		}
	case "UserJoin", "UserLeave":
		if a, ok := parseUserActivity(frame.Data, c.channelID, frame.Event == "UserJoin"); ok {
			c.sink.OnUserActivity(a)
		} else {
			telemetry.FramesDropped.Inc()
		}
	default:
		if frame.Type == "reply" && len(frame.Error) > 0 && string(frame.Error) != "null" {
			slog.Warn("chat method error",
				slog.Int64("channel_id", c.channelID),
				slog.String("error", string(frame.Error)))
		}
	}

	if idle {
		go c.deescalate()
	}
}

// handleAuthReply inspects the handshake reply. An explicit authenticated:false
// forces the connector down; anything else leaves the session alone.
func (c *Connector) handleAuthReply(frame inboundFrame) {
	var reply authReply
	if len(frame.Data) > 0 {
		_ = json.Unmarshal(frame.Data, &reply)
	}
	denied := reply.Authenticated != nil && !*reply.Authenticated
	if !denied && len(frame.Error) > 0 && string(frame.Error) != "null" {
		denied = true
	}
	if denied {
		slog.Warn("chat auth rejected", slog.Int64("channel_id", c.channelID))
		c.fail(fmt.Errorf("auth rejected for channel %d", c.channelID))
	}
}

func newFrameID() int64 {
	return rand.Int64N(1<<31-1) + 1
}
