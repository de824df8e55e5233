package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/streamwatch/events"
	"github.com/onnwee/streamwatch/platform"
	"github.com/onnwee/streamwatch/telemetry"
)

func TestMain(m *testing.M) {
	telemetry.Init()
	m.Run()
}

type recordingSink struct {
	mu     sync.Mutex
	msgs   []events.ChatMessage
	acts   []events.UserActivity
	signal chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{signal: make(chan struct{}, 32)}
}

func (s *recordingSink) OnChatMessage(m events.ChatMessage) {
	s.mu.Lock()
	s.msgs = append(s.msgs, m)
	s.mu.Unlock()
	s.signal <- struct{}{}
}

func (s *recordingSink) OnUserActivity(a events.UserActivity) {
	s.mu.Lock()
	s.acts = append(s.acts, a)
	s.mu.Unlock()
	s.signal <- struct{}{}
}

func (s *recordingSink) waitFor(t *testing.T, pred func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		s.mu.Lock()
		ok := pred()
		s.mu.Unlock()
		if ok {
			return
		}
		select {
		case <-s.signal:
		case <-deadline:
			t.Fatal("timed out waiting for sink event")
		}
	}
}

// session is one accepted gateway websocket connection whose auth handshake
// has already been answered.
type session struct {
	conn *websocket.Conn
	auth methodFrame
}

// gateway fakes the platform: a REST endpoint serving chat info plus a
// websocket server that answers every auth handshake and hands the live
// session to the test.
type gateway struct {
	api      *platform.Client
	sessions chan *session
}

var testUpgrader = websocket.Upgrader{}

func newGateway(t *testing.T) *gateway {
	t.Helper()
	g := &gateway{sessions: make(chan *session, 8)}

	wsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var auth methodFrame
		if err := json.Unmarshal(data, &auth); err != nil || auth.Method != "auth" {
			t.Errorf("first frame was not an auth method: %s", data)
			return
		}
		reply := fmt.Sprintf(`{"id":%d,"type":"reply","error":null,"data":{"roles":[]}}`, auth.ID)
		_ = conn.WriteMessage(websocket.TextMessage, []byte(reply))
		g.sessions <- &session{conn: conn, auth: auth}
	}))
	t.Cleanup(wsSrv.Close)
	wsURL := "ws" + strings.TrimPrefix(wsSrv.URL, "http")

	restSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := map[string]any{"endpoints": []string{wsURL}}
		if r.Header.Get("Authorization") != "" {
			info["authkey"] = "signed-key"
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(info)
	}))
	t.Cleanup(restSrv.Close)

	g.api = &platform.Client{BaseURL: restSrv.URL, ClientID: "test", OAuthToken: "tok"}
	return g
}

func (g *gateway) nextSession(t *testing.T) *session {
	t.Helper()
	select {
	case s := <-g.sessions:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("no gateway session established")
		return nil
	}
}

func waitState(t *testing.T, states <-chan State, want State) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-states:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("never reached state %v", want)
		}
	}
}

func TestConnectDeliversChatMessage(t *testing.T) {
	g := newGateway(t)
	sink := newRecordingSink()
	c := New(g.api, sink, 10, 777)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Disconnect()
	if got := c.State(); got != Connected {
		t.Fatalf("state = %v, want Connected", got)
	}

	sess := g.nextSession(t)
	if len(sess.auth.Arguments) != 1 || sess.auth.Arguments[0] != "10" {
		t.Errorf("anonymous auth args = %v, want [10]", sess.auth.Arguments)
	}

	frame := `{"type":"event","event":"ChatMessage","data":{"channel":10,"user_name":"a","user_id":1,"message":{"message":[{"text":"hi"}],"meta":{}}}}`
	if err := sess.conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write event: %v", err)
	}

	sink.waitFor(t, func() bool { return len(sink.msgs) == 1 })
	got := sink.msgs[0]
	if got.Text != "hi" || got.Whisper || got.ChannelID != 10 || got.UserID != 1 || got.UserName != "a" {
		t.Errorf("message = %+v", got)
	}
}

func TestCoStreamFrameFiltered(t *testing.T) {
	g := newGateway(t)
	sink := newRecordingSink()
	c := New(g.api, sink, 99, 777)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Disconnect()
	sess := g.nextSession(t)

	// Co-stream frame surfaced in another channel's context, then one that
	// belongs here. Only the second may reach the sink.
	other := `{"type":"event","event":"ChatMessage","data":{"channel":10,"user_name":"a","user_id":1,"message":{"message":[{"text":"hi"}],"meta":{}}}}`
	ours := `{"type":"event","event":"ChatMessage","data":{"channel":99,"user_name":"b","user_id":2,"message":{"message":[{"text":"yo"}],"meta":{}}}}`
	_ = sess.conn.WriteMessage(websocket.TextMessage, []byte(other))
	_ = sess.conn.WriteMessage(websocket.TextMessage, []byte(ours))

	sink.waitFor(t, func() bool { return len(sink.msgs) >= 1 })
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.msgs) != 1 || sink.msgs[0].Text != "yo" {
		t.Errorf("msgs = %+v, want only the channel-99 message", sink.msgs)
	}
}

func TestAuthDenialDisconnects(t *testing.T) {
	g := newGateway(t)
	sink := newRecordingSink()
	c := New(g.api, sink, 10, 777)
	states := make(chan State, 16)
	c.OnState = func(s State, err error) { states <- s }

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	sess := g.nextSession(t)

	// A late denial matching the handshake id forces the connector down.
	denial := fmt.Sprintf(`{"id":%d,"type":"reply","data":{"authenticated":false}}`, sess.auth.ID)
	if err := sess.conn.WriteMessage(websocket.TextMessage, []byte(denial)); err != nil {
		t.Fatalf("write denial: %v", err)
	}

	waitState(t, states, Disconnected)
	if got := c.State(); got != Disconnected {
		t.Errorf("state = %v, want Disconnected", got)
	}
}

func TestEscalationOnFirstSend(t *testing.T) {
	g := newGateway(t)
	sink := newRecordingSink()
	c := New(g.api, sink, 42, 777)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Disconnect()
	anon := g.nextSession(t)
	if len(anon.auth.Arguments) != 1 {
		t.Fatalf("anonymous auth args = %v", anon.auth.Arguments)
	}

	if !c.SendChatMessage("hello") {
		t.Fatal("SendChatMessage() = false, want true")
	}
	if got := c.State(); got != ConnectedWithAuth {
		t.Errorf("state after send = %v, want ConnectedWithAuth", got)
	}

	authed := g.nextSession(t)
	if len(authed.auth.Arguments) != 3 {
		t.Fatalf("authenticated auth args = %v, want channel, user, key", authed.auth.Arguments)
	}
	if authed.auth.Arguments[0] != "42" || authed.auth.Arguments[1] != "777" || authed.auth.Arguments[2] != "signed-key" {
		t.Errorf("auth args = %v", authed.auth.Arguments)
	}

	_, data, err := authed.conn.ReadMessage()
	if err != nil {
		t.Fatalf("read msg frame: %v", err)
	}
	var frame methodFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("decode msg frame: %v", err)
	}
	if frame.Method != "msg" || len(frame.Arguments) != 1 || frame.Arguments[0] != "hello" {
		t.Errorf("msg frame = %+v", frame)
	}
}

func TestDeescalationAfterIdle(t *testing.T) {
	g := newGateway(t)
	sink := newRecordingSink()
	c := New(g.api, sink, 42, 777)
	c.AuthIdleWindow = 50 * time.Millisecond

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Disconnect()
	g.nextSession(t)

	if !c.SendChatMessage("hello") {
		t.Fatal("SendChatMessage() = false")
	}
	authed := g.nextSession(t)

	// Let the idle window lapse, then poke the connection with any inbound
	// event. The handler should notice and reconnect anonymously.
	time.Sleep(80 * time.Millisecond)
	join := `{"type":"event","event":"UserJoin","data":{"originatingChannel":42,"id":5,"username":"u"}}`
	if err := authed.conn.WriteMessage(websocket.TextMessage, []byte(join)); err != nil {
		t.Fatalf("write join: %v", err)
	}

	anon := g.nextSession(t)
	if len(anon.auth.Arguments) != 1 {
		t.Errorf("post-idle auth args = %v, want anonymous", anon.auth.Arguments)
	}
	sink.waitFor(t, func() bool { return len(sink.acts) == 1 })
	if a := sink.acts[0]; !a.Join || a.UserID != 5 || a.ChannelID != 42 {
		t.Errorf("activity = %+v", a)
	}
}

func TestLongMessageRejectedLocally(t *testing.T) {
	// No API client wired at all: a too-long message must fail before any
	// network interaction.
	c := New(nil, newRecordingSink(), 1, 1)
	if c.SendChatMessage(strings.Repeat("a", MaxMessageLength)) {
		t.Error("SendChatMessage() accepted a message at the limit")
	}
	if c.SendWhisper("user", strings.Repeat("b", MaxMessageLength+5)) {
		t.Error("SendWhisper() accepted a message over the limit")
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	g := newGateway(t)
	c := New(g.api, newRecordingSink(), 10, 777)
	states := make(chan State, 16)
	c.OnState = func(s State, err error) { states <- s }

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	g.nextSession(t)

	c.Disconnect()
	c.Disconnect()
	waitState(t, states, Disconnected)

	disconnects := 1
	for {
		select {
		case s := <-states:
			if s == Disconnected {
				disconnects++
			}
			continue
		case <-time.After(100 * time.Millisecond):
		}
		break
	}
	if disconnects != 1 {
		t.Errorf("observer saw Disconnected %d times, want 1", disconnects)
	}

	if c.SendChatMessage("late") {
		t.Error("send after Disconnect should fail")
	}
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{None, Connecting, true},
		{Connecting, Connected, true},
		{Connected, ConnectingWithAuth, true},
		{ConnectingWithAuth, ConnectedWithAuth, true},
		{ConnectedWithAuth, Connecting, true},
		{None, Connected, false},
		{Connected, ConnectedWithAuth, false},
		{Connecting, ConnectingWithAuth, false},
		{Disconnected, Connecting, false},
		{Disconnected, Disconnected, false},
		{None, Disconnected, true},
		{Connecting, Disconnected, true},
		{Connected, Disconnected, true},
		{ConnectingWithAuth, Disconnected, true},
		{ConnectedWithAuth, Disconnected, true},
		{Connected, None, false},
	}
	for _, tc := range cases {
		if got := transitionAllowed(tc.from, tc.to); got != tc.want {
			t.Errorf("transitionAllowed(%v, %v) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestParseChatMessageValidation(t *testing.T) {
	cases := []struct {
		name string
		data string
		ok   bool
	}{
		{"missing user id", `{"channel":5,"user_name":"a","message":{"message":[{"text":"x"}]}}`, false},
		{"missing user name", `{"channel":5,"user_id":1,"message":{"message":[{"text":"x"}]}}`, false},
		{"missing body", `{"channel":5,"user_name":"a","user_id":1}`, false},
		{"complete", `{"channel":5,"user_name":"a","user_id":1,"message":{"message":[{"text":"x"}]}}`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, ok := parseChatMessage([]byte(tc.data), 5); ok != tc.ok {
				t.Errorf("ok = %v, want %v", ok, tc.ok)
			}
		})
	}
}

func TestParseChatMessageAssemblesRuns(t *testing.T) {
	data := `{"channel":5,"user_name":"a","user_id":1,"message":{"message":[{"text":"hel"},{"type":"emoticon"},{"text":"lo"}],"meta":{"whisper":true}}}`
	m, ok := parseChatMessage([]byte(data), 5)
	if !ok {
		t.Fatal("parse failed")
	}
	if m.Text != "hello" {
		t.Errorf("text = %q, want hello", m.Text)
	}
	if !m.Whisper {
		t.Error("whisper flag lost")
	}
}

func TestParseUserActivityValidation(t *testing.T) {
	if _, ok := parseUserActivity([]byte(`{"originatingChannel":5,"username":"u"}`), 5, true); ok {
		t.Error("missing id accepted")
	}
	if _, ok := parseUserActivity([]byte(`{"id":1,"username":"u"}`), 5, true); ok {
		t.Error("missing channel accepted")
	}
	if _, ok := parseUserActivity([]byte(`{"id":1,"originatingChannel":6}`), 5, true); ok {
		t.Error("co-stream activity not filtered")
	}
	a, ok := parseUserActivity([]byte(`{"id":1,"originatingChannel":5}`), 5, false)
	if !ok || a.Join || a.UserID != 1 || a.ChannelID != 5 {
		t.Errorf("activity = %+v ok=%v", a, ok)
	}
}
