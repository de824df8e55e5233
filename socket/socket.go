// Package socket wraps a single websocket connection with dedicated send and
// receive loops. It is reconnect-unaware: a transport is good for exactly one
// session, and teardown reports Disconnected exactly once no matter which loop
// noticed the failure first. Reconnection is the owner's concern.
package socket

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// State is the transport lifecycle.
type State int

const (
	NotConnected State = iota
	Connecting
	Connected
	Disconnected
)

func (s State) String() string {
	switch s {
	case NotConnected:
		return "not_connected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Callbacks receives transport notifications. OnSocketMessage is called from
// the receive loop, so a slow handler stalls inbound processing for this
// transport only.
type Callbacks interface {
	OnSocketState(s State, err error)
	OnSocketMessage(msg string)
}

const (
	defaultSendTimeout = 30 * time.Second
	sendQueueDepth     = 64
)

type sendItem struct {
	done    chan bool // nil for fire-and-forget
	payload []byte
}

func (i *sendItem) ack(sent bool) {
	if i.done != nil {
		select {
		case i.done <- sent:
		default:
		}
	}
}

// Transport owns one websocket connection and its two loops.
type Transport struct {
	cb Callbacks

	// MinSendSpacing is the minimum gap between physical writes, to respect
	// gateway rate limits. Zero disables pacing (tests).
	MinSendSpacing time.Duration
	// SendTimeout bounds the blocking Send variant.
	SendTimeout time.Duration

	url       string
	sendQueue chan *sendItem
	done      chan struct{}
	cancel    context.CancelFunc

	mu    sync.Mutex
	state State
	conn  *websocket.Conn
}

// New returns an unconnected transport for url that reports to cb.
func New(cb Callbacks, url string) *Transport {
	return &Transport{
		cb:          cb,
		url:         url,
		SendTimeout: defaultSendTimeout,
		sendQueue:   make(chan *sendItem, sendQueueDepth),
		done:        make(chan struct{}),
	}
}

// State returns the current transport state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) setState(s State, err error) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
	if t.cb != nil {
		t.cb.OnSocketState(s, err)
	}
}

// Connect dials the websocket and, on success, starts the send and receive
// loops. Valid only from NotConnected.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.state != NotConnected {
		t.mu.Unlock()
		return errors.New("socket already used")
	}
	t.state = Connecting
	t.mu.Unlock()
	t.cb.OnSocketState(Connecting, nil)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, t.url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.teardown(err)
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.conn = conn
	t.state = Connected
	t.cancel = cancel
	t.mu.Unlock()
	t.cb.OnSocketState(Connected, nil)

	go t.sendLoop(loopCtx, conn)
	go t.receiveLoop(conn)
	return nil
}

// Send enqueues payload and blocks until it is transmitted or the send timeout
// elapses. Used for handshake frames whose replies are matched by id.
func (t *Transport) Send(payload string) bool {
	item := &sendItem{payload: []byte(payload), done: make(chan bool, 1)}
	if !t.enqueue(item) {
		return false
	}
	select {
	case sent := <-item.done:
		return sent
	case <-time.After(t.SendTimeout):
		return false
	}
}

// SendAsync enqueues payload without waiting for transmission. Returns false
// if the transport is already torn down or the queue is full.
func (t *Transport) SendAsync(payload string) bool {
	return t.enqueue(&sendItem{payload: []byte(payload)})
}

func (t *Transport) enqueue(item *sendItem) bool {
	select {
	case <-t.done:
		return false
	default:
	}
	select {
	case t.sendQueue <- item:
		return true
	case <-t.done:
		return false
	}
}

func (t *Transport) sendLoop(ctx context.Context, conn *websocket.Conn) {
	var lastSend time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-t.sendQueue:
			if t.MinSendSpacing > 0 && !lastSend.IsZero() {
				if wait := t.MinSendSpacing - time.Since(lastSend); wait > 0 {
					select {
					case <-ctx.Done():
						item.ack(false)
						return
					case <-time.After(wait):
					}
				}
			}
			if err := conn.WriteMessage(websocket.TextMessage, item.payload); err != nil {
				item.ack(false)
				t.teardown(err)
				return
			}
			lastSend = time.Now()
			item.ack(true)
		}
	}
}

func (t *Transport) receiveLoop(conn *websocket.Conn) {
	for {
		// ReadMessage assembles fragmented frames into one logical message.
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.teardown(err)
			return
		}
		msg := string(data)
		if strings.TrimSpace(msg) == "ping" {
			// Keepalive handled here; never surfaced to the owner.
			t.SendAsync("pong")
			continue
		}
		t.cb.OnSocketMessage(msg)
	}
}

// Disconnect tears the transport down. Idempotent.
func (t *Transport) Disconnect() {
	t.teardown(nil)
}

func (t *Transport) teardown(err error) {
	t.mu.Lock()
	if t.state == Disconnected {
		t.mu.Unlock()
		return
	}
	t.state = Disconnected
	conn := t.conn
	cancel := t.cancel
	t.mu.Unlock()

	close(t.done)
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		deadline := time.Now().Add(time.Second)
		if werr := conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline); werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
			slog.Debug("websocket close frame", slog.Any("err", werr))
		}
		_ = conn.Close()
	}
	t.cb.OnSocketState(Disconnected, err)
}
