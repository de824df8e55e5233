package orchestrator

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
	"github.com/onnwee/streamwatch/firehose"
	"github.com/onnwee/streamwatch/platform"
	"github.com/onnwee/streamwatch/telemetry"
)

func TestMain(m *testing.M) {
	telemetry.Init()
	m.Run()
}

func TestIngestFiltersAndOverrides(t *testing.T) {
	o := New(nil, Options{Threshold: 5, Overrides: []int64{9}})
	o.Ingest([]platform.Channel{
		{ID: 1, ViewersCurrent: 100, Online: true},
		{ID: 2, ViewersCurrent: 3, Online: true},   // below threshold
		{ID: 3, ViewersCurrent: 100, Online: false}, // offline
		{ID: 9, ViewersCurrent: 0, Online: false},   // override bypasses both
	})
	s := o.CurrentStatus()
	if s.Tracked != 2 {
		t.Errorf("tracked = %d, want 2 (eligible channel plus override)", s.Tracked)
	}
	if o.connection(2) != nil || o.connection(3) != nil {
		t.Error("ineligible channels were inserted")
	}
}

func TestStaleChannelRemovedExactlyOnce(t *testing.T) {
	o := New(nil, Options{Threshold: 5, StaleAfter: 10 * time.Millisecond})
	hub := firehose.NewHub(o)
	o.SetHub(hub)

	var mu sync.Mutex
	disconnects := map[int64]int{}
	f := hub.Open("test")
	f.SubscribeConnectionState(firehose.MatchAll, func(id int64, s events.ConnectionState) {
		if s == events.Disconnected {
			mu.Lock()
			disconnects[id]++
			mu.Unlock()
		}
	})

	o.Ingest([]platform.Channel{{ID: 1, ViewersCurrent: 50, Online: true}})
	time.Sleep(20 * time.Millisecond)
	// Channel 1 missing from this snapshot; the watermark moves past its
	// last refresh plus the staleness window.
	o.Ingest([]platform.Channel{{ID: 2, ViewersCurrent: 50, Online: true}})

	o.sweep()
	o.sweep()

	if s := o.CurrentStatus(); s.Tracked != 1 {
		t.Errorf("tracked = %d, want 1", s.Tracked)
	}
	mu.Lock()
	defer mu.Unlock()
	if disconnects[1] != 1 {
		t.Errorf("channel 1 Disconnected events = %d, want exactly 1", disconnects[1])
	}
	if disconnects[2] != 0 {
		t.Errorf("channel 2 got a spurious Disconnected event")
	}
}

func TestClaimExclusivity(t *testing.T) {
	o := New(nil, Options{})
	o.enqueueClaim(7)
	o.enqueueClaim(7) // idempotent

	id, ok := o.claimNext()
	if !ok || id != 7 {
		t.Fatalf("claimNext() = %d, %v", id, ok)
	}
	if _, ok := o.claimNext(); ok {
		t.Fatal("second worker claimed an already-claimed id")
	}

	o.releaseClaim(7)
	if _, ok := o.claimNext(); ok {
		t.Fatal("released claim should be gone, not reclaimable")
	}

	o.enqueueClaim(7)
	if id, ok := o.claimNext(); !ok || id != 7 {
		t.Fatalf("re-enqueued id not claimable: %d, %v", id, ok)
	}
}

func TestSendWithoutConnection(t *testing.T) {
	o := New(nil, Options{Threshold: 5})
	o.Ingest([]platform.Channel{{ID: 1, ViewersCurrent: 50, Online: true}})
	if o.SendMessage(1, "hi") {
		t.Error("send succeeded with no attached connection")
	}
	if o.SendWhisper(99, "user", "hi") {
		t.Error("whisper succeeded for unknown channel")
	}
}

// fakeGateway serves chat info over REST and answers auth handshakes on the
// websocket side, handing each accepted connection to the test.
type fakeGateway struct {
	api   *platform.Client
	conns chan *websocket.Conn
}

var upgrader = websocket.Upgrader{}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	g := &fakeGateway{conns: make(chan *websocket.Conn, 8)}

	wsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var auth struct {
			ID int64 `json:"id"`
		}
		_ = json.Unmarshal(data, &auth)
		reply := fmt.Sprintf(`{"id":%d,"type":"reply","error":null,"data":{"roles":[]}}`, auth.ID)
		_ = conn.WriteMessage(websocket.TextMessage, []byte(reply))
		g.conns <- conn
	}))
	t.Cleanup(wsSrv.Close)
	wsURL := "ws" + strings.TrimPrefix(wsSrv.URL, "http")

	restSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"endpoints": []string{wsURL}})
	}))
	t.Cleanup(restSrv.Close)

	g.api = &platform.Client{BaseURL: restSrv.URL, ClientID: "test"}
	return g
}

func TestWorkerConnectsDiscoveredChannel(t *testing.T) {
	g := newFakeGateway(t)
	o := New(g.api, Options{
		Threshold:     5,
		Workers:       2,
		SweepInterval: 20 * time.Millisecond,
		StaleAfter:    time.Minute,
		BotUserID:     777,
	})
	hub := firehose.NewHub(o)
	o.SetHub(hub)

	stateCh := make(chan events.ConnectionState, 16)
	f := hub.Open("test")
	f.SubscribeConnectionState(10, func(_ int64, s events.ConnectionState) { stateCh <- s })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		o.Run(ctx)
		close(done)
	}()

	o.Ingest([]platform.Channel{{ID: 10, Token: "alpha", ViewersCurrent: 50, Online: true}})

	select {
	case s := <-stateCh:
		if s != events.Connected {
			t.Fatalf("first state = %v, want Connected", s)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("channel never connected")
	}
	if s := o.CurrentStatus(); s.Connected != 1 {
		t.Errorf("connected = %d, want 1", s.Connected)
	}

	// Kill the gateway side; the connector fails, the orchestrator evicts.
	serverConn := <-g.conns
	_ = serverConn.Close()

	select {
	case s := <-stateCh:
		if s != events.Disconnected {
			t.Fatalf("state after close = %v, want Disconnected", s)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("eviction never fired Disconnected")
	}
	if s := o.CurrentStatus(); s.Tracked != 0 {
		t.Errorf("tracked = %d after eviction, want 0", s.Tracked)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}

// Discovery keeps rewriting channel entries while a worker attaches the
// connection; the attach path must not touch entry fields outside the lock.
// Run with -race to make a violation visible.
func TestIngestRacesWithConnect(t *testing.T) {
	g := newFakeGateway(t)
	o := New(g.api, Options{
		Threshold:     5,
		Workers:       2,
		SweepInterval: 5 * time.Millisecond,
		StaleAfter:    time.Minute,
		BotUserID:     777,
	})
	hub := firehose.NewHub(o)
	o.SetHub(hub)

	stateCh := make(chan events.ConnectionState, 16)
	f := hub.Open("test")
	f.SubscribeConnectionState(10, func(_ int64, s events.ConnectionState) { stateCh <- s })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		o.Run(ctx)
		close(done)
	}()

	ingestDone := make(chan struct{})
	go func() {
		defer close(ingestDone)
		for i := 0; i < 200; i++ {
			o.Ingest([]platform.Channel{{
				ID:             10,
				Token:          fmt.Sprintf("alpha-%d", i),
				ViewersCurrent: 50 + i,
				Online:         true,
			}})
			time.Sleep(time.Millisecond)
		}
	}()

	select {
	case s := <-stateCh:
		if s != events.Connected {
			t.Fatalf("first state = %v, want Connected", s)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("channel never connected")
	}

	<-ingestDone
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}
