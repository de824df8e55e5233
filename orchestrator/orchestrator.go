// Package orchestrator owns the set of tracked channels. It ingests discovery
// snapshots, hands connection establishment to a bounded worker pool, sweeps
// out channels that went stale or lost their connection, and fans normalized
// events out to the firehose.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/streamwatch/chat"
	"github.com/onnwee/streamwatch/events"
	"github.com/onnwee/streamwatch/firehose"
	"github.com/onnwee/streamwatch/platform"
	"github.com/onnwee/streamwatch/telemetry"
)

const workerIdleDelay = 100 * time.Millisecond

// Presence is the viewer tracker's surface as seen from here. Connection
// lifecycle drives which channels the tracker polls; raw join/leave activity
// feeds its reconciliation.
type Presence interface {
	OnUserActivity(a events.UserActivity)
	ChannelConnected(channelID int64)
	ChannelDisconnected(channelID int64)
	ViewerCount() int
}

// Options configures an Orchestrator.
type Options struct {
	BotUserID      int64
	Threshold      int
	Workers        int
	SweepInterval  time.Duration
	StaleAfter     time.Duration
	MinSendSpacing time.Duration
	AuthIdleWindow time.Duration
	Overrides      []int64
}

type channelEntry struct {
	info     platform.Channel
	lastSeen time.Time
	conn     *chat.Connector
}

// Orchestrator tracks channels and their chat connections.
type Orchestrator struct {
	api  *platform.Client
	hub  *firehose.Hub
	opts Options

	// Presence receives connection lifecycle and raw activity. Optional;
	// set before Run.
	Presence Presence

	overrides map[int64]bool

	mu        sync.Mutex
	channels  map[int64]*channelEntry
	watermark time.Time

	claimMu sync.Mutex
	// claims holds pending channel ids; true marks one a worker owns right
	// now. Presence in the map at all keeps enqueueing idempotent.
	claims map[int64]bool

	lastConnected int
	lastTracked   int
}

// New returns an orchestrator. Attach the hub's sender side by passing the
// returned value to firehose.NewHub.
func New(api *platform.Client, opts Options) *Orchestrator {
	overrides := make(map[int64]bool, len(opts.Overrides))
	for _, id := range opts.Overrides {
		overrides[id] = true
	}
	return &Orchestrator{
		api:       api,
		opts:      opts,
		overrides: overrides,
		channels:  make(map[int64]*channelEntry),
		claims:    make(map[int64]bool),
	}
}

// SetHub wires the firehose hub events are published to. Set before Run.
func (o *Orchestrator) SetHub(hub *firehose.Hub) { o.hub = hub }

// Run starts the sweep loop and the connection workers and blocks until ctx
// is canceled, then tears down every live connection.
func (o *Orchestrator) Run(ctx context.Context) {
	slog.Info("orchestrator started",
		slog.Int("workers", o.opts.Workers),
		slog.Duration("sweep_interval", o.opts.SweepInterval),
		slog.Duration("stale_after", o.opts.StaleAfter))

	var wg sync.WaitGroup
	for i := 0; i < o.opts.Workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			o.worker(ctx, n)
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		o.sweepLoop(ctx)
	}()
	wg.Wait()

	o.teardownAll()
	slog.Info("orchestrator stopped")
}

// Ingest applies one discovery snapshot: refresh known channels, insert new
// ones, advance the freshness watermark. Channels below threshold or offline
// are ignored unless they are configured overrides.
func (o *Orchestrator) Ingest(channels []platform.Channel) {
	now := time.Now()
	o.mu.Lock()
	for _, ch := range channels {
		if !o.overrides[ch.ID] && (!ch.Online || ch.ViewersCurrent < o.opts.Threshold) {
			continue
		}
		if entry, ok := o.channels[ch.ID]; ok {
			entry.info = ch
			entry.lastSeen = now
		} else {
			o.channels[ch.ID] = &channelEntry{info: ch, lastSeen: now}
		}
	}
	o.watermark = now
	tracked := len(o.channels)
	o.mu.Unlock()
	telemetry.TrackedChannels.Set(float64(tracked))
}

// sweepLoop runs the eviction/enqueue cycle until ctx is canceled.
func (o *Orchestrator) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(o.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			telemetry.TimeFunc(telemetry.SweepDuration, o.sweep)
		}
	}
}

// sweep walks the channel map once: evict stale entries, drop dead connection
// references, enqueue unconnected channels for the workers.
func (o *Orchestrator) sweep() {
	o.mu.Lock()
	var stale []int64
	connected, eligible := 0, 0
	cutoff := o.watermark.Add(-o.opts.StaleAfter)
	for id, entry := range o.channels {
		if entry.lastSeen.Before(cutoff) {
			stale = append(stale, id)
			continue
		}
		eligible++
		if entry.conn != nil && entry.conn.State() == chat.Disconnected {
			// Dead connection; clearing it re-enqueues next sweep.
			entry.conn = nil
		}
		if entry.conn != nil {
			connected++
		} else {
			o.enqueueClaim(id)
		}
	}
	tracked := len(o.channels)
	o.mu.Unlock()

	for _, id := range stale {
		o.removeChannel(id, "not seen in any recent discovery snapshot")
	}

	telemetry.ConnectedChannels.Set(float64(connected))
	telemetry.EligibleChannels.Set(float64(eligible))
	viewers := 0
	if o.Presence != nil {
		viewers = o.Presence.ViewerCount()
	}
	if connected != o.lastConnected || tracked != o.lastTracked {
		pct := 0
		if eligible > 0 {
			pct = connected * 100 / eligible
		}
		slog.Info("channel pool",
			slog.Int("connected", connected),
			slog.Int("tracked", eligible),
			slog.Int("pct", pct),
			slog.Int("viewers", viewers))
		o.lastConnected, o.lastTracked = connected, tracked
	}
}

func (o *Orchestrator) enqueueClaim(id int64) {
	o.claimMu.Lock()
	if _, exists := o.claims[id]; !exists {
		o.claims[id] = false
	}
	o.claimMu.Unlock()
}

// claimNext takes exclusive ownership of one pending channel id.
func (o *Orchestrator) claimNext() (int64, bool) {
	o.claimMu.Lock()
	defer o.claimMu.Unlock()
	for id, claimed := range o.claims {
		if !claimed {
			o.claims[id] = true
			return id, true
		}
	}
	return 0, false
}

func (o *Orchestrator) releaseClaim(id int64) {
	o.claimMu.Lock()
	delete(o.claims, id)
	o.claimMu.Unlock()
}

func (o *Orchestrator) worker(ctx context.Context, n int) {
	for ctx.Err() == nil {
		id, ok := o.claimNext()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(workerIdleDelay):
			}
			continue
		}
		o.establish(ctx, id)
		o.releaseClaim(id)
	}
}

// establish connects one channel's chat session and attaches it to the entry
// if the channel is still tracked.
func (o *Orchestrator) establish(ctx context.Context, id int64) {
	conn := chat.New(o.api, o, id, o.opts.BotUserID)
	conn.MinSendSpacing = o.opts.MinSendSpacing
	conn.AuthIdleWindow = o.opts.AuthIdleWindow
	conn.OnState = func(s chat.State, err error) {
		if s != chat.Disconnected {
			return
		}
		reason := "connection closed"
		if err != nil {
			reason = err.Error()
		}
		// Async: the callback may arrive from the connector's own receive
		// loop and removal takes the channel map lock.
		go o.removeChannel(id, reason)
	}

	if err := conn.Connect(ctx); err != nil {
		slog.Warn("chat connect failed",
			slog.Int64("channel_id", id), slog.Any("err", err))
		return
	}

	o.mu.Lock()
	entry, ok := o.channels[id]
	if !ok || entry.conn != nil {
		o.mu.Unlock()
		// Evicted while connecting, or someone attached first.
		conn.Disconnect()
		return
	}
	entry.conn = conn
	token := entry.info.Token // Ingest reassigns entry.info under o.mu
	o.mu.Unlock()

	slog.Info("chat connected", slog.Int64("channel_id", id),
		slog.String("channel", token))
	if o.hub != nil {
		o.hub.PublishConnectionState(id, events.Connected)
	}
	if o.Presence != nil {
		o.Presence.ChannelConnected(id)
	}
}

// removeChannel evicts a channel, tears down its connection, and fires
// exactly one Disconnected event. Idempotent: a second call for the same id
// finds no entry and does nothing.
func (o *Orchestrator) removeChannel(id int64, reason string) {
	o.mu.Lock()
	entry, ok := o.channels[id]
	if !ok {
		o.mu.Unlock()
		return
	}
	delete(o.channels, id)
	conn := entry.conn
	o.mu.Unlock()

	slog.Info("channel removed",
		slog.Int64("channel_id", id), slog.String("reason", reason))
	if conn != nil {
		conn.Disconnect()
	}
	if o.Presence != nil {
		o.Presence.ChannelDisconnected(id)
	}
	if o.hub != nil {
		o.hub.PublishConnectionState(id, events.Disconnected)
	}
}

func (o *Orchestrator) teardownAll() {
	o.mu.Lock()
	conns := make([]*chat.Connector, 0, len(o.channels))
	for _, entry := range o.channels {
		if entry.conn != nil {
			conns = append(conns, entry.conn)
		}
	}
	o.mu.Unlock()
	for _, conn := range conns {
		conn.Disconnect()
	}
}

// OnChatMessage implements chat.Sink: normalized messages go to the firehose.
func (o *Orchestrator) OnChatMessage(m events.ChatMessage) {
	if o.hub != nil {
		o.hub.PublishChat(m)
	}
}

// OnUserActivity implements chat.Sink: raw join/leave flows to the tracker.
func (o *Orchestrator) OnUserActivity(a events.UserActivity) {
	if o.Presence != nil {
		o.Presence.OnUserActivity(a)
	}
}

// SendMessage implements firehose.Sender. Fails when the channel has no
// attached connection (unknown, evicted, or still mid-handshake).
func (o *Orchestrator) SendMessage(channelID int64, text string) bool {
	conn := o.connection(channelID)
	if conn == nil {
		slog.Debug("send with no connection", slog.Int64("channel_id", channelID))
		return false
	}
	return conn.SendChatMessage(text)
}

// SendWhisper implements firehose.Sender.
func (o *Orchestrator) SendWhisper(channelID int64, targetUser, text string) bool {
	conn := o.connection(channelID)
	if conn == nil {
		slog.Debug("whisper with no connection", slog.Int64("channel_id", channelID))
		return false
	}
	return conn.SendWhisper(targetUser, text)
}

func (o *Orchestrator) connection(channelID int64) *chat.Connector {
	o.mu.Lock()
	defer o.mu.Unlock()
	if entry, ok := o.channels[channelID]; ok {
		return entry.conn
	}
	return nil
}

// Status is a point-in-time summary for the HTTP status endpoint.
type Status struct {
	Tracked   int `json:"tracked"`
	Connected int `json:"connected"`
	Pending   int `json:"pending"`
	Viewers   int `json:"viewers"`
}

// CurrentStatus reports pool counts and the last committed viewer total.
func (o *Orchestrator) CurrentStatus() Status {
	var s Status
	o.mu.Lock()
	s.Tracked = len(o.channels)
	for _, entry := range o.channels {
		if entry.conn != nil && entry.conn.State() != chat.Disconnected {
			s.Connected++
		}
	}
	o.mu.Unlock()
	o.claimMu.Lock()
	s.Pending = len(o.claims)
	o.claimMu.Unlock()
	if o.Presence != nil {
		s.Viewers = o.Presence.ViewerCount()
	}
	return s
}
