// Package presence answers "which channels is this viewer watching". It
// merges live join/leave activity with round-based polling of each connected
// channel's participant list, and synthesizes the leave events the gateway
// never delivered.
package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/streamwatch/events"
	"github.com/onnwee/streamwatch/firehose"
	"github.com/onnwee/streamwatch/platform"
	"github.com/onnwee/streamwatch/telemetry"
)

const (
	defaultMinRoundDuration = 30 * time.Second
	defaultPollDelay        = 250 * time.Millisecond
	// maxParticipantPages caps one channel's participant walk per tick.
	maxParticipantPages = 100
)

// Tracker maintains per-viewer active-channel state.
type Tracker struct {
	api *platform.Client
	hub *firehose.Hub

	// MinRoundDuration is the floor for one complete polling round; short
	// rounds sleep out the remainder to bound API load.
	MinRoundDuration time.Duration
	// PollDelay spaces successive channel polls within a round.
	PollDelay time.Duration

	mu sync.Mutex
	// viewers maps user id -> channel id -> last time that presence was
	// confirmed, by a poll or a live event.
	viewers  map[int64]map[int64]time.Time
	eligible map[int64]bool
	// pending holds eligible channels not yet polled this round.
	pending     map[int64]bool
	armed       bool // first round has been started
	roundStart  time.Time
	accumulated int
	viewerCount int
}

// New returns a tracker that polls through api and publishes presence events
// to hub.
func New(api *platform.Client, hub *firehose.Hub) *Tracker {
	return &Tracker{
		api:              api,
		hub:              hub,
		MinRoundDuration: defaultMinRoundDuration,
		PollDelay:        defaultPollDelay,
		viewers:          make(map[int64]map[int64]time.Time),
		eligible:         make(map[int64]bool),
		pending:          make(map[int64]bool),
	}
}

// ChannelConnected marks a channel eligible for polling. It joins the rotation
// at the start of the next round.
func (t *Tracker) ChannelConnected(channelID int64) {
	t.mu.Lock()
	t.eligible[channelID] = true
	t.mu.Unlock()
}

// ChannelDisconnected drops a channel from polling and clears it from every
// viewer's active set.
func (t *Tracker) ChannelDisconnected(channelID int64) {
	t.mu.Lock()
	delete(t.eligible, channelID)
	delete(t.pending, channelID)
	for userID, chans := range t.viewers {
		delete(chans, channelID)
		if len(chans) == 0 {
			delete(t.viewers, userID)
		}
	}
	t.mu.Unlock()
}

// OnUserActivity folds one live join/leave into the presence map. Duplicate
// joins only refresh the timestamp; leaves for absent users are ignored.
func (t *Tracker) OnUserActivity(a events.UserActivity) {
	now := time.Now()
	t.mu.Lock()
	var publish *events.PresenceEvent
	if a.Join {
		chans, ok := t.viewers[a.UserID]
		if !ok {
			chans = make(map[int64]time.Time)
			t.viewers[a.UserID] = chans
		}
		if _, seen := chans[a.ChannelID]; !seen {
			publish = &events.PresenceEvent{ChannelID: a.ChannelID, UserID: a.UserID, Join: true, Joined: now}
		}
		chans[a.ChannelID] = now
	} else {
		if chans, ok := t.viewers[a.UserID]; ok {
			if _, seen := chans[a.ChannelID]; seen {
				delete(chans, a.ChannelID)
				if len(chans) == 0 {
					delete(t.viewers, a.UserID)
				}
				publish = &events.PresenceEvent{ChannelID: a.ChannelID, UserID: a.UserID, Join: false, Joined: now}
			}
		}
	}
	t.mu.Unlock()
	if publish != nil && t.hub != nil {
		t.hub.PublishPresence(*publish)
	}
}

// GetActiveChannelIds returns every channel the user is currently believed
// present in.
func (t *Tracker) GetActiveChannelIds(userID int64) []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	chans := t.viewers[userID]
	out := make([]int64, 0, len(chans))
	for id := range chans {
		out = append(out, id)
	}
	return out
}

// ViewerCount is the total committed by the last complete round. A round in
// progress that has already counted more viewers raises the figure early
// rather than under-reporting until commit.
func (t *Tracker) ViewerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.accumulated > t.viewerCount {
		return t.accumulated
	}
	return t.viewerCount
}

// Run executes polling rounds until ctx is canceled.
func (t *Tracker) Run(ctx context.Context) {
	slog.Info("presence tracker started",
		slog.Duration("min_round", t.MinRoundDuration))
	t.mu.Lock()
	t.roundStart = time.Now()
	t.mu.Unlock()

	for ctx.Err() == nil {
		channelID, ok, roundDone := t.nextPending()
		switch {
		case roundDone:
			t.finishRound(ctx)
		case ok:
			t.pollChannel(ctx, channelID)
			sleepCtx(ctx, t.PollDelay)
		default:
			// Nothing eligible yet.
			sleepCtx(ctx, t.PollDelay)
		}
	}
	slog.Info("presence tracker stopped")
}

// nextPending picks one channel still owed a poll this round. roundDone is
// true when every eligible channel has been polled and there is at least one.
func (t *Tracker) nextPending() (channelID int64, ok, roundDone bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range t.pending {
		delete(t.pending, id)
		return id, true, false
	}
	if len(t.eligible) == 0 {
		return 0, false, false
	}
	if !t.armed {
		// First channels appeared; start the first round right away.
		t.armed = true
		t.roundStart = time.Now()
		for id := range t.eligible {
			t.pending[id] = true
		}
		for id := range t.pending {
			delete(t.pending, id)
			return id, true, false
		}
	}
	return 0, false, true
}

// pollChannel walks one channel's full participant list and merges every
// reported user in with a fresh timestamp. A fetch error abandons the rest of
// this channel's pages; the round goes on.
func (t *Tracker) pollChannel(ctx context.Context, channelID int64) {
	now := time.Now()
	seen := 0
	var joins []events.PresenceEvent
	for page := 0; page < maxParticipantPages; page++ {
		userIDs, err := t.api.ChatUsers(ctx, channelID, page)
		if err != nil {
			slog.Warn("participant page fetch failed",
				slog.Int64("channel_id", channelID),
				slog.Int("page", page), slog.Any("err", err))
			break
		}
		seen += len(userIDs)
		t.mu.Lock()
		for _, userID := range userIDs {
			chans, ok := t.viewers[userID]
			if !ok {
				chans = make(map[int64]time.Time)
				t.viewers[userID] = chans
			}
			if _, present := chans[channelID]; !present {
				joins = append(joins, events.PresenceEvent{ChannelID: channelID, UserID: userID, Join: true, Joined: now})
			}
			chans[channelID] = now
		}
		t.mu.Unlock()
		if len(userIDs) < platform.PageSize {
			break
		}
	}

	t.mu.Lock()
	t.accumulated += seen
	t.mu.Unlock()

	if t.hub != nil {
		for _, e := range joins {
			t.hub.PublishPresence(e)
		}
	}
}

// finishRound commits the accumulated viewer total, sweeps entries the whole
// round failed to refresh, enforces the round floor, and arms the next round.
func (t *Tracker) finishRound(ctx context.Context) {
	now := time.Now()

	t.mu.Lock()
	t.viewerCount = t.accumulated
	t.accumulated = 0
	elapsed := now.Sub(t.roundStart)
	// Anything the whole just-completed round failed to refresh is a leave
	// the gateway never delivered.
	cutoff := t.roundStart
	var leaves []events.PresenceEvent
	for userID, chans := range t.viewers {
		for channelID, ts := range chans {
			if t.eligible[channelID] && ts.Before(cutoff) {
				delete(chans, channelID)
				leaves = append(leaves, events.PresenceEvent{ChannelID: channelID, UserID: userID, Join: false, Joined: now})
			}
		}
		if len(chans) == 0 {
			delete(t.viewers, userID)
		}
	}
	committed := t.viewerCount
	t.mu.Unlock()

	telemetry.PresenceRounds.Inc()
	telemetry.RoundDuration.Observe(elapsed.Seconds())
	telemetry.TrackedViewers.Set(float64(committed))
	telemetry.SyntheticLeaves.Add(float64(len(leaves)))
	if t.hub != nil {
		for _, e := range leaves {
			t.hub.PublishPresence(e)
		}
	}
	slog.Debug("presence round complete",
		slog.Int("viewers", committed),
		slog.Int("synthetic_leaves", len(leaves)),
		slog.Duration("elapsed", elapsed))

	if remainder := t.MinRoundDuration - elapsed; remainder > 0 {
		sleepCtx(ctx, remainder)
	}

	t.mu.Lock()
	t.roundStart = time.Now()
	for id := range t.eligible {
		t.pending[id] = true
	}
	t.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
