// Package discover polls the platform's channel listing for live broadcasts
// above a viewer threshold and publishes each complete result set as one
// snapshot. It is a single producer for a single listener; a failed cycle is
// logged and retried from scratch on the next tick.
package discover

import (
	"context"
	"log/slog"
	"time"

	"github.com/onnwee/streamwatch/platform"
	"github.com/onnwee/streamwatch/telemetry"
)

const defaultPageDelay = 10 * time.Millisecond

// Poller walks the channel listing on a fixed interval.
type Poller struct {
	api *platform.Client

	// OnSnapshot receives every non-empty discovery result. Set before Run.
	OnSnapshot func(channels []platform.Channel)

	// Interval between cycles.
	Interval time.Duration
	// Threshold is the inclusive minimum viewer count.
	Threshold int
	// Overrides are channel ids injected into every snapshot regardless of
	// viewer count or online status.
	Overrides []int64
	// PageDelay spaces successive page fetches within one cycle.
	PageDelay time.Duration
}

// New returns a poller reading from api.
func New(api *platform.Client, interval time.Duration, threshold int) *Poller {
	return &Poller{
		api:       api,
		Interval:  interval,
		Threshold: threshold,
		PageDelay: defaultPageDelay,
	}
}

// Run executes discovery cycles until ctx is canceled. The first cycle runs
// immediately.
func (p *Poller) Run(ctx context.Context) {
	slog.Info("channel discovery started",
		slog.Duration("interval", p.Interval), slog.Int("threshold", p.Threshold))
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		p.Cycle(ctx)
		select {
		case <-ctx.Done():
			slog.Info("channel discovery stopped")
			return
		case <-ticker.C:
		}
	}
}

// Cycle performs one complete page walk and publishes the snapshot. Exposed
// for callers that want discovery on their own schedule.
func (p *Poller) Cycle(ctx context.Context) {
	var (
		channels []platform.Channel
		err      error
	)
	telemetry.TimeFunc(telemetry.DiscoverDuration, func() {
		if channels, err = p.walk(ctx); err == nil {
			channels = p.injectOverrides(ctx, channels)
		}
	})
	if err != nil {
		slog.Warn("channel discovery cycle failed", slog.Any("err", err))
		return
	}
	telemetry.DiscoverCycles.Inc()
	if len(channels) == 0 {
		return
	}
	slog.Debug("discovery snapshot", slog.Int("channels", len(channels)))
	if p.OnSnapshot != nil {
		p.OnSnapshot(channels)
	}
}

// walk pages through the listing until a page is empty or its first channel
// is offline or below threshold. The listing is ordered online-first by
// viewer count descending, so the first entry decides the whole page.
func (p *Poller) walk(ctx context.Context) ([]platform.Channel, error) {
	var out []platform.Channel
	for page := 0; ; page++ {
		if page > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.PageDelay):
			}
		}
		batch, err := p.api.Channels(ctx, page)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			return out, nil
		}
		if !batch[0].Online || batch[0].ViewersCurrent < p.Threshold {
			return out, nil
		}
		for _, ch := range batch {
			if ch.Online && ch.ViewersCurrent >= p.Threshold {
				out = append(out, ch)
			}
		}
	}
}

// injectOverrides appends the configured override channels, skipping ids the
// walk already found. A failed lookup drops that override for this cycle only.
func (p *Poller) injectOverrides(ctx context.Context, channels []platform.Channel) []platform.Channel {
	if len(p.Overrides) == 0 {
		return channels
	}
	seen := make(map[int64]bool, len(channels))
	for _, ch := range channels {
		seen[ch.ID] = true
	}
	for _, id := range p.Overrides {
		if seen[id] {
			continue
		}
		ch, err := p.api.ChannelByID(ctx, id)
		if err != nil {
			slog.Warn("override channel lookup failed",
				slog.Int64("channel_id", id), slog.Any("err", err))
			continue
		}
		channels = append(channels, *ch)
	}
	return channels
}
