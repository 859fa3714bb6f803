package tailer

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/oicur0t/winevt-tailer/internal/config"
	"github.com/oicur0t/winevt-tailer/internal/provider"
	"github.com/oicur0t/winevt-tailer/internal/telemetry"
	"github.com/oicur0t/winevt-tailer/internal/transform"
)

// channel is the engine's runtime state for one configured channel
type channel struct {
	cfg      config.ChannelConfig
	pipeline transform.Pipeline
	signal   provider.Signal
	sub      provider.Subscription
	bookmark provider.Bookmark
	logger   *zap.Logger

	emitted telemetry.Counter
	dropped telemetry.Counter
}

// openChannel positions and subscribes one channel. A saved bookmark wins;
// when the log no longer holds it the lookback policy applies instead.
func (t *Tailer) openChannel(ch *channel) error {
	if !t.provider.IsEmpty(ch.bookmark) {
		start := provider.Start{Mode: provider.StartAfterBookmark, Bookmark: ch.bookmark}
		sub, err := t.provider.Subscribe(ch.cfg.Name, ch.cfg.Query, start, ch.signal)
		if err == nil {
			ch.sub = sub
			ch.logger.Info("Resuming after bookmark")
			return nil
		}
		if !errors.Is(err, provider.ErrStaleBookmark) {
			return fmt.Errorf("open channel %s: %w", ch.cfg.Name, err)
		}
		ch.logger.Warn("Bookmark is no longer in the log, falling back to lookback",
			zap.Error(err),
			zap.Stringer("lookback", t.cfg.Lookback))

		fresh, err := t.provider.NewBookmark()
		if err != nil {
			return fmt.Errorf("open channel %s: %w", ch.cfg.Name, err)
		}
		ch.bookmark = fresh
	}

	start, err := t.lookbackStart(ch)
	if err != nil {
		return err
	}
	sub, err := t.provider.Subscribe(ch.cfg.Name, ch.cfg.Query, start, ch.signal)
	if errors.Is(err, provider.ErrStaleBookmark) {
		// the log was trimmed between the seek and the subscribe
		start = provider.Start{Mode: provider.StartOldest}
		sub, err = t.provider.Subscribe(ch.cfg.Name, ch.cfg.Query, start, ch.signal)
	}
	if err != nil {
		return fmt.Errorf("open channel %s: %w", ch.cfg.Name, err)
	}
	ch.sub = sub
	ch.logger.Info("Subscribed", zap.Stringer("start", start.Mode))
	return nil
}

func (t *Tailer) lookbackStart(ch *channel) (provider.Start, error) {
	lb := t.cfg.Lookback
	switch {
	case lb.Unbounded():
		return provider.Start{Mode: provider.StartOldest}, nil
	case lb > 0:
		bm, err := t.provider.BookmarkBeforeEnd(ch.cfg.Name, ch.cfg.Query, int(lb))
		if errors.Is(err, provider.ErrNotEnoughEvents) {
			ch.logger.Debug("Channel holds fewer events than lookback, starting at oldest")
			return provider.Start{Mode: provider.StartOldest}, nil
		}
		if err != nil {
			return provider.Start{}, fmt.Errorf("seek channel %s: %w", ch.cfg.Name, err)
		}
		return provider.Start{Mode: provider.StartAfterBookmark, Bookmark: bm}, nil
	default:
		return provider.Start{Mode: provider.StartFuture}, nil
	}
}

func (t *Tailer) closeChannels() {
	for _, ch := range t.channels {
		if ch.sub == nil {
			continue
		}
		if err := ch.sub.Close(); err != nil {
			ch.logger.Warn("Failed to close subscription", zap.Error(err))
		}
		ch.sub = nil
	}
}
