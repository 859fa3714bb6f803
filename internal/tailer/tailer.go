// Package tailer runs the tailing engine: it positions every configured
// channel, replays the backlog channel by channel and then waits on all
// channels at once, draining whichever one signals.
package tailer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/oicur0t/winevt-tailer/internal/bookmarks"
	"github.com/oicur0t/winevt-tailer/internal/config"
	"github.com/oicur0t/winevt-tailer/internal/errs"
	"github.com/oicur0t/winevt-tailer/internal/provider"
	"github.com/oicur0t/winevt-tailer/internal/sink"
	"github.com/oicur0t/winevt-tailer/internal/telemetry"
	"github.com/oicur0t/winevt-tailer/internal/transform"
	"github.com/oicur0t/winevt-tailer/pkg/models"
)

const (
	BatchSize    = 100
	FetchTimeout = time.Second
	WaitTimeout  = 2 * time.Second
)

// State is the engine's lifecycle phase
type State int32

const (
	StateCreated State = iota
	StateStarting
	StateReplayingBacklog
	StateListening
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateReplayingBacklog:
		return "replaying-backlog"
	case StateListening:
		return "listening"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Option customizes a Tailer
type Option func(*Tailer)

// WithMetrics records engine counters in r
func WithMetrics(r *telemetry.Registry) Option {
	return func(t *Tailer) { t.registry = r }
}

// WithWaitTimeout overrides how long one wait on the channel signals lasts
func WithWaitTimeout(d time.Duration) Option {
	return func(t *Tailer) { t.waitTimeout = d }
}

// WithClock overrides the time source used for commit scheduling
func WithClock(now func() time.Time) Option {
	return func(t *Tailer) { t.now = now }
}

// Tailer streams events of its channels to a sink. Run is single-threaded;
// only Stop may be called from another goroutine.
type Tailer struct {
	name     string
	cfg      *config.TailerConfig
	provider provider.Provider
	out      sink.Sink
	logger   *zap.Logger
	registry *telemetry.Registry

	channels      []*channel
	tctx          transform.Context
	bookmarksPath string

	state   atomic.Int32
	stopped atomic.Bool
	done    chan struct{}

	dirty       bool
	lastCommit  time.Time
	now         func() time.Time
	waitTimeout time.Duration
	commits     telemetry.Counter
	commitTime  telemetry.Gauge

	// afterOpen runs once every channel is subscribed, before backlog replay
	afterOpen func()
}

// New prepares a tailer without touching the log. More channels than the
// provider can wait on at once is a ConfigError.
func New(name string, cfg *config.TailerConfig, p provider.Provider, out sink.Sink, logger *zap.Logger, opts ...Option) (*Tailer, error) {
	if limit := p.MaxWaitObjects(); len(cfg.Channels) > limit {
		return nil, errs.Config("too many channels: %d configured, at most %d can be tailed at once", len(cfg.Channels), limit)
	}

	t := &Tailer{
		name:          name,
		cfg:           cfg,
		provider:      p,
		out:           out,
		logger:        logger.With(zap.String("tailer", name)),
		tctx:          transform.Context{},
		bookmarksPath: bookmarks.Path(cfg.BookmarksDir, name),
		done:          make(chan struct{}),
		now:           time.Now,
		waitTimeout:   WaitTimeout,
	}
	for _, opt := range opts {
		opt(t)
	}

	env := transform.Env{Messages: p}
	shared, err := transform.Build(cfg.Transforms, env)
	if err != nil {
		return nil, err
	}
	emitted := t.registry.NewCounterVec("events_emitted_total", "Event lines written to the output", []string{"channel"})
	dropped := t.registry.NewCounterVec("events_dropped_total", "Events dropped by a transform", []string{"channel"})
	t.commits = t.registry.NewCounter("bookmark_commits_total", "Bookmark file commits")
	t.commitTime = t.registry.NewGauge("last_bookmark_commit_timestamp_seconds", "Time of the last bookmark file commit")

	for _, cc := range cfg.Channels {
		own, err := transform.Build(cc.Transforms, env)
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", cc.Name, err)
		}
		t.channels = append(t.channels, &channel{
			cfg:      cc,
			pipeline: transform.Pipeline{Channel: own, Shared: shared},
			logger:   t.logger.With(zap.String("channel", cc.Name)),
			emitted:  emitted.With(cc.Name),
			dropped:  dropped.With(cc.Name),
		})
	}
	return t, nil
}

// Stop asks the engine to finish. It returns true only for the call that
// actually requested the stop.
func (t *Tailer) Stop() bool {
	if !t.stopped.CompareAndSwap(false, true) {
		return false
	}
	close(t.done)
	t.logger.Info("Stop requested")
	return true
}

// IsStopped reports whether a stop has been requested
func (t *Tailer) IsStopped() bool {
	return t.stopped.Load()
}

func (t *Tailer) State() State {
	return State(t.state.Load())
}

func (t *Tailer) setState(s State) {
	t.state.Store(int32(s))
	t.logger.Debug("State changed", zap.Stringer("state", s))
}

// Run executes the engine until it is stopped, the backlog is replayed with
// exit_after_lookback set, or the provider fails. Cancelling ctx is the same
// as calling Stop. A stopped run returns nil.
func (t *Tailer) Run(ctx context.Context) (err error) {
	if !t.state.CompareAndSwap(int32(StateCreated), int32(StateStarting)) {
		return fmt.Errorf("tailer %s: already started", t.name)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-runCtx.Done():
			if ctx.Err() != nil {
				t.Stop()
			}
		case <-t.done:
			cancel()
		}
	}()

	defer func() {
		if cerr := t.commit(true); cerr != nil {
			if err == nil {
				err = cerr
			} else {
				t.logger.Error("Failed to commit bookmarks on exit", zap.Error(cerr))
			}
		}
		t.closeChannels()
		if ctx.Err() != nil {
			t.Stop()
		}
		t.setState(StateStopped)
		t.logger.Info("Tailer stopped")
	}()

	if t.stopRequested(runCtx) {
		return nil
	}
	if err := t.start(); err != nil {
		return err
	}
	if t.afterOpen != nil {
		t.afterOpen()
	}
	if t.stopRequested(runCtx) {
		return nil
	}

	t.setState(StateReplayingBacklog)
	for _, ch := range t.channels {
		if t.stopRequested(runCtx) {
			return nil
		}
		if err := t.drain(runCtx, ch); err != nil {
			return err
		}
	}
	if t.cfg.ExitAfterLookback {
		t.logger.Info("Backlog replayed, exiting")
		return nil
	}
	if err := t.commit(true); err != nil {
		return err
	}

	t.setState(StateListening)
	return t.listen(runCtx)
}

func (t *Tailer) stopRequested(ctx context.Context) bool {
	return t.IsStopped() || ctx.Err() != nil
}

// start loads bookmarks, says hello and subscribes every channel
func (t *Tailer) start() error {
	codec := provider.BookmarkCodec(t.provider)
	var marks []provider.Bookmark
	var err error
	if t.cfg.Persistent {
		marks, err = bookmarks.Load(t.bookmarksPath, t.cfg.Channels, codec)
	} else {
		marks, err = bookmarks.Fresh(t.cfg.Channels, codec)
	}
	if err != nil {
		return err
	}
	t.lastCommit = t.now()

	if t.cfg.StartupHello {
		line, err := models.NewHello(t.name, config.TailerType).Line()
		if err != nil {
			return err
		}
		if err := t.out.WriteLine(line); err != nil {
			return fmt.Errorf("write hello: %w", err)
		}
	}

	for i, ch := range t.channels {
		ch.bookmark = marks[i]
		if ch.signal, err = t.provider.NewSignal(); err != nil {
			return fmt.Errorf("create signal for %s: %w", ch.cfg.Name, err)
		}
		if err := t.openChannel(ch); err != nil {
			return err
		}
	}
	t.logger.Info("Tailer started",
		zap.Int("channels", len(t.channels)),
		zap.Stringer("lookback", t.cfg.Lookback),
		zap.Bool("persistent", t.cfg.Persistent))
	return nil
}

// listen waits on every channel signal and drains the one that fires
func (t *Tailer) listen(ctx context.Context) error {
	signals := make([]provider.Signal, len(t.channels))
	for i, ch := range t.channels {
		signals[i] = ch.signal
	}

	for !t.stopRequested(ctx) {
		if err := t.commit(false); err != nil {
			return err
		}
		idx, err := t.provider.Wait(ctx, signals, t.waitTimeout)
		if err != nil {
			if t.stopRequested(ctx) {
				return nil
			}
			return fmt.Errorf("wait for events: %w", err)
		}
		if idx < 0 {
			continue
		}
		if err := t.drain(ctx, t.channels[idx]); err != nil {
			return err
		}
	}
	return nil
}

// drain handles batches of ch until it is caught up or a stop is requested
func (t *Tailer) drain(ctx context.Context, ch *channel) error {
	for !t.stopRequested(ctx) {
		events, err := ch.sub.Next(BatchSize, FetchTimeout)
		if err != nil {
			return fmt.Errorf("fetch events of %s: %w", ch.cfg.Name, err)
		}
		if len(events) == 0 {
			return nil
		}
		err = t.handleBatch(ch, events)
		t.provider.Release(events)
		if err != nil {
			return err
		}
	}
	return nil
}

// handleBatch emits the batch and moves the channel bookmark to the last
// handled event. Dropped events count as handled.
func (t *Tailer) handleBatch(ch *channel, events []provider.RawEvent) error {
	var last provider.RawEvent
	var handleErr error
	for _, raw := range events {
		if handleErr = t.handleEvent(ch, raw); handleErr != nil {
			break
		}
		last = raw
	}
	if last != nil {
		bm, err := t.provider.UpdateBookmark(ch.bookmark, last)
		if err != nil {
			return errors.Join(handleErr, fmt.Errorf("update bookmark of %s: %w", ch.cfg.Name, err))
		}
		ch.bookmark = bm
		t.dirty = true
	}
	return handleErr
}

func (t *Tailer) handleEvent(ch *channel, raw provider.RawEvent) error {
	xml, err := t.provider.Render(raw)
	if err != nil {
		return fmt.Errorf("render event of %s: %w", ch.cfg.Name, err)
	}
	ev, err := transform.Parse(xml)
	if err != nil {
		return fmt.Errorf("event of %s: %w", ch.cfg.Name, err)
	}
	line, dropped, err := ch.pipeline.Run(t.tctx, raw, ev)
	if err != nil {
		return fmt.Errorf("event of %s: %w", ch.cfg.Name, err)
	}
	if dropped {
		ch.dropped.Inc()
		return nil
	}
	if err := t.out.WriteLine(line); err != nil {
		return fmt.Errorf("write event of %s: %w", ch.cfg.Name, err)
	}
	ch.emitted.Inc()
	return nil
}

// commit persists bookmarks when persistence is on and they moved. Unless
// force is set it waits for the commit interval to elapse.
func (t *Tailer) commit(force bool) error {
	if !t.cfg.Persistent || !t.dirty {
		return nil
	}
	now := t.now()
	if !force && now.Sub(t.lastCommit) < t.cfg.BookmarksCommitInterval {
		return nil
	}

	marks := make([]provider.Bookmark, len(t.channels))
	for i, ch := range t.channels {
		marks[i] = ch.bookmark
	}
	if err := bookmarks.Store(t.bookmarksPath, marks, t.cfg.Channels, t.provider); err != nil {
		return err
	}
	t.dirty = false
	t.lastCommit = now
	t.commits.Inc()
	t.commitTime.SetToCurrentTime()
	t.logger.Debug("Bookmarks committed", zap.String("file", t.bookmarksPath))
	return nil
}
