package scrobble

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/hxnx/tuneroom/internal/listen"
	"github.com/hxnx/tuneroom/internal/logger"
)

const (
	DefaultMinPlay         = 30 * time.Second
	DefaultFraction        = 0.5
	DefaultUnknownDuration = 240 * time.Second

	defaultFanOut      = 4
	defaultCallTimeout = 15 * time.Second
)

type Options struct {
	// MinPlay caps the threshold: a track counts once it has played for
	// MinPlay or Fraction of its duration, whichever is shorter.
	MinPlay         time.Duration
	Fraction        float64
	UnknownDuration time.Duration
	FanOut          int
	CallTimeout     time.Duration
	Logger          *log.Logger
}

// Coordinator watches session events and reports listens for every
// participant with a linked account. It never blocks the session that
// emitted the event; submissions run in the background and a failure for
// one participant does not affect the others.
type Coordinator struct {
	client Client
	store  Store
	opts   Options
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started map[string]time.Time
}

func NewCoordinator(client Client, store Store, opts Options) *Coordinator {
	if opts.MinPlay <= 0 {
		opts.MinPlay = DefaultMinPlay
	}
	if opts.Fraction <= 0 || opts.Fraction > 1 {
		opts.Fraction = DefaultFraction
	}
	if opts.UnknownDuration <= 0 {
		opts.UnknownDuration = DefaultUnknownDuration
	}
	if opts.FanOut <= 0 {
		opts.FanOut = defaultFanOut
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logger.WithComponent("scrobble")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		client:  client,
		store:   store,
		opts:    opts,
		logger:  opts.Logger,
		ctx:     ctx,
		cancel:  cancel,
		started: make(map[string]time.Time),
	}
}

// Threshold is the play time after which a track of the given duration is
// scrobbled. Unknown durations use UnknownDuration.
func (c *Coordinator) Threshold(duration time.Duration) time.Duration {
	if duration <= 0 {
		duration = c.opts.UnknownDuration
	}
	return min(c.opts.MinPlay, time.Duration(float64(duration)*c.opts.Fraction))
}

func (c *Coordinator) ShouldScrobble(duration, played time.Duration) bool {
	return played >= c.Threshold(duration)
}

func (c *Coordinator) Observe(e listen.Event) {
	switch e.Kind {
	case listen.EventTrackStarted:
		c.mu.Lock()
		c.started[e.SessionID] = e.At
		c.mu.Unlock()
		c.dispatch("now playing", e.Participants, func(ctx context.Context, cred Credential) error {
			return c.client.UpdateNowPlaying(ctx, cred, e.Track)
		})

	case listen.EventTrackFinished:
		if !c.ShouldScrobble(e.Track.Duration, e.Played) {
			c.logger.Debug("below scrobble threshold", "session", e.SessionID, "track", e.Track.DisplayName(),
				"played", e.Played, "threshold", c.Threshold(e.Track.Duration))
			return
		}
		startedAt := c.startedAt(e)
		c.dispatch("scrobble", e.Participants, func(ctx context.Context, cred Credential) error {
			return c.client.Scrobble(ctx, cred, e.Track, startedAt)
		})

	case listen.EventSessionClosed:
		c.mu.Lock()
		delete(c.started, e.SessionID)
		c.mu.Unlock()
	}
}

func (c *Coordinator) startedAt(e listen.Event) time.Time {
	if !e.StartedAt.IsZero() {
		return e.StartedAt
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.started[e.SessionID]; ok {
		return t
	}
	return e.At.Add(-e.Played)
}

func (c *Coordinator) dispatch(action string, participants []listen.Participant, call func(context.Context, Credential) error) {
	if len(participants) == 0 {
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		var g errgroup.Group
		g.SetLimit(c.opts.FanOut)
		for _, p := range participants {
			g.Go(func() error {
				c.submit(action, p, call)
				return nil
			})
		}
		_ = g.Wait()
	}()
}

func (c *Coordinator) submit(action string, p listen.Participant, call func(context.Context, Credential) error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.CallTimeout)
	defer cancel()

	cred, ok, err := c.store.Get(ctx, p.ID)
	if err != nil {
		c.logger.Warn("failed to load scrobble credential", "participant", p.ID, "err", err)
		return
	}
	if !ok {
		return
	}

	if err := call(ctx, cred); err != nil {
		c.logger.Warn(action+" failed", "participant", p.ID, "user", cred.Username, "err", err)
		return
	}
	c.logger.Debug(action+" sent", "participant", p.ID, "user", cred.Username)
}

// Wait blocks until in-flight submissions finish or ctx is done.
func (c *Coordinator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close waits for in-flight submissions until ctx is done, then abandons
// the rest.
func (c *Coordinator) Close(ctx context.Context) error {
	err := c.Wait(ctx)
	c.cancel()
	return err
}

