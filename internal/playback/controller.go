package playback

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/hxnx/tuneroom/internal/logger"
	"github.com/hxnx/tuneroom/internal/music"
	"github.com/hxnx/tuneroom/internal/voice"
)

var (
	ErrUnplayable   = errors.New("track is unplayable")
	ErrNoEncoders   = errors.New("no encoders configured")
	ErrNotPlaying   = errors.New("nothing is playing")
	ErrLinkRequired = errors.New("voice link is required")
)

const (
	defaultFrameDuration = 20 * time.Millisecond
	defaultStopWait      = 250 * time.Millisecond
	defaultKillGrace     = 2 * time.Second
)

// Completion is delivered once per Play, from the pump goroutine.
type Completion struct {
	Gen    uint64
	Track  music.Track
	Played time.Duration
	Err    error
}

type Options struct {
	Encoders      []Encoder
	Resolver      music.StreamResolver
	FrameDuration time.Duration
	StopWait      time.Duration
	KillGrace     time.Duration
	Logger        *log.Logger
}

// Controller owns the encoder process of one session. It plays at most
// one track at a time; starting a track stops the previous one first.
type Controller struct {
	encoders      []Encoder
	resolver      music.StreamResolver
	frameDuration time.Duration
	stopWait      time.Duration
	killGrace     time.Duration
	logger        *log.Logger

	mu      sync.Mutex
	gen     uint64
	current *playing
}

type playing struct {
	gen    uint64
	track  music.Track
	stream Stream
	link   voice.Link
	cancel context.CancelFunc
	done   chan struct{}

	frames  atomic.Int64
	paused  atomic.Bool
	resumed chan struct{}
	pauseMu sync.Mutex
}

func NewController(opts Options) *Controller {
	c := &Controller{
		encoders:      opts.Encoders,
		resolver:      opts.Resolver,
		frameDuration: opts.FrameDuration,
		stopWait:      opts.StopWait,
		killGrace:     opts.KillGrace,
		logger:        opts.Logger,
	}
	if c.frameDuration <= 0 {
		c.frameDuration = defaultFrameDuration
	}
	if c.stopWait <= 0 {
		c.stopWait = defaultStopWait
	}
	if c.killGrace <= 0 {
		c.killGrace = defaultKillGrace
	}
	if c.logger == nil {
		c.logger = logger.WithComponent("playback")
	}
	return c
}

// Play stops whatever is playing, starts track on link and returns the
// generation that its Completion will carry. done is called exactly once
// unless Play returns an error, and must not block.
func (c *Controller) Play(ctx context.Context, track music.Track, link voice.Link, done func(Completion)) (uint64, error) {
	if link == nil {
		return 0, ErrLinkRequired
	}
	if len(c.encoders) == 0 {
		return 0, ErrNoEncoders
	}

	c.Stop()

	input := track.Locator
	if c.resolver != nil {
		resolved, err := c.resolver.ResolveStreamURL(ctx, track.Locator)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrUnplayable, err)
		}
		input = resolved
	}

	stream, err := c.start(ctx, input)
	if err != nil {
		return 0, err
	}

	pumpCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.gen++
	p := &playing{
		gen:     c.gen,
		track:   track,
		stream:  stream,
		link:    link,
		cancel:  cancel,
		done:    make(chan struct{}),
		resumed: make(chan struct{}),
	}
	c.current = p
	c.mu.Unlock()

	c.logger.Info("track started", "track", track.DisplayName(), "gen", p.gen)

	go c.run(pumpCtx, p, done)
	return p.gen, nil
}

// start tries each encoder in order.
func (c *Controller) start(ctx context.Context, input string) (Stream, error) {
	var errs []error
	for _, enc := range c.encoders {
		stream, err := enc.Start(ctx, input)
		if err == nil {
			c.logger.Debug("encoder started", "encoder", enc.Name())
			return stream, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		c.logger.Warn("encoder failed, trying next", "encoder", enc.Name(), "err", err)
		errs = append(errs, err)
	}
	return nil, fmt.Errorf("%w: %w", ErrUnplayable, errors.Join(errs...))
}

func (c *Controller) run(ctx context.Context, p *playing, done func(Completion)) {
	err := c.pump(ctx, p)

	stopped := ctx.Err() != nil
	switch {
	case stopped:
	case err != nil:
		c.halt(p.stream)
	default:
		// Natural end: the encoder exits on its own after EOF.
		select {
		case <-p.stream.Done():
		case <-time.After(c.killGrace):
			c.halt(p.stream)
		}
		err = p.stream.Err()
	}
	_ = p.stream.Close()

	if stopped {
		err = nil
	}

	c.mu.Lock()
	if c.current == p {
		c.current = nil
	}
	c.mu.Unlock()

	close(p.done)

	if done != nil {
		done(Completion{
			Gen:    p.gen,
			Track:  p.track,
			Played: time.Duration(p.frames.Load()) * c.frameDuration,
			Err:    err,
		})
	}
}

func (c *Controller) pump(ctx context.Context, p *playing) error {
	reader := bufio.NewReaderSize(p.stream.Output(), 65536)
	ticker := time.NewTicker(c.frameDuration)
	defer ticker.Stop()

	_ = p.link.Speaking(true)
	defer func() { _ = p.link.Speaking(false) }()

	for {
		page, err := readOggPage(reader)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read ogg page: %w", err)
		}

		if page.isHeader {
			continue
		}

		for _, packet := range page.packets {
			if len(packet) == 0 {
				continue
			}

			if err := c.waitWhilePaused(ctx, p); err != nil {
				return nil
			}

			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}

			if err := p.link.Send(ctx, packet); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if errors.Is(err, voice.ErrSendTimeout) {
					c.logger.Warn("dropped opus frame", "frame", p.frames.Load())
					continue
				}
				return err
			}
			p.frames.Add(1)
		}
	}
}

func (c *Controller) waitWhilePaused(ctx context.Context, p *playing) error {
	for p.paused.Load() {
		p.pauseMu.Lock()
		resumed := p.resumed
		p.pauseMu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-resumed:
		}
	}
	return nil
}

// Stop halts the current track: the pump is cancelled, the encoder gets a
// moment to exit, then SIGTERM, then SIGKILL after the grace period. It
// returns once the pump has exited; the completion callback may still be
// running.
func (c *Controller) Stop() {
	c.mu.Lock()
	p := c.current
	c.current = nil
	c.mu.Unlock()

	if p == nil {
		return
	}

	p.cancel()
	c.halt(p.stream)
	<-p.done
}

func (c *Controller) halt(stream Stream) {
	select {
	case <-stream.Done():
		return
	case <-time.After(c.stopWait):
	}

	if err := stream.Terminate(); err != nil {
		c.logger.Debug("terminate encoder failed", "err", err)
	}

	select {
	case <-stream.Done():
		return
	case <-time.After(c.killGrace):
	}

	c.logger.Warn("encoder ignored SIGTERM, killing")
	if err := stream.Kill(); err != nil {
		c.logger.Error("kill encoder failed", "err", err)
	}
	<-stream.Done()
}

func (c *Controller) Pause() error {
	p := c.active()
	if p == nil {
		return ErrNotPlaying
	}

	p.pauseMu.Lock()
	defer p.pauseMu.Unlock()

	if p.paused.Swap(true) {
		return nil
	}
	p.resumed = make(chan struct{})
	_ = p.link.Speaking(false)
	return nil
}

func (c *Controller) Resume() error {
	p := c.active()
	if p == nil {
		return ErrNotPlaying
	}

	p.pauseMu.Lock()
	defer p.pauseMu.Unlock()

	if !p.paused.Swap(false) {
		return nil
	}
	close(p.resumed)
	_ = p.link.Speaking(true)
	return nil
}

// Position is the played time of the current track.
func (c *Controller) Position() time.Duration {
	p := c.active()
	if p == nil {
		return 0
	}
	return time.Duration(p.frames.Load()) * c.frameDuration
}

func (c *Controller) Playing() bool {
	return c.active() != nil
}

func (c *Controller) active() *playing {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}
