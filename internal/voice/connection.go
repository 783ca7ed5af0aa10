package voice

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/hxnx/tuneroom/internal/logger"
)

var (
	ErrConnectFailed   = errors.New("voice connection failed")
	ErrSessionRejected = errors.New("voice session rejected by server")
	ErrNotStable       = errors.New("voice link dropped during stabilization")
	ErrClosed          = errors.New("voice connection closed")
	ErrNotConnected    = errors.New("voice link not connected")
	ErrSendTimeout     = errors.New("timed out sending voice frame")
)

// Voice gateway close codes that mean the server dropped our session and
// the same endpoint will keep refusing it.
const (
	closeSessionNoLongerValid = 4006
	closeSessionTimeout       = 4009
)

// releaseTimeout bounds releasing the sink when Close was handed an
// expired context.
const releaseTimeout = 5 * time.Second

// Link is one established voice connection.
type Link interface {
	Alive() bool
	Send(ctx context.Context, frame []byte) error
	Speaking(speaking bool) error
	Disconnect() error
}

// Sink owns the resource links are dialed against (for Discord a
// dedicated voice channel).
type Sink interface {
	Ensure(ctx context.Context) error
	Dial(ctx context.Context) (Link, error)
	Recreate(ctx context.Context) error
	Release(ctx context.Context) error
}

// ConnectError is returned once all attempts are used up.
type ConnectError struct {
	Attempts int
	Last     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("%s after %d attempts: %v", ErrConnectFailed, e.Attempts, e.Last)
}

func (e *ConnectError) Unwrap() []error {
	return []error{ErrConnectFailed, e.Last}
}

// IsFatal reports whether err means the sink rejected the session itself
// rather than a plain timeout or network hiccup.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSessionRejected) {
		return true
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code == closeSessionNoLongerValid || closeErr.Code == closeSessionTimeout
	}
	return false
}

// Connection establishes and owns the link to a Sink for one session.
type Connection struct {
	sink   Sink
	policy Policy
	logger *log.Logger

	// sem serializes Connect and Close. A buffered channel instead of a
	// mutex so Connect can stop waiting on ctx.
	sem chan struct{}

	base   context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	link       Link
	connecting bool
	closed     bool

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(limit time.Duration) time.Duration
}

func NewConnection(sink Sink, policy Policy) *Connection {
	base, cancel := context.WithCancel(context.Background())
	return &Connection{
		sink:   sink,
		policy: policy,
		logger: logger.WithComponent("voice"),
		sem:    make(chan struct{}, 1),
		base:   base,
		cancel: cancel,
		sleep:  sleepCtx,
		jitter: randomJitter,
	}
}

func (c *Connection) WithLogger(l *log.Logger) *Connection {
	c.logger = l
	return c
}

// Connecting is true only while a Connect call holds the lock.
func (c *Connection) Connecting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connecting
}

// Link returns the current link or nil.
func (c *Connection) Link() Link {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link
}

// Connect returns a live link, dialing the sink with retries if needed.
// Callers that overlap an in-flight Connect wait for it and reuse its
// result when still alive.
func (c *Connection) Connect(ctx context.Context) (Link, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.base, cancel)
	defer stop()

	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-c.sem }()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.link != nil && c.link.Alive() {
		link := c.link
		c.mu.Unlock()
		return link, nil
	}
	c.connecting = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.connecting = false
		c.mu.Unlock()
	}()

	link, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.link = link
	c.mu.Unlock()
	return link, nil
}

func (c *Connection) connect(ctx context.Context) (Link, error) {
	if err := c.sink.Ensure(ctx); err != nil {
		return nil, &ConnectError{Attempts: 0, Last: err}
	}

	if c.policy.Jitter > 0 {
		if err := c.sleep(ctx, c.jitter(c.policy.Jitter)); err != nil {
			return nil, err
		}
	}

	maxAttempts := c.policy.attempts()
	fatal := 0
	var last error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		c.dropLink()

		if c.policy.RecreateAfter > 0 && fatal >= c.policy.RecreateAfter {
			c.logger.Warn("recreating voice sink", "fatal_errors", fatal, "attempt", attempt)
			if err := c.sink.Recreate(ctx); err != nil {
				c.logger.Error("failed to recreate voice sink", "err", err)
				last = err
			}
			fatal = 0
		}

		c.logger.Debug("connect attempt", "attempt", attempt, "timeout", c.policy.TimeoutFor(attempt))

		link, err := c.dial(ctx, attempt)
		if err == nil {
			c.logger.Info("voice connected", "attempt", attempt)
			return link, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		last = err
		if IsFatal(err) {
			fatal++
		} else {
			fatal = 0
		}
		c.logger.Warn("connect attempt failed", "attempt", attempt, "fatal", IsFatal(err), "err", err)

		if attempt < maxAttempts {
			if err := c.sleep(ctx, c.policy.Delay(attempt)); err != nil {
				return nil, err
			}
		}
	}

	return nil, &ConnectError{Attempts: maxAttempts, Last: last}
}

func (c *Connection) dial(ctx context.Context, attempt int) (Link, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.policy.TimeoutFor(attempt))
	link, err := c.sink.Dial(dialCtx)
	cancel()
	if err != nil {
		return nil, err
	}

	if c.policy.Stabilize > 0 {
		if err := c.sleep(ctx, c.policy.Stabilize); err != nil {
			_ = link.Disconnect()
			return nil, err
		}
	}

	if !link.Alive() {
		_ = link.Disconnect()
		return nil, ErrNotStable
	}
	return link, nil
}

// dropLink disconnects the current link, ignoring errors.
func (c *Connection) dropLink() {
	c.mu.Lock()
	link := c.link
	c.link = nil
	c.mu.Unlock()

	if link != nil {
		if err := link.Disconnect(); err != nil {
			c.logger.Debug("disconnect before reconnect failed", "err", err)
		}
	}
}

// Disconnect drops the link but keeps the sink resource.
func (c *Connection) Disconnect() {
	c.dropLink()
}

// Close cancels an in-flight Connect, disconnects and releases the sink.
// Safe to call more than once.
func (c *Connection) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()

	// An in-flight Connect unwinds on cancel. Wait for it even if ctx is
	// done: once closed is set nothing else will release the sink.
	c.sem <- struct{}{}
	defer func() { <-c.sem }()

	c.dropLink()

	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
	}
	if err := c.sink.Release(ctx); err != nil {
		return fmt.Errorf("release voice sink: %w", err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(limit)))
}
