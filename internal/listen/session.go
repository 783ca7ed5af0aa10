package listen

import (
	"context"
	"errors"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/hxnx/tuneroom/internal/logger"
	"github.com/hxnx/tuneroom/internal/music"
	"github.com/hxnx/tuneroom/internal/playback"
)

const commandBuffer = 16

// Session is one listening room. All state changes happen on a single
// control goroutine; the exported methods hand it closures and wait for
// them to run, so commands apply in the order they are issued. Completion
// callbacks from the player are posted to the same goroutine.
type Session struct {
	id        string
	createdAt time.Time
	capacity  int
	tempRoot  string
	tempPfx   string

	transport Transport
	player    Player
	gate      connectGate
	observers []Observer
	logger    *log.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	cmds     chan func()
	loopDone chan struct{}

	closeOnce sync.Once
	closeErr  error

	skipping atomic.Bool

	snapMu sync.RWMutex
	snap   Snapshot

	// Owned by the control goroutine.
	host         Participant
	participants []Participant
	tracks       []music.Track
	index        int
	status       Status
	ended        bool
	tempDir      string
	playGen      uint64
	playIndex    int
	playStarted  time.Time
	manualStop   bool

	// retired holds tracks replaced by a skip whose completions have not
	// arrived yet. They are reported as finished but never advance the
	// queue.
	retired map[uint64]retiredTrack
}

type retiredTrack struct {
	index   int
	started time.Time
}

type sessionConfig struct {
	ID         string
	Host       Participant
	Capacity   int
	TempRoot   string
	TempPrefix string
	Transport  Transport
	Player     Player
	Gate       connectGate
	Observers  []Observer
	Logger     *log.Logger
}

func newSession(cfg sessionConfig) *Session {
	ctx, cancel := context.WithCancel(context.Background())

	lg := cfg.Logger
	if lg == nil {
		lg = logger.WithComponent("listen")
	}

	host := cfg.Host
	if host.JoinedAt.IsZero() {
		host.JoinedAt = time.Now()
	}

	s := &Session{
		id:           cfg.ID,
		createdAt:    time.Now(),
		capacity:     cfg.Capacity,
		tempRoot:     cfg.TempRoot,
		tempPfx:      cfg.TempPrefix,
		transport:    cfg.Transport,
		player:       cfg.Player,
		gate:         cfg.Gate,
		observers:    cfg.Observers,
		logger:       lg.With("session", cfg.ID),
		ctx:          ctx,
		cancel:       cancel,
		cmds:         make(chan func(), commandBuffer),
		loopDone:     make(chan struct{}),
		host:         host,
		participants: []Participant{host},
		status:       StatusEmpty,
		retired:      make(map[uint64]retiredTrack),
	}
	if s.tempPfx == "" {
		s.tempPfx = "tuneroom-"
	}
	s.refresh()

	go s.loop()
	return s
}

func (s *Session) loop() {
	defer close(s.loopDone)
	for {
		select {
		case <-s.ctx.Done():
			return
		case fn := <-s.cmds:
			fn()
			s.refresh()
		}
	}
}

// do runs fn on the control goroutine and waits for it.
func (s *Session) do(fn func()) error {
	ran := make(chan struct{})
	select {
	case s.cmds <- func() { defer close(ran); fn() }:
	case <-s.ctx.Done():
		return ErrSessionClosed
	}
	select {
	case <-ran:
		return nil
	case <-s.loopDone:
		// The loop may have taken fn just before exiting.
		select {
		case <-ran:
			return nil
		default:
			return ErrSessionClosed
		}
	}
}

// post queues fn without waiting. Safe to call from any goroutine,
// including ones the control goroutine is waiting on.
func (s *Session) post(fn func()) {
	go func() {
		select {
		case s.cmds <- fn:
		case <-s.ctx.Done():
		}
	}()
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// Snapshot returns a copy of the session state as of the last command.
func (s *Session) Snapshot() Snapshot {
	s.snapMu.RLock()
	snap := s.snap
	s.snapMu.RUnlock()

	snap.Participants = slices.Clone(snap.Participants)
	snap.Tracks = slices.Clone(snap.Tracks)
	if snap.Status == StatusPlaying || snap.Status == StatusPaused {
		snap.Position = s.player.Position()
	}
	return snap
}

func (s *Session) Tracks() []music.Track {
	return s.Snapshot().Tracks
}

func (s *Session) Current() (music.Track, bool) {
	return s.Snapshot().Current()
}

func (s *Session) Status() Status {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.snap.Status
}

func (s *Session) refresh() {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	s.snap = Snapshot{
		ID:           s.id,
		Host:         s.host,
		Participants: slices.Clone(s.participants),
		Tracks:       s.tracks,
		Index:        s.index,
		Status:       s.status,
		CreatedAt:    s.createdAt,
		Capacity:     s.capacity,
	}
}

// LoadTracks fills the queue from src. Sources that stage remote media get
// a fresh temporary directory, removed when the session closes.
func (s *Session) LoadTracks(ctx context.Context, src music.Source, reference string) error {
	if src == nil {
		return ErrSourceRequired
	}
	if st := s.Status(); st != StatusEmpty {
		return ErrInvalidTransition
	}

	ctx, stop := s.bind(ctx)
	defer stop()

	var (
		tracks  []music.Track
		tempDir string
		err     error
	)
	if stager, ok := src.(music.Stager); ok && stager.Stages(reference) {
		tempDir, err = os.MkdirTemp(s.tempRoot, s.tempPfx+s.id+"-")
		if err != nil {
			return &LoadError{Reference: reference, Err: err}
		}
		tracks, err = stager.Stage(ctx, reference, tempDir)
	} else {
		tracks, err = src.Resolve(ctx, reference)
	}
	if err == nil && len(tracks) == 0 {
		err = music.ErrNoTracks
	}
	if err != nil {
		removeTemp(s.logger, tempDir)
		return &LoadError{Reference: reference, Err: err}
	}
	music.SortTracks(tracks)

	var opErr error
	err = s.do(func() {
		if s.status != StatusEmpty {
			opErr = ErrInvalidTransition
			return
		}
		s.tracks = tracks
		s.index = 0
		s.tempDir = tempDir
		s.setStatus(StatusReady)
	})
	if err == nil {
		err = opErr
	}
	if err != nil {
		removeTemp(s.logger, tempDir)
		return err
	}

	s.logger.Info("tracks loaded", "reference", reference, "count", len(tracks))
	return nil
}

// Connect brings up the voice transport and starts the current track.
// It is valid from Ready and from Stopped.
func (s *Session) Connect(ctx context.Context) error {
	var (
		prev  Status
		opErr error
	)
	err := s.do(func() {
		switch s.status {
		case StatusReady, StatusStopped:
			prev = s.status
			s.setStatus(StatusConnecting)
		default:
			opErr = ErrInvalidTransition
		}
	})
	if err == nil {
		err = opErr
	}
	if err != nil {
		return err
	}

	ctx, stop := s.bind(ctx)
	defer stop()

	err = s.connectTransport(ctx)
	if err != nil {
		s.logger.Warn("voice connect failed", "err", err)
		_ = s.do(func() {
			if s.status == StatusConnecting {
				s.setStatus(prev)
			}
		})
		return err
	}

	return s.do(func() {
		if s.status == StatusConnecting {
			s.startTrack()
		}
	})
}

func (s *Session) connectTransport(ctx context.Context) error {
	if err := s.gate.acquire(ctx); err != nil {
		return err
	}
	defer s.gate.release()

	_, err := s.transport.Connect(ctx)
	return err
}

// Play restarts playback from Ready or Stopped. A dead voice link is
// reconnected first. After the queue has ended, play starts over.
func (s *Session) Play(ctx context.Context) error {
	var (
		reconnect bool
		opErr     error
	)
	err := s.do(func() {
		switch s.status {
		case StatusReady, StatusStopped:
		default:
			opErr = ErrInvalidTransition
			return
		}
		if s.ended {
			s.index = 0
			s.ended = false
		}
		link := s.transport.Link()
		if link == nil || !link.Alive() {
			reconnect = true
			return
		}
		s.startTrack()
	})
	if err == nil {
		err = opErr
	}
	if err != nil {
		return err
	}
	if reconnect {
		return s.Connect(ctx)
	}
	return nil
}

func (s *Session) Pause() error {
	return s.command(func() error {
		if s.status != StatusPlaying {
			return ErrInvalidTransition
		}
		if err := s.player.Pause(); err != nil {
			return err
		}
		s.setStatus(StatusPaused)
		return nil
	})
}

func (s *Session) Resume() error {
	return s.command(func() error {
		if s.status != StatusPaused {
			return ErrInvalidTransition
		}
		if err := s.player.Resume(); err != nil {
			return err
		}
		s.setStatus(StatusPlaying)
		return nil
	})
}

// Stop halts playback. The stopped track is not reported as finished and
// the queue does not advance.
func (s *Session) Stop() error {
	return s.command(func() error {
		if s.status != StatusPlaying && s.status != StatusPaused {
			return ErrInvalidTransition
		}
		if s.playGen != 0 {
			s.manualStop = true
		}
		s.player.Stop()
		s.setStatus(StatusStopped)
		return nil
	})
}

// SkipNext moves to the next track and plays it. It reports false without
// an error at the end of the queue, and ErrSkipInProgress while another
// skip on this session has not finished.
func (s *Session) SkipNext() (bool, error) {
	return s.skip(1)
}

func (s *Session) SkipPrev() (bool, error) {
	return s.skip(-1)
}

func (s *Session) skip(delta int) (bool, error) {
	if !s.skipping.CompareAndSwap(false, true) {
		return false, ErrSkipInProgress
	}
	defer s.skipping.Store(false)

	var moved bool
	err := s.command(func() error {
		switch s.status {
		case StatusPlaying, StatusPaused, StatusStopped:
		default:
			return ErrInvalidTransition
		}
		next := s.index + delta
		if next < 0 || next >= len(s.tracks) {
			return nil
		}
		s.index = next
		s.ended = false
		s.startTrack()
		moved = true
		return nil
	})
	return moved, err
}

func (s *Session) command(fn func() error) error {
	var opErr error
	if err := s.do(func() { opErr = fn() }); err != nil {
		return err
	}
	return opErr
}

// startTrack plays tracks[index], skipping forward past unplayable ones.
// Runs on the control goroutine.
func (s *Session) startTrack() {
	if s.playGen != 0 && !s.manualStop {
		s.retired[s.playGen] = retiredTrack{index: s.playIndex, started: s.playStarted}
	}
	s.playGen = 0
	s.manualStop = false

	for s.index < len(s.tracks) {
		link := s.transport.Link()
		if link == nil || !link.Alive() {
			s.player.Stop()
			s.setStatus(StatusStopped)
			s.emit(Event{Kind: EventTransportLost})
			return
		}

		track := s.tracks[s.index]
		gen, err := s.player.Play(s.ctx, track, link, s.onCompletion)
		if err == nil {
			s.playGen = gen
			s.playIndex = s.index
			s.playStarted = time.Now()
			s.setStatus(StatusPlaying)
			s.emit(Event{Kind: EventTrackStarted, Track: track, StartedAt: s.playStarted})
			return
		}
		if s.ctx.Err() != nil {
			return
		}

		s.logger.Warn("skipping unplayable track", "track", track.DisplayName(), "err", err)
		s.emit(Event{Kind: EventTrackSkipped, Track: track, Err: err})
		if s.index+1 >= len(s.tracks) {
			break
		}
		s.index++
	}

	s.endQueue()
}

func (s *Session) endQueue() {
	s.ended = true
	s.setStatus(StatusStopped)
	s.emit(Event{Kind: EventQueueEnded})
}

func (s *Session) onCompletion(c playback.Completion) {
	s.post(func() { s.onTrackFinished(c) })
}

func (s *Session) onTrackFinished(c playback.Completion) {
	if r, ok := s.retired[c.Gen]; ok {
		delete(s.retired, c.Gen)
		e := s.fill(Event{Kind: EventTrackFinished, Track: c.Track, Played: c.Played, StartedAt: r.started})
		e.Index = r.index
		s.notify(e)
		return
	}
	if c.Gen == 0 || c.Gen != s.playGen {
		return
	}
	s.playGen = 0

	if s.manualStop {
		s.manualStop = false
		return
	}

	if c.Err != nil {
		s.logger.Warn("track ended with error", "track", c.Track.DisplayName(), "err", c.Err)
		link := s.transport.Link()
		if link == nil || !link.Alive() {
			s.setStatus(StatusStopped)
			s.emit(Event{Kind: EventTransportLost, Track: c.Track, Err: c.Err})
			return
		}
	}

	s.emit(Event{Kind: EventTrackFinished, Track: c.Track, Played: c.Played, StartedAt: s.playStarted, Err: c.Err})

	if s.index+1 < len(s.tracks) {
		s.index++
		s.startTrack()
		return
	}
	s.endQueue()
}

// AddParticipant admits p unless the session is at capacity. Adding a
// participant twice is a no-op.
func (s *Session) AddParticipant(p Participant) error {
	if p.JoinedAt.IsZero() {
		p.JoinedAt = time.Now()
	}
	return s.command(func() error {
		if s.indexOf(p.ID) >= 0 {
			return nil
		}
		if s.capacity > 0 && len(s.participants) >= s.capacity {
			return ErrSessionFull
		}
		s.participants = append(s.participants, p)
		s.emit(Event{Kind: EventParticipantJoined, Participant: p})
		return nil
	})
}

// RemoveParticipant drops the participant and returns how many remain.
// When the host leaves, the earliest remaining joiner becomes host.
func (s *Session) RemoveParticipant(id string) (int, error) {
	var remaining int
	err := s.command(func() error {
		i := s.indexOf(id)
		if i < 0 {
			remaining = len(s.participants)
			return ErrNotInSession
		}
		left := s.participants[i]
		s.participants = slices.Delete(s.participants, i, i+1)
		remaining = len(s.participants)
		s.emit(Event{Kind: EventParticipantLeft, Participant: left})

		if s.host.ID == id && remaining > 0 {
			s.host = s.participants[0]
			s.logger.Info("host handed over", "host", s.host.ID)
			s.emit(Event{Kind: EventHostChanged, Participant: s.host})
		}
		return nil
	})
	return remaining, err
}

func (s *Session) indexOf(id string) int {
	return slices.IndexFunc(s.participants, func(p Participant) bool {
		return p.ID == id
	})
}

func (s *Session) setStatus(st Status) {
	if s.status == st {
		return
	}
	s.status = st
	s.emit(Event{Kind: EventStatusChanged})
}

// emit fills in the common fields and notifies observers in order.
func (s *Session) emit(e Event) {
	s.notify(s.fill(e))
}

func (s *Session) fill(e Event) Event {
	e.SessionID = s.id
	e.At = time.Now()
	e.Status = s.status
	e.Index = s.index
	if e.Track.Locator == "" && s.index < len(s.tracks) {
		e.Track = s.tracks[s.index]
	}
	e.Participants = slices.Clone(s.participants)
	return e
}

func (s *Session) notify(e Event) {
	for _, o := range s.observers {
		o.Observe(e)
	}
}

// bind returns a context that is also cancelled when the session closes.
func (s *Session) bind(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Close tears the session down: pending commands are dropped, playback is
// halted, the transport is closed and staged files are removed. Every step
// runs even if an earlier one fails. Safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.loopDone

		s.player.Stop()

		var errs []error
		if err := s.transport.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		if s.tempDir != "" {
			if err := os.RemoveAll(s.tempDir); err != nil {
				errs = append(errs, err)
			}
		}

		s.status = StatusTerminated
		s.refresh()
		s.emit(Event{Kind: EventSessionClosed})

		s.closeErr = errors.Join(errs...)
		if s.closeErr != nil {
			s.logger.Warn("session closed with errors", "err", s.closeErr)
		} else {
			s.logger.Info("session closed")
		}
	})
	return s.closeErr
}

func removeTemp(lg *log.Logger, dir string) {
	if dir == "" {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		lg.Warn("failed to remove staging directory", "dir", dir, "err", err)
	}
}
