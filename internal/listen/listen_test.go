package listen

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/hxnx/tuneroom/internal/logger"
	"github.com/hxnx/tuneroom/internal/music"
	"github.com/hxnx/tuneroom/internal/playback"
	"github.com/hxnx/tuneroom/internal/voice"
)

type fakeLink struct {
	mu    sync.Mutex
	alive bool
}

func (l *fakeLink) Alive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.alive
}

func (l *fakeLink) kill() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.alive = false
}

func (l *fakeLink) Send(context.Context, []byte) error { return nil }
func (l *fakeLink) Speaking(bool) error                { return nil }

func (l *fakeLink) Disconnect() error {
	l.kill()
	return nil
}

type fakeSink struct {
	mu       sync.Mutex
	script   []error
	dials    int
	releases int
	links    []*fakeLink

	// block holds Dial until closed; gauge counts dials in flight across
	// sinks.
	block chan struct{}
	gauge *dialGauge
}

type dialGauge struct {
	mu          sync.Mutex
	active, max int
	total       int
}

func (g *dialGauge) enter() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active++
	g.total++
	g.max = max(g.max, g.active)
}

func (g *dialGauge) exit() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active--
}

func (g *dialGauge) counts() (total, maxActive int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.total, g.max
}

func (s *fakeSink) Ensure(context.Context) error   { return nil }
func (s *fakeSink) Recreate(context.Context) error { return nil }

func (s *fakeSink) Dial(ctx context.Context) (voice.Link, error) {
	if s.gauge != nil {
		s.gauge.enter()
		defer s.gauge.exit()
	}
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.dials++
	if s.dials <= len(s.script) && s.script[s.dials-1] != nil {
		return nil, s.script[s.dials-1]
	}
	link := &fakeLink{alive: true}
	s.links = append(s.links, link)
	return link, nil
}

func (s *fakeSink) Release(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releases++
	return nil
}

func (s *fakeSink) counts() (dials, releases int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials, s.releases
}

func (s *fakeSink) lastLink() *fakeLink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.links[len(s.links)-1]
}

// fakePlayer mirrors the controller's contract: Play stops the previous
// track, and stopping delivers that track's completion with a nil error.
type fakePlayer struct {
	mu      sync.Mutex
	gen     uint64
	current *music.Track
	done    func(playback.Completion)
	paused  bool
	plays   []string
	fail    map[string]error

	block   chan struct{}
	entered chan struct{}
}

func newFakePlayer() *fakePlayer {
	return &fakePlayer{fail: make(map[string]error)}
}

func (p *fakePlayer) Play(ctx context.Context, track music.Track, link voice.Link, done func(playback.Completion)) (uint64, error) {
	p.mu.Lock()
	block, entered := p.block, p.entered
	p.mu.Unlock()
	if block != nil {
		entered <- struct{}{}
		select {
		case <-block:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	p.Stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.plays = append(p.plays, track.Locator)
	if err := p.fail[track.Locator]; err != nil {
		return 0, fmt.Errorf("%w: %v", playback.ErrUnplayable, err)
	}
	p.gen++
	p.current = &track
	p.done = done
	p.paused = false
	return p.gen, nil
}

func (p *fakePlayer) Stop() {
	p.mu.Lock()
	cur, done, gen := p.current, p.done, p.gen
	p.current = nil
	p.mu.Unlock()
	if cur != nil && done != nil {
		done(playback.Completion{Gen: gen, Track: *cur})
	}
}

// finish ends the current track as if the encoder reached EOF and returns
// its completion.
func (p *fakePlayer) finish(played time.Duration, err error) playback.Completion {
	p.mu.Lock()
	cur, done, gen := p.current, p.done, p.gen
	p.current = nil
	p.mu.Unlock()
	if cur == nil {
		panic("finish called with nothing playing")
	}
	c := playback.Completion{Gen: gen, Track: *cur, Played: played, Err: err}
	done(c)
	return c
}

// detach forgets the current track without delivering its completion.
func (p *fakePlayer) detach() (playback.Completion, func(playback.Completion)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := playback.Completion{Gen: p.gen, Track: *p.current}
	done := p.done
	p.current = nil
	return c, done
}

func (p *fakePlayer) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return playback.ErrNotPlaying
	}
	p.paused = true
	return nil
}

func (p *fakePlayer) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return playback.ErrNotPlaying
	}
	p.paused = false
	return nil
}

func (p *fakePlayer) Position() time.Duration { return 0 }

func (p *fakePlayer) played() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.plays)
}

type fakeSource struct {
	tracks []music.Track
	err    error
}

func (s *fakeSource) Resolve(context.Context, string) ([]music.Track, error) {
	return slices.Clone(s.tracks), s.err
}

// stagingSource writes one file per track into the staging directory.
type stagingSource struct {
	fakeSource
	dir string
}

func (s *stagingSource) Stages(string) bool { return true }

func (s *stagingSource) Stage(_ context.Context, _ string, dir string) ([]music.Track, error) {
	s.dir = dir
	var out []music.Track
	for _, t := range s.tracks {
		path := filepath.Join(dir, t.Locator)
		if err := os.WriteFile(path, []byte("opus"), 0o644); err != nil {
			return nil, err
		}
		t.Locator = path
		out = append(out, t)
	}
	return out, nil
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) Observe(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) count(kind EventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func (l *eventLog) last(kind EventKind) (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].Kind == kind {
			return l.events[i], true
		}
	}
	return Event{}, false
}

func testTracks(n int) []music.Track {
	tracks := make([]music.Track, n)
	for i := range tracks {
		tracks[i] = music.Track{
			Title:   fmt.Sprintf("Track %d", i+1),
			Artist:  "Artist",
			Locator: fmt.Sprintf("%02d.opus", i+1),
			Number:  i + 1,
		}
	}
	return tracks
}

type harness struct {
	m       *Manager
	events  *eventLog
	players []*fakePlayer
	sinks   []*fakeSink
	mu      sync.Mutex

	// nextScript is handed to the next sink created.
	nextScript []error
	dialBlock  chan struct{}
	gauge      dialGauge
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{events: &eventLog{}}

	if cfg.Capacity == 0 {
		cfg.Capacity = 3
	}
	if cfg.EndedTTL == 0 {
		cfg.EndedTTL = -1
	}
	cfg.TempRoot = t.TempDir()
	cfg.Policy = voice.Policy{
		MaxAttempts: 4,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		Timeout:     time.Second,
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Discard()
	}
	cfg.Observers = append(cfg.Observers, h.events)
	cfg.NewPlayer = func() Player {
		p := newFakePlayer()
		h.mu.Lock()
		h.players = append(h.players, p)
		h.mu.Unlock()
		return p
	}

	h.m = NewManager(cfg)
	t.Cleanup(func() { h.m.CleanupAll(context.Background()) })
	return h
}

func (h *harness) newSink(string) voice.Sink {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := &fakeSink{script: h.nextScript, block: h.dialBlock, gauge: &h.gauge}
	h.nextScript = nil
	h.sinks = append(h.sinks, s)
	return s
}

func (h *harness) player(i int) *fakePlayer {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.players[i]
}

func (h *harness) sink(i int) *fakeSink {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sinks[i]
}

func (h *harness) create(t *testing.T, host string, src music.Source) *Session {
	t.Helper()
	sess, err := h.m.CreateSession(context.Background(), CreateRequest{
		Host:      Participant{ID: host, Name: host},
		Reference: "album",
		Source:    src,
		NewSink:   h.newSink,
	})
	if err != nil {
		t.Fatalf("CreateSession(%s) error = %v", host, err)
	}
	return sess
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitIndex(t *testing.T, sess *Session, index int, status Status) {
	t.Helper()
	waitFor(t, fmt.Sprintf("index %d %s", index, status), func() bool {
		snap := sess.Snapshot()
		return snap.Index == index && snap.Status == status
	})
}

func TestCreateSessionRetriesTransientFailures(t *testing.T) {
	h := newHarness(t, Config{})
	timeout := errors.New("voice handshake timed out")
	h.nextScript = []error{timeout, timeout}

	sess := h.create(t, "host", &fakeSource{tracks: testTracks(3)})

	snap := sess.Snapshot()
	if snap.Status != StatusPlaying {
		t.Errorf("status = %s, want playing", snap.Status)
	}
	if snap.Index != 0 {
		t.Errorf("index = %d, want 0", snap.Index)
	}
	if dials, _ := h.sink(0).counts(); dials != 3 {
		t.Errorf("dials = %d, want 3", dials)
	}
	if got := h.player(0).played(); !slices.Equal(got, []string{"01.opus"}) {
		t.Errorf("played = %v", got)
	}
	if h.m.GetSessionForParticipant("host") != sess {
		t.Error("host is not mapped to the new session")
	}
}

func TestCreateSessionConnectExhaustion(t *testing.T) {
	h := newHarness(t, Config{})
	refused := errors.New("refused")
	h.nextScript = []error{refused, refused, refused, refused}

	_, err := h.m.CreateSession(context.Background(), CreateRequest{
		Host:      Participant{ID: "host"},
		Reference: "album",
		Source:    &fakeSource{tracks: testTracks(2)},
		NewSink:   h.newSink,
	})
	if !errors.Is(err, voice.ErrConnectFailed) {
		t.Fatalf("error = %v, want ErrConnectFailed", err)
	}

	var connErr *voice.ConnectError
	if !errors.As(err, &connErr) || connErr.Attempts != 4 {
		t.Errorf("ConnectError = %+v, want 4 attempts", connErr)
	}
	if n := h.m.Count(); n != 0 {
		t.Errorf("Count() = %d, want 0", n)
	}
	if h.m.GetSessionForParticipant("host") != nil {
		t.Error("host still mapped after failed create")
	}
	if _, releases := h.sink(0).counts(); releases != 1 {
		t.Errorf("sink releases = %d, want 1", releases)
	}
	if h.events.count(EventSessionClosed) != 1 {
		t.Error("session was not closed")
	}
}

func TestCreateSessionLoadFailure(t *testing.T) {
	boom := errors.New("no such album")

	tests := []struct {
		name    string
		src     music.Source
		wantErr error
	}{
		{"source error", &fakeSource{err: boom}, boom},
		{"no tracks", &fakeSource{}, music.ErrNoTracks},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{})
			_, err := h.m.CreateSession(context.Background(), CreateRequest{
				Host:      Participant{ID: "host"},
				Reference: "album",
				Source:    tt.src,
				NewSink:   h.newSink,
			})
			if !errors.Is(err, ErrLoadFailed) || !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want ErrLoadFailed wrapping %v", err, tt.wantErr)
			}
			var loadErr *LoadError
			if !errors.As(err, &loadErr) || loadErr.Reference != "album" {
				t.Errorf("LoadError = %+v", loadErr)
			}
			if h.m.Count() != 0 {
				t.Error("failed session was registered")
			}
			if dials, _ := h.sink(0).counts(); dials != 0 {
				t.Errorf("dials = %d, want no connect attempt", dials)
			}
		})
	}
}

func TestSessionAutoAdvance(t *testing.T) {
	h := newHarness(t, Config{})
	sess := h.create(t, "host", &fakeSource{tracks: testTracks(3)})
	player := h.player(0)

	player.finish(3*time.Minute, nil)
	waitIndex(t, sess, 1, StatusPlaying)

	player.finish(3*time.Minute, nil)
	waitIndex(t, sess, 2, StatusPlaying)

	player.finish(3*time.Minute, nil)
	waitIndex(t, sess, 2, StatusStopped)

	if got := h.events.count(EventTrackFinished); got != 3 {
		t.Errorf("finished events = %d, want 3", got)
	}
	if got := h.events.count(EventQueueEnded); got != 1 {
		t.Errorf("queue ended events = %d, want 1", got)
	}
	want := []string{"01.opus", "02.opus", "03.opus"}
	if got := player.played(); !slices.Equal(got, want) {
		t.Errorf("played = %v, want %v", got, want)
	}
}

func TestSessionStopSuppressesAdvance(t *testing.T) {
	h := newHarness(t, Config{})
	sess := h.create(t, "host", &fakeSource{tracks: testTracks(3)})

	if err := sess.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	// Give the posted completion time to reach the loop.
	time.Sleep(20 * time.Millisecond)
	waitIndex(t, sess, 0, StatusStopped)

	if got := h.events.count(EventTrackFinished); got != 0 {
		t.Errorf("finished events = %d, want 0", got)
	}
	if got := h.player(0).played(); len(got) != 1 {
		t.Errorf("played = %v, want only the first track", got)
	}

	if err := sess.Stop(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second Stop() error = %v, want ErrInvalidTransition", err)
	}
}

func TestSessionReportsSkippedTrackOnce(t *testing.T) {
	h := newHarness(t, Config{})
	sess := h.create(t, "host", &fakeSource{tracks: testTracks(3)})
	player := h.player(0)

	// Hold on to track 1's completion instead of delivering it on stop.
	stale, done := player.detach()

	moved, err := sess.SkipNext()
	if err != nil || !moved {
		t.Fatalf("SkipNext() = %v, %v", moved, err)
	}
	waitIndex(t, sess, 1, StatusPlaying)

	stale.Played = 4 * time.Minute
	done(stale)
	waitFor(t, "skipped track finish", func() bool {
		return h.events.count(EventTrackFinished) == 1
	})

	e, _ := h.events.last(EventTrackFinished)
	if e.Track.Locator != "01.opus" || e.Index != 0 {
		t.Errorf("finished = %s at %d, want 01.opus at 0", e.Track.Locator, e.Index)
	}
	if e.Played != 4*time.Minute || e.StartedAt.IsZero() {
		t.Errorf("finished played = %v started = %v, want 4m and a start time", e.Played, e.StartedAt)
	}

	// A second delivery of the same generation is stale.
	done(stale)
	time.Sleep(20 * time.Millisecond)

	waitIndex(t, sess, 1, StatusPlaying)
	if got := h.events.count(EventTrackFinished); got != 1 {
		t.Errorf("finished events = %d, want 1", got)
	}
	if got := player.played(); len(got) != 2 {
		t.Errorf("played = %v, want two tracks", got)
	}
}

func TestSessionSkipBoundaries(t *testing.T) {
	h := newHarness(t, Config{})
	sess := h.create(t, "host", &fakeSource{tracks: testTracks(2)})

	moved, err := sess.SkipPrev()
	if err != nil || moved {
		t.Errorf("SkipPrev() at first track = %v, %v, want false, nil", moved, err)
	}

	if moved, err := sess.SkipNext(); err != nil || !moved {
		t.Fatalf("SkipNext() = %v, %v", moved, err)
	}
	moved, err = sess.SkipNext()
	if err != nil || moved {
		t.Errorf("SkipNext() at last track = %v, %v, want false, nil", moved, err)
	}
	waitIndex(t, sess, 1, StatusPlaying)

	if moved, err := sess.SkipPrev(); err != nil || !moved {
		t.Fatalf("SkipPrev() = %v, %v", moved, err)
	}
	waitIndex(t, sess, 0, StatusPlaying)
}

func TestSessionConcurrentSkipIsDebounced(t *testing.T) {
	h := newHarness(t, Config{})
	sess := h.create(t, "host", &fakeSource{tracks: testTracks(3)})
	player := h.player(0)

	player.mu.Lock()
	player.block = make(chan struct{})
	player.entered = make(chan struct{}, 1)
	player.mu.Unlock()

	first := make(chan error, 1)
	go func() {
		_, err := sess.SkipNext()
		first <- err
	}()
	<-player.entered

	moved, err := sess.SkipNext()
	if !errors.Is(err, ErrSkipInProgress) || moved {
		t.Errorf("overlapping SkipNext() = %v, %v, want ErrSkipInProgress", moved, err)
	}

	player.mu.Lock()
	close(player.block)
	player.block = nil
	player.mu.Unlock()

	if err := <-first; err != nil {
		t.Fatalf("first SkipNext() error = %v", err)
	}
	waitIndex(t, sess, 1, StatusPlaying)
}

func TestSessionSkipsUnplayableTrack(t *testing.T) {
	h := newHarness(t, Config{})
	sess := h.create(t, "host", &fakeSource{tracks: testTracks(3)})
	player := h.player(0)

	player.mu.Lock()
	player.fail["02.opus"] = errors.New("all encoders failed")
	player.mu.Unlock()

	player.finish(time.Minute, nil)
	waitIndex(t, sess, 2, StatusPlaying)

	if got := h.events.count(EventTrackSkipped); got != 1 {
		t.Errorf("skipped events = %d, want 1", got)
	}
}

func TestSessionUnplayableLastTrackEndsQueue(t *testing.T) {
	h := newHarness(t, Config{})
	sess := h.create(t, "host", &fakeSource{tracks: testTracks(2)})
	player := h.player(0)

	player.mu.Lock()
	player.fail["02.opus"] = errors.New("corrupt")
	player.mu.Unlock()

	player.finish(time.Minute, nil)
	waitIndex(t, sess, 1, StatusStopped)

	if got := h.events.count(EventQueueEnded); got != 1 {
		t.Errorf("queue ended events = %d, want 1", got)
	}
}

func TestSessionPauseResume(t *testing.T) {
	h := newHarness(t, Config{})
	sess := h.create(t, "host", &fakeSource{tracks: testTracks(2)})

	if err := sess.Resume(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Resume() while playing = %v, want ErrInvalidTransition", err)
	}
	if err := sess.Pause(); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	if got := sess.Status(); got != StatusPaused {
		t.Errorf("status = %s, want paused", got)
	}
	if err := sess.Pause(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second Pause() = %v, want ErrInvalidTransition", err)
	}
	if err := sess.Resume(); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if got := sess.Status(); got != StatusPlaying {
		t.Errorf("status = %s, want playing", got)
	}
	if err := sess.Play(context.Background()); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Play() while playing = %v, want ErrInvalidTransition", err)
	}
}

func TestSessionPlayAfterQueueEndedStartsOver(t *testing.T) {
	h := newHarness(t, Config{})
	sess := h.create(t, "host", &fakeSource{tracks: testTracks(2)})
	player := h.player(0)

	player.finish(time.Minute, nil)
	waitIndex(t, sess, 1, StatusPlaying)
	player.finish(time.Minute, nil)
	waitIndex(t, sess, 1, StatusStopped)

	if err := sess.Play(context.Background()); err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	waitIndex(t, sess, 0, StatusPlaying)
}

func TestSessionReconnectsAfterTransportLoss(t *testing.T) {
	h := newHarness(t, Config{})
	sess := h.create(t, "host", &fakeSource{tracks: testTracks(3)})
	sink := h.sink(0)

	sink.lastLink().kill()
	h.player(0).finish(10*time.Second, voice.ErrNotConnected)
	waitIndex(t, sess, 0, StatusStopped)

	if got := h.events.count(EventTransportLost); got != 1 {
		t.Errorf("transport lost events = %d, want 1", got)
	}

	if err := sess.Play(context.Background()); err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	waitIndex(t, sess, 0, StatusPlaying)
	if dials, _ := sink.counts(); dials != 2 {
		t.Errorf("dials = %d, want 2", dials)
	}
}

func TestManagerJoinAndLeave(t *testing.T) {
	h := newHarness(t, Config{Capacity: 2})
	a := h.create(t, "alice", &fakeSource{tracks: testTracks(1)})
	b := h.create(t, "bob", &fakeSource{tracks: testTracks(1)})
	ctx := context.Background()

	t.Run("join", func(t *testing.T) {
		if err := h.m.JoinSession(ctx, a.ID(), Participant{ID: "carol"}); err != nil {
			t.Fatalf("JoinSession() error = %v", err)
		}
		if h.m.GetSessionForParticipant("carol") != a {
			t.Error("carol is not mapped to alice's session")
		}
		if err := h.m.JoinSession(ctx, a.ID(), Participant{ID: "carol"}); err != nil {
			t.Errorf("repeated JoinSession() error = %v", err)
		}
		if n := len(a.Snapshot().Participants); n != 2 {
			t.Errorf("participants = %d, want 2", n)
		}
	})

	t.Run("full", func(t *testing.T) {
		err := h.m.JoinSession(ctx, a.ID(), Participant{ID: "bob"})
		if !errors.Is(err, ErrSessionFull) {
			t.Fatalf("JoinSession() error = %v, want ErrSessionFull", err)
		}
		if h.m.GetSessionForParticipant("bob") != b {
			t.Error("rejected join changed bob's session")
		}
		if !b.Snapshot().Has("bob") {
			t.Error("rejected join removed bob from his session")
		}
	})

	t.Run("unknown session", func(t *testing.T) {
		if err := h.m.JoinSession(ctx, "nope", Participant{ID: "dave"}); !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("JoinSession() error = %v, want ErrSessionNotFound", err)
		}
	})

	t.Run("switch sessions", func(t *testing.T) {
		if err := h.m.JoinSession(ctx, b.ID(), Participant{ID: "carol"}); err != nil {
			t.Fatalf("JoinSession() error = %v", err)
		}
		if a.Snapshot().Has("carol") {
			t.Error("carol still listed in alice's session")
		}
		if h.m.GetSessionForParticipant("carol") != b {
			t.Error("carol is not mapped to bob's session")
		}
	})

	t.Run("leave", func(t *testing.T) {
		if err := h.m.LeaveSession(ctx, "carol"); err != nil {
			t.Fatalf("LeaveSession() error = %v", err)
		}
		if err := h.m.LeaveSession(ctx, "carol"); !errors.Is(err, ErrNotInSession) {
			t.Errorf("second LeaveSession() = %v, want ErrNotInSession", err)
		}
	})
}

func TestManagerJoinLeavesEmptiedSession(t *testing.T) {
	h := newHarness(t, Config{})
	a := h.create(t, "alice", &fakeSource{tracks: testTracks(1)})
	b := h.create(t, "bob", &fakeSource{tracks: testTracks(1)})

	if err := h.m.JoinSession(context.Background(), b.ID(), Participant{ID: "alice"}); err != nil {
		t.Fatalf("JoinSession() error = %v", err)
	}
	if h.m.GetSession(a.ID()) != nil {
		t.Error("emptied session is still registered")
	}
	if a.Status() != StatusTerminated {
		t.Errorf("emptied session status = %s, want terminated", a.Status())
	}
	if h.m.Count() != 1 {
		t.Errorf("Count() = %d, want 1", h.m.Count())
	}
}

func TestManagerHostHandover(t *testing.T) {
	h := newHarness(t, Config{})
	sess := h.create(t, "alice", &fakeSource{tracks: testTracks(1)})
	ctx := context.Background()

	for _, id := range []string{"bob", "carol"} {
		if err := h.m.JoinSession(ctx, sess.ID(), Participant{ID: id}); err != nil {
			t.Fatalf("JoinSession(%s) error = %v", id, err)
		}
	}

	if err := h.m.LeaveSession(ctx, "alice"); err != nil {
		t.Fatalf("LeaveSession() error = %v", err)
	}

	snap := sess.Snapshot()
	if snap.Host.ID != "bob" {
		t.Errorf("host = %s, want bob", snap.Host.ID)
	}
	if !snap.Has(snap.Host.ID) {
		t.Error("host is not a participant")
	}
	if h.events.count(EventHostChanged) != 1 {
		t.Error("no host change event")
	}
}

func TestManagerLastLeaveTearsDown(t *testing.T) {
	h := newHarness(t, Config{})
	src := &stagingSource{fakeSource: fakeSource{tracks: testTracks(2)}}
	sess := h.create(t, "alice", src)
	ctx := context.Background()

	if _, err := os.Stat(src.dir); err != nil {
		t.Fatalf("staging dir missing: %v", err)
	}
	if err := h.m.JoinSession(ctx, sess.ID(), Participant{ID: "bob"}); err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{"alice", "bob"} {
		if err := h.m.LeaveSession(ctx, id); err != nil {
			t.Fatalf("LeaveSession(%s) error = %v", id, err)
		}
	}

	if h.m.Count() != 0 {
		t.Errorf("Count() = %d, want 0", h.m.Count())
	}
	if sess.Status() != StatusTerminated {
		t.Errorf("status = %s, want terminated", sess.Status())
	}
	if _, err := os.Stat(src.dir); !os.IsNotExist(err) {
		t.Errorf("staging dir still present: %v", err)
	}
	if _, releases := h.sink(0).counts(); releases != 1 {
		t.Errorf("sink releases = %d, want 1", releases)
	}
}

func TestManagerCleanupIsIdempotent(t *testing.T) {
	h := newHarness(t, Config{})
	sess := h.create(t, "alice", &fakeSource{tracks: testTracks(1)})
	ctx := context.Background()

	if !h.m.CleanupSession(ctx, sess.ID()) {
		t.Error("first CleanupSession() reported nothing removed")
	}
	if h.m.CleanupSession(ctx, sess.ID()) {
		t.Error("second CleanupSession() reported a removal")
	}
	if err := sess.Close(ctx); err != nil {
		t.Errorf("Close() after cleanup = %v", err)
	}
	if _, releases := h.sink(0).counts(); releases != 1 {
		t.Errorf("sink releases = %d, want 1", releases)
	}
	if h.m.GetSessionForParticipant("alice") != nil {
		t.Error("participant mapping survived cleanup")
	}
	if _, err := sess.SkipNext(); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("SkipNext() after close = %v, want ErrSessionClosed", err)
	}
}

func TestManagerLeaveReconcilesStaleMapping(t *testing.T) {
	h := newHarness(t, Config{})
	sess := h.create(t, "alice", &fakeSource{tracks: testTracks(1)})
	ctx := context.Background()

	if err := h.m.JoinSession(ctx, sess.ID(), Participant{ID: "bob"}); err != nil {
		t.Fatal(err)
	}

	// Drop bob behind the manager's back.
	if _, err := sess.RemoveParticipant("bob"); err != nil {
		t.Fatal(err)
	}

	if err := h.m.LeaveSession(ctx, "bob"); err != nil {
		t.Errorf("LeaveSession() error = %v", err)
	}
	if h.m.GetSessionForParticipant("bob") != nil {
		t.Error("stale mapping not removed")
	}
	if h.m.GetSession(sess.ID()) == nil {
		t.Error("session with remaining members was removed")
	}
}

func TestManagerSessionsSortedAndCounted(t *testing.T) {
	h := newHarness(t, Config{IDLength: 6})
	first := h.create(t, "alice", &fakeSource{tracks: testTracks(1)})
	time.Sleep(time.Millisecond)
	second := h.create(t, "bob", &fakeSource{tracks: testTracks(1)})

	got := h.m.Sessions()
	if len(got) != 2 || got[0] != first || got[1] != second {
		t.Errorf("Sessions() = %v", got)
	}
	if len(first.ID()) != 6 {
		t.Errorf("ID %q has length %d, want 6", first.ID(), len(first.ID()))
	}
	if first.ID() == second.ID() {
		t.Error("duplicate session IDs")
	}

	h.m.CleanupAll(context.Background())
	if h.m.Count() != 0 {
		t.Errorf("Count() after CleanupAll = %d", h.m.Count())
	}
}

func TestManagerExpiresEndedSession(t *testing.T) {
	h := newHarness(t, Config{EndedTTL: 20 * time.Millisecond})
	sess := h.create(t, "alice", &fakeSource{tracks: testTracks(1)})

	h.player(0).finish(time.Minute, nil)

	waitFor(t, "ended session cleanup", func() bool {
		return h.m.GetSession(sess.ID()) == nil
	})
	if sess.Status() != StatusTerminated {
		t.Errorf("status = %s, want terminated", sess.Status())
	}
}

func TestCreateSessionMovesHost(t *testing.T) {
	h := newHarness(t, Config{})
	old := h.create(t, "alice", &fakeSource{tracks: testTracks(1)})
	fresh := h.create(t, "alice", &fakeSource{tracks: testTracks(1)})

	if h.m.GetSessionForParticipant("alice") != fresh {
		t.Error("host not mapped to the new session")
	}
	if h.m.GetSession(old.ID()) != nil {
		t.Error("host's previous session was not cleaned up")
	}
}

func TestManagerConnectsOneSessionAtATime(t *testing.T) {
	h := newHarness(t, Config{})
	h.dialBlock = make(chan struct{})
	ctx := context.Background()

	errs := make(chan error, 2)
	for _, host := range []string{"alice", "bob"} {
		go func() {
			_, err := h.m.CreateSession(ctx, CreateRequest{
				Host:      Participant{ID: host},
				Reference: "album",
				Source:    &fakeSource{tracks: testTracks(1)},
				NewSink:   h.newSink,
			})
			errs <- err
		}()
	}

	waitFor(t, "first dial", func() bool {
		total, _ := h.gauge.counts()
		return total == 1
	})
	time.Sleep(20 * time.Millisecond)
	if total, _ := h.gauge.counts(); total != 1 {
		t.Fatalf("dials while the first is in flight = %d, want 1", total)
	}
	close(h.dialBlock)

	for range 2 {
		if err := <-errs; err != nil {
			t.Fatalf("CreateSession() error = %v", err)
		}
	}
	total, maxActive := h.gauge.counts()
	if total != 2 || maxActive != 1 {
		t.Errorf("dials = %d, concurrent = %d, want 2 and 1", total, maxActive)
	}
}

func TestManagerJoinNotBlockedBySlowSession(t *testing.T) {
	h := newHarness(t, Config{})
	a := h.create(t, "alice", &fakeSource{tracks: testTracks(2)})
	b := h.create(t, "bob", &fakeSource{tracks: testTracks(1)})
	ctx := context.Background()

	// Park alice's session inside Play so its control loop stops taking
	// commands.
	player := h.player(0)
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	player.mu.Lock()
	player.block, player.entered = release, entered
	player.mu.Unlock()
	go func() { _, _ = a.SkipNext() }()
	<-entered

	left := make(chan error, 1)
	go func() { left <- h.m.LeaveSession(ctx, "alice") }()
	time.Sleep(20 * time.Millisecond)

	joined := make(chan error, 1)
	go func() { joined <- h.m.JoinSession(ctx, b.ID(), Participant{ID: "carol"}) }()
	select {
	case err := <-joined:
		if err != nil {
			t.Fatalf("JoinSession() error = %v", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("join into an idle session waited on a busy one")
	}
	if h.m.GetSessionForParticipant("carol") != b {
		t.Error("carol is not mapped to bob's session")
	}

	close(release)
	if err := <-left; err != nil {
		t.Errorf("LeaveSession() error = %v", err)
	}
}

func TestManagerJoinClosedSessionKeepsMembership(t *testing.T) {
	h := newHarness(t, Config{})
	a := h.create(t, "alice", &fakeSource{tracks: testTracks(1)})
	b := h.create(t, "bob", &fakeSource{tracks: testTracks(1)})
	ctx := context.Background()

	if err := b.Close(ctx); err != nil {
		t.Fatal(err)
	}
	err := h.m.JoinSession(ctx, b.ID(), Participant{ID: "alice"})
	if !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("JoinSession() error = %v, want ErrSessionClosed", err)
	}
	if !a.Snapshot().Has("alice") {
		t.Error("failed join removed alice from her session")
	}
	if h.m.GetSessionForParticipant("alice") != a {
		t.Error("failed join changed alice's mapping")
	}
	if h.m.GetSession(a.ID()) == nil {
		t.Error("failed join tore down alice's session")
	}
}

func TestManagerRejoinRestoresPriorSession(t *testing.T) {
	h := newHarness(t, Config{})
	a := h.create(t, "alice", &fakeSource{tracks: testTracks(1)})
	ctx := context.Background()
	carol := Participant{ID: "carol"}

	if err := h.m.JoinSession(ctx, a.ID(), carol); err != nil {
		t.Fatal(err)
	}
	unlock := h.m.members.lock(carol.ID)
	prior, _, err := h.m.leaveLocked(carol.ID)
	if err != nil || prior != a.ID() {
		t.Fatalf("leaveLocked() = %q, %v", prior, err)
	}
	h.m.rejoin(prior, carol)
	unlock()

	if !a.Snapshot().Has("carol") || h.m.GetSessionForParticipant("carol") != a {
		t.Error("carol was not restored to alice's session")
	}
	if n := len(h.m.members.locks); n != 0 {
		t.Errorf("member locks left = %d, want 0", n)
	}
}

// syncBuffer is a bytes.Buffer safe for the session goroutines to log to.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestManagerVoiceUsesConfiguredLogger(t *testing.T) {
	var out syncBuffer
	h := newHarness(t, Config{Logger: log.NewWithOptions(&out, log.Options{Level: log.DebugLevel})})
	h.create(t, "alice", &fakeSource{tracks: testTracks(1)})

	if got := out.String(); !strings.Contains(got, "voice connected") {
		t.Errorf("configured logger missed voice output:\n%s", got)
	}
}
