package listen

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hxnx/tuneroom/internal/logger"
	"github.com/hxnx/tuneroom/internal/music"
	"github.com/hxnx/tuneroom/internal/voice"
)

const (
	DefaultCapacity = 5
	DefaultIDLength = 8
	DefaultEndedTTL = 5 * time.Minute
)

// connectGate bounds concurrent voice handshakes across sessions. The
// gateway rejects overlapping joins from one bot, so there is one slot.
type connectGate chan struct{}

func newConnectGate() connectGate {
	return make(connectGate, 1)
}

func (g connectGate) acquire(ctx context.Context) error {
	if g == nil {
		return nil
	}
	select {
	case g <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g connectGate) release() {
	if g != nil {
		<-g
	}
}

type Config struct {
	Capacity   int
	IDLength   int
	TempRoot   string
	TempPrefix string
	// EndedTTL is how long a session may sit at the end of its queue
	// before it is cleaned up. Zero uses DefaultEndedTTL, negative keeps
	// ended sessions until everyone leaves.
	EndedTTL time.Duration
	Policy   voice.Policy

	NewPlayer func() Player
	Observers []Observer
	Logger    *log.Logger
}

// CreateRequest describes a new session. NewSink is called with the
// session ID once it has been allocated.
type CreateRequest struct {
	Host      Participant
	Reference string
	Source    music.Source
	NewSink   func(sessionID string) voice.Sink
}

// Manager is the registry of live sessions. Every participant is in at
// most one session at a time.
type Manager struct {
	cfg    Config
	gate   connectGate
	logger *log.Logger

	mu            sync.RWMutex
	sessions      map[string]*Session
	byParticipant map[string]string
	endTimers     map[string]*time.Timer

	// members serializes join, leave and create per participant so the
	// participant index and the sessions' member lists move together.
	// Session commands run outside mu.
	members memberLocks

	newTransport func(sink voice.Sink) Transport
}

func NewManager(cfg Config) *Manager {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.IDLength <= 0 || cfg.IDLength > 32 {
		cfg.IDLength = DefaultIDLength
	}
	if cfg.EndedTTL == 0 {
		cfg.EndedTTL = DefaultEndedTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.WithComponent("listen")
	}

	return &Manager{
		cfg:           cfg,
		gate:          newConnectGate(),
		logger:        cfg.Logger,
		sessions:      make(map[string]*Session),
		byParticipant: make(map[string]string),
		endTimers:     make(map[string]*time.Timer),
		members:       memberLocks{locks: make(map[string]*memberLock)},
		newTransport: func(sink voice.Sink) Transport {
			return voice.NewConnection(sink, cfg.Policy).WithLogger(cfg.Logger)
		},
	}
}

// CreateSession loads the host's reference, registers the session and
// connects it to voice. A session that fails to load is never registered;
// one that fails to connect is torn down before the error is returned.
// A host already in another session leaves it first.
func (m *Manager) CreateSession(ctx context.Context, req CreateRequest) (*Session, error) {
	if req.Host.ID == "" {
		return nil, ErrHostRequired
	}
	if req.Source == nil || req.NewSink == nil {
		return nil, ErrSourceRequired
	}

	id := m.newID()
	observers := append(slices.Clone(m.cfg.Observers), ObserverFunc(m.observe))

	sess := newSession(sessionConfig{
		ID:         id,
		Host:       req.Host,
		Capacity:   m.cfg.Capacity,
		TempRoot:   m.cfg.TempRoot,
		TempPrefix: m.cfg.TempPrefix,
		Transport:  m.newTransport(req.NewSink(id)),
		Player:     m.cfg.NewPlayer(),
		Gate:       m.gate,
		Observers:  observers,
		Logger:     m.logger,
	})

	if err := sess.LoadTracks(ctx, req.Source, req.Reference); err != nil {
		_ = sess.Close(context.WithoutCancel(ctx))
		return nil, err
	}

	var stale string
	unlock := m.members.lock(req.Host.ID)
	if prior, empty, err := m.leaveLocked(req.Host.ID); err == nil && empty {
		stale = prior
	}
	m.mu.Lock()
	m.sessions[id] = sess
	m.byParticipant[req.Host.ID] = id
	m.mu.Unlock()
	unlock()

	if stale != "" {
		m.cleanupIfEmpty(ctx, stale)
	}

	_ = sess.do(func() { sess.emit(Event{Kind: EventSessionCreated}) })
	m.logger.Info("session created", "session", id, "host", req.Host.ID, "tracks", len(sess.Snapshot().Tracks))

	if err := sess.Connect(ctx); err != nil {
		m.CleanupSession(context.WithoutCancel(ctx), id)
		return nil, err
	}
	return sess, nil
}

func (m *Manager) newID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for {
		id := strings.ReplaceAll(uuid.NewString(), "-", "")[:m.cfg.IDLength]
		if _, taken := m.sessions[id]; !taken {
			return id
		}
	}
}

func (m *Manager) GetSession(id string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

func (m *Manager) GetSessionForParticipant(participantID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byParticipant[participantID]
	if !ok {
		return nil
	}
	return m.sessions[id]
}

// JoinSession adds p to the session, leaving any other session first. A
// full or closed session is rejected before anything changes, and a join
// that fails after leaving puts p back where they were.
func (m *Manager) JoinSession(ctx context.Context, id string, p Participant) error {
	unlock := m.members.lock(p.ID)
	defer unlock()

	sess := m.GetSession(id)
	if sess == nil {
		return ErrSessionNotFound
	}
	if sess.Status() == StatusTerminated {
		return ErrSessionClosed
	}

	snap := sess.Snapshot()
	if snap.Has(p.ID) {
		m.mu.Lock()
		m.byParticipant[p.ID] = id
		m.mu.Unlock()
		return nil
	}
	if len(snap.Participants) >= snap.Capacity {
		return ErrSessionFull
	}

	prior, empty, _ := m.leaveLocked(p.ID)

	if err := sess.AddParticipant(p); err != nil {
		m.rejoin(prior, p)
		return err
	}

	m.mu.Lock()
	registered := m.sessions[id] == sess
	if registered {
		m.byParticipant[p.ID] = id
	}
	m.mu.Unlock()
	if !registered {
		m.rejoin(prior, p)
		return ErrSessionClosed
	}

	if empty && prior != id {
		m.cleanupIfEmpty(ctx, prior)
	}
	return nil
}

// rejoin restores p to the session they left for a join that failed.
func (m *Manager) rejoin(prior string, p Participant) {
	sess := m.GetSession(prior)
	if sess == nil {
		return
	}
	if err := sess.AddParticipant(p); err != nil {
		m.logger.Warn("could not restore participant", "participant", p.ID, "session", prior, "err", err)
		return
	}
	m.mu.Lock()
	if m.sessions[prior] == sess {
		m.byParticipant[p.ID] = prior
	}
	m.mu.Unlock()
}

// LeaveSession removes the participant from their session and tears the
// session down when nobody is left. A mapping that no longer matches the
// session's members is repaired either way.
func (m *Manager) LeaveSession(ctx context.Context, participantID string) error {
	unlock := m.members.lock(participantID)
	id, empty, err := m.leaveLocked(participantID)
	unlock()

	if empty {
		m.cleanupIfEmpty(ctx, id)
	}
	return err
}

// leaveLocked drops participantID from the index and from whichever
// session lists it. It returns that session's ID and whether it is now
// empty. A mapping to a session that does not list the participant is
// removed without error. The caller holds the participant's member lock.
func (m *Manager) leaveLocked(participantID string) (string, bool, error) {
	m.mu.Lock()
	id, mapped := m.byParticipant[participantID]
	delete(m.byParticipant, participantID)
	sess := m.sessions[id]
	if sess == nil {
		// Removed out-of-band: find a session that still lists them.
		for sid, candidate := range m.sessions {
			if candidate.Snapshot().Has(participantID) {
				id, sess = sid, candidate
				break
			}
		}
	}
	m.mu.Unlock()

	if sess == nil {
		if mapped {
			m.logger.Debug("dropped stale participant mapping", "participant", participantID, "session", id)
			return id, false, nil
		}
		return "", false, ErrNotInSession
	}

	remaining, err := sess.RemoveParticipant(participantID)
	switch {
	case errors.Is(err, ErrNotInSession):
		m.logger.Debug("dropped stale participant mapping", "participant", participantID, "session", id)
	case err != nil:
		return id, false, err
	}
	return id, remaining == 0, nil
}

// cleanupIfEmpty tears down a session emptied by a leave unless someone
// joined it in the meantime.
func (m *Manager) cleanupIfEmpty(ctx context.Context, id string) {
	if sess := m.GetSession(id); sess != nil && len(sess.Snapshot().Participants) > 0 {
		return
	}
	m.CleanupSession(ctx, id)
}

// CleanupSession unregisters and closes the session. Failures while
// closing are logged, never returned. Cleaning up an unknown or already
// removed session does nothing.
func (m *Manager) CleanupSession(ctx context.Context, id string) bool {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	delete(m.sessions, id)
	for pid, sid := range m.byParticipant {
		if sid == id {
			delete(m.byParticipant, pid)
		}
	}
	if t, has := m.endTimers[id]; has {
		t.Stop()
		delete(m.endTimers, id)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}

	if err := sess.Close(ctx); err != nil {
		m.logger.Error("session cleanup failed", "session", id, "err", err)
	} else {
		m.logger.Info("session cleaned up", "session", id)
	}
	return true
}

// CleanupAll closes every session concurrently.
func (m *Manager) CleanupAll(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			m.CleanupSession(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
}

// Sessions returns live sessions, oldest first.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Session) int {
		if c := a.CreatedAt().Compare(b.CreatedAt()); c != 0 {
			return c
		}
		return strings.Compare(a.ID(), b.ID())
	})
	return out
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// observe schedules cleanup for sessions that ran out of tracks and
// cancels it when they start playing again.
func (m *Manager) observe(e Event) {
	if m.cfg.EndedTTL < 0 {
		return
	}
	switch e.Kind {
	case EventQueueEnded:
		m.mu.Lock()
		if _, ok := m.endTimers[e.SessionID]; !ok {
			id := e.SessionID
			m.endTimers[id] = time.AfterFunc(m.cfg.EndedTTL, func() {
				m.expire(id)
			})
		}
		m.mu.Unlock()
	case EventTrackStarted:
		m.mu.Lock()
		if t, ok := m.endTimers[e.SessionID]; ok {
			t.Stop()
			delete(m.endTimers, e.SessionID)
		}
		m.mu.Unlock()
	}
}

func (m *Manager) expire(id string) {
	m.mu.Lock()
	delete(m.endTimers, id)
	sess := m.sessions[id]
	m.mu.Unlock()

	if sess == nil || sess.Status() != StatusStopped {
		return
	}
	m.logger.Info("cleaning up ended session", "session", id)
	m.CleanupSession(context.Background(), id)
}

// memberLocks hands out one mutex per participant ID. Entries are
// dropped once nobody holds or waits on them.
type memberLocks struct {
	mu    sync.Mutex
	locks map[string]*memberLock
}

type memberLock struct {
	sync.Mutex
	refs int
}

func (l *memberLocks) lock(id string) (unlock func()) {
	l.mu.Lock()
	ml := l.locks[id]
	if ml == nil {
		ml = &memberLock{}
		l.locks[id] = ml
	}
	ml.refs++
	l.mu.Unlock()

	ml.Lock()
	return func() {
		ml.Unlock()
		l.mu.Lock()
		ml.refs--
		if ml.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
