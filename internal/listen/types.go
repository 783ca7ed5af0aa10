package listen

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hxnx/tuneroom/internal/music"
	"github.com/hxnx/tuneroom/internal/playback"
	"github.com/hxnx/tuneroom/internal/voice"
)

var (
	ErrLoadFailed        = errors.New("failed to load tracks")
	ErrSessionNotFound   = errors.New("listening session not found")
	ErrSessionFull       = errors.New("listening session is full")
	ErrNotInSession      = errors.New("participant is not in a listening session")
	ErrInvalidTransition = errors.New("operation not valid in the current state")
	ErrSkipInProgress    = errors.New("another skip is in progress")
	ErrSessionClosed     = errors.New("listening session is closed")
	ErrHostRequired      = errors.New("host participant is required")
	ErrSourceRequired    = errors.New("track source is required")
)

// LoadError is returned by CreateSession when the track source fails or
// resolves nothing. The session is never registered in that case.
type LoadError struct {
	Reference string
	Err       error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s %q: %v", ErrLoadFailed, e.Reference, e.Err)
}

func (e *LoadError) Unwrap() []error {
	return []error{ErrLoadFailed, e.Err}
}

type Status int

const (
	StatusEmpty Status = iota
	StatusReady
	StatusConnecting
	StatusPlaying
	StatusPaused
	StatusStopped
	StatusTerminated
)

func (s Status) String() string {
	switch s {
	case StatusEmpty:
		return "empty"
	case StatusReady:
		return "ready"
	case StatusConnecting:
		return "connecting"
	case StatusPlaying:
		return "playing"
	case StatusPaused:
		return "paused"
	case StatusStopped:
		return "stopped"
	case StatusTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	for st := StatusEmpty; st <= StatusTerminated; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown session status %q", text)
}

// Idle covers the states before the first connect.
func (s Status) Idle() bool {
	return s == StatusEmpty || s == StatusReady
}

// Participant is identified by ID only.
type Participant struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	JoinedAt time.Time `json:"joined_at"`
}

func (p Participant) Equal(o Participant) bool {
	return p.ID == o.ID
}

func (p Participant) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}

// Snapshot is a copy of a session's state, safe to keep and read from any
// goroutine.
type Snapshot struct {
	ID           string        `json:"id"`
	Host         Participant   `json:"host"`
	Participants []Participant `json:"participants"`
	Tracks       []music.Track `json:"tracks"`
	Index        int           `json:"index"`
	Status       Status        `json:"status"`
	Position     time.Duration `json:"position"`
	CreatedAt    time.Time     `json:"created_at"`
	Capacity     int           `json:"capacity"`
}

// Current returns the track at Index, if any.
func (s Snapshot) Current() (music.Track, bool) {
	if s.Index < 0 || s.Index >= len(s.Tracks) {
		return music.Track{}, false
	}
	return s.Tracks[s.Index], true
}

func (s Snapshot) Has(participantID string) bool {
	for _, p := range s.Participants {
		if p.ID == participantID {
			return true
		}
	}
	return false
}

type EventKind string

const (
	EventSessionCreated    EventKind = "session_created"
	EventStatusChanged     EventKind = "status_changed"
	EventTrackStarted      EventKind = "track_started"
	EventTrackFinished     EventKind = "track_finished"
	EventTrackSkipped      EventKind = "track_skipped"
	EventQueueEnded        EventKind = "queue_ended"
	EventTransportLost     EventKind = "transport_lost"
	EventParticipantJoined EventKind = "participant_joined"
	EventParticipantLeft   EventKind = "participant_left"
	EventHostChanged       EventKind = "host_changed"
	EventSessionClosed     EventKind = "session_closed"
)

// Event is emitted from a session's control loop. Participants is the
// membership at emission time.
type Event struct {
	Kind         EventKind     `json:"kind"`
	SessionID    string        `json:"session_id"`
	At           time.Time     `json:"at"`
	Status       Status        `json:"status"`
	Index        int           `json:"index"`
	Track        music.Track   `json:"track"`
	Played       time.Duration `json:"played,omitempty"`
	StartedAt    time.Time     `json:"started_at,omitzero"`
	Participant  Participant   `json:"participant,omitempty"`
	Participants []Participant `json:"participants,omitempty"`
	Err          error         `json:"-"`
}

// Observer receives session events. Observe runs on the session's control
// loop and must return quickly.
type Observer interface {
	Observe(Event)
}

type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

// Transport is what a session needs from its voice connection.
// *voice.Connection implements it.
type Transport interface {
	Connect(ctx context.Context) (voice.Link, error)
	Link() voice.Link
	Close(ctx context.Context) error
}

// Player is what a session needs from its playback controller.
// *playback.Controller implements it.
type Player interface {
	Play(ctx context.Context, track music.Track, link voice.Link, done func(playback.Completion)) (uint64, error)
	Stop()
	Pause() error
	Resume() error
	Position() time.Duration
}

var (
	_ Transport = (*voice.Connection)(nil)
	_ Player    = (*playback.Controller)(nil)
)
