package scrobble

import (
	"context"
	"errors"
	"time"

	"github.com/hxnx/tuneroom/internal/music"
)

var (
	ErrNotLinked     = errors.New("no scrobble account linked")
	ErrNoPendingLink = errors.New("no pending account link")
	ErrLinkExpired   = errors.New("account link request expired")
	ErrNotConfigured = errors.New("scrobbling not configured")
)

// Credential is a participant's authorized scrobble account.
type Credential struct {
	Username   string    `json:"username"`
	SessionKey string    `json:"session_key"`
	LinkedAt   time.Time `json:"linked_at"`
}

// Client submits listens to an external scrobble service.
type Client interface {
	Scrobble(ctx context.Context, cred Credential, track music.Track, startedAt time.Time) error
	UpdateNowPlaying(ctx context.Context, cred Credential, track music.Track) error
}

// Store persists credentials keyed by participant ID.
type Store interface {
	Get(ctx context.Context, participantID string) (Credential, bool, error)
	Set(ctx context.Context, participantID string, cred Credential) error
	Delete(ctx context.Context, participantID string) error
	All(ctx context.Context) (map[string]Credential, error)
}
