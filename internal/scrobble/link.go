package scrobble

import (
	"context"
	"sync"
	"time"
)

const defaultLinkTTL = 10 * time.Minute

// Authenticator runs the token-based account linking flow. *LastFM
// implements it.
type Authenticator interface {
	GetToken(ctx context.Context) (string, error)
	AuthorizeURL(token string) string
	GetSession(ctx context.Context, token string) (Credential, error)
}

var _ Authenticator = (*LastFM)(nil)

type pendingLink struct {
	token   string
	expires time.Time
}

// Linker tracks link requests between Begin and Confirm, one per
// participant, and stores the resulting credential.
type Linker struct {
	auth  Authenticator
	store Store
	ttl   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	pending map[string]pendingLink
}

func NewLinker(auth Authenticator, store Store) *Linker {
	return &Linker{
		auth:    auth,
		store:   store,
		ttl:     defaultLinkTTL,
		now:     time.Now,
		pending: make(map[string]pendingLink),
	}
}

// Begin requests a token and returns the URL the participant must visit.
// A second Begin replaces the first request.
func (l *Linker) Begin(ctx context.Context, participantID string) (string, error) {
	token, err := l.auth.GetToken(ctx)
	if err != nil {
		return "", err
	}

	l.mu.Lock()
	l.pending[participantID] = pendingLink{token: token, expires: l.now().Add(l.ttl)}
	l.mu.Unlock()

	return l.auth.AuthorizeURL(token), nil
}

// Confirm exchanges the approved token and saves the credential. If the
// participant has not approved yet the request stays pending.
func (l *Linker) Confirm(ctx context.Context, participantID string) (Credential, error) {
	l.mu.Lock()
	p, ok := l.pending[participantID]
	if ok && l.now().After(p.expires) {
		delete(l.pending, participantID)
		l.mu.Unlock()
		return Credential{}, ErrLinkExpired
	}
	l.mu.Unlock()
	if !ok {
		return Credential{}, ErrNoPendingLink
	}

	cred, err := l.auth.GetSession(ctx, p.token)
	if err != nil {
		return Credential{}, err
	}
	if err := l.store.Set(ctx, participantID, cred); err != nil {
		return Credential{}, err
	}

	l.mu.Lock()
	delete(l.pending, participantID)
	l.mu.Unlock()
	return cred, nil
}

func (l *Linker) Unlink(ctx context.Context, participantID string) error {
	l.mu.Lock()
	delete(l.pending, participantID)
	l.mu.Unlock()

	if _, ok, err := l.store.Get(ctx, participantID); err != nil {
		return err
	} else if !ok {
		return ErrNotLinked
	}
	return l.store.Delete(ctx, participantID)
}

func (l *Linker) Status(ctx context.Context, participantID string) (Credential, error) {
	cred, ok, err := l.store.Get(ctx, participantID)
	if err != nil {
		return Credential{}, err
	}
	if !ok {
		return Credential{}, ErrNotLinked
	}
	return cred, nil
}
