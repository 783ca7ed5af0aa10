package scrobble

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jfmyers9/scribbles/pkg/lastfm"
	"golang.org/x/time/rate"

	"github.com/hxnx/tuneroom/internal/music"
)

const (
	lastfmHTTPTimeout = 10 * time.Second

	methodGetToken   = "auth.getToken"
	methodGetSession = "auth.getSession"
	methodScrobble   = "track.scrobble"
	methodNowPlaying = "track.updateNowPlaying"
)

// APIError is a failed Last.fm call.
type APIError struct {
	Method    string
	Retryable bool
	Err       error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("last.fm %s: %v", e.Method, e.Err)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// Temporary reports whether the request may succeed if sent again.
func (e *APIError) Temporary() bool {
	return e.Retryable
}

// Unauthorized reports a token the user has not approved yet.
func (e *APIError) Unauthorized() bool {
	return !e.Retryable && e.Method == methodGetSession
}

// LastFM adapts the scribbles Last.fm client to Client and Authenticator.
// Each call gets a client carrying the caller's session key, so one
// LastFM serves every linked participant.
type LastFM struct {
	APIKey    string
	APISecret string

	httpClient *http.Client
	limiter    *rate.Limiter
}

func NewLastFM(apiKey, apiSecret string) *LastFM {
	return &LastFM{
		APIKey:     apiKey,
		APISecret:  apiSecret,
		httpClient: &http.Client{Timeout: lastfmHTTPTimeout},
		// Last.fm allows about five calls per second per key.
		limiter: rate.NewLimiter(rate.Limit(5), 5),
	}
}

func (c *LastFM) WithHTTPClient(hc *http.Client) *LastFM {
	c.httpClient = hc
	return c
}

func (c *LastFM) client(ctx context.Context, sessionKey string) (*lastfm.Client, error) {
	if c.APIKey == "" || c.APISecret == "" {
		return nil, ErrNotConfigured
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return lastfm.NewClient(lastfm.Config{
		APIKey:     c.APIKey,
		APISecret:  c.APISecret,
		SessionKey: sessionKey,
		HTTPClient: c.httpClient,
	})
}

// GetToken starts the desktop auth flow.
func (c *LastFM) GetToken(ctx context.Context) (string, error) {
	client, err := c.client(ctx, "")
	if err != nil {
		return "", err
	}
	token, err := client.Auth().GetToken(ctx)
	if err != nil {
		return "", apiError(methodGetToken, err)
	}
	if token.Token == "" {
		return "", errors.New("last.fm returned an empty token")
	}
	return token.Token, nil
}

// AuthorizeURL is where the user approves token.
func (c *LastFM) AuthorizeURL(token string) string {
	client, err := lastfm.NewClient(lastfm.Config{APIKey: c.APIKey, APISecret: c.APISecret})
	if err != nil {
		return ""
	}
	return client.Auth().GetAuthURL(token)
}

// GetSession exchanges an approved token for a session key.
func (c *LastFM) GetSession(ctx context.Context, token string) (Credential, error) {
	client, err := c.client(ctx, "")
	if err != nil {
		return Credential{}, err
	}
	session, err := client.Auth().GetSession(ctx, token)
	if err != nil {
		return Credential{}, apiError(methodGetSession, err)
	}
	return Credential{
		Username:   session.Username,
		SessionKey: session.Key,
		LinkedAt:   time.Now().UTC(),
	}, nil
}

func (c *LastFM) Scrobble(ctx context.Context, cred Credential, track music.Track, startedAt time.Time) error {
	client, err := c.client(ctx, cred.SessionKey)
	if err != nil {
		return err
	}
	resp, err := client.Scrobble().Scrobble(ctx, lastfmTrack(track), startedAt)
	if err != nil {
		return apiError(methodScrobble, err)
	}
	if resp != nil && resp.Ignored > 0 && resp.Accepted == 0 {
		return fmt.Errorf("last.fm ignored scrobble of %s", track.DisplayName())
	}
	return nil
}

func (c *LastFM) UpdateNowPlaying(ctx context.Context, cred Credential, track music.Track) error {
	client, err := c.client(ctx, cred.SessionKey)
	if err != nil {
		return err
	}
	if _, err := client.Scrobble().UpdateNowPlaying(ctx, lastfmTrack(track)); err != nil {
		return apiError(methodNowPlaying, err)
	}
	return nil
}

func lastfmTrack(track music.Track) lastfm.Track {
	return lastfm.Track{
		Artist:      track.Artist,
		Track:       track.Title,
		Duration:    int(track.Duration.Seconds()),
		TrackNumber: track.Number,
	}
}

// apiError wraps errors returned by the Last.fm service. Transport and
// context errors pass through unchanged.
func apiError(method string, err error) error {
	var lfErr *lastfm.Error
	if !errors.As(err, &lfErr) {
		return err
	}
	return &APIError{Method: method, Retryable: lfErr.Temporary(), Err: err}
}
