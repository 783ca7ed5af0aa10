package music

import (
	"context"
	"errors"
	"net/url"
	"strings"
)

var (
	ErrMissingReference = errors.New("album reference is required")
	ErrNoTracks         = errors.New("no playable tracks found")
	ErrResolveFailed    = errors.New("failed to resolve album")
	ErrSpotifyClientNil = errors.New("spotify client is not configured")
	ErrResolverNil      = errors.New("resolver is not configured")
)

// Source resolves an album reference into tracks sorted by SortTracks.
// Implementations must be safe to call again after a failure.
type Source interface {
	Resolve(ctx context.Context, ref string) ([]Track, error)
}

// Stager is implemented by sources that can materialize a reference into
// a caller-owned directory instead of streaming it.
type Stager interface {
	Stages(ref string) bool
	Stage(ctx context.Context, ref string, dir string) ([]Track, error)
}

// StreamResolver turns a track locator into something ffmpeg can open.
type StreamResolver interface {
	ResolveStreamURL(ctx context.Context, locator string) (string, error)
}

// Router dispatches references: Spotify album links to Spotify, other
// URLs to yt-dlp, everything else to the local library.
type Router struct {
	Local       Source
	Remote      *YTDLPSource
	Spotify     *SpotifySource
	StageRemote bool
}

func (r *Router) Resolve(ctx context.Context, ref string) ([]Track, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, ErrMissingReference
	}

	switch {
	case isSpotifyAlbum(ref):
		if r.Spotify == nil {
			return nil, ErrSpotifyClientNil
		}
		return r.Spotify.Resolve(ctx, ref)
	case looksLikeURL(ref):
		if r.Remote == nil {
			return nil, ErrResolverNil
		}
		return r.Remote.Resolve(ctx, ref)
	default:
		if r.Local == nil {
			return nil, ErrResolverNil
		}
		return r.Local.Resolve(ctx, ref)
	}
}

func (r *Router) Stages(ref string) bool {
	ref = strings.TrimSpace(ref)
	return r.StageRemote && r.Remote != nil && looksLikeURL(ref) && !isSpotifyAlbum(ref)
}

func (r *Router) Stage(ctx context.Context, ref string, dir string) ([]Track, error) {
	if r.Remote == nil {
		return nil, ErrResolverNil
	}
	return r.Remote.Stage(ctx, ref, dir)
}

func (r *Router) ResolveStreamURL(ctx context.Context, locator string) (string, error) {
	if locator == "" {
		return "", ErrMissingReference
	}
	if !looksLikeURL(locator) && !strings.Contains(locator, "search1:") {
		return locator, nil
	}
	if r.Remote == nil {
		return "", ErrResolverNil
	}
	return r.Remote.ResolveStreamURL(ctx, locator)
}

func looksLikeURL(value string) bool {
	if strings.HasPrefix(value, "http://") || strings.HasPrefix(value, "https://") {
		return true
	}

	u, err := url.Parse(value)
	return err == nil && u.Scheme != "" && u.Host != ""
}
