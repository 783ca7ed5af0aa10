package music

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"
)

var ErrSpotifyResolveFailed = errors.New("failed to resolve spotify album")

const (
	spotifyTokenURL    = "https://accounts.spotify.com/api/token"
	spotifyAPIBase     = "https://api.spotify.com/v1"
	spotifyMaxTracks   = 500
	spotifyHTTPTimeout = 10 * time.Second
)

// SpotifySource expands a Spotify album link into tracks whose locators
// are yt-dlp search queries. Audio never comes from Spotify itself.
type SpotifySource struct {
	APIBase    string
	HTTPClient *http.Client
}

func NewSpotifySource(clientID, clientSecret string) *SpotifySource {
	cfg := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     spotifyTokenURL,
	}

	client := cfg.Client(context.Background())
	client.Timeout = spotifyHTTPTimeout

	return &SpotifySource{
		APIBase:    spotifyAPIBase,
		HTTPClient: client,
	}
}

func (s *SpotifySource) Resolve(ctx context.Context, ref string) ([]Track, error) {
	albumID := extractSpotifyAlbumID(ref)
	if albumID == "" {
		return nil, fmt.Errorf("%w: unsupported spotify input", ErrSpotifyResolveFailed)
	}

	var album spotifyAlbumResponse
	if err := s.get(ctx, s.base()+"/albums/"+url.PathEscape(albumID), &album); err != nil {
		return nil, err
	}

	items := album.Tracks.Items
	next := album.Tracks.Next
	for next != "" && len(items) < spotifyMaxTracks {
		var page spotifyTrackPage
		if err := s.get(ctx, next, &page); err != nil {
			return nil, err
		}
		items = append(items, page.Items...)
		next = page.Next
	}

	albumArtist := album.artistNames()
	tracks := make([]Track, 0, len(items))
	for _, item := range items {
		title := strings.TrimSpace(item.Name)
		if title == "" {
			continue
		}

		artist := item.artistNames()
		if artist == "" {
			artist = albumArtist
		}

		query := title
		if artist != "" {
			query = artist + " - " + title
		}

		tracks = append(tracks, Track{
			Title:    title,
			Artist:   artist,
			Locator:  "ytsearch1:" + query,
			Duration: time.Duration(item.DurationMS) * time.Millisecond,
			Disc:     item.DiscNumber,
			Number:   item.TrackNumber,
		})
	}

	if len(tracks) == 0 {
		return nil, ErrNoTracks
	}

	SortTracks(tracks)
	return tracks, nil
}

func (s *SpotifySource) base() string {
	if s.APIBase == "" {
		return spotifyAPIBase
	}
	return strings.TrimRight(s.APIBase, "/")
}

func (s *SpotifySource) get(ctx context.Context, endpoint string, out any) error {
	if s.HTTPClient == nil {
		return ErrSpotifyClientNil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSpotifyResolveFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: spotify api status %d", ErrSpotifyResolveFailed, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: invalid json: %v", ErrSpotifyResolveFailed, err)
	}
	return nil
}

func isSpotifyAlbum(input string) bool {
	return extractSpotifyAlbumID(input) != ""
}

func extractSpotifyAlbumID(input string) string {
	input = strings.TrimSpace(input)
	if input == "" {
		return ""
	}

	if albumID, ok := strings.CutPrefix(input, "spotify:album:"); ok {
		return albumID
	}

	u, err := url.Parse(input)
	if err != nil {
		return ""
	}
	if !strings.Contains(strings.ToLower(u.Host), "spotify.com") {
		return ""
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := range len(parts) {
		if parts[i] == "album" && i+1 < len(parts) {
			return parts[i+1]
		}
	}

	return ""
}

type spotifyArtist struct {
	Name string `json:"name"`
}

func joinArtists(artists []spotifyArtist) string {
	names := make([]string, 0, len(artists))
	for _, a := range artists {
		if a.Name != "" {
			names = append(names, a.Name)
		}
	}
	return strings.Join(names, ", ")
}

type spotifyAlbumResponse struct {
	ID      string           `json:"id"`
	Name    string           `json:"name"`
	Artists []spotifyArtist  `json:"artists"`
	Tracks  spotifyTrackPage `json:"tracks"`
}

func (a spotifyAlbumResponse) artistNames() string {
	return joinArtists(a.Artists)
}

type spotifyTrackPage struct {
	Items []spotifyAlbumTrack `json:"items"`
	Next  string              `json:"next"`
}

type spotifyAlbumTrack struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	DurationMS  int64           `json:"duration_ms"`
	DiscNumber  int             `json:"disc_number"`
	TrackNumber int             `json:"track_number"`
	Artists     []spotifyArtist `json:"artists"`
}

func (t spotifyAlbumTrack) artistNames() string {
	return joinArtists(t.Artists)
}
