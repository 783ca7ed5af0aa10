package music

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// YTDLPSource resolves playlist and album URLs with yt-dlp. Tracks keep
// their page URL as locator; the stream URL is looked up right before
// playback since those expire.
type YTDLPSource struct {
	Binary string
	TmpDir string
	Prober Prober
}

func NewYTDLPSource(tmpDir string, prober Prober) *YTDLPSource {
	return &YTDLPSource{
		Binary: "yt-dlp",
		TmpDir: tmpDir,
		Prober: prober,
	}
}

func (s *YTDLPSource) Resolve(ctx context.Context, ref string) ([]Track, error) {
	target := strings.TrimSpace(ref)
	if target == "" {
		return nil, ErrMissingReference
	}

	args := []string{
		"--no-warnings",
		"--dump-single-json",
		"--skip-download",
		"--flat-playlist",
		target,
	}

	output, err := s.run(ctx, args...)
	if err != nil {
		return nil, err
	}

	var root ytDLPItem
	if err := json.Unmarshal(output, &root); err != nil {
		return nil, fmt.Errorf("%w: invalid json: %v", ErrResolveFailed, err)
	}

	return tracksFromYTDLP(root)
}

func (s *YTDLPSource) ResolveStreamURL(ctx context.Context, locator string) (string, error) {
	target := strings.TrimSpace(locator)
	if target == "" {
		return "", ErrMissingReference
	}
	if !looksLikeURL(target) && !strings.Contains(target, "search1:") {
		target = "ytsearch1:" + target
	}

	output, err := s.run(ctx, "--no-warnings", "-f", "bestaudio", "-g", "--no-playlist", target)
	if err != nil {
		return "", err
	}

	streamURL := strings.TrimSpace(string(output))
	if i := strings.IndexByte(streamURL, '\n'); i >= 0 {
		streamURL = strings.TrimSpace(streamURL[:i])
	}
	if streamURL == "" {
		return "", fmt.Errorf("%w: empty stream url", ErrResolveFailed)
	}

	return streamURL, nil
}

func (s *YTDLPSource) Stages(ref string) bool {
	return looksLikeURL(strings.TrimSpace(ref))
}

// Stage downloads the audio of ref into dir and scans the result like a
// local album. The directory is owned by the caller.
func (s *YTDLPSource) Stage(ctx context.Context, ref string, dir string) ([]Track, error) {
	target := strings.TrimSpace(ref)
	if target == "" {
		return nil, ErrMissingReference
	}

	args := []string{
		"--no-warnings",
		"--extract-audio",
		"--audio-format", "opus",
		"--output", filepath.Join(dir, "%(playlist_index|0)03d - %(title)s.%(ext)s"),
		target,
	}
	if _, err := s.run(ctx, args...); err != nil {
		return nil, err
	}

	local := &LocalSource{Root: dir, Prober: s.Prober}
	return local.scan(ctx, dir, "")
}

func (s *YTDLPSource) run(ctx context.Context, args ...string) ([]byte, error) {
	binary := s.Binary
	if binary == "" {
		binary = "yt-dlp"
	}

	cmd := exec.CommandContext(ctx, binary, args...)
	if s.TmpDir != "" {
		cmd.Env = append(os.Environ(), "TMPDIR="+s.TmpDir, "TEMP="+s.TmpDir, "TMP="+s.TmpDir)
	}

	output, err := cmd.Output()
	if err != nil {
		var stderr string
		if exitErr, ok := err.(*exec.ExitError); ok {
			stderr = strings.TrimSpace(string(exitErr.Stderr))
		}
		return nil, fmt.Errorf("%w: yt-dlp failed: %v: %s", ErrResolveFailed, err, stderr)
	}
	return output, nil
}

type ytDLPItem struct {
	ID             string      `json:"id"`
	Title          string      `json:"title"`
	Track          string      `json:"track"`
	Artist         string      `json:"artist"`
	Uploader       string      `json:"uploader"`
	Channel        string      `json:"channel"`
	WebpageURL     string      `json:"webpage_url"`
	URL            string      `json:"url"`
	Duration       float64     `json:"duration"`
	PlaylistIndex  int         `json:"playlist_index"`
	TrackNumber    int         `json:"track_number"`
	DiscNumber     int         `json:"disc_number"`
	Entries        []ytDLPItem `json:"entries"`
	PlaylistArtist string      `json:"playlist_uploader"`
}

func (i ytDLPItem) link() string {
	if i.WebpageURL != "" {
		return i.WebpageURL
	}
	return i.URL
}

func (i ytDLPItem) artist(fallback string) string {
	for _, v := range []string{i.Artist, i.Uploader, i.Channel, fallback} {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func tracksFromYTDLP(root ytDLPItem) ([]Track, error) {
	items := root.Entries
	if len(items) == 0 {
		items = []ytDLPItem{root}
	}

	fallbackArtist := root.PlaylistArtist
	if fallbackArtist == "" {
		fallbackArtist = root.Uploader
	}

	tracks := make([]Track, 0, len(items))
	for idx, item := range items {
		link := item.link()
		if link == "" {
			continue
		}

		title := strings.TrimSpace(item.Track)
		if title == "" {
			title = strings.TrimSpace(item.Title)
		}
		if title == "" {
			title = "Unknown Title"
		}

		number := item.TrackNumber
		if number <= 0 {
			number = item.PlaylistIndex
		}
		if number <= 0 {
			number = idx + 1
		}

		duration := time.Duration(item.Duration * float64(time.Second))
		if duration < 0 {
			duration = 0
		}

		tracks = append(tracks, Track{
			Title:    title,
			Artist:   item.artist(fallbackArtist),
			Locator:  link,
			Duration: duration,
			Disc:     item.DiscNumber,
			Number:   number,
		})
	}

	if len(tracks) == 0 {
		return nil, ErrNoTracks
	}

	SortTracks(tracks)
	return tracks, nil
}
