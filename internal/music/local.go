package music

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
)

var AudioExtensions = []string{".mp3", ".flac", ".m4a", ".ogg", ".opus", ".wma", ".aac", ".wav"}

var (
	discDirPattern   = regexp.MustCompile(`(?i)^(?:disc|disk|cd)\s*[-_.]?\s*(\d+)`)
	fileNamePattern  = regexp.MustCompile(`^(?:(\d{1,2})[-.])?(\d{1,3})(?:\s*[-._)]\s*|\s+)(.+)$`)
	stripExtraSpaces = regexp.MustCompile(`\s+`)
)

// LocalSource resolves "Artist/Album" references (or absolute paths)
// inside a music library directory.
type LocalSource struct {
	Root   string
	Prober Prober
	Logger *log.Logger
}

func NewLocalSource(root string, prober Prober) *LocalSource {
	return &LocalSource{Root: root, Prober: prober}
}

func (s *LocalSource) Resolve(ctx context.Context, ref string) ([]Track, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, ErrMissingReference
	}

	dir := ref
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(s.Root, filepath.FromSlash(ref))
	}
	dir = filepath.Clean(dir)

	if !filepath.IsAbs(ref) && s.Root != "" {
		rel, err := filepath.Rel(s.Root, dir)
		if err != nil || strings.HasPrefix(rel, "..") {
			return nil, fmt.Errorf("%w: %s escapes the library", ErrResolveFailed, ref)
		}
	}

	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResolveFailed, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrResolveFailed, dir)
	}

	return s.scan(ctx, dir, albumArtistFromPath(dir))
}

func (s *LocalSource) scan(ctx context.Context, dir, artist string) ([]Track, error) {
	var tracks []Track
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !IsAudioFile(path) {
			return nil
		}

		rel, _ := filepath.Rel(dir, path)
		track := trackFromPath(rel)
		track.Locator = path
		track.Artist = artist

		if s.Prober != nil {
			meta, err := s.Prober.Probe(ctx, path)
			if err != nil {
				s.logger().Warn("probe failed", "path", path, "err", err)
			} else {
				applyMetadata(&track, meta)
			}
		}

		tracks = append(tracks, track)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResolveFailed, err)
	}

	if len(tracks) == 0 {
		return nil, ErrNoTracks
	}

	SortTracks(tracks)
	return tracks, nil
}

func (s *LocalSource) logger() *log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.Default()
}

func IsAudioFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range AudioExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// trackFromPath derives disc, number and title from a path relative to
// the album directory, e.g. "CD2/03 - Title.flac" or "1-04 Title.mp3".
func trackFromPath(rel string) Track {
	rel = filepath.ToSlash(rel)
	base := strings.TrimSuffix(filepath.Base(rel), filepath.Ext(rel))

	var track Track
	for _, part := range strings.Split(filepath.ToSlash(filepath.Dir(rel)), "/") {
		if m := discDirPattern.FindStringSubmatch(part); m != nil {
			track.Disc, _ = strconv.Atoi(m[1])
		}
	}

	title := base
	if m := fileNamePattern.FindStringSubmatch(base); m != nil {
		if m[1] != "" && track.Disc == 0 {
			track.Disc, _ = strconv.Atoi(m[1])
		}
		track.Number, _ = strconv.Atoi(m[2])
		title = m[3]
	}

	track.Title = stripExtraSpaces.ReplaceAllString(strings.TrimSpace(title), " ")
	return track
}

func applyMetadata(t *Track, meta Metadata) {
	if meta.Title != "" {
		t.Title = meta.Title
	}
	if meta.Artist != "" {
		t.Artist = meta.Artist
	}
	if meta.Duration > 0 {
		t.Duration = meta.Duration
	}
	if meta.Number > 0 {
		t.Number = meta.Number
	}
	if meta.Disc > 0 {
		t.Disc = meta.Disc
	}
}

// albumArtistFromPath follows the library layout Artist/Album.
func albumArtistFromPath(dir string) string {
	parent := filepath.Base(filepath.Dir(dir))
	if parent == "." || parent == string(filepath.Separator) {
		return ""
	}
	return parent
}
