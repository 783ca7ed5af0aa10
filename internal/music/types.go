package music

import (
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Track is one playable unit of an album queue.
type Track struct {
	Title    string        `json:"title"`
	Artist   string        `json:"artist"`
	Locator  string        `json:"locator"`
	Duration time.Duration `json:"duration"`
	Disc     int           `json:"disc"`
	Number   int           `json:"number"`
}

// IsRemote reports whether the locator points at a stream rather than a
// local file.
func (t Track) IsRemote() bool {
	return looksLikeURL(t.Locator) || strings.Contains(t.Locator, "search1:")
}

func (t Track) DisplayName() string {
	title := strings.TrimSpace(t.Title)
	if title == "" {
		title = filepath.Base(t.Locator)
	}
	if t.Artist == "" {
		return title
	}
	return fmt.Sprintf("%s - %s", t.Artist, title)
}

func (t Track) sortKey() (int, int, string) {
	disc := t.Disc
	if disc <= 0 {
		disc = 1
	}
	number := t.Number
	if number <= 0 {
		number = math.MaxInt
	}
	return disc, number, strings.ToLower(t.Title)
}

// Less orders tracks by (disc or 1, track number or +inf, title).
func (t Track) Less(o Track) bool {
	ad, an, at := t.sortKey()
	bd, bn, bt := o.sortKey()
	if ad != bd {
		return ad < bd
	}
	if an != bn {
		return an < bn
	}
	return at < bt
}

// SortTracks sorts in place by the album ordering key.
func SortTracks(tracks []Track) {
	sort.SliceStable(tracks, func(i, j int) bool {
		return tracks[i].Less(tracks[j])
	})
}

// TotalDuration sums known durations.
func TotalDuration(tracks []Track) time.Duration {
	var total time.Duration
	for _, t := range tracks {
		total += t.Duration
	}
	return total
}
