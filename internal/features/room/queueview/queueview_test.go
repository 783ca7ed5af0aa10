package queueview

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/hxnx/tuneroom/internal/listen"
	"github.com/hxnx/tuneroom/internal/music"
)

func snapshotWith(n, index int) listen.Snapshot {
	tracks := make([]music.Track, n)
	for i := range tracks {
		tracks[i] = music.Track{Title: fmt.Sprintf("Song %d", i+1), Number: i + 1, Duration: 3 * time.Minute}
	}
	return listen.Snapshot{ID: "room1", Tracks: tracks, Index: index}
}

func TestPaginate(t *testing.T) {
	tests := []struct {
		total, page, perPage int
		want                 PageInfo
	}{
		{0, 1, 10, PageInfo{Page: 1, PerPage: 10, TotalPages: 1}},
		{23, 3, 10, PageInfo{Page: 3, PerPage: 10, TotalItems: 23, TotalPages: 3, StartIndex: 20, EndIndex: 23}},
		{23, 9, 10, PageInfo{Page: 3, PerPage: 10, TotalItems: 23, TotalPages: 3, StartIndex: 20, EndIndex: 23}},
		{5, 0, 0, PageInfo{Page: 1, PerPage: DefaultPerPage, TotalItems: 5, TotalPages: 1, EndIndex: 5}},
		{60, 1, 100, PageInfo{Page: 1, PerPage: MaxPerPage, TotalItems: 60, TotalPages: 3, EndIndex: 25}},
	}
	for _, tt := range tests {
		if got := Paginate(tt.total, tt.page, tt.perPage); got != tt.want {
			t.Errorf("Paginate(%d, %d, %d) = %+v, want %+v", tt.total, tt.page, tt.perPage, got, tt.want)
		}
	}
}

func TestPageFor(t *testing.T) {
	if got := PageFor(snapshotWith(23, 0), 10); got != 1 {
		t.Errorf("PageFor(index 0) = %d", got)
	}
	if got := PageFor(snapshotWith(23, 21), 10); got != 3 {
		t.Errorf("PageFor(index 21) = %d", got)
	}
}

func TestBuildQueueLines(t *testing.T) {
	snap := snapshotWith(12, 10)
	info := Paginate(len(snap.Tracks), 2, 10)
	lines := BuildQueueLines(snap, info)

	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}
	if !strings.HasPrefix(lines[0], "▶ 11. Song 11") || !strings.HasSuffix(lines[0], "(3:00)") {
		t.Errorf("current line = %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "  12. Song 12") {
		t.Errorf("line = %q", lines[1])
	}

	components, got := BuildQueueComponents(snap, 2, 10)
	if len(components) != 1 || got.Page != 2 {
		t.Errorf("BuildQueueComponents() = %d components, page %d", len(components), got.Page)
	}
}

func TestQueuePageCustomID(t *testing.T) {
	id := MakeQueuePageCustomID("room1", 0, 50)
	if id != "listen_queue_page:room1:1:25" {
		t.Fatalf("MakeQueuePageCustomID() = %q", id)
	}

	sessionID, page, perPage, ok := ParseQueuePageCustomID(id)
	if !ok || sessionID != "room1" || page != 1 || perPage != 25 {
		t.Errorf("ParseQueuePageCustomID() = %q, %d, %d, %v", sessionID, page, perPage, ok)
	}

	for _, bad := range []string{"ping_refresh", "listen_queue_page:room1:1", "listen_queue_page::1:10", "listen_queue_page:r:x:10", "listen_queue_page:r:1:0"} {
		if _, _, _, ok := ParseQueuePageCustomID(bad); ok {
			t.Errorf("ParseQueuePageCustomID(%q) accepted", bad)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := map[time.Duration]string{
		0:                         "0:00",
		65 * time.Second:          "1:05",
		time.Hour + 2*time.Minute: "1:02:00",
	}
	for d, want := range tests {
		if got := FormatDuration(d); got != want {
			t.Errorf("FormatDuration(%s) = %q, want %q", d, got, want)
		}
	}
}
