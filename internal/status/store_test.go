package status

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hxnx/tuneroom/internal/listen"
	"github.com/hxnx/tuneroom/internal/logger"
	"github.com/hxnx/tuneroom/internal/music"
)

func TestRecordFieldsRoundTrip(t *testing.T) {
	at := time.Date(2024, 6, 1, 20, 30, 0, 0, time.UTC)
	e := listen.Event{
		Kind:         listen.EventTrackStarted,
		SessionID:    "abc123",
		At:           at,
		Status:       listen.StatusPlaying,
		Index:        2,
		Track:        music.Track{Title: "Song", Artist: "Band"},
		Participants: []listen.Participant{{ID: "1"}, {ID: "2"}},
	}

	data := make(map[string]string)
	for k, v := range recordFields(e) {
		data[k] = v.(string)
	}

	rec, err := parseRecord("abc123", data)
	if err != nil {
		t.Fatalf("parseRecord() error = %v", err)
	}
	want := Record{
		SessionID:    "abc123",
		Status:       listen.StatusPlaying,
		Index:        2,
		TrackTitle:   "Song",
		TrackArtist:  "Band",
		Participants: 2,
	}
	if !rec.UpdatedAt.Equal(at) {
		t.Errorf("UpdatedAt = %v, want %v", rec.UpdatedAt, at)
	}
	rec.UpdatedAt = time.Time{}
	if rec != want {
		t.Errorf("parseRecord() = %+v, want %+v", rec, want)
	}

	data["status"] = "dancing"
	if _, err := parseRecord("abc123", data); err == nil {
		t.Error("parseRecord() accepted an unknown status")
	}
}

func TestEventJSONUsesStatusNames(t *testing.T) {
	payload, err := json.Marshal(listen.Event{Kind: listen.EventStatusChanged, Status: listen.StatusPaused})
	if err != nil {
		t.Fatal(err)
	}

	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		t.Fatal(err)
	}
	if raw["status"] != "paused" {
		t.Errorf("status = %v, want \"paused\"", raw["status"])
	}

	var back listen.Event
	if err := json.Unmarshal(payload, &back); err != nil {
		t.Fatal(err)
	}
	if back.Status != listen.StatusPaused || back.Kind != listen.EventStatusChanged {
		t.Errorf("decoded = %+v", back)
	}
}

func TestStoreWithoutClient(t *testing.T) {
	s := NewStore(nil)
	s.logger = logger.Discard()
	ctx := context.Background()

	if err := s.apply(ctx, listen.Event{SessionID: "x"}); !errors.Is(err, ErrNoClient) {
		t.Errorf("apply() error = %v", err)
	}
	if _, _, err := s.Get(ctx, "x"); !errors.Is(err, ErrNoClient) {
		t.Errorf("Get() error = %v", err)
	}
	if _, err := s.Subscribe(ctx); !errors.Is(err, ErrNoClient) {
		t.Errorf("Subscribe() error = %v", err)
	}

	for range queueSize + 10 {
		s.Observe(listen.Event{Kind: listen.EventStatusChanged})
	}
	if n := len(s.queue); n != queueSize {
		t.Errorf("queued = %d, want %d", n, queueSize)
	}
}

func TestUpdatesSnapshot(t *testing.T) {
	tests := []struct {
		kind listen.EventKind
		want bool
	}{
		{listen.EventTrackStarted, true},
		{listen.EventTrackSkipped, true},
		{listen.EventStatusChanged, true},
		{listen.EventTrackFinished, false},
		{listen.EventSessionClosed, false},
	}
	for _, tt := range tests {
		if got := updatesSnapshot(tt.kind); got != tt.want {
			t.Errorf("updatesSnapshot(%s) = %v, want %v", tt.kind, got, tt.want)
		}
	}
}
