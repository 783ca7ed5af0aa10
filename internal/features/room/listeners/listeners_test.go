package listeners

import (
	"testing"

	"github.com/hxnx/tuneroom/internal/features/room"
)

func TestParseMessageCommand(t *testing.T) {
	tests := []struct {
		content string
		sub     string
		arg     string
		ok      bool
	}{
		{"!listen", "", "", true},
		{"  !listen create  Artist/Some Album  ", "create", "Artist/Some Album", true},
		{"!listen JOIN ab12cd34", "join", "ab12cd34", true},
		{"!listen queue 2", "queue", "2", true},
		{"!listening create x", "", "", false},
		{"listen create x", "", "", false},
		{"!sync", "", "", false},
	}
	for _, tt := range tests {
		sub, arg, ok := ParseMessageCommand(tt.content)
		if sub != tt.sub || arg != tt.arg || ok != tt.ok {
			t.Errorf("ParseMessageCommand(%q) = %q, %q, %v; want %q, %q, %v", tt.content, sub, arg, ok, tt.sub, tt.arg, tt.ok)
		}
	}
}

func TestLeftRoom(t *testing.T) {
	rooms := room.NewRooms("", 5)

	if _, ok := LeftRoom(nil, "g", "vc", ""); ok {
		t.Error("matched without a registry")
	}
	if _, ok := LeftRoom(rooms, "g", "", "vc"); ok {
		t.Error("joining a channel counted as leaving")
	}
	if _, ok := LeftRoom(rooms, "g", "vc", "vc"); ok {
		t.Error("mute/deafen update counted as leaving")
	}
	if _, ok := LeftRoom(rooms, "g", "vc", ""); ok {
		t.Error("matched a channel that is not a room")
	}
}
