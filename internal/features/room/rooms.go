package room

import (
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/hxnx/tuneroom/internal/listen"
	"github.com/hxnx/tuneroom/internal/voice"
)

const channelNamePrefix = "listening-room-"

// Placement is where a listening room lives in Discord.
type Placement struct {
	GuildID       string
	TextChannelID string
	sink          *voice.DiscordSink
}

// VoiceChannelID is empty until the room's voice channel exists.
func (p Placement) VoiceChannelID() string {
	if p.sink == nil {
		return ""
	}
	return p.sink.ChannelID()
}

// Rooms tracks the Discord placement of every live session. It is also a
// listen.Observer so placements go away with their sessions.
type Rooms struct {
	categoryID string
	userLimit  int

	mu     sync.RWMutex
	placed map[string]Placement
}

func NewRooms(categoryID string, capacity int) *Rooms {
	limit := 0
	if capacity > 0 {
		// Room for the bot itself.
		limit = capacity + 1
	}
	return &Rooms{
		categoryID: categoryID,
		userLimit:  limit,
		placed:     make(map[string]Placement),
	}
}

// NewSink returns a CreateRequest.NewSink that creates a dedicated voice
// channel for the session and remembers where it was requested from.
func (r *Rooms) NewSink(s *discordgo.Session, guildID, textChannelID string) func(sessionID string) voice.Sink {
	return func(sessionID string) voice.Sink {
		sink := voice.NewDiscordSink(s, guildID, r.categoryID, channelNamePrefix+sessionID, r.userLimit)
		r.mu.Lock()
		r.placed[sessionID] = Placement{GuildID: guildID, TextChannelID: textChannelID, sink: sink}
		r.mu.Unlock()
		return sink
	}
}

func (r *Rooms) Get(sessionID string) (Placement, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.placed[sessionID]
	return p, ok
}

// SessionForVoiceChannel finds the session whose room is channelID.
func (r *Rooms) SessionForVoiceChannel(guildID, channelID string) (string, bool) {
	if channelID == "" {
		return "", false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, p := range r.placed {
		if p.GuildID == guildID && p.VoiceChannelID() == channelID {
			return id, true
		}
	}
	return "", false
}

func (r *Rooms) Observe(e listen.Event) {
	if e.Kind != listen.EventSessionClosed {
		return
	}
	r.mu.Lock()
	delete(r.placed, e.SessionID)
	r.mu.Unlock()
}
