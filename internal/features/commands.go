package commands

import (
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/hxnx/tuneroom/internal/features/botinfo"
	infocmd "github.com/hxnx/tuneroom/internal/features/botinfo/commands"
	"github.com/hxnx/tuneroom/internal/features/lastfm"
	lastfmcmd "github.com/hxnx/tuneroom/internal/features/lastfm/commands"
	"github.com/hxnx/tuneroom/internal/features/ping"
	pingcmd "github.com/hxnx/tuneroom/internal/features/ping/commands"
	pinglisteners "github.com/hxnx/tuneroom/internal/features/ping/listeners"
	"github.com/hxnx/tuneroom/internal/features/room"
	roomcmd "github.com/hxnx/tuneroom/internal/features/room/commands"
	roomlisteners "github.com/hxnx/tuneroom/internal/features/room/listeners"
	"github.com/hxnx/tuneroom/internal/logger"
)

var CommandList = []*discordgo.ApplicationCommand{
	pingcmd.Command,
	infocmd.Command,
	roomcmd.Command,
	lastfmcmd.Command,
}

// Handlers carries the services the Discord handlers dispatch to.
type Handlers struct {
	Room   *room.Service
	LastFM *lastfm.Service
	Info   *botinfo.Info
	Rooms  ping.RoomCounter
}

func (h *Handlers) commandHandlers() map[string]func(s *discordgo.Session, i *discordgo.InteractionCreate) {
	return map[string]func(s *discordgo.Session, i *discordgo.InteractionCreate){
		pingcmd.Command.Name:   pingcmd.Ping(h.Rooms),
		infocmd.Command.Name:   infocmd.Info(h.Info),
		roomcmd.Command.Name:   roomcmd.Listen(h.Room),
		lastfmcmd.Command.Name: lastfmcmd.LastFM(h.LastFM),
	}
}

func RegisterCommands(s *discordgo.Session, appID string, guildID string) ([]*discordgo.ApplicationCommand, error) {
	scope := "global"
	if guildID != "" {
		scope = fmt.Sprintf("guild:%s", guildID)
	}

	logger.WithComponent("features").Info("registering commands", "count", len(CommandList), "scope", scope)

	cmds, err := s.ApplicationCommandBulkOverwrite(appID, guildID, CommandList)
	if err != nil {
		return nil, fmt.Errorf("cannot bulk overwrite commands: %w", err)
	}
	return cmds, nil
}

func AddHandlers(s *discordgo.Session, h *Handlers) {
	handlers := h.commandHandlers()
	listenMessage := roomlisteners.HandleListenMessage(h.Room)

	s.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if HandleSyncMessage(s, m) {
			return
		}
		listenMessage(s, m)
	})

	s.AddHandler(roomlisteners.HandleVoiceStateUpdate(h.Room))

	s.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		switch i.Type {
		case discordgo.InteractionApplicationCommand:
			data := i.ApplicationCommandData()
			if handler, ok := handlers[data.Name]; ok {
				handler(s, i)
			}
		case discordgo.InteractionMessageComponent:
			if pinglisteners.RoutePingComponent(s, i, h.Rooms) {
				return
			}
			if roomlisteners.RouteRoomComponent(h.Room, s, i) {
				return
			}
		default:
			return
		}
	})
}
