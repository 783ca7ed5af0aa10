package listeners

import (
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/hxnx/tuneroom/internal/features/ping"
)

func RoutePingComponent(s *discordgo.Session, i *discordgo.InteractionCreate, rooms ping.RoomCounter) bool {
	if i.Type != discordgo.InteractionMessageComponent {
		return false
	}

	customID := i.MessageComponentData().CustomID
	if !strings.HasPrefix(customID, "ping_") {
		return false
	}

	if customID == ping.RefreshCustomID {
		ping.RespondPing(s, i, discordgo.InteractionResponseUpdateMessage, rooms)
	}
	return true
}
