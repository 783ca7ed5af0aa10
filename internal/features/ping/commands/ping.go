package commands

import (
	"github.com/bwmarrin/discordgo"

	"github.com/hxnx/tuneroom/internal/features/ping"
)

var Command = &discordgo.ApplicationCommand{
	Name:        "ping",
	Description: "봇 상태와 청취 방 수를 확인합니다",
}

func Ping(rooms ping.RoomCounter) func(*discordgo.Session, *discordgo.InteractionCreate) {
	return func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		if i.Type != discordgo.InteractionApplicationCommand {
			return
		}
		ping.RespondPing(s, i, discordgo.InteractionResponseChannelMessageWithSource, rooms)
	}
}
