package commands

import (
	"github.com/bwmarrin/discordgo"

	"github.com/hxnx/tuneroom/internal/features/botinfo"
)

var Command = &discordgo.ApplicationCommand{
	Name:        "info",
	Description: "봇 버전과 연동 상태를 확인합니다",
}

func Info(in *botinfo.Info) func(*discordgo.Session, *discordgo.InteractionCreate) {
	return func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		if i.Type != discordgo.InteractionApplicationCommand {
			return
		}
		botinfo.RespondBotInfo(s, i, in)
	}
}
