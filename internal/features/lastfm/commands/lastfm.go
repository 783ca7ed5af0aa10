package commands

import (
	"github.com/bwmarrin/discordgo"

	"github.com/hxnx/tuneroom/internal/features/lastfm"
	shared "github.com/hxnx/tuneroom/internal/features/shared"
)

var Command = &discordgo.ApplicationCommand{
	Name:        "lastfm",
	Description: "Last.fm 스크로블 계정 연결",
	Options: []*discordgo.ApplicationCommandOption{
		{
			Type:        discordgo.ApplicationCommandOptionSubCommand,
			Name:        "link",
			Description: "Last.fm 계정 연결을 시작합니다",
		},
		{
			Type:        discordgo.ApplicationCommandOptionSubCommand,
			Name:        "confirm",
			Description: "권한 허용 후 연결을 마칩니다",
		},
		{
			Type:        discordgo.ApplicationCommandOptionSubCommand,
			Name:        "unlink",
			Description: "계정 연결을 해제합니다",
		},
		{
			Type:        discordgo.ApplicationCommandOptionSubCommand,
			Name:        "status",
			Description: "연결된 계정을 확인합니다",
		},
	},
}

func LastFM(svc *lastfm.Service) func(*discordgo.Session, *discordgo.InteractionCreate) {
	return func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		if i.Type != discordgo.InteractionApplicationCommand {
			return
		}

		sub := shared.GetSubcommandOption(i.ApplicationCommandData())
		if sub == nil {
			shared.RespondEphemeral(s, i, "사용할 명령을 선택해 주세요.")
			return
		}

		cc := shared.NewInteractionContext(s, i)
		switch sub.Name {
		case "link":
			svc.Link(cc)
		case "confirm":
			svc.Confirm(cc)
		case "unlink":
			svc.Unlink(cc)
		case "status":
			svc.Status(cc)
		default:
			shared.RespondEphemeral(s, i, "지원하지 않는 명령입니다.")
		}
	}
}
