package commands

import (
	"github.com/bwmarrin/discordgo"

	"github.com/hxnx/tuneroom/internal/features/room"
	"github.com/hxnx/tuneroom/internal/features/room/listeners"
	shared "github.com/hxnx/tuneroom/internal/features/shared"
)

var Command = &discordgo.ApplicationCommand{
	Name:        "listen",
	Description: "함께 앨범 듣기",
	Options: []*discordgo.ApplicationCommandOption{
		{
			Type:        discordgo.ApplicationCommandOptionSubCommand,
			Name:        "create",
			Description: "앨범으로 청취 방을 만듭니다",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "album",
					Description: "Artist/Album 경로, 앨범 URL 또는 Spotify 앨범 링크",
					Required:    true,
				},
			},
		},
		{
			Type:        discordgo.ApplicationCommandOptionSubCommand,
			Name:        "join",
			Description: "청취 방에 참가합니다",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "id",
					Description: "방 ID",
					Required:    true,
				},
			},
		},
		subcommand("leave", "청취 방에서 나갑니다"),
		subcommand("play", "정지된 방을 다시 재생합니다"),
		subcommand("pause", "일시정지합니다"),
		subcommand("resume", "다시 재생합니다"),
		subcommand("skip", "다음 곡으로 넘어갑니다"),
		subcommand("prev", "이전 곡으로 돌아갑니다"),
		subcommand("stop", "재생을 멈춥니다"),
		{
			Type:        discordgo.ApplicationCommandOptionSubCommand,
			Name:        "queue",
			Description: "앨범 대기열을 표시합니다",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "page",
					Description: "페이지",
					Required:    false,
				},
			},
		},
		subcommand("status", "현재 방 상태를 표시합니다"),
	},
}

func subcommand(name, description string) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionSubCommand,
		Name:        name,
		Description: description,
	}
}

func Listen(svc *room.Service) func(*discordgo.Session, *discordgo.InteractionCreate) {
	return func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		if i.Type != discordgo.InteractionApplicationCommand {
			return
		}
		if i.GuildID == "" {
			shared.RespondEphemeral(s, i, "이 명령어는 서버에서만 사용할 수 있습니다.")
			return
		}

		sub := shared.GetSubcommandOption(i.ApplicationCommandData())
		if sub == nil {
			shared.RespondEphemeral(s, i, "사용할 명령을 선택해 주세요.")
			return
		}

		cc := shared.NewInteractionContext(s, i)
		var arg string
		switch sub.Name {
		case "create":
			arg = shared.GetOptionString(sub.Options, "album")
		case "join":
			arg = shared.GetOptionString(sub.Options, "id")
		case "queue":
			if page := shared.GetOptionInt(sub.Options, "page"); page > 0 {
				svc.Queue(cc, page)
				return
			}
		}
		listeners.Dispatch(svc, cc, sub.Name, arg)
	}
}
