package listeners

import (
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/hxnx/tuneroom/internal/features/room"
	"github.com/hxnx/tuneroom/internal/features/room/queueview"
	"github.com/hxnx/tuneroom/internal/features/shared"
	"github.com/hxnx/tuneroom/internal/listen"
	"github.com/hxnx/tuneroom/internal/logger"
)

func RouteRoomComponent(svc *room.Service, s *discordgo.Session, i *discordgo.InteractionCreate) bool {
	if i.Type != discordgo.InteractionMessageComponent {
		return false
	}

	customID := i.MessageComponentData().CustomID
	if !strings.HasPrefix(customID, queueview.CustomIDPrefix+":") {
		return false
	}

	handleQueuePage(svc, s, i, customID)
	return true
}

func handleQueuePage(svc *room.Service, s *discordgo.Session, i *discordgo.InteractionCreate, customID string) {
	sessionID, page, perPage, ok := queueview.ParseQueuePageCustomID(customID)
	if !ok {
		shared.RespondEphemeral(s, i, "잘못된 요청입니다.")
		return
	}

	components, ok := svc.QueuePage(sessionID, page, perPage)
	if !ok {
		shared.RespondEphemeral(s, i, room.DescribeError(listen.ErrSessionNotFound))
		return
	}

	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseUpdateMessage,
		Data: &discordgo.InteractionResponseData{
			Components: components,
			Flags:      discordgo.MessageFlagsIsComponentsV2,
		},
	})
	if err != nil {
		logger.WithComponent("room").Error("queue page update failed", "session", sessionID, "err", err)
	}
}
