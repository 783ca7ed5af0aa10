package ping

import (
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/hxnx/tuneroom/internal/logger"
)

const RefreshCustomID = "ping_refresh"

// RoomCounter reports how many listening rooms are live.
type RoomCounter func() int

func BuildPingComponentsV2(s *discordgo.Session, rooms int) []discordgo.MessageComponent {
	latency := s.HeartbeatLatency().Round(time.Millisecond)

	gatewayLatency := latency
	if !s.LastHeartbeatAck.IsZero() {
		gatewayLatency = time.Since(s.LastHeartbeatAck).Round(time.Millisecond)
	}

	guilds := 0
	if s.State != nil {
		guilds = len(s.State.Guilds)
	}
	shards := max(1, s.ShardCount)

	colorLilac := 0xC8A2C8
	divider := true
	spacing := discordgo.SeparatorSpacingSizeSmall

	return []discordgo.MessageComponent{
		discordgo.Container{
			AccentColor: &colorLilac,
			Components: []discordgo.MessageComponent{
				discordgo.TextDisplay{Content: "**퐁!**"},
				discordgo.Separator{Divider: &divider, Spacing: &spacing},
				discordgo.Section{
					Components: []discordgo.MessageComponent{
						discordgo.TextDisplay{Content: fmt.Sprintf("**API 지연:** %s • **게이트웨이 지연:** %s", latency, gatewayLatency)},
						discordgo.TextDisplay{Content: fmt.Sprintf("**서버 수:** %d • **샤드 수:** %d", guilds, shards)},
						discordgo.TextDisplay{Content: fmt.Sprintf("**청취 방:** %d개", rooms)},
					},
					Accessory: discordgo.Button{
						Style:    discordgo.PrimaryButton,
						Label:    "새로고침",
						CustomID: RefreshCustomID,
					},
				},
				discordgo.TextDisplay{Content: fmt.Sprintf("갱신됨 <t:%d:R>", time.Now().Unix())},
			},
		},
	}
}

func RespondPing(s *discordgo.Session, i *discordgo.InteractionCreate, respType discordgo.InteractionResponseType, rooms RoomCounter) {
	if s == nil || i == nil {
		return
	}

	count := 0
	if rooms != nil {
		count = rooms()
	}

	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: respType,
		Data: &discordgo.InteractionResponseData{
			Components: BuildPingComponentsV2(s, count),
			Flags:      discordgo.MessageFlagsIsComponentsV2 | discordgo.MessageFlagsEphemeral,
		},
	})
	if err != nil {
		logger.WithComponent("ping").Error("failed to respond to ping", "err", err)
	}
}
