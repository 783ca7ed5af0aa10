package botinfo

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/hxnx/tuneroom/internal/features/shared"
	"github.com/hxnx/tuneroom/internal/logger"
)

var botStartedAt = time.Now()

// Info is the static part of the /info card.
type Info struct {
	Version string

	LastFM  bool
	Status  bool
	History bool

	Rooms func() int
}

// Integrations lists the optional backends that are switched on.
func (in *Info) Integrations() string {
	var on []string
	if in.LastFM {
		on = append(on, "Last.fm")
	}
	if in.Status {
		on = append(on, "Redis")
	}
	if in.History {
		on = append(on, "PostgreSQL")
	}
	if len(on) == 0 {
		return "없음"
	}
	return strings.Join(on, ", ")
}

func BuildBotInfoComponents(s *discordgo.Session, in *Info) []discordgo.MessageComponent {
	latency := s.HeartbeatLatency().Round(time.Millisecond)

	guilds := 0
	if s.State != nil {
		guilds = len(s.State.Guilds)
	}
	shards := max(1, s.ShardCount)

	rooms := 0
	if in.Rooms != nil {
		rooms = in.Rooms()
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	uptime := time.Since(botStartedAt).Round(time.Second)

	divider := true
	spacing := discordgo.SeparatorSpacingSizeSmall

	return []discordgo.MessageComponent{
		discordgo.Container{
			AccentColor: &shared.AccentColor,
			Components: []discordgo.MessageComponent{
				discordgo.TextDisplay{Content: fmt.Sprintf("**TuneRoom** `%s`", in.Version)},
				discordgo.TextDisplay{Content: "앨범 한 장을 여럿이 함께 듣는 청취 방 봇입니다."},
				discordgo.Separator{Divider: &divider, Spacing: &spacing},
				discordgo.TextDisplay{Content: fmt.Sprintf("**API 지연:** %s", latency)},
				discordgo.TextDisplay{Content: fmt.Sprintf("**서버 수:** %d • **샤드 수:** %d • **청취 방:** %d개", guilds, shards, rooms)},
				discordgo.TextDisplay{Content: fmt.Sprintf("**연동:** %s", in.Integrations())},
				discordgo.TextDisplay{Content: fmt.Sprintf("**업타임:** %s • **메모리 사용량:** %.2f MB", uptime, float64(mem.Alloc)/1024.0/1024.0)},
				discordgo.TextDisplay{Content: fmt.Sprintf("갱신됨 <t:%d:R>", time.Now().Unix())},
			},
		},
	}
}

func RespondBotInfo(s *discordgo.Session, i *discordgo.InteractionCreate, in *Info) {
	if s == nil || i == nil || in == nil {
		return
	}

	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Components: BuildBotInfoComponents(s, in),
			Flags:      discordgo.MessageFlagsIsComponentsV2 | discordgo.MessageFlagsEphemeral,
		},
	})
	if err != nil {
		logger.WithComponent("botinfo").Error("failed to respond to bot info", "err", err)
	}
}
