package listeners

import (
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/hxnx/tuneroom/internal/features/room"
	"github.com/hxnx/tuneroom/internal/features/shared"
)

const MessagePrefix = "!listen"

const messageUsage = "사용법: `!listen create <앨범>` · `join <방 ID>` · `leave` · `play` · `pause` · `resume` · `skip` · `prev` · `stop` · `queue [페이지]` · `status`"

// ParseMessageCommand splits "!listen <sub> [arg]". arg keeps its inner
// spacing so album paths survive.
func ParseMessageCommand(content string) (sub string, arg string, ok bool) {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, MessagePrefix) {
		return "", "", false
	}
	rest := content[len(MessagePrefix):]
	if rest != "" && rest[0] != ' ' && rest[0] != '\t' {
		return "", "", false
	}

	rest = strings.TrimSpace(rest)
	if rest == "" {
		return "", "", true
	}
	sub, arg, _ = strings.Cut(rest, " ")
	return strings.ToLower(sub), strings.TrimSpace(arg), true
}

func HandleListenMessage(svc *room.Service) func(*discordgo.Session, *discordgo.MessageCreate) {
	return func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if s == nil || m == nil || m.Author == nil || m.Author.Bot || m.GuildID == "" {
			return
		}

		sub, arg, ok := ParseMessageCommand(m.Content)
		if !ok {
			return
		}
		Dispatch(svc, shared.NewMessageContext(s, m), sub, arg)
	}
}

// Dispatch runs one listen subcommand.
func Dispatch(svc *room.Service, cc shared.CommandContext, sub, arg string) {
	switch sub {
	case "create":
		svc.Create(cc, arg)
	case "join":
		svc.Join(cc, arg)
	case "leave":
		svc.Leave(cc)
	case "play", "pause", "resume", "stop", "skip", "prev":
		svc.Control(cc, sub)
	case "queue":
		page, _ := strconv.Atoi(arg)
		svc.Queue(cc, page)
	case "status":
		svc.Status(cc)
	default:
		cc.Reply(messageUsage)
	}
}
