package shared

import (
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/hxnx/tuneroom/internal/listen"
	"github.com/hxnx/tuneroom/internal/logger"
)

// CommandContext is what a command needs from wherever it was invoked,
// a slash command or a prefixed chat message.
type CommandContext interface {
	GuildID() string
	ChannelID() string
	User() listen.Participant
	// Defer acknowledges a command that will take a while to answer.
	Defer()
	Reply(content string)
	ReplyComponents(components []discordgo.MessageComponent)
}

// ParticipantFromUser prefers the guild nickname, then the global display
// name, then the username.
func ParticipantFromUser(u *discordgo.User, member *discordgo.Member) listen.Participant {
	if u == nil {
		return listen.Participant{}
	}

	name := u.Username
	if u.GlobalName != "" {
		name = u.GlobalName
	}
	if member != nil && member.Nick != "" {
		name = member.Nick
	}

	return listen.Participant{ID: u.ID, Name: name, JoinedAt: time.Now()}
}

type InteractionContext struct {
	s        *discordgo.Session
	i        *discordgo.InteractionCreate
	deferred bool
}

func NewInteractionContext(s *discordgo.Session, i *discordgo.InteractionCreate) *InteractionContext {
	return &InteractionContext{s: s, i: i}
}

func (c *InteractionContext) GuildID() string   { return c.i.GuildID }
func (c *InteractionContext) ChannelID() string { return c.i.ChannelID }

func (c *InteractionContext) User() listen.Participant {
	return ParticipantFromUser(GetInteractionUser(c.i), c.i.Member)
}

func (c *InteractionContext) Defer() {
	if c.deferred {
		return
	}
	if err := DeferEphemeral(c.s, c.i); err != nil {
		logger.WithComponent("features").Warn("defer failed", "err", err)
		return
	}
	c.deferred = true
}

func (c *InteractionContext) Reply(content string) {
	c.ReplyComponents(BuildNotice("알림", content))
}

func (c *InteractionContext) ReplyComponents(components []discordgo.MessageComponent) {
	if c.deferred {
		FollowupComponents(c.s, c.i, components)
		return
	}
	RespondComponents(c.s, c.i, components)
}

type MessageContext struct {
	s *discordgo.Session
	m *discordgo.MessageCreate
}

func NewMessageContext(s *discordgo.Session, m *discordgo.MessageCreate) *MessageContext {
	return &MessageContext{s: s, m: m}
}

func (c *MessageContext) GuildID() string   { return c.m.GuildID }
func (c *MessageContext) ChannelID() string { return c.m.ChannelID }

func (c *MessageContext) User() listen.Participant {
	return ParticipantFromUser(c.m.Author, c.m.Member)
}

// Defer shows the typing indicator; chat messages have no deferred reply.
func (c *MessageContext) Defer() {
	_ = c.s.ChannelTyping(c.m.ChannelID)
}

func (c *MessageContext) Reply(content string) {
	c.ReplyComponents(BuildNotice("알림", content))
}

func (c *MessageContext) ReplyComponents(components []discordgo.MessageComponent) {
	_, err := c.s.ChannelMessageSendComplex(c.m.ChannelID, &discordgo.MessageSend{
		Components: components,
		Flags:      discordgo.MessageFlagsIsComponentsV2,
		Reference:  c.m.Reference(),
	})
	if err != nil {
		logger.WithComponent("features").Error("message reply failed", "channel", c.m.ChannelID, "err", err)
	}
}
