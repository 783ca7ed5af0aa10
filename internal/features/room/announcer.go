package room

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/charmbracelet/log"

	"github.com/hxnx/tuneroom/internal/features/shared"
	"github.com/hxnx/tuneroom/internal/listen"
	"github.com/hxnx/tuneroom/internal/logger"
)

const announceQueueSize = 128

// MessageSender is the part of *discordgo.Session the announcer needs.
type MessageSender interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

type announcement struct {
	channelID string
	content   string
}

// Announcer posts room events to the text channel the room was created
// from. Observe only queues; Run does the sending.
type Announcer struct {
	sender MessageSender
	rooms  *Rooms
	queue  chan announcement
	logger *log.Logger
}

func NewAnnouncer(sender MessageSender, rooms *Rooms) *Announcer {
	return &Announcer{
		sender: sender,
		rooms:  rooms,
		queue:  make(chan announcement, announceQueueSize),
		logger: logger.WithComponent("announcer"),
	}
}

func (a *Announcer) Observe(e listen.Event) {
	content, ok := Announcement(e)
	if !ok {
		return
	}
	p, ok := a.rooms.Get(e.SessionID)
	if !ok || p.TextChannelID == "" {
		return
	}

	select {
	case a.queue <- announcement{channelID: p.TextChannelID, content: content}:
	default:
		a.logger.Warn("announce queue full, dropping", "kind", e.Kind, "session", e.SessionID)
	}
}

func (a *Announcer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-a.queue:
			_, err := a.sender.ChannelMessageSendComplex(msg.channelID, &discordgo.MessageSend{
				Components: shared.BuildNotice("🎧 청취 방", msg.content),
				Flags:      discordgo.MessageFlagsIsComponentsV2,
			}, discordgo.WithContext(ctx))
			if err != nil {
				a.logger.Error("failed to announce", "channel", msg.channelID, "err", err)
			}
		}
	}
}

// Announcement is the chat line for e, if it gets one.
func Announcement(e listen.Event) (string, bool) {
	switch e.Kind {
	case listen.EventTrackStarted:
		return fmt.Sprintf("`%s` ▶ %d. %s", e.SessionID, e.Index+1, e.Track.DisplayName()), true
	case listen.EventTrackSkipped:
		return fmt.Sprintf("`%s` 재생할 수 없는 곡을 건너뜁니다: %s", e.SessionID, e.Track.DisplayName()), true
	case listen.EventQueueEnded:
		return fmt.Sprintf("`%s` 앨범 재생이 끝났습니다. `/listen play`로 처음부터 다시 들을 수 있어요.", e.SessionID), true
	case listen.EventTransportLost:
		return fmt.Sprintf("`%s` 음성 연결이 끊어졌습니다. `/listen play`로 다시 연결합니다.", e.SessionID), true
	case listen.EventParticipantJoined:
		return fmt.Sprintf("`%s` %s 님이 참가했습니다.", e.SessionID, e.Participant.DisplayName()), true
	case listen.EventParticipantLeft:
		return fmt.Sprintf("`%s` %s 님이 나갔습니다.", e.SessionID, e.Participant.DisplayName()), true
	case listen.EventHostChanged:
		return fmt.Sprintf("`%s` 방장이 %s 님으로 바뀌었습니다.", e.SessionID, e.Participant.DisplayName()), true
	case listen.EventSessionClosed:
		return fmt.Sprintf("`%s` 청취 방이 종료되었습니다.", e.SessionID), true
	default:
		return "", false
	}
}
