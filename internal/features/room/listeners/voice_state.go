package listeners

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/hxnx/tuneroom/internal/features/room"
	"github.com/hxnx/tuneroom/internal/listen"
	"github.com/hxnx/tuneroom/internal/logger"
)

const voiceLeaveTimeout = 30 * time.Second

// HandleVoiceStateUpdate makes a participant leave their session when they
// disconnect from, or move out of, that session's voice channel.
func HandleVoiceStateUpdate(svc *room.Service) func(*discordgo.Session, *discordgo.VoiceStateUpdate) {
	return func(s *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
		if vs == nil || vs.VoiceState == nil || vs.GuildID == "" || vs.BeforeUpdate == nil {
			return
		}
		if s != nil && s.State != nil && s.State.User != nil && vs.UserID == s.State.User.ID {
			return
		}

		sessionID, ok := LeftRoom(svc.Rooms, vs.GuildID, vs.BeforeUpdate.ChannelID, vs.ChannelID)
		if !ok {
			return
		}

		sess := svc.Manager.GetSessionForParticipant(vs.UserID)
		if sess == nil || sess.ID() != sessionID {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), voiceLeaveTimeout)
		defer cancel()

		if err := svc.Manager.LeaveSession(ctx, vs.UserID); err != nil && !errors.Is(err, listen.ErrNotInSession) {
			logger.WithComponent("room").Warn("voice leave failed", "session", sessionID, "user", vs.UserID, "err", err)
			return
		}
		logger.WithComponent("room").Info("participant left voice room", "session", sessionID, "user", vs.UserID)
	}
}

// LeftRoom reports the session whose room was before, when the user is no
// longer in it.
func LeftRoom(rooms *room.Rooms, guildID, before, after string) (string, bool) {
	if rooms == nil || before == "" || before == after {
		return "", false
	}
	return rooms.SessionForVoiceChannel(guildID, before)
}
