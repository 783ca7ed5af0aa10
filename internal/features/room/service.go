package room

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/charmbracelet/log"

	"github.com/hxnx/tuneroom/internal/features/room/queueview"
	"github.com/hxnx/tuneroom/internal/features/shared"
	"github.com/hxnx/tuneroom/internal/listen"
	"github.com/hxnx/tuneroom/internal/logger"
	"github.com/hxnx/tuneroom/internal/music"
	"github.com/hxnx/tuneroom/internal/voice"
)

const (
	createTimeout  = 5 * time.Minute
	controlTimeout = 2 * time.Minute
	leaveTimeout   = 30 * time.Second
)

// Manager is the part of *listen.Manager the commands use.
type Manager interface {
	CreateSession(ctx context.Context, req listen.CreateRequest) (*listen.Session, error)
	GetSession(id string) *listen.Session
	GetSessionForParticipant(participantID string) *listen.Session
	JoinSession(ctx context.Context, id string, p listen.Participant) error
	LeaveSession(ctx context.Context, participantID string) error
}

var _ Manager = (*listen.Manager)(nil)

// Service runs /listen and !listen commands against the session manager.
type Service struct {
	Manager Manager
	Source  music.Source
	Rooms   *Rooms
	Logger  *log.Logger

	// SessionFor returns the gateway session (shard) that serves guildID.
	SessionFor func(guildID string) *discordgo.Session

	// NewSink overrides Rooms.NewSink; tests set it.
	NewSink func(cc shared.CommandContext) func(sessionID string) voice.Sink
}

func (svc *Service) logger() *log.Logger {
	if svc.Logger != nil {
		return svc.Logger
	}
	return logger.WithComponent("room")
}

func (svc *Service) sinkFor(cc shared.CommandContext) func(string) voice.Sink {
	if svc.NewSink != nil {
		return svc.NewSink(cc)
	}
	return svc.Rooms.NewSink(svc.SessionFor(cc.GuildID()), cc.GuildID(), cc.ChannelID())
}

func (svc *Service) Create(cc shared.CommandContext, reference string) {
	if cc.GuildID() == "" {
		cc.Reply("이 명령어는 서버에서만 사용할 수 있습니다.")
		return
	}
	reference = strings.TrimSpace(reference)
	if reference == "" {
		cc.Reply("앨범 경로 또는 URL을 입력해 주세요.")
		return
	}

	cc.Defer()

	ctx, cancel := context.WithTimeout(context.Background(), createTimeout)
	defer cancel()

	user := cc.User()
	sess, err := svc.Manager.CreateSession(ctx, listen.CreateRequest{
		Host:      user,
		Reference: reference,
		Source:    svc.Source,
		NewSink:   svc.sinkFor(cc),
	})
	if err != nil {
		svc.logger().Warn("create session failed", "host", user.ID, "reference", reference, "err", err)
		cc.Reply(DescribeError(err))
		return
	}

	snap := sess.Snapshot()
	content := fmt.Sprintf("청취 방 `%s`을(를) 만들었습니다. 앨범 %d곡 재생을 시작합니다.\n`/listen join id:%s`로 친구를 초대하세요.", snap.ID, len(snap.Tracks), snap.ID)
	if p, ok := svc.placement(snap.ID); ok && p.VoiceChannelID() != "" {
		content += fmt.Sprintf("\n음성 채널: <#%s>", p.VoiceChannelID())
	}
	cc.Reply(content)
}

func (svc *Service) Join(cc shared.CommandContext, sessionID string) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		cc.Reply("참가할 방 ID를 입력해 주세요.")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()

	user := cc.User()
	if err := svc.Manager.JoinSession(ctx, sessionID, user); err != nil {
		cc.Reply(DescribeError(err))
		return
	}

	content := fmt.Sprintf("방 `%s`에 참가했습니다.", sessionID)
	if p, ok := svc.placement(sessionID); ok && p.VoiceChannelID() != "" {
		content += fmt.Sprintf(" <#%s>에 들어와 함께 들어요.", p.VoiceChannelID())
	}
	cc.Reply(content)
}

func (svc *Service) Leave(cc shared.CommandContext) {
	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()

	if err := svc.Manager.LeaveSession(ctx, cc.User().ID); err != nil {
		cc.Reply(DescribeError(err))
		return
	}
	cc.Reply("청취 방에서 나왔습니다.")
}

// Control runs a playback command on the caller's session.
func (svc *Service) Control(cc shared.CommandContext, action string) {
	sess := svc.Manager.GetSessionForParticipant(cc.User().ID)
	if sess == nil {
		cc.Reply(DescribeError(listen.ErrNotInSession))
		return
	}

	var (
		err   error
		moved = true
		reply string
	)
	switch action {
	case "play":
		cc.Defer()
		ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
		err = sess.Play(ctx)
		cancel()
		reply = "재생을 시작합니다."
	case "pause":
		err = sess.Pause()
		reply = "일시정지했습니다."
	case "resume":
		err = sess.Resume()
		reply = "다시 재생합니다."
	case "stop":
		err = sess.Stop()
		reply = "재생을 멈췄습니다."
	case "skip":
		moved, err = sess.SkipNext()
		reply = "다음 곡으로 넘어갑니다."
	case "prev":
		moved, err = sess.SkipPrev()
		reply = "이전 곡으로 돌아갑니다."
	default:
		cc.Reply("지원하지 않는 명령입니다.")
		return
	}

	switch {
	case err != nil:
		cc.Reply(DescribeError(err))
	case !moved && action == "skip":
		cc.Reply("마지막 곡입니다.")
	case !moved:
		cc.Reply("첫 번째 곡입니다.")
	default:
		if t, ok := sess.Current(); ok && (action == "skip" || action == "prev" || action == "play") {
			reply += fmt.Sprintf("\n🎵 %s", t.DisplayName())
		}
		cc.Reply(reply)
	}
}

// Queue shows the page holding the current track unless page is set.
func (svc *Service) Queue(cc shared.CommandContext, page int) {
	sess := svc.Manager.GetSessionForParticipant(cc.User().ID)
	if sess == nil {
		cc.Reply(DescribeError(listen.ErrNotInSession))
		return
	}

	snap := sess.Snapshot()
	if page <= 0 {
		page = queueview.PageFor(snap, queueview.DefaultPerPage)
	}
	components, _ := queueview.BuildQueueComponents(snap, page, queueview.DefaultPerPage)
	cc.ReplyComponents(components)
}

func (svc *Service) Status(cc shared.CommandContext) {
	sess := svc.Manager.GetSessionForParticipant(cc.User().ID)
	if sess == nil {
		cc.Reply(DescribeError(listen.ErrNotInSession))
		return
	}
	cc.ReplyComponents(BuildStatusComponents(sess.Snapshot()))
}

// QueuePage renders a queue page for a pagination button.
func (svc *Service) QueuePage(sessionID string, page, perPage int) ([]discordgo.MessageComponent, bool) {
	sess := svc.Manager.GetSession(sessionID)
	if sess == nil {
		return nil, false
	}
	components, _ := queueview.BuildQueueComponents(sess.Snapshot(), page, perPage)
	return components, true
}

func (svc *Service) placement(sessionID string) (Placement, bool) {
	if svc.Rooms == nil {
		return Placement{}, false
	}
	return svc.Rooms.Get(sessionID)
}

// DescribeError turns a session error into a user-facing message.
func DescribeError(err error) string {
	var loadErr *listen.LoadError
	switch {
	case errors.As(err, &loadErr) && errors.Is(err, music.ErrNoTracks):
		return "재생할 수 있는 곡을 찾지 못했습니다."
	case errors.As(err, &loadErr):
		return "앨범을 불러오지 못했습니다. 경로나 URL을 확인해 주세요."
	case errors.Is(err, listen.ErrSessionNotFound):
		return "해당 ID의 청취 방이 없습니다."
	case errors.Is(err, listen.ErrSessionFull):
		return "청취 방 인원이 가득 찼습니다."
	case errors.Is(err, listen.ErrNotInSession):
		return "참가 중인 청취 방이 없습니다."
	case errors.Is(err, listen.ErrInvalidTransition):
		return "지금 상태에서는 할 수 없는 명령입니다."
	case errors.Is(err, listen.ErrSkipInProgress):
		return "이미 곡을 넘기는 중입니다. 잠시 후 다시 시도해 주세요."
	case errors.Is(err, listen.ErrSessionClosed):
		return "청취 방이 이미 종료되었습니다."
	case errors.Is(err, voice.ErrConnectFailed):
		return "음성 채널에 연결하지 못했습니다. 잠시 후 다시 시도해 주세요."
	case errors.Is(err, context.DeadlineExceeded):
		return "요청 시간이 초과되었습니다."
	default:
		return "요청을 처리하지 못했습니다."
	}
}

// BuildStatusComponents renders the now-playing card of a session.
func BuildStatusComponents(snap listen.Snapshot) []discordgo.MessageComponent {
	divider := true
	spacing := discordgo.SeparatorSpacingSizeSmall

	nowPlaying := "재생 중인 곡이 없습니다."
	if t, ok := snap.Current(); ok {
		nowPlaying = fmt.Sprintf("🎵 **%s**", t.DisplayName())
		if t.Duration > 0 {
			nowPlaying += fmt.Sprintf("\n%s / %s", queueview.FormatDuration(snap.Position), queueview.FormatDuration(t.Duration))
		}
	}

	names := make([]string, 0, len(snap.Participants))
	for _, p := range snap.Participants {
		name := p.DisplayName()
		if p.ID == snap.Host.ID {
			name += " 👑"
		}
		names = append(names, name)
	}

	return []discordgo.MessageComponent{
		discordgo.Container{
			AccentColor: &shared.AccentColor,
			Components: []discordgo.MessageComponent{
				discordgo.TextDisplay{Content: fmt.Sprintf("🎧 **청취 방** `%s` · %s", snap.ID, statusLabel(snap.Status))},
				discordgo.Separator{Divider: &divider, Spacing: &spacing},
				discordgo.TextDisplay{Content: nowPlaying},
				discordgo.TextDisplay{Content: fmt.Sprintf("곡 **%d/%d**", snap.Index+1, len(snap.Tracks))},
				discordgo.Separator{Divider: &divider, Spacing: &spacing},
				discordgo.TextDisplay{Content: fmt.Sprintf("참가자 **%d/%d**: %s", len(snap.Participants), snap.Capacity, strings.Join(names, ", "))},
			},
		},
	}
}

func statusLabel(s listen.Status) string {
	switch s {
	case listen.StatusReady:
		return "준비"
	case listen.StatusConnecting:
		return "연결 중"
	case listen.StatusPlaying:
		return "재생 중"
	case listen.StatusPaused:
		return "일시정지"
	case listen.StatusStopped:
		return "정지"
	case listen.StatusTerminated:
		return "종료"
	default:
		return s.String()
	}
}
