package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
)

var ErrDiscordSessionNil = errors.New("discord session is nil")

const frameSendTimeout = time.Second

// DiscordSink backs a listening room with its own voice channel. The
// channel is created lazily and can be replaced when the voice server
// keeps rejecting us.
type DiscordSink struct {
	session    *discordgo.Session
	guildID    string
	categoryID string
	name       string
	userLimit  int

	mu        sync.Mutex
	channelID string
}

func NewDiscordSink(s *discordgo.Session, guildID, categoryID, name string, userLimit int) *DiscordSink {
	return &DiscordSink{
		session:    s,
		guildID:    guildID,
		categoryID: categoryID,
		name:       name,
		userLimit:  userLimit,
	}
}

// NewDiscordSinkForChannel uses an existing voice channel. Release will
// not delete it.
func NewDiscordSinkForChannel(s *discordgo.Session, guildID, channelID string) *DiscordSink {
	return &DiscordSink{
		session:   s,
		guildID:   guildID,
		channelID: channelID,
	}
}

func (d *DiscordSink) GuildID() string {
	return d.guildID
}

func (d *DiscordSink) ChannelID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.channelID
}

func (d *DiscordSink) owned() bool {
	return d.name != ""
}

func (d *DiscordSink) Ensure(ctx context.Context) error {
	if d.session == nil {
		return ErrDiscordSessionNil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.channelID != "" {
		return nil
	}
	return d.createLocked(ctx)
}

func (d *DiscordSink) createLocked(ctx context.Context) error {
	channel, err := d.session.GuildChannelCreateComplex(d.guildID, discordgo.GuildChannelCreateData{
		Name:      d.name,
		Type:      discordgo.ChannelTypeGuildVoice,
		ParentID:  d.categoryID,
		UserLimit: d.userLimit,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("create voice channel: %w", err)
	}

	d.channelID = channel.ID
	return nil
}

func (d *DiscordSink) Recreate(ctx context.Context) error {
	if d.session == nil {
		return ErrDiscordSessionNil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.owned() {
		return nil
	}

	if d.channelID != "" {
		if _, err := d.session.ChannelDelete(d.channelID, discordgo.WithContext(ctx)); err != nil {
			// A stale channel is left behind; the room moves on regardless.
			d.channelID = ""
			if createErr := d.createLocked(ctx); createErr != nil {
				return errors.Join(fmt.Errorf("delete voice channel: %w", err), createErr)
			}
			return nil
		}
		d.channelID = ""
	}
	return d.createLocked(ctx)
}

func (d *DiscordSink) Release(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.disconnectGuild()

	if !d.owned() || d.channelID == "" || d.session == nil {
		return nil
	}

	channelID := d.channelID
	d.channelID = ""
	if _, err := d.session.ChannelDelete(channelID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("delete voice channel %s: %w", channelID, err)
	}
	return nil
}

// Dial joins the voice channel. discordgo blocks until the voice
// handshake finishes, so the join runs in its own goroutine and is
// abandoned (and cleaned up) when ctx ends first.
func (d *DiscordSink) Dial(ctx context.Context) (Link, error) {
	if d.session == nil {
		return nil, ErrDiscordSessionNil
	}

	channelID := d.ChannelID()
	if channelID == "" {
		return nil, ErrNotConnected
	}

	d.disconnectGuild()

	type result struct {
		vc  *discordgo.VoiceConnection
		err error
	}
	done := make(chan result, 1)

	go func() {
		vc, err := d.session.ChannelVoiceJoin(d.guildID, channelID, false, true)
		done <- result{vc: vc, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			if res.vc != nil {
				_ = res.vc.Disconnect()
			}
			return nil, classifyJoinError(res.err)
		}
		return &discordLink{vc: res.vc}, nil
	case <-ctx.Done():
		go func() {
			if res := <-done; res.vc != nil {
				_ = res.vc.Disconnect()
			}
		}()
		return nil, fmt.Errorf("voice join: %w", ctx.Err())
	}
}

// disconnectGuild drops whatever voice connection discordgo still tracks
// for the guild.
func (d *DiscordSink) disconnectGuild() {
	if d.session == nil {
		return
	}

	d.session.RLock()
	vc := d.session.VoiceConnections[d.guildID]
	d.session.RUnlock()

	if vc != nil {
		_ = vc.Disconnect()
	}
}

func classifyJoinError(err error) error {
	if IsFatal(err) {
		return err
	}

	msg := err.Error()
	if strings.Contains(msg, "4006") || strings.Contains(msg, "4009") {
		return fmt.Errorf("%w: %v", ErrSessionRejected, err)
	}
	return err
}

type discordLink struct {
	vc *discordgo.VoiceConnection
}

func (l *discordLink) Alive() bool {
	return l.vc != nil && l.vc.Ready
}

func (l *discordLink) Send(ctx context.Context, frame []byte) error {
	if !l.Alive() {
		return ErrNotConnected
	}

	timer := time.NewTimer(frameSendTimeout)
	defer timer.Stop()

	select {
	case l.vc.OpusSend <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrSendTimeout
	}
}

func (l *discordLink) Speaking(speaking bool) error {
	if !l.Alive() {
		return nil
	}
	return l.vc.Speaking(speaking)
}

func (l *discordLink) Disconnect() error {
	if l.vc == nil {
		return nil
	}
	return l.vc.Disconnect()
}
