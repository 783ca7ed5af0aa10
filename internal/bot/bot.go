package bot

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/charmbracelet/log"

	"github.com/hxnx/tuneroom/config"
	"github.com/hxnx/tuneroom/internal/database"
	commands "github.com/hxnx/tuneroom/internal/features"
	"github.com/hxnx/tuneroom/internal/features/botinfo"
	"github.com/hxnx/tuneroom/internal/features/lastfm"
	"github.com/hxnx/tuneroom/internal/features/room"
	"github.com/hxnx/tuneroom/internal/listen"
	"github.com/hxnx/tuneroom/internal/logger"
	"github.com/hxnx/tuneroom/internal/music"
	"github.com/hxnx/tuneroom/internal/playback"
	"github.com/hxnx/tuneroom/internal/redis"
	"github.com/hxnx/tuneroom/internal/scrobble"
	"github.com/hxnx/tuneroom/internal/status"
)

const shutdownTimeout = 30 * time.Second

// Version is shown by /info; the command line sets it from build flags.
var Version = "dev"

// runner is a background event writer fed by a listen.Observer.
type runner interface {
	listen.Observer
	Run(ctx context.Context)
}

type Bot struct {
	config       *config.Config
	sessions     []*discordgo.Session
	started      bool
	presenceStop chan struct{}
	logger       *log.Logger

	manager   *listen.Manager
	scrobbler *scrobble.Coordinator
	handlers  *commands.Handlers
	runners   []runner

	cancel  context.CancelFunc
	workers sync.WaitGroup
}

func New(cfg *config.Config) (*Bot, error) {
	lg := logger.WithComponent("bot")

	if cfg.DatabaseEnabled() {
		dbConfig := &database.Config{
			Host:     cfg.DBHost,
			Port:     cfg.DBPort,
			User:     cfg.DBUser,
			Password: cfg.DBPassword,
			DBName:   cfg.DBName,
			SSLMode:  cfg.DBSSLMode,
		}
		if err := database.Initialize(dbConfig); err != nil {
			lg.Warn("database initialization failed", "err", err)
		}
	}

	if cfg.RedisEnabled() {
		redisConfig := redis.Config{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}
		if _, err := redis.Init(redisConfig); err != nil {
			lg.Warn("redis initialization failed", "err", err)
		}
	}

	sessions, err := openShards(cfg, lg)
	if err != nil {
		return nil, err
	}

	b := &Bot{
		config:   cfg,
		sessions: sessions,
		logger:   lg,
	}

	rooms := room.NewRooms(cfg.ListenCategoryID, cfg.MaxRoomParticipants)
	announcer := room.NewAnnouncer(sessions[0], rooms)
	b.runners = append(b.runners, announcer)

	// The announcer reads room placements, so it observes before rooms
	// forgets a closed session.
	observers := []listen.Observer{announcer}

	var linker lastfm.Linker
	if cfg.LastFMEnabled() {
		store, err := credentialStore(cfg)
		if err != nil {
			return nil, err
		}
		client := scrobble.NewLastFM(cfg.LastFMAPIKey, cfg.LastFMAPISecret)
		b.scrobbler = scrobble.NewCoordinator(client, store, scrobble.Options{
			MinPlay:  cfg.MinScrobbleTime,
			Fraction: cfg.ScrobblePercentage,
		})
		observers = append(observers, b.scrobbler)
		linker = scrobble.NewLinker(client, store)
	} else {
		lg.Info("last.fm not configured, scrobbling disabled")
	}

	info := &botinfo.Info{Version: Version, LastFM: cfg.LastFMEnabled()}

	if redis.Client() != nil {
		info.Status = true
		statusStore := status.NewStoreFromDefault()
		b.runners = append(b.runners, statusStore)
		observers = append(observers, statusStore)
	}

	if database.GetDB() != nil {
		info.History = true
		history := database.NewHistoryRepository()
		b.runners = append(b.runners, history)
		observers = append(observers, history)
	}

	observers = append(observers, rooms)

	source := newSource(cfg)
	audio := playback.AudioSettings{
		SampleRate: cfg.AudioSampleRate,
		Channels:   cfg.AudioChannels,
		Bitrate:    cfg.AudioBitrate,
	}

	b.manager = listen.NewManager(listen.Config{
		Capacity:   cfg.MaxRoomParticipants,
		IDLength:   cfg.RoomIDLength,
		TempRoot:   cfg.TempDirRoot,
		TempPrefix: cfg.TempDirPrefix,
		Policy:     cfg.VoicePolicy(),
		NewPlayer: func() listen.Player {
			return playback.NewController(playback.Options{
				Encoders: playback.FFmpegStrategies(cfg.FFmpegPath, audio),
				Resolver: source,
			})
		},
		Observers: observers,
	})

	b.handlers = &commands.Handlers{
		Room: &room.Service{
			Manager:    b.manager,
			Source:     source,
			Rooms:      rooms,
			SessionFor: b.sessionFor,
		},
		LastFM: &lastfm.Service{Linker: linker},
		Info:   info,
		Rooms:  b.manager.Count,
	}
	info.Rooms = b.manager.Count

	return b, nil
}

func openShards(cfg *config.Config, lg *log.Logger) ([]*discordgo.Session, error) {
	shardCount := cfg.ShardCount
	if shardCount < 1 {
		s, err := discordgo.New("Bot " + cfg.DiscordToken)
		if err != nil {
			return nil, err
		}

		if gw, err := s.GatewayBot(); err == nil && gw.Shards > 0 {
			shardCount = gw.Shards
		} else {
			lg.Warn("failed to auto-detect shard count, defaulting to 1", "err", err)
			shardCount = 1
		}
	}

	if shardCount < 1 {
		shardCount = 1
	}

	sessions := make([]*discordgo.Session, 0, shardCount)
	for shard := 0; shard < shardCount; shard++ {
		s, err := discordgo.New("Bot " + cfg.DiscordToken)
		if err != nil {
			return nil, err
		}

		s.Identify.Intents = discordgo.IntentsGuilds |
			discordgo.IntentsGuildVoiceStates |
			discordgo.IntentsGuildMessages |
			discordgo.IntentsMessageContent

		if shardCount > 1 {
			s.Identify.Shard = &[2]int{shard, shardCount}
			s.ShardCount = shardCount
		}

		sessions = append(sessions, s)
	}
	return sessions, nil
}

// credentialStore picks where linked Last.fm accounts live. Postgres is
// used only when asked for and reachable.
func credentialStore(cfg *config.Config) (scrobble.Store, error) {
	if cfg.ScrobbleStore == config.ScrobbleStorePostgres {
		if database.GetDB() != nil {
			return database.NewCredentialRepository(), nil
		}
		logger.WithComponent("bot").Warn("postgres credential store requested but database is unavailable, using file store", "path", cfg.ScrobbleStorePath)
	}

	store, err := scrobble.NewFileStore(cfg.ScrobbleStorePath)
	if err != nil {
		return nil, fmt.Errorf("open scrobble store: %w", err)
	}
	return store, nil
}

func newSource(cfg *config.Config) *music.Router {
	prober := music.NewFFprobe(cfg.FFprobePath)

	remote := music.NewYTDLPSource(cfg.TempDirRoot, prober)
	remote.Binary = cfg.YTDLPPath

	router := &music.Router{
		Local:       music.NewLocalSource(cfg.MusicFolder, prober),
		Remote:      remote,
		StageRemote: cfg.StageRemote,
	}
	if cfg.SpotifyEnabled() {
		router.Spotify = music.NewSpotifySource(cfg.SpotifyClientID, cfg.SpotifyClientSecret)
	}
	return router
}

// sessionFor returns the shard serving guildID.
func (b *Bot) sessionFor(guildID string) *discordgo.Session {
	return b.sessions[ShardFor(guildID, len(b.sessions))]
}

// ShardFor applies Discord's sharding formula, (guild_id >> 22) % shards.
func ShardFor(guildID string, shards int) int {
	if shards <= 1 {
		return 0
	}
	id, err := strconv.ParseUint(guildID, 10, 64)
	if err != nil {
		return 0
	}
	return int((id >> 22) % uint64(shards))
}

func (b *Bot) Start() error {
	if b.started {
		return nil
	}

	if len(b.sessions) == 0 {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	for _, r := range b.runners {
		b.workers.Add(1)
		go func(r runner) {
			defer b.workers.Done()
			r.Run(ctx)
		}(r)
	}

	for _, s := range b.sessions {
		b.registerHandlers(s)
		commands.AddHandlers(s, b.handlers)
	}

	if _, err := commands.RegisterCommands(b.sessions[0], b.config.ApplicationID, b.config.GuildID); err != nil {
		b.logger.Warn("failed to register slash commands", "err", err)
	}

	for _, s := range b.sessions {
		if err := s.Open(); err != nil {
			return err
		}
	}

	b.startPresenceUpdater()
	b.started = true
	b.logger.Info("bot session opened", "shards", len(b.sessions))
	return nil
}

func (b *Bot) registerHandlers(s *discordgo.Session) {
	s.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		if s.State != nil && s.State.User != nil {
			b.logger.Info("bot ready", "user", s.State.User.Username, "shard", s.ShardID)
		} else {
			b.logger.Info("bot ready", "shard", s.ShardID)
		}
		b.updatePresence()
	})
}

// Stop tears down every listening room before the gateways close, so
// voice channels are deleted while the bot can still reach Discord.
func (b *Bot) Stop() error {
	if !b.started {
		return nil
	}

	b.started = false
	b.stopPresenceUpdater()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	b.manager.CleanupAll(ctx)
	if b.scrobbler != nil {
		if err := b.scrobbler.Close(ctx); err != nil {
			b.logger.Warn("pending scrobbles abandoned", "err", err)
		}
	}

	if b.cancel != nil {
		b.cancel()
	}
	b.workers.Wait()

	for _, s := range b.sessions {
		if err := s.Close(); err != nil {
			return err
		}
	}

	if err := database.Close(); err != nil {
		b.logger.Warn("failed to close database", "err", err)
	}

	if err := redis.Close(); err != nil {
		b.logger.Warn("failed to close redis", "err", err)
	}

	b.logger.Info("bot session closed", "shards", len(b.sessions))
	return nil
}
