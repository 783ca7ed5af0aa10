package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/hxnx/tuneroom/config"
	"github.com/hxnx/tuneroom/internal/bot"
	"github.com/hxnx/tuneroom/internal/logger"
)

var (
	envFile   string
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "tuneroom",
	Short: "Discord listening rooms: play an album in sync for a small group",
	Long: `TuneRoom creates a dedicated voice channel per listening room and plays one
album in order for everyone in it. Participants join by room ID, control
playback together and can scrobble what they hear to Last.fm.

Configuration is read from the environment and an optional .env file.`,
	SilenceUsage: true,
	RunE:         runBot,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file to load (default ./.env if present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error); overrides LOG_LEVEL")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (text, json, logfmt); overrides LOG_FORMAT")
}

// setupLogging applies the flag overrides on top of cfg.
func setupLogging(cfg *config.Config) *log.Logger {
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.LogFormat = logFormat
	}
	logger.Setup(cfg.LogLevel, cfg.LogFormat)
	return logger.WithComponent("main")
}

func runBot(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w (DISCORD_TOKEN and DISCORD_APPLICATION_ID are required)", err)
	}

	lg := setupLogging(cfg)
	logSummary(lg, cfg)

	bot.Version = Version
	b, err := bot.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create bot: %w", err)
	}

	lg.Info("starting bot")
	if err := b.Start(); err != nil {
		return fmt.Errorf("failed to start bot: %w", err)
	}

	lg.Info("bot is running, press CTRL+C to exit")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh

	lg.Info("shutting down", "signal", sig)
	if err := b.Stop(); err != nil {
		return fmt.Errorf("failed to stop bot: %w", err)
	}
	return nil
}

func logSummary(lg *log.Logger, cfg *config.Config) {
	if cfg.IsDevelopment() {
		lg.Info("mode: development", "guild", cfg.GuildID)
	} else {
		lg.Info("mode: production (global commands)")
	}

	shards := "auto-detect"
	if cfg.ShardCount > 0 {
		shards = fmt.Sprint(cfg.ShardCount)
	}
	lg.Info("rooms",
		"capacity", cfg.MaxRoomParticipants,
		"id_length", cfg.RoomIDLength,
		"category", cfg.ListenCategoryID,
		"music_folder", cfg.MusicFolder,
		"shards", shards,
	)
	lg.Info("voice",
		"attempts", cfg.VoiceRetryAttempts,
		"timeout", cfg.VoiceConnectTimeout,
		"base_delay", cfg.VoiceBaseDelay,
		"max_delay", cfg.VoiceMaxDelay,
		"bitrate", cfg.AudioBitrate,
	)

	if cfg.DatabaseEnabled() {
		lg.Info("database", "host", fmt.Sprintf("%s:%d", cfg.DBHost, cfg.DBPort), "name", cfg.DBName, "user", cfg.DBUser, "sslmode", cfg.DBSSLMode)
	} else {
		lg.Info("database: not configured")
	}
	if cfg.RedisEnabled() {
		lg.Info("redis", "host", fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort), "db", cfg.RedisDB)
	} else {
		lg.Info("redis: not configured")
	}
	lg.Info("integrations", "lastfm", cfg.LastFMEnabled(), "scrobble_store", cfg.ScrobbleStore, "spotify", cfg.SpotifyEnabled())
}
