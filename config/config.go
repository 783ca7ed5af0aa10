package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hxnx/tuneroom/internal/voice"
	"github.com/joho/godotenv"
)

const (
	ScrobbleStoreFile     = "file"
	ScrobbleStorePostgres = "postgres"
)

type Config struct {
	DiscordToken  string
	ApplicationID string

	GuildID string

	ShardCount int

	LogLevel  string
	LogFormat string

	MaxRoomParticipants int
	RoomIDLength        int
	ListenCategoryID    string

	VoiceConnectTimeout time.Duration
	VoiceRetryAttempts  int
	VoiceBaseDelay      time.Duration
	VoiceMaxDelay       time.Duration
	VoiceStabilizeDelay time.Duration
	VoiceConnectJitter  time.Duration
	VoiceRecreateAfter  int
	AudioBitrate        int
	AudioSampleRate     int
	AudioChannels       int
	FFmpegPath          string
	FFprobePath         string
	YTDLPPath           string
	MusicFolder         string
	TempDirPrefix       string
	TempDirRoot         string
	StageRemote         bool
	MinScrobbleTime     time.Duration
	ScrobblePercentage  float64
	ScrobbleStore       string
	ScrobbleStorePath   string
	LastFMAPIKey        string
	LastFMAPISecret     string
	SpotifyClientID     string
	SpotifyClientSecret string

	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int
}

// Load reads an optional dotenv file and then the process environment.
// An empty envFile means ".env" in the working directory.
func Load(envFile string) (*Config, error) {
	cfg, err := Read(envFile)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Read is Load without validation, for tools that only need part of the
// configuration.
func Read(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	} else {
		_ = godotenv.Load()
	}

	cfg := &Config{
		DiscordToken:  os.Getenv("DISCORD_TOKEN"),
		ApplicationID: os.Getenv("DISCORD_APPLICATION_ID"),

		GuildID: os.Getenv("DISCORD_GUILD_ID"),

		ShardCount: getEnvAsIntWithDefault("SHARD_COUNT", 0),

		LogLevel:  getEnvWithDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvWithDefault("LOG_FORMAT", "text"),

		MaxRoomParticipants: getEnvAsIntWithDefault("MAX_ROOM_PARTICIPANTS", 5),
		RoomIDLength:        getEnvAsIntWithDefault("ROOM_ID_LENGTH", 8),
		ListenCategoryID:    os.Getenv("LISTEN_CATEGORY_ID"),

		VoiceConnectTimeout: getEnvAsSecondsWithDefault("VOICE_CONNECT_TIMEOUT", 45),
		VoiceRetryAttempts:  getEnvAsIntWithDefault("VOICE_RETRY_ATTEMPTS", 8),
		VoiceBaseDelay:      getEnvAsSecondsWithDefault("VOICE_BASE_DELAY", 2),
		VoiceMaxDelay:       getEnvAsSecondsWithDefault("VOICE_MAX_DELAY", 32),
		VoiceStabilizeDelay: getEnvAsSecondsWithDefault("VOICE_STABILIZE_DELAY", 2),
		VoiceConnectJitter:  getEnvAsSecondsWithDefault("VOICE_CONNECT_JITTER", 1.5),
		VoiceRecreateAfter:  getEnvAsIntWithDefault("VOICE_RECREATE_AFTER", 6),

		AudioBitrate:    getEnvAsIntWithDefault("AUDIO_BITRATE_BPS", 96000),
		AudioSampleRate: getEnvAsIntWithDefault("AUDIO_SAMPLE_RATE", 48000),
		AudioChannels:   getEnvAsIntWithDefault("AUDIO_CHANNELS", 2),
		FFmpegPath:      getEnvWithDefault("FFMPEG_PATH", "ffmpeg"),
		FFprobePath:     getEnvWithDefault("FFPROBE_PATH", "ffprobe"),
		YTDLPPath:       getEnvWithDefault("YTDLP_PATH", "yt-dlp"),
		MusicFolder:     getEnvWithDefault("MUSIC_FOLDER", "/music"),
		TempDirPrefix:   getEnvWithDefault("TEMP_DIR_PREFIX", "listening_room_"),
		TempDirRoot:     os.Getenv("TEMP_DIR_ROOT"),
		StageRemote:     getEnvAsBool("STAGE_REMOTE"),

		MinScrobbleTime:    getEnvAsSecondsWithDefault("MIN_SCROBBLE_TIME", 30),
		ScrobblePercentage: getEnvAsFloatWithDefault("SCROBBLE_PERCENTAGE", 0.5),
		ScrobbleStore:      strings.ToLower(getEnvWithDefault("SCROBBLE_STORE", ScrobbleStoreFile)),
		ScrobbleStorePath:  getEnvWithDefault("SCROBBLE_STORE_PATH", "data/lastfm_sessions.json"),
		LastFMAPIKey:       os.Getenv("LASTFM_API_KEY"),
		LastFMAPISecret:    os.Getenv("LASTFM_API_SECRET"),

		SpotifyClientID:     os.Getenv("SPOTIFY_CLIENT_ID"),
		SpotifyClientSecret: os.Getenv("SPOTIFY_CLIENT_SECRET"),

		DBHost:     os.Getenv("DB_HOST"),
		DBPort:     getEnvAsInt("DB_PORT"),
		DBUser:     os.Getenv("DB_USER"),
		DBPassword: os.Getenv("DB_PASSWORD"),
		DBName:     os.Getenv("DB_NAME"),
		DBSSLMode:  getEnvWithDefault("DB_SSLMODE", "disable"),

		RedisHost:     os.Getenv("REDIS_HOST"),
		RedisPort:     getEnvAsIntWithDefault("REDIS_PORT", 6379),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getEnvAsIntWithDefault("REDIS_DB", 0),
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.DiscordToken == "" {
		return errors.New("DISCORD_TOKEN is required")
	}

	if c.ApplicationID == "" {
		return errors.New("DISCORD_APPLICATION_ID is required")
	}

	if c.MaxRoomParticipants < 1 {
		return errors.New("MAX_ROOM_PARTICIPANTS must be at least 1")
	}

	if c.RoomIDLength < 4 || c.RoomIDLength > 32 {
		return errors.New("ROOM_ID_LENGTH must be between 4 and 32")
	}

	if c.VoiceRetryAttempts < 1 {
		return errors.New("VOICE_RETRY_ATTEMPTS must be at least 1")
	}

	if c.VoiceConnectTimeout <= 0 {
		return errors.New("VOICE_CONNECT_TIMEOUT must be positive")
	}

	if c.VoiceMaxDelay < c.VoiceBaseDelay {
		return errors.New("VOICE_MAX_DELAY must not be smaller than VOICE_BASE_DELAY")
	}

	if c.ScrobblePercentage <= 0 || c.ScrobblePercentage > 1 {
		return errors.New("SCROBBLE_PERCENTAGE must be in (0, 1]")
	}

	switch c.ScrobbleStore {
	case ScrobbleStoreFile, ScrobbleStorePostgres:
	default:
		return fmt.Errorf("SCROBBLE_STORE must be %q or %q", ScrobbleStoreFile, ScrobbleStorePostgres)
	}

	return nil
}

func (c *Config) IsDevelopment() bool {
	return c.GuildID != ""
}

func (c *Config) LastFMEnabled() bool {
	return c.LastFMAPIKey != "" && c.LastFMAPISecret != ""
}

func (c *Config) SpotifyEnabled() bool {
	return c.SpotifyClientID != "" && c.SpotifyClientSecret != ""
}

func (c *Config) DatabaseEnabled() bool {
	return c.DBHost != ""
}

func (c *Config) RedisEnabled() bool {
	return c.RedisHost != ""
}

// VoicePolicy builds the transport retry policy from the VOICE_* settings.
func (c *Config) VoicePolicy() voice.Policy {
	p := voice.DefaultPolicy()
	p.MaxAttempts = c.VoiceRetryAttempts
	p.Timeout = c.VoiceConnectTimeout
	p.BaseDelay = c.VoiceBaseDelay
	p.MaxDelay = c.VoiceMaxDelay
	p.Stabilize = c.VoiceStabilizeDelay
	p.Jitter = c.VoiceConnectJitter
	p.RecreateAfter = c.VoiceRecreateAfter
	return p
}

func getEnvAsInt(key string) int {
	return getEnvAsIntWithDefault(key, 0)
}

func getEnvAsIntWithDefault(key string, defaultValue int) int {
	if value, ok := os.LookupEnv(key); ok {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloatWithDefault(key string, defaultValue float64) float64 {
	if value, ok := os.LookupEnv(key); ok {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvAsSecondsWithDefault(key string, defaultSeconds float64) time.Duration {
	seconds := getEnvAsFloatWithDefault(key, defaultSeconds)
	return time.Duration(seconds * float64(time.Second))
}

func getEnvAsBool(key string) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return false
}

func getEnvWithDefault(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}
