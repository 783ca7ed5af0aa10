package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		DiscordToken:        "token",
		ApplicationID:       "app",
		MaxRoomParticipants: 5,
		RoomIDLength:        8,
		VoiceRetryAttempts:  8,
		VoiceConnectTimeout: 45 * time.Second,
		VoiceBaseDelay:      2 * time.Second,
		VoiceMaxDelay:       32 * time.Second,
		ScrobblePercentage:  0.5,
		ScrobbleStore:       ScrobbleStoreFile,
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{name: "missing token", mutate: func(c *Config) { c.DiscordToken = "" }, wantErr: true},
		{name: "missing application id", mutate: func(c *Config) { c.ApplicationID = "" }, wantErr: true},
		{name: "zero capacity", mutate: func(c *Config) { c.MaxRoomParticipants = 0 }, wantErr: true},
		{name: "short room id", mutate: func(c *Config) { c.RoomIDLength = 2 }, wantErr: true},
		{name: "no attempts", mutate: func(c *Config) { c.VoiceRetryAttempts = 0 }, wantErr: true},
		{name: "max below base", mutate: func(c *Config) { c.VoiceMaxDelay = time.Second }, wantErr: true},
		{name: "percentage above one", mutate: func(c *Config) { c.ScrobblePercentage = 1.5 }, wantErr: true},
		{name: "postgres store", mutate: func(c *Config) { c.ScrobbleStore = ScrobbleStorePostgres }},
		{name: "unknown store", mutate: func(c *Config) { c.ScrobbleStore = "sqlite" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		t.Setenv("DISCORD_TOKEN", "token")
		t.Setenv("DISCORD_APPLICATION_ID", "app")

		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}

		if cfg.MaxRoomParticipants != 5 {
			t.Errorf("expected capacity 5, got %d", cfg.MaxRoomParticipants)
		}
		if cfg.VoiceConnectTimeout != 45*time.Second {
			t.Errorf("expected connect timeout 45s, got %s", cfg.VoiceConnectTimeout)
		}
		if cfg.MinScrobbleTime != 30*time.Second {
			t.Errorf("expected min scrobble time 30s, got %s", cfg.MinScrobbleTime)
		}
		if cfg.TempDirPrefix != "listening_room_" {
			t.Errorf("expected temp prefix listening_room_, got %s", cfg.TempDirPrefix)
		}

		p := cfg.VoicePolicy()
		if p.MaxAttempts != 8 || p.BaseDelay != 2*time.Second || p.MaxDelay != 32*time.Second {
			t.Errorf("unexpected voice policy: %+v", p)
		}
		if p.RecreateAfter != 6 {
			t.Errorf("expected recreate threshold 6, got %d", p.RecreateAfter)
		}
	})

	t.Run("env file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "test.env")
		content := "DISCORD_TOKEN=file-token\nDISCORD_APPLICATION_ID=file-app\nVOICE_BASE_DELAY=0.5\nVOICE_MAX_DELAY=4\n"
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("failed to write env file: %v", err)
		}

		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		t.Cleanup(func() {
			os.Unsetenv("DISCORD_TOKEN")
			os.Unsetenv("DISCORD_APPLICATION_ID")
			os.Unsetenv("VOICE_BASE_DELAY")
			os.Unsetenv("VOICE_MAX_DELAY")
		})

		if cfg.DiscordToken != "file-token" {
			t.Errorf("expected token from env file, got %q", cfg.DiscordToken)
		}
		if cfg.VoiceBaseDelay != 500*time.Millisecond {
			t.Errorf("expected base delay 500ms, got %s", cfg.VoiceBaseDelay)
		}
	})

	t.Run("missing env file", func(t *testing.T) {
		if _, err := Load(filepath.Join(t.TempDir(), "nope.env")); err == nil {
			t.Error("expected error for missing env file")
		}
	})
}

func TestReadSkipsValidation(t *testing.T) {
	t.Setenv("DISCORD_TOKEN", "")
	t.Setenv("REDIS_HOST", "localhost")
	t.Setenv("REDIS_PORT", "")

	cfg, err := Read("")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !cfg.RedisEnabled() {
		t.Error("expected redis to be enabled")
	}
	if cfg.RedisPort != 6379 {
		t.Errorf("expected default redis port 6379, got %d", cfg.RedisPort)
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected Validate() to reject a config without a token")
	}
}
