package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	redislib "github.com/redis/go-redis/v9"

	"github.com/hxnx/tuneroom/internal/logger"
)

var (
	client *redislib.Client
	once   sync.Once
)

type Config struct {
	Host     string
	Port     int
	Password string
	DB       int

	// PingAttempts bounds the startup ping loop; the delay between
	// attempts starts at 200ms and doubles.
	PingAttempts int
}

func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func Init(cfg Config) (*redislib.Client, error) {
	var initErr error

	once.Do(func() {
		lg := logger.WithComponent("redis")
		client = redislib.NewClient(&redislib.Options{
			Addr:     cfg.Addr(),
			Password: cfg.Password,
			DB:       cfg.DB,
		})

		attempts := cfg.PingAttempts
		if attempts <= 0 {
			attempts = 5
		}
		backoff := 200 * time.Millisecond

		for attempt := 1; attempt <= attempts; attempt++ {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			err := client.Ping(ctx).Err()
			cancel()

			if err == nil {
				lg.Info("redis connected", "addr", cfg.Addr(), "attempt", attempt)
				initErr = nil
				return
			}

			initErr = err
			lg.Warn("redis ping failed", "addr", cfg.Addr(), "attempt", attempt, "err", err)
			if attempt < attempts {
				time.Sleep(backoff)
				backoff *= 2
			}
		}

		_ = client.Close()
		client = nil
	})

	if client == nil && initErr == nil {
		return nil, fmt.Errorf("redis client not initialized")
	}

	return client, initErr
}

func Client() *redislib.Client {
	return client
}

func Close() error {
	if client == nil {
		return nil
	}
	return client.Close()
}
