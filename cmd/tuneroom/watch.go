package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hxnx/tuneroom/config"
	"github.com/hxnx/tuneroom/internal/listen"
	"github.com/hxnx/tuneroom/internal/redis"
	"github.com/hxnx/tuneroom/internal/status"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow listening room events published to redis",
	Long:  "Print the rooms currently known to redis, then stream room events as the bot publishes them. Only the REDIS_* settings are needed.",
	RunE:  runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := config.Read(envFile)
	if err != nil {
		return err
	}
	setupLogging(cfg)

	if !cfg.RedisEnabled() {
		return errors.New("REDIS_HOST is required")
	}
	if _, err := redis.Init(redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer redis.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := status.NewStoreFromDefault()
	out := cmd.OutOrStdout()

	ids, err := store.List(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		rec, ok, err := store.Get(ctx, id)
		if err != nil || !ok {
			continue
		}
		fmt.Fprintf(out, "%s\t%s\ttrack %d\t%d listening\t%s\n", rec.SessionID, rec.Status, rec.Index+1, rec.Participants, rec.TrackTitle)
	}

	events, err := store.Subscribe(ctx)
	if err != nil {
		return err
	}
	for e := range events {
		fmt.Fprintln(out, formatEvent(e))
	}
	return nil
}

func formatEvent(e listen.Event) string {
	line := fmt.Sprintf("%s\t%s\t%s", e.At.Format("15:04:05"), e.SessionID, e.Kind)
	switch e.Kind {
	case listen.EventTrackStarted, listen.EventTrackFinished, listen.EventTrackSkipped:
		line += fmt.Sprintf("\t%d. %s", e.Index+1, e.Track.DisplayName())
	case listen.EventParticipantJoined, listen.EventParticipantLeft, listen.EventHostChanged:
		line += "\t" + e.Participant.DisplayName()
	case listen.EventStatusChanged:
		line += "\t" + e.Status.String()
	}
	return line
}
