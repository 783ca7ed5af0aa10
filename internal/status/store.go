package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	redislib "github.com/redis/go-redis/v9"

	"github.com/hxnx/tuneroom/internal/listen"
	"github.com/hxnx/tuneroom/internal/logger"
	internalredis "github.com/hxnx/tuneroom/internal/redis"
)

var ErrNoClient = errors.New("redis client is nil")

const (
	sessionKeyPrefix = "listen:session:"
	sessionIndexKey  = "listen:sessions"
	EventsChannel    = "listen:events"

	snapshotTTL  = 12 * time.Hour
	queueSize    = 256
	writeTimeout = 2 * time.Second
)

// Record is the per-session snapshot kept in a redis hash.
type Record struct {
	SessionID    string
	Status       listen.Status
	Index        int
	TrackTitle   string
	TrackArtist  string
	Participants int
	UpdatedAt    time.Time
}

// Store mirrors session state into redis and publishes every event on
// EventsChannel so other processes can follow rooms without access to
// the manager.
type Store struct {
	client *redislib.Client
	queue  chan listen.Event
	logger *log.Logger
}

func NewStore(client *redislib.Client) *Store {
	return &Store{
		client: client,
		queue:  make(chan listen.Event, queueSize),
		logger: logger.WithComponent("status"),
	}
}

func NewStoreFromDefault() *Store {
	return NewStore(internalredis.Client())
}

func (s *Store) Observe(e listen.Event) {
	select {
	case s.queue <- e:
	default:
		s.logger.Warn("status queue full, dropping event", "kind", e.Kind, "session", e.SessionID)
	}
}

// Run writes queued events until ctx is done.
func (s *Store) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-s.queue:
			if err := s.apply(ctx, e); err != nil {
				s.logger.Error("failed to update session status", "kind", e.Kind, "session", e.SessionID, "err", err)
			}
		}
	}
}

// updatesSnapshot reports whether an event describes the session's current
// state. A finish may arrive for a track that was already skipped past.
func updatesSnapshot(kind listen.EventKind) bool {
	return kind != listen.EventTrackFinished && kind != listen.EventSessionClosed
}

func (s *Store) apply(ctx context.Context, e listen.Event) error {
	if s.client == nil {
		return ErrNoClient
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}

	key := sessionKey(e.SessionID)
	pipe := s.client.TxPipeline()
	switch {
	case e.Kind == listen.EventSessionClosed:
		pipe.Del(ctx, key)
		pipe.SRem(ctx, sessionIndexKey, e.SessionID)
	case updatesSnapshot(e.Kind):
		pipe.HSet(ctx, key, recordFields(e))
		pipe.Expire(ctx, key, snapshotTTL)
		pipe.SAdd(ctx, sessionIndexKey, e.SessionID)
	}
	pipe.Publish(ctx, EventsChannel, payload)

	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) Get(ctx context.Context, sessionID string) (Record, bool, error) {
	if s.client == nil {
		return Record{}, false, ErrNoClient
	}

	data, err := s.client.HGetAll(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return Record{}, false, err
	}
	if len(data) == 0 {
		return Record{}, false, nil
	}

	rec, err := parseRecord(sessionID, data)
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// List returns the IDs of sessions with a live snapshot.
func (s *Store) List(ctx context.Context) ([]string, error) {
	if s.client == nil {
		return nil, ErrNoClient
	}
	return s.client.SMembers(ctx, sessionIndexKey).Result()
}

// Subscribe streams published events until ctx is done. Messages that do
// not decode are skipped.
func (s *Store) Subscribe(ctx context.Context) (<-chan listen.Event, error) {
	if s.client == nil {
		return nil, ErrNoClient
	}

	sub := s.client.Subscribe(ctx, EventsChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", EventsChannel, err)
	}

	out := make(chan listen.Event)
	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var e listen.Event
				if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
					s.logger.Debug("skipping malformed status event", "err", err)
					continue
				}
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func sessionKey(sessionID string) string {
	return sessionKeyPrefix + sessionID
}

func recordFields(e listen.Event) map[string]interface{} {
	return map[string]interface{}{
		"status":       e.Status.String(),
		"index":        strconv.Itoa(e.Index),
		"track_title":  e.Track.Title,
		"track_artist": e.Track.Artist,
		"participants": strconv.Itoa(len(e.Participants)),
		"updated_at":   e.At.UTC().Format(time.RFC3339Nano),
	}
}

func parseRecord(sessionID string, data map[string]string) (Record, error) {
	rec := Record{
		SessionID:   sessionID,
		TrackTitle:  data["track_title"],
		TrackArtist: data["track_artist"],
	}

	if err := rec.Status.UnmarshalText([]byte(data["status"])); err != nil {
		return Record{}, err
	}
	if v, ok := data["index"]; ok && v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			rec.Index = parsed
		}
	}
	if v, ok := data["participants"]; ok && v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			rec.Participants = parsed
		}
	}
	if v, ok := data["updated_at"]; ok && v != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, v); err == nil {
			rec.UpdatedAt = parsed
		}
	}
	return rec, nil
}
