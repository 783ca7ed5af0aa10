package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/charmbracelet/log"

	"github.com/hxnx/tuneroom/internal/listen"
	"github.com/hxnx/tuneroom/internal/logger"
)

const (
	historyRepoTimeout = 3 * time.Second
	historyQueueSize   = 256
)

// HistoryRepository records sessions and finished tracks. It observes
// session events and writes them from its own goroutine; events that do
// not fit in the queue are dropped.
type HistoryRepository struct {
	db     *sql.DB
	queue  chan listen.Event
	logger *log.Logger
}

func NewHistoryRepository() *HistoryRepository {
	return &HistoryRepository{
		db:     GetDB(),
		queue:  make(chan listen.Event, historyQueueSize),
		logger: logger.WithComponent("history"),
	}
}

func (r *HistoryRepository) Observe(e listen.Event) {
	switch e.Kind {
	case listen.EventSessionCreated, listen.EventParticipantJoined,
		listen.EventTrackFinished, listen.EventSessionClosed:
	default:
		return
	}

	select {
	case r.queue <- e:
	default:
		r.logger.Warn("history queue full, dropping event", "kind", e.Kind, "session", e.SessionID)
	}
}

// Run writes queued events until ctx is done, then drains what is left.
func (r *HistoryRepository) Run(ctx context.Context) {
	for {
		select {
		case e := <-r.queue:
			r.record(ctx, e)
		case <-ctx.Done():
			for {
				select {
				case e := <-r.queue:
					r.record(context.WithoutCancel(ctx), e)
				default:
					return
				}
			}
		}
	}
}

func (r *HistoryRepository) record(ctx context.Context, e listen.Event) {
	if r.db == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, historyRepoTimeout)
	defer cancel()

	var err error
	switch e.Kind {
	case listen.EventSessionCreated:
		err = r.insertSession(ctx, e)
	case listen.EventParticipantJoined:
		err = r.updatePeak(ctx, e)
	case listen.EventTrackFinished:
		err = r.insertPlay(ctx, e)
	case listen.EventSessionClosed:
		err = r.closeSession(ctx, e)
	}
	if err != nil {
		r.logger.Error("failed to record session history", "kind", e.Kind, "session", e.SessionID, "err", err)
	}
}

func (r *HistoryRepository) insertSession(ctx context.Context, e listen.Event) error {
	host := ""
	if len(e.Participants) > 0 {
		host = e.Participants[0].ID
	}

	const query = `
		INSERT INTO listening_sessions (session_id, host_id, peak_participants, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id) DO NOTHING;
	`

	_, err := r.db.ExecContext(ctx, query, e.SessionID, host, len(e.Participants), e.At)
	return err
}

func (r *HistoryRepository) updatePeak(ctx context.Context, e listen.Event) error {
	const query = `
		UPDATE listening_sessions
		SET peak_participants = GREATEST(peak_participants, $2)
		WHERE session_id = $1
	`

	_, err := r.db.ExecContext(ctx, query, e.SessionID, len(e.Participants))
	return err
}

func (r *HistoryRepository) insertPlay(ctx context.Context, e listen.Event) error {
	const query = `
		INSERT INTO listening_plays (session_id, track_index, artist, title, played_ms, listeners, finished_at)
		SELECT $1, $2, $3, $4, $5, $6, $7
		WHERE EXISTS (SELECT 1 FROM listening_sessions WHERE session_id = $1);
	`

	_, err := r.db.ExecContext(ctx, query,
		e.SessionID, e.Index, e.Track.Artist, e.Track.Title,
		e.Played.Milliseconds(), len(e.Participants), e.At,
	)
	return err
}

func (r *HistoryRepository) closeSession(ctx context.Context, e listen.Event) error {
	const query = `
		UPDATE listening_sessions
		SET closed_at = $2,
			track_count = (SELECT COUNT(*) FROM listening_plays WHERE session_id = $1)
		WHERE session_id = $1
	`

	_, err := r.db.ExecContext(ctx, query, e.SessionID, e.At)
	return err
}
