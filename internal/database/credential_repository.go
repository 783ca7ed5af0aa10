package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/hxnx/tuneroom/internal/scrobble"
)

const credentialRepoTimeout = 2 * time.Second

// CredentialRepository stores scrobble credentials in Postgres. It
// satisfies scrobble.Store.
type CredentialRepository struct {
	db *sql.DB
}

var _ scrobble.Store = (*CredentialRepository)(nil)

func NewCredentialRepository() *CredentialRepository {
	return &CredentialRepository{db: GetDB()}
}

func (r *CredentialRepository) Get(ctx context.Context, participantID string) (scrobble.Credential, bool, error) {
	if r == nil || r.db == nil {
		return scrobble.Credential{}, false, ErrNotInitialized
	}

	ctx, cancel := context.WithTimeout(ctx, credentialRepoTimeout)
	defer cancel()

	const query = `
		SELECT username, session_key, linked_at
		FROM scrobble_credentials
		WHERE participant_id = $1
	`

	var cred scrobble.Credential
	err := r.db.QueryRowContext(ctx, query, participantID).Scan(&cred.Username, &cred.SessionKey, &cred.LinkedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return scrobble.Credential{}, false, nil
		}
		return scrobble.Credential{}, false, err
	}
	return cred, true, nil
}

func (r *CredentialRepository) Set(ctx context.Context, participantID string, cred scrobble.Credential) error {
	if r == nil || r.db == nil {
		return ErrNotInitialized
	}
	if cred.LinkedAt.IsZero() {
		cred.LinkedAt = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(ctx, credentialRepoTimeout)
	defer cancel()

	const query = `
		INSERT INTO scrobble_credentials (participant_id, username, session_key, linked_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (participant_id)
		DO UPDATE SET
			username = EXCLUDED.username,
			session_key = EXCLUDED.session_key,
			linked_at = EXCLUDED.linked_at;
	`

	_, err := r.db.ExecContext(ctx, query, participantID, cred.Username, cred.SessionKey, cred.LinkedAt)
	return err
}

func (r *CredentialRepository) Delete(ctx context.Context, participantID string) error {
	if r == nil || r.db == nil {
		return ErrNotInitialized
	}

	ctx, cancel := context.WithTimeout(ctx, credentialRepoTimeout)
	defer cancel()

	const query = `
		DELETE FROM scrobble_credentials
		WHERE participant_id = $1
	`

	_, err := r.db.ExecContext(ctx, query, participantID)
	return err
}

func (r *CredentialRepository) All(ctx context.Context) (map[string]scrobble.Credential, error) {
	if r == nil || r.db == nil {
		return nil, ErrNotInitialized
	}

	ctx, cancel := context.WithTimeout(ctx, credentialRepoTimeout)
	defer cancel()

	const query = `
		SELECT participant_id, username, session_key, linked_at
		FROM scrobble_credentials
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]scrobble.Credential)
	for rows.Next() {
		var (
			id   string
			cred scrobble.Credential
		)
		if err := rows.Scan(&id, &cred.Username, &cred.SessionKey, &cred.LinkedAt); err != nil {
			return nil, err
		}
		out[id] = cred
	}
	return out, rows.Err()
}
