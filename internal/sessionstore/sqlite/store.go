package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aussiebroadwan/tabconsole/pkg/session"
	_ "modernc.org/sqlite"
)

const (
	keyAccessToken  = "access_token"
	keyRefreshToken = "refresh_token"
	keyProfile      = "profile"
)

// Store persists the console session in a small key/value table so a
// restarted process can pick up where it left off. It implements
// session.Persister.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ session.Persister = (*Store)(nil)

func NewStore(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	// One writer at a time is all we ever need, and it keeps sqlite from
	// handing out SQLITE_BUSY
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(context.Background(), `PRAGMA busy_timeout = 5000;`); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database connection is still alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx executes fn within a transaction, automatically handling commit/rollback.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		_ = tx.Rollback() // safe to call even after commit
	}()

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit()
}

// Save writes all three keys in one transaction so a crash never leaves a
// new access token next to an old refresh token.
func (s *Store) Save(ctx context.Context, snap session.Snapshot) error {
	if snap.Profile == nil {
		return fmt.Errorf("save: %w: missing profile", session.ErrNoSession)
	}
	profile, err := json.Marshal(snap.Profile)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}

	now := s.now().UTC()
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, kv := range [][2]string{
			{keyAccessToken, snap.AccessToken},
			{keyRefreshToken, snap.RefreshToken},
			{keyProfile, string(profile)},
		} {
			if _, err := tx.ExecContext(ctx, upsertSQL, kv[0], kv[1], now); err != nil {
				return fmt.Errorf("save %s: %w", kv[0], err)
			}
		}
		return nil
	})
}

// Load returns session.ErrNoSession unless all three keys are present and the
// profile decodes. A half-written session is no session.
func (s *Store) Load(ctx context.Context) (session.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM session_kv`)
	if err != nil {
		return session.Snapshot{}, err
	}
	defer rows.Close()

	values := make(map[string]string, 3)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return session.Snapshot{}, err
		}
		values[k] = v
	}
	if err := rows.Err(); err != nil {
		return session.Snapshot{}, err
	}

	snap := session.Snapshot{
		AccessToken:  values[keyAccessToken],
		RefreshToken: values[keyRefreshToken],
	}
	if snap.AccessToken == "" || snap.RefreshToken == "" {
		return session.Snapshot{}, session.ErrNoSession
	}

	raw, ok := values[keyProfile]
	if !ok {
		return session.Snapshot{}, session.ErrNoSession
	}
	var profile session.Profile
	if err := json.Unmarshal([]byte(raw), &profile); err != nil {
		return session.Snapshot{}, fmt.Errorf("%w: unreadable profile: %w", session.ErrNoSession, err)
	}
	snap.Profile = &profile
	return snap, nil
}

// Delete removes the persisted session. Deleting nothing is not an error.
func (s *Store) Delete(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM session_kv WHERE key IN (?, ?, ?)`,
		keyAccessToken, keyRefreshToken, keyProfile)
	return err
}

const upsertSQL = `
INSERT INTO session_kv (key, value, updated_at) VALUES (?, ?, ?)
ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
