// Package ledger persists the control plane's durable state in sqlite:
// the operator credential, chat history, and runtime settings.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNoCredential = errors.New("no credential configured")

// ErrCredentialExists is returned when a second bootstrap is attempted;
// the credential is set exactly once, by the first successful login.
var ErrCredentialExists = errors.New("credential already configured")

type Store struct {
	db *sql.DB
}

// CredentialRecord is the single operator credential: a password hash and
// the token-signing secret, both created together at first login.
type CredentialRecord struct {
	PasswordHash  string
	SigningSecret string
	CreatedAt     time.Time
}

type ChatMessageRecord struct {
	ID        string
	Role      string
	Body      string
	CreatedAt time.Time
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Init(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS credential (
  id INTEGER PRIMARY KEY CHECK (id = 1),
  password_hash TEXT NOT NULL,
  signing_secret TEXT NOT NULL,
  created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS chat_messages (
  message_id TEXT PRIMARY KEY,
  role TEXT NOT NULL,
  body TEXT NOT NULL,
  created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chat_messages_created ON chat_messages(created_at);
CREATE TABLE IF NOT EXISTS settings (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL,
  updated_at TEXT NOT NULL
);
`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// GetCredential returns the stored operator credential, or ErrNoCredential
// before first-login bootstrap.
func (s *Store) GetCredential(ctx context.Context) (CredentialRecord, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT password_hash, signing_secret, created_at FROM credential WHERE id = 1`,
	)
	var rec CredentialRecord
	var createdAt string
	if err := row.Scan(&rec.PasswordHash, &rec.SigningSecret, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CredentialRecord{}, ErrNoCredential
		}
		return CredentialRecord{}, err
	}
	rec.CreatedAt = parseTime(createdAt)
	return rec, nil
}

// SetCredential stores the credential created by the first login. A second
// call fails with ErrCredentialExists; changing the password goes through
// an explicit reset, not a re-bootstrap.
func (s *Store) SetCredential(ctx context.Context, rec CredentialRecord) error {
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO credential(id, password_hash, signing_secret, created_at)
		 VALUES (1, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		rec.PasswordHash,
		rec.SigningSecret,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected != 1 {
		return ErrCredentialExists
	}
	return nil
}

func (s *Store) AppendChatMessage(ctx context.Context, rec ChatMessageRecord) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO chat_messages(message_id, role, body, created_at) VALUES (?, ?, ?, ?)`,
		rec.ID,
		rec.Role,
		rec.Body,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// ListChatMessages returns up to limit most recent messages, oldest first.
func (s *Store) ListChatMessages(ctx context.Context, limit int) ([]ChatMessageRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT message_id, role, body, created_at FROM
		   (SELECT * FROM chat_messages ORDER BY created_at DESC, message_id DESC LIMIT ?)
		 ORDER BY created_at ASC, message_id ASC`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChatMessageRecord
	for rows.Next() {
		var rec ChatMessageRecord
		var createdAt string
		if err := rows.Scan(&rec.ID, &rec.Role, &rec.Body, &createdAt); err != nil {
			return nil, err
		}
		rec.CreatedAt = parseTime(createdAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) GetSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (s *Store) PutSettings(ctx context.Context, values map[string]string, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stamp := now.UTC().Format(time.RFC3339Nano)
	for k, v := range values {
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO settings(key, value, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			k, v, stamp,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
