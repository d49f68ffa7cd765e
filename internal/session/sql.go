package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/omnirelay/internal/storage"
)

// SQLStore keeps the conversation-to-token map in the shared database.
type SQLStore struct {
	db      *sql.DB
	dialect storage.Dialect
}

func NewSQLStore(db *sql.DB, dialect storage.Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

func (s *SQLStore) ResumeToken(ctx context.Context, key string) (string, error) {
	var token string
	err := s.db.QueryRowContext(ctx, storage.Rebind(s.dialect,
		`SELECT resume_token FROM sessions WHERE conversation_key = ?`), key).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load resume token: %w", err)
	}
	return token, nil
}

func (s *SQLStore) SaveResumeToken(ctx context.Context, key, token string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, storage.Rebind(s.dialect,
		`INSERT INTO sessions (conversation_key, resume_token, created_at, last_activity)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (conversation_key) DO UPDATE SET
		     resume_token = excluded.resume_token,
		     last_activity = excluded.last_activity`),
		key, token, now, now)
	if err != nil {
		return fmt.Errorf("save resume token: %w", err)
	}
	return nil
}

func (s *SQLStore) Touch(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, storage.Rebind(s.dialect,
		`UPDATE sessions SET last_activity = ? WHERE conversation_key = ?`),
		time.Now().UTC(), key)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}
