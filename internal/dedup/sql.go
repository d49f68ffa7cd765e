package dedup

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/omnirelay/internal/storage"
)

// SQLGate stores claims in the shared database. First claim wins through an
// insert that is a no-op on conflict; the row count tells the caller whether
// it won.
type SQLGate struct {
	db        *sql.DB
	dialect   storage.Dialect
	retention time.Duration
}

func NewSQLGate(db *sql.DB, dialect storage.Dialect, retention time.Duration) *SQLGate {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &SQLGate{db: db, dialect: dialect, retention: retention}
}

func (g *SQLGate) Claim(ctx context.Context, chatID int64, messageID int) (bool, error) {
	now := time.Now().UTC()
	res, err := g.db.ExecContext(ctx, storage.Rebind(g.dialect,
		`INSERT INTO dedup_claims (message_key, claimed_at, expires_at, finalized)
		 VALUES (?, ?, ?, 0)
		 ON CONFLICT (message_key) DO NOTHING`),
		MessageKey(chatID, messageID), now, now.Add(g.retention))
	if err != nil {
		return false, fmt.Errorf("claim message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim message: %w", err)
	}
	return n == 1, nil
}

// Release drops a claim that never finalized, so a redelivery can claim it.
// Finalized claims stay put.
func (g *SQLGate) Release(ctx context.Context, chatID int64, messageID int) error {
	_, err := g.db.ExecContext(ctx, storage.Rebind(g.dialect,
		`DELETE FROM dedup_claims WHERE message_key = ? AND finalized = 0`),
		MessageKey(chatID, messageID))
	if err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	return nil
}

func (g *SQLGate) Finalize(ctx context.Context, chatID int64, messageID int) error {
	_, err := g.db.ExecContext(ctx, storage.Rebind(g.dialect,
		`UPDATE dedup_claims SET finalized = 1 WHERE message_key = ?`),
		MessageKey(chatID, messageID))
	if err != nil {
		return fmt.Errorf("finalize claim: %w", err)
	}
	return nil
}

func (g *SQLGate) Sweep(ctx context.Context) (int64, error) {
	res, err := g.db.ExecContext(ctx, storage.Rebind(g.dialect,
		`DELETE FROM dedup_claims WHERE expires_at <= ?`), time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("sweep claims: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep claims: %w", err)
	}
	return n, nil
}
