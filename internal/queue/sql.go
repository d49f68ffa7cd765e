package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/omnirelay/internal/storage"
)

// SQLQueue implements Queue on the shared relational store (SQLite by
// default, Postgres in managed mode). Group FIFO comes from claiming only the
// head job of each group: a leased head blocks its group, so same-group jobs
// are serialized while other groups stay deliverable.
type SQLQueue struct {
	db         *sql.DB
	dialect    storage.Dialect
	visibility time.Duration
	retryDelay time.Duration
}

// NewSQLQueue creates a queue over db. visibility is the delivery lease;
// retryDelay postpones redelivery of a released job.
func NewSQLQueue(db *sql.DB, dialect storage.Dialect, visibility, retryDelay time.Duration) *SQLQueue {
	if visibility <= 0 {
		visibility = 15 * time.Minute
	}
	if retryDelay < 0 {
		retryDelay = 0
	}
	return &SQLQueue{db: db, dialect: dialect, visibility: visibility, retryDelay: retryDelay}
}

func (q *SQLQueue) Enqueue(ctx context.Context, job Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.GroupKey == "" {
		job.GroupKey = GroupKey(job.ChatID, job.ThreadID)
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}

	// Queue-level uniqueness token: conversation/message identifiers plus a
	// fresh random suffix. Distinct from the application-level dedup gate.
	dedupToken := fmt.Sprintf("%s:%d:%s", job.GroupKey, job.MessageID, uuid.NewString()[:8])

	var messageTime any
	if !job.MessageTime.IsZero() {
		messageTime = job.MessageTime.UTC()
	}

	_, err := q.db.ExecContext(ctx, storage.Rebind(q.dialect,
		`INSERT INTO jobs (id, group_key, chat_id, thread_id, message_id, text,
		                   raw_update, dedup_token, message_time, enqueued_at, available_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		job.ID, job.GroupKey, job.ChatID, job.ThreadID, job.MessageID, job.Text,
		[]byte(job.RawUpdate), dedupToken, messageTime, job.EnqueuedAt, job.EnqueuedAt,
	)
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}

	slog.Debug("job enqueued", "job_id", job.ID, "group", job.GroupKey, "message_id", job.MessageID)
	return nil
}

// receiveQuery builds the head-of-group claim statement. On Postgres the
// inner select locks the candidate row with SKIP LOCKED so two concurrent
// receivers cannot lease the same job; SQLite serializes writers on its own
// and rejects FOR UPDATE.
func receiveQuery(dialect storage.Dialect) string {
	lock := ""
	if dialect == storage.DialectPostgres {
		lock = " FOR UPDATE OF j SKIP LOCKED"
	}
	return storage.Rebind(dialect,
		`UPDATE jobs SET lease_until = ?, receipt = ?, attempts = attempts + 1
		 WHERE seq = (
		     SELECT j.seq FROM jobs j
		     WHERE j.available_at <= ?
		       AND (j.lease_until IS NULL OR j.lease_until <= ?)
		       AND j.seq = (SELECT MIN(h.seq) FROM jobs h WHERE h.group_key = j.group_key)
		     ORDER BY j.seq
		     LIMIT 1`+lock+`
		 )
		 RETURNING id, group_key, chat_id, thread_id, message_id, text,
		           raw_update, message_time, enqueued_at, attempts`)
}

func (q *SQLQueue) Receive(ctx context.Context) (*Delivery, error) {
	now := time.Now().UTC()
	receipt := uuid.NewString()

	row := q.db.QueryRowContext(ctx, receiveQuery(q.dialect),
		now.Add(q.visibility), receipt, now, now,
	)

	var (
		d           Delivery
		rawUpdate   []byte
		messageTime sql.NullTime
	)
	err := row.Scan(&d.Job.ID, &d.Job.GroupKey, &d.Job.ChatID, &d.Job.ThreadID,
		&d.Job.MessageID, &d.Job.Text, &rawUpdate, &messageTime,
		&d.Job.EnqueuedAt, &d.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("receive job: %w", err)
	}

	d.Job.RawUpdate = rawUpdate
	if messageTime.Valid {
		d.Job.MessageTime = messageTime.Time
	}
	d.Receipt = receipt
	return &d, nil
}

func (q *SQLQueue) Ack(ctx context.Context, receipt string) error {
	_, err := q.db.ExecContext(ctx,
		storage.Rebind(q.dialect, `DELETE FROM jobs WHERE receipt = ?`), receipt)
	if err != nil {
		return fmt.Errorf("ack job: %w", err)
	}
	return nil
}

func (q *SQLQueue) Nack(ctx context.Context, receipt string) error {
	_, err := q.db.ExecContext(ctx, storage.Rebind(q.dialect,
		`UPDATE jobs SET lease_until = NULL, receipt = NULL, available_at = ?
		 WHERE receipt = ?`),
		time.Now().UTC().Add(q.retryDelay), receipt)
	if err != nil {
		return fmt.Errorf("nack job: %w", err)
	}
	return nil
}
