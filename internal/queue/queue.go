// Package queue is a durable at-least-once job queue with per-group FIFO
// ordering: jobs sharing a group key are delivered strictly in enqueue order,
// one in flight at a time, while distinct groups proceed in parallel.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Job is one unit of work handed from the dispatcher to a worker. Ownership
// transfers to the queue at Enqueue; a worker owns it between Receive and
// Ack/Nack.
type Job struct {
	ID       string `json:"id"`
	GroupKey string `json:"group_key"`

	ChatID    int64 `json:"chat_id"`
	ThreadID  int   `json:"thread_id,omitempty"`
	MessageID int   `json:"message_id"`

	// Text is the effective prompt. It may differ from the original message
	// text when a handler sub-flow redirects processing (e.g. /newchat).
	Text string `json:"text"`

	// RawUpdate preserves the original webhook payload.
	RawUpdate json.RawMessage `json:"raw_update,omitempty"`

	MessageTime time.Time `json:"message_time,omitzero"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// GroupKey builds the ordering key for a conversation and optional
// sub-conversation: "chat_id" or "chat_id:thread_id".
func GroupKey(chatID int64, threadID int) string {
	if threadID > 0 {
		return fmt.Sprintf("%d:%d", chatID, threadID)
	}
	return fmt.Sprintf("%d", chatID)
}

// Delivery is a received job plus its lease receipt and delivery count.
type Delivery struct {
	Job      Job
	Receipt  string
	Attempts int
}

// Queue is the producer/consumer contract. Receive returns (nil, nil) when no
// job is currently deliverable; the consumer polls.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Receive(ctx context.Context) (*Delivery, error)
	// Ack removes a delivered job permanently.
	Ack(ctx context.Context, receipt string) error
	// Nack releases the lease so the job is redelivered after the retry delay.
	Nack(ctx context.Context, receipt string) error
}
