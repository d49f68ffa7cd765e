// Package worker is the consumer side of the relay: it drains the queue,
// gates duplicates, carries session continuity across calls to the agent
// gateway, and delivers the agent's answer back to the chat.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/omnirelay/internal/agentgw"
	"github.com/nextlevelbuilder/omnirelay/internal/dedup"
	"github.com/nextlevelbuilder/omnirelay/internal/markup"
	"github.com/nextlevelbuilder/omnirelay/internal/queue"
	"github.com/nextlevelbuilder/omnirelay/internal/session"
)

const (
	timeoutNotice = "Request timed out."
	// typingInterval refreshes the chat's typing indicator, which the
	// platform expires after about five seconds.
	typingInterval = 5 * time.Second
)

// Gateway is the agent backend call the worker makes. Satisfied by
// *agentgw.Client.
type Gateway interface {
	Query(ctx context.Context, req agentgw.QueryRequest) (*agentgw.QueryResult, error)
}

// Transport is the outbound bot surface the worker needs. Satisfied by
// *telegram.Sender.
type Transport interface {
	Reply(ctx context.Context, chatID int64, threadID, replyTo int, text string) error
	ReplyMarkdown(ctx context.Context, chatID int64, threadID, replyTo int, text, escaped string) error
	Typing(ctx context.Context, chatID int64, threadID int) error
}

// Options tunes the worker pool.
type Options struct {
	Workers      int
	PollInterval time.Duration
	Timeout      time.Duration
	MaxAttempts  int
	Workspace    string
}

// Worker runs the consumer pool.
type Worker struct {
	queue    queue.Queue
	gate     dedup.Gate
	sessions session.Store
	blobs    session.BlobStore
	gateway  Gateway
	sender   Transport
	opts     Options
}

func New(q queue.Queue, gate dedup.Gate, sessions session.Store, blobs session.BlobStore,
	gateway Gateway, sender Transport, opts Options) *Worker {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Minute
	}
	return &Worker{
		queue:    q,
		gate:     gate,
		sessions: sessions,
		blobs:    blobs,
		gateway:  gateway,
		sender:   sender,
		opts:     opts,
	}
}

// Run blocks until ctx is cancelled, polling the queue with opts.Workers
// goroutines. Group ordering is enforced by the queue, so workers compete
// freely across groups.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	wg.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		d, err := w.queue.Receive(ctx)
		if err != nil {
			slog.Error("queue receive failed", "error", err)
			w.sleep(ctx)
			continue
		}
		if d == nil {
			w.sleep(ctx)
			continue
		}
		w.process(ctx, d)
	}
}

func (w *Worker) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.opts.PollInterval):
	}
}

func (w *Worker) process(ctx context.Context, d *queue.Delivery) {
	tracer := otel.Tracer("omnirelay/worker")
	ctx, span := tracer.Start(ctx, "worker.process")
	span.SetAttributes(
		attribute.String("job.id", d.Job.ID),
		attribute.String("job.group", d.Job.GroupKey),
		attribute.Int("job.attempts", d.Attempts),
	)
	defer span.End()

	job := d.Job

	if w.opts.MaxAttempts > 0 && d.Attempts > w.opts.MaxAttempts {
		slog.Error("dropping job after repeated delivery failures",
			"job_id", job.ID, "attempts", d.Attempts)
		w.ack(ctx, d.Receipt)
		return
	}

	won, err := w.gate.Claim(ctx, job.ChatID, job.MessageID)
	if err != nil {
		// Claim-store failure: back off and let redelivery retry it.
		slog.Error("dedup claim failed", "job_id", job.ID, "error", err)
		w.nack(ctx, d.Receipt)
		return
	}
	if !won {
		slog.Info("skipping duplicate message",
			"chat_id", job.ChatID, "message_id", job.MessageID)
		w.ack(ctx, d.Receipt)
		return
	}

	stopTyping := w.startTyping(ctx, job.ChatID, job.ThreadID)

	key := session.ConversationKey(job.ChatID, job.ThreadID)
	token, err := w.sessions.ResumeToken(ctx, key)
	if err != nil {
		slog.Warn("failed to load resume token, starting fresh", "key", key, "error", err)
		token = ""
	}
	if token != "" && w.blobs != nil {
		if err := w.blobs.Download(ctx, token, w.opts.Workspace); err != nil {
			slog.Warn("failed to restore session snapshot", "token", token, "error", err)
		}
	}

	qctx, cancel := context.WithTimeout(ctx, w.opts.Timeout)
	result, err := w.gateway.Query(qctx, agentgw.QueryRequest{
		UserMessage: job.Text,
		ChatID:      job.ChatID,
		ThreadID:    job.ThreadID,
		SessionID:   token,
		MessageTime: job.MessageTime,
	})
	cancel()
	stopTyping()

	switch {
	case errors.Is(err, agentgw.ErrTimeout):
		slog.Warn("agent gateway timed out, releasing for retry",
			"job_id", job.ID, "attempts", d.Attempts)
		w.reply(ctx, job, 0, timeoutNotice)
		if rerr := w.gate.Release(ctx, job.ChatID, job.MessageID); rerr != nil {
			slog.Error("failed to release dedup claim", "job_id", job.ID, "error", rerr)
		}
		w.nack(ctx, d.Receipt)
		return

	case err != nil:
		// Terminal failure: the user hears about it once, no retry.
		slog.Error("agent gateway call failed", "job_id", job.ID, "error", err)
		w.reply(ctx, job, 0, "Error: "+truncateString(err.Error(), 200))
		w.finalize(ctx, job)
		w.ack(ctx, d.Receipt)
		return
	}

	w.persistSession(ctx, key, token, result)

	text := result.Response
	if result.IsError {
		msg := result.ErrorMessage
		if msg == "" {
			msg = "Unknown"
		}
		text = "Agent error: " + msg
	}
	if text == "" {
		text = "No response"
	}
	text = markup.Truncate(markup.Convert(text))

	replyTo := job.MessageID
	if originalThreadID(job.RawUpdate) != job.ThreadID {
		// The conversation was redirected to a fresh topic; the message being
		// replied to lives in the old one.
		replyTo = 0
	}
	if err := w.sender.ReplyMarkdown(ctx, job.ChatID, job.ThreadID, replyTo,
		text, markup.EscapeMarkdownV2(text)); err != nil {
		slog.Error("failed to deliver agent response", "job_id", job.ID, "error", err)
		if rerr := w.gate.Release(ctx, job.ChatID, job.MessageID); rerr != nil {
			slog.Error("failed to release dedup claim", "job_id", job.ID, "error", rerr)
		}
		w.nack(ctx, d.Receipt)
		return
	}

	w.finalize(ctx, job)
	w.ack(ctx, d.Receipt)
	slog.Info("delivered agent response",
		"job_id", job.ID, "chat_id", job.ChatID, "turns", result.NumTurns, "cost_usd", result.CostUSD)
}

// persistSession records the gateway's session identity and snapshots the
// workspace. Continuity failures degrade to a fresh session next time; they
// never fail the delivery.
func (w *Worker) persistSession(ctx context.Context, key, oldToken string, result *agentgw.QueryResult) {
	newToken := result.SessionID
	if newToken == "" {
		return
	}
	if newToken != oldToken {
		if err := w.sessions.SaveResumeToken(ctx, key, newToken); err != nil {
			slog.Warn("failed to save resume token", "key", key, "error", err)
		}
	} else if err := w.sessions.Touch(ctx, key); err != nil {
		slog.Warn("failed to touch session", "key", key, "error", err)
	}
	if w.blobs != nil {
		if err := w.blobs.Upload(ctx, newToken, w.opts.Workspace); err != nil {
			slog.Warn("failed to snapshot session", "token", newToken, "error", err)
		}
	}
}

// startTyping keeps the typing indicator alive until the returned stop
// function is called.
func (w *Worker) startTyping(ctx context.Context, chatID int64, threadID int) func() {
	tctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(typingInterval)
		defer ticker.Stop()
		for {
			if err := w.sender.Typing(tctx, chatID, threadID); err != nil && tctx.Err() == nil {
				slog.Debug("typing indicator failed", "chat_id", chatID, "error", err)
			}
			select {
			case <-tctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (w *Worker) reply(ctx context.Context, job queue.Job, replyTo int, text string) {
	if err := w.sender.Reply(ctx, job.ChatID, job.ThreadID, replyTo, text); err != nil {
		slog.Warn("failed to send notice", "chat_id", job.ChatID, "error", err)
	}
}

func (w *Worker) finalize(ctx context.Context, job queue.Job) {
	if err := w.gate.Finalize(ctx, job.ChatID, job.MessageID); err != nil {
		slog.Error("failed to finalize dedup claim", "job_id", job.ID, "error", err)
	}
}

func (w *Worker) ack(ctx context.Context, receipt string) {
	if err := w.queue.Ack(ctx, receipt); err != nil {
		slog.Error("failed to ack job", "receipt", receipt, "error", err)
	}
}

func (w *Worker) nack(ctx context.Context, receipt string) {
	if err := w.queue.Nack(ctx, receipt); err != nil {
		slog.Error("failed to nack job", "receipt", receipt, "error", err)
	}
}

// originalThreadID extracts the thread the message was actually posted in.
func originalThreadID(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var update telego.Update
	if err := json.Unmarshal(raw, &update); err != nil {
		return 0
	}
	msg := update.Message
	if msg == nil {
		msg = update.EditedMessage
	}
	if msg == nil {
		return 0
	}
	return msg.MessageThreadID
}

func truncateString(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
