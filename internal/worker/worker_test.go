package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/omnirelay/internal/agentgw"
	"github.com/nextlevelbuilder/omnirelay/internal/queue"
)

type fakeGate struct {
	mu        sync.Mutex
	claimed   map[string]bool
	claimWins bool
	claimErr  error
	released  []string
	finalized []string
}

func newFakeGate(wins bool) *fakeGate {
	return &fakeGate{claimed: make(map[string]bool), claimWins: wins}
}

func (g *fakeGate) key(chatID int64, messageID int) string {
	return fmt.Sprintf("%d:%d", chatID, messageID)
}

func (g *fakeGate) Claim(ctx context.Context, chatID int64, messageID int) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.claimErr != nil {
		return false, g.claimErr
	}
	g.claimed[g.key(chatID, messageID)] = true
	return g.claimWins, nil
}

func (g *fakeGate) Release(ctx context.Context, chatID int64, messageID int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.released = append(g.released, g.key(chatID, messageID))
	return nil
}

func (g *fakeGate) Finalize(ctx context.Context, chatID int64, messageID int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.finalized = append(g.finalized, g.key(chatID, messageID))
	return nil
}

func (g *fakeGate) Sweep(ctx context.Context) (int64, error) { return 0, nil }

type fakeSessions struct {
	mu      sync.Mutex
	tokens  map[string]string
	touched []string
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{tokens: make(map[string]string)}
}

func (s *fakeSessions) ResumeToken(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens[key], nil
}

func (s *fakeSessions) SaveResumeToken(ctx context.Context, key, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[key] = token
	return nil
}

func (s *fakeSessions) Touch(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched = append(s.touched, key)
	return nil
}

type fakeBlobs struct {
	mu        sync.Mutex
	downloads []string
	uploads   []string
}

func (b *fakeBlobs) Download(ctx context.Context, token, destDir string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.downloads = append(b.downloads, token)
	return nil
}

func (b *fakeBlobs) Upload(ctx context.Context, token, srcDir string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.uploads = append(b.uploads, token)
	return nil
}

type fakeGateway struct {
	mu     sync.Mutex
	reqs   []agentgw.QueryRequest
	result *agentgw.QueryResult
	err    error
}

func (g *fakeGateway) Query(ctx context.Context, req agentgw.QueryRequest) (*agentgw.QueryResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reqs = append(g.reqs, req)
	if g.err != nil {
		return nil, g.err
	}
	return g.result, nil
}

type sentMessage struct {
	chatID   int64
	threadID int
	replyTo  int
	text     string
	markdown bool
}

type fakeSender struct {
	mu      sync.Mutex
	sent    []sentMessage
	sendErr error
	typing  int
}

func (s *fakeSender) Reply(ctx context.Context, chatID int64, threadID, replyTo int, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentMessage{chatID, threadID, replyTo, text, false})
	return nil
}

func (s *fakeSender) ReplyMarkdown(ctx context.Context, chatID int64, threadID, replyTo int, text, escaped string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, sentMessage{chatID, threadID, replyTo, text, true})
	return nil
}

func (s *fakeSender) Typing(ctx context.Context, chatID int64, threadID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.typing++
	return nil
}

type memQueue struct {
	mu     sync.Mutex
	acked  []string
	nacked []string
}

func (q *memQueue) Enqueue(ctx context.Context, job queue.Job) error { return nil }
func (q *memQueue) Receive(ctx context.Context) (*queue.Delivery, error) {
	return nil, nil
}

func (q *memQueue) Ack(ctx context.Context, receipt string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, receipt)
	return nil
}

func (q *memQueue) Nack(ctx context.Context, receipt string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nacked = append(q.nacked, receipt)
	return nil
}

type fixture struct {
	worker   *Worker
	queue    *memQueue
	gate     *fakeGate
	sessions *fakeSessions
	blobs    *fakeBlobs
	gateway  *fakeGateway
	sender   *fakeSender
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		queue:    &memQueue{},
		gate:     newFakeGate(true),
		sessions: newFakeSessions(),
		blobs:    &fakeBlobs{},
		gateway:  &fakeGateway{result: &agentgw.QueryResult{Response: "done", SessionID: "sess-1"}},
		sender:   &fakeSender{},
	}
	f.worker = New(f.queue, f.gate, f.sessions, f.blobs, f.gateway, f.sender, Options{
		Workers:     1,
		Timeout:     time.Second,
		MaxAttempts: 3,
		Workspace:   t.TempDir(),
	})
	return f
}

func delivery(t *testing.T, job queue.Job, attempts int) *queue.Delivery {
	t.Helper()
	if job.GroupKey == "" {
		job.GroupKey = queue.GroupKey(job.ChatID, job.ThreadID)
	}
	if job.ID == "" {
		job.ID = "job-1"
	}
	return &queue.Delivery{Job: job, Receipt: "rcpt-1", Attempts: attempts}
}

func rawUpdateWithThread(t *testing.T, threadID int) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(telego.Update{
		Message: &telego.Message{MessageID: 10, MessageThreadID: threadID},
	})
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestWorker_SuccessfulDelivery(t *testing.T) {
	f := newFixture(t)
	job := queue.Job{ChatID: 42, MessageID: 10, Text: "hello", RawUpdate: rawUpdateWithThread(t, 0)}

	f.worker.process(context.Background(), delivery(t, job, 1))

	if len(f.gateway.reqs) != 1 {
		t.Fatalf("gateway called %d times, want 1", len(f.gateway.reqs))
	}
	req := f.gateway.reqs[0]
	if req.UserMessage != "hello" || req.ChatID != 42 || req.SessionID != "" {
		t.Errorf("request = %+v", req)
	}

	if len(f.sender.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(f.sender.sent))
	}
	msg := f.sender.sent[0]
	if msg.text != "done" || !msg.markdown {
		t.Errorf("message = %+v", msg)
	}
	if msg.replyTo != 10 {
		t.Errorf("replyTo = %d, want 10", msg.replyTo)
	}

	if f.sessions.tokens["42"] != "sess-1" {
		t.Errorf("resume token = %q, want sess-1", f.sessions.tokens["42"])
	}
	if len(f.blobs.uploads) != 1 || f.blobs.uploads[0] != "sess-1" {
		t.Errorf("uploads = %v", f.blobs.uploads)
	}
	if len(f.gate.finalized) != 1 {
		t.Errorf("finalized = %v, want one entry", f.gate.finalized)
	}
	if len(f.queue.acked) != 1 {
		t.Errorf("acked = %v, want one entry", f.queue.acked)
	}
	if f.sender.typing == 0 {
		t.Error("typing indicator never sent")
	}
}

func TestWorker_ResumesExistingSession(t *testing.T) {
	f := newFixture(t)
	f.sessions.tokens["42"] = "sess-old"
	f.gateway.result = &agentgw.QueryResult{Response: "ok", SessionID: "sess-old"}
	job := queue.Job{ChatID: 42, MessageID: 11, Text: "again"}

	f.worker.process(context.Background(), delivery(t, job, 1))

	if f.gateway.reqs[0].SessionID != "sess-old" {
		t.Errorf("session id = %q, want sess-old", f.gateway.reqs[0].SessionID)
	}
	if len(f.blobs.downloads) != 1 || f.blobs.downloads[0] != "sess-old" {
		t.Errorf("downloads = %v, want snapshot restore", f.blobs.downloads)
	}
	// Unchanged token: touched, not rewritten.
	if len(f.sessions.touched) != 1 {
		t.Errorf("touched = %v", f.sessions.touched)
	}
}

func TestWorker_DuplicateSkipped(t *testing.T) {
	f := newFixture(t)
	f.gate.claimWins = false
	job := queue.Job{ChatID: 42, MessageID: 10, Text: "hello"}

	f.worker.process(context.Background(), delivery(t, job, 1))

	if len(f.gateway.reqs) != 0 {
		t.Error("duplicate must not reach the gateway")
	}
	if len(f.sender.sent) != 0 {
		t.Error("duplicate must not produce a reply")
	}
	if len(f.queue.acked) != 1 {
		t.Error("duplicate must still be acked")
	}
}

func TestWorker_ClaimErrorTriggersRedelivery(t *testing.T) {
	f := newFixture(t)
	f.gate.claimErr = errors.New("store down")
	job := queue.Job{ChatID: 42, MessageID: 10, Text: "hello"}

	f.worker.process(context.Background(), delivery(t, job, 1))

	if len(f.gateway.reqs) != 0 {
		t.Error("claim failure must not reach the gateway")
	}
	if len(f.queue.nacked) != 1 {
		t.Error("claim failure must nack for redelivery")
	}
}

func TestWorker_TimeoutReleasesAndRetries(t *testing.T) {
	f := newFixture(t)
	f.gateway.err = fmt.Errorf("%w: deadline", agentgw.ErrTimeout)
	job := queue.Job{ChatID: 42, MessageID: 10, Text: "slow"}

	f.worker.process(context.Background(), delivery(t, job, 1))

	if len(f.sender.sent) != 1 || f.sender.sent[0].text != timeoutNotice {
		t.Errorf("sent = %+v, want timeout notice", f.sender.sent)
	}
	if f.sender.sent[0].markdown {
		t.Error("timeout notice must be plain text")
	}
	if len(f.gate.released) != 1 {
		t.Errorf("released = %v, want claim release", f.gate.released)
	}
	if len(f.gate.finalized) != 0 {
		t.Error("timeout must not finalize the claim")
	}
	if len(f.queue.nacked) != 1 {
		t.Error("timeout must nack for redelivery")
	}
}

func TestWorker_TerminalErrorNotifiesOnce(t *testing.T) {
	f := newFixture(t)
	f.gateway.err = errors.New("gateway: status 500: " + strings.Repeat("x", 300))
	job := queue.Job{ChatID: 42, MessageID: 10, Text: "boom"}

	f.worker.process(context.Background(), delivery(t, job, 1))

	if len(f.sender.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(f.sender.sent))
	}
	text := f.sender.sent[0].text
	if !strings.HasPrefix(text, "Error: ") {
		t.Errorf("error notice = %q", text)
	}
	if len(text) > len("Error: ")+200 {
		t.Errorf("error notice not truncated, len = %d", len(text))
	}
	if len(f.gate.finalized) != 1 {
		t.Error("terminal error must finalize the claim to block duplicates")
	}
	if len(f.queue.acked) != 1 {
		t.Error("terminal error must ack, not retry")
	}
}

func TestWorker_AgentErrorResult(t *testing.T) {
	f := newFixture(t)
	f.gateway.result = &agentgw.QueryResult{IsError: true, ErrorMessage: "tool exploded", SessionID: "sess-1"}
	job := queue.Job{ChatID: 42, MessageID: 10, Text: "do it"}

	f.worker.process(context.Background(), delivery(t, job, 1))

	if len(f.sender.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(f.sender.sent))
	}
	if f.sender.sent[0].text != "Agent error: tool exploded" {
		t.Errorf("text = %q", f.sender.sent[0].text)
	}
	if len(f.queue.acked) != 1 {
		t.Error("agent-reported error is terminal and must ack")
	}
}

func TestWorker_LongResponseTruncated(t *testing.T) {
	f := newFixture(t)
	f.gateway.result = &agentgw.QueryResult{Response: strings.Repeat("a", 5000), SessionID: "s"}
	job := queue.Job{ChatID: 42, MessageID: 10, Text: "long"}

	f.worker.process(context.Background(), delivery(t, job, 1))

	if len(f.sender.sent) != 1 {
		t.Fatal("expected one message")
	}
	if !strings.HasSuffix(f.sender.sent[0].text, "... (truncated)") {
		t.Error("long response must carry the truncation notice")
	}
}

func TestWorker_RedirectedThreadDropsReplyTo(t *testing.T) {
	f := newFixture(t)
	// Message originally posted in thread 3, job redirected to topic 77.
	job := queue.Job{ChatID: 42, ThreadID: 77, MessageID: 10, Text: "fresh start",
		RawUpdate: rawUpdateWithThread(t, 3)}

	f.worker.process(context.Background(), delivery(t, job, 1))

	if len(f.sender.sent) != 1 {
		t.Fatal("expected one message")
	}
	msg := f.sender.sent[0]
	if msg.threadID != 77 {
		t.Errorf("thread = %d, want 77", msg.threadID)
	}
	if msg.replyTo != 0 {
		t.Errorf("replyTo = %d, want 0 when redirected to a new topic", msg.replyTo)
	}
}

func TestWorker_SendFailureRetries(t *testing.T) {
	f := newFixture(t)
	f.sender.sendErr = errors.New("telegram unreachable")
	job := queue.Job{ChatID: 42, MessageID: 10, Text: "hello"}

	f.worker.process(context.Background(), delivery(t, job, 1))

	if len(f.gate.released) != 1 {
		t.Error("undelivered response must release the claim")
	}
	if len(f.queue.nacked) != 1 {
		t.Error("undelivered response must nack for redelivery")
	}
}

func TestWorker_MaxAttemptsDrops(t *testing.T) {
	f := newFixture(t)
	job := queue.Job{ChatID: 42, MessageID: 10, Text: "cursed"}

	f.worker.process(context.Background(), delivery(t, job, 4))

	if len(f.gateway.reqs) != 0 {
		t.Error("exhausted job must not reach the gateway")
	}
	if len(f.queue.acked) != 1 {
		t.Error("exhausted job must be removed from the queue")
	}
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.worker.opts.PollInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.worker.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}
