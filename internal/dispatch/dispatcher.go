// Package dispatch is the producer side of the relay: it accepts Telegram
// webhook updates, applies the access and command policy, and hands
// agent-bound messages to the queue.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/omnirelay/internal/access"
	"github.com/nextlevelbuilder/omnirelay/internal/command"
	"github.com/nextlevelbuilder/omnirelay/internal/queue"
	"github.com/nextlevelbuilder/omnirelay/internal/telegram"
)

const (
	forumRequiredNotice = "Topics are not enabled in this group.\n\n" +
		"To enable them:\n" +
		"1. Open the group settings\n" +
		"2. Tap \"Topics\"\n" +
		"3. Turn Topics on\n" +
		"4. Re-add the bot"

	manageTopicsNotice = "The bot is missing the \"Manage Topics\" permission.\n\n" +
		"To grant it:\n" +
		"1. Open group settings > Administrators\n" +
		"2. Select this bot\n" +
		"3. Enable \"Manage Topics\""

	newchatUsage = "Usage: /newchat <message>"
)

// Transport is the outbound bot surface the dispatcher needs. Satisfied by
// *telegram.Sender.
type Transport interface {
	Reply(ctx context.Context, chatID int64, threadID, replyTo int, text string) error
	LeaveChat(ctx context.Context, chatID int64) error
	CreateTopic(ctx context.Context, chatID int64, name string) (int, error)
	CheckForum(ctx context.Context, chatID int64) (telegram.ForumStatus, error)
}

// Inbound is the extracted view of one text message the dispatcher routes.
type Inbound struct {
	ChatID      int64
	ThreadID    int
	MessageID   int
	Text        string
	SenderID    int64
	MessageTime time.Time
	Raw         json.RawMessage
}

// HandlerFunc runs a handler-typed local command.
type HandlerFunc func(ctx context.Context, d *Dispatcher, m Inbound) error

// Dispatcher routes webhook updates. It never blocks on agent work; anything
// agent-bound goes through the queue.
type Dispatcher struct {
	queue     queue.Queue
	transport Transport
	table     *command.Table
	allow     access.AllowList
	handlers  map[string]HandlerFunc
	now       func() time.Time
}

// Handlers returns the handler registry available to local commands. The
// command table validates handler names against this set at load time.
func Handlers() map[string]HandlerFunc {
	return map[string]HandlerFunc{
		"newchat": handleNewChat,
	}
}

// HandlerNames is the set form of Handlers for table construction.
func HandlerNames() map[string]struct{} {
	names := make(map[string]struct{})
	for name := range Handlers() {
		names[name] = struct{}{}
	}
	return names
}

func New(q queue.Queue, transport Transport, table *command.Table, allow access.AllowList) *Dispatcher {
	return &Dispatcher{
		queue:     q,
		transport: transport,
		table:     table,
		allow:     allow,
		handlers:  Handlers(),
		now:       time.Now,
	}
}

// Process routes one decoded update. It never returns an error to the webhook
// layer; failures are logged and the update is dropped, matching the
// always-acknowledge contract with the platform.
func (d *Dispatcher) Process(ctx context.Context, raw json.RawMessage, update *telego.Update) {
	if update.MyChatMember != nil {
		d.processMembership(ctx, update.MyChatMember)
		return
	}

	message := update.Message
	if message == nil {
		message = update.EditedMessage
	}
	if message == nil || message.Text == "" {
		slog.Debug("ignoring update without text message")
		return
	}

	in := Inbound{
		ChatID:      message.Chat.ID,
		ThreadID:    message.MessageThreadID,
		MessageID:   message.MessageID,
		Text:        message.Text,
		MessageTime: time.Unix(message.Date, 0).UTC(),
		Raw:         raw,
	}
	if message.From != nil {
		in.SenderID = message.From.ID
	}

	switch message.Chat.Type {
	case telego.ChatTypePrivate:
		if !d.allow.Allows(in.SenderID) {
			slog.Info("blocked private message from unauthorized user",
				"event", "security_block", "user_id", in.SenderID)
			return
		}
	case telego.ChatTypeGroup, telego.ChatTypeSupergroup:
		// Non-forum groups got the precheck notice at join time; their
		// messages are dropped.
		if !message.Chat.IsForum {
			return
		}
	}

	d.route(ctx, in)
}

func (d *Dispatcher) processMembership(ctx context.Context, mu *telego.ChatMemberUpdated) {
	transition := access.MembershipTransition{
		OldStatus: mu.OldChatMember.MemberStatus(),
		NewStatus: mu.NewChatMember.MemberStatus(),
		InviterID: mu.From.ID,
	}

	if access.ShouldLeaveGroup(transition, d.allow) {
		if err := d.transport.LeaveChat(ctx, mu.Chat.ID); err != nil {
			slog.Error("failed to leave unauthorized group", "chat_id", mu.Chat.ID, "error", err)
			return
		}
		slog.Info("left unauthorized group",
			"event", "security_block", "chat_id", mu.Chat.ID, "inviter_id", transition.InviterID)
		return
	}

	if !transition.IsJoin() {
		return
	}

	// Authorized join: verify the group can host topic-scoped conversations
	// and tell the inviter what to fix if not.
	status, err := d.transport.CheckForum(ctx, mu.Chat.ID)
	if err != nil {
		slog.Warn("forum precheck failed", "chat_id", mu.Chat.ID, "error", err)
		d.reply(ctx, mu.Chat.ID, 0, 0, fmt.Sprintf("Permission check failed: %s", truncateErr(err, 100)))
		return
	}
	switch {
	case !status.IsForum:
		slog.Warn("joined group without topics enabled", "chat_id", mu.Chat.ID)
		d.reply(ctx, mu.Chat.ID, 0, 0, forumRequiredNotice)
	case !status.CanManageTopics:
		slog.Warn("joined group without manage topics permission", "chat_id", mu.Chat.ID)
		d.reply(ctx, mu.Chat.ID, 0, 0, manageTopicsNotice)
	}
}

func (d *Dispatcher) route(ctx context.Context, in Inbound) {
	cmd := command.Extract(in.Text)
	kind, spec := d.table.Classify(cmd)

	switch kind {
	case command.KindLocal:
		if spec.Handler != "" {
			handler := d.handlers[spec.Handler]
			if err := handler(ctx, d, in); err != nil {
				slog.Error("local command handler failed",
					"command", cmd, "handler", spec.Handler, "error", err)
			}
			return
		}
		d.reply(ctx, in.ChatID, in.ThreadID, in.MessageID, spec.Response)
		slog.Info("handled local command", "command", cmd, "chat_id", in.ChatID)

	case command.KindUnknown:
		d.reply(ctx, in.ChatID, in.ThreadID, in.MessageID, d.table.HelpText())
		slog.Info("rejected unknown command", "command", cmd, "chat_id", in.ChatID)

	case command.KindQuery, command.KindAgent:
		d.enqueue(ctx, in)
	}
}

func (d *Dispatcher) enqueue(ctx context.Context, in Inbound) {
	job := queue.Job{
		ChatID:      in.ChatID,
		ThreadID:    in.ThreadID,
		MessageID:   in.MessageID,
		Text:        in.Text,
		RawUpdate:   in.Raw,
		MessageTime: in.MessageTime,
	}
	if err := d.queue.Enqueue(ctx, job); err != nil {
		// The webhook still acknowledges; the platform must not retry.
		slog.Error("failed to enqueue message",
			"chat_id", in.ChatID, "message_id", in.MessageID, "error", err)
	}
}

// handleNewChat creates a fresh forum topic and redirects the command's
// arguments there as the opening prompt.
func handleNewChat(ctx context.Context, d *Dispatcher, in Inbound) error {
	prompt := command.Args(in.Text)
	if prompt == "" {
		d.reply(ctx, in.ChatID, in.ThreadID, 0, newchatUsage)
		return nil
	}

	name := "Chat " + d.now().Format("01/02 15:04")
	threadID, err := d.transport.CreateTopic(ctx, in.ChatID, name)
	if err != nil {
		d.reply(ctx, in.ChatID, in.ThreadID, 0, fmt.Sprintf("Failed to create topic: %s", truncateErr(err, 100)))
		return fmt.Errorf("create topic: %w", err)
	}

	job := queue.Job{
		ChatID:      in.ChatID,
		ThreadID:    threadID,
		MessageID:   in.MessageID,
		Text:        prompt,
		RawUpdate:   in.Raw,
		MessageTime: in.MessageTime,
	}
	if err := d.queue.Enqueue(ctx, job); err != nil {
		d.reply(ctx, in.ChatID, threadID, 0, "Failed to queue the message, please retry.")
		return fmt.Errorf("enqueue new chat prompt: %w", err)
	}

	// Point the user at the new topic; the agent's answer lands there, not here.
	d.reply(ctx, in.ChatID, in.ThreadID, in.MessageID, fmt.Sprintf("New chat created: %s", name))

	slog.Info("created new chat topic", "chat_id", in.ChatID, "thread_id", threadID)
	return nil
}

func (d *Dispatcher) reply(ctx context.Context, chatID int64, threadID, replyTo int, text string) {
	if err := d.transport.Reply(ctx, chatID, threadID, replyTo, text); err != nil {
		slog.Warn("failed to send reply", "chat_id", chatID, "error", err)
	}
}

func truncateErr(err error, n int) string {
	s := err.Error()
	if len(s) > n {
		return s[:n]
	}
	return s
}
