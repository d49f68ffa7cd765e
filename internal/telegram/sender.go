// Package telegram wraps the bot API surface the relay uses for outbound
// traffic: replies, typing indicators, forum topic management, and group
// membership actions.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"golang.org/x/time/rate"
)

// generalTopicID is the fixed topic ID of the "General" topic in forum
// supergroups. Send calls must omit it or Telegram rejects the request with
// "thread not found".
const generalTopicID = 1

// resolveThreadIDForSend returns the thread ID to put on send API calls.
func resolveThreadIDForSend(threadID int) int {
	if threadID == generalTopicID {
		return 0
	}
	return threadID
}

// api is the subset of bot methods the sender calls. *telego.Bot satisfies it.
type api interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
	SendChatAction(ctx context.Context, params *telego.SendChatActionParams) error
	CreateForumTopic(ctx context.Context, params *telego.CreateForumTopicParams) (*telego.ForumTopic, error)
	LeaveChat(ctx context.Context, params *telego.LeaveChatParams) error
	GetChat(ctx context.Context, params *telego.GetChatParams) (*telego.ChatFullInfo, error)
	GetChatMember(ctx context.Context, params *telego.GetChatMemberParams) (telego.ChatMember, error)
}

// Sender is the rate-limited outbound side of the relay.
type Sender struct {
	bot     api
	botID   int64
	limiter *rate.Limiter
}

// NewSender wraps bot. botID is the bot's own user ID, needed for permission
// checks in groups. perSecond caps outbound API calls; zero disables the cap.
func NewSender(bot api, botID int64, perSecond float64) *Sender {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &Sender{bot: bot, botID: botID, limiter: rate.NewLimiter(limit, 1)}
}

func (s *Sender) wait(ctx context.Context) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

func (s *Sender) buildMessage(chatID int64, threadID, replyTo int, text string) *telego.SendMessageParams {
	msg := tu.Message(tu.ID(chatID), text)
	if id := resolveThreadIDForSend(threadID); id > 0 {
		msg.MessageThreadID = id
	}
	if replyTo > 0 {
		msg.ReplyParameters = &telego.ReplyParameters{MessageID: replyTo}
	}
	return msg
}

// Reply sends plain text.
func (s *Sender) Reply(ctx context.Context, chatID int64, threadID, replyTo int, text string) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	_, err := s.bot.SendMessage(ctx, s.buildMessage(chatID, threadID, replyTo, text))
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// ReplyMarkdown sends text as MarkdownV2. If Telegram rejects the entity
// syntax, the message is re-sent with every reserved character escaped so the
// user still receives the content, formatting lost.
func (s *Sender) ReplyMarkdown(ctx context.Context, chatID int64, threadID, replyTo int, text, escaped string) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	msg := s.buildMessage(chatID, threadID, replyTo, text)
	msg.ParseMode = telego.ModeMarkdownV2
	_, err := s.bot.SendMessage(ctx, msg)
	if err == nil {
		return nil
	}
	if !isParseEntityError(err) {
		return fmt.Errorf("send message: %w", err)
	}

	slog.Debug("markdown parse rejected, resending escaped", "chat_id", chatID)
	fallback := s.buildMessage(chatID, threadID, replyTo, escaped)
	fallback.ParseMode = telego.ModeMarkdownV2
	if _, err := s.bot.SendMessage(ctx, fallback); err != nil {
		return fmt.Errorf("send escaped message: %w", err)
	}
	return nil
}

func isParseEntityError(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "parse entities")
}

// Typing shows the typing indicator. The General topic ID is valid for chat
// actions, so the thread ID is passed through unresolved.
func (s *Sender) Typing(ctx context.Context, chatID int64, threadID int) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	action := tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping)
	if threadID > 0 {
		action.MessageThreadID = threadID
	}
	if err := s.bot.SendChatAction(ctx, action); err != nil {
		return fmt.Errorf("send chat action: %w", err)
	}
	return nil
}

// CreateTopic creates a forum topic and returns its thread ID.
func (s *Sender) CreateTopic(ctx context.Context, chatID int64, name string) (int, error) {
	if err := s.wait(ctx); err != nil {
		return 0, err
	}
	topic, err := s.bot.CreateForumTopic(ctx, &telego.CreateForumTopicParams{
		ChatID: tu.ID(chatID),
		Name:   name,
	})
	if err != nil {
		return 0, fmt.Errorf("create forum topic: %w", err)
	}
	return topic.MessageThreadID, nil
}

// LeaveChat removes the bot from a group.
func (s *Sender) LeaveChat(ctx context.Context, chatID int64) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	if err := s.bot.LeaveChat(ctx, &telego.LeaveChatParams{ChatID: tu.ID(chatID)}); err != nil {
		return fmt.Errorf("leave chat: %w", err)
	}
	return nil
}

// ForumStatus reports whether the group has topics enabled and whether the
// bot may manage them.
type ForumStatus struct {
	IsForum         bool
	CanManageTopics bool
}

// CheckForum inspects a group the bot was just added to.
func (s *Sender) CheckForum(ctx context.Context, chatID int64) (ForumStatus, error) {
	chat, err := s.bot.GetChat(ctx, &telego.GetChatParams{ChatID: tu.ID(chatID)})
	if err != nil {
		return ForumStatus{}, fmt.Errorf("get chat: %w", err)
	}
	status := ForumStatus{IsForum: chat.IsForum}
	if !status.IsForum {
		return status, nil
	}

	member, err := s.bot.GetChatMember(ctx, &telego.GetChatMemberParams{
		ChatID: tu.ID(chatID),
		UserID: s.botID,
	})
	if err != nil {
		return status, fmt.Errorf("get chat member: %w", err)
	}
	switch m := member.(type) {
	case *telego.ChatMemberAdministrator:
		status.CanManageTopics = m.CanManageTopics
	case *telego.ChatMemberOwner:
		status.CanManageTopics = true
	}
	return status, nil
}
