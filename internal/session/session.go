// Package session persists conversation continuity: the mapping from a
// conversation to the agent's resume token, and snapshot blobs of agent
// session state keyed by that token.
package session

import (
	"context"
	"fmt"
)

// ConversationKey identifies a conversation: "chat_id" for plain chats,
// "chat_id:thread_id" inside forum topics.
func ConversationKey(chatID int64, threadID int) string {
	if threadID > 0 {
		return fmt.Sprintf("%d:%d", chatID, threadID)
	}
	return fmt.Sprintf("%d", chatID)
}

// Store maps conversations to resume tokens.
type Store interface {
	// ResumeToken returns the stored token, or "" when the conversation has
	// no session yet.
	ResumeToken(ctx context.Context, key string) (string, error)
	// SaveResumeToken stores token for key, replacing any previous value.
	SaveResumeToken(ctx context.Context, key, token string) error
	// Touch bumps the conversation's last-activity timestamp.
	Touch(ctx context.Context, key string) error
}

// BlobStore moves agent session snapshots between durable storage and the
// worker's local workspace.
type BlobStore interface {
	// Download restores the snapshot for token into destDir. A missing
	// snapshot is not an error; the agent starts fresh.
	Download(ctx context.Context, token, destDir string) error
	// Upload snapshots srcDir under token, replacing any previous snapshot.
	Upload(ctx context.Context, token, srcDir string) error
}
