// Package dedup provides the exactly-once claim gate for inbound messages.
// Workers claim a message key before processing; a second delivery of the same
// message loses the claim race and is skipped.
package dedup

import (
	"context"
	"fmt"
)

// Gate arbitrates processing claims per message.
//
// The lifecycle is Claim, then exactly one of Finalize (processing reached a
// terminal outcome, duplicate deliveries stay blocked until retention expiry)
// or Release (processing did not complete, a later redelivery may claim
// again).
type Gate interface {
	// Claim returns true when the caller is first for this message and should
	// process it. An infrastructure failure returns an error; callers decide
	// whether to propagate it into redelivery.
	Claim(ctx context.Context, chatID int64, messageID int) (bool, error)
	Release(ctx context.Context, chatID int64, messageID int) error
	Finalize(ctx context.Context, chatID int64, messageID int) error
	// Sweep removes claims past their retention window and reports how many
	// were removed.
	Sweep(ctx context.Context) (int64, error)
}

// MessageKey is the claim identity: one claim per message per chat.
func MessageKey(chatID int64, messageID int) string {
	return fmt.Sprintf("%d:%d", chatID, messageID)
}

// NoopGate admits everything. Used when dedup is disabled; the relay degrades
// to at-least-once without blocking traffic.
type NoopGate struct{}

func (NoopGate) Claim(context.Context, int64, int) (bool, error) { return true, nil }
func (NoopGate) Release(context.Context, int64, int) error       { return nil }
func (NoopGate) Finalize(context.Context, int64, int) error      { return nil }
func (NoopGate) Sweep(context.Context) (int64, error)            { return 0, nil }
