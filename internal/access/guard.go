// Package access decides whether a sender or group may interact with the bot
// at all: whitelist checks, the leave-unauthorized-group policy, and webhook
// shared-secret verification.
package access

import (
	"crypto/subtle"
	"log/slog"
	"strconv"
)

// AllowList is the parsed sender whitelist. The "all" wildcard makes the
// whitelist match unconditionally.
type AllowList struct {
	All bool
	IDs map[int64]struct{}
}

// ParseAllowList builds an AllowList from config entries ("all" or decimal
// user IDs). Invalid entries are skipped; an empty result allows everyone,
// matching the safe default of the configuration surface.
func ParseAllowList(entries []string) AllowList {
	list := AllowList{IDs: make(map[int64]struct{}, len(entries))}
	for _, entry := range entries {
		if entry == "all" {
			list.All = true
			continue
		}
		id, err := strconv.ParseInt(entry, 10, 64)
		if err != nil {
			slog.Warn("skipping invalid whitelist entry", "entry", entry)
			continue
		}
		list.IDs[id] = struct{}{}
	}
	if !list.All && len(list.IDs) == 0 {
		list.All = true
	}
	return list
}

// Allows reports whether the sender may interact with the bot.
func (l AllowList) Allows(senderID int64) bool {
	if l.All {
		return true
	}
	_, ok := l.IDs[senderID]
	return ok
}

// MembershipTransition describes a my_chat_member status change for the bot
// itself, as reported by the chat platform.
type MembershipTransition struct {
	OldStatus string
	NewStatus string
	InviterID int64
}

// IsJoin reports whether the transition represents the bot being added to a
// group: prior status left/kicked, new status member/administrator.
func (t MembershipTransition) IsJoin() bool {
	wasOut := t.OldStatus == "left" || t.OldStatus == "kicked"
	isIn := t.NewStatus == "member" || t.NewStatus == "administrator"
	return wasOut && isIn
}

// ShouldLeaveGroup reports whether the bot must remove itself from a group:
// it was just added, and the inviter is not whitelisted. Non-join transitions
// never trigger a leave.
func ShouldLeaveGroup(t MembershipTransition, whitelist AllowList) bool {
	if !t.IsJoin() {
		return false
	}
	return !whitelist.Allows(t.InviterID)
}

// VerifySecret checks a webhook shared secret in constant time. Verification
// is opt-in: with no expected secret configured it always passes. A configured
// secret with an absent header fails.
func VerifySecret(provided, expected string) bool {
	if expected == "" {
		return true
	}
	if provided == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}
