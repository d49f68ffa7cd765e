// Package markup prepares agent output for Telegram's MarkdownV2 parse mode.
package markup

import "strings"

// MaxMessageLen is the largest reply body sent in one message. Telegram caps
// messages at 4096 characters; the margin leaves room for the truncation
// notice and escaping growth.
const MaxMessageLen = 4000

const truncationNotice = "\n\n... (truncated)"

// Transform rewrites one aspect of the text. Transforms are pure and compose
// in order.
type Transform func(string) string

var pipeline = []Transform{
	headingsToBold,
	boldMarkers,
}

// Convert rewrites common agent markdown into Telegram MarkdownV2 syntax.
// It is best-effort: output that Telegram still rejects falls back to a
// fully escaped send at the transport layer.
func Convert(s string) string {
	for _, t := range pipeline {
		s = t(s)
	}
	return s
}

// Truncate caps s at MaxMessageLen runes and appends the truncation notice.
func Truncate(s string) string {
	runes := []rune(s)
	if len(runes) <= MaxMessageLen {
		return s
	}
	return string(runes[:MaxMessageLen]) + truncationNotice
}

// headingsToBold turns "# Title" lines into "*Title*". MarkdownV2 has no
// heading syntax and an unescaped # fails parsing.
func headingsToBold(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		trimmed := strings.TrimLeft(line, "#")
		if trimmed == line {
			continue
		}
		title := strings.TrimSpace(trimmed)
		if title == "" {
			continue
		}
		lines[i] = "*" + title + "*"
	}
	return strings.Join(lines, "\n")
}

// boldMarkers maps standard markdown bold (**text**) to MarkdownV2 bold
// (*text*).
func boldMarkers(s string) string {
	return strings.ReplaceAll(s, "**", "*")
}

// mdv2Special is the MarkdownV2 reserved character set.
const mdv2Special = "_*[]()~`>#+-=|{}.!"

// EscapeMarkdownV2 escapes every reserved MarkdownV2 character, producing
// text that always parses (as plain prose, formatting lost).
func EscapeMarkdownV2(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 128 && strings.ContainsRune(mdv2Special, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
