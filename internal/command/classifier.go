// Package command parses raw chat text into normalized command tokens and
// classifies them against the configured command tables.
package command

import "strings"

// Extract returns the normalized command token from raw message text:
// the first whitespace-delimited word when the trimmed text starts with '/',
// with any "@botname" mention suffix stripped. Returns "" when the text
// carries no command (plain query, empty input, or a bare '/').
func Extract(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return ""
	}

	cmd := trimmed
	if i := strings.IndexFunc(trimmed, isSpace); i >= 0 {
		cmd = trimmed[:i]
	}
	cmd, _, _ = strings.Cut(cmd, "@")
	cmd = strings.TrimSpace(cmd)
	if cmd == "" || cmd == "/" {
		return ""
	}
	return cmd
}

// Args returns the text following the command token, trimmed: for
// "/newchat hello world" it returns "hello world".
func Args(text string) string {
	trimmed := strings.TrimSpace(text)
	i := strings.IndexFunc(trimmed, isSpace)
	if i < 0 {
		return ""
	}
	return strings.TrimSpace(trimmed[i:])
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}
