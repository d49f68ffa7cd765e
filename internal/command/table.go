package command

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/omnirelay/internal/config"
)

// Kind classifies a command token. A token is exactly one of these.
type Kind int

const (
	// KindQuery means no command at all; the text goes to the agent verbatim.
	KindQuery Kind = iota
	// KindAgent is a configured agent-bound command, forwarded to the agent.
	KindAgent
	// KindLocal is handled by the producer without touching the queue.
	KindLocal
	// KindUnknown is a prefixed token matching neither table.
	KindUnknown
)

// Spec is the resolved definition of a local command: either a static
// response or a named handler. Exactly one field is populated.
type Spec struct {
	Response string
	Handler  string
}

// Table holds the immutable command sets loaded at startup.
type Table struct {
	agent map[string]struct{}
	local map[string]Spec
}

// NewTable builds a Table from configuration. Handler-typed local commands
// whose handler name is not in knownHandlers are dropped at load time, so an
// unresolvable name can never surface as a call-time failure. Agent and local
// sets are disjoint by construction; on collision the local entry wins.
func NewTable(cfg config.CommandsConfig, knownHandlers map[string]struct{}) *Table {
	t := &Table{
		agent: make(map[string]struct{}, len(cfg.Agent)),
		local: make(map[string]Spec, len(cfg.Local)),
	}

	for name, spec := range cfg.Local {
		if spec.Handler != "" {
			if _, ok := knownHandlers[spec.Handler]; !ok {
				slog.Warn("local command references unknown handler; dropping",
					"command", name, "handler", spec.Handler)
				continue
			}
		}
		t.local[name] = Spec{Response: spec.Response, Handler: spec.Handler}
	}

	for _, name := range cfg.Agent {
		if _, clash := t.local[name]; clash {
			slog.Warn("agent command shadowed by local command; dropping", "command", name)
			continue
		}
		t.agent[name] = struct{}{}
	}

	return t
}

// Classify maps a command token to its kind. cmd is the output of Extract;
// an empty cmd means the message is a plain query.
func (t *Table) Classify(cmd string) (Kind, Spec) {
	if cmd == "" {
		return KindQuery, Spec{}
	}
	if spec, ok := t.local[cmd]; ok {
		return KindLocal, spec
	}
	if _, ok := t.agent[cmd]; ok {
		return KindAgent, Spec{}
	}
	return KindUnknown, Spec{}
}

// HelpText lists the configured agent and local commands, used as the reply
// to an unknown command.
func (t *Table) HelpText() string {
	var parts []string
	if len(t.agent) > 0 {
		parts = append(parts, "Agent commands:\n"+strings.Join(sortedKeysOf(t.agent), "\n"))
	}
	if len(t.local) > 0 {
		names := make([]string, 0, len(t.local))
		for name := range t.local {
			names = append(names, name)
		}
		sort.Strings(names)
		parts = append(parts, "Local commands:\n"+strings.Join(names, "\n"))
	}
	if len(parts) == 0 {
		return "Unsupported command."
	}
	return "Unsupported command.\n\n" + strings.Join(parts, "\n\n")
}

func sortedKeysOf(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
