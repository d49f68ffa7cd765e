package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Telegram: TelegramConfig{
			SendRatePerSecond: 25,
		},
		Webhook: WebhookConfig{
			Host: "0.0.0.0",
			Port: 18890,
			Path: "/webhook/telegram",
		},
		Gateway: GatewayConfig{
			TimeoutSeconds: 600,
		},
		Security: SecurityConfig{
			UserWhitelist: []string{"all"},
		},
		Queue: QueueConfig{
			Workers:           4,
			VisibilitySeconds: 900,
			PollIntervalMs:    500,
			MaxAttempts:       3,
			RetryDelaySeconds: 5,
		},
		Dedup: DedupConfig{
			Enabled:        true,
			RetentionHours: 24,
			SweepSchedule:  "0 * * * *",
		},
		Sessions: SessionsConfig{
			BlobDir:   "~/.omnirelay/blobs",
			Workspace: "~/.omnirelay/workspace",
		},
		Database: DatabaseConfig{
			Mode: "sqlite",
			Path: "~/.omnirelay/omnirelay.db",
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "omnirelay",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error; a malformed file is.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			cfg.validate()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.validate()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("OMNIRELAY_TELEGRAM_TOKEN", &c.Telegram.Token)
	envStr("OMNIRELAY_WEBHOOK_SECRET", &c.Telegram.WebhookSecret)
	envStr("OMNIRELAY_GATEWAY_URL", &c.Gateway.URL)
	envStr("OMNIRELAY_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("OMNIRELAY_HOST", &c.Webhook.Host)
	if v := os.Getenv("OMNIRELAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Webhook.Port = port
		}
	}

	// Database (DSN is a secret, environment only)
	envStr("OMNIRELAY_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("OMNIRELAY_MODE", &c.Database.Mode)
	envStr("OMNIRELAY_DB_PATH", &c.Database.Path)

	// Sessions
	envStr("OMNIRELAY_BLOB_DIR", &c.Sessions.BlobDir)
	envStr("OMNIRELAY_WORKSPACE", &c.Sessions.Workspace)

	// Telemetry
	envStr("OMNIRELAY_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("OMNIRELAY_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("OMNIRELAY_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("OMNIRELAY_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("OMNIRELAY_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	// Whitelist from env (comma-separated user IDs, or "all")
	if v := os.Getenv("OMNIRELAY_USER_WHITELIST"); v != "" {
		c.Security.UserWhitelist = strings.Split(v, ",")
	}
}

// validate degrades malformed sections to safe defaults rather than failing
// startup: empty command sets, allow-all whitelist.
func (c *Config) validate() {
	agent := c.Commands.Agent[:0]
	for _, cmd := range c.Commands.Agent {
		cmd = normalizeCommand(cmd)
		if cmd == "" {
			slog.Warn("ignoring invalid agent command entry")
			continue
		}
		agent = append(agent, cmd)
	}
	c.Commands.Agent = agent

	local := make(map[string]LocalCommandSpec, len(c.Commands.Local))
	for name, spec := range c.Commands.Local {
		cmd := normalizeCommand(name)
		if cmd == "" {
			slog.Warn("ignoring local command with invalid name", "name", name)
			continue
		}
		switch spec.Type {
		case "", "static":
			if spec.Response == "" {
				slog.Warn("local command has no response; skipping", "command", cmd)
				continue
			}
			local[cmd] = LocalCommandSpec{Type: "static", Response: spec.Response}
		case "handler":
			if spec.Handler == "" {
				slog.Warn("local command has no handler; skipping", "command", cmd)
				continue
			}
			local[cmd] = LocalCommandSpec{Type: "handler", Handler: spec.Handler}
		default:
			slog.Warn("local command has unknown type; skipping", "command", cmd, "type", spec.Type)
		}
	}
	c.Commands.Local = local

	whitelist := c.Security.UserWhitelist[:0]
	for _, entry := range c.Security.UserWhitelist {
		entry = strings.TrimSpace(entry)
		if entry == "all" {
			whitelist = append(whitelist, entry)
			continue
		}
		if _, err := strconv.ParseInt(entry, 10, 64); err != nil {
			slog.Warn("ignoring invalid whitelist entry", "entry", entry)
			continue
		}
		whitelist = append(whitelist, entry)
	}
	if len(whitelist) == 0 {
		whitelist = []string{"all"}
	}
	c.Security.UserWhitelist = whitelist

	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 1
	}
	if c.Dedup.RetentionHours <= 0 {
		c.Dedup.RetentionHours = 24
	}
	if c.Gateway.TimeoutSeconds <= 0 {
		c.Gateway.TimeoutSeconds = 600
	}
}

// normalizeCommand lower-noise command normalization: trims whitespace and
// guarantees a single leading slash. Returns "" for unusable input.
func normalizeCommand(name string) string {
	name = strings.TrimSpace(name)
	name = "/" + strings.TrimLeft(name, "/")
	if name == "/" {
		return ""
	}
	return name
}

// ExpandHome replaces a leading ~/ with the user's home directory.
func ExpandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return home + path[1:]
		}
	}
	return path
}
