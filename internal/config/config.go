package config

// Config is the full omnirelay configuration tree, loaded from config.json5
// and overlaid with OMNIRELAY_* environment variables.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Webhook   WebhookConfig   `json:"webhook"`
	Gateway   GatewayConfig   `json:"gateway"`
	Commands  CommandsConfig  `json:"commands"`
	Security  SecurityConfig  `json:"security"`
	Queue     QueueConfig     `json:"queue"`
	Dedup     DedupConfig     `json:"dedup"`
	Sessions  SessionsConfig  `json:"sessions"`
	Database  DatabaseConfig  `json:"database"`
	Telemetry TelemetryConfig `json:"telemetry"`
}

// TelegramConfig holds bot credentials and webhook authentication.
type TelegramConfig struct {
	Token string `json:"token"`
	// WebhookSecret is compared (constant-time) against the
	// X-Telegram-Bot-Api-Secret-Token header. Empty = verification disabled.
	WebhookSecret string `json:"webhook_secret"`
	// SendRatePerSecond bounds outbound Bot API calls. 0 = default.
	SendRatePerSecond float64 `json:"send_rate_per_second"`
}

// WebhookConfig configures the producer HTTP listener.
type WebhookConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	Path string `json:"path"`
}

// GatewayConfig points at the agent runtime HTTP endpoint.
type GatewayConfig struct {
	URL   string `json:"url"`
	Token string `json:"token"`
	// TimeoutSeconds is the ceiling for a single agent invocation.
	// Agent runs are multi-minute affairs; default is 600.
	TimeoutSeconds int `json:"timeout_seconds"`
}

// LocalCommandSpec is one entry of the local command table.
// Exactly one of Response (type "static") or Handler (type "handler") is set.
type LocalCommandSpec struct {
	Type     string `json:"type"`
	Response string `json:"response"`
	Handler  string `json:"handler"`
}

// CommandsConfig enumerates agent-bound commands and the local command table.
type CommandsConfig struct {
	Agent []string                    `json:"agent"`
	Local map[string]LocalCommandSpec `json:"local"`
}

// SecurityConfig holds the sender whitelist. Entries are numeric Telegram
// user IDs, or the wildcard "all" which admits every sender.
type SecurityConfig struct {
	UserWhitelist []string `json:"user_whitelist"`
}

// QueueConfig tunes the durable job queue and the consumer pool.
type QueueConfig struct {
	// Workers is the number of concurrent job processors. Jobs within one
	// conversation group are still serialized by the queue itself.
	Workers int `json:"workers"`
	// VisibilitySeconds is the lease on a received job before it becomes
	// eligible for redelivery.
	VisibilitySeconds int `json:"visibility_seconds"`
	// PollIntervalMs is the idle polling interval of the consumer.
	PollIntervalMs int `json:"poll_interval_ms"`
	// MaxAttempts drops a job after this many deliveries.
	MaxAttempts int `json:"max_attempts"`
	// RetryDelaySeconds delays a released job before redelivery.
	RetryDelaySeconds int `json:"retry_delay_seconds"`
}

// DedupConfig tunes the message claim gate.
type DedupConfig struct {
	// Enabled turns the gate on. When off, every delivery is admitted and the
	// relay degrades to at-least-once.
	Enabled bool `json:"enabled"`
	// RetentionHours is the window during which a claimed message blocks
	// reprocessing. Default 24.
	RetentionHours int `json:"retention_hours"`
	// SweepSchedule is a cron expression for purging expired claims.
	SweepSchedule string `json:"sweep_schedule"`
}

// SessionsConfig configures the conversation-to-resume-token map and blob snapshots.
type SessionsConfig struct {
	// BlobDir is the root of the snapshot namespace (one subtree per resume token).
	BlobDir string `json:"blob_dir"`
	// Workspace is the directory hydrated before and captured after each
	// agent exchange.
	Workspace string `json:"workspace"`
}

// DatabaseConfig selects the backing store for queue, dedup gate, and session map.
type DatabaseConfig struct {
	// Mode is "sqlite" (default, single-node) or "postgres" (managed).
	Mode string `json:"mode"`
	// Path is the sqlite database file.
	Path string `json:"path"`
	// PostgresDSN comes from the environment only, never from the file.
	PostgresDSN string `json:"-"`
}

// TelemetryConfig configures the OTLP trace exporter.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint"`
	Protocol    string `json:"protocol"` // "grpc" or "http"
	ServiceName string `json:"service_name"`
	Insecure    bool   `json:"insecure"`
}
