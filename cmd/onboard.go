package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/omnirelay/internal/config"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive setup: write an initial config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnboard()
		},
	}
}

func runOnboard() error {
	path := resolveConfigPath()
	if _, err := os.Stat(path); err == nil {
		var overwrite bool
		confirm := huh.NewConfirm().
			Title(fmt.Sprintf("%s already exists. Overwrite?", path)).
			Value(&overwrite)
		if err := confirm.Run(); err != nil {
			return err
		}
		if !overwrite {
			fmt.Println("Keeping existing config.")
			return nil
		}
	}

	cfg := config.Default()
	var (
		botToken      string
		webhookSecret string
		gatewayURL    = cfg.Gateway.URL
		gatewayToken  string
		dbMode        = "sqlite"
		whitelist     string
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Telegram bot token").
				Description("From @BotFather.").
				EchoMode(huh.EchoModePassword).
				Value(&botToken),
			huh.NewInput().
				Title("Webhook secret").
				Description("Optional. Sent by Telegram in the secret token header; leave empty to disable verification.").
				Value(&webhookSecret),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Agent gateway URL").
				Description("HTTP endpoint of the agent backend.").
				Value(&gatewayURL),
			huh.NewInput().
				Title("Agent gateway token").
				Description("Optional bearer token.").
				EchoMode(huh.EchoModePassword).
				Value(&gatewayToken),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Database backend").
				Options(
					huh.NewOption("SQLite (single node, zero setup)", "sqlite"),
					huh.NewOption("Postgres (managed, OMNIRELAY_POSTGRES_DSN)", "postgres"),
				).
				Value(&dbMode),
			huh.NewInput().
				Title("User whitelist").
				Description("Comma-separated Telegram user IDs, or \"all\" to admit everyone.").
				Placeholder("all").
				Value(&whitelist),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	cfg.Telegram.Token = strings.TrimSpace(botToken)
	cfg.Telegram.WebhookSecret = strings.TrimSpace(webhookSecret)
	cfg.Gateway.URL = strings.TrimSpace(gatewayURL)
	cfg.Gateway.Token = strings.TrimSpace(gatewayToken)
	cfg.Database.Mode = dbMode
	if entries := splitList(whitelist); len(entries) > 0 {
		cfg.Security.UserWhitelist = entries
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Printf("Wrote %s\n\nNext steps:\n", path)
	fmt.Println("  1. omnirelay migrate up")
	fmt.Println("  2. omnirelay serve")
	fmt.Println("  3. Point the Telegram webhook at your listener (setWebhook).")
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
