package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/omnirelay/internal/access"
	"github.com/nextlevelbuilder/omnirelay/internal/agentgw"
	"github.com/nextlevelbuilder/omnirelay/internal/command"
	"github.com/nextlevelbuilder/omnirelay/internal/config"
	"github.com/nextlevelbuilder/omnirelay/internal/dedup"
	"github.com/nextlevelbuilder/omnirelay/internal/dispatch"
	"github.com/nextlevelbuilder/omnirelay/internal/queue"
	"github.com/nextlevelbuilder/omnirelay/internal/session"
	"github.com/nextlevelbuilder/omnirelay/internal/storage"
	"github.com/nextlevelbuilder/omnirelay/internal/telegram"
	"github.com/nextlevelbuilder/omnirelay/internal/worker"
)

// runtime is the assembled service graph shared by the producer and consumer
// roles. A role uses the parts it needs.
type runtime struct {
	cfg        *config.Config
	db         *sql.DB
	dialect    storage.Dialect
	queue      *queue.SQLQueue
	gate       dedup.Gate
	sweeper    *dedup.Sweeper
	sessions   *session.SQLStore
	blobs      *session.FSBlobStore
	sender     *telegram.Sender
	dispatcher *dispatch.Dispatcher
	worker     *worker.Worker
}

func buildRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Telegram.Token == "" {
		return nil, fmt.Errorf("telegram token is not configured (set telegram.token or OMNIRELAY_TELEGRAM_TOKEN)")
	}

	db, dialect, err := storage.Open(cfg.Database)
	if err != nil {
		return nil, err
	}

	q := queue.NewSQLQueue(db, dialect,
		time.Duration(cfg.Queue.VisibilitySeconds)*time.Second,
		time.Duration(cfg.Queue.RetryDelaySeconds)*time.Second)

	var gate dedup.Gate = dedup.NoopGate{}
	if cfg.Dedup.Enabled {
		gate = dedup.NewSQLGate(db, dialect, time.Duration(cfg.Dedup.RetentionHours)*time.Hour)
	}

	sessions := session.NewSQLStore(db, dialect)
	blobs, err := session.NewFSBlobStore(config.ExpandHome(cfg.Sessions.BlobDir))
	if err != nil {
		return nil, err
	}
	workspace := config.ExpandHome(cfg.Sessions.Workspace)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	bot, err := telego.NewBot(cfg.Telegram.Token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	me, err := bot.GetMe(ctx)
	if err != nil {
		return nil, fmt.Errorf("verify bot token: %w", err)
	}
	sender := telegram.NewSender(bot, me.ID, cfg.Telegram.SendRatePerSecond)

	table := command.NewTable(cfg.Commands, dispatch.HandlerNames())
	allow := access.ParseAllowList(cfg.Security.UserWhitelist)

	gw := agentgw.NewClient(cfg.Gateway.URL, cfg.Gateway.Token,
		time.Duration(cfg.Gateway.TimeoutSeconds)*time.Second)

	return &runtime{
		cfg:        cfg,
		db:         db,
		dialect:    dialect,
		queue:      q,
		gate:       gate,
		sweeper:    dedup.NewSweeper(gate, cfg.Dedup.SweepSchedule),
		sessions:   sessions,
		blobs:      blobs,
		sender:     sender,
		dispatcher: dispatch.New(q, sender, table, allow),
		worker: worker.New(q, gate, sessions, blobs, gw, sender, worker.Options{
			Workers:      cfg.Queue.Workers,
			PollInterval: time.Duration(cfg.Queue.PollIntervalMs) * time.Millisecond,
			Timeout:      time.Duration(cfg.Gateway.TimeoutSeconds) * time.Second,
			MaxAttempts:  cfg.Queue.MaxAttempts,
			Workspace:    workspace,
		}),
	}, nil
}
