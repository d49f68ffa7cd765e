package dedup

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
)

// Sweeper runs Gate.Sweep on a cron schedule. Claims carry their own expiry;
// the sweeper only reclaims storage, so a missed tick is harmless.
type Sweeper struct {
	gate     Gate
	schedule string
	parser   *gronx.Gronx
}

func NewSweeper(gate Gate, schedule string) *Sweeper {
	parser := gronx.New()
	if schedule == "" || !parser.IsValid(schedule) {
		if schedule != "" {
			slog.Warn("invalid dedup sweep schedule, using hourly", "schedule", schedule)
		}
		schedule = "0 * * * *"
	}
	return &Sweeper{gate: gate, schedule: schedule, parser: parser}
}

// Run blocks until ctx is cancelled, checking the schedule once a minute.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			due, err := s.parser.IsDue(s.schedule, now)
			if err != nil || !due {
				continue
			}
			n, err := s.gate.Sweep(ctx)
			if err != nil {
				slog.Error("dedup sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("dedup sweep removed expired claims", "count", n)
			}
		}
	}
}
