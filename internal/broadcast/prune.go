package broadcast

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	logx "segcast/pkg/logx"
)

const defaultRetentionKeep = 30 * 24 * time.Hour

// startPruner runs the error-log retention loop until stop. Old terminal
// campaigns keep their counters forever; only their per-recipient error rows
// are deleted, on the configured cron schedule.
func (s *Service) startPruner(ctx context.Context, stopCh <-chan struct{}) {
	sched, err := cron.ParseStandard(s.cfg.RetentionSchedule)
	if err != nil {
		s.log.Warn("invalid retention schedule; pruner disabled",
			logx.String("schedule", s.cfg.RetentionSchedule), logx.Err(err))
		return
	}
	keep := s.cfg.RetentionKeep
	if keep <= 0 {
		keep = defaultRetentionKeep
	}

	s.workerWG.Add(1)
	go func() {
		defer s.workerWG.Done()
		for {
			next := sched.Next(s.now())
			t := time.NewTimer(next.Sub(s.now()))
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-stopCh:
				t.Stop()
				return
			case <-t.C:
			}

			cutoff := s.now().Add(-keep)
			pctx, cancel := context.WithTimeout(ctx, 30*time.Second)
			n, err := s.ledger.PruneCampaignErrors(pctx, cutoff)
			cancel()
			if err != nil {
				s.log.Warn("error log prune failed", logx.Err(err))
				continue
			}
			if n > 0 {
				s.log.Info("pruned old campaign errors",
					logx.Int("rows", n), logx.Time("cutoff", cutoff))
			}
		}
	}()
}
