package broadcast

import (
	"context"
	"time"

	logx "segcast/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan int64, idx int) {
	for {
		// fast-exit so stop wins over queued work
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case id := <-queue:
			s.runCampaign(ctx, id)
		}
	}
}

// runCampaign drives one campaign from pending to a terminal status. It is
// the campaign's sole ledger writer for the whole run.
func (s *Service) runCampaign(ctx context.Context, id int64) {
	start := s.now()
	defer s.clearCancelled(id)

	log := s.log.With(logx.Int64("campaign", id))

	c, err := s.ledger.Campaign(ctx, id)
	if err != nil {
		log.Error("campaign load failed", logx.Err(err))
		return
	}
	if c.Status != StatusPending {
		log.Warn("campaign is not pending; skipping", logx.String("status", string(c.Status)))
		return
	}

	// Operator cancelled before delivery started.
	if s.isCancelled(id) {
		s.finish(ctx, log, c, StatusCancelled, 0, 0, 0, s.now().Sub(start))
		return
	}

	recipients, err := s.resolve(ctx, c.Filters)
	if err != nil {
		log.Error("audience resolution failed", logx.Err(err))
		s.finish(ctx, log, c, StatusFailed, 0, 0, 0, s.now().Sub(start))
		return
	}
	if len(recipients) == 0 {
		// The audience emptied out between creation and start.
		log.Warn("audience resolved empty")
		s.finish(ctx, log, c, StatusFailed, 0, 0, 0, s.now().Sub(start))
		return
	}

	// The run-start resolution is authoritative: the directory may have
	// changed since creation, so total_target is refreshed together with
	// the pending -> in_progress transition.
	if err := s.ledger.Begin(ctx, id, len(recipients)); err != nil {
		log.Error("transition to in_progress failed", logx.Err(err))
		return
	}
	c.Status = StatusInProgress
	c.TotalTarget = len(recipients)

	log.Info("campaign started", logx.Int("recipients", len(recipients)))
	s.rep.Started(ctx, c)

	msg := c.Draft().Outgoing()
	batchSize := s.batchSize()

	var (
		processed, success, failed int
		final                      = StatusCompleted
	)

loop:
	for off := 0; off < len(recipients); off += batchSize {
		// Cancellation is sampled only at batch boundaries; the batch below
		// always runs to completion once dispatched.
		if s.isCancelled(id) {
			final = StatusCancelled
			break
		}
		select {
		case <-ctx.Done():
			final = StatusCancelled
			break loop
		default:
		}

		end := off + batchSize
		if end > len(recipients) {
			end = len(recipients)
		}
		batch := recipients[off:end]

		okCount, failures := s.sendBatch(ctx, batch, msg)
		attempted := okCount + len(failures)

		// One counter write per batch bounds write amplification. Only
		// attempted recipients count as sent; sendBatch excludes sends that
		// shutdown cut off.
		if err := s.ledger.Increment(ctx, id, attempted, okCount, len(failures)); err != nil {
			log.Error("ledger increment failed; aborting campaign", logx.Err(err))
			final = StatusFailed
			break
		}
		for _, fe := range failures {
			if err := s.ledger.AppendError(ctx, id, fe.RecipientID, fe.Reason); err != nil {
				// The error log is advisory (bounded anyway); the failure is
				// already counted.
				log.Warn("error log append failed", logx.Int64("recipient", fe.RecipientID), logx.Err(err))
			}
		}

		processed += attempted
		success += okCount
		failed += len(failures)

		// A short batch means shutdown interrupted delivery mid-flight.
		if attempted < len(batch) {
			final = StatusCancelled
			break
		}

		s.rep.Progress(ctx, Snapshot{
			CampaignID:   id,
			Processed:    processed,
			TotalTarget:  len(recipients),
			SuccessCount: success,
			FailedCount:  failed,
		})

		if end < len(recipients) {
			if err := s.sleep(ctx, s.batchDelay()); err != nil {
				final = StatusCancelled
				break
			}
		}
	}

	s.finish(ctx, log, c, final, processed, success, failed, s.now().Sub(start))
}

// finish performs the terminal transition and always emits the final report,
// even for failed and cancelled runs.
func (s *Service) finish(ctx context.Context, log logx.Logger, c Campaign, final Status, processed, success, failed int, took time.Duration) {
	// Shutdown may have cancelled ctx; the terminal write must still happen.
	wctx := ctx
	if wctx.Err() != nil {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}

	if err := s.ledger.Transition(wctx, c.ID, final); err != nil {
		log.Error("terminal transition failed", logx.String("to", string(final)), logx.Err(err))
	}

	r := Report{
		CampaignID:   c.ID,
		Status:       final,
		TotalTarget:  c.TotalTarget,
		SentCount:    processed,
		SuccessCount: success,
		FailedCount:  failed,
		Took:         took,
	}
	if c.TotalTarget > 0 {
		r.SuccessRate = float64(success) / float64(c.TotalTarget)
	}
	if failed > 0 {
		if sample, err := s.ledger.CampaignErrors(wctx, c.ID, 5); err == nil {
			r.SampleErrors = sample
		}
	}
	s.rep.Final(wctx, r)

	fields := []logx.Field{
		logx.String("status", string(final)),
		logx.Int("sent", processed),
		logx.Int("success", success),
		logx.Int("failed", failed),
		logx.Duration("took", took),
	}
	if failed > 0 {
		log.Warn("campaign finished with failures", fields...)
	} else {
		log.Info("campaign finished", fields...)
	}
}

// resolve turns the campaign's filters into the concrete recipient list.
// The list lives only in this worker's memory; it is never persisted.
func (s *Service) resolve(ctx context.Context, f Filters) ([]int64, error) {
	f = f.normalize()
	if f.Empty() {
		return nil, nil
	}
	return s.dir.ResolveAudience(ctx, f)
}
