package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"segcast/internal/transport"
	logx "segcast/pkg/logx"
)

// sendBatch dispatches one batch concurrently (bounded parallelism = batch
// size) and gathers outcomes. Each recipient's retries happen inside its own
// goroutine, so a flood-wait for one recipient never blocks its siblings.
// success + len(failures) falls short of len(batch) only when ctx was
// cancelled mid-batch; the caller treats that as an interrupted run.
func (s *Service) sendBatch(ctx context.Context, batch []int64, msg transport.Outgoing) (success int, failures []DeliveryError) {
	results := make([]error, len(batch))

	var wg sync.WaitGroup
	wg.Add(len(batch))
	for i, rid := range batch {
		i, rid := i, rid
		go func() {
			defer wg.Done()
			results[i] = s.sendOne(ctx, rid, msg)
		}()
	}
	wg.Wait()

	for i, err := range results {
		if err == nil {
			success++
			continue
		}
		// Shutdown can cut a batch off between dispatch and delivery. A
		// recipient whose send was interrupted by our own context is not a
		// delivery failure; it is simply not counted.
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			continue
		}
		failures = append(failures, DeliveryError{
			RecipientID: batch[i],
			Reason:      err.Error(),
			At:          s.now(),
		})
	}
	return success, failures
}

// sendOne performs one delivery with bounded retries.
//
// Outcome classification:
//   - nil: delivered.
//   - transport.Permanent: counted as failed immediately, no retry.
//   - transport.RetryAfterError: wait at least the platform hint, retry.
//   - anything else: transient; default backoff, retry.
//
// A recipient that exhausts its retry budget degrades to a permanent
// failure so one bad recipient cannot stall the campaign.
func (s *Service) sendOne(ctx context.Context, recipient int64, msg transport.Outgoing) error {
	// Snapshot mutable dependencies to avoid races with Apply().
	s.mu.Lock()
	lim := s.limiter
	retry := s.cfg.RetryMax
	s.mu.Unlock()
	if retry == 0 {
		retry = defaultRetryMax
	} else if retry < 0 {
		retry = 0 // explicit "no retries"
	}

	var last error
	for attempt := 0; attempt <= retry; attempt++ {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return err
			}
		}

		err := s.sender.Send(ctx, recipient, msg)
		if err == nil {
			return nil
		}
		if transport.IsPermanent(err) {
			return err
		}
		last = err
		if attempt == retry {
			break
		}

		delay := time.Duration(200+100*attempt) * time.Millisecond
		var ra transport.RetryAfterError
		if errors.As(err, &ra) && ra.RetryAfter() > delay {
			delay = ra.RetryAfter()
		}
		s.log.Debug("send retry scheduled",
			logx.Int64("recipient", recipient),
			logx.Int("attempt", attempt+2),
			logx.Duration("delay", delay),
			logx.Err(err))
		if serr := s.sleep(ctx, delay); serr != nil {
			return serr
		}
	}
	return last
}
