package broadcast

import (
	"context"
	"fmt"

	logx "segcast/pkg/logx"
)

// Create validates the draft and filters, counts the audience, and persists
// a pending campaign. It rejects drafts whose filter matches no recipient:
// an empty campaign must never reach in_progress.
func (s *Service) Create(ctx context.Context, d Draft, f Filters, createdBy int64) (Campaign, error) {
	if err := d.Validate(); err != nil {
		return Campaign{}, err
	}
	f = f.normalize()

	total := 0
	if !f.Empty() {
		n, err := s.dir.CountAudience(ctx, f)
		if err != nil {
			return Campaign{}, fmt.Errorf("count audience: %w", err)
		}
		total = n
	}
	if total == 0 {
		return Campaign{}, ErrEmptyAudience
	}

	c := Campaign{
		Text:        d.Text,
		Media:       d.Media,
		Buttons:     d.Buttons,
		Filters:     f,
		Status:      StatusPending,
		TotalTarget: total,
		CreatedBy:   createdBy,
		CreatedAt:   s.now(),
	}
	id, err := s.ledger.CreateCampaign(ctx, c)
	if err != nil {
		return Campaign{}, fmt.Errorf("create campaign: %w", err)
	}
	c.ID = id

	s.log.Info("campaign created",
		logx.Int64("campaign", id),
		logx.Int("total_target", total),
		logx.Bool("has_media", d.Media != nil))
	return c, nil
}

// Audience counts the recipients a filter would currently reach, without
// creating anything. An empty filter matches nobody.
func (s *Service) Audience(ctx context.Context, f Filters) (int, error) {
	f = f.normalize()
	if f.Empty() {
		return 0, nil
	}
	return s.dir.CountAudience(ctx, f)
}

// Enqueue hands a pending campaign to the worker pool.
func (s *Service) Enqueue(id int64) error {
	s.mu.Lock()
	stopped := s.stopCh == nil
	q := s.queue
	s.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	select {
	case q <- id:
		s.log.Debug("campaign enqueued", logx.Int64("campaign", id),
			logx.Int("queue_len", len(q)), logx.Int("queue_cap", cap(q)))
		return nil
	default:
		return ErrQueueFull
	}
}

// Cancel flags a campaign for cooperative cancellation. Workers observe the
// flag between batches; a batch already dispatched runs to completion.
// Cancelling an unknown or already-terminal campaign is a no-op.
func (s *Service) Cancel(id int64) {
	s.cancelMu.Lock()
	s.cancelled[id] = struct{}{}
	s.cancelMu.Unlock()
	s.log.Info("campaign cancellation requested", logx.Int64("campaign", id))
}

func (s *Service) isCancelled(id int64) bool {
	s.cancelMu.Lock()
	_, ok := s.cancelled[id]
	s.cancelMu.Unlock()
	return ok
}

func (s *Service) clearCancelled(id int64) {
	s.cancelMu.Lock()
	delete(s.cancelled, id)
	s.cancelMu.Unlock()
}

// Get returns the ledger record of one campaign.
func (s *Service) Get(ctx context.Context, id int64) (Campaign, error) {
	return s.ledger.Campaign(ctx, id)
}

// List returns campaign history, newest first.
func (s *Service) List(ctx context.Context, limit, offset int) ([]Campaign, error) {
	return s.ledger.Campaigns(ctx, limit, offset)
}

// Errors returns up to limit entries of a campaign's error log.
func (s *Service) Errors(ctx context.Context, id int64, limit int) ([]DeliveryError, error) {
	return s.ledger.CampaignErrors(ctx, id, limit)
}

// Stats returns campaign counts per status.
func (s *Service) Stats(ctx context.Context) (map[Status]int, error) {
	return s.ledger.CountByStatus(ctx)
}
