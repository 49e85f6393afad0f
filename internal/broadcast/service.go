package broadcast

import (
	"context"
	"runtime/debug"
	"time"

	"golang.org/x/time/rate"

	"segcast/internal/transport"
	logx "segcast/pkg/logx"
)

const (
	defaultWorkers    = 2
	defaultQueueSize  = 16
	defaultBatchSize  = 20
	defaultBatchDelay = time.Second
	defaultRatePerSec = 20
	defaultRetryMax   = 3
)

func New(cfg Config, ledger Ledger, dir Directory, sender transport.Sender, rep Reporter, log logx.Logger) *Service {
	if rep == nil {
		rep = nopReporter{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = defaultRatePerSec
	}
	qs := cfg.QueueSize
	if qs <= 0 {
		qs = defaultQueueSize
	}
	return &Service{
		cfg:       cfg,
		ledger:    ledger,
		dir:       dir,
		sender:    sender,
		rep:       rep,
		log:       log,
		limiter:   rate.NewLimiter(rate.Limit(rps), rps),
		queue:     make(chan int64, qs),
		cancelled: map[int64]struct{}{},
		sleep:     sleepCtx,
		now:       time.Now,
	}
}

// Apply swaps pacing settings at runtime. The queue and worker count are
// fixed for the lifetime of a Start(); batch size, delay, rate and retry
// budget take effect from the next batch.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg.Workers = s.cfg.Workers
	cfg.QueueSize = s.cfg.QueueSize
	s.cfg = cfg
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = defaultRatePerSec
	}
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)
}

func (s *Service) Start(ctx context.Context) {
	// If a Stop() is in progress, wait for it to complete (prevents double
	// worker pools).
	for {
		s.mu.Lock()
		if s.stopCh == nil {
			break
		}
		done := s.stopDone
		if done == nil {
			// already running
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
	}
	defer s.mu.Unlock()
	s.stopCh = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)

	workers := s.cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}

	queue := s.queue
	stopCh := s.stopCh
	runCtx := s.runCtx

	s.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in broadcast worker",
						logx.Int("worker", idx), logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())))
				}
			}()
			s.worker(runCtx, stopCh, queue, idx)
		}()
	}

	if s.cfg.RetentionSchedule != "" {
		s.startPruner(runCtx, stopCh)
	}

	bs := s.cfg.BatchSize
	if bs <= 0 {
		bs = defaultBatchSize
	}
	s.log.Info("service started",
		logx.Int("workers", workers),
		logx.Int("batch_size", bs),
		logx.Int("rps", s.cfg.RatePerSec))
}

func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	// If a stop is already in progress, just wait for it.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	stopCh := s.stopCh
	cancel := s.runCancel
	s.runCancel = nil
	s.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}

	go func() {
		s.workerWG.Wait()
		s.mu.Lock()
		s.stopCh = nil
		s.runCtx = nil
		s.stopDone = nil
		s.mu.Unlock()
		close(done)
		s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// stop continues in background
	}
}

func (s *Service) batchSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.BatchSize <= 0 {
		return defaultBatchSize
	}
	return s.cfg.BatchSize
}

func (s *Service) batchDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.BatchDelay <= 0 {
		return defaultBatchDelay
	}
	return s.cfg.BatchDelay
}

// sleepCtx waits d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
