package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"segcast/internal/transport"
	logx "segcast/pkg/logx"
)

var (
	ErrNotFound      = errors.New("campaign not found")
	ErrEmptyAudience = errors.New("audience filter matches no recipients")
	ErrBadTransition = errors.New("illegal status transition")
	ErrQueueFull     = errors.New("broadcast queue full")
	ErrStopped       = errors.New("broadcast service stopped")
)

// Status is the campaign lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal lifecycle step.
//
// pending may fail or be cancelled before delivery ever starts (resolution
// error, operator cancel); in_progress may reach any terminal state.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusInProgress || to == StatusFailed || to == StatusCancelled
	case StatusInProgress:
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	}
	return false
}

// Draft is the prepared message content of a campaign.
type Draft struct {
	Text    string
	Media   *transport.Media
	Buttons [][]transport.Button
}

const maxTextLen = 4096

// Validate checks the draft before a campaign is created. Per-recipient
// delivery never re-validates; a payload the platform still rejects is a
// permanent per-recipient failure, not a crash.
func (d Draft) Validate() error {
	if len([]rune(d.Text)) == 0 {
		return errors.New("draft: text is empty")
	}
	if n := len([]rune(d.Text)); n > maxTextLen {
		return fmt.Errorf("draft: text too long (%d > %d)", n, maxTextLen)
	}
	if d.Media != nil {
		switch d.Media.Kind {
		case transport.MediaPhoto, transport.MediaVideo, transport.MediaDocument:
		default:
			return fmt.Errorf("draft: unknown media kind %q", d.Media.Kind)
		}
		if d.Media.Ref == "" {
			return errors.New("draft: media reference is empty")
		}
	}
	for i, row := range d.Buttons {
		if len(row) == 0 {
			return fmt.Errorf("draft: button row %d is empty", i)
		}
		for j, b := range row {
			if b.Label == "" {
				return fmt.Errorf("draft: button [%d][%d] has no label", i, j)
			}
			if (b.URL == "") == (b.CallbackData == "") {
				return fmt.Errorf("draft: button [%d][%d] needs exactly one of url or callback target", i, j)
			}
		}
	}
	return nil
}

// Outgoing converts the draft to the wire message sent to every recipient.
func (d Draft) Outgoing() transport.Outgoing {
	return transport.Outgoing{
		Text:      d.Text,
		Media:     d.Media,
		Buttons:   d.Buttons,
		ParseMode: "HTML",
	}
}

// Campaign is the ledger record of one broadcast run.
type Campaign struct {
	ID int64

	Text    string
	Media   *transport.Media
	Buttons [][]transport.Button
	Filters Filters

	Status Status

	TotalTarget  int
	SentCount    int
	SuccessCount int
	FailedCount  int

	CreatedBy   int64
	CreatedAt   time.Time
	CompletedAt time.Time // zero until a terminal transition
}

// Draft reconstructs the message content from the ledger record.
func (c Campaign) Draft() Draft {
	return Draft{Text: c.Text, Media: c.Media, Buttons: c.Buttons}
}

// DeliveryError is one entry of a campaign's error log.
type DeliveryError struct {
	RecipientID int64
	Reason      string
	At          time.Time
}

// Snapshot is the periodic progress report emitted at batch boundaries.
type Snapshot struct {
	CampaignID   int64
	Processed    int
	TotalTarget  int
	SuccessCount int
	FailedCount  int
}

// Report is the final report, produced for every terminal status.
type Report struct {
	CampaignID   int64
	Status       Status
	TotalTarget  int
	SentCount    int
	SuccessCount int
	FailedCount  int
	SuccessRate  float64 // 0..1 over total_target
	SampleErrors []DeliveryError
	Took         time.Duration
}

// Ledger is the persistent campaign record. Transition must enforce
// CanTransition and set completed_at atomically with terminal transitions.
// Begin is the pending -> in_progress transition: it refreshes total_target
// to the run-start audience size in the same write, so the counters can
// never outgrow the target the run actually delivers against. Increment is
// called once per processed batch, never concurrently for the same campaign.
type Ledger interface {
	CreateCampaign(ctx context.Context, c Campaign) (int64, error)
	Campaign(ctx context.Context, id int64) (Campaign, error)
	Campaigns(ctx context.Context, limit, offset int) ([]Campaign, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)

	Begin(ctx context.Context, id int64, total int) error
	Transition(ctx context.Context, id int64, to Status) error
	Increment(ctx context.Context, id int64, sent, success, failed int) error
	AppendError(ctx context.Context, id, recipientID int64, reason string) error
	CampaignErrors(ctx context.Context, id int64, limit int) ([]DeliveryError, error)
	PruneCampaignErrors(ctx context.Context, olderThan time.Time) (int, error)
}

// Directory is the read-only audience store the resolver queries.
// ResolveAudience must be deterministic for an unchanged directory: same
// filters yield the same ids in the same order, banned recipients excluded.
type Directory interface {
	ResolveAudience(ctx context.Context, f Filters) ([]int64, error)
	CountAudience(ctx context.Context, f Filters) (int, error)
}

// Reporter receives progress snapshots and the final report. Implementations
// must tolerate being called from multiple campaign workers.
type Reporter interface {
	Started(ctx context.Context, c Campaign)
	Progress(ctx context.Context, s Snapshot)
	Final(ctx context.Context, r Report)
}

type nopReporter struct{}

func (nopReporter) Started(context.Context, Campaign) {}
func (nopReporter) Progress(context.Context, Snapshot) {}
func (nopReporter) Final(context.Context, Report)      {}

// Config controls delivery pacing. Zero fields fall back to defaults (see
// service.go); RetryMax -1 disables retries entirely.
type Config struct {
	Workers    int
	QueueSize  int
	BatchSize  int
	BatchDelay time.Duration
	RatePerSec int
	RetryMax   int

	// RetentionSchedule / RetentionKeep control error-log pruning of old
	// terminal campaigns. Empty schedule disables the pruner.
	RetentionSchedule string
	RetentionKeep     time.Duration
}

// Service drives campaigns: a bounded queue of campaign ids consumed by a
// worker pool, one campaign per worker at a time.
type Service struct {
	mu sync.Mutex

	cfg    Config
	ledger Ledger
	dir    Directory
	sender transport.Sender
	rep    Reporter
	log    logx.Logger

	limiter *rate.Limiter
	queue   chan int64
	stopCh  chan struct{}
	// stopDone is non-nil while a Stop() is in progress; it is closed when
	// workers fully exit.
	stopDone chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup

	// cancellation controller: campaign ids flagged by the operator,
	// sampled by workers at batch boundaries.
	cancelMu  sync.Mutex
	cancelled map[int64]struct{}

	// sleep is the injected pacing dependency (inter-batch delay, retry
	// backoff). Tests replace it to avoid real time.
	sleep func(ctx context.Context, d time.Duration) error

	now func() time.Time
}
