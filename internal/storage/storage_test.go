package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"segcast/internal/broadcast"
	"segcast/internal/transport"
	logx "segcast/pkg/logx"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "segcast.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestCampaignRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	in := broadcast.Campaign{
		Text:  "<b>hello</b>",
		Media: &transport.Media{Kind: transport.MediaPhoto, Ref: "file-123"},
		Buttons: [][]transport.Button{
			{{Label: "open", URL: "https://example.com"}},
			{{Label: "later", CallbackData: "remind"}},
		},
		Filters:     broadcast.Filters{HasOrders: true, MinOrders: 2},
		Status:      broadcast.StatusPending,
		TotalTarget: 42,
		CreatedBy:   7,
		CreatedAt:   time.Now().Add(-time.Minute),
	}
	id, err := st.CreateCampaign(ctx, in)
	if err != nil {
		t.Fatalf("CreateCampaign: %v", err)
	}

	got, err := st.Campaign(ctx, id)
	if err != nil {
		t.Fatalf("Campaign: %v", err)
	}
	if got.Text != in.Text || got.TotalTarget != 42 || got.CreatedBy != 7 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.Status != broadcast.StatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
	if got.Media == nil || got.Media.Kind != transport.MediaPhoto || got.Media.Ref != "file-123" {
		t.Fatalf("media mismatch: %+v", got.Media)
	}
	if len(got.Buttons) != 2 || got.Buttons[0][0].URL != "https://example.com" || got.Buttons[1][0].CallbackData != "remind" {
		t.Fatalf("buttons mismatch: %+v", got.Buttons)
	}
	if !got.Filters.HasOrders || got.Filters.MinOrders != 2 {
		t.Fatalf("filters mismatch: %+v", got.Filters)
	}
	if !got.CompletedAt.IsZero() {
		t.Fatalf("completed_at should be zero for a fresh campaign, got %v", got.CompletedAt)
	}

	if _, err := st.Campaign(ctx, id+100); !errors.Is(err, broadcast.ErrNotFound) {
		t.Fatalf("missing campaign err = %v, want ErrNotFound", err)
	}
}

func TestCampaignsNewestFirst(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		_, err := st.CreateCampaign(ctx, broadcast.Campaign{
			Text:        fmt.Sprintf("c%d", i),
			Filters:     broadcast.Filters{All: true},
			TotalTarget: 1,
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("CreateCampaign %d: %v", i, err)
		}
	}

	got, err := st.Campaigns(ctx, 3, 0)
	if err != nil {
		t.Fatalf("Campaigns: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].Text != "c4" || got[2].Text != "c2" {
		t.Fatalf("unexpected order: %s .. %s", got[0].Text, got[2].Text)
	}

	rest, err := st.Campaigns(ctx, 10, 3)
	if err != nil {
		t.Fatalf("Campaigns offset: %v", err)
	}
	if len(rest) != 2 || rest[0].Text != "c1" {
		t.Fatalf("offset page mismatch: %+v", rest)
	}
}

func TestBeginRefreshesTarget(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	id, err := st.CreateCampaign(ctx, broadcast.Campaign{Text: "b", Filters: broadcast.Filters{All: true}, TotalTarget: 5})
	if err != nil {
		t.Fatalf("CreateCampaign: %v", err)
	}

	if err := st.Begin(ctx, id, 30); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	c, err := st.Campaign(ctx, id)
	if err != nil {
		t.Fatalf("Campaign: %v", err)
	}
	if c.Status != broadcast.StatusInProgress || c.TotalTarget != 30 {
		t.Fatalf("status/target = %s/%d, want in_progress/30", c.Status, c.TotalTarget)
	}

	// Begin only moves pending campaigns; a rejected call leaves the target alone.
	if err := st.Begin(ctx, id, 9); !errors.Is(err, broadcast.ErrBadTransition) {
		t.Fatalf("second Begin = %v, want ErrBadTransition", err)
	}
	c, _ = st.Campaign(ctx, id)
	if c.TotalTarget != 30 {
		t.Fatalf("target = %d after rejected Begin, want 30", c.TotalTarget)
	}

	if err := st.Begin(ctx, id+100, 1); !errors.Is(err, broadcast.ErrNotFound) {
		t.Fatalf("missing campaign Begin = %v, want ErrNotFound", err)
	}
}

func TestTransitionRules(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	id, err := st.CreateCampaign(ctx, broadcast.Campaign{Text: "t", Filters: broadcast.Filters{All: true}, TotalTarget: 1})
	if err != nil {
		t.Fatalf("CreateCampaign: %v", err)
	}

	if err := st.Transition(ctx, id, broadcast.StatusCompleted); !errors.Is(err, broadcast.ErrBadTransition) {
		t.Fatalf("pending->completed = %v, want ErrBadTransition", err)
	}
	if err := st.Transition(ctx, id, broadcast.StatusInProgress); err != nil {
		t.Fatalf("pending->in_progress: %v", err)
	}
	if err := st.Transition(ctx, id, broadcast.StatusPending); !errors.Is(err, broadcast.ErrBadTransition) {
		t.Fatalf("in_progress->pending = %v, want ErrBadTransition", err)
	}
	if err := st.Transition(ctx, id, broadcast.StatusCompleted); err != nil {
		t.Fatalf("in_progress->completed: %v", err)
	}

	c, err := st.Campaign(ctx, id)
	if err != nil {
		t.Fatalf("Campaign: %v", err)
	}
	if c.CompletedAt.IsZero() {
		t.Fatal("completed_at not set by terminal transition")
	}

	// Terminal states are final.
	if err := st.Transition(ctx, id, broadcast.StatusInProgress); !errors.Is(err, broadcast.ErrBadTransition) {
		t.Fatalf("completed->in_progress = %v, want ErrBadTransition", err)
	}
	if err := st.Transition(ctx, id, broadcast.StatusCancelled); !errors.Is(err, broadcast.ErrBadTransition) {
		t.Fatalf("completed->cancelled = %v, want ErrBadTransition", err)
	}

	if err := st.Transition(ctx, id, broadcast.Status("bogus")); !errors.Is(err, broadcast.ErrBadTransition) {
		t.Fatalf("unknown status = %v, want ErrBadTransition", err)
	}
	if err := st.Transition(ctx, id+100, broadcast.StatusCancelled); !errors.Is(err, broadcast.ErrNotFound) {
		t.Fatalf("missing campaign = %v, want ErrNotFound", err)
	}
}

func TestIncrementAccumulates(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	id, err := st.CreateCampaign(ctx, broadcast.Campaign{Text: "t", Filters: broadcast.Filters{All: true}, TotalTarget: 30})
	if err != nil {
		t.Fatalf("CreateCampaign: %v", err)
	}

	if err := st.Increment(ctx, id, 20, 18, 2); err != nil {
		t.Fatalf("Increment: %v", err)
	}
	if err := st.Increment(ctx, id, 10, 10, 0); err != nil {
		t.Fatalf("Increment: %v", err)
	}

	c, _ := st.Campaign(ctx, id)
	if c.SentCount != 30 || c.SuccessCount != 28 || c.FailedCount != 2 {
		t.Fatalf("counters = %d/%d/%d, want 30/28/2", c.SentCount, c.SuccessCount, c.FailedCount)
	}
	if c.SuccessCount+c.FailedCount != c.SentCount {
		t.Fatal("counter invariant broken")
	}

	if err := st.Increment(ctx, id+100, 1, 1, 0); !errors.Is(err, broadcast.ErrNotFound) {
		t.Fatalf("missing campaign = %v, want ErrNotFound", err)
	}
}

func TestAppendErrorBounded(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	id, err := st.CreateCampaign(ctx, broadcast.Campaign{Text: "t", Filters: broadcast.Filters{All: true}, TotalTarget: 1})
	if err != nil {
		t.Fatalf("CreateCampaign: %v", err)
	}

	for i := 0; i < errorLogMax+25; i++ {
		if err := st.AppendError(ctx, id, int64(i+1), "boom"); err != nil {
			t.Fatalf("AppendError %d: %v", i, err)
		}
	}

	errs, err := st.CampaignErrors(ctx, id, 0)
	if err != nil {
		t.Fatalf("CampaignErrors: %v", err)
	}
	if len(errs) != errorLogMax {
		t.Fatalf("error log length = %d, want capped at %d", len(errs), errorLogMax)
	}
	// Oldest entries win; the cap drops the tail, not the head.
	if errs[0].RecipientID != 1 {
		t.Fatalf("first entry recipient = %d, want 1", errs[0].RecipientID)
	}

	few, err := st.CampaignErrors(ctx, id, 5)
	if err != nil {
		t.Fatalf("CampaignErrors limit: %v", err)
	}
	if len(few) != 5 {
		t.Fatalf("limited log length = %d, want 5", len(few))
	}
}

func TestPruneCampaignErrors(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	mk := func(status broadcast.Status) int64 {
		id, err := st.CreateCampaign(ctx, broadcast.Campaign{Text: "t", Filters: broadcast.Filters{All: true}, TotalTarget: 1})
		if err != nil {
			t.Fatalf("CreateCampaign: %v", err)
		}
		if status != broadcast.StatusPending {
			if err := st.Transition(ctx, id, broadcast.StatusInProgress); err != nil {
				t.Fatalf("Transition: %v", err)
			}
			if status != broadcast.StatusInProgress {
				if err := st.Transition(ctx, id, status); err != nil {
					t.Fatalf("Transition: %v", err)
				}
			}
		}
		if err := st.AppendError(ctx, id, 1, "boom"); err != nil {
			t.Fatalf("AppendError: %v", err)
		}
		return id
	}

	done := mk(broadcast.StatusCompleted)
	running := mk(broadcast.StatusInProgress)

	// completed_at is "now"; a future cutoff prunes the terminal campaign only.
	n, err := st.PruneCampaignErrors(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("PruneCampaignErrors: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned = %d, want 1", n)
	}
	if errs, _ := st.CampaignErrors(ctx, done, 0); len(errs) != 0 {
		t.Fatalf("terminal campaign log not pruned: %d rows", len(errs))
	}
	if errs, _ := st.CampaignErrors(ctx, running, 0); len(errs) != 1 {
		t.Fatalf("running campaign log must survive, got %d rows", len(errs))
	}

	// Counters are never touched by pruning.
	c, _ := st.Campaign(ctx, done)
	if c.Status != broadcast.StatusCompleted {
		t.Fatalf("status changed by prune: %s", c.Status)
	}
}

func TestCountByStatus(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id, err := st.CreateCampaign(ctx, broadcast.Campaign{Text: "t", Filters: broadcast.Filters{All: true}, TotalTarget: 1})
		if err != nil {
			t.Fatalf("CreateCampaign: %v", err)
		}
		if i == 0 {
			if err := st.Transition(ctx, id, broadcast.StatusInProgress); err != nil {
				t.Fatalf("Transition: %v", err)
			}
		}
	}

	stats, err := st.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if stats[broadcast.StatusPending] != 2 || stats[broadcast.StatusInProgress] != 1 {
		t.Fatalf("stats = %v, want 2 pending / 1 in_progress", stats)
	}
}
