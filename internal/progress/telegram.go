// Package progress delivers campaign progress snapshots and final reports
// to the operator chat.
package progress

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"segcast/internal/broadcast"
	"segcast/internal/transport"
	logx "segcast/pkg/logx"
)

// Telegram sends one progress message per campaign and edits it in place.
// Edits are throttled so a fast campaign cannot flood the operator chat;
// the final report is never throttled.
type Telegram struct {
	op     transport.Operator
	chatID int64
	log    logx.Logger

	mu   sync.Mutex
	lim  *rate.Limiter
	refs map[int64]transport.MessageRef
}

// NewTelegram creates the reporter. editsPerMin <= 0 defaults to 6.
func NewTelegram(op transport.Operator, chatID int64, editsPerMin int, log logx.Logger) *Telegram {
	if editsPerMin <= 0 {
		editsPerMin = 6
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Telegram{
		op:     op,
		chatID: chatID,
		log:    log,
		lim:    rate.NewLimiter(rate.Limit(float64(editsPerMin)/60.0), 1),
		refs:   map[int64]transport.MessageRef{},
	}
}

func (t *Telegram) Started(ctx context.Context, c broadcast.Campaign) {
	text := fmt.Sprintf(
		"📤 <b>Campaign #%d started</b>\n\nRecipients: %d\nProgress: 0/%d (0%%)",
		c.ID, c.TotalTarget, c.TotalTarget)
	ref, err := t.op.SendText(ctx, t.chatID, text)
	if err != nil {
		t.log.Warn("progress message send failed", logx.Int64("campaign", c.ID), logx.Err(err))
		return
	}
	t.mu.Lock()
	t.refs[c.ID] = ref
	t.mu.Unlock()
}

func (t *Telegram) Progress(ctx context.Context, s broadcast.Snapshot) {
	t.mu.Lock()
	ref, ok := t.refs[s.CampaignID]
	allowed := ok && t.lim.Allow()
	t.mu.Unlock()
	if !allowed {
		return
	}

	pct := 0
	if s.TotalTarget > 0 {
		pct = s.Processed * 100 / s.TotalTarget
	}
	text := fmt.Sprintf(
		"📤 <b>Campaign #%d</b>\n\nRecipients: %d\nProgress: %d/%d (%d%%)\n\n✅ Delivered: %d\n❌ Failed: %d",
		s.CampaignID, s.TotalTarget, s.Processed, s.TotalTarget, pct, s.SuccessCount, s.FailedCount)
	if err := t.op.EditText(ctx, ref, text); err != nil {
		t.log.Debug("progress edit failed", logx.Int64("campaign", s.CampaignID), logx.Err(err))
	}
}

func (t *Telegram) Final(ctx context.Context, r broadcast.Report) {
	t.mu.Lock()
	ref, ok := t.refs[r.CampaignID]
	delete(t.refs, r.CampaignID)
	t.mu.Unlock()

	text := finalText(r)
	var err error
	if ok {
		err = t.op.EditText(ctx, ref, text)
	} else {
		_, err = t.op.SendText(ctx, t.chatID, text)
	}
	if err != nil {
		t.log.Warn("final report send failed", logx.Int64("campaign", r.CampaignID), logx.Err(err))
	}
}

func finalText(r broadcast.Report) string {
	icon := "✅"
	switch r.Status {
	case broadcast.StatusCancelled:
		icon = "🚫"
	case broadcast.StatusFailed:
		icon = "💥"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s <b>Campaign #%d %s</b>\n\n", icon, r.CampaignID, r.Status)
	fmt.Fprintf(&b, "Recipients: %d\nSent: %d\n\n✅ Delivered: %d\n❌ Failed: %d\n\nSuccess rate: %d%%",
		r.TotalTarget, r.SentCount, r.SuccessCount, r.FailedCount, int(r.SuccessRate*100))
	if len(r.SampleErrors) > 0 {
		b.WriteString("\n\nSample errors:")
		for _, e := range r.SampleErrors {
			fmt.Fprintf(&b, "\n• %d: %s", e.RecipientID, e.Reason)
		}
	}
	return b.String()
}
