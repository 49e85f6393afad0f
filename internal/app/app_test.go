package app

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"segcast/internal/broadcast"
	"segcast/internal/config"
	kit "segcast/internal/transport"
	logx "segcast/pkg/logx"
)

func TestMapBroadcastConfig(t *testing.T) {
	t.Parallel()

	t.Run("defaults pass through", func(t *testing.T) {
		t.Parallel()
		got, err := mapBroadcastConfig(&config.Config{})
		if err != nil {
			t.Fatalf("mapBroadcastConfig: %v", err)
		}
		if got.BatchDelay != 0 || got.RetentionSchedule != "" {
			t.Fatalf("zero config should map to zero values: %+v", got)
		}
	})

	t.Run("durations parsed", func(t *testing.T) {
		t.Parallel()
		cfg := &config.Config{}
		cfg.Broadcast.BatchDelay = "750ms"
		cfg.Broadcast.BatchSize = 30
		got, err := mapBroadcastConfig(cfg)
		if err != nil {
			t.Fatalf("mapBroadcastConfig: %v", err)
		}
		if got.BatchDelay != 750*time.Millisecond || got.BatchSize != 30 {
			t.Fatalf("got %+v", got)
		}
	})

	t.Run("retention defaults", func(t *testing.T) {
		t.Parallel()
		cfg := &config.Config{}
		cfg.Broadcast.Retention = &config.RetentionConfig{}
		got, err := mapBroadcastConfig(cfg)
		if err != nil {
			t.Fatalf("mapBroadcastConfig: %v", err)
		}
		if got.RetentionSchedule != "@daily" || got.RetentionKeep != 720*time.Hour {
			t.Fatalf("retention defaults: %+v", got)
		}
	})

	t.Run("bad schedule rejected", func(t *testing.T) {
		t.Parallel()
		cfg := &config.Config{}
		cfg.Broadcast.Retention = &config.RetentionConfig{Schedule: "every other tuesday"}
		if _, err := mapBroadcastConfig(cfg); err == nil {
			t.Fatal("expected schedule error")
		}
	})

	t.Run("bad duration rejected", func(t *testing.T) {
		t.Parallel()
		cfg := &config.Config{}
		cfg.Broadcast.BatchDelay = "soonish"
		if _, err := mapBroadcastConfig(cfg); err == nil {
			t.Fatal("expected duration error")
		}
	})
}

// ---- command surface ----

type stubLedger struct {
	mu    sync.Mutex
	seq   int64
	camps map[int64]broadcast.Campaign
}

func (l *stubLedger) CreateCampaign(_ context.Context, c broadcast.Campaign) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.camps == nil {
		l.camps = map[int64]broadcast.Campaign{}
	}
	l.seq++
	c.ID = l.seq
	l.camps[c.ID] = c
	return c.ID, nil
}

func (l *stubLedger) Campaign(_ context.Context, id int64) (broadcast.Campaign, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.camps[id]
	if !ok {
		return broadcast.Campaign{}, broadcast.ErrNotFound
	}
	return c, nil
}

func (l *stubLedger) Campaigns(_ context.Context, _, _ int) ([]broadcast.Campaign, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []broadcast.Campaign
	for id := l.seq; id > 0; id-- {
		if c, ok := l.camps[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (l *stubLedger) CountByStatus(context.Context) (map[broadcast.Status]int, error) {
	return map[broadcast.Status]int{broadcast.StatusPending: int(l.seq)}, nil
}
func (l *stubLedger) Begin(_ context.Context, id int64, total int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.camps[id]
	if !ok {
		return broadcast.ErrNotFound
	}
	c.Status = broadcast.StatusInProgress
	c.TotalTarget = total
	l.camps[id] = c
	return nil
}

func (l *stubLedger) Transition(context.Context, int64, broadcast.Status) error    { return nil }
func (l *stubLedger) Increment(context.Context, int64, int, int, int) error        { return nil }
func (l *stubLedger) AppendError(context.Context, int64, int64, string) error      { return nil }
func (l *stubLedger) CampaignErrors(context.Context, int64, int) ([]broadcast.DeliveryError, error) {
	return nil, nil
}
func (l *stubLedger) PruneCampaignErrors(context.Context, time.Time) (int, error) { return 0, nil }

type stubDirectory struct{ n int }

func (d *stubDirectory) ResolveAudience(context.Context, broadcast.Filters) ([]int64, error) {
	ids := make([]int64, d.n)
	for i := range ids {
		ids[i] = int64(i + 1)
	}
	return ids, nil
}
func (d *stubDirectory) CountAudience(context.Context, broadcast.Filters) (int, error) {
	return d.n, nil
}

type stubSender struct{}

func (stubSender) Send(context.Context, int64, kit.Outgoing) error { return nil }

type stubOperator struct {
	mu      sync.Mutex
	replies []string
}

func (o *stubOperator) SendText(_ context.Context, chatID int64, text string) (kit.MessageRef, error) {
	o.mu.Lock()
	o.replies = append(o.replies, text)
	o.mu.Unlock()
	return kit.MessageRef{ChatID: chatID, MessageID: len(o.replies)}, nil
}

func (o *stubOperator) EditText(context.Context, kit.MessageRef, string) error { return nil }

func (o *stubOperator) last(t *testing.T) string {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.replies) == 0 {
		t.Fatal("no reply sent")
	}
	return o.replies[len(o.replies)-1]
}

func newTestCommandManager(t *testing.T, audience int) (*CommandManager, *stubOperator) {
	t.Helper()
	op := &stubOperator{}
	bc := broadcast.New(broadcast.Config{}, &stubLedger{}, &stubDirectory{n: audience}, stubSender{}, nil, logx.Nop())
	return NewCommandManager(logx.Nop(), op, bc, -100), op
}

func say(m *CommandManager, text string) {
	m.handle(context.Background(), &kit.Message{ChatID: -100, FromID: 42, Text: text})
}

func TestCommandBroadcastDryRun(t *testing.T) {
	t.Parallel()

	m, op := newTestCommandManager(t, 12)
	say(m, `/broadcast {"text":"hi","filters":{"all":true},"dry_run":true}`)
	if got := op.last(t); !strings.Contains(got, "12 recipients") {
		t.Fatalf("dry run reply = %q", got)
	}
}

func TestCommandBroadcastCreates(t *testing.T) {
	t.Parallel()

	m, op := newTestCommandManager(t, 5)
	m.bc.Start(context.Background())
	defer m.bc.Stop(context.Background())
	say(m, `/broadcast {"text":"hello","filters":{"has_orders":true}}`)
	got := op.last(t)
	if !strings.Contains(got, "#1") || !strings.Contains(got, "5 recipients") {
		t.Fatalf("reply = %q", got)
	}
}

func TestCommandBroadcastRejectsEmptyFilters(t *testing.T) {
	t.Parallel()

	m, op := newTestCommandManager(t, 5)
	say(m, `/broadcast {"text":"hello","filters":{}}`)
	if got := op.last(t); !strings.Contains(got, "matches no recipients") {
		t.Fatalf("reply = %q", got)
	}
}

func TestCommandBadPayload(t *testing.T) {
	t.Parallel()

	m, op := newTestCommandManager(t, 5)
	say(m, `/broadcast not json`)
	if got := op.last(t); !strings.Contains(got, "bad payload") {
		t.Fatalf("reply = %q", got)
	}
}

func TestCommandStatusUnknownID(t *testing.T) {
	t.Parallel()

	m, op := newTestCommandManager(t, 5)
	say(m, "/status 99")
	if got := op.last(t); !strings.Contains(got, "not found") {
		t.Fatalf("reply = %q", got)
	}
	say(m, "/status abc")
	if got := op.last(t); !strings.Contains(got, "campaign id") {
		t.Fatalf("reply = %q", got)
	}
}

func TestDispatchLoopGatesOnOperatorChat(t *testing.T) {
	t.Parallel()

	m, op := newTestCommandManager(t, 5)
	updates := make(chan kit.Update, 2)
	updates <- kit.Update{Message: &kit.Message{ChatID: 555, FromID: 1, Text: "/help"}}
	updates <- kit.Update{Message: &kit.Message{ChatID: -100, FromID: 1, Text: "/help"}}
	close(updates)
	if err := m.DispatchLoop(context.Background(), updates); err != nil {
		t.Fatalf("DispatchLoop: %v", err)
	}
	op.mu.Lock()
	defer op.mu.Unlock()
	if len(op.replies) != 1 {
		t.Fatalf("replies = %d, want 1 (foreign chat must be ignored)", len(op.replies))
	}
}

func TestCommandMentionSuffixStripped(t *testing.T) {
	t.Parallel()

	m, op := newTestCommandManager(t, 5)
	say(m, "/help@segcastbot")
	if got := op.last(t); !strings.Contains(got, "segcast commands") {
		t.Fatalf("reply = %q", got)
	}
}
