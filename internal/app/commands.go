package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"segcast/internal/broadcast"
	kit "segcast/internal/transport"
	logx "segcast/pkg/logx"
)

// CommandManager routes operator chat messages to campaign operations.
// Commands are accepted only from the configured operator chat; everything
// else is dropped silently.
type CommandManager struct {
	log    logx.Logger
	op     kit.Operator
	bc     *broadcast.Service
	chatID int64
}

func NewCommandManager(log logx.Logger, op kit.Operator, bc *broadcast.Service, chatID int64) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &CommandManager{log: log, op: op, bc: bc, chatID: chatID}
}

func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			if up.Message == nil || up.Message.ChatID != m.chatID {
				continue
			}
			m.handle(ctx, up.Message)
		}
	}
}

func (m *CommandManager) handle(ctx context.Context, msg *kit.Message) {
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	cmd, args, _ := strings.Cut(text, " ")
	// strip bot-mention suffix (/list@segcastbot)
	if at := strings.IndexByte(cmd, '@'); at > 0 {
		cmd = cmd[:at]
	}
	args = strings.TrimSpace(args)

	cctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var reply string
	var err error
	switch cmd {
	case "/broadcast":
		reply, err = m.cmdBroadcast(cctx, args, msg.FromID)
	case "/status":
		reply, err = m.cmdStatus(cctx, args)
	case "/cancel":
		reply, err = m.cmdCancel(args)
	case "/list":
		reply, err = m.cmdList(cctx, args)
	case "/errors":
		reply, err = m.cmdErrors(cctx, args)
	case "/stats":
		reply, err = m.cmdStats(cctx)
	case "/help", "/start":
		reply = helpText
	default:
		return
	}
	if err != nil {
		m.log.Warn("command failed", logx.String("cmd", cmd), logx.Err(err))
		reply = "⚠️ " + html(err.Error())
	}
	if reply == "" {
		return
	}
	if _, err := m.op.SendText(ctx, m.chatID, reply); err != nil {
		m.log.Warn("command reply failed", logx.String("cmd", cmd), logx.Err(err))
	}
}

const helpText = `<b>segcast commands</b>

/broadcast {"text":"...","filters":{"all":true}} — create and start a campaign
/status &lt;id&gt; — campaign counters
/cancel &lt;id&gt; — request cancellation (takes effect at the next batch)
/list [n] — recent campaigns
/errors &lt;id&gt; [n] — per-recipient failures
/stats — campaign totals by status

Filters: all, active_days, has_orders, no_orders, min_orders, registered_after (YYYY-MM-DD).`

// broadcastRequest is the /broadcast payload.
type broadcastRequest struct {
	Text    string         `json:"text"`
	Filters map[string]any `json:"filters"`
	Media   *kit.Media     `json:"media,omitempty"`
	Buttons [][]kit.Button `json:"buttons,omitempty"`
	DryRun  bool           `json:"dry_run,omitempty"`
}

func (m *CommandManager) cmdBroadcast(ctx context.Context, args string, from int64) (string, error) {
	if args == "" {
		return "", errors.New(`usage: /broadcast {"text":"...","filters":{"all":true}}`)
	}
	var req broadcastRequest
	dec := json.NewDecoder(strings.NewReader(args))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return "", fmt.Errorf("bad payload: %w", err)
	}
	f := broadcast.ParseFilters(req.Filters, m.log)

	if req.DryRun {
		n, err := m.bc.Audience(ctx, f)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("🔍 Dry run: %d recipients match.", n), nil
	}

	c, err := m.bc.Create(ctx, broadcast.Draft{
		Text:    req.Text,
		Media:   req.Media,
		Buttons: req.Buttons,
	}, f, from)
	if err != nil {
		return "", err
	}
	if err := m.bc.Enqueue(c.ID); err != nil {
		return "", fmt.Errorf("campaign #%d created but not queued: %w", c.ID, err)
	}
	return fmt.Sprintf("✅ Campaign <b>#%d</b> queued for %d recipients.", c.ID, c.TotalTarget), nil
}

func (m *CommandManager) cmdStatus(ctx context.Context, args string) (string, error) {
	id, err := parseID(args)
	if err != nil {
		return "", err
	}
	c, err := m.bc.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return campaignLine(c), nil
}

func (m *CommandManager) cmdCancel(args string) (string, error) {
	id, err := parseID(args)
	if err != nil {
		return "", err
	}
	m.bc.Cancel(id)
	return fmt.Sprintf("🚫 Cancellation requested for campaign <b>#%d</b>.", id), nil
}

func (m *CommandManager) cmdList(ctx context.Context, args string) (string, error) {
	limit := 10
	if args != "" {
		n, err := strconv.Atoi(args)
		if err != nil || n <= 0 {
			return "", errors.New("usage: /list [n]")
		}
		limit = n
	}
	cs, err := m.bc.List(ctx, limit, 0)
	if err != nil {
		return "", err
	}
	if len(cs) == 0 {
		return "No campaigns yet.", nil
	}
	var b strings.Builder
	b.WriteString("<b>Recent campaigns</b>\n")
	for _, c := range cs {
		b.WriteString("\n" + campaignLine(c))
	}
	return b.String(), nil
}

func (m *CommandManager) cmdErrors(ctx context.Context, args string) (string, error) {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return "", errors.New("usage: /errors <id> [n]")
	}
	id, err := parseID(fields[0])
	if err != nil {
		return "", err
	}
	limit := 10
	if len(fields) > 1 {
		if n, err := strconv.Atoi(fields[1]); err == nil && n > 0 {
			limit = n
		}
	}
	errs, err := m.bc.Errors(ctx, id, limit)
	if err != nil {
		return "", err
	}
	if len(errs) == 0 {
		return fmt.Sprintf("Campaign #%d has no recorded failures.", id), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "<b>Campaign #%d failures</b>\n", id)
	for _, e := range errs {
		fmt.Fprintf(&b, "\n• %d: %s", e.RecipientID, html(e.Reason))
	}
	return b.String(), nil
}

func (m *CommandManager) cmdStats(ctx context.Context) (string, error) {
	stats, err := m.bc.Stats(ctx)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString("<b>Campaigns by status</b>\n")
	for _, st := range []broadcast.Status{
		broadcast.StatusPending, broadcast.StatusInProgress,
		broadcast.StatusCompleted, broadcast.StatusFailed, broadcast.StatusCancelled,
	} {
		fmt.Fprintf(&b, "\n%s: %d", st, stats[st])
	}
	return b.String(), nil
}

func campaignLine(c broadcast.Campaign) string {
	return fmt.Sprintf("<b>#%d</b> [%s] %d/%d sent, ✅ %d ❌ %d",
		c.ID, c.Status, c.SentCount, c.TotalTarget, c.SuccessCount, c.FailedCount)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("expected a campaign id")
	}
	return id, nil
}

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func html(s string) string { return htmlEscaper.Replace(s) }
