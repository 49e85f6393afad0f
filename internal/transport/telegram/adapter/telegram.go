// Package adapter implements the message transport over the Telegram Bot
// API via telebot: campaign delivery, the operator progress channel, and
// long-polled operator commands.
package adapter

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "segcast/internal/runtime/supervisor"
	kit "segcast/internal/transport"
	logx "segcast/pkg/logx"
)

type Config struct {
	Token string
	// PollTimeout bounds the getUpdates long poll.
	PollTimeout time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	out     atomic.Value // stores (chan<- kit.Update)
	runMu   sync.Mutex
	running bool

	// sup owns internal goroutines (poll loop, stop watcher); created on
	// Start, cancelled on Stop.
	sup *rtsup.Supervisor

	// droppedUpdates counts updates dropped because the consumer was slower
	// than the poll loop. Logged on Stop to avoid per-update spam.
	droppedUpdates uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log, bot: b}
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) registerHandlers() {
	// Handlers forward to the CURRENT output channel. Start() may swap it.
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil {
			return nil
		}
		a.sendUpdate(kit.Update{Message: &kit.Message{
			ID:           m.ID,
			ChatID:       m.Chat.ID,
			FromID:       m.Sender.ID,
			FromUsername: m.Sender.Username,
			Text:         m.Text,
		}})
		return nil
	})
}

func (a *Adapter) sendUpdate(up kit.Update) {
	v := a.out.Load()
	out, _ := v.(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		atomic.AddUint64(&a.droppedUpdates, 1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log),
		// adapter errors should not take down the whole app
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	sup.Go0("telebot.poll", func(c context.Context) {
		a.log.Info("polling started")
		// Start blocks until Stop() is called.
		a.bot.Start()
		a.log.Info("polling stopped")
	})

	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
		a.log.Warn("incoming updates were dropped (channel full)", logx.Uint64("count", n))
	}

	sup.Cancel()

	// Grace window: keep shutdown snappy even if the long poll is still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

// Send delivers one prepared message to one recipient and classifies the
// platform response per classify().
func (a *Adapter) Send(ctx context.Context, recipient int64, msg kit.Outgoing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	opt := &tele.SendOptions{
		ParseMode:             msg.ParseMode,
		DisableWebPagePreview: msg.DisablePreview,
	}
	if rm := buildMarkup(msg.Buttons); rm != nil {
		opt.ReplyMarkup = rm
	}

	to := &tele.Chat{ID: recipient}

	var err error
	if msg.Media != nil {
		var what any
		file := tele.File{FileID: msg.Media.Ref}
		switch msg.Media.Kind {
		case kit.MediaPhoto:
			what = &tele.Photo{File: file, Caption: msg.Text}
		case kit.MediaVideo:
			what = &tele.Video{File: file, Caption: msg.Text}
		case kit.MediaDocument:
			what = &tele.Document{File: file, Caption: msg.Text}
		default:
			return kit.Permanent(errors.New("unknown media kind " + string(msg.Media.Kind)))
		}
		_, err = a.bot.Send(to, what, opt)
	} else {
		_, err = a.bot.Send(to, msg.Text, opt)
	}
	return classify(err)
}

func (a *Adapter) SendText(ctx context.Context, chatID int64, text string) (kit.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return kit.MessageRef{}, err
	}
	m, err := a.bot.Send(&tele.Chat{ID: chatID}, text, &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
	})
	if err != nil {
		return kit.MessageRef{}, classify(err)
	}
	return kit.MessageRef{ChatID: chatID, MessageID: m.ID}, nil
}

func (a *Adapter) EditText(ctx context.Context, ref kit.MessageRef, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	_, err := a.bot.Edit(m, text, &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
	})
	return classify(err)
}

func buildMarkup(rows [][]kit.Button) *tele.ReplyMarkup {
	if len(rows) == 0 {
		return nil
	}
	rm := &tele.ReplyMarkup{}
	kb := make([][]tele.InlineButton, len(rows))
	for i, row := range rows {
		kb[i] = make([]tele.InlineButton, len(row))
		for j, b := range row {
			kb[i][j] = tele.InlineButton{Text: b.Label, URL: b.URL, Data: b.CallbackData}
		}
	}
	rm.InlineKeyboard = kb
	return rm
}

// classify maps telebot errors onto the engine's outcome taxonomy:
//
//   - flood wait (429)                      -> transient with the platform's retry_after
//   - blocked / deactivated / chat missing  -> permanent
//   - other 4xx API errors (bad payload)    -> permanent
//   - anything else (network, 5xx, timeout) -> transient with default backoff
func classify(err error) error {
	if err == nil {
		return nil
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		return kit.RetryAfter(err, time.Duration(flood.RetryAfter)*time.Second)
	}

	switch {
	case errors.Is(err, tele.ErrBlockedByUser),
		errors.Is(err, tele.ErrUserIsDeactivated),
		errors.Is(err, tele.ErrNotStartedByUser),
		errors.Is(err, tele.ErrChatNotFound):
		return kit.Permanent(err)
	}

	var apiErr *tele.Error
	if errors.As(err, &apiErr) && apiErr.Code >= 400 && apiErr.Code < 500 {
		return kit.Permanent(err)
	}
	return err
}
