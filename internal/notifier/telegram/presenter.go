// Package telegram shows loop reminders as Telegram messages with Done and
// Skip buttons.
//
// One message is kept per loop and day: a later Show for the same day edits
// it in place, Dismiss deletes it. Message refs are stored in the meta table
// so a restarted daemon can still clean up what it sent.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"loopd/internal/loop"
	"loopd/internal/notifier"
	rtsup "loopd/internal/runtime/supervisor"
	"loopd/internal/task/engine"
	logx "loopd/pkg/logx"
)

const refsMetaKey = "telegram.refs"

type Config struct {
	Token        string
	ChatID       int64
	ThreadID     int
	PollTimeout  time.Duration
	OwnerUserIDs []int64
}

// ResponseFunc applies a button press.
type ResponseFunc func(ctx context.Context, id loop.ID, day loop.Day, state loop.ResponseState) error

// MetaStore persists message refs.
type MetaStore interface {
	GetMeta(ctx context.Context, key string) (string, bool, error)
	PutMeta(ctx context.Context, key, value string) error
}

// api is the slice of *tele.Bot the presenter calls.
type api interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
	Edit(msg tele.Editable, what interface{}, opts ...interface{}) (*tele.Message, error)
	Delete(msg tele.Editable) error
}

// StoredMessage points at a message the presenter sent for a loop.
type StoredMessage struct {
	ChatID    int64    `json:"chat_id"`
	MessageID int      `json:"message_id"`
	Day       loop.Day `json:"date"`
}

func (m StoredMessage) MessageSig() (string, int64) {
	return fmt.Sprint(m.MessageID), m.ChatID
}

type Presenter struct {
	cfg   Config
	log   logx.Logger
	bot   *tele.Bot
	api   api
	store MetaStore

	mu         sync.Mutex
	refs       map[loop.ID]StoredMessage
	onResponse ResponseFunc

	runMu sync.Mutex
	sup   *rtsup.Supervisor
}

func New(cfg Config, store MetaStore, log logx.Logger) (*Presenter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
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
	p := newPresenter(cfg, b, store, log)
	p.bot = b
	b.Handle(tele.OnCallback, p.handleCallback)
	return p, nil
}

func newPresenter(cfg Config, a api, store MetaStore, log logx.Logger) *Presenter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Presenter{
		cfg:   cfg,
		log:   log.With(logx.String("comp", "presenter.telegram")),
		api:   a,
		store: store,
		refs:  map[loop.ID]StoredMessage{},
	}
}

func (p *Presenter) Name() string { return "telegram" }

// OnResponse sets the button handler target.
func (p *Presenter) OnResponse(fn ResponseFunc) {
	p.mu.Lock()
	p.onResponse = fn
	p.mu.Unlock()
}

// Start loads stored refs and begins polling for button presses.
func (p *Presenter) Start(ctx context.Context) error {
	if err := p.loadRefs(ctx); err != nil {
		p.log.Warn("stored message refs unreadable; starting empty", logx.Err(err))
	}
	if p.bot == nil {
		return nil
	}

	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.sup != nil {
		return nil
	}
	p.sup = rtsup.New(ctx,
		rtsup.WithLogger(p.log),
		rtsup.WithCancelOnError(false),
	)
	bot := p.bot
	p.sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		bot.Stop()
	})
	// Telebot's Start() can return on some failures while we still want to poll.
	p.sup.GoRestart0("telebot.poll", func(c context.Context) {
		p.log.Info("polling started")
		bot.Start()
		p.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

// Stop halts polling. It never blocks longer than a short grace window.
func (p *Presenter) Stop(ctx context.Context) error {
	p.runMu.Lock()
	sup := p.sup
	p.sup = nil
	p.runMu.Unlock()
	if sup == nil {
		return nil
	}
	sup.Cancel()
	if p.bot != nil {
		go p.bot.Stop()
	}

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		p.log.Warn("telegram stop error", logx.Err(err))
	}
	return nil
}

func (p *Presenter) Show(ctx context.Context, r notifier.Reminder) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	text := render(r)
	opts := &tele.SendOptions{
		ParseMode:   tele.ModeHTML,
		ThreadID:    p.cfg.ThreadID,
		ReplyMarkup: keyboard(r.Loop.ID, r.Day),
	}

	p.mu.Lock()
	ref, ok := p.refs[r.Loop.ID]
	p.mu.Unlock()

	if ok && ref.Day == r.Day {
		_, err := p.api.Edit(ref, text, opts)
		switch {
		case err == nil, errors.Is(err, tele.ErrSameMessageContent):
			return nil
		case !editTargetGone(err):
			return classify(err)
		}
		// The message was removed by hand; send a fresh one.
	}

	msg, err := p.api.Send(&tele.Chat{ID: p.cfg.ChatID}, text, opts)
	if err != nil {
		return classify(err)
	}
	p.remember(ctx, r.Loop.ID, StoredMessage{ChatID: p.cfg.ChatID, MessageID: msg.ID, Day: r.Day})
	return nil
}

func (p *Presenter) Dismiss(ctx context.Context, id loop.ID) error {
	p.mu.Lock()
	ref, ok := p.refs[id]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	if err := p.api.Delete(ref); err != nil && !errors.Is(err, tele.ErrNotFoundToDelete) {
		return classify(err)
	}
	p.forget(ctx, id)
	return nil
}

// SendAlert posts an operator alert to the configured chat.
func (p *Presenter) SendAlert(ctx context.Context, msg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := p.api.Send(&tele.Chat{ID: p.cfg.ChatID}, "⚠️ "+msg, &tele.SendOptions{ThreadID: p.cfg.ThreadID, DisableWebPagePreview: true})
	return classify(err)
}

func (p *Presenter) handleCallback(c tele.Context) error {
	cb := c.Callback()
	if cb == nil || cb.Sender == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reply, settled := p.press(ctx, cb.Sender.ID, cb.Data)
	if err := c.Respond(&tele.CallbackResponse{Text: reply}); err != nil {
		p.log.Debug("answer callback failed", logx.Err(err))
	}
	if settled && c.Message() != nil {
		// Drop the buttons so the answer can't be sent twice.
		if _, err := p.api.Edit(c.Message(), html.EscapeString(c.Message().Text+"\n"+reply), &tele.SendOptions{ParseMode: tele.ModeHTML}); err != nil {
			p.log.Debug("strip buttons failed", logx.Err(err))
		}
	}
	return nil
}

// press applies one button press and returns the toast text.
func (p *Presenter) press(ctx context.Context, userID int64, data string) (string, bool) {
	if !p.owner(userID) {
		p.log.Warn("button press from non-owner", logx.Int64("user", userID))
		return "Not allowed", false
	}
	id, day, state, err := parseData(data)
	if err != nil {
		p.log.Debug("unknown callback data", logx.String("data", data))
		return "Unknown action", false
	}

	p.mu.Lock()
	fn := p.onResponse
	p.mu.Unlock()
	if fn == nil {
		return "Not available", false
	}
	if err := fn(ctx, id, day, state); err != nil {
		p.log.Warn("button response failed", logx.Int64("loop", int64(id)), logx.Err(err))
		return "Failed, try again", false
	}
	return "Marked " + state.String(), true
}

func (p *Presenter) owner(userID int64) bool {
	if len(p.cfg.OwnerUserIDs) == 0 {
		return true
	}
	for _, id := range p.cfg.OwnerUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

func (p *Presenter) remember(ctx context.Context, id loop.ID, ref StoredMessage) {
	p.mu.Lock()
	p.refs[id] = ref
	snap := p.snapshotLocked()
	p.mu.Unlock()
	p.saveRefs(ctx, snap)
}

func (p *Presenter) forget(ctx context.Context, id loop.ID) {
	p.mu.Lock()
	delete(p.refs, id)
	snap := p.snapshotLocked()
	p.mu.Unlock()
	p.saveRefs(ctx, snap)
}

func (p *Presenter) snapshotLocked() map[loop.ID]StoredMessage {
	out := make(map[loop.ID]StoredMessage, len(p.refs))
	for k, v := range p.refs {
		out[k] = v
	}
	return out
}

func (p *Presenter) saveRefs(ctx context.Context, refs map[loop.ID]StoredMessage) {
	if p.store == nil {
		return
	}
	b, err := json.Marshal(refs)
	if err == nil {
		err = p.store.PutMeta(ctx, refsMetaKey, string(b))
	}
	if err != nil {
		p.log.Debug("save message refs failed", logx.Err(err))
	}
}

func (p *Presenter) loadRefs(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	raw, ok, err := p.store.GetMeta(ctx, refsMetaKey)
	if err != nil || !ok {
		return err
	}
	refs := map[loop.ID]StoredMessage{}
	if err := json.Unmarshal([]byte(raw), &refs); err != nil {
		return err
	}
	p.mu.Lock()
	p.refs = refs
	p.mu.Unlock()
	return nil
}

// classify maps Telegram failures onto the notifier's retry policy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return engine.RetryAfter(err, time.Duration(flood.RetryAfter)*time.Second)
	}
	var te *tele.Error
	if errors.As(err, &te) && (te.Code == 400 || te.Code == 401 || te.Code == 403) {
		return engine.NoRetry(err)
	}
	return err
}

func editTargetGone(err error) bool {
	var te *tele.Error
	return errors.As(err, &te) && strings.Contains(te.Description, "message to edit not found")
}
