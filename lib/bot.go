package lib

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/uvensys/gatebot"
	"github.com/uvensys/gatebot/lib/invite"
	"github.com/uvensys/gatebot/lib/localization"
	"github.com/uvensys/gatebot/lib/store"
)

var updatesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gatebot_updates_received",
	Help: "The total number of Telegram updates handled, by kind",
}, []string{"kind"})

// buttonsPerRow is how many answer buttons share a keyboard row.
const buttonsPerRow = 2

// noticeTimeout bounds the delivery of a failure notice once the update
// context is gone.
const noticeTimeout = 10 * time.Second

// Button is one inline keyboard button. Exactly one of Data and URL is set.
type Button struct {
	Text string
	Data string
	URL  string
}

// Message is an outgoing chat message.
type Message struct {
	Text     string
	Markdown bool
	Buttons  [][]Button
}

// Delivery sends messages to users. Implementations must be safe for
// concurrent use.
type Delivery interface {
	Send(ctx context.Context, chatID int64, msg Message) error

	// AnswerCallback acknowledges a button tap. An empty text only stops the
	// client's loading indicator; alert shows text in a modal instead of a
	// toast.
	AnswerCallback(ctx context.Context, callbackID, text string, alert bool) error

	// Edit replaces the text of a message the bot sent earlier and removes
	// its keyboard.
	Edit(ctx context.Context, chatID int64, messageID int, text string) error
}

// Bot turns Telegram updates into challenges, verdicts and invite links.
type Bot struct {
	store      store.Interface
	gate       *Gate
	issuer     *invite.Issuer
	delivery   Delivery
	locales    *localization.LocalizationService
	username   string
	captchaTTL time.Duration
	inviteTTL  time.Duration
	inviteUses int

	wg sync.WaitGroup
}

// Gate returns the verification engine the bot uses.
func (b *Bot) Gate() *Gate { return b.gate }

// Dispatch handles upd on its own goroutine, so that a user whose invite is
// waiting out a rate limit never holds up anybody else.
func (b *Bot) Dispatch(ctx context.Context, upd tgbotapi.Update) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.Handle(ctx, upd)
	}()
}

// Wait blocks until every dispatched update has been handled.
func (b *Bot) Wait() {
	b.wg.Wait()
}

// Close waits for dispatched updates and then closes the challenge store.
// Nothing may be dispatched afterwards.
func (b *Bot) Close() error {
	b.wg.Wait()

	if err := store.Close(b.store); err != nil {
		return fmt.Errorf("lib: can't close challenge store: %w", err)
	}

	return nil
}

// Handle processes one update synchronously.
func (b *Bot) Handle(ctx context.Context, upd tgbotapi.Update) {
	kind := updateKind(upd)
	updatesReceived.WithLabelValues(kind).Inc()
	lg := updateLogger(upd)

	switch kind {
	case "callback_query":
		b.onCallback(ctx, lg, upd.CallbackQuery)
	case "command", "text":
		b.onMessage(ctx, lg, upd.Message)
	default:
		lg.Debug("ignoring update")
	}
}

func updateKind(upd tgbotapi.Update) string {
	switch {
	case upd.CallbackQuery != nil:
		return "callback_query"
	case upd.Message != nil && upd.Message.IsCommand():
		return "command"
	case upd.Message != nil && upd.Message.Text != "":
		return "text"
	case upd.Message != nil:
		return "message"
	default:
		return "other"
	}
}

func updateLogger(upd tgbotapi.Update) *slog.Logger {
	lg := slog.With("update_id", upd.UpdateID, "kind", updateKind(upd))

	var (
		user *tgbotapi.User
		msg  *tgbotapi.Message
	)

	switch {
	case upd.CallbackQuery != nil:
		user, msg = upd.CallbackQuery.From, upd.CallbackQuery.Message
	case upd.Message != nil:
		user, msg = upd.Message.From, upd.Message
	}

	if user != nil {
		lg = lg.With("user_id", user.ID)
	}

	if msg != nil && msg.Chat != nil {
		lg = lg.With("chat_id", msg.Chat.ID)
	}

	return lg
}

func (b *Bot) onMessage(ctx context.Context, lg *slog.Logger, msg *tgbotapi.Message) {
	if msg.Chat == nil || !msg.Chat.IsPrivate() || msg.From == nil {
		lg.Debug("ignoring message outside of a private chat")
		return
	}

	loc := b.locales.Localizer(msg.From.LanguageCode)

	if !msg.IsCommand() {
		b.sendChallenge(ctx, lg, msg.Chat.ID, msg.From)
		return
	}

	switch msg.Command() {
	case "start":
		if strings.EqualFold(strings.TrimSpace(msg.CommandArguments()), gatebot.StartPayload) || b.username == "" {
			b.sendChallenge(ctx, lg, msg.Chat.ID, msg.From)
			return
		}

		b.send(ctx, lg, msg.Chat.ID, Message{
			Text: loc.T("start_prompt"),
			Buttons: [][]Button{{{
				Text: loc.T("start_button"),
				URL:  b.StartLink(),
			}}},
		})
	case "help":
		b.send(ctx, lg, msg.Chat.ID, Message{Text: loc.T("help")})
	default:
		lg.Debug("ignoring unknown command", "command", msg.Command())
	}
}

// StartLink is the deep link that opens the bot and starts verification
// right away.
func (b *Bot) StartLink() string {
	return fmt.Sprintf("https://t.me/%s?start=%s", b.username, gatebot.StartPayload)
}

func (b *Bot) sendChallenge(ctx context.Context, lg *slog.Logger, chatID int64, user *tgbotapi.User) {
	loc := b.locales.Localizer(user.LanguageCode)

	puzzle, chall, err := b.gate.Issue(ctx, user.ID)
	if err != nil {
		lg.Error("can't issue challenge", "err", err)
		b.send(ctx, lg, chatID, Message{Text: loc.T("internal_error")})
		return
	}

	b.send(ctx, lg, chatID, Message{
		Text:     loc.TData("welcome", map[string]any{"TTL": int(b.captchaTTL / time.Second)}),
		Markdown: true,
	})

	b.send(ctx, lg, chatID, Message{
		Text:    loc.TData("solve", map[string]any{"Prompt": puzzle.Prompt}),
		Buttons: answerKeyboard(chall.ID, puzzle.Options),
	})
}

func answerKeyboard(challengeID string, options []int) [][]Button {
	var rows [][]Button

	for i, o := range options {
		if i%buttonsPerRow == 0 {
			rows = append(rows, nil)
		}

		rows[len(rows)-1] = append(rows[len(rows)-1], Button{
			Text: strconv.Itoa(o),
			Data: callbackData(challengeID, o),
		})
	}

	return rows
}

func callbackData(challengeID string, value int) string {
	return gatebot.CallbackPrefix + challengeID + ":" + strconv.Itoa(value)
}

var errBadCallback = errors.New("lib: malformed callback data")

// parseCallbackData splits "cap:<challengeID>:<value>". The older
// "cap:<value>" form yields an empty challenge ID.
func parseCallbackData(data string) (string, int, error) {
	rest, ok := strings.CutPrefix(data, gatebot.CallbackPrefix)
	if !ok {
		return "", 0, fmt.Errorf("%w: no %q prefix", errBadCallback, gatebot.CallbackPrefix)
	}

	var id string
	if i := strings.LastIndexByte(rest, ':'); i >= 0 {
		id, rest = rest[:i], rest[i+1:]
	}

	value, err := strconv.Atoi(rest)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %w", errBadCallback, err)
	}

	return id, value, nil
}

func (b *Bot) onCallback(ctx context.Context, lg *slog.Logger, q *tgbotapi.CallbackQuery) {
	if q.From == nil {
		lg.Debug("ignoring callback without a sender")
		return
	}

	if !strings.HasPrefix(q.Data, gatebot.CallbackPrefix) {
		lg.Debug("ignoring foreign callback", "data", q.Data)
		b.answer(ctx, lg, q.ID, "", false)
		return
	}

	loc := b.locales.Localizer(q.From.LanguageCode)
	chatID := q.From.ID
	if q.Message != nil && q.Message.Chat != nil {
		chatID = q.Message.Chat.ID
	}

	challengeID, chosen, err := parseCallbackData(q.Data)
	if err != nil {
		lg.Debug("malformed answer", "data", q.Data, "err", err)

		pending, err := b.gate.Pending(ctx, q.From.ID)
		switch {
		case err != nil:
			lg.Error("can't look up pending challenge", "err", err)
			b.answer(ctx, lg, q.ID, loc.T("internal_error"), true)
		case !pending:
			b.timeIsUp(ctx, lg, loc, q, chatID)
		default:
			b.answer(ctx, lg, q.ID, "", false)
		}
		return
	}

	outcome, err := b.gate.Check(ctx, q.From.ID, challengeID, chosen)
	if err != nil {
		lg.Error("can't check answer", "err", err)
		b.answer(ctx, lg, q.ID, loc.T("internal_error"), true)
		return
	}

	lg.Debug("checked answer", "outcome", outcome.String(), "challenge_id", challengeID)

	switch outcome {
	case OutcomeNoChallenge, OutcomeExpired:
		b.timeIsUp(ctx, lg, loc, q, chatID)
	case OutcomeIncorrect:
		b.answer(ctx, lg, q.ID, loc.T("wrong_answer"), false)
	case OutcomeCorrect:
		b.answer(ctx, lg, q.ID, loc.T("verified"), false)
		b.edit(ctx, lg, chatID, q.Message, loc.T("verified_generating"))
		b.sendInvite(ctx, lg, chatID, q.From)
	}
}

func (b *Bot) timeIsUp(ctx context.Context, lg *slog.Logger, loc *localization.SimpleLocalizer, q *tgbotapi.CallbackQuery, chatID int64) {
	b.answer(ctx, lg, q.ID, loc.T("time_is_up"), true)
	b.edit(ctx, lg, chatID, q.Message, loc.T("time_is_up_edit"))
}

func (b *Bot) sendInvite(ctx context.Context, lg *slog.Logger, chatID int64, user *tgbotapi.User) {
	loc := b.locales.Localizer(user.LanguageCode)

	cred, err := b.issuer.Issue(ctx, user.ID)
	if err != nil {
		lg.Error("can't issue invite link", "err", err)

		// the challenge is spent, so the user must hear back even when the
		// bot is shutting down
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), noticeTimeout)
		defer cancel()
		b.send(nctx, lg, chatID, Message{Text: loc.T("invite_failed")})
		return
	}

	lg.Info("user verified, invite link sent", "expires_at", cred.ExpiresAt)

	b.send(ctx, lg, chatID, Message{Text: loc.TData("invite_link", map[string]any{
		"Minutes": int(b.inviteTTL / time.Minute),
		"Uses":    b.inviteUses,
		"URL":     cred.URL,
	})})
	b.send(ctx, lg, chatID, Message{Text: loc.T("invite_hint")})
}

func (b *Bot) send(ctx context.Context, lg *slog.Logger, chatID int64, msg Message) {
	if err := b.delivery.Send(ctx, chatID, msg); err != nil {
		lg.Error("can't send message", "err", err)
	}
}

func (b *Bot) answer(ctx context.Context, lg *slog.Logger, callbackID, text string, alert bool) {
	if err := b.delivery.AnswerCallback(ctx, callbackID, text, alert); err != nil {
		lg.Error("can't answer callback", "err", err)
	}
}

// edit rewrites msg if it is still accessible.
func (b *Bot) edit(ctx context.Context, lg *slog.Logger, chatID int64, msg *tgbotapi.Message, text string) {
	if msg == nil {
		return
	}

	if err := b.delivery.Edit(ctx, chatID, msg.MessageID, text); err != nil {
		lg.Warn("can't edit message", "err", err)
	}
}
