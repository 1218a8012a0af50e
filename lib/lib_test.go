package lib

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/uvensys/gatebot/internal"
	"github.com/uvensys/gatebot/lib/challenge/challengetest"
	"github.com/uvensys/gatebot/lib/invite"
	"github.com/uvensys/gatebot/lib/store"

	_ "github.com/uvensys/gatebot/lib/store/all"
)

func init() {
	internal.InitSlog("debug")
}

const (
	testToken     = "123456:TEST-token"
	testChannelID = "-1001234567890"
	testUsername  = "gate_bot"
)

var epoch = time.Date(2024, time.March, 14, 15, 9, 26, 0, time.UTC)

// scripted20Plus15 makes the arithmetic generator ask "20 + 15 = ?" with the
// options 35, 36, 37 and 38 in that order.
func scripted20Plus15() []int {
	return []int{10, 5, 0, 8, 9, 10}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: epoch}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type sentMessage struct {
	ChatID int64
	Msg    Message
}

type callbackAnswer struct {
	ID    string
	Text  string
	Alert bool
}

type editedMessage struct {
	ChatID    int64
	MessageID int
	Text      string
}

// fakeTelegram records everything the bot asks Telegram to do. Like the real
// client it refuses to deliver on a cancelled context. CreateInvite returns
// inviteErrs in order before it starts succeeding.
type fakeTelegram struct {
	mu         sync.Mutex
	sent       []sentMessage
	answers    []callbackAnswer
	edits      []editedMessage
	invites    []invite.Request
	inviteErrs []error
	sleeps     []time.Duration
}

func (f *fakeTelegram) Send(ctx context.Context, chatID int64, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{ChatID: chatID, Msg: msg})
	return nil
}

func (f *fakeTelegram) AnswerCallback(ctx context.Context, callbackID, text string, alert bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, callbackAnswer{ID: callbackID, Text: text, Alert: alert})
	return nil
}

func (f *fakeTelegram) Edit(ctx context.Context, chatID int64, messageID int, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, editedMessage{ChatID: chatID, MessageID: messageID, Text: text})
	return nil
}

func (f *fakeTelegram) CreateInvite(_ context.Context, req invite.Request) (invite.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.invites = append(f.invites, req)

	if len(f.inviteErrs) != 0 {
		err := f.inviteErrs[0]
		f.inviteErrs = f.inviteErrs[1:]
		return invite.Credential{}, err
	}

	return invite.Credential{
		URL:           fmt.Sprintf("https://t.me/+invite%d", len(f.invites)),
		ExpiresAt:     req.ExpiresAt,
		UsesRemaining: req.MemberLimit,
		Label:         req.Name,
	}, nil
}

func (f *fakeTelegram) sleep(ctx context.Context, d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sleeps = append(f.sleeps, d)
	return ctx.Err()
}

func (f *fakeTelegram) inviteAttempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.invites)
}

func (f *fakeTelegram) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var result []string
	for _, s := range f.sent {
		result = append(result, s.Msg.Text)
	}
	return result
}

func (f *fakeTelegram) lastSent(t *testing.T) Message {
	t.Helper()

	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.sent) == 0 {
		t.Fatal("nothing was sent")
	}

	return f.sent[len(f.sent)-1].Msg
}

func testOptions(clock *fakeClock, tg *fakeTelegram) Options {
	opts := DefaultOptions()
	opts.BotToken = testToken
	opts.ChannelID = testChannelID
	opts.BotUsername = testUsername
	opts.Now = clock.Now
	opts.Rand = &challengetest.ScriptedRand{Values: scripted20Plus15()}
	opts.Sleep = tg.sleep
	return opts
}

func spawnBot(t *testing.T, mutate func(*Options)) (*Bot, *fakeTelegram, *fakeClock) {
	t.Helper()

	tg := &fakeTelegram{}
	clock := newFakeClock()
	opts := testOptions(clock, tg)

	if mutate != nil {
		mutate(&opts)
	}

	bot, err := New(t.Context(), opts, tg)
	if err != nil {
		t.Fatalf("can't construct lib.Bot: %v", err)
	}
	t.Cleanup(func() {
		if err := bot.Close(); err != nil {
			t.Error(err)
		}
	})

	return bot, tg, clock
}

// bboltStore opens an on-disk store in a temporary directory for the
// duration of the test.
func bboltStore(t *testing.T) store.Interface {
	t.Helper()

	st, err := bboltConfig(t).Build(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close(st) })

	return st
}

func bboltConfig(t *testing.T) store.Config {
	t.Helper()

	params, err := json.Marshal(map[string]string{
		"path": filepath.Join(t.TempDir(), "gatebot.bdb"),
	})
	if err != nil {
		t.Fatal(err)
	}

	return store.Config{Backend: "bbolt", Parameters: params}
}

func privateMessage(updateID int, userID int64, text string) tgbotapi.Update {
	msg := &tgbotapi.Message{
		MessageID: updateID,
		From:      &tgbotapi.User{ID: userID, FirstName: "Test", LanguageCode: "en"},
		Chat:      &tgbotapi.Chat{ID: userID, Type: "private"},
		Text:      text,
	}

	if strings.HasPrefix(text, "/") {
		length := strings.IndexByte(text, ' ')
		if length < 0 {
			length = len(text)
		}
		msg.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: length}}
	}

	return tgbotapi.Update{UpdateID: updateID, Message: msg}
}

func buttonTap(updateID int, userID int64, messageID int, data string) tgbotapi.Update {
	return tgbotapi.Update{
		UpdateID: updateID,
		CallbackQuery: &tgbotapi.CallbackQuery{
			ID:   fmt.Sprintf("cb-%d", updateID),
			From: &tgbotapi.User{ID: userID, FirstName: "Test", LanguageCode: "en"},
			Message: &tgbotapi.Message{
				MessageID: messageID,
				Chat:      &tgbotapi.Chat{ID: userID, Type: "private"},
			},
			Data: data,
		},
	}
}

// buttonData finds the callback data of the answer button labelled label in
// msg.
func buttonData(t *testing.T, msg Message, label string) string {
	t.Helper()

	for _, row := range msg.Buttons {
		for _, b := range row {
			if b.Text == label {
				return b.Data
			}
		}
	}

	t.Fatalf("no button labelled %q in %+v", label, msg.Buttons)
	return ""
}
