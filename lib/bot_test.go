package lib

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/uvensys/gatebot"
	"github.com/uvensys/gatebot/lib/invite"
)

const testUser = int64(42)

// startChallenge sends the deep link and returns the answer keyboard.
func startChallenge(t *testing.T, bot *Bot, tg *fakeTelegram, updateID int) Message {
	t.Helper()

	bot.Handle(t.Context(), privateMessage(updateID, testUser, "/start "+gatebot.StartPayload))
	return tg.lastSent(t)
}

func TestStartWithoutPayload(t *testing.T) {
	bot, tg, _ := spawnBot(t, nil)

	bot.Handle(t.Context(), privateMessage(1, testUser, "/start"))

	if len(tg.sent) != 1 {
		t.Fatalf("wanted one message, got %d: %v", len(tg.sent), tg.sentTexts())
	}

	msg := tg.sent[0].Msg
	if msg.Text != "Tap the button to start verification:" {
		t.Errorf("unexpected text %q", msg.Text)
	}

	if len(msg.Buttons) != 1 || len(msg.Buttons[0]) != 1 {
		t.Fatalf("wanted a single button, got %+v", msg.Buttons)
	}

	if got, want := msg.Buttons[0][0].URL, "https://t.me/gate_bot?start=service"; got != want {
		t.Errorf("wanted button URL %q, got %q", want, got)
	}

	got, err := bot.Gate().Check(t.Context(), testUser, "", 35)
	if err != nil {
		t.Fatal(err)
	}

	if got != OutcomeNoChallenge {
		t.Errorf("the landing button must not issue a challenge, got %s", got)
	}
}

func TestStartWithPayloadIssuesChallenge(t *testing.T) {
	for _, tt := range []struct {
		name string
		text string
	}{
		{name: "deep link", text: "/start service"},
		{name: "deep link in capitals", text: "/start SERVICE"},
		{name: "deep link with mention", text: "/start@gate_bot service"},
		{name: "plain text", text: "hello"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			bot, tg, _ := spawnBot(t, nil)

			bot.Handle(t.Context(), privateMessage(1, testUser, tt.text))

			if len(tg.sent) != 2 {
				t.Fatalf("wanted welcome and puzzle, got %v", tg.sentTexts())
			}

			welcome := tg.sent[0].Msg
			if !welcome.Markdown || !strings.Contains(welcome.Text, "*120*") {
				t.Errorf("welcome should be Markdown and mention the TTL: %+v", welcome)
			}

			puzzle := tg.sent[1].Msg
			if puzzle.Text != "🧩 Solve: 20 + 15 = ?" {
				t.Errorf("unexpected puzzle text %q", puzzle.Text)
			}

			if len(puzzle.Buttons) != 2 {
				t.Fatalf("wanted two rows of buttons, got %+v", puzzle.Buttons)
			}

			var labels []string
			for _, row := range puzzle.Buttons {
				if len(row) != 2 {
					t.Errorf("wanted two buttons per row, got %+v", row)
				}
				for _, b := range row {
					labels = append(labels, b.Text)
					if !strings.HasPrefix(b.Data, gatebot.CallbackPrefix) {
						t.Errorf("button %q has callback data %q", b.Text, b.Data)
					}
				}
			}

			if want := []string{"35", "36", "37", "38"}; !slices.Equal(labels, want) {
				t.Errorf("wanted buttons %v, got %v", want, labels)
			}

			for _, s := range tg.sent {
				if s.ChatID != testUser {
					t.Errorf("message sent to chat %d, wanted %d", s.ChatID, testUser)
				}
			}
		})
	}
}

func TestStartWithoutUsernameIssuesChallenge(t *testing.T) {
	bot, tg, _ := spawnBot(t, func(o *Options) { o.BotUsername = "" })

	bot.Handle(t.Context(), privateMessage(1, testUser, "/start"))

	if got := tg.lastSent(t).Text; got != "🧩 Solve: 20 + 15 = ?" {
		t.Errorf("wanted the puzzle, got %q", got)
	}
}

func TestHelp(t *testing.T) {
	bot, tg, _ := spawnBot(t, nil)

	bot.Handle(t.Context(), privateMessage(1, testUser, "/help"))

	if got := tg.lastSent(t).Text; got != "/start – begin verification\n/help – this help" {
		t.Errorf("unexpected help text %q", got)
	}
}

func TestIgnoredMessages(t *testing.T) {
	bot, tg, _ := spawnBot(t, nil)

	group := privateMessage(1, testUser, "hello")
	group.Message.Chat = &tgbotapi.Chat{ID: -100, Type: "supergroup"}

	for _, upd := range []tgbotapi.Update{
		group,
		privateMessage(2, testUser, "/unknown"),
		privateMessage(3, testUser, ""),
		{UpdateID: 4},
	} {
		bot.Handle(t.Context(), upd)
	}

	if len(tg.sent) != 0 {
		t.Errorf("wanted no replies, got %v", tg.sentTexts())
	}
}

func TestCorrectAnswer(t *testing.T) {
	bot, tg, _ := spawnBot(t, nil)

	keyboard := startChallenge(t, bot, tg, 1)
	bot.Handle(t.Context(), buttonTap(2, testUser, 100, buttonData(t, keyboard, "35")))

	if want := []callbackAnswer{{ID: "cb-2", Text: "✅ Verified!"}}; !slices.Equal(tg.answers, want) {
		t.Errorf("wanted answers %+v, got %+v", want, tg.answers)
	}

	wantEdit := editedMessage{ChatID: testUser, MessageID: 100, Text: "✅ Verified! Generating your invite link…"}
	if len(tg.edits) != 1 || tg.edits[0] != wantEdit {
		t.Errorf("wanted edit %+v, got %+v", wantEdit, tg.edits)
	}

	if len(tg.invites) != 1 {
		t.Fatalf("wanted exactly one invite request, got %d", len(tg.invites))
	}

	wantReq := invite.Request{
		ChatID:      -1001234567890,
		ExpiresAt:   epoch.Add(gatebot.DefaultInviteTTL),
		MemberLimit: 1,
		Name:        "Gateway for 42",
	}
	if tg.invites[0] != wantReq {
		t.Errorf("wanted invite request %+v, got %+v", wantReq, tg.invites[0])
	}

	texts := tg.sentTexts()
	wantTail := []string{
		"🔗 Your invite link (valid 5 min, 1 use):\nhttps://t.me/+invite1",
		"If the link expired, just /start again.",
	}
	if len(texts) < 2 || !slices.Equal(texts[len(texts)-2:], wantTail) {
		t.Errorf("wanted the link and the hint last, got %v", texts)
	}
}

func TestReplayAfterCorrect(t *testing.T) {
	bot, tg, _ := spawnBot(t, nil)

	data := buttonData(t, startChallenge(t, bot, tg, 1), "35")
	bot.Handle(t.Context(), buttonTap(2, testUser, 100, data))
	bot.Handle(t.Context(), buttonTap(3, testUser, 100, data))

	if len(tg.invites) != 1 {
		t.Errorf("a replayed answer minted another invite: %d requests", len(tg.invites))
	}

	last := tg.answers[len(tg.answers)-1]
	if last != (callbackAnswer{ID: "cb-3", Text: "⏳ Time is up. Please /start again.", Alert: true}) {
		t.Errorf("unexpected answer to the replay: %+v", last)
	}
}

func TestWrongAnswer(t *testing.T) {
	bot, tg, _ := spawnBot(t, nil)

	keyboard := startChallenge(t, bot, tg, 1)
	bot.Handle(t.Context(), buttonTap(2, testUser, 100, buttonData(t, keyboard, "37")))

	if want := []callbackAnswer{{ID: "cb-2", Text: "❌ Wrong answer, try again"}}; !slices.Equal(tg.answers, want) {
		t.Errorf("wanted answers %+v, got %+v", want, tg.answers)
	}

	if len(tg.edits) != 0 {
		t.Errorf("a wrong answer edited the message: %+v", tg.edits)
	}

	bot.Handle(t.Context(), buttonTap(3, testUser, 100, buttonData(t, keyboard, "35")))

	if len(tg.invites) != 1 {
		t.Errorf("retry after a wrong answer did not verify: %d invites", len(tg.invites))
	}
}

func TestExpiredAnswer(t *testing.T) {
	bot, tg, clock := spawnBot(t, nil)

	keyboard := startChallenge(t, bot, tg, 1)
	clock.Advance(gatebot.DefaultCaptchaTTL + time.Second)
	bot.Handle(t.Context(), buttonTap(2, testUser, 100, buttonData(t, keyboard, "35")))

	if want := []callbackAnswer{{ID: "cb-2", Text: "⏳ Time is up. Please /start again.", Alert: true}}; !slices.Equal(tg.answers, want) {
		t.Errorf("wanted answers %+v, got %+v", want, tg.answers)
	}

	wantEdit := editedMessage{ChatID: testUser, MessageID: 100, Text: "⌛ Time is up. Please /start again."}
	if len(tg.edits) != 1 || tg.edits[0] != wantEdit {
		t.Errorf("wanted edit %+v, got %+v", wantEdit, tg.edits)
	}

	if len(tg.invites) != 0 {
		t.Errorf("expired answer minted an invite")
	}
}

func TestStaleKeyboard(t *testing.T) {
	bot, tg, _ := spawnBot(t, func(o *Options) { o.Rand = nil })

	bot.Handle(t.Context(), privateMessage(1, testUser, "/start service"))
	first := tg.lastSent(t)
	bot.Handle(t.Context(), privateMessage(2, testUser, "/start service"))
	second := tg.lastSent(t)

	firstData := first.Buttons[0][0].Data
	secondData := second.Buttons[0][0].Data
	if firstData == secondData {
		t.Fatalf("both keyboards carry the same callback data %q", firstData)
	}

	// every button of the replaced keyboard is dead, including the right one
	for _, row := range first.Buttons {
		for _, b := range row {
			bot.Handle(t.Context(), buttonTap(3, testUser, 100, b.Data))
		}
	}

	for _, a := range tg.answers {
		if a.Text != "⏳ Time is up. Please /start again." {
			t.Errorf("stale button got %+v", a)
		}
	}

	if len(tg.invites) != 0 {
		t.Fatalf("stale keyboard minted an invite")
	}

	for _, row := range second.Buttons {
		for _, b := range row {
			bot.Handle(t.Context(), buttonTap(4, testUser, 101, b.Data))
		}
	}

	if len(tg.invites) != 1 {
		t.Errorf("wanted one invite from the live keyboard, got %d", len(tg.invites))
	}
}

func TestForeignCallbacks(t *testing.T) {
	bot, tg, _ := spawnBot(t, nil)

	startChallenge(t, bot, tg, 1)

	for i, data := range []string{"", "other:35", "cap:", "cap:abc:xyz", "cap:35x"} {
		bot.Handle(t.Context(), buttonTap(10+i, testUser, 100, data))
	}

	for _, a := range tg.answers {
		if a.Text != "" || a.Alert {
			t.Errorf("foreign callback got a visible answer: %+v", a)
		}
	}

	if len(tg.answers) != 5 {
		t.Errorf("every callback must be acknowledged, got %d answers", len(tg.answers))
	}

	if len(tg.edits) != 0 || len(tg.invites) != 0 {
		t.Errorf("foreign callbacks had side effects: edits=%v invites=%v", tg.edits, tg.invites)
	}
}

func TestInviteRateLimited(t *testing.T) {
	bot, tg, _ := spawnBot(t, nil)
	tg.inviteErrs = []error{&invite.RateLimitError{RetryAfter: 3 * time.Second}}

	keyboard := startChallenge(t, bot, tg, 1)
	bot.Handle(t.Context(), buttonTap(2, testUser, 100, buttonData(t, keyboard, "35")))

	if len(tg.invites) != 2 {
		t.Fatalf("wanted two invite attempts, got %d", len(tg.invites))
	}

	if tg.invites[0] != tg.invites[1] {
		t.Errorf("retry changed the request: %+v != %+v", tg.invites[0], tg.invites[1])
	}

	var waited time.Duration
	for _, d := range tg.sleeps {
		waited += d
	}
	if waited < 4*time.Second {
		t.Errorf("wanted to wait at least 4s, waited %v", waited)
	}

	if got := tg.lastSent(t).Text; got != "If the link expired, just /start again." {
		t.Errorf("the link was not delivered, last message %q", got)
	}
}

func TestInviteFailure(t *testing.T) {
	bot, tg, _ := spawnBot(t, nil)
	tg.inviteErrs = []error{errors.New("Bad Request: not enough rights to manage chat invite link")}

	keyboard := startChallenge(t, bot, tg, 1)
	bot.Handle(t.Context(), buttonTap(2, testUser, 100, buttonData(t, keyboard, "35")))

	if len(tg.invites) != 1 {
		t.Errorf("a hard failure was retried: %d attempts", len(tg.invites))
	}

	if got := tg.lastSent(t).Text; got != "⚠️ Could not create invite link. Please try again later." {
		t.Errorf("unexpected last message %q", got)
	}
}

func TestInviteFailureNoticeSurvivesShutdown(t *testing.T) {
	rateLimited := make(chan struct{})
	var once sync.Once

	bot, tg, _ := spawnBot(t, func(o *Options) {
		o.Sleep = func(ctx context.Context, _ time.Duration) error {
			once.Do(func() { close(rateLimited) })
			<-ctx.Done()
			return ctx.Err()
		}
	})
	tg.inviteErrs = []error{&invite.RateLimitError{RetryAfter: time.Hour}}

	keyboard := startChallenge(t, bot, tg, 1)

	ctx, cancel := context.WithCancel(t.Context())
	bot.Dispatch(ctx, buttonTap(2, testUser, 100, buttonData(t, keyboard, "35")))

	<-rateLimited
	cancel()
	bot.Wait()

	if n := tg.inviteAttempts(); n != 1 {
		t.Errorf("wanted a single invite attempt before shutdown, got %d", n)
	}

	if got := tg.lastSent(t).Text; got != "⚠️ Could not create invite link. Please try again later." {
		t.Errorf("verified user was left without a notice, last message %q", got)
	}
}

func TestMalformedAnswer(t *testing.T) {
	for _, tt := range []struct {
		name    string
		prepare func(t *testing.T, bot *Bot, tg *fakeTelegram, clock *fakeClock)
		answer  callbackAnswer
		edits   int
	}{
		{
			name: "no challenge",
			answer: callbackAnswer{
				ID:    "cb-2",
				Text:  "⏳ Time is up. Please /start again.",
				Alert: true,
			},
			edits: 1,
		},
		{
			name: "expired challenge",
			prepare: func(t *testing.T, bot *Bot, tg *fakeTelegram, clock *fakeClock) {
				startChallenge(t, bot, tg, 1)
				clock.Advance(gatebot.DefaultCaptchaTTL + time.Second)
			},
			answer: callbackAnswer{
				ID:    "cb-2",
				Text:  "⏳ Time is up. Please /start again.",
				Alert: true,
			},
			edits: 1,
		},
		{
			name: "pending challenge",
			prepare: func(t *testing.T, bot *Bot, tg *fakeTelegram, _ *fakeClock) {
				startChallenge(t, bot, tg, 1)
			},
			answer: callbackAnswer{ID: "cb-2"},
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			bot, tg, clock := spawnBot(t, nil)
			if tt.prepare != nil {
				tt.prepare(t, bot, tg, clock)
			}

			bot.Handle(t.Context(), buttonTap(2, testUser, 100, "cap:not-a-number"))

			if len(tg.answers) != 1 || tg.answers[0] != tt.answer {
				t.Errorf("wanted answer %+v, got %+v", tt.answer, tg.answers)
			}

			if len(tg.edits) != tt.edits {
				t.Errorf("wanted %d edits, got %+v", tt.edits, tg.edits)
			}

			if len(tg.invites) != 0 {
				t.Errorf("a malformed answer minted an invite: %+v", tg.invites)
			}
		})
	}
}

func TestLocalizedReplies(t *testing.T) {
	bot, tg, _ := spawnBot(t, nil)

	upd := privateMessage(1, testUser, "/help")
	upd.Message.From.LanguageCode = "ru"
	bot.Handle(t.Context(), upd)

	if got := tg.lastSent(t).Text; got != "/start – начать проверку\n/help – эта справка" {
		t.Errorf("wanted Russian help, got %q", got)
	}
}

func TestDispatchManyUsers(t *testing.T) {
	bot, tg, _ := spawnBot(t, func(o *Options) { o.Rand = nil })

	const users = 50
	for i := range users {
		bot.Dispatch(t.Context(), privateMessage(i, int64(1000+i), "hi"))
	}
	bot.Wait()

	if got := len(tg.sentTexts()); got != 2*users {
		t.Errorf("wanted %d messages, got %d", 2*users, got)
	}

	// answer every testUser's puzzle with every option; exactly one is right
	tg.mu.Lock()
	puzzles := map[int64]Message{}
	for _, s := range tg.sent {
		if len(s.Msg.Buttons) != 0 {
			puzzles[s.ChatID] = s.Msg
		}
	}
	tg.mu.Unlock()

	if len(puzzles) != users {
		t.Fatalf("wanted %d puzzles, got %d", users, len(puzzles))
	}

	id := 1000
	for chatID, msg := range puzzles {
		for _, row := range msg.Buttons {
			for _, b := range row {
				id++
				bot.Dispatch(t.Context(), buttonTap(id, chatID, 1, b.Data))
			}
		}
	}
	bot.Wait()

	tg.mu.Lock()
	defer tg.mu.Unlock()

	if len(tg.invites) != users {
		t.Errorf("wanted %d invites, got %d", users, len(tg.invites))
	}

	seen := map[string]bool{}
	for _, req := range tg.invites {
		if seen[req.Name] {
			t.Errorf("%s got more than one invite", req.Name)
		}
		seen[req.Name] = true
	}
}

func TestParseCallbackData(t *testing.T) {
	for _, tt := range []struct {
		data  string
		id    string
		value int
		err   error
	}{
		{data: "cap:0190a0c0-0000-7000-8000-000000000000:35", id: "0190a0c0-0000-7000-8000-000000000000", value: 35},
		{data: "cap:0190a0c0-0000-7000-8000-000000000000:-29", id: "0190a0c0-0000-7000-8000-000000000000", value: -29},
		{data: "cap:35", value: 35},
		{data: "cap:-3", value: -3},
		{data: "cap::12", value: 12},
		{data: "cap:", err: errBadCallback},
		{data: "cap:abc:xyz", err: errBadCallback},
		{data: "other:35", err: errBadCallback},
		{data: "", err: errBadCallback},
	} {
		t.Run(fmt.Sprintf("%q", tt.data), func(t *testing.T) {
			id, value, err := parseCallbackData(tt.data)
			if !errors.Is(err, tt.err) {
				t.Fatalf("wanted error %v, got %v", tt.err, err)
			}

			if err != nil {
				return
			}

			if id != tt.id || value != tt.value {
				t.Errorf("wanted (%q, %d), got (%q, %d)", tt.id, tt.value, id, value)
			}
		})
	}
}

func TestCallbackDataFitsTelegramLimit(t *testing.T) {
	// Telegram rejects callback data over 64 bytes
	data := callbackData("0190a0c0-0000-7000-8000-000000000000", -99999)
	if len(data) > 64 {
		t.Errorf("callback data is %d bytes: %q", len(data), data)
	}
}

func TestAnswerKeyboard(t *testing.T) {
	for _, tt := range []struct {
		options []int
		rows    []int
	}{
		{options: []int{1, 2, 3, 4}, rows: []int{2, 2}},
		{options: []int{1, 2, 3}, rows: []int{2, 1}},
		{options: []int{1}, rows: []int{1}},
		{options: nil, rows: nil},
	} {
		t.Run(fmt.Sprint(tt.options), func(t *testing.T) {
			var got []int
			for _, row := range answerKeyboard("id", tt.options) {
				got = append(got, len(row))
			}

			if !slices.Equal(got, tt.rows) {
				t.Errorf("wanted row sizes %v, got %v", tt.rows, got)
			}
		})
	}
}
