package lib

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/uvensys/gatebot/lib/invite"
	"golang.org/x/time/rate"
)

var (
	ErrBadTelegramEndpoint = errors.New("telegram: endpoint must contain two %s verbs or be a unix:// socket path")
	ErrBadTelegramRPS      = errors.New("telegram: requests per second must be positive")
)

// AllowedUpdates are the update kinds the bot subscribes to.
var AllowedUpdates = []string{"message", "callback_query"}

// unixEndpoint is the API endpoint used when talking to a local Bot API
// server over a unix socket.
const unixEndpoint = "unix://localhost/bot%s/%s"

// https://github.com/oauth2-proxy/oauth2-proxy/blob/master/pkg/upstream/http.go#L124
type UnixRoundTripper struct {
	Transport *http.Transport
}

// set bare minimum stuff
func (t UnixRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if req.Host == "" {
		req.Host = "localhost"
	}
	req.URL.Host = req.Host // proxy error: no Host in request URL
	req.URL.Scheme = "http" // make http.Transport happy and avoid an infinite recursion
	return t.Transport.RoundTrip(req)
}

// NewTelegramHTTPClient returns the API endpoint format string and an HTTP
// client for it.
//
// endpoint is either empty (the public Bot API), a format string such as
// "http://localhost:8081/bot%s/%s", or "unix:///run/telegram-bot-api.sock"
// for a local Bot API server listening on a unix socket.
func NewTelegramHTTPClient(endpoint string, timeout time.Duration) (string, *http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	client := &http.Client{Transport: transport, Timeout: timeout}

	switch {
	case endpoint == "":
		return tgbotapi.APIEndpoint, client, nil
	case strings.HasPrefix(endpoint, "unix://"):
		addr := strings.TrimPrefix(endpoint, "unix://")
		if addr == "" {
			return "", nil, fmt.Errorf("%w: %q", ErrBadTelegramEndpoint, endpoint)
		}

		// tell transport how to dial unix sockets
		transport.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			dialer := net.Dialer{}
			return dialer.DialContext(ctx, "unix", addr)
		}
		// tell transport how to handle the unix url scheme
		transport.RegisterProtocol("unix", UnixRoundTripper{Transport: transport})

		return unixEndpoint, client, nil
	case strings.Count(endpoint, "%s") == 2:
		return endpoint, client, nil
	default:
		return "", nil, fmt.Errorf("%w: %q", ErrBadTelegramEndpoint, endpoint)
	}
}

type TelegramOptions struct {
	Token    string
	Endpoint string
	RPS      float64
	Timeout  time.Duration
}

// TelegramClient implements Delivery and invite.API on top of the Bot API.
// Every outbound call first waits for the shared rate limiter.
type TelegramClient struct {
	api     *tgbotapi.BotAPI
	limiter *rate.Limiter
}

// NewTelegramClient connects to the Bot API and identifies the bot.
func NewTelegramClient(opts TelegramOptions) (*TelegramClient, error) {
	if opts.Token == "" {
		return nil, ErrNoBotToken
	}

	if opts.RPS <= 0 {
		return nil, ErrBadTelegramRPS
	}

	if opts.Timeout <= 0 {
		opts.Timeout = 90 * time.Second
	}

	endpoint, client, err := NewTelegramHTTPClient(opts.Endpoint, opts.Timeout)
	if err != nil {
		return nil, err
	}

	api, err := tgbotapi.NewBotAPIWithClient(opts.Token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("telegram: can't identify bot: %w", err)
	}

	burst := max(1, int(opts.RPS))

	return &TelegramClient{
		api:     api,
		limiter: rate.NewLimiter(rate.Limit(opts.RPS), burst),
	}, nil
}

// Username is the bot's @username without the @.
func (t *TelegramClient) Username() string {
	return t.api.Self.UserName
}

func (t *TelegramClient) request(ctx context.Context, c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}

	resp, err := t.api.Request(c)
	if err != nil {
		return nil, telegramError(err)
	}

	return resp, nil
}

// telegramError turns "Too Many Requests" answers into *invite.RateLimitError
// and wraps everything else.
func telegramError(err error) error {
	var tgErr *tgbotapi.Error
	if !errors.As(err, &tgErr) {
		return fmt.Errorf("telegram: %w", err)
	}

	if tgErr.RetryAfter > 0 || tgErr.Code == http.StatusTooManyRequests {
		return fmt.Errorf("telegram: %s: %w", tgErr.Message, &invite.RateLimitError{
			RetryAfter: time.Duration(tgErr.RetryAfter) * time.Second,
		})
	}

	return fmt.Errorf("telegram: %d: %w", tgErr.Code, err)
}

func inlineKeyboard(rows [][]Button) tgbotapi.InlineKeyboardMarkup {
	var result [][]tgbotapi.InlineKeyboardButton

	for _, row := range rows {
		var buttons []tgbotapi.InlineKeyboardButton
		for _, b := range row {
			if b.URL != "" {
				buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonURL(b.Text, b.URL))
				continue
			}
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Data))
		}
		result = append(result, tgbotapi.NewInlineKeyboardRow(buttons...))
	}

	return tgbotapi.NewInlineKeyboardMarkup(result...)
}

func (t *TelegramClient) Send(ctx context.Context, chatID int64, msg Message) error {
	cfg := tgbotapi.NewMessage(chatID, msg.Text)
	if msg.Markdown {
		cfg.ParseMode = tgbotapi.ModeMarkdown
	}
	if len(msg.Buttons) != 0 {
		cfg.ReplyMarkup = inlineKeyboard(msg.Buttons)
	}

	_, err := t.request(ctx, cfg)
	return err
}

func (t *TelegramClient) AnswerCallback(ctx context.Context, callbackID, text string, alert bool) error {
	cfg := tgbotapi.NewCallback(callbackID, text)
	if alert {
		cfg = tgbotapi.NewCallbackWithAlert(callbackID, text)
	}

	_, err := t.request(ctx, cfg)
	return err
}

func (t *TelegramClient) Edit(ctx context.Context, chatID int64, messageID int, text string) error {
	_, err := t.request(ctx, tgbotapi.NewEditMessageText(chatID, messageID, text))
	return err
}

// chatInviteLink is the part of the ChatInviteLink object gatebot reads.
type chatInviteLink struct {
	InviteLink  string `json:"invite_link"`
	Name        string `json:"name"`
	ExpireDate  int64  `json:"expire_date"`
	MemberLimit int    `json:"member_limit"`
}

func (t *TelegramClient) CreateInvite(ctx context.Context, req invite.Request) (invite.Credential, error) {
	resp, err := t.request(ctx, tgbotapi.CreateChatInviteLinkConfig{
		ChatConfig:  tgbotapi.ChatConfig{ChatID: req.ChatID},
		Name:        req.Name,
		ExpireDate:  int(req.ExpiresAt.Unix()),
		MemberLimit: req.MemberLimit,
	})
	if err != nil {
		return invite.Credential{}, err
	}

	var link chatInviteLink
	if err := json.Unmarshal(resp.Result, &link); err != nil {
		return invite.Credential{}, fmt.Errorf("telegram: can't decode invite link: %w", err)
	}

	if link.InviteLink == "" {
		return invite.Credential{}, errors.New("telegram: empty invite link in response")
	}

	result := invite.Credential{
		URL:           link.InviteLink,
		UsesRemaining: link.MemberLimit,
		Label:         link.Name,
	}
	if link.ExpireDate != 0 {
		result.ExpiresAt = time.Unix(link.ExpireDate, 0)
	}

	return result, nil
}

// RegisterWebhook points Telegram at url, dropping updates that queued up
// while the bot was away.
func (t *TelegramClient) RegisterWebhook(url string) error {
	wh, err := tgbotapi.NewWebhook(url)
	if err != nil {
		return fmt.Errorf("telegram: bad webhook URL: %w", err)
	}
	wh.DropPendingUpdates = true
	wh.AllowedUpdates = AllowedUpdates

	if _, err := t.api.Request(wh); err != nil {
		return telegramError(err)
	}

	return nil
}

// Poll fetches updates with long polling and dispatches them to bot until
// ctx is done. Any webhook is removed first, as Telegram refuses getUpdates
// while one is set.
func (t *TelegramClient) Poll(ctx context.Context, bot *Bot) error {
	if _, err := t.api.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		return telegramError(err)
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	u.AllowedUpdates = AllowedUpdates

	updates := t.api.GetUpdatesChan(u)
	slog.Info("polling for updates", "bot", t.Username())

	for {
		select {
		case <-ctx.Done():
			t.api.StopReceivingUpdates()
			return nil
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			bot.Dispatch(ctx, upd)
		}
	}
}
