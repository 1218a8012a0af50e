package lib

import (
	"context"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/uvensys/gatebot/internal"
)

// maxUpdateSize bounds the body of a webhook delivery. Telegram updates are
// a few kilobytes at most.
const maxUpdateSize = 1 << 20

// updateDecoder parses webhook deliveries. HandleUpdate only reads the
// request, so no Bot API connection is needed.
var updateDecoder = new(tgbotapi.BotAPI)

// WebhookPath is the URL path Telegram delivers updates to. It is derived
// from the bot token so that only Telegram knows it, without putting the
// token itself into access logs.
func WebhookPath(token string) string {
	return "/" + internal.SHA256sum(token)
}

// NewHandler returns the HTTP surface of the bot: the webhook at
// WebhookPath(token) and a liveness probe at /healthz.
//
// Updates are dispatched with ctx rather than the request context, because
// handling continues after Telegram has been answered.
func NewHandler(ctx context.Context, bot *Bot, token string) http.Handler {
	mux := http.NewServeMux()

	mux.Handle(WebhookPath(token), &webhookHandler{ctx: ctx, bot: bot})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return mux
}

type webhookHandler struct {
	ctx context.Context
	bot *Bot
}

func (h *webhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	lg := internal.GetRequestLogger(r)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUpdateSize)

	upd, err := updateDecoder.HandleUpdate(r)
	if err != nil {
		lg.Debug("can't decode update", "err", err)
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	h.bot.Dispatch(h.ctx, *upd)
	w.WriteHeader(http.StatusOK)
}
