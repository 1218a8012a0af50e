package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/facebookgo/flagenv"
	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/uvensys/gatebot"
	"github.com/uvensys/gatebot/internal"
	"github.com/uvensys/gatebot/lib"
	"github.com/uvensys/gatebot/lib/localization"
	"github.com/uvensys/gatebot/lib/store"

	// store implementations
	_ "github.com/uvensys/gatebot/lib/store/all"
)

var (
	appURL              = flag.String("app-url", "", "public base URL of this service, e.g. https://gateway-bot1.onrender.com; if empty, updates are fetched with long polling")
	bind                = flag.String("bind", ":10000", "network address to bind HTTP to")
	bindNetwork         = flag.String("bind-network", "tcp", "network family to bind HTTP to, e.g. unix, tcp")
	botToken            = flag.String("bot-token", "", "Telegram bot token from @BotFather")
	captchaTTLSec       = flag.Int("captcha-ttl-sec", int(gatebot.DefaultCaptchaTTL/time.Second), "seconds a user has to answer a challenge")
	challengeMethod     = flag.String("challenge-method", "arithmetic", "challenge generator to use")
	forcedLanguage      = flag.String("forced-language", "", "if set, this language is used instead of the one reported by the user's Telegram client")
	healthcheck         = flag.Bool("healthcheck", false, "run a health check against a running gatebot")
	inviteExpireMin     = flag.Int("invite-expire-min", int(gatebot.DefaultInviteTTL/time.Minute), "minutes an invite link stays valid")
	inviteMemberLimit   = flag.Int("invite-member-limit", gatebot.DefaultInviteUses, "how many users may join with one invite link")
	localeOverrides     = flag.String("locale-overrides", "", "if set, YAML file with per-language message overrides")
	mainChannelID       = flag.String("main-channel-id", "", "numeric ID of the protected channel, e.g. -1001234567890")
	metricsBind         = flag.String("metrics-bind", ":9090", "network address to bind metrics to")
	metricsBindNetwork  = flag.String("metrics-bind-network", "tcp", "network family for the metrics server to bind to")
	port                = flag.String("port", "", "if set, listen on this TCP port instead of -bind, as hosting platforms pass it in $PORT")
	retentionGrace      = flag.Duration("retention-grace", gatebot.DefaultRetentionGrace, "how long an unanswered challenge is kept past its deadline before the store may drop it")
	slogLevel           = flag.String("slog-level", "INFO", "logging level (see https://pkg.go.dev/log/slog#hdr-Levels)")
	socketMode          = flag.String("socket-mode", "0770", "socket mode (permissions) for unix domain sockets.")
	storeBackend        = flag.String("store-backend", "memory", "challenge store backend: memory, bbolt or valkey")
	storeConfig         = flag.String("store-config", "", "JSON parameters for the challenge store backend")
	telegramAPIEndpoint = flag.String("telegram-api-endpoint", "", "if set, Bot API endpoint format string (e.g. http://localhost:8081/bot%s/%s) or unix:///path/to/socket of a local Bot API server")
	telegramRPS         = flag.Float64("telegram-rps", 25, "maximum outbound Bot API requests per second")
	versionFlag         = flag.Bool("version", false, "print gatebot version")
)

func doHealthCheck() error {
	resp, err := http.Get("http://localhost" + *metricsBind + "/metrics")
	if err != nil {
		return fmt.Errorf("failed to fetch metrics: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return nil
}

// parseBindNetFromAddr determine bind network and address based on the given network and address.
func parseBindNetFromAddr(address string) (string, string) {
	defaultScheme := "http://"
	if !strings.Contains(address, "://") {
		if strings.HasPrefix(address, ":") {
			address = defaultScheme + "localhost" + address
		} else {
			address = defaultScheme + address
		}
	}

	bindUri, err := url.Parse(address)
	if err != nil {
		log.Fatal(fmt.Errorf("failed to parse bind URL: %w", err))
	}

	switch bindUri.Scheme {
	case "unix":
		return "unix", bindUri.Path
	case "tcp", "http", "https":
		return "tcp", bindUri.Host
	default:
		log.Fatal(fmt.Errorf("unsupported network scheme %s in address %s", bindUri.Scheme, address))
	}
	return "", address
}

func setupListener(network string, address string) (net.Listener, string) {
	formattedAddress := ""

	if network == "" {
		// keep compatibility
		network, address = parseBindNetFromAddr(address)
	}

	switch network {
	case "unix":
		formattedAddress = "unix:" + address
	case "tcp":
		if strings.HasPrefix(address, ":") { // assume it's just a port e.g. :10000
			formattedAddress = "http://localhost" + address
		} else {
			formattedAddress = "http://" + address
		}
	default:
		formattedAddress = fmt.Sprintf(`(%s) %s`, network, address)
	}

	listener, err := net.Listen(network, address)
	if err != nil {
		log.Fatal(fmt.Errorf("failed to bind to %s: %w", formattedAddress, err))
	}

	// additional permission handling for unix sockets
	if network == "unix" {
		mode, err := strconv.ParseUint(*socketMode, 8, 0)
		if err != nil {
			listener.Close()
			log.Fatal(fmt.Errorf("could not parse socket mode %s: %w", *socketMode, err))
		}

		err = os.Chmod(address, os.FileMode(mode))
		if err != nil {
			err := listener.Close()
			if err != nil {
				log.Printf("failed to close listener: %v", err)
			}
			log.Fatal(fmt.Errorf("could not change socket mode: %w", err))
		}
	}

	return listener, formattedAddress
}

func main() {
	flagenv.Parse()
	flag.Parse()

	if *versionFlag {
		fmt.Println("gatebot", gatebot.Version)
		return
	}

	internal.InitSlog(*slogLevel)

	if *healthcheck {
		log.Println("running healthcheck")
		if err := doHealthCheck(); err != nil {
			log.Fatal(err)
		}
		return
	}

	if *port != "" {
		*bindNetwork = "tcp"
		*bind = ":" + *port
	}

	gatebot.ForcedLanguage = *forcedLanguage

	var storeParams json.RawMessage
	if *storeConfig != "" {
		storeParams = json.RawMessage(*storeConfig)
	}

	opts := lib.Options{
		BotToken:        *botToken,
		ChannelID:       *mainChannelID,
		AppURL:          *appURL,
		CaptchaTTL:      time.Duration(*captchaTTLSec) * time.Second,
		InviteTTL:       time.Duration(*inviteExpireMin) * time.Minute,
		InviteUses:      *inviteMemberLimit,
		RetentionGrace:  *retentionGrace,
		ChallengeMethod: *challengeMethod,
		Store: store.Config{
			Backend:    *storeBackend,
			Parameters: storeParams,
		},
	}

	if err := opts.Valid(); err != nil {
		log.Fatalf("[misconfiguration] %v", err)
	}

	locales := localization.NewLocalizationService()
	if *localeOverrides != "" {
		ov, err := localization.LoadOverrides(*localeOverrides)
		if err != nil {
			log.Fatalf("can't load locale overrides: %v", err)
		}

		locales, err = locales.WithOverrides(ov)
		if err != nil {
			log.Fatalf("can't apply locale overrides: %v", err)
		}
	}
	opts.Localization = locales

	tg, err := lib.NewTelegramClient(lib.TelegramOptions{
		Token:    *botToken,
		Endpoint: *telegramAPIEndpoint,
		RPS:      *telegramRPS,
	})
	if err != nil {
		log.Fatalf("can't connect to Telegram: %v", err)
	}
	opts.BotUsername = tg.Username()

	wg := new(sync.WaitGroup)
	// install signal handler
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bot, err := lib.New(ctx, opts, tg)
	if err != nil {
		log.Fatalf("can't construct lib.Bot: %v", err)
	}

	if *metricsBind != "" {
		wg.Add(1)
		go metricsServer(ctx, wg.Done)
	}

	srv := http.Server{Handler: lib.NewHandler(ctx, bot, *botToken), ErrorLog: internal.GetFilteredHTTPLogger()}
	listener, listenerUrl := setupListener(*bindNetwork, *bind)

	mode := "webhook"
	if *appURL == "" {
		mode = "polling"
	}

	slog.Info(
		"listening",
		"url", listenerUrl,
		"version", gatebot.Version,
		"bot", tg.Username(),
		"mode", mode,
		"store", *storeBackend,
		"challenge-method", *challengeMethod,
		"captcha-ttl", opts.CaptchaTTL,
		"invite-ttl", opts.InviteTTL,
		"invite-member-limit", opts.InviteUses,
	)

	switch mode {
	case "webhook":
		hook := strings.TrimSuffix(*appURL, "/") + lib.WebhookPath(*botToken)
		if err := tg.RegisterWebhook(hook); err != nil {
			log.Fatalf("can't register webhook: %v", err)
		}
		slog.Debug("webhook registered", "path", lib.WebhookPath(*botToken))
	case "polling":
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := tg.Poll(ctx, bot); err != nil {
				log.Fatalf("can't poll for updates: %v", err)
			}
		}()
	}

	go func() {
		<-ctx.Done()
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(c); err != nil {
			log.Printf("cannot shut down: %v", err)
		}
	}()

	if err := srv.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
	wg.Wait()

	// updates in flight finish before the store goes away
	if err := bot.Close(); err != nil {
		log.Printf("cannot close bot: %v", err)
	}
}

func metricsServer(ctx context.Context, done func()) {
	defer done()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := http.Server{Handler: mux, ErrorLog: internal.GetFilteredHTTPLogger()}
	listener, metricsUrl := setupListener(*metricsBindNetwork, *metricsBind)
	slog.Debug("listening for metrics", "url", metricsUrl)

	go func() {
		<-ctx.Done()
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(c); err != nil {
			log.Printf("cannot shut down: %v", err)
		}
	}()

	if err := srv.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}
