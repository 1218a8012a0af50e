package lib

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/uvensys/gatebot"
	"github.com/uvensys/gatebot/lib/challenge"
	"github.com/uvensys/gatebot/lib/invite"
	"github.com/uvensys/gatebot/lib/localization"
	"github.com/uvensys/gatebot/lib/store"
)

var (
	ErrNoBotToken         = errors.New("config: bot token must be set")
	ErrNoChannelID        = errors.New("config: main channel ID must be set")
	ErrBadChannelID       = errors.New("config: main channel ID must be numeric like -1001234567890")
	ErrBadAppURL          = errors.New("config: app URL must be an absolute http(s) URL")
	ErrBadCaptchaTTL      = errors.New("config: captcha TTL must be positive")
	ErrBadInviteTTL       = errors.New("config: invite TTL must be positive")
	ErrBadInviteUses      = errors.New("config: invite member limit must be between 1 and 99999")
	ErrBadRetentionGrace  = fmt.Errorf("config: retention grace must be at least %v", gatebot.MinRetentionGrace)
	ErrUnknownChallenge   = errors.New("config: unknown challenge method")
	ErrInvalidStoreConfig = errors.New("config: store configuration is invalid")
	ErrNoTelegram         = errors.New("config: no Telegram client")
)

// Options is everything New needs to assemble a Bot.
type Options struct {
	BotToken        string
	ChannelID       string
	AppURL          string
	BotUsername     string
	CaptchaTTL      time.Duration
	InviteTTL       time.Duration
	InviteUses      int
	RetentionGrace  time.Duration
	ChallengeMethod string
	Store           store.Config
	Localization    *localization.LocalizationService

	// Test hooks. Zero values use the real clock, randomness and timers.
	Now   func() time.Time
	Rand  challenge.Rand
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultOptions returns Options with every tunable at its default.
func DefaultOptions() Options {
	return Options{
		CaptchaTTL:      gatebot.DefaultCaptchaTTL,
		InviteTTL:       gatebot.DefaultInviteTTL,
		InviteUses:      gatebot.DefaultInviteUses,
		RetentionGrace:  gatebot.DefaultRetentionGrace,
		ChallengeMethod: "arithmetic",
		Store:           store.Config{Backend: "memory"},
	}
}

// ChatID parses ChannelID.
func (o Options) ChatID() (int64, error) {
	if o.ChannelID == "" {
		return 0, ErrNoChannelID
	}

	id, err := strconv.ParseInt(o.ChannelID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadChannelID, o.ChannelID)
	}

	return id, nil
}

func (o Options) Valid() error {
	var errs []error

	if o.BotToken == "" {
		errs = append(errs, ErrNoBotToken)
	}

	if _, err := o.ChatID(); err != nil {
		errs = append(errs, err)
	}

	if o.AppURL != "" {
		u, err := url.Parse(o.AppURL)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			errs = append(errs, fmt.Errorf("%w: %q", ErrBadAppURL, o.AppURL))
		}
	}

	if o.CaptchaTTL <= 0 {
		errs = append(errs, ErrBadCaptchaTTL)
	}

	if o.InviteTTL <= 0 {
		errs = append(errs, ErrBadInviteTTL)
	}

	if o.InviteUses < 1 || o.InviteUses > 99999 {
		errs = append(errs, ErrBadInviteUses)
	}

	if o.RetentionGrace < gatebot.MinRetentionGrace {
		errs = append(errs, fmt.Errorf("%w: %v", ErrBadRetentionGrace, o.RetentionGrace))
	}

	if _, ok := challenge.Get(o.ChallengeMethod); !ok {
		errs = append(errs, fmt.Errorf("%w %q, have: %v", ErrUnknownChallenge, o.ChallengeMethod, challenge.Methods()))
	}

	if err := o.Store.Valid(); err != nil {
		errs = append(errs, fmt.Errorf("%w: %w", ErrInvalidStoreConfig, err))
	}

	if len(errs) != 0 {
		return errors.Join(errs...)
	}

	return nil
}

// Telegram is the subset of the Bot API gatebot talks to.
type Telegram interface {
	Delivery
	invite.API
}

// New validates opts and wires the challenge store, verification engine and
// credential issuer into a Bot that talks to tg. Background work of the
// store stops when ctx is cancelled; the store itself stays open until
// Bot.Close.
func New(ctx context.Context, opts Options, tg Telegram) (*Bot, error) {
	if tg == nil {
		return nil, ErrNoTelegram
	}

	if err := opts.Valid(); err != nil {
		return nil, err
	}

	chatID, _ := opts.ChatID()

	if opts.Now == nil {
		opts.Now = time.Now
	}

	if opts.Localization == nil {
		opts.Localization = localization.NewLocalizationService()
	}

	st, err := opts.Store.Build(ctx)
	if err != nil {
		return nil, fmt.Errorf("lib: can't build %s store: %w", opts.Store.Backend, err)
	}

	gate, err := NewGate(GateOptions{
		Store:          st,
		Method:         opts.ChallengeMethod,
		TTL:            opts.CaptchaTTL,
		RetentionGrace: opts.RetentionGrace,
		Now:            opts.Now,
		Rand:           opts.Rand,
	})
	if err != nil {
		store.Close(st)
		return nil, err
	}

	issuerOpts := []invite.Option{invite.WithClock(opts.Now)}
	if opts.Sleep != nil {
		issuerOpts = append(issuerOpts, invite.WithSleep(opts.Sleep))
	}

	issuer, err := invite.New(tg, invite.Config{
		ChatID: chatID,
		TTL:    opts.InviteTTL,
		Uses:   opts.InviteUses,
	}, issuerOpts...)
	if err != nil {
		store.Close(st)
		return nil, fmt.Errorf("lib: can't build invite issuer: %w", err)
	}

	slog.Debug("assembled bot",
		"store", opts.Store.Backend,
		"challenge_method", opts.ChallengeMethod,
		"captcha_ttl", opts.CaptchaTTL,
		"invite_ttl", opts.InviteTTL,
		"invite_uses", opts.InviteUses,
	)

	return &Bot{
		store:      st,
		gate:       gate,
		issuer:     issuer,
		delivery:   tg,
		locales:    opts.Localization,
		username:   opts.BotUsername,
		captchaTTL: opts.CaptchaTTL,
		inviteTTL:  opts.InviteTTL,
		inviteUses: opts.InviteUses,
	}, nil
}
