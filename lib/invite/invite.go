// Package invite mints single-use, time-limited invite links for the
// protected channel.
//
// The group-management API is abstracted behind API so that the retry policy
// can be exercised without Telegram. An API implementation reports "slow
// down" responses as *RateLimitError; every other error is final.
package invite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ErrRateLimited matches every *RateLimitError.
	ErrRateLimited = errors.New("invite: rate limited")

	// ErrIssuanceFailed is returned when a credential could not be minted.
	// The user should be told to try again later.
	ErrIssuanceFailed = errors.New("invite: issuance failed")

	ErrNoChat  = errors.New("invite.Config: no chat ID defined")
	ErrBadTTL  = errors.New("invite.Config: TTL must be positive")
	ErrBadUses = errors.New("invite.Config: uses must be between 1 and 99999")
	ErrNoAPI   = errors.New("invite.Issuer: no API configured")
)

var (
	invitesIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gatebot_invites_issued",
		Help: "The total number of invite links minted",
	})

	inviteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gatebot_invite_failures",
		Help: "The total number of invite requests that failed for good",
	})

	rateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gatebot_invite_rate_limited",
		Help: "The total number of rate-limit responses while minting invites",
	})
)

// RateLimitError is returned by an API when the caller must wait before
// sending the same request again.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %v", e.RetryAfter)
	}
	return "rate limited"
}

// Is allows RateLimitError to be compared with ErrRateLimited.
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// Request is one invite creation call.
type Request struct {
	ChatID      int64
	ExpiresAt   time.Time
	MemberLimit int
	Name        string
}

// Credential is an invite link as reported back by the API.
type Credential struct {
	URL           string    `json:"url"`
	ExpiresAt     time.Time `json:"expiresAt"`
	UsesRemaining int       `json:"usesRemaining"`
	Label         string    `json:"label"`
}

// API creates invite links in the external group-management system.
type API interface {
	CreateInvite(ctx context.Context, req Request) (Credential, error)
}

// Config holds the values the issuer stamps on every request.
type Config struct {
	ChatID int64
	TTL    time.Duration
	Uses   int
}

func (c Config) Valid() error {
	var errs []error

	if c.ChatID == 0 {
		errs = append(errs, ErrNoChat)
	}

	if c.TTL <= 0 {
		errs = append(errs, ErrBadTTL)
	}

	// Telegram accepts member limits in [1, 99999]
	if c.Uses < 1 || c.Uses > 99999 {
		errs = append(errs, ErrBadUses)
	}

	if len(errs) != 0 {
		return errors.Join(errs...)
	}

	return nil
}

// Issuer mints invite links, waiting out rate limits for as long as it takes.
type Issuer struct {
	api  API
	cfg  Config
	now  func() time.Time
	wait func(ctx context.Context, d time.Duration) error
}

// Option customizes an Issuer.
type Option func(*Issuer)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

// WithSleep replaces the context-aware timer used between retries.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(i *Issuer) { i.wait = sleep }
}

// New builds an Issuer. cfg must be valid.
func New(api API, cfg Config, opts ...Option) (*Issuer, error) {
	if api == nil {
		return nil, ErrNoAPI
	}

	if err := cfg.Valid(); err != nil {
		return nil, err
	}

	result := &Issuer{
		api:  api,
		cfg:  cfg,
		now:  time.Now,
		wait: Sleep,
	}

	for _, opt := range opts {
		opt(result)
	}

	return result, nil
}

// Label is the name attached to every link minted for handle, so that the
// channel's invite list shows who each link was made for.
func Label(handle int64) string {
	return fmt.Sprintf("Gateway for %d", handle)
}

// Issue mints one credential for handle.
//
// When the API answers with a rate limit the very same request is sent again
// after RetryAfter plus one second. There is no cap on the number of retries;
// only ctx ends the loop early. Any other error ends it immediately.
func (i *Issuer) Issue(ctx context.Context, handle int64) (Credential, error) {
	lg := slog.With("handle", handle)

	req := Request{
		ChatID:      i.cfg.ChatID,
		ExpiresAt:   i.now().Add(i.cfg.TTL),
		MemberLimit: i.cfg.Uses,
		Name:        Label(handle),
	}

	for attempt := 1; ; attempt++ {
		cred, err := i.api.CreateInvite(ctx, req)
		if err == nil {
			invitesIssued.Inc()
			lg.Debug("minted invite link", "attempt", attempt, "expires_at", cred.ExpiresAt)
			return cred, nil
		}

		var rle *RateLimitError
		if !errors.As(err, &rle) {
			inviteFailures.Inc()
			lg.Error("can't create invite link", "attempt", attempt, "err", err)
			return Credential{}, fmt.Errorf("%w: %w", ErrIssuanceFailed, err)
		}

		rateLimited.Inc()
		delay := rle.RetryAfter + time.Second
		lg.Warn("rate limited while creating invite link, waiting", "attempt", attempt, "wait", delay)

		if err := i.wait(ctx, delay); err != nil {
			inviteFailures.Inc()
			return Credential{}, fmt.Errorf("%w: gave up waiting out rate limit: %w", ErrIssuanceFailed, err)
		}
	}
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
