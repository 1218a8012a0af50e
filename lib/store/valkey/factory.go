package valkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	valkey "github.com/redis/go-redis/v9"
	"github.com/uvensys/gatebot/lib/store"
)

// DefaultPrefix namespaces gatebot keys when Config.Prefix is empty.
const DefaultPrefix = "gatebot:"

var (
	ErrNoURL  = errors.New("valkey: no URL defined")
	ErrBadURL = errors.New("valkey: URL is invalid")
)

func init() {
	store.Register("valkey", Factory{})
}

// Config is the valkey backend configuration, e.g.
// {"url": "redis://valkey:6379/0", "prefix": "channel-a:"}.
type Config struct {
	// URL is a redis:// or rediss:// connection string.
	URL string `json:"url"`

	// Prefix is prepended to every key so several bots can share a
	// database. Defaults to DefaultPrefix.
	Prefix string `json:"prefix,omitempty"`
}

// options validates c and returns the client options it describes.
func (c Config) options() (*valkey.Options, error) {
	if c.URL == "" {
		return nil, ErrNoURL
	}

	opts, err := valkey.ParseURL(c.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadURL, err)
	}

	return opts, nil
}

func (c Config) Valid() error {
	_, err := c.options()
	return err
}

func parseConfig(data json.RawMessage) (Config, *valkey.Options, error) {
	var c Config

	if err := json.Unmarshal(data, &c); err != nil {
		return c, nil, fmt.Errorf("%w: %w", store.ErrBadConfig, err)
	}

	opts, err := c.options()
	if err != nil {
		return c, nil, fmt.Errorf("%w: %w", store.ErrBadConfig, err)
	}

	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}

	return c, opts, nil
}

// Factory connects to valkey. The connection pool stays open until the
// store is closed with store.Close.
type Factory struct{}

func (Factory) Valid(data json.RawMessage) error {
	_, _, err := parseConfig(data)
	return err
}

func (Factory) Build(ctx context.Context, data json.RawMessage) (store.Interface, error) {
	c, opts, err := parseConfig(data)
	if err != nil {
		return nil, err
	}

	rdb := valkey.NewClient(opts)

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("valkey: can't reach %s: %w", opts.Addr, err)
	}

	return &Store{rdb: rdb, prefix: c.Prefix}, nil
}
