package bbolt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/uvensys/gatebot/lib/store"
)

const (
	// openTimeout bounds the wait for the file lock held by another process.
	openTimeout = 5 * time.Second

	sweepInterval = time.Minute
)

var (
	ErrMissingPath     = errors.New("bbolt: path is missing from config")
	ErrCantWriteToPath = errors.New("bbolt: can't write to path")
)

func init() {
	store.Register("bbolt", Factory{})
}

// Config is the bbolt backend configuration, e.g. {"path": "/data/gatebot.bdb"}.
type Config struct {
	// Path of the database file. Its directory must be writable.
	Path string `json:"path"`
}

func (c Config) Valid() error {
	if c.Path == "" {
		return ErrMissingPath
	}

	probe, err := os.CreateTemp(filepath.Dir(c.Path), ".gatebot-*")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCantWriteToPath, err)
	}
	probe.Close()
	os.Remove(probe.Name())

	return nil
}

func parseConfig(data json.RawMessage) (Config, error) {
	var c Config

	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("%w: %w", store.ErrBadConfig, err)
	}

	if err := c.Valid(); err != nil {
		return c, fmt.Errorf("%w: %w", store.ErrBadConfig, err)
	}

	return c, nil
}

// Factory opens bbolt stores. The database stays open until the store is
// closed with store.Close; the periodic sweep stops with ctx.
type Factory struct{}

func (Factory) Valid(data json.RawMessage) error {
	_, err := parseConfig(data)
	return err
}

func (Factory) Build(ctx context.Context, data json.RawMessage) (store.Interface, error) {
	c, err := parseConfig(data)
	if err != nil {
		return nil, err
	}

	s, err := open(c.Path, openTimeout)
	if err != nil {
		return nil, fmt.Errorf("bbolt: can't open %s: %w", c.Path, err)
	}

	go s.sweepLoop(ctx, sweepInterval)

	return s, nil
}
