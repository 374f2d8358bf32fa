// Package contentstore publishes and fetches model parameters by content id
package contentstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/cryptofl/roundledger/internal/config"
	"go.uber.org/zap"
)

// ErrNotFound is returned by Get when no backend holds the content
var ErrNotFound = errors.New("content not found")

// Store is a content-addressed blob store
type Store interface {
	// Put uploads data under a human readable name and returns its content id
	Put(ctx context.Context, name string, data []byte) (string, error)

	// Get fetches the content stored under id
	Get(ctx context.Context, id string) ([]byte, error)
}

// Error reports a failed content store operation
type Error struct {
	Op  string
	ID  string
	Err error
}

func (e *Error) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("content store %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("content store %s %s failed: %v", e.Op, e.ID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Open builds the store selected by cfg.Backend, wrapped in the redis read
// cache when one is configured. The returned func releases its resources.
func Open(ctx context.Context, cfg *config.ContentConfig, logger *zap.Logger) (Store, func() error, error) {
	var (
		base    Store
		closers []func() error
	)
	switch cfg.Backend {
	case config.ContentBackendIPFS, config.ContentBackendPinata:
		base = NewIPFS(cfg, logger)
	case config.ContentBackendLocal:
		local, err := NewLocal(cfg.LocalPath)
		if err != nil {
			return nil, nil, err
		}
		base = local
		closers = append(closers, local.Close)
	default:
		return nil, nil, fmt.Errorf("unknown content backend %q", cfg.Backend)
	}

	cached, err := NewCached(ctx, base, CacheConfig{Addr: cfg.RedisAddr, TTL: cfg.CacheTTL}, logger)
	if err != nil {
		for _, c := range closers {
			_ = c()
		}
		return nil, nil, fmt.Errorf("failed to connect to content cache: %w", err)
	}
	closers = append(closers, cached.Close)

	logger.Info("Content store ready",
		zap.String("backend", cfg.Backend),
		zap.Bool("cache", cfg.RedisAddr != ""))

	return cached, func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		return errors.Join(errs...)
	}, nil
}
