// Package store persists the full set of swap records. Every backend replaces
// the whole set atomically; callers serialize their own read-modify-write
// cycles.
package store

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"gomicropay/config"
	"gomicropay/types"
)

var (
	ErrDuplicateSwap = errors.New("duplicate swap id")
	ErrEmptySwapID   = errors.New("swap record without swap id")
)

// Store is a durable, wholesale-replaced set of swap records.
type Store interface {
	// LoadAll returns every known record. An empty store is not an error.
	LoadAll(ctx context.Context) ([]types.SwapRecord, error)
	// SaveAll atomically replaces the persisted set.
	SaveAll(ctx context.Context, records []types.SwapRecord) error
	Close() error
}

// Open builds the backend selected in the configuration.
func Open(cfg *config.Configuration, log *zap.Logger) (Store, error) {
	switch cfg.Store.Backend {
	case "file":
		return NewFileStore(cfg.Store.Path), nil
	case "redis":
		return NewRedisStore(fmt.Sprintf("%s:%d", cfg.Server.RedisHost, cfg.Server.RedisPort), log), nil
	case "sqlite":
		return NewSQLiteStore(cfg.Store.Path)
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}

func checkRecords(records []types.SwapRecord) error {
	seen := make(map[string]struct{}, len(records))
	for _, rec := range records {
		if rec.SwapID == "" {
			return ErrEmptySwapID
		}
		if _, ok := seen[rec.SwapID]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateSwap, rec.SwapID)
		}
		seen[rec.SwapID] = struct{}{}
	}
	return nil
}

// Upsert replaces the record with the same swap id, or appends it.
func Upsert(ctx context.Context, s Store, rec types.SwapRecord) error {
	records, err := s.LoadAll(ctx)
	if err != nil {
		return err
	}
	replaced := false
	for i := range records {
		if records[i].SwapID == rec.SwapID {
			records[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		records = append(records, rec)
	}
	return s.SaveAll(ctx, records)
}

// Find returns the record with the given swap id, or nil.
func Find(ctx context.Context, s Store, swapID string) (*types.SwapRecord, error) {
	records, err := s.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	for i := range records {
		if records[i].SwapID == swapID {
			return &records[i], nil
		}
	}
	return nil, nil
}

type statusFinder interface {
	FindByStatus(ctx context.Context, status types.Status) ([]types.SwapRecord, error)
}

// FindByStatus returns every record in the given status. Backends with a
// status index answer directly.
func FindByStatus(ctx context.Context, s Store, status types.Status) ([]types.SwapRecord, error) {
	if finder, ok := s.(statusFinder); ok {
		return finder.FindByStatus(ctx, status)
	}
	records, err := s.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]types.SwapRecord, 0)
	for _, rec := range records {
		if rec.Status == status {
			out = append(out, rec)
		}
	}
	return out, nil
}
