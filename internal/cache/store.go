package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// Entry is one memoized value with its validity window. Payload is the
// JSON-encoded result of the computation that produced it.
type Entry struct {
	Payload   json.RawMessage `json:"payload"`
	StoredAt  time.Time       `json:"storedAt"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// Store is the process-wide result cache shared by every mirror operation.
// Implementations must tolerate concurrent access; redundant recomputation of
// the same key by concurrent callers is acceptable.
type Store interface {
	Lookup(ctx context.Context, key string) (Entry, bool, error)
	Store(ctx context.Context, key string, entry Entry) error
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
	Size(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}

// GetOrCompute returns the cached value under key when present and unexpired,
// otherwise runs compute, stores its result with the given TTL, and returns it.
// Cache failures on either side are logged and degrade to a fresh compute; a
// compute error is returned without storing anything. The second return value
// reports whether the value came from the cache.
func GetOrCompute[T any](ctx context.Context, store Store, logger *slog.Logger, key string, ttl time.Duration, compute func(context.Context) (T, error)) (T, bool, error) {
	var zero T
	if store != nil {
		entry, ok, err := store.Lookup(ctx, key)
		if err != nil {
			if logger != nil {
				logger.Warn("cache lookup failed", slog.String("key", key), slog.Any("error", err))
			}
		} else if ok {
			var value T
			if err := json.Unmarshal(entry.Payload, &value); err == nil {
				return value, true, nil
			} else if logger != nil {
				logger.Warn("cache entry undecodable, recomputing", slog.String("key", key), slog.Any("error", err))
			}
		}
	}

	value, err := compute(ctx)
	if err != nil {
		return zero, false, err
	}

	if store != nil && ttl > 0 {
		payload, err := json.Marshal(value)
		if err != nil {
			if logger != nil {
				logger.Warn("cache marshal failed", slog.String("key", key), slog.Any("error", err))
			}
			return value, false, nil
		}
		now := time.Now().UTC()
		entry := Entry{Payload: payload, StoredAt: now, ExpiresAt: now.Add(ttl)}
		if err := store.Store(ctx, key, entry); err != nil && logger != nil {
			logger.Warn("cache store failed", slog.String("key", key), slog.Any("error", err))
		}
		// Decode the stored payload back so the miss path returns exactly what
		// later hits will return.
		var stored T
		if err := json.Unmarshal(payload, &stored); err == nil {
			return stored, false, nil
		}
	}
	return value, false, nil
}
