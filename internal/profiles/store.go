package profiles

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/zynqa/confmirror/internal/access"
	"github.com/zynqa/confmirror/internal/config"
)

// Record couples one user's access profile with the panel-level flags stored
// beside it.
type Record struct {
	Profile    access.Profile
	SuperAdmin bool
}

// Store holds the current snapshot of user access records sourced from a
// profiles document (yaml, json, or toml). The stored data is treated as an
// opaque per-user record: each field is decoded leniently and degrades to
// empty on shape mismatches rather than failing the load.
type Store struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	records map[string]Record
}

// NewStore prepares a profile source backed by the given document path.
func NewStore(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{
		path:    path,
		logger:  logger.With(slog.String("component", "profiles")),
		records: make(map[string]Record),
	}
}

// Load reads the profiles document and swaps the snapshot. It returns the
// IDs of users whose record changed or disappeared, so callers can refresh
// dependent state.
func (s *Store) Load(ctx context.Context) ([]string, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	payload, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("profiles: file %s not found", s.path)
		}
		return nil, fmt.Errorf("profiles: read %s: %w", s.path, err)
	}

	// The document is handed to the parser directly rather than loaded into a
	// koanf tree: user IDs are map keys here, and koanf's key-path delimiter
	// would split dotted IDs like john.doe into nested maps.
	raw, err := config.ParserForFile(s.path).Unmarshal(payload)
	if err != nil {
		return nil, fmt.Errorf("profiles: load %s: %w", s.path, err)
	}

	records := make(map[string]Record)
	users, ok := raw["users"].(map[string]any)
	if !ok {
		if _, present := raw["users"]; present {
			return nil, fmt.Errorf("profiles: %s: users section malformed", s.path)
		}
		users = map[string]any{}
	}
	for userID, value := range users {
		entry, ok := value.(map[string]any)
		if !ok {
			s.logger.Warn("skipping malformed user record", slog.String("user_id", userID))
			continue
		}
		record := Record{Profile: access.FromUntyped(userID, entry, s.logger)}
		if flag, ok := entry["superAdmin"].(bool); ok {
			record.SuperAdmin = flag
		}
		records[userID] = record
	}

	changed := s.swap(records)
	s.logger.Info("profiles loaded",
		slog.String("path", s.path),
		slog.Int("users", len(records)),
		slog.Int("changed", len(changed)))
	return changed, nil
}

// Lookup returns the record for one user.
func (s *Store) Lookup(userID string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[userID]
	return record, ok
}

// Users lists the known user IDs in stable order.
func (s *Store) Users() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// swap installs the new snapshot and reports which users changed. Change is
// judged by profile fingerprint plus the super-admin flag, matching the cache
// keying downstream.
func (s *Store) swap(records map[string]Record) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changed []string
	for userID, next := range records {
		prev, existed := s.records[userID]
		if !existed ||
			prev.SuperAdmin != next.SuperAdmin ||
			prev.Profile.Fingerprint() != next.Profile.Fingerprint() {
			changed = append(changed, userID)
		}
	}
	for userID := range s.records {
		if _, still := records[userID]; !still {
			changed = append(changed, userID)
		}
	}
	s.records = records
	sort.Strings(changed)
	return changed
}
