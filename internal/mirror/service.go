package mirror

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/zynqa/confmirror/internal/access"
	"github.com/zynqa/confmirror/internal/cache"
	"github.com/zynqa/confmirror/internal/confluence"
	"github.com/zynqa/confmirror/internal/metrics"
)

// TTLs carries the per-layer cache lifetimes.
type TTLs struct {
	Pages   time.Duration
	Spaces  time.Duration
	UserSet time.Duration
}

// Options wires the mirror service's collaborators.
type Options struct {
	Gateway       confluence.Gateway
	Store         cache.Store
	Logger        *slog.Logger
	Metrics       *metrics.Recorder
	ContentFormat string
	TTL           TTLs
}

// Service is the soft-fail boundary between the remote source and the admin
// panel: every gateway call goes through the shared result cache, and every
// failure is logged and degraded to a nil or empty value here, exactly once.
// Partial or unavailable wiki data must never break the hosting panel.
type Service struct {
	gateway   confluence.Gateway
	store     cache.Store
	logger    *slog.Logger
	metrics   *metrics.Recorder
	evaluator *access.Evaluator
	format    string
	ttl       TTLs
}

func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	format := opts.ContentFormat
	if format == "" {
		format = confluence.FormatMarkdown
	}
	ttl := opts.TTL
	if ttl.Pages <= 0 {
		ttl.Pages = 30 * time.Minute
	}
	if ttl.Spaces <= 0 {
		ttl.Spaces = 30 * time.Minute
	}
	if ttl.UserSet <= 0 {
		ttl.UserSet = 5 * time.Minute
	}

	s := &Service{
		gateway: opts.Gateway,
		store:   opts.Store,
		logger:  logger.With(slog.String("component", "mirror")),
		metrics: opts.Metrics,
		format:  format,
		ttl:     ttl,
	}
	s.evaluator = access.NewEvaluator(s, logger)
	return s
}

// GetPage returns a single page, or nil when the page does not exist or the
// remote call failed.
func (s *Service) GetPage(ctx context.Context, pageID string) *confluence.Page {
	key := cache.PageKey(pageID, s.format)
	page, fromCache, err := cache.GetOrCompute(ctx, s.store, s.logger, key, s.ttl.Pages,
		func(ctx context.Context) (*confluence.Page, error) {
			return observeRemote(ctx, s, "page", func(ctx context.Context) (*confluence.Page, error) {
				return s.gateway.Page(ctx, pageID, s.format)
			})
		})
	s.observeCacheLookup("page", fromCache)
	if err != nil {
		s.logFetchFailure("page fetch failed", err, slog.String("page_id", pageID))
		return nil
	}
	return page
}

// Spaces lists every remote space, or nothing on failure.
func (s *Service) Spaces(ctx context.Context) []confluence.Space {
	spaces, fromCache, err := cache.GetOrCompute(ctx, s.store, s.logger, cache.SpacesKey(), s.ttl.Spaces,
		func(ctx context.Context) ([]confluence.Space, error) {
			return observeRemote(ctx, s, "spaces", func(ctx context.Context) ([]confluence.Space, error) {
				return s.gateway.Spaces(ctx)
			})
		})
	s.observeCacheLookup("spaces", fromCache)
	if err != nil {
		s.logFetchFailure("space listing failed", err)
		return nil
	}
	return spaces
}

// PagesInSpace lists the current pages of one space; failures degrade to an
// empty listing. The key -> ID resolution is cached on its own so an explicit
// space invalidation also discards a stale ID.
func (s *Service) PagesInSpace(ctx context.Context, spaceKey string) []confluence.Page {
	spaceID, idFromCache, err := cache.GetOrCompute(ctx, s.store, s.logger, cache.SpaceIDKey(spaceKey), s.ttl.Spaces,
		func(ctx context.Context) (string, error) {
			return observeRemote(ctx, s, "space_id", func(ctx context.Context) (string, error) {
				return s.gateway.SpaceID(ctx, spaceKey)
			})
		})
	s.observeCacheLookup("space_id", idFromCache)
	if err != nil {
		s.logFetchFailure("space resolution failed", err, slog.String("space_key", spaceKey))
		return nil
	}

	key := cache.SpacePagesKey(spaceKey)
	pages, fromCache, err := cache.GetOrCompute(ctx, s.store, s.logger, key, s.ttl.Spaces,
		func(ctx context.Context) ([]confluence.Page, error) {
			return observeRemote(ctx, s, "space_pages", func(ctx context.Context) ([]confluence.Page, error) {
				return s.gateway.PagesInSpace(ctx, spaceID, spaceKey)
			})
		})
	s.observeCacheLookup("space_pages", fromCache)
	if err != nil {
		s.logFetchFailure("space page listing failed", err, slog.String("space_key", spaceKey))
		return nil
	}
	return pages
}

// PageDescendants expands the subtree below a page. The result is cached by
// page ID alone, so grant expansion and exclusion expansion share one walk
// across all users.
func (s *Service) PageDescendants(ctx context.Context, pageID string) []confluence.Page {
	key := cache.ChildrenKey(pageID)
	pages, fromCache, err := cache.GetOrCompute(ctx, s.store, s.logger, key, s.ttl.Pages,
		func(ctx context.Context) ([]confluence.Page, error) {
			return observeRemote(ctx, s, "descendants", func(ctx context.Context) ([]confluence.Page, error) {
				return s.gateway.PageDescendants(ctx, pageID)
			})
		})
	s.observeCacheLookup("descendants", fromCache)
	if err != nil {
		s.logFetchFailure("descendant expansion failed", err, slog.String("page_id", pageID))
		return nil
	}
	return pages
}

// Search passes a CQL query through to the remote source. Results are not
// cached and not filtered by access policy.
func (s *Service) Search(ctx context.Context, cql string) []confluence.Page {
	pages, err := observeRemote(ctx, s, "search", func(ctx context.Context) ([]confluence.Page, error) {
		return s.gateway.Search(ctx, cql)
	})
	if err != nil {
		s.logFetchFailure("search failed", err, slog.String("cql", cql))
		return nil
	}
	return pages
}

// CanViewPage decides visibility of one page for the given profile.
func (s *Service) CanViewPage(ctx context.Context, profile access.Profile, page confluence.Page, superAdmin bool) bool {
	return s.evaluator.CanView(ctx, profile, page, superAdmin)
}

// PagesForUser returns the user's full visible page set. The cache key embeds
// the profile fingerprint, so a changed grant or exclusion lands on a fresh
// key; an unchanged profile is served from the cache within the TTL window.
func (s *Service) PagesForUser(ctx context.Context, userID string, profile access.Profile) []confluence.Page {
	if !profile.HasAccess() {
		return nil
	}

	start := time.Now()
	key := cache.UserPagesKey(userID, profile.Fingerprint())
	pages, fromCache, err := cache.GetOrCompute(ctx, s.store, s.logger, key, s.ttl.UserSet,
		func(ctx context.Context) ([]confluence.Page, error) {
			return s.evaluator.VisibleSet(ctx, profile)
		})
	if err != nil {
		s.logger.Error("visible set resolution failed",
			slog.String("user_id", userID), slog.Any("error", err))
		s.metrics.ObserveResolution("error", false, time.Since(start))
		return nil
	}
	s.metrics.ObserveResolution("ok", fromCache, time.Since(start))
	return pages
}

// InvalidateUser drops the user's materialized view along with the shared
// listings their profile depends on, forcing the next access to refetch.
func (s *Service) InvalidateUser(ctx context.Context, userID string, profile access.Profile) {
	s.deletePrefix(ctx, cache.UserPrefix(userID))
	for _, spaceKey := range profile.SpaceGrants {
		s.InvalidateSpace(ctx, spaceKey)
	}
	for _, grant := range profile.PageGrants {
		s.InvalidatePage(ctx, grant.PageID)
	}
	for _, exclusion := range profile.Exclusions {
		s.InvalidatePage(ctx, exclusion.PageID)
	}
	s.logger.Info("user cache invalidated", slog.String("user_id", userID))
}

// InvalidatePage drops the cached page bodies and its cached subtree.
func (s *Service) InvalidatePage(ctx context.Context, pageID string) {
	s.deletePrefix(ctx, cache.PagePrefix(pageID))
	s.delete(ctx, cache.ChildrenKey(pageID))
}

// InvalidateSpace drops the cached page listing for one space along with its
// cached key -> ID resolution, so a deleted and recreated space picks up the
// new ID on the next listing.
func (s *Service) InvalidateSpace(ctx context.Context, spaceKey string) {
	s.delete(ctx, cache.SpacePagesKey(spaceKey))
	s.delete(ctx, cache.SpaceIDKey(spaceKey))
}

// InvalidateAll flushes every cached projection of remote state.
func (s *Service) InvalidateAll(ctx context.Context) {
	for _, prefix := range []string{"page:", "children:", "space", "user-pages:"} {
		s.deletePrefix(ctx, prefix)
	}
	s.logger.Info("all mirror caches invalidated")
}

func (s *Service) Close(ctx context.Context) error {
	var errs []error
	if s.gateway != nil {
		if err := s.gateway.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.store != nil {
		if err := s.store.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// observeRemote times one remote call and records its outcome.
func observeRemote[T any](ctx context.Context, s *Service, operation string, fetch func(context.Context) (T, error)) (T, error) {
	start := time.Now()
	value, err := fetch(ctx)
	outcome := metrics.RemoteOutcomeOK
	switch {
	case errors.Is(err, confluence.ErrNotFound):
		outcome = metrics.RemoteOutcomePartial
	case err != nil:
		outcome = metrics.RemoteOutcomeError
	}
	s.metrics.ObserveRemote(s.gateway.Backend(), operation, outcome, time.Since(start))
	return value, err
}

func (s *Service) observeCacheLookup(operation string, fromCache bool) {
	outcome := metrics.CacheLookupMiss
	if fromCache {
		outcome = metrics.CacheLookupHit
	}
	s.metrics.ObserveCacheLookup(operation, outcome)
}

func (s *Service) logFetchFailure(msg string, err error, attrs ...any) {
	if errors.Is(err, confluence.ErrNotFound) {
		s.logger.Info(msg, append(attrs, slog.String("reason", "not found"))...)
		return
	}
	s.logger.Error(msg, append(attrs, slog.Any("error", err))...)
}

func (s *Service) delete(ctx context.Context, key string) {
	if s.store == nil {
		return
	}
	if err := s.store.Delete(ctx, key); err != nil {
		s.logger.Warn("cache delete failed", slog.String("key", key), slog.Any("error", err))
	}
}

func (s *Service) deletePrefix(ctx context.Context, prefix string) {
	if s.store == nil {
		return
	}
	if err := s.store.DeletePrefix(ctx, prefix); err != nil {
		s.logger.Warn("cache prefix delete failed", slog.String("prefix", prefix), slog.Any("error", err))
	}
}
