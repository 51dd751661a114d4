package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/zynqa/confmirror/internal/confluence"
)

// ErrResolutionFailed reports an unexpected internal failure while computing
// a user's visible set. Callers treat it as an empty result.
var ErrResolutionFailed = errors.New("access: resolution failed")

// PageSource is the slice of the mirror service the evaluator consults. The
// methods sit above the soft-fail boundary: remote failures have already been
// degraded to nil or empty values by the time the evaluator sees them.
type PageSource interface {
	GetPage(ctx context.Context, pageID string) *confluence.Page
	PagesInSpace(ctx context.Context, spaceKey string) []confluence.Page
	PageDescendants(ctx context.Context, pageID string) []confluence.Page
}

// Evaluator decides page visibility for a profile, both for a single page and
// for the full aggregate. It holds no per-user state; every operation takes
// the profile explicitly.
type Evaluator struct {
	source PageSource
	logger *slog.Logger
}

func NewEvaluator(source PageSource, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Evaluator{source: source, logger: logger.With(slog.String("component", "access"))}
}

// CanView decides visibility of a single page. The rules are checked in
// strict precedence order and the first match wins; in particular every
// exclusion check runs before any grant check, so an excluded subtree stays
// hidden no matter which grant would otherwise reach it.
func (e *Evaluator) CanView(ctx context.Context, profile Profile, page confluence.Page, superAdmin bool) bool {
	if superAdmin {
		return true
	}

	if profile.IsExcluded(page.ID) {
		return false
	}
	for _, exclusion := range profile.Exclusions {
		if !exclusion.ExcludeDescendants {
			continue
		}
		if containsPage(e.source.PageDescendants(ctx, exclusion.PageID), page.ID) {
			return false
		}
	}

	if page.SpaceKey != "" && profile.HasSpaceGrant(page.SpaceKey) {
		return true
	}
	if profile.HasPageGrant(page.ID) {
		return true
	}
	for _, grant := range profile.PageGrants {
		if !grant.IncludeDescendants {
			continue
		}
		if containsPage(e.source.PageDescendants(ctx, grant.PageID), page.ID) {
			return true
		}
	}

	return false
}

// VisibleSet materializes every page the profile can see: the union of all
// space grants and page grants (with granted subtrees), minus the exclusion
// set, restricted to current pages. Remote failures surface as missing pages,
// never as an error; only an unexpected internal fault yields
// ErrResolutionFailed.
func (e *Evaluator) VisibleSet(ctx context.Context, profile Profile) (pages []confluence.Page, err error) {
	defer func() {
		if r := recover(); r != nil {
			pages = nil
			err = fmt.Errorf("%w: %v", ErrResolutionFailed, r)
		}
	}()

	if !profile.HasAccess() {
		return nil, nil
	}

	seen := make(map[string]struct{})
	var union []confluence.Page
	add := func(page confluence.Page) {
		if page.ID == "" {
			return
		}
		if _, ok := seen[page.ID]; ok {
			return
		}
		seen[page.ID] = struct{}{}
		union = append(union, page)
	}

	for _, spaceKey := range profile.SpaceGrants {
		for _, page := range e.source.PagesInSpace(ctx, spaceKey) {
			add(page)
		}
	}

	for _, grant := range profile.PageGrants {
		page := e.source.GetPage(ctx, grant.PageID)
		if page == nil {
			continue
		}
		add(*page)
		if grant.IncludeDescendants {
			for _, descendant := range e.source.PageDescendants(ctx, grant.PageID) {
				add(descendant)
			}
		}
	}

	excluded := make(map[string]struct{})
	for _, exclusion := range profile.Exclusions {
		excluded[exclusion.PageID] = struct{}{}
		if !exclusion.ExcludeDescendants {
			continue
		}
		for _, descendant := range e.source.PageDescendants(ctx, exclusion.PageID) {
			if descendant.ID != "" {
				excluded[descendant.ID] = struct{}{}
			}
		}
	}

	visible := make([]confluence.Page, 0, len(union))
	for _, page := range union {
		if _, ok := excluded[page.ID]; ok {
			continue
		}
		if page.Status != confluence.StatusCurrent {
			continue
		}
		visible = append(visible, page)
	}
	return visible, nil
}

func containsPage(pages []confluence.Page, pageID string) bool {
	for _, page := range pages {
		if page.ID == pageID {
			return true
		}
	}
	return false
}
