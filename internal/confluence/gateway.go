package confluence

import (
	"context"
	"errors"
)

// ErrNotFound reports that a page ID or space key does not resolve remotely.
// Callers treat it as an empty result for that sub-operation.
var ErrNotFound = errors.New("confluence: not found")

// Gateway is the uniform surface over the remote source's read operations.
// Implementations return errors; converting failures into the empty or
// partial values the UI sees happens once, in the mirror service.
type Gateway interface {
	// Backend names the concrete implementation for logs and metrics.
	Backend() string

	// Page fetches a single page with its body in the requested format.
	Page(ctx context.Context, pageID, format string) (*Page, error)

	// Spaces lists every space, draining remote pagination.
	Spaces(ctx context.Context) ([]Space, error)

	// SpaceID resolves a space key to the remote space ID. The mirror
	// service caches the resolution so it can be invalidated alongside the
	// space's page listing.
	SpaceID(ctx context.Context, spaceKey string) (string, error)

	// PagesInSpace lists the current pages of a space by its resolved ID,
	// draining remote pagination. A mid-scan failure yields whatever was
	// accumulated. The space key tags pages whose listing omits it.
	PagesInSpace(ctx context.Context, spaceID, spaceKey string) ([]Page, error)

	// PageDescendants expands the full subtree below a page: children,
	// grandchildren, and so on.
	PageDescendants(ctx context.Context, pageID string) ([]Page, error)

	// Search passes a CQL query through to the remote source verbatim.
	Search(ctx context.Context, cql string) ([]Page, error)

	Close(ctx context.Context) error
}
