package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/zynqa/confmirror/internal/access"
	"github.com/zynqa/confmirror/internal/confluence"
	"github.com/zynqa/confmirror/internal/profiles"
)

// MirrorAPI defines the minimal surface the HTTP facade needs from the
// mirror service to answer read and invalidation requests.
type MirrorAPI interface {
	GetPage(ctx context.Context, pageID string) *confluence.Page
	Spaces(ctx context.Context) []confluence.Space
	PagesInSpace(ctx context.Context, spaceKey string) []confluence.Page
	PageDescendants(ctx context.Context, pageID string) []confluence.Page
	Search(ctx context.Context, cql string) []confluence.Page
	PagesForUser(ctx context.Context, userID string, profile access.Profile) []confluence.Page
	CanViewPage(ctx context.Context, profile access.Profile, page confluence.Page, superAdmin bool) bool
	InvalidateUser(ctx context.Context, userID string, profile access.Profile)
	InvalidatePage(ctx context.Context, pageID string)
	InvalidateSpace(ctx context.Context, spaceKey string)
	InvalidateAll(ctx context.Context)
}

// ProfileDirectory resolves user IDs to their access records.
type ProfileDirectory interface {
	Lookup(userID string) (profiles.Record, bool)
	Users() []string
}

// NewHandler wires the HTTP routing facade to the mirror service so the
// lifecycle server owns URL dispatch without embedding routing logic into
// the service itself.
func NewHandler(api MirrorAPI, directory ProfileDirectory, logger *slog.Logger) http.Handler {
	if api == nil || directory == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "mirror unavailable", http.StatusServiceUnavailable)
		})
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	h := &handler{api: api, directory: directory, logger: logger.With(slog.String("component", "http"))}
	return http.HandlerFunc(h.serve)
}

type handler struct {
	api       MirrorAPI
	directory ProfileDirectory
	logger    *slog.Logger
}

func (h *handler) serve(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(r.URL.Path, "/")
	parts := strings.Split(trimmed, "/")
	if trimmed == "" {
		http.NotFound(w, r)
		return
	}

	if r.Method == http.MethodDelete {
		h.serveInvalidate(w, r, parts)
		return
	}
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	switch {
	case len(parts) == 1 && (parts[0] == "healthz" || parts[0] == "health"):
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case len(parts) == 1 && parts[0] == "spaces":
		h.serveSpaces(w, r)
	case len(parts) == 3 && parts[0] == "spaces" && parts[2] == "pages":
		h.servePageList(w, h.api.PagesInSpace(r.Context(), parts[1]))
	case len(parts) == 2 && parts[0] == "pages":
		h.servePage(w, r, parts[1])
	case len(parts) == 3 && parts[0] == "pages" && parts[2] == "descendants":
		h.servePageList(w, h.api.PageDescendants(r.Context(), parts[1]))
	case len(parts) == 3 && parts[0] == "users" && parts[2] == "pages":
		h.serveUserPages(w, r, parts[1])
	case len(parts) == 1 && parts[0] == "search":
		h.serveSearch(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (h *handler) servePage(w http.ResponseWriter, r *http.Request, pageID string) {
	page := h.api.GetPage(r.Context(), pageID)
	if page == nil {
		h.writeError(w, http.StatusNotFound, fmt.Sprintf("page %q not found", pageID))
		return
	}
	h.writeJSON(w, http.StatusOK, page)
}

func (h *handler) serveSpaces(w http.ResponseWriter, r *http.Request) {
	spaces := h.api.Spaces(r.Context())
	sort.Slice(spaces, func(i, j int) bool { return spaces[i].Key < spaces[j].Key })
	if spaces == nil {
		spaces = []confluence.Space{}
	}
	h.writeJSON(w, http.StatusOK, spaces)
}

// serveUserPages materializes the caller's visible page set. Unknown users
// are a 404; a known user with no reachable pages gets an empty list, not an
// error, so downstream consumers can distinguish "no access" from "no user".
func (h *handler) serveUserPages(w http.ResponseWriter, r *http.Request, userID string) {
	record, ok := h.directory.Lookup(userID)
	if !ok {
		h.writeError(w, http.StatusNotFound, fmt.Sprintf("user %q not found", userID))
		return
	}
	pages := h.api.PagesForUser(r.Context(), userID, record.Profile)
	h.servePageList(w, pages)
}

func (h *handler) serveSearch(w http.ResponseWriter, r *http.Request) {
	cql := r.URL.Query().Get("cql")
	if cql == "" {
		h.writeError(w, http.StatusBadRequest, "cql query parameter required")
		return
	}
	h.servePageList(w, h.api.Search(r.Context(), cql))
}

func (h *handler) serveInvalidate(w http.ResponseWriter, r *http.Request, parts []string) {
	ctx := r.Context()
	switch {
	case len(parts) == 1 && parts[0] == "cache":
		h.api.InvalidateAll(ctx)
	case len(parts) == 3 && parts[0] == "cache" && parts[1] == "users":
		record, ok := h.directory.Lookup(parts[2])
		if !ok {
			h.writeError(w, http.StatusNotFound, fmt.Sprintf("user %q not found", parts[2]))
			return
		}
		h.api.InvalidateUser(ctx, parts[2], record.Profile)
	case len(parts) == 3 && parts[0] == "cache" && parts[1] == "pages":
		h.api.InvalidatePage(ctx, parts[2])
	case len(parts) == 3 && parts[0] == "cache" && parts[1] == "spaces":
		h.api.InvalidateSpace(ctx, parts[2])
	default:
		http.NotFound(w, r)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

func (h *handler) servePageList(w http.ResponseWriter, pages []confluence.Page) {
	sort.Slice(pages, func(i, j int) bool {
		if pages[i].Title == pages[j].Title {
			return pages[i].ID < pages[j].ID
		}
		return pages[i].Title < pages[j].Title
	})
	if pages == nil {
		pages = []confluence.Page{}
	}
	h.writeJSON(w, http.StatusOK, pages)
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("response encoding failed", slog.Any("error", err))
	}
}

func (h *handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
