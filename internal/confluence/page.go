package confluence

import (
	"regexp"
	"strings"
	"time"
)

// Page statuses surfaced by the remote API. Only current pages are ever
// shown to users; everything else is filtered out during resolution.
const (
	StatusCurrent  = "current"
	StatusArchived = "archived"
)

// Body formats a caller can request for page content.
const (
	FormatMarkdown = "markdown"
	FormatADF      = "adf"
)

// Page is the normalized projection of a remote wiki page. It is never
// persisted as durable state; every resolution pass rebuilds it from remote
// truth, optionally via the result cache.
type Page struct {
	ID         string    `json:"id"`
	ParentID   string    `json:"parentId,omitempty"`
	SpaceKey   string    `json:"spaceKey,omitempty"`
	Title      string    `json:"title"`
	Content    string    `json:"content,omitempty"`
	Status     string    `json:"status"`
	AuthorName string    `json:"authorName,omitempty"`
	CreatedAt  time.Time `json:"createdAt,omitzero"`
	UpdatedAt  time.Time `json:"updatedAt,omitzero"`
	URL        string    `json:"url,omitempty"`
}

// Space is a top-level page container identified by a short key.
type Space struct {
	ID     string `json:"id"`
	Key    string `json:"key"`
	Name   string `json:"name,omitempty"`
	Status string `json:"status,omitempty"`
}

// spaceKeyFromWebUI extracts the space key from links like
// "/spaces/ENG/pages/123/Title" when the payload does not carry one directly.
var spaceKeyFromWebUI = regexp.MustCompile(`/spaces/([^/]+)/`)

// rawPage mirrors the wire shape of a v2 API page (and the REST-shaped JSON
// the MCP tools emit). Every field is optional; normalization is lenient so a
// sparse child listing still produces a usable Page.
type rawPage struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Title     string `json:"title"`
	ParentID  string `json:"parentId"`
	SpaceID   string `json:"spaceId"`
	SpaceKey  string `json:"spaceKey"`
	Content   string `json:"content"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`

	AuthorDisplayName string `json:"authorDisplayName"`

	Body struct {
		View struct {
			Value string `json:"value"`
		} `json:"view"`
		Storage struct {
			Value string `json:"value"`
		} `json:"storage"`
		AtlasDocFormat struct {
			Value string `json:"value"`
		} `json:"atlas_doc_format"`
	} `json:"body"`

	Version struct {
		CreatedAt string `json:"createdAt"`
		By        struct {
			DisplayName string `json:"displayName"`
		} `json:"by"`
	} `json:"version"`

	Links struct {
		Base  string `json:"base"`
		WebUI string `json:"webui"`
	} `json:"_links"`
}

// toPage collapses the raw payload into the normalized Page shape.
func (r rawPage) toPage() Page {
	page := Page{
		ID:       r.ID,
		ParentID: r.ParentID,
		Title:    r.Title,
		Status:   r.Status,
	}
	if page.Title == "" {
		page.Title = "Untitled"
	}
	if page.Status == "" {
		page.Status = StatusCurrent
	}

	page.SpaceKey = r.SpaceKey
	if page.SpaceKey == "" && r.Links.WebUI != "" {
		if m := spaceKeyFromWebUI.FindStringSubmatch(r.Links.WebUI); m != nil {
			page.SpaceKey = m[1]
		}
	}

	switch {
	case r.Body.View.Value != "":
		page.Content = r.Body.View.Value
	case r.Body.Storage.Value != "":
		page.Content = r.Body.Storage.Value
	case r.Body.AtlasDocFormat.Value != "":
		page.Content = r.Body.AtlasDocFormat.Value
	default:
		page.Content = r.Content
	}

	switch {
	case r.Version.By.DisplayName != "":
		page.AuthorName = r.Version.By.DisplayName
	case r.AuthorDisplayName != "":
		page.AuthorName = r.AuthorDisplayName
	default:
		page.AuthorName = "Unknown"
	}

	page.CreatedAt = parseRemoteTime(r.CreatedAt)
	if updated := parseRemoteTime(r.Version.CreatedAt); !updated.IsZero() {
		page.UpdatedAt = updated
	} else {
		page.UpdatedAt = parseRemoteTime(r.UpdatedAt)
	}

	if r.Links.WebUI != "" {
		page.URL = r.Links.Base + r.Links.WebUI
	}
	return page
}

// parseRemoteTime decodes the remote timestamp formats best-effort; malformed
// values degrade to the zero time rather than failing the fetch.
func parseRemoteTime(value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05.000Z07:00"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// rawSearchResult mirrors one entry of the v1 search API response. Search is a
// pass-through; only enough shape is decoded to produce a Page projection.
type rawSearchResult struct {
	Title   string `json:"title"`
	Excerpt string `json:"excerpt"`
	URL     string `json:"url"`
	Content struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Title  string `json:"title"`
	} `json:"content"`
}

func (r rawSearchResult) toPage() Page {
	page := Page{
		ID:      r.Content.ID,
		Title:   r.Content.Title,
		Status:  r.Content.Status,
		Content: r.Excerpt,
		URL:     r.URL,
	}
	if page.Title == "" {
		page.Title = r.Title
	}
	if page.Status == "" {
		page.Status = StatusCurrent
	}
	return page
}
