package confluence

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
)

// httpDoer lets tests substitute the HTTP client.
type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

const (
	restPageLimit   = 250
	restSearchLimit = 100
	// Page bodies can be large; anything beyond this is a malformed response.
	restMaxBody = 8 << 20
)

// RESTOptions configures the direct Confluence v2 API backend.
type RESTOptions struct {
	BaseURL  string
	Email    string
	APIToken string
	// AuthType is "basic" (email + token) or "bearer" (token only).
	AuthType string
	Timeout  time.Duration
	Client   httpDoer
	Logger   *slog.Logger
}

// RESTClient talks to the Confluence REST API directly.
type RESTClient struct {
	baseURL string
	auth    string
	client  httpDoer
	logger  *slog.Logger
}

// NewRESTClient validates the connection parameters and builds the direct
// API backend.
func NewRESTClient(opts RESTOptions) (*RESTClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("confluence: base url required")
	}
	token := strings.TrimSpace(opts.APIToken)
	if token == "" {
		return nil, errors.New("confluence: api token required")
	}

	var auth string
	switch strings.ToLower(strings.TrimSpace(opts.AuthType)) {
	case "bearer":
		auth = "Bearer " + token
	case "", "basic":
		auth = "Basic " + base64.StdEncoding.EncodeToString([]byte(opts.Email+":"+token))
	default:
		return nil, fmt.Errorf("confluence: auth type unsupported: %s", opts.AuthType)
	}

	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &RESTClient{
		baseURL: baseURL,
		auth:    auth,
		client:  client,
		logger:  logger.With(slog.String("backend", "rest")),
	}, nil
}

func (c *RESTClient) Backend() string { return "rest" }

func (c *RESTClient) Close(context.Context) error { return nil }

// Page fetches one page. The markdown format requests the rendered view body
// and converts it; adf requests the storage representation verbatim.
func (c *RESTClient) Page(ctx context.Context, pageID, format string) (*Page, error) {
	bodyFormat := "storage"
	if format == FormatMarkdown {
		bodyFormat = "view"
	}

	var raw rawPage
	path := fmt.Sprintf("/wiki/api/v2/pages/%s?body-format=%s", url.PathEscape(pageID), bodyFormat)
	if err := c.getJSON(ctx, path, &raw); err != nil {
		return nil, err
	}

	page := raw.toPage()
	if format == FormatMarkdown && page.Content != "" {
		markdown, err := htmltomarkdown.ConvertString(page.Content)
		if err != nil {
			c.logger.Warn("markdown conversion failed, keeping html body",
				slog.String("page_id", pageID), slog.Any("error", err))
		} else {
			page.Content = markdown
		}
	}
	return &page, nil
}

// Spaces drains the space listing across every remote pagination cursor.
func (c *RESTClient) Spaces(ctx context.Context) ([]Space, error) {
	var spaces []Space
	err := c.drain(ctx, fmt.Sprintf("/wiki/api/v2/spaces?limit=%d", restPageLimit), func(payload []byte) error {
		var envelope struct {
			Results []Space `json:"results"`
		}
		if err := json.Unmarshal(payload, &envelope); err != nil {
			return err
		}
		spaces = append(spaces, envelope.Results...)
		return nil
	})
	if err != nil {
		if len(spaces) == 0 {
			return nil, err
		}
		c.logger.Warn("space scan stopped early, returning partial listing", slog.Any("error", err))
	}
	return spaces, nil
}

// PagesInSpace drains the current pages of the space with the given resolved
// ID. A failure mid-scan returns the pages accumulated so far.
func (c *RESTClient) PagesInSpace(ctx context.Context, spaceID, spaceKey string) ([]Page, error) {
	var pages []Page
	start := fmt.Sprintf("/wiki/api/v2/spaces/%s/pages?status=%s&limit=%d", url.PathEscape(spaceID), StatusCurrent, restPageLimit)
	err := c.drain(ctx, start, func(payload []byte) error {
		var envelope struct {
			Results []rawPage `json:"results"`
		}
		if err := json.Unmarshal(payload, &envelope); err != nil {
			return err
		}
		for _, raw := range envelope.Results {
			page := raw.toPage()
			if page.SpaceKey == "" {
				page.SpaceKey = spaceKey
			}
			pages = append(pages, page)
		}
		return nil
	})
	if err != nil {
		if len(pages) == 0 {
			return nil, err
		}
		c.logger.Warn("space page scan stopped early, returning partial listing",
			slog.String("space_key", spaceKey), slog.Any("error", err))
	}
	return pages, nil
}

// PageDescendants expands the subtree below pageID depth-first. The visited
// set guards against cycles in the remote parent links; depth is bounded only
// by the actual tree.
func (c *RESTClient) PageDescendants(ctx context.Context, pageID string) ([]Page, error) {
	visited := map[string]struct{}{pageID: {}}
	return c.descend(ctx, pageID, visited)
}

func (c *RESTClient) descend(ctx context.Context, pageID string, visited map[string]struct{}) ([]Page, error) {
	children, err := c.pageChildren(ctx, pageID)
	if err != nil {
		return nil, err
	}

	var descendants []Page
	for _, child := range children {
		if _, seen := visited[child.ID]; seen || child.ID == "" {
			continue
		}
		visited[child.ID] = struct{}{}
		descendants = append(descendants, child)

		sub, err := c.descend(ctx, child.ID, visited)
		if err != nil {
			c.logger.Warn("descendant walk stopped early under page",
				slog.String("page_id", child.ID), slog.Any("error", err))
			continue
		}
		descendants = append(descendants, sub...)
	}
	return descendants, nil
}

func (c *RESTClient) pageChildren(ctx context.Context, pageID string) ([]Page, error) {
	var children []Page
	start := fmt.Sprintf("/wiki/api/v2/pages/%s/children?limit=%d", url.PathEscape(pageID), restPageLimit)
	err := c.drain(ctx, start, func(payload []byte) error {
		var envelope struct {
			Results []rawPage `json:"results"`
		}
		if err := json.Unmarshal(payload, &envelope); err != nil {
			return err
		}
		for _, raw := range envelope.Results {
			children = append(children, raw.toPage())
		}
		return nil
	})
	if err != nil && len(children) == 0 {
		return nil, err
	}
	return children, nil
}

// Search passes the CQL query through to the v1 search endpoint; no local
// parsing or validation of the query string.
func (c *RESTClient) Search(ctx context.Context, cql string) ([]Page, error) {
	var envelope struct {
		Results []rawSearchResult `json:"results"`
	}
	path := fmt.Sprintf("/wiki/rest/api/search?cql=%s&limit=%d", url.QueryEscape(cql), restSearchLimit)
	if err := c.getJSON(ctx, path, &envelope); err != nil {
		return nil, err
	}
	pages := make([]Page, 0, len(envelope.Results))
	for _, result := range envelope.Results {
		pages = append(pages, result.toPage())
	}
	return pages, nil
}

// SpaceID looks the key up in the full space listing; the v2 API is keyed by
// space ID while grants are keyed by space key.
func (c *RESTClient) SpaceID(ctx context.Context, spaceKey string) (string, error) {
	spaces, err := c.Spaces(ctx)
	if err != nil {
		return "", fmt.Errorf("confluence: resolve space %s: %w", spaceKey, err)
	}
	for _, space := range spaces {
		if space.Key == spaceKey {
			return space.ID, nil
		}
	}
	return "", fmt.Errorf("confluence: space %s: %w", spaceKey, ErrNotFound)
}

// drain follows the v2 cursor pagination until the next link disappears,
// repeats, or the scan fails. Each page of results is handed to collect.
func (c *RESTClient) drain(ctx context.Context, startPath string, collect func(payload []byte) error) error {
	next := startPath
	seen := make(map[string]struct{})
	for next != "" {
		if _, ok := seen[next]; ok {
			return nil
		}
		seen[next] = struct{}{}

		payload, err := c.get(ctx, next)
		if err != nil {
			return err
		}
		if err := collect(payload); err != nil {
			return fmt.Errorf("confluence: decode listing: %w", err)
		}

		var links struct {
			Links struct {
				Next string `json:"next"`
			} `json:"_links"`
		}
		if err := json.Unmarshal(payload, &links); err != nil {
			return nil
		}
		next = links.Links.Next
	}
	return nil
}

func (c *RESTClient) getJSON(ctx context.Context, path string, out any) error {
	payload, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("confluence: decode response: %w", err)
	}
	return nil
}

func (c *RESTClient) get(ctx context.Context, path string) ([]byte, error) {
	target := path
	if !strings.HasPrefix(target, "http") {
		target = c.baseURL + path
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("confluence: build request: %w", err)
	}
	req.Header.Set("Authorization", c.auth)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("confluence: request %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, restMaxBody))
	if err != nil {
		return nil, fmt.Errorf("confluence: read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("confluence: %s: %w", path, ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("confluence: %s: unexpected status %d", path, resp.StatusCode)
	}
	return body, nil
}
