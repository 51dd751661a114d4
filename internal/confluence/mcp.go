package confluence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// Tool names exposed by the Atlassian MCP server for Confluence reads.
const (
	toolGetPage            = "getConfluencePage"
	toolGetPagesInSpace    = "getPagesInConfluenceSpace"
	toolGetPageDescendants = "getConfluencePageDescendants"
	toolGetSpaces          = "getConfluenceSpaces"
	toolSearch             = "searchConfluenceUsingCql"
)

const (
	mcpPageLimit   = 250
	mcpSearchLimit = 100
)

// toolCaller is the slice of the MCP client the gateway needs; tests provide
// a fake.
type toolCaller interface {
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

// MCPOptions configures the intermediary-protocol backend.
type MCPOptions struct {
	Endpoint string
	CloudID  string
	Logger   *slog.Logger
}

// MCPClient satisfies the Gateway contract by delegating every operation to
// an MCP server fronting the Atlassian cloud tenant.
type MCPClient struct {
	caller  toolCaller
	closer  func() error
	cloudID string
	logger  *slog.Logger
}

// NewMCPClient connects to the MCP endpoint and completes the protocol
// handshake before handing the gateway to callers.
func NewMCPClient(ctx context.Context, opts MCPOptions) (*MCPClient, error) {
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		return nil, errors.New("confluence: mcp endpoint required")
	}

	client, err := mcpclient.NewStreamableHttpClient(endpoint)
	if err != nil {
		return nil, fmt.Errorf("confluence: mcp client: %w", err)
	}
	if err := client.Start(ctx); err != nil {
		return nil, fmt.Errorf("confluence: mcp start: %w", err)
	}

	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = mcp.Implementation{Name: "confmirror", Version: "1.0.0"}
	if _, err := client.Initialize(ctx, initRequest); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("confluence: mcp initialize: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &MCPClient{
		caller:  client,
		closer:  client.Close,
		cloudID: opts.CloudID,
		logger:  logger.With(slog.String("backend", "mcp")),
	}, nil
}

// newMCPClientWithCaller wires a pre-built tool caller; used by tests.
func newMCPClientWithCaller(caller toolCaller, cloudID string, logger *slog.Logger) *MCPClient {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &MCPClient{caller: caller, cloudID: cloudID, logger: logger}
}

func (c *MCPClient) Backend() string { return "mcp" }

func (c *MCPClient) Close(context.Context) error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}

func (c *MCPClient) Page(ctx context.Context, pageID, format string) (*Page, error) {
	var raw rawPage
	err := c.callTool(ctx, toolGetPage, map[string]any{
		"cloudId":       c.cloudID,
		"pageId":        pageID,
		"contentFormat": format,
	}, &raw)
	if err != nil {
		return nil, err
	}
	if raw.ID == "" {
		return nil, fmt.Errorf("confluence: page %s: %w", pageID, ErrNotFound)
	}
	page := raw.toPage()
	return &page, nil
}

func (c *MCPClient) Spaces(ctx context.Context) ([]Space, error) {
	var envelope struct {
		Results []Space `json:"results"`
	}
	err := c.callTool(ctx, toolGetSpaces, map[string]any{
		"cloudId": c.cloudID,
		"limit":   mcpPageLimit,
	}, &envelope)
	if err != nil {
		return nil, err
	}
	return envelope.Results, nil
}

// SpaceID resolves a space key through the space listing tool; the page
// listing tool wants the numeric ID.
func (c *MCPClient) SpaceID(ctx context.Context, spaceKey string) (string, error) {
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

func (c *MCPClient) PagesInSpace(ctx context.Context, spaceID, spaceKey string) ([]Page, error) {
	var envelope struct {
		Results []rawPage `json:"results"`
	}
	err := c.callTool(ctx, toolGetPagesInSpace, map[string]any{
		"cloudId": c.cloudID,
		"spaceId": spaceID,
		"status":  StatusCurrent,
		"limit":   mcpPageLimit,
	}, &envelope)
	if err != nil {
		return nil, err
	}

	pages := make([]Page, 0, len(envelope.Results))
	for _, raw := range envelope.Results {
		page := raw.toPage()
		if page.SpaceKey == "" {
			page.SpaceKey = spaceKey
		}
		pages = append(pages, page)
	}
	return pages, nil
}

// PageDescendants relies on the server-side descendant expansion; unlike the
// REST backend no local tree walk is necessary.
func (c *MCPClient) PageDescendants(ctx context.Context, pageID string) ([]Page, error) {
	var envelope struct {
		Results []rawPage `json:"results"`
	}
	err := c.callTool(ctx, toolGetPageDescendants, map[string]any{
		"cloudId": c.cloudID,
		"pageId":  pageID,
	}, &envelope)
	if err != nil {
		return nil, err
	}
	pages := make([]Page, 0, len(envelope.Results))
	for _, raw := range envelope.Results {
		pages = append(pages, raw.toPage())
	}
	return pages, nil
}

func (c *MCPClient) Search(ctx context.Context, cql string) ([]Page, error) {
	var envelope struct {
		Results []rawSearchResult `json:"results"`
	}
	err := c.callTool(ctx, toolSearch, map[string]any{
		"cloudId": c.cloudID,
		"cql":     cql,
		"limit":   mcpSearchLimit,
	}, &envelope)
	if err != nil {
		return nil, err
	}
	pages := make([]Page, 0, len(envelope.Results))
	for _, result := range envelope.Results {
		pages = append(pages, result.toPage())
	}
	return pages, nil
}

// callTool invokes one MCP tool and decodes its JSON text content into out.
func (c *MCPClient) callTool(ctx context.Context, tool string, args map[string]any, out any) error {
	request := mcp.CallToolRequest{}
	request.Params.Name = tool
	request.Params.Arguments = args

	result, err := c.caller.CallTool(ctx, request)
	if err != nil {
		return fmt.Errorf("confluence: mcp call %s: %w", tool, err)
	}
	text := textContent(result)
	if result.IsError {
		return fmt.Errorf("confluence: mcp call %s failed: %s", tool, text)
	}
	if text == "" {
		return fmt.Errorf("confluence: mcp call %s: empty result", tool)
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return fmt.Errorf("confluence: mcp decode %s: %w", tool, err)
	}
	return nil
}

func textContent(result *mcp.CallToolResult) string {
	if result == nil {
		return ""
	}
	for _, item := range result.Content {
		if text, ok := item.(mcp.TextContent); ok {
			return text.Text
		}
	}
	return ""
}
