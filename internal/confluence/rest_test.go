package confluence

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestRESTClient(t *testing.T, handler http.Handler) *RESTClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewRESTClient(RESTOptions{
		BaseURL:  server.URL,
		Email:    "admin@example.com",
		APIToken: "token",
	})
	require.NoError(t, err)
	return client
}

func TestNewRESTClientValidation(t *testing.T) {
	_, err := NewRESTClient(RESTOptions{APIToken: "tok"})
	require.ErrorContains(t, err, "base url")

	_, err = NewRESTClient(RESTOptions{BaseURL: "https://example.com"})
	require.ErrorContains(t, err, "api token")

	_, err = NewRESTClient(RESTOptions{BaseURL: "https://example.com", APIToken: "tok", AuthType: "digest"})
	require.ErrorContains(t, err, "auth type")
}

func TestRESTPageMarkdown(t *testing.T) {
	var gotAuth, gotPath string
	client := newTestRESTClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path + "?" + r.URL.RawQuery
		fmt.Fprint(w, `{
			"id": "123",
			"title": "Hello",
			"status": "current",
			"body": {"view": {"value": "<h1>Hello</h1><p>world</p>"}}
		}`)
	}))

	page, err := client.Page(context.Background(), "123", FormatMarkdown)
	require.NoError(t, err)

	wantAuth := "Basic " + base64.StdEncoding.EncodeToString([]byte("admin@example.com:token"))
	require.Equal(t, wantAuth, gotAuth)
	require.Equal(t, "/wiki/api/v2/pages/123?body-format=view", gotPath)
	require.Contains(t, page.Content, "# Hello")
	require.NotContains(t, page.Content, "<h1>", "html body converted to markdown")
}

func TestRESTPageADFKeepsStorageBody(t *testing.T) {
	client := newTestRESTClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "storage", r.URL.Query().Get("body-format"))
		fmt.Fprint(w, `{
			"id": "123",
			"title": "Hello",
			"body": {"storage": {"value": "<p>verbatim</p>"}}
		}`)
	}))

	page, err := client.Page(context.Background(), "123", FormatADF)
	require.NoError(t, err)
	require.Equal(t, "<p>verbatim</p>", page.Content)
}

func TestRESTPageNotFound(t *testing.T) {
	client := newTestRESTClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))

	_, err := client.Page(context.Background(), "999", FormatMarkdown)
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestRESTSpacesDrainsPagination(t *testing.T) {
	requests := 0
	client := newTestRESTClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if r.URL.Query().Get("cursor") == "" {
			fmt.Fprint(w, `{
				"results": [{"id": "1", "key": "ENG", "name": "Engineering"}],
				"_links": {"next": "/wiki/api/v2/spaces?cursor=p2&limit=250"}
			}`)
			return
		}
		fmt.Fprint(w, `{"results": [{"id": "2", "key": "OPS", "name": "Operations"}]}`)
	}))

	spaces, err := client.Spaces(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, requests)
	require.Len(t, spaces, 2)
	require.Equal(t, "ENG", spaces[0].Key)
	require.Equal(t, "OPS", spaces[1].Key)
}

func TestRESTSpaceID(t *testing.T) {
	client := newTestRESTClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/wiki/api/v2/spaces", r.URL.Path)
		fmt.Fprint(w, `{"results": [{"id": "111", "key": "ENG"}]}`)
	}))

	spaceID, err := client.SpaceID(context.Background(), "ENG")
	require.NoError(t, err)
	require.Equal(t, "111", spaceID)

	_, err = client.SpaceID(context.Background(), "NOPE")
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestRESTPagesInSpaceFillsSpaceKey(t *testing.T) {
	client := newTestRESTClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/wiki/api/v2/spaces/111/pages", r.URL.Path)
		require.Equal(t, StatusCurrent, r.URL.Query().Get("status"))
		fmt.Fprint(w, `{"results": [{"id": "1", "title": "A"}, {"id": "2", "title": "B"}]}`)
	}))

	pages, err := client.PagesInSpace(context.Background(), "111", "ENG")
	require.NoError(t, err)
	require.Len(t, pages, 2)
	require.Equal(t, "ENG", pages[0].SpaceKey, "listing entries inherit the requested space key")
}

func TestRESTPagesInSpacePartialOnMidScanFailure(t *testing.T) {
	client := newTestRESTClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("cursor") == "" {
			fmt.Fprint(w, `{
				"results": [{"id": "1", "title": "A"}],
				"_links": {"next": "/wiki/api/v2/spaces/111/pages?cursor=p2"}
			}`)
			return
		}
		http.Error(w, "upstream hiccup", http.StatusBadGateway)
	}))

	pages, err := client.PagesInSpace(context.Background(), "111", "ENG")
	require.NoError(t, err, "a mid-scan failure yields the partial listing")
	require.Len(t, pages, 1)
	require.Equal(t, "1", pages[0].ID)
}

func TestRESTPageDescendantsWalksSubtree(t *testing.T) {
	children := map[string]string{
		"10": `{"results": [{"id": "11", "title": "Child"}, {"id": "12", "title": "Sibling"}]}`,
		"11": `{"results": [{"id": "13", "title": "Grandchild"}]}`,
		"12": `{"results": []}`,
		"13": `{"results": []}`,
	}
	client := newTestRESTClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		// /wiki/api/v2/pages/{id}/children
		body, ok := children[parts[4]]
		if !ok {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, body)
	}))

	descendants, err := client.PageDescendants(context.Background(), "10")
	require.NoError(t, err)
	require.Equal(t, []string{"11", "13", "12"}, func() []string {
		ids := make([]string, 0, len(descendants))
		for _, p := range descendants {
			ids = append(ids, p.ID)
		}
		return ids
	}(), "depth-first expansion order")
}

func TestRESTPageDescendantsCycleGuard(t *testing.T) {
	client := newTestRESTClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Every page claims the other one as its child.
		if strings.Contains(r.URL.Path, "/pages/10/") {
			fmt.Fprint(w, `{"results": [{"id": "11"}]}`)
			return
		}
		fmt.Fprint(w, `{"results": [{"id": "10"}]}`)
	}))

	descendants, err := client.PageDescendants(context.Background(), "10")
	require.NoError(t, err)
	require.Len(t, descendants, 1, "cycles terminate instead of recursing forever")
}

func TestRESTSearchPassesCQLThrough(t *testing.T) {
	var gotCQL string
	client := newTestRESTClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/wiki/rest/api/search", r.URL.Path)
		gotCQL = r.URL.Query().Get("cql")
		fmt.Fprint(w, `{"results": [
			{"title": "Hit", "excerpt": "context", "content": {"id": "5", "status": "current", "title": "Hit"}}
		]}`)
	}))

	pages, err := client.Search(context.Background(), `space = "ENG" and text ~ "runbook"`)
	require.NoError(t, err)
	require.Equal(t, `space = "ENG" and text ~ "runbook"`, gotCQL)
	require.Len(t, pages, 1)
	require.Equal(t, "5", pages[0].ID)
}
