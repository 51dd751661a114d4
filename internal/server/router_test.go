package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gavv/httpexpect/v2"
	"github.com/stretchr/testify/require"

	"github.com/zynqa/confmirror/internal/access"
	"github.com/zynqa/confmirror/internal/confluence"
	"github.com/zynqa/confmirror/internal/profiles"
)

// fakeMirror serves canned data and records invalidations.
type fakeMirror struct {
	pages       map[string]confluence.Page
	spaces      []confluence.Space
	spacePages  map[string][]confluence.Page
	descendants map[string][]confluence.Page
	userPages   map[string][]confluence.Page
	searchHits  []confluence.Page

	invalidatedUsers  []string
	invalidatedPages  []string
	invalidatedSpaces []string
	invalidatedAll    bool
}

func (f *fakeMirror) GetPage(_ context.Context, pageID string) *confluence.Page {
	page, ok := f.pages[pageID]
	if !ok {
		return nil
	}
	return &page
}

func (f *fakeMirror) Spaces(context.Context) []confluence.Space { return f.spaces }

func (f *fakeMirror) PagesInSpace(_ context.Context, spaceKey string) []confluence.Page {
	return f.spacePages[spaceKey]
}

func (f *fakeMirror) PageDescendants(_ context.Context, pageID string) []confluence.Page {
	return f.descendants[pageID]
}

func (f *fakeMirror) Search(context.Context, string) []confluence.Page { return f.searchHits }

func (f *fakeMirror) PagesForUser(_ context.Context, userID string, _ access.Profile) []confluence.Page {
	return f.userPages[userID]
}

func (f *fakeMirror) CanViewPage(_ context.Context, profile access.Profile, page confluence.Page, superAdmin bool) bool {
	return superAdmin || profile.HasSpaceGrant(page.SpaceKey)
}

func (f *fakeMirror) InvalidateUser(_ context.Context, userID string, _ access.Profile) {
	f.invalidatedUsers = append(f.invalidatedUsers, userID)
}

func (f *fakeMirror) InvalidatePage(_ context.Context, pageID string) {
	f.invalidatedPages = append(f.invalidatedPages, pageID)
}

func (f *fakeMirror) InvalidateSpace(_ context.Context, spaceKey string) {
	f.invalidatedSpaces = append(f.invalidatedSpaces, spaceKey)
}

func (f *fakeMirror) InvalidateAll(context.Context) { f.invalidatedAll = true }

type fakeDirectory struct {
	records map[string]profiles.Record
}

func (f *fakeDirectory) Lookup(userID string) (profiles.Record, bool) {
	record, ok := f.records[userID]
	return record, ok
}

func (f *fakeDirectory) Users() []string {
	ids := make([]string, 0, len(f.records))
	for id := range f.records {
		ids = append(ids, id)
	}
	return ids
}

func newExpect(t *testing.T, mirror *fakeMirror, directory *fakeDirectory) *httpexpect.Expect {
	server := httptest.NewServer(NewHandler(mirror, directory, nil))
	t.Cleanup(server.Close)
	return httpexpect.WithConfig(httpexpect.Config{
		BaseURL:  server.URL,
		Reporter: httpexpect.NewRequireReporter(t),
	})
}

func testPage(id, title string) confluence.Page {
	return confluence.Page{ID: id, Title: title, Status: confluence.StatusCurrent}
}

func TestHealthz(t *testing.T) {
	expect := newExpect(t, &fakeMirror{}, &fakeDirectory{})
	expect.GET("/healthz").Expect().Status(http.StatusOK).
		JSON().Object().HasValue("status", "ok")
}

func TestGetPage(t *testing.T) {
	mirror := &fakeMirror{pages: map[string]confluence.Page{"1": testPage("1", "Home")}}
	expect := newExpect(t, mirror, &fakeDirectory{})

	obj := expect.GET("/pages/1").Expect().Status(http.StatusOK).JSON().Object()
	obj.HasValue("id", "1")
	obj.HasValue("title", "Home")

	expect.GET("/pages/999").Expect().Status(http.StatusNotFound).
		JSON().Object().ContainsKey("error")
}

func TestListSpaces(t *testing.T) {
	mirror := &fakeMirror{spaces: []confluence.Space{{ID: "2", Key: "OPS"}, {ID: "1", Key: "ENG"}}}
	expect := newExpect(t, mirror, &fakeDirectory{})

	arr := expect.GET("/spaces").Expect().Status(http.StatusOK).JSON().Array()
	arr.Length().IsEqual(2)
	arr.Value(0).Object().HasValue("key", "ENG")
	arr.Value(1).Object().HasValue("key", "OPS")
}

func TestUserPagesSortedByTitle(t *testing.T) {
	mirror := &fakeMirror{userPages: map[string][]confluence.Page{
		"bob": {testPage("2", "Zoo"), testPage("1", "Atlas")},
	}}
	directory := &fakeDirectory{records: map[string]profiles.Record{
		"bob": {Profile: access.Profile{SpaceGrants: []string{"ENG"}}},
	}}
	expect := newExpect(t, mirror, directory)

	arr := expect.GET("/users/bob/pages").Expect().Status(http.StatusOK).JSON().Array()
	arr.Length().IsEqual(2)
	arr.Value(0).Object().HasValue("title", "Atlas")
	arr.Value(1).Object().HasValue("title", "Zoo")
}

func TestUserPagesUnknownUser(t *testing.T) {
	expect := newExpect(t, &fakeMirror{}, &fakeDirectory{})
	expect.GET("/users/ghost/pages").Expect().Status(http.StatusNotFound).
		JSON().Object().ContainsKey("error")
}

func TestUserPagesEmptySetIsEmptyArray(t *testing.T) {
	directory := &fakeDirectory{records: map[string]profiles.Record{
		"carol": {},
	}}
	expect := newExpect(t, &fakeMirror{}, directory)

	expect.GET("/users/carol/pages").Expect().Status(http.StatusOK).
		JSON().Array().Length().IsEqual(0)
}

func TestSpacePagesAndDescendants(t *testing.T) {
	mirror := &fakeMirror{
		spacePages:  map[string][]confluence.Page{"ENG": {testPage("1", "A")}},
		descendants: map[string][]confluence.Page{"10": {testPage("11", "Child")}},
	}
	expect := newExpect(t, mirror, &fakeDirectory{})

	expect.GET("/spaces/ENG/pages").Expect().Status(http.StatusOK).
		JSON().Array().Length().IsEqual(1)
	expect.GET("/pages/10/descendants").Expect().Status(http.StatusOK).
		JSON().Array().Length().IsEqual(1)
}

func TestSearchRequiresCQL(t *testing.T) {
	mirror := &fakeMirror{searchHits: []confluence.Page{testPage("5", "Hit")}}
	expect := newExpect(t, mirror, &fakeDirectory{})

	expect.GET("/search").Expect().Status(http.StatusBadRequest)
	expect.GET("/search").WithQuery("cql", `text ~ "runbook"`).Expect().Status(http.StatusOK).
		JSON().Array().Length().IsEqual(1)
}

func TestCacheInvalidationRoutes(t *testing.T) {
	mirror := &fakeMirror{}
	directory := &fakeDirectory{records: map[string]profiles.Record{"bob": {}}}
	expect := newExpect(t, mirror, directory)

	expect.DELETE("/cache/users/bob").Expect().Status(http.StatusOK)
	expect.DELETE("/cache/users/ghost").Expect().Status(http.StatusNotFound)
	expect.DELETE("/cache/pages/42").Expect().Status(http.StatusOK)
	expect.DELETE("/cache/spaces/ENG").Expect().Status(http.StatusOK)
	expect.DELETE("/cache").Expect().Status(http.StatusOK)

	require.Equal(t, []string{"bob"}, mirror.invalidatedUsers)
	require.Equal(t, []string{"42"}, mirror.invalidatedPages)
	require.Equal(t, []string{"ENG"}, mirror.invalidatedSpaces)
	require.True(t, mirror.invalidatedAll)
}

func TestUnknownRouteAndMethod(t *testing.T) {
	expect := newExpect(t, &fakeMirror{}, &fakeDirectory{})

	expect.GET("/bogus").Expect().Status(http.StatusNotFound)
	expect.POST("/pages/1").Expect().Status(http.StatusMethodNotAllowed)
}
