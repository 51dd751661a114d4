package access

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zynqa/confmirror/internal/confluence"
)

// fakeSource mimics the mirror service above the soft-fail boundary: lookups
// that would have failed remotely surface as nil or empty values.
type fakeSource struct {
	pages       map[string]confluence.Page
	spacePages  map[string][]confluence.Page
	descendants map[string][]confluence.Page
	panicOn     string
}

func (f *fakeSource) GetPage(_ context.Context, pageID string) *confluence.Page {
	if f.panicOn == "page" {
		panic("boom")
	}
	page, ok := f.pages[pageID]
	if !ok {
		return nil
	}
	return &page
}

func (f *fakeSource) PagesInSpace(_ context.Context, spaceKey string) []confluence.Page {
	if f.panicOn == "space" {
		panic("boom")
	}
	return f.spacePages[spaceKey]
}

func (f *fakeSource) PageDescendants(_ context.Context, pageID string) []confluence.Page {
	return f.descendants[pageID]
}

func page(id, spaceKey string) confluence.Page {
	return confluence.Page{ID: id, SpaceKey: spaceKey, Title: "Page " + id, Status: confluence.StatusCurrent}
}

func pageIDs(pages []confluence.Page) []string {
	ids := make([]string, 0, len(pages))
	for _, p := range pages {
		ids = append(ids, p.ID)
	}
	return ids
}

func TestCanViewPrecedence(t *testing.T) {
	source := &fakeSource{
		descendants: map[string][]confluence.Page{
			"10": {page("11", "ENG"), page("12", "ENG")},
			"40": {page("42", "ENG")},
		},
	}
	evaluator := NewEvaluator(source, nil)
	ctx := context.Background()

	tests := []struct {
		name       string
		profile    Profile
		page       confluence.Page
		superAdmin bool
		want       bool
	}{
		{
			name:       "super admin sees everything",
			profile:    Profile{},
			page:       page("99", "SECRET"),
			superAdmin: true,
			want:       true,
		},
		{
			name: "direct exclusion beats space grant",
			profile: Profile{
				SpaceGrants: []string{"ENG"},
				Exclusions:  []PageExclusion{{PageID: "42"}},
			},
			page: page("42", "ENG"),
			want: false,
		},
		{
			name: "descendant exclusion beats direct grant",
			profile: Profile{
				PageGrants: []PageGrant{{PageID: "42"}},
				Exclusions: []PageExclusion{{PageID: "40", ExcludeDescendants: true}},
			},
			page: page("42", "ENG"),
			want: false,
		},
		{
			name:    "space grant",
			profile: Profile{SpaceGrants: []string{"ENG"}},
			page:    page("1", "ENG"),
			want:    true,
		},
		{
			name:    "direct page grant",
			profile: Profile{PageGrants: []PageGrant{{PageID: "7"}}},
			page:    page("7", "OPS"),
			want:    true,
		},
		{
			name:    "descendant grant reaches subtree",
			profile: Profile{PageGrants: []PageGrant{{PageID: "10", IncludeDescendants: true}}},
			page:    page("12", "ENG"),
			want:    true,
		},
		{
			name:    "grant without descendants does not reach subtree",
			profile: Profile{PageGrants: []PageGrant{{PageID: "10"}}},
			page:    page("12", "ENG"),
			want:    false,
		},
		{
			name:    "no matching rule denies",
			profile: Profile{SpaceGrants: []string{"OPS"}},
			page:    page("1", "ENG"),
			want:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, evaluator.CanView(ctx, tt.profile, tt.page, tt.superAdmin))
		})
	}
}

func TestVisibleSetSpaceGrantMinusExclusion(t *testing.T) {
	source := &fakeSource{
		spacePages: map[string][]confluence.Page{
			"ENG": {page("1", "ENG"), page("2", "ENG"), page("42", "ENG")},
		},
	}
	evaluator := NewEvaluator(source, nil)

	profile := Profile{
		SpaceGrants: []string{"ENG"},
		Exclusions:  []PageExclusion{{PageID: "42"}},
	}
	visible, err := evaluator.VisibleSet(context.Background(), profile)
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2"}, pageIDs(visible))
}

func TestVisibleSetGrantWithDescendants(t *testing.T) {
	source := &fakeSource{
		pages: map[string]confluence.Page{"10": page("10", "ENG")},
		descendants: map[string][]confluence.Page{
			"10": {page("11", "ENG"), page("12", "ENG")},
		},
	}
	evaluator := NewEvaluator(source, nil)

	profile := Profile{PageGrants: []PageGrant{{PageID: "10", IncludeDescendants: true}}}
	visible, err := evaluator.VisibleSet(context.Background(), profile)
	require.NoError(t, err)
	require.Equal(t, []string{"10", "11", "12"}, pageIDs(visible))
}

func TestVisibleSetDeduplicatesOverlappingGrants(t *testing.T) {
	source := &fakeSource{
		pages: map[string]confluence.Page{"1": page("1", "ENG")},
		spacePages: map[string][]confluence.Page{
			"ENG": {page("1", "ENG"), page("2", "ENG")},
		},
	}
	evaluator := NewEvaluator(source, nil)

	profile := Profile{
		SpaceGrants: []string{"ENG"},
		PageGrants:  []PageGrant{{PageID: "1"}},
	}
	visible, err := evaluator.VisibleSet(context.Background(), profile)
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2"}, pageIDs(visible))
}

func TestVisibleSetExclusionSubtreeRemoved(t *testing.T) {
	source := &fakeSource{
		spacePages: map[string][]confluence.Page{
			"ENG": {page("1", "ENG"), page("40", "ENG"), page("41", "ENG"), page("42", "ENG")},
		},
		descendants: map[string][]confluence.Page{
			"40": {page("41", "ENG"), page("42", "ENG")},
		},
	}
	evaluator := NewEvaluator(source, nil)

	profile := Profile{
		SpaceGrants: []string{"ENG"},
		Exclusions:  []PageExclusion{{PageID: "40", ExcludeDescendants: true}},
	}
	visible, err := evaluator.VisibleSet(context.Background(), profile)
	require.NoError(t, err)
	require.Equal(t, []string{"1"}, pageIDs(visible))
}

func TestVisibleSetFiltersNonCurrentPages(t *testing.T) {
	archived := page("2", "ENG")
	archived.Status = confluence.StatusArchived
	source := &fakeSource{
		spacePages: map[string][]confluence.Page{
			"ENG": {page("1", "ENG"), archived},
		},
	}
	evaluator := NewEvaluator(source, nil)

	visible, err := evaluator.VisibleSet(context.Background(), Profile{SpaceGrants: []string{"ENG"}})
	require.NoError(t, err)
	require.Equal(t, []string{"1"}, pageIDs(visible))
}

func TestVisibleSetRemoteFailuresYieldPartialSet(t *testing.T) {
	// A failed space listing arrives as an empty slice and a failed page
	// lookup as nil; the rest of the profile still resolves.
	source := &fakeSource{
		pages: map[string]confluence.Page{"10": page("10", "OPS")},
	}
	evaluator := NewEvaluator(source, nil)

	profile := Profile{
		SpaceGrants: []string{"ENG"},
		PageGrants:  []PageGrant{{PageID: "10"}, {PageID: "missing"}},
	}
	visible, err := evaluator.VisibleSet(context.Background(), profile)
	require.NoError(t, err)
	require.Equal(t, []string{"10"}, pageIDs(visible))
}

func TestVisibleSetNoGrantsIsEmpty(t *testing.T) {
	evaluator := NewEvaluator(&fakeSource{}, nil)

	visible, err := evaluator.VisibleSet(context.Background(), Profile{
		Exclusions: []PageExclusion{{PageID: "42"}},
	})
	require.NoError(t, err)
	require.Empty(t, visible)
}

func TestVisibleSetRecoversFromPanic(t *testing.T) {
	evaluator := NewEvaluator(&fakeSource{panicOn: "space"}, nil)

	visible, err := evaluator.VisibleSet(context.Background(), Profile{SpaceGrants: []string{"ENG"}})
	require.Nil(t, visible)
	require.True(t, errors.Is(err, ErrResolutionFailed))
}
