package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type failingStore struct{}

func (failingStore) Lookup(context.Context, string) (Entry, bool, error) {
	return Entry{}, false, errors.New("lookup down")
}
func (failingStore) Store(context.Context, string, Entry) error { return errors.New("store down") }
func (failingStore) Delete(context.Context, string) error       { return errors.New("down") }
func (failingStore) DeletePrefix(context.Context, string) error { return errors.New("down") }
func (failingStore) Size(context.Context) (int64, error)        { return 0, errors.New("down") }
func (failingStore) Close(context.Context) error                { return nil }

type payload struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

func TestGetOrComputeMissThenHit(t *testing.T) {
	store := NewMemory(time.Minute)
	ctx := context.Background()

	calls := 0
	compute := func(context.Context) (payload, error) {
		calls++
		return payload{ID: "1", Title: "Home"}, nil
	}

	first, fromCache, err := GetOrCompute(ctx, store, nil, "page:1:markdown", time.Minute, compute)
	require.NoError(t, err)
	require.False(t, fromCache)
	require.Equal(t, payload{ID: "1", Title: "Home"}, first)

	second, fromCache, err := GetOrCompute(ctx, store, nil, "page:1:markdown", time.Minute, compute)
	require.NoError(t, err)
	require.True(t, fromCache)
	require.Equal(t, first, second, "hit must match what the miss returned")
	require.Equal(t, 1, calls)
}

func TestGetOrComputeComputeErrorNotStored(t *testing.T) {
	store := NewMemory(time.Minute)
	ctx := context.Background()

	_, fromCache, err := GetOrCompute(ctx, store, nil, "key", time.Minute,
		func(context.Context) (payload, error) {
			return payload{}, errors.New("remote down")
		})
	require.Error(t, err)
	require.False(t, fromCache)

	_, ok, err := store.Lookup(ctx, "key")
	require.NoError(t, err)
	require.False(t, ok, "failed computations must not be cached")
}

func TestGetOrComputeDegradesWhenStoreFails(t *testing.T) {
	value, fromCache, err := GetOrCompute(context.Background(), failingStore{}, nil, "key", time.Minute,
		func(context.Context) (string, error) { return "fresh", nil })
	require.NoError(t, err)
	require.False(t, fromCache)
	require.Equal(t, "fresh", value)
}

func TestGetOrComputeZeroTTLSkipsStore(t *testing.T) {
	store := NewMemory(time.Minute)
	ctx := context.Background()

	_, _, err := GetOrCompute(ctx, store, nil, "key", 0,
		func(context.Context) (string, error) { return "v", nil })
	require.NoError(t, err)

	_, ok, err := store.Lookup(ctx, "key")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGetOrComputeNilStore(t *testing.T) {
	value, fromCache, err := GetOrCompute(context.Background(), nil, nil, "key", time.Minute,
		func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	require.False(t, fromCache)
	require.Equal(t, 7, value)
}

func TestKeyDerivation(t *testing.T) {
	require.Equal(t, "page:42:markdown", PageKey("42", "markdown"))
	require.Equal(t, "page:42:", PagePrefix("42"))
	require.Equal(t, "children:42", ChildrenKey("42"))
	require.Equal(t, "spaces", SpacesKey())
	require.Equal(t, "space-id:ENG", SpaceIDKey("ENG"))
	require.Equal(t, "space-pages:ENG", SpacePagesKey("ENG"))
	require.Equal(t, "user-pages:u1:abc", UserPagesKey("u1", "abc"))
	require.Equal(t, "user-pages:u1:", UserPrefix("u1"))
}
