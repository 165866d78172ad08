// matrixchat - A Matrix room feed client.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package profile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"github.com/lrhodin/matrixchat/pkg/connector"
)

type stubFetcher struct {
	calls   atomic.Int32
	release chan struct{}
	fail    atomic.Bool
}

func (f *stubFetcher) FetchProfile(ctx context.Context, userID id.UserID) (*connector.UserProfile, error) {
	f.calls.Add(1)
	if f.release != nil {
		<-f.release
	}
	if f.fail.Load() {
		return nil, errors.New("M_NOT_FOUND")
	}
	localpart, _, _ := strings.Cut(strings.TrimPrefix(string(userID), "@"), ":")
	return &connector.UserProfile{
		DisplayName: strings.ToUpper(localpart),
		AvatarURL:   id.ContentURI{Homeserver: "example.com", FileID: localpart},
	}, nil
}

func TestCachingResolver_CachesWithinTTL(t *testing.T) {
	fetcher := &stubFetcher{}
	resolver := NewCachingResolver(fetcher, NewMemoryStore(), time.Minute, zerolog.Nop())
	ctx := context.Background()

	p, err := resolver.GetOrFetchProfile(ctx, "@alice:example.com")
	require.NoError(t, err)
	assert.Equal(t, "ALICE", p.DisplayName)
	assert.Equal(t, "mxc://example.com/alice", p.AvatarURL.String())

	_, err = resolver.GetOrFetchProfile(ctx, "@alice:example.com")
	require.NoError(t, err)
	assert.EqualValues(t, 1, fetcher.calls.Load())
}

func TestCachingResolver_RefetchesAfterTTL(t *testing.T) {
	fetcher := &stubFetcher{}
	resolver := NewCachingResolver(fetcher, NewMemoryStore(), time.Minute, zerolog.Nop())
	now := time.Now()
	resolver.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := resolver.GetOrFetchProfile(ctx, "@alice:example.com")
	require.NoError(t, err)
	now = now.Add(2 * time.Minute)
	_, err = resolver.GetOrFetchProfile(ctx, "@alice:example.com")
	require.NoError(t, err)
	assert.EqualValues(t, 2, fetcher.calls.Load())
}

func TestCachingResolver_ExpiredCopyOnFailure(t *testing.T) {
	fetcher := &stubFetcher{}
	resolver := NewCachingResolver(fetcher, NewMemoryStore(), time.Minute, zerolog.Nop())
	now := time.Now()
	resolver.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := resolver.GetOrFetchProfile(ctx, "@alice:example.com")
	require.NoError(t, err)
	now = now.Add(2 * time.Minute)
	fetcher.fail.Store(true)

	p, err := resolver.GetOrFetchProfile(ctx, "@alice:example.com")
	require.NoError(t, err)
	assert.Equal(t, "ALICE", p.DisplayName)
}

func TestCachingResolver_FailureWithoutCache(t *testing.T) {
	fetcher := &stubFetcher{}
	fetcher.fail.Store(true)
	resolver := NewCachingResolver(fetcher, nil, 0, zerolog.Nop())

	p, err := resolver.GetOrFetchProfile(context.Background(), "@bob:example.com")
	assert.Nil(t, p)
	assert.ErrorIs(t, err, ErrResolution)
}

func TestCachingResolver_ConcurrentLookupsShareFetch(t *testing.T) {
	fetcher := &stubFetcher{release: make(chan struct{})}
	resolver := NewCachingResolver(fetcher, NewMemoryStore(), time.Minute, zerolog.Nop())

	const callers = 8
	var wg sync.WaitGroup
	results := make([]*Profile, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := resolver.GetOrFetchProfile(context.Background(), "@carol:example.com")
			assert.NoError(t, err)
			results[i] = p
		}()
	}
	require.Eventually(t, func() bool { return fetcher.calls.Load() == 1 }, time.Second, time.Millisecond)
	// Give the remaining callers a chance to join the in-flight fetch.
	time.Sleep(20 * time.Millisecond)
	close(fetcher.release)
	wg.Wait()

	assert.EqualValues(t, 1, fetcher.calls.Load())
	for _, p := range results {
		require.NotNil(t, p)
		assert.Equal(t, "CAROL", p.DisplayName)
	}
}

func TestCachingResolver_CallerContextCancelled(t *testing.T) {
	fetcher := &stubFetcher{release: make(chan struct{})}
	defer close(fetcher.release)
	resolver := NewCachingResolver(fetcher, NewMemoryStore(), time.Minute, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := resolver.GetOrFetchProfile(ctx, "@dave:example.com")
	assert.ErrorIs(t, err, ErrResolution)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSQLStore(t *testing.T) {
	ctx := context.Background()
	uri := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	store, err := OpenSQLStore(ctx, uri, zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()

	p, err := store.Get(ctx, "@alice:example.com")
	require.NoError(t, err)
	assert.Nil(t, p)

	fetched := time.UnixMilli(time.Now().UnixMilli())
	require.NoError(t, store.Put(ctx, &Profile{
		UserID:      "@alice:example.com",
		DisplayName: "Alice",
		AvatarURL:   id.ContentURI{Homeserver: "example.com", FileID: "abc"},
		FetchedAt:   fetched,
	}))
	p, err = store.Get(ctx, "@alice:example.com")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "Alice", p.DisplayName)
	assert.Equal(t, "mxc://example.com/abc", p.AvatarURL.String())
	assert.True(t, fetched.Equal(p.FetchedAt))

	// Upsert replaces the row and clears the avatar.
	require.NoError(t, store.Put(ctx, &Profile{
		UserID:      "@alice:example.com",
		DisplayName: "Alice 2",
		FetchedAt:   fetched.Add(time.Second),
	}))
	p, err = store.Get(ctx, "@alice:example.com")
	require.NoError(t, err)
	assert.Equal(t, "Alice 2", p.DisplayName)
	assert.True(t, p.AvatarURL.IsEmpty())
}

func TestCachingResolver_WithSQLStore(t *testing.T) {
	ctx := context.Background()
	uri := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	store, err := OpenSQLStore(ctx, uri, zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()

	fetcher := &stubFetcher{}
	resolver := NewCachingResolver(fetcher, store, time.Minute, zerolog.Nop())
	_, err = resolver.GetOrFetchProfile(ctx, "@erin:example.com")
	require.NoError(t, err)

	// A second resolver sharing the store doesn't need to fetch.
	other := NewCachingResolver(fetcher, store, time.Minute, zerolog.Nop())
	p, err := other.GetOrFetchProfile(ctx, "@erin:example.com")
	require.NoError(t, err)
	assert.Equal(t, "ERIN", p.DisplayName)
	assert.EqualValues(t, 1, fetcher.calls.Load())
}
