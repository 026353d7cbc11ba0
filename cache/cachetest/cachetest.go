// Package cachetest provides a conformance suite for cache.Storage
// implementations.
package cachetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/always-cache/offline-cache/cache"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunStorageTests runs the conformance suite. newStorage must return an
// empty storage for every call.
func RunStorageTests(t *testing.T, newStorage func(t *testing.T) cache.Storage) {
	t.Run("OpenCreatesPartition", func(t *testing.T) {
		testOpenCreatesPartition(t, newStorage(t))
	})
	t.Run("PutAndMatch", func(t *testing.T) {
		testPutAndMatch(t, newStorage(t))
	})
	t.Run("KeysInInsertionOrder", func(t *testing.T) {
		testKeysInInsertionOrder(t, newStorage(t))
	})
	t.Run("OverwriteMovesToNewest", func(t *testing.T) {
		testOverwriteMovesToNewest(t, newStorage(t))
	})
	t.Run("DeleteEntry", func(t *testing.T) {
		testDeleteEntry(t, newStorage(t))
	})
	t.Run("DeletePartition", func(t *testing.T) {
		testDeletePartition(t, newStorage(t))
	})
	t.Run("PartitionsAreIsolated", func(t *testing.T) {
		testPartitionsAreIsolated(t, newStorage(t))
	})
}

func entry(key, body string) cache.Entry {
	return cache.Entry{Key: key, StoredAt: time.Now(), Bytes: []byte(body)}
}

func testOpenCreatesPartition(t *testing.T, s cache.Storage) {
	ctx := context.Background()

	ok, err := s.Has(ctx, "site-static-v1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Open(ctx, "site-static-v1")
	require.NoError(t, err)
	_, err = s.Open(ctx, "site-images-v1")
	require.NoError(t, err)
	// opening twice does not duplicate
	_, err = s.Open(ctx, "site-static-v1")
	require.NoError(t, err)

	ok, err = s.Has(ctx, "site-static-v1")
	require.NoError(t, err)
	assert.True(t, ok)

	names, err := s.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"site-static-v1", "site-images-v1"}, names)
}

func testPutAndMatch(t *testing.T, s cache.Storage) {
	ctx := context.Background()
	p, err := s.Open(ctx, "site-dynamic-v1")
	require.NoError(t, err)
	assert.Equal(t, "site-dynamic-v1", p.Name())

	_, ok, err := p.Match(ctx, "https://example.com/")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, p.Put(ctx, entry("https://example.com/", "home")))

	got, ok, err := p.Match(ctx, "https://example.com/")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "https://example.com/", got.Key)
	assert.Equal(t, []byte("home"), got.Bytes)
	assert.False(t, got.StoredAt.IsZero())
}

func testKeysInInsertionOrder(t *testing.T, s cache.Storage) {
	ctx := context.Background()
	p, err := s.Open(ctx, "site-images-v1")
	require.NoError(t, err)

	want := make([]string, 0, 10)
	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("https://example.com/img/%02d.png", 9-i)
		want = append(want, key)
		require.NoError(t, p.Put(ctx, entry(key, "img")))
	}
	// reads never reorder
	_, _, err = p.Match(ctx, want[0])
	require.NoError(t, err)

	keys, err := p.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, keys)
}

func testOverwriteMovesToNewest(t *testing.T, s cache.Storage) {
	ctx := context.Background()
	p, err := s.Open(ctx, "site-api-v1")
	require.NoError(t, err)

	require.NoError(t, p.Put(ctx, entry("a", "1")))
	require.NoError(t, p.Put(ctx, entry("b", "1")))
	require.NoError(t, p.Put(ctx, entry("c", "1")))
	require.NoError(t, p.Put(ctx, entry("a", "2")))

	keys, err := p.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c", "a"}, keys)

	got, ok, err := p.Match(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("2"), got.Bytes)
}

func testDeleteEntry(t *testing.T, s cache.Storage) {
	ctx := context.Background()
	p, err := s.Open(ctx, "site-fonts-v1")
	require.NoError(t, err)
	require.NoError(t, p.Put(ctx, entry("a", "1")))

	deleted, err := p.Delete(ctx, "a")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = p.Delete(ctx, "a")
	require.NoError(t, err)
	assert.False(t, deleted)

	keys, err := p.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func testDeletePartition(t *testing.T, s cache.Storage) {
	ctx := context.Background()
	p, err := s.Open(ctx, "site-static-v1")
	require.NoError(t, err)
	require.NoError(t, p.Put(ctx, entry("a", "1")))

	deleted, err := s.Delete(ctx, "site-static-v1")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = s.Delete(ctx, "site-static-v1")
	require.NoError(t, err)
	assert.False(t, deleted)

	ok, err := s.Has(ctx, "site-static-v1")
	require.NoError(t, err)
	assert.False(t, ok)

	// a reopened partition starts empty
	p, err = s.Open(ctx, "site-static-v1")
	require.NoError(t, err)
	keys, err := p.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func testPartitionsAreIsolated(t *testing.T, s cache.Storage) {
	ctx := context.Background()
	a, err := s.Open(ctx, "site-static-v1")
	require.NoError(t, err)
	b, err := s.Open(ctx, "site-static-v2")
	require.NoError(t, err)

	require.NoError(t, a.Put(ctx, entry("https://example.com/app.js", "v1")))

	_, ok, err := b.Match(ctx, "https://example.com/app.js")
	require.NoError(t, err)
	assert.False(t, ok)
}
