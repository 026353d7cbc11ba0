package cache_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/cache/cachetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStorage(t *testing.T) {
	cachetest.RunStorageTests(t, func(t *testing.T) cache.Storage {
		return cache.NewMemStorage()
	})
}

func TestSQLiteStorage(t *testing.T) {
	cachetest.RunStorageTests(t, func(t *testing.T) cache.Storage {
		s, err := cache.NewSQLiteStorage(filepath.Join(t.TempDir(), "cache.db"))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestSQLiteStoragePersists(t *testing.T) {
	ctx := context.Background()
	filename := filepath.Join(t.TempDir(), "cache.db")

	s, err := cache.NewSQLiteStorage(filename)
	require.NoError(t, err)
	p, err := s.Open(ctx, "turbopush-static-v2.0.0")
	require.NoError(t, err)
	require.NoError(t, p.Put(ctx, cache.Entry{Key: "https://example.com/", StoredAt: time.Now(), Bytes: []byte("x")}))
	require.NoError(t, s.Close())

	s, err = cache.NewSQLiteStorage(filename)
	require.NoError(t, err)
	defer s.Close()
	names, err := s.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"turbopush-static-v2.0.0"}, names)
}

func TestPartitionStats(t *testing.T) {
	ctx := context.Background()
	s := cache.NewMemStorage()
	p, err := s.Open(ctx, "turbopush-images-v2.0.0")
	require.NoError(t, err)
	require.NoError(t, p.Put(ctx, cache.Entry{Key: "a", Bytes: make([]byte, 100)}))
	require.NoError(t, p.Put(ctx, cache.Entry{Key: "b", Bytes: make([]byte, 24)}))

	stats, err := cache.PartitionStats(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, cache.Stats{Name: "turbopush-images-v2.0.0", Entries: 2, Bytes: 124}, stats)
}
