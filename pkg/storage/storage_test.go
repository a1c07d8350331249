package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Storage {
	t.Helper()
	ctx := context.Background()

	local, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	sqlite, err := NewSQLiteStorage(ctx, filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	return map[string]Storage{"local": local, "sqlite": sqlite}
}

func TestStorage_ReadWriteExists(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := s.Read(ctx, "packets/missing.yaml")
			require.ErrorIs(t, err, ErrNotFound)

			ok, err := s.Exists(ctx, "packets/a.yaml")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Write(ctx, "packets/a.yaml", []byte("one")))
			require.NoError(t, s.Write(ctx, "packets/a.yaml", []byte("two")))

			data, err := s.Read(ctx, "packets/a.yaml")
			require.NoError(t, err)
			assert.Equal(t, "two", string(data))

			ok, err = s.Exists(ctx, "packets/a.yaml")
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestStorage_ListIsSortedAndShallow(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Write(ctx, "worklog/p1/0002.yaml", []byte("b")))
			require.NoError(t, s.Write(ctx, "worklog/p1/0001.yaml", []byte("a")))
			require.NoError(t, s.Write(ctx, "worklog/p1/nested/0003.yaml", []byte("c")))

			paths, err := s.List(ctx, "worklog/p1")
			require.NoError(t, err)
			assert.Equal(t, []string{"worklog/p1/0001.yaml", "worklog/p1/0002.yaml"}, paths)

			empty, err := s.List(ctx, "nothing")
			require.NoError(t, err)
			assert.Empty(t, empty)
		})
	}
}

func TestLocalStorage_ConcurrentReadsSeeWholeRecords(t *testing.T) {
	s, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.Write(ctx, "checkpoint/slot.yaml", []byte("counter: 0")))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 1; i <= 200; i++ {
			assert.NoError(t, s.Write(ctx, "checkpoint/slot.yaml", []byte(fmt.Sprintf("counter: %d", i))))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			data, err := s.Read(ctx, "checkpoint/slot.yaml")
			assert.NoError(t, err)
			var n int
			_, scanErr := fmt.Sscanf(string(data), "counter: %d", &n)
			assert.NoError(t, scanErr, "partial record %q", data)
		}
	}()
	wg.Wait()

	paths, err := s.List(ctx, "checkpoint")
	require.NoError(t, err)
	assert.Equal(t, []string{"checkpoint/slot.yaml"}, paths)
}
