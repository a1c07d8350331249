package config

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/packetguild/pkg/storage"
)

func TestLoadEnv_Defaults(t *testing.T) {
	env, err := LoadEnv()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, env.TickInterval)
	assert.Equal(t, 1200, env.MaxTicks)
	assert.Equal(t, 5, env.MaxConcurrency)
	assert.Equal(t, "local", env.Type)
}

func TestLoadEnv_Overrides(t *testing.T) {
	t.Setenv("PACKETGUILD_TICK_INTERVAL", "5s")
	t.Setenv("PACKETGUILD_MAX_TICKS", "3")
	t.Setenv("PACKETGUILD_MAX_CONCURRENCY", "2")

	env, err := LoadEnv()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, env.TickInterval)
	assert.Equal(t, 3, env.MaxTicks)
	assert.Equal(t, 2, env.MaxConcurrency)
}

func TestLoadEnv_RejectsNonPositive(t *testing.T) {
	t.Setenv("PACKETGUILD_MAX_CONCURRENCY", "0")
	_, err := LoadEnv()
	assert.ErrorContains(t, err, "MAX_CONCURRENCY")
}

func TestOpenStorage(t *testing.T) {
	ctx := context.Background()

	local := &StorageEnv{Type: "local", BaseDir: t.TempDir()}
	s, closeFn, err := local.OpenStorage(ctx)
	require.NoError(t, err)
	assert.IsType(t, &storage.LocalStorage{}, s)
	assert.NoError(t, closeFn())

	_, _, err = (&StorageEnv{Type: "s3"}).OpenStorage(ctx)
	assert.ErrorContains(t, err, "S3_BUCKET")

	_, _, err = (&StorageEnv{Type: "ftp"}).OpenStorage(ctx)
	assert.Error(t, err)
}
