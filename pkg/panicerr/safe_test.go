package panicerr

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/packetguild/pkg/cerr"
)

func TestRun(t *testing.T) {
	ctx := context.Background()

	assert.NoError(t, Run(ctx, func(context.Context) error { return nil }))

	boom := errors.New("boom")
	assert.ErrorIs(t, Run(ctx, func(context.Context) error { return boom }), boom)

	err := Run(ctx, func(context.Context) error { panic("lane exploded") })
	require.Error(t, err)
	assert.True(t, cerr.IsCode(err, cerr.Internal))
	assert.Contains(t, err.Error(), "lane exploded")
}
