package dispatch_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/packetguild/internal/dispatch"
	"github.com/kazz187/packetguild/internal/packet"
	"github.com/kazz187/packetguild/pkg/cerr"
	"github.com/kazz187/packetguild/pkg/shellclass"
)

type countingRunner struct {
	running atomic.Int32
	peak    atomic.Int32
}

func (c *countingRunner) Run(_ context.Context, _, command string) (*dispatch.ExecResult, error) {
	n := c.running.Add(1)
	defer c.running.Add(-1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	return &dispatch.ExecResult{Command: command}, nil
}

func TestWorkspace_ExecRunsInDir(t *testing.T) {
	dir := t.TempDir()
	ws := dispatch.NewWorkspace(dir)

	res, err := ws.Exec(context.Background(), packet.RoleImplementer, `echo cached > out.txt && echo ok`)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "ok\n", res.Stdout)
	assert.Equal(t, shellclass.Mutating, res.Class)

	data, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "cached\n", string(data))

	res, err = ws.Exec(context.Background(), packet.RoleTester, `exit 3`)
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
}

func TestWorkspace_CoordinatorIsReadOnly(t *testing.T) {
	ws := dispatch.NewWorkspace(t.TempDir(), dispatch.WithRunner(&countingRunner{}))
	ctx := context.Background()

	_, err := ws.Exec(ctx, packet.RoleCoordinator, "ls -la | grep go")
	assert.NoError(t, err)

	for _, cmd := range []string{"go test ./...", "echo x > notes.txt", "git reset --hard"} {
		_, err := ws.Exec(ctx, packet.RoleCoordinator, cmd)
		require.Error(t, err, cmd)
		assert.True(t, cerr.IsCode(err, cerr.PermissionDenied), cmd)
	}

	_, err = ws.Exec(ctx, packet.RoleImplementer, "echo 'unterminated")
	assert.True(t, cerr.IsCode(err, cerr.InvalidArgument))
}

func TestWorkspace_ExclusiveCommandsAreSerialized(t *testing.T) {
	runner := &countingRunner{}
	ws := dispatch.NewWorkspace(t.TempDir(), dispatch.WithRunner(runner))

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := ws.Exec(context.Background(), packet.RoleTester, "make test")
			assert.NoError(t, err)
			assert.Equal(t, shellclass.Exclusive, res.Class)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), runner.peak.Load())
}

func TestWorkspace_ExclusiveHonoursContext(t *testing.T) {
	ws := dispatch.NewWorkspace(t.TempDir())
	hold := make(chan struct{})
	entered := make(chan struct{})
	go func() {
		_ = ws.Exclusive(context.Background(), "migrate", func(context.Context) error {
			close(entered)
			<-hold
			return nil
		})
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := ws.Exclusive(ctx, "reset", func(context.Context) error { return nil })
	assert.True(t, cerr.IsCode(err, cerr.Canceled))
	close(hold)
}
