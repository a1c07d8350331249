package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/kazz187/packetguild/internal/packet"
	"github.com/kazz187/packetguild/pkg/cerr"
	"github.com/kazz187/packetguild/pkg/shellclass"
)

type ExecResult struct {
	Command  string           `json:"command"`
	Class    shellclass.Class `json:"class"`
	ExitCode int              `json:"exit_code"`
	Stdout   string           `json:"stdout"`
	Stderr   string           `json:"stderr"`
	Duration time.Duration    `json:"duration"`
}

// Runner executes one already classified command line in dir.
type Runner interface {
	Run(ctx context.Context, dir, command string) (*ExecResult, error)
}

// Workspace is the directory every unit works in. Exclusive operations are
// serialized across all units and batches.
type Workspace struct {
	dir       string
	exclusive *semaphore.Weighted
	runner    Runner
}

type WorkspaceOption func(*Workspace)

func WithRunner(r Runner) WorkspaceOption {
	return func(w *Workspace) { w.runner = r }
}

func NewWorkspace(dir string, opts ...WorkspaceOption) *Workspace {
	w := &Workspace{
		dir:       dir,
		exclusive: semaphore.NewWeighted(1),
		runner:    interpRunner{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Workspace) Dir() string {
	return w.dir
}

// Exclusive runs fn while no other exclusive operation runs.
func (w *Workspace) Exclusive(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	if err := w.exclusive.Acquire(ctx, 1); err != nil {
		return cerr.NewError(cerr.Canceled, fmt.Sprintf("waiting for workspace lock for %s", op), err)
	}
	defer w.exclusive.Release(1)
	slog.DebugContext(ctx, "workspace: exclusive operation", "op", op, "waited", time.Since(start))
	return fn(ctx)
}

// Exec classifies command and runs it for a unit with role. Exclusive
// commands take the workspace lock. The coordinator may only inspect.
func (w *Workspace) Exec(ctx context.Context, role packet.Role, command string) (*ExecResult, error) {
	class, err := shellclass.Classify(command)
	if err != nil {
		return nil, cerr.NewError(cerr.InvalidArgument, "refusing to run unparsable command", err)
	}
	if role == packet.RoleCoordinator && class.Class != shellclass.ReadOnly {
		return nil, cerr.NewError(cerr.PermissionDenied,
			fmt.Sprintf("coordinator may not run %s command %q", class.Class, command), nil).
			AddDetailMessageWithCode("dispatch a worker with the implementer or tester role to run it", "coordinator-read-only")
	}

	var res *ExecResult
	run := func(ctx context.Context) error {
		var err error
		res, err = w.runner.Run(ctx, w.dir, command)
		return err
	}
	if class.Class == shellclass.Exclusive {
		err = w.Exclusive(ctx, command, run)
	} else {
		err = run(ctx)
	}
	if res != nil {
		res.Class = class.Class
	}
	return res, err
}

// interpRunner runs commands with the mvdan.cc/sh interpreter.
type interpRunner struct{}

func (interpRunner) Run(ctx context.Context, dir, command string) (*ExecResult, error) {
	prog, err := syntax.NewParser(syntax.Variant(syntax.LangBash)).Parse(strings.NewReader(command), "")
	if err != nil {
		return nil, cerr.NewError(cerr.InvalidArgument, "refusing to run unparsable command", err)
	}
	var stdout, stderr bytes.Buffer
	r, err := interp.New(interp.Dir(dir), interp.StdIO(nil, &stdout, &stderr))
	if err != nil {
		return nil, cerr.NewError(cerr.Internal, "failed to start shell", err)
	}

	start := time.Now()
	runErr := r.Run(ctx, prog)
	res := &ExecResult{
		Command:  command,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	var status interp.ExitStatus
	switch {
	case runErr == nil:
	case errors.As(runErr, &status):
		res.ExitCode = int(status)
	default:
		return res, cerr.NewError(cerr.Internal, "command failed to run", runErr)
	}
	return res, nil
}
