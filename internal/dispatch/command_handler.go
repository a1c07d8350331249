package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// CommandHandler runs the subtask's shell command in the workspace. A
// subtask without a command blocks: somebody has to say what to run.
type CommandHandler struct{}

func (CommandHandler) Handle(ctx context.Context, task *Task, r Reporter) error {
	command := strings.TrimSpace(task.Subtask.Command)
	if command == "" {
		return Blocked(fmt.Sprintf("subtask %s has no command", task.Subtask.ID))
	}
	res, err := r.Exec(ctx, command)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("command exited with status %d: %s", res.ExitCode, lastLine(res.Stderr))
	}
	return r.Progress(ctx, fmt.Sprintf("%s finished in %s", command, res.Duration.Round(time.Millisecond)))
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
