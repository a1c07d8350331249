package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kazz187/packetguild/internal/packet"
	"github.com/kazz187/packetguild/pkg/cerr"
)

// ErrBlocked is returned by a handler that cannot make progress without
// outside help. The subtask is marked BLOCKED and its lane halts.
var ErrBlocked = errors.New("worker blocked")

// Blocked returns an ErrBlocked error explaining what the worker waits for.
func Blocked(reason string) error {
	return fmt.Errorf("%s: %w", reason, ErrBlocked)
}

// Task is what a handler receives for one subtask.
type Task struct {
	UnitID   string
	PacketID string
	Contract packet.Contract
	Subtask  packet.Subtask
	Role     packet.Role
}

// Reporter is the only channel from a worker back to the supervisor.
type Reporter interface {
	// Log appends a note to the packet's work log.
	Log(ctx context.Context, msg string) error
	// Progress records observable progress and stamps the unit with the
	// current checkpoint.
	Progress(ctx context.Context, msg string) error
	// Claim takes runtime ownership of workspace resources. It waits while
	// another live unit owns one of them.
	Claim(ctx context.Context, resources ...string) error
	// Exec runs a shell command in the shared workspace.
	Exec(ctx context.Context, command string) (*ExecResult, error)
}

type Handler interface {
	Handle(ctx context.Context, task *Task, r Reporter) error
}

type HandlerFunc func(ctx context.Context, task *Task, r Reporter) error

func (f HandlerFunc) Handle(ctx context.Context, task *Task, r Reporter) error {
	return f(ctx, task, r)
}

// Registry maps each role to the handler that performs it.
type Registry struct {
	mu       sync.RWMutex
	handlers map[packet.Role]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[packet.Role]Handler)}
}

func (r *Registry) Register(role packet.Role, h Handler) error {
	if !role.Valid() {
		return cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("unknown role %q", role), nil)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[role] = h
	return nil
}

func (r *Registry) Lookup(role packet.Role) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[role]
	return h, ok
}

// Roles lists the roles with a registered handler, in declaration order.
func (r *Registry) Roles() []packet.Role {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []packet.Role
	for _, role := range packet.Roles {
		if _, ok := r.handlers[role]; ok {
			out = append(out, role)
		}
	}
	return out
}
