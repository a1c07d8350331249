package strategy

import (
	"fmt"
	"time"

	"github.com/kazz187/packetguild/pkg/cerr"
)

type Strategy string

const (
	Parallel   Strategy = "PARALLEL"
	Sequential Strategy = "SEQUENTIAL"
	Hybrid     Strategy = "HYBRID"
)

func (s Strategy) Valid() bool {
	switch s {
	case Parallel, Sequential, Hybrid:
		return true
	}
	return false
}

// Subtask is the analyzer's view of a unit of work: what it touches and
// what it has to wait for.
type Subtask struct {
	ID        string
	Resources []string
	DependsOn []string
}

// Decision is an immutable execution plan for one set of subtasks.
//
// Lanes are run by one worker each, subtasks in lane order. For HYBRID the
// Chain runs to completion on lane 0's worker before any lane starts, and
// chain members are assigned to lane 0.
type Decision struct {
	Strategy         Strategy       `yaml:"strategy" json:"strategy"`
	Rationale        string         `yaml:"rationale" json:"rationale"`
	WorkerCount      int            `yaml:"worker_count" json:"worker_count"`
	Assignments      map[string]int `yaml:"assignments" json:"assignments"`
	Lanes            [][]string     `yaml:"lanes" json:"lanes"`
	Chain            []string       `yaml:"chain,omitempty" json:"chain,omitempty"`
	Independent      []string       `yaml:"independent,omitempty" json:"independent,omitempty"`
	IndependentCount int            `yaml:"independent_count" json:"independent_count"`
	MaxConcurrency   int            `yaml:"max_concurrency" json:"max_concurrency"`
	DecidedAt        time.Time      `yaml:"decided_at" json:"decided_at"`
}

// Validate checks that the decision is complete enough to dispatch from.
func (d *Decision) Validate() error {
	if d == nil {
		return invalid("decision is missing")
	}
	if !d.Strategy.Valid() {
		return invalid(fmt.Sprintf("unknown strategy %q", d.Strategy))
	}
	if d.Rationale == "" {
		return invalid("decision has no rationale")
	}
	if d.WorkerCount < 1 {
		return invalid(fmt.Sprintf("worker count must be at least 1, got %d", d.WorkerCount))
	}
	if d.MaxConcurrency > 0 && d.WorkerCount > d.MaxConcurrency {
		return invalid(fmt.Sprintf("worker count %d exceeds max concurrency %d", d.WorkerCount, d.MaxConcurrency))
	}
	if len(d.Lanes) != d.WorkerCount {
		return invalid(fmt.Sprintf("decision has %d lanes for %d workers", len(d.Lanes), d.WorkerCount))
	}
	if d.Strategy == Sequential && d.WorkerCount != 1 {
		return invalid("sequential decisions use exactly one worker")
	}
	if d.Strategy != Hybrid && len(d.Chain) > 0 {
		return invalid("only hybrid decisions carry a dependent chain")
	}
	for i, lane := range d.Lanes {
		if len(lane) == 0 {
			return invalid(fmt.Sprintf("lane %d has no work", i))
		}
		for _, id := range lane {
			if got, ok := d.Assignments[id]; !ok || got != i {
				return invalid(fmt.Sprintf("subtask %s in lane %d is not assigned to it", id, i))
			}
		}
	}
	for _, id := range d.Chain {
		if got, ok := d.Assignments[id]; !ok || got != 0 {
			return invalid(fmt.Sprintf("chain subtask %s must be assigned to lane 0", id))
		}
	}
	return nil
}

// Ordered returns every subtask id in dispatch order: the chain first, then
// the lanes one after another.
func (d *Decision) Ordered() []string {
	out := append([]string{}, d.Chain...)
	for _, lane := range d.Lanes {
		out = append(out, lane...)
	}
	return out
}

func invalid(msg string) error {
	return cerr.NewError(cerr.InvalidArgument, msg, nil)
}
