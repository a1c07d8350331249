package gate

import (
	"context"
	"fmt"
	"strings"

	"github.com/kazz187/packetguild/internal/packet"
)

// ArtifactInfo is what the artifact gate needs to know about a location.
type ArtifactInfo struct {
	Exists   bool
	Upstream int
	Root     bool
}

type ArtifactIndex interface {
	Describe(ctx context.Context, location string) (ArtifactInfo, error)
}

// Gate is a named precondition on one phase transition.
type Gate struct {
	Kind        Kind
	From        packet.Phase
	To          packet.Phase
	Description string
	applies     func(p *packet.TaskPacket) bool
	check       func(ctx context.Context, e *Enforcer, p *packet.TaskPacket) (*Violation, error)
}

// GateStatus is the evaluated state of one gate for one packet.
type GateStatus struct {
	Kind         Kind   `json:"kind"`
	Transition   string `json:"transition"`
	Description  string `json:"description"`
	Applies      bool   `json:"applies"`
	Passed       bool   `json:"passed"`
	Precondition string `json:"precondition,omitempty"`
	Remediation  string `json:"remediation,omitempty"`
}

type Enforcer struct {
	artifacts ArtifactIndex
	gates     []Gate
}

func NewEnforcer(artifacts ArtifactIndex) *Enforcer {
	return &Enforcer{
		artifacts: artifacts,
		gates: []Gate{
			{
				Kind: StrategyUndocumented, From: packet.PhasePlan, To: packet.PhaseWork,
				Description: "packets with two or more subtasks carry a complete execution strategy decision",
				applies: func(p *packet.TaskPacket) bool {
					return p.Plan != nil && len(p.Plan.Subtasks) >= 2
				},
				check: checkStrategy,
			},
			{
				Kind: ArtifactsUnpersisted, From: packet.PhasePlan, To: packet.PhaseWork,
				Description: "planning artifacts exist at their permanent location with upstream links",
				applies: func(p *packet.TaskPacket) bool {
					return p.Plan != nil && len(p.Plan.Artifacts) > 0
				},
				check: checkArtifacts,
			},
			{
				Kind: WorkIncomplete, From: packet.PhaseWork, To: packet.PhaseReview,
				Description: "every subtask has reached DONE or FAILED",
				applies: func(p *packet.TaskPacket) bool {
					return p.Plan != nil && len(p.Plan.Subtasks) > 0
				},
				check: checkWork,
			},
			{
				Kind: ReviewIncomplete, From: packet.PhaseReview, To: packet.PhaseAcceptance,
				Description: "code changes carry APPROVED test-sufficiency and code-quality verdicts",
				applies: func(p *packet.TaskPacket) bool {
					return p.TouchesCode()
				},
				check: checkReview,
			},
		},
	}
}

// Gates lists the gates in evaluation order.
func (e *Enforcer) Gates() []Gate {
	return append([]Gate(nil), e.gates...)
}

// CheckTransition evaluates every gate on the p.Phase -> to transition and
// returns the first violation.
func (e *Enforcer) CheckTransition(ctx context.Context, p *packet.TaskPacket, to packet.Phase) error {
	for _, g := range e.gates {
		if g.From != p.Phase || g.To != to || !g.applies(p) {
			continue
		}
		v, err := g.check(ctx, e, p)
		if err != nil {
			return err
		}
		if v != nil {
			return wrap(v)
		}
	}
	return nil
}

// CheckDispatch refuses to start work for a packet that is missing or not
// in WORK.
func (e *Enforcer) CheckDispatch(p *packet.TaskPacket) error {
	if p == nil {
		return NewViolation(TaskPacketMissing, "no task packet exists for this work",
			"create a task packet and advance it through PLAN before dispatching")
	}
	if p.Phase != packet.PhaseWork {
		return NewViolation(TaskPacketMissing,
			fmt.Sprintf("task packet %s is in %s, not WORK", p.ID, p.Phase),
			"advance the packet to WORK before dispatching workers")
	}
	return nil
}

// Status evaluates every gate for p, whatever its phase.
func (e *Enforcer) Status(ctx context.Context, p *packet.TaskPacket) ([]GateStatus, error) {
	out := make([]GateStatus, 0, len(e.gates))
	for _, g := range e.gates {
		st := GateStatus{
			Kind:        g.Kind,
			Transition:  fmt.Sprintf("%s->%s", g.From, g.To),
			Description: g.Description,
			Applies:     g.applies(p),
			Passed:      true,
		}
		if st.Applies {
			v, err := g.check(ctx, e, p)
			if err != nil {
				return nil, err
			}
			if v != nil {
				st.Passed = false
				st.Precondition = v.Precondition
				st.Remediation = v.Remediation
			}
		}
		out = append(out, st)
	}
	return out, nil
}

func checkStrategy(_ context.Context, _ *Enforcer, p *packet.TaskPacket) (*Violation, error) {
	d := p.Plan.Decision
	if d == nil {
		return &Violation{
			Kind:         StrategyUndocumented,
			Precondition: fmt.Sprintf("plan has %d subtasks but no execution strategy decision", len(p.Plan.Subtasks)),
			Remediation:  "run the strategy analyzer and record its decision with strategy, rationale and worker plan",
		}, nil
	}
	if err := d.Validate(); err != nil {
		return &Violation{
			Kind:         StrategyUndocumented,
			Precondition: "execution strategy decision is underspecified: " + err.Error(),
			Remediation:  "record a decision with a strategy, a rationale, at least one worker and lanes for every worker",
		}, nil
	}
	var unassigned []string
	for _, st := range p.Plan.Subtasks {
		if _, ok := d.Assignments[st.ID]; !ok {
			unassigned = append(unassigned, st.ID)
		}
	}
	if len(unassigned) > 0 {
		return &Violation{
			Kind:         StrategyUndocumented,
			Precondition: "decision does not assign subtasks " + strings.Join(unassigned, ", "),
			Remediation:  "re-run the analyzer over the current plan and record the new decision",
		}, nil
	}
	return nil, nil
}

func checkArtifacts(ctx context.Context, e *Enforcer, p *packet.TaskPacket) (*Violation, error) {
	if e.artifacts == nil {
		return &Violation{
			Kind:         ArtifactsUnpersisted,
			Precondition: "no artifact store is configured to verify planning artifacts",
			Remediation:  "configure artifact storage",
		}, nil
	}
	for _, loc := range p.Plan.Artifacts {
		info, err := e.artifacts.Describe(ctx, loc)
		if err != nil {
			return nil, err
		}
		if !info.Exists {
			return &Violation{
				Kind:         ArtifactsUnpersisted,
				Precondition: fmt.Sprintf("planning artifact %s is not persisted", loc),
				Remediation:  fmt.Sprintf("persist %s at its permanent location", loc),
			}, nil
		}
		if info.Upstream == 0 && !info.Root {
			return &Violation{
				Kind:         ArtifactsUnpersisted,
				Precondition: fmt.Sprintf("planning artifact %s has no upstream links", loc),
				Remediation:  fmt.Sprintf("amend %s with links to the documents it was derived from", loc),
			}, nil
		}
	}
	return nil, nil
}

func checkWork(_ context.Context, _ *Enforcer, p *packet.TaskPacket) (*Violation, error) {
	var open []string
	for _, st := range p.Plan.Subtasks {
		if !st.Status.Terminal() {
			open = append(open, fmt.Sprintf("%s (%s)", st.ID, st.Status))
		}
	}
	if len(open) == 0 {
		return nil, nil
	}
	return &Violation{
		Kind:         WorkIncomplete,
		Precondition: "subtasks not terminal: " + strings.Join(open, ", "),
		Remediation:  "wait for the workers to finish, or reassign blocked subtasks",
	}, nil
}

func checkReview(_ context.Context, _ *Enforcer, p *packet.TaskPacket) (*Violation, error) {
	var missing []string
	for _, kind := range packet.VerdictKinds {
		var rec *packet.VerdictRecord
		if p.Review != nil {
			rec = p.Review.Verdicts[kind]
		}
		switch {
		case rec == nil:
			missing = append(missing, fmt.Sprintf("%s verdict missing", kind))
		case rec.Verdict != packet.VerdictApproved:
			missing = append(missing, fmt.Sprintf("%s verdict is %s", kind, rec.Verdict))
		}
	}
	if len(missing) == 0 {
		return nil, nil
	}
	return &Violation{
		Kind:         ReviewIncomplete,
		Precondition: strings.Join(missing, "; "),
		Remediation:  "address the review findings and record APPROVED test-sufficiency and code-quality verdicts from independent reviewers",
	}, nil
}
