package packet

import (
	"fmt"
	"time"

	"github.com/kazz187/packetguild/internal/strategy"
)

type Phase string

const (
	PhaseContract   Phase = "CONTRACT"
	PhasePlan       Phase = "PLAN"
	PhaseWork       Phase = "WORK"
	PhaseReview     Phase = "REVIEW"
	PhaseAcceptance Phase = "ACCEPTANCE"
)

// Phases is the only order a packet may move through.
var Phases = []Phase{PhaseContract, PhasePlan, PhaseWork, PhaseReview, PhaseAcceptance}

// Index returns the position of p in Phases, or -1.
func (p Phase) Index() int {
	for i, ph := range Phases {
		if ph == p {
			return i
		}
	}
	return -1
}

// Next returns the immediate successor of p.
func (p Phase) Next() (Phase, bool) {
	i := p.Index()
	if i < 0 || i == len(Phases)-1 {
		return "", false
	}
	return Phases[i+1], true
}

func ParsePhase(s string) (Phase, error) {
	p := Phase(s)
	if p.Index() < 0 {
		return "", fmt.Errorf("unknown phase %q", s)
	}
	return p, nil
}

// Role is the capability a worker unit is dispatched with.
type Role string

const (
	RoleImplementer Role = "implementer"
	RoleTester      Role = "tester"
	RoleReviewer    Role = "reviewer"
	RoleValidator   Role = "validator"
	RoleArchitect   Role = "architect"
	RoleCoordinator Role = "coordinator"
)

var Roles = []Role{RoleImplementer, RoleTester, RoleReviewer, RoleValidator, RoleArchitect, RoleCoordinator}

func (r Role) Valid() bool {
	for _, v := range Roles {
		if v == r {
			return true
		}
	}
	return false
}

type SubtaskStatus string

const (
	SubtaskPending SubtaskStatus = "PENDING"
	SubtaskRunning SubtaskStatus = "RUNNING"
	SubtaskBlocked SubtaskStatus = "BLOCKED"
	SubtaskDone    SubtaskStatus = "DONE"
	SubtaskFailed  SubtaskStatus = "FAILED"
)

func (s SubtaskStatus) Terminal() bool {
	return s == SubtaskDone || s == SubtaskFailed
}

var subtaskTransitions = map[SubtaskStatus][]SubtaskStatus{
	// PENDING -> FAILED skips a subtask whose dependency failed.
	SubtaskPending: {SubtaskRunning, SubtaskFailed},
	SubtaskRunning: {SubtaskDone, SubtaskFailed, SubtaskBlocked},
	SubtaskBlocked: {SubtaskRunning, SubtaskDone, SubtaskFailed},
}

// CanTransition reports whether a subtask may move from s to next.
func (s SubtaskStatus) CanTransition(next SubtaskStatus) bool {
	for _, allowed := range subtaskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type Contract struct {
	Title              string   `yaml:"title" json:"title"`
	Requirements       []string `yaml:"requirements" json:"requirements"`
	AcceptanceCriteria []string `yaml:"acceptance_criteria" json:"acceptance_criteria"`
}

type Subtask struct {
	ID          string        `yaml:"id" json:"id"`
	PacketID    string        `yaml:"packet_id" json:"packet_id"`
	Title       string        `yaml:"title" json:"title"`
	Resources   []string      `yaml:"resources" json:"resources"`
	DependsOn   []string      `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Role        Role          `yaml:"role" json:"role"`
	Command     string        `yaml:"command,omitempty" json:"command,omitempty"`
	Independent bool          `yaml:"independent" json:"independent"`
	TouchesCode bool          `yaml:"touches_code" json:"touches_code"`
	Status      SubtaskStatus `yaml:"status" json:"status"`
	UpdatedAt   time.Time     `yaml:"updated_at" json:"updated_at"`
}

type Plan struct {
	Subtasks []*Subtask         `yaml:"subtasks" json:"subtasks"`
	Decision *strategy.Decision `yaml:"decision,omitempty" json:"decision,omitempty"`
	// DecisionHistory keeps every decision recorded, oldest first.
	DecisionHistory []*strategy.Decision `yaml:"decision_history,omitempty" json:"decision_history,omitempty"`
	// Artifacts lists the permanent locations of planning documents.
	Artifacts []string `yaml:"artifacts,omitempty" json:"artifacts,omitempty"`
}

func (p *Plan) Subtask(id string) *Subtask {
	if p == nil {
		return nil
	}
	for _, s := range p.Subtasks {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// StrategyInput converts the plan's subtasks for the analyzer.
func (p *Plan) StrategyInput() []strategy.Subtask {
	out := make([]strategy.Subtask, 0, len(p.Subtasks))
	for _, s := range p.Subtasks {
		out = append(out, strategy.Subtask{ID: s.ID, Resources: s.Resources, DependsOn: s.DependsOn})
	}
	return out
}

type VerdictKind string

const (
	VerdictTestSufficiency VerdictKind = "test-sufficiency"
	VerdictCodeQuality     VerdictKind = "code-quality"
)

var VerdictKinds = []VerdictKind{VerdictTestSufficiency, VerdictCodeQuality}

type Verdict string

const (
	VerdictApproved         Verdict = "APPROVED"
	VerdictChangesRequested Verdict = "CHANGES_REQUESTED"
	VerdictRejected         Verdict = "REJECTED"
)

func (v Verdict) Valid() bool {
	return v == VerdictApproved || v == VerdictChangesRequested || v == VerdictRejected
}

type ReviewOutcome string

const (
	ReviewPending     ReviewOutcome = "PENDING"
	ReviewApproved    ReviewOutcome = "APPROVED"
	ReviewIncomplete  ReviewOutcome = "INCOMPLETE"
	ReviewNotRequired ReviewOutcome = "NOT_REQUIRED"
)

type VerdictRecord struct {
	Verdict    Verdict   `yaml:"verdict" json:"verdict"`
	Reviewer   string    `yaml:"reviewer" json:"reviewer"`
	Notes      string    `yaml:"notes,omitempty" json:"notes,omitempty"`
	RecordedAt time.Time `yaml:"recorded_at" json:"recorded_at"`
}

type Review struct {
	Verdicts map[VerdictKind]*VerdictRecord `yaml:"verdicts" json:"verdicts"`
	Outcome  ReviewOutcome                  `yaml:"outcome" json:"outcome"`
}

// Evaluate derives the outcome from the recorded verdicts. A packet that
// touched no code needs no review.
func (r *Review) Evaluate(touchesCode bool) ReviewOutcome {
	if !touchesCode {
		return ReviewNotRequired
	}
	approved := 0
	for _, kind := range VerdictKinds {
		v, ok := r.Verdicts[kind]
		if !ok {
			continue
		}
		if v.Verdict != VerdictApproved {
			return ReviewIncomplete
		}
		approved++
	}
	if approved == len(VerdictKinds) {
		return ReviewApproved
	}
	return ReviewPending
}

type Acceptance struct {
	SignedOffBy string    `yaml:"signed_off_by" json:"signed_off_by"`
	SignedOffAt time.Time `yaml:"signed_off_at" json:"signed_off_at"`
}

type PhaseTransition struct {
	Seq  int       `yaml:"seq" json:"seq"`
	From Phase     `yaml:"from,omitempty" json:"from,omitempty"`
	To   Phase     `yaml:"to" json:"to"`
	At   time.Time `yaml:"at" json:"at"`
}

type TaskPacket struct {
	ID         string            `yaml:"id" json:"id"`
	Phase      Phase             `yaml:"phase" json:"phase"`
	Contract   Contract          `yaml:"contract" json:"contract"`
	Plan       *Plan             `yaml:"plan,omitempty" json:"plan,omitempty"`
	Review     *Review           `yaml:"review,omitempty" json:"review,omitempty"`
	Acceptance *Acceptance       `yaml:"acceptance,omitempty" json:"acceptance,omitempty"`
	Archived   bool              `yaml:"archived" json:"archived"`
	History    []PhaseTransition `yaml:"history" json:"history"`
	WorkLogSeq int               `yaml:"work_log_seq" json:"work_log_seq"`
	CreatedAt  time.Time         `yaml:"created_at" json:"created_at"`
	UpdatedAt  time.Time         `yaml:"updated_at" json:"updated_at"`
}

// TouchesCode reports whether any planned subtask changes executable code.
func (p *TaskPacket) TouchesCode() bool {
	if p.Plan == nil {
		return false
	}
	for _, s := range p.Plan.Subtasks {
		if s.TouchesCode {
			return true
		}
	}
	return false
}

type EntryKind string

const (
	EntryNote              EntryKind = "note"
	EntryPhase             EntryKind = "phase"
	EntryPlan              EntryKind = "plan"
	EntryDecision          EntryKind = "decision"
	EntryProgress          EntryKind = "progress"
	EntryStatus            EntryKind = "status"
	EntryVerdict           EntryKind = "verdict"
	EntryMisclassification EntryKind = "misclassification"
	EntryBlocked           EntryKind = "blocked"
	EntrySupervision       EntryKind = "supervision"
	EntryCommand           EntryKind = "command"
)

// WorkLogEntry is immutable once appended. Seq is assigned by the store and
// is gap-free per packet.
type WorkLogEntry struct {
	PacketID   string            `yaml:"packet_id" json:"packet_id"`
	Seq        int               `yaml:"seq" json:"seq"`
	Kind       EntryKind         `yaml:"kind" json:"kind"`
	UnitID     string            `yaml:"unit_id,omitempty" json:"unit_id,omitempty"`
	SubtaskID  string            `yaml:"subtask_id,omitempty" json:"subtask_id,omitempty"`
	Role       Role              `yaml:"role,omitempty" json:"role,omitempty"`
	Message    string            `yaml:"message" json:"message"`
	Metadata   map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
	AppendedAt time.Time         `yaml:"appended_at" json:"appended_at"`
}
