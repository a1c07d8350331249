package gate

import (
	"errors"
	"fmt"

	"github.com/kazz187/packetguild/internal/packet"
	"github.com/kazz187/packetguild/pkg/cerr"
)

type Kind string

const (
	StrategyUndocumented Kind = "strategy-undocumented"
	ArtifactsUnpersisted Kind = "artifacts-unpersisted"
	WorkIncomplete       Kind = "work-incomplete"
	ReviewIncomplete     Kind = "review-incomplete"
	TaskPacketMissing    Kind = "task-packet-missing"
)

// Violation names the unmet precondition of a gate and what clears it.
type Violation struct {
	Kind         Kind
	Precondition string
	Remediation  string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("gate %s: %s", v.Kind, v.Precondition)
}

func (v *Violation) Is(target error) bool {
	return v.Kind == ReviewIncomplete && target == packet.ErrReviewIncomplete
}

// NewViolation returns the violation wrapped for callers: a
// FailedPrecondition error whose detail carries the gate kind as rule id
// and the remediation as message.
func NewViolation(kind Kind, precondition, remediation string) error {
	return wrap(&Violation{Kind: kind, Precondition: precondition, Remediation: remediation})
}

func wrap(v *Violation) error {
	return cerr.NewError(cerr.FailedPrecondition, v.Precondition, v).
		AddDetailMessageWithCode(v.Remediation, string(v.Kind))
}

// AsViolation extracts the violation carried by err.
func AsViolation(err error) (*Violation, bool) {
	var v *Violation
	if errors.As(err, &v) {
		return v, true
	}
	return nil, false
}

// IsKind reports whether err is a violation of kind.
func IsKind(err error, kind Kind) bool {
	v, ok := AsViolation(err)
	return ok && v.Kind == kind
}
