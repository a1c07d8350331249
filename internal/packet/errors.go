package packet

import (
	"errors"
	"fmt"

	"github.com/kazz187/packetguild/pkg/cerr"
)

var (
	// ErrPhaseViolation marks an attempt to skip or regress a phase, or to
	// run an operation outside the phase that owns it.
	ErrPhaseViolation = errors.New("phase violation")
	// ErrReviewIncomplete is matched by gate violations that leave the
	// review outcome INCOMPLETE.
	ErrReviewIncomplete = errors.New("review incomplete")
)

func phaseViolation(from, to Phase) error {
	remediation := "packet is archived; no further transitions exist"
	if next, ok := from.Next(); ok {
		remediation = fmt.Sprintf("advance one phase at a time; the next phase is %s", next)
	}
	return cerr.NewError(cerr.FailedPrecondition,
		fmt.Sprintf("cannot move packet from %s to %s", from, to), ErrPhaseViolation).
		AddDetailMessageWithCode(remediation, "phase-violation")
}

func wrongPhase(op string, want, got Phase) error {
	return cerr.NewError(cerr.FailedPrecondition,
		fmt.Sprintf("%s is only allowed in %s, packet is in %s", op, want, got), ErrPhaseViolation).
		AddDetailMessageWithCode(fmt.Sprintf("move the packet to %s first", want), "phase-violation")
}
