package status

import (
	"fmt"

	"github.com/kazz187/packetguild/internal/dispatch"
	"github.com/kazz187/packetguild/internal/packet"
)

type UnitReport struct {
	ID        string              `json:"id"`
	PacketID  string              `json:"packet_id"`
	Role      packet.Role         `json:"role"`
	SubtaskID string              `json:"subtask_id"`
	Status    dispatch.UnitStatus `json:"status"`
	Blockers  []string            `json:"blockers,omitempty"`
}

// Report summarizes every worker unit the dispatcher has started.
type Report struct {
	Summary   string       `json:"summary"`
	Total     int          `json:"total"`
	Completed int          `json:"completed"`
	Active    int          `json:"active"`
	Blocked   int          `json:"blocked"`
	Failed    int          `json:"failed"`
	Units     []UnitReport `json:"units"`
}

func BuildReport(units []dispatch.Unit) *Report {
	r := &Report{Total: len(units), Units: make([]UnitReport, 0, len(units))}
	for _, u := range units {
		switch u.Status {
		case dispatch.UnitDone:
			r.Completed++
		case dispatch.UnitRunning:
			r.Active++
		case dispatch.UnitBlocked:
			r.Blocked++
		case dispatch.UnitFailed:
			r.Failed++
		}
		r.Units = append(r.Units, UnitReport{
			ID:        u.ID,
			PacketID:  u.PacketID,
			Role:      u.Role,
			SubtaskID: u.SubtaskID,
			Status:    u.Status,
			Blockers:  u.Blockers,
		})
	}
	r.Summary = fmt.Sprintf("%d/%d completed, %d active, %d blocked", r.Completed, r.Total, r.Active, r.Blocked)
	return r
}
