// Package status answers read-only queries about packets, units and the
// checkpoint. Nothing here mutates state.
package status

import (
	"context"

	"github.com/kazz187/packetguild/internal/checkpoint"
	"github.com/kazz187/packetguild/internal/dispatch"
	"github.com/kazz187/packetguild/internal/gate"
	"github.com/kazz187/packetguild/internal/packet"
)

type UnitLister interface {
	Units() []dispatch.Unit
}

type CheckpointStatus interface {
	Status(ctx context.Context) (*checkpoint.Status, error)
}

type Service struct {
	store      *packet.Store
	gates      *gate.Enforcer
	units      UnitLister
	checkpoint CheckpointStatus
}

// NewService builds a query service. units and cp may be nil when the
// process does not run a dispatcher or a monitor.
func NewService(store *packet.Store, gates *gate.Enforcer, units UnitLister, cp CheckpointStatus) *Service {
	return &Service{store: store, gates: gates, units: units, checkpoint: cp}
}

func (s *Service) Packets(ctx context.Context, phase packet.Phase) ([]*packet.TaskPacket, error) {
	return s.store.List(ctx, packet.ListFilter{Phase: phase})
}

func (s *Service) Packet(ctx context.Context, id string) (*packet.TaskPacket, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) WorkLog(ctx context.Context, id string, sinceSeq int) ([]*packet.WorkLogEntry, error) {
	return s.store.WorkLog(ctx, id, sinceSeq)
}

func (s *Service) Gates(ctx context.Context, id string) ([]gate.GateStatus, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.gates.Status(ctx, p)
}

func (s *Service) Units() []dispatch.Unit {
	if s.units == nil {
		return []dispatch.Unit{}
	}
	return s.units.Units()
}

func (s *Service) Checkpoint(ctx context.Context) (*checkpoint.Status, error) {
	if s.checkpoint == nil {
		return &checkpoint.Status{}, nil
	}
	return s.checkpoint.Status(ctx)
}

func (s *Service) Report() *Report {
	return BuildReport(s.Units())
}
