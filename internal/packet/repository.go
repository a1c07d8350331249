package packet

import "context"

type Repository interface {
	Create(ctx context.Context, p *TaskPacket) error
	Get(ctx context.Context, id string) (*TaskPacket, error)
	List(ctx context.Context) ([]*TaskPacket, error)
	Update(ctx context.Context, p *TaskPacket) error

	// AppendWorkLog stores e under its sequence number and refuses to
	// overwrite an existing entry.
	AppendWorkLog(ctx context.Context, e *WorkLogEntry) error
	ListWorkLog(ctx context.Context, packetID string, sinceSeq int) ([]*WorkLogEntry, error)

	WriteSnapshot(ctx context.Context, p *TaskPacket, seq int) error
	ListSnapshots(ctx context.Context, packetID string) ([]*TaskPacket, error)
}
