package repositoryimpl

import (
	"context"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kazz187/packetguild/internal/packet"
	"github.com/kazz187/packetguild/pkg/cerr"
	"github.com/kazz187/packetguild/pkg/storage"
)

const (
	packetsPrefix = "packets"
	workLogPrefix = "worklog"
)

type YAMLRepository struct {
	storage storage.Storage
}

func NewYAMLRepository(s storage.Storage) *YAMLRepository {
	return &YAMLRepository{storage: s}
}

func packetPath(id string) string {
	return fmt.Sprintf("%s/%s.yaml", packetsPrefix, id)
}

func snapshotsDir(id string) string {
	return fmt.Sprintf("%s/%s/snapshots", packetsPrefix, id)
}

func workLogDir(id string) string {
	return fmt.Sprintf("%s/%s", workLogPrefix, id)
}

// Sequence numbers are zero padded so lexical order is append order.
func workLogPath(id string, seq int) string {
	return fmt.Sprintf("%s/%08d.yaml", workLogDir(id), seq)
}

func (r *YAMLRepository) write(ctx context.Context, path, target string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return cerr.WrapMarshalError(target, err)
	}
	if err := r.storage.Write(ctx, path, data); err != nil {
		return cerr.WrapStorageWriteError(target, err)
	}
	return nil
}

func (r *YAMLRepository) Create(ctx context.Context, p *packet.TaskPacket) error {
	exists, err := r.storage.Exists(ctx, packetPath(p.ID))
	if err != nil {
		return cerr.WrapStorageReadError("packet", err)
	}
	if exists {
		return cerr.NewError(cerr.AlreadyExists, "packet already exists", nil)
	}
	return r.write(ctx, packetPath(p.ID), "packet", p)
}

func (r *YAMLRepository) Get(ctx context.Context, id string) (*packet.TaskPacket, error) {
	data, err := r.storage.Read(ctx, packetPath(id))
	if err != nil {
		return nil, cerr.WrapStorageReadError("packet "+id, err)
	}
	var p packet.TaskPacket
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, cerr.WrapUnmarshalError("packet "+id, err)
	}
	return &p, nil
}

func (r *YAMLRepository) List(ctx context.Context) ([]*packet.TaskPacket, error) {
	paths, err := r.storage.List(ctx, packetsPrefix)
	if err != nil {
		return nil, cerr.WrapStorageReadError("packets", err)
	}
	var out []*packet.TaskPacket
	for _, p := range paths {
		if !strings.HasSuffix(p, ".yaml") {
			continue
		}
		data, err := r.storage.Read(ctx, p)
		if err != nil {
			continue
		}
		var pkt packet.TaskPacket
		if err := yaml.Unmarshal(data, &pkt); err != nil {
			continue
		}
		out = append(out, &pkt)
	}
	return out, nil
}

func (r *YAMLRepository) Update(ctx context.Context, p *packet.TaskPacket) error {
	exists, err := r.storage.Exists(ctx, packetPath(p.ID))
	if err != nil {
		return cerr.WrapStorageReadError("packet", err)
	}
	if !exists {
		return cerr.NewError(cerr.NotFound, "packet not found", nil)
	}
	return r.write(ctx, packetPath(p.ID), "packet", p)
}

func (r *YAMLRepository) AppendWorkLog(ctx context.Context, e *packet.WorkLogEntry) error {
	path := workLogPath(e.PacketID, e.Seq)
	exists, err := r.storage.Exists(ctx, path)
	if err != nil {
		return cerr.WrapStorageReadError("work log entry", err)
	}
	if exists {
		return cerr.NewError(cerr.AlreadyExists, fmt.Sprintf("work log entry %d already exists", e.Seq), nil)
	}
	return r.write(ctx, path, "work log entry", e)
}

func (r *YAMLRepository) ListWorkLog(ctx context.Context, packetID string, sinceSeq int) ([]*packet.WorkLogEntry, error) {
	paths, err := r.storage.List(ctx, workLogDir(packetID))
	if err != nil {
		return nil, cerr.WrapStorageReadError("work log", err)
	}
	var out []*packet.WorkLogEntry
	for _, p := range paths {
		data, err := r.storage.Read(ctx, p)
		if err != nil {
			return nil, cerr.WrapStorageReadError("work log entry", err)
		}
		var e packet.WorkLogEntry
		if err := yaml.Unmarshal(data, &e); err != nil {
			return nil, cerr.WrapUnmarshalError("work log entry", err)
		}
		if e.Seq <= sinceSeq {
			continue
		}
		out = append(out, &e)
	}
	return out, nil
}

func (r *YAMLRepository) WriteSnapshot(ctx context.Context, p *packet.TaskPacket, seq int) error {
	path := fmt.Sprintf("%s/%04d-%s.yaml", snapshotsDir(p.ID), seq, strings.ToLower(string(p.Phase)))
	return r.write(ctx, path, "packet snapshot", p)
}

func (r *YAMLRepository) ListSnapshots(ctx context.Context, packetID string) ([]*packet.TaskPacket, error) {
	paths, err := r.storage.List(ctx, snapshotsDir(packetID))
	if err != nil {
		return nil, cerr.WrapStorageReadError("packet snapshots", err)
	}
	out := make([]*packet.TaskPacket, 0, len(paths))
	for _, p := range paths {
		data, err := r.storage.Read(ctx, p)
		if err != nil {
			return nil, cerr.WrapStorageReadError("packet snapshot", err)
		}
		var pkt packet.TaskPacket
		if err := yaml.Unmarshal(data, &pkt); err != nil {
			return nil, cerr.WrapUnmarshalError("packet snapshot", err)
		}
		out = append(out, &pkt)
	}
	return out, nil
}
