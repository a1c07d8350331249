package repositoryimpl

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/kazz187/packetguild/internal/artifact"
	"github.com/kazz187/packetguild/pkg/cerr"
	"github.com/kazz187/packetguild/pkg/storage"
)

const artifactsPrefix = "artifacts"

// MarkdownRepository keeps committed artifacts as rendered markdown under
// artifacts/{category}/{feature}/{document} and drafts as YAML under their
// packet.
type MarkdownRepository struct {
	storage storage.Storage
}

func NewMarkdownRepository(s storage.Storage) *MarkdownRepository {
	return &MarkdownRepository{storage: s}
}

func artifactPath(location string) string {
	return fmt.Sprintf("%s/%s", artifactsPrefix, location)
}

func draftsDir(packetID string) string {
	return fmt.Sprintf("packets/%s/staging", packetID)
}

func draftPath(packetID string, c artifact.Category, feature, document string) string {
	return fmt.Sprintf("%s/%s--%s--%s.yaml", draftsDir(packetID), c, feature, document)
}

func (r *MarkdownRepository) Create(ctx context.Context, a *artifact.Artifact) error {
	exists, err := r.Exists(ctx, a.Location)
	if err != nil {
		return err
	}
	if exists {
		return cerr.NewError(cerr.AlreadyExists, fmt.Sprintf("artifact %s is already committed", a.Location), nil).
			AddDetailMessageWithCode("amend the artifact to publish a new version", "artifact-immutable")
	}
	data, err := artifact.Render(a)
	if err != nil {
		return cerr.WrapMarshalError("artifact", err)
	}
	if err := r.storage.Write(ctx, artifactPath(a.Location), data); err != nil {
		return cerr.WrapStorageWriteError("artifact", err)
	}
	return nil
}

func (r *MarkdownRepository) Get(ctx context.Context, location string) (*artifact.Artifact, error) {
	data, err := r.storage.Read(ctx, artifactPath(location))
	if err != nil {
		return nil, cerr.WrapStorageReadError("artifact "+location, err)
	}
	a, err := artifact.Parse(data)
	if err != nil {
		return nil, cerr.WrapUnmarshalError("artifact "+location, err)
	}
	return a, nil
}

func (r *MarkdownRepository) Exists(ctx context.Context, location string) (bool, error) {
	ok, err := r.storage.Exists(ctx, artifactPath(location))
	if err != nil {
		return false, cerr.WrapStorageReadError("artifact "+location, err)
	}
	return ok, nil
}

func (r *MarkdownRepository) List(ctx context.Context, c artifact.Category, feature string) ([]*artifact.Artifact, error) {
	paths, err := r.storage.List(ctx, fmt.Sprintf("%s/%s/%s", artifactsPrefix, c, feature))
	if err != nil {
		return nil, cerr.WrapStorageReadError("artifacts", err)
	}
	out := make([]*artifact.Artifact, 0, len(paths))
	for _, p := range paths {
		data, err := r.storage.Read(ctx, p)
		if err != nil {
			return nil, cerr.WrapStorageReadError("artifact", err)
		}
		a, err := artifact.Parse(data)
		if err != nil {
			return nil, cerr.WrapUnmarshalError("artifact "+p, err)
		}
		out = append(out, a)
	}
	return out, nil
}

func (r *MarkdownRepository) SaveDraft(ctx context.Context, d *artifact.StagedDraft) error {
	data, err := yaml.Marshal(d)
	if err != nil {
		return cerr.WrapMarshalError("draft", err)
	}
	if err := r.storage.Write(ctx, draftPath(d.PacketID, d.Category, d.Feature, d.Document), data); err != nil {
		return cerr.WrapStorageWriteError("draft", err)
	}
	return nil
}

func (r *MarkdownRepository) GetDraft(ctx context.Context, packetID string, c artifact.Category, feature, document string) (*artifact.StagedDraft, error) {
	data, err := r.storage.Read(ctx, draftPath(packetID, c, feature, document))
	if err != nil {
		return nil, cerr.WrapStorageReadError("draft", err)
	}
	var d artifact.StagedDraft
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, cerr.WrapUnmarshalError("draft", err)
	}
	return &d, nil
}

func (r *MarkdownRepository) ListDrafts(ctx context.Context, packetID string) ([]*artifact.StagedDraft, error) {
	paths, err := r.storage.List(ctx, draftsDir(packetID))
	if err != nil {
		return nil, cerr.WrapStorageReadError("drafts", err)
	}
	out := make([]*artifact.StagedDraft, 0, len(paths))
	for _, p := range paths {
		data, err := r.storage.Read(ctx, p)
		if err != nil {
			return nil, cerr.WrapStorageReadError("draft", err)
		}
		var d artifact.StagedDraft
		if err := yaml.Unmarshal(data, &d); err != nil {
			return nil, cerr.WrapUnmarshalError("draft", err)
		}
		out = append(out, &d)
	}
	return out, nil
}
