package artifact

import "context"

type Repository interface {
	// Create commits a new artifact and refuses to overwrite one.
	Create(ctx context.Context, a *Artifact) error
	Get(ctx context.Context, location string) (*Artifact, error)
	Exists(ctx context.Context, location string) (bool, error)
	List(ctx context.Context, c Category, feature string) ([]*Artifact, error)

	SaveDraft(ctx context.Context, d *StagedDraft) error
	GetDraft(ctx context.Context, packetID string, c Category, feature, document string) (*StagedDraft, error)
	ListDrafts(ctx context.Context, packetID string) ([]*StagedDraft, error)
}
