package artifact_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/packetguild/internal/artifact"
	"github.com/kazz187/packetguild/internal/artifact/repositoryimpl"
	"github.com/kazz187/packetguild/internal/gate"
	"github.com/kazz187/packetguild/pkg/cerr"
	"github.com/kazz187/packetguild/pkg/storage"
)

func newManager(t *testing.T) (*artifact.Manager, *storage.LocalStorage) {
	t.Helper()
	st, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	return artifact.NewManager(repositoryimpl.NewMarkdownRepository(st), nil), st
}

func requirements() artifact.Draft {
	return artifact.Draft{
		Category: artifact.CategoryRequirements,
		Feature:  "retry-budget",
		Document: "overview.md",
		Title:    "Retry budget requirements",
		Body:     "# Requirements\n\nRetries are capped at three.\n",
	}
}

func TestPersist_RootRequirementsAndUnlinkedDesign(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)

	root, err := m.Persist(ctx, "pkt-1", requirements())
	require.NoError(t, err)
	assert.True(t, root.Root)
	assert.Equal(t, "requirements/retry-budget/overview.md", root.Location)

	_, err = m.Persist(ctx, "pkt-1", artifact.Draft{
		Category: artifact.CategoryDesign,
		Feature:  "retry-budget",
		Document: "design.md",
		Body:     "# Design\n",
	})
	require.Error(t, err)
	assert.True(t, gate.IsKind(err, gate.ArtifactsUnpersisted))
	assert.True(t, cerr.IsCode(err, cerr.FailedPrecondition))

	exists, err := m.Exists(ctx, "design/retry-budget/design.md")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestPersist_SecondRequirementsNeedsLinks(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)
	_, err := m.Persist(ctx, "pkt-1", requirements())
	require.NoError(t, err)

	second := requirements()
	second.Document = "edge-cases.md"
	_, err = m.Persist(ctx, "pkt-1", second)
	assert.True(t, gate.IsKind(err, gate.ArtifactsUnpersisted))

	second.Upstream = []string{"requirements/retry-budget/overview.md"}
	a, err := m.Persist(ctx, "pkt-1", second)
	require.NoError(t, err)
	assert.False(t, a.Root)
}

func TestPersist_LinkRules(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)
	_, err := m.Persist(ctx, "pkt-1", requirements())
	require.NoError(t, err)

	design := artifact.Draft{
		Category: artifact.CategoryDesign, Feature: "retry-budget", Document: "design.md",
		Body: "# Design\n", Upstream: []string{"requirements/retry-budget/overview.md"},
	}
	_, err = m.Persist(ctx, "pkt-1", design)
	require.NoError(t, err)

	t.Run("missing upstream", func(t *testing.T) {
		d := design
		d.Document = "other.md"
		d.Upstream = []string{"requirements/retry-budget/missing.md"}
		_, err := m.Persist(ctx, "pkt-1", d)
		assert.True(t, gate.IsKind(err, gate.ArtifactsUnpersisted))
	})
	t.Run("link to a later category", func(t *testing.T) {
		_, err := m.Persist(ctx, "pkt-1", artifact.Draft{
			Category: artifact.CategoryRequirements, Feature: "retry-budget", Document: "late.md",
			Body: "x", Upstream: []string{"design/retry-budget/design.md"},
		})
		assert.True(t, gate.IsKind(err, gate.ArtifactsUnpersisted))
	})
	t.Run("committed artifacts are immutable", func(t *testing.T) {
		_, err := m.Persist(ctx, "pkt-1", design)
		assert.True(t, cerr.IsCode(err, cerr.AlreadyExists))
	})
	t.Run("unknown category", func(t *testing.T) {
		d := design
		d.Category = "notes"
		_, err := m.Persist(ctx, "pkt-1", d)
		assert.True(t, cerr.IsCode(err, cerr.InvalidArgument))
	})
	t.Run("path traversal", func(t *testing.T) {
		d := design
		d.Feature = ".."
		_, err := m.Persist(ctx, "pkt-1", d)
		assert.True(t, cerr.IsCode(err, cerr.InvalidArgument))
	})
}

func TestPersist_RendersRelatedDocuments(t *testing.T) {
	ctx := context.Background()
	m, st := newManager(t)
	_, err := m.Persist(ctx, "pkt-1", requirements())
	require.NoError(t, err)
	_, err = m.Persist(ctx, "pkt-1", artifact.Draft{
		Category: artifact.CategoryDesign, Feature: "retry-budget", Document: "design.md",
		Body: "# Design\n", Upstream: []string{"requirements/retry-budget/overview.md"},
	})
	require.NoError(t, err)

	raw, err := st.Read(ctx, "artifacts/design/retry-budget/design.md")
	require.NoError(t, err)
	assert.Contains(t, string(raw), "packetguild:\n")
	assert.Contains(t, string(raw), "## Related Documents\n\n- [requirements/retry-budget/overview.md](../../requirements/retry-budget/overview.md)")

	got, err := m.Get(ctx, "design/retry-budget/design.md")
	require.NoError(t, err)
	assert.Equal(t, "# Design", got.Body)
	assert.Equal(t, []string{"requirements/retry-budget/overview.md"}, got.Upstream)

	info, err := m.Describe(ctx, "design/retry-budget/design.md")
	require.NoError(t, err)
	assert.Equal(t, gate.ArtifactInfo{Exists: true, Upstream: 1}, info)
}

func TestStageAndPersistStaged(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)

	_, err := m.Stage(ctx, "pkt-1", requirements())
	require.NoError(t, err)
	a, err := m.PersistStaged(ctx, "pkt-1", artifact.CategoryRequirements, "retry-budget", "overview.md")
	require.NoError(t, err)

	drafts, err := m.Drafts(ctx, "pkt-1")
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, a.Location, drafts[0].PersistedTo)
}

func TestAmend(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)
	orig, err := m.Persist(ctx, "pkt-1", requirements())
	require.NoError(t, err)

	v2, diff, err := m.Amend(ctx, "pkt-2", orig.Location, "# Requirements\n\nRetries are capped at five.\n")
	require.NoError(t, err)
	assert.Equal(t, "requirements/retry-budget/overview-v2.md", v2.Location)
	assert.Equal(t, orig.Location, v2.Supersedes)
	assert.Equal(t, 2, v2.Version)
	assert.Contains(t, diff, "-Retries are capped at three.")
	assert.Contains(t, diff, "+Retries are capped at five.")

	v3, _, err := m.Amend(ctx, "pkt-2", v2.Location, "# Requirements\n\nNo cap.\n")
	require.NoError(t, err)
	assert.Equal(t, "requirements/retry-budget/overview-v3.md", v3.Location)

	unchanged, err := m.Get(ctx, orig.Location)
	require.NoError(t, err)
	assert.Equal(t, orig.Checksum, unchanged.Checksum)
}
