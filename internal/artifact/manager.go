// Package artifact moves planning documents from a packet's staging area
// to their permanent {category}/{feature}/{document} location and keeps the
// traceability links between them acyclic.
package artifact

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/kazz187/packetguild/internal/eventbus"
	"github.com/kazz187/packetguild/internal/gate"
	"github.com/kazz187/packetguild/pkg/cerr"
)

type Manager struct {
	repo Repository
	bus  *eventbus.Bus
	now  func() time.Time
	// mu serializes commits so the existence and root checks hold until the
	// artifact is written.
	mu sync.Mutex
}

func NewManager(repo Repository, bus *eventbus.Bus) *Manager {
	return &Manager{repo: repo, bus: bus, now: time.Now}
}

func validateDraft(d *Draft) error {
	if d.Category.Rank() < 0 {
		return cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("unknown category %q", d.Category), nil)
	}
	if !validName(d.Feature) {
		return cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("invalid feature name %q", d.Feature), nil)
	}
	if !validName(d.Document) {
		return cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("invalid document name %q", d.Document), nil)
	}
	if strings.TrimSpace(d.Body) == "" {
		return cerr.NewError(cerr.InvalidArgument, "document body is empty", nil)
	}
	return nil
}

// Stage keeps d under the packet until it is persisted.
func (m *Manager) Stage(ctx context.Context, packetID string, d Draft) (*StagedDraft, error) {
	if err := validateDraft(&d); err != nil {
		return nil, err
	}
	sd := &StagedDraft{Draft: d, PacketID: packetID, StagedAt: m.now()}
	if err := m.repo.SaveDraft(ctx, sd); err != nil {
		return nil, err
	}
	return sd, nil
}

// Drafts lists what a packet has staged, persisted or not.
func (m *Manager) Drafts(ctx context.Context, packetID string) ([]*StagedDraft, error) {
	return m.repo.ListDrafts(ctx, packetID)
}

// Persist commits d at its permanent location. The upstream links must
// point at committed artifacts of the same or an earlier category, and a
// document without links is only accepted as the first requirements
// document of its feature.
func (m *Manager) Persist(ctx context.Context, packetID string, d Draft) (*Artifact, error) {
	if err := validateDraft(&d); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	loc := d.Location()
	exists, err := m.repo.Exists(ctx, loc)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, cerr.NewError(cerr.AlreadyExists, fmt.Sprintf("artifact %s is already committed", loc), nil).
			AddDetailMessageWithCode("amend the artifact to publish a new version", "artifact-immutable")
	}
	upstream, err := m.checkLinks(ctx, d.Category, loc, d.Upstream)
	if err != nil {
		return nil, err
	}
	root := false
	if len(upstream) == 0 {
		root, err = m.isRoot(ctx, d.Category, d.Feature)
		if err != nil {
			return nil, err
		}
		if !root {
			return nil, gate.NewViolation(gate.ArtifactsUnpersisted,
				fmt.Sprintf("%s has no upstream links and is not a root document", loc),
				fmt.Sprintf("link %s to the %s documents it was derived from", loc, upstreamHint(d.Category)))
		}
	}

	a := m.build(packetID, d.Category, d.Feature, d.Document, d.Title, d.Body, upstream)
	a.Root = root
	if err := m.repo.Create(ctx, a); err != nil {
		return nil, err
	}
	m.markStaged(ctx, packetID, d, a)
	m.bus.PublishNew(eventbus.ArtifactPersisted, a.Location, map[string]string{
		"category": string(a.Category), "packet_id": packetID,
	})
	slog.InfoContext(ctx, "artifact: persisted", "location", a.Location, "packet_id", packetID, "upstream", len(upstream))
	return a, nil
}

// PersistStaged persists a draft previously staged for packetID.
func (m *Manager) PersistStaged(ctx context.Context, packetID string, c Category, feature, document string) (*Artifact, error) {
	sd, err := m.repo.GetDraft(ctx, packetID, c, feature, document)
	if err != nil {
		return nil, err
	}
	return m.Persist(ctx, packetID, sd.Draft)
}

// Amend publishes body as a new version of the artifact at location. The
// new artifact inherits the upstream links, names location as superseded,
// and the unified diff between the two bodies is returned.
func (m *Manager) Amend(ctx context.Context, packetID, location, body string) (*Artifact, string, error) {
	if strings.TrimSpace(body) == "" {
		return nil, "", cerr.NewError(cerr.InvalidArgument, "document body is empty", nil)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, err := m.repo.Get(ctx, location)
	if err != nil {
		return nil, "", err
	}
	doc, version, err := m.nextVersion(ctx, prev)
	if err != nil {
		return nil, "", err
	}
	a := m.build(packetID, prev.Category, prev.Feature, doc, prev.Title, body, prev.Upstream)
	a.Version = version
	a.Supersedes = prev.Location
	a.Root = prev.Root
	if err := m.repo.Create(ctx, a); err != nil {
		return nil, "", err
	}

	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(prev.Body + "\n"),
		B:        difflib.SplitLines(a.Body + "\n"),
		FromFile: prev.Location,
		ToFile:   a.Location,
		Context:  3,
	})
	if err != nil {
		return nil, "", cerr.NewError(cerr.Internal, "failed to diff amendment", err)
	}
	m.bus.PublishNew(eventbus.ArtifactPersisted, a.Location, map[string]string{
		"category": string(a.Category), "packet_id": packetID, "supersedes": prev.Location,
	})
	slog.InfoContext(ctx, "artifact: amended", "location", a.Location, "supersedes", prev.Location)
	return a, diff, nil
}

func (m *Manager) Get(ctx context.Context, location string) (*Artifact, error) {
	return m.repo.Get(ctx, location)
}

func (m *Manager) Exists(ctx context.Context, location string) (bool, error) {
	return m.repo.Exists(ctx, location)
}

func (m *Manager) List(ctx context.Context, c Category, feature string) ([]*Artifact, error) {
	if c.Rank() < 0 || !validName(feature) {
		return nil, cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("invalid category or feature %s/%s", c, feature), nil)
	}
	return m.repo.List(ctx, c, feature)
}

// Describe reports what the artifact gate needs to know about location.
func (m *Manager) Describe(ctx context.Context, location string) (gate.ArtifactInfo, error) {
	if _, _, _, err := ParseLocation(location); err != nil {
		return gate.ArtifactInfo{}, nil
	}
	exists, err := m.repo.Exists(ctx, location)
	if err != nil || !exists {
		return gate.ArtifactInfo{}, err
	}
	a, err := m.repo.Get(ctx, location)
	if err != nil {
		return gate.ArtifactInfo{}, err
	}
	return gate.ArtifactInfo{Exists: true, Upstream: len(a.Upstream), Root: a.Root}, nil
}

func (m *Manager) checkLinks(ctx context.Context, c Category, loc string, links []string) ([]string, error) {
	seen := make(map[string]bool, len(links))
	out := make([]string, 0, len(links))
	for _, link := range links {
		if seen[link] {
			continue
		}
		seen[link] = true
		if link == loc {
			return nil, cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("%s links to itself", loc), nil)
		}
		lc, _, _, err := ParseLocation(link)
		if err != nil {
			return nil, cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("invalid upstream link: %s", err), nil)
		}
		if lc.Rank() > c.Rank() {
			return nil, gate.NewViolation(gate.ArtifactsUnpersisted,
				fmt.Sprintf("%s document %s cannot link to later %s document %s", c, loc, lc, link),
				fmt.Sprintf("link only to documents in %s", strings.Join(categoryNames(c), ", ")))
		}
		ok, err := m.repo.Exists(ctx, link)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, gate.NewViolation(gate.ArtifactsUnpersisted,
				fmt.Sprintf("upstream artifact %s is not persisted", link),
				fmt.Sprintf("persist %s before %s", link, loc))
		}
		out = append(out, link)
	}
	return out, nil
}

func (m *Manager) isRoot(ctx context.Context, c Category, feature string) (bool, error) {
	if c != CategoryRequirements {
		return false, nil
	}
	prior, err := m.repo.List(ctx, CategoryRequirements, feature)
	if err != nil {
		return false, err
	}
	return len(prior) == 0, nil
}

func (m *Manager) build(packetID string, c Category, feature, document, title, body string, upstream []string) *Artifact {
	body = strings.TrimRight(body, "\n")
	if title == "" {
		title = document
	}
	return &Artifact{
		Location:    Location(c, feature, document),
		Category:    c,
		Feature:     feature,
		Document:    document,
		Title:       title,
		PacketID:    packetID,
		Upstream:    upstream,
		Version:     1,
		CommittedAt: m.now().UTC().Truncate(time.Second),
		Checksum:    checksum(body),
		Body:        body,
	}
}

var versionSuffix = regexp.MustCompile(`-v(\d+)$`)

// nextVersion picks the first free {base}-vN{ext} name after prev.
func (m *Manager) nextVersion(ctx context.Context, prev *Artifact) (string, int, error) {
	ext := path.Ext(prev.Document)
	base := strings.TrimSuffix(prev.Document, ext)
	version := prev.Version
	if match := versionSuffix.FindStringSubmatch(base); match != nil {
		base = strings.TrimSuffix(base, match[0])
		if n, err := strconv.Atoi(match[1]); err == nil && n > version {
			version = n
		}
	}
	for version++; ; version++ {
		doc := fmt.Sprintf("%s-v%d%s", base, version, ext)
		ok, err := m.repo.Exists(ctx, Location(prev.Category, prev.Feature, doc))
		if err != nil {
			return "", 0, err
		}
		if !ok {
			return doc, version, nil
		}
	}
}

func (m *Manager) markStaged(ctx context.Context, packetID string, d Draft, a *Artifact) {
	sd, err := m.repo.GetDraft(ctx, packetID, d.Category, d.Feature, d.Document)
	if err != nil {
		return
	}
	sd.PersistedAt = a.CommittedAt
	sd.PersistedTo = a.Location
	if err := m.repo.SaveDraft(ctx, sd); err != nil {
		slog.WarnContext(ctx, "artifact: failed to mark draft persisted", "location", a.Location, "error", err)
	}
}

func categoryNames(upTo Category) []string {
	var out []string
	for _, c := range Categories {
		if c.Rank() > upTo.Rank() {
			break
		}
		out = append(out, string(c))
	}
	return out
}

func upstreamHint(c Category) string {
	if c.Rank() <= 0 {
		return "earlier requirements"
	}
	return string(Categories[c.Rank()-1])
}
