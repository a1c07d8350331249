package artifact

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	ErrMissingFrontMatter   = errors.New("artifact: missing frontmatter")
	ErrMalformedFrontMatter = errors.New("artifact: malformed frontmatter")
)

const relatedHeading = "## Related Documents"

type envelope struct {
	Packetguild frontMatter `yaml:"packetguild"`
}

type frontMatter struct {
	Location   string   `yaml:"location"`
	Title      string   `yaml:"title"`
	Packet     string   `yaml:"packet"`
	Version    int      `yaml:"version"`
	Root       bool     `yaml:"root,omitempty"`
	Upstream   []string `yaml:"upstream,omitempty"`
	Supersedes string   `yaml:"supersedes,omitempty"`
	Committed  string   `yaml:"committed"`
	Checksum   string   `yaml:"checksum"`
}

func checksum(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

// Render writes a as a markdown document: YAML frontmatter, the body, and
// a Related Documents section linking every upstream artifact.
func Render(a *Artifact) ([]byte, error) {
	env := envelope{Packetguild: frontMatter{
		Location:   a.Location,
		Title:      a.Title,
		Packet:     a.PacketID,
		Version:    a.Version,
		Root:       a.Root,
		Upstream:   a.Upstream,
		Supersedes: a.Supersedes,
		Committed:  a.CommittedAt.UTC().Format(time.RFC3339),
		Checksum:   a.Checksum,
	}}
	meta, err := yaml.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("artifact: encode frontmatter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(bytes.TrimRight(meta, "\n"))
	buf.WriteString("\n---\n\n")
	buf.WriteString(strings.TrimRight(a.Body, "\n"))
	buf.WriteString("\n\n" + relatedHeading + "\n\n")
	if a.Supersedes != "" {
		fmt.Fprintf(&buf, "- Supersedes: [%s](%s)\n", a.Supersedes, relativeLink(a.Supersedes))
	}
	for _, up := range a.Upstream {
		fmt.Fprintf(&buf, "- [%s](%s)\n", up, relativeLink(up))
	}
	if a.Supersedes == "" && len(a.Upstream) == 0 {
		buf.WriteString("- None: root document\n")
	}
	return buf.Bytes(), nil
}

// Parse reads a document written by Render.
func Parse(content []byte) (*Artifact, error) {
	normalized := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		return nil, ErrMissingFrontMatter
	}
	parts := bytes.SplitN(normalized[4:], []byte("\n---\n"), 2)
	if len(parts) < 2 {
		return nil, ErrMalformedFrontMatter
	}
	var env envelope
	if err := yaml.Unmarshal(parts[0], &env); err != nil {
		return nil, fmt.Errorf("artifact: parse frontmatter: %w", err)
	}
	fm := env.Packetguild
	c, feature, doc, err := ParseLocation(fm.Location)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedFrontMatter, err)
	}
	committed, err := time.Parse(time.RFC3339, fm.Committed)
	if err != nil {
		return nil, fmt.Errorf("artifact: parse committed timestamp: %w", err)
	}
	body := strings.TrimPrefix(string(parts[1]), "\n")
	if i := strings.LastIndex(body, "\n\n"+relatedHeading+"\n"); i >= 0 {
		body = body[:i]
	}
	return &Artifact{
		Location:    fm.Location,
		Category:    c,
		Feature:     feature,
		Document:    doc,
		Title:       fm.Title,
		PacketID:    fm.Packet,
		Upstream:    fm.Upstream,
		Supersedes:  fm.Supersedes,
		Version:     fm.Version,
		Root:        fm.Root,
		CommittedAt: committed.UTC(),
		Checksum:    fm.Checksum,
		Body:        body,
	}, nil
}

// relativeLink resolves to from the directory of any artifact, which always
// sits two levels below the store root.
func relativeLink(to string) string {
	return path.Join("..", "..", to)
}
