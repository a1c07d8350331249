package artifact

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

type Category string

const (
	CategoryRequirements   Category = "requirements"
	CategoryDesign         Category = "design"
	CategoryArchitecture   Category = "architecture"
	CategoryDecisions      Category = "decisions"
	CategoryRetrospectives Category = "retrospectives"
)

// Categories is the traceability order: a document may only link to
// documents of its own category or an earlier one.
var Categories = []Category{
	CategoryRequirements, CategoryDesign, CategoryArchitecture, CategoryDecisions, CategoryRetrospectives,
}

// Rank returns the position of c in Categories, or -1.
func (c Category) Rank() int {
	for i, v := range Categories {
		if v == c {
			return i
		}
	}
	return -1
}

// Draft is an ephemeral document produced while planning.
type Draft struct {
	Category Category `yaml:"category" json:"category"`
	Feature  string   `yaml:"feature" json:"feature"`
	Document string   `yaml:"document" json:"document"`
	Title    string   `yaml:"title" json:"title"`
	Body     string   `yaml:"body" json:"body"`
	Upstream []string `yaml:"upstream,omitempty" json:"upstream,omitempty"`
}

func (d *Draft) Location() string {
	return Location(d.Category, d.Feature, d.Document)
}

// StagedDraft is a draft kept under its packet until it is persisted.
type StagedDraft struct {
	Draft       `yaml:",inline"`
	PacketID    string    `yaml:"packet_id"`
	StagedAt    time.Time `yaml:"staged_at"`
	PersistedAt time.Time `yaml:"persisted_at,omitempty"`
	PersistedTo string    `yaml:"persisted_to,omitempty"`
}

// Artifact is a committed document. It is never rewritten; amendments are
// new artifacts that name the one they supersede.
type Artifact struct {
	Location    string    `json:"location"`
	Category    Category  `json:"category"`
	Feature     string    `json:"feature"`
	Document    string    `json:"document"`
	Title       string    `json:"title"`
	PacketID    string    `json:"packet_id"`
	Upstream    []string  `json:"upstream"`
	Supersedes  string    `json:"supersedes,omitempty"`
	Version     int       `json:"version"`
	Root        bool      `json:"root"`
	CommittedAt time.Time `json:"committed_at"`
	Checksum    string    `json:"checksum"`
	Body        string    `json:"body"`
}

func Location(c Category, feature, document string) string {
	return fmt.Sprintf("%s/%s/%s", c, feature, document)
}

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

func validName(s string) bool {
	return namePattern.MatchString(s) && !strings.Contains(s, "..")
}

// ParseLocation splits a location into its three parts and validates them.
func ParseLocation(loc string) (Category, string, string, error) {
	parts := strings.Split(loc, "/")
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("location %q is not {category}/{feature}/{document}", loc)
	}
	c := Category(parts[0])
	if c.Rank() < 0 {
		return "", "", "", fmt.Errorf("unknown category %q", parts[0])
	}
	if !validName(parts[1]) || !validName(parts[2]) {
		return "", "", "", fmt.Errorf("location %q has an invalid feature or document name", loc)
	}
	return c, parts[1], parts[2], nil
}
