// Package skillstore holds the small set of operator-authored skill
// documents the ManagementAPI exposes CRUD over: one markdown file per
// skill, YAML frontmatter followed by free-form instruction content.
// Grounded on the teacher's internal/skills frontmatter format
// (parser.go's extractFrontmatter/Frontmatter) trimmed to just the
// name/description fields this system's ManagementAPI route needs —
// the teacher's eligibility/audit/installer machinery governs which
// third-party skills may run unattended and has no equivalent here.
package skillstore

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mkessler/gateway/internal/config"
	"github.com/mkessler/gateway/internal/logging"
)

var nameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Skill is one CRUD-managed skill document.
type Skill struct {
	Name        string    `yaml:"-"`
	Description string    `yaml:"description"`
	Content     string    `yaml:"-"`
	CreatedAt   time.Time `yaml:"-"`
	UpdatedAt   time.Time `yaml:"-"`
}

type frontmatter struct {
	Description string `yaml:"description"`
	CreatedAt   string `yaml:"createdAt,omitempty"`
}

// Store manages skill files under a directory, one <name>.md per skill.
type Store struct {
	dir string
}

// New creates a Store rooted at dir. The directory is created on the
// first write if absent.
func New(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name+".md")
}

// List returns every skill, sorted by name.
func (s *Store) List() ([]Skill, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("skillstore: failed to list: %w", err)
	}
	var out []Skill
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".md")
		sk, err := s.Get(name)
		if err != nil {
			logging.L_warn("skillstore: skipping unreadable skill", "name", name, "error", err)
			continue
		}
		out = append(out, *sk)
	}
	return out, nil
}

// Get loads one skill by name.
func (s *Store) Get(name string) (*Skill, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		return nil, fmt.Errorf("skillstore: failed to read %q: %w", name, err)
	}
	info, err := os.Stat(s.path(name))
	if err != nil {
		return nil, fmt.Errorf("skillstore: failed to stat %q: %w", name, err)
	}
	fm, body, err := extractFrontmatter(data)
	if err != nil {
		return &Skill{Name: name, Content: string(data), UpdatedAt: info.ModTime()}, nil
	}
	createdAt := info.ModTime()
	if fm.CreatedAt != "" {
		if t, err := time.Parse(time.RFC3339, fm.CreatedAt); err == nil {
			createdAt = t
		}
	}
	return &Skill{
		Name: name, Description: fm.Description, Content: body,
		CreatedAt: createdAt, UpdatedAt: info.ModTime(),
	}, nil
}

// Create writes a new skill. Fails if one with the same name exists.
func (s *Store) Create(name, description, content string) (*Skill, error) {
	if !nameRe.MatchString(name) {
		return nil, fmt.Errorf("skillstore: %q is not a valid skill name", name)
	}
	if _, err := os.Stat(s.path(name)); err == nil {
		return nil, fmt.Errorf("skillstore: skill %q already exists", name)
	}
	now := time.Now().UTC().Truncate(time.Second)
	if err := s.write(name, description, content, now); err != nil {
		return nil, err
	}
	return &Skill{Name: name, Description: description, Content: content, CreatedAt: now, UpdatedAt: now}, nil
}

// Update overwrites an existing skill's description and/or content.
// Passing an empty description leaves the existing one unchanged is NOT
// supported — callers must pass the full desired state, matching the
// ManagementAPI's PUT-replaces-whole-resource convention.
func (s *Store) Update(name, description, content string) (*Skill, error) {
	existing, err := s.Get(name)
	if err != nil {
		return nil, err
	}
	if err := s.write(name, description, content, existing.CreatedAt); err != nil {
		return nil, err
	}
	now := time.Now()
	return &Skill{Name: name, Description: description, Content: content, CreatedAt: existing.CreatedAt, UpdatedAt: now}, nil
}

// Delete removes a skill. Not an error if it does not exist.
func (s *Store) Delete(name string) error {
	if err := os.Remove(s.path(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("skillstore: failed to delete %q: %w", name, err)
	}
	return nil
}

func (s *Store) write(name, description, content string, createdAt time.Time) error {
	if err := os.MkdirAll(s.dir, 0750); err != nil {
		return fmt.Errorf("skillstore: failed to create directory: %w", err)
	}
	fm := frontmatter{Description: description, CreatedAt: createdAt.UTC().Format(time.RFC3339)}
	fmBytes, err := yaml.Marshal(fm)
	if err != nil {
		return fmt.Errorf("skillstore: failed to marshal frontmatter: %w", err)
	}
	doc := "---\n" + string(fmBytes) + "---\n\n" + content
	if err := config.AtomicWrite(s.path(name), []byte(doc), 0600); err != nil {
		return fmt.Errorf("skillstore: failed to write %q: %w", name, err)
	}
	return nil
}

// extractFrontmatter splits a "---\n<yaml>\n---\n<body>" document.
func extractFrontmatter(content []byte) (frontmatter, string, error) {
	s := string(content)
	if !strings.HasPrefix(s, "---\n") {
		return frontmatter{}, s, fmt.Errorf("skillstore: no frontmatter delimiter")
	}
	rest := s[4:]
	idx := strings.Index(rest, "\n---\n")
	if idx < 0 {
		return frontmatter{}, s, fmt.Errorf("skillstore: unterminated frontmatter")
	}
	var fm frontmatter
	if err := yaml.Unmarshal([]byte(rest[:idx]), &fm); err != nil {
		return frontmatter{}, s, fmt.Errorf("skillstore: invalid frontmatter yaml: %w", err)
	}
	body := strings.TrimPrefix(rest[idx+5:], "\n")
	return fm, body, nil
}
