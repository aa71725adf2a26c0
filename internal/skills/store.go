package skills

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"
)

// ErrUnknownSkill marks reads of skills that are not installed.
var ErrUnknownSkill = errors.New("unknown skill")

var nameRe = regexp.MustCompile(`^[a-z0-9-]{1,64}$`)

// MaxContentSize caps one skill document.
const MaxContentSize = 512 * 1024

// Skill is the listable metadata of one installed skill.
type Skill struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Size        int64     `json:"size"`
	InstalledAt time.Time `json:"installedAt"`
}

// metadata is the sidecar file written next to each skill document.
type metadata struct {
	Description string    `json:"description,omitempty"`
	InstalledAt time.Time `json:"installedAt"`
}

// Store keeps skills as directories under a root: each skill owns
// <root>/<name>/SKILL.md plus a skill.json metadata sidecar.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates a store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create skills dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// List returns installed skills sorted by name.
func (s *Store) List() ([]Skill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list skills: %w", err)
	}

	var out []Skill
	for _, entry := range entries {
		if !entry.IsDir() || !nameRe.MatchString(entry.Name()) {
			continue
		}
		skill, err := s.statLocked(entry.Name())
		if err != nil {
			continue
		}
		out = append(out, skill)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Read returns the skill's document content.
func (s *Store) Read(name string) (string, error) {
	if !nameRe.MatchString(name) {
		return "", fmt.Errorf("invalid skill name %q", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.contentPath(name))
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrUnknownSkill, name)
	}
	if err != nil {
		return "", fmt.Errorf("read skill %q: %w", name, err)
	}
	return string(raw), nil
}

// Install writes or replaces a skill.
func (s *Store) Install(name, description, content string) (Skill, error) {
	if !nameRe.MatchString(name) {
		return Skill{}, fmt.Errorf("invalid skill name %q", name)
	}
	if len(content) == 0 {
		return Skill{}, fmt.Errorf("skill content is empty")
	}
	if len(content) > MaxContentSize {
		return Skill{}, fmt.Errorf("skill content too large: %d bytes", len(content))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.dir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Skill{}, fmt.Errorf("install skill %q: %w", name, err)
	}
	if err := os.WriteFile(s.contentPath(name), []byte(content), 0o644); err != nil {
		return Skill{}, fmt.Errorf("install skill %q: %w", name, err)
	}

	meta := metadata{Description: description, InstalledAt: time.Now().UTC()}
	raw, err := json.Marshal(meta)
	if err != nil {
		return Skill{}, fmt.Errorf("install skill %q: %w", name, err)
	}
	if err := os.WriteFile(s.metaPath(name), raw, 0o644); err != nil {
		return Skill{}, fmt.Errorf("install skill %q: %w", name, err)
	}

	return s.statLocked(name)
}

// Uninstall removes a skill entirely.
func (s *Store) Uninstall(name string) error {
	if !nameRe.MatchString(name) {
		return fmt.Errorf("invalid skill name %q", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.dir, name)
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrUnknownSkill, name)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("uninstall skill %q: %w", name, err)
	}
	return nil
}

func (s *Store) contentPath(name string) string {
	return filepath.Join(s.dir, name, "SKILL.md")
}

func (s *Store) metaPath(name string) string {
	return filepath.Join(s.dir, name, "skill.json")
}

func (s *Store) statLocked(name string) (Skill, error) {
	info, err := os.Stat(s.contentPath(name))
	if err != nil {
		return Skill{}, fmt.Errorf("%w: %s", ErrUnknownSkill, name)
	}

	skill := Skill{Name: name, Size: info.Size()}
	if raw, err := os.ReadFile(s.metaPath(name)); err == nil {
		var meta metadata
		if json.Unmarshal(raw, &meta) == nil {
			skill.Description = meta.Description
			skill.InstalledAt = meta.InstalledAt
		}
	}
	return skill, nil
}
