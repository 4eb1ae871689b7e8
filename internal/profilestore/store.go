// Package profilestore manages the JSON-file-backed registry of codex
// profiles, each naming a codexHome directory a supervised app-server
// instance runs against.
package profilestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultProfileID is the id of the always-present default profile.
const DefaultProfileID = "default"

// Profile is one row of profiles.json.
type Profile struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CodexHome string    `json:"codexHome"`
	Cwd       string    `json:"cwd,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// profilesFile is the on-disk format of profiles.json.
type profilesFile struct {
	Profiles []Profile `json:"profiles"`
}

// Store manages profiles backed by a single JSON file.
type Store struct {
	mu       sync.Mutex
	path     string
	profiles []Profile
}

// Open loads path (creating a default-only registry if it doesn't exist
// yet), ensures the default profile is present, and returns a ready
// Store.
func Open(path, defaultCodexHome, defaultCwd string) (*Store, error) {
	s := &Store{path: path}
	if err := s.load(); err != nil {
		return nil, err
	}
	if err := s.ensureDefault(defaultCodexHome, defaultCwd); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.profiles = nil
			return nil
		}
		return fmt.Errorf("read profiles file: %w", err)
	}
	var pf profilesFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("parse profiles file: %w", err)
	}
	s.profiles = pf.Profiles
	return nil
}

// save writes the profiles file atomically (tmp + rename), the same
// idiom the rest of this codebase uses for every small JSON document.
func (s *Store) save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create profiles directory: %w", err)
	}
	data, err := json.MarshalIndent(profilesFile{Profiles: s.profiles}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal profiles file: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write profiles file: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// ensureDefault guarantees a profile with id "default" exists,
// creating it from defaultCodexHome/defaultCwd if absent. It is never
// removable once created: Delete refuses to remove it.
func (s *Store) ensureDefault(codexHome, cwd string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.profiles {
		if p.ID == DefaultProfileID {
			return nil
		}
	}
	s.profiles = append(s.profiles, Profile{
		ID:        DefaultProfileID,
		Name:      "Default",
		CodexHome: codexHome,
		Cwd:       cwd,
		CreatedAt: time.Now(),
	})
	return s.save()
}

// List returns all known profiles.
func (s *Store) List() []Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Profile, len(s.profiles))
	copy(out, s.profiles)
	return out
}

// Get returns a single profile by id, or nil if unknown.
func (s *Store) Get(id string) *Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.profiles {
		if p.ID == id {
			cp := p
			return &cp
		}
	}
	return nil
}

// Add registers a new profile, rejecting a duplicate id.
func (s *Store) Add(p Profile) error {
	if p.ID == "" {
		return fmt.Errorf("profile id is required")
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.profiles {
		if existing.ID == p.ID {
			return fmt.Errorf("profile %q already exists", p.ID)
		}
	}
	s.profiles = append(s.profiles, p)
	return s.save()
}

// Delete removes a profile by id. The default profile can never be
// deleted.
func (s *Store) Delete(id string) error {
	if id == DefaultProfileID {
		return fmt.Errorf("the default profile cannot be deleted")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.profiles {
		if p.ID == id {
			s.profiles = append(s.profiles[:i], s.profiles[i+1:]...)
			return s.save()
		}
	}
	return fmt.Errorf("profile %q not found", id)
}
