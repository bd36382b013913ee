// Package speaker resolves per-job diarization clusters to enrolled people and
// maintains the enrollment store their voice centroids live in.
package speaker

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hurrican1/diarization-bot/pkg/logger"
)

// ErrProfileNotFound is returned when deleting or updating an unknown identity.
var ErrProfileNotFound = errors.New("speaker profile not found")

const profileExt = ".json"

// Profile is the enrolled voice of one person.
type Profile struct {
	Name        string    `json:"identity_name"`
	Centroid    []float64 `json:"centroid"`
	SampleCount int       `json:"sample_count"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Snapshot is an immutable view of the store taken at one instant.
// A job resolves against a single snapshot for its whole lifetime.
type Snapshot struct {
	profiles map[string]Profile
	names    []string
}

func newSnapshot(profiles map[string]Profile) *Snapshot {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return &Snapshot{profiles: profiles, names: names}
}

// EmptySnapshot returns a snapshot with no profiles.
func EmptySnapshot() *Snapshot {
	return newSnapshot(map[string]Profile{})
}

// Len returns the number of profiles. A nil snapshot is empty.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.names)
}

// Names returns identity names in lexicographic order.
func (s *Snapshot) Names() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.names...)
}

// Get returns a profile by identity name.
func (s *Snapshot) Get(name string) (Profile, bool) {
	if s == nil {
		return Profile{}, false
	}
	p, ok := s.profiles[name]
	return p, ok
}

// Profiles returns all profiles ordered by name.
func (s *Snapshot) Profiles() []Profile {
	if s == nil {
		return nil
	}
	out := make([]Profile, 0, len(s.names))
	for _, name := range s.names {
		out = append(out, s.profiles[name])
	}
	return out
}

// Store persists profiles as one JSON file per identity.
//
// Readers use Snapshot and never block. Writers serialize on an exclusive lock,
// replace the profile file through a temporary file and rename, then publish a
// new snapshot.
type Store struct {
	dir    string
	mu     sync.Mutex
	snap   atomic.Pointer[Snapshot]
	logger *slog.Logger
}

// OpenStore creates dir if needed and loads every profile in it.
func OpenStore(dir string, log *slog.Logger) (*Store, error) {
	if dir == "" {
		return nil, errors.New("speaker store directory is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create speaker store %s: %w", dir, err)
	}
	s := &Store{dir: dir, logger: logger.OrDefault(log)}
	s.snap.Store(EmptySnapshot())
	if err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the store directory.
func (s *Store) Dir() string { return s.dir }

// Snapshot returns the current immutable view.
func (s *Store) Snapshot() *Snapshot {
	return s.snap.Load()
}

// Load re-reads the directory. Unreadable or invalid files are skipped with a warning.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to read speaker store: %w", err)
	}

	profiles := make(map[string]Profile)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), profileExt) {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		p, err := readProfile(path)
		if err != nil {
			s.logger.Warn("skipping speaker profile", "path", path, "error", err)
			continue
		}
		profiles[p.Name] = p
	}

	s.snap.Store(newSnapshot(profiles))
	s.logger.Info("speaker store loaded", "dir", s.dir, "profiles", len(profiles))
	return nil
}

// Put writes p, replacing any profile with the same name.
func (s *Store) Put(p Profile) error {
	return s.Update(p.Name, func(*Profile) (Profile, error) { return p, nil })
}

// Update applies fn to the current profile (nil when absent) and stores the
// result. fn runs under the exclusive store lock.
func (s *Store) Update(name string, fn func(current *Profile) (Profile, error)) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("speaker name cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.snap.Load()
	var current *Profile
	if p, ok := old.Get(name); ok {
		current = &p
	}

	next, err := fn(current)
	if err != nil {
		return err
	}
	next.Name = name
	if len(next.Centroid) == 0 {
		return fmt.Errorf("speaker %q: empty centroid", name)
	}
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = time.Now().UTC()
	}

	if err := writeProfile(s.pathFor(name), next); err != nil {
		return fmt.Errorf("failed to write speaker %q: %w", name, err)
	}

	profiles := make(map[string]Profile, old.Len()+1)
	for k, v := range old.profiles {
		profiles[k] = v
	}
	profiles[name] = next
	s.snap.Store(newSnapshot(profiles))
	return nil
}

// Delete removes a profile.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.snap.Load()
	if _, ok := old.Get(name); !ok {
		return ErrProfileNotFound
	}
	if err := os.Remove(s.pathFor(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete speaker %q: %w", name, err)
	}

	profiles := make(map[string]Profile, old.Len())
	for k, v := range old.profiles {
		if k != name {
			profiles[k] = v
		}
	}
	s.snap.Store(newSnapshot(profiles))
	return nil
}

// pathFor maps an identity to its file. Names are escaped so that any
// display name (spaces, Cyrillic, slashes) stays inside the store directory.
func (s *Store) pathFor(name string) string {
	return filepath.Join(s.dir, url.PathEscape(name)+profileExt)
}

func readProfile(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, err
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("invalid profile JSON: %w", err)
	}
	if strings.TrimSpace(p.Name) == "" {
		return Profile{}, errors.New("profile has no identity_name")
	}
	if len(p.Centroid) == 0 {
		return Profile{}, errors.New("profile has no centroid")
	}
	return p, nil
}

func writeProfile(path string, p Profile) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(p); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
