package agents

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// ProfileIDPattern is the accepted shape of a profile id.
var ProfileIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// ErrStoreUnavailable is returned when the profile file cannot be read or parsed.
var ErrStoreUnavailable = errors.New("profile store unavailable")

type profileFile struct {
	Profiles []*Profile `yaml:"profiles"`
}

// FileStore serves profiles from a YAML file, reloading it when its
// modification time changes. A missing file is an empty store.
type FileStore struct {
	path string

	mu       sync.Mutex
	modTime  time.Time
	size     int64
	profiles map[string]*Profile
	loaded   bool
}

// NewFileStore creates a store backed by path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file.
func (s *FileStore) Path() string { return s.path }

// Resolve returns a copy of the profile with id.
func (s *FileStore) Resolve(ctx context.Context, id string) (*Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	profiles, err := s.current()
	if err != nil {
		return nil, err
	}
	p, ok := profiles[id]
	if !ok {
		return nil, ErrProfileNotFound
	}
	return p.copy(), nil
}

// List returns copies of all profiles sorted by id.
func (s *FileStore) List(ctx context.Context) ([]*Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	profiles, err := s.current()
	if err != nil {
		return nil, err
	}
	out := make([]*Profile, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, p.copy())
	}
	sortProfiles(out)
	return out, nil
}

func (s *FileStore) current() (map[string]*Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return map[string]*Profile{}, nil
	}
	info, err := os.Stat(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.profiles, s.loaded = map[string]*Profile{}, true
		s.modTime, s.size = time.Time{}, 0
		return s.profiles, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if s.loaded && info.ModTime().Equal(s.modTime) && info.Size() == s.size {
		return s.profiles, nil
	}

	profiles, err := loadProfileFile(s.path)
	if err != nil {
		return nil, err
	}
	s.profiles, s.loaded = profiles, true
	s.modTime, s.size = info.ModTime(), info.Size()
	return s.profiles, nil
}

func loadProfileFile(path string) (map[string]*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrStoreUnavailable, path, err)
	}
	var pf profileFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrStoreUnavailable, path, err)
	}
	out := make(map[string]*Profile, len(pf.Profiles))
	for i, p := range pf.Profiles {
		if p == nil {
			continue
		}
		if !ProfileIDPattern.MatchString(p.ID) {
			return nil, fmt.Errorf("%w: %s: profile %d has invalid id %q", ErrStoreUnavailable, path, i, p.ID)
		}
		if _, dup := out[p.ID]; dup {
			return nil, fmt.Errorf("%w: %s: duplicate profile id %q", ErrStoreUnavailable, path, p.ID)
		}
		if p.Name == "" {
			p.Name = p.ID
		}
		out[p.ID] = p
	}
	return out, nil
}

func sortProfiles(ps []*Profile) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].ID < ps[j].ID })
}
