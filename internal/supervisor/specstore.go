package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/roost-sh/roost/internal/types"
)

// SpecStore persists service specs one-per-file under the supervisor's spec
// directory. Dropping a file in loads a service, deleting it unloads one;
// the supervisor watches the directory for both.
type SpecStore struct {
	dir string
}

// NewSpecStore creates the store, making the directory if needed.
func NewSpecStore(dir string) (*SpecStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating spec dir: %w", err)
	}
	return &SpecStore{dir: dir}, nil
}

// Dir returns the spec directory path.
func (s *SpecStore) Dir() string { return s.dir }

// Path returns the spec file path for a service name.
func (s *SpecStore) Path(service string) string {
	return filepath.Join(s.dir, service+".spec")
}

// Load reads and normalizes one spec by service name.
func (s *SpecStore) Load(service string) (*types.ServiceSpec, error) {
	return s.loadFile(s.Path(service))
}

func (s *SpecStore) loadFile(path string) (*types.ServiceSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var spec types.ServiceSpec
	if err := toml.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	if err := spec.Normalize(); err != nil {
		return nil, fmt.Errorf("invalid spec %s: %w", filepath.Base(path), err)
	}
	return &spec, nil
}

// LoadAll reads every spec in the directory, sorted by service name.
// Unparseable files are returned as errors keyed by filename so one bad
// spec does not block the rest.
func (s *SpecStore) LoadAll() ([]*types.ServiceSpec, map[string]error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, map[string]error{s.dir: err}
	}

	var specs []*types.ServiceSpec
	failures := make(map[string]error)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".spec") {
			continue
		}
		spec, err := s.loadFile(filepath.Join(s.dir, name))
		if err != nil {
			failures[name] = err
			continue
		}
		specs = append(specs, spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Ident.Name < specs[j].Ident.Name })
	if len(failures) == 0 {
		failures = nil
	}
	return specs, failures
}

// Save writes a spec atomically under its service name.
func (s *SpecStore) Save(spec *types.ServiceSpec) error {
	if err := spec.Normalize(); err != nil {
		return err
	}
	raw, err := toml.Marshal(spec)
	if err != nil {
		return err
	}
	path := s.Path(spec.Ident.Name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Remove deletes a spec file. Removing an absent spec is not an error.
func (s *SpecStore) Remove(service string) error {
	err := os.Remove(s.Path(service))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
