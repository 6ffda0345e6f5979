package registry

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/roach88/patchkit/internal/version"
)

// Memory is an in-process module and feature registry.
//
// Repository files are read from SystemDir when added. Thread-safety: all
// methods are safe for concurrent use via internal mutex.
type Memory struct {
	// SystemDir is the module repository used to resolve repository uris.
	SystemDir string

	mu       sync.Mutex
	modules  map[string]Module
	repos    map[string]Repository
	features map[string]bool
	calls    []string
}

// NewMemory creates an empty registry.
func NewMemory(systemDir string) *Memory {
	return &Memory{
		SystemDir: systemDir,
		modules:   make(map[string]Module),
		repos:     make(map[string]Repository),
		features:  make(map[string]bool),
	}
}

// AddModule registers an installed module directly.
func (m *Memory) AddModule(mod Module) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mod.State == "" {
		mod.State = StateActive
	}
	mod.Location = version.CanonicalLocation(mod.Location)
	m.modules[mod.Location] = mod
}

// PutRepository registers a repository directly, with installed flags.
func (m *Memory) PutRepository(r Repository) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.URI = version.CanonicalLocation(r.URI)
	m.repos[r.URI] = r
	for _, f := range r.Features {
		if f.Installed {
			m.features[FeatureID(f.Name, f.Version)] = true
		}
	}
}

// Calls returns the recorded mutating calls in order.
func (m *Memory) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *Memory) record(format string, args ...any) {
	m.calls = append(m.calls, fmt.Sprintf(format, args...))
}

func (m *Memory) ListInstalledModules(_ context.Context) ([]Module, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Module, 0, len(m.modules))
	for _, mod := range m.modules {
		out = append(out, mod)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Location < out[j].Location
	})
	return out, nil
}

// Install registers the module at location. Name and version come from the
// mvn coordinates; other locations of the same module are left alone.
func (m *Memory) Install(_ context.Context, location string) (Module, error) {
	a, err := version.ParseMvnURI(location)
	if err != nil {
		return Module{}, fmt.Errorf("install %s: %w", location, err)
	}
	v, err := a.ParsedVersion()
	if err != nil {
		return Module{}, fmt.Errorf("install %s: %w", location, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	mod := Module{Name: a.ArtifactID, Version: v.String(), Location: a.URI(), State: StateInstalled}
	m.modules[mod.Location] = mod
	m.record("install %s", mod.Location)
	return mod, nil
}

func (m *Memory) Start(_ context.Context, location string) error {
	return m.setState(location, StateActive, "start")
}

func (m *Memory) Stop(_ context.Context, location string) error {
	return m.setState(location, StateResolved, "stop")
}

func (m *Memory) setState(location string, st ModuleState, op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := version.CanonicalLocation(location)
	mod, ok := m.modules[key]
	if !ok {
		return fmt.Errorf("%s %s: %w", op, location, ErrNotFound)
	}
	mod.State = st
	m.modules[key] = mod
	m.record("%s %s", op, key)
	return nil
}

func (m *Memory) Uninstall(_ context.Context, location string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := version.CanonicalLocation(location)
	if _, ok := m.modules[key]; !ok {
		return fmt.Errorf("uninstall %s: %w", location, ErrNotFound)
	}
	delete(m.modules, key)
	m.record("uninstall %s", key)
	return nil
}

func (m *Memory) ListFeatureRepositories(_ context.Context) ([]Repository, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Repository, 0, len(m.repos))
	for _, r := range m.repos {
		feats := make([]Feature, len(r.Features))
		for i, f := range r.Features {
			f.Installed = m.features[FeatureID(f.Name, f.Version)]
			feats[i] = f
		}
		r.Features = feats
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out, nil
}

// AddRepository loads the repository file from SystemDir.
func (m *Memory) AddRepository(_ context.Context, uri string) error {
	rel, err := LocateRepository(m.SystemDir, uri)
	if err != nil {
		return fmt.Errorf("add repository %s: %w", uri, err)
	}
	repo, err := LoadRepositoryFile(filepath.FromSlash(rel), uri)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.repos[repo.URI] = *repo
	m.record("add-repository %s", repo.URI)
	return nil
}

func (m *Memory) RemoveRepository(_ context.Context, uri string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	uri = version.CanonicalLocation(uri)
	if _, ok := m.repos[uri]; !ok {
		return fmt.Errorf("remove repository %s: %w", uri, ErrNotFound)
	}
	delete(m.repos, uri)
	m.record("remove-repository %s", uri)
	return nil
}

// InstallFeatures marks features installed. Ids are "name" or
// "name/version"; a bare name matches any version.
func (m *Memory) InstallFeatures(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		name, ver, _ := strings.Cut(id, "/")
		found := false
		for _, r := range m.repos {
			for _, f := range r.Features {
				if f.Name == name && (ver == "" || f.Version == ver) {
					m.features[FeatureID(f.Name, f.Version)] = true
					found = true
				}
			}
		}
		if !found {
			return fmt.Errorf("install feature %s: %w", id, ErrNotFound)
		}
	}
	m.record("install-features %s", strings.Join(ids, ","))
	return nil
}

func (m *Memory) Refresh(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("refresh")
	return nil
}
