// Package registry defines the host module and feature registries that
// activate installed updates, and the feature repository file format.
//
// The registries are collaborators: the patch engine only lists what is
// installed and hands over instructions. Memory is a complete in-process
// implementation used by simulations and tests; the store package provides
// a SQLite-backed one for the command line.
package registry

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/patchkit/internal/version"
)

// ModuleState is the lifecycle state of an installed module.
type ModuleState string

const (
	StateInstalled ModuleState = "INSTALLED"
	StateResolved  ModuleState = "RESOLVED"
	StateActive    ModuleState = "ACTIVE"
)

// Module is an installed module.
type Module struct {
	Name     string      `json:"name"`
	Version  string      `json:"version"`
	Location string      `json:"location"`
	State    ModuleState `json:"state"`
}

// Feature is a named set of modules declared by a feature repository.
type Feature struct {
	Name      string   `yaml:"name" json:"name"`
	Version   string   `yaml:"version" json:"version"`
	Bundles   []string `yaml:"bundles,omitempty" json:"bundles,omitempty"`
	Installed bool     `yaml:"-" json:"installed"`
}

// Repository is a feature repository, identified by its location.
type Repository struct {
	URI      string    `json:"uri"`
	Name     string    `json:"name"`
	Features []Feature `json:"features"`
}

// Artifact parses the repository location.
func (r Repository) Artifact() (version.Artifact, error) {
	return version.ParseMvnURI(r.URI)
}

// Feature returns the named feature.
func (r Repository) Feature(name string) (Feature, bool) {
	for _, f := range r.Features {
		if f.Name == name {
			return f, true
		}
	}
	return Feature{}, false
}

// InstalledFeatures returns the features marked installed.
func (r Repository) InstalledFeatures() []Feature {
	var out []Feature
	for _, f := range r.Features {
		if f.Installed {
			out = append(out, f)
		}
	}
	return out
}

// ErrNotFound is returned for unknown modules or repositories.
var ErrNotFound = errors.New("not found")

// ModuleRegistry starts, stops, installs and uninstalls deployed modules.
//
// Modules are identified by their canonical location, so release lines of
// one module can be installed side by side.
type ModuleRegistry interface {
	ListInstalledModules(ctx context.Context) ([]Module, error)
	Install(ctx context.Context, location string) (Module, error)
	Start(ctx context.Context, location string) error
	Stop(ctx context.Context, location string) error
	Uninstall(ctx context.Context, location string) error
}

// FeatureRegistry manages feature repositories and installed features.
type FeatureRegistry interface {
	ListFeatureRepositories(ctx context.Context) ([]Repository, error)
	AddRepository(ctx context.Context, uri string) error
	RemoveRepository(ctx context.Context, uri string) error
	InstallFeatures(ctx context.Context, ids []string) error
	Refresh(ctx context.Context) error
}

// FeatureID is the "name/version" form passed to InstallFeatures.
func FeatureID(name, ver string) string {
	if ver == "" {
		return name
	}
	return name + "/" + ver
}

// repositoryFile is the YAML layout of a feature repository file.
type repositoryFile struct {
	Name     string    `yaml:"name"`
	Features []Feature `yaml:"features"`
}

// LoadRepositoryFile reads a YAML feature repository file and labels it with
// uri.
func LoadRepositoryFile(path, uri string) (*Repository, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load feature repository %s: %w", uri, err)
	}
	return ParseRepository(data, uri)
}

// ParseRepository decodes a YAML feature repository.
func ParseRepository(data []byte, uri string) (*Repository, error) {
	var f repositoryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse feature repository %s: %w", uri, err)
	}
	repo := &Repository{URI: version.CanonicalLocation(uri), Name: f.Name, Features: f.Features}
	for i, feat := range repo.Features {
		if feat.Name == "" {
			return nil, fmt.Errorf("parse feature repository %s: feature %d has no name", uri, i)
		}
		for j, b := range feat.Bundles {
			repo.Features[i].Bundles[j] = version.CanonicalLocation(b)
		}
	}
	if repo.Name == "" {
		if a, err := repo.Artifact(); err == nil {
			repo.Name = a.ArtifactID
		}
	}
	return repo, nil
}

// LocateRepository returns the path of a repository file below a module
// repository directory.
func LocateRepository(systemDir, uri string) (string, error) {
	a, err := version.ParseMvnURI(uri)
	if err != nil {
		return "", err
	}
	return systemDir + "/" + a.Path(), nil
}
