package patch

import (
	"fmt"
	"sort"
	"time"

	"github.com/roach88/patchkit/internal/version"
)

// Kind is the closed set of patch kinds.
type Kind int

const (
	KindNonRollup Kind = iota
	KindRollup
)

func (k Kind) String() string {
	if k == KindRollup {
		return "ROLLUP"
	}
	return "NON_ROLLUP"
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "ROLLUP":
		*k = KindRollup
	case "NON_ROLLUP", "":
		*k = KindNonRollup
	default:
		return fmt.Errorf("unknown patch kind %q", b)
	}
	return nil
}

// PendingState marks a rollup install or rollback whose activation has not
// completed yet.
type PendingState string

const (
	PendingNone           PendingState = "NONE"
	PendingRollupInstall  PendingState = "ROLLUP_INSTALL_PENDING"
	PendingRollupRollback PendingState = "ROLLUP_ROLLBACK_PENDING"
)

// ModuleUpdate describes one module replacement. An empty NewVersion means
// "no update": the module must be reinstalled as-is after a rollup.
type ModuleUpdate struct {
	Name             string `json:"name"`
	UpdatableVersion string `json:"updatable_version"`
	PreviousVersion  string `json:"previous_version"`
	PreviousLocation string `json:"previous_location"`
	NewVersion       string `json:"new_version,omitempty"`
	NewLocation      string `json:"new_location,omitempty"`

	// Independent is false when a FeatureUpdate already implies this update
	// or the module is a core module.
	Independent bool `json:"independent"`

	// Core is set for core modules keyed by name alone.
	Core bool `json:"core,omitempty"`
}

// Key is the update key: name alone for core modules, otherwise
// name plus floor version.
func (u ModuleUpdate) Key() version.Key {
	if u.Core {
		return version.CoreKey(u.Name)
	}
	return version.Key(version.StripQualifiers(u.Name) + "|" + u.UpdatableVersion)
}

// Reinstall reports whether this is a reinstall-as-is entry.
func (u ModuleUpdate) Reinstall() bool { return u.NewVersion == "" }

// FeatureUpdate remaps an installed feature (or, with an empty Name, a whole
// repository) to a new repository. An empty NewVersion with a Name means the
// feature was removed by the patch.
type FeatureUpdate struct {
	Name               string `json:"name,omitempty"`
	PreviousRepository string `json:"previous_repository"`
	PreviousVersion    string `json:"previous_version,omitempty"`
	NewRepository      string `json:"new_repository,omitempty"`
	NewVersion         string `json:"new_version,omitempty"`
}

// Removed reports whether the feature disappeared in the new repository.
func (u FeatureUpdate) Removed() bool { return u.Name != "" && u.NewVersion == "" }

// Unchanged reports whether the update only preserves an installed feature.
func (u FeatureUpdate) Unchanged() bool {
	return u.PreviousRepository == u.NewRepository && u.PreviousVersion == u.NewVersion
}

// Report summarises a record.
type Report struct {
	Updated     int `json:"updated"`
	Removed     int `json:"removed"`
	Overridden  int `json:"overridden"`
	Reinstalled int `json:"reinstalled"`
}

// Record is the mutable result of installing (or simulating) one patch.
// It is persisted only after the enclosing transaction commits.
type Record struct {
	PatchID     string          `json:"patch_id"`
	Kind        Kind            `json:"kind"`
	Simulation  bool            `json:"simulation"`
	InstalledAt time.Time       `json:"installed_at"`
	Modules     []ModuleUpdate  `json:"modules"`
	Features    []FeatureUpdate `json:"features"`
	Pending     PendingState    `json:"pending"`
	Report      Report          `json:"report"`

	// Children maps a dependent sub-installation id to its own record.
	Children map[string]*Record `json:"children,omitempty"`
}

// NewRecord creates an empty record for patchID.
func NewRecord(patchID string, kind Kind) *Record {
	return &Record{
		PatchID:  patchID,
		Kind:     kind,
		Modules:  []ModuleUpdate{},
		Features: []FeatureUpdate{},
		Pending:  PendingNone,
	}
}

// Summarize recomputes the report counters from the update lists.
// Overridden counts independent module updates, which are the ones recorded
// in the overrides file.
func (r *Record) Summarize() {
	var rep Report
	for _, m := range r.Modules {
		switch {
		case m.Reinstall():
			rep.Reinstalled++
		default:
			rep.Updated++
			if m.Independent {
				rep.Overridden++
			}
		}
	}
	for _, f := range r.Features {
		switch {
		case f.Removed():
			rep.Removed++
		case f.Name != "" && !f.Unchanged():
			rep.Updated++
		}
	}
	r.Report = rep
}

// SortUpdates orders the update lists by key for stable output.
func (r *Record) SortUpdates() {
	sort.SliceStable(r.Modules, func(i, j int) bool { return r.Modules[i].Key() < r.Modules[j].Key() })
	sort.SliceStable(r.Features, func(i, j int) bool {
		a, b := r.Features[i], r.Features[j]
		if a.PreviousRepository != b.PreviousRepository {
			return a.PreviousRepository < b.PreviousRepository
		}
		return a.Name < b.Name
	})
}
