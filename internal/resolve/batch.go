package resolve

import (
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/patchkit/internal/patch"
	"github.com/roach88/patchkit/internal/version"
)

// Batch merges the updates of every patch installed together.
//
// For one key the update with the strictly newer target version wins, so the
// outcome does not depend on the order patches are added in. A real update
// always beats a reinstall-as-is entry.
type Batch struct {
	modules  map[version.Key]patch.ModuleUpdate
	features map[string]patch.FeatureUpdate
}

// NewBatch creates an empty batch.
func NewBatch() *Batch {
	return &Batch{
		modules:  make(map[version.Key]patch.ModuleUpdate),
		features: make(map[string]patch.FeatureUpdate),
	}
}

// Add merges one patch's result.
func (b *Batch) Add(res *Result) {
	for _, u := range res.Modules {
		b.AddModule(u)
	}
	for _, f := range res.Features {
		b.AddFeature(f)
	}
}

// AddModule merges one module update.
func (b *Batch) AddModule(u patch.ModuleUpdate) {
	key := u.Key()
	cur, ok := b.modules[key]
	if !ok || newer(u, cur) {
		b.modules[key] = u
	}
}

func newer(u, cur patch.ModuleUpdate) bool {
	switch {
	case u.Reinstall():
		return false
	case cur.Reinstall():
		return true
	}
	return compareVersions(u.NewVersion, cur.NewVersion) > 0
}

// AddFeature merges one feature update, keyed by previous repository and
// feature name.
func (b *Batch) AddFeature(f patch.FeatureUpdate) {
	key := f.PreviousRepository + "|" + f.Name
	cur, ok := b.features[key]
	if !ok {
		b.features[key] = f
		return
	}
	switch {
	case f.Unchanged():
		return
	case cur.Unchanged(), cur.Removed() && !f.Removed():
		b.features[key] = f
	case compareVersions(f.NewVersion, cur.NewVersion) > 0:
		b.features[key] = f
	}
}

// Modules returns the merged module updates sorted by key.
func (b *Batch) Modules() []patch.ModuleUpdate {
	out := make([]patch.ModuleUpdate, 0, len(b.modules))
	for _, u := range b.modules {
		out = append(out, u)
	}
	sortModules(out)
	return out
}

// Features returns the merged feature updates.
func (b *Batch) Features() []patch.FeatureUpdate {
	out := make([]patch.FeatureUpdate, 0, len(b.features))
	for _, f := range b.features {
		out = append(out, f)
	}
	sortFeatures(out)
	return out
}

func compareVersions(a, b string) int {
	va, erra := version.Parse(a)
	vb, errb := version.Parse(b)
	if erra != nil || errb != nil {
		return strings.Compare(a, b)
	}
	return va.Compare(vb)
}

// ValidateBatch rejects a batch before anything is mutated: rollup and
// non-rollup patches cannot be mixed, at most one rollup is allowed, and
// every prerequisite must be installed already or be part of the batch.
func ValidateBatch(batch []*patch.Descriptor, installed func(id string) bool) error {
	if len(batch) == 0 {
		return patch.NewValidationError(patch.ErrCodeUnknownPatch, "no patches given")
	}
	ids := make(map[string]bool, len(batch))
	rollups := 0
	for _, d := range batch {
		ids[d.ID] = true
		if d.Rollup {
			rollups++
		}
	}
	if rollups > 1 {
		return patch.NewValidationError(patch.ErrCodeMultipleRollups,
			fmt.Sprintf("only one rollup patch can be installed at a time, got %d", rollups))
	}
	if rollups == 1 && len(batch) > 1 {
		return patch.NewValidationError(patch.ErrCodeMixedKinds,
			"rollup and non-rollup patches cannot be installed together")
	}

	var missing []string
	for _, d := range batch {
		if installed(d.ID) {
			return patch.NewPatchValidationError(patch.ErrCodeAlreadyInstalled, d.ID, "patch is already installed")
		}
		for _, req := range d.Requirements {
			if !ids[req] && !installed(req) {
				missing = append(missing, d.ID+" requires "+req)
			}
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return patch.NewValidationError(patch.ErrCodeMissingPrerequisite, strings.Join(missing, "; "))
	}
	return nil
}
