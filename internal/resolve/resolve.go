package resolve

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"

	"github.com/roach88/patchkit/internal/patch"
	"github.com/roach88/patchkit/internal/registry"
	"github.com/roach88/patchkit/internal/version"
)

// Input is everything the resolver needs for one patch.
type Input struct {
	Patch *patch.Patch

	// Modules are the currently installed modules.
	Modules []registry.Module

	// Repositories are the currently known feature repositories, with
	// installed flags on their features.
	Repositories []registry.Repository

	// CoreModules are keyed by name alone.
	CoreModules []string

	// SystemDir locates feature repository files inside the patch payload.
	SystemDir string
}

// Result is the per-patch outcome.
type Result struct {
	PatchID  string
	Kind     patch.Kind
	Modules  []patch.ModuleUpdate
	Features []patch.FeatureUpdate

	// Unmatched lists module locations of a non-rollup patch that replace no
	// installed module. They stay staged for a later feature install.
	Unmatched []string
}

// Resolver computes module and feature updates.
type Resolver struct {
	logger *slog.Logger
}

// New creates a resolver.
func New(logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{logger: logger}
}

type installed struct {
	module registry.Module
	name   string
	ver    version.Version
	key    version.Key
}

// Resolve computes the updates of one patch.
//
// Features are resolved first so module updates already implied by an
// updated feature can be marked dependent.
func (r *Resolver) Resolve(in Input) (*Result, error) {
	d := in.Patch.Descriptor
	res := &Result{PatchID: d.ID, Kind: d.Kind()}

	features, implied, err := r.resolveFeatures(in)
	if err != nil {
		return nil, err
	}
	res.Features = features

	core := make(map[string]bool, len(in.CoreModules))
	for _, n := range in.CoreModules {
		core[version.StripQualifiers(n)] = true
	}

	var all []*installed
	byKey := make(map[version.Key][]*installed)
	byName := make(map[string][]*installed)
	for _, m := range in.Modules {
		v, err := version.Parse(m.Version)
		if err != nil {
			r.logger.Warn("ignoring module with unparseable version", "module", m.Name, "version", m.Version)
			continue
		}
		im := &installed{module: m, name: version.StripQualifiers(m.Name), ver: v}
		if core[im.name] {
			im.key = version.CoreKey(im.name)
		} else {
			im.key = version.KeyOf(im.name, v)
		}
		all = append(all, im)
		byKey[im.key] = append(byKey[im.key], im)
		byName[im.name] = append(byName[im.name], im)
	}

	matched := make(map[version.Key]bool)
	seen := make(map[string]bool)
	for i, ref := range d.Modules {
		art, err := ref.Artifact()
		if err != nil {
			return nil, patch.NewPatchValidationError(patch.ErrCodeInvalidDescriptor, d.ID, fmt.Sprintf("bundle.%d: %v", i, err))
		}
		location := art.URI()
		if seen[location] {
			// another flavor of the same artifact
			continue
		}
		seen[location] = true

		target, err := art.ParsedVersion()
		if err != nil {
			return nil, patch.NewPatchValidationError(patch.ErrCodeInvalidDescriptor, d.ID, fmt.Sprintf("bundle.%d: %v", i, err))
		}
		rng := version.DefaultRange(target)
		if ref.Range != "" {
			rng, err = version.ParseRange(ref.Range)
			if err != nil {
				return nil, patch.NewPatchValidationError(patch.ErrCodeUnresolvableRange, d.ID, fmt.Sprintf("bundle.%d: %v", i, err))
			}
		}

		name := version.StripQualifiers(ref.ModuleName())
		isCore := core[name]
		var candidate *installed
		if isCore {
			candidate = highest(byName[name], func(im *installed) bool { return im.ver.Less(target) })
		} else {
			inRange := func(im *installed) bool { return rng.Includes(im.ver) && im.ver.Less(target) }
			candidate = highest(byKey[version.KeyOf(name, rng.Floor)], inRange)
			if candidate == nil && ref.Range != "" {
				candidate = highest(byName[name], inRange)
			}
		}

		if candidate == nil {
			if d.Rollup {
				continue
			}
			r.logger.Info("module does not replace an installed module", "patch", d.ID, "location", location, "range", rng.String())
			res.Unmatched = append(res.Unmatched, location)
			continue
		}

		matched[candidate.key] = true
		res.Modules = append(res.Modules, patch.ModuleUpdate{
			Name:             candidate.name,
			UpdatableVersion: candidate.ver.Floor().String(),
			PreviousVersion:  candidate.ver.String(),
			PreviousLocation: candidate.module.Location,
			NewVersion:       target.String(),
			NewLocation:      location,
			Independent:      !isCore && !implied[location],
			Core:             isCore,
		})
	}

	if d.Rollup {
		for _, im := range all {
			if matched[im.key] || core[im.name] {
				continue
			}
			res.Modules = append(res.Modules, patch.ModuleUpdate{
				Name:             im.name,
				UpdatableVersion: im.ver.Floor().String(),
				PreviousVersion:  im.ver.String(),
				PreviousLocation: im.module.Location,
				Independent:      true,
			})
		}
	}

	sortModules(res.Modules)
	return res, nil
}

// resolveFeatures remaps installed features of superseded repositories to the
// repositories shipped by the patch. It also returns the module locations
// brought in by updated features.
func (r *Resolver) resolveFeatures(in Input) ([]patch.FeatureUpdate, map[string]bool, error) {
	d := in.Patch.Descriptor
	implied := make(map[string]bool)
	var updates []patch.FeatureUpdate
	handled := make(map[string]bool)

	for _, uri := range d.Features {
		rel, err := registry.LocateRepository(in.SystemDir, uri)
		if err != nil {
			return nil, nil, patch.NewPatchValidationError(patch.ErrCodeInvalidDescriptor, d.ID, err.Error())
		}
		repo, err := registry.LoadRepositoryFile(filepath.Join(in.Patch.Dir, filepath.FromSlash(rel)), uri)
		if err != nil {
			return nil, nil, patch.NewPatchValidationError(patch.ErrCodeInvalidDescriptor, d.ID, err.Error())
		}
		newArt, _ := repo.Artifact()
		newVer, err := newArt.ParsedVersion()
		if err != nil {
			return nil, nil, patch.NewPatchValidationError(patch.ErrCodeInvalidDescriptor, d.ID, err.Error())
		}

		for _, old := range in.Repositories {
			if old.URI == repo.URI {
				handled[old.URI] = true
				continue
			}
			if !supersedes(old, newArt, newVer, d.Rollup) {
				continue
			}
			handled[old.URI] = true
			oldArt, _ := old.Artifact()

			feats := old.InstalledFeatures()
			if len(feats) == 0 {
				updates = append(updates, patch.FeatureUpdate{
					PreviousRepository: old.URI,
					PreviousVersion:    oldArt.Version,
					NewRepository:      repo.URI,
					NewVersion:         newArt.Version,
				})
				continue
			}
			for _, f := range feats {
				nf, ok := repo.Feature(f.Name)
				if !ok {
					// preserved in place, flagged removed
					updates = append(updates, patch.FeatureUpdate{
						Name:               f.Name,
						PreviousRepository: old.URI,
						PreviousVersion:    f.Version,
						NewRepository:      old.URI,
					})
					continue
				}
				updates = append(updates, patch.FeatureUpdate{
					Name:               f.Name,
					PreviousRepository: old.URI,
					PreviousVersion:    f.Version,
					NewRepository:      repo.URI,
					NewVersion:         nf.Version,
				})
				for _, b := range nf.Bundles {
					implied[version.CanonicalLocation(b)] = true
				}
			}
		}
	}

	if d.Rollup {
		// unchanged repositories must survive the baseline replacement
		for _, old := range in.Repositories {
			if handled[old.URI] {
				continue
			}
			for _, f := range old.InstalledFeatures() {
				updates = append(updates, patch.FeatureUpdate{
					Name:               f.Name,
					PreviousRepository: old.URI,
					PreviousVersion:    f.Version,
					NewRepository:      old.URI,
					NewVersion:         f.Version,
				})
			}
		}
	}

	sortFeatures(updates)
	return updates, implied, nil
}

// supersedes reports whether a new repository replaces old: same
// group/artifact/classifier identity and an older version. Non-rollup
// patches only supersede within the same release line (same floor).
func supersedes(old registry.Repository, newArt version.Artifact, newVer version.Version, rollup bool) bool {
	oldArt, err := old.Artifact()
	if err != nil || oldArt.Identity() != newArt.Identity() {
		return false
	}
	oldVer, err := oldArt.ParsedVersion()
	if err != nil || !oldVer.Less(newVer) {
		return false
	}
	if rollup {
		return true
	}
	return version.KeyOf(newArt.ArtifactID, oldVer) == version.KeyOf(newArt.ArtifactID, newVer)
}

func highest(candidates []*installed, ok func(*installed) bool) *installed {
	var best *installed
	for _, im := range candidates {
		if !ok(im) {
			continue
		}
		if best == nil || best.ver.Less(im.ver) {
			best = im
		}
	}
	return best
}

func sortModules(mods []patch.ModuleUpdate) {
	sort.SliceStable(mods, func(i, j int) bool { return mods[i].Key() < mods[j].Key() })
}

func sortFeatures(fs []patch.FeatureUpdate) {
	sort.SliceStable(fs, func(i, j int) bool {
		if fs[i].PreviousRepository != fs[j].PreviousRepository {
			return fs[i].PreviousRepository < fs[j].PreviousRepository
		}
		return fs[i].Name < fs[j].Name
	})
}
