package manager

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"github.com/roach88/patchkit/internal/patch"
	"github.com/roach88/patchkit/internal/registry"
	"github.com/roach88/patchkit/internal/version"
)

// activate hands committed updates to the registries.
//
// Feature repositories are swapped first and the remapped features
// installed. Independent module updates are then applied directly; a
// dependent update is applied only when the feature install left the
// previous location in place and did not bring in the new one. Rollups also
// reinstall every untouched module from its previous location. Only the
// location an update supersedes is replaced, so other release lines of the
// same module stay installed. Failures do not stop the remaining steps and
// are returned combined.
func (m *Manager) activate(ctx context.Context, kind patch.Kind, modules []patch.ModuleUpdate, features []patch.FeatureUpdate) error {
	var errs error

	removed := make(map[string]bool)
	added := make(map[string]bool)
	var ids []string
	for _, f := range features {
		if f.NewRepository != "" && f.NewRepository != f.PreviousRepository {
			if !removed[f.PreviousRepository] {
				removed[f.PreviousRepository] = true
				errs = multierr.Append(errs, ignoreNotFound(m.features.RemoveRepository(ctx, f.PreviousRepository)))
			}
			if !added[f.NewRepository] {
				added[f.NewRepository] = true
				errs = multierr.Append(errs, m.features.AddRepository(ctx, f.NewRepository))
			}
		}
		if f.Name != "" && !f.Removed() && !f.Unchanged() {
			ids = append(ids, registry.FeatureID(f.Name, f.NewVersion))
		}
	}
	if len(ids) > 0 {
		errs = multierr.Append(errs, m.features.InstallFeatures(ctx, ids))
	}

	installed, err := m.installedLocations(ctx)
	if err != nil {
		return multierr.Append(errs, err)
	}
	for _, u := range modules {
		switch {
		case u.Reinstall():
			if kind == patch.KindRollup {
				errs = multierr.Append(errs, m.replaceModule(ctx, u.PreviousLocation, u.PreviousLocation))
			}
		case u.Independent:
			errs = multierr.Append(errs, m.replaceModule(ctx, u.PreviousLocation, u.NewLocation))
		case installed[version.CanonicalLocation(u.PreviousLocation)] && !installed[version.CanonicalLocation(u.NewLocation)]:
			errs = multierr.Append(errs, m.replaceModule(ctx, u.PreviousLocation, u.NewLocation))
		}
	}

	errs = multierr.Append(errs, m.features.Refresh(ctx))
	return errs
}

// deactivate reverses the activation of a record: repositories and
// features go back to their previous versions and every updated module is
// reinstalled from its previous location.
func (m *Manager) deactivate(ctx context.Context, rec *patch.Record) error {
	var errs error

	removed := make(map[string]bool)
	added := make(map[string]bool)
	var ids []string
	for _, f := range rec.Features {
		if f.NewRepository != "" && f.NewRepository != f.PreviousRepository {
			if !removed[f.NewRepository] {
				removed[f.NewRepository] = true
				errs = multierr.Append(errs, ignoreNotFound(m.features.RemoveRepository(ctx, f.NewRepository)))
			}
			if !added[f.PreviousRepository] {
				added[f.PreviousRepository] = true
				errs = multierr.Append(errs, m.features.AddRepository(ctx, f.PreviousRepository))
			}
		}
		if f.Name != "" && !f.Unchanged() {
			ids = append(ids, registry.FeatureID(f.Name, f.PreviousVersion))
		}
	}
	if len(ids) > 0 {
		errs = multierr.Append(errs, m.features.InstallFeatures(ctx, ids))
	}

	for _, u := range rec.Modules {
		from := u.NewLocation
		if u.Reinstall() {
			if rec.Kind != patch.KindRollup {
				continue
			}
			from = u.PreviousLocation
		}
		errs = multierr.Append(errs, m.replaceModule(ctx, from, u.PreviousLocation))
	}

	errs = multierr.Append(errs, m.features.Refresh(ctx))
	return errs
}

// installedLocations returns the canonical locations of installed modules.
func (m *Manager) installedLocations(ctx context.Context) (map[string]bool, error) {
	mods, err := m.modules.ListInstalledModules(ctx)
	if err != nil {
		return nil, fmt.Errorf("list installed modules: %w", err)
	}
	out := make(map[string]bool, len(mods))
	for _, mod := range mods {
		out[version.CanonicalLocation(mod.Location)] = true
	}
	return out, nil
}

// replaceModule stops and uninstalls the module at from, if present, then
// installs and starts the module at to.
func (m *Manager) replaceModule(ctx context.Context, from, to string) error {
	if from != "" {
		if err := ignoreNotFound(m.modules.Stop(ctx, from)); err != nil {
			return err
		}
		if err := ignoreNotFound(m.modules.Uninstall(ctx, from)); err != nil {
			return err
		}
	}
	mod, err := m.modules.Install(ctx, to)
	if err != nil {
		return err
	}
	m.logger.Debug("replaced module", "from", from, "to", mod.Location)
	return m.modules.Start(ctx, mod.Location)
}

func ignoreNotFound(err error) error {
	if errors.Is(err, registry.ErrNotFound) {
		return nil
	}
	return err
}
