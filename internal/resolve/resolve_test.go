package resolve

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/patchkit/internal/patch"
	"github.com/roach88/patchkit/internal/registry"
	"github.com/roach88/patchkit/internal/testutil"
)

func mvnPatch(id string, rollup bool, refs ...patch.ModuleRef) *patch.Patch {
	return &patch.Patch{Descriptor: &patch.Descriptor{ID: id, Rollup: rollup, Modules: refs}}
}

func installedModules() []registry.Module {
	return []registry.Module{
		{Name: "my-bsn", Version: "1.3.1", Location: "mvn:org.foo/my-bsn/1.3.1"},
		{Name: "other;singleton:=true", Version: "2.0.0", Location: "mvn:org.foo/other/2.0.0"},
		{Name: "runtime-core", Version: "4.2.1", Location: "mvn:org.rt/runtime-core/4.2.1"},
	}
}

func resolveOne(t *testing.T, p *patch.Patch) *Result {
	t.Helper()
	res, err := New(nil).Resolve(Input{
		Patch:       p,
		Modules:     installedModules(),
		CoreModules: []string{"runtime-core"},
		SystemDir:   "system",
	})
	require.NoError(t, err)
	return res
}

func TestResolve_DefaultRange(t *testing.T) {
	res := resolveOne(t, mvnPatch("p1", false, patch.ModuleRef{Location: "mvn:org.foo/my-bsn/1.3.2"}))

	require.Len(t, res.Modules, 1)
	assert.Equal(t, patch.ModuleUpdate{
		Name:             "my-bsn",
		UpdatableVersion: "1.3.0",
		PreviousVersion:  "1.3.1",
		PreviousLocation: "mvn:org.foo/my-bsn/1.3.1",
		NewVersion:       "1.3.2",
		NewLocation:      "mvn:org.foo/my-bsn/1.3.2",
		Independent:      true,
	}, res.Modules[0])
	assert.Empty(t, res.Unmatched)
}

func TestResolve_ExplicitRange(t *testing.T) {
	res := resolveOne(t, mvnPatch("p1", false, patch.ModuleRef{
		Location: "mvn:org.foo/my-bsn/1.4.0",
		Range:    "[1.3.0,1.5.0)",
	}))

	require.Len(t, res.Modules, 1)
	u := res.Modules[0]
	assert.Equal(t, "1.3.1", u.PreviousVersion)
	assert.Equal(t, "1.4.0", u.NewVersion)
	assert.Equal(t, "1.3.0", u.UpdatableVersion)
}

func TestResolve_DefaultRangeDoesNotCrossReleaseLines(t *testing.T) {
	res := resolveOne(t, mvnPatch("p1", false, patch.ModuleRef{Location: "mvn:org.foo/my-bsn/1.4.0"}))
	assert.Empty(t, res.Modules)
	assert.Equal(t, []string{"mvn:org.foo/my-bsn/1.4.0"}, res.Unmatched)
}

func TestResolve_NoDowngrade(t *testing.T) {
	res := resolveOne(t, mvnPatch("p1", false, patch.ModuleRef{
		Location: "mvn:org.foo/my-bsn/1.3.0",
		Range:    "[1.3.0,1.5.0)",
	}))
	assert.Empty(t, res.Modules)
}

func TestResolve_MvnFlavorsCollapse(t *testing.T) {
	res := resolveOne(t, mvnPatch("p1", false,
		patch.ModuleRef{Location: "mvn:g/my-bsn/1.3.5/jar/uber"},
		patch.ModuleRef{Location: "mvn:g/my-bsn/1.3.5//uber"},
	))
	require.Len(t, res.Modules, 1)
	assert.Equal(t, "mvn:g/my-bsn/1.3.5/jar/uber", res.Modules[0].NewLocation)
}

func TestResolve_QualifiedNamesAndExplicitModuleName(t *testing.T) {
	res := resolveOne(t, mvnPatch("p1", false, patch.ModuleRef{
		Location: "mvn:org.foo/other-impl/2.0.3",
		Name:     "other",
	}))
	require.Len(t, res.Modules, 1)
	assert.Equal(t, "other", res.Modules[0].Name)
	assert.Equal(t, "other|2.0.0", string(res.Modules[0].Key()))
}

func TestResolve_CoreModuleByName(t *testing.T) {
	res := resolveOne(t, mvnPatch("p1", false, patch.ModuleRef{Location: "mvn:org.rt/runtime-core/4.3.0"}))
	require.Len(t, res.Modules, 1)
	u := res.Modules[0]
	assert.True(t, u.Core)
	assert.False(t, u.Independent)
	assert.Equal(t, "runtime-core", string(u.Key()))
}

func TestResolve_UnresolvableRange(t *testing.T) {
	_, err := New(nil).Resolve(Input{
		Patch: mvnPatch("p1", false, patch.ModuleRef{Location: "mvn:g/a/1.0.0", Range: "[2.0,1.0)"}),
	})
	assert.True(t, patch.HasCode(err, patch.ErrCodeUnresolvableRange))
}

func TestResolve_RollupReinstallsUnmatched(t *testing.T) {
	res := resolveOne(t, mvnPatch("r1", true,
		patch.ModuleRef{Location: "mvn:org.foo/my-bsn/1.3.9"},
		patch.ModuleRef{Location: "mvn:org.foo/not-installed/1.0.0"},
	))

	require.Len(t, res.Modules, 2)
	byName := map[string]patch.ModuleUpdate{}
	for _, u := range res.Modules {
		byName[u.Name] = u
	}
	assert.Equal(t, "1.3.9", byName["my-bsn"].NewVersion)

	other := byName["other"]
	assert.True(t, other.Reinstall())
	assert.Equal(t, "mvn:org.foo/other/2.0.0", other.PreviousLocation)
	assert.Empty(t, res.Unmatched, "rollups skip unmatched references silently")
}

const oldRepo = `
name: foo-features
features:
  - name: foo
    version: 1.3.1
    bundles: [mvn:org.foo/my-bsn/1.3.1]
  - name: foo-legacy
    version: 1.3.1
  - name: foo-unused
    version: 1.3.1
`

const newRepo = `
name: foo-features
features:
  - name: foo
    version: 1.3.2
    bundles: [mvn:org.foo/my-bsn/1.3.2]
  - name: foo-unused
    version: 1.3.2
`

func featureInput(t *testing.T, rollup bool) Input {
	t.Helper()
	payload := t.TempDir()
	testutil.WriteTree(t, payload, map[string]string{
		"system/org/foo/foo-features/1.3.2/foo-features-1.3.2-features.yaml": newRepo,
	})
	old, err := registry.ParseRepository([]byte(oldRepo), "mvn:org.foo/foo-features/1.3.1/yaml/features")
	require.NoError(t, err)
	old.Features[0].Installed = true
	old.Features[1].Installed = true

	other := registry.Repository{
		URI:      "mvn:org.bar/bar-features/2.0.0/yaml/features",
		Features: []registry.Feature{{Name: "bar", Version: "2.0.0", Installed: true}},
	}

	return Input{
		Patch: &patch.Patch{
			Descriptor: &patch.Descriptor{
				ID:       "p1",
				Rollup:   rollup,
				Modules:  []patch.ModuleRef{{Location: "mvn:org.foo/my-bsn/1.3.2"}},
				Features: []string{"mvn:org.foo/foo-features/1.3.2/yaml/features"},
			},
			Dir: payload,
		},
		Modules:      installedModules(),
		Repositories: []registry.Repository{*old, other},
		SystemDir:    "system",
	}
}

func TestResolve_Features(t *testing.T) {
	res, err := New(nil).Resolve(featureInput(t, false))
	require.NoError(t, err)

	oldURI := "mvn:org.foo/foo-features/1.3.1/yaml/features"
	newURI := "mvn:org.foo/foo-features/1.3.2/yaml/features"
	assert.Equal(t, []patch.FeatureUpdate{
		{Name: "foo", PreviousRepository: oldURI, PreviousVersion: "1.3.1", NewRepository: newURI, NewVersion: "1.3.2"},
		{Name: "foo-legacy", PreviousRepository: oldURI, PreviousVersion: "1.3.1", NewRepository: oldURI},
	}, res.Features)

	// the module update is implied by the updated feature
	require.Len(t, res.Modules, 1)
	assert.False(t, res.Modules[0].Independent)
}

func TestResolve_RollupPreservesUnchangedRepositories(t *testing.T) {
	res, err := New(nil).Resolve(featureInput(t, true))
	require.NoError(t, err)

	var preserved []patch.FeatureUpdate
	for _, f := range res.Features {
		if f.Unchanged() {
			preserved = append(preserved, f)
		}
	}
	require.Len(t, preserved, 1)
	assert.Equal(t, "bar", preserved[0].Name)
}

func TestResolve_SupersededRepositoryWithoutInstalledFeatures(t *testing.T) {
	in := featureInput(t, false)
	for i := range in.Repositories[0].Features {
		in.Repositories[0].Features[i].Installed = false
	}
	res, err := New(nil).Resolve(in)
	require.NoError(t, err)

	require.Len(t, res.Features, 1)
	assert.Equal(t, "", res.Features[0].Name)
	assert.Equal(t, "1.3.2", res.Features[0].NewVersion)
	assert.True(t, res.Modules[0].Independent)
}
