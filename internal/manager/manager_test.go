package manager

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/patchkit/internal/config"
	"github.com/roach88/patchkit/internal/history"
	"github.com/roach88/patchkit/internal/patch"
	"github.com/roach88/patchkit/internal/registry"
	"github.com/roach88/patchkit/internal/testutil"
	"github.com/roach88/patchkit/internal/txn"
)

const oldJar = "system/org/foo/my-bsn/1.3.1/my-bsn-1.3.1.jar"

var managed = []string{"bin", "etc", "system"}

// flakyModules fails Install while fail is set.
type flakyModules struct {
	*registry.Memory
	fail bool
}

func (f *flakyModules) Install(ctx context.Context, location string) (registry.Module, error) {
	if f.fail {
		return registry.Module{}, errors.New("registry unavailable")
	}
	return f.Memory.Install(ctx, location)
}

type fixture struct {
	root    string
	reg     *registry.Memory
	modules *flakyModules
	mgr     *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	testutil.RequireGit(t)
	ctx := context.Background()

	root := t.TempDir()
	testutil.WriteTree(t, root, map[string]string{
		"etc/app.cfg":           "port=8080\n",
		"etc/system.properties": "a=1\n",
		"bin/start":             "run " + oldJar + "\n",
		oldJar:                  "jar-1.3.1",
	})

	cfg := config.Default()
	cfg.ManagedDirs = managed

	reg := registry.NewMemory(filepath.Join(root, "system"))
	reg.AddModule(registry.Module{Name: "my-bsn", Version: "1.3.1", Location: "mvn:org.foo/my-bsn/1.3.1"})
	modules := &flakyModules{Memory: reg}

	mgr, err := Open(ctx, Options{
		Root:     root,
		Config:   cfg,
		Modules:  modules,
		Features: reg,
		Clock:    testutil.NewDeterministicClock(),
		IDs:      testutil.NewSequenceGenerator("id"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })

	_, err = mgr.Init(ctx, "", "1.0.0")
	require.NoError(t, err)
	return &fixture{root: root, reg: reg, modules: modules, mgr: mgr}
}

// add writes a patch archive directory and adds it.
func (f *fixture) add(t *testing.T, id, descriptor string, files map[string]string) {
	t.Helper()
	dir := t.TempDir()
	all := map[string]string{id + patch.DescriptorExt: descriptor}
	for k, v := range files {
		all[k] = v
	}
	testutil.WriteTree(t, dir, all)
	d, err := f.mgr.Add(context.Background(), dir)
	require.NoError(t, err)
	require.Equal(t, id, d.ID)
}

func (f *fixture) addP1(t *testing.T) {
	f.add(t, "p1", "id=p1\nbundle.0=mvn:org.foo/my-bsn/1.3.2\n", map[string]string{
		"etc/app.cfg": "port=8181\n",
		"system/org/foo/my-bsn/1.3.2/my-bsn-1.3.2.jar": "jar-1.3.2",
	})
}

func (f *fixture) addR1(t *testing.T) {
	f.add(t, "r1", "id=r1\nrollup=true\nversion=2.0.0\n", map[string]string{
		"etc/app.cfg":           "port=9090\n",
		"etc/system.properties": "a=1\n",
		"bin/start":             "run new\n",
	})
}

func (f *fixture) live(t *testing.T) map[string]string {
	return testutil.ReadTree(t, f.root, managed...)
}

func TestAdd_StoresDescriptorAndPayload(t *testing.T) {
	f := newFixture(t)
	f.addP1(t)

	patches := f.mgr.PatchesDir()
	assert.FileExists(t, filepath.Join(patches, "p1.patch"))
	assert.FileExists(t, filepath.Join(patches, "p1", "etc", "app.cfg"))
	assert.NoFileExists(t, filepath.Join(patches, "p1", "p1.patch"))

	ok, err := f.mgr.tracker.Tracked(context.Background(), "p1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAdd_Duplicate(t *testing.T) {
	f := newFixture(t)
	f.addP1(t)

	dir := t.TempDir()
	testutil.WriteTree(t, dir, map[string]string{"p1.patch": "id=p1\n"})
	_, err := f.mgr.Add(context.Background(), dir)
	assert.True(t, patch.HasCode(err, patch.ErrCodeDuplicatePatch), "got %v", err)
}

func TestInstallThenRollback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	before := f.live(t)
	f.addP1(t)

	res, err := f.mgr.Install(ctx, []string{"p1"})
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, patch.Report{Updated: 1, Overridden: 1}, res.Records[0].Report)
	assert.Equal(t, "port=8181\n", testutil.ReadFile(t, f.root, "etc/app.cfg"))
	assert.Equal(t, "run system/org/foo/my-bsn/1.3.2/my-bsn-1.3.2.jar\n", testutil.ReadFile(t, f.root, "bin/start"))

	info, err := f.mgr.Show(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, info.Installed)
	require.NotNil(t, info.Record)
	assert.Equal(t, "1.3.2", info.Record.Modules[0].NewVersion)

	assert.Equal(t, []string{
		"stop mvn:org.foo/my-bsn/1.3.1",
		"uninstall mvn:org.foo/my-bsn/1.3.1",
		"install mvn:org.foo/my-bsn/1.3.2",
		"start mvn:org.foo/my-bsn/1.3.2",
		"refresh",
	}, f.reg.Calls())

	_, err = f.mgr.Install(ctx, []string{"p1"})
	assert.True(t, patch.HasCode(err, patch.ErrCodeAlreadyInstalled), "got %v", err)

	rb, err := f.mgr.Rollback(ctx, "p1", false)
	require.NoError(t, err)
	assert.Equal(t, "p1", rb.PatchID)
	assert.Equal(t, before, f.live(t))

	mods, err := f.reg.ListInstalledModules(ctx)
	require.NoError(t, err)
	require.Len(t, mods, 1)
	assert.Equal(t, "1.3.1", mods[0].Version)

	infos, err := f.mgr.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.False(t, infos[0].Installed)
}

func TestInstall_LeavesOtherReleaseLineRunning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.reg.AddModule(registry.Module{
		Name: "my-bsn", Version: "2.0.0", Location: "mvn:org.foo/my-bsn/2.0.0", State: registry.StateActive,
	})
	f.addP1(t)

	_, err := f.mgr.Install(ctx, []string{"p1"})
	require.NoError(t, err)

	versions := func() map[string]registry.ModuleState {
		mods, err := f.reg.ListInstalledModules(ctx)
		require.NoError(t, err)
		out := make(map[string]registry.ModuleState, len(mods))
		for _, m := range mods {
			out[m.Version] = m.State
		}
		return out
	}
	assert.Equal(t, map[string]registry.ModuleState{
		"1.3.2": registry.StateActive,
		"2.0.0": registry.StateActive,
	}, versions())

	_, err = f.mgr.Rollback(ctx, "p1", false)
	require.NoError(t, err)
	assert.Equal(t, map[string]registry.ModuleState{
		"1.3.1": registry.StateActive,
		"2.0.0": registry.StateActive,
	}, versions())
	for _, call := range f.reg.Calls() {
		assert.NotContains(t, call, "my-bsn/2.0.0")
	}
}

func TestSimulate_LeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addP1(t)
	before := f.live(t)

	res, err := f.mgr.Simulate(ctx, []string{"p1"})
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.True(t, res.Records[0].Simulation)

	var cfgDiff *FileDiff
	for i := range res.Diffs {
		if res.Diffs[i].Path == "etc/app.cfg" {
			cfgDiff = &res.Diffs[i]
		}
	}
	require.NotNil(t, cfgDiff)
	assert.Equal(t, []string{"-port=8080", "+port=8181"}, cfgDiff.Lines)

	assert.Equal(t, before, f.live(t))
	assert.Empty(t, f.reg.Calls())
	has, err := f.mgr.Store().HasRecord(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, has)
	assert.Equal(t, 0, f.mgr.txm.Open())
}

func TestValidationErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addP1(t)
	f.addR1(t)

	_, err := f.mgr.Install(ctx, []string{"nope"})
	assert.True(t, patch.HasCode(err, patch.ErrCodeUnknownPatch), "got %v", err)

	_, err = f.mgr.Install(ctx, []string{"p1", "r1"})
	assert.True(t, patch.HasCode(err, patch.ErrCodeMixedKinds), "got %v", err)

	_, err = f.mgr.Install(ctx, []string{"p1", "p1"})
	assert.True(t, patch.HasCode(err, patch.ErrCodeDuplicatePatch), "got %v", err)

	_, err = f.mgr.Rollback(ctx, "p1", false)
	assert.True(t, patch.HasCode(err, patch.ErrCodeNotInstalled), "got %v", err)

	assert.Empty(t, f.reg.Calls())
}

func TestRollup_InstallAndRollback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addP1(t)
	f.addR1(t)

	_, err := f.mgr.Install(ctx, []string{"p1"})
	require.NoError(t, err)
	testutil.WriteTree(t, f.root, map[string]string{"etc/system.properties": "a=1\nb=2\n"})

	res, err := f.mgr.Install(ctx, []string{"r1"})
	require.NoError(t, err)
	assert.Equal(t, "baseline-2.0.0", res.Baseline)
	assert.Equal(t, []string{"p1"}, res.Superseded)

	live := f.live(t)
	assert.Equal(t, "port=9090\n", live["etc/app.cfg"])
	assert.Equal(t, "a=1\nb=2\n", live["etc/system.properties"])
	assert.Equal(t, "run new\n", live["bin/start"])
	assert.NotContains(t, live, oldJar)

	info, err := f.mgr.Show(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, patch.PendingNone, info.Pending)
	info, err = f.mgr.Show(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, info.Installed)

	rb, err := f.mgr.Rollback(ctx, "r1", false)
	require.NoError(t, err)
	assert.Equal(t, "baseline-1.0.0", rb.Baseline)

	live = f.live(t)
	assert.Equal(t, "port=8080\n", live["etc/app.cfg"])
	assert.Equal(t, "a=1\nb=2\n", live["etc/system.properties"])
	assert.Equal(t, "jar-1.3.1", live[oldJar])

	cur, err := f.mgr.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", cur.Version)

	_, err = f.mgr.Rollback(ctx, "p1", false)
	assert.True(t, patch.HasCode(err, patch.ErrCodeNotInstalled), "got %v", err)

	pending, err := f.mgr.PendingActivations()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRollup_ActivationFailureIsResumed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addR1(t)

	f.modules.fail = true
	_, err := f.mgr.Install(ctx, []string{"r1"})
	require.Error(t, err)
	assert.True(t, IsPostCommit(err), "got %v", err)

	assert.FileExists(t, filepath.Join(f.mgr.PatchesDir(), "r1.pending"))
	info, err := f.mgr.Show(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, patch.PendingRollupInstall, info.Pending)
	assert.Equal(t, "port=9090\n", testutil.ReadFile(t, f.root, "etc/app.cfg"))

	f.modules.fail = false
	f.mgr.Start(ctx)
	f.mgr.MarkReady()
	require.NoError(t, f.mgr.Wait())

	assert.NoFileExists(t, filepath.Join(f.mgr.PatchesDir(), "r1.pending"))
	info, err = f.mgr.Show(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, patch.PendingNone, info.Pending)

	mods, err := f.reg.ListInstalledModules(ctx)
	require.NoError(t, err)
	require.Len(t, mods, 1)
	assert.Equal(t, registry.StateActive, mods[0].State)
}

func TestResume_RemovesStaleMarker(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.mgr.PatchesDir(), "ghost.pending"), []byte("install\n"), 0o644))

	done, err := f.mgr.Resume(context.Background())
	require.NoError(t, err)
	assert.Empty(t, done)
	assert.NoFileExists(t, filepath.Join(f.mgr.PatchesDir(), "ghost.pending"))
}

func TestResume_RebuildsRecordOfPublishedRollup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addP1(t)
	f.addR1(t)
	_, err := f.mgr.Install(ctx, []string{"p1"})
	require.NoError(t, err)
	_, err = f.mgr.Install(ctx, []string{"r1"})
	require.NoError(t, err)

	// Interrupted after the commit was published, before any record was
	// updated: the superseded record is still there and r1 has none.
	require.NoError(t, f.mgr.writeMarker("r1", markerInstall))
	require.NoError(t, f.mgr.Store().DeleteRecords(ctx, "r1"))
	require.NoError(t, f.mgr.Store().PutRecord(ctx, patch.NewRecord("p1", patch.KindNonRollup)))
	calls := len(f.reg.Calls())

	done, err := f.mgr.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Pending{{PatchID: "r1", Op: markerInstall}}, done)
	assert.NoFileExists(t, filepath.Join(f.mgr.PatchesDir(), "r1.pending"))

	info, err := f.mgr.Show(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, info.Installed)
	assert.Equal(t, patch.PendingNone, info.Pending)
	require.NotNil(t, info.Record)
	require.Len(t, info.Record.Modules, 1)
	assert.Equal(t, "1.3.2", info.Record.Modules[0].PreviousVersion)

	p1, err := f.mgr.Show(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, p1.Installed)

	assert.Equal(t, []string{
		"stop mvn:org.foo/my-bsn/1.3.2",
		"uninstall mvn:org.foo/my-bsn/1.3.2",
		"install mvn:org.foo/my-bsn/1.3.2",
		"start mvn:org.foo/my-bsn/1.3.2",
		"refresh",
	}, f.reg.Calls()[calls:])
}

func TestResume_DropsInstallMarkerOfUnpublishedRollup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addR1(t)
	require.NoError(t, f.mgr.writeMarker("r1", markerInstall))

	done, err := f.mgr.Resume(ctx)
	require.NoError(t, err)
	assert.Empty(t, done)
	assert.NoFileExists(t, filepath.Join(f.mgr.PatchesDir(), "r1.pending"))
	assert.Empty(t, f.reg.Calls())

	info, err := f.mgr.Show(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, info.Installed)
	b, err := f.mgr.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", b.Version)
}

func TestResume_RollbackMarkerBeforeHistoryKeepsRollup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addR1(t)
	_, err := f.mgr.Install(ctx, []string{"r1"})
	require.NoError(t, err)

	require.NoError(t, f.mgr.writeMarker("r1", markerRollback))
	require.NoError(t, f.mgr.Store().SetPending(ctx, "r1", patch.PendingRollupRollback))
	calls := len(f.reg.Calls())

	done, err := f.mgr.Resume(ctx)
	require.NoError(t, err)
	assert.Empty(t, done)
	assert.NoFileExists(t, filepath.Join(f.mgr.PatchesDir(), "r1.pending"))
	assert.Len(t, f.reg.Calls(), calls)

	info, err := f.mgr.Show(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, info.Installed)
	assert.Equal(t, patch.PendingNone, info.Pending)
	assert.Equal(t, "port=9090\n", testutil.ReadFile(t, f.root, "etc/app.cfg"))
}

func TestRollback_ConflictUnlessForced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addP1(t)

	_, err := f.mgr.Install(ctx, []string{"p1"})
	require.NoError(t, err)
	testutil.WriteTree(t, f.root, map[string]string{"etc/app.cfg": "port=8282\n"})

	_, err = f.mgr.Rollback(ctx, "p1", false)
	require.Error(t, err)
	assert.True(t, txn.IsRollbackConflict(err), "got %v", err)
	has, err := f.mgr.Store().HasRecord(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, has)

	_, err = f.mgr.Rollback(ctx, "p1", true)
	require.NoError(t, err)
	assert.Equal(t, "port=8282\n", testutil.ReadFile(t, f.root, "etc/app.cfg"))
}

func TestTrack_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, ok, err := f.mgr.Track(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	testutil.WriteTree(t, f.root, map[string]string{"etc/extra.cfg": "x=1\n"})
	_, ok, err = f.mgr.Track(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	_, ok, err = f.mgr.Track(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDiff(t *testing.T) {
	ch := history.Change{Path: "etc/a.cfg", Type: history.Modified}
	before := "1\n2\n3\n4\n5\n6\n7\n8\n"
	after := "1\n2\n3\n4\nfive\n6\n7\n8\n"

	fd := Diff(ch, []byte(before), []byte(after))
	assert.Equal(t, []string{"@@", " 3", " 4", "-5", "+five", " 6", " 7", "@@"}, fd.Lines)

	bin := Diff(ch, []byte{0xff, 0xfe}, []byte("x"))
	assert.True(t, bin.Binary)
	assert.Empty(t, bin.Lines)
}
