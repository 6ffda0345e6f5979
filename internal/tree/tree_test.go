package tree

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/patchkit/internal/history"
	"github.com/roach88/patchkit/internal/testutil"
)

func testLayout(t *testing.T) Layout {
	return Layout{
		Root:        t.TempDir(),
		ManagedDirs: []string{"bin", "etc", "system"},
		BackupDir:   "patch-backup",
		SystemDir:   "system",
	}
}

func TestIsTracked(t *testing.T) {
	l := testLayout(t)
	assert.True(t, l.IsTracked("etc/a.cfg"))
	assert.True(t, l.IsTracked("patch-backup/p1/1/user/etc/a.cfg"))
	assert.False(t, l.IsTracked("patches/p1.patch"))
	assert.True(t, l.IsManaged("system/org/foo.jar"))
	assert.False(t, l.IsManaged("patch-backup/x"))
}

func TestSnapshotAndRestore(t *testing.T) {
	l := testLayout(t)
	testutil.WriteTree(t, l.Root, map[string]string{
		"etc/a.cfg":        "a=1\n",
		"bin/start":        "run\n",
		"patches/ignored":  "x",
		"patch-backup/p/1": "b",
	})

	clone := t.TempDir()
	testutil.WriteTree(t, clone, map[string]string{"etc/stale.cfg": "old"})
	require.NoError(t, l.Snapshot(clone))
	assert.Equal(t, map[string]string{
		"etc/a.cfg":        "a=1\n",
		"bin/start":        "run\n",
		"patch-backup/p/1": "b",
	}, testutil.ReadTree(t, clone))

	testutil.WriteTree(t, clone, map[string]string{"etc/a.cfg": "a=2\n"})
	require.NoError(t, l.Restore(clone))
	assert.Equal(t, "a=2\n", testutil.ReadFile(t, l.Root, "etc/a.cfg"))
	assert.Equal(t, "x", testutil.ReadFile(t, l.Root, "patches/ignored"))
}

func TestCopyManaged_SkipsOtherEntries(t *testing.T) {
	l := testLayout(t)
	src := t.TempDir()
	testutil.WriteTree(t, src, map[string]string{
		"etc/a.cfg": "a\n",
		"README":    "docs",
	})
	dst := t.TempDir()
	written, err := l.CopyManaged(src, dst)
	require.NoError(t, err)
	assert.Equal(t, []string{"etc/a.cfg"}, written)
	assert.Equal(t, map[string]string{"etc/a.cfg": "a\n"}, testutil.ReadTree(t, dst))
}

func TestMaterialize(t *testing.T) {
	l := testLayout(t)
	testutil.WriteTree(t, l.Root, map[string]string{
		"etc/a.cfg":          "a=1\n",
		"system/org/old.jar": "old",
	})
	src := t.TempDir()
	testutil.WriteTree(t, src, map[string]string{
		"etc/a.cfg":          "a=2\n",
		"system/org/new.jar": "new",
	})

	err := l.Materialize(context.Background(), src, []history.Change{
		{Path: "etc/a.cfg", Type: history.Modified},
		{Path: "system/org/new.jar", Type: history.Added},
		{Path: "system/org/old.jar", Type: history.Deleted},
		{Path: "outside/file", Type: history.Added},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"etc/a.cfg":          "a=2\n",
		"system/org/new.jar": "new",
	}, testutil.ReadTree(t, l.Root))
}

func TestMaterialize_PrunesEmptyDirs(t *testing.T) {
	l := testLayout(t)
	testutil.WriteTree(t, l.Root, map[string]string{"system/org/foo/1.0/foo.jar": "x"})

	err := l.Materialize(context.Background(), t.TempDir(), []history.Change{
		{Path: "system/org/foo/1.0/foo.jar", Type: history.Deleted},
	})
	require.NoError(t, err)
	assert.NoDirExists(t, filepath.Join(l.Root, "system", "org"))
	assert.DirExists(t, filepath.Join(l.Root, "system"))
}
