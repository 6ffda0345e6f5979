package conflict

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/patchkit/internal/history"
	"github.com/roach88/patchkit/internal/testutil"
)

// conflicted leaves a clone on main with the patch branch cherry-picked on
// top and every path of the fixture conflicting.
func conflicted(t *testing.T) *history.Clone {
	t.Helper()
	testutil.RequireGit(t)
	ctx := context.Background()
	root := t.TempDir()
	s, err := history.OpenOrInit(ctx, filepath.Join(root, "history.git"), filepath.Join(root, "tmp"), &history.Git{})
	require.NoError(t, err)

	c, err := s.Fork(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	testutil.WriteTree(t, c.Dir, map[string]string{
		"etc/a.cfg":          "x=1\n",
		"etc/app.properties": "a=1\n",
		"etc/gone.cfg":       "keep=1\n",
	})
	base, err := c.Commit(ctx, "base")
	require.NoError(t, err)

	require.NoError(t, c.Checkout(ctx, "patch-p1", base))
	testutil.WriteTree(t, c.Dir, map[string]string{
		"etc/a.cfg":          "x=patch\n",
		"etc/app.properties": "a=patch\nb=2\n",
	})
	require.NoError(t, removeFile(c.Path("etc/gone.cfg")))
	patchCommit, err := c.Commit(ctx, "patch")
	require.NoError(t, err)

	require.NoError(t, c.Checkout(ctx, history.MainBranch, base))
	testutil.WriteTree(t, c.Dir, map[string]string{
		"etc/a.cfg":          "x=user\n",
		"etc/app.properties": "a=user\nc=3\n",
		"etc/gone.cfg":       "keep=user\n",
	})
	_, err = c.Commit(ctx, "user")
	require.NoError(t, err)

	res, err := c.CherryPick(ctx, patchCommit)
	require.NoError(t, err)
	require.Equal(t, history.PickConflicting, res)
	return c
}

func newResolver() *Resolver {
	return &Resolver{BackupDir: "backup", PropertyFiles: []string{"*.properties"}}
}

func byPath(rs []Resolution) map[string]Resolution {
	out := make(map[string]Resolution, len(rs))
	for _, r := range rs {
		out[r.Path] = r
	}
	return out
}

func TestResolve_PreferPatch(t *testing.T) {
	c := conflicted(t)
	ctx := context.Background()

	rs, err := newResolver().Resolve(ctx, c, Request{PatchID: "p1", Policy: PreferPatch, PatchSide: Theirs, Seq: 1})
	require.NoError(t, err)
	require.Len(t, rs, 3)

	got := byPath(rs)
	assert.Equal(t, BothModified, got["etc/a.cfg"].Kind)
	assert.Equal(t, "backup/p1/1/user/etc/a.cfg", got["etc/a.cfg"].Backup)
	assert.True(t, got["etc/app.properties"].Merged)
	assert.Equal(t, DeletedByOne, got["etc/gone.cfg"].Kind)
	assert.True(t, got["etc/gone.cfg"].Deleted)

	unmerged, err := c.Unmerged(ctx)
	require.NoError(t, err)
	assert.Empty(t, unmerged)

	assert.Equal(t, map[string]string{
		"etc/a.cfg":                           "x=patch\n",
		"etc/app.properties":                  "a=patch\nb=2\nc=3\n",
		"backup/p1/1/user/etc/a.cfg":          "x=user\n",
		"backup/p1/1/user/etc/app.properties": "a=user\nc=3\n",
		"backup/p1/1/user/etc/gone.cfg":       "keep=user\n",
	}, testutil.ReadTree(t, c.Dir, "etc", "backup"))
}

func TestResolve_PreferUser(t *testing.T) {
	c := conflicted(t)
	ctx := context.Background()

	rs, err := newResolver().Resolve(ctx, c, Request{PatchID: "p1", Policy: PreferUser, PatchSide: Theirs, Seq: 2})
	require.NoError(t, err)

	got := byPath(rs)
	assert.False(t, got["etc/gone.cfg"].Deleted)
	assert.Empty(t, got["etc/gone.cfg"].Backup)

	assert.Equal(t, map[string]string{
		"etc/a.cfg":                            "x=user\n",
		"etc/app.properties":                   "a=user\nc=3\nb=2\n",
		"etc/gone.cfg":                         "keep=user\n",
		"backup/p1/2/patch/etc/a.cfg":          "x=patch\n",
		"backup/p1/2/patch/etc/app.properties": "a=patch\nb=2\n",
	}, testutil.ReadTree(t, c.Dir, "etc", "backup"))
}

func TestResolve_WholeFileWithoutPropertyPatterns(t *testing.T) {
	c := conflicted(t)
	r := &Resolver{}

	_, err := r.Resolve(context.Background(), c, Request{PatchID: "p1", Policy: PreferPatch, PatchSide: Theirs})
	require.NoError(t, err)

	tree := testutil.ReadTree(t, c.Dir, "etc", "backup")
	assert.Equal(t, "a=patch\nb=2\n", tree["etc/app.properties"])
	_, hasBackup := tree["backup/p1/0/user/etc/a.cfg"]
	assert.False(t, hasBackup)
}

func TestResolve_PatchOnOurSide(t *testing.T) {
	c := conflicted(t)

	// with the patch as HEAD, prefer-user keeps the picked side
	_, err := newResolver().Resolve(context.Background(), c, Request{PatchID: "p1", Policy: PreferUser, PatchSide: Ours, Seq: 1})
	require.NoError(t, err)
	assert.Equal(t, "x=patch\n", testutil.ReadFile(t, c.Dir, "etc/a.cfg"))
	assert.Equal(t, "x=user\n", testutil.ReadFile(t, c.Dir, "backup/p1/1/patch/etc/a.cfg"))
}

func TestIsPropertyFile(t *testing.T) {
	r := &Resolver{PropertyFiles: []string{"*.properties", "etc/custom.cfg"}}
	assert.True(t, r.IsPropertyFile("etc/system.properties"))
	assert.True(t, r.IsPropertyFile("etc/custom.cfg"))
	assert.False(t, r.IsPropertyFile("etc/other.cfg"))
}

func TestPolicyString(t *testing.T) {
	assert.Equal(t, "prefer-patch", PreferPatch.String())
	assert.Equal(t, "prefer-user", PreferUser.String())
}
