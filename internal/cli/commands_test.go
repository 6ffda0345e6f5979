package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/patchkit/internal/manager"
	"github.com/roach88/patchkit/internal/testutil"
)

type installation struct {
	root   string
	config string
}

func newInstallation(t *testing.T) *installation {
	t.Helper()
	testutil.RequireGit(t)

	root := t.TempDir()
	testutil.WriteTree(t, root, map[string]string{
		"etc/app.cfg": "port=8080\n",
		"bin/start":   "run\n",
	})
	cfgDir := t.TempDir()
	testutil.WriteTree(t, cfgDir, map[string]string{
		"patchkit.yaml": "managedDirs: [bin, etc, system]\n",
	})
	return &installation{root: root, config: filepath.Join(cfgDir, "patchkit.yaml")}
}

// run executes the CLI against the installation and returns stdout.
func (in *installation) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--install", in.root, "--config", in.config}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func (in *installation) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := in.run(t, args...)
	require.NoError(t, err, out)
	return out
}

// archive writes a patch archive directory.
func archive(t *testing.T, id, descriptor string, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	all := map[string]string{id + ".patch": descriptor}
	for k, v := range files {
		all[k] = v
	}
	testutil.WriteTree(t, dir, all)
	return dir
}

func decode(t *testing.T, out string, data any) {
	t.Helper()
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status)
	require.NoError(t, json.Unmarshal(resp.Data, data))
}

func TestLifecycle(t *testing.T) {
	in := newInstallation(t)

	out := in.mustRun(t, "init", "--version", "1.0.0")
	assert.Equal(t, "Established baseline 1.0.0 (baseline-1.0.0)\n", out)

	p1 := archive(t, "p1", "id=p1\ndescription=port change\n", map[string]string{
		"etc/app.cfg": "port=8181\n",
	})
	out = in.mustRun(t, "add", p1)
	assert.Equal(t, "Added p1 (NON_ROLLUP)\n", out)

	var infos []manager.Info
	decode(t, in.mustRun(t, "--format", "json", "list"), &infos)
	require.Len(t, infos, 1)
	assert.Equal(t, "p1", infos[0].ID)
	assert.False(t, infos[0].Installed)

	out = in.mustRun(t, "simulate", "--diff", "p1")
	assert.Contains(t, out, "Would install p1 (NON_ROLLUP)")
	assert.Contains(t, out, "  M etc/app.cfg")
	assert.Contains(t, out, "-port=8080\n+port=8181\n")
	assert.Equal(t, "port=8080\n", testutil.ReadFile(t, in.root, "etc/app.cfg"))

	out = in.mustRun(t, "install", "p1")
	assert.Contains(t, out, "Installed p1 (NON_ROLLUP)")
	assert.Equal(t, "port=8181\n", testutil.ReadFile(t, in.root, "etc/app.cfg"))

	var info manager.Info
	decode(t, in.mustRun(t, "--format", "json", "show", "p1"), &info)
	assert.True(t, info.Installed)
	assert.Equal(t, "port change", info.Description)
	require.NotNil(t, info.Record)
	assert.Equal(t, "p1", info.Record.PatchID)

	out = in.mustRun(t, "rollback", "p1")
	assert.Contains(t, out, "Rolled back p1 (NON_ROLLUP)")
	assert.Equal(t, "port=8080\n", testutil.ReadFile(t, in.root, "etc/app.cfg"))

	assert.Equal(t, "Nothing to resume\n", in.mustRun(t, "resume"))
}

func TestTrack(t *testing.T) {
	in := newInstallation(t)
	in.mustRun(t, "init", "--version", "1.0.0")

	assert.Equal(t, "No local changes\n", in.mustRun(t, "track"))

	testutil.WriteTree(t, in.root, map[string]string{"etc/app.cfg": "port=9999\n"})
	var res TrackOutput
	decode(t, in.mustRun(t, "--format", "json", "track"), &res)
	assert.True(t, res.Recorded)
	assert.NotEmpty(t, res.Commit)
}

func TestErrorsMapToExitCodes(t *testing.T) {
	in := newInstallation(t)
	in.mustRun(t, "init", "--version", "1.0.0")

	out, err := in.run(t, "--format", "json", "install", "missing")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "UNKNOWN_PATCH", resp.Error.Code)

	out, err = in.run(t, "rollback", "missing")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error [NOT_INSTALLED]")
}

func TestBadConfig(t *testing.T) {
	in := newInstallation(t)
	testutil.WriteTree(t, filepath.Dir(in.config), map[string]string{
		"patchkit.yaml": "unknownField: 1\n",
	})

	out, err := in.run(t, "list")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [CONFIG]")
}
