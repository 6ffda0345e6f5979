package patch

import (
	"archive/zip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDescriptor = `
id = patch-1
rollup = false
description = Fixes foo
bundle.count = 2
bundle.0 = mvn:org.foo/foo-core/1.3.2
bundle.1 = mvn:org.foo/foo-api/1.4.0
bundle.1.range = [1.3.0,1.5.0)
bundle.1.name = foo-api-bsn
featureDescriptor.count = 1
featureDescriptor.0 = mvn:org.foo/foo-features/1.3.2/yaml/features
file.count = 2
file.0 = bin/start
file.1 = lib/old-*.jar
file.1.delete = true
requirement.0 = patch-0
cve.count = 1
cve.0 = CVE-2024-0001
cve.0.description = remote code execution
cve.0.link = https://example.com/cve
cve.0.bz-link = https://bz.example.com/1
`

func TestLoadDescriptor(t *testing.T) {
	d, err := LoadDescriptor(strings.NewReader(sampleDescriptor))
	require.NoError(t, err)

	assert.Equal(t, "patch-1", d.ID)
	assert.False(t, d.Rollup)
	assert.Equal(t, KindNonRollup, d.Kind())
	assert.Equal(t, "Fixes foo", d.Description)

	require.Len(t, d.Modules, 2)
	assert.Equal(t, "foo-core", d.Modules[0].ModuleName())
	assert.Equal(t, "[1.3.0,1.5.0)", d.Modules[1].Range)
	assert.Equal(t, "foo-api-bsn", d.Modules[1].ModuleName())

	assert.Equal(t, []string{"mvn:org.foo/foo-features/1.3.2/yaml/features"}, d.Features)
	assert.Equal(t, []FileEntry{{Path: "bin/start"}, {Path: "lib/old-*.jar", Delete: true}}, d.Files)
	assert.Equal(t, []string{"patch-0"}, d.Requirements)
	require.Len(t, d.CVEs, 1)
	assert.Equal(t, CVE{
		ID:           "CVE-2024-0001",
		Description:  "remote code execution",
		Link:         "https://example.com/cve",
		BugzillaLink: "https://bz.example.com/1",
	}, d.CVEs[0])
}

func TestLoadDescriptor_RoundTripThroughBytes(t *testing.T) {
	d, err := LoadDescriptor(strings.NewReader(sampleDescriptor))
	require.NoError(t, err)

	back, err := LoadDescriptor(strings.NewReader(string(d.Bytes())))
	require.NoError(t, err)
	assert.Equal(t, d, back)
}

func TestLoadDescriptor_Errors(t *testing.T) {
	_, err := LoadDescriptor(strings.NewReader("rollup=true\n"))
	assert.True(t, HasCode(err, ErrCodeInvalidDescriptor))

	_, err = LoadDescriptor(strings.NewReader("id=x\nrollup=maybe\n"))
	assert.True(t, HasCode(err, ErrCodeInvalidDescriptor))

	_, err = LoadDescriptor(strings.NewReader("id=x\nbundle.0=mvn:g/a/1.0\nbundle.0.range=[2.0,1.0)\n"))
	assert.True(t, HasCode(err, ErrCodeUnresolvableRange))
	assert.True(t, IsValidationError(err))
}

func TestLoadDescriptor_Counts(t *testing.T) {
	d, err := LoadDescriptor(strings.NewReader("id=x\nbundle.count=2000000000\nbundle.0=mvn:g/a/1.0\nbundle.7=mvn:g/b/1.0\n"))
	require.NoError(t, err)
	require.Len(t, d.Modules, 2)
	assert.Equal(t, "mvn:g/b/1.0", d.Modules[1].Location)

	d, err = LoadDescriptor(strings.NewReader("id=x\nfile.count=1\nfile.0=etc/a.cfg\nfile.1=etc/b.cfg\n"))
	require.NoError(t, err)
	assert.Equal(t, []FileEntry{{Path: "etc/a.cfg"}}, d.Files)

	for _, text := range []string{
		"id=x\nbundle.count=-1\n",
		"id=x\ncve.count=lots\n",
		"id=x\nfile.0=etc/a.cfg\nfile.0.delete=maybe\n",
	} {
		_, err := LoadDescriptor(strings.NewReader(text))
		assert.True(t, HasCode(err, ErrCodeInvalidDescriptor), "%q: got %v", text, err)
	}
}

func TestProductVersion(t *testing.T) {
	d := &Descriptor{ID: "r1", Rollup: true}
	assert.Equal(t, "r1", d.ProductVersion())
	d.Version = "7.1.0"
	assert.Equal(t, "7.1.0", d.ProductVersion())
}

func TestUnpack_Zip(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "patch-1.zip")
	writeZip(t, archive, map[string]string{
		"patch-1.patch":                         "id=patch-1\nfile.0=bin/start\n",
		"bin/start":                             "#!/bin/sh\n",
		"system/org/foo/foo-core/1.3.2/foo.jar": "jar",
	})

	dest := filepath.Join(dir, "out")
	d, err := Unpack(archive, dest)
	require.NoError(t, err)
	assert.Equal(t, "patch-1", d.ID)

	assert.FileExists(t, filepath.Join(dest, "bin", "start"))
	assert.FileExists(t, filepath.Join(dest, "system", "org", "foo", "foo-core", "1.3.2", "foo.jar"))
	assert.NoFileExists(t, filepath.Join(dest, "patch-1.patch"))
}

func TestUnpack_Directory(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "p.patch"), []byte("id=p\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "etc"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "etc", "a.cfg"), []byte("a=1\n"), 0o644))

	dest := t.TempDir()
	d, err := Unpack(src, dest)
	require.NoError(t, err)
	assert.Equal(t, "p", d.ID)
	assert.FileExists(t, filepath.Join(dest, "etc", "a.cfg"))
}

func TestUnpack_RejectsZipSlip(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "evil.zip")
	writeZip(t, archive, map[string]string{
		"evil.patch":    "id=evil\n",
		"../escape.txt": "x",
	})
	_, err := Unpack(archive, filepath.Join(dir, "out"))
	assert.Error(t, err)
}

func TestUnpack_NeedsOneDescriptor(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "readme"), []byte("x"), 0o644))
	_, err := Unpack(src, t.TempDir())
	assert.True(t, HasCode(err, ErrCodeInvalidDescriptor))
}

func writeZip(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func TestCopyFile_AppliesSourceMode(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "start")
	require.NoError(t, os.WriteFile(src, []byte("#!/bin/sh\n"), 0o644))
	require.NoError(t, os.Chmod(src, 0o755))
	dst := filepath.Join(dir, "out", "start")
	require.NoError(t, os.MkdirAll(filepath.Dir(dst), 0o755))
	require.NoError(t, os.WriteFile(dst, []byte("old\n"), 0o600))

	require.NoError(t, CopyFile(src, dst))

	info, err := os.Stat(dst)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\n", string(data))
}
