package testutil

import (
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func fmtSeq(prefix string, n int) string {
	return fmt.Sprintf("%s-%04d", prefix, n)
}

// RequireGit skips the test when no git binary is available.
func RequireGit(t testing.TB) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}

// WriteTree writes files (slash-separated path to content) below root.
func WriteTree(t testing.TB, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

// ReadTree returns every regular file below root, optionally restricted to
// the given top-level directories, keyed by slash-separated path.
func ReadTree(t testing.TB, root string, dirs ...string) map[string]string {
	t.Helper()
	files := make(map[string]string)
	walk := func(base string) {
		err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}
			if !d.Type().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(root, p)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(p)
			if err != nil {
				return err
			}
			files[filepath.ToSlash(rel)] = string(data)
			return nil
		})
		require.NoError(t, err)
	}
	if len(dirs) == 0 {
		walk(root)
	}
	for _, d := range dirs {
		walk(filepath.Join(root, d))
	}
	return files
}

// ReadFile returns the content of a slash-separated path below root, or ""
// when it does not exist.
func ReadFile(t testing.TB, root, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	if os.IsNotExist(err) {
		return ""
	}
	require.NoError(t, err)
	return string(data)
}
