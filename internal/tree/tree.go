// Package tree maps the live installation tree to and from history working
// clones.
//
// Only the managed directories and the backup directory are tracked; the
// rest of the installation (including the patches directory) is ignored.
package tree

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/patchkit/internal/history"
	"github.com/roach88/patchkit/internal/patch"
)

// materializeWorkers bounds concurrent file copies.
const materializeWorkers = 8

// Layout describes which parts of an installation are under history.
type Layout struct {
	// Root is the installation root.
	Root string

	// ManagedDirs are the top-level directories replaced by patches.
	ManagedDirs []string

	// BackupDir holds losing conflict content; tracked but never wiped.
	BackupDir string

	// SystemDir is the module repository below Root.
	SystemDir string

	Logger *slog.Logger
}

func (l Layout) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}

// Tracked returns the managed directories plus the backup directory.
func (l Layout) Tracked() []string {
	dirs := append([]string(nil), l.ManagedDirs...)
	if l.BackupDir != "" {
		dirs = append(dirs, l.BackupDir)
	}
	return dirs
}

// IsTracked reports whether a slash-separated path lies in a tracked
// directory.
func (l Layout) IsTracked(rel string) bool {
	top, _, _ := strings.Cut(path.Clean(rel), "/")
	for _, d := range l.Tracked() {
		if top == d {
			return true
		}
	}
	return false
}

// IsManaged reports whether a slash-separated path lies in a managed
// directory.
func (l Layout) IsManaged(rel string) bool {
	top, _, _ := strings.Cut(path.Clean(rel), "/")
	for _, d := range l.ManagedDirs {
		if top == d {
			return true
		}
	}
	return false
}

// Live returns the absolute live path of a slash-separated path.
func (l Layout) Live(rel string) string {
	return filepath.Join(l.Root, filepath.FromSlash(rel))
}

// Snapshot replaces the tracked directories of dst with the live ones.
func (l Layout) Snapshot(dst string) error {
	return l.replaceTracked(l.Root, dst, l.Tracked())
}

// Restore replaces the live tracked directories with those of src.
func (l Layout) Restore(src string) error {
	return l.replaceTracked(src, l.Root, l.Tracked())
}

// WipeManaged removes the managed directories below dir.
func (l Layout) WipeManaged(dir string) error {
	for _, d := range l.ManagedDirs {
		if err := os.RemoveAll(filepath.Join(dir, d)); err != nil {
			return fmt.Errorf("wipe %s: %w", d, err)
		}
	}
	return nil
}

// CopyManaged copies the managed directories of src over dst without removing
// anything, and returns the slash-separated paths it wrote. Entries of src
// outside the managed directories are skipped.
func (l Layout) CopyManaged(src, dst string) ([]string, error) {
	var written []string
	for _, d := range l.ManagedDirs {
		base := filepath.Join(src, d)
		if _, err := os.Stat(base); os.IsNotExist(err) {
			continue
		}
		err := filepath.WalkDir(base, func(p string, e fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !e.Type().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(src, p)
			if err != nil {
				return err
			}
			written = append(written, filepath.ToSlash(rel))
			return patch.CopyFile(p, filepath.Join(dst, rel))
		})
		if err != nil {
			return nil, fmt.Errorf("copy %s: %w", d, err)
		}
	}
	return written, nil
}

// Files lists the regular files of the managed directories below dir.
func (l Layout) Files(dir string) ([]string, error) {
	var files []string
	for _, d := range l.ManagedDirs {
		base := filepath.Join(dir, d)
		err := filepath.WalkDir(base, func(p string, e fs.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}
			if !e.Type().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(dir, p)
			if err != nil {
				return err
			}
			files = append(files, filepath.ToSlash(rel))
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return files, nil
}

func (l Layout) replaceTracked(src, dst string, dirs []string) error {
	for _, d := range dirs {
		if err := os.RemoveAll(filepath.Join(dst, d)); err != nil {
			return fmt.Errorf("replace %s: %w", d, err)
		}
		from := filepath.Join(src, d)
		if _, err := os.Stat(from); os.IsNotExist(err) {
			continue
		}
		if err := patch.CopyTree(from, filepath.Join(dst, d)); err != nil {
			return fmt.Errorf("replace %s: %w", d, err)
		}
	}
	return nil
}

// Materialize applies changes, read from the clone directory src, onto the
// live installation. Copies run concurrently; the first failure cancels the
// rest.
func (l Layout) Materialize(ctx context.Context, src string, changes []history.Change) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(materializeWorkers)

	for _, ch := range changes {
		if !l.IsTracked(ch.Path) {
			l.logger().Debug("skipping untracked path", "path", ch.Path)
			continue
		}
		ch := ch
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			live := l.Live(ch.Path)
			if ch.Type == history.Deleted {
				if err := os.Remove(live); err != nil && !os.IsNotExist(err) {
					return fmt.Errorf("materialize %s: %w", ch.Path, err)
				}
				return nil
			}
			if err := patch.CopyFile(filepath.Join(src, filepath.FromSlash(ch.Path)), live); err != nil {
				return fmt.Errorf("materialize %s: %w", ch.Path, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, ch := range changes {
		if ch.Type == history.Deleted && l.IsTracked(ch.Path) {
			l.pruneEmpty(path.Dir(ch.Path))
		}
	}
	l.logger().Debug("materialized changes", "count", len(changes))
	return nil
}

// pruneEmpty removes empty parent directories up to the tracked root.
func (l Layout) pruneEmpty(dir string) {
	for dir != "." && dir != "/" && strings.Contains(dir, "/") {
		if err := os.Remove(l.Live(dir)); err != nil {
			return
		}
		dir = path.Dir(dir)
	}
}
