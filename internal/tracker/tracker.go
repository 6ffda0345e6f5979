// Package tracker turns an unpacked patch into a "patch-<id>" branch forked
// from the current baseline.
//
// The branch holds a single commit whose parent is the baseline commit, so
// every patch diffs cleanly against a known installation state.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"go.uber.org/multierr"

	"github.com/roach88/patchkit/internal/baseline"
	"github.com/roach88/patchkit/internal/history"
	"github.com/roach88/patchkit/internal/patch"
	"github.com/roach88/patchkit/internal/tree"
)

// Prefix of patch branches and installed patch tags.
const Prefix = "patch-"

// Subject prefixes the tracked patch commit.
const Subject = "[patch] track "

// Name is the branch (and install tag) name of a patch.
func Name(id string) string { return Prefix + id }

// Tracker creates patch branches.
type Tracker struct {
	store     *history.Store
	baselines *baseline.Tracker
	layout    tree.Layout
	logger    *slog.Logger
}

// New creates a patch tracker.
func New(store *history.Store, baselines *baseline.Tracker, layout tree.Layout, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{store: store, baselines: baselines, layout: layout, logger: logger}
}

// Tracked reports whether the patch already has a branch.
func (t *Tracker) Tracked(ctx context.Context, id string) (bool, error) {
	return t.store.HasRef(ctx, history.BranchRef(Name(id)))
}

// Track creates (or recreates) the branch of p and returns its commit.
//
// Rollup payloads replace the managed directories of the baseline entirely.
// Removal entries are glob patterns matched against the baseline files,
// excluding paths the payload itself adds.
func (t *Tracker) Track(ctx context.Context, p *patch.Patch) (commit string, err error) {
	c, err := t.store.Fork(ctx)
	if err != nil {
		return "", err
	}
	defer func() { err = multierr.Append(err, c.Close()) }()

	b, err := t.baselines.Require(ctx, c, history.RemoteRef(history.MainBranch))
	if err != nil {
		return "", err
	}
	branch := Name(p.ID)
	if err := c.Checkout(ctx, branch, b.Commit); err != nil {
		return "", err
	}

	if p.Rollup {
		if err := t.layout.WipeManaged(c.Dir); err != nil {
			return "", err
		}
	}
	added, err := t.layout.CopyManaged(p.Dir, c.Dir)
	if err != nil {
		return "", fmt.Errorf("track %s: %w", p.ID, err)
	}
	if err := t.applyRemovals(c.Dir, p.Files, added); err != nil {
		return "", fmt.Errorf("track %s: %w", p.ID, err)
	}

	commit, err = c.Commit(ctx, Subject+branch)
	if err != nil {
		return "", err
	}
	if err := c.Push(ctx, "+HEAD:"+history.BranchRef(branch)); err != nil {
		return "", err
	}
	t.logger.Info("tracked patch", "patch", p.ID, "branch", branch, "baseline", b.Tag, "files", len(added))
	return commit, nil
}

func (t *Tracker) applyRemovals(dir string, entries []patch.FileEntry, added []string) error {
	keep := make(map[string]bool, len(added))
	for _, a := range added {
		keep[a] = true
	}
	var patterns []string
	for _, e := range entries {
		if e.Delete {
			patterns = append(patterns, path.Clean(e.Path))
		}
	}
	if len(patterns) == 0 {
		return nil
	}

	files, err := t.layout.Files(dir)
	if err != nil {
		return err
	}
	for _, f := range files {
		if keep[f] || !matchAny(patterns, f) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, filepath.FromSlash(f))); err != nil {
			return err
		}
		t.logger.Debug("removed by patch", "path", f)
	}
	return nil
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, _ := path.Match(p, name); ok {
			return true
		}
	}
	return false
}
