package txn

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/multierr"

	"github.com/roach88/patchkit/internal/baseline"
	"github.com/roach88/patchkit/internal/conflict"
	"github.com/roach88/patchkit/internal/history"
	"github.com/roach88/patchkit/internal/patch"
	"github.com/roach88/patchkit/internal/tracker"
)

// Undo is the outcome of a post-commit rollback.
type Undo struct {
	PatchID string
	Kind    patch.Kind
	Commit  string

	// Restored is the baseline a rollup rollback returned to.
	Restored *baseline.Baseline

	// Orphaned are non-rollup patches installed on the rolled back
	// baseline; their tags were removed.
	Orphaned []string

	Changes []history.Change
}

// RollbackPatch reverts an installed non-rollup patch on the main line.
//
// It fails with NOT_INSTALLED when the patch tag does not exist, for
// instance because a rollup superseded it. Unless forced, a
// RollbackConflictError is returned without changes when later commits
// touched the patch's paths; forced reverts prefer the later content on
// conflict.
func (m *Manager) RollbackPatch(ctx context.Context, id string, force bool) (u *Undo, err error) {
	if _, _, err := m.users.Track(ctx); err != nil {
		return nil, err
	}
	c, err := m.store.Fork(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { err = multierr.Append(err, c.Close()) }()

	name := tracker.Name(id)
	ok, err := c.HasRef(ctx, history.TagRef(name))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, patch.NewPatchValidationError(patch.ErrCodeNotInstalled, id, "patch is not installed")
	}
	commit, err := c.RevParse(ctx, history.TagRef(name))
	if err != nil {
		return nil, err
	}
	start, err := c.RevParse(ctx, history.RemoteRef(history.MainBranch))
	if err != nil {
		return nil, err
	}

	if !force {
		if paths, err := m.overlap(ctx, c, commit, start); err != nil {
			return nil, err
		} else if len(paths) > 0 {
			return nil, &RollbackConflictError{PatchID: id, Paths: paths}
		}
	}

	if err := c.Checkout(ctx, history.MainBranch, start); err != nil {
		return nil, err
	}
	req := conflict.Request{PatchID: id, Policy: conflict.PreferUser, PatchSide: conflict.Theirs}
	if err := m.pick(ctx, c, commit, true, req); err != nil {
		return nil, err
	}
	head, err := c.Commit(ctx, SubjectRollback+name)
	if err != nil {
		return nil, err
	}
	if err := c.DeleteTag(ctx, name); err != nil {
		return nil, err
	}

	changes, err := m.publish(ctx, c, start, head, false, []string{":" + history.TagRef(name)})
	if err != nil {
		return nil, err
	}
	m.logger.Info("rolled back patch", "patch", id, "commit", head, "forced", force)
	return &Undo{PatchID: id, Kind: patch.KindNonRollup, Commit: head, Changes: changes}, nil
}

// overlap returns the paths changed both by commit and by the commits after
// it up to head. Conflict backups are ignored.
func (m *Manager) overlap(ctx context.Context, c *history.Clone, commit, head string) ([]string, error) {
	own, err := c.TouchedPaths(ctx, commit+"^", commit)
	if err != nil {
		return nil, err
	}
	later, err := c.TouchedPaths(ctx, commit, head)
	if err != nil {
		return nil, err
	}
	var paths []string
	for p := range own {
		if later[p] && !m.isBackup(p) {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func (m *Manager) isBackup(p string) bool {
	b := m.opts.Layout.BackupDir
	return b != "" && strings.HasPrefix(p, b+"/")
}

// RollbackRollup returns the installation to the baseline preceding the one
// rollup id established.
//
// The main line is reset to the previous baseline and the user changes
// recorded since the rolled back one are replayed, preferring the user.
// Content the rollup's install commit backed up is then restored where the
// replay left it alone, and the rollup's backups are dropped. Tags of patches installed
// on the rolled back baseline, and the baseline tag itself, are removed.
func (m *Manager) RollbackRollup(ctx context.Context, id string) (u *Undo, err error) {
	if _, _, err := m.users.Track(ctx); err != nil {
		return nil, err
	}
	c, err := m.store.Fork(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { err = multierr.Append(err, c.Close()) }()

	start, err := c.RevParse(ctx, history.RemoteRef(history.MainBranch))
	if err != nil {
		return nil, err
	}
	cur, err := m.baselines.Require(ctx, c, start)
	if err != nil {
		return nil, err
	}
	if ok, err := m.establishedBy(ctx, c, cur, id); err != nil {
		return nil, err
	} else if !ok {
		return nil, patch.NewPatchValidationError(patch.ErrCodeNotInstalled, id,
			"rollup did not establish the current baseline "+cur.Tag)
	}
	prev, err := m.baselines.Previous(ctx, c, cur)
	if err != nil {
		return nil, err
	}
	if prev == nil {
		return nil, patch.NewPatchValidationError(patch.ErrCodeNoBaseline, id, "no baseline precedes "+cur.Tag)
	}

	orphaned, err := c.TagsBetween(ctx, cur.Commit, start, tracker.Prefix+"*")
	if err != nil {
		return nil, err
	}

	if err := c.Checkout(ctx, history.MainBranch, start); err != nil {
		return nil, err
	}
	if err := c.ResetHard(ctx, prev.Commit); err != nil {
		return nil, err
	}
	replayed, err := m.replayUserChanges(ctx, c, id, cur.Commit, start, conflict.Ours)
	if err != nil {
		return nil, err
	}
	if err := m.restoreBackups(ctx, c, cur.Commit, prev.Commit, id); err != nil {
		return nil, err
	}

	if m.opts.Layout.BackupDir != "" {
		if err := os.RemoveAll(c.Path(path.Join(m.opts.Layout.BackupDir, id))); err != nil {
			return nil, fmt.Errorf("drop backups of %s: %w", id, err)
		}
	}
	head, err := c.Commit(ctx, SubjectRollback+tracker.Name(id))
	if err != nil {
		return nil, err
	}

	refspecs := []string{":" + history.TagRef(cur.Tag)}
	ids := make([]string, 0, len(orphaned))
	for _, t := range orphaned {
		refspecs = append(refspecs, ":"+history.TagRef(t))
		ids = append(ids, strings.TrimPrefix(t, tracker.Prefix))
	}
	for _, t := range append([]string{cur.Tag}, orphaned...) {
		if err := c.DeleteTag(ctx, t); err != nil {
			return nil, err
		}
	}

	changes, err := m.publish(ctx, c, start, head, true, refspecs)
	if err != nil {
		return nil, err
	}
	m.logger.Info("rolled back rollup", "patch", id, "baseline", prev.Tag, "replayed", replayed, "orphaned", len(ids))
	return &Undo{
		PatchID:  id,
		Kind:     patch.KindRollup,
		Commit:   head,
		Restored: prev,
		Orphaned: ids,
		Changes:  changes,
	}, nil
}

// establishedBy reports whether baseline b was tagged on the install commit
// of rollup id.
func (m *Manager) establishedBy(ctx context.Context, c *history.Clone, b *baseline.Baseline, id string) (bool, error) {
	commits, err := c.Log(ctx, b.Commit+"^", b.Commit)
	if err != nil {
		return false, err
	}
	for _, cm := range commits {
		if cm.ID == b.Commit {
			return cm.Subject == SubjectInstall+tracker.Name(id), nil
		}
	}
	return false, nil
}

// restoreBackups writes back the content that the install commit of rollup
// id displaced when its payload won a conflict. Paths changed again by the
// replayed user changes since base keep the replayed content.
func (m *Manager) restoreBackups(ctx context.Context, c *history.Clone, install, base, id string) error {
	backupDir := m.opts.Layout.BackupDir
	if backupDir == "" {
		return nil
	}
	changes, err := c.Diff(ctx, install+"^", install)
	if err != nil {
		return err
	}
	replayed, err := c.TouchedPaths(ctx, base, "HEAD")
	if err != nil {
		return err
	}
	prefix := path.Join(backupDir, id) + "/"
	for _, ch := range changes {
		if ch.Type == history.Deleted || !strings.HasPrefix(ch.Path, prefix) {
			continue
		}
		// <backup>/<id>/<seq>/user/<path>
		parts := strings.SplitN(strings.TrimPrefix(ch.Path, prefix), "/", 3)
		if len(parts) != 3 || parts[1] != conflict.LoserUser || replayed[parts[2]] {
			continue
		}
		data, err := c.Show(ctx, install, ch.Path)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(c.Path(parts[2])), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(c.Path(parts[2]), data, 0o644); err != nil {
			return err
		}
		m.logger.Debug("restored backup", "patch", id, "path", parts[2])
	}
	return nil
}
