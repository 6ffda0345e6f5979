package history

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// PickResult is the outcome of a cherry-pick or revert.
type PickResult int

const (
	// PickOK means the changes were applied cleanly and staged.
	PickOK PickResult = iota

	// PickConflicting means conflicts were left in the index, uncommitted.
	PickConflicting
)

func (r PickResult) String() string {
	if r == PickConflicting {
		return "CONFLICTING"
	}
	return "OK"
}

// ChangeType is the kind of a path change between two commits.
type ChangeType string

const (
	Added       ChangeType = "A"
	Modified    ChangeType = "M"
	Deleted     ChangeType = "D"
	TypeChanged ChangeType = "T"
)

// Change is one changed path, slash separated.
type Change struct {
	Path string
	Type ChangeType
}

// Commit is a commit id with its subject line.
type Commit struct {
	ID      string
	Subject string
}

// UnmergedEntry is one index stage of a conflicting path.
// Stage 1 is the merge base, 2 is "ours" (HEAD), 3 is "theirs".
type UnmergedEntry struct {
	Path  string
	Stage int
	Blob  string
}

// Clone is a disposable working clone. All mutating history operations
// happen here; the store changes only through Push.
type Clone struct {
	Dir string

	git    *Git
	store  *Store
	logger *slog.Logger
}

// Path returns the absolute path of a slash-separated tree path.
func (c *Clone) Path(rel string) string {
	return filepath.Join(c.Dir, filepath.FromSlash(rel))
}

// Close removes the clone from disk.
func (c *Clone) Close() error {
	if c == nil || c.Dir == "" {
		return nil
	}
	if err := os.RemoveAll(c.Dir); err != nil {
		return fmt.Errorf("remove clone: %w", err)
	}
	return nil
}

func (c *Clone) run(ctx context.Context, args ...string) (string, error) {
	return c.git.Run(ctx, c.Dir, args...)
}

// Checkout switches to branch. With a start point the branch is created
// (or reset) at that point.
func (c *Clone) Checkout(ctx context.Context, branch, startPoint string) error {
	args := []string{"checkout", "--quiet"}
	if startPoint != "" {
		args = append(args, "-B", branch, startPoint)
	} else {
		args = append(args, branch)
	}
	if _, err := c.run(ctx, args...); err != nil {
		return fmt.Errorf("checkout %s: %w", branch, err)
	}
	return nil
}

// Orphan starts an unborn branch with an empty index, for the first commit
// of an empty history.
func (c *Clone) Orphan(ctx context.Context, branch string) error {
	if _, err := c.run(ctx, "symbolic-ref", "HEAD", BranchRef(branch)); err != nil {
		return fmt.Errorf("orphan %s: %w", branch, err)
	}
	return nil
}

// StageAll stages every change of the working tree.
func (c *Clone) StageAll(ctx context.Context) error {
	if _, err := c.run(ctx, "add", "--all", "--force", "."); err != nil {
		return fmt.Errorf("stage: %w", err)
	}
	return nil
}

// Clean reports whether the working tree and index match HEAD.
func (c *Clone) Clean(ctx context.Context) (bool, error) {
	out, err := c.run(ctx, "status", "--porcelain", "--untracked-files=all")
	if err != nil {
		return false, fmt.Errorf("status: %w", err)
	}
	return strings.TrimSpace(out) == "", nil
}

// Commit stages everything and records a commit, even when empty.
func (c *Clone) Commit(ctx context.Context, message string) (string, error) {
	if err := c.StageAll(ctx); err != nil {
		return "", err
	}
	if _, err := c.run(ctx, "commit", "--quiet", "--allow-empty", "--no-verify", "-m", message); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return c.RevParse(ctx, "HEAD")
}

// RevParse resolves ref to a commit id.
func (c *Clone) RevParse(ctx context.Context, ref string) (string, error) {
	out, err := c.run(ctx, "rev-parse", "--verify", ref+"^{commit}")
	if err != nil {
		return "", fmt.Errorf("rev-parse %s: %w", ref, err)
	}
	return strings.TrimSpace(out), nil
}

// HasRef reports whether ref resolves to a commit in the clone.
func (c *Clone) HasRef(ctx context.Context, ref string) (bool, error) {
	_, err := c.run(ctx, "rev-parse", "--verify", "--quiet", ref+"^{commit}")
	if err == nil {
		return true, nil
	}
	if exitCode(err) == 1 {
		return false, nil
	}
	return false, err
}

// Tag points a lightweight tag at commit, replacing any existing one.
func (c *Clone) Tag(ctx context.Context, name, commit string) error {
	if _, err := c.run(ctx, "tag", "--force", name, commit); err != nil {
		return fmt.Errorf("tag %s: %w", name, err)
	}
	return nil
}

// DeleteTag removes a local tag. Missing tags are not an error.
func (c *Clone) DeleteTag(ctx context.Context, name string) error {
	ok, err := c.HasRef(ctx, TagRef(name))
	if err != nil || !ok {
		return err
	}
	if _, err := c.run(ctx, "tag", "--delete", name); err != nil {
		return fmt.Errorf("delete tag %s: %w", name, err)
	}
	return nil
}

// Diff lists the paths changed between two commits in path order.
func (c *Clone) Diff(ctx context.Context, from, to string) ([]Change, error) {
	out, err := c.run(ctx, "diff", "--name-status", "--no-renames", "-z", from, to)
	if err != nil {
		return nil, fmt.Errorf("diff %s %s: %w", from, to, err)
	}
	fields := strings.Split(out, "\x00")
	var changes []Change
	for i := 0; i+1 < len(fields); i += 2 {
		if fields[i] == "" {
			break
		}
		changes = append(changes, Change{Type: ChangeType(fields[i][:1]), Path: fields[i+1]})
	}
	return changes, nil
}

// TouchedPaths returns every path changed by any commit in from..to.
func (c *Clone) TouchedPaths(ctx context.Context, from, to string) (map[string]bool, error) {
	out, err := c.run(ctx, "log", "--no-renames", "--name-only", "--format=", from+".."+to)
	if err != nil {
		return nil, fmt.Errorf("log %s..%s: %w", from, to, err)
	}
	paths := make(map[string]bool)
	for _, l := range lines(out) {
		if l = strings.TrimSpace(l); l != "" {
			paths[l] = true
		}
	}
	return paths, nil
}

// Log lists the commits of from..to oldest first. An empty from lists the
// whole history of to.
func (c *Clone) Log(ctx context.Context, from, to string) ([]Commit, error) {
	spec := to
	if from != "" {
		spec = from + ".." + to
	}
	out, err := c.run(ctx, "log", "--reverse", "--format=%H%x1f%s", spec)
	if err != nil {
		return nil, fmt.Errorf("log %s: %w", spec, err)
	}
	var commits []Commit
	for _, l := range lines(out) {
		id, subject, _ := strings.Cut(l, "\x1f")
		commits = append(commits, Commit{ID: id, Subject: subject})
	}
	return commits, nil
}

// Describe returns the nearest tag matching pattern reachable from ref, or
// "" when there is none.
func (c *Clone) Describe(ctx context.Context, ref, pattern string) (string, error) {
	out, err := c.run(ctx, "describe", "--tags", "--abbrev=0", "--match", pattern, ref)
	if err != nil {
		if exitCode(err) == 128 && strings.Contains(stderrOf(err), "describe") {
			return "", nil
		}
		return "", fmt.Errorf("describe %s: %w", ref, err)
	}
	return strings.TrimSpace(out), nil
}

// TagsBetween returns the tags matching pattern that point at commits in
// from..to, sorted by name.
func (c *Clone) TagsBetween(ctx context.Context, from, to, pattern string) ([]string, error) {
	spec := to
	if from != "" {
		spec = from + ".." + to
	}
	out, err := c.run(ctx, "rev-list", spec)
	if err != nil {
		return nil, fmt.Errorf("rev-list %s: %w", spec, err)
	}
	inRange := make(map[string]bool)
	for _, id := range lines(out) {
		inRange[id] = true
	}

	out, err = c.run(ctx, "for-each-ref", "--sort=refname",
		"--format=%(refname:strip=2)%00%(objectname)%00%(*objectname)", "refs/tags/"+pattern)
	if err != nil {
		return nil, fmt.Errorf("for-each-ref: %w", err)
	}
	var tags []string
	for _, l := range lines(out) {
		parts := strings.Split(l, "\x00")
		if len(parts) != 3 {
			continue
		}
		target := parts[1]
		if parts[2] != "" {
			target = parts[2]
		}
		if inRange[target] {
			tags = append(tags, parts[0])
		}
	}
	return tags, nil
}

// CherryPick applies the changes of commit to the index and working tree
// without committing.
func (c *Clone) CherryPick(ctx context.Context, commit string) (PickResult, error) {
	return c.pick(ctx, "cherry-pick", commit)
}

// Revert applies the inverse changes of commit without committing.
func (c *Clone) Revert(ctx context.Context, commit string) (PickResult, error) {
	return c.pick(ctx, "revert", commit)
}

func (c *Clone) pick(ctx context.Context, op, commit string) (PickResult, error) {
	_, err := c.run(ctx, op, "--no-commit", commit)
	if err == nil {
		return PickOK, nil
	}
	unmerged, uerr := c.Unmerged(ctx)
	if uerr != nil {
		return PickOK, fmt.Errorf("%s %s: %w", op, commit, err)
	}
	if len(unmerged) == 0 {
		return PickOK, fmt.Errorf("%s %s: %w", op, commit, err)
	}
	c.logger.Debug("conflicts left in index", "op", op, "commit", commit, "entries", len(unmerged))
	return PickConflicting, nil
}

// Unmerged lists the stages of every conflicting path.
func (c *Clone) Unmerged(ctx context.Context) ([]UnmergedEntry, error) {
	out, err := c.run(ctx, "ls-files", "--unmerged", "-z")
	if err != nil {
		return nil, fmt.Errorf("ls-files: %w", err)
	}
	var entries []UnmergedEntry
	for _, rec := range strings.Split(out, "\x00") {
		if rec == "" {
			continue
		}
		// "<mode> <blob> <stage>\t<path>"
		meta, path, ok := strings.Cut(rec, "\t")
		if !ok {
			continue
		}
		f := strings.Fields(meta)
		if len(f) != 3 {
			continue
		}
		stage := int(f[2][0] - '0')
		entries = append(entries, UnmergedEntry{Path: path, Stage: stage, Blob: f[1]})
	}
	return entries, nil
}

// Blob returns the content of a blob object.
func (c *Clone) Blob(ctx context.Context, id string) ([]byte, error) {
	out, err := c.git.RunBytes(ctx, c.Dir, nil, "cat-file", "blob", id)
	if err != nil {
		return nil, fmt.Errorf("cat-file %s: %w", id, err)
	}
	return out, nil
}

// Show returns the content of path at commit.
func (c *Clone) Show(ctx context.Context, commit, path string) ([]byte, error) {
	out, err := c.git.RunBytes(ctx, c.Dir, nil, "show", commit+":"+path)
	if err != nil {
		return nil, fmt.Errorf("show %s:%s: %w", commit, path, err)
	}
	return out, nil
}

// Files lists the paths tracked at commit below prefix ("" for all).
func (c *Clone) Files(ctx context.Context, commit, prefix string) ([]string, error) {
	args := []string{"ls-tree", "-r", "--name-only", "-z", commit}
	if prefix != "" {
		args = append(args, "--", prefix)
	}
	out, err := c.run(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("ls-tree %s: %w", commit, err)
	}
	var files []string
	for _, f := range strings.Split(out, "\x00") {
		if f != "" {
			files = append(files, f)
		}
	}
	return files, nil
}

// Resolve marks paths as resolved with their current working tree content,
// removing those that no longer exist.
func (c *Clone) Resolve(ctx context.Context, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	args := append([]string{"add", "--all", "--force", "--"}, paths...)
	if _, err := c.run(ctx, args...); err != nil {
		return fmt.Errorf("resolve: %w", err)
	}
	return nil
}

// ResetHard resets the current branch, index and working tree to ref and
// removes untracked files.
func (c *Clone) ResetHard(ctx context.Context, ref string) error {
	if _, err := c.run(ctx, "reset", "--quiet", "--hard", ref); err != nil {
		return fmt.Errorf("reset %s: %w", ref, err)
	}
	if _, err := c.run(ctx, "clean", "--quiet", "-f", "-d", "-x"); err != nil {
		return fmt.Errorf("clean: %w", err)
	}
	return nil
}

// Push sends refspecs to the store.
func (c *Clone) Push(ctx context.Context, refspecs ...string) error {
	if len(refspecs) == 0 {
		return nil
	}
	args := append([]string{"push", "--quiet", "origin"}, refspecs...)
	if _, err := c.run(ctx, args...); err != nil {
		return fmt.Errorf("push: %w", err)
	}
	c.logger.Debug("pushed", "refspecs", refspecs)
	return nil
}
