package conflict

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/roach88/patchkit/internal/history"
	"github.com/roach88/patchkit/internal/props"
)

// Policy is the tie-break rule.
type Policy int

const (
	PreferPatch Policy = iota
	PreferUser
)

func (p Policy) String() string {
	if p == PreferUser {
		return "prefer-user"
	}
	return "prefer-patch"
}

// Side is a git merge side.
type Side int

const (
	// Ours is HEAD (index stage 2).
	Ours Side = iota

	// Theirs is the picked or reverted commit (index stage 3).
	Theirs
)

func (s Side) other() Side {
	if s == Ours {
		return Theirs
	}
	return Ours
}

func (s Side) stage() int {
	if s == Ours {
		return 2
	}
	return 3
}

// Kind classifies a conflicting path.
type Kind string

const (
	BothModified Kind = "both-modified"
	DeletedByOne Kind = "deleted-by-one-side"
	BothDeleted  Kind = "both-deleted"
)

// Labels of the losing side in backup paths.
const (
	LoserPatch = "patch"
	LoserUser  = "user"
)

// Request describes one resolution session.
type Request struct {
	PatchID   string
	Policy    Policy
	PatchSide Side

	// Seq is the conflict sequence number of this session within the patch.
	Seq int
}

func (r Request) winner() Side {
	if r.Policy == PreferPatch {
		return r.PatchSide
	}
	return r.PatchSide.other()
}

func (r Request) loserLabel() string {
	if r.Policy == PreferPatch {
		return LoserUser
	}
	return LoserPatch
}

// Resolution reports what happened to one path.
type Resolution struct {
	Path string
	Kind Kind

	// Deleted is set when the path was resolved to absent.
	Deleted bool

	// Merged is set when a property merge kept keys of the losing side.
	Merged bool

	// Backup is the slash-separated backup path, empty when nothing was lost.
	Backup string
}

// Resolver applies a conflict policy to a working clone.
type Resolver struct {
	// BackupDir is the tracked directory receiving losing content.
	BackupDir string

	// PropertyFiles are glob patterns, matched against the full path or
	// the base name, of files merged line by line.
	PropertyFiles []string

	Logger *slog.Logger
}

func (r *Resolver) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

// BackupPath returns the backup location of a path.
func (r *Resolver) BackupPath(patchID string, seq int, loser, p string) string {
	return path.Join(r.BackupDir, patchID, strconv.Itoa(seq), loser, p)
}

// IsPropertyFile reports whether p is merged line by line.
func (r *Resolver) IsPropertyFile(p string) bool {
	for _, g := range r.PropertyFiles {
		if ok, _ := path.Match(g, p); ok {
			return true
		}
		if ok, _ := path.Match(g, path.Base(p)); ok {
			return true
		}
	}
	return false
}

type stages struct {
	blobs [4]string
}

func (s stages) has(stage int) bool { return s.blobs[stage] != "" }

// Resolve resolves every conflicting path of the clone and stages the result.
// Paths are handled in sorted order.
func (r *Resolver) Resolve(ctx context.Context, c *history.Clone, req Request) ([]Resolution, error) {
	entries, err := c.Unmerged(ctx)
	if err != nil {
		return nil, err
	}
	byPath := make(map[string]*stages)
	for _, e := range entries {
		s, ok := byPath[e.Path]
		if !ok {
			s = &stages{}
			byPath[e.Path] = s
		}
		if e.Stage >= 1 && e.Stage <= 3 {
			s.blobs[e.Stage] = e.Blob
		}
	}
	paths := make([]string, 0, len(byPath))
	for p := range byPath {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var out []Resolution
	var touched []string
	for _, p := range paths {
		res, err := r.resolvePath(ctx, c, req, p, byPath[p])
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", p, err)
		}
		touched = append(touched, p)
		if res.Backup != "" {
			touched = append(touched, res.Backup)
		}
		r.logger().Info("resolved conflict",
			"patch", req.PatchID, "path", p, "kind", res.Kind, "policy", req.Policy.String(),
			"backup", res.Backup, "merged", res.Merged)
		out = append(out, res)
	}
	if err := c.Resolve(ctx, touched...); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Resolver) resolvePath(ctx context.Context, c *history.Clone, req Request, p string, s *stages) (Resolution, error) {
	win, lose := req.winner(), req.winner().other()
	res := Resolution{Path: p}

	switch {
	case !s.has(2) && !s.has(3):
		res.Kind = BothDeleted
		res.Deleted = true
		return res, removeFile(c.Path(p))

	case !s.has(2) || !s.has(3):
		res.Kind = DeletedByOne
		if !s.has(win.stage()) {
			// the winner deleted it; keep the loser's version as backup
			res.Deleted = true
			if err := r.backup(ctx, c, req, p, s.blobs[lose.stage()], &res); err != nil {
				return res, err
			}
			return res, removeFile(c.Path(p))
		}
		data, err := c.Blob(ctx, s.blobs[win.stage()])
		if err != nil {
			return res, err
		}
		return res, writeFile(c.Path(p), data)
	}

	res.Kind = BothModified
	winData, err := c.Blob(ctx, s.blobs[win.stage()])
	if err != nil {
		return res, err
	}
	loseData, err := c.Blob(ctx, s.blobs[lose.stage()])
	if err != nil {
		return res, err
	}
	if err := r.backupData(c, req, p, loseData, &res); err != nil {
		return res, err
	}

	if r.IsPropertyFile(p) {
		var base []byte
		if s.has(1) {
			if base, err = c.Blob(ctx, s.blobs[1]); err != nil {
				return res, err
			}
		}
		if merged, ok := mergeProperties(winData, loseData, base, s.has(1)); ok {
			res.Merged = !bytesEqual(merged, winData)
			return res, writeFile(c.Path(p), merged)
		}
		r.logger().Warn("property merge failed, keeping whole file", "path", p)
	}
	return res, writeFile(c.Path(p), winData)
}

func (r *Resolver) backup(ctx context.Context, c *history.Clone, req Request, p, blob string, res *Resolution) error {
	data, err := c.Blob(ctx, blob)
	if err != nil {
		return err
	}
	return r.backupData(c, req, p, data, res)
}

func (r *Resolver) backupData(c *history.Clone, req Request, p string, data []byte, res *Resolution) error {
	if r.BackupDir == "" {
		return nil
	}
	res.Backup = r.BackupPath(req.PatchID, req.Seq, req.loserLabel(), p)
	return writeFile(c.Path(res.Backup), data)
}

func mergeProperties(winData, loseData, baseData []byte, hasBase bool) ([]byte, bool) {
	winner, err := props.ParseBytes(winData)
	if err != nil {
		return nil, false
	}
	loser, err := props.ParseBytes(loseData)
	if err != nil {
		return nil, false
	}
	var ancestor *props.Properties
	if hasBase {
		if ancestor, err = props.ParseBytes(baseData); err != nil {
			return nil, false
		}
	}
	merged, _ := props.MergeAdditions(winData, winner, loser, ancestor)
	return merged, true
}

func writeFile(p string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, data, 0o644)
}

func removeFile(p string) error {
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func bytesEqual(a, b []byte) bool { return string(a) == string(b) }
