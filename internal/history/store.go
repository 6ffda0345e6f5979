package history

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// MainBranch is the main line of installation history.
const MainBranch = "main"

// Ref helpers. Branch and tag names of the same patch collide, so history
// operations always use full ref names.
func BranchRef(name string) string { return "refs/heads/" + name }
func TagRef(name string) string    { return "refs/tags/" + name }
func RemoteRef(name string) string { return "refs/remotes/origin/" + name }

// Store is the durable bare repository. It is only ever updated by pushes
// from working clones.
type Store struct {
	dir     string
	tmpRoot string
	git     *Git
	logger  *slog.Logger
}

// OpenOrInit opens the bare repository at dir, creating it when missing.
// Working clones are created below tmpRoot.
func OpenOrInit(ctx context.Context, dir, tmpRoot string, git *Git) (*Store, error) {
	if git == nil {
		git = &Git{}
	}
	s := &Store{dir: dir, tmpRoot: tmpRoot, git: git, logger: git.logger()}

	if _, err := os.Stat(filepath.Join(dir, "HEAD")); err == nil {
		return s, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	if _, err := git.Run(ctx, dir, "init", "--bare", "--quiet"); err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	if _, err := git.Run(ctx, dir, "symbolic-ref", "HEAD", BranchRef(MainBranch)); err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	s.logger.Info("initialized history store", "path", dir)
	return s, nil
}

// Dir returns the bare repository path.
func (s *Store) Dir() string { return s.dir }

// Git returns the runner used by the store.
func (s *Store) Git() *Git { return s.git }

// Empty reports whether the main line has no commits yet.
func (s *Store) Empty(ctx context.Context) (bool, error) {
	ok, err := s.HasRef(ctx, BranchRef(MainBranch))
	return !ok, err
}

// HasRef reports whether a full ref exists in the store.
func (s *Store) HasRef(ctx context.Context, ref string) (bool, error) {
	_, err := s.git.Run(ctx, s.dir, "rev-parse", "--verify", "--quiet", ref+"^{commit}")
	if err == nil {
		return true, nil
	}
	if exitCode(err) == 1 {
		return false, nil
	}
	return false, err
}

// Refs lists refs below prefix (for example "refs/tags/patch-"), short names.
func (s *Store) Refs(ctx context.Context, pattern string) ([]string, error) {
	out, err := s.git.Run(ctx, s.dir, "for-each-ref", "--format=%(refname:strip=2)", pattern)
	if err != nil {
		return nil, err
	}
	return lines(out), nil
}

// Fork creates a disposable working clone of the store. The clone carries
// every branch as a remote ref and every tag as a local tag, and is checked
// out on the main line when one exists.
func (s *Store) Fork(ctx context.Context) (*Clone, error) {
	if err := os.MkdirAll(s.tmpRoot, 0o755); err != nil {
		return nil, fmt.Errorf("fork history: %w", err)
	}
	dir := filepath.Join(s.tmpRoot, "clone-"+uuid.NewString())
	if _, err := s.git.Run(ctx, s.tmpRoot, "clone", "--quiet", "--no-tags", s.dir, dir); err != nil {
		return nil, fmt.Errorf("fork history: %w", err)
	}
	c := &Clone{Dir: dir, git: s.git, store: s, logger: s.logger}
	if _, err := s.git.Run(ctx, dir, "fetch", "--quiet", "--force", "origin", "+refs/tags/*:refs/tags/*"); err != nil {
		c.Close()
		return nil, fmt.Errorf("fork history: %w", err)
	}

	empty, err := s.Empty(ctx)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("fork history: %w", err)
	}
	if empty {
		if _, err := s.git.Run(ctx, dir, "symbolic-ref", "HEAD", BranchRef(MainBranch)); err != nil {
			c.Close()
			return nil, fmt.Errorf("fork history: %w", err)
		}
	}
	s.logger.Debug("forked history", "path", dir)
	return c, nil
}

// ShortRef strips well-known ref prefixes.
func ShortRef(ref string) string {
	for _, p := range []string{"refs/heads/", "refs/tags/", "refs/remotes/origin/"} {
		if strings.HasPrefix(ref, p) {
			return strings.TrimPrefix(ref, p)
		}
	}
	return ref
}
