// Package baseline establishes and locates baselines: tagged commits that
// hold a complete installation snapshot at one product version.
//
// Baselines form a strictly ordered chain along the main line. The current
// baseline is the nearest "baseline-*" tag reachable from the main line head.
package baseline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/multierr"

	"github.com/roach88/patchkit/internal/history"
	"github.com/roach88/patchkit/internal/patch"
	"github.com/roach88/patchkit/internal/tree"
)

// TagPrefix prefixes every baseline tag.
const TagPrefix = "baseline-"

// Commit subjects written by the tracker.
const (
	SubjectDistribution = "[patch] baseline distribution"
	SubjectReset        = "[patch] baseline"
)

// TagName returns the tag of a baseline version.
func TagName(version string) string { return TagPrefix + version }

// Baseline is a located baseline tag.
type Baseline struct {
	Version string
	Tag     string
	Commit  string
}

// Tracker creates and finds baselines.
type Tracker struct {
	store  *history.Store
	layout tree.Layout

	// OverrideFiles are reset to empty whenever a baseline is established.
	overrideFiles []string
	logger        *slog.Logger
}

// NewTracker creates a baseline tracker.
func NewTracker(store *history.Store, layout tree.Layout, overrideFiles []string, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{store: store, layout: layout, overrideFiles: overrideFiles, logger: logger}
}

// Current returns the nearest baseline reachable from ref in clone, or nil
// when there is none.
func (t *Tracker) Current(ctx context.Context, c *history.Clone, ref string) (*Baseline, error) {
	tag, err := c.Describe(ctx, ref, TagPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("find baseline: %w", err)
	}
	if tag == "" {
		return nil, nil
	}
	return t.load(ctx, c, tag)
}

// Previous returns the baseline preceding b, or nil when b is the first.
func (t *Tracker) Previous(ctx context.Context, c *history.Clone, b *Baseline) (*Baseline, error) {
	has, err := c.HasRef(ctx, b.Commit+"^")
	if err != nil {
		return nil, fmt.Errorf("find previous baseline: %w", err)
	}
	if !has {
		return nil, nil
	}
	return t.Current(ctx, c, b.Commit+"^")
}

// Require returns the current baseline or a NO_BASELINE validation error.
func (t *Tracker) Require(ctx context.Context, c *history.Clone, ref string) (*Baseline, error) {
	b, err := t.Current(ctx, c, ref)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, patch.NewValidationError(patch.ErrCodeNoBaseline, "no baseline has been established")
	}
	return b, nil
}

func (t *Tracker) load(ctx context.Context, c *history.Clone, tag string) (*Baseline, error) {
	commit, err := c.RevParse(ctx, history.TagRef(tag))
	if err != nil {
		return nil, fmt.Errorf("find baseline: %w", err)
	}
	return &Baseline{Version: strings.TrimPrefix(tag, TagPrefix), Tag: tag, Commit: commit}, nil
}

// EstablishInitial records the first baseline.
//
// With a distribution (zip archive or directory laid out like an
// installation) the managed directories of the clone are wiped and replaced
// by the distribution, and the result is written back to the live tree.
// Without one the live tree itself becomes the baseline. Override files are
// then reset to empty in a second commit, which is the one tagged.
func (t *Tracker) EstablishInitial(ctx context.Context, distribution, productVersion string) (b *Baseline, err error) {
	empty, err := t.store.Empty(ctx)
	if err != nil {
		return nil, err
	}
	if !empty {
		return nil, patch.NewValidationError(patch.ErrCodeAlreadyInstalled, "history already has a baseline")
	}

	c, err := t.store.Fork(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { err = multierr.Append(err, c.Close()) }()

	if distribution != "" {
		if err := t.unpackDistribution(distribution, c.Dir); err != nil {
			return nil, err
		}
	} else if err := t.layout.Snapshot(c.Dir); err != nil {
		return nil, fmt.Errorf("establish baseline: %w", err)
	}
	if _, err := c.Commit(ctx, SubjectDistribution+" "+productVersion); err != nil {
		return nil, fmt.Errorf("establish baseline: %w", err)
	}

	if err := ResetOverrides(c.Dir, t.overrideFiles); err != nil {
		return nil, err
	}
	commit, err := c.Commit(ctx, SubjectReset+" "+productVersion)
	if err != nil {
		return nil, fmt.Errorf("establish baseline: %w", err)
	}

	tag := TagName(productVersion)
	if err := c.Tag(ctx, tag, commit); err != nil {
		return nil, err
	}
	if err := c.Push(ctx, "HEAD:"+history.BranchRef(history.MainBranch), history.TagRef(tag)+":"+history.TagRef(tag)); err != nil {
		return nil, err
	}
	if err := t.layout.Restore(c.Dir); err != nil {
		return nil, fmt.Errorf("establish baseline: %w", err)
	}

	t.logger.Info("established baseline", "tag", tag, "commit", commit)
	return &Baseline{Version: productVersion, Tag: tag, Commit: commit}, nil
}

func (t *Tracker) unpackDistribution(distribution, cloneDir string) error {
	staging, err := os.MkdirTemp("", "patchkit-dist-")
	if err != nil {
		return fmt.Errorf("unpack distribution: %w", err)
	}
	defer os.RemoveAll(staging)

	info, err := os.Stat(distribution)
	if err != nil {
		return fmt.Errorf("unpack distribution: %w", err)
	}
	src := distribution
	if !info.IsDir() {
		if err := patch.Unzip(distribution, staging); err != nil {
			return fmt.Errorf("unpack distribution: %w", err)
		}
		src = staging
	}

	if err := t.layout.WipeManaged(cloneDir); err != nil {
		return err
	}
	if _, err := t.layout.CopyManaged(src, cloneDir); err != nil {
		return fmt.Errorf("unpack distribution: %w", err)
	}
	return nil
}

// ResetOverrides truncates the override files below dir, creating them when
// missing.
func ResetOverrides(dir string, files []string) error {
	for _, f := range files {
		p := filepath.Join(dir, filepath.FromSlash(f))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return fmt.Errorf("reset overrides: %w", err)
		}
		if err := os.WriteFile(p, nil, 0o644); err != nil {
			return fmt.Errorf("reset overrides: %w", err)
		}
	}
	return nil
}
