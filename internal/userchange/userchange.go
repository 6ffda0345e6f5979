// Package userchange records drift of the live installation tree as
// "user change" commits on the main line.
package userchange

import (
	"context"
	"fmt"
	"log/slog"

	"go.uber.org/multierr"

	"github.com/roach88/patchkit/internal/history"
	"github.com/roach88/patchkit/internal/tree"
)

// Subject marks user change commits. Replayed user changes keep it.
const Subject = "[patch] user changes"

// IsUserChange reports whether a commit subject marks a user change.
func IsUserChange(subject string) bool { return subject == Subject }

// Tracker detects and commits drift.
type Tracker struct {
	store  *history.Store
	layout tree.Layout
	logger *slog.Logger
}

// NewTracker creates a user change tracker.
func NewTracker(store *history.Store, layout tree.Layout, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{store: store, layout: layout, logger: logger}
}

// Track compares the live tree with the main line head and commits any
// difference. Without drift nothing is committed and ok is false.
func (t *Tracker) Track(ctx context.Context) (commit string, ok bool, err error) {
	empty, err := t.store.Empty(ctx)
	if err != nil {
		return "", false, err
	}
	if empty {
		return "", false, nil
	}

	c, err := t.store.Fork(ctx)
	if err != nil {
		return "", false, err
	}
	defer func() { err = multierr.Append(err, c.Close()) }()

	if err := t.layout.Snapshot(c.Dir); err != nil {
		return "", false, fmt.Errorf("track user changes: %w", err)
	}
	if err := c.StageAll(ctx); err != nil {
		return "", false, err
	}
	clean, err := c.Clean(ctx)
	if err != nil {
		return "", false, err
	}
	if clean {
		t.logger.Debug("no user changes")
		return "", false, nil
	}

	commit, err = c.Commit(ctx, Subject)
	if err != nil {
		return "", false, err
	}
	if err := c.Push(ctx, "HEAD:"+history.BranchRef(history.MainBranch)); err != nil {
		return "", false, err
	}
	t.logger.Info("recorded user changes", "commit", commit)
	return commit, true, nil
}
