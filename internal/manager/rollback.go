package manager

import (
	"context"

	"go.uber.org/multierr"

	"github.com/roach88/patchkit/internal/history"
	"github.com/roach88/patchkit/internal/patch"
	"github.com/roach88/patchkit/internal/store"
)

// RollbackResult is the outcome of a post-commit rollback.
type RollbackResult struct {
	PatchID string     `json:"patch_id"`
	Kind    patch.Kind `json:"kind"`

	// Baseline is the baseline a rollup rollback returned to.
	Baseline string `json:"baseline,omitempty"`

	// Orphaned are non-rollup patches removed together with a rollup.
	Orphaned []string `json:"orphaned,omitempty"`

	Changes []history.Change `json:"changes"`
}

// Rollback undoes an installed patch.
//
// A non-rollup patch is reverted on the main line. Unless forced, a
// RollbackConflictError is returned when later changes touched its paths.
// A rollup patch is undone by returning to the previous baseline; the
// non-rollup patches installed on top of it are orphaned and their records
// dropped.
func (m *Manager) Rollback(ctx context.Context, id string, force bool) (*RollbackResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureConsistentState(ctx); err != nil {
		return nil, err
	}

	rec, err := m.db.GetRecord(ctx, id)
	if store.IsNotFound(err) {
		return nil, patch.NewPatchValidationError(patch.ErrCodeNotInstalled, id, "patch is not installed")
	}
	if err != nil {
		return nil, err
	}
	if rec.Kind == patch.KindRollup {
		return m.rollbackRollup(ctx, rec)
	}

	undo, err := m.txm.RollbackPatch(ctx, id, force)
	if err != nil {
		return nil, err
	}
	res := &RollbackResult{PatchID: id, Kind: rec.Kind, Changes: undo.Changes}
	if err := m.db.DeleteRecords(ctx, id); err != nil {
		return res, err
	}
	if err := m.deactivate(ctx, rec); err != nil {
		return res, &PostCommitError{Op: markerRollback, PatchIDs: []string{id}, Err: err}
	}
	m.logger.Info("rolled back patch", "patch", id, "changes", len(undo.Changes))
	return res, nil
}

func (m *Manager) rollbackRollup(ctx context.Context, rec *patch.Record) (*RollbackResult, error) {
	id := rec.PatchID
	if err := m.writeMarker(id, markerRollback); err != nil {
		return nil, err
	}
	if err := m.db.SetPending(ctx, id, patch.PendingRollupRollback); err != nil {
		return nil, multierr.Append(err, m.removeMarker(id))
	}

	undo, err := m.txm.RollbackRollup(ctx, id)
	if err != nil {
		err = multierr.Append(err, m.db.SetPending(ctx, id, rec.Pending))
		return nil, multierr.Append(err, m.removeMarker(id))
	}
	res := &RollbackResult{PatchID: id, Kind: rec.Kind, Orphaned: undo.Orphaned, Changes: undo.Changes}
	if undo.Restored != nil {
		res.Baseline = undo.Restored.Tag
	}
	if err := m.db.DeleteRecords(ctx, undo.Orphaned...); err != nil {
		return res, err
	}

	if err := m.deactivate(ctx, rec); err != nil {
		return res, &PostCommitError{Op: markerRollback, PatchIDs: []string{id}, Pending: true, Err: err}
	}
	if err := m.db.DeleteRecords(ctx, id); err != nil {
		return res, err
	}
	if err := m.removeMarker(id); err != nil {
		return res, err
	}
	m.logger.Info("rolled back rollup", "patch", id, "baseline", res.Baseline, "orphaned", undo.Orphaned)
	return res, nil
}
