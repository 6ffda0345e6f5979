package manager

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"github.com/roach88/patchkit/internal/history"
	"github.com/roach88/patchkit/internal/patch"
	"github.com/roach88/patchkit/internal/registry"
	"github.com/roach88/patchkit/internal/resolve"
	"github.com/roach88/patchkit/internal/txn"
)

// Result is the outcome of an install or a simulation.
type Result struct {
	Kind patch.Kind `json:"kind"`

	// Records holds one record per patch, in request order.
	Records []*patch.Record `json:"records"`

	// Modules and Features are the merged updates of the batch.
	Modules  []patch.ModuleUpdate  `json:"modules"`
	Features []patch.FeatureUpdate `json:"features"`

	// Unmatched lists shipped modules that replace nothing installed.
	Unmatched []string `json:"unmatched,omitempty"`

	Changes []history.Change `json:"changes"`

	// Baseline is the tag a rollup established.
	Baseline string `json:"baseline,omitempty"`

	// Superseded are non-rollup patches whose tags a rollup removed.
	Superseded []string `json:"superseded,omitempty"`

	// Diffs previews the file changes of a simulation.
	Diffs []FileDiff `json:"diffs,omitempty"`
}

// plan is a validated and resolved batch.
type plan struct {
	kind    patch.Kind
	patches []*patch.Patch
	batch   *resolve.Batch
	result  *Result
}

// prepare validates a batch and computes its updates. Nothing is mutated.
func (m *Manager) prepare(ctx context.Context, ids []string) (*plan, error) {
	seen := make(map[string]bool, len(ids))
	var patches []*patch.Patch
	var descs []*patch.Descriptor
	for _, id := range ids {
		if seen[id] {
			return nil, patch.NewPatchValidationError(patch.ErrCodeDuplicatePatch, id, "patch given twice")
		}
		seen[id] = true
		p, err := m.load(id)
		if err != nil {
			return nil, err
		}
		patches = append(patches, p)
		descs = append(descs, p.Descriptor)
	}

	records, err := m.db.ListRecords(ctx)
	if err != nil {
		return nil, err
	}
	installed := make(map[string]bool, len(records))
	for _, r := range records {
		installed[r.PatchID] = true
	}
	if err := resolve.ValidateBatch(descs, func(id string) bool { return installed[id] }); err != nil {
		return nil, err
	}

	modules, repos, err := m.installedState(ctx)
	if err != nil {
		return nil, err
	}

	pl := &plan{kind: patches[0].Kind(), patches: patches, batch: resolve.NewBatch()}
	res := &Result{Kind: pl.kind}
	for _, p := range patches {
		r, rec, err := m.resolveRecord(p, modules, repos)
		if err != nil {
			return nil, err
		}
		pl.batch.Add(r)
		res.Unmatched = append(res.Unmatched, r.Unmatched...)
		res.Records = append(res.Records, rec)
	}
	res.Modules = pl.batch.Modules()
	res.Features = pl.batch.Features()
	pl.result = res
	return pl, nil
}

// installedState lists what the registries have installed.
func (m *Manager) installedState(ctx context.Context) ([]registry.Module, []registry.Repository, error) {
	modules, err := m.modules.ListInstalledModules(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list installed modules: %w", err)
	}
	repos, err := m.features.ListFeatureRepositories(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list feature repositories: %w", err)
	}
	return modules, repos, nil
}

// resolveRecord resolves one patch against the installed state and builds
// its record.
func (m *Manager) resolveRecord(p *patch.Patch, modules []registry.Module, repos []registry.Repository) (*resolve.Result, *patch.Record, error) {
	r, err := m.resolver.Resolve(resolve.Input{
		Patch:        p,
		Modules:      modules,
		Repositories: repos,
		CoreModules:  m.cfg.CoreModules,
		SystemDir:    m.cfg.SystemDir,
	})
	if err != nil {
		return nil, nil, err
	}
	rec := patch.NewRecord(p.ID, p.Kind())
	rec.Modules = append(rec.Modules, r.Modules...)
	rec.Features = append(rec.Features, r.Features...)
	rec.SortUpdates()
	rec.Summarize()
	return r, rec, nil
}

// apply opens a transaction and installs every patch of the plan into it.
// On failure the transaction is discarded.
func (m *Manager) apply(ctx context.Context, pl *plan) (*txn.Transaction, error) {
	tx, err := m.txm.Begin(ctx, pl.kind)
	if err != nil {
		return nil, err
	}
	for _, p := range pl.patches {
		if err := m.txm.Install(ctx, tx, p, pl.result.Modules, pl.result.Features); err != nil {
			return nil, multierr.Append(err, m.txm.Rollback(ctx, tx))
		}
	}
	return tx, nil
}

// Simulate runs an install in a transaction that is always discarded and
// returns the records it would write, with a diff of every changed file.
func (m *Manager) Simulate(ctx context.Context, ids []string) (res *Result, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureConsistentState(ctx); err != nil {
		return nil, err
	}

	pl, err := m.prepare(ctx, ids)
	if err != nil {
		return nil, err
	}
	tx, err := m.apply(ctx, pl)
	if err != nil {
		return nil, err
	}
	defer func() { err = multierr.Append(err, m.txm.Rollback(ctx, tx)) }()

	res = pl.result
	now := m.clock.Now()
	for _, rec := range res.Records {
		rec.Simulation = true
		rec.InstalledAt = now
	}
	if nb := tx.NewBaseline(); nb != nil {
		res.Baseline = nb.Tag
	}
	res.Superseded = tx.Superseded()

	res.Changes, err = tx.Changes(ctx)
	if err != nil {
		return nil, err
	}
	for _, ch := range res.Changes {
		before, after, err := tx.Content(ctx, ch.Path)
		if err != nil {
			return nil, err
		}
		res.Diffs = append(res.Diffs, Diff(ch, before, after))
	}
	m.logger.Info("simulated install", "patches", ids, "changes", len(res.Changes))
	return res, nil
}

// Install installs a batch: either one rollup patch or any number of
// non-rollup patches.
//
// Validation and resolution failures leave everything untouched. Once the
// transaction is committed, records are written and the updates activated;
// an activation failure is returned as a PostCommitError.
func (m *Manager) Install(ctx context.Context, ids []string) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureConsistentState(ctx); err != nil {
		return nil, err
	}

	pl, err := m.prepare(ctx, ids)
	if err != nil {
		return nil, err
	}
	tx, err := m.apply(ctx, pl)
	if err != nil {
		return nil, err
	}
	res := pl.result
	rollup := pl.kind == patch.KindRollup

	now := m.clock.Now()
	for _, rec := range res.Records {
		rec.InstalledAt = now
		if rollup {
			rec.Pending = patch.PendingRollupInstall
		}
	}

	if rollup {
		if err := m.writeMarker(res.Records[0].PatchID, markerInstall); err != nil {
			return nil, multierr.Append(err, m.txm.Rollback(ctx, tx))
		}
	}
	res.Changes, err = m.txm.Commit(ctx, tx)
	if err != nil {
		if rollup {
			err = multierr.Append(err, m.removeMarker(res.Records[0].PatchID))
		}
		return nil, err
	}
	if nb := tx.NewBaseline(); nb != nil {
		res.Baseline = nb.Tag
	}
	res.Superseded = tx.Superseded()

	if err := m.db.DeleteRecords(ctx, res.Superseded...); err != nil {
		return res, err
	}
	for _, rec := range res.Records {
		if err := m.db.PutRecord(ctx, rec); err != nil {
			return res, err
		}
	}

	if err := m.activate(ctx, pl.kind, res.Modules, res.Features); err != nil {
		return res, &PostCommitError{Op: markerInstall, PatchIDs: ids, Pending: rollup, Err: err}
	}
	if rollup {
		if err := m.finishPending(ctx, res.Records[0]); err != nil {
			return res, err
		}
	}
	m.logger.Info("installed patches", "patches", ids, "kind", pl.kind, "changes", len(res.Changes))
	return res, nil
}
