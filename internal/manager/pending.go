package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/roach88/patchkit/internal/baseline"
	"github.com/roach88/patchkit/internal/history"
	"github.com/roach88/patchkit/internal/patch"
	"github.com/roach88/patchkit/internal/store"
	"github.com/roach88/patchkit/internal/tracker"
)

// Marker contents.
const (
	markerInstall  = "install"
	markerRollback = "rollback"
)

const markerExt = ".pending"

func (m *Manager) markerPath(id string) string {
	return filepath.Join(m.patchesDir, id+markerExt)
}

func (m *Manager) writeMarker(id, op string) error {
	if err := os.MkdirAll(m.patchesDir, 0o755); err != nil {
		return fmt.Errorf("write pending marker: %w", err)
	}
	if err := os.WriteFile(m.markerPath(id), []byte(op+"\n"), 0o644); err != nil {
		return fmt.Errorf("write pending marker: %w", err)
	}
	return nil
}

func (m *Manager) removeMarker(id string) error {
	if err := os.Remove(m.markerPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove pending marker: %w", err)
	}
	return nil
}

// finishPending clears the pending state of a completed rollup install.
func (m *Manager) finishPending(ctx context.Context, rec *patch.Record) error {
	rec.Pending = patch.PendingNone
	if err := m.db.SetPending(ctx, rec.PatchID, patch.PendingNone); err != nil {
		return err
	}
	return m.removeMarker(rec.PatchID)
}

// Pending is an interrupted activation found on disk.
type Pending struct {
	PatchID string `json:"patch_id"`
	Op      string `json:"op"`
}

// pendingMarkers lists the markers in the patches directory, ordered by id.
func (m *Manager) pendingMarkers() ([]Pending, error) {
	matches, err := filepath.Glob(filepath.Join(m.patchesDir, "*"+markerExt))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)

	out := make([]Pending, 0, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read pending marker: %w", err)
		}
		out = append(out, Pending{
			PatchID: strings.TrimSuffix(filepath.Base(path), markerExt),
			Op:      strings.TrimSpace(string(data)),
		})
	}
	return out, nil
}

// PendingActivations lists the interrupted activations.
func (m *Manager) PendingActivations() ([]Pending, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingMarkers()
}

// Resume completes interrupted rollup activations and returns what it
// resumed.
//
// History decides what a marker means. An install marker whose rollup
// baseline was published is finished, rebuilding the record when the
// interruption came before it was written; otherwise the install never
// happened and the marker is dropped. A rollback marker whose rollup is
// still the current baseline never reached history and only clears the
// pending state.
func (m *Manager) Resume(ctx context.Context) ([]Pending, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	markers, err := m.pendingMarkers()
	if err != nil {
		return nil, err
	}
	var done []Pending
	for _, p := range markers {
		resumed, err := m.resumeOne(ctx, p)
		if err != nil {
			return done, err
		}
		if resumed {
			m.logger.Info("resumed activation", "patch", p.PatchID, "op", p.Op)
			done = append(done, p)
		}
	}
	return done, nil
}

func (m *Manager) resumeOne(ctx context.Context, p Pending) (bool, error) {
	if p.Op != markerInstall && p.Op != markerRollback {
		return false, fmt.Errorf("pending marker %s: unknown operation %q", p.PatchID, p.Op)
	}
	pt, err := m.load(p.PatchID)
	if patch.HasCode(err, patch.ErrCodeUnknownPatch) {
		return false, m.dropMarker(p, "patch is unknown")
	}
	if err != nil {
		return false, err
	}
	cur, err := m.currentBaseline(ctx)
	if err != nil {
		return false, err
	}
	published := cur != nil && cur.Tag == baseline.TagName(pt.Descriptor.ProductVersion())

	rec, err := m.db.GetRecord(ctx, p.PatchID)
	if store.IsNotFound(err) {
		rec = nil
	} else if err != nil {
		return false, err
	}

	if p.Op == markerInstall {
		if !published {
			return false, m.dropMarker(p, "rollup baseline was never published")
		}
		if rec == nil {
			if rec, err = m.rebuildRecord(ctx, pt); err != nil {
				return false, err
			}
		}
		if err := m.activate(ctx, rec.Kind, rec.Modules, rec.Features); err != nil {
			return false, &PostCommitError{Op: p.Op, PatchIDs: []string{p.PatchID}, Pending: true, Err: err}
		}
		return true, m.finishPending(ctx, rec)
	}

	if rec == nil {
		return false, m.dropMarker(p, "patch has no record")
	}
	if published {
		m.logger.Warn("rollback never reached history, clearing pending state", "patch", p.PatchID)
		if err := m.db.SetPending(ctx, p.PatchID, patch.PendingNone); err != nil {
			return false, err
		}
		return false, m.removeMarker(p.PatchID)
	}
	if err := m.pruneUntagged(ctx); err != nil {
		return false, err
	}
	if err := m.deactivate(ctx, rec); err != nil {
		return false, &PostCommitError{Op: p.Op, PatchIDs: []string{p.PatchID}, Pending: true, Err: err}
	}
	if err := m.db.DeleteRecords(ctx, p.PatchID); err != nil {
		return false, err
	}
	return true, m.removeMarker(p.PatchID)
}

func (m *Manager) dropMarker(p Pending, reason string) error {
	m.logger.Warn("removing stale pending marker", "patch", p.PatchID, "op", p.Op, "reason", reason)
	return m.removeMarker(p.PatchID)
}

// rebuildRecord recreates the record of a rollup whose commit was published
// before its record was written. Its updates are resolved again against the
// registries, which activation had not touched yet.
func (m *Manager) rebuildRecord(ctx context.Context, pt *patch.Patch) (*patch.Record, error) {
	modules, repos, err := m.installedState(ctx)
	if err != nil {
		return nil, err
	}
	_, rec, err := m.resolveRecord(pt, modules, repos)
	if err != nil {
		return nil, err
	}
	rec.InstalledAt = m.clock.Now()
	rec.Pending = patch.PendingRollupInstall

	if err := m.pruneUntagged(ctx); err != nil {
		return nil, err
	}
	if err := m.db.PutRecord(ctx, rec); err != nil {
		return nil, err
	}
	m.logger.Warn("rebuilt missing record", "patch", rec.PatchID, "modules", len(rec.Modules))
	return rec, nil
}

// pruneUntagged drops the records of non-rollup patches whose tags a
// published rollup, or its rollback, removed.
func (m *Manager) pruneUntagged(ctx context.Context) error {
	records, err := m.db.ListRecords(ctx)
	if err != nil {
		return err
	}
	var gone []string
	for _, r := range records {
		if r.Kind == patch.KindRollup {
			continue
		}
		ok, err := m.history.HasRef(ctx, history.TagRef(tracker.Name(r.PatchID)))
		if err != nil {
			return err
		}
		if !ok {
			gone = append(gone, r.PatchID)
		}
	}
	if len(gone) == 0 {
		return nil
	}
	m.logger.Info("dropping records of untagged patches", "patches", gone)
	return m.db.DeleteRecords(ctx, gone...)
}

// MarkReady signals that the registries accept requests. It releases the
// resume worker.
func (m *Manager) MarkReady() {
	m.readyOnce.Do(func() { close(m.ready) })
}

// Start launches the resume worker once. It waits for MarkReady at most the
// configured resume timeout, then resumes pending activations. Wait
// returns its error.
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		m.worker.Go(func() error {
			timeout := m.cfg.Timeout()
			wctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			select {
			case <-m.ready:
			case <-wctx.Done():
				if errors.Is(ctx.Err(), context.Canceled) {
					return ctx.Err()
				}
				m.logger.Warn("registries not ready, resuming anyway", "timeout", timeout)
			}
			_, err := m.Resume(ctx)
			return err
		})
	})
}

// Wait blocks until the resume worker has finished.
func (m *Manager) Wait() error {
	return m.worker.Wait()
}
