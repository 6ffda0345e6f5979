package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/roach88/patchkit/internal/patch"
	"github.com/roach88/patchkit/internal/store"
)

// Info describes an added patch.
type Info struct {
	ID           string             `json:"id"`
	Kind         patch.Kind         `json:"kind"`
	Version      string             `json:"version,omitempty"`
	Description  string             `json:"description,omitempty"`
	Requirements []string           `json:"requirements,omitempty"`
	CVEs         []patch.CVE        `json:"cves,omitempty"`
	Installed    bool               `json:"installed"`
	InstalledAt  *time.Time         `json:"installed_at,omitempty"`
	Pending      patch.PendingState `json:"pending,omitempty"`
	Report       *patch.Report      `json:"report,omitempty"`

	// Record is only filled by Show.
	Record *patch.Record `json:"record,omitempty"`
}

func (m *Manager) descriptorPath(id string) string {
	return filepath.Join(m.patchesDir, id+patch.DescriptorExt)
}

func (m *Manager) payloadDir(id string) string {
	return filepath.Join(m.patchesDir, id)
}

// load returns an added patch or an UNKNOWN_PATCH validation error.
func (m *Manager) load(id string) (*patch.Patch, error) {
	d, err := patch.LoadDescriptorFile(m.descriptorPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, patch.NewPatchValidationError(patch.ErrCodeUnknownPatch, id, "patch has not been added")
	}
	if err != nil {
		return nil, err
	}
	return &patch.Patch{Descriptor: d, Dir: m.payloadDir(id)}, nil
}

// Add unpacks a patch archive (zip file or directory) into the patches
// directory and tracks it on its own branch.
//
// Adding an id again fails with DUPLICATE_PATCH unless its branch is
// missing, in which case the patch is unpacked and tracked afresh.
func (m *Manager) Add(ctx context.Context, archive string) (*patch.Descriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureConsistentState(ctx); err != nil {
		return nil, err
	}

	tmp := filepath.Join(m.patchesDir, ManagementDir, "tmp", "add-"+m.ids.Generate())
	defer os.RemoveAll(tmp)

	d, err := patch.Unpack(archive, tmp)
	if err != nil {
		return nil, err
	}
	if d.ID == "" || strings.ContainsAny(d.ID, `/\`) || strings.HasPrefix(d.ID, ".") {
		return nil, patch.NewPatchValidationError(patch.ErrCodeInvalidDescriptor, d.ID, "invalid patch id")
	}

	if _, err := os.Stat(m.descriptorPath(d.ID)); err == nil {
		tracked, err := m.tracker.Tracked(ctx, d.ID)
		if err != nil {
			return nil, err
		}
		if tracked {
			return nil, patch.NewPatchValidationError(patch.ErrCodeDuplicatePatch, d.ID, "patch has already been added")
		}
	}

	dest := m.payloadDir(d.ID)
	if err := os.RemoveAll(dest); err != nil {
		return nil, fmt.Errorf("add %s: %w", d.ID, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return nil, fmt.Errorf("add %s: %w", d.ID, err)
	}
	if err := os.WriteFile(m.descriptorPath(d.ID), d.Bytes(), 0o644); err != nil {
		return nil, fmt.Errorf("add %s: %w", d.ID, err)
	}

	if _, err := m.tracker.Track(ctx, &patch.Patch{Descriptor: d, Dir: dest}); err != nil {
		return nil, err
	}
	m.logger.Info("added patch", "patch", d.ID, "kind", d.Kind())
	return d, nil
}

// List returns every added patch ordered by id.
func (m *Manager) List(ctx context.Context) ([]Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	matches, err := filepath.Glob(filepath.Join(m.patchesDir, "*"+patch.DescriptorExt))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)

	infos := make([]Info, 0, len(matches))
	for _, path := range matches {
		id := strings.TrimSuffix(filepath.Base(path), patch.DescriptorExt)
		info, err := m.info(ctx, id)
		if err != nil {
			return nil, err
		}
		infos = append(infos, *info)
	}
	return infos, nil
}

// Show describes one patch, including its record when installed.
func (m *Manager) Show(ctx context.Context, id string) (*Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, err := m.info(ctx, id)
	if err != nil {
		return nil, err
	}
	if info.Installed {
		info.Record, err = m.db.GetRecord(ctx, id)
		if err != nil {
			return nil, err
		}
	}
	return info, nil
}

func (m *Manager) info(ctx context.Context, id string) (*Info, error) {
	p, err := m.load(id)
	if err != nil {
		return nil, err
	}
	info := &Info{
		ID:           p.ID,
		Kind:         p.Kind(),
		Version:      p.Version,
		Description:  p.Description,
		Requirements: p.Requirements,
		CVEs:         p.CVEs,
	}

	rec, err := m.db.GetRecord(ctx, id)
	if store.IsNotFound(err) {
		return info, nil
	}
	if err != nil {
		return nil, err
	}
	info.Installed = true
	at := rec.InstalledAt
	info.InstalledAt = &at
	info.Pending = rec.Pending
	report := rec.Report
	info.Report = &report
	return info, nil
}
