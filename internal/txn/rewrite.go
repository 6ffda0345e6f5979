package txn

import (
	"bytes"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/roach88/patchkit/internal/patch"
	"github.com/roach88/patchkit/internal/props"
	"github.com/roach88/patchkit/internal/version"
)

// rewriteReferences replaces, in every reference file below dir, the
// repository paths and mvn uris of updated modules with their new ones.
func (m *Manager) rewriteReferences(dir string, modules []patch.ModuleUpdate) error {
	if len(m.opts.ReferenceFiles) == 0 {
		return nil
	}
	var olds, news [][]byte
	for _, u := range modules {
		if u.Reinstall() || u.PreviousLocation == u.NewLocation {
			continue
		}
		prev, err1 := version.ParseMvnURI(u.PreviousLocation)
		next, err2 := version.ParseMvnURI(u.NewLocation)
		if err1 != nil || err2 != nil {
			continue
		}
		olds = append(olds, []byte(path.Join(m.opts.Layout.SystemDir, prev.Path())), []byte(prev.URI()))
		news = append(news, []byte(path.Join(m.opts.Layout.SystemDir, next.Path())), []byte(next.URI()))
	}
	if len(olds) == 0 {
		return nil
	}

	files, err := m.opts.Layout.Files(dir)
	if err != nil {
		return err
	}
	for _, f := range files {
		if !matchAny(m.opts.ReferenceFiles, f) {
			continue
		}
		p := filepath.Join(dir, filepath.FromSlash(f))
		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("rewrite references: %w", err)
		}
		out := data
		for i := range olds {
			out = bytes.ReplaceAll(out, olds[i], news[i])
		}
		if bytes.Equal(out, data) {
			continue
		}
		info, err := os.Stat(p)
		if err != nil {
			return fmt.Errorf("rewrite references: %w", err)
		}
		if err := os.WriteFile(p, out, info.Mode().Perm()); err != nil {
			return fmt.Errorf("rewrite references: %w", err)
		}
		m.logger.Debug("rewrote module references", "path", f)
	}
	return nil
}

// mergeOverrides records the independent module updates of d, and the
// repositories its feature updates move to, in the override files below dir.
func (m *Manager) mergeOverrides(dir string, d *patch.Descriptor, modules []patch.ModuleUpdate, features []patch.FeatureUpdate) error {
	if m.opts.OverridesFile != "" {
		ranges := make(map[string]string)
		for _, ref := range d.Modules {
			ranges[version.CanonicalLocation(ref.Location)] = ref.Range
		}
		entries := make(map[string]string)
		for _, u := range modules {
			if u.Reinstall() || !u.Independent {
				continue
			}
			rng, ok := ranges[version.CanonicalLocation(u.NewLocation)]
			if !ok {
				continue
			}
			a, err := version.ParseMvnURI(u.NewLocation)
			if err != nil {
				continue
			}
			v := a.URI()
			if rng != "" {
				v += ";range=" + rng
			}
			entries[a.Identity()] = v
		}
		if err := mergeProperties(filepath.Join(dir, filepath.FromSlash(m.opts.OverridesFile)), entries); err != nil {
			return err
		}
	}

	if m.opts.FeatureOverridesFile != "" {
		ours := make(map[string]bool)
		for _, uri := range d.Features {
			ours[version.CanonicalLocation(uri)] = true
		}
		entries := make(map[string]string)
		for _, f := range features {
			if f.Unchanged() || f.NewVersion == "" || !ours[f.NewRepository] {
				continue
			}
			a, err := version.ParseMvnURI(f.NewRepository)
			if err != nil {
				continue
			}
			entries[a.Identity()] = a.URI()
		}
		if err := mergeProperties(filepath.Join(dir, filepath.FromSlash(m.opts.FeatureOverridesFile)), entries); err != nil {
			return err
		}
	}
	return nil
}

// mergeProperties sets entries in the property file p, creating it when
// missing. Keys are written in sorted order.
func mergeProperties(p string, entries map[string]string) error {
	if len(entries) == 0 {
		return nil
	}
	data, err := os.ReadFile(p)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("merge overrides: %w", err)
	}
	pr, err := props.ParseBytes(data)
	if err != nil {
		return fmt.Errorf("merge overrides %s: %w", filepath.Base(p), err)
	}
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		pr.Set(k, entries[k])
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("merge overrides: %w", err)
	}
	if err := os.WriteFile(p, pr.Bytes(), 0o644); err != nil {
		return fmt.Errorf("merge overrides: %w", err)
	}
	return nil
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, _ := path.Match(p, name); ok {
			return true
		}
	}
	return false
}
