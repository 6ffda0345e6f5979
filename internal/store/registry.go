package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/roach88/patchkit/internal/registry"
	"github.com/roach88/patchkit/internal/version"
)

// Registry is a module and feature registry persisted in the store.
// Repository files are read from SystemDir when added.
type Registry struct {
	store     *Store
	systemDir string
}

var (
	_ registry.ModuleRegistry  = (*Registry)(nil)
	_ registry.FeatureRegistry = (*Registry)(nil)
)

// NewRegistry creates a registry backed by s.
func NewRegistry(s *Store, systemDir string) *Registry {
	return &Registry{store: s, systemDir: systemDir}
}

func (r *Registry) log(ctx context.Context, tx *sql.Tx, action, target string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO activity (action, target) VALUES (?, ?)`, action, target)
	return err
}

// inTx runs fn in a database transaction and commits it.
func (r *Registry) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

const upsertModule = `
	INSERT INTO modules (location, name, version, state) VALUES (?, ?, ?, ?)
	ON CONFLICT(location) DO UPDATE SET
		name = excluded.name, version = excluded.version, state = excluded.state
`

// PutModule registers an installed module directly.
func (r *Registry) PutModule(ctx context.Context, m registry.Module) error {
	if m.State == "" {
		m.State = registry.StateActive
	}
	_, err := r.store.db.ExecContext(ctx, upsertModule,
		version.CanonicalLocation(m.Location), m.Name, m.Version, string(m.State))
	if err != nil {
		return fmt.Errorf("put module %s: %w", m.Name, err)
	}
	return nil
}

// ListInstalledModules returns the installed modules ordered by name, then
// location.
func (r *Registry) ListInstalledModules(ctx context.Context) ([]registry.Module, error) {
	rows, err := r.store.db.QueryContext(ctx, `
		SELECT name, version, location, state FROM modules
		ORDER BY name COLLATE BINARY ASC, location COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list modules: %w", err)
	}
	defer rows.Close()

	mods := []registry.Module{}
	for rows.Next() {
		var m registry.Module
		var state string
		if err := rows.Scan(&m.Name, &m.Version, &m.Location, &state); err != nil {
			return nil, fmt.Errorf("scan module: %w", err)
		}
		m.State = registry.ModuleState(state)
		mods = append(mods, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate modules: %w", err)
	}
	return mods, nil
}

// Install registers the module at location. Name and version come from the
// mvn coordinates; other locations of the same module are left alone.
func (r *Registry) Install(ctx context.Context, location string) (registry.Module, error) {
	a, err := version.ParseMvnURI(location)
	if err != nil {
		return registry.Module{}, fmt.Errorf("install %s: %w", location, err)
	}
	v, err := a.ParsedVersion()
	if err != nil {
		return registry.Module{}, fmt.Errorf("install %s: %w", location, err)
	}
	m := registry.Module{Name: a.ArtifactID, Version: v.String(), Location: a.URI(), State: registry.StateInstalled}
	err = r.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, upsertModule, m.Location, m.Name, m.Version, string(m.State)); err != nil {
			return err
		}
		return r.log(ctx, tx, "install", m.Location)
	})
	if err != nil {
		return registry.Module{}, fmt.Errorf("install %s: %w", location, err)
	}
	return m, nil
}

// Start marks the module at location active.
func (r *Registry) Start(ctx context.Context, location string) error {
	return r.setState(ctx, location, registry.StateActive, "start")
}

// Stop marks the module at location resolved.
func (r *Registry) Stop(ctx context.Context, location string) error {
	return r.setState(ctx, location, registry.StateResolved, "stop")
}

func (r *Registry) setState(ctx context.Context, location string, st registry.ModuleState, op string) error {
	loc := version.CanonicalLocation(location)
	return r.modify(ctx, op, loc, `UPDATE modules SET state = ? WHERE location = ?`, string(st), loc)
}

// Uninstall removes the module at location.
func (r *Registry) Uninstall(ctx context.Context, location string) error {
	loc := version.CanonicalLocation(location)
	return r.modify(ctx, "uninstall", loc, `DELETE FROM modules WHERE location = ?`, loc)
}

// modify runs a single-row statement, failing with registry.ErrNotFound when
// no row matched.
func (r *Registry) modify(ctx context.Context, op, target, query string, args ...any) error {
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return registry.ErrNotFound
		}
		return r.log(ctx, tx, op, target)
	})
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, target, err)
	}
	return nil
}

// ListFeatureRepositories returns the repositories ordered by uri, with
// installed flags.
func (r *Registry) ListFeatureRepositories(ctx context.Context) ([]registry.Repository, error) {
	installed, err := r.installedFeatures(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := r.store.db.QueryContext(ctx, `
		SELECT r.uri, r.name, f.name, f.version, f.bundles
		FROM repositories r
		LEFT JOIN features f ON f.repository_uri = r.uri
		ORDER BY r.uri COLLATE BINARY ASC, f.name COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	defer rows.Close()

	repos := []registry.Repository{}
	for rows.Next() {
		var uri, name string
		var fname, fver, bundles sql.NullString
		if err := rows.Scan(&uri, &name, &fname, &fver, &bundles); err != nil {
			return nil, fmt.Errorf("scan repository: %w", err)
		}
		if len(repos) == 0 || repos[len(repos)-1].URI != uri {
			repos = append(repos, registry.Repository{URI: uri, Name: name, Features: []registry.Feature{}})
		}
		if !fname.Valid {
			continue
		}
		f := registry.Feature{Name: fname.String, Version: fver.String}
		if err := json.Unmarshal([]byte(bundles.String), &f.Bundles); err != nil {
			return nil, fmt.Errorf("decode bundles of %s: %w", f.Name, err)
		}
		f.Installed = installed[registry.FeatureID(f.Name, f.Version)]
		last := &repos[len(repos)-1]
		last.Features = append(last.Features, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate repositories: %w", err)
	}
	return repos, nil
}

func (r *Registry) installedFeatures(ctx context.Context) (map[string]bool, error) {
	rows, err := r.store.db.QueryContext(ctx, `SELECT feature_id FROM installed_features`)
	if err != nil {
		return nil, fmt.Errorf("list installed features: %w", err)
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan installed feature: %w", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}

// AddRepository loads the repository file from the system directory and
// registers it, replacing an earlier registration of the same uri.
func (r *Registry) AddRepository(ctx context.Context, uri string) error {
	rel, err := registry.LocateRepository(r.systemDir, uri)
	if err != nil {
		return fmt.Errorf("add repository %s: %w", uri, err)
	}
	repo, err := registry.LoadRepositoryFile(filepath.FromSlash(rel), uri)
	if err != nil {
		return err
	}
	return r.PutRepository(ctx, *repo, "add-repository")
}

// PutRepository registers a repository directly. Features marked installed
// are recorded as installed.
func (r *Registry) PutRepository(ctx context.Context, repo registry.Repository, action string) error {
	repo.URI = version.CanonicalLocation(repo.URI)
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM repositories WHERE uri = ?`, repo.URI); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO repositories (uri, name, seq)
			VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM repositories))
		`, repo.URI, repo.Name); err != nil {
			return err
		}
		for _, f := range repo.Features {
			bundles, err := json.Marshal(orEmpty(f.Bundles))
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO features (repository_uri, name, version, bundles) VALUES (?, ?, ?, ?)
			`, repo.URI, f.Name, f.Version, string(bundles)); err != nil {
				return err
			}
			if f.Installed {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO installed_features (feature_id) VALUES (?) ON CONFLICT DO NOTHING
				`, registry.FeatureID(f.Name, f.Version)); err != nil {
					return err
				}
			}
		}
		if action == "" {
			return nil
		}
		return r.log(ctx, tx, action, repo.URI)
	})
	if err != nil {
		return fmt.Errorf("put repository %s: %w", repo.URI, err)
	}
	return nil
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// RemoveRepository unregisters a repository. Installed feature markers are
// kept so a replacing repository finds them.
func (r *Registry) RemoveRepository(ctx context.Context, uri string) error {
	uri = version.CanonicalLocation(uri)
	return r.modify(ctx, "remove-repository", uri, `DELETE FROM repositories WHERE uri = ?`, uri)
}

// InstallFeatures marks features installed. Ids are "name" or
// "name/version"; a bare name matches any version.
func (r *Registry) InstallFeatures(ctx context.Context, ids []string) error {
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			name, ver, _ := strings.Cut(id, "/")
			rows, err := tx.QueryContext(ctx, `
				SELECT name, version FROM features
				WHERE name = ? AND (? = '' OR version = ?)
			`, name, ver, ver)
			if err != nil {
				return err
			}
			var found []string
			for rows.Next() {
				var n, v string
				if err := rows.Scan(&n, &v); err != nil {
					rows.Close()
					return err
				}
				found = append(found, registry.FeatureID(n, v))
			}
			rows.Close()
			if len(found) == 0 {
				return fmt.Errorf("install feature %s: %w", id, registry.ErrNotFound)
			}
			for _, fid := range found {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO installed_features (feature_id) VALUES (?) ON CONFLICT DO NOTHING
				`, fid); err != nil {
					return err
				}
			}
		}
		return r.log(ctx, tx, "install-features", strings.Join(ids, ","))
	})
	if err != nil {
		return fmt.Errorf("install features: %w", err)
	}
	return nil
}

// Refresh records a refresh.
func (r *Registry) Refresh(ctx context.Context) error {
	return r.inTx(ctx, func(tx *sql.Tx) error { return r.log(ctx, tx, "refresh", "") })
}

// Activity is one logged registry mutation.
type Activity struct {
	Seq    int64
	Action string
	Target string
}

// String renders the entry like "install mvn:g/a/1.0".
func (a Activity) String() string {
	if a.Target == "" {
		return a.Action
	}
	return a.Action + " " + a.Target
}

// Activity returns the logged mutations after seq, oldest first.
func (r *Registry) Activity(ctx context.Context, after int64) ([]Activity, error) {
	rows, err := r.store.db.QueryContext(ctx, `
		SELECT seq, action, target FROM activity WHERE seq > ? ORDER BY seq ASC
	`, after)
	if err != nil {
		return nil, fmt.Errorf("read activity: %w", err)
	}
	defer rows.Close()
	out := []Activity{}
	for rows.Next() {
		var a Activity
		if err := rows.Scan(&a.Seq, &a.Action, &a.Target); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activity: %w", err)
	}
	return out, nil
}

// IsNotFound reports whether err is a missing registry entry or record.
func IsNotFound(err error) bool {
	return errors.Is(err, registry.ErrNotFound) || errors.Is(err, ErrRecordNotFound)
}
