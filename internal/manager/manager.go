package manager

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/patchkit/internal/baseline"
	"github.com/roach88/patchkit/internal/config"
	"github.com/roach88/patchkit/internal/conflict"
	"github.com/roach88/patchkit/internal/history"
	"github.com/roach88/patchkit/internal/registry"
	"github.com/roach88/patchkit/internal/resolve"
	"github.com/roach88/patchkit/internal/store"
	"github.com/roach88/patchkit/internal/tracker"
	"github.com/roach88/patchkit/internal/tree"
	"github.com/roach88/patchkit/internal/txn"
	"github.com/roach88/patchkit/internal/userchange"
)

// ManagementDir holds the engine's own state below the patches directory.
const ManagementDir = ".management"

// Options configure Open.
type Options struct {
	// Root is the installation root.
	Root string

	// Config defaults to config.Default().
	Config *config.Config

	// Modules and Features default to the registry persisted in the
	// record store.
	Modules  registry.ModuleRegistry
	Features registry.FeatureRegistry

	Clock  txn.Clock
	IDs    txn.IDGenerator
	Logger *slog.Logger
}

// Manager runs patch operations against one installation.
//
// Thread-safety: public operations serialize on one lock.
type Manager struct {
	root       string
	cfg        *config.Config
	patchesDir string
	layout     tree.Layout

	history   *history.Store
	db        *store.Store
	modules   registry.ModuleRegistry
	features  registry.FeatureRegistry
	baselines *baseline.Tracker
	users     *userchange.Tracker
	tracker   *tracker.Tracker
	resolver  *resolve.Resolver
	txm       *txn.Manager

	clock  txn.Clock
	ids    txn.IDGenerator
	logger *slog.Logger

	mu sync.Mutex

	// worker is the single resume worker started by Start.
	worker    errgroup.Group
	startOnce sync.Once
	ready     chan struct{}
	readyOnce sync.Once
}

// Open opens (creating when needed) the engine state of an installation.
func Open(ctx context.Context, opts Options) (*Manager, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = txn.SystemClock{}
	}
	ids := opts.IDs
	if ids == nil {
		ids = txn.UUIDv7Generator{}
	}

	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("open manager: %w", err)
	}
	patchesDir := filepath.Join(root, filepath.FromSlash(cfg.PatchesDir))
	mgmt := filepath.Join(patchesDir, ManagementDir)

	git := &history.Git{Binary: cfg.Git.Binary, User: cfg.Git.User, Email: cfg.Git.Email, Logger: logger}
	hs, err := history.OpenOrInit(ctx, filepath.Join(mgmt, "history.git"), filepath.Join(mgmt, "tmp"), git)
	if err != nil {
		return nil, err
	}
	db, err := store.Open(filepath.Join(mgmt, "patchkit.db"))
	if err != nil {
		return nil, fmt.Errorf("open manager: %w", err)
	}

	m := &Manager{
		root:       root,
		cfg:        cfg,
		patchesDir: patchesDir,
		layout: tree.Layout{
			Root:        root,
			ManagedDirs: cfg.ManagedDirs,
			BackupDir:   cfg.BackupDir,
			SystemDir:   cfg.SystemDir,
			Logger:      logger,
		},
		history:  hs,
		db:       db,
		modules:  opts.Modules,
		features: opts.Features,
		resolver: resolve.New(logger),
		clock:    clock,
		ids:      ids,
		logger:   logger,
		ready:    make(chan struct{}),
	}
	if m.modules == nil || m.features == nil {
		reg := store.NewRegistry(db, filepath.Join(root, filepath.FromSlash(cfg.SystemDir)))
		if m.modules == nil {
			m.modules = reg
		}
		if m.features == nil {
			m.features = reg
		}
	}

	m.baselines = baseline.NewTracker(hs, m.layout, cfg.OverrideFiles(), logger)
	m.users = userchange.NewTracker(hs, m.layout, logger)
	m.tracker = tracker.New(hs, m.baselines, m.layout, logger)
	m.txm = txn.New(hs, m.baselines, m.users, txn.Options{
		Layout: m.layout,
		Resolver: &conflict.Resolver{
			BackupDir:     cfg.BackupDir,
			PropertyFiles: cfg.PropertyFiles,
			Logger:        logger,
		},
		OverrideFiles:        cfg.OverrideFiles(),
		OverridesFile:        cfg.OverridesFile,
		FeatureOverridesFile: cfg.FeatureOverridesFile,
		ReferenceFiles:       cfg.ReferenceFiles,
		Clock:                clock,
		IDs:                  ids,
		Logger:               logger,
	})
	return m, nil
}

// Close waits for the resume worker and closes the record store.
func (m *Manager) Close() error {
	m.MarkReady()
	err := m.worker.Wait()
	return multierr.Append(err, m.db.Close())
}

// Store returns the record store.
func (m *Manager) Store() *store.Store { return m.db }

// PatchesDir returns the absolute patches directory.
func (m *Manager) PatchesDir() string { return m.patchesDir }

// ensureConsistentState records outstanding user changes. The caller holds
// the lock.
func (m *Manager) ensureConsistentState(ctx context.Context) error {
	if _, _, err := m.users.Track(ctx); err != nil {
		return fmt.Errorf("record user changes: %w", err)
	}
	return nil
}

// Init establishes the first baseline, from a distribution archive or
// directory, or from the live tree when distribution is empty.
func (m *Manager) Init(ctx context.Context, distribution, productVersion string) (*baseline.Baseline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.baselines.EstablishInitial(ctx, distribution, productVersion)
}

// Track records drift of the live tree as a user change commit.
func (m *Manager) Track(ctx context.Context) (commit string, ok bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users.Track(ctx)
}

// Current returns the current baseline, or nil before Init.
func (m *Manager) Current(ctx context.Context) (*baseline.Baseline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentBaseline(ctx)
}

func (m *Manager) currentBaseline(ctx context.Context) (b *baseline.Baseline, err error) {
	empty, err := m.history.Empty(ctx)
	if err != nil || empty {
		return nil, err
	}
	c, err := m.history.Fork(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { err = multierr.Append(err, c.Close()) }()
	return m.baselines.Current(ctx, c, history.RemoteRef(history.MainBranch))
}
