package txn

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/multierr"

	"github.com/roach88/patchkit/internal/baseline"
	"github.com/roach88/patchkit/internal/conflict"
	"github.com/roach88/patchkit/internal/history"
	"github.com/roach88/patchkit/internal/patch"
	"github.com/roach88/patchkit/internal/tracker"
	"github.com/roach88/patchkit/internal/tree"
	"github.com/roach88/patchkit/internal/userchange"
)

// BranchPrefix prefixes ephemeral transaction branches.
const BranchPrefix = "patch-install-"

// Commit subjects written by transactions.
const (
	SubjectInstall  = "[patch] install "
	SubjectRollback = "[patch] rollback "
)

// State is the lifecycle state of a transaction.
type State int

const (
	StateOpen State = iota
	StateCommitted
	StateRolledBack
)

func (s State) String() string {
	switch s {
	case StateCommitted:
		return "COMMITTED"
	case StateRolledBack:
		return "ROLLED_BACK"
	default:
		return "OPEN"
	}
}

// Transaction stages one rollup install or a batch of non-rollup installs
// on a branch of its own working clone. Its owner must pass it to exactly
// one of Commit or Rollback.
type Transaction struct {
	ID     string
	Kind   patch.Kind
	Branch string

	clone *history.Clone
	state State

	// startMain is the main line head when the transaction began.
	startMain string

	baseline    *baseline.Baseline
	newBaseline *baseline.Baseline

	installed  []string
	tags       []string
	deleteTags []string
}

// State returns the transaction state.
func (tx *Transaction) State() State { return tx.state }

// Installed returns the ids of the patches installed so far, in order.
func (tx *Transaction) Installed() []string { return tx.installed }

// Baseline is the baseline current when the transaction began.
func (tx *Transaction) Baseline() *baseline.Baseline { return tx.baseline }

// NewBaseline is the baseline a rollup install establishes, nil otherwise.
func (tx *Transaction) NewBaseline() *baseline.Baseline { return tx.newBaseline }

// Superseded returns the ids of non-rollup patches whose tags a rollup
// install removes.
func (tx *Transaction) Superseded() []string {
	ids := make([]string, 0, len(tx.deleteTags))
	for _, t := range tx.deleteTags {
		if id, ok := strings.CutPrefix(t, tracker.Prefix); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// Changes lists the paths the transaction changes relative to the main line
// it started from.
func (tx *Transaction) Changes(ctx context.Context) ([]history.Change, error) {
	head, err := tx.clone.RevParse(ctx, "HEAD")
	if err != nil {
		return nil, err
	}
	return tx.clone.Diff(ctx, tx.startMain, head)
}

// Content returns a path's content before the transaction and after it.
// Missing files yield nil.
func (tx *Transaction) Content(ctx context.Context, rel string) (before, after []byte, err error) {
	before, err = tx.clone.Show(ctx, tx.startMain, rel)
	if err != nil {
		before = nil
	}
	after, err = os.ReadFile(tx.clone.Path(rel))
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, nil, err
		}
		after = nil
	}
	return before, after, nil
}

// Options configure a Manager.
type Options struct {
	Layout   tree.Layout
	Resolver *conflict.Resolver

	// OverrideFiles are reset whenever a baseline is established.
	OverrideFiles []string

	// OverridesFile and FeatureOverridesFile receive the overrides of
	// non-rollup installs.
	OverridesFile        string
	FeatureOverridesFile string

	// ReferenceFiles are globs of files whose module paths are rewritten.
	ReferenceFiles []string

	Clock  Clock
	IDs    IDGenerator
	Logger *slog.Logger
}

// Manager runs transactions against a history store.
type Manager struct {
	store     *history.Store
	baselines *baseline.Tracker
	users     *userchange.Tracker
	opts      Options
	logger    *slog.Logger

	mu   sync.Mutex
	open map[string]*Transaction
}

// New creates a transaction manager.
func New(store *history.Store, baselines *baseline.Tracker, users *userchange.Tracker, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.IDs == nil {
		opts.IDs = UUIDv7Generator{}
	}
	if opts.Resolver == nil {
		opts.Resolver = &conflict.Resolver{BackupDir: opts.Layout.BackupDir, Logger: opts.Logger}
	}
	return &Manager{
		store:     store,
		baselines: baselines,
		users:     users,
		opts:      opts,
		logger:    opts.Logger,
		open:      make(map[string]*Transaction),
	}
}

// Open returns the number of open transactions.
func (m *Manager) Open() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.open)
}

func (m *Manager) put(tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tx.Kind == patch.KindRollup {
		for _, o := range m.open {
			if o.Kind == patch.KindRollup {
				return patch.NewValidationError(patch.ErrCodeMultipleRollups,
					"a rollup transaction is already open: "+o.ID)
			}
		}
	}
	m.open[tx.ID] = tx
	return nil
}

// take removes tx from the open set; only the first caller gets it.
func (m *Manager) take(tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.open[tx.ID]; !ok || tx.state != StateOpen {
		return fmt.Errorf("transaction %s: %w", tx.ID, ErrClosed)
	}
	delete(m.open, tx.ID)
	return nil
}

// Begin opens a transaction. Outstanding user changes are recorded first.
//
// A rollup transaction branches from the current baseline commit; a
// non-rollup one from the head of the main line.
func (m *Manager) Begin(ctx context.Context, kind patch.Kind) (tx *Transaction, err error) {
	if _, _, err := m.users.Track(ctx); err != nil {
		return nil, err
	}

	c, err := m.store.Fork(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, c.Close())
		}
	}()

	main, err := c.RevParse(ctx, history.RemoteRef(history.MainBranch))
	if err != nil {
		return nil, err
	}
	b, err := m.baselines.Require(ctx, c, main)
	if err != nil {
		return nil, err
	}

	start := main
	if kind == patch.KindRollup {
		start = b.Commit
	}
	branch := BranchPrefix + strconv.FormatInt(m.opts.Clock.Now().UnixMilli(), 10)
	if err := c.Checkout(ctx, branch, start); err != nil {
		return nil, err
	}

	tx = &Transaction{
		ID:        m.opts.IDs.Generate(),
		Kind:      kind,
		Branch:    branch,
		clone:     c,
		startMain: main,
		baseline:  b,
	}
	if err := m.put(tx); err != nil {
		return nil, err
	}
	m.logger.Info("began transaction", "tx", tx.ID, "kind", kind, "branch", branch, "baseline", b.Tag)
	return tx, nil
}

// Install applies one patch to the transaction. Modules and features are the
// batch-wide updates; they drive reference rewriting and overrides of
// non-rollup patches.
func (m *Manager) Install(ctx context.Context, tx *Transaction, p *patch.Patch, modules []patch.ModuleUpdate, features []patch.FeatureUpdate) error {
	if tx.state != StateOpen {
		return fmt.Errorf("transaction %s: %w", tx.ID, ErrClosed)
	}
	if p.Kind() != tx.Kind {
		return patch.NewPatchValidationError(patch.ErrCodeMixedKinds, p.ID,
			fmt.Sprintf("cannot install a %s patch in a %s transaction", p.Kind(), tx.Kind))
	}

	var err error
	switch tx.Kind {
	case patch.KindRollup:
		err = m.installRollup(ctx, tx, p)
	default:
		err = m.installNonRollup(ctx, tx, p, modules, features)
	}
	if err != nil {
		return fmt.Errorf("install %s: %w", p.ID, err)
	}
	tx.installed = append(tx.installed, p.ID)
	return nil
}

// patchCommit returns the tracked commit of a patch.
func (m *Manager) patchCommit(ctx context.Context, c *history.Clone, id string) (string, error) {
	ref := history.RemoteRef(tracker.Name(id))
	ok, err := c.HasRef(ctx, ref)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", patch.NewPatchValidationError(patch.ErrCodeUnknownPatch, id, "patch is not tracked")
	}
	return c.RevParse(ctx, ref)
}

// pick cherry-picks or reverts commit and resolves conflicts with policy.
func (m *Manager) pick(ctx context.Context, c *history.Clone, commit string, revert bool, req conflict.Request) error {
	var (
		res history.PickResult
		err error
	)
	if revert {
		res, err = c.Revert(ctx, commit)
	} else {
		res, err = c.CherryPick(ctx, commit)
	}
	if err != nil {
		return err
	}
	if res == history.PickOK {
		return nil
	}
	req.Seq, err = nextSeq(c, m.opts.Layout.BackupDir, req.PatchID)
	if err != nil {
		return err
	}
	_, err = m.opts.Resolver.Resolve(ctx, c, req)
	return err
}

func (m *Manager) installNonRollup(ctx context.Context, tx *Transaction, p *patch.Patch, modules []patch.ModuleUpdate, features []patch.FeatureUpdate) error {
	c := tx.clone
	commit, err := m.patchCommit(ctx, c, p.ID)
	if err != nil {
		return err
	}
	req := conflict.Request{PatchID: p.ID, Policy: conflict.PreferPatch, PatchSide: conflict.Theirs}
	if err := m.pick(ctx, c, commit, false, req); err != nil {
		return err
	}

	if err := m.rewriteReferences(c.Dir, modules); err != nil {
		return err
	}
	if err := m.mergeOverrides(c.Dir, p.Descriptor, modules, features); err != nil {
		return err
	}

	name := tracker.Name(p.ID)
	head, err := c.Commit(ctx, SubjectInstall+name)
	if err != nil {
		return err
	}
	if err := c.Tag(ctx, name, head); err != nil {
		return err
	}
	tx.tags = append(tx.tags, name)
	m.logger.Info("installed patch", "tx", tx.ID, "patch", p.ID, "commit", head)
	return nil
}

// installRollup replaces the baseline content, tags the new baseline and
// then replays the user changes recorded since the old one, preferring the
// user's side on conflict. Each replayed change is committed on its own,
// even when empty.
func (m *Manager) installRollup(ctx context.Context, tx *Transaction, p *patch.Patch) error {
	if len(tx.installed) > 0 {
		return patch.NewPatchValidationError(patch.ErrCodeMultipleRollups, p.ID, "transaction already installed a rollup")
	}
	c := tx.clone
	commit, err := m.patchCommit(ctx, c, p.ID)
	if err != nil {
		return err
	}
	req := conflict.Request{PatchID: p.ID, Policy: conflict.PreferPatch, PatchSide: conflict.Theirs}
	if err := m.pick(ctx, c, commit, false, req); err != nil {
		return err
	}
	if err := baseline.ResetOverrides(c.Dir, m.opts.OverrideFiles); err != nil {
		return err
	}
	head, err := c.Commit(ctx, SubjectInstall+tracker.Name(p.ID))
	if err != nil {
		return err
	}
	tag := baseline.TagName(p.ProductVersion())
	if err := c.Tag(ctx, tag, head); err != nil {
		return err
	}
	tx.newBaseline = &baseline.Baseline{Version: p.ProductVersion(), Tag: tag, Commit: head}
	tx.tags = append(tx.tags, tag)

	replayed, err := m.replayUserChanges(ctx, c, p.ID, tx.baseline.Commit, tx.startMain, conflict.Ours)
	if err != nil {
		return err
	}

	obsolete, err := c.TagsBetween(ctx, tx.baseline.Commit, tx.startMain, tracker.Prefix+"*")
	if err != nil {
		return err
	}
	tx.deleteTags = append(tx.deleteTags, obsolete...)
	m.logger.Info("installed rollup", "tx", tx.ID, "patch", p.ID, "baseline", tag,
		"replayed", replayed, "superseded", len(obsolete))
	return nil
}

// replayUserChanges cherry-picks the user change commits of from..to onto
// HEAD, preferring the user.
func (m *Manager) replayUserChanges(ctx context.Context, c *history.Clone, patchID, from, to string, patchSide conflict.Side) (int, error) {
	commits, err := c.Log(ctx, from, to)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, uc := range commits {
		if !userchange.IsUserChange(uc.Subject) {
			continue
		}
		req := conflict.Request{PatchID: patchID, Policy: conflict.PreferUser, PatchSide: patchSide}
		if err := m.pick(ctx, c, uc.ID, false, req); err != nil {
			return n, err
		}
		if _, err := c.Commit(ctx, userchange.Subject); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Commit publishes the transaction: the main line moves to the transaction
// head (forced for rollups, which rewrite history from the baseline), the
// changes are materialized onto the live tree, then branch and tags are
// pushed. It returns the materialized changes.
func (m *Manager) Commit(ctx context.Context, tx *Transaction) (changes []history.Change, err error) {
	if err := m.take(tx); err != nil {
		return nil, err
	}
	defer func() { err = multierr.Append(err, tx.clone.Close()) }()

	head, err := tx.clone.RevParse(ctx, "HEAD")
	if err != nil {
		tx.state = StateRolledBack
		return nil, err
	}
	refspecs := make([]string, 0, len(tx.tags)+len(tx.deleteTags))
	for _, t := range tx.tags {
		refspecs = append(refspecs, "+"+history.TagRef(t)+":"+history.TagRef(t))
	}
	for _, t := range tx.deleteTags {
		refspecs = append(refspecs, ":"+history.TagRef(t))
	}

	changes, err = m.publish(ctx, tx.clone, tx.startMain, head, tx.Kind == patch.KindRollup, refspecs)
	if err != nil {
		tx.state = StateRolledBack
		return nil, err
	}
	tx.state = StateCommitted
	m.logger.Info("committed transaction", "tx", tx.ID, "commit", head, "changes", len(changes))
	return changes, nil
}

// Rollback discards the transaction without pushing anything.
func (m *Manager) Rollback(ctx context.Context, tx *Transaction) error {
	if err := m.take(tx); err != nil {
		return err
	}
	tx.state = StateRolledBack
	m.logger.Info("rolled back transaction", "tx", tx.ID, "branch", tx.Branch)
	return tx.clone.Close()
}

// publish moves the clone's main line to head, materializes start..head onto
// the live tree and pushes main plus refspecs. A failed push restores the
// live tree.
func (m *Manager) publish(ctx context.Context, c *history.Clone, start, head string, force bool, refspecs []string) ([]history.Change, error) {
	if err := c.Checkout(ctx, history.MainBranch, head); err != nil {
		return nil, err
	}
	changes, err := c.Diff(ctx, start, head)
	if err != nil {
		return nil, err
	}
	if err := m.opts.Layout.Materialize(ctx, c.Dir, changes); err != nil {
		return nil, multierr.Append(err, m.restoreLive(ctx, c, start, head))
	}

	mainSpec := "HEAD:" + history.BranchRef(history.MainBranch)
	if force {
		mainSpec = "+" + mainSpec
	}
	if err := c.Push(ctx, append([]string{mainSpec}, refspecs...)...); err != nil {
		rerr := m.restoreLive(ctx, c, start, head)
		return nil, &PublishError{Restored: rerr == nil, Err: multierr.Append(err, rerr)}
	}
	return changes, nil
}

// restoreLive writes the tree of start back over the paths changed in
// start..head.
func (m *Manager) restoreLive(ctx context.Context, c *history.Clone, start, head string) error {
	if err := c.ResetHard(ctx, start); err != nil {
		return err
	}
	back, err := c.Diff(ctx, head, start)
	if err != nil {
		return err
	}
	m.logger.Warn("restoring live tree", "commit", start, "paths", len(back))
	return m.opts.Layout.Materialize(ctx, c.Dir, back)
}

// nextSeq returns the next conflict sequence number of a patch, one past the
// highest backup directory recorded for it.
func nextSeq(c *history.Clone, backupDir, patchID string) (int, error) {
	if backupDir == "" {
		return 1, nil
	}
	entries, err := os.ReadDir(c.Path(backupDir + "/" + patchID))
	if err != nil {
		if os.IsNotExist(err) {
			return 1, nil
		}
		return 0, err
	}
	next := 1
	for _, e := range entries {
		if n, err := strconv.Atoi(e.Name()); err == nil && n >= next {
			next = n + 1
		}
	}
	return next, nil
}
