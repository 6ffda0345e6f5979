package harness

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/multierr"

	"github.com/roach88/patchkit/internal/config"
	"github.com/roach88/patchkit/internal/logging"
	"github.com/roach88/patchkit/internal/manager"
	"github.com/roach88/patchkit/internal/patch"
	"github.com/roach88/patchkit/internal/registry"
	"github.com/roach88/patchkit/internal/store"
	"github.com/roach88/patchkit/internal/testutil"
	"github.com/roach88/patchkit/internal/txn"
)

// Error codes for failures that are not validation errors.
const (
	CodeRollbackConflict = "ROLLBACK_CONFLICT"
	CodePostCommit       = "POST_COMMIT"
)

var defaultManagedDirs = []string{"bin", "etc", "system"}

// faultyModules fails module installs while fail is set.
type faultyModules struct {
	registry.ModuleRegistry
	fail bool
}

func (f *faultyModules) Install(ctx context.Context, location string) (registry.Module, error) {
	if f.fail {
		return registry.Module{}, fmt.Errorf("install %s: registry unavailable", location)
	}
	return f.ModuleRegistry.Install(ctx, location)
}

// Harness runs one scenario against a scratch installation.
type Harness struct {
	scenario *Scenario
	root     string
	mgr      *manager.Manager
	registry *store.Registry
	modules  *faultyModules

	seq      int64
	activity int64
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh temporary installation with its own history
// and record store, removed afterwards.
//
// Execution flow:
// 1. Write the installation tree and register the modules
// 2. Establish the initial baseline
// 3. Execute flow steps, checking each expectation
// 4. Evaluate assertions against the final installation
func Run(scenario *Scenario) (result *Result, err error) {
	root, err := os.MkdirTemp("", "patchkit-harness-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create installation: %w", err)
	}
	defer func() { err = multierr.Append(err, os.RemoveAll(root)) }()

	ctx := context.Background()
	h, err := open(ctx, scenario, root)
	if err != nil {
		return nil, err
	}
	defer func() { err = multierr.Append(err, h.mgr.Close()) }()

	result = NewResult()
	b, err := h.mgr.Init(ctx, "", scenario.Baseline)
	if err != nil {
		return nil, fmt.Errorf("failed to establish baseline: %w", err)
	}
	ev := TraceEvent{Op: "init", Outcome: OutcomeOK, Baseline: b.Tag}
	if err := h.record(ctx, result, &ev); err != nil {
		return nil, err
	}

	for i, step := range scenario.Flow {
		if err := h.execute(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("flow[%d] %s: %w", i, step.Op, err)
		}
	}

	for _, msg := range EvaluateAssertions(ctx, result, scenario.Assertions, h.assertionContext()) {
		result.AddError(msg)
	}
	return result, nil
}

func open(ctx context.Context, scenario *Scenario, root string) (*Harness, error) {
	if err := writeFiles(root, scenario.Tree); err != nil {
		return nil, err
	}

	cfg := config.Default()
	cfg.ManagedDirs = defaultManagedDirs
	if len(scenario.ManagedDirs) > 0 {
		cfg.ManagedDirs = scenario.ManagedDirs
	}

	modules := &faultyModules{}
	mgr, err := manager.Open(ctx, manager.Options{
		Root:    root,
		Config:  cfg,
		Modules: modules,
		Clock:   testutil.NewDeterministicClock(),
		IDs:     testutil.NewSequenceGenerator("tx"),
		Logger:  logging.Discard(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open installation: %w", err)
	}

	reg := store.NewRegistry(mgr.Store(), filepath.Join(root, filepath.FromSlash(cfg.SystemDir)))
	modules.ModuleRegistry = reg
	for _, m := range scenario.Modules {
		if err := reg.PutModule(ctx, registry.Module{Name: m.Name, Version: m.Version, Location: m.Location}); err != nil {
			return nil, multierr.Append(err, mgr.Close())
		}
	}

	return &Harness{
		scenario: scenario,
		root:     root,
		mgr:      mgr,
		registry: reg,
		modules:  modules,
	}, nil
}

// execute runs one step and appends its trace event. Step errors with a
// code are outcomes; any other error aborts the scenario.
func (h *Harness) execute(ctx context.Context, index int, step Step, result *Result) error {
	ev := TraceEvent{Op: step.Op, Patches: step.Patches}

	var err error
	switch step.Op {
	case OpAdd:
		err = h.add(ctx, step.Patches)
	case OpSimulate:
		var res *manager.Result
		if res, err = h.mgr.Simulate(ctx, step.Patches); err == nil {
			ev.Baseline, ev.Superseded = res.Baseline, res.Superseded
		}
	case OpInstall:
		var res *manager.Result
		if res, err = h.mgr.Install(ctx, step.Patches); err == nil {
			ev.Baseline, ev.Superseded = res.Baseline, res.Superseded
		}
	case OpRollback:
		var res *manager.RollbackResult
		if res, err = h.mgr.Rollback(ctx, step.Patches[0], step.Force); err == nil {
			ev.Baseline, ev.Orphaned = res.Baseline, res.Orphaned
		}
	case OpEdit:
		err = writeFiles(h.root, step.Files)
	case OpTrack:
		_, ev.Recorded, err = h.mgr.Track(ctx)
	case OpResume:
		var done []manager.Pending
		done, err = h.mgr.Resume(ctx)
		for _, p := range done {
			ev.Resumed = append(ev.Resumed, p.PatchID)
		}
	case OpFailRegistry:
		h.modules.fail = true
	case OpHealRegistry:
		h.modules.fail = false
	default:
		return fmt.Errorf("unknown op %q", step.Op)
	}

	ev.Outcome = OutcomeOK
	if err != nil {
		code, ok := codeOf(err)
		if !ok {
			return err
		}
		ev.Outcome = code
	}

	want := step.Expect
	if want == "" {
		want = OutcomeOK
	}
	if ev.Outcome != want {
		msg := fmt.Sprintf("flow[%d] %s: expected %s, got %s", index, step.Op, want, ev.Outcome)
		if err != nil {
			msg += ": " + err.Error()
		}
		result.AddError(msg)
	}
	return h.record(ctx, result, &ev)
}

// record completes ev with the state after the step and appends it.
func (h *Harness) record(ctx context.Context, result *Result, ev *TraceEvent) error {
	ev.Seq = h.seq
	h.seq++

	activity, err := h.registry.Activity(ctx, h.activity)
	if err != nil {
		return err
	}
	for _, a := range activity {
		ev.Registry = append(ev.Registry, a.String())
		h.activity = a.Seq
	}

	infos, err := h.mgr.List(ctx)
	if err != nil {
		return err
	}
	ev.Installed = []string{}
	for _, info := range infos {
		if info.Installed {
			ev.Installed = append(ev.Installed, info.ID)
		}
	}

	pending, err := h.mgr.PendingActivations()
	if err != nil {
		return err
	}
	for _, p := range pending {
		ev.Pending = append(ev.Pending, p.PatchID)
	}

	if len(h.scenario.Watch) > 0 {
		ev.Files = make(map[string]*string, len(h.scenario.Watch))
		for _, rel := range h.scenario.Watch {
			content, err := readFile(h.root, rel)
			if err != nil {
				return err
			}
			ev.Files[rel] = content
		}
	}

	result.Trace = append(result.Trace, *ev)
	return nil
}

// add writes each patch archive to a scratch directory and adds it.
func (h *Harness) add(ctx context.Context, ids []string) error {
	for _, id := range ids {
		spec := h.scenario.Patches[id]
		dir, err := os.MkdirTemp("", "patchkit-archive-*")
		if err != nil {
			return err
		}
		files := map[string]string{id + patch.DescriptorExt: spec.Descriptor}
		for rel, content := range spec.Files {
			files[rel] = content
		}
		err = writeFiles(dir, files)
		if err == nil {
			_, err = h.mgr.Add(ctx, dir)
		}
		if rerr := os.RemoveAll(dir); err == nil {
			err = rerr
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (h *Harness) assertionContext() *AssertionContext {
	return &AssertionContext{
		Root:     h.root,
		Manager:  h.mgr,
		Registry: h.registry,
	}
}

// codeOf maps an operation error to its code.
func codeOf(err error) (string, bool) {
	var ve *patch.ValidationError
	var rc *txn.RollbackConflictError
	var pc *manager.PostCommitError
	switch {
	case errors.As(err, &ve):
		return string(ve.Code), true
	case errors.As(err, &rc):
		return CodeRollbackConflict, true
	case errors.As(err, &pc):
		return CodePostCommit, true
	}
	return "", false
}

// writeFiles writes slash-separated paths below root, in sorted order.
func writeFiles(root string, files map[string]string) error {
	paths := make([]string, 0, len(files))
	for rel := range files {
		paths = append(paths, rel)
	}
	sort.Strings(paths)
	for _, rel := range paths {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return fmt.Errorf("write %s: %w", rel, err)
		}
		if err := os.WriteFile(p, []byte(files[rel]), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", rel, err)
		}
	}
	return nil
}

// readFile returns the content of a live file, or nil when it is absent.
func readFile(root, rel string) (*string, error) {
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rel, err)
	}
	s := string(data)
	return &s, nil
}
