package harness

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/roach88/patchkit/internal/manager"
	"github.com/roach88/patchkit/internal/store"
	"github.com/roach88/patchkit/internal/version"
)

// AssertionContext gives assertions access to the final installation.
type AssertionContext struct {
	Root     string
	Manager  *manager.Manager
	Registry *store.Registry
}

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string // Assertion type for categorization
	Expected string // Human-readable expected outcome
	Actual   string // Human-readable actual outcome
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s", e.Actual)
	return buf.String()
}

// EvaluateAssertions checks every assertion and returns the failure
// messages. Errors reading the installation are reported as failures.
func EvaluateAssertions(ctx context.Context, result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var failures []string
	for i, a := range assertions {
		if err := evaluate(ctx, result, a, actx); err != nil {
			failures = append(failures, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return failures
}

func evaluate(ctx context.Context, result *Result, a Assertion, actx *AssertionContext) error {
	switch a.Type {
	case AssertFile:
		return assertFile(actx.Root, a)
	case AssertAbsent:
		content, err := readFile(actx.Root, a.Path)
		if err != nil {
			return err
		}
		if content != nil {
			return &AssertionError{Type: a.Type, Expected: a.Path + " absent", Actual: fmt.Sprintf("%q", *content)}
		}
	case AssertExists:
		matches, err := filepath.Glob(filepath.Join(actx.Root, filepath.FromSlash(a.Path)))
		if err != nil {
			return err
		}
		if len(matches) == 0 {
			return &AssertionError{Type: a.Type, Expected: "a file matching " + a.Path, Actual: "no match"}
		}
	case AssertInstalled, AssertNotInstalled:
		return assertInstalled(ctx, actx.Manager, a)
	case AssertModule:
		return assertModule(ctx, actx.Registry, a)
	case AssertBaseline:
		b, err := actx.Manager.Current(ctx)
		if err != nil {
			return err
		}
		actual := "none"
		if b != nil {
			actual = b.Version
		}
		if actual != a.Version {
			return &AssertionError{Type: a.Type, Expected: a.Version, Actual: actual}
		}
	case AssertNoPending:
		pending, err := actx.Manager.PendingActivations()
		if err != nil {
			return err
		}
		if len(pending) > 0 {
			return &AssertionError{Type: a.Type, Expected: "no pending activation", Actual: fmt.Sprintf("%v", pending)}
		}
	case AssertRegistryContains:
		actions := result.registryActions()
		if !slices.Contains(actions, a.Action) {
			return &AssertionError{Type: a.Type, Expected: a.Action, Actual: fmt.Sprintf("%q", actions)}
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

func assertFile(root string, a Assertion) error {
	content, err := readFile(root, a.Path)
	if err != nil {
		return err
	}
	if content == nil {
		return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("%s = %q", a.Path, a.Content), Actual: "absent"}
	}
	if *content != a.Content {
		return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("%s = %q", a.Path, a.Content), Actual: fmt.Sprintf("%q", *content)}
	}
	return nil
}

func assertInstalled(ctx context.Context, m *manager.Manager, a Assertion) error {
	info, err := m.Show(ctx, a.Patch)
	if err != nil {
		return err
	}
	want := a.Type == AssertInstalled
	if info.Installed != want {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%s installed=%t", a.Patch, want),
			Actual:   fmt.Sprintf("installed=%t", info.Installed),
		}
	}
	return nil
}

func assertModule(ctx context.Context, reg *store.Registry, a Assertion) error {
	mods, err := reg.ListInstalledModules(ctx)
	if err != nil {
		return err
	}
	key := version.StripQualifiers(a.Name)
	var seen []string
	for _, m := range mods {
		if version.StripQualifiers(m.Name) != key {
			continue
		}
		if m.Version == a.Version {
			return nil
		}
		seen = append(seen, m.Name+" "+m.Version)
	}
	actual := "not installed"
	if len(seen) > 0 {
		actual = strings.Join(seen, ", ")
	}
	return &AssertionError{Type: a.Type, Expected: a.Name + " " + a.Version, Actual: actual}
}
