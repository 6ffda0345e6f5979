package harness

import (
	"bytes"
	"fmt"
	"os"
	"path"
	"strings"

	"gopkg.in/yaml.v3"
)

// Scenario defines a patch lifecycle scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Baseline is the product version of the initial baseline.
	Baseline string `yaml:"baseline"`

	// ManagedDirs overrides the managed directories; defaults to bin, etc
	// and system.
	ManagedDirs []string `yaml:"managed_dirs,omitempty"`

	// Tree is the installation before the initial baseline, keyed by
	// slash-separated path.
	Tree map[string]string `yaml:"tree"`

	// Modules are registered as installed before the flow runs.
	Modules []ModuleSpec `yaml:"modules,omitempty"`

	// Patches are the archives available to add steps, keyed by id.
	Patches map[string]PatchSpec `yaml:"patches,omitempty"`

	// Watch lists the files captured in the trace after every step.
	Watch []string `yaml:"watch,omitempty"`

	// Flow contains the steps, run in order.
	Flow []Step `yaml:"flow"`

	// Assertions validate the final installation.
	Assertions []Assertion `yaml:"assertions"`
}

// ModuleSpec is a module installed before the flow.
type ModuleSpec struct {
	Name     string `yaml:"name"`
	Version  string `yaml:"version"`
	Location string `yaml:"location"`
}

// PatchSpec is a patch archive: its descriptor and payload files.
type PatchSpec struct {
	Descriptor string            `yaml:"descriptor"`
	Files      map[string]string `yaml:"files,omitempty"`
}

// Step is one operation of the flow.
type Step struct {
	Op      string            `yaml:"op"`
	Patches []string          `yaml:"patches,omitempty"`
	Force   bool              `yaml:"force,omitempty"`
	Files   map[string]string `yaml:"files,omitempty"`

	// Expect is the error code the step must fail with.
	Expect string `yaml:"expect,omitempty"`
}

// Step operations.
const (
	OpAdd          = "add"
	OpSimulate     = "simulate"
	OpInstall      = "install"
	OpRollback     = "rollback"
	OpEdit         = "edit"
	OpTrack        = "track"
	OpResume       = "resume"
	OpFailRegistry = "fail_registry"
	OpHealRegistry = "heal_registry"
)

// Assertion validates the final installation.
type Assertion struct {
	Type string `yaml:"type"`

	// Path is a slash-separated path below the installation root (file,
	// absent, exists).
	Path string `yaml:"path,omitempty"`

	// Content is the expected file content (file).
	Content string `yaml:"content,omitempty"`

	// Patch is the patch id (installed, not_installed).
	Patch string `yaml:"patch,omitempty"`

	// Name and Version identify a module (module); Version alone is a
	// baseline version (baseline).
	Name    string `yaml:"name,omitempty"`
	Version string `yaml:"version,omitempty"`

	// Action is a registry activity line (registry_contains).
	Action string `yaml:"action,omitempty"`
}

// Assertion type constants.
const (
	AssertFile             = "file"
	AssertAbsent           = "absent"
	AssertExists           = "exists"
	AssertInstalled        = "installed"
	AssertNotInstalled     = "not_installed"
	AssertModule           = "module"
	AssertBaseline         = "baseline"
	AssertNoPending        = "no_pending"
	AssertRegistryContains = "registry_contains"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(file string) (*Scenario, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Baseline == "" {
		return fmt.Errorf("baseline is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for rel := range s.Tree {
		if err := validatePath(rel); err != nil {
			return fmt.Errorf("tree: %w", err)
		}
	}
	for i, m := range s.Modules {
		if m.Name == "" || m.Version == "" || m.Location == "" {
			return fmt.Errorf("modules[%d]: name, version and location are required", i)
		}
	}
	for id, p := range s.Patches {
		if p.Descriptor == "" {
			return fmt.Errorf("patches.%s: descriptor is required", id)
		}
		for rel := range p.Files {
			if err := validatePath(rel); err != nil {
				return fmt.Errorf("patches.%s: %w", id, err)
			}
		}
	}

	for i, step := range s.Flow {
		if err := validateStep(i, s, &step); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, s *Scenario, step *Step) error {
	switch step.Op {
	case OpAdd:
		if len(step.Patches) == 0 {
			return fmt.Errorf("flow[%d]: patches are required for add", index)
		}
		for _, id := range step.Patches {
			if _, ok := s.Patches[id]; !ok {
				return fmt.Errorf("flow[%d]: patch %q is not defined", index, id)
			}
		}
	case OpSimulate, OpInstall:
		if len(step.Patches) == 0 {
			return fmt.Errorf("flow[%d]: patches are required for %s", index, step.Op)
		}
	case OpRollback:
		if len(step.Patches) != 1 {
			return fmt.Errorf("flow[%d]: rollback takes exactly one patch", index)
		}
	case OpEdit:
		if len(step.Files) == 0 {
			return fmt.Errorf("flow[%d]: files are required for edit", index)
		}
		for rel := range step.Files {
			if err := validatePath(rel); err != nil {
				return fmt.Errorf("flow[%d]: %w", index, err)
			}
		}
	case OpTrack, OpResume, OpFailRegistry, OpHealRegistry:
	case "":
		return fmt.Errorf("flow[%d]: op is required", index)
	default:
		return fmt.Errorf("flow[%d]: unknown op %q", index, step.Op)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case AssertFile, AssertAbsent, AssertExists:
		if a.Path == "" {
			return fmt.Errorf("assertions[%d]: path is required for %s", index, a.Type)
		}
	case AssertInstalled, AssertNotInstalled:
		if a.Patch == "" {
			return fmt.Errorf("assertions[%d]: patch is required for %s", index, a.Type)
		}
	case AssertModule:
		if a.Name == "" || a.Version == "" {
			return fmt.Errorf("assertions[%d]: name and version are required for module", index)
		}
	case AssertBaseline:
		if a.Version == "" {
			return fmt.Errorf("assertions[%d]: version is required for baseline", index)
		}
	case AssertRegistryContains:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for registry_contains", index)
		}
	case AssertNoPending:
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

// validatePath rejects paths that would leave the installation.
func validatePath(rel string) error {
	clean := path.Clean(rel)
	if rel == "" || path.IsAbs(rel) || clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("invalid path %q", rel)
	}
	return nil
}
