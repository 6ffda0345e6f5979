package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"slices"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaCUE string

// DefaultPath is the configuration file below the installation root.
const DefaultPath = "etc/patchkit.yaml"

// Config is the decoded configuration.
type Config struct {
	PatchesDir           string   `json:"patchesDir"`
	ManagedDirs          []string `json:"managedDirs"`
	SystemDir            string   `json:"systemDir"`
	BackupDir            string   `json:"backupDir"`
	CoreModules          []string `json:"coreModules"`
	PropertyFiles        []string `json:"propertyFiles"`
	ReferenceFiles       []string `json:"referenceFiles"`
	OverridesFile        string   `json:"overridesFile"`
	FeatureOverridesFile string   `json:"featureOverridesFile"`
	ResumeTimeout        string   `json:"resumeTimeout"`
	Git                  Git      `json:"git"`
	Log                  Log      `json:"log"`
}

// Git configures the git binary driving the history store.
type Git struct {
	Binary string `json:"binary"`
	User   string `json:"user"`
	Email  string `json:"email"`
}

// Log configures logging.
type Log struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Timeout returns ResumeTimeout as a duration.
func (c *Config) Timeout() time.Duration {
	d, err := time.ParseDuration(c.ResumeTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// OverrideFiles returns the files reset when a baseline is established.
func (c *Config) OverrideFiles() []string {
	return []string{c.OverridesFile, c.FeatureOverridesFile}
}

// Error is an invalid configuration, with the source position when known.
type Error struct {
	Path    string
	Message string
	Pos     token.Pos
}

func (e *Error) Error() string {
	if e.Pos.IsValid() && e.Pos.Line() > 0 {
		return fmt.Sprintf("%s:%d: %s", e.Path, e.Pos.Line(), e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// IsConfigError reports whether err is a configuration error.
func IsConfigError(err error) bool {
	var ce *Error
	return errors.As(err, &ce)
}

// Load reads the configuration at path. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Parse(nil, path)
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return Parse(data, path)
}

// Default returns the default configuration.
func Default() *Config {
	cfg, err := Parse(nil, "default")
	if err != nil {
		panic(fmt.Sprintf("config schema: %v", err))
	}
	return cfg
}

// Parse decodes YAML data against the schema. name labels errors.
func Parse(data []byte, name string) (*Config, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &Error{Path: name, Message: err.Error()}
	}
	if raw == nil {
		raw = map[string]any{}
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile config schema: %w", err)
	}

	v := schema.LookupPath(cue.ParsePath("#Config")).Unify(ctx.Encode(raw))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, cueError(name, err)
	}

	var cfg Config
	if err := v.Decode(&cfg); err != nil {
		return nil, cueError(name, err)
	}
	if err := cfg.check(); err != nil {
		return nil, &Error{Path: name, Message: err.Error()}
	}
	return &cfg, nil
}

// check enforces constraints spanning several fields.
func (c *Config) check() error {
	for _, p := range append([]string{c.PatchesDir, c.SystemDir, c.BackupDir}, c.ManagedDirs...) {
		if p == "" || filepath.IsAbs(p) || path.Clean(p) != p || p == "." {
			return fmt.Errorf("%q must be a clean relative path", p)
		}
	}
	if slices.Contains(c.ManagedDirs, c.BackupDir) {
		return fmt.Errorf("backupDir %q must not be a managed directory", c.BackupDir)
	}
	if slices.Contains(c.ManagedDirs, c.PatchesDir) {
		return fmt.Errorf("patchesDir %q must not be a managed directory", c.PatchesDir)
	}
	if !slices.Contains(c.ManagedDirs, c.SystemDir) {
		return fmt.Errorf("systemDir %q must be a managed directory", c.SystemDir)
	}
	return nil
}

// cueError keeps the first CUE error with its position.
func cueError(name string, err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &Error{Path: name, Message: err.Error()}
	}
	first := errs[0]
	e := &Error{Path: name, Message: first.Error()}
	if pos := cueerrors.Positions(first); len(pos) > 0 {
		e.Pos = pos[0]
	}
	return e
}
