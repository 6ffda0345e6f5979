package cli

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/patchkit/internal/config"
	"github.com/roach88/patchkit/internal/logging"
	"github.com/roach88/patchkit/internal/manager"
)

// runFunc is the body of a command that works on an opened installation.
type runFunc func(ctx context.Context, m *manager.Manager, f *OutputFormatter) error

// withManager loads the configuration, opens the installation and runs fn.
// The manager is closed when fn returns.
func withManager(cmd *cobra.Command, opts *RootOptions, fn runFunc) (err error) {
	f := opts.formatter(cmd)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.Load(opts.configPath())
	if err != nil {
		return f.Fail("load config", err)
	}
	logger := newLogger(cmd, opts, cfg)

	f.VerboseLog("Opening installation %s", opts.Install)
	m, err := manager.Open(ctx, manager.Options{Root: opts.Install, Config: cfg, Logger: logger})
	if err != nil {
		return f.Fail("open installation", err)
	}
	defer func() {
		if cerr := m.Close(); cerr != nil && err == nil {
			err = f.Fail("close installation", cerr)
		}
	}()

	if cmd.Name() != "resume" {
		warnPending(m, logger)
	}
	return fn(ctx, m, f)
}

// newLogger writes diagnostics to stderr. JSON output switches the log
// format to JSON as well.
func newLogger(cmd *cobra.Command, opts *RootOptions, cfg *config.Config) *slog.Logger {
	format := cfg.Log.Format
	if opts.Format == "json" {
		format = "json"
	}
	return logging.New(cmd.ErrOrStderr(), logging.Options{
		Level:   cfg.Log.Level,
		Format:  format,
		Verbose: opts.Verbose,
		NoColor: opts.NoColor,
	})
}

func warnPending(m *manager.Manager, logger *slog.Logger) {
	pending, err := m.PendingActivations()
	if err != nil || len(pending) == 0 {
		return
	}
	ids := make([]string, len(pending))
	for i, p := range pending {
		ids[i] = p.PatchID
	}
	logger.Warn("interrupted activations pending, run 'patchkit resume'", "patches", ids)
}
