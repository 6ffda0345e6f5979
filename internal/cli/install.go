package cli

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/patchkit/internal/manager"
)

// SimulateOptions holds flags for the simulate command.
type SimulateOptions struct {
	*RootOptions
	Diff bool
}

// NewSimulateCommand creates the simulate command.
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SimulateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "simulate <patch-id>...",
		Short: "Preview an install without changing anything",
		Long: `Run an install in a transaction that is always discarded and report the
module, feature and file changes it would make.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, rootOpts, func(ctx context.Context, m *manager.Manager, f *OutputFormatter) error {
				return runSimulate(ctx, opts, args, m, f)
			})
		},
	}

	cmd.Flags().BoolVar(&opts.Diff, "diff", false, "print a line diff of every changed file")

	return cmd
}

func runSimulate(ctx context.Context, opts *SimulateOptions, ids []string, m *manager.Manager, f *OutputFormatter) error {
	res, err := m.Simulate(ctx, ids)
	if err != nil {
		return f.Fail("simulate", err)
	}
	if !opts.Diff {
		res.Diffs = nil
	}
	return f.Result(res, func(w io.Writer, p *Palette) {
		writeResult(w, p, "Would install", res)
		writeDiffs(w, p, res.Diffs)
	})
}

// NewInstallCommand creates the install command.
func NewInstallCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "install <patch-id>...",
		Short: "Install added patches",
		Long: `Install one rollup patch or any number of non-rollup patches as a single
transaction. Local edits are kept: conflicting files are resolved and the
losing side is written to the backup directory.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, rootOpts, func(ctx context.Context, m *manager.Manager, f *OutputFormatter) error {
				return runInstall(ctx, args, m, f)
			})
		},
	}
}

func runInstall(ctx context.Context, ids []string, m *manager.Manager, f *OutputFormatter) error {
	res, err := m.Install(ctx, ids)
	if err != nil {
		return f.Fail("install", err)
	}
	return f.Result(res, func(w io.Writer, p *Palette) {
		writeResult(w, p, "Installed", res)
	})
}
