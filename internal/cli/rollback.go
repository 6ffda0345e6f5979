package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/patchkit/internal/manager"
)

// RollbackOptions holds flags for the rollback command.
type RollbackOptions struct {
	*RootOptions
	Force bool
}

// NewRollbackCommand creates the rollback command.
func NewRollbackCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RollbackOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "rollback <patch-id>",
		Short: "Roll back an installed patch",
		Long: `Undo an installed patch.

A non-rollup patch is reverted; the command refuses when later changes touch
the same files unless --force is given. A rollup patch returns the
installation to the previous baseline and drops the non-rollup patches
installed on top of it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, rootOpts, func(ctx context.Context, m *manager.Manager, f *OutputFormatter) error {
				return runRollback(ctx, opts, args[0], m, f)
			})
		},
	}

	cmd.Flags().BoolVarP(&opts.Force, "force", "f", false, "roll back even when later changes touch the same files")

	return cmd
}

func runRollback(ctx context.Context, opts *RollbackOptions, id string, m *manager.Manager, f *OutputFormatter) error {
	res, err := m.Rollback(ctx, id, opts.Force)
	if err != nil {
		return f.Fail("rollback "+id, err)
	}
	return f.Result(res, func(w io.Writer, p *Palette) {
		fmt.Fprintf(w, "%s %s (%s)\n", p.Good("Rolled back"), res.PatchID, res.Kind)
		if res.Baseline != "" {
			fmt.Fprintf(w, "Baseline: %s\n", res.Baseline)
		}
		if len(res.Orphaned) > 0 {
			fmt.Fprintf(w, "%s %s\n", p.Warn("Also removed:"), strings.Join(res.Orphaned, ", "))
		}
		if len(res.Changes) > 0 {
			fmt.Fprintln(w, "Files:")
			writeChanges(w, p, res.Changes)
		}
	})
}

// NewResumeCommand creates the resume command.
func NewResumeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Finish interrupted activations",
		Long: `Complete rollup installs and rollbacks whose module and feature
activation was interrupted, as recorded by pending markers in the patches
directory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, rootOpts, runResume)
		},
	}
}

func runResume(ctx context.Context, m *manager.Manager, f *OutputFormatter) error {
	done, err := m.Resume(ctx)
	if err != nil {
		return f.Fail("resume", err)
	}
	if done == nil {
		done = []manager.Pending{}
	}
	return f.Result(done, func(w io.Writer, p *Palette) {
		if len(done) == 0 {
			fmt.Fprintln(w, "Nothing to resume")
			return
		}
		for _, d := range done {
			fmt.Fprintf(w, "%s %s %s\n", p.Good("Resumed"), d.Op, d.PatchID)
		}
	})
}
