package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/patchkit/internal/manager"
)

// InitOptions holds flags for the init command.
type InitOptions struct {
	*RootOptions
	Distribution string
	Version      string
}

// BaselineOutput reports an established or current baseline.
type BaselineOutput struct {
	Version string `json:"version"`
	Tag     string `json:"tag"`
	Commit  string `json:"commit"`
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Establish the initial baseline",
		Long: `Record the initial baseline of the installation.

The baseline is taken from a distribution archive or directory when
--distribution is given, otherwise from the installation tree itself. Local
differences between the distribution and the tree become a user change.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, rootOpts, func(ctx context.Context, m *manager.Manager, f *OutputFormatter) error {
				return runInit(ctx, opts, m, f)
			})
		},
	}

	cmd.Flags().StringVarP(&opts.Distribution, "distribution", "d", "", "distribution zip or directory")
	cmd.Flags().StringVar(&opts.Version, "version", "", "product version of the baseline (required)")
	_ = cmd.MarkFlagRequired("version")

	return cmd
}

func runInit(ctx context.Context, opts *InitOptions, m *manager.Manager, f *OutputFormatter) error {
	b, err := m.Init(ctx, opts.Distribution, opts.Version)
	if err != nil {
		return f.Fail("init", err)
	}
	out := BaselineOutput{Version: b.Version, Tag: b.Tag, Commit: b.Commit}
	return f.Result(out, func(w io.Writer, p *Palette) {
		fmt.Fprintf(w, "%s baseline %s (%s)\n", p.Good("Established"), out.Version, out.Tag)
	})
}

// TrackOutput reports the result of the track command.
type TrackOutput struct {
	Recorded bool   `json:"recorded"`
	Commit   string `json:"commit,omitempty"`
}

// NewTrackCommand creates the track command.
func NewTrackCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "track",
		Short: "Record local edits of the installation",
		Long: `Commit differences between the installation tree and the history as a
user change. Every patch operation does this first; track does it on demand.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, rootOpts, runTrack)
		},
	}
}

func runTrack(ctx context.Context, m *manager.Manager, f *OutputFormatter) error {
	commit, ok, err := m.Track(ctx)
	if err != nil {
		return f.Fail("track", err)
	}
	out := TrackOutput{Recorded: ok, Commit: commit}
	return f.Result(out, func(w io.Writer, p *Palette) {
		if !ok {
			fmt.Fprintln(w, "No local changes")
			return
		}
		fmt.Fprintf(w, "%s user change %s\n", p.Good("Recorded"), shortID(commit))
	})
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
