package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/patchkit/internal/manager"
)

// AddOutput reports an added patch.
type AddOutput struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
}

// NewAddCommand creates the add command.
func NewAddCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "add <archive>...",
		Short: "Add patch archives",
		Long: `Unpack patch archives (zip files or directories) into the patches
directory and track each one on its own branch. Added patches are not
installed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, rootOpts, func(ctx context.Context, m *manager.Manager, f *OutputFormatter) error {
				return runAdd(ctx, args, m, f)
			})
		},
	}
}

func runAdd(ctx context.Context, archives []string, m *manager.Manager, f *OutputFormatter) error {
	var out []AddOutput
	for _, a := range archives {
		f.VerboseLog("Adding %s", a)
		d, err := m.Add(ctx, a)
		if err != nil {
			return f.Fail("add "+a, err)
		}
		out = append(out, AddOutput{ID: d.ID, Kind: d.Kind().String()})
	}
	return f.Result(out, func(w io.Writer, p *Palette) {
		for _, o := range out {
			fmt.Fprintf(w, "%s %s (%s)\n", p.Good("Added"), o.ID, o.Kind)
		}
	})
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List added patches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, rootOpts, runList)
		},
	}
}

func runList(ctx context.Context, m *manager.Manager, f *OutputFormatter) error {
	infos, err := m.List(ctx)
	if err != nil {
		return f.Fail("list", err)
	}
	return f.Result(infos, func(w io.Writer, p *Palette) {
		if len(infos) == 0 {
			fmt.Fprintln(w, "No patches")
			return
		}
		for _, info := range infos {
			state := p.Faint("added")
			if info.Installed {
				state = p.Good("installed")
			}
			fmt.Fprintf(w, "%-30s %-10s %s%s\n", info.ID, info.Kind, state, pendingSuffix(p, info))
		}
	})
}

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <patch-id>",
		Short: "Describe a patch",
		Long:  "Show the descriptor of a patch and, when installed, its install record.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, rootOpts, func(ctx context.Context, m *manager.Manager, f *OutputFormatter) error {
				return runShow(ctx, args[0], m, f)
			})
		},
	}
}

func runShow(ctx context.Context, id string, m *manager.Manager, f *OutputFormatter) error {
	info, err := m.Show(ctx, id)
	if err != nil {
		return f.Fail("show "+id, err)
	}
	return f.Result(info, func(w io.Writer, p *Palette) {
		fmt.Fprintf(w, "Patch:       %s\n", info.ID)
		fmt.Fprintf(w, "Kind:        %s\n", info.Kind)
		if info.Version != "" {
			fmt.Fprintf(w, "Version:     %s\n", info.Version)
		}
		if info.Description != "" {
			fmt.Fprintf(w, "Description: %s\n", info.Description)
		}
		if len(info.Requirements) > 0 {
			fmt.Fprintf(w, "Requires:    %s\n", strings.Join(info.Requirements, ", "))
		}
		if info.Installed {
			fmt.Fprintf(w, "Installed:   %s%s\n", info.InstalledAt.UTC().Format(time.RFC3339), pendingSuffix(p, *info))
		} else {
			fmt.Fprintf(w, "Installed:   %s\n", p.Faint("no"))
		}
		for _, cve := range info.CVEs {
			fmt.Fprintf(w, "CVE:         %s %s\n", cve.ID, cve.Description)
		}
		if info.Record != nil {
			writeUpdates(w, p, info.Record.Modules, info.Record.Features)
			r := info.Record.Report
			fmt.Fprintf(w, "Report:      %d updated, %d removed, %d overridden, %d reinstalled\n",
				r.Updated, r.Removed, r.Overridden, r.Reinstalled)
		}
	})
}
