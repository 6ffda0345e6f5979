package cli

import (
	"fmt"
	"path/filepath"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/patchkit/internal/config"
	"github.com/roach88/patchkit/internal/logging"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	NoColor bool

	// Install is the installation root.
	Install string

	// Config is the configuration file; empty means etc/patchkit.yaml
	// below the installation root.
	Config string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the patchkit CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "patchkit",
		Short: "patchkit - incremental patch manager",
		Long: `Install, simulate and roll back patches of an installation.

Every change to the installation tree is recorded in a git history so that
user edits survive patching and any installed patch can be undone.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				err := NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
				cmd.PrintErrln("Error:", err)
				return err
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVar(&opts.NoColor, "no-color", false, "disable coloured output")
	cmd.PersistentFlags().StringVarP(&opts.Install, "install", "i", ".", "installation root")
	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "", "configuration file (default <install>/etc/patchkit.yaml)")

	cmd.AddCommand(NewInitCommand(opts))
	cmd.AddCommand(NewAddCommand(opts))
	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewShowCommand(opts))
	cmd.AddCommand(NewSimulateCommand(opts))
	cmd.AddCommand(NewInstallCommand(opts))
	cmd.AddCommand(NewRollbackCommand(opts))
	cmd.AddCommand(NewResumeCommand(opts))
	cmd.AddCommand(NewTrackCommand(opts))

	return cmd
}

// configPath returns the configuration file to load.
func (o *RootOptions) configPath() string {
	if o.Config != "" {
		return o.Config
	}
	return filepath.Join(o.Install, filepath.FromSlash(config.DefaultPath))
}

// formatter builds the output formatter of cmd.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	out := cmd.OutOrStdout()
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    out,
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   o.Verbose,
		Color:     !o.NoColor && logging.IsTerminal(out),
	}
}
