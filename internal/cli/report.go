package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/roach88/patchkit/internal/history"
	"github.com/roach88/patchkit/internal/manager"
	"github.com/roach88/patchkit/internal/patch"
)

func pendingSuffix(p *Palette, info manager.Info) string {
	if info.Pending == "" || info.Pending == patch.PendingNone {
		return ""
	}
	return " " + p.Warn(string(info.Pending))
}

// writeUpdates lists module and feature updates, skipping unchanged
// entries.
func writeUpdates(w io.Writer, p *Palette, modules []patch.ModuleUpdate, features []patch.FeatureUpdate) {
	for _, u := range modules {
		switch {
		case u.Reinstall():
			fmt.Fprintf(w, "  module  %s %s %s\n", u.Name, u.PreviousVersion, p.Faint("(reinstall)"))
		default:
			note := ""
			if !u.Independent {
				note = " " + p.Faint("(via feature)")
			}
			fmt.Fprintf(w, "  module  %s %s -> %s%s\n", u.Name, u.PreviousVersion, p.Added(u.NewVersion), note)
		}
	}
	for _, u := range features {
		if u.Unchanged() {
			continue
		}
		switch {
		case u.Name == "":
			fmt.Fprintf(w, "  repo    %s -> %s\n", u.PreviousRepository, p.Added(u.NewRepository))
		case u.Removed():
			fmt.Fprintf(w, "  feature %s %s -> %s\n", u.Name, u.PreviousVersion, p.Removed("removed"))
		default:
			fmt.Fprintf(w, "  feature %s %s -> %s\n", u.Name, u.PreviousVersion, p.Added(u.NewVersion))
		}
	}
}

func writeChanges(w io.Writer, p *Palette, changes []history.Change) {
	for _, ch := range changes {
		mark := string(ch.Type)
		switch ch.Type {
		case history.Added:
			mark = p.Added(mark)
		case history.Deleted:
			mark = p.Removed(mark)
		}
		fmt.Fprintf(w, "  %s %s\n", mark, ch.Path)
	}
}

func writeDiffs(w io.Writer, p *Palette, diffs []manager.FileDiff) {
	for _, d := range diffs {
		fmt.Fprintf(w, "--- %s\n", d.Path)
		if d.Binary {
			fmt.Fprintln(w, p.Faint("binary file differs"))
			continue
		}
		for _, l := range d.Lines {
			switch {
			case strings.HasPrefix(l, "+"):
				l = p.Added(l)
			case strings.HasPrefix(l, "-"):
				l = p.Removed(l)
			case l == "@@":
				l = p.Faint(l)
			}
			fmt.Fprintln(w, l)
		}
	}
}

// writeResult renders an install or simulation result.
func writeResult(w io.Writer, p *Palette, verb string, res *manager.Result) {
	for _, rec := range res.Records {
		fmt.Fprintf(w, "%s %s (%s)\n", p.Good(verb), rec.PatchID, rec.Kind)
	}
	if res.Baseline != "" {
		fmt.Fprintf(w, "Baseline: %s\n", res.Baseline)
	}
	if len(res.Superseded) > 0 {
		fmt.Fprintf(w, "Superseded: %s\n", strings.Join(res.Superseded, ", "))
	}
	if len(res.Modules) > 0 || len(res.Features) > 0 {
		fmt.Fprintln(w, "Updates:")
		writeUpdates(w, p, res.Modules, res.Features)
	}
	for _, u := range res.Unmatched {
		fmt.Fprintf(w, "%s %s replaces no installed module\n", p.Warn("Unmatched:"), u)
	}
	if len(res.Changes) > 0 {
		fmt.Fprintln(w, "Files:")
		writeChanges(w, p, res.Changes)
	}
}
