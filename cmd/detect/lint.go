package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/liamcoop/detect/rules"
)

var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	headerColor  = color.New(color.FgBlue, color.Bold)
)

// errLintFailed is returned when at least one candidate was skipped
var errLintFailed = errors.New("lint failed")

func newLintCmd(c *cli) *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "lint <rules_dir>",
		Short: "Load a rules tree and report what would be skipped",
		Long: `Load every rule under rules_dir exactly as analyze would, then print the loaded
rules, the skipped candidates with the reason and any rule_id shared by more than one source.

Exits non-zero when the root is unreadable or a candidate was skipped, or with --strict when rule ids collide.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, report := c.loader().LoadDir(args[0])
			collisions := reg.Collisions()

			printLintReport(cmd.OutOrStdout(), args[0], reg, report, collisions)

			if report.RootErr != nil {
				return fmt.Errorf("%w: %v", errLintFailed, report.RootErr)
			}
			if len(report.Skipped) > 0 {
				return fmt.Errorf("%w: %d candidate(s) skipped", errLintFailed, len(report.Skipped))
			}
			if strict && len(collisions) > 0 {
				return fmt.Errorf("%w: %d rule id collision(s)", errLintFailed, len(collisions))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", false, "Also fail on rule_id collisions")

	return cmd
}

func printLintReport(w io.Writer, root string, reg *rules.Registry, report *rules.LoadReport, collisions map[string][]string) {
	headerColor.Fprintf(w, "Rules in %s\n", root)
	fmt.Fprintln(w, strings.Repeat("=", 60))

	if report.RootErr != nil {
		errorColor.Fprint(w, "  ✗ ")
		fmt.Fprintf(w, "root unavailable: %v\n", report.RootErr)
	}

	for _, u := range reg.Units() {
		successColor.Fprint(w, "  ✓ ")
		fmt.Fprintf(w, "%-40s %-8s", u.ID(), u.Severity())
		if th, ok := u.Threshold(); ok {
			infoColor.Fprintf(w, " threshold=%d", th)
		}
		fmt.Fprintf(w, "  %s\n", u.Source())
	}

	for _, h := range report.Helpers {
		infoColor.Fprintf(w, "  • helper %s\n", h)
	}

	for _, s := range report.Skipped {
		errorColor.Fprint(w, "  ✗ ")
		fmt.Fprintf(w, "%s: %v\n", s.Path, s.Err)
	}

	ids := make([]string, 0, len(collisions))
	for id := range collisions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		warningColor.Fprintf(w, "  ! rule_id %s is shared by %s\n", id, strings.Join(collisions[id], ", "))
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "%d loaded, %d helper(s), %d skipped, %d collision(s)\n",
		reg.Len(), len(report.Helpers), len(report.Skipped), len(collisions))
}
