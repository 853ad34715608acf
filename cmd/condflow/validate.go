package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kbukum/condflow/dag"
)

func newValidateCmd(root *rootOptions) *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "validate FILE...",
		Short: "Check pipeline definitions and print their node trees",
		Long: `Validate builds every given pipeline definition without running it.
Dangling references, cycles, undeclared parameters and misplaced fields are
reported with the offending node.

Examples:
  condflow validate pipelines/truck-eta.yml
  condflow validate -q pipelines/*.yml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(root)
			if err != nil {
				return err
			}
			for _, ref := range args {
				g, err := a.loadGraph(ref)
				if err != nil {
					return fmt.Errorf("%s: %w", ref, err)
				}
				if quiet {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", g.Name())
					continue
				}
				if err := dag.WriteTree(cmd.OutOrStdout(), g); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "print only the pipeline names")
	return cmd
}
