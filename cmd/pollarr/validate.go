package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mescon/Pollarr/internal/config"
	"github.com/mescon/Pollarr/internal/probe"
)

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <services-file>",
		Short: "Check a services file without starting anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			specs, err := config.LoadServices(args[0])
			if err != nil {
				return err
			}
			// Building compiles expect expressions, which field checks cannot catch.
			for _, spec := range specs {
				if _, err := probe.Build(spec); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, successMsg("%s: %d services", args[0], len(specs)))
			for _, spec := range specs {
				fmt.Fprintf(out, "  %s %s\n", spec.Name, muted(fmt.Sprintf("(%s every %s)", spec.Kind, spec.Interval)))
			}
			return nil
		},
	}
}
