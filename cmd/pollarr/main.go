package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mescon/Pollarr/internal/config"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorMsg("%v", err))
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "pollarr",
		Short:         "Poll many services from one timer-multiplexing reactor",
		Version:       config.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(serveCmd(), validateCmd(), statusCmd(), versionCmd())
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Pollarr %s\n", config.Version)
		},
	}
}
