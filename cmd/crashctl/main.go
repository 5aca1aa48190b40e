// Command crashctl audits and simulates crash rounds offline.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "crashctl",
		Short:        "Provably fair crash round tools",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(
		CommitCmd(),
		VerifyCmd(),
		SimulateCmd(),
	)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
