package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "parkd",
	Short: "Parking session lifecycle and lock reconciliation engine",
	Long: `parkd starts and ends parking sessions on spots that may be fitted
with remotely actuated ground locks, and keeps stored occupancy in line
with what the lock devices report.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
