package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:          "revtally",
	Short:        "Track, classify, and bill revives from the game log",
	Version:      version,
	SilenceUsage: true,
}

func main() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(
		serveCmd,
		stopCmd,
		statusCmd,
		refreshCmd,
		backfillCmd,
		listCmd,
		payCmd,
		excludeCmd,
		exportCmd,
		receiptCmd,
		modeCmd,
		cacheCmd,
		configCmd,
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
