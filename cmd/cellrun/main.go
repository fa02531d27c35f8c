package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "cellrun",
		Short: "cellrun - run automation script cells against a live runtime",
		Long: `cellrun splits an automation script into cells and runs them one at a time
or all in order against a long-lived script runtime, while following the
automation's browser through its remote-debugging endpoint.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
