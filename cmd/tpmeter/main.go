package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	configPath string
	apiAddr    string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:           "tpmeter",
	Short:         "Throughput meter for mesh networks",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "configuration file (.json, .yaml)")
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "127.0.0.1:8405", "address of the node control API")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results as JSON")

	rootCmd.AddCommand(
		serveCmd,
		startCmd,
		stopCmd,
		sessionsCmd,
		historyCmd,
		versionCmd,
	)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
