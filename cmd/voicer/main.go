package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/skypro1111/voicer/internal/server"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "voicer"
)

func main() {
	server.Version = version

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           serviceName,
		Short:         "Context-aware batch transcription of long recordings",
		Long:          "voicer splits recordings at speech pauses, transcribes the pieces in order with a rolling context prompt and saves the joined transcript.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", defaultConfigPath, "Path to configuration file")
	rootCmd.PersistentFlags().String("log-level", "", "Override the configured log level (debug, info, warn, error)")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newWatchCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", serviceName, version)
		},
	}
}
