package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.2.0"

const defaultServer = "http://localhost:3001"

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	server  string
	apiKey  string
	verbose bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:          "buildroom",
		Short:        "Watch and drive site builds on a buildroom server",
		Long:         "buildroom starts a site build from a brief, streams what every agent is doing, and writes the finished site to disk.",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.server, "server", envOr("BUILDROOM_SERVER", defaultServer), "server base URL")
	rootCmd.PersistentFlags().StringVar(&opts.apiKey, "api-key", os.Getenv("BUILDROOM_API_KEY"), "bearer token for the REST API")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log connection details to stderr")

	rootCmd.AddCommand(
		newBuildCmd(opts),
		newSuggestCmd(opts),
		newHealthCmd(opts),
		newInspectCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
			return err
		},
	}
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelError
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
