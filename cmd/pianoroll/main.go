package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	rerrors "github.com/vango-dev/pianoroll/internal/errors"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		rerrors.DisableColors()
	}
	if err := newRootCmd().Execute(); err != nil {
		var re *rerrors.RelayError
		if errors.As(err, &re) {
			fmt.Fprintln(os.Stderr, re.Format())
		} else {
			fmt.Fprintf(os.Stderr, "\033[31mError:\033[0m %s\n", err)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pianoroll",
		Short: "Collaboration relay for the piano roll editor",
		Long: `pianoroll relays edits between piano roll editors sharing a session.

Clients connect over WebSocket, create or join a password-protected
session, and every note and instrument change is applied to the shared
document and forwarded to the other members. Sessions are persisted to
memory, Redis, SQLite or S3.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Config file (default: pianoroll.yaml or pianoroll.json in the working directory)")
	rootCmd.PersistentFlags().String("env-file", ".env", "Environment file to load")

	rootCmd.AddCommand(
		serveCmd(),
		configCmd(),
		versionCmd(),
	)
	return rootCmd
}

// success prints a success message.
func success(format string, args ...any) {
	fmt.Printf("\033[32m✓\033[0m %s\n", fmt.Sprintf(format, args...))
}
