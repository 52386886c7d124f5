package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

var configPath string

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := newRootCmd().ExecuteContext(ctx)
	cancel()
	if err == nil {
		return
	}

	var ee *exitError
	if errors.As(err, &ee) {
		if ee.msg != "" {
			fmt.Fprintf(os.Stderr, "%s\n", ee.msg)
		}
		os.Exit(ee.code)
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "asset-orderer",
		Short: "Bundle a subject's remote assets into pinned, ledger-ordered batches",
		Long: `asset-orderer pages through the assets listed for a subject, downloads
them, groups them into batches bounded by item count and byte size, pins each
batch to content-addressed storage and places a storage order for it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			if configPath != "" {
				os.Setenv("ASSET_ORDERER_CONFIG", configPath) //nolint:errcheck
			}
		},
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (overrides ASSET_ORDERER_CONFIG)")

	cmd.AddCommand(
		newServeCmd(),
		newRunCmd(),
		newVersionCmd(),
	)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "asset-orderer %s (%s)\n", Version, GitSHA)
		},
	}
}
