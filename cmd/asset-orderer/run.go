package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/asset-orderer/internal/orderer"
)

// Exit codes for `run`.
const (
	exitFatal   = 1
	exitPartial = 2
	exitEmpty   = 3
)

func newRunCmd() *cobra.Command {
	var (
		subject   string
		numLimit  int
		sizeLimit int64
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process one subject synchronously and exit",
		Long: `Run a single job in the foreground and print its final snapshot as JSON.

Exit status: 0 when every item was ordered, 2 when some were, 3 when none
were, 1 on a configuration or fatal error.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			req := orderer.StartRequest{Subject: subject, Sync: true}
			if cmd.Flags().Changed("order-num-limit") {
				req.OrderNumLimit = &numLimit
			}
			if cmd.Flags().Changed("order-size-limit") {
				req.OrderSizeLimit = &sizeLimit
			}

			resp, runErr := a.ctrl.Start(cmd.Context(), req)
			for _, n := range resp.Notes {
				fmt.Fprintf(cmd.ErrOrStderr(), "note: %s\n", n)
			}
			if resp.Result != nil {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(resp.Result); err != nil {
					return err
				}
			}
			if runErr != nil {
				if errors.Is(runErr, orderer.ErrConfig) || errors.Is(runErr, orderer.ErrFatal) {
					return &exitError{code: exitFatal, msg: runErr.Error()}
				}
				return runErr
			}
			return exitFor(resp.Result)
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "subject whose assets are ordered (required)")
	cmd.Flags().IntVar(&numLimit, "order-num-limit", 0, "items per order")
	cmd.Flags().Int64Var(&sizeLimit, "order-size-limit", 0, "bytes per order")
	cmd.MarkFlagRequired("subject") //nolint:errcheck
	return cmd
}

func exitFor(snap *orderer.Snapshot) error {
	if snap == nil {
		return nil
	}
	switch snap.Outcome {
	case orderer.OutcomeSuccess:
		return nil
	case orderer.OutcomePartial:
		return &exitError{code: exitPartial}
	default:
		return &exitError{code: exitEmpty}
	}
}
