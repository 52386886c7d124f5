package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/asset-orderer/internal/server"
)

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP control surface",
		Long: `Serve /process, /progress, /stop, /replica, /orders, /health and /metrics.
On SIGINT or SIGTERM the running job is asked to stop and given time to
commit what it has already sealed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides SERVER_ADDR)")
	return cmd
}

func runServe(ctx context.Context, addr string) error {
	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if addr == "" {
		addr = a.cfg.Server.Addr
	}

	h := server.NewHandler(a.ctrl)
	if a.orders != nil {
		h.WithOrders(a.orders)
	}
	srvErr := server.New(addr, h).Run(ctx)

	if a.ctrl.Stop() {
		slog.Info("waiting for running job to stop")
		waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := a.ctrl.Wait(waitCtx); err != nil {
			slog.Warn("job did not stop in time", "error", err)
		}
	}

	if srvErr != nil {
		return srvErr
	}
	slog.Info("asset-orderer stopped cleanly")
	return nil
}
