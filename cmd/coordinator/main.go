// SPDX-License-Identifier: Apache-2.0
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lnhive/coordinator/cmd/cli"
	"github.com/lnhive/coordinator/pkg/config"
)

func main() {
	rootCmd := &cobra.Command{Use: "hive-coordinator"}
	cli.RegisterRoutes(rootCmd)
	rootCmd.AddCommand(serveCmd())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// serveCmd starts the background coordinator loops and the operator RPC
// HTTP server, running until SIGINT/SIGTERM.
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the coordinator's background loops and RPC server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFromEnv()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := cli.StartServing(ctx, cfg); err != nil {
				return err
			}

			addr := cfg.Node.RPCListenAddr
			if addr == "" {
				addr = ":8765"
			}
			srv := &http.Server{Addr: addr, Handler: cli.RPCHandler()}
			go func() {
				<-ctx.Done()
				_ = srv.Close()
			}()
			fmt.Fprintf(cmd.OutOrStdout(), "coordinator RPC listening on %s\n", addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		},
	}
}
