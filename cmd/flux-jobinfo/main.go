// Command flux-jobinfo serves the job-info surface described by §4.I/§4.J
// over mTLS gRPC: job.lookup, eventlog-watch, and update-watch, backed by a
// broker.LocalStore. It shares internal/rpcsvc's ServiceDesc with
// flux-rexec but never sets Server.Subprocess, so the exec/write/kill/wait
// RPCs respond Unimplemented here and list returns an empty list.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fluxcore/jobctl/internal/broker"
	"github.com/fluxcore/jobctl/internal/config"
	"github.com/fluxcore/jobctl/internal/encrypt"
	"github.com/fluxcore/jobctl/internal/jobinfo"
	"github.com/fluxcore/jobctl/internal/log"
	"github.com/fluxcore/jobctl/internal/metrics"
	"github.com/fluxcore/jobctl/internal/rpcsvc"
)

var logger = log.New(os.Stdout, "flux-jobinfo")

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configFile  string
		listenAddr  string
		metricsAddr string
		stateDir    string
		isOwner     bool
	)

	cmd := &cobra.Command{
		Use:   "flux-jobinfo",
		Short: "serve job-info lookup, eventlog-watch, and update-watch over mTLS gRPC",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}

			tlsConfig, err := encrypt.NewServermTLSConfig(cfg.CertFile, cfg.KeyFile, cfg.CACert)
			if err != nil {
				return fmt.Errorf("build server tls config: %w", err)
			}

			store, err := broker.NewLocalStore(stateDir)
			if err != nil {
				return fmt.Errorf("open state store %s: %w", stateDir, err)
			}

			owners, err := jobinfo.NewOwnerCache()
			if err != nil {
				return fmt.Errorf("build owner cache: %w", err)
			}

			handlers := &rpcsvc.Server{
				Store:   store,
				Owners:  owners,
				Updates: jobinfo.NewUpdateCache(),
				IsInstanceOwner: func(ctx context.Context) bool {
					return isOwner
				},
			}

			grpcSrv := rpcsvc.NewGRPCServer(tlsConfig, handlers)

			go func() {
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.Handler())
				logger.Infof("serving metrics; addr: %s", metricsAddr)
				if err := http.ListenAndServe(metricsAddr, mux); err != nil {
					logger.Errorf("metrics server; error: %v", err)
				}
			}()

			errCh := make(chan error, 1)
			go func() {
				errCh <- rpcsvc.Serve(grpcSrv, listenAddr)
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

			select {
			case <-sigCh:
				logger.Infof("shutting down on signal")
			case err := <-errCh:
				if err != nil {
					return err
				}
			}

			grpcSrv.GracefulStop()
			return nil
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "", "path to config.toml")
	cmd.Flags().StringVar(&listenAddr, "listen", ":9002", "address to serve the job-info gRPC API on")
	cmd.Flags().StringVar(&metricsAddr, "metrics-listen", "127.0.0.1:9091", "address to serve /metrics on")
	cmd.Flags().StringVar(&stateDir, "state-dir", "/var/lib/flux-jobinfo", "directory backing the local KVS store")
	cmd.Flags().BoolVar(&isOwner, "instance-owner", false, "treat every request as coming from the instance owner, bypassing per-job ownership checks")

	cmd.AddCommand(config.Command())
	return cmd
}
