// Command flux-rexec serves the subprocess/job-info control plane described
// by internal/rpcsvc over mTLS gRPC, backed by a broker.LocalStore and an
// internal/subprocess.Server.
package main

import (
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
	"github.com/fluxcore/jobctl/internal/jobworker/cgroup"
	"github.com/fluxcore/jobctl/internal/log"
	"github.com/fluxcore/jobctl/internal/metrics"
	"github.com/fluxcore/jobctl/internal/rpcsvc"
	"github.com/fluxcore/jobctl/internal/sdexec"
	"github.com/fluxcore/jobctl/internal/subprocess"
)

var logger = log.New(os.Stdout, "flux-rexec")

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configFile string
		listenAddr string
		metricsAddr string
		stateDir   string
		noCgroup   bool
		sdexecEnabled bool
	)

	cmd := &cobra.Command{
		Use:   "flux-rexec",
		Short: "serve the flux subprocess and job-info control plane over mTLS gRPC",
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

			subsrv := subprocess.NewServer("flux-rexec", nil)
			defer subsrv.Close()

			if !noCgroup {
				cgSvc, err := cgroup.NewService()
				if err != nil {
					logger.Warnf("cgroup containment unavailable; error: %v", err)
				} else {
					defer cgSvc.Cleanup()
					subsrv.Containment = cgroup.NewContainment(cgSvc)
				}
			}

			handlers := &rpcsvc.Server{
				Store:      store,
				Owners:     owners,
				Updates:    jobinfo.NewUpdateCache(),
				Subprocess: subsrv,
			}

			if sdexecEnabled {
				conn, err := sdexec.DialSystem(cmd.Context())
				if err != nil {
					logger.Warnf("sdexec backend unavailable; error: %v", err)
				} else {
					defer conn.Close()
					handlers.SDExec = sdexec.NewBackend(conn, sdexec.NewSystemWatcher(conn))
				}
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
			<-subsrv.Shutdown(syscall.SIGTERM)
			return nil
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "", "path to config.toml")
	cmd.Flags().StringVar(&listenAddr, "listen", ":9001", "address to serve the control-plane gRPC API on")
	cmd.Flags().StringVar(&metricsAddr, "metrics-listen", "127.0.0.1:9090", "address to serve /metrics on")
	cmd.Flags().StringVar(&stateDir, "state-dir", "/var/lib/flux-rexec", "directory backing the local KVS store")
	cmd.Flags().BoolVar(&noCgroup, "no-cgroup", false, "disable cgroup containment of launched processes")
	cmd.Flags().BoolVar(&sdexecEnabled, "sdexec", false, "accept exec requests with opts.backend=sdexec, running them as systemd transient units")

	cmd.AddCommand(config.Command())
	return cmd
}
