// Command flux is the CLI client for the flux-rexec control plane: job
// lookup, eventlog streaming, and raw exec/kill/list/wait against a running
// flux-rexec daemon.
package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/fluxcore/jobctl/internal/config"
	"github.com/fluxcore/jobctl/internal/encrypt"
	"github.com/fluxcore/jobctl/internal/rpcsvc"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "flux",
		Short: "interact with a flux-rexec control plane",
	}
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "path to config.toml")

	cmd.AddCommand(config.Command())
	cmd.AddCommand(lookupCmd(&configFile))
	cmd.AddCommand(execCmd(&configFile))
	cmd.AddCommand(listCmd(&configFile))
	cmd.AddCommand(killCmd(&configFile))
	cmd.AddCommand(waitCmd(&configFile))
	cmd.AddCommand(eventlogWatchCmd(&configFile))
	return cmd
}

func dial(configFile string) (*rpcsvc.Client, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	tlsConfig, err := encrypt.NewClientTLSConfig(cfg.CertFile, cfg.KeyFile, cfg.CACert)
	if err != nil {
		return nil, fmt.Errorf("build client tls config: %w", err)
	}
	return rpcsvc.Dial(cfg.BrokerURI, tlsConfig)
}

func lookupCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "lookup JOBID KEY",
		Short: "look up a KVS key under a job's namespace",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial(*configFile)
			if err != nil {
				return err
			}
			defer c.Close()

			resp, err := c.Lookup(cmd.Context(), &rpcsvc.LookupRequest{JobID: args[0], Key: args[1]})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(resp.Object))
			return nil
		},
	}
}

func execCmd(configFile *string) *cobra.Command {
	var label string
	c := &cobra.Command{
		Use:   "exec -- CMD [ARGS...]",
		Short: "run a command through the control plane's subprocess server",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dial(*configFile)
			if err != nil {
				return err
			}
			defer client.Close()

			resp, err := client.Exec(cmd.Context(), &rpcsvc.ExecRequest{
				Label:   label,
				Cmdline: args,
				Stdout:  true,
				Stderr:  true,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "started pid=%d label=%s\n", resp.PID, resp.Label)
			return nil
		},
	}
	c.Flags().StringVar(&label, "label", "", "label to assign the started process")
	return c
}

func listCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "list processes tracked by the control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial(*configFile)
			if err != nil {
				return err
			}
			defer c.Close()

			resp, err := c.List(cmd.Context())
			if err != nil {
				return err
			}
			for _, p := range resp.Procs {
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%s\t%s\n", p.PID, p.Label, p.Cmd, p.State)
			}
			return nil
		},
	}
}

func killCmd(configFile *string) *cobra.Command {
	var signal int32
	c := &cobra.Command{
		Use:   "kill PID|LABEL",
		Short: "signal a tracked process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dial(*configFile)
			if err != nil {
				return err
			}
			defer client.Close()

			req := &rpcsvc.KillRequest{Signal: signal}
			if pid, err := parsePID(args[0]); err == nil {
				req.PID = pid
			} else {
				req.Label = args[0]
			}
			if _, err := client.Kill(cmd.Context(), req); err != nil {
				return err
			}
			return nil
		},
	}
	c.Flags().Int32Var(&signal, "signal", 15, "signal number to deliver")
	return c
}

func waitCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "wait PID|LABEL",
		Short: "block until a tracked process exits",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dial(*configFile)
			if err != nil {
				return err
			}
			defer client.Close()

			req := &rpcsvc.WaitRequest{}
			if pid, err := parsePID(args[0]); err == nil {
				req.PID = pid
			} else {
				req.Label = args[0]
			}
			resp, err := client.Wait(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.ExitStatus)
			return nil
		},
	}
}

func eventlogWatchCmd(configFile *string) *cobra.Command {
	var waitCreate bool
	c := &cobra.Command{
		Use:   "eventlog-watch JOBID [PATH]",
		Short: "stream a job's eventlog",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dial(*configFile)
			if err != nil {
				return err
			}
			defer client.Close()

			req := &rpcsvc.WatchRequest{JobID: args[0], WaitCreate: waitCreate}
			if len(args) == 2 {
				req.Path = args[1]
			}

			stream, err := client.EventlogWatch(cmd.Context(), req)
			if err != nil {
				return err
			}
			for {
				ev := new(rpcsvc.StreamEvent)
				if err := stream.RecvMsg(ev); err != nil {
					if err == io.EOF {
						return nil
					}
					return err
				}
				if ev.NoData {
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), ev.Line)
			}
		},
	}
	c.Flags().BoolVar(&waitCreate, "wait-create", false, "block until the eventlog exists rather than erroring")
	return c
}

func parsePID(s string) (int, error) {
	return strconv.Atoi(s)
}
