// Command flux-shell is the per-node entry point described by §4.L: it
// loads this node's shell info, builds its local tasks, runs the
// init/start barrier with its peers, execs the tasks through an
// internal/subprocess.Server, and exits with max(rc_i) across them.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fluxcore/jobctl/internal/broker"
	"github.com/fluxcore/jobctl/internal/eventlog"
	"github.com/fluxcore/jobctl/internal/jobid"
	"github.com/fluxcore/jobctl/internal/log"
	"github.com/fluxcore/jobctl/internal/shell"
	"github.com/fluxcore/jobctl/internal/subprocess"
	"github.com/fluxcore/jobctl/internal/taskmap"
)

var logger = log.New(os.Stderr, "flux-shell")

func main() {
	rc, err := run()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(rc)
}

func run() (int, error) {
	var result int
	cmd := rootCmd(&result)
	if err := cmd.Execute(); err != nil {
		return 0, err
	}
	return result, nil
}

func rootCmd(result *int) *cobra.Command {
	var (
		rank       int
		shellSize  int
		nnodes     int
		ntasks     int
		rawTaskmap string
		jobName    string
		brokerURI  string
		stateDir   string
	)

	cmd := &cobra.Command{
		Use:   "flux-shell [OPTIONS] JOBID -- CMD [ARGS...]",
		Short: "run one node's share of a job's tasks",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := jobid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("parse jobid %q: %w", args[0], err)
			}

			argvTemplate := args[1:]
			if len(argvTemplate) == 0 {
				return fmt.Errorf("no task command given (expected -- CMD [ARGS...])")
			}

			tmap, err := loadTaskmap(rawTaskmap, nnodes, ntasks)
			if err != nil {
				return fmt.Errorf("load taskmap: %w", err)
			}

			taskIDs, err := localTaskIDs(tmap, rank)
			if err != nil {
				return fmt.Errorf("resolve local tasks for rank %d: %w", rank, err)
			}

			store, err := broker.NewLocalStore(stateDir)
			if err != nil {
				return fmt.Errorf("open state store %s: %w", stateDir, err)
			}

			evLogger := eventlog.NewLogger(store, 200*time.Millisecond, eventlog.Callbacks{
				Err: func(entry eventlog.Entry, err error) {
					logger.Errorf("eventlog append failed; name: %s, error: %v", entry.Name, err)
				},
			})

			subsrv := subprocess.NewServer(fmt.Sprintf("flux-shell-%d", rank), nil)
			defer subsrv.Close()

			barrier := shell.NewBarrier(shellSize, os.Stdin, os.Stdout)
			plugstack := shell.NewPlugstack()

			info := shell.Info{
				JobID:     id,
				Rank:      rank,
				ShellSize: shellSize,
				NNodes:    nnodes,
				NTasks:    tmap.TotalNtasks(),
				TaskIDs:   taskIDs,
				JobName:   jobName,
				NodeInfo:  map[string]interface{}{},
				Taskmap:   tmap,
			}

			sh := shell.New(info, plugstack, barrier, subsrv, evLogger)

			env := sh.CommonEnv(brokerURI)
			if _, err := sh.BuildTasks(argvTemplate, env); err != nil {
				return fmt.Errorf("build tasks: %w", err)
			}

			rc, err := sh.Run(cmd.Context())
			*result = rc
			return err
		},
	}

	cmd.Flags().IntVar(&rank, "rank", 0, "this shell's rank among its peers")
	cmd.Flags().IntVar(&shellSize, "size", 1, "total number of peer shells")
	cmd.Flags().IntVar(&nnodes, "nnodes", 1, "total number of nodes in the job")
	cmd.Flags().IntVar(&ntasks, "ntasks", 1, "total number of tasks in the job, used when --taskmap is omitted")
	cmd.Flags().StringVar(&rawTaskmap, "taskmap", "", "RAW-encoded taskmap (';'-separated per-node idsets); defaults to an even block distribution")
	cmd.Flags().StringVar(&jobName, "name", "", "job name, used by the {{name}} mustache tag")
	cmd.Flags().StringVar(&brokerURI, "broker-uri", "local:///run/flux/local", "broker URI exposed to tasks as FLUX_URI")
	cmd.Flags().StringVar(&stateDir, "state-dir", "/var/lib/flux-rexec", "directory backing the local KVS store this shell appends to")

	return cmd
}

// loadTaskmap decodes raw if given, otherwise builds an even block
// distribution of ntasks across nnodes (ppn = ntasks/nnodes; the remainder
// adds one task each to nodes 0..remainder-1, appended after the even block).
func loadTaskmap(raw string, nnodes, ntasks int) (*taskmap.Map, error) {
	if raw != "" {
		return taskmap.DecodeRaw(raw)
	}
	if nnodes <= 0 {
		return nil, fmt.Errorf("nnodes must be positive")
	}

	m := taskmap.New()
	ppn := ntasks / nnodes
	remainder := ntasks % nnodes

	if ppn > 0 {
		m.Append(0, nnodes, ppn)
	}
	for n := 0; n < remainder; n++ {
		m.Append(n, 1, 1)
	}
	return m, nil
}

// localTaskIDs returns the ascending global task ids that taskmap.NodeID
// maps to rank.
func localTaskIDs(m *taskmap.Map, rank int) ([]int, error) {
	var ids []int
	for t := 0; t < m.TotalNtasks(); t++ {
		node, err := m.NodeID(t)
		if err != nil {
			return nil, err
		}
		if node == rank {
			ids = append(ids, t)
		}
	}
	return ids, nil
}
