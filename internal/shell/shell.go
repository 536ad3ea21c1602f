package shell

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/fluxcore/jobctl/internal/eventlog"
	"github.com/fluxcore/jobctl/internal/ioencode"
	"github.com/fluxcore/jobctl/internal/jobid"
	"github.com/fluxcore/jobctl/internal/jobinfo"
	"github.com/fluxcore/jobctl/internal/subprocess"
	"github.com/fluxcore/jobctl/internal/taskmap"
)

// Info is the shell info computed at startup (§4.L step 3): this shell's
// rank among peers, the jobwide task/node counts, the locally-owned task
// ids, and the resolved per-rank node info used by mustache's node.* tags.
type Info struct {
	JobID     jobid.ID
	Rank      int // shell rank, 0..ShellSize-1
	ShellSize int
	NNodes    int
	NTasks    int
	TaskIDs   []int // global ranks owned by this shell
	JobName   string
	NodeInfo  map[string]interface{}
	Taskmap   *taskmap.Map
}

// Task is one forked task under this shell.
type Task struct {
	Rank       int // global rank == task.id
	Index      int // local index == task.localid
	Cmdline    []string
	Env        map[string]string
	PID        int
	ExitStatus int
	done       chan struct{}
}

// Shell is one per-node shell instance, orchestrating plugin dispatch, the
// taskmap remap, the init/start barrier, and local task lifecycle (§4.L).
type Shell struct {
	Info      Info
	Plugstack *Plugstack
	Barrier   *Barrier
	Server    *subprocess.Server
	Logger    *eventlog.Logger

	mutex sync.Mutex
	tasks []*Task
}

// New constructs a Shell. server is the task-launching subprocess.Server
// (§4.F); it is typically dedicated to this shell process.
func New(info Info, plugstack *Plugstack, barrier *Barrier, server *subprocess.Server, logger *eventlog.Logger) *Shell {
	return &Shell{Info: info, Plugstack: plugstack, Barrier: barrier, Server: server, Logger: logger}
}

// eventlogPath is where shell.init/shell.start context is recorded: the
// job's guest namespace, which this shell owns for the job's duration.
func (s *Shell) eventlogPath() string {
	return jobinfo.GuestNamespacePath(s.Info.JobID.Dec(), "eventlog")
}

// CommonEnv populates the standard per-task environment (§4.L step 7).
func (s *Shell) CommonEnv(fluxURI string) map[string]string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	return map[string]string{
		"FLUX_URI":        fluxURI,
		"FLUX_KVS_NAMESPACE": "job-" + s.Info.JobID.F58(),
		"FLUX_JOB_SIZE":   fmt.Sprintf("%d", s.Info.NTasks),
		"FLUX_JOB_NNODES": fmt.Sprintf("%d", s.Info.NNodes),
		"FLUX_JOB_ID":     s.Info.JobID.F58(),
		"HOSTNAME":        hostname,
	}
}

// BuildTasks constructs this shell's local tasks, mustache-rendering each
// command line (§4.L step 8). argvTemplate is the jobspec-provided
// (possibly templated) argv shared by every local task.
func (s *Shell) BuildTasks(argvTemplate []string, baseEnv map[string]string) ([]*Task, error) {
	tasks := make([]*Task, 0, len(s.Info.TaskIDs))

	for index, rank := range s.Info.TaskIDs {
		renderCtx := RenderContext{
			JobID:     s.Info.JobID,
			JobName:   s.Info.JobName,
			NNodes:    s.Info.NNodes,
			NTasks:    s.Info.NTasks,
			TaskID:    rank,
			TaskIndex: index,
			NodeInfo:  s.Info.NodeInfo,
			Plugstack: s.Plugstack,
		}

		cmdline := make([]string, len(argvTemplate))
		for i, arg := range argvTemplate {
			rendered, err := Render(arg, renderCtx)
			if err != nil {
				logger.Warnf("argv render diagnostic; rank: %d, arg: %s, error: %v", rank, arg, err)
			}
			cmdline[i] = rendered
		}

		env := make(map[string]string, len(baseEnv))
		for k, v := range baseEnv {
			env[k] = v
		}

		tasks = append(tasks, &Task{
			Rank:    rank,
			Index:   index,
			Cmdline: cmdline,
			Env:     env,
			done:    make(chan struct{}),
		})
	}

	s.mutex.Lock()
	s.tasks = tasks
	s.mutex.Unlock()
	return tasks, nil
}

// Run drives the shell's startup/execution sequence (§4.L steps 6, 9-11)
// once taskmap remap, initrc load, and BuildTasks have already run. It
// blocks until every local task has exited and returns the job's exit
// code: max(rc_i), signal deaths already folded to 128+sig by the
// subprocess server's exit-code mapping.
func (s *Shell) Run(ctx context.Context) (int, error) {
	if s.Logger != nil {
		if err := s.Logger.Append(ctx, s.eventlogPath(), "shell.init", nil, eventlog.NoFlags); err != nil {
			return 0, err
		}
	}
	if err := s.Plugstack.Call("shell.init", Args{"shell": s}); err != nil {
		return 0, err
	}

	if err := s.Barrier.Enter("init"); err != nil {
		return 0, err
	}

	if err := s.Plugstack.Call("shell.post-init", Args{"shell": s}); err != nil {
		return 0, err
	}

	if err := s.Barrier.Enter("start"); err != nil {
		return 0, err
	}

	if s.Logger != nil {
		if err := s.Logger.Append(ctx, s.eventlogPath(), "shell.start", nil, eventlog.NoFlags); err != nil {
			return 0, err
		}
	}

	s.mutex.Lock()
	tasks := s.tasks
	s.mutex.Unlock()

	for _, task := range tasks {
		if err := s.startTask(ctx, task); err != nil {
			return 0, err
		}
	}

	maxRC := 0
	for _, task := range tasks {
		<-task.done
		if task.ExitStatus > maxRC {
			maxRC = task.ExitStatus
		}
	}

	if err := s.Plugstack.Call("shell.exit", Args{"shell": s}); err != nil {
		return maxRC, err
	}

	return maxRC, nil
}

// Reconnect implements the broker-connection-loss recovery path (§4.L):
// once the broker has returned to RUN state and the shell service name is
// re-registered by the caller, replay shell.reconnect plugins and hand any
// eventlog entries buffered during the outage to the EventLogger's own
// reconnect/dedup path (§4.B).
func (s *Shell) Reconnect(ctx context.Context, pending []eventlog.Entry) error {
	if err := s.Plugstack.Call("shell.reconnect", Args{"shell": s}); err != nil {
		return err
	}
	if s.Logger == nil {
		return nil
	}
	return s.Logger.Reconnect(ctx, s.eventlogPath(), pending)
}

func (s *Shell) startTask(ctx context.Context, task *Task) error {
	if err := s.Plugstack.Call("task.exec", Args{"task": task}); err != nil {
		return err
	}

	client := subprocess.ClientKey{Route: "shell", Matchtag: task.Rank}
	label := fmt.Sprintf("task%d", task.Rank)
	cmd := subprocess.Cmd{Cmdline: task.Cmdline, Env: task.Env}

	onOutput := func(stream string, data []byte, eof bool) {
		if s.Logger == nil {
			return
		}
		if len(data) == 0 && !eof {
			return
		}
		encoded, err := ioencode.Encode(stream, task.Rank, data, eof)
		if err != nil {
			logger.Warnf("encode task output; rank: %d, stream: %s, error: %v", task.Rank, stream, err)
			return
		}
		if err := s.Logger.Append(ctx, s.eventlogPath(), "output", encoded, eventlog.NoFlags); err != nil {
			logger.Warnf("append task output; rank: %d, error: %v", task.Rank, err)
		}
	}

	onStatus := func(typ string, pid int, status int) {
		switch typ {
		case "started":
			s.mutex.Lock()
			task.PID = pid
			s.mutex.Unlock()
		case "finished":
			task.ExitStatus = status
			s.Plugstack.Call("task.exit", Args{"task": task})
			close(task.done)
		}
	}

	_, err := s.Server.Exec(ctx, client, label, cmd, subprocess.Stdout|subprocess.Stderr, onOutput, onStatus)
	return err
}
