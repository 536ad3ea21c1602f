// Package subprocess implements the subprocess supervision server (§4.F)
// and its SIGCHLD reaper (§4.G): exec/write/kill/list/wait/disconnect over
// a small RPC-shaped API, tracking each child through the
// STARTING/RUNNING/STOPPED/EXITED/FAILED (optionally ZOMBIE) lifecycle.
package subprocess

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/fluxcore/jobctl/internal/channel"
	ferrors "github.com/fluxcore/jobctl/internal/errors"
	"github.com/fluxcore/jobctl/internal/metrics"
)

// Flags tunes an Exec call.
type Flags int

const (
	Stdout Flags = 1 << iota
	Stderr
	Chan
	WriteCredit
	Waitable
)

// State is a process's lifecycle state.
type State string

const (
	Starting State = "S"
	Running  State = "R"
	Stopped  State = "T"
	Exited   State = "E"
	Zombie   State = "Z"
	Failed   State = "F"
)

// Cmd describes the command to execute, mirroring the wire `cmd` object.
type Cmd struct {
	Cwd     string
	Cmdline []string
	Env     map[string]string
	Opts    map[string]string
}

// ClientKey identifies the requesting client connection for
// disconnect-time cleanup and svc.write matching.
type ClientKey struct {
	Route    string
	Matchtag int
}

// OutputFunc delivers one chunk of a foreground process's output.
type OutputFunc func(stream string, data []byte, eof bool)


// StatusFunc delivers a lifecycle transition (`started`, `stopped`,
// `finished`) for a foreground process.
type StatusFunc func(typ string, pid int, status int)

// AdmitFunc authorizes an exec request; returning a non-nil error (which
// should be, or wrap, errors.Permission) rejects it.
type AdmitFunc func(client ClientKey, cmd Cmd) error

// Proc is one tracked process.
type Proc struct {
	mutex sync.Mutex

	PID        int
	Label      string
	Cmd        Cmd
	Client     ClientKey
	Foreground bool
	Waitable   bool
	State      State
	ExitStatus int

	exec           *exec.Cmd
	stdout         *channel.Output
	stderr         *channel.Output
	stdin          *channel.Input
	waiters        []chan int
	releaseContain func() error

	// onStatus delivers this process's lifecycle transitions. finished is
	// delivered by the SIGCHLD reaper's callback (onReaped), never by a
	// second waiter on this pid -- see §5.
	onStatus StatusFunc
	// done is closed once the reaper has reaped this pid, stopping the
	// ctx-cancellation watcher goroutine below.
	done chan struct{}
}

func (p *Proc) setState(s State) {
	p.mutex.Lock()
	p.State = s
	p.mutex.Unlock()
}

func (p *Proc) getState() State {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.State
}

// Server is the subprocess supervision server for one RPC service name
// (conventionally "rexec").
type Server struct {
	mutex sync.Mutex

	Name  string
	admit AdmitFunc

	// Containment places a newly started child's pid under resource limits
	// right after it starts (the child may already be running), when set. Left nil, Exec does no containment
	// (the sdexec backend covers containment for systemd-unit execs instead).
	Containment Containment

	byPID   map[int]*Proc
	byLabel map[string]*Proc
	byClient map[ClientKey][]*Proc

	shuttingDown bool
	drained      chan struct{}
}

// Containment places a pid under a resource-limited scope once it has
// started, returning a release func to tear the scope down once the
// process is reaped. label is the process's Proc.Label (e.g. "task3"),
// passed through so the scope can be named/found by job/task identity
// rather than an opaque id. Satisfied by jobworker/cgroup's Containment
// adapter.
type Containment interface {
	Place(pid int, label string) (release func() error, err error)
}

// NewServer constructs a Server. admit may be nil to allow every request.
func NewServer(name string, admit AdmitFunc) *Server {
	if name == "" {
		name = "rexec"
	}
	initializeReaper()
	return &Server{
		Name:     name,
		admit:    admit,
		byPID:    make(map[int]*Proc),
		byLabel:  make(map[string]*Proc),
		byClient: make(map[ClientKey][]*Proc),
	}
}

// Close finalizes this Server's share of the process-wide SIGCHLD
// singleton.
func (s *Server) Close() {
	finalizeReaper()
}

// Exec launches cmd. If flags carries no streaming callback use (onOutput
// nil), the process is treated as background: Exec returns as soon as the
// process starts, and onStatus (if non-nil) receives a single "started"
// call. Otherwise the process is foreground: onOutput/onStatus are driven
// until a terminal "finished" status, matching §4.F's response ordering.
func (s *Server) Exec(ctx context.Context, client ClientKey, label string, cmd Cmd, flags Flags, onOutput OutputFunc, onStatus StatusFunc) (*Proc, error) {
	s.mutex.Lock()
	if s.shuttingDown {
		s.mutex.Unlock()
		return nil, ferrors.New(ferrors.NoSystem, "subprocess server is shutting down")
	}
	s.mutex.Unlock()

	if s.admit != nil {
		if err := s.admit(client, cmd); err != nil {
			return nil, ferrors.Wrapf(err, "exec not permitted")
		}
	}
	if flags&Waitable != 0 && onOutput != nil {
		return nil, ferrors.New(ferrors.InvalidArgument, "WAITABLE is only valid for background execs")
	}
	if len(cmd.Cmdline) == 0 {
		return nil, ferrors.New(ferrors.InvalidArgument, "cmd.cmdline is empty")
	}

	foreground := onOutput != nil

	execCmd := exec.Command(cmd.Cmdline[0], cmd.Cmdline[1:]...)
	execCmd.Dir = cmd.Cwd
	execCmd.SysProcAttr = procAttrNewGroup()

	env := os.Environ()
	for k, v := range cmd.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	env = append(env, "FLUX_URI="+localBrokerURI())
	env = removeEnv(env, "NOTIFY_SOCKET")
	execCmd.Env = env

	p := &Proc{
		Cmd:        cmd,
		Label:      label,
		Client:     client,
		Foreground: foreground,
		Waitable:   flags&Waitable != 0,
		State:      Starting,
		exec:       execCmd,
		onStatus:   onStatus,
		done:       make(chan struct{}),
	}

	if flags&Stdout != 0 {
		out, remote, err := channel.NewPair(channel.Line, channel.DefaultBufsize, func(data []byte, eof bool) {
			if onOutput != nil {
				onOutput("stdout", data, eof)
			}
		})
		if err != nil {
			return nil, ferrors.Wrapf(err, "setup stdout channel")
		}
		p.stdout = out
		execCmd.Stdout = remote
	}
	if flags&Stderr != 0 {
		out, remote, err := channel.NewPair(channel.Line, channel.DefaultBufsize, func(data []byte, eof bool) {
			if onOutput != nil {
				onOutput("stderr", data, eof)
			}
		})
		if err != nil {
			return nil, ferrors.Wrapf(err, "setup stderr channel")
		}
		p.stderr = out
		execCmd.Stderr = remote
	}
	if flags&Chan != 0 {
		in, remote, err := channel.NewInputPair()
		if err != nil {
			return nil, ferrors.Wrapf(err, "setup stdin channel")
		}
		p.stdin = in
		execCmd.Stdin = remote
	}

	if err := execCmd.Start(); err != nil {
		p.setState(Failed)
		if onStatus != nil {
			onStatus("finished", 0, -1)
		}
		return nil, ferrors.Wrapf(err, "exec failure mapping")
	}

	p.PID = execCmd.Process.Pid
	p.setState(Running)

	if s.Containment != nil {
		release, err := s.Containment.Place(p.PID, label)
		if err != nil {
			logger.Errorf("containment place failed; pid: %d, error: %v", p.PID, err)
		} else {
			p.releaseContain = release
		}
	}

	s.mutex.Lock()
	s.byPID[p.PID] = p
	if label != "" {
		s.byLabel[label] = p
	}
	s.byClient[client] = append(s.byClient[client], p)
	s.refreshTableMetricsLocked()
	s.mutex.Unlock()

	registerReaper(p.PID, func(pid int, ws WaitStatus) {
		s.onReaped(p, ws)
	})

	// ctx cancellation kills the process group directly; the reaper (not
	// this goroutine, and not execCmd.Wait) is the sole waitpid caller.
	if ctx != nil {
		if done := ctx.Done(); done != nil {
			go func() {
				select {
				case <-done:
					if err := syscall.Kill(-p.PID, syscall.SIGKILL); err != nil && !ferrors.Is(err, syscall.ESRCH) {
						logger.Warnf("ctx cancel kill; pid: %d, error: %s", p.PID, err)
					}
				case <-p.done:
				}
			}()
		}
	}

	if onStatus != nil {
		onStatus("started", p.PID, 0)
	}

	return p, nil
}

// onReaped runs in the reaper's goroutine once PID has been waited on.
func (s *Server) onReaped(p *Proc, ws WaitStatus) {
	if ws.Stopped {
		p.setState(Stopped)
		return
	}
	if ws.Continued {
		p.setState(Running)
		return
	}

	status := 0
	switch {
	case ws.Exited:
		status = ws.ExitCode
	case ws.Signaled:
		status = 128 + int(ws.Signal)
	}

	p.mutex.Lock()
	p.ExitStatus = status
	waitable := p.Waitable
	waiters := p.waiters
	p.waiters = nil
	onStatus := p.onStatus
	p.mutex.Unlock()

	close(p.done)

	if p.Foreground && onStatus != nil {
		onStatus("finished", p.PID, status)
	}

	s.mutex.Lock()
	shuttingDown := s.shuttingDown
	s.mutex.Unlock()

	if waitable && !shuttingDown {
		p.setState(Zombie)
		for _, w := range waiters {
			w <- status
			close(w)
		}
		return
	}

	p.setState(Exited)
	for _, w := range waiters {
		close(w)
	}
	s.remove(p)
}

// Write delivers data to pid's stdin, silently dropping it if the process
// has already exited.
func (s *Server) Write(pid int, data []byte, eof bool) error {
	s.mutex.Lock()
	p, ok := s.byPID[pid]
	s.mutex.Unlock()
	if !ok || p.stdin == nil {
		return nil
	}
	if p.getState() != Running && p.getState() != Starting {
		return nil
	}
	if len(data) > 0 {
		if err := p.stdin.Write(data); err != nil {
			return err
		}
	}
	if eof {
		return p.stdin.Close()
	}
	return nil
}

// Kill delivers signum to the process group of the target process (pid or
// label).
func (s *Server) Kill(pidOrLabel interface{}, signum syscall.Signal) error {
	p, err := s.find(pidOrLabel)
	if err != nil {
		return err
	}
	if err := syscall.Kill(-p.PID, signum); err != nil {
		return ferrors.Wrapf(err, "kill process group %d", p.PID)
	}
	return nil
}

// ProcInfo is one svc.list entry.
type ProcInfo struct {
	PID   int
	Cmd   string
	Label string
	State State
}

// List returns a snapshot of every tracked process.
func (s *Server) List() []ProcInfo {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	out := make([]ProcInfo, 0, len(s.byPID))
	for _, p := range s.byPID {
		cmdline := ""
		if len(p.Cmd.Cmdline) > 0 {
			cmdline = p.Cmd.Cmdline[0]
		}
		out = append(out, ProcInfo{PID: p.PID, Cmd: cmdline, Label: p.Label, State: p.getState()})
	}
	return out
}

// Wait parks until the target waitable process becomes a zombie (or
// returns immediately if it already is one), returning its exit status.
// Cancelling ctx removes this waiter without affecting others.
func (s *Server) Wait(ctx context.Context, pidOrLabel interface{}) (int, error) {
	p, err := s.find(pidOrLabel)
	if err != nil {
		return 0, err
	}
	if !p.Waitable {
		return 0, ferrors.New(ferrors.InvalidArgument, "process is not waitable")
	}

	p.mutex.Lock()
	if p.State == Zombie {
		status := p.ExitStatus
		p.mutex.Unlock()
		s.remove(p)
		return status, nil
	}
	ch := make(chan int, 1)
	p.waiters = append(p.waiters, ch)
	p.mutex.Unlock()

	select {
	case status, ok := <-ch:
		if !ok {
			return 0, ferrors.New(ferrors.NoData, "wait cancelled")
		}
		s.remove(p)
		return status, nil
	case <-ctx.Done():
		p.mutex.Lock()
		for i, w := range p.waiters {
			if w == ch {
				p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
				break
			}
		}
		p.mutex.Unlock()
		return 0, ferrors.Wrapf(ctx.Err(), "wait cancelled")
	}
}

// Disconnect implements per-client cleanup: every foreground process owned
// by client is SIGKILLed, and any wait it owns is implicitly dropped by
// virtue of its ctx being cancelled by the caller. Background processes
// are left running.
func (s *Server) Disconnect(client ClientKey) {
	s.mutex.Lock()
	procs := s.byClient[client]
	delete(s.byClient, client)
	s.mutex.Unlock()

	for _, p := range procs {
		if p.Foreground && p.getState() == Running {
			if err := syscall.Kill(-p.PID, syscall.SIGKILL); err != nil {
				logger.Warnf("disconnect kill; pid: %d, error: %s", p.PID, err)
			}
		}
	}
}

// Shutdown purges zombies (they don't block shutdown), then signals every
// remaining active process with signum. The returned channel closes once
// the process list has drained.
func (s *Server) Shutdown(signum syscall.Signal) <-chan struct{} {
	s.mutex.Lock()
	s.shuttingDown = true
	for pid, p := range s.byPID {
		if p.getState() == Zombie {
			delete(s.byPID, pid)
			if p.Label != "" {
				delete(s.byLabel, p.Label)
			}
		}
	}
	remaining := make([]*Proc, 0, len(s.byPID))
	for _, p := range s.byPID {
		remaining = append(remaining, p)
	}
	s.mutex.Unlock()

	s.mutex.Lock()
	if len(s.byPID) == 0 {
		s.mutex.Unlock()
		done := make(chan struct{})
		close(done)
		return done
	}
	s.drained = make(chan struct{})
	done := s.drained
	s.mutex.Unlock()

	for _, p := range remaining {
		if err := syscall.Kill(-p.PID, signum); err != nil {
			logger.Warnf("shutdown signal; pid: %d, error: %s", p.PID, err)
		}
	}

	return done
}

func (s *Server) find(pidOrLabel interface{}) (*Proc, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	switch v := pidOrLabel.(type) {
	case int:
		if p, ok := s.byPID[v]; ok {
			return p, nil
		}
	case string:
		if p, ok := s.byLabel[v]; ok {
			return p, nil
		}
	}
	return nil, ferrors.Newf(ferrors.NotFound, "no such process %v", pidOrLabel)
}

func (s *Server) remove(p *Proc) {
	if p.releaseContain != nil {
		if err := p.releaseContain(); err != nil {
			logger.Errorf("containment release failed; pid: %d, error: %v", p.PID, err)
		}
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.byPID, p.PID)
	if p.Label != "" {
		delete(s.byLabel, p.Label)
	}
	if procs, ok := s.byClient[p.Client]; ok {
		for i, candidate := range procs {
			if candidate == p {
				s.byClient[p.Client] = append(procs[:i], procs[i+1:]...)
				break
			}
		}
	}
	if s.shuttingDown && s.drained != nil && len(s.byPID) == 0 {
		close(s.drained)
		s.drained = nil
	}
	s.refreshTableMetricsLocked()
}

// refreshTableMetricsLocked recomputes the process-table size gauge by
// state. Callers must hold s.mutex.
func (s *Server) refreshTableMetricsLocked() {
	counts := make(map[State]int)
	for _, p := range s.byPID {
		counts[p.getState()]++
	}
	for _, state := range []State{Starting, Running, Stopped, Exited, Zombie, Failed} {
		metrics.SubprocessTableSize.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

func removeEnv(env []string, key string) []string {
	prefix := key + "="
	out := env[:0]
	for _, kv := range env {
		if len(kv) >= len(prefix) && kv[:len(prefix)] == prefix {
			continue
		}
		out = append(out, kv)
	}
	return out
}

func localBrokerURI() string {
	if uri := os.Getenv("FLUX_URI"); uri != "" {
		return uri
	}
	return "local:///tmp/flux-broker"
}
