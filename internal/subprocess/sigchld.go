package subprocess

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/fluxcore/jobctl/internal/log"
)

var logger = log.New(os.Stdout, "subprocess")

// reaper is the process-wide SIGCHLD singleton described in §4.G. Exactly
// one *os/signal* registration exists regardless of how many Servers are
// running; initializeReaper/finalizeReaper refcount it.
type reaper struct {
	mutex    sync.Mutex
	refcount int
	sigs     chan os.Signal
	stop     chan struct{}

	callbacks map[int]func(pid int, state WaitStatus)
}

var globalReaper = &reaper{
	callbacks: make(map[int]func(pid int, state WaitStatus)),
}

// WaitStatus summarizes a reaped child's termination state.
type WaitStatus struct {
	Exited   bool
	ExitCode int
	Signaled bool
	Signal   syscall.Signal
	Stopped  bool
	Continued bool
}

// initializeReaper installs the SIGCHLD watcher on first call; subsequent
// calls just bump the refcount. Callers must pair every initializeReaper
// with a finalizeReaper.
func initializeReaper() {
	globalReaper.mutex.Lock()
	defer globalReaper.mutex.Unlock()

	globalReaper.refcount++
	if globalReaper.refcount > 1 {
		return
	}

	globalReaper.sigs = make(chan os.Signal, 16)
	globalReaper.stop = make(chan struct{})
	signal.Notify(globalReaper.sigs, syscall.SIGCHLD)
	go globalReaper.run()
	logger.Infof("sigchld reaper initialized")
}

// finalizeReaper decrements the refcount, tearing down the watcher when it
// reaches zero.
func finalizeReaper() {
	globalReaper.mutex.Lock()
	defer globalReaper.mutex.Unlock()

	globalReaper.refcount--
	if globalReaper.refcount > 0 {
		return
	}
	if globalReaper.stop != nil {
		signal.Stop(globalReaper.sigs)
		close(globalReaper.stop)
		globalReaper.stop = nil
	}
	logger.Infof("sigchld reaper finalized")
}

// registerReaper adds a pid->callback entry. The callback fires for every
// stop or continue report on that pid and is removed after the pid's
// terminal (exited or signaled) report.
func registerReaper(pid int, cb func(pid int, state WaitStatus)) {
	globalReaper.mutex.Lock()
	defer globalReaper.mutex.Unlock()
	globalReaper.callbacks[pid] = cb
}

// unregisterReaper removes a pending pid->callback entry, e.g. when a
// process is abandoned before it exits.
func unregisterReaper(pid int) {
	globalReaper.mutex.Lock()
	defer globalReaper.mutex.Unlock()
	delete(globalReaper.callbacks, pid)
}

func (r *reaper) run() {
	for {
		select {
		case <-r.stop:
			return
		case <-r.sigs:
			r.reapAll()
		}
	}
}

// reapAll loops waitpid(-1, WNOHANG|WUNTRACED|WCONTINUED) until no more
// children are immediately reapable, dispatching one callback per reaped
// pid. Re-entrant registration (a callback calling registerReaper again)
// is safe: the mutex is only held while mutating the map, not during
// dispatch.
func (r *reaper) reapAll() {
	for {
		var ws syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &ws, syscall.WNOHANG|syscall.WUNTRACED|syscall.WCONTINUED, nil)
		if err != nil || pid <= 0 {
			return
		}

		r.mutex.Lock()
		cb, ok := r.callbacks[pid]
		if ok && (ws.Exited() || ws.Signaled()) {
			delete(r.callbacks, pid)
		}
		r.mutex.Unlock()

		if !ok {
			continue
		}

		status := WaitStatus{
			Exited:    ws.Exited(),
			Signaled:  ws.Signaled(),
			Stopped:   ws.Stopped(),
			Continued: ws.Continued(),
		}
		if ws.Exited() {
			status.ExitCode = ws.ExitStatus()
		}
		if ws.Signaled() {
			status.Signal = ws.Signal()
		}
		cb(pid, status)
	}
}
