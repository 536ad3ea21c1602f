// Package sdexec implements the systemd transient-unit subprocess backend
// (§4.H): each exec launches its command as a systemd scope/service unit,
// tracked through a PropertiesWatcher stream of unit state changes rather
// than a SIGCHLD reaper (the D-Bus watcher in dbus.go polls systemd's unit
// states through a subscription set).
package sdexec

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	systemdDbus "github.com/coreos/go-systemd/v22/dbus"

	ferrors "github.com/fluxcore/jobctl/internal/errors"
	"github.com/fluxcore/jobctl/internal/log"
	"github.com/fluxcore/jobctl/internal/metrics"
)

var logger = log.New(os.Stdout, "sdexec")

// Conn is the subset of *systemdDbus.Conn the backend depends on, pulled
// out as an interface so the unit state machine can be exercised without a
// live D-Bus/systemd connection.
type Conn interface {
	StartTransientUnitContext(ctx context.Context, name, mode string, properties []systemdDbus.Property, ch chan<- string) (int, error)
	StopUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	KillUnitContext(ctx context.Context, name string, signal int32)
	ResetFailedUnitContext(ctx context.Context, name string) error
	Close()
}

// PropertiesWatcher abstracts subscribing to a unit's ActiveState/SubState/
// ExecMainPID PropertiesChanged stream.
type PropertiesWatcher interface {
	Subscribe(unit string) (<-chan UnitProperties, func(), error)
}

// UnitProperties is one observed (ActiveState, SubState) transition, plus
// ExecMainPID once the unit has started.
type UnitProperties struct {
	ActiveState string
	SubState    string
	MainPID     int
}

func (p UnitProperties) key() string { return p.ActiveState + "." + p.SubState }

// Backend runs commands as systemd transient units.
type Backend struct {
	conn    Conn
	watcher PropertiesWatcher

	mutex sync.Mutex
	units map[string]*Unit
}

// NewBackend constructs a Backend over an established D-Bus connection.
func NewBackend(conn Conn, watcher PropertiesWatcher) *Backend {
	return &Backend{conn: conn, watcher: watcher, units: make(map[string]*Unit)}
}

// StatusFunc delivers a lifecycle event for a unit: "started"{pid},
// "finished"{status}, or a terminal error.
type StatusFunc func(typ string, pid int, status int, err error)

// Unit tracks one running transient unit.
type Unit struct {
	mutex sync.Mutex

	Name       string
	MainPID    int
	started    bool
	stoppedAt  bool
	stopTimer  *time.Timer
	killTimer  *time.Timer
	abandoned bool
	pendingIn [][]byte
	writer    func([]byte) error
	onStatus  StatusFunc
	cancelSub func()
}

// Write queues data for the unit's stdin. The bytes are buffered until the
// unit has reached active.running and a writer has been attached with
// bindWriter; after that they go straight to the writer. Nothing in this
// tree calls bindWriter, so Write only buffers.
func (u *Unit) Write(data []byte) error {
	u.mutex.Lock()
	if !u.started || u.writer == nil {
		u.pendingIn = append(u.pendingIn, append([]byte(nil), data...))
		u.mutex.Unlock()
		return nil
	}
	u.mutex.Unlock()
	return u.writer(data)
}

// bindWriter attaches the stdin writer and flushes any buffered input
// accumulated before the unit started.
func (u *Unit) bindWriter(w func([]byte) error) error {
	u.mutex.Lock()
	pending := u.pendingIn
	u.pendingIn = nil
	u.writer = w
	u.mutex.Unlock()

	for _, data := range pending {
		if err := w(data); err != nil {
			return err
		}
	}
	return nil
}

// Start launches cmdline as transient unit name, following the §4.H start
// flow: subscribe to property changes first, then issue
// StartTransientUnit; input passed to Unit.Write is buffered as Write
// describes. timeout is the stop-timer escalation
// window (0 disables escalation, matching SDEXEC_STOP_TIMER_SEC's
// disabled-by-default behavior).
func (b *Backend) Start(ctx context.Context, name string, properties []systemdDbus.Property, timeout time.Duration, onStatus StatusFunc) (*Unit, error) {
	propCh, cancel, err := b.watcher.Subscribe(name)
	if err != nil {
		return nil, ferrors.Wrapf(err, "subscribe unit properties; unit: %s", name)
	}

	u := &Unit{Name: name, onStatus: onStatus, cancelSub: cancel}

	b.mutex.Lock()
	b.units[name] = u
	b.mutex.Unlock()
	metrics.SDExecUnits.Inc()

	ackCh := make(chan string, 1)
	if _, err := b.conn.StartTransientUnitContext(ctx, name, "fail", properties, ackCh); err != nil {
		cancel()
		b.removeUnit(name)
		return nil, ferrors.Wrapf(err, "start transient unit; unit: %s", name)
	}

	go b.watchUnit(ctx, u, propCh, timeout)

	return u, nil
}

func (b *Backend) removeUnit(name string) {
	b.mutex.Lock()
	_, existed := b.units[name]
	delete(b.units, name)
	b.mutex.Unlock()
	if existed {
		metrics.SDExecUnits.Dec()
	}
}

// watchUnit drives the unit lifecycle state machine described in §4.H from
// the PropertiesChanged stream.
func (b *Backend) watchUnit(ctx context.Context, u *Unit, props <-chan UnitProperties, timeout time.Duration) {
	defer u.cancelSub()
	defer b.removeUnit(u.Name)

	for p := range props {
		switch p.key() {
		case "active.running":
			u.mutex.Lock()
			if !u.started {
				u.started = true
				u.MainPID = p.MainPID
				u.mutex.Unlock()
				if u.onStatus != nil {
					u.onStatus("started", p.MainPID, 0, nil)
				}
				continue
			}
			u.mutex.Unlock()

		case "active.exited":
			if u.onStatus != nil {
				u.onStatus("finished", u.MainPID, 0, nil)
			}
			stopCh := make(chan string, 1)
			if _, err := b.conn.StopUnitContext(ctx, u.Name, "fail", stopCh); err != nil {
				logger.Warnf("stop unit after exit; unit: %s, error: %s", u.Name, err)
			}

		case "deactivating.stop-sigterm", "deactivating.stop":
			u.startStopTimer(ctx, b.conn, timeout)

		case "failed.failed":
			if u.onStatus != nil {
				u.onStatus("finished", u.MainPID, -1, ferrors.Newf(ferrors.NotFound, "unit %s failed", u.Name))
			}
			if err := b.conn.ResetFailedUnitContext(ctx, u.Name); err != nil {
				logger.Warnf("reset failed unit; unit: %s, error: %s", u.Name, err)
			}
			u.stopEscalation()
			return

		case "inactive.dead":
			u.stopEscalation()
			return
		}
	}
}

// startStopTimer begins the two-stage stop escalation: KillUnit(SIGKILL)
// after timeout, and abandonment with EDEADLK after 2*timeout. A zero
// timeout disables escalation entirely.
func (u *Unit) startStopTimer(ctx context.Context, conn Conn, timeout time.Duration) {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	if timeout <= 0 || u.stopTimer != nil {
		return
	}

	u.stopTimer = time.AfterFunc(timeout, func() {
		conn.KillUnitContext(ctx, u.Name, 9) // SIGKILL
	})
	u.killTimer = time.AfterFunc(2*timeout, func() {
		u.mutex.Lock()
		u.abandoned = true
		status := u.onStatus
		pid := u.MainPID
		u.mutex.Unlock()
		if status != nil {
			status("finished", pid, -1, ferrors.New(ferrors.Deadlock, "sdexec stop escalation exhausted"))
		}
	})
}

func (u *Unit) stopEscalation() {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	if u.stopTimer != nil {
		u.stopTimer.Stop()
	}
	if u.killTimer != nil {
		u.killTimer.Stop()
	}
}

// Abandoned reports whether the stop escalation exhausted both stages.
func (u *Unit) Abandoned() bool {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	return u.abandoned
}

// UnitPropertyNames is the set of systemd unit property names the backend's
// unit state machine is built around. No code in this tree reads the list.
var UnitPropertyNames = []string{"ActiveState", "SubState", "ExecMainPID"}

// UnitName derives a deterministic systemd unit name for jobid/shellrank,
// following flux's own naming convention closely enough for operators to
// correlate `systemctl status` output with a job. The .service suffix
// matches UnitPropertyNames' ExecMainPID/MainPID semantics, which belong to
// the Service D-Bus interface rather than Scope.
func UnitName(jobid string, rank int) string {
	return fmt.Sprintf("flux-exec-%s-%d.service", jobid, rank)
}
