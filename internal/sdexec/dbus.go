package sdexec

import (
	"context"
	"fmt"

	systemdDbus "github.com/coreos/go-systemd/v22/dbus"
)

// DialSystem connects to the host's systemd manager over the system D-Bus.
// The returned *systemdDbus.Conn already satisfies Conn; it is passed to
// NewBackend directly.
func DialSystem(ctx context.Context) (*systemdDbus.Conn, error) {
	conn, err := systemdDbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to systemd manager: %w", err)
	}
	return conn, nil
}

// subscriptionWatcher implements PropertiesWatcher over go-systemd's
// SubscriptionSet: coarse ActiveState/SubState polling rather than a
// per-unit PropertiesChanged signal, with MainPID fetched on each update
// via the Service interface's MainPID property.
type subscriptionWatcher struct {
	conn *systemdDbus.Conn
}

// NewSystemWatcher wraps conn as a PropertiesWatcher.
func NewSystemWatcher(conn *systemdDbus.Conn) PropertiesWatcher {
	return &subscriptionWatcher{conn: conn}
}

func (w *subscriptionWatcher) Subscribe(unit string) (<-chan UnitProperties, func(), error) {
	set := w.conn.NewSubscriptionSet()
	set.Add(unit)
	updates, errs := set.Subscribe()

	out := make(chan UnitProperties)
	done := make(chan struct{})
	cancel := func() { close(done) }

	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case statuses, ok := <-updates:
				if !ok {
					return
				}
				st, present := statuses[unit]
				if !present || st == nil {
					continue
				}
				props := UnitProperties{
					ActiveState: st.ActiveState,
					SubState:    st.SubState,
					MainPID:     w.mainPID(unit),
				}
				select {
				case out <- props:
				case <-done:
					return
				}
			case err, ok := <-errs:
				if ok {
					logger.Warnf("unit subscription; unit: %s, error: %v", unit, err)
				}
			}
		}
	}()

	return out, cancel, nil
}

func (w *subscriptionWatcher) mainPID(unit string) int {
	prop, err := w.conn.GetServiceProperty(unit, "MainPID")
	if err != nil {
		return 0
	}
	pid, ok := prop.Value.Value().(uint32)
	if !ok {
		return 0
	}
	return int(pid)
}
