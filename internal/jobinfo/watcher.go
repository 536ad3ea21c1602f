package jobinfo

import (
	"context"

	"github.com/fluxcore/jobctl/internal/broker"
	ferrors "github.com/fluxcore/jobctl/internal/errors"
	"github.com/fluxcore/jobctl/internal/eventlog"
	"github.com/fluxcore/jobctl/internal/metrics"
)

// watchState names the eventlog-watch state machine's states (§4.I).
type watchState int

const (
	stateInit watchState = iota
	stateGetMainEventlog
	stateWaitGuestNamespace
	stateGuestNamespaceWatch
	stateMainNamespaceWatch
)

// Event is one eventlog-watch streaming response.
type Event struct {
	Line string
	Err  error
}

// WatchRequest describes one job-info.eventlog-watch call.
type WatchRequest struct {
	JobID      string
	Path       string // defaults to "eventlog" for the job's primary log
	WaitCreate bool
}

// GuestNamespacePath returns the live (pre-release) path of a non-primary
// per-job eventlog, served out of the job's private KVS namespace while
// the leader shell is running.
func GuestNamespacePath(jobid, path string) string {
	return "guestns." + jobid + "." + path
}

// ReleasedGuestPath returns the path a non-primary eventlog is copied to
// once the leader shell releases its guest namespace back into the main
// KVS (§4.I case 3).
func ReleasedGuestPath(jobid, path string) string {
	return "job." + jobid + ".guest." + path
}

// Watch streams path's events to the returned channel, transparently
// following the job's eventlog across its three possible storage
// locations. The channel is closed after a terminal event (including a
// final Event carrying ferrors.NoData on ENODATA) or when ctx is
// cancelled.
func Watch(ctx context.Context, store broker.Store, req WatchRequest) (<-chan Event, broker.CancelFunc, error) {
	if req.Path == "" {
		req.Path = "eventlog"
	}

	out := make(chan Event, 16)
	ctx, cancel := context.WithCancel(ctx)

	metrics.Watchers.Inc()
	go runWatch(ctx, store, req, out)

	return out, broker.CancelFunc(cancel), nil
}

func runWatch(ctx context.Context, store broker.Store, req WatchRequest, out chan<- Event) {
	defer close(out)
	defer metrics.Watchers.Dec()

	if req.Path == "eventlog" {
		watchPath(ctx, store, MainEventlogPath(req.JobID), req.WaitCreate, true, out)
		return
	}

	mainLog, err := store.Get(ctx, MainEventlogPath(req.JobID))
	if err != nil && !ferrors.Is(err, ferrors.NotFound) {
		out <- Event{Err: err}
		return
	}
	entries, err := eventlog.DecodeLog(mainLog)
	if err != nil {
		out <- Event{Err: err}
		return
	}

	started, released := scanLifecycle(entries)

	state := stateWaitGuestNamespace
	switch {
	case released:
		state = stateMainNamespaceWatch
	case started:
		state = stateGuestNamespaceWatch
	}

	for {
		switch state {
		case stateWaitGuestNamespace:
			mainEvents := make(chan broker.AppendEvent, 16)
			mainChan, mainCancel, err := store.WatchAppend(ctx, MainEventlogPath(req.JobID), broker.WatchOptions{})
			if err != nil {
				out <- Event{Err: err}
				return
			}
			go func() {
				for ev := range mainChan {
					select {
					case mainEvents <- ev:
					case <-ctx.Done():
						return
					}
				}
				close(mainEvents)
			}()

			found := false
			for ev := range mainEvents {
				entry, err := eventlog.DecodeEntry(ev.Data)
				if err == nil && entry.Name == "start" {
					found = true
					break
				}
				if err == nil && entry.Name == "clean" {
					break
				}
			}
			mainCancel()
			if found {
				state = stateGuestNamespaceWatch
				continue
			}
			state = stateMainNamespaceWatch

		case stateGuestNamespaceWatch:
			metrics.GuestWatchers.Inc()
			delivered := watchPath(ctx, store, GuestNamespacePath(req.JobID, req.Path), req.WaitCreate, false, out)
			metrics.GuestWatchers.Dec()
			if delivered > 0 {
				return
			}
			// ENOTSUP-equivalent: namespace already removed and nothing was
			// delivered, so it is safe to fall back transparently.
			state = stateMainNamespaceWatch

		case stateMainNamespaceWatch:
			watchPath(ctx, store, ReleasedGuestPath(req.JobID, req.Path), req.WaitCreate, false, out)
			return
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// watchPath streams one KVS log's appends to out, translating each append
// to an Event and terminating on the job's "clean" event when primary is
// set (primary eventlogs alone carry job lifecycle events).
func watchPath(ctx context.Context, store broker.Store, path string, waitCreate, primary bool, out chan<- Event) int {
	ch, cancel, err := store.WatchAppend(ctx, path, broker.WatchOptions{WaitCreate: waitCreate})
	if err != nil {
		if !primary && ferrors.Is(err, ferrors.NotFound) {
			return 0
		}
		out <- Event{Err: err}
		return 0
	}
	defer cancel()

	delivered := 0
	for ev := range ch {
		out <- Event{Line: string(ev.Data)}
		delivered++

		if primary {
			entry, err := eventlog.DecodeEntry(ev.Data)
			if err == nil && entry.Name == "clean" {
				out <- Event{Err: ferrors.New(ferrors.NoData, "eventlog watch complete")}
				return delivered
			}
		}
	}
	return delivered
}

func scanLifecycle(entries []eventlog.Entry) (started, released bool) {
	for _, e := range entries {
		switch e.Name {
		case "start":
			started = true
		case "clean":
			released = true
		}
	}
	return started, released
}
