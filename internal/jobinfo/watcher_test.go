package jobinfo

import (
	"context"
	"testing"
	"time"

	ferrors "github.com/fluxcore/jobctl/internal/errors"
)

func TestWatchPrimaryReplaysExistingEntriesThenCleanEndsWithNoData(t *testing.T) {
	store := newTestStore(t)
	jobid := "w1"

	appendEntry(t, store, MainEventlogPath(jobid), "submit", []byte(`{"userid":1}`))
	appendEntry(t, store, MainEventlogPath(jobid), "clean", []byte(`{}`))

	events, cancel, err := Watch(context.Background(), store, WatchRequest{JobID: jobid})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer cancel()

	var lines []string
	var gotNoData bool

	deadline := time.After(time.Second)
drain:
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				break drain
			}
			if ev.Err != nil {
				if ferrors.Is(ev.Err, ferrors.NoData) {
					gotNoData = true
					continue
				}
				t.Fatalf("unexpected watch error: %v", ev.Err)
			}
			lines = append(lines, ev.Line)
		case <-deadline:
			t.Fatalf("timed out waiting for watch events")
		}
	}

	if len(lines) != 2 {
		t.Fatalf("expected 2 replayed lines, got %d: %v", len(lines), lines)
	}
	if !gotNoData {
		t.Fatalf("expected a terminal NoData event after clean")
	}
}

func TestWatchNonPrimaryFallsBackToReleasedGuestPath(t *testing.T) {
	store := newTestStore(t)
	jobid := "w2"

	appendEntry(t, store, MainEventlogPath(jobid), "submit", []byte(`{"userid":1}`))
	appendEntry(t, store, MainEventlogPath(jobid), "start", []byte(`{}`))
	appendEntry(t, store, MainEventlogPath(jobid), "clean", []byte(`{}`))
	appendEntry(t, store, ReleasedGuestPath(jobid, "output"), "data", []byte(`{"stream":"stdout"}`))

	events, cancel, err := Watch(context.Background(), store, WatchRequest{JobID: jobid, Path: "output"})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer cancel()

	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatalf("channel closed before any event")
		}
		if ev.Err != nil {
			t.Fatalf("unexpected error: %v", ev.Err)
		}
		if ev.Line == "" {
			t.Fatalf("expected a non-empty replayed line")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for released-guest-path event")
	}

	cancel()
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for channel to close after cancel")
		}
	}
}
