package jobinfo

import (
	"encoding/json"
	"testing"

	"github.com/fluxcore/jobctl/internal/eventlog"
)

func applyAll(t *testing.T, tr *Truncator, events []struct {
	name string
	ctx  string
}) {
	t.Helper()
	for _, e := range events {
		entry := eventlog.BuildEntry(1.0, e.name, json.RawMessage(e.ctx))
		if err := tr.Apply(entry); err != nil {
			t.Fatalf("apply %s: %v", e.name, err)
		}
	}
}

func TestTruncateOnlineOfflineTracking(t *testing.T) {
	tr := NewTruncator()
	applyAll(t, tr, []struct {
		name string
		ctx  string
	}{
		{"online", `{"idset":"0-3"}`},
		{"offline", `{"idset":"1"}`},
	})

	snap, err := tr.Snapshot(2.0)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	var ctx map[string]interface{}
	if err := json.Unmarshal(snap.Context, &ctx); err != nil {
		t.Fatalf("decode snapshot context: %v", err)
	}
	if got, expected := ctx["online"].(string), "0,2-3"; got != expected {
		t.Fatalf("unexpected online set; actual: %s, expected: %s", got, expected)
	}
}

func TestTruncateTorpidLively(t *testing.T) {
	tr := NewTruncator()
	applyAll(t, tr, []struct {
		name string
		ctx  string
	}{
		{"online", `{"idset":"0-3"}`},
		{"torpid", `{"idset":"0-1"}`},
		{"lively", `{"idset":"0"}`},
	})

	snap, err := tr.Snapshot(2.0)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	var ctx map[string]interface{}
	json.Unmarshal(snap.Context, &ctx)
	if got, expected := ctx["torpid"].(string), "1"; got != expected {
		t.Fatalf("unexpected torpid set; actual: %s, expected: %s", got, expected)
	}
}

func TestTruncateDrainOverwriteSemantics(t *testing.T) {
	tr := NewTruncator()

	applyAll(t, tr, []struct {
		name string
		ctx  string
	}{
		{"online", `{"idset":"0-3"}`},
		{"drain", `{"idset":"0-1","reason":"first","overwrite":0}`},
	})
	if tr.drainset[0].Reason != "first" {
		t.Fatalf("unexpected initial drain reason; actual: %s", tr.drainset[0].Reason)
	}

	// overwrite=0 (if-absent) must not replace an existing non-empty reason.
	applyAll(t, tr, []struct {
		name string
		ctx  string
	}{
		{"drain", `{"idset":"0","reason":"second","overwrite":0}`},
	})
	if tr.drainset[0].Reason != "first" {
		t.Fatalf("expected reason unchanged under overwrite=0; actual: %s", tr.drainset[0].Reason)
	}

	// overwrite=1 (always) replaces it.
	applyAll(t, tr, []struct {
		name string
		ctx  string
	}{
		{"drain", `{"idset":"0","reason":"third","overwrite":1}`},
	})
	if tr.drainset[0].Reason != "third" {
		t.Fatalf("expected reason replaced under overwrite=1; actual: %s", tr.drainset[0].Reason)
	}

	// overwrite=2 (append) concatenates.
	applyAll(t, tr, []struct {
		name string
		ctx  string
	}{
		{"drain", `{"idset":"0","reason":"fourth","overwrite":2}`},
	})
	if got, expected := tr.drainset[0].Reason, "third; fourth"; got != expected {
		t.Fatalf("unexpected appended reason; actual: %s, expected: %s", got, expected)
	}

	applyAll(t, tr, []struct {
		name string
		ctx  string
	}{
		{"undrain", `{"idset":"0"}`},
	})
	if _, drained := tr.drainset[0]; drained {
		t.Fatalf("expected rank 0 undrained")
	}
	if _, drained := tr.drainset[1]; !drained {
		t.Fatalf("expected rank 1 still drained")
	}
}

func TestTruncateRestartResetsState(t *testing.T) {
	tr := NewTruncator()
	applyAll(t, tr, []struct {
		name string
		ctx  string
	}{
		{"online", `{"idset":"0-3"}`},
		{"drain", `{"idset":"1","reason":"bad disk","overwrite":0}`},
		{"restart", `{"online":"0,2-3"}`},
	})

	if _, drained := tr.drainset[1]; drained {
		t.Fatalf("expected drainset cleared by restart")
	}
	snap, err := tr.Snapshot(3.0)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	var ctx map[string]interface{}
	json.Unmarshal(snap.Context, &ctx)
	if got, expected := ctx["online"].(string), "0,2-3"; got != expected {
		t.Fatalf("unexpected online set after restart; actual: %s, expected: %s", got, expected)
	}
}

func TestTruncateResourceDefineCapturesDiscoveryMethod(t *testing.T) {
	tr := NewTruncator()
	applyAll(t, tr, []struct {
		name string
		ctx  string
	}{
		{"resource-define", `{"discovery-method":"dynamic-discovery","nodelist":["node0","node1"]}`},
	})

	snap, err := tr.Snapshot(1.0)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	var ctx map[string]interface{}
	json.Unmarshal(snap.Context, &ctx)
	if got, expected := ctx["discovery-method"].(string), "dynamic-discovery"; got != expected {
		t.Fatalf("unexpected discovery-method; actual: %s, expected: %s", got, expected)
	}
	nodelist, ok := ctx["nodelist"].([]interface{})
	if !ok || len(nodelist) != 2 {
		t.Fatalf("unexpected nodelist; actual: %v", ctx["nodelist"])
	}
}

func TestTruncateReplayOfOwnSnapshotIsIdempotent(t *testing.T) {
	tr := NewTruncator()
	applyAll(t, tr, []struct {
		name string
		ctx  string
	}{
		{"online", `{"idset":"0-3"}`},
		{"drain", `{"idset":"2","reason":"maintenance","overwrite":0}`},
	})
	snap, err := tr.Snapshot(5.0)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	replayed := NewTruncator()
	if err := replayed.Apply(snap); err != nil {
		t.Fatalf("replay snapshot: %v", err)
	}
	resnap, err := replayed.Snapshot(5.0)
	if err != nil {
		t.Fatalf("re-snapshot: %v", err)
	}

	var a, b map[string]interface{}
	json.Unmarshal(snap.Context, &a)
	json.Unmarshal(resnap.Context, &b)
	if a["online"] != b["online"] {
		t.Fatalf("replay mismatch in online; actual: %v, expected: %v", b["online"], a["online"])
	}
}
