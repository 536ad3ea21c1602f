package jobinfo

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/fluxcore/jobctl/internal/broker"
	"github.com/fluxcore/jobctl/internal/eventlog"
)

func newTestStore(t *testing.T) *broker.LocalStore {
	t.Helper()
	store, err := broker.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("new local store: %v", err)
	}
	return store
}

func appendEntry(t *testing.T, store broker.Store, path, name string, context []byte) {
	t.Helper()
	entry := eventlog.BuildEntry(1.0, name, json.RawMessage(context))
	b, err := eventlog.EncodeEntry(entry)
	if err != nil {
		t.Fatalf("encode entry: %v", err)
	}
	txn := store.Txn()
	txn.Append(path, b)
	if err := store.Commit(txn).Wait(context.Background()); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestApplyUpdateResourceExpirationOnly(t *testing.T) {
	base := json.RawMessage(`{"execution":{"expiration":100}}`)
	updated, err := ApplyUpdate("R", base, json.RawMessage(`{"expiration":200}`))
	if err != nil {
		t.Fatalf("apply update: %v", err)
	}
	var doc map[string]interface{}
	json.Unmarshal(updated, &doc)
	exec := doc["execution"].(map[string]interface{})
	if exec["expiration"].(float64) != 200 {
		t.Fatalf("unexpected expiration; actual: %v", exec["expiration"])
	}
}

func TestApplyUpdateResourceIgnoresOtherFields(t *testing.T) {
	base := json.RawMessage(`{}`)
	updated, err := ApplyUpdate("R", base, json.RawMessage(`{"nodelist":["node1"]}`))
	if err != nil {
		t.Fatalf("apply update: %v", err)
	}
	var doc map[string]interface{}
	json.Unmarshal(updated, &doc)
	if _, present := doc["nodelist"]; present {
		t.Fatalf("expected nodelist field to be ignored, got: %v", doc)
	}
}

func TestApplyUpdateJobspecDottedPaths(t *testing.T) {
	base := json.RawMessage(`{"attributes":{"system":{"duration":60}}}`)
	updated, err := ApplyUpdate("jobspec", base, json.RawMessage(`{"attributes.system.duration":120}`))
	if err != nil {
		t.Fatalf("apply update: %v", err)
	}
	var doc map[string]interface{}
	json.Unmarshal(updated, &doc)
	attrs := doc["attributes"].(map[string]interface{})
	sys := attrs["system"].(map[string]interface{})
	if sys["duration"].(float64) != 120 {
		t.Fatalf("unexpected duration; actual: %v", sys["duration"])
	}
}

func TestApplyUpdateNilDeletesAndPrunesEmptyParent(t *testing.T) {
	base := json.RawMessage(`{"attributes":{"system":{"queue":"batch"}}}`)
	updated, err := ApplyUpdate("jobspec", base, json.RawMessage(`{"attributes.system.queue":null}`))
	if err != nil {
		t.Fatalf("apply update: %v", err)
	}
	var doc map[string]interface{}
	json.Unmarshal(updated, &doc)
	if _, present := doc["attributes"]; present {
		t.Fatalf("expected attributes pruned empty, got: %v", doc)
	}
}

func TestJPathSetRejectsMalformedPaths(t *testing.T) {
	cases := []string{"", ".a", "a.", "a..b"}
	for _, path := range cases {
		if err := jpathSet(map[string]interface{}{}, path, 1); err == nil {
			t.Fatalf("expected error for malformed path %q", path)
		}
	}
}

func TestUpdateWatcherInitialSnapshotReplaysUpdates(t *testing.T) {
	store := newTestStore(t)
	jobid := "f1"

	appendEntry(t, store, MainEventlogPath(jobid), "submit", []byte(`{"userid":42}`))
	appendEntry(t, store, MainEventlogPath(jobid), "R-update", []byte(`{"expiration":500}`))

	txn := store.Txn()
	txn.Append("job."+jobid+".R", []byte(`{"execution":{"expiration":100}}`))
	if err := store.Commit(txn).Wait(context.Background()); err != nil {
		t.Fatalf("seed base R: %v", err)
	}

	cache := NewUpdateCache()
	w := cache.Subscribe(context.Background(), store, jobid, "R")

	ch, unsub := w.Listen()
	defer unsub()

	select {
	case update := <-ch:
		if update.Err != nil {
			t.Fatalf("unexpected error: %v", update.Err)
		}
		var doc map[string]interface{}
		json.Unmarshal(update.Object, &doc)
		exec := doc["execution"].(map[string]interface{})
		if exec["expiration"].(float64) != 500 {
			t.Fatalf("unexpected initial snapshot expiration; actual: %v", exec["expiration"])
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for initial snapshot")
	}
}

func TestUpdateCacheLookupSharesOneWatcher(t *testing.T) {
	store := newTestStore(t)
	jobid := "f2"
	appendEntry(t, store, MainEventlogPath(jobid), "submit", []byte(`{"userid":7}`))

	cache := NewUpdateCache()
	w1 := cache.Subscribe(context.Background(), store, jobid, "jobspec")
	w2 := cache.Subscribe(context.Background(), store, jobid, "jobspec")
	if w1 != w2 {
		t.Fatalf("expected shared watcher for same (jobid,key)")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, _, ok := cache.Lookup(jobid, "jobspec"); ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for cache lookup to become available")
}
