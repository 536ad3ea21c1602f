package jobinfo

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/fluxcore/jobctl/internal/broker"
	ferrors "github.com/fluxcore/jobctl/internal/errors"
	"github.com/fluxcore/jobctl/internal/eventlog"
	"github.com/fluxcore/jobctl/internal/metrics"
)

// UpdateCache maps (jobid,key) to a single shared UpdateWatcher, so that N
// subscribers registered before the initial snapshot is ready all receive
// it from one KVS read (§4.J property 5).
type UpdateCache struct {
	mutex    sync.Mutex
	watchers map[updateKey]*UpdateWatcher
}

type updateKey struct {
	jobid string
	key   string
}

// NewUpdateCache constructs an empty UpdateCache.
func NewUpdateCache() *UpdateCache {
	return &UpdateCache{watchers: make(map[updateKey]*UpdateWatcher)}
}

// Subscribe returns the UpdateWatcher for (jobid,key), creating and
// starting it on first use.
func (c *UpdateCache) Subscribe(ctx context.Context, store broker.Store, jobid, key string) *UpdateWatcher {
	k := updateKey{jobid: jobid, key: key}

	c.mutex.Lock()
	w, ok := c.watchers[k]
	if !ok {
		w = newUpdateWatcher(jobid, key)
		c.watchers[k] = w
		metrics.UpdateWatchers.Inc()
		go func() {
			w.run(ctx, store)
			c.remove(jobid, key)
		}()
	}
	c.mutex.Unlock()

	return w
}

// Lookup returns the cached current object for (jobid,key) without a KVS
// read, or ok=false on a cache miss (the caller should fall back to a
// direct lookup).
func (c *UpdateCache) Lookup(jobid, key string) (obj json.RawMessage, userid int, ok bool) {
	c.mutex.Lock()
	w, found := c.watchers[updateKey{jobid: jobid, key: key}]
	c.mutex.Unlock()
	if !found {
		return nil, 0, false
	}
	return w.Snapshot()
}

func (c *UpdateCache) remove(jobid, key string) {
	c.mutex.Lock()
	k := updateKey{jobid: jobid, key: key}
	if _, ok := c.watchers[k]; ok {
		delete(c.watchers, k)
		metrics.UpdateWatchers.Dec()
	}
	c.mutex.Unlock()
}

// UpdateUpdate is one delivered object after the initial snapshot.
type UpdateUpdate struct {
	Object json.RawMessage
	Err    error
}

// UpdateWatcher projects a base object plus a stream of "<key>-update"
// eventlog events onto a single, continuously current value (§4.J).
type UpdateWatcher struct {
	jobid string
	key   string

	mutex       sync.Mutex
	object      json.RawMessage
	userid      int
	snapshotted bool

	subsMutex sync.Mutex
	subs      map[int]chan UpdateUpdate
	nextSubID int
}

func newUpdateWatcher(jobid, key string) *UpdateWatcher {
	return &UpdateWatcher{jobid: jobid, key: key, subs: make(map[int]chan UpdateUpdate)}
}

// Snapshot returns the current cached object, if a snapshot has been
// computed yet.
func (w *UpdateWatcher) Snapshot() (json.RawMessage, int, bool) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if !w.snapshotted {
		return nil, 0, false
	}
	return w.object, w.userid, true
}

// Listen registers a new subscriber, returning its update channel and a
// function to unsubscribe.
func (w *UpdateWatcher) Listen() (<-chan UpdateUpdate, func()) {
	w.subsMutex.Lock()
	id := w.nextSubID
	w.nextSubID++
	ch := make(chan UpdateUpdate, 8)
	w.subs[id] = ch
	w.subsMutex.Unlock()

	unsub := func() {
		w.subsMutex.Lock()
		if c, ok := w.subs[id]; ok {
			delete(w.subs, id)
			close(c)
		}
		w.subsMutex.Unlock()
	}
	return ch, unsub
}

func (w *UpdateWatcher) broadcast(u UpdateUpdate) {
	w.subsMutex.Lock()
	defer w.subsMutex.Unlock()
	for _, ch := range w.subs {
		select {
		case ch <- u:
		default:
		}
	}
}

// run computes the base object, replays applied updates to establish
// initial_update_count, then watches the eventlog for further updates.
func (w *UpdateWatcher) run(ctx context.Context, store broker.Store) {
	base, err := store.Get(ctx, "job."+w.jobid+"."+w.key)
	if err != nil && !ferrors.Is(err, ferrors.NotFound) {
		w.broadcast(UpdateUpdate{Err: err})
		return
	}

	logBytes, err := store.Get(ctx, MainEventlogPath(w.jobid))
	if err != nil {
		w.broadcast(UpdateUpdate{Err: err})
		return
	}
	entries, err := eventlog.DecodeLog(logBytes)
	if err != nil {
		w.broadcast(UpdateUpdate{Err: err})
		return
	}

	object := base
	if len(object) == 0 {
		object = json.RawMessage("{}")
	}

	initialCount := 0
	for _, entry := range entries {
		switch entry.Name {
		case "submit":
			var submit struct {
				Userid int `json:"userid"`
			}
			json.Unmarshal(entry.Context, &submit)
			w.mutex.Lock()
			w.userid = submit.Userid
			w.mutex.Unlock()
		case "clean":
			w.mutex.Lock()
			w.object = object
			w.snapshotted = true
			w.mutex.Unlock()
			w.broadcast(UpdateUpdate{Err: ferrors.New(ferrors.NoData, "job is clean")})
			return
		case w.key + "-update":
			updated, err := ApplyUpdate(w.key, object, entry.Context)
			if err != nil {
				continue
			}
			object = updated
			initialCount++
		}
	}

	w.mutex.Lock()
	w.object = object
	w.snapshotted = true
	w.mutex.Unlock()
	w.broadcast(UpdateUpdate{Object: object})

	ch, cancel, err := store.WatchAppend(ctx, MainEventlogPath(w.jobid), broker.WatchOptions{})
	if err != nil {
		w.broadcast(UpdateUpdate{Err: err})
		return
	}
	defer cancel()

	index := -1
	for ev := range ch {
		index++
		if index < len(entries) {
			continue
		}
		entry, err := eventlog.DecodeEntry(ev.Data)
		if err != nil {
			continue
		}
		if entry.Name == "clean" {
			w.broadcast(UpdateUpdate{Err: ferrors.New(ferrors.NoData, "job is clean")})
			return
		}
		if entry.Name != w.key+"-update" {
			continue
		}

		w.mutex.Lock()
		updated, err := ApplyUpdate(w.key, w.object, entry.Context)
		if err != nil {
			w.mutex.Unlock()
			continue
		}
		w.object = updated
		w.mutex.Unlock()

		w.broadcast(UpdateUpdate{Object: updated})
	}
}

// ApplyUpdate applies one update event's context onto base, per key's
// semantics (§4.J). key is "R" or "jobspec"; any other key's -update
// events are applied as a flat jpath_set of every context field.
func ApplyUpdate(key string, base json.RawMessage, context json.RawMessage) (json.RawMessage, error) {
	var doc map[string]interface{}
	if len(base) > 0 {
		if err := json.Unmarshal(base, &doc); err != nil {
			return nil, ferrors.Wrapf(err, "decode base %s object", key)
		}
	}
	if doc == nil {
		doc = map[string]interface{}{}
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(context, &fields); err != nil {
		return nil, ferrors.Wrapf(err, "decode %s-update context", key)
	}

	if key == "R" {
		if expiration, ok := fields["expiration"]; ok {
			if err := jpathSet(doc, "execution.expiration", expiration); err != nil {
				return nil, err
			}
		}
		for k := range fields {
			if k != "expiration" {
				logger.Warnf("ignoring unsupported resource-update field; key: %s", k)
			}
		}
	} else {
		for path, value := range fields {
			if err := jpathSet(doc, path, value); err != nil {
				return nil, err
			}
		}
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, ferrors.Wrapf(err, "marshal updated %s object", key)
	}
	return out, nil
}

// jpathSet sets a dotted path onto doc, creating missing intermediate
// objects and preserving existing ones. A nil value deletes the leaf and
// prunes now-empty parent objects upward.
func jpathSet(doc map[string]interface{}, path string, value interface{}) error {
	segs, err := splitJPath(path)
	if err != nil {
		return err
	}

	if value == nil {
		deleteJPath(doc, segs)
		return nil
	}

	cur := doc
	for i, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg]
		if !ok {
			m := map[string]interface{}{}
			cur[seg] = m
			cur = m
			continue
		}
		m, ok := next.(map[string]interface{})
		if !ok {
			return ferrors.Newf(ferrors.InvalidArgument, "jpath segment %q of %q is not an object", strings.Join(segs[:i+1], "."), path)
		}
		cur = m
	}
	cur[segs[len(segs)-1]] = value
	return nil
}

func deleteJPath(doc map[string]interface{}, segs []string) {
	if len(segs) == 0 {
		return
	}
	if len(segs) == 1 {
		delete(doc, segs[0])
		return
	}
	next, ok := doc[segs[0]].(map[string]interface{})
	if !ok {
		return
	}
	deleteJPath(next, segs[1:])
	if len(next) == 0 {
		delete(doc, segs[0])
	}
}

func splitJPath(path string) ([]string, error) {
	if path == "" || strings.HasPrefix(path, ".") || strings.HasSuffix(path, ".") || strings.Contains(path, "..") {
		return nil, ferrors.Newf(ferrors.InvalidArgument, "malformed jpath %q", path)
	}
	return strings.Split(path, "."), nil
}
