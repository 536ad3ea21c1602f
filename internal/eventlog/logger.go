package eventlog

import (
	"context"
	"sync"
	"time"

	"github.com/fluxcore/jobctl/internal/broker"
	ferrors "github.com/fluxcore/jobctl/internal/errors"
)

// AppendFlags tunes an EventLogger.Append call.
type AppendFlags int

const (
	// NoFlags requests the default, best-effort append behavior.
	NoFlags AppendFlags = 0
	// Wait requests a synchronous commit: Append blocks until the entry has
	// committed or failed.
	Wait AppendFlags = 1 << iota
)

// Callbacks are invoked by an EventLogger as batches transition between
// states. Any nil field is skipped.
type Callbacks struct {
	// Busy fires when the number of pending batches transitions 0->1.
	Busy func()
	// Idle fires when the number of pending batches returns to 0.
	Idle func()
	// Err fires once per failed entry when a batch's commit fails.
	Err func(entry Entry, err error)
}

// NewLogger creates an EventLogger committing batches to store via batches
// no older than batchTimeout.
func NewLogger(store broker.Store, batchTimeout time.Duration, callbacks Callbacks) *Logger {
	return &Logger{
		store:        store,
		batchTimeout: batchTimeout,
		callbacks:    callbacks,
		mutex:        new(sync.Mutex),
		batches:      make(map[string]*batch),
	}
}

// Logger batches eventlog appends per log path, flushing each batch on a
// timer or on demand. It is the sole writer path the core uses to produce
// eventlog entries; every append eventually becomes a committed line in the
// target log (§4.A), or is reported through the Err callback.
type Logger struct {
	store        broker.Store
	batchTimeout time.Duration
	callbacks    Callbacks

	mutex   *sync.Mutex
	batches map[string]*batch
}

// batch accumulates entries queued for a single log path between commits.
type batch struct {
	path    string
	entries []Entry
	timer   *time.Timer
}

// Append queues name/context as a new entry on log. If flags requests Wait,
// Append performs a synchronous commit of the batch and returns only once
// the commit has resolved.
func (l *Logger) Append(ctx context.Context, log, name string, context_ []byte, flags AppendFlags) error {
	entry := BuildEntry(0, name, context_)
	if _, err := EncodeEntry(entry); err != nil {
		return err
	}

	l.mutex.Lock()
	b, existed := l.batches[log]
	if !existed {
		b = &batch{path: log}
		l.batches[log] = b
		if len(l.batches) == 1 && l.callbacks.Busy != nil {
			l.callbacks.Busy()
		}
		b.timer = time.AfterFunc(l.batchTimeout, func() { l.commitTimer(log) })
	}
	b.entries = append(b.entries, entry)
	l.mutex.Unlock()

	logger.Debugf("queued eventlog append; log: %s, name: %s", log, name)

	if flags&Wait != 0 {
		return l.flushLog(ctx, log)
	}
	return nil
}

// Flush performs a synchronous commit of every pending batch, one log at a
// time, returning the first commit error. It is a no-op if no batch is
// pending.
func (l *Logger) Flush(ctx context.Context) error {
	l.mutex.Lock()
	paths := make([]string, 0, len(l.batches))
	for path := range l.batches {
		paths = append(paths, path)
	}
	l.mutex.Unlock()

	for _, path := range paths {
		if err := l.flushLog(ctx, path); err != nil {
			return err
		}
	}
	return nil
}

// Commit commits the current batch on log immediately and returns once the
// commit has resolved, with its error; it does not return a future.
// Equivalent to Flush scoped to a single log.
func (l *Logger) Commit(ctx context.Context, log string) error {
	return l.flushLog(ctx, log)
}

func (l *Logger) commitTimer(log string) {
	if err := l.flushLog(context.Background(), log); err != nil {
		logger.Errorf("timer commit failed; log: %s, error: %v", log, err)
	}
}

func (l *Logger) flushLog(ctx context.Context, log string) error {
	l.mutex.Lock()
	b, ok := l.batches[log]
	if !ok {
		l.mutex.Unlock()
		return nil
	}
	delete(l.batches, log)
	if b.timer != nil {
		b.timer.Stop()
	}
	entries := b.entries
	remaining := len(l.batches)
	l.mutex.Unlock()

	if remaining == 0 && l.callbacks.Idle != nil {
		l.callbacks.Idle()
	}

	txn := l.store.Txn()
	encoded := make([][]byte, len(entries))
	for i, entry := range entries {
		b, err := EncodeEntry(entry)
		if err != nil {
			// Encode failures were already caught in Append; defensive only.
			return err
		}
		encoded[i] = b
		txn.Append(log, b)
	}

	future := l.store.Commit(txn)
	if err := future.Wait(ctx); err != nil {
		if l.callbacks.Err != nil {
			for _, entry := range entries {
				l.callbacks.Err(entry, err)
			}
		}
		return ferrors.Wrapf(err, "commit eventlog batch; log: %s", log)
	}
	return nil
}

// Reconnect re-scans the durable log at path and re-emits every entry in
// pending that cannot be found there. It is called after a broker
// reconnection, when entries may have been queued or even committed before
// the connection dropped without the client observing the commit result.
func (l *Logger) Reconnect(ctx context.Context, path string, pending []Entry) error {
	durable, err := l.store.Get(ctx, path)
	if err != nil && !ferrors.Is(err, ferrors.NotFound) {
		return ferrors.Wrapf(err, "reconnect read durable log; path: %s", path)
	}

	existing, err := DecodeLog(durable)
	if err != nil {
		return ferrors.Wrapf(err, "reconnect decode durable log; path: %s", path)
	}

	seen := make(map[string]bool, len(existing))
	for _, entry := range existing {
		seen[entry.Name+"\x00"+string(entry.Context)] = true
	}

	for _, entry := range pending {
		key := entry.Name + "\x00" + string(entry.Context)
		if seen[key] {
			continue
		}
		if err := l.Append(ctx, path, entry.Name, entry.Context, Wait); err != nil {
			return err
		}
	}
	return nil
}
