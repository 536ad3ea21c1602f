package broker

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	ferrors "github.com/fluxcore/jobctl/internal/errors"
	"github.com/fluxcore/jobctl/internal/fsnotify"
	"github.com/fluxcore/jobctl/internal/log"
)

var logger = log.New(os.Stdout, "broker")

// NewLocalStore creates a file-backed Store rooted at dir. It is the
// reference Store implementation used by tests and single-node
// deployments; a real deployment points the core at the cluster KVS
// through the same Store interface.
func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, ferrors.Wrap(err)
	}
	return &LocalStore{
		dir:      dir,
		mutex:    new(sync.Mutex),
		watchers: make(map[string][]chan AppendEvent),
	}, nil
}

// LocalStore is a single-process, file-backed Store. Every path maps to a
// regular file under dir; appends are serialized by mutex, giving the
// atomic-append and commit-order guarantees the core requires without a
// real distributed KVS.
type LocalStore struct {
	dir   string
	mutex *sync.Mutex

	watchers map[string][]chan AppendEvent
}

type localTxn struct {
	ops []localOp
}

type localOp struct {
	path string
	data []byte
}

func (t *localTxn) Append(path string, data []byte) {
	t.ops = append(t.ops, localOp{path: path, data: data})
}

func (s *LocalStore) Txn() Txn { return &localTxn{} }

type localFuture struct{ err error }

func (f localFuture) Wait(ctx context.Context) error { return f.err }

// Commit applies every staged append under the store mutex, giving
// per-transaction atomicity and global commit ordering.
func (s *LocalStore) Commit(txn Txn) CommitFuture {
	lt, ok := txn.(*localTxn)
	if !ok {
		return localFuture{err: ferrors.New(ferrors.InvalidArgument, "foreign transaction")}
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, op := range lt.ops {
		idx, err := s.appendLocked(op.path, op.data)
		if err != nil {
			return localFuture{err: err}
		}
		s.notifyLocked(op.path, AppendEvent{Data: op.data, Index: idx})
	}
	return localFuture{}
}

func (s *LocalStore) appendLocked(path string, data []byte) (int, error) {
	full := s.fullPath(path)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return 0, ferrors.Wrap(err)
	}
	fd, err := os.OpenFile(full, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return 0, ferrors.Wrap(err)
	}
	defer fd.Close()

	existing, _ := os.ReadFile(full)
	idx := countLines(existing)

	if _, err := fd.Write(data); err != nil {
		return 0, ferrors.Wrap(err)
	}
	return idx, nil
}

func countLines(b []byte) int {
	n := 0
	for _, c := range b {
		if c == '\n' {
			n++
		}
	}
	return n
}

// Get performs a snapshot read of path.
func (s *LocalStore) Get(ctx context.Context, path string) ([]byte, error) {
	b, err := os.ReadFile(s.fullPath(path))
	if os.IsNotExist(err) {
		return nil, ferrors.Newf(ferrors.NotFound, "key %s", path)
	}
	if err != nil {
		return nil, ferrors.Wrap(err)
	}
	return b, nil
}

// WatchAppend streams appends to path. It first replays every line already
// present, then blocks for live appends delivered via Commit.
func (s *LocalStore) WatchAppend(ctx context.Context, path string, opts WatchOptions) (<-chan AppendEvent, CancelFunc, error) {
	full := s.fullPath(path)
	if _, err := os.Stat(full); os.IsNotExist(err) && !opts.WaitCreate {
		return nil, nil, ferrors.Newf(ferrors.NotFound, "key %s", path)
	}

	out := make(chan AppendEvent, 16)
	s.mutex.Lock()
	existing, _ := os.ReadFile(full)
	s.watchers[path] = append(s.watchers[path], out)
	s.mutex.Unlock()

	go func() {
		for i, line := range splitLines(existing) {
			select {
			case out <- AppendEvent{Data: line, Index: i}:
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel := func() {
		s.mutex.Lock()
		defer s.mutex.Unlock()
		chans := s.watchers[path]
		for i, c := range chans {
			if c == out {
				s.watchers[path] = append(chans[:i], chans[i+1:]...)
				close(c)
				break
			}
		}
	}

	go func() {
		<-ctx.Done()
		cancel()
	}()

	return out, cancel, nil
}

func splitLines(b []byte) [][]byte {
	var out [][]byte
	start := 0
	for i, c := range b {
		if c == '\n' {
			out = append(out, append([]byte(nil), b[start:i+1]...))
			start = i + 1
		}
	}
	return out
}

func (s *LocalStore) notifyLocked(path string, ev AppendEvent) {
	for _, c := range s.watchers[path] {
		select {
		case c <- ev:
		default:
			logger.Warnf("watcher channel full, dropping notification; path: %s", path)
		}
	}
}

// Remove deletes path.
func (s *LocalStore) Remove(ctx context.Context, path string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if err := os.RemoveAll(s.fullPath(path)); err != nil {
		return ferrors.Wrap(err)
	}
	return nil
}

// Copy duplicates src to dst.
func (s *LocalStore) Copy(ctx context.Context, src, dst string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	b, err := os.ReadFile(s.fullPath(src))
	if err != nil {
		return ferrors.Wrap(err)
	}
	if err := os.MkdirAll(filepath.Dir(s.fullPath(dst)), 0755); err != nil {
		return ferrors.Wrap(err)
	}
	return ferrors.Wrap(os.WriteFile(s.fullPath(dst), b, 0644))
}

func (s *LocalStore) fullPath(path string) string {
	return filepath.Join(s.dir, filepath.FromSlash(path))
}

// keep fsnotify referenced: consumers that want OS-level filesystem events
// (rather than the in-process notification channel above) can layer a
// fsnotify.Watcher on top of the directory LocalStore writes to. Nothing in
// this tree does so yet.
var _ = fsnotify.NewWatcher
