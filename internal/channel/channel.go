// Package channel implements the subprocess stdio Channel (§4.E): a
// socketpair-backed duplex byte stream with line-buffered or raw output
// delivery and synchronous input writes.
package channel

import (
	"io"
	"os"
	"sync"

	ferrors "github.com/fluxcore/jobctl/internal/errors"
	"github.com/fluxcore/jobctl/internal/log"

	"golang.org/x/sys/unix"
)

var logger = log.New(os.Stdout, "channel")

// DefaultBufsize is the default output buffer capacity, mirroring the
// subprocess server's default per-stream buffer size.
const DefaultBufsize = 64 * 1024

// Mode selects how the output side delivers buffered bytes to its
// callback.
type Mode int

const (
	// Line delivers only complete '\n'-terminated lines, flushing a partial
	// chunk only when the buffer fills without a newline or eof is reached.
	Line Mode = iota
	// Raw delivers every buffered byte on each wake, regardless of line
	// boundaries.
	Raw
)

// OutputFunc receives one flushed chunk of data. eof is true exactly once,
// on the final callback invocation for the channel.
type OutputFunc func(data []byte, eof bool)

// NewPair creates a connected output Channel and returns the paired local
// and remote file descriptors. The remote fd is handed to the child
// process (as its stdout/stderr); the local side is read from this
// process.
func NewPair(mode Mode, bufsize int, onOutput OutputFunc) (*Output, *os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, ferrors.Wrapf(err, "create output socketpair")
	}

	if err := unix.SetNonblock(fds[0], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, nil, ferrors.Wrapf(err, "set output fd nonblocking")
	}

	if bufsize <= 0 {
		bufsize = DefaultBufsize
	}

	local := os.NewFile(uintptr(fds[0]), "channel-local")
	remote := os.NewFile(uintptr(fds[1]), "channel-remote")

	o := &Output{
		mutex:    new(sync.Mutex),
		mode:     mode,
		buf:      make([]byte, bufsize),
		local:    local,
		onOutput: onOutput,
		done:     make(chan struct{}),
	}

	go o.readLoop()
	return o, remote, nil
}

// Output is the reader half of a stdio Channel. It accumulates bytes read
// from the kernel into a linear buffer, flushing according to Mode.
type Output struct {
	mutex *sync.Mutex

	mode     Mode
	buf      []byte
	used     int
	local    *os.File
	onOutput OutputFunc

	eofDelivered bool
	done         chan struct{}
}

// Close releases the local fd and stops the read loop.
func (o *Output) Close() error {
	select {
	case <-o.done:
		return nil
	default:
		close(o.done)
	}
	return o.local.Close()
}

func (o *Output) readLoop() {
	for {
		select {
		case <-o.done:
			return
		default:
		}

		o.mutex.Lock()
		if o.used == len(o.buf) {
			// Buffer is full with no consumer progress; flush whatever is
			// pending before attempting another read.
			o.flushLocked(false)
		}
		space := o.buf[o.used:]
		o.mutex.Unlock()

		n, err := o.local.Read(space)
		if n > 0 {
			o.mutex.Lock()
			o.used += n
			o.flushLocked(false)
			o.mutex.Unlock()
		}
		if err != nil {
			o.mutex.Lock()
			if o.used > 0 {
				o.flushLocked(true)
			}
			o.deliverEOFLocked()
			o.mutex.Unlock()
			if !isExpectedReadError(err) {
				logger.Warnf("channel read error; error: %s", err)
			}
			return
		}
	}
}

func isExpectedReadError(err error) bool {
	return ferrors.Is(err, io.EOF) || ferrors.Is(err, os.ErrClosed)
}

// flushLocked delivers buffered bytes to onOutput according to Mode, and
// compacts unread bytes to the start of the buffer. Caller must hold
// o.mutex. force, when true, flushes a partial chunk with no newline
// (buffer-full or eof cases).
func (o *Output) flushLocked(force bool) {
	if o.used == 0 {
		return
	}

	switch o.mode {
	case Raw:
		o.deliver(o.buf[:o.used], false)
		o.used = 0
		return
	case Line:
		lastNL := -1
		for i := 0; i < o.used; i++ {
			if o.buf[i] == '\n' {
				lastNL = i
			}
		}
		if lastNL >= 0 {
			o.deliver(o.buf[:lastNL+1], false)
			remaining := o.used - (lastNL + 1)
			copy(o.buf, o.buf[lastNL+1:o.used])
			o.used = remaining
			return
		}
		if force || o.used == len(o.buf) {
			o.deliver(o.buf[:o.used], false)
			o.used = 0
		}
	}
}

func (o *Output) deliverEOFLocked() {
	if o.eofDelivered {
		return
	}
	o.eofDelivered = true
	o.deliver(nil, true)
}

func (o *Output) deliver(data []byte, eof bool) {
	if o.onOutput == nil {
		return
	}
	if len(data) == 0 && !eof {
		return
	}
	cp := append([]byte(nil), data...)
	o.onOutput(cp, eof)
}

// NewInputPair creates an input Channel (for a child's stdin) and returns
// its writer and the remote fd handed to the child.
func NewInputPair() (*Input, *os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, ferrors.Wrapf(err, "create input socketpair")
	}

	local := os.NewFile(uintptr(fds[0]), "channel-input-local")
	remote := os.NewFile(uintptr(fds[1]), "channel-input-remote")

	return &Input{local: local}, remote, nil
}

// Input is the writer half of a stdio Channel: writes are synchronous and
// looped until all bytes are written.
type Input struct {
	local *os.File
}

// Write writes every byte of data to the channel, looping until the
// kernel accepts it all.
func (i *Input) Write(data []byte) error {
	for len(data) > 0 {
		n, err := i.local.Write(data)
		if err != nil {
			return ferrors.Wrapf(err, "write input channel")
		}
		data = data[n:]
	}
	return nil
}

// Close closes the write side, delivering eof to the child's read end.
func (i *Input) Close() error {
	return i.local.Close()
}
