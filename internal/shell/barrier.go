package shell

import (
	"bufio"
	"io"

	ferrors "github.com/fluxcore/jobctl/internal/errors"
)

// Barrier implements the shell's two-fd collective synchronization
// protocol (§4.L): write "enter\n" on the protocol write side, block for
// "exit=0\n" on the protocol read side. On a single-rank shell the barrier
// is a no-op — there is no PMI server to round-trip with.
type Barrier struct {
	size   int
	reader *bufio.Reader
	writer io.Writer
}

// NewBarrier constructs a Barrier over the shell's protocol fds. size is
// the shell's peer count (shell_size).
func NewBarrier(size int, protoRead io.Reader, protoWrite io.Writer) *Barrier {
	return &Barrier{size: size, reader: bufio.NewReader(protoRead), writer: protoWrite}
}

// Enter blocks until every peer has entered the named barrier. label is
// carried for diagnostics only; the wire protocol itself is label-less.
func (b *Barrier) Enter(label string) error {
	if b.size <= 1 {
		return nil
	}

	if _, err := io.WriteString(b.writer, "enter\n"); err != nil {
		return ferrors.Wrapf(err, "barrier %q: write enter", label)
	}

	line, err := b.reader.ReadString('\n')
	if err != nil {
		return ferrors.Wrapf(err, "barrier %q: read response", label)
	}
	if line != "exit=0\n" {
		return ferrors.Newf(ferrors.Protocol, "barrier %q: unexpected response %q", label, line)
	}
	return nil
}
