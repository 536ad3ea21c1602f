package channel

import (
	"sync"
	"testing"
	"time"
)

func TestOutputLineBuffering(t *testing.T) {
	var mu sync.Mutex
	var chunks [][]byte
	var eofSeen bool

	out, remote, err := NewPair(Line, DefaultBufsize, func(data []byte, eof bool) {
		mu.Lock()
		defer mu.Unlock()
		if eof {
			eofSeen = true
			return
		}
		chunks = append(chunks, data)
	})
	if err != nil {
		t.Fatalf("new pair: %v", err)
	}
	defer out.Close()

	if _, err := remote.Write([]byte("line one\nline two\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	remote.Close()

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		done := eofSeen
		mu.Unlock()
		if done {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for eof")
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(chunks) != 1 {
		t.Fatalf("expected one flushed chunk of complete lines; actual: %d", len(chunks))
	}
	if string(chunks[0]) != "line one\nline two\n" {
		t.Fatalf("unexpected chunk: %q", chunks[0])
	}
}

func TestInputWriteLoop(t *testing.T) {
	in, remote, err := NewInputPair()
	if err != nil {
		t.Fatalf("new input pair: %v", err)
	}
	defer remote.Close()

	payload := make([]byte, 256*1024)
	for i := range payload {
		payload[i] = byte(i)
	}

	done := make(chan error, 1)
	go func() {
		buf := make([]byte, len(payload))
		read := 0
		for read < len(buf) {
			n, err := remote.Read(buf[read:])
			read += n
			if err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	if err := in.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	in.Close()

	if err := <-done; err != nil {
		t.Fatalf("read payload: %v", err)
	}
}
